package archive

import (
	"fmt"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"

	"github.com/tunnelmesh/oarchive/internal/oid"
)

// StoreContext records the progress of a multi-chunk store. It is saved
// next to every fragment of each chunk closed so far and removed when the
// chunk is committed.
type StoreContext struct {
	Object      oid.ID    `cbor:"1,keyasint"`
	ChunksDone  int       `cbor:"2,keyasint"`
	BytesDone   int64     `cbor:"3,keyasint"`
	BlockSize   int       `cbor:"4,keyasint"`
	ChunkBlocks int       `cbor:"5,keyasint"`
	Started     time.Time `cbor:"6,keyasint"`
}

var (
	ctxEncMode cbor.EncMode
	ctxDecMode cbor.DecMode

	zstdEncoders = sync.Pool{
		New: func() any {
			enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault), zstd.WithEncoderConcurrency(1))
			return enc
		},
	}
	zstdDecoders = sync.Pool{
		New: func() any {
			dec, _ := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
			return dec
		},
	}
)

func init() {
	opts := cbor.CoreDetEncOptions()
	opts.TextMarshaler = cbor.TextMarshalerTextString
	opts.Time = cbor.TimeRFC3339Nano
	var err error
	if ctxEncMode, err = opts.EncMode(); err != nil {
		panic("archive: CBOR encoder initialization failed: " + err.Error())
	}
	ctxDecMode, err = cbor.DecOptions{
		TextUnmarshaler: cbor.TextUnmarshalerTextString,
	}.DecMode()
	if err != nil {
		panic("archive: CBOR decoder initialization failed: " + err.Error())
	}
}

// MarshalStoreContext encodes sc as zstd-compressed CBOR.
func MarshalStoreContext(sc StoreContext) ([]byte, error) {
	raw, err := ctxEncMode.Marshal(sc)
	if err != nil {
		return nil, fmt.Errorf("encode store context: %w", err)
	}
	enc := zstdEncoders.Get().(*zstd.Encoder)
	defer zstdEncoders.Put(enc)
	return enc.EncodeAll(raw, make([]byte, 0, len(raw))), nil
}

// UnmarshalStoreContext decodes the output of MarshalStoreContext.
func UnmarshalStoreContext(p []byte) (StoreContext, error) {
	var sc StoreContext
	dec := zstdDecoders.Get().(*zstd.Decoder)
	defer zstdDecoders.Put(dec)
	raw, err := dec.DecodeAll(p, nil)
	if err != nil {
		return sc, fmt.Errorf("decompress store context: %w", err)
	}
	if err := ctxDecMode.Unmarshal(raw, &sc); err != nil {
		return sc, fmt.Errorf("decode store context: %w", err)
	}
	return sc, nil
}
