package archive

import (
	"fmt"
	"hash"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/blake2b"

	"github.com/tunnelmesh/oarchive/internal/archive/footer"
)

// newContentHash returns the running object hash named by name, or nil for
// "none". Digests fill footer.ContentHashLength bytes.
func newContentHash(name string) (hash.Hash, error) {
	switch name {
	case "", "blake3":
		return blake3.New(), nil
	case "blake2b":
		return blake2b.New(footer.ContentHashLength, nil)
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: unknown content hash %q", ErrInvalidArgument, name)
	}
}
