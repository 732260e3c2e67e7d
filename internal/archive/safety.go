package archive

import (
	"context"
	"errors"
	"fmt"

	"github.com/tunnelmesh/oarchive/internal/layout"
)

// refQuorum is the number of fragments a reference count decision must
// reach: 2M+1, capped at the set width for shapes with few data fragments.
func refQuorum(data, parity int) int {
	return min(2*parity+1, data+parity)
}

type safetyResult struct {
	// agreed is false when some fragment has seen more increments than
	// the candidate.
	agreed  bool
	max     int32
	checked int
}

// safetyCheck decides whether a referee fragment whose count reached zero
// may be tombstoned, by reading maxRefCount from the other fragments of
// its chunk. held is the locked fragment that reached zero.
//
// In check mode the other fragments are only read and the result carries
// the largest maxRefCount seen; fewer than refQuorum readable fragments is
// ErrSafetyCheck. In correct mode every fragment behind maxRef, held
// included, is raised to it under its own lock, taken without waiting.
func safetyCheck(ctx context.Context, env *Env, maxRef int32, correct bool, held *FragmentFile, l layout.Layout) (safetyResult, error) {
	ft := held.footer
	width := int(ft.Data + ft.Parity)
	res := safetyResult{agreed: true, max: maxRef, checked: 1}

	if correct {
		if _, err := held.correctRefCount(maxRef); err != nil {
			return res, err
		}
	}

	for i := 0; i < width; i++ {
		if i == held.frag {
			continue
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}
		disk := l.Disk(i)
		if disk == nil {
			continue
		}
		ff := NewFragmentFile(env, held.id, i, disk)
		var err error
		if correct {
			// held stays locked, so never wait on another lock here. A busy
			// fragment goes unchecked and the caller retries later.
			_, err = ff.openReadWriteTryLock(ctx)
		} else {
			_, err = ff.Open(ctx)
		}
		if errors.Is(err, ErrFragmentDeleted) {
			res.checked++
			continue
		}
		if err != nil {
			held.logger.Debug().Err(err).Int("other", i).Msg("safety check: fragment unreadable")
			continue
		}

		other := ff.footer.MaxRefCount
		if correct {
			if _, err := ff.correctRefCount(maxRef); err != nil {
				held.logger.Warn().Err(err).Int("other", i).Msg("safety check: correction failed")
				ff.Close()
				continue
			}
		} else if other > res.max {
			res.agreed = false
			res.max = other
		}
		ff.Close()
		res.checked++
	}

	if correct {
		// held is raised whatever else was reachable, which already keeps
		// it from being tombstoned. Skipped fragments correct themselves
		// when their own count reaches zero.
		if res.checked < width {
			held.logger.Debug().Int("checked", res.checked).Int("width", width).Msg("safety check: partial correction")
		}
		return res, nil
	}
	if q := refQuorum(int(ft.Data), int(ft.Parity)); res.checked < q {
		return res, fmt.Errorf("%w: %d of %d fragments checked, need %d", ErrSafetyCheck, res.checked, width, q)
	}
	return res, nil
}
