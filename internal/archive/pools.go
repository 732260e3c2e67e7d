package archive

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// PoolSet bounds how many fragment-set fan-outs run at once. Each fan-out
// gets its own worker group sized to the set width; callers beyond Max wait
// up to the configured timeout.
type PoolSet struct {
	sem     *semaphore.Weighted
	wait    time.Duration
	metrics *Metrics
}

// NewPoolSet allows max concurrent fan-outs. A zero wait means callers wait
// until their context ends.
func NewPoolSet(max int, wait time.Duration, metrics *Metrics) *PoolSet {
	if max < 1 {
		max = 1
	}
	return &PoolSet{
		sem:     semaphore.NewWeighted(int64(max)),
		wait:    wait,
		metrics: metrics,
	}
}

// Run calls fn for every index in [0, n) in parallel and waits for all of
// them. One failure does not cancel the others; the per-index errors are
// returned for the caller to weigh against its error budget. The returned
// error is non-nil only if no pool could be obtained.
func (p *PoolSet) Run(ctx context.Context, n int, fn func(ctx context.Context, i int) error) ([]error, error) {
	start := time.Now()
	acquireCtx := ctx
	if p.wait > 0 {
		var cancel context.CancelFunc
		acquireCtx, cancel = context.WithTimeout(ctx, p.wait)
		defer cancel()
	}
	if err := p.sem.Acquire(acquireCtx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s", ErrPoolExhausted, p.wait)
		}
		return nil, err
	}
	defer p.sem.Release(1)
	p.metrics.RecordPoolWait(time.Since(start))

	errs := make([]error, n)
	var g errgroup.Group
	g.SetLimit(max(n, 1))
	for i := 0; i < n; i++ {
		g.Go(func() error {
			errs[i] = fn(ctx, i)
			return nil
		})
	}
	_ = g.Wait()
	return errs, nil
}

// sequential calls fn for every index in order, one at a time.
func sequential(ctx context.Context, n int, fn func(ctx context.Context, i int) error) []error {
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			errs[i] = err
			continue
		}
		errs[i] = fn(ctx, i)
	}
	return errs
}
