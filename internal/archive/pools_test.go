package archive

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolSet_RunCollectsErrors(t *testing.T) {
	p := NewPoolSet(2, time.Second, nil)
	boom := errors.New("boom")
	var calls atomic.Int32
	errs, err := p.Run(context.Background(), 5, func(_ context.Context, i int) error {
		calls.Add(1)
		if i%2 == 1 {
			return boom
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int32(5), calls.Load())
	assert.Equal(t, []error{nil, boom, nil, boom, nil}, errs)
}

func TestPoolSet_Exhausted(t *testing.T) {
	p := NewPoolSet(1, 20*time.Millisecond, nil)
	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = p.Run(context.Background(), 1, func(context.Context, int) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	_, err := p.Run(context.Background(), 1, func(context.Context, int) error { return nil })
	assert.ErrorIs(t, err, ErrPoolExhausted)

	close(release)
	<-done
	_, err = p.Run(context.Background(), 1, func(context.Context, int) error { return nil })
	assert.NoError(t, err)
}

func TestPoolSet_ContextCancelled(t *testing.T) {
	p := NewPoolSet(1, 0, nil)
	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = p.Run(context.Background(), 1, func(context.Context, int) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := p.Run(ctx, 1, func(context.Context, int) error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	<-done
}

func TestSequential_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	errs := sequential(ctx, 3, func(_ context.Context, i int) error {
		if i == 0 {
			cancel()
		}
		return nil
	})
	assert.NoError(t, errs[0])
	assert.ErrorIs(t, errs[1], context.Canceled)
	assert.ErrorIs(t, errs[2], context.Canceled)
}
