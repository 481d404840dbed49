package engine

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerPool_RunsAllSubmittedWork(t *testing.T) {
	pool := NewWorkerPool(3)
	defer pool.Shutdown()

	var done atomic.Int64
	for i := 0; i < 10; i++ {
		require.NoError(t, pool.Submit(context.Background(), func(ctx context.Context) {
			done.Add(1)
		}))
	}
	pool.Wait()
	assert.Equal(t, int64(10), done.Load())
}

func TestWorkerPool_BoundsConcurrency(t *testing.T) {
	pool := NewWorkerPool(2)
	defer pool.Shutdown()

	var active, peak atomic.Int64
	for i := 0; i < 8; i++ {
		require.NoError(t, pool.Submit(context.Background(), func(ctx context.Context) {
			cur := active.Add(1)
			for {
				p := peak.Load()
				if cur <= p || peak.CompareAndSwap(p, cur) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			active.Add(-1)
		}))
	}
	pool.Wait()
	assert.LessOrEqual(t, peak.Load(), int64(2))
}

func TestWorkerPool_SubmitAfterShutdown(t *testing.T) {
	pool := NewWorkerPool(1)
	pool.Shutdown()
	err := pool.Submit(context.Background(), func(ctx context.Context) {})
	assert.ErrorIs(t, err, ErrPoolShutdown)
}

func TestWorkerPool_SubmitHonorsCancellation(t *testing.T) {
	pool := NewWorkerPool(1)
	defer pool.Shutdown()

	release := make(chan struct{})
	require.NoError(t, pool.Submit(context.Background(), func(ctx context.Context) {
		<-release
	}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := pool.Submit(ctx, func(ctx context.Context) {})
	assert.Error(t, err)

	close(release)
	pool.Wait()
}
