package concurrency

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, time.Second, time.Millisecond)
}

func TestCoordinator_ReadersShare(t *testing.T) {
	c := NewCoordinator()
	ctx := context.Background()

	require.NoError(t, c.RLock(ctx))
	require.NoError(t, c.RLock(ctx))
	c.RUnlock()
	c.RUnlock()

	require.NoError(t, c.Lock(ctx))
	c.Unlock()
}

func TestCoordinator_WriterWaitsForReaders(t *testing.T) {
	c := NewCoordinator()
	ctx := context.Background()
	require.NoError(t, c.RLock(ctx))

	var locked atomic.Bool
	go func() {
		if c.Lock(ctx) == nil {
			locked.Store(true)
		}
	}()

	time.Sleep(20 * time.Millisecond)
	assert.False(t, locked.Load())

	// A waiting writer keeps new readers out.
	rctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.RLock(rctx), context.DeadlineExceeded)

	c.RUnlock()
	waitFor(t, locked.Load)
	c.Unlock()
}

func TestCoordinator_CheckpointAdmitsWaitingReaders(t *testing.T) {
	c := NewCoordinator()
	ctx := context.Background()
	require.NoError(t, c.Lock(ctx))

	var (
		wg   sync.WaitGroup
		ran  atomic.Int32
		hold = make(chan struct{})
	)
	for range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := c.Read(ctx, func() error {
				ran.Add(1)
				<-hold
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	waitFor(t, func() bool { return c.Waiting() == 3 })
	assert.Zero(t, ran.Load())

	returned := make(chan struct{})
	go func() {
		c.Checkpoint()
		close(returned)
	}()

	waitFor(t, func() bool { return ran.Load() == 3 })
	select {
	case <-returned:
		t.Fatal("checkpoint returned while admitted readers were still running")
	case <-time.After(20 * time.Millisecond):
	}

	close(hold)
	<-returned
	wg.Wait()

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Checkpoints)
	assert.Equal(t, int64(3), stats.ReadersAdmitted)

	// The writer holds the lock again after the checkpoint.
	rctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.RLock(rctx), context.DeadlineExceeded)
	c.Unlock()
}

func TestCoordinator_CheckpointWithoutWaitersReturns(t *testing.T) {
	c := NewCoordinator()
	require.NoError(t, c.Lock(context.Background()))
	c.Checkpoint()
	assert.Zero(t, c.Stats().Checkpoints)
	c.Unlock()
}

func TestCoordinator_LateReaderWaitsForNextCheckpoint(t *testing.T) {
	c := NewCoordinator()
	ctx := context.Background()
	require.NoError(t, c.Lock(ctx))

	hold := make(chan struct{})
	first := make(chan struct{})
	go func() {
		_ = c.Read(ctx, func() error {
			close(first)
			<-hold
			return nil
		})
	}()
	waitFor(t, func() bool { return c.Waiting() == 1 })

	returned := make(chan struct{})
	go func() {
		c.Checkpoint()
		close(returned)
	}()
	<-first

	var late atomic.Bool
	go func() {
		_ = c.Read(ctx, func() error {
			late.Store(true)
			return nil
		})
	}()
	waitFor(t, func() bool { return c.Waiting() == 1 })

	close(hold)
	<-returned
	assert.False(t, late.Load())

	c.Unlock()
	waitFor(t, late.Load)
}

func TestCoordinator_CancelledAdmittedReader(t *testing.T) {
	c := NewCoordinator()
	ctx := context.Background()
	require.NoError(t, c.Lock(ctx))

	rctx, cancel := context.WithCancel(ctx)
	errc := make(chan error, 1)
	go func() { errc <- c.RLock(rctx) }()
	waitFor(t, func() bool { return c.Waiting() == 1 })

	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)
	assert.Zero(t, c.Waiting())

	c.Checkpoint()
	c.Unlock()
}

func TestCoordinator_LockCancelled(t *testing.T) {
	c := NewCoordinator()
	ctx := context.Background()
	require.NoError(t, c.RLock(ctx))

	lctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.Lock(lctx), context.DeadlineExceeded)

	// The abandoned writer no longer blocks readers.
	require.NoError(t, c.RLock(ctx))
	c.RUnlock()
	c.RUnlock()
}
