package concurrency

import (
	"context"
	"sync"
	"sync/atomic"
)

// Coordinator is a reader/writer lock that favours its writer. While a
// writer holds or waits for the lock no new reader enters, but the writer
// calls Checkpoint at safe points to let the readers already waiting run to
// completion before it continues.
type Coordinator struct {
	mu   sync.Mutex
	cond *sync.Cond

	writer        bool
	writerWaiting int
	readers       int

	// Tickets order waiting readers. A checkpoint admits every ticket up to
	// admitUpTo; admitPending counts those not yet entered.
	nextTicket   uint64
	admitUpTo    uint64
	admitPending int
	waiting      int
	pausing      bool

	checkpoints atomic.Int64
	admitted    atomic.Int64
}

// CoordinatorStats reports checkpoint activity.
type CoordinatorStats struct {
	Checkpoints     int64
	ReadersAdmitted int64
}

// NewCoordinator creates an unlocked Coordinator.
func NewCoordinator() *Coordinator {
	c := &Coordinator{}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Lock acquires the writer side, waiting for active readers to leave.
func (c *Coordinator) Lock(ctx context.Context) error {
	c.mu.Lock()
	c.writerWaiting++

	done := make(chan struct{})
	defer close(done)
	go c.watchContext(ctx, done)

	for c.writer || c.pausing || c.readers > 0 {
		c.cond.Wait()
		if err := ctx.Err(); err != nil {
			c.writerWaiting--
			c.cond.Broadcast()
			c.mu.Unlock()
			return err
		}
	}
	c.writerWaiting--
	c.writer = true
	c.mu.Unlock()
	return nil
}

// Unlock releases the writer side.
func (c *Coordinator) Unlock() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writer = false
	c.cond.Broadcast()
}

// RLock acquires a reader share. It blocks while a writer holds or is
// waiting for the lock, unless a checkpoint admits it.
func (c *Coordinator) RLock(ctx context.Context) error {
	c.mu.Lock()
	if !c.writer && !c.pausing && c.writerWaiting == 0 {
		c.readers++
		c.mu.Unlock()
		return nil
	}

	c.nextTicket++
	ticket := c.nextTicket
	c.waiting++

	done := make(chan struct{})
	defer close(done)
	go c.watchContext(ctx, done)

	for {
		if c.pausing && ticket <= c.admitUpTo {
			c.admitPending--
			c.admitted.Add(1)
			break
		}
		if !c.writer && !c.pausing && c.writerWaiting == 0 {
			break
		}
		c.cond.Wait()
		if err := ctx.Err(); err != nil {
			c.waiting--
			if c.pausing && ticket <= c.admitUpTo {
				c.admitPending--
				c.cond.Broadcast()
			}
			c.mu.Unlock()
			return err
		}
	}
	c.waiting--
	c.readers++
	c.mu.Unlock()
	return nil
}

// RUnlock releases a reader share.
func (c *Coordinator) RUnlock() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readers--
	if c.readers == 0 {
		c.cond.Broadcast()
	}
}

// Checkpoint must be called by the writer while holding the lock. It lets
// exactly the readers waiting at the time of the call run, waits for them to
// finish, and returns with the writer lock held again. Readers arriving
// during the pause keep waiting.
func (c *Coordinator) Checkpoint() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.waiting == 0 {
		return
	}

	c.checkpoints.Add(1)
	c.admitUpTo = c.nextTicket
	c.admitPending = c.waiting
	c.writer = false
	c.pausing = true
	c.cond.Broadcast()

	for c.admitPending > 0 || c.readers > 0 {
		c.cond.Wait()
	}
	c.pausing = false
	c.writer = true
}

// Read runs fn holding a reader share.
func (c *Coordinator) Read(ctx context.Context, fn func() error) error {
	if err := c.RLock(ctx); err != nil {
		return err
	}
	defer c.RUnlock()
	return fn()
}

// Write runs fn holding the writer lock.
func (c *Coordinator) Write(ctx context.Context, fn func() error) error {
	if err := c.Lock(ctx); err != nil {
		return err
	}
	defer c.Unlock()
	return fn()
}

// Waiting returns the number of readers blocked on the coordinator.
func (c *Coordinator) Waiting() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.waiting
}

// Stats returns checkpoint counters.
func (c *Coordinator) Stats() CoordinatorStats {
	return CoordinatorStats{
		Checkpoints:     c.checkpoints.Load(),
		ReadersAdmitted: c.admitted.Load(),
	}
}

func (c *Coordinator) watchContext(ctx context.Context, done <-chan struct{}) {
	select {
	case <-ctx.Done():
		c.mu.Lock()
		c.cond.Broadcast()
		c.mu.Unlock()
	case <-done:
	}
}
