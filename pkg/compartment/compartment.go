// Package compartment provides the single-threaded execution context that
// serializes all protocol state changes of one node.
//
// I/O goroutines only Offer tasks. Protocol code runs inside Process and Tick,
// one task at a time, so protocol state machines need no locks.
package compartment

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

var ErrClosed = errors.New("compartment: closed")

// Timer is called on every tick with the current time.
type Timer func(now time.Time)

type Compartment struct {
	clock  clockwork.Clock
	period time.Duration
	logger *zap.Logger

	mu      sync.Mutex
	queue   []func()
	closed  bool
	signal  chan struct{}
	timers  []Timer
	running bool
}

func New(clock clockwork.Clock, period time.Duration, logger *zap.Logger) *Compartment {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Compartment{
		clock:  clock,
		period: period,
		logger: logger,
		signal: make(chan struct{}, 1),
	}
}

func (c *Compartment) Clock() clockwork.Clock {
	return c.clock
}

// AddTimer registers a periodic callback. Call before Run.
func (c *Compartment) AddTimer(t Timer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timers = append(c.timers, t)
}

// Offer enqueues a task. Safe from any goroutine.
func (c *Compartment) Offer(task func()) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.queue = append(c.queue, task)
	c.mu.Unlock()
	select {
	case c.signal <- struct{}{}:
	default:
	}
	return true
}

// Call runs fn inside the compartment and waits for it to finish. It must not
// be used from inside the compartment.
func (c *Compartment) Call(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if !c.Offer(func() {
		defer close(done)
		fn()
	}) {
		return ErrClosed
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Process runs queued tasks, including tasks queued by them, until the queue is
// empty. It returns the number of tasks executed.
func (c *Compartment) Process() int {
	n := 0
	for {
		c.mu.Lock()
		if len(c.queue) == 0 {
			c.mu.Unlock()
			return n
		}
		batch := c.queue
		c.queue = nil
		c.mu.Unlock()
		for _, task := range batch {
			task()
			n++
		}
	}
}

// Tick runs every registered timer once.
func (c *Compartment) Tick() {
	c.mu.Lock()
	timers := c.timers
	c.mu.Unlock()
	now := c.clock.Now()
	for _, t := range timers {
		t(now)
	}
}

func (c *Compartment) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Run drives the compartment until ctx is done or Close is called.
func (c *Compartment) Run(ctx context.Context) {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	c.running = true
	c.mu.Unlock()

	ticker := c.clock.NewTicker(c.period)
	defer ticker.Stop()
	c.logger.Debug("compartment started", zap.Duration("period", c.period))
	for {
		select {
		case <-ctx.Done():
			c.Close()
			return
		case <-c.signal:
			c.Process()
		case <-ticker.Chan():
			c.Tick()
			c.Process()
		}
		if c.isClosed() {
			return
		}
	}
}

func (c *Compartment) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.queue = nil
}

func (c *Compartment) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
