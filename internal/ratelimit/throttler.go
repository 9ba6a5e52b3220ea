// Package ratelimit provides the process-wide, priority-aware throttler that
// all LLM and provider calls pass through.
package ratelimit

import (
	"container/heap"
	"context"
	"sync/atomic"
	"time"
)

// Priority orders waiters: higher-priority operations (verification, replan)
// are granted before lower-priority ones (router pre-filtering).
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

// Config configures the throttler.
type Config struct {
	// MinSpacing is the minimum interval between consecutive grants.
	MinSpacing time.Duration `yaml:"min_spacing"`
	// MaxInFlight bounds the number of concurrently outstanding grants.
	MaxInFlight int `yaml:"max_in_flight"`
	// Enabled controls whether throttling is active.
	Enabled bool `yaml:"enabled"`
}

// DefaultConfig returns the default throttler configuration.
func DefaultConfig() Config {
	return Config{
		MinSpacing:  250 * time.Millisecond,
		MaxInFlight: 4,
		Enabled:     true,
	}
}

type waiter struct {
	priority  Priority
	seq       uint64
	ready     chan struct{}
	cancelled atomic.Bool
}

// waiterQueue is a max-heap by priority, FIFO within a priority.
type waiterQueue []*waiter

func (q waiterQueue) Len() int { return len(q) }

func (q waiterQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority > q[j].priority
	}
	return q[i].seq < q[j].seq
}

func (q waiterQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *waiterQueue) Push(x any) { *q = append(*q, x.(*waiter)) }

func (q *waiterQueue) Pop() any {
	old := *q
	n := len(old)
	w := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return w
}

// Throttler serializes grants through a dedicated worker goroutine. The
// worker is the only owner of the queue and the spacing clock, so no locks
// protect them.
type Throttler struct {
	config    Config
	acquireCh chan *waiter
	releaseCh chan struct{}
	stopCh    chan struct{}
	seq       atomic.Uint64
}

// New creates and starts a throttler.
func New(config Config) *Throttler {
	if config.MaxInFlight <= 0 {
		config.MaxInFlight = 1
	}
	t := &Throttler{
		config:    config,
		acquireCh: make(chan *waiter),
		releaseCh: make(chan struct{}),
		stopCh:    make(chan struct{}),
	}
	if config.Enabled {
		go t.run()
	}
	return t
}

// Acquire blocks until a slot is granted or ctx is cancelled. The returned
// release function must be called exactly once when the guarded call
// finishes; it is safe to call after Stop.
func (t *Throttler) Acquire(ctx context.Context, priority Priority) (func(), error) {
	if !t.config.Enabled {
		return func() {}, nil
	}
	w := &waiter{
		priority: priority,
		seq:      t.seq.Add(1),
		ready:    make(chan struct{}),
	}
	select {
	case t.acquireCh <- w:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.stopCh:
		return func() {}, nil
	}
	select {
	case <-w.ready:
		return t.releaseFunc(), nil
	case <-ctx.Done():
		w.cancelled.Store(true)
		// The worker may have granted concurrently with cancellation; give
		// the slot back if so.
		select {
		case <-w.ready:
			t.releaseFunc()()
		default:
		}
		return nil, ctx.Err()
	case <-t.stopCh:
		return func() {}, nil
	}
}

func (t *Throttler) releaseFunc() func() {
	var once atomic.Bool
	return func() {
		if !once.CompareAndSwap(false, true) {
			return
		}
		select {
		case t.releaseCh <- struct{}{}:
		case <-t.stopCh:
		}
	}
}

// Stop shuts down the worker. Outstanding and future Acquires return
// immediately without throttling.
func (t *Throttler) Stop() {
	select {
	case <-t.stopCh:
	default:
		close(t.stopCh)
	}
}

func (t *Throttler) run() {
	queue := &waiterQueue{}
	heap.Init(queue)
	inFlight := 0
	var lastGrant time.Time

	var timer *time.Timer
	var timerCh <-chan time.Time
	stopTimer := func() {
		if timer != nil {
			timer.Stop()
			timer = nil
			timerCh = nil
		}
	}

	grant := func() {
		for queue.Len() > 0 && inFlight < t.config.MaxInFlight {
			wait := t.config.MinSpacing - time.Since(lastGrant)
			if !lastGrant.IsZero() && wait > 0 {
				if timer == nil {
					timer = time.NewTimer(wait)
					timerCh = timer.C
				}
				return
			}
			w := heap.Pop(queue).(*waiter)
			if w.cancelled.Load() {
				continue
			}
			close(w.ready)
			inFlight++
			lastGrant = time.Now()
		}
	}

	for {
		select {
		case w := <-t.acquireCh:
			heap.Push(queue, w)
			grant()
		case <-t.releaseCh:
			if inFlight > 0 {
				inFlight--
			}
			grant()
		case <-timerCh:
			stopTimer()
			grant()
		case <-t.stopCh:
			for queue.Len() > 0 {
				w := heap.Pop(queue).(*waiter)
				close(w.ready)
			}
			stopTimer()
			return
		}
	}
}
