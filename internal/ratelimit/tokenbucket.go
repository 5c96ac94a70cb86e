// Package ratelimit provides per-venue token bucket rate limiting with
// FIFO queuing of blocked callers, so a burst of adapter calls waits its
// turn instead of firing into a venue ban.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Endpoint classes. Venues publish separate ceilings for order placement
// and read-only queries; buckets are keyed by venue + class.
const (
	ClassOrder = "order"
	ClassQuery = "query"
)

// TokenBucket implements a thread-safe token bucket with FIFO waiters.
type TokenBucket struct {
	capacity   float64
	tokens     float64 // current tokens (float for partial refill)
	rate       float64 // tokens per second
	lastRefill time.Time

	mu     sync.Mutex
	queue  []*waiter
	timer  *time.Timer
	onWait func(n int)
}

type waiter struct {
	cost  float64
	ready chan struct{}
}

// NewTokenBucket creates a bucket with the given burst capacity and refill
// rate (tokens per second). The bucket starts full.
func NewTokenBucket(capacity int, rate float64) *TokenBucket {
	if capacity <= 0 {
		capacity = 1
	}
	if rate <= 0 {
		rate = 1
	}
	return &TokenBucket{
		capacity:   float64(capacity),
		tokens:     float64(capacity),
		rate:       rate,
		lastRefill: time.Now(),
	}
}

// Acquire blocks until cost tokens are available or ctx is done. Waiters
// are served strictly in arrival order.
func (tb *TokenBucket) Acquire(ctx context.Context, cost int) error {
	if cost <= 0 {
		cost = 1
	}
	c := float64(cost)
	if c > tb.capacity {
		c = tb.capacity
	}

	tb.mu.Lock()
	tb.refillLocked()
	if len(tb.queue) == 0 && tb.tokens >= c {
		tb.tokens -= c
		tb.mu.Unlock()
		return nil
	}

	w := &waiter{cost: c, ready: make(chan struct{})}
	tb.queue = append(tb.queue, w)
	tb.notifyLocked()
	if len(tb.queue) == 1 {
		tb.scheduleLocked()
	}
	tb.mu.Unlock()

	select {
	case <-w.ready:
		return nil
	case <-ctx.Done():
		tb.mu.Lock()
		tb.removeLocked(w)
		tb.mu.Unlock()
		// The grant may have raced the cancellation; don't leak it.
		select {
		case <-w.ready:
			return nil
		default:
		}
		return ctx.Err()
	}
}

// Take attempts to consume a token without blocking.
func (tb *TokenBucket) Take() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refillLocked()
	if len(tb.queue) == 0 && tb.tokens >= 1 {
		tb.tokens--
		return true
	}
	return false
}

// Remaining returns the number of whole tokens left.
func (tb *TokenBucket) Remaining() int {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refillLocked()
	return int(tb.tokens)
}

// Waiting returns the number of queued callers.
func (tb *TokenBucket) Waiting() int {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return len(tb.queue)
}

// refillLocked refills tokens based on elapsed time. Caller must hold tb.mu.
func (tb *TokenBucket) refillLocked() {
	now := time.Now()
	elapsed := now.Sub(tb.lastRefill).Seconds()
	if elapsed > 0 {
		tb.tokens += elapsed * tb.rate
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastRefill = now
	}
}

// scheduleLocked arms the timer for when the head waiter can be served.
// Caller must hold tb.mu and guarantee the queue is non-empty.
func (tb *TokenBucket) scheduleLocked() {
	head := tb.queue[0]
	need := head.cost - tb.tokens
	var delay time.Duration
	if need > 0 {
		delay = time.Duration(need / tb.rate * float64(time.Second))
	}
	if tb.timer != nil {
		tb.timer.Stop()
	}
	tb.timer = time.AfterFunc(delay, tb.dispatch)
}

// dispatch serves as many head-of-line waiters as the refilled bucket allows.
func (tb *TokenBucket) dispatch() {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refillLocked()
	served := 0
	for len(tb.queue) > 0 && tb.tokens >= tb.queue[0].cost {
		w := tb.queue[0]
		tb.queue = tb.queue[1:]
		tb.tokens -= w.cost
		close(w.ready)
		served++
	}
	if served > 0 {
		tb.notifyLocked()
	}
	if len(tb.queue) > 0 {
		tb.scheduleLocked()
	}
}

func (tb *TokenBucket) removeLocked(target *waiter) {
	for i, w := range tb.queue {
		if w == target {
			wasHead := i == 0
			tb.queue = append(tb.queue[:i], tb.queue[i+1:]...)
			tb.notifyLocked()
			if wasHead && len(tb.queue) > 0 {
				tb.scheduleLocked()
			}
			return
		}
	}
}

// notifyLocked reports the queue depth to the observer. Caller must hold
// tb.mu.
func (tb *TokenBucket) notifyLocked() {
	if tb.onWait != nil {
		tb.onWait(len(tb.queue))
	}
}

// Limiter manages one bucket per venue + endpoint class.
type Limiter struct {
	mu       sync.RWMutex
	buckets  map[string]*TokenBucket
	observer func(venue, class string, waiting int)
}

// NewLimiter creates an empty limiter registry.
func NewLimiter() *Limiter {
	return &Limiter{buckets: make(map[string]*TokenBucket)}
}

// SetWaitObserver installs a callback that receives each bucket's queue
// depth whenever it changes. Call before the first Bucket; buckets created
// earlier do not report.
func (l *Limiter) SetWaitObserver(fn func(venue, class string, waiting int)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.observer = fn
}

// Bucket returns the bucket for venue+class, creating it on first use.
func (l *Limiter) Bucket(venue, class string, burst int, rate float64) *TokenBucket {
	key := venue + ":" + class
	l.mu.RLock()
	if b, ok := l.buckets[key]; ok {
		l.mu.RUnlock()
		return b
	}
	l.mu.RUnlock()

	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.buckets[key]; ok {
		return b
	}
	b := NewTokenBucket(burst, rate)
	if l.observer != nil {
		fn := l.observer
		b.onWait = func(n int) { fn(venue, class, n) }
	}
	l.buckets[key] = b
	return b
}
