package chain

import (
	"golang.org/x/time/rate"
)

// WithQueueRateLimit paces Push on the queue: r is the sustained rate in
// elements per second, b the burst. A burst below 1 is raised to 1.
// A Push waiting for a token returns false as soon as the queue is disabled
// or starts draining.
func WithQueueRateLimit(r rate.Limit, b int) QueueOption {
	return func(o *queueOptions) {
		if b < 1 {
			b = 1
		}
		o.limit = r
		o.burst = b
		o.limited = true
	}
}

// throttle blocks until the limiter grants a token. It reports false if the
// queue left the enabled state first.
func (q *Queue[T]) throttle() bool {
	q.mu.Lock()
	abort := q.abort
	enabled := q.state == QueueEnabled
	q.mu.Unlock()

	if !enabled {
		return false
	}
	return q.limiter.Wait(abort) == nil
}

// SetPushLimit updates the push rate of a rate-limited queue. It is a no-op on
// a queue created without WithQueueRateLimit.
func (q *Queue[T]) SetPushLimit(r rate.Limit) {
	if q.limiter == nil {
		return
	}
	q.limiter.SetLimit(r)
}

// SetPushBurst updates the push burst of a rate-limited queue.
func (q *Queue[T]) SetPushBurst(b int) {
	if q.limiter == nil || b < 1 {
		return
	}
	q.limiter.SetBurst(b)
}

// Throttled reports whether pushes on the queue are rate limited.
func (q *Queue[T]) Throttled() bool {
	return q.limiter != nil
}
