package chain

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"golang.org/x/time/rate"
)

// QueueState is the flow-control state of a Queue.
type QueueState int32

const (
	// QueueDisabled rejects every Push and Pop without blocking.
	QueueDisabled QueueState = iota
	// QueueEnabled is normal operation: Push blocks while full, Pop while empty.
	QueueEnabled
	// QueueDraining rejects Push but keeps serving buffered elements to Pop.
	// The first Pop that finds the queue empty moves it to QueueDisabled.
	QueueDraining
)

// String returns the state name.
func (s QueueState) String() string {
	switch s {
	case QueueDisabled:
		return "disabled"
	case QueueEnabled:
		return "enabled"
	case QueueDraining:
		return "draining"
	default:
		return fmt.Sprintf("QueueState(%d)", int32(s))
	}
}

// QueueOption configures a Queue.
type QueueOption func(*queueOptions)

type queueOptions struct {
	limit   rate.Limit
	burst   int
	limited bool
}

// Queue is a bounded, blocking, multi-producer multi-consumer FIFO connecting
// two adjacent stages. All operations are safe for concurrent use.
//
// A new Queue starts enabled. Within a run its state only moves forward:
// enabled, then optionally draining, then disabled. Enable starts over with an
// empty buffer.
type Queue[T any] struct {
	mu    sync.Mutex
	cond  *sync.Cond
	buf   []T
	head  int
	count int
	state QueueState

	limiter *rate.Limiter
	// abort is cancelled whenever the queue leaves QueueEnabled so that a
	// throttled Push gives up waiting for a token.
	abort       context.Context
	cancelAbort context.CancelFunc

	onTransition func(from, to QueueState)
}

// NewQueue creates an enabled queue holding at most capacity elements.
// A capacity below 1 is treated as 1.
func NewQueue[T any](capacity int, opts ...QueueOption) *Queue[T] {
	if capacity < 1 {
		capacity = 1
	}

	var o queueOptions
	for _, opt := range opts {
		opt(&o)
	}

	q := &Queue[T]{
		buf:   make([]T, capacity),
		state: QueueEnabled,
	}
	q.cond = sync.NewCond(&q.mu)
	q.abort, q.cancelAbort = context.WithCancel(context.Background())
	if o.limited {
		q.limiter = rate.NewLimiter(o.limit, o.burst)
	}
	return q
}

// Push appends v, blocking while the queue is enabled and full.
// It returns false, without storing v, if the queue is not enabled or stops
// being enabled while Push waits.
func (q *Queue[T]) Push(v T) bool {
	if q.limiter != nil && !q.throttle() {
		return false
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	for q.state == QueueEnabled && q.count == len(q.buf) {
		q.cond.Wait()
	}
	if q.state != QueueEnabled {
		return false
	}

	q.buf[(q.head+q.count)%len(q.buf)] = v
	q.count++
	q.cond.Broadcast()
	return true
}

// Pop removes and returns the oldest element, blocking while the queue is
// enabled and empty. The boolean is false once the queue is disabled, or
// draining with nothing left.
func (q *Queue[T]) Pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.state == QueueEnabled && q.count == 0 {
		q.cond.Wait()
	}
	return q.popLocked()
}

// TryPop is the non-blocking variant of Pop. On an enabled, empty queue it
// returns false without changing state.
func (q *Queue[T]) TryPop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.state == QueueEnabled && q.count == 0 {
		var zero T
		return zero, false
	}
	return q.popLocked()
}

func (q *Queue[T]) popLocked() (T, bool) {
	var zero T
	if q.state == QueueDisabled {
		return zero, false
	}
	if q.count == 0 {
		return zero, false
	}

	v := q.buf[q.head]
	q.buf[q.head] = zero
	q.head = (q.head + 1) % len(q.buf)
	q.count--
	if q.state == QueueDraining && q.count == 0 {
		q.transitionLocked(QueueDisabled)
	} else {
		q.cond.Broadcast()
	}
	return v, true
}

// Enable discards any buffered elements and puts the queue in QueueEnabled.
func (q *Queue[T]) Enable() {
	q.mu.Lock()
	defer q.mu.Unlock()

	var zero T
	for i := range q.buf {
		q.buf[i] = zero
	}
	q.head, q.count = 0, 0

	q.cancelAbort()
	q.abort, q.cancelAbort = context.WithCancel(context.Background())
	q.transitionLocked(QueueEnabled)
}

// Disable moves the queue to QueueDisabled and releases every blocked caller.
func (q *Queue[T]) Disable() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.transitionLocked(QueueDisabled)
}

// DelayedDisable moves an enabled queue to QueueDraining. Blocked producers
// are released, consumers keep receiving what is buffered, and the queue
// disables itself once the buffer is empty. It has no effect on a queue that
// is already draining or disabled.
func (q *Queue[T]) DelayedDisable() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.state != QueueEnabled {
		return
	}
	q.transitionLocked(QueueDraining)
	if q.count == 0 {
		q.transitionLocked(QueueDisabled)
	}
}

// State returns the current state.
func (q *Queue[T]) State() QueueState {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}

// Len returns the number of buffered elements.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Cap returns the queue capacity.
func (q *Queue[T]) Cap() int {
	return len(q.buf)
}

// transitionLocked must be called with q.mu held. The hook runs under the
// lock and must not call back into the queue.
func (q *Queue[T]) transitionLocked(to QueueState) {
	from := q.state
	q.state = to
	if to != QueueEnabled {
		q.cancelAbort()
	}
	q.cond.Broadcast()
	if q.onTransition != nil && from != to {
		q.onTransition(from, to)
	}
}

func (q *Queue[T]) setTransitionHook(fn func(from, to QueueState)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onTransition = fn
}

func (q *Queue[T]) elemType() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}

// queueControl is the element-type independent view the runtime keeps of
// every queue in the chain.
type queueControl interface {
	Enable()
	Disable()
	DelayedDisable()
	State() QueueState
	Len() int
	Cap() int
	setTransitionHook(fn func(from, to QueueState))
	elemType() reflect.Type
}

var _ queueControl = (*Queue[int])(nil)
