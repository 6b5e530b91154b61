package chain

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// StageID identifies a stage by its position in the chain, starting at 0.
type StageID uint

type stageKind int

const (
	kindProducer stageKind = iota
	kindStep
	kindConsumer
)

func (k stageKind) String() string {
	switch k {
	case kindProducer:
		return "producer"
	case kindStep:
		return "step"
	case kindConsumer:
		return "consumer"
	default:
		return fmt.Sprintf("stageKind(%d)", int(k))
	}
}

// State describes how the private state of a stage is created when the chain
// runs and destroyed once all workers of the stage have returned. A nil
// Destroy does nothing. A nil New yields the zero value of S, except for a
// pointer S where it yields a pointer to a new zero value. An interface S
// needs New. New must not return a nil pointer or interface.
type State[S any] struct {
	New     func() (S, error)
	Destroy func(S) error
}

// Stateless is the State of a stage that keeps nothing between items.
func Stateless() State[struct{}] {
	return State[struct{}]{}
}

func (s State[S]) erase() (func() (any, error), func(any) error, error) {
	t := typeOf[S]()
	if s.New == nil && t.Kind() == reflect.Interface {
		return nil, nil, fmt.Errorf("%w: state type %s has no New", ErrStateRequired, t)
	}

	newFn := func() (any, error) {
		if s.New == nil {
			if t.Kind() == reflect.Pointer {
				return reflect.New(t.Elem()).Interface(), nil
			}
			var zero S
			return zero, nil
		}
		v, err := s.New()
		if err != nil {
			return nil, err
		}
		if isNilState(v) {
			return nil, fmt.Errorf("%w: New returned a nil %s", ErrStateRequired, t)
		}
		return v, nil
	}

	var destroyFn func(any) error
	if s.Destroy != nil {
		destroyFn = func(v any) error {
			return s.Destroy(asState[S](v))
		}
	}
	return newFn, destroyFn, nil
}

func isNilState(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	return rv.Kind() == reflect.Pointer && rv.IsNil()
}

// asState converts an erased state back. A nil interface becomes the zero S.
func asState[S any](v any) S {
	s, _ := v.(S)
	return s
}

func typeOf[T any]() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}

// StageOption configures a stage at registration.
type StageOption func(*stageOptions)

type stageOptions struct {
	name         string
	threads      int
	lockOSThread bool
	queueOpts    []QueueOption
}

// WithStageName names the stage in logs, metrics and traces.
// Default: "stage-<id>".
func WithStageName(name string) StageOption {
	return func(o *stageOptions) {
		o.name = name
	}
}

// WithThreads sets the number of workers running the stage's work function.
// Values below 1 are treated as 1. Default: 1.
func WithThreads(n int) StageOption {
	return func(o *stageOptions) {
		if n < 1 {
			n = 1
		}
		o.threads = n
	}
}

// WithLockOSThread pins every worker of the stage to its own OS thread for
// the whole run, for work functions that call into thread-affine libraries.
func WithLockOSThread() StageOption {
	return func(o *stageOptions) {
		o.lockOSThread = true
	}
}

// WithQueueOptions configures the input queue of the stage being registered.
// It is ignored for producers.
func WithQueueOptions(opts ...QueueOption) StageOption {
	return func(o *stageOptions) {
		o.queueOpts = append(o.queueOpts, opts...)
	}
}

// workFunc runs the stage's work function once for a worker.
type workFunc func(ctx context.Context, worker int) error

type stage struct {
	id           StageID
	name         string
	kind         stageKind
	threads      int
	lockOSThread bool

	inType, outType reflect.Type
	stateType       reflect.Type
	newState        func() (any, error)
	destroyState    func(any) error
	work            workFunc

	in, out queueControl

	// mu and cond are shared by the workers (through Sync), Communicate and
	// the cancellation path. Everything below is guarded by mu.
	mu        sync.Mutex
	cond      *sync.Cond
	state     any
	live      bool
	cancelled bool
	ctx       context.Context
	cancelCtx context.CancelFunc
	qdepth    int
	logger    *zap.Logger

	// countMu guards nlive; the worker bringing it to zero performs the
	// last-worker-out queue handshake while holding it.
	countMu sync.Mutex
	nlive   int
	group   *errgroup.Group

	errMu sync.Mutex
	errs  []error
}

func newStage(id StageID, kind stageKind, o stageOptions) *stage {
	name := o.name
	if name == "" {
		name = fmt.Sprintf("stage-%d", id)
	}
	st := &stage{
		id:           id,
		name:         name,
		kind:         kind,
		threads:      o.threads,
		lockOSThread: o.lockOSThread,
		logger:       zap.NewNop(),
	}
	st.cond = sync.NewCond(&st.mu)
	return st
}

// arm creates the stage state for a run and publishes everything workers
// read before any of them is started.
func (st *stage) arm(ctx context.Context, qdepth int, logger *zap.Logger) error {
	var state any
	err := callSafely(func() error {
		var err error
		state, err = st.newState()
		return err
	})
	if err != nil {
		return err
	}
	if err := callSafely(func() error { return setupState(ctx, state) }); err != nil {
		if st.destroyState != nil {
			err = multierr.Append(err, callSafely(func() error { return st.destroyState(state) }))
		}
		return fmt.Errorf("setting up state: %w", err)
	}

	st.mu.Lock()
	st.state = state
	st.live = true
	st.cancelled = false
	st.ctx, st.cancelCtx = context.WithCancel(ctx)
	st.qdepth = qdepth
	st.logger = logger.With(zap.String("stage", st.name), zap.Uint("stage_id", uint(st.id)))
	st.mu.Unlock()

	st.errMu.Lock()
	st.errs = nil
	st.errMu.Unlock()
	return nil
}

// destroy runs Close and the destructor under the stage mutex and clears the
// state. It reports false, doing nothing, when no state is live.
func (st *stage) destroy() (bool, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if !st.live {
		return false, nil
	}
	state := st.state
	ctx := st.ctx
	st.state = nil
	st.live = false
	defer st.cancelCtx()

	err := callSafely(func() error { return closeState(ctx, state) })
	if st.destroyState != nil {
		err = multierr.Append(err, callSafely(func() error { return st.destroyState(state) }))
	}
	return true, err
}

// communicate runs fn with the stage mutex held and wakes every waiter on
// the stage condition afterwards. It reports false if no state is live.
// A panicking fn neither escapes nor leaves the mutex locked.
func (st *stage) communicate(fn func(state any)) (bool, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if !st.live {
		return false, nil
	}
	defer st.cond.Broadcast()
	err := callSafely(func() error {
		fn(st.state)
		return nil
	})
	return true, err
}

// setCancelled raises the built-in cancel flag and closes the stage context.
func (st *stage) setCancelled() bool {
	ran, _ := st.communicate(func(any) {
		st.cancelled = true
		st.cancelCtx()
	})
	return ran
}

func (st *stage) isLive() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.live
}

// lastOut closes the stage's part of the chain: downstream sees end of
// stream once it drained, upstream is cut off. countMu must be held.
func (st *stage) lastOut() {
	if st.out != nil {
		st.out.DelayedDisable()
	}
	if st.in != nil {
		st.in.Disable()
	}
}

// workerDone decrements the live-worker count and reports whether the caller
// was the last worker out.
func (st *stage) workerDone() bool {
	st.countMu.Lock()
	defer st.countMu.Unlock()

	st.nlive--
	if st.nlive == 0 {
		st.lastOut()
		return true
	}
	return false
}

// abandon removes n workers that were counted but never started.
func (st *stage) abandon(n int) bool {
	st.countMu.Lock()
	defer st.countMu.Unlock()

	st.nlive -= n
	if st.nlive == 0 {
		st.lastOut()
		return true
	}
	return false
}

// join waits for every worker spawned in the current run.
func (st *stage) join() {
	st.countMu.Lock()
	g := st.group
	st.countMu.Unlock()
	if g == nil {
		return
	}
	_ = g.Wait()

	st.countMu.Lock()
	st.group = nil
	st.countMu.Unlock()
}

func (st *stage) liveWorkers() int {
	st.countMu.Lock()
	defer st.countMu.Unlock()
	return st.nlive
}

func (st *stage) recordError(err error) {
	st.errMu.Lock()
	defer st.errMu.Unlock()
	st.errs = append(st.errs, err)
}

func (st *stage) runErrors() []error {
	st.errMu.Lock()
	defer st.errMu.Unlock()
	return append([]error(nil), st.errs...)
}

// callSafely runs fn and turns a panic into a *PanicError.
func callSafely(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r}
		}
	}()
	return fn()
}
