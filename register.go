package chain

import (
	"context"
	"fmt"
	"reflect"

	"go.uber.org/zap"
)

// ProducerFunc is the work function of the first stage. It pushes into out
// until it runs out of input, is cancelled, or Push reports false.
type ProducerFunc[Out, S any] func(out *Queue[Out], s *Sync[S]) error

// StepFunc is the work function of an intermediate stage. It pops from in
// and pushes to out until Pop or Push reports false.
type StepFunc[In, Out, S any] func(in *Queue[In], out *Queue[Out], s *Sync[S]) error

// ConsumerFunc is the work function of the last stage. It pops from in
// until Pop reports false.
type ConsumerFunc[In, S any] func(in *Queue[In], s *Sync[S]) error

type stageSpec struct {
	kind         stageKind
	inType       reflect.Type
	outType      reflect.Type
	stateType    reflect.Type
	newState     func() (any, error)
	destroyState func(any) error
	depth        int
	newInput     func(depth int, opts []QueueOption) queueControl
	bind         func(st *stage) workFunc
}

// AddProducer registers the first stage of the chain.
func AddProducer[Out, S any](
	c *Chain,
	fn ProducerFunc[Out, S],
	state State[S],
	options ...StageOption,
) (StageID, error) {
	if fn == nil {
		panic("chain: AddProducer called with nil work function")
	}
	newState, destroyState, err := state.erase()
	if err != nil {
		return 0, err
	}
	return c.addStage(stageSpec{
		kind:         kindProducer,
		outType:      typeOf[Out](),
		stateType:    typeOf[S](),
		newState:     newState,
		destroyState: destroyState,
		bind: func(st *stage) workFunc {
			return func(ctx context.Context, worker int) error {
				return fn(st.out.(*Queue[Out]), newSync[S](ctx, st, worker))
			}
		},
	}, options)
}

// AddStep registers an intermediate stage fed by a new queue of the given
// depth. In must be the output type of the previous stage.
func AddStep[In, Out, S any](
	c *Chain,
	depth int,
	fn StepFunc[In, Out, S],
	state State[S],
	options ...StageOption,
) (StageID, error) {
	if fn == nil {
		panic("chain: AddStep called with nil work function")
	}
	newState, destroyState, err := state.erase()
	if err != nil {
		return 0, err
	}
	return c.addStage(stageSpec{
		kind:         kindStep,
		inType:       typeOf[In](),
		outType:      typeOf[Out](),
		stateType:    typeOf[S](),
		newState:     newState,
		destroyState: destroyState,
		depth:        depth,
		newInput:     newInputQueue[In],
		bind: func(st *stage) workFunc {
			return func(ctx context.Context, worker int) error {
				return fn(st.in.(*Queue[In]), st.out.(*Queue[Out]), newSync[S](ctx, st, worker))
			}
		},
	}, options)
}

// AddConsumer registers the last stage of the chain, fed by a new queue of
// the given depth. In must be the output type of the previous stage.
func AddConsumer[In, S any](
	c *Chain,
	depth int,
	fn ConsumerFunc[In, S],
	state State[S],
	options ...StageOption,
) (StageID, error) {
	if fn == nil {
		panic("chain: AddConsumer called with nil work function")
	}
	newState, destroyState, err := state.erase()
	if err != nil {
		return 0, err
	}
	return c.addStage(stageSpec{
		kind:         kindConsumer,
		inType:       typeOf[In](),
		stateType:    typeOf[S](),
		newState:     newState,
		destroyState: destroyState,
		depth:        depth,
		newInput:     newInputQueue[In],
		bind: func(st *stage) workFunc {
			return func(ctx context.Context, worker int) error {
				return fn(st.in.(*Queue[In]), newSync[S](ctx, st, worker))
			}
		},
	}, options)
}

func newInputQueue[T any](depth int, opts []QueueOption) queueControl {
	return NewQueue[T](depth, opts...)
}

func (c *Chain) addStage(spec stageSpec, options []StageOption) (StageID, error) {
	rt, err := c.runtime()
	if err != nil {
		return 0, err
	}

	o := stageOptions{threads: 1}
	for _, option := range options {
		option(&o)
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()

	switch {
	case rt.destroyed:
		return 0, ErrChainDestroyed
	case rt.finalized:
		return 0, ErrChainFinalized
	}

	id := StageID(len(rt.stages))
	var prev *stage
	if len(rt.stages) > 0 {
		prev = rt.stages[len(rt.stages)-1]
	}

	if spec.kind == kindProducer {
		if prev != nil {
			return 0, fmt.Errorf("%w: a producer must be the first stage", ErrInvalidTopology)
		}
	} else {
		if prev == nil {
			return 0, fmt.Errorf("%w: a %s needs an upstream stage", ErrInvalidTopology, spec.kind)
		}
		if prev.kind == kindConsumer {
			return 0, fmt.Errorf("%w: no stage can follow consumer %q", ErrInvalidTopology, prev.name)
		}
		if prev.outType != spec.inType {
			return 0, NewTypeMismatchError(
				fmt.Sprintf("queue %d element", len(rt.queues)),
				prev.outType.String(),
				spec.inType.String(),
			)
		}
	}

	st := newStage(id, spec.kind, o)
	st.inType = spec.inType
	st.outType = spec.outType
	st.stateType = spec.stateType
	st.newState = spec.newState
	st.destroyState = spec.destroyState
	st.work = spec.bind(st)

	if spec.kind != kindProducer {
		q := spec.newInput(spec.depth, o.queueOpts)
		prev.out = q
		st.in = q
		rt.queues = append(rt.queues, q)
	}
	rt.stages = append(rt.stages, st)

	rt.logger.Debug("stage registered",
		zap.String("stage", st.name),
		zap.Uint("stage_id", uint(id)),
		zap.Stringer("kind", st.kind),
		zap.Int("threads", st.threads),
	)
	return id, nil
}
