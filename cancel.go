package chain

import (
	"context"
	"fmt"
	"reflect"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

type cancellation struct {
	stage StageID
	fn    func(state any)
}

// RegisterCancel adds fn to the chain's cancellation list. Whenever the chain
// is stopped, gently or abruptly, every registered fn runs with the state of
// its stage under that stage's mutex, in registration order and before any
// queue is disabled. Callbacks typically flip a flag that a worker blocked
// outside the queues is waiting on.
//
// S must be the state type the stage was registered with.
func RegisterCancel[S any](c *Chain, id StageID, fn func(S)) error {
	if fn == nil {
		panic("chain: RegisterCancel called with nil callback")
	}
	rt, err := c.runtime()
	if err != nil {
		return err
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.destroyed {
		return ErrChainDestroyed
	}
	st, err := rt.stageLocked(id)
	if err != nil {
		return err
	}
	if err := checkStateType(st, typeOf[S]()); err != nil {
		return err
	}

	rt.cancellations = append(rt.cancellations, cancellation{
		stage: id,
		fn:    func(v any) { fn(asState[S](v)) },
	})
	return nil
}

// Communicate runs fn with the live state of stage id while holding the
// stage mutex, then broadcasts the stage condition. It is the only safe way
// to reach a running stage's state from outside its workers.
//
// Communicate fails if the chain is not running, id is out of range or S is
// not the stage's state type. If the stage has no live state, because the
// chain is being torn down concurrently, it logs and returns nil without
// calling fn. A panic in fn is logged and not propagated.
func Communicate[S any](c *Chain, id StageID, fn func(S)) error {
	if fn == nil {
		panic("chain: Communicate called with nil callback")
	}
	rt, err := c.runtime()
	if err != nil {
		return err
	}
	return rt.communicate(id, typeOf[S](), func(v any) { fn(asState[S](v)) })
}

func (rt *chainRuntime) communicate(id StageID, stateType reflect.Type, fn func(any)) error {
	rt.mu.RLock()
	if rt.destroyed {
		rt.mu.RUnlock()
		return ErrChainDestroyed
	}
	if !rt.running {
		rt.mu.RUnlock()
		return ErrNotRunning
	}
	st, err := rt.stageLocked(id)
	if err != nil {
		rt.mu.RUnlock()
		return err
	}
	parent := rt.cur.ctx
	rt.mu.RUnlock()

	if err := checkStateType(st, stateType); err != nil {
		return err
	}

	ctx, span := rt.tracer.Start(parent, rt.name+".Communicate", traceStage(st))
	start := time.Now()
	ran, err := st.communicate(fn)
	if !ran {
		rt.logger.Warn("communicate: stage has no live state, ignoring",
			zap.String("stage", st.name), zap.Uint("stage_id", uint(st.id)))
		span.AddEvent("no live state")
		endSpan(span, nil)
		return nil
	}
	if err != nil {
		rt.logger.Error("communicate: callback failed",
			zap.String("stage", st.name), zap.Uint("stage_id", uint(st.id)), zap.Error(err))
	}
	rt.metrics.Communicated(ctx, rt.name, st.name, time.Since(start))
	endSpan(span, err)
	return nil
}

// doCancellations runs the registered cancellations and then raises the
// built-in cancel flag of every stage. It does nothing unless running.
func (rt *chainRuntime) doCancellations(ctx context.Context) {
	rt.mu.RLock()
	running := rt.running
	stages := rt.stages
	list := append([]cancellation(nil), rt.cancellations...)
	rt.mu.RUnlock()

	if !running {
		return
	}

	for _, c := range list {
		st := stages[c.stage]
		if _, err := st.communicate(c.fn); err != nil {
			rt.logger.Error("cancellation callback failed",
				zap.String("stage", st.name), zap.Uint("stage_id", uint(st.id)), zap.Error(err))
		}
	}
	for _, st := range stages {
		st.setCancelled()
	}
	trace.SpanFromContext(ctx).AddEvent("cancellations done",
		trace.WithAttributes(attribute.Int("chain.cancellations", len(list))))
	rt.logger.Debug("cancellations done", zap.Int("callbacks", len(list)))
}

// HealthCheck asks every live stage state implementing HealthCheckable for
// its status, under the stage mutex. It returns ErrNotRunning when idle.
func (c *Chain) HealthCheck(ctx context.Context) error {
	rt, err := c.runtime()
	if err != nil {
		return err
	}

	rt.mu.RLock()
	running := rt.running
	stages := rt.stages
	rt.mu.RUnlock()
	if !running {
		return ErrNotRunning
	}

	var errs error
	for _, st := range stages {
		var herr error
		_, cerr := st.communicate(func(v any) {
			if h, ok := v.(HealthCheckable); ok {
				herr = h.HealthStatus(ctx)
			}
		})
		if herr = multierr.Append(herr, cerr); herr != nil {
			errs = multierr.Append(errs, fmt.Errorf("stage %q (id %d): %w", st.name, st.id, herr))
		}
	}
	return errs
}

func checkStateType(st *stage, got reflect.Type) error {
	if st.stateType != got {
		return NewTypeMismatchError(
			fmt.Sprintf("stage %d state", st.id),
			st.stateType.String(),
			got.String(),
		)
	}
	return nil
}
