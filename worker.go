package chain

import (
	"fmt"
	"runtime"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// spawn starts the workers of an armed stage. The live count is preset to the
// full pool size so that an early finisher cannot mistake itself for the last
// worker out while its siblings are still being started. When the worker
// budget runs dry the workers that were not started are taken off the count.
func (rt *chainRuntime) spawn(run *runState, st *stage) error {
	g := &errgroup.Group{}

	st.countMu.Lock()
	st.nlive = st.threads
	st.group = g
	st.countMu.Unlock()
	run.groups = append(run.groups, g)

	for w := 0; w < st.threads; w++ {
		if rt.sem != nil && !rt.sem.TryAcquire(1) {
			st.abandon(st.threads - w)
			return fmt.Errorf("%w: started %d of %d workers (budget %d)", ErrWorkerLimit, w, st.threads, rt.maxWorkers)
		}
		worker := w
		g.Go(func() error {
			return rt.runWorker(st, worker)
		})
	}
	return nil
}

// runWorker is the entry point of every worker goroutine.
func (rt *chainRuntime) runWorker(st *stage, worker int) error {
	if st.lockOSThread {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
	}

	st.mu.Lock()
	parent := st.ctx
	logger := st.logger.With(zap.Int("worker", worker))
	st.mu.Unlock()

	ctx, span := rt.tracer.Start(
		parent,
		fmt.Sprintf("Stage[%d]:%s", st.id, st.name),
		trace.WithAttributes(append(stageAttributes(st), attrWorker.Int(worker))...),
	)

	rt.metrics.WorkerStarted(ctx, rt.name, st.name)
	logger.Debug("worker started")
	start := time.Now()

	err := callSafely(func() error { return st.work(ctx, worker) })
	duration := time.Since(start)
	if err != nil {
		err = NewWorkerError(st.id, st.name, worker, err)
		st.recordError(err)
		logger.Error("work function failed", zap.Duration("duration", duration), zap.Error(err))
	} else {
		logger.Debug("worker finished", zap.Duration("duration", duration))
	}

	rt.metrics.WorkerFinished(ctx, rt.name, st.name, duration, err)
	endSpan(span, err)

	if rt.sem != nil {
		rt.sem.Release(1)
	}
	if st.workerDone() {
		logger.Debug("last worker out")
		rt.metrics.LastWorkerOut(ctx, rt.name, st.name)
	}
	return err
}
