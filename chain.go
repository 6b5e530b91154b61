// Package chain runs multithreaded processing chains: an ordered sequence of
// stages, each served by a pool of workers, connected by bounded queues with
// three-state flow control.
//
// A chain is assembled with AddProducer, AddStep and AddConsumer, frozen with
// Finalize and then cycled through Run and Stop, GentleStop or Wait any number
// of times. Stage state is created fresh for every run and destroyed once all
// workers of the stage have returned. Outside code reaches a running stage
// only through Communicate and registered cancellations, both of which run
// under the stage's mutex.
package chain

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// StopMode tells how a run ended.
type StopMode int

const (
	// StopAbrupt disables every queue at once (Stop).
	StopAbrupt StopMode = iota
	// StopGentle drains the chain from its first queue (GentleStop).
	StopGentle
	// StopNatural is a run whose workers all returned on their own (Wait).
	StopNatural
	// StopRollback is the teardown of a run that failed to start.
	StopRollback
	// StopDestroy is the teardown forced by releasing the last handle.
	StopDestroy
)

// String returns the mode name.
func (m StopMode) String() string {
	switch m {
	case StopAbrupt:
		return "abrupt"
	case StopGentle:
		return "gentle"
	case StopNatural:
		return "natural"
	case StopRollback:
		return "rollback"
	case StopDestroy:
		return "destroy"
	default:
		return fmt.Sprintf("StopMode(%d)", int(m))
	}
}

// --- Configuration ---

type chainConfig struct {
	name           string
	logger         *zap.Logger
	tracerProvider TracerProvider
	metrics        MetricsCollector
	maxWorkers     int
	shutdownHooks  []func(context.Context) error
}

// Option configures a Chain.
type Option func(*chainConfig)

// WithName sets the chain name used in logs, metrics and traces.
// Default: "chain".
func WithName(name string) Option {
	return func(cfg *chainConfig) {
		if name != "" {
			cfg.name = name
		}
	}
}

// WithLogger sets the logger for lifecycle events and worker failures.
// Default: zap.NewNop().
func WithLogger(logger *zap.Logger) Option {
	return func(cfg *chainConfig) {
		if logger != nil {
			cfg.logger = logger
		}
	}
}

// WithTracerProvider sets the provider for run, stop, worker and communicate
// spans. Default: DefaultTracerProvider.
func WithTracerProvider(provider TracerProvider) Option {
	return func(cfg *chainConfig) {
		if provider != nil {
			cfg.tracerProvider = provider
		}
	}
}

// WithMetricsCollector sets the collector for chain metrics.
// Default: DefaultMetricsCollector.
func WithMetricsCollector(collector MetricsCollector) Option {
	return func(cfg *chainConfig) {
		if collector != nil {
			cfg.metrics = collector
		}
	}
}

// WithMaxWorkers caps the number of workers alive across all stages. A run
// needing more fails to start. n <= 0 means no cap. Default: no cap.
func WithMaxWorkers(n int) Option {
	return func(cfg *chainConfig) {
		cfg.maxWorkers = n
	}
}

// WithShutdownHook registers fn to run when the chain is destroyed, after the
// final stop. Hooks run in registration order.
func WithShutdownHook(fn func(context.Context) error) Option {
	return func(cfg *chainConfig) {
		if fn != nil {
			cfg.shutdownHooks = append(cfg.shutdownHooks, fn)
		}
	}
}

// --- Runtime ---

// runState belongs to one run, from Run until join-and-cleanup.
type runState struct {
	id      string
	ctx     context.Context
	span    trace.Span
	started time.Time
	groups  []*errgroup.Group
}

type chainRuntime struct {
	name          string
	logger        *zap.Logger
	tracer        trace.Tracer
	metrics       MetricsCollector
	maxWorkers    int
	sem           *semaphore.Weighted
	shutdownHooks []func(context.Context) error

	// ctlMu serializes Run, the stop paths and destruction.
	ctlMu sync.Mutex

	// mu guards everything below.
	mu            sync.RWMutex
	finalized     bool
	running       bool
	destroyed     bool
	stages        []*stage
	queues        []queueControl
	cancellations []cancellation
	qdepth        int
	cur           *runState
	lastRunID     string
	lastErr       error

	refs atomic.Int32
}

// Chain is a handle on a processing chain. Handles obtained from Share refer
// to the same chain; the chain is stopped and destroyed when the last handle
// is released.
type Chain struct {
	rt       *chainRuntime
	released atomic.Bool
}

// New creates an empty, unfinalized chain.
func New(options ...Option) *Chain {
	cfg := chainConfig{
		name:           "chain",
		logger:         zap.NewNop(),
		tracerProvider: DefaultTracerProvider,
		metrics:        DefaultMetricsCollector,
	}
	for _, option := range options {
		option(&cfg)
	}

	rt := &chainRuntime{
		name:          cfg.name,
		logger:        cfg.logger.With(zap.String("chain", cfg.name)),
		tracer:        cfg.tracerProvider.Tracer(instrumentationName),
		metrics:       cfg.metrics,
		maxWorkers:    cfg.maxWorkers,
		shutdownHooks: cfg.shutdownHooks,
	}
	if cfg.maxWorkers > 0 {
		rt.sem = semaphore.NewWeighted(int64(cfg.maxWorkers))
	}
	rt.refs.Store(1)
	return &Chain{rt: rt}
}

func (c *Chain) runtime() (*chainRuntime, error) {
	if c == nil || c.released.Load() {
		return nil, ErrChainReleased
	}
	return c.rt, nil
}

// Share returns a new handle on the same chain.
func (c *Chain) Share() (*Chain, error) {
	rt, err := c.runtime()
	if err != nil {
		return nil, err
	}
	rt.refs.Add(1)
	return &Chain{rt: rt}, nil
}

// Release drops this handle. Releasing the last handle stops the chain if it
// is running, destroys all stages and queues and runs the shutdown hooks.
// Releasing a handle twice returns ErrChainReleased.
func (c *Chain) Release() error {
	if c == nil || !c.released.CompareAndSwap(false, true) {
		return ErrChainReleased
	}
	if c.rt.refs.Add(-1) == 0 {
		return c.rt.destroy()
	}
	return nil
}

// Name returns the chain name.
func (c *Chain) Name() string {
	return c.rt.name
}

// Finalize freezes the topology. The chain must start with a producer and end
// with a consumer. Finalize is one-way; a second call returns
// ErrChainFinalized.
func (c *Chain) Finalize() error {
	rt, err := c.runtime()
	if err != nil {
		return err
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()

	switch {
	case rt.destroyed:
		return ErrChainDestroyed
	case rt.finalized:
		return ErrChainFinalized
	case len(rt.stages) == 0:
		return ErrEmptyChain
	}
	if last := rt.stages[len(rt.stages)-1]; last.kind != kindConsumer {
		return fmt.Errorf("%w: last stage %q is a %s, not a consumer", ErrInvalidTopology, last.name, last.kind)
	}

	depth := 0
	for i, q := range rt.queues {
		depth += q.Cap()
		index := i
		q.setTransitionHook(func(from, to QueueState) {
			rt.metrics.QueueStateChanged(context.Background(), rt.name, index, from, to)
		})
	}
	rt.qdepth = depth
	rt.finalized = true

	rt.logger.Debug("chain finalized",
		zap.Int("stages", len(rt.stages)), zap.Int("queue_depth", depth))
	return nil
}

// Run starts the chain. Queues are enabled and stages armed and spawned from
// the last stage to the first, so every consumer is waiting before its
// producer starts. If any stage fails to start, everything started so far is
// stopped and destroyed and a *StartupError is returned.
//
// ctx parents the run's trace span and is visible to work functions through
// Sync.Context; cancelling it does not stop the chain.
func (c *Chain) Run(ctx context.Context) error {
	rt, err := c.runtime()
	if err != nil {
		return err
	}
	return rt.run(ctx)
}

func (rt *chainRuntime) run(ctx context.Context) error {
	rt.ctlMu.Lock()
	defer rt.ctlMu.Unlock()

	rt.mu.RLock()
	destroyed, finalized, running := rt.destroyed, rt.finalized, rt.running
	stages, queues, qdepth := rt.stages, rt.queues, rt.qdepth
	rt.mu.RUnlock()

	switch {
	case destroyed:
		return ErrChainDestroyed
	case !finalized:
		return ErrNotFinalized
	case running:
		return ErrChainRunning
	}

	runID := uuid.NewString()
	runCtx, span := rt.tracer.Start(
		context.WithoutCancel(ctx),
		rt.name+".Run",
		trace.WithAttributes(
			attrChainName.String(rt.name),
			attrRunID.String(runID),
			attrNumStages.Int(len(stages)),
		),
	)
	run := &runState{id: runID, ctx: runCtx, span: span, started: time.Now()}
	logger := rt.logger.With(zap.String("run_id", runID))
	logger.Info("starting chain", zap.Int("stages", len(stages)), zap.Int("queue_depth", qdepth))

	for i := len(queues) - 1; i >= 0; i-- {
		queues[i].Enable()
	}

	var startErr error
	for i := len(stages) - 1; i >= 0; i-- {
		st := stages[i]
		if err := st.arm(runCtx, qdepth, logger); err != nil {
			startErr = NewStartupError(st.id, st.name, "arm", err)
			break
		}
		rt.metrics.StageArmed(runCtx, rt.name, st.name)
		if err := rt.spawn(run, st); err != nil {
			startErr = NewStartupError(st.id, st.name, "spawn", err)
			break
		}
	}

	// Running is set even on failure so that the regular stop path tears
	// down whatever was started.
	rt.mu.Lock()
	rt.running = true
	rt.cur = run
	rt.lastRunID = runID
	rt.lastErr = nil
	rt.mu.Unlock()

	if startErr != nil {
		logger.Error("failed to start chain, stopping", zap.Error(startErr))
		rt.metrics.ChainStartFailed(runCtx, rt.name, startErr)
		rt.shutdownLocked(StopRollback, startErr)
		return startErr
	}

	rt.metrics.ChainStarted(runCtx, rt.name, runID)
	logger.Info("chain running")
	return nil
}

// Stop cancels the chain and disables every queue, releasing all workers
// blocked on them, then waits for the workers and destroys the stage state.
// It is a no-op if the chain is not running. Stop must not be called from a
// work function of the same chain.
func (c *Chain) Stop() error {
	rt, err := c.runtime()
	if err != nil {
		return err
	}
	return rt.stop(StopAbrupt)
}

// GentleStop cancels the chain and starts draining it from the first queue:
// the producer can no longer push, every later stage finishes what is already
// queued and hands end of stream downstream. It then waits for the workers and
// destroys the stage state. It is a no-op if the chain is not running.
func (c *Chain) GentleStop() error {
	rt, err := c.runtime()
	if err != nil {
		return err
	}
	return rt.stop(StopGentle)
}

func (rt *chainRuntime) stop(mode StopMode) error {
	rt.ctlMu.Lock()
	defer rt.ctlMu.Unlock()

	rt.mu.RLock()
	destroyed, finalized, running := rt.destroyed, rt.finalized, rt.running
	rt.mu.RUnlock()

	if destroyed {
		return ErrChainDestroyed
	}
	if !finalized || !running {
		return nil
	}
	rt.shutdownLocked(mode, nil)
	return nil
}

// shutdownLocked runs the cancellations, signals the queues according to mode
// and cleans up. ctlMu must be held and the chain running.
func (rt *chainRuntime) shutdownLocked(mode StopMode, cause error) {
	rt.mu.RLock()
	run := rt.cur
	queues := rt.queues
	rt.mu.RUnlock()

	ctx, span := rt.tracer.Start(run.ctx, rt.name+".Stop",
		trace.WithAttributes(attrStopMode.String(mode.String())))
	defer span.End()

	rt.doCancellations(ctx)

	if mode == StopGentle {
		if len(queues) > 0 {
			queues[0].DelayedDisable()
		}
	} else {
		for _, q := range queues {
			q.Disable()
		}
	}

	rt.joinAndCleanup(ctx, run, mode, cause)
}

// Wait blocks until every worker of the current run has returned on its own,
// for example because the producer ran out of input, and then cleans up like
// Stop does, without running the cancellations. It returns the run's worker
// and destructor failures. If the run is stopped concurrently, Wait returns
// nil once the workers are gone. Wait returns immediately when idle.
func (c *Chain) Wait() error {
	rt, err := c.runtime()
	if err != nil {
		return err
	}

	rt.mu.RLock()
	destroyed := rt.destroyed
	run := rt.cur
	rt.mu.RUnlock()

	if destroyed {
		return ErrChainDestroyed
	}
	if run == nil {
		return nil
	}

	for _, g := range run.groups {
		_ = g.Wait()
	}

	rt.ctlMu.Lock()
	defer rt.ctlMu.Unlock()

	rt.mu.RLock()
	current := rt.cur == run
	rt.mu.RUnlock()
	if !current {
		return nil
	}
	return rt.joinAndCleanup(run.ctx, run, StopNatural, nil)
}

// joinAndCleanup waits for the workers of every stage in pipeline order,
// destroys every live state and marks the chain idle.
func (rt *chainRuntime) joinAndCleanup(ctx context.Context, run *runState, mode StopMode, cause error) error {
	rt.mu.RLock()
	stages := rt.stages
	rt.mu.RUnlock()

	for _, st := range stages {
		st.join()
	}

	var errs []error
	for _, st := range stages {
		errs = append(errs, st.runErrors()...)
	}
	for _, st := range stages {
		live, err := st.destroy()
		if !live {
			continue
		}
		rt.metrics.StageDestroyed(ctx, rt.name, st.name, err)
		if err != nil {
			err = &DestroyError{StageID: st.id, StageName: st.name, OriginalError: err}
			rt.logger.Error("failed to destroy stage state", zap.String("run_id", run.id), zap.Error(err))
			errs = append(errs, err)
		}
	}
	runErr := multierr.Combine(errs...)

	rt.mu.Lock()
	rt.running = false
	rt.cur = nil
	rt.lastErr = runErr
	rt.mu.Unlock()

	duration := time.Since(run.started)
	rt.metrics.ChainStopped(ctx, rt.name, mode, duration)
	rt.logger.Info("chain stopped",
		zap.String("run_id", run.id),
		zap.Stringer("mode", mode),
		zap.Duration("duration", duration),
		zap.Int("failures", len(multierr.Errors(runErr))),
	)

	run.span.SetAttributes(attrStopMode.String(mode.String()))
	endSpan(run.span, multierr.Append(cause, runErr))
	return runErr
}

func (rt *chainRuntime) destroy() error {
	rt.ctlMu.Lock()
	defer rt.ctlMu.Unlock()

	rt.mu.RLock()
	destroyed, running := rt.destroyed, rt.running
	rt.mu.RUnlock()
	if destroyed {
		return nil
	}
	if running {
		rt.shutdownLocked(StopDestroy, nil)
	}

	rt.mu.Lock()
	rt.destroyed = true
	rt.stages = nil
	rt.queues = nil
	rt.cancellations = nil
	rt.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var errs error
	for _, hook := range rt.shutdownHooks {
		if err := hook(ctx); err != nil {
			rt.logger.Warn("shutdown hook failed", zap.Error(err))
			errs = multierr.Append(errs, err)
		}
	}
	rt.logger.Debug("chain destroyed")
	return errs
}

// --- Introspection ---

// Empty reports whether no stage has been registered.
func (c *Chain) Empty() bool {
	c.rt.mu.RLock()
	defer c.rt.mu.RUnlock()
	return len(c.rt.stages) == 0
}

// Finalized reports whether Finalize succeeded.
func (c *Chain) Finalized() bool {
	c.rt.mu.RLock()
	defer c.rt.mu.RUnlock()
	return c.rt.finalized && !c.rt.destroyed
}

// Running reports whether a run is in progress.
func (c *Chain) Running() bool {
	c.rt.mu.RLock()
	defer c.rt.mu.RUnlock()
	return c.rt.running
}

// RunID returns the id of the current or most recent run, or "" if the chain
// never ran.
func (c *Chain) RunID() string {
	c.rt.mu.RLock()
	defer c.rt.mu.RUnlock()
	return c.rt.lastRunID
}

// Err returns the work function and destructor failures of the most recent
// finished run, combined with go.uber.org/multierr. It is nil while running.
func (c *Chain) Err() error {
	c.rt.mu.RLock()
	defer c.rt.mu.RUnlock()
	return c.rt.lastErr
}

// StageInfo describes a registered stage.
type StageInfo struct {
	ID         StageID
	Name       string
	Kind       string
	Threads    int
	StateType  string
	InputType  string
	OutputType string
}

// Stages describes the registered stages in pipeline order.
func (c *Chain) Stages() []StageInfo {
	c.rt.mu.RLock()
	defer c.rt.mu.RUnlock()

	infos := make([]StageInfo, 0, len(c.rt.stages))
	for _, st := range c.rt.stages {
		info := StageInfo{
			ID:        st.id,
			Name:      st.name,
			Kind:      st.kind.String(),
			Threads:   st.threads,
			StateType: st.stateType.String(),
		}
		if st.inType != nil {
			info.InputType = st.inType.String()
		}
		if st.outType != nil {
			info.OutputType = st.outType.String()
		}
		infos = append(infos, info)
	}
	return infos
}

// QueueStats is a snapshot of one queue.
type QueueStats struct {
	Index int
	State QueueState
	Len   int
	Cap   int
}

// Stats is a snapshot of the chain's runtime state.
type Stats struct {
	Running     bool
	RunID       string
	LiveWorkers int
	LiveStates  int
	Queues      []QueueStats
}

// Stats returns a snapshot of workers, stage states and queues.
func (c *Chain) Stats() Stats {
	c.rt.mu.RLock()
	s := Stats{Running: c.rt.running, RunID: c.rt.lastRunID}
	stages, queues := c.rt.stages, c.rt.queues
	c.rt.mu.RUnlock()

	for _, st := range stages {
		s.LiveWorkers += st.liveWorkers()
		if st.isLive() {
			s.LiveStates++
		}
	}
	for i, q := range queues {
		s.Queues = append(s.Queues, QueueStats{Index: i, State: q.State(), Len: q.Len(), Cap: q.Cap()})
	}
	return s
}

func (rt *chainRuntime) stageLocked(id StageID) (*stage, error) {
	if int(id) >= len(rt.stages) {
		return nil, NewStageRangeError(id, len(rt.stages))
	}
	return rt.stages[id], nil
}
