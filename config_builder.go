package chain

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Error messages
const (
	ErrExecutorExists   = "executor with name '%s' is already registered"
	ErrExecutorNotFound = "no executor registered with name '%s'"
)

// BuildContext holds the observability components created from a chain
// configuration. They are passed to every stage builder and returned by
// BuildChainFromConfig.
type BuildContext struct {
	Logger           *zap.Logger
	MetricsCollector MetricsCollector
	TracerProvider   TracerProvider
}

// StageBuilder adds one configured stage to c. depth is the input queue
// capacity and options already carry the name, threads and rate limit of the
// stage configuration.
type StageBuilder func(
	c *Chain,
	stageConfig *StageConfig,
	depth int,
	options []StageOption,
	buildContext *BuildContext,
) (StageID, error)

// StateFactory creates the state definition of a configured stage, usually
// from its properties.
type StateFactory[S any] func(stageConfig *StageConfig) (State[S], error)

// StaticState returns a StateFactory ignoring the configuration.
func StaticState[S any](state State[S]) StateFactory[S] {
	return func(*StageConfig) (State[S], error) {
		return state, nil
	}
}

// Registry maps executor names used in configuration files to stage builders.
type Registry struct {
	mu        sync.RWMutex
	executors map[Executor]StageBuilder
}

// NewRegistry creates a new, empty registry.
func NewRegistry() *Registry {
	return &Registry{
		executors: make(map[Executor]StageBuilder),
	}
}

// RegisterExecutor adds a stage builder under name.
// Returns an error if an executor is already registered with this name.
func (r *Registry) RegisterExecutor(name Executor, builder StageBuilder) error {
	if builder == nil {
		return fmt.Errorf("executor '%s': nil builder", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.executors[name]; exists {
		return fmt.Errorf(ErrExecutorExists, name)
	}
	r.executors[name] = builder
	return nil
}

// GetExecutor retrieves a stage builder by its name.
func (r *Registry) GetExecutor(name Executor) (StageBuilder, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	builder, ok := r.executors[name]
	return builder, ok
}

// RegisterProducer registers fn as a producer executor.
func RegisterProducer[Out, S any](r *Registry, name Executor, fn ProducerFunc[Out, S], state StateFactory[S]) error {
	if fn == nil || state == nil {
		return fmt.Errorf("executor '%s': nil work function or state factory", name)
	}
	return r.RegisterExecutor(name, func(
		c *Chain, sc *StageConfig, _ int, options []StageOption, _ *BuildContext,
	) (StageID, error) {
		st, err := state(sc)
		if err != nil {
			return 0, err
		}
		return AddProducer(c, fn, st, options...)
	})
}

// RegisterStep registers fn as an intermediate stage executor.
func RegisterStep[In, Out, S any](r *Registry, name Executor, fn StepFunc[In, Out, S], state StateFactory[S]) error {
	if fn == nil || state == nil {
		return fmt.Errorf("executor '%s': nil work function or state factory", name)
	}
	return r.RegisterExecutor(name, func(
		c *Chain, sc *StageConfig, depth int, options []StageOption, _ *BuildContext,
	) (StageID, error) {
		st, err := state(sc)
		if err != nil {
			return 0, err
		}
		return AddStep(c, depth, fn, st, options...)
	})
}

// RegisterConsumer registers fn as a consumer executor.
func RegisterConsumer[In, S any](r *Registry, name Executor, fn ConsumerFunc[In, S], state StateFactory[S]) error {
	if fn == nil || state == nil {
		return fmt.Errorf("executor '%s': nil work function or state factory", name)
	}
	return r.RegisterExecutor(name, func(
		c *Chain, sc *StageConfig, depth int, options []StageOption, _ *BuildContext,
	) (StageID, error) {
		st, err := state(sc)
		if err != nil {
			return 0, err
		}
		return AddConsumer(c, depth, fn, st, options...)
	})
}

// BuildChainFromConfig is the main entry point for creating a chain from a
// parsed configuration. It validates the config, creates the logger, tracer
// provider and metrics collector it names and adds one stage per entry. The
// returned chain is finalized; options are applied after the configured ones.
//
// The tracer provider and metrics collector are shut down when the last
// handle on the chain is released.
func BuildChainFromConfig(
	config *ChainConfig,
	registry *Registry,
	options ...Option,
) (*Chain, *BuildContext, error) {
	if err := config.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid chain configuration: %w", err)
	}

	buildContext, hooks, err := createBuildContext(config)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create build context: %w", err)
	}

	chainOptions := []Option{
		WithName(config.Name),
		WithLogger(buildContext.Logger),
		WithTracerProvider(buildContext.TracerProvider),
		WithMetricsCollector(buildContext.MetricsCollector),
		WithMaxWorkers(config.MaxWorkers),
	}
	for _, hook := range hooks {
		chainOptions = append(chainOptions, WithShutdownHook(hook))
	}
	c := New(append(chainOptions, options...)...)

	for i := range config.Stages {
		sc := &config.Stages[i]
		if errBuild := buildStage(c, sc, registry, buildContext); errBuild != nil {
			_ = c.Release()
			return nil, nil, fmt.Errorf("failed to build stage #%d %q: %w", i, sc.Name, errBuild)
		}
	}

	if err := c.Finalize(); err != nil {
		_ = c.Release()
		return nil, nil, fmt.Errorf("failed to finalize chain %q: %w", config.Name, err)
	}
	return c, buildContext, nil
}

func buildStage(c *Chain, sc *StageConfig, registry *Registry, buildContext *BuildContext) error {
	builder, ok := registry.GetExecutor(sc.Executor)
	if !ok {
		return NewChainConfigurationError(fmt.Sprintf(ErrExecutorNotFound, sc.Executor))
	}

	depth := sc.QueueDepth
	if depth == 0 {
		depth = DefaultQueueDepth
	}
	_, err := builder(c, sc, depth, stageOptionsFromConfig(sc), buildContext)
	return err
}

func stageOptionsFromConfig(sc *StageConfig) []StageOption {
	options := []StageOption{WithStageName(sc.Name)}
	if sc.Threads > 0 {
		options = append(options, WithThreads(sc.Threads))
	}
	if sc.LockOSThread {
		options = append(options, WithLockOSThread())
	}
	if sc.RateLimit != nil {
		options = append(options, WithQueueOptions(
			WithQueueRateLimit(rate.Limit(sc.RateLimit.Rate), sc.RateLimit.Burst),
		))
	}
	return options
}

// createBuildContext creates the logger, tracer provider and metrics
// collector and returns the shutdown hooks releasing them.
func createBuildContext(config *ChainConfig) (*BuildContext, []func(context.Context) error, error) {
	logger, err := NewLogger(config.Logging)
	if err != nil {
		return nil, nil, err
	}

	factory := NewObservabilityFactory(logger)
	var hooks []func(context.Context) error

	tracerProvider, err := factory.CreateTracerProvider(config.Tracing, config.Name)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create tracer provider: %w", err)
	}
	if s, ok := tracerProvider.(interface{ Shutdown(context.Context) error }); ok {
		hooks = append(hooks, s.Shutdown)
	}

	metricsCollector, err := factory.CreateMetricsCollector(config.Metrics)
	if err != nil {
		errs := fmt.Errorf("failed to create metrics collector: %w", err)
		for _, hook := range hooks {
			errs = multierr.Append(errs, hook(context.Background()))
		}
		return nil, nil, errs
	}
	if cl, ok := metricsCollector.(interface{ Close(context.Context) error }); ok {
		hooks = append(hooks, cl.Close)
	}

	hooks = append(hooks, func(context.Context) error {
		_ = logger.Sync()
		return nil
	})

	return &BuildContext{
		Logger:           logger,
		MetricsCollector: metricsCollector,
		TracerProvider:   tracerProvider,
	}, hooks, nil
}
