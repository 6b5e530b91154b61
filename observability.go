package chain

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/zipkin"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.uber.org/zap"
)

// Version is reported as service.version on exported spans.
const Version = "1.0.0"

// ObservabilityFactory creates tracer providers and metrics collectors from
// chain configuration.
type ObservabilityFactory struct {
	logger *zap.Logger
}

// NewObservabilityFactory creates a new factory. Collectors that log use
// logger; nil means no logging.
func NewObservabilityFactory(logger *zap.Logger) *ObservabilityFactory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ObservabilityFactory{logger: logger}
}

// CreateTracerProvider creates a TracerProvider based on the tracing configuration.
// Providers backed by an exporter implement Shutdown(context.Context) error.
func (f *ObservabilityFactory) CreateTracerProvider(
	config ChainTracingConfig,
	serviceName string,
) (TracerProvider, error) {
	if !config.Enabled {
		return &NoopTracerProvider{}, nil
	}

	switch config.Type {
	case TracingTypeNoop, "":
		return &NoopTracerProvider{}, nil
	case TracingTypeOTLP:
		return f.createOTLPTracerProvider(config, serviceName)
	case TracingTypeZipkin:
		return f.createZipkinTracerProvider(config, serviceName)
	default:
		return nil, fmt.Errorf("unsupported tracing type: %s", config.Type)
	}
}

func (f *ObservabilityFactory) createOTLPTracerProvider(
	config ChainTracingConfig,
	serviceName string,
) (TracerProvider, error) {
	if config.Endpoint == "" {
		return nil, errors.New("otlp endpoint is required")
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(config.Endpoint)}
	if config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}
	return f.sdkProvider(exporter, config, serviceName, string(TracingTypeOTLP))
}

func (f *ObservabilityFactory) createZipkinTracerProvider(
	config ChainTracingConfig,
	serviceName string,
) (TracerProvider, error) {
	if config.Endpoint == "" {
		return nil, errors.New("zipkin endpoint is required")
	}

	exporter, err := zipkin.New(config.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create Zipkin exporter: %w", err)
	}
	return f.sdkProvider(exporter, config, serviceName, string(TracingTypeZipkin))
}

func (f *ObservabilityFactory) sdkProvider(
	exporter sdktrace.SpanExporter,
	config ChainTracingConfig,
	serviceName string,
	kind string,
) (TracerProvider, error) {
	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(Version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	sampler := sdktrace.AlwaysSample()
	if config.SampleRatio > 0 {
		sampler = sdktrace.ParentBased(sdktrace.TraceIDRatioBased(config.SampleRatio))
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	return &SDKTracerProvider{tp: tp, exporter: kind}, nil
}

// CreateMetricsCollector creates a MetricsCollector based on the metrics configuration.
// Collectors holding connections implement Close(context.Context) error.
func (f *ObservabilityFactory) CreateMetricsCollector(config ChainMetricsConfig) (MetricsCollector, error) {
	if !config.Enabled {
		return &NoopMetricsCollector{}, nil
	}

	switch config.Type {
	case MetricsTypeNoop, "":
		return &NoopMetricsCollector{}, nil
	case MetricsTypePrometheus:
		return NewPrometheusMetricsCollector(prometheus.NewRegistry(), config.Namespace), nil
	case MetricsTypeInfluxDB:
		return f.createInfluxDBCollector(config)
	case MetricsTypeMongoDB:
		return f.createMongoDBCollector(config)
	case MetricsTypeLogging:
		return NewLoggingMetricsCollector(f.logger), nil
	default:
		return nil, fmt.Errorf("unsupported metrics type: %s", config.Type)
	}
}

func (f *ObservabilityFactory) createInfluxDBCollector(config ChainMetricsConfig) (MetricsCollector, error) {
	if config.Endpoint == "" {
		return nil, errors.New("influxdb endpoint is required")
	}
	bucket := config.Bucket
	if bucket == "" {
		bucket = "chain"
	}
	client := influxdb2.NewClient(config.Endpoint, config.Token)
	return newInfluxDBMetricsCollector(client, config.Organization, bucket, f.logger), nil
}

func (f *ObservabilityFactory) createMongoDBCollector(config ChainMetricsConfig) (MetricsCollector, error) {
	if config.Endpoint == "" {
		return nil, errors.New("mongodb endpoint is required")
	}
	database := config.Database
	if database == "" {
		database = "chain_metrics"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(config.Endpoint))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if errPing := client.Ping(ctx, nil); errPing != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", errPing)
	}
	return newMongoDBMetricsCollector(client, client.Database(database).Collection("chain_metrics"), f.logger), nil
}

// --- Prometheus ---

// PrometheusMetricsCollector implements MetricsCollector for Prometheus.
type PrometheusMetricsCollector struct {
	registry *prometheus.Registry

	runsStarted        *prometheus.CounterVec
	runStartFailures   *prometheus.CounterVec
	runsStopped        *prometheus.CounterVec
	runDuration        *prometheus.HistogramVec
	stagesArmed        *prometheus.CounterVec
	stageDestroyErrors *prometheus.CounterVec
	workersActive      *prometheus.GaugeVec
	workerDuration     *prometheus.HistogramVec
	workerErrors       *prometheus.CounterVec
	lastWorkerOut      *prometheus.CounterVec
	queueState         *prometheus.GaugeVec
	queueTransitions   *prometheus.CounterVec
	communicateCalls   *prometheus.CounterVec
	communicateLatency *prometheus.HistogramVec
}

// Ensure PrometheusMetricsCollector implements MetricsCollector.
var _ MetricsCollector = (*PrometheusMetricsCollector)(nil)

// NewPrometheusMetricsCollector registers the chain metrics on registry
// (a fresh registry if nil) under the given namespace ("chain" if empty).
func NewPrometheusMetricsCollector(registry *prometheus.Registry, namespace string) *PrometheusMetricsCollector {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	if namespace == "" {
		namespace = "chain"
	}
	p := &PrometheusMetricsCollector{registry: registry}
	p.initializePrometheusMetrics(namespace)
	return p
}

func (p *PrometheusMetricsCollector) initializePrometheusMetrics(ns string) {
	factory := promauto.With(p.registry)

	p.runsStarted = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "runs_started_total",
		Help:      "Total number of runs started",
	}, []string{"chain"})

	p.runStartFailures = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "run_start_failures_total",
		Help:      "Total number of runs rolled back during startup",
	}, []string{"chain"})

	p.runsStopped = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "runs_stopped_total",
		Help:      "Total number of finished runs by stop mode",
	}, []string{"chain", "mode"})

	p.runDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: ns,
		Name:      "run_duration_seconds",
		Help:      "Duration of runs in seconds",
		Buckets:   prometheus.ExponentialBuckets(0.001, 4, 12),
	}, []string{"chain", "mode"})

	p.stagesArmed = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "stage_armed_total",
		Help:      "Total number of stage states created",
	}, []string{"chain", "stage"})

	p.stageDestroyErrors = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "stage_destroy_errors_total",
		Help:      "Total number of failed stage state destructions",
	}, []string{"chain", "stage"})

	p.workersActive = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: ns,
		Name:      "workers_active",
		Help:      "Number of workers currently inside their work function",
	}, []string{"chain", "stage"})

	p.workerDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: ns,
		Name:      "worker_duration_seconds",
		Help:      "Time workers spent in their work function",
		Buckets:   prometheus.ExponentialBuckets(0.001, 4, 12),
	}, []string{"chain", "stage"})

	p.workerErrors = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "worker_errors_total",
		Help:      "Total number of work functions that failed or panicked",
	}, []string{"chain", "stage"})

	p.lastWorkerOut = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "last_worker_out_total",
		Help:      "Total number of last-worker-out handshakes",
	}, []string{"chain", "stage"})

	p.queueState = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: ns,
		Name:      "queue_state",
		Help:      "Queue state: 0 disabled, 1 enabled, 2 draining",
	}, []string{"chain", "queue"})

	p.queueTransitions = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "queue_transitions_total",
		Help:      "Total number of queue state transitions by target state",
	}, []string{"chain", "queue", "to"})

	p.communicateCalls = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "communicate_total",
		Help:      "Total number of Communicate callbacks run",
	}, []string{"chain", "stage"})

	p.communicateLatency = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: ns,
		Name:      "communicate_duration_seconds",
		Help:      "Time spent holding the stage mutex in Communicate",
		Buckets:   prometheus.ExponentialBuckets(0.00001, 4, 10),
	}, []string{"chain", "stage"})
}

// Registry returns the registry the metrics are registered on.
func (p *PrometheusMetricsCollector) Registry() *prometheus.Registry {
	return p.registry
}

// ChainStarted increments the runs counter.
func (p *PrometheusMetricsCollector) ChainStarted(_ context.Context, chainName string, _ string) {
	p.runsStarted.WithLabelValues(chainName).Inc()
}

// ChainStartFailed increments the start failure counter.
func (p *PrometheusMetricsCollector) ChainStartFailed(_ context.Context, chainName string, _ error) {
	p.runStartFailures.WithLabelValues(chainName).Inc()
}

// ChainStopped records a finished run.
func (p *PrometheusMetricsCollector) ChainStopped(
	_ context.Context,
	chainName string,
	mode StopMode,
	duration time.Duration,
) {
	p.runsStopped.WithLabelValues(chainName, mode.String()).Inc()
	p.runDuration.WithLabelValues(chainName, mode.String()).Observe(duration.Seconds())
}

// StageArmed increments the armed counter.
func (p *PrometheusMetricsCollector) StageArmed(_ context.Context, chainName, stageName string) {
	p.stagesArmed.WithLabelValues(chainName, stageName).Inc()
}

// StageDestroyed counts failed destructions.
func (p *PrometheusMetricsCollector) StageDestroyed(_ context.Context, chainName, stageName string, err error) {
	if err != nil {
		p.stageDestroyErrors.WithLabelValues(chainName, stageName).Inc()
	}
}

// LastWorkerOut increments the handshake counter.
func (p *PrometheusMetricsCollector) LastWorkerOut(_ context.Context, chainName, stageName string) {
	p.lastWorkerOut.WithLabelValues(chainName, stageName).Inc()
}

// WorkerStarted raises the active worker gauge.
func (p *PrometheusMetricsCollector) WorkerStarted(_ context.Context, chainName, stageName string) {
	p.workersActive.WithLabelValues(chainName, stageName).Inc()
}

// WorkerFinished lowers the active worker gauge and records the duration.
func (p *PrometheusMetricsCollector) WorkerFinished(
	_ context.Context,
	chainName, stageName string,
	duration time.Duration,
	err error,
) {
	p.workersActive.WithLabelValues(chainName, stageName).Dec()
	p.workerDuration.WithLabelValues(chainName, stageName).Observe(duration.Seconds())
	if err != nil {
		p.workerErrors.WithLabelValues(chainName, stageName).Inc()
	}
}

// QueueStateChanged records the new queue state.
func (p *PrometheusMetricsCollector) QueueStateChanged(
	_ context.Context,
	chainName string,
	queue int,
	_, to QueueState,
) {
	q := strconv.Itoa(queue)
	p.queueState.WithLabelValues(chainName, q).Set(float64(to))
	p.queueTransitions.WithLabelValues(chainName, q, to.String()).Inc()
}

// Communicated counts Communicate callbacks.
func (p *PrometheusMetricsCollector) Communicated(
	_ context.Context,
	chainName, stageName string,
	duration time.Duration,
) {
	p.communicateCalls.WithLabelValues(chainName, stageName).Inc()
	p.communicateLatency.WithLabelValues(chainName, stageName).Observe(duration.Seconds())
}

// --- InfluxDB ---

// InfluxDBMetricsCollector implements MetricsCollector for InfluxDB. Points
// are written through the client's non-blocking write API.
type InfluxDBMetricsCollector struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	done     chan struct{}
}

// Ensure InfluxDBMetricsCollector implements MetricsCollector.
var _ MetricsCollector = (*InfluxDBMetricsCollector)(nil)

func newInfluxDBMetricsCollector(
	client influxdb2.Client,
	org, bucket string,
	logger *zap.Logger,
) *InfluxDBMetricsCollector {
	writeAPI := client.WriteAPI(org, bucket)
	i := &InfluxDBMetricsCollector{client: client, writeAPI: writeAPI, done: make(chan struct{})}

	errs := writeAPI.Errors()
	go func() {
		defer close(i.done)
		for err := range errs {
			logger.Warn("influxdb write failed", zap.Error(err))
		}
	}()
	return i
}

// writePoint writes a metric point to InfluxDB.
func (i *InfluxDBMetricsCollector) writePoint(measurement string, tags map[string]string, fields map[string]any) {
	i.writeAPI.WritePoint(influxdb2.NewPoint(measurement, tags, fields, time.Now()))
}

// ChainStarted writes a run start point.
func (i *InfluxDBMetricsCollector) ChainStarted(_ context.Context, chainName string, runID string) {
	i.writePoint("chain_run_started",
		map[string]string{"chain": chainName},
		map[string]any{"count": 1, "run_id": runID})
}

// ChainStartFailed writes a start failure point.
func (i *InfluxDBMetricsCollector) ChainStartFailed(_ context.Context, chainName string, err error) {
	i.writePoint("chain_run_start_failed",
		map[string]string{"chain": chainName, "error_type": fmt.Sprintf("%T", err)},
		map[string]any{"count": 1, "error_message": err.Error()})
}

// ChainStopped writes a run duration point.
func (i *InfluxDBMetricsCollector) ChainStopped(
	_ context.Context,
	chainName string,
	mode StopMode,
	duration time.Duration,
) {
	i.writePoint("chain_run_stopped",
		map[string]string{"chain": chainName, "mode": mode.String()},
		map[string]any{"duration_seconds": duration.Seconds()})
}

// StageArmed writes a stage armed point.
func (i *InfluxDBMetricsCollector) StageArmed(_ context.Context, chainName, stageName string) {
	i.writePoint("chain_stage_armed",
		map[string]string{"chain": chainName, "stage": stageName},
		map[string]any{"count": 1})
}

// StageDestroyed writes a stage destroyed point.
func (i *InfluxDBMetricsCollector) StageDestroyed(_ context.Context, chainName, stageName string, err error) {
	fields := map[string]any{"count": 1, "failed": err != nil}
	if err != nil {
		fields["error_message"] = err.Error()
	}
	i.writePoint("chain_stage_destroyed", map[string]string{"chain": chainName, "stage": stageName}, fields)
}

// LastWorkerOut writes a handshake point.
func (i *InfluxDBMetricsCollector) LastWorkerOut(_ context.Context, chainName, stageName string) {
	i.writePoint("chain_last_worker_out",
		map[string]string{"chain": chainName, "stage": stageName},
		map[string]any{"count": 1})
}

// WorkerStarted writes a worker start point.
func (i *InfluxDBMetricsCollector) WorkerStarted(_ context.Context, chainName, stageName string) {
	i.writePoint("chain_worker_started",
		map[string]string{"chain": chainName, "stage": stageName},
		map[string]any{"count": 1})
}

// WorkerFinished writes a worker duration point.
func (i *InfluxDBMetricsCollector) WorkerFinished(
	_ context.Context,
	chainName, stageName string,
	duration time.Duration,
	err error,
) {
	fields := map[string]any{"duration_seconds": duration.Seconds(), "failed": err != nil}
	if err != nil {
		fields["error_message"] = err.Error()
	}
	i.writePoint("chain_worker_finished", map[string]string{"chain": chainName, "stage": stageName}, fields)
}

// QueueStateChanged writes a queue transition point.
func (i *InfluxDBMetricsCollector) QueueStateChanged(
	_ context.Context,
	chainName string,
	queue int,
	from, to QueueState,
) {
	i.writePoint("chain_queue_state",
		map[string]string{"chain": chainName, "queue": strconv.Itoa(queue)},
		map[string]any{"from": from.String(), "to": to.String(), "state": int(to)})
}

// Communicated writes a communicate latency point.
func (i *InfluxDBMetricsCollector) Communicated(
	_ context.Context,
	chainName, stageName string,
	duration time.Duration,
) {
	i.writePoint("chain_communicate",
		map[string]string{"chain": chainName, "stage": stageName},
		map[string]any{"duration_seconds": duration.Seconds()})
}

// Close flushes pending points and closes the client.
func (i *InfluxDBMetricsCollector) Close(_ context.Context) error {
	i.writeAPI.Flush()
	i.client.Close()
	<-i.done
	return nil
}

// --- MongoDB ---

// MongoDBMetricsCollector implements MetricsCollector for MongoDB. Documents
// are inserted by a background goroutine; when its buffer is full new
// documents are dropped and counted.
type MongoDBMetricsCollector struct {
	client     *mongo.Client
	collection *mongo.Collection
	logger     *zap.Logger

	mu      sync.RWMutex
	closed  bool
	docs    chan bson.M
	wg      sync.WaitGroup
	dropped atomic.Int64
}

// Ensure MongoDBMetricsCollector implements MetricsCollector.
var _ MetricsCollector = (*MongoDBMetricsCollector)(nil)

const mongoMetricsBuffer = 1024

func newMongoDBMetricsCollector(
	client *mongo.Client,
	collection *mongo.Collection,
	logger *zap.Logger,
) *MongoDBMetricsCollector {
	m := &MongoDBMetricsCollector{
		client:     client,
		collection: collection,
		logger:     logger,
		docs:       make(chan bson.M, mongoMetricsBuffer),
	}
	m.wg.Add(1)
	go m.writer()
	return m
}

func (m *MongoDBMetricsCollector) writer() {
	defer m.wg.Done()
	for doc := range m.docs {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if _, err := m.collection.InsertOne(ctx, doc); err != nil {
			m.logger.Warn("failed to insert metric into MongoDB", zap.Error(err))
		}
		cancel()
	}
}

// insertMetric queues a metric document.
func (m *MongoDBMetricsCollector) insertMetric(metricType, chainName, stageName string, data bson.M) {
	doc := bson.M{
		"timestamp":   time.Now(),
		"metric_type": metricType,
		"chain":       chainName,
		"stage":       stageName,
		"data":        data,
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		m.dropped.Add(1)
		return
	}
	select {
	case m.docs <- doc:
	default:
		m.dropped.Add(1)
	}
}

// Dropped returns the number of documents discarded because the buffer was
// full or the collector was closed.
func (m *MongoDBMetricsCollector) Dropped() int64 {
	return m.dropped.Load()
}

// ChainStarted inserts a run start document.
func (m *MongoDBMetricsCollector) ChainStarted(_ context.Context, chainName string, runID string) {
	m.insertMetric("run_started", chainName, "", bson.M{"run_id": runID})
}

// ChainStartFailed inserts a start failure document.
func (m *MongoDBMetricsCollector) ChainStartFailed(_ context.Context, chainName string, err error) {
	m.insertMetric("run_start_failed", chainName, "", bson.M{"error_message": err.Error()})
}

// ChainStopped inserts a run stopped document.
func (m *MongoDBMetricsCollector) ChainStopped(
	_ context.Context,
	chainName string,
	mode StopMode,
	duration time.Duration,
) {
	m.insertMetric("run_stopped", chainName, "", bson.M{
		"mode":             mode.String(),
		"duration_seconds": duration.Seconds(),
	})
}

// StageArmed inserts a stage armed document.
func (m *MongoDBMetricsCollector) StageArmed(_ context.Context, chainName, stageName string) {
	m.insertMetric("stage_armed", chainName, stageName, bson.M{"count": 1})
}

// StageDestroyed inserts a stage destroyed document.
func (m *MongoDBMetricsCollector) StageDestroyed(_ context.Context, chainName, stageName string, err error) {
	data := bson.M{"failed": err != nil}
	if err != nil {
		data["error_message"] = err.Error()
	}
	m.insertMetric("stage_destroyed", chainName, stageName, data)
}

// LastWorkerOut inserts a handshake document.
func (m *MongoDBMetricsCollector) LastWorkerOut(_ context.Context, chainName, stageName string) {
	m.insertMetric("last_worker_out", chainName, stageName, bson.M{"count": 1})
}

// WorkerStarted inserts a worker start document.
func (m *MongoDBMetricsCollector) WorkerStarted(_ context.Context, chainName, stageName string) {
	m.insertMetric("worker_started", chainName, stageName, bson.M{"count": 1})
}

// WorkerFinished inserts a worker finished document.
func (m *MongoDBMetricsCollector) WorkerFinished(
	_ context.Context,
	chainName, stageName string,
	duration time.Duration,
	err error,
) {
	data := bson.M{"duration_ms": duration.Milliseconds(), "failed": err != nil}
	if err != nil {
		data["error_message"] = err.Error()
	}
	m.insertMetric("worker_finished", chainName, stageName, data)
}

// QueueStateChanged inserts a queue transition document.
func (m *MongoDBMetricsCollector) QueueStateChanged(
	_ context.Context,
	chainName string,
	queue int,
	from, to QueueState,
) {
	m.insertMetric("queue_state_changed", chainName, "", bson.M{
		"queue": queue,
		"from":  from.String(),
		"to":    to.String(),
	})
}

// Communicated inserts a communicate document.
func (m *MongoDBMetricsCollector) Communicated(
	_ context.Context,
	chainName, stageName string,
	duration time.Duration,
) {
	m.insertMetric("communicate", chainName, stageName, bson.M{"duration_us": duration.Microseconds()})
}

// Close drains pending documents and disconnects. Events after Close are
// dropped.
func (m *MongoDBMetricsCollector) Close(ctx context.Context) error {
	m.mu.Lock()
	if !m.closed {
		m.closed = true
		close(m.docs)
	}
	m.mu.Unlock()
	m.wg.Wait()
	return m.client.Disconnect(ctx)
}

// --- Logging ---

// LoggingMetricsCollector writes every metric event to a zap logger at debug
// level, failures at warn. Useful during development.
type LoggingMetricsCollector struct {
	logger *zap.Logger
}

// Ensure LoggingMetricsCollector implements MetricsCollector.
var _ MetricsCollector = (*LoggingMetricsCollector)(nil)

// NewLoggingMetricsCollector creates a collector logging to logger.
func NewLoggingMetricsCollector(logger *zap.Logger) *LoggingMetricsCollector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LoggingMetricsCollector{logger: logger.Named("metrics")}
}

// ChainStarted logs a run start.
func (l *LoggingMetricsCollector) ChainStarted(_ context.Context, chainName string, runID string) {
	l.logger.Debug("run started", zap.String("chain", chainName), zap.String("run_id", runID))
}

// ChainStartFailed logs a start failure.
func (l *LoggingMetricsCollector) ChainStartFailed(_ context.Context, chainName string, err error) {
	l.logger.Warn("run failed to start", zap.String("chain", chainName), zap.Error(err))
}

// ChainStopped logs a finished run.
func (l *LoggingMetricsCollector) ChainStopped(
	_ context.Context,
	chainName string,
	mode StopMode,
	duration time.Duration,
) {
	l.logger.Debug("run stopped",
		zap.String("chain", chainName), zap.Stringer("mode", mode), zap.Duration("duration", duration))
}

// StageArmed logs a stage armed event.
func (l *LoggingMetricsCollector) StageArmed(_ context.Context, chainName, stageName string) {
	l.logger.Debug("stage armed", zap.String("chain", chainName), zap.String("stage", stageName))
}

// StageDestroyed logs a stage destroyed event.
func (l *LoggingMetricsCollector) StageDestroyed(_ context.Context, chainName, stageName string, err error) {
	if err != nil {
		l.logger.Warn("stage destroy failed",
			zap.String("chain", chainName), zap.String("stage", stageName), zap.Error(err))
		return
	}
	l.logger.Debug("stage destroyed", zap.String("chain", chainName), zap.String("stage", stageName))
}

// LastWorkerOut logs a handshake.
func (l *LoggingMetricsCollector) LastWorkerOut(_ context.Context, chainName, stageName string) {
	l.logger.Debug("last worker out", zap.String("chain", chainName), zap.String("stage", stageName))
}

// WorkerStarted logs a worker start.
func (l *LoggingMetricsCollector) WorkerStarted(_ context.Context, chainName, stageName string) {
	l.logger.Debug("worker started", zap.String("chain", chainName), zap.String("stage", stageName))
}

// WorkerFinished logs a worker end.
func (l *LoggingMetricsCollector) WorkerFinished(
	_ context.Context,
	chainName, stageName string,
	duration time.Duration,
	err error,
) {
	if err != nil {
		l.logger.Warn("worker failed", zap.String("chain", chainName), zap.String("stage", stageName),
			zap.Duration("duration", duration), zap.Error(err))
		return
	}
	l.logger.Debug("worker finished", zap.String("chain", chainName), zap.String("stage", stageName),
		zap.Duration("duration", duration))
}

// QueueStateChanged logs a queue transition.
func (l *LoggingMetricsCollector) QueueStateChanged(
	_ context.Context,
	chainName string,
	queue int,
	from, to QueueState,
) {
	l.logger.Debug("queue state changed", zap.String("chain", chainName), zap.Int("queue", queue),
		zap.Stringer("from", from), zap.Stringer("to", to))
}

// Communicated logs a communicate call.
func (l *LoggingMetricsCollector) Communicated(
	_ context.Context,
	chainName, stageName string,
	duration time.Duration,
) {
	l.logger.Debug("communicated", zap.String("chain", chainName), zap.String("stage", stageName),
		zap.Duration("held", duration))
}
