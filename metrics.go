package chain

import (
	"context"
	"time"
)

// MetricsCollector defines an interface for collecting metrics about chain operations.
// This allows for integration with various monitoring systems like Prometheus or InfluxDB.
//
// Implementations are called from worker goroutines and from inside queue
// state transitions, so they must be safe for concurrent use and must not block.
type MetricsCollector interface {
	// --- Chain lifecycle ---

	// ChainStarted is called after every stage of a run was armed and spawned.
	ChainStarted(ctx context.Context, chainName string, runID string)
	// ChainStartFailed is called when Run rolled back.
	ChainStartFailed(ctx context.Context, chainName string, err error)
	// ChainStopped is called after join-and-cleanup finished.
	ChainStopped(ctx context.Context, chainName string, mode StopMode, duration time.Duration)

	// --- Stage lifecycle ---

	// StageArmed is called once the stage state was created for a run.
	StageArmed(ctx context.Context, chainName, stageName string)
	// StageDestroyed is called after the stage state was destroyed.
	StageDestroyed(ctx context.Context, chainName, stageName string, err error)
	// LastWorkerOut is called by the last worker of a stage to return.
	LastWorkerOut(ctx context.Context, chainName, stageName string)

	// --- Workers ---

	// WorkerStarted is called when a worker enters its work function.
	WorkerStarted(ctx context.Context, chainName, stageName string)
	// WorkerFinished is called when a work function returned or panicked.
	WorkerFinished(ctx context.Context, chainName, stageName string, duration time.Duration, err error)

	// --- Queues and communication ---

	// QueueStateChanged is called on every queue state transition.
	QueueStateChanged(ctx context.Context, chainName string, queue int, from, to QueueState)
	// Communicated is called after a callback ran under a stage's mutex.
	Communicated(ctx context.Context, chainName, stageName string, duration time.Duration)
}

// NoopMetricsCollector is a metrics collector that does nothing.
// It's useful as a default when no metrics collection is needed.
type NoopMetricsCollector struct{}

// Ensure NoopMetricsCollector implements MetricsCollector
var _ MetricsCollector = (*NoopMetricsCollector)(nil)

// ChainStarted implements MetricsCollector interface for NoopMetricsCollector.
func (*NoopMetricsCollector) ChainStarted(_ context.Context, _ string, _ string) {}

// ChainStartFailed implements MetricsCollector interface for NoopMetricsCollector.
func (*NoopMetricsCollector) ChainStartFailed(_ context.Context, _ string, _ error) {}

// ChainStopped implements MetricsCollector interface for NoopMetricsCollector.
func (*NoopMetricsCollector) ChainStopped(_ context.Context, _ string, _ StopMode, _ time.Duration) {}

// StageArmed implements MetricsCollector interface for NoopMetricsCollector.
func (*NoopMetricsCollector) StageArmed(_ context.Context, _, _ string) {}

// StageDestroyed implements MetricsCollector interface for NoopMetricsCollector.
func (*NoopMetricsCollector) StageDestroyed(_ context.Context, _, _ string, _ error) {}

// LastWorkerOut implements MetricsCollector interface for NoopMetricsCollector.
func (*NoopMetricsCollector) LastWorkerOut(_ context.Context, _, _ string) {}

// WorkerStarted implements MetricsCollector interface for NoopMetricsCollector.
func (*NoopMetricsCollector) WorkerStarted(_ context.Context, _, _ string) {}

// WorkerFinished implements MetricsCollector interface for NoopMetricsCollector.
func (*NoopMetricsCollector) WorkerFinished(_ context.Context, _, _ string, _ time.Duration, _ error) {}

// QueueStateChanged implements MetricsCollector interface for NoopMetricsCollector.
func (*NoopMetricsCollector) QueueStateChanged(_ context.Context, _ string, _ int, _, _ QueueState) {}

// Communicated implements MetricsCollector interface for NoopMetricsCollector.
func (*NoopMetricsCollector) Communicated(_ context.Context, _, _ string, _ time.Duration) {}

// DefaultMetricsCollector is the default metrics collector used when none is provided.
var DefaultMetricsCollector MetricsCollector = &NoopMetricsCollector{}
