package chain

import (
	"errors"
	"fmt"
)

// Sentinel errors for contract violations on a Chain. A call returning one of
// these leaves the chain unchanged.
var (
	// ErrNotFinalized is returned by Run on a chain whose topology is still open.
	ErrNotFinalized = errors.New("chain is not finalized")
	// ErrChainFinalized is returned when the topology is modified after Finalize.
	ErrChainFinalized = errors.New("chain is already finalized")
	// ErrChainRunning is returned by Run on a chain that is already running.
	ErrChainRunning = errors.New("chain is already running")
	// ErrNotRunning is returned by Communicate when no run is in progress.
	ErrNotRunning = errors.New("chain is not running")
	// ErrChainReleased is returned by every call on a handle after Release.
	ErrChainReleased = errors.New("chain handle has been released")
	// ErrChainDestroyed is returned once the last handle was released.
	ErrChainDestroyed = errors.New("chain has been destroyed")
	// ErrEmptyChain is returned by Finalize on a chain without stages.
	ErrEmptyChain = errors.New("chain has no stages")
	// ErrInvalidTopology is returned when stages are registered in an order
	// that cannot form producer -> steps -> consumer.
	ErrInvalidTopology = errors.New("invalid chain topology")
	// ErrStateRequired is returned when a stage state cannot be created
	// non-nil: an interface state without New, or New returning nil.
	ErrStateRequired = errors.New("stage state must not be nil")
	// ErrWorkerLimit is returned when the chain-wide worker budget is exhausted.
	ErrWorkerLimit = errors.New("worker limit reached")
)

// StageRangeError reports a stage id that does not name a registered stage.
type StageRangeError struct {
	StageID   StageID
	NumStages int
}

// Error implements the error interface for StageRangeError.
func (e *StageRangeError) Error() string {
	return fmt.Sprintf("stage id %d out of range (chain has %d stages)", e.StageID, e.NumStages)
}

// NewStageRangeError creates a new StageRangeError.
func NewStageRangeError(id StageID, numStages int) *StageRangeError {
	return &StageRangeError{StageID: id, NumStages: numStages}
}

// TypeMismatchError reports a state or element type that does not match the
// type the stage or queue was registered with.
type TypeMismatchError struct {
	// What names the mismatching entity, e.g. "stage 2 state" or "queue 0 element".
	What     string
	Expected string
	Actual   string
}

// Error implements the error interface for TypeMismatchError.
func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("%s type mismatch: expected %s, got %s", e.What, e.Expected, e.Actual)
}

// NewTypeMismatchError creates a new TypeMismatchError.
func NewTypeMismatchError(what, expected, actual string) *TypeMismatchError {
	return &TypeMismatchError{What: what, Expected: expected, Actual: actual}
}

// StartupError is returned by Run when a stage could not be armed or its
// workers could not be spawned. The chain has been rolled back when Run
// returns it.
type StartupError struct {
	StageID   StageID
	StageName string
	// Phase is "arm" or "spawn".
	Phase         string
	OriginalError error
}

// Error implements the error interface for StartupError.
func (e *StartupError) Error() string {
	return fmt.Sprintf("failed to %s stage %q (id %d): %v", e.Phase, e.StageName, e.StageID, e.OriginalError)
}

// Unwrap returns the underlying error for compatibility with errors.Is and errors.As.
func (e *StartupError) Unwrap() error {
	return e.OriginalError
}

// NewStartupError creates a new StartupError with the provided details.
func NewStartupError(id StageID, name, phase string, err error) *StartupError {
	return &StartupError{
		StageID:       id,
		StageName:     name,
		Phase:         phase,
		OriginalError: err,
	}
}

// WorkerError represents a work function that returned an error or panicked.
type WorkerError struct {
	StageID       StageID
	StageName     string
	Worker        int
	OriginalError error
}

// Error implements the error interface for WorkerError.
func (e *WorkerError) Error() string {
	return fmt.Sprintf("stage %q (id %d) worker %d: %v", e.StageName, e.StageID, e.Worker, e.OriginalError)
}

// Unwrap returns the underlying error for compatibility with errors.Is and errors.As.
func (e *WorkerError) Unwrap() error {
	return e.OriginalError
}

// NewWorkerError creates a new WorkerError with the provided details.
func NewWorkerError(id StageID, name string, worker int, err error) *WorkerError {
	return &WorkerError{
		StageID:       id,
		StageName:     name,
		Worker:        worker,
		OriginalError: err,
	}
}

// DestroyError wraps a failure of a stage state destructor.
type DestroyError struct {
	StageID       StageID
	StageName     string
	OriginalError error
}

// Error implements the error interface for DestroyError.
func (e *DestroyError) Error() string {
	return fmt.Sprintf("destroying state of stage %q (id %d): %v", e.StageName, e.StageID, e.OriginalError)
}

// Unwrap returns the underlying error for compatibility with errors.Is and errors.As.
func (e *DestroyError) Unwrap() error {
	return e.OriginalError
}

// PanicError carries a value recovered from a panicking callback.
type PanicError struct {
	Value any
}

// Error implements the error interface for PanicError.
func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// ChainConfigurationError reports an invalid chain configuration.
type ChainConfigurationError struct {
	Reason string
}

// Error implements the error interface for ChainConfigurationError.
func (e *ChainConfigurationError) Error() string {
	return "chain configuration error: " + e.Reason
}

// NewChainConfigurationError creates a new ChainConfigurationError.
func NewChainConfigurationError(reason string) *ChainConfigurationError {
	return &ChainConfigurationError{Reason: reason}
}
