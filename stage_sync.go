package chain

import (
	"context"

	"go.uber.org/zap"
)

// Sync is a worker's handle on its stage: the stage state plus the mutex and
// condition variable that the stage shares with Communicate and with the
// chain's cancellation path.
//
// State values may be touched freely by the stage's own workers as long as
// they coordinate among themselves; anything that Communicate callbacks also
// touch must be accessed between Lock and Unlock.
type Sync[S any] struct {
	st     *stage
	state  S
	ctx    context.Context
	worker int
	qdepth int
	logger *zap.Logger
}

func newSync[S any](ctx context.Context, st *stage, worker int) *Sync[S] {
	st.mu.Lock()
	defer st.mu.Unlock()
	return &Sync[S]{
		st:     st,
		state:  asState[S](st.state),
		ctx:    ctx,
		worker: worker,
		qdepth: st.qdepth,
		logger: st.logger.With(zap.Int("worker", worker)),
	}
}

// State returns the stage state created for the current run.
func (s *Sync[S]) State() S {
	return s.state
}

// Lock acquires the stage mutex.
func (s *Sync[S]) Lock() {
	s.st.mu.Lock()
}

// Unlock releases the stage mutex.
func (s *Sync[S]) Unlock() {
	s.st.mu.Unlock()
}

// Wait atomically unlocks the stage mutex and suspends the worker until the
// stage condition is broadcast. The mutex must be held.
func (s *Sync[S]) Wait() {
	s.st.cond.Wait()
}

// Broadcast wakes every goroutine waiting on the stage condition.
func (s *Sync[S]) Broadcast() {
	s.st.cond.Broadcast()
}

// Cancelled reports whether the chain asked the stage to stop. The mutex must
// be held.
func (s *Sync[S]) Cancelled() bool {
	return s.st.cancelled
}

// WaitUntil blocks until ready returns true or the stage is cancelled.
// ready is evaluated with the mutex held. The result is false on cancellation.
func (s *Sync[S]) WaitUntil(ready func(S) bool) bool {
	s.st.mu.Lock()
	defer s.st.mu.Unlock()

	for !s.st.cancelled && !ready(s.state) {
		s.st.cond.Wait()
	}
	return !s.st.cancelled
}

// Done is closed when the stage is cancelled or its state destroyed.
func (s *Sync[S]) Done() <-chan struct{} {
	return s.ctx.Done()
}

// Context is the worker's context. It carries the worker's trace span and is
// cancelled together with Done.
func (s *Sync[S]) Context() context.Context {
	return s.ctx
}

// StageID returns the id of the stage the worker belongs to.
func (s *Sync[S]) StageID() StageID {
	return s.st.id
}

// StageName returns the name of the stage.
func (s *Sync[S]) StageName() string {
	return s.st.name
}

// Worker returns the index of the worker within its stage, starting at 0.
func (s *Sync[S]) Worker() int {
	return s.worker
}

// QueueDepth returns the total capacity of all queues in the chain.
func (s *Sync[S]) QueueDepth() int {
	return s.qdepth
}

// Logger returns a logger annotated with chain, stage and worker.
func (s *Sync[S]) Logger() *zap.Logger {
	return s.logger
}
