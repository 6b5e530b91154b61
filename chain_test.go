package chain_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synoptiq/go-chain"
)

// sink collects the values seen by a consumer during one run.
type sink struct {
	values []int
}

// lifecycleCounter counts state creation and destruction across runs.
type lifecycleCounter struct {
	created   atomic.Int32
	destroyed atomic.Int32
}

func countedState[S any](lc *lifecycleCounter, newFn func() S) chain.State[S] {
	return chain.State[S]{
		New: func() (S, error) {
			lc.created.Add(1)
			return newFn(), nil
		},
		Destroy: func(S) error {
			lc.destroyed.Add(1)
			return nil
		},
	}
}

// doubler pops integers and pushes them doubled.
func doubler(in *chain.Queue[int], out *chain.Queue[int], _ *chain.Sync[struct{}]) error {
	for {
		v, ok := in.Pop()
		if !ok {
			return nil
		}
		if !out.Push(v * 2) {
			return nil
		}
	}
}

// collect appends everything it pops to the sink state.
func collect(in *chain.Queue[int], s *chain.Sync[*sink]) error {
	for {
		v, ok := in.Pop()
		if !ok {
			return nil
		}
		s.Lock()
		s.State().values = append(s.State().values, v)
		s.Unlock()
	}
}

// sinkState hands the collected values to results when the state is destroyed.
func sinkState(results chan<- []int) chain.State[*sink] {
	return chain.State[*sink]{
		New: func() (*sink, error) { return &sink{}, nil },
		Destroy: func(s *sink) error {
			results <- s.values
			return nil
		},
	}
}

func countTo(n int) chain.ProducerFunc[int, struct{}] {
	return func(out *chain.Queue[int], _ *chain.Sync[struct{}]) error {
		for i := 0; i < n; i++ {
			if !out.Push(i) {
				return nil
			}
		}
		return nil
	}
}

// parkUntilCancelled blocks a producer without touching its queue.
func parkUntilCancelled(_ *chain.Queue[int], s *chain.Sync[struct{}]) error {
	s.WaitUntil(func(struct{}) bool { return false })
	return nil
}

func finalized(t *testing.T, c *chain.Chain) *chain.Chain {
	t.Helper()
	require.NoError(t, c.Finalize())
	t.Cleanup(func() { _ = c.Release() })
	return c
}

func stopWithin(t *testing.T, d time.Duration, stop func() error) {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- stop() }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(d):
		t.Fatalf("stop did not return within %v", d)
	}
}

// TestDoublingChainRunsToCompletion verifies data flows through all stages and Wait cleans up
func TestDoublingChainRunsToCompletion(t *testing.T) {
	results := make(chan []int, 1)

	c := chain.New(chain.WithName("doubling"))
	_, err := chain.AddProducer(c, countTo(10), chain.Stateless())
	require.NoError(t, err)
	_, err = chain.AddStep(c, 4, doubler, chain.Stateless())
	require.NoError(t, err)
	_, err = chain.AddConsumer(c, 4, collect, sinkState(results))
	require.NoError(t, err)
	finalized(t, c)

	require.NoError(t, c.Run(context.Background()))
	assert.True(t, c.Running())
	assert.NotEmpty(t, c.RunID())

	require.NoError(t, c.Wait())
	assert.False(t, c.Running())
	assert.Equal(t, []int{0, 2, 4, 6, 8, 10, 12, 14, 16, 18}, <-results)
	assert.NoError(t, c.Err())

	stats := c.Stats()
	assert.Equal(t, 0, stats.LiveWorkers)
	assert.Equal(t, 0, stats.LiveStates)
	for _, q := range stats.Queues {
		assert.Equal(t, chain.QueueDisabled, q.State, "queue %d", q.Index)
	}
}

// TestGentleStopMidFlight verifies items already inside the chain reach the sink, in order and exactly once
func TestGentleStopMidFlight(t *testing.T) {
	results := make(chan []int, 1)
	reached := make(chan struct{})

	producer := func(out *chain.Queue[int], s *chain.Sync[struct{}]) error {
		for i := 0; i < 10; i++ {
			if i == 4 {
				close(reached)
				if !s.WaitUntil(func(struct{}) bool { return false }) {
					return nil
				}
			}
			if !out.Push(i) {
				return nil
			}
		}
		return nil
	}

	c := chain.New()
	_, err := chain.AddProducer(c, producer, chain.Stateless())
	require.NoError(t, err)
	_, err = chain.AddStep(c, 10, doubler, chain.Stateless())
	require.NoError(t, err)
	_, err = chain.AddConsumer(c, 10, collect, sinkState(results))
	require.NoError(t, err)
	finalized(t, c)

	require.NoError(t, c.Run(context.Background()))
	<-reached

	stopWithin(t, 5*time.Second, c.GentleStop)
	assert.False(t, c.Running())
	assert.Equal(t, []int{0, 2, 4, 6}, <-results)
}

// TestGentleStopDrainsBufferedItems verifies nothing buffered in any queue is dropped by a gentle stop
func TestGentleStopDrainsBufferedItems(t *testing.T) {
	results := make(chan []int, 1)
	release := make(chan struct{})
	pushed := make(chan struct{})

	producer := func(out *chain.Queue[int], _ *chain.Sync[struct{}]) error {
		for i := 0; i < 8; i++ {
			assert.True(t, out.Push(i))
		}
		close(pushed)
		return nil
	}
	// The step holds back until the test has issued the stop, so every item
	// is still buffered in the first queue when it starts draining.
	slowStep := func(in *chain.Queue[int], out *chain.Queue[int], s *chain.Sync[struct{}]) error {
		<-release
		return doubler(in, out, s)
	}

	c := chain.New()
	_, err := chain.AddProducer(c, producer, chain.Stateless())
	require.NoError(t, err)
	_, err = chain.AddStep(c, 8, slowStep, chain.Stateless())
	require.NoError(t, err)
	_, err = chain.AddConsumer(c, 8, collect, sinkState(results))
	require.NoError(t, err)
	finalized(t, c)

	require.NoError(t, c.Run(context.Background()))
	<-pushed

	done := make(chan error, 1)
	go func() { done <- c.GentleStop() }()
	time.Sleep(20 * time.Millisecond)
	close(release)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("gentle stop did not return")
	}
	assert.Equal(t, []int{0, 2, 4, 6, 8, 10, 12, 14}, <-results)
}

// TestStopReleasesBlockedWorkers verifies an abrupt stop returns while workers are blocked on full and empty queues
func TestStopReleasesBlockedWorkers(t *testing.T) {
	blocked := make(chan struct{})
	var once sync.Once

	// Fills its queue and then blocks in Push forever.
	flood := func(out *chain.Queue[int], _ *chain.Sync[struct{}]) error {
		for i := 0; ; i++ {
			if out.Len() == out.Cap() {
				once.Do(func() { close(blocked) })
			}
			if !out.Push(i) {
				return nil
			}
		}
	}
	// Never pops, so the producer stays blocked.
	stuck := func(_ *chain.Queue[int], out *chain.Queue[int], s *chain.Sync[struct{}]) error {
		<-s.Done()
		out.Push(-1)
		return nil
	}
	drain := func(in *chain.Queue[int], _ *chain.Sync[struct{}]) error {
		for {
			if _, ok := in.Pop(); !ok {
				return nil
			}
		}
	}

	c := chain.New()
	_, err := chain.AddProducer(c, flood, chain.Stateless())
	require.NoError(t, err)
	_, err = chain.AddStep(c, 2, stuck, chain.Stateless(), chain.WithThreads(2))
	require.NoError(t, err)
	_, err = chain.AddConsumer(c, 2, drain, chain.Stateless(), chain.WithThreads(3))
	require.NoError(t, err)
	finalized(t, c)

	require.NoError(t, c.Run(context.Background()))
	<-blocked
	assert.Equal(t, 6, c.Stats().LiveWorkers)

	stopWithin(t, 5*time.Second, c.Stop)
	assert.False(t, c.Running())
	assert.Equal(t, 0, c.Stats().LiveWorkers)
	assert.Equal(t, 0, c.Stats().LiveStates)
}

// TestBlockedPoppersObserveClosure verifies four workers blocked in Pop all return and last-out fires once
func TestBlockedPoppersObserveClosure(t *testing.T) {
	metrics := newRecordingMetrics()
	var returned atomic.Int32

	popper := func(in *chain.Queue[int], _ *chain.Sync[struct{}]) error {
		defer returned.Add(1)
		for {
			if _, ok := in.Pop(); !ok {
				return nil
			}
		}
	}

	c := chain.New(chain.WithMetricsCollector(metrics))
	_, err := chain.AddProducer(c, parkUntilCancelled, chain.Stateless(), chain.WithStageName("idle"))
	require.NoError(t, err)
	_, err = chain.AddConsumer(c, 4, popper, chain.Stateless(),
		chain.WithStageName("poppers"), chain.WithThreads(4))
	require.NoError(t, err)
	finalized(t, c)

	require.NoError(t, c.Run(context.Background()))
	require.Eventually(t, func() bool { return c.Stats().LiveWorkers == 5 }, time.Second, 5*time.Millisecond)

	stopWithin(t, 5*time.Second, c.Stop)

	assert.Equal(t, int32(4), returned.Load())
	assert.Equal(t, 1, metrics.lastOutCount("poppers"))
	assert.Equal(t, 4, metrics.finishedAtLastOut("poppers"))
	assert.Equal(t, 0, c.Stats().LiveWorkers)
}

// TestLastWorkerOutAfterAllWorkers verifies the handshake runs once per stage after every worker finished
func TestLastWorkerOutAfterAllWorkers(t *testing.T) {
	metrics := newRecordingMetrics()

	c := chain.New(chain.WithMetricsCollector(metrics))
	_, err := chain.AddProducer(c, countTo(100), chain.Stateless(),
		chain.WithStageName("source"), chain.WithThreads(3))
	require.NoError(t, err)
	_, err = chain.AddStep(c, 2, doubler, chain.Stateless(),
		chain.WithStageName("double"), chain.WithThreads(5))
	require.NoError(t, err)
	_, err = chain.AddConsumer(c, 2, func(in *chain.Queue[int], _ *chain.Sync[struct{}]) error {
		for {
			if _, ok := in.Pop(); !ok {
				return nil
			}
		}
	}, chain.Stateless(), chain.WithStageName("sink"), chain.WithThreads(2))
	require.NoError(t, err)
	finalized(t, c)

	require.NoError(t, c.Run(context.Background()))
	require.NoError(t, c.Wait())

	for stage, threads := range map[string]int{"source": 3, "double": 5, "sink": 2} {
		assert.Equal(t, 1, metrics.lastOutCount(stage), stage)
		assert.Equal(t, threads, metrics.finishedAtLastOut(stage), stage)
	}
}

// TestRunRejections verifies Run is refused before Finalize and while running, without side effects
func TestRunRejections(t *testing.T) {
	c := chain.New()
	t.Cleanup(func() { _ = c.Release() })

	_, err := chain.AddProducer(c, parkUntilCancelled, chain.Stateless())
	require.NoError(t, err)
	_, err = chain.AddConsumer(c, 1, collect, chain.State[*sink]{New: func() (*sink, error) { return &sink{}, nil }})
	require.NoError(t, err)

	assert.ErrorIs(t, c.Run(context.Background()), chain.ErrNotFinalized)
	assert.False(t, c.Running())
	assert.Empty(t, c.RunID())

	require.NoError(t, c.Finalize())
	require.NoError(t, c.Run(context.Background()))
	runID := c.RunID()
	workers := c.Stats().LiveWorkers

	assert.ErrorIs(t, c.Run(context.Background()), chain.ErrChainRunning)
	assert.Equal(t, runID, c.RunID())
	assert.Equal(t, workers, c.Stats().LiveWorkers)

	require.NoError(t, c.Stop())
	assert.NoError(t, c.Stop(), "stopping an idle chain is a no-op")
	assert.NoError(t, c.GentleStop())
}

// TestStopBeforeFinalize verifies stop calls are no-ops on a chain that was never finalized
func TestStopBeforeFinalize(t *testing.T) {
	c := chain.New()
	t.Cleanup(func() { _ = c.Release() })

	assert.NoError(t, c.Stop())
	assert.NoError(t, c.GentleStop())
	assert.NoError(t, c.Wait())
}

// TestStartupRollbackOnWorkerLimit verifies a run that cannot start all workers leaves nothing behind
func TestStartupRollbackOnWorkerLimit(t *testing.T) {
	var lc lifecycleCounter
	metrics := newRecordingMetrics()

	c := chain.New(chain.WithMaxWorkers(3), chain.WithMetricsCollector(metrics))
	_, err := chain.AddProducer(c, countTo(10), countedState(&lc, func() struct{} { return struct{}{} }))
	require.NoError(t, err)
	_, err = chain.AddStep(c, 2, doubler, countedState(&lc, func() struct{} { return struct{}{} }),
		chain.WithThreads(2))
	require.NoError(t, err)
	_, err = chain.AddConsumer(c, 2, func(in *chain.Queue[int], _ *chain.Sync[struct{}]) error {
		for {
			if _, ok := in.Pop(); !ok {
				return nil
			}
		}
	}, countedState(&lc, func() struct{} { return struct{}{} }), chain.WithThreads(2))
	require.NoError(t, err)
	finalized(t, c)

	err = c.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, chain.ErrWorkerLimit)

	var startErr *chain.StartupError
	require.ErrorAs(t, err, &startErr)
	assert.Equal(t, chain.StageID(1), startErr.StageID)
	assert.Equal(t, "spawn", startErr.Phase)

	assert.False(t, c.Running())
	stats := c.Stats()
	assert.Equal(t, 0, stats.LiveWorkers)
	assert.Equal(t, 0, stats.LiveStates)
	assert.Equal(t, int32(2), lc.created.Load(), "producer must never be armed")
	assert.Equal(t, lc.created.Load(), lc.destroyed.Load())
	assert.Equal(t, 1, metrics.count("start_failed"))
	assert.Equal(t, 0, metrics.count("started"))

	// Every token taken by the failed run was returned, so a second attempt
	// fails at the same stage again.
	err = c.Run(context.Background())
	require.ErrorAs(t, err, &startErr)
	assert.Equal(t, chain.StageID(1), startErr.StageID)
	assert.Equal(t, lc.created.Load(), lc.destroyed.Load())
}

// TestStartupRollbackOnFactoryError verifies a failing state factory aborts Run and destroys the stages already armed
func TestStartupRollbackOnFactoryError(t *testing.T) {
	var lc lifecycleCounter
	factoryErr := errors.New("device not found")

	c := chain.New()
	_, err := chain.AddProducer(c, countTo(10), chain.Stateless())
	require.NoError(t, err)
	_, err = chain.AddStep(c, 2, doubler, chain.State[struct{}]{
		New: func() (struct{}, error) { return struct{}{}, factoryErr },
	})
	require.NoError(t, err)
	_, err = chain.AddConsumer(c, 2, collect, countedState(&lc, func() *sink { return &sink{} }))
	require.NoError(t, err)
	finalized(t, c)

	err = c.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, factoryErr)

	var startErr *chain.StartupError
	require.ErrorAs(t, err, &startErr)
	assert.Equal(t, "arm", startErr.Phase)
	assert.Equal(t, chain.StageID(1), startErr.StageID)

	assert.False(t, c.Running())
	assert.Equal(t, int32(1), lc.created.Load())
	assert.Equal(t, int32(1), lc.destroyed.Load())

	// The chain stays usable after a failed start.
	assert.ErrorIs(t, c.Run(context.Background()), factoryErr)
}

// TestRerunCreatesFreshState verifies every run gets a new state and the old one is destroyed first
func TestRerunCreatesFreshState(t *testing.T) {
	var lc lifecycleCounter
	var mu sync.Mutex
	var seen []*sink
	var destroyedBeforeNew []bool

	state := chain.State[*sink]{
		New: func() (*sink, error) {
			mu.Lock()
			defer mu.Unlock()
			destroyedBeforeNew = append(destroyedBeforeNew, lc.created.Load() == lc.destroyed.Load())
			lc.created.Add(1)
			s := &sink{}
			seen = append(seen, s)
			return s, nil
		},
		Destroy: func(*sink) error {
			lc.destroyed.Add(1)
			return nil
		},
	}

	c := chain.New()
	_, err := chain.AddProducer(c, parkUntilCancelled, chain.Stateless())
	require.NoError(t, err)
	_, err = chain.AddConsumer(c, 2, collect, state)
	require.NoError(t, err)
	finalized(t, c)

	firstRun := ""
	for i, stop := range []func() error{c.Stop, c.GentleStop, c.Stop} {
		require.NoError(t, c.Run(context.Background()), "run %d", i)
		if i == 0 {
			firstRun = c.RunID()
		}
		require.NoError(t, stop(), "stop %d", i)
	}

	assert.Equal(t, int32(3), lc.created.Load())
	assert.Equal(t, int32(3), lc.destroyed.Load())
	assert.Equal(t, []bool{true, true, true}, destroyedBeforeNew)
	require.Len(t, seen, 3)
	assert.NotSame(t, seen[0], seen[1])
	assert.NotSame(t, seen[1], seen[2])
	assert.NotEqual(t, firstRun, c.RunID())
}

// TestWorkerFailuresAreCollected verifies errors and panics from work functions end up in Wait and Err
func TestWorkerFailuresAreCollected(t *testing.T) {
	boom := errors.New("boom")

	c := chain.New()
	_, err := chain.AddProducer(c, func(out *chain.Queue[int], _ *chain.Sync[struct{}]) error {
		out.Push(1)
		return boom
	}, chain.Stateless(), chain.WithStageName("failing"))
	require.NoError(t, err)
	_, err = chain.AddConsumer(c, 1, func(in *chain.Queue[int], _ *chain.Sync[struct{}]) error {
		if _, ok := in.Pop(); ok {
			panic("bad frame")
		}
		return nil
	}, chain.Stateless(), chain.WithStageName("panicking"))
	require.NoError(t, err)
	finalized(t, c)

	require.NoError(t, c.Run(context.Background()))
	err = c.Wait()
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)

	var panicErr *chain.PanicError
	require.ErrorAs(t, err, &panicErr)
	assert.Equal(t, "bad frame", panicErr.Value)

	var workerErr *chain.WorkerError
	require.ErrorAs(t, err, &workerErr)
	assert.Equal(t, c.Err(), err)
	assert.False(t, c.Running())
}

// TestDestructorFailure verifies destructor errors are reported without blocking the teardown
func TestDestructorFailure(t *testing.T) {
	destroyErr := errors.New("flush failed")

	c := chain.New()
	_, err := chain.AddProducer(c, countTo(2), chain.State[struct{}]{
		Destroy: func(struct{}) error { return destroyErr },
	})
	require.NoError(t, err)
	_, err = chain.AddConsumer(c, 1, collect, chain.State[*sink]{New: func() (*sink, error) { return &sink{}, nil }})
	require.NoError(t, err)
	finalized(t, c)

	require.NoError(t, c.Run(context.Background()))
	err = c.Wait()
	assert.ErrorIs(t, err, destroyErr)

	var de *chain.DestroyError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, chain.StageID(0), de.StageID)
	assert.Equal(t, 0, c.Stats().LiveStates)
}

// TestWaitConcurrentWithStop verifies Wait returns once a concurrent Stop cleaned up the run
func TestWaitConcurrentWithStop(t *testing.T) {
	c := chain.New()
	_, err := chain.AddProducer(c, parkUntilCancelled, chain.Stateless())
	require.NoError(t, err)
	_, err = chain.AddConsumer(c, 1, collect, chain.State[*sink]{New: func() (*sink, error) { return &sink{}, nil }})
	require.NoError(t, err)
	finalized(t, c)

	require.NoError(t, c.Run(context.Background()))

	waited := make(chan error, 1)
	go func() { waited <- c.Wait() }()
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, c.Stop())
	select {
	case err := <-waited:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Wait did not return after Stop")
	}
	assert.NoError(t, c.Wait(), "Wait on an idle chain returns at once")
}

// TestRunContextDoesNotStopChain verifies the chain outlives the context passed to Run
func TestRunContextDoesNotStopChain(t *testing.T) {
	c := chain.New()
	_, err := chain.AddProducer(c, func(_ *chain.Queue[int], s *chain.Sync[struct{}]) error {
		<-s.Done()
		return nil
	}, chain.Stateless())
	require.NoError(t, err)
	_, err = chain.AddConsumer(c, 1, collect, chain.State[*sink]{New: func() (*sink, error) { return &sink{}, nil }})
	require.NoError(t, err)
	finalized(t, c)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, c.Run(ctx))
	cancel()

	time.Sleep(20 * time.Millisecond)
	assert.True(t, c.Running())
	assert.Equal(t, 2, c.Stats().LiveWorkers)
	require.NoError(t, c.Stop())
}

// TestTopologyValidation verifies stages can only be assembled producer, steps, consumer with matching types
func TestTopologyValidation(t *testing.T) {
	t.Run("step without producer", func(t *testing.T) {
		c := chain.New()
		defer c.Release()
		_, err := chain.AddStep(c, 1, doubler, chain.Stateless())
		assert.ErrorIs(t, err, chain.ErrInvalidTopology)
		assert.True(t, c.Empty())
	})

	t.Run("second producer", func(t *testing.T) {
		c := chain.New()
		defer c.Release()
		_, err := chain.AddProducer(c, countTo(1), chain.Stateless())
		require.NoError(t, err)
		_, err = chain.AddProducer(c, countTo(1), chain.Stateless())
		assert.ErrorIs(t, err, chain.ErrInvalidTopology)
	})

	t.Run("element type mismatch", func(t *testing.T) {
		c := chain.New()
		defer c.Release()
		_, err := chain.AddProducer(c, countTo(1), chain.Stateless())
		require.NoError(t, err)
		_, err = chain.AddConsumer(c, 1, func(*chain.Queue[string], *chain.Sync[struct{}]) error { return nil },
			chain.Stateless())

		var tm *chain.TypeMismatchError
		require.ErrorAs(t, err, &tm)
		assert.Equal(t, "int", tm.Expected)
		assert.Equal(t, "string", tm.Actual)
		assert.Len(t, c.Stages(), 1)
	})

	t.Run("stage after consumer", func(t *testing.T) {
		c := chain.New()
		defer c.Release()
		_, err := chain.AddProducer(c, countTo(1), chain.Stateless())
		require.NoError(t, err)
		_, err = chain.AddConsumer(c, 1, collect, chain.State[*sink]{})
		require.NoError(t, err)
		_, err = chain.AddStep(c, 1, doubler, chain.Stateless())
		assert.ErrorIs(t, err, chain.ErrInvalidTopology)
	})

	t.Run("finalize", func(t *testing.T) {
		c := chain.New()
		defer c.Release()
		assert.True(t, c.Empty())
		assert.ErrorIs(t, c.Finalize(), chain.ErrEmptyChain)

		_, err := chain.AddProducer(c, countTo(1), chain.Stateless())
		require.NoError(t, err)
		assert.False(t, c.Empty())
		assert.ErrorIs(t, c.Finalize(), chain.ErrInvalidTopology, "a chain must end in a consumer")

		_, err = chain.AddConsumer(c, 1, collect, chain.State[*sink]{})
		require.NoError(t, err)
		require.NoError(t, c.Finalize())
		assert.True(t, c.Finalized())
		assert.ErrorIs(t, c.Finalize(), chain.ErrChainFinalized)

		_, err = chain.AddStep(c, 1, doubler, chain.Stateless())
		assert.ErrorIs(t, err, chain.ErrChainFinalized)
	})
}

// TestStagesIntrospection verifies the stage descriptions
func TestStagesIntrospection(t *testing.T) {
	c := chain.New()
	defer c.Release()

	id0, err := chain.AddProducer(c, countTo(1), chain.Stateless(), chain.WithStageName("reader"))
	require.NoError(t, err)
	id1, err := chain.AddStep(c, 3, doubler, chain.Stateless(), chain.WithThreads(4))
	require.NoError(t, err)
	id2, err := chain.AddConsumer(c, 5, collect, chain.State[*sink]{}, chain.WithStageName("writer"))
	require.NoError(t, err)
	require.NoError(t, c.Finalize())

	assert.Equal(t, []chain.StageID{0, 1, 2}, []chain.StageID{id0, id1, id2})

	stages := c.Stages()
	require.Len(t, stages, 3)
	assert.Equal(t, chain.StageInfo{
		ID: 0, Name: "reader", Kind: "producer", Threads: 1, StateType: "struct {}", OutputType: "int",
	}, stages[0])
	assert.Equal(t, "stage-1", stages[1].Name)
	assert.Equal(t, 4, stages[1].Threads)
	assert.Equal(t, "step", stages[1].Kind)
	assert.Equal(t, "*chain_test.sink", stages[2].StateType)
	assert.Equal(t, "int", stages[2].InputType)
	assert.Empty(t, stages[2].OutputType)

	stats := c.Stats()
	require.Len(t, stats.Queues, 2)
	assert.Equal(t, 3, stats.Queues[0].Cap)
	assert.Equal(t, 5, stats.Queues[1].Cap)
}

// TestQueueDepthVisibleToWorkers verifies workers see the total capacity of all queues
func TestQueueDepthVisibleToWorkers(t *testing.T) {
	depth := make(chan int, 1)

	c := chain.New()
	_, err := chain.AddProducer(c, func(_ *chain.Queue[int], s *chain.Sync[struct{}]) error {
		depth <- s.QueueDepth()
		return nil
	}, chain.Stateless())
	require.NoError(t, err)
	_, err = chain.AddStep(c, 3, doubler, chain.Stateless())
	require.NoError(t, err)
	_, err = chain.AddConsumer(c, 5, collect, chain.State[*sink]{New: func() (*sink, error) { return &sink{}, nil }})
	require.NoError(t, err)
	finalized(t, c)

	require.NoError(t, c.Run(context.Background()))
	require.NoError(t, c.Wait())
	assert.Equal(t, 8, <-depth)
}

// TestShareAndRelease verifies the chain lives until its last handle is released
func TestShareAndRelease(t *testing.T) {
	var hookCalls atomic.Int32
	var lc lifecycleCounter

	c := chain.New(chain.WithShutdownHook(func(context.Context) error {
		hookCalls.Add(1)
		return nil
	}))
	_, err := chain.AddProducer(c, parkUntilCancelled, chain.Stateless())
	require.NoError(t, err)
	_, err = chain.AddConsumer(c, 1, collect, countedState(&lc, func() *sink { return &sink{} }))
	require.NoError(t, err)
	require.NoError(t, c.Finalize())

	shared, err := c.Share()
	require.NoError(t, err)
	require.NoError(t, shared.Run(context.Background()))

	require.NoError(t, c.Release())
	assert.ErrorIs(t, c.Release(), chain.ErrChainReleased)
	assert.ErrorIs(t, c.Run(context.Background()), chain.ErrChainReleased)
	_, err = c.Share()
	assert.ErrorIs(t, err, chain.ErrChainReleased)

	assert.True(t, shared.Running(), "the chain must survive while a handle remains")
	assert.Equal(t, int32(0), hookCalls.Load())

	stopWithin(t, 5*time.Second, shared.Release)
	assert.Equal(t, int32(1), hookCalls.Load())
	assert.Equal(t, int32(1), lc.destroyed.Load())
}

// TestSyncAccessors verifies the accessors a work function relies on
func TestSyncAccessors(t *testing.T) {
	type info struct {
		id     chain.StageID
		name   string
		worker int
	}
	infos := make(chan info, 2)

	c := chain.New()
	_, err := chain.AddProducer(c, countTo(0), chain.Stateless())
	require.NoError(t, err)
	_, err = chain.AddConsumer(c, 1, func(_ *chain.Queue[int], s *chain.Sync[struct{}]) error {
		assert.NotNil(t, s.Logger())
		assert.NotNil(t, s.Context())
		infos <- info{s.StageID(), s.StageName(), s.Worker()}
		return nil
	}, chain.Stateless(), chain.WithStageName("recorder"), chain.WithThreads(2), chain.WithLockOSThread())
	require.NoError(t, err)
	finalized(t, c)

	require.NoError(t, c.Run(context.Background()))
	require.NoError(t, c.Wait())

	a, b := <-infos, <-infos
	assert.Equal(t, chain.StageID(1), a.id)
	assert.Equal(t, "recorder", a.name)
	assert.ElementsMatch(t, []int{0, 1}, []int{a.worker, b.worker})
}

// TestStopModeString verifies the stop mode names
func TestStopModeString(t *testing.T) {
	assert.Equal(t, "abrupt", chain.StopAbrupt.String())
	assert.Equal(t, "gentle", chain.StopGentle.String())
	assert.Equal(t, "natural", chain.StopNatural.String())
	assert.Equal(t, "rollback", chain.StopRollback.String())
	assert.Equal(t, "destroy", chain.StopDestroy.String())
}

// TestStateIsNeverNil verifies a running stage always sees a non-nil state
func TestStateIsNeverNil(t *testing.T) {
	t.Run("PointerWithoutNew", func(t *testing.T) {
		results := make(chan []int, 1)
		c := chain.New()
		_, err := chain.AddProducer(c, countTo(3), chain.Stateless())
		require.NoError(t, err)
		_, err = chain.AddConsumer(c, 2, collect, chain.State[*sink]{
			Destroy: func(s *sink) error {
				results <- s.values
				return nil
			},
		})
		require.NoError(t, err)
		finalized(t, c)

		require.NoError(t, c.Run(context.Background()))
		require.NoError(t, c.Wait())
		assert.Equal(t, []int{0, 1, 2}, <-results)
	})

	t.Run("InterfaceWithoutNew", func(t *testing.T) {
		c := chain.New()
		_, err := chain.AddProducer(c, func(_ *chain.Queue[int], _ *chain.Sync[fmt.Stringer]) error {
			return nil
		}, chain.State[fmt.Stringer]{})
		assert.ErrorIs(t, err, chain.ErrStateRequired)
		assert.Empty(t, c.Stages())
	})

	t.Run("NewReturnsNil", func(t *testing.T) {
		c := chain.New()
		_, err := chain.AddProducer(c, countTo(1), chain.Stateless())
		require.NoError(t, err)
		_, err = chain.AddConsumer(c, 1, collect, chain.State[*sink]{
			New: func() (*sink, error) { return nil, nil },
		})
		require.NoError(t, err)
		finalized(t, c)

		err = c.Run(context.Background())
		assert.ErrorIs(t, err, chain.ErrStateRequired)
		assert.False(t, c.Running())
		assert.Equal(t, 0, c.Stats().LiveStates)
	})
}
