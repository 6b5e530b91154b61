package main

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"time"

	"github.com/synoptiq/go-chain"
)

// Frame is a block of voltage samples recorded by one station.
type Frame struct {
	Station string
	Seq     int
	Samples []float64
}

// Detection is the total power of a frame.
type Detection struct {
	Station string
	Seq     int
	Power   float64
}

// recorder replays frames from a fixed set of stations.
type recorder struct {
	stations []string
	rng      *rand.Rand
	seq      int
}

func newRecorder() (*recorder, error) {
	return &recorder{
		stations: []string{"Ef", "Mc", "On", "Wb", "Ys"},
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// Stage 1: read frames until asked to stop
func record(out *chain.Queue[Frame], s *chain.Sync[*recorder]) error {
	rec := s.State()
	for {
		select {
		case <-s.Done():
			return nil
		default:
		}

		frame := Frame{
			Station: rec.stations[rec.seq%len(rec.stations)],
			Seq:     rec.seq,
			Samples: make([]float64, 256),
		}
		for i := range frame.Samples {
			frame.Samples[i] = rec.rng.NormFloat64()
		}
		rec.seq++

		// Simulate the disk read
		time.Sleep(2 * time.Millisecond)

		if !out.Push(frame) {
			return nil
		}
	}
}

// Stage 2: square-law detection, run on several workers
func detect(in *chain.Queue[Frame], out *chain.Queue[Detection], _ *chain.Sync[struct{}]) error {
	for {
		frame, ok := in.Pop()
		if !ok {
			return nil
		}

		var power float64
		for _, v := range frame.Samples {
			power += v * v
		}
		if !out.Push(Detection{Station: frame.Station, Seq: frame.Seq, Power: power / float64(len(frame.Samples))}) {
			return nil
		}
	}
}

// integrator accumulates detections per station. Guarded by the stage mutex.
type integrator struct {
	frames map[string]int
	power  map[string]float64
}

func newIntegrator() (*integrator, error) {
	return &integrator{frames: make(map[string]int), power: make(map[string]float64)}, nil
}

func (it *integrator) report() string {
	stations := make([]string, 0, len(it.frames))
	for st := range it.frames {
		stations = append(stations, st)
	}
	sort.Strings(stations)

	out := ""
	for _, st := range stations {
		out += fmt.Sprintf("   %s: %4d frames, mean power %.3f\n", st, it.frames[st], it.power[st]/float64(it.frames[st]))
	}
	return out
}

// Stage 3: integrate
func integrate(in *chain.Queue[Detection], s *chain.Sync[*integrator]) error {
	for {
		d, ok := in.Pop()
		if !ok {
			return nil
		}
		if math.IsNaN(d.Power) {
			return fmt.Errorf("frame %d of %s: invalid power", d.Seq, d.Station)
		}

		s.Lock()
		s.State().frames[d.Station]++
		s.State().power[d.Station] += d.Power
		s.Unlock()
	}
}

func buildChain() (*chain.Chain, chain.StageID, error) {
	c := chain.New(chain.WithName("correlator-frontend"))

	if _, err := chain.AddProducer(c, record, chain.State[*recorder]{New: newRecorder},
		chain.WithStageName("record")); err != nil {
		return nil, 0, err
	}
	if _, err := chain.AddStep(c, 32, detect, chain.Stateless(),
		chain.WithStageName("detect"), chain.WithThreads(4)); err != nil {
		return nil, 0, err
	}
	sink, err := chain.AddConsumer(c, 32, integrate, chain.State[*integrator]{
		New: newIntegrator,
		Destroy: func(it *integrator) error {
			fmt.Printf("🧹 Integrator destroyed, final report:\n%s", it.report())
			return nil
		},
	}, chain.WithStageName("integrate"))
	if err != nil {
		return nil, 0, err
	}

	if err := c.Finalize(); err != nil {
		return nil, 0, err
	}
	return c, sink, nil
}

func runOnce(c *chain.Chain, sink chain.StageID, d time.Duration) error {
	if err := c.Run(context.Background()); err != nil {
		return err
	}
	fmt.Printf("▶️  Run %s started\n", c.RunID())

	time.Sleep(d / 2)
	if err := chain.Communicate(c, sink, func(it *integrator) {
		fmt.Printf("📡 Progress:\n%s", it.report())
	}); err != nil {
		return err
	}

	time.Sleep(d / 2)
	stats := c.Stats()
	for _, q := range stats.Queues {
		fmt.Printf("   queue %d: %d/%d (%s)\n", q.Index, q.Len, q.Cap, q.State)
	}

	fmt.Println("⏹  Gentle stop: letting queued frames drain...")
	if err := c.GentleStop(); err != nil {
		return err
	}
	return c.Err()
}

func main() {
	fmt.Println("Chain Demonstration: record → detect → integrate")
	fmt.Println("=================================================")
	fmt.Println("A producer reads station frames, four workers detect power,")
	fmt.Println("and a consumer integrates per station until a gentle stop.")

	c, sink, err := buildChain()
	if err != nil {
		fmt.Printf("❌ Failed to build chain: %v\n", err)
		return
	}
	defer c.Release()

	for _, st := range c.Stages() {
		fmt.Printf("   stage %d %-10s %-8s threads=%d state=%s\n", st.ID, st.Name, st.Kind, st.Threads, st.StateType)
	}

	// A stopped chain can run again; each run starts from fresh state.
	for i := 1; i <= 2; i++ {
		fmt.Printf("\n🔁 Run %d\n", i)
		if err := runOnce(c, sink, 200*time.Millisecond); err != nil {
			fmt.Printf("❌ Run %d failed: %v\n", i, err)
			return
		}
	}

	fmt.Println("\nDemo Complete!")
}
