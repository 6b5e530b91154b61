package main

import (
	"fmt"
	"math/rand"
	"sort"
	"time"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/synoptiq/go-chain"
)

// Frame is a block of voltage samples recorded by one station.
type Frame struct {
	Station string
	Seq     int
	Samples []float64
}

// Detection is the mean power and DC offset of one frame.
type Detection struct {
	Station string
	Power   float64
	Offset  float64
}

// --- record ---

type recorder struct {
	stations  []string
	frameSize int
	rng       *rand.Rand
	seq       int
}

func recorderState(sc *chain.StageConfig) (chain.State[*recorder], error) {
	raw, ok := sc.Properties["stations"].([]any)
	if !ok || len(raw) == 0 {
		return chain.State[*recorder]{}, fmt.Errorf("stage %s: property stations must be a non-empty list", sc.Name)
	}
	stations := make([]string, 0, len(raw))
	for _, v := range raw {
		s, ok := v.(string)
		if !ok {
			return chain.State[*recorder]{}, fmt.Errorf("stage %s: station %v is not a string", sc.Name, v)
		}
		stations = append(stations, s)
	}

	frameSize := 256
	if v, ok := sc.Properties["frame_size"]; ok {
		n, ok := v.(int)
		if !ok || n <= 0 {
			return chain.State[*recorder]{}, fmt.Errorf("stage %s: frame_size must be a positive integer", sc.Name)
		}
		frameSize = n
	}

	return chain.State[*recorder]{New: func() (*recorder, error) {
		return &recorder{
			stations:  stations,
			frameSize: frameSize,
			rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		}, nil
	}}, nil
}

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
			Samples: make([]float64, rec.frameSize),
		}
		for i := range frame.Samples {
			frame.Samples[i] = rec.rng.NormFloat64()
		}
		rec.seq++

		if !out.Push(frame) {
			return nil
		}
	}
}

// --- detect ---

func detect(in *chain.Queue[Frame], out *chain.Queue[Detection], _ *chain.Sync[struct{}]) error {
	for {
		frame, ok := in.Pop()
		if !ok {
			return nil
		}
		d := Detection{
			Station: frame.Station,
			Power:   floats.Dot(frame.Samples, frame.Samples) / float64(len(frame.Samples)),
			Offset:  stat.Mean(frame.Samples, nil),
		}
		if !out.Push(d) {
			return nil
		}
	}
}

// --- integrate ---

// integrator is guarded by the stage mutex.
type integrator struct {
	frames map[string]int
	power  map[string]float64
	offset map[string]float64
}

// StationStatus is a point-in-time view of one station's integration.
type StationStatus struct {
	Station    string
	Frames     int
	MeanPower  float64
	MeanOffset float64
}

func (it *integrator) snapshot() []StationStatus {
	out := make([]StationStatus, 0, len(it.frames))
	for st, n := range it.frames {
		out = append(out, StationStatus{
			Station:    st,
			Frames:     n,
			MeanPower:  it.power[st] / float64(n),
			MeanOffset: it.offset[st] / float64(n),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Station < out[j].Station })
	return out
}

func integrate(in *chain.Queue[Detection], s *chain.Sync[*integrator]) error {
	for {
		d, ok := in.Pop()
		if !ok {
			return nil
		}
		s.Lock()
		s.State().frames[d.Station]++
		s.State().power[d.Station] += d.Power
		s.State().offset[d.Station] += d.Offset
		s.Unlock()
	}
}

func integratorState(logger *zap.Logger) chain.StateFactory[*integrator] {
	return func(sc *chain.StageConfig) (chain.State[*integrator], error) {
		return chain.State[*integrator]{
			New: func() (*integrator, error) {
				return &integrator{
					frames: make(map[string]int),
					power:  make(map[string]float64),
					offset: make(map[string]float64),
				}, nil
			},
			Destroy: func(it *integrator) error {
				for _, st := range it.snapshot() {
					logger.Info("integration finished",
						zap.String("stage", sc.Name),
						zap.String("station", st.Station),
						zap.Int("frames", st.Frames),
						zap.Float64("mean_power", st.MeanPower))
				}
				return nil
			},
		}, nil
	}
}

// newRegistry registers the executors named in chain.yaml.
func newRegistry(logger *zap.Logger) (*chain.Registry, error) {
	registry := chain.NewRegistry()
	if err := chain.RegisterProducer(registry, "record", record, recorderState); err != nil {
		return nil, err
	}
	if err := chain.RegisterStep(registry, "detect", detect, chain.StaticState(chain.Stateless())); err != nil {
		return nil, err
	}
	if err := chain.RegisterConsumer(registry, "integrate", integrate, integratorState(logger)); err != nil {
		return nil, err
	}
	return registry, nil
}

// status queries the integrator of a running chain.
func status(c *chain.Chain, id chain.StageID) ([]StationStatus, error) {
	var out []StationStatus
	err := chain.Communicate(c, id, func(it *integrator) {
		out = it.snapshot()
	})
	return out, err
}
