package sensors

import (
	"context"
	"math/rand"
	"sync"
)

// Simulated produces plausible readings for development without probes.
// Each value random-walks around its base and stays inside its range.
type Simulated struct {
	mu   sync.Mutex
	rnd  *rand.Rand
	vals [6]float64
}

var simBase = [6]struct{ base, step, lo, hi float64 }{
	{22, 0.1, 10, 32},   // water temp
	{24, 0.2, 5, 40},    // air temp
	{60, 0.5, 20, 95},   // humidity
	{40, 2.0, 0, 100},   // light %
	{6.9, 0.03, 4, 9},   // pH
	{1.4, 0.02, 0, 3.5}, // EC
}

// NewSimulated returns a simulator seeded with seed.
func NewSimulated(seed int64) *Simulated {
	s := &Simulated{rnd: rand.New(rand.NewSource(seed))}
	for i, b := range simBase {
		s.vals[i] = b.base
	}
	return s
}

func (s *Simulated) Read(ctx context.Context) (Raw, error) {
	if err := ctx.Err(); err != nil {
		return Raw{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, b := range simBase {
		v := s.vals[i] + (s.rnd.Float64()-0.5)*2*b.step
		s.vals[i] = clamp(v, b.lo, b.hi)
	}
	return Raw{
		WaterTemp:    Float(s.vals[0]),
		AirTemp:      Float(s.vals[1]),
		Humidity:     Float(s.vals[2]),
		LightPercent: Float(s.vals[3]),
		PH:           Float(s.vals[4]),
		EC:           Float(s.vals[5]),
	}, nil
}

func (s *Simulated) Close() error {
	return nil
}
