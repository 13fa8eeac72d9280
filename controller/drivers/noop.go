package drivers

import (
	"sync"

	"github.com/reef-pi/hal"
	"github.com/rs/zerolog/log"
)

var _ hal.DigitalOutputPin = (*NoopPin)(nil)

// NoopPin stands in for real hardware in dev mode. It remembers the last
// digital state and duty cycle and logs every write.
type NoopPin struct {
	name   string
	number int

	mu    sync.Mutex
	state bool
	duty  float64
}

func NewNoopPin(name string, number int) *NoopPin {
	return &NoopPin{name: name, number: number}
}

func (p *NoopPin) Name() string { return p.name }
func (p *NoopPin) Number() int  { return p.number }
func (p *NoopPin) Close() error { return nil }

func (p *NoopPin) Write(state bool) error {
	p.mu.Lock()
	p.state = state
	p.mu.Unlock()
	log.Debug().Str("pin", p.name).Int("number", p.number).Bool("state", state).Msg("noop write")
	return nil
}

func (p *NoopPin) LastState() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *NoopPin) Set(value float64) error {
	p.mu.Lock()
	p.duty = value
	p.mu.Unlock()
	log.Debug().Str("pin", p.name).Int("number", p.number).Float64("duty", value).Msg("noop pwm")
	return nil
}

func (p *NoopPin) Value() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.duty
}
