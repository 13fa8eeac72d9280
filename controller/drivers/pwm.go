package drivers

import (
	"fmt"
	"sync"
	"time"

	"github.com/reef-pi/hal"
	"github.com/rs/zerolog/log"
)

// SoftPWM bit-bangs a duty cycle on a digital output line. 0 and 100 hold the
// line static; anything in between runs a toggling goroutine at the configured frequency.
type SoftPWM struct {
	out    hal.DigitalOutputPin
	period time.Duration

	mu   sync.Mutex
	duty float64
	stop chan struct{}
	done chan struct{}

	faultMu sync.Mutex
	fault   error
}

// NewSoftPWM wraps out. frequency is in Hz and must be positive.
func NewSoftPWM(out hal.DigitalOutputPin, frequency int) (*SoftPWM, error) {
	if frequency <= 0 {
		return nil, fmt.Errorf("pwm %s: invalid frequency %d", out.Name(), frequency)
	}
	return &SoftPWM{
		out:    out,
		period: time.Second / time.Duration(frequency),
	}, nil
}

func (p *SoftPWM) Name() string { return p.out.Name() }
func (p *SoftPWM) Number() int  { return p.out.Number() }

// Set changes the duty cycle (percent, 0-100). A write error from the
// toggling goroutine since the last Set is returned here, after the new duty
// cycle has been applied.
func (p *SoftPWM) Set(value float64) error {
	if value < 0 || value > 100 {
		return fmt.Errorf("pwm %s: duty cycle %.1f outside [0,100]", p.out.Name(), value)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.halt()
	fault := p.takeFault()
	switch value {
	case 0:
		if err := p.out.Write(false); err != nil {
			return err
		}
	case 100:
		if err := p.out.Write(true); err != nil {
			return err
		}
	default:
		if err := p.out.Write(true); err != nil {
			_ = p.out.Write(false)
			return err
		}
		p.stop = make(chan struct{})
		p.done = make(chan struct{})
		go p.run(value, p.stop, p.done)
	}
	p.duty = value
	if fault != nil {
		return fmt.Errorf("pwm %s: toggling stopped: %w", p.out.Name(), fault)
	}
	return nil
}

// Value returns the last duty cycle that was applied.
func (p *SoftPWM) Value() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.duty
}

// Close stops toggling, drives the line low and closes it.
func (p *SoftPWM) Close() error {
	p.mu.Lock()
	p.halt()
	p.duty = 0
	p.mu.Unlock()
	_ = p.out.Write(false)
	return p.out.Close()
}

// halt stops the toggling goroutine; callers hold mu.
func (p *SoftPWM) halt() {
	if p.stop == nil {
		return
	}
	close(p.stop)
	<-p.done
	p.stop, p.done = nil, nil
}

// run toggles the line starting from the high edge Set already wrote. The
// first write error drives the line low and ends the goroutine.
func (p *SoftPWM) run(duty float64, stop, done chan struct{}) {
	defer close(done)
	high := time.Duration(float64(p.period) * duty / 100)
	low := p.period - high
	for {
		select {
		case <-stop:
			return
		case <-time.After(high):
		}
		if err := p.out.Write(false); err != nil {
			p.fail(err)
			return
		}
		select {
		case <-stop:
			return
		case <-time.After(low):
		}
		if err := p.out.Write(true); err != nil {
			p.fail(err)
			return
		}
	}
}

func (p *SoftPWM) fail(err error) {
	log.Error().Err(err).Str("pin", p.out.Name()).Msg("pwm write failed, line held low")
	_ = p.out.Write(false)
	p.faultMu.Lock()
	if p.fault == nil {
		p.fault = err
	}
	p.faultMu.Unlock()
}

func (p *SoftPWM) takeFault() error {
	p.faultMu.Lock()
	defer p.faultMu.Unlock()
	err := p.fault
	p.fault = nil
	return err
}
