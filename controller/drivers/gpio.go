package drivers

import (
	"fmt"
	"sync"

	"github.com/reef-pi/hal"
	"github.com/warthog618/go-gpiocdev"
)

const consumer = "codeponics"

var _ hal.DigitalOutputPin = (*DigitalPin)(nil)

// DigitalPin is a single GPIO output line requested from the character device.
// The line is requested low so the attached relay starts de-energized.
type DigitalPin struct {
	name   string
	number int
	line   *gpiocdev.Line

	mu    sync.Mutex
	state bool
}

// NewDigitalPin requests offset on chip (e.g. "gpiochip0") as an output driven low.
func NewDigitalPin(chip string, offset int, name string) (*DigitalPin, error) {
	line, err := gpiocdev.RequestLine(chip, offset,
		gpiocdev.AsOutput(0),
		gpiocdev.WithConsumer(consumer+"-"+name),
	)
	if err != nil {
		return nil, fmt.Errorf("request %s line %d: %w", chip, offset, err)
	}
	return &DigitalPin{name: name, number: offset, line: line}, nil
}

func (p *DigitalPin) Name() string { return p.name }
func (p *DigitalPin) Number() int  { return p.number }

func (p *DigitalPin) Write(state bool) error {
	v := 0
	if state {
		v = 1
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.line.SetValue(v); err != nil {
		return fmt.Errorf("%s: set line %d=%d: %w", p.name, p.number, v, err)
	}
	p.state = state
	return nil
}

func (p *DigitalPin) LastState() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Close drives the line low and releases it.
func (p *DigitalPin) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_ = p.line.SetValue(0)
	p.state = false
	return p.line.Close()
}
