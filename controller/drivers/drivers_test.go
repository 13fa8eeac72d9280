package drivers

import (
	"encoding/binary"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/reef-pi/hal"
)

// adsBus answers like an ADS1115: the config register reads back what was
// written and the conversion register holds a fixed count.
type adsBus struct {
	mu         sync.Mutex
	config     [2]byte
	conversion int16
	failWrite  bool
}

func (b *adsBus) WriteToReg(_ byte, reg byte, buf []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failWrite {
		return errors.New("bus error")
	}
	if reg == 0x01 {
		copy(b.config[:], buf)
	}
	return nil
}

func (b *adsBus) ReadFromReg(_ byte, reg byte, buf []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch reg {
	case 0x00:
		binary.BigEndian.PutUint16(buf, uint16(b.conversion))
	case 0x01:
		copy(buf, b.config[:])
	}
	return nil
}

func (b *adsBus) ReadBytes(byte, int) ([]byte, error) { return nil, nil }
func (b *adsBus) WriteBytes(byte, []byte) error       { return nil }
func (b *adsBus) Close() error                        { return nil }

func TestADS1115Volts(t *testing.T) {
	tests := []struct {
		gain  string
		count int16
		want  float64
	}{
		{"1", 16384, 2.048},
		{"1", 0, 0},
		{"2/3", 32767, 6.144},
		{"2", 8192, 0.512},
	}
	for _, tt := range tests {
		bus := &adsBus{conversion: tt.count}
		adc, err := NewADS1115(bus, 0x48, tt.gain)
		if err != nil {
			t.Fatal(err)
		}
		pin, err := adc.AnalogInputPin(2)
		if err != nil {
			t.Fatal(err)
		}
		v, err := pin.Measure()
		if err != nil {
			t.Fatal(err)
		}
		if math.Abs(v-tt.want) > 0.001 {
			t.Errorf("gain %s count %d: got %.4fV, want %.4fV", tt.gain, tt.count, v, tt.want)
		}
		if mux := binary.BigEndian.Uint16(bus.config[:]) & 0x7000; mux != 0x6000 {
			t.Errorf("expected AIN2 mux 0x6000, got 0x%04X", mux)
		}
	}
}

func TestADS1115Errors(t *testing.T) {
	if _, err := NewADS1115(&adsBus{}, 0x48, "3"); err == nil {
		t.Fatal("expected gain error")
	}
	bus := &adsBus{}
	adc, err := NewADS1115(bus, 0x48, "1")
	if err != nil {
		t.Fatal(err)
	}
	if n := len(adc.AnalogInputPins()); n != 4 {
		t.Fatalf("expected 4 analog channels, got %d", n)
	}
	if _, err := adc.Pins(hal.DigitalOutput); err == nil {
		t.Fatal("digital output is not supported")
	}
	if _, err := adc.AnalogInputPin(4); err == nil {
		t.Fatal("expected error for channel 4")
	}
	pin, _ := adc.AnalogInputPin(0)
	bus.failWrite = true
	if _, err := pin.Measure(); err == nil {
		t.Fatal("expected bus error")
	}
}

type countingPin struct {
	mu       sync.Mutex
	state    bool
	writes   int
	failFrom int // 1-based write index from which high writes fail, 0 never
}

func (p *countingPin) Name() string { return "led" }
func (p *countingPin) Number() int  { return 18 }
func (p *countingPin) Close() error { return nil }
func (p *countingPin) Write(s bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writes++
	if s && p.failFrom > 0 && p.writes >= p.failFrom {
		return errors.New("line busy")
	}
	p.state = s
	return nil
}
func (p *countingPin) LastState() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func TestSoftPWM(t *testing.T) {
	out := &countingPin{}
	pwm, err := NewSoftPWM(out, 1000)
	if err != nil {
		t.Fatal(err)
	}
	if err := pwm.Set(100); err != nil {
		t.Fatal(err)
	}
	if !out.LastState() {
		t.Fatal("duty 100 should hold the line high")
	}
	if err := pwm.Set(50); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)
	if err := pwm.Set(0); err != nil {
		t.Fatal(err)
	}
	if out.LastState() {
		t.Fatal("duty 0 should hold the line low")
	}
	out.mu.Lock()
	writes := out.writes
	out.mu.Unlock()
	if writes < 4 {
		t.Fatalf("expected the line to toggle, got %d writes", writes)
	}
	if pwm.Value() != 0 {
		t.Fatalf("expected duty 0, got %v", pwm.Value())
	}
	if err := pwm.Set(101); err == nil {
		t.Fatal("expected range error")
	}
	if _, err := NewSoftPWM(out, 0); err == nil {
		t.Fatal("expected frequency error")
	}
	if err := pwm.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestSoftPWMReportsToggleFailure(t *testing.T) {
	out := &countingPin{failFrom: 4}
	pwm, err := NewSoftPWM(out, 1000)
	if err != nil {
		t.Fatal(err)
	}
	defer pwm.Close()
	if err := pwm.Set(50); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)
	if out.LastState() {
		t.Fatal("line should be held low after a failed write")
	}
	if err := pwm.Set(0); err == nil {
		t.Fatal("expected the toggling failure on the next Set")
	}
	if err := pwm.Set(0); err != nil {
		t.Fatalf("failure is reported once, got %v", err)
	}
	if err := pwm.Set(40); err == nil {
		t.Fatal("expected an error when the first edge cannot be written")
	}
}
