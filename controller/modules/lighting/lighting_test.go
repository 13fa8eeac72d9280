package lighting

import (
	"errors"
	"testing"

	"github.com/codeponics/codeponics-pi/controller/settings"
)

type fakeDimmer struct {
	sets []float64
	err  error
}

func (d *fakeDimmer) Set(v float64) error {
	if d.err != nil {
		return d.err
	}
	d.sets = append(d.sets, v)
	return nil
}

func newLight() (*Controller, *fakeDimmer) {
	out := &fakeDimmer{}
	return New(settings.Default().Actuators, out), out
}

func TestTarget(t *testing.T) {
	c, _ := newLight()
	tests := []struct {
		light, want float64
	}{
		{90, 0},
		{80, 0},
		{79.9, 100 - 79.9},
		{30, 70},
		{10, 90},
		{0, 100},
		{-5, 100},
	}
	for _, tc := range tests {
		if got := c.Target(tc.light); got != tc.want {
			t.Errorf("Target(%v) = %v, want %v", tc.light, got, tc.want)
		}
	}
}

func TestDeadband(t *testing.T) {
	tests := []struct {
		name    string
		current float64
		light   float64
		changed bool
		duty    float64
	}{
		{"within deadband is held", 68, 30, false, 68},
		{"outside deadband is applied", 60, 30, true, 70},
		{"bright room turns the light off", 2, 90, true, 0},
		{"full darkness always applies 100", 98, 0, true, 100},
		{"exactly at deadband is applied", 67, 30, true, 70},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c, out := newLight()
			c.duty = tc.current
			d := c.Step(tc.light)
			if d.Changed != tc.changed || d.Duty != tc.duty || c.Duty() != tc.duty {
				t.Fatalf("got %+v (duty %v), want changed=%v duty=%v", d, c.Duty(), tc.changed, tc.duty)
			}
			if tc.changed && (len(out.sets) != 1 || out.sets[0] != tc.duty) {
				t.Fatalf("hardware writes: %v", out.sets)
			}
			if !tc.changed && len(out.sets) != 0 {
				t.Fatalf("held step must not touch hardware, got %v", out.sets)
			}
		})
	}
}

func TestWriteFailureKeepsState(t *testing.T) {
	c, out := newLight()
	c.Step(40) // duty 60
	out.err = errors.New("pwm gone")
	d := c.Step(10)
	if d.Err == nil || d.Changed {
		t.Fatalf("expected failure, got %+v", d)
	}
	if c.Duty() != 60 {
		t.Fatalf("duty should stay at 60, got %v", c.Duty())
	}
}

func TestOff(t *testing.T) {
	c, out := newLight()
	c.Step(10)
	if err := c.Off(); err != nil {
		t.Fatal(err)
	}
	if c.Duty() != 0 || out.sets[len(out.sets)-1] != 0 {
		t.Fatalf("expected LED off, got duty %v writes %v", c.Duty(), out.sets)
	}
}
