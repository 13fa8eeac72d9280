package lighting

import (
	"fmt"
	"math"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/codeponics/codeponics-pi/controller/settings"
)

// Dimmer is a PWM output taking a duty cycle in percent.
type Dimmer interface {
	Set(value float64) error
}

// Decision is the outcome of one Step.
type Decision struct {
	Target  float64
	Duty    float64 // duty cycle in effect after the step
	Changed bool
	Message string
	Err     error
}

// Controller keeps the grow light topping up ambient light. Small corrections
// inside the deadband are skipped so sensor noise does not make the LED flicker.
type Controller struct {
	out       Dimmer
	threshold float64
	deadband  float64

	mu   sync.Mutex
	duty float64
}

func New(a settings.Actuators, out Dimmer) *Controller {
	return &Controller{
		out:       out,
		threshold: a.LEDThreshold,
		deadband:  a.LEDDeadband,
	}
}

// Target returns the duty cycle wanted for the given ambient light.
func (c *Controller) Target(lightPercent float64) float64 {
	if lightPercent >= c.threshold {
		return 0
	}
	return math.Min(100, math.Max(0, 100-lightPercent))
}

// Duty returns the duty cycle currently applied.
func (c *Controller) Duty() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.duty
}

// Step drives the LED towards the target for lightPercent.
func (c *Controller) Step(lightPercent float64) Decision {
	target := c.Target(lightPercent)
	current := c.Duty()

	if math.Abs(target-current) < c.deadband && target != 0 && target != 100 {
		return Decision{
			Target:  target,
			Duty:    current,
			Message: fmt.Sprintf("LED held at %.0f%%", current),
		}
	}
	if target == current {
		return Decision{Target: target, Duty: current, Message: fmt.Sprintf("LED at %.0f%%", current)}
	}

	if err := c.out.Set(target); err != nil {
		log.Error().Err(err).Float64("target", target).Msg("set LED duty cycle")
		return Decision{
			Target:  target,
			Duty:    current,
			Message: fmt.Sprintf("LED error: %v", err),
			Err:     err,
		}
	}
	c.mu.Lock()
	c.duty = target
	c.mu.Unlock()
	return Decision{
		Target:  target,
		Duty:    target,
		Changed: true,
		Message: fmt.Sprintf("LED %.0f%% -> %.0f%%", current, target),
	}
}

// Off turns the LED off.
func (c *Controller) Off() error {
	if err := c.out.Set(0); err != nil {
		return err
	}
	c.mu.Lock()
	c.duty = 0
	c.mu.Unlock()
	return nil
}
