package doser

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/codeponics/codeponics-pi/controller/settings"
	"github.com/codeponics/codeponics-pi/controller/storage"
)

// BoltDB buckets
const (
	stateBucket  = "doser"
	queueBucket  = "doser_queue"
	eventsBucket = "doser_events"

	stateKey = "state"
)

// Event identity as reported to the backend
const (
	ActuatorName = "ph_pump"
	ActionPHUp   = "PH_UP"
)

// Proactive dosing only runs while pH is at most this far above target.
const proactiveMargin = 0.2

type State string

const (
	Cooldown State = "COOLDOWN"
	Idle     State = "IDLE"
	Dosing   State = "DOSING"
)

type Trigger string

const (
	Reactive  Trigger = "reactive"
	Manual    Trigger = "manual"
	Proactive Trigger = "proactive"
)

// Output is the pump relay line.
type Output interface {
	Write(state bool) error
}

// Event is emitted for every dose that fired.
type Event struct {
	Key         string      `json:"key,omitempty"`
	ID          string      `json:"id"`
	Time        time.Time   `json:"time"`
	Actuator    string      `json:"actuator"`
	Action      string      `json:"action"`
	Duration    float64     `json:"duration_sec"`
	Reason      string      `json:"reason"`
	Trigger     Trigger     `json:"trigger"`
	PH          float64     `json:"ph"`
	PredictedPH *float64    `json:"predicted_ph,omitempty"`
	Thresholds  settings.PH `json:"thresholds"`
	Delivered   bool        `json:"delivered"`
}

// Input is what one tick knows about the water.
type Input struct {
	PH          float64
	PredictedPH *float64
}

// Decision is the outcome of one Step.
type Decision struct {
	State     State
	Event     *Event
	Remaining time.Duration
	Message   string
	Err       error
}

type persisted struct {
	LastDose time.Time `json:"last_dose"`
}

// Controller owns the dosing pump state machine. Step is only called from the
// control loop; the API reaches it through the queue and read-only accessors.
type Controller struct {
	cfg      settings.PH
	pulse    time.Duration
	cooldown time.Duration
	out      Output
	store    storage.ObjectStore
	queue    *Queue
	journal  *Journal
	sleep    func(time.Duration)

	mu       sync.Mutex
	lastDose time.Time
	logs     []string
}

// New constructs the subsystem and ensures its buckets exist.
func New(s *settings.Settings, out Output, store storage.ObjectStore) (*Controller, error) {
	if err := store.CreateBucket(stateBucket); err != nil {
		return nil, err
	}
	q, err := NewQueue(store)
	if err != nil {
		return nil, err
	}
	j, err := NewJournal(store)
	if err != nil {
		return nil, err
	}
	return &Controller{
		cfg:      s.Targets.PH,
		pulse:    s.Actuators.PumpPulse(),
		cooldown: s.Actuators.Cooldown(),
		out:      out,
		store:    store,
		queue:    q,
		journal:  j,
		sleep:    time.Sleep,
	}, nil
}

// SetSleep replaces the function used to hold the pump pulse.
func (c *Controller) SetSleep(fn func(time.Duration)) {
	c.sleep = fn
}

func (c *Controller) Queue() *Queue     { return c.queue }
func (c *Controller) Journal() *Journal { return c.journal }

// Setup restores the last dose time so a restart cannot skip the cooldown,
// and makes sure the pump starts de-energized.
func (c *Controller) Setup() error {
	var p persisted
	err := c.store.Get(stateBucket, stateKey, &p)
	switch {
	case err == nil:
		c.mu.Lock()
		c.lastDose = p.LastDose
		c.mu.Unlock()
		log.Info().Time("last_dose", p.LastDose).Msg("doser state restored")
	case errors.Is(err, storage.ErrNotFound):
	default:
		return err
	}
	return c.out.Write(false)
}

// LastDose returns when the pump last completed a dose (zero if never).
func (c *Controller) LastDose() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastDose
}

// StateAt returns the state the machine is in at now and the cooldown left.
// A last dose stamped after now counts as now, so a clock that went backwards
// locks the pump for at most one cooldown.
func (c *Controller) StateAt(now time.Time) (State, time.Duration) {
	last := c.LastDose()
	if last.IsZero() {
		return Idle, 0
	}
	if last.After(now) {
		last = now
	}
	if elapsed := now.Sub(last); elapsed < c.cooldown {
		return Cooldown, c.cooldown - elapsed
	}
	return Idle, 0
}

// settle moves a last dose that lies ahead of now back to now and persists it.
func (c *Controller) settle(now time.Time) {
	c.mu.Lock()
	if !c.lastDose.After(now) {
		c.mu.Unlock()
		return
	}
	log.Warn().Time("last_dose", c.lastDose).Time("now", now).Msg("last dose is in the future, clock moved backwards")
	c.lastDose = now
	c.mu.Unlock()
	if err := c.store.Update(stateBucket, stateKey, persisted{LastDose: now}); err != nil {
		log.Error().Err(err).Msg("persist doser state")
	}
}

// Step runs one decision of the state machine. A firing dose blocks for the pulse.
func (c *Controller) Step(now time.Time, in Input) Decision {
	c.settle(now)
	state, remaining := c.StateAt(now)
	if state == Cooldown {
		secs := int(remaining.Seconds())
		return Decision{
			State:     Cooldown,
			Remaining: remaining,
			Message:   fmt.Sprintf("pump cooling down (%ds left)", secs),
		}
	}

	trigger, reason := c.evaluate(in)
	if trigger == "" {
		if in.PH > c.cfg.Max {
			log.Warn().Float64("ph", in.PH).Float64("max", c.cfg.Max).Msg("pH above maximum, no corrective actuator")
			c.appendLog(fmt.Sprintf("pH %.2f above max %.2f", in.PH, c.cfg.Max))
			return Decision{State: Idle, Message: fmt.Sprintf("pH high (%.2f > %.2f), no pH-down pump", in.PH, c.cfg.Max)}
		}
		return Decision{State: Idle, Message: "pH stable"}
	}

	if err := c.pulseOnce(); err != nil {
		c.appendLog(fmt.Sprintf("dose failed: %v", err))
		return Decision{State: Idle, Err: err, Message: fmt.Sprintf("pump error: %v", err)}
	}

	c.mu.Lock()
	c.lastDose = now
	c.mu.Unlock()
	if err := c.store.Update(stateBucket, stateKey, persisted{LastDose: now}); err != nil {
		log.Error().Err(err).Msg("persist doser state")
	}
	if n, err := c.queue.Clear(); err != nil {
		log.Error().Err(err).Msg("clear manual dose queue")
	} else if n > 0 && trigger != Manual {
		c.appendLog("pending manual dose satisfied by automatic dose")
	}

	ev := &Event{
		ID:          uuid.NewString(),
		Time:        now,
		Actuator:    ActuatorName,
		Action:      ActionPHUp,
		Duration:    c.pulse.Seconds(),
		Reason:      reason,
		Trigger:     trigger,
		PH:          in.PH,
		PredictedPH: in.PredictedPH,
		Thresholds:  c.cfg,
	}
	if err := c.journal.Record(ev); err != nil {
		log.Error().Err(err).Msg("journal dose event")
	}
	c.appendLog(fmt.Sprintf("dosed %.1fs: %s", ev.Duration, reason))
	log.Info().Str("trigger", string(trigger)).Str("reason", reason).Dur("pulse", c.pulse).Msg("pH up dose")
	return Decision{
		State:   Dosing,
		Event:   ev,
		Message: fmt.Sprintf("pH up pump ran %.1fs (%s)", ev.Duration, reason),
	}
}

// evaluate picks the trigger: reactive, then a pending manual request, then proactive.
func (c *Controller) evaluate(in Input) (Trigger, string) {
	if in.PH < c.cfg.Min {
		return Reactive, fmt.Sprintf("pH 하한선 이탈 (현재 %.2f < 최소 %.2f)", in.PH, c.cfg.Min)
	}
	req, err := c.queue.Peek()
	if err != nil {
		log.Error().Err(err).Msg("read manual dose queue")
	}
	if req != nil {
		return Manual, "수동 투입"
	}
	if in.PredictedPH != nil && in.PH <= c.cfg.Target+proactiveMargin && *in.PredictedPH < c.cfg.Target {
		return Proactive, fmt.Sprintf("AI 선제 대응 (예측 %.2f < 목표 %.2f)", *in.PredictedPH, c.cfg.Target)
	}
	return "", ""
}

// pulseOnce energizes the pump for the configured pulse. The line is forced low
// on any failure.
func (c *Controller) pulseOnce() error {
	if err := c.out.Write(true); err != nil {
		_ = c.out.Write(false)
		return fmt.Errorf("energize pump: %w", err)
	}
	c.sleep(c.pulse)
	if err := c.out.Write(false); err != nil {
		_ = c.out.Write(false)
		return fmt.Errorf("de-energize pump: %w", err)
	}
	return nil
}

// Off de-energizes the pump.
func (c *Controller) Off() error {
	return c.out.Write(false)
}

// appendLog adds an entry to the in-memory activity log, capped at 100 entries.
func (c *Controller) appendLog(msg string) {
	entry := fmt.Sprintf("%s %s", time.Now().Format("15:04:05"), msg)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logs = append(c.logs, entry)
	if len(c.logs) > 100 {
		c.logs = c.logs[len(c.logs)-100:]
	}
}

// Logs returns a copy of the activity log.
func (c *Controller) Logs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.logs...)
}
