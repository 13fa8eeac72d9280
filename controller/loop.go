package controller

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/rs/zerolog/log"

	"github.com/codeponics/codeponics-pi/controller/modules/analyzer"
	"github.com/codeponics/codeponics-pi/controller/modules/doser"
	"github.com/codeponics/codeponics-pi/controller/modules/history"
	"github.com/codeponics/codeponics-pi/controller/modules/lighting"
	"github.com/codeponics/codeponics-pi/controller/modules/reporter"
	"github.com/codeponics/codeponics-pi/controller/modules/sensors"
	"github.com/codeponics/codeponics-pi/controller/settings"
	"github.com/codeponics/codeponics-pi/controller/telemetry"
)

// Host health is sampled at most this often.
const healthEvery = time.Minute

// Transmitter is the backend boundary the loop reports through.
type Transmitter interface {
	SendSensorReport(ctx context.Context, r reporter.SensorReport) error
	SendActuatorLog(ctx context.Context, l reporter.ActuatorLog) error
}

// Camera captures and uploads one frame for a tier.
type Camera interface {
	CaptureAndSend(ctx context.Context, typ reporter.PhotoType) error
}

// Deps are the collaborators of the loop. Camera, History and Telemetry are
// optional.
type Deps struct {
	Source      sensors.Source
	Analyzer    *analyzer.Analyzer
	Doser       *doser.Controller
	Light       *lighting.Controller
	Scheduler   *reporter.Scheduler
	Transmitter Transmitter
	Camera      Camera
	History     history.Repository
	Telemetry   *telemetry.Telemetry
}

// Loop is the control loop. Ticks never overlap; all I/O inside a tick is
// synchronous.
type Loop struct {
	Deps
	serial     string
	interval   time.Duration
	fallbacks  settings.Fallbacks
	healthPath string

	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
	notify func(state string)

	mu         sync.RWMutex
	last       *Status
	lastHealth time.Time
	health     *telemetry.Health
}

func NewLoop(s *settings.Settings, d Deps) *Loop {
	if d.Telemetry == nil {
		d.Telemetry = telemetry.New(settings.Telemetry{}, telemetry.NewMetrics())
	}
	return &Loop{
		Deps:       d,
		serial:     s.Device.SerialNumber,
		interval:   s.Interval.Realtime(),
		fallbacks:  s.Fallbacks,
		healthPath: s.Storage.DBPath,
		now:        time.Now,
		sleep:      sleepCtx,
		notify:     func(string) {},
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// SleepFor is the pause after a tick that took elapsed. An overrun starts the
// next tick immediately.
func SleepFor(interval, elapsed time.Duration) time.Duration {
	if d := interval - elapsed; d > 0 {
		return d
	}
	return 0
}

// Run ticks until ctx is cancelled. A tick in progress always completes.
func (l *Loop) Run(ctx context.Context) error {
	log.Info().Dur("interval", l.interval).Msg("control loop started")
	for {
		if ctx.Err() != nil {
			return nil
		}
		start := l.now()
		l.Tick(ctx, start)
		elapsed := l.now().Sub(start)
		l.Telemetry.Metrics().Tick(elapsed)
		if err := l.sleep(ctx, SleepFor(l.interval, elapsed)); err != nil {
			log.Info().Msg("control loop stopped")
			return nil
		}
	}
}

// Tick runs one cycle at now and returns its status.
func (l *Loop) Tick(ctx context.Context, now time.Time) Status {
	// an interrupt must not abort a pump pulse or a report halfway
	ctx = context.WithoutCancel(ctx)
	m := l.Telemetry.Metrics()
	st := Status{Time: now}

	raw, err := l.Source.Read(ctx)
	snap := sensors.Normalize(now, raw, l.fallbacks)
	switch {
	case err != nil:
		log.Warn().Err(err).Msg("sensor read failed, using fallbacks")
		st.Sensors = fmt.Sprintf("sensor error: %v", err)
	case len(snap.Missing) > 0:
		st.Sensors = "fallback: " + strings.Join(snap.Missing, ", ")
	default:
		st.Sensors = "ok"
	}
	res := l.Analyzer.Analyze(snap)
	st.Snapshot, st.Analysis = snap, res

	dose := l.Doser.Step(now, doser.Input{PH: snap.PH, PredictedPH: res.PredictedPH()})
	st.DoserState, st.Dosing = dose.State, dose.Message
	if dose.Err != nil {
		m.Dose("error", false)
	}
	led := l.Light.Step(snap.LightPercent)
	st.Lighting, st.LEDDuty = led.Message, led.Duty

	var network []string
	if ev := dose.Event; ev != nil {
		m.Dose(string(ev.Trigger), true)
		network = append(network, l.reportDose(ctx, ev))
	}

	st.Camera = l.capture(ctx, now)

	rt := reporter.NewSensorReport(l.serial, reporter.Realtime, snap, res)
	if err := l.Transmitter.SendSensorReport(ctx, rt); err != nil {
		log.Warn().Err(err).Msg("realtime report failed")
		network = append(network, "realtime failed")
		m.Report("realtime", false)
	} else {
		network = append(network, "realtime ok")
		m.Report("realtime", true)
	}

	if msg := l.dbLog(ctx, now, snap, res); msg != "" {
		network = append(network, msg)
	}
	st.Network = strings.Join(network, "; ")
	st.LastDose = l.Doser.LastDose()

	if h := l.sampleHealth(ctx, now); h != nil {
		st.Health = h
	}
	sample := telemetry.NewSample(l.serial, snap, res, st.LEDDuty)
	sample.Health = st.Health
	l.Telemetry.Emit(ctx, sample)

	l.mu.Lock()
	l.last = &st
	l.mu.Unlock()

	log.Info().
		Int("score", res.Score).
		Str("status", string(res.Status)).
		Str("doser", string(dose.State)).
		Float64("led", st.LEDDuty).
		Msg(st.Render(now))
	l.notify(daemon.SdNotifyWatchdog)
	return st
}

// reportDose sends the actuator event and marks it delivered in the journal.
func (l *Loop) reportDose(ctx context.Context, ev *doser.Event) string {
	entry := reporter.ActuatorLog{
		SerialNumber: l.serial,
		ActuatorName: ev.Actuator,
		ActionType:   ev.Action,
		DurationSec:  ev.Duration,
		Reason:       ev.Reason,
	}
	if err := l.Transmitter.SendActuatorLog(ctx, entry); err != nil {
		log.Warn().Err(err).Str("event", ev.ID).Msg("actuator log failed")
		l.Telemetry.Metrics().Report("actuator_log", false)
		return "actuator log failed"
	}
	l.Telemetry.Metrics().Report("actuator_log", true)
	if ev.Key != "" {
		if err := l.Doser.Journal().MarkDelivered(ev.Key); err != nil {
			log.Error().Err(err).Str("event", ev.ID).Msg("mark event delivered")
		}
	}
	return "actuator log ok"
}

func (l *Loop) capture(ctx context.Context, now time.Time) string {
	if l.Camera == nil {
		return "camera disabled"
	}
	typ, due := l.Scheduler.CameraDue(now)
	if !due {
		return "no capture due"
	}
	err := l.Camera.CaptureAndSend(ctx, typ)
	if perr := l.Scheduler.CaptureDone(typ, now, err == nil); perr != nil {
		log.Error().Err(perr).Msg("persist schedule")
	}
	l.Telemetry.Metrics().Report("photo_"+strings.ToLower(string(typ)), err == nil)
	if err != nil {
		log.Warn().Err(err).Str("type", string(typ)).Msg("camera tier failed")
		return fmt.Sprintf("%s capture failed: %v", typ, err)
	}
	return fmt.Sprintf("%s photo sent", typ)
}

func (l *Loop) dbLog(ctx context.Context, now time.Time, snap sensors.Snapshot, res analyzer.Result) string {
	reason := l.Scheduler.DBLogDue(now, res.Status)
	if reason == reporter.DBLogNone {
		return ""
	}
	err := l.Transmitter.SendSensorReport(ctx, reporter.NewSensorReport(l.serial, reporter.DBLog, snap, res))
	ok := err == nil
	if perr := l.Scheduler.DBLogDone(reason, now, ok); perr != nil {
		log.Error().Err(perr).Msg("persist schedule")
	}
	l.Telemetry.Metrics().Report("db_log", ok)
	if l.History != nil {
		if herr := l.History.Save(ctx, history.NewRecord(snap, res, string(reason), ok)); herr != nil {
			log.Error().Err(herr).Msg("save history record")
		}
	}
	if !ok {
		log.Warn().Err(err).Str("reason", string(reason)).Msg("db-log report failed")
		return fmt.Sprintf("db_log (%s) failed", reason)
	}
	return fmt.Sprintf("db_log (%s) ok", reason)
}

func (l *Loop) sampleHealth(ctx context.Context, now time.Time) *telemetry.Health {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.healthPath == "" {
		return nil
	}
	if l.health == nil || now.Sub(l.lastHealth) >= healthEvery {
		h := telemetry.ReadHealth(ctx, healthDir(l.healthPath))
		l.health, l.lastHealth = &h, now
	}
	return l.health
}

// Last returns the status of the latest tick, or nil before the first one.
func (l *Loop) Last() *Status {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.last == nil {
		return nil
	}
	st := *l.last
	return &st
}
