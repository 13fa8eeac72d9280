// Package controller wires the hydroponic module together: hardware, the
// control loop, local storage, telemetry and the REST API.
package controller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/reef-pi/rpi/i2c"
	"github.com/rs/zerolog/log"

	"github.com/codeponics/codeponics-pi/controller/drivers"
	"github.com/codeponics/codeponics-pi/controller/modules/analyzer"
	"github.com/codeponics/codeponics-pi/controller/modules/camera"
	"github.com/codeponics/codeponics-pi/controller/modules/doser"
	"github.com/codeponics/codeponics-pi/controller/modules/history"
	"github.com/codeponics/codeponics-pi/controller/modules/lighting"
	"github.com/codeponics/codeponics-pi/controller/modules/reporter"
	"github.com/codeponics/codeponics-pi/controller/modules/sensors"
	"github.com/codeponics/codeponics-pi/controller/settings"
	"github.com/codeponics/codeponics-pi/controller/storage"
	"github.com/codeponics/codeponics-pi/controller/telemetry"
)

const (
	maintenanceSpec = "@daily"
	shutdownTimeout = 5 * time.Second
)

type pumpLine interface {
	Write(state bool) error
	Close() error
}

type ledLine interface {
	Set(value float64) error
	Close() error
}

type resource struct {
	name string
	c    io.Closer
}

// Controller owns every resource of the running module. Resources are acquired
// in New and released in reverse order by Stop.
type Controller struct {
	settings *settings.Settings
	owned    []resource

	store   *storage.Store
	history history.Repository
	pump    pumpLine
	led     ledLine
	source  sensors.Source

	doser     *doser.Controller
	light     *lighting.Controller
	scheduler *reporter.Scheduler
	telemetry *telemetry.Telemetry
	loop      *Loop
	maint     *Maintenance
	api       *API
	server    *http.Server
	notify    func(state string)
}

// New acquires hardware and storage and builds every subsystem. On failure
// everything acquired so far is released.
func New(s *settings.Settings) (_ *Controller, err error) {
	c := &Controller{settings: s, notify: sdNotify}
	defer func() {
		if err != nil {
			c.release()
		}
	}()

	if c.store, err = storage.NewStore(s.Storage.DBPath); err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	c.own("store", c.store)
	if c.history, err = history.Open(s.Storage); err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}
	c.own("history", c.history)

	if s.DevMode {
		c.devHardware()
	} else if err = c.hardware(); err != nil {
		return nil, err
	}

	if c.doser, err = doser.New(s, c.pump, c.store); err != nil {
		return nil, fmt.Errorf("doser: %w", err)
	}
	c.light = lighting.New(s.Actuators, c.led)
	if c.scheduler, err = reporter.NewScheduler(s.Interval, c.store); err != nil {
		return nil, fmt.Errorf("scheduler: %w", err)
	}
	tx := reporter.NewHTTPTransmitter(s)
	c.telemetry = telemetry.New(s.Telemetry, telemetry.NewMetrics())

	deps := Deps{
		Source:      c.source,
		Analyzer:    analyzer.New(s, loadModel(s.Model)),
		Doser:       c.doser,
		Light:       c.light,
		Scheduler:   c.scheduler,
		Transmitter: tx,
		History:     c.history,
		Telemetry:   c.telemetry,
	}
	if s.Camera.Enable {
		var src camera.Capturer = camera.NewCommand(s.Camera)
		if s.DevMode {
			src = camera.Synthetic{Width: s.Camera.Width, Height: s.Camera.Height}
		}
		deps.Camera = camera.New(s.Camera, src, tx)
	}
	c.loop = NewLoop(s, deps)
	c.loop.notify = c.notify
	c.maint = NewMaintenance(c.history, c.doser.Journal(), s.Storage.Retention())
	c.api = NewAPI(s, c.loop, c.doser, c.history, c.telemetry.Metrics())
	return c, nil
}

func loadModel(cfg settings.Model) analyzer.Model {
	if !cfg.Enable {
		return nil
	}
	m, err := analyzer.NewExpressionModel(cfg.Expressions)
	if err != nil {
		log.Warn().Err(err).Msg("forecast model unavailable, scoring rules only")
		return nil
	}
	log.Info().Int("outputs", len(cfg.Expressions)).Msg("forecast model loaded")
	return m
}

func (c *Controller) devHardware() {
	a := c.settings.Actuators
	pump := drivers.NewNoopPin(doser.ActuatorName, a.PHPumpPin)
	led := drivers.NewNoopPin("led", a.LEDPin)
	c.pump, c.led = pump, led
	c.source = sensors.NewSimulated(time.Now().UnixNano())
	c.own("pump", pump)
	c.own("led", led)
	c.own("sensors", c.source)
	log.Warn().Msg("dev mode: simulated sensors and no-op actuators")
}

func (c *Controller) hardware() error {
	a := c.settings.Actuators
	pump, err := drivers.NewDigitalPin(a.GPIOChip, a.PHPumpPin, doser.ActuatorName)
	if err != nil {
		return fmt.Errorf("pump line: %w", err)
	}
	c.pump = pump
	c.own("pump", pump)

	line, err := drivers.NewDigitalPin(a.GPIOChip, a.LEDPin, "led")
	if err != nil {
		return fmt.Errorf("led line: %w", err)
	}
	pwm, err := drivers.NewSoftPWM(line, a.LEDFrequency)
	if err != nil {
		line.Close()
		return fmt.Errorf("led pwm: %w", err)
	}
	c.led = pwm
	c.own("led", pwm)

	sc := c.settings.Sensors
	bus, err := i2c.New()
	if err != nil {
		return fmt.Errorf("i2c bus: %w", err)
	}
	adc, err := drivers.NewADS1115(bus, sc.I2CAddr, sc.ADCGain)
	if err != nil {
		bus.Close()
		return err
	}
	var ch [3]sensors.Analog
	for i, n := range []int{sc.LightChannel, sc.PHChannel, sc.ECChannel} {
		pin, err := adc.AnalogInputPin(n)
		if err != nil {
			bus.Close()
			return fmt.Errorf("adc channel %d: %w", n, err)
		}
		ch[i] = pin
	}
	c.source = sensors.NewHardware(sc, c.settings.Calibration, ch[0], ch[1], ch[2], bus)
	c.own("sensors", c.source)
	return nil
}

func (c *Controller) own(name string, r io.Closer) {
	c.owned = append(c.owned, resource{name: name, c: r})
}

// release closes owned resources, newest first.
func (c *Controller) release() error {
	var errs []error
	for i := len(c.owned) - 1; i >= 0; i-- {
		r := c.owned[i]
		if err := r.c.Close(); err != nil {
			log.Error().Err(err).Str("resource", r.name).Msg("release")
			errs = append(errs, fmt.Errorf("%s: %w", r.name, err))
		}
	}
	c.owned = nil
	return errors.Join(errs...)
}

// Setup restores persisted state and drives the actuators to a known level.
func (c *Controller) Setup() error {
	if err := c.doser.Setup(); err != nil {
		return fmt.Errorf("doser setup: %w", err)
	}
	if err := c.scheduler.Setup(); err != nil {
		return fmt.Errorf("scheduler setup: %w", err)
	}
	if err := c.light.Off(); err != nil {
		return fmt.Errorf("led setup: %w", err)
	}
	return nil
}

// Start serves the API, schedules maintenance and runs the control loop until
// ctx is cancelled.
func (c *Controller) Start(ctx context.Context) error {
	if addr := c.settings.API.Address; addr != "" {
		c.server = &http.Server{
			Addr:              addr,
			Handler:           c.api.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			log.Info().Str("address", addr).Msg("api listening")
			if err := c.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("api server")
			}
		}()
	}
	if err := c.maint.Start(maintenanceSpec); err != nil {
		return fmt.Errorf("maintenance: %w", err)
	}
	c.notify(daemon.SdNotifyReady)
	return c.loop.Run(ctx)
}

// Stop de-energizes the actuators first, then shuts down the API, stops
// maintenance and releases every resource.
func (c *Controller) Stop() error {
	c.notify(daemon.SdNotifyStopping)
	var errs []error
	if err := c.doser.Off(); err != nil {
		errs = append(errs, fmt.Errorf("pump off: %w", err))
	}
	if err := c.light.Off(); err != nil {
		errs = append(errs, fmt.Errorf("led off: %w", err))
	}
	if c.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := c.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("api shutdown: %w", err))
		}
		cancel()
	}
	c.maint.Stop()
	c.telemetry.Close()
	if err := c.release(); err != nil {
		errs = append(errs, err)
	}
	log.Info().Msg("actuators safe, controller stopped")
	return errors.Join(errs...)
}

func sdNotify(state string) {
	if _, err := daemon.SdNotify(false, state); err != nil {
		log.Debug().Err(err).Str("state", state).Msg("systemd notify")
	}
}
