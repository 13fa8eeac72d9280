package sensors

import (
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/codeponics/codeponics-pi/controller/settings"
)

// Analog is a calibrated-voltage input; hal.AnalogInputPin satisfies it.
type Analog interface {
	Measure() (float64, error)
}

// Hardware reads the probes wired to the module: light, pH and EC through the
// ADC, water temperature from a DS18B20 and air temperature/humidity from the
// kernel DHT driver.
type Hardware struct {
	cfg    settings.Sensors
	cal    settings.Calibration
	light  Analog
	ph     Analog
	ec     Analog
	closer io.Closer
}

// NewHardware builds a source over the given ADC channels. closer, if not nil,
// is closed with the source.
func NewHardware(cfg settings.Sensors, cal settings.Calibration, light, ph, ec Analog, closer io.Closer) *Hardware {
	return &Hardware{cfg: cfg, cal: cal, light: light, ph: ph, ec: ec, closer: closer}
}

// Read samples every probe once. A probe that fails leaves its field nil; the
// call only fails when nothing could be read at all.
func (h *Hardware) Read(ctx context.Context) (Raw, error) {
	var raw Raw
	if err := ctx.Err(); err != nil {
		return raw, err
	}

	if t, err := h.waterTemp(); err != nil {
		log.Debug().Err(err).Msg("water temperature probe")
	} else {
		raw.WaterTemp = &t
	}
	if v, err := readMilli(h.cfg.AirTempPath); err != nil {
		log.Debug().Err(err).Msg("air temperature probe")
	} else {
		raw.AirTemp = &v
	}
	if v, err := readMilli(h.cfg.HumidityPath); err != nil {
		log.Debug().Err(err).Msg("humidity probe")
	} else {
		raw.Humidity = &v
	}

	if v, err := h.light.Measure(); err != nil {
		log.Debug().Err(err).Msg("light probe")
	} else {
		raw.Diagnostics.LightVolts = Float(v)
		raw.LightPercent = Float(LightPercent(v, h.cfg.LightRefVolts))
	}
	if v, err := h.ph.Measure(); err != nil {
		log.Debug().Err(err).Msg("ph probe")
	} else {
		raw.Diagnostics.PHVolts = Float(v)
		raw.PH = Float(PHFromVoltage(v, h.cal))
	}
	if v, err := h.ec.Measure(); err != nil {
		log.Debug().Err(err).Msg("ec probe")
	} else {
		temp := 25.0
		if raw.WaterTemp != nil {
			temp = *raw.WaterTemp
		}
		raw.Diagnostics.ECVolts = Float(v)
		raw.EC = Float(ECFromVoltage(v, temp, h.cal))
	}

	if raw.WaterTemp == nil && raw.AirTemp == nil && raw.Humidity == nil &&
		raw.LightPercent == nil && raw.PH == nil && raw.EC == nil {
		return raw, fmt.Errorf("no probe answered: %w", ErrSensorUnavailable)
	}
	return raw, nil
}

func (h *Hardware) Close() error {
	if h.closer == nil {
		return nil
	}
	return h.closer.Close()
}

func (h *Hardware) waterTemp() (float64, error) {
	matches, err := filepath.Glob(h.cfg.WaterTempGlob)
	if err != nil {
		return 0, err
	}
	if len(matches) == 0 {
		return 0, fmt.Errorf("no one-wire device matches %s: %w", h.cfg.WaterTempGlob, ErrSensorUnavailable)
	}
	return readMilli(matches[0])
}

// LightPercent converts the photoresistor divider voltage to a brightness
// percentage; a bright room pulls the divider towards 0V.
func LightPercent(volts, ref float64) float64 {
	if ref <= 0 {
		return 0
	}
	return clamp(100-volts/ref*100, 0, 100)
}

// PHFromVoltage applies the linear probe calibration around the neutral point.
func PHFromVoltage(volts float64, cal settings.Calibration) float64 {
	return clamp(7+(volts-cal.PHNeutralVoltage)*cal.PHSlope, 0, 14)
}

// ECFromVoltage returns temperature compensated conductivity in mS/cm.
func ECFromVoltage(volts, waterTemp float64, cal settings.Calibration) float64 {
	comp := 1 + cal.ECTempCoef*(waterTemp-25)
	if comp <= 0 {
		comp = 1
	}
	return math.Max(0, volts*cal.ECKValue/comp-cal.ECOffset)
}

// readMilli reads a sysfs attribute holding an integer in thousandths.
func readMilli(path string) (float64, error) {
	if path == "" {
		return 0, ErrSensorUnavailable
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrSensorUnavailable, err)
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(string(data)), 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", path, err)
	}
	return v / 1000, nil
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(hi, math.Max(lo, v))
}
