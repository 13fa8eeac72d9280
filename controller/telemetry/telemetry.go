// Package telemetry fans per-tick readings out to best-effort sinks
// (prometheus, MQTT, adafruit.io, Redis). A sink failure never fails a tick.
package telemetry

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/codeponics/codeponics-pi/controller/modules/analyzer"
	"github.com/codeponics/codeponics-pi/controller/modules/sensors"
	"github.com/codeponics/codeponics-pi/controller/settings"
)

// Sample is what one tick publishes.
type Sample struct {
	Time      time.Time `json:"time"`
	Serial    string    `json:"serial_number"`
	WaterTemp float64   `json:"water_temp"`
	AirTemp   float64   `json:"air_temp"`
	Humidity  float64   `json:"humidity"`
	Light     float64   `json:"light_percent"`
	PH        float64   `json:"ph"`
	EC        float64   `json:"ec"`
	DO        float64   `json:"do"`
	Score     int       `json:"score"`
	Status    string    `json:"status"`
	Factor    string    `json:"factor"`
	LEDDuty   float64   `json:"led_duty"`
	Health    *Health   `json:"health,omitempty"`
}

func NewSample(serial string, snap sensors.Snapshot, res analyzer.Result, duty float64) Sample {
	return Sample{
		Time:      snap.Time,
		Serial:    serial,
		WaterTemp: snap.WaterTemp,
		AirTemp:   snap.AirTemp,
		Humidity:  snap.Humidity,
		Light:     snap.LightPercent,
		PH:        snap.PH,
		EC:        snap.EC,
		DO:        res.DO,
		Score:     res.Score,
		Status:    string(res.Status),
		Factor:    res.Factor(),
		LEDDuty:   duty,
	}
}

// Feeds flattens the numeric part of a sample into feed name/value pairs.
func (s Sample) Feeds() map[string]float64 {
	return map[string]float64{
		"water-temp": s.WaterTemp,
		"air-temp":   s.AirTemp,
		"humidity":   s.Humidity,
		"light":      s.Light,
		"ph":         s.PH,
		"ec":         s.EC,
		"do":         s.DO,
		"score":      float64(s.Score),
		"led-duty":   s.LEDDuty,
	}
}

// Sink receives samples.
type Sink interface {
	Name() string
	Publish(ctx context.Context, s Sample) error
	Close() error
}

type Telemetry struct {
	mu      sync.Mutex
	sinks   []Sink
	metrics *Metrics
}

// New builds the sinks enabled in cfg. A sink that cannot be constructed is
// logged and left out.
func New(cfg settings.Telemetry, m *Metrics) *Telemetry {
	t := &Telemetry{metrics: m}
	if cfg.MQTT.Enable {
		s, err := NewMQTT(cfg.MQTT)
		if err != nil {
			log.Warn().Err(err).Str("broker", cfg.MQTT.Broker).Msg("telemetry: mqtt disabled")
		} else {
			t.Add(s)
		}
	}
	if cfg.AdafruitIO.Enable {
		t.Add(NewAdafruitIO(cfg.AdafruitIO))
	}
	if cfg.Redis.Enable {
		s, err := NewRedis(cfg.Redis)
		if err != nil {
			log.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("telemetry: redis disabled")
		} else {
			t.Add(s)
		}
	}
	return t
}

func (t *Telemetry) Add(s Sink) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sinks = append(t.sinks, s)
	log.Info().Str("sink", s.Name()).Msg("telemetry: sink enabled")
}

func (t *Telemetry) Metrics() *Metrics {
	return t.metrics
}

// Emit records s in the metrics and publishes it to every sink. It returns
// the number of sinks that failed.
func (t *Telemetry) Emit(ctx context.Context, s Sample) int {
	if t.metrics != nil {
		t.metrics.Observe(s)
	}
	t.mu.Lock()
	sinks := append([]Sink(nil), t.sinks...)
	t.mu.Unlock()

	failed := 0
	for _, sink := range sinks {
		if err := sink.Publish(ctx, s); err != nil {
			failed++
			log.Warn().Err(err).Str("sink", sink.Name()).Msg("telemetry: publish failed")
			if t.metrics != nil {
				t.metrics.SinkFailure(sink.Name())
			}
		}
	}
	return failed
}

func (t *Telemetry) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, sink := range t.sinks {
		if err := sink.Close(); err != nil {
			log.Warn().Err(err).Str("sink", sink.Name()).Msg("telemetry: close failed")
		}
	}
	t.sinks = nil
}
