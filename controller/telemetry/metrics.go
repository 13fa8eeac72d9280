package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the prometheus collectors of one controller.
type Metrics struct {
	reg *prometheus.Registry

	Reading      *prometheus.GaugeVec
	Score        prometheus.Gauge
	StatusLevel  prometheus.Gauge
	LEDDuty      prometheus.Gauge
	Doses        *prometheus.CounterVec
	Reports      *prometheus.CounterVec
	SinkFailures *prometheus.CounterVec
	TickDuration prometheus.Histogram
	Host         *prometheus.GaugeVec
}

// NewMetrics registers the collectors on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,
		Reading: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "codeponics_reading",
				Help: "Latest normalized sensor reading",
			},
			[]string{"sensor"},
		),
		Score: f.NewGauge(prometheus.GaugeOpts{
			Name: "codeponics_water_quality_score",
			Help: "Water quality score (0-100)",
		}),
		StatusLevel: f.NewGauge(prometheus.GaugeOpts{
			Name: "codeponics_water_quality_status",
			Help: "Water quality status (0 good, 1 warning, 2 danger, -1 unknown)",
		}),
		LEDDuty: f.NewGauge(prometheus.GaugeOpts{
			Name: "codeponics_led_duty_percent",
			Help: "Grow light duty cycle",
		}),
		Doses: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "codeponics_doses_total",
				Help: "Total number of pump pulses",
			},
			[]string{"trigger", "result"},
		),
		Reports: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "codeponics_reports_total",
				Help: "Backend reports by kind and outcome",
			},
			[]string{"kind", "result"},
		),
		SinkFailures: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "codeponics_telemetry_failures_total",
				Help: "Telemetry publish failures by sink",
			},
			[]string{"sink"},
		),
		TickDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "codeponics_tick_duration_seconds",
			Help:    "Control loop tick duration",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
		Host: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "codeponics_host_percent",
				Help: "Host resource usage",
			},
			[]string{"resource"},
		),
	}
}

func statusLevel(status string) float64 {
	switch status {
	case "GOOD":
		return 0
	case "WARNING":
		return 1
	case "DANGER":
		return 2
	}
	return -1
}

func (m *Metrics) Observe(s Sample) {
	for name, v := range s.Feeds() {
		switch name {
		case "score", "led-duty":
			continue
		}
		m.Reading.WithLabelValues(name).Set(v)
	}
	m.Score.Set(float64(s.Score))
	m.StatusLevel.Set(statusLevel(s.Status))
	m.LEDDuty.Set(s.LEDDuty)
	if h := s.Health; h != nil {
		m.Host.WithLabelValues("cpu").Set(h.CPUPercent)
		m.Host.WithLabelValues("memory").Set(h.MemoryPercent)
		m.Host.WithLabelValues("disk").Set(h.DiskPercent)
	}
}

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

func (m *Metrics) Dose(trigger string, ok bool) {
	m.Doses.WithLabelValues(trigger, result(ok)).Inc()
}

func (m *Metrics) Report(kind string, ok bool) {
	m.Reports.WithLabelValues(kind, result(ok)).Inc()
}

func (m *Metrics) SinkFailure(sink string) {
	m.SinkFailures.WithLabelValues(sink).Inc()
}

func (m *Metrics) Tick(d time.Duration) {
	m.TickDuration.Observe(d.Seconds())
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
