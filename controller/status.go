package controller

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/codeponics/codeponics-pi/controller/modules/analyzer"
	"github.com/codeponics/codeponics-pi/controller/modules/doser"
	"github.com/codeponics/codeponics-pi/controller/modules/sensors"
	"github.com/codeponics/codeponics-pi/controller/telemetry"
)

// Status summarizes one tick for the log line and the status API.
type Status struct {
	Time       time.Time         `json:"time"`
	Snapshot   sensors.Snapshot  `json:"snapshot"`
	Analysis   analyzer.Result   `json:"analysis"`
	Sensors    string            `json:"sensors"`
	DoserState doser.State       `json:"doser_state"`
	Dosing     string            `json:"dosing"`
	LastDose   time.Time         `json:"last_dose"`
	Lighting   string            `json:"lighting"`
	LEDDuty    float64           `json:"led_duty"`
	Camera     string            `json:"camera"`
	Network    string            `json:"network"`
	Health     *telemetry.Health `json:"health,omitempty"`
}

// Render formats the status as a single line.
func (s Status) Render(now time.Time) string {
	snap := s.Snapshot
	parts := []string{
		fmt.Sprintf("[%s %d]", s.Analysis.Status, s.Analysis.Score),
		fmt.Sprintf("pH %.2f EC %.2f water %.1f°C air %.1f°C hum %.0f%% light %.0f%% DO %.2f",
			snap.PH, snap.EC, snap.WaterTemp, snap.AirTemp, snap.Humidity, snap.LightPercent, s.Analysis.DO),
	}
	if f := s.Analysis.Factor(); f != "" {
		parts = append(parts, "factors: "+f)
	}
	if p := s.Analysis.Prediction; p != nil {
		parts = append(parts, fmt.Sprintf("pH in 1h %.2f", p.PH))
	}
	parts = append(parts, "pump: "+s.Dosing)
	if s.LastDose.IsZero() {
		parts = append(parts, "never dosed")
	} else {
		parts = append(parts, "last dose "+humanize.RelTime(s.LastDose, now, "ago", "from now"))
	}
	parts = append(parts, s.Lighting, "camera: "+s.Camera, "net: "+s.Network)
	if s.Sensors != "ok" && s.Sensors != "" {
		parts = append(parts, "sensors: "+s.Sensors)
	}
	return strings.Join(parts, " | ")
}

// healthDir is the directory whose filesystem is reported as disk usage.
func healthDir(dbPath string) string {
	return filepath.Dir(dbPath)
}
