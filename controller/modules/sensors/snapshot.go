package sensors

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/codeponics/codeponics-pi/controller/settings"
)

var (
	// ErrSensorUnavailable indicates a probe could not be read
	ErrSensorUnavailable = errors.New("sensor unavailable")
)

// Field names used in Snapshot.Missing and in logs.
const (
	FieldWaterTemp = "water_temp"
	FieldAirTemp   = "air_temp"
	FieldHumidity  = "humidity"
	FieldLight     = "light_percent"
	FieldPH        = "ph"
	FieldEC        = "ec"
)

// Diagnostics carries raw probe voltages for troubleshooting.
type Diagnostics struct {
	LightVolts *float64 `json:"light_volts,omitempty"`
	PHVolts    *float64 `json:"ph_volts,omitempty"`
	ECVolts    *float64 `json:"ec_volts,omitempty"`
}

// Raw is one acquisition as delivered by a Source. A nil field means the probe
// did not answer this time.
type Raw struct {
	WaterTemp    *float64
	AirTemp      *float64
	Humidity     *float64
	LightPercent *float64
	PH           *float64
	EC           *float64 // mS/cm
	Diagnostics  Diagnostics
}

// Snapshot is the per-tick reading every downstream stage consumes. All values
// are present; Missing lists the ones that came from fallbacks.
type Snapshot struct {
	Time         time.Time   `json:"time"`
	WaterTemp    float64     `json:"water_temp"`
	AirTemp      float64     `json:"air_temp"`
	Humidity     float64     `json:"humidity"`
	LightPercent float64     `json:"light_percent"`
	PH           float64     `json:"ph"`
	EC           float64     `json:"ec"`
	Missing      []string    `json:"missing,omitempty"`
	Diagnostics  Diagnostics `json:"diagnostics"`
}

// Source acquires raw readings.
type Source interface {
	Read(ctx context.Context) (Raw, error)
	Close() error
}

// Normalize fills every absent or non-finite reading from fb and records which
// ones it filled.
func Normalize(now time.Time, raw Raw, fb settings.Fallbacks) Snapshot {
	s := Snapshot{Time: now, Diagnostics: raw.Diagnostics}
	fill := func(dst *float64, v *float64, def float64, name string) {
		if v == nil || math.IsNaN(*v) || math.IsInf(*v, 0) {
			*dst = def
			s.Missing = append(s.Missing, name)
			return
		}
		*dst = *v
	}
	fill(&s.WaterTemp, raw.WaterTemp, fb.WaterTemp, FieldWaterTemp)
	fill(&s.AirTemp, raw.AirTemp, fb.AirTemp, FieldAirTemp)
	fill(&s.Humidity, raw.Humidity, fb.Humidity, FieldHumidity)
	fill(&s.LightPercent, raw.LightPercent, fb.LightPercent, FieldLight)
	fill(&s.PH, raw.PH, fb.PH, FieldPH)
	fill(&s.EC, raw.EC, fb.EC, FieldEC)
	return s
}

// Float returns a pointer to v, for building Raw values.
func Float(v float64) *float64 {
	return &v
}
