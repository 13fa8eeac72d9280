package analyzer

import (
	"fmt"
	"math"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/codeponics/codeponics-pi/controller/modules/sensors"
	"github.com/codeponics/codeponics-pi/controller/settings"
)

type Status string

const (
	Good    Status = "GOOD"
	Warning Status = "WARNING"
	Danger  Status = "DANGER"
	Unknown Status = "UNKNOWN"
)

// Urgent reports whether the status demands an immediate db-log report.
func (s Status) Urgent() bool {
	return s == Warning || s == Danger
}

// Dissolved oxygen estimate, mg/L, anchored at 25 °C.
const (
	doReference = 8.24
	doPerDegree = 0.15
)

// Prediction is the 1h-ahead forecast of the feature vector.
type Prediction struct {
	PH        float64 `json:"ph"`
	EC        float64 `json:"ec"`
	WaterTemp float64 `json:"water_temp"`
	DO        float64 `json:"do"`
}

// Result is the assessment of one snapshot.
type Result struct {
	Score      int         `json:"score"`
	Status     Status      `json:"status"`
	Factors    []string    `json:"factors"`
	DO         float64     `json:"do"`
	Prediction *Prediction `json:"prediction,omitempty"`
}

// Factor joins the deduction reasons the way the backend stores them.
func (r Result) Factor() string {
	return strings.Join(r.Factors, ", ")
}

// PredictedPH returns the forecast pH, or nil when there is no forecast.
func (r Result) PredictedPH() *float64 {
	if r.Prediction == nil {
		return nil
	}
	v := r.Prediction.PH
	return &v
}

type rule struct {
	name   string
	q      settings.QualityRule
	danger string
	warn   string
}

// Analyzer scores water quality. It holds no per-tick state.
type Analyzer struct {
	rules [4]rule // pH, EC, water temp, DO
	model Model
}

// New builds an analyzer from the quality tables in s. model may be nil.
func New(s *settings.Settings, model Model) *Analyzer {
	return &Analyzer{
		rules: [4]rule{
			{name: "pH", q: s.PHRule(), danger: "pH 위험", warn: "pH 주의"},
			{name: "EC", q: s.Quality.EC, danger: "EC 위험", warn: "EC 주의"},
			{name: "수온", q: s.Quality.WaterTemp, danger: "수온 위험", warn: "수온 주의"},
			{name: "용존산소", q: s.Quality.DO, danger: "용존산소 부족", warn: "용존산소 주의"},
		},
		model: model,
	}
}

// EstimateDO approximates dissolved oxygen from water temperature.
func EstimateDO(waterTemp float64) float64 {
	return math.Max(0, doReference-doPerDegree*(waterTemp-25))
}

// StatusFor maps a score to its tier.
func StatusFor(score int) Status {
	switch {
	case score >= 80:
		return Good
	case score >= 60:
		return Warning
	default:
		return Danger
	}
}

// Analyze scores snap and, when a model is loaded, attaches the 1h forecast.
func (a *Analyzer) Analyze(snap sensors.Snapshot) Result {
	do := EstimateDO(snap.WaterTemp)
	values := [4]float64{snap.PH, snap.EC, snap.WaterTemp, do}

	for i, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			res := Result{
				Status:  Unknown,
				Factors: []string{fmt.Sprintf("%s 측정값 오류", a.rules[i].name)},
			}
			if !math.IsNaN(do) && !math.IsInf(do, 0) {
				res.DO = do
			}
			return res
		}
	}

	score := 100
	factors := []string{}
	for i, r := range a.rules {
		v := values[i]
		switch {
		case !r.q.Acceptable.Contains(v):
			score -= r.q.Danger
			factors = append(factors, r.danger)
		case !r.q.Optimal.Contains(v):
			score -= r.q.Caution
			factors = append(factors, r.warn)
		}
	}
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}

	res := Result{
		Score:   score,
		Status:  StatusFor(score),
		Factors: factors,
		DO:      do,
	}
	if a.model != nil {
		p, err := a.model.Predict(values)
		if err != nil {
			log.Warn().Err(err).Msg("forecast unavailable")
		} else {
			res.Prediction = &Prediction{PH: p[0], EC: p[1], WaterTemp: p[2], DO: p[3]}
		}
	}
	return res
}
