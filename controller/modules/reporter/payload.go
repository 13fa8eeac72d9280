package reporter

import (
	"github.com/codeponics/codeponics-pi/controller/modules/analyzer"
	"github.com/codeponics/codeponics-pi/controller/modules/sensors"
)

// ReportType tags a sensor report.
type ReportType string

const (
	Realtime ReportType = "REALTIME"
	DBLog    ReportType = "DB_LOG"
)

// PhotoType tags an uploaded frame.
type PhotoType string

const (
	PhotoAnalysis PhotoType = "ANALYSIS"
	PhotoMonitor  PhotoType = "MONITOR"
)

type SensorData struct {
	WaterTemp float64         `json:"water_temp"`
	AirTemp   float64         `json:"air_temp"`
	Humidity  float64         `json:"humidity"`
	PH        float64         `json:"ph_value"`
	EC        float64         `json:"ec_value"`
	Light     float64         `json:"lux_value"`
	DO        float64         `json:"do_value"`
	AIScore   int             `json:"ai_score"`
	AIStatus  analyzer.Status `json:"ai_status"`
}

type WaterAnalysis struct {
	Score       int             `json:"score"`
	RiskLevel   analyzer.Status `json:"risk_level"`
	Factor      string          `json:"factor"`
	Predicted1h []float64       `json:"predicted_1h"`
}

// SensorReport is the body of both realtime and db-log reports.
type SensorReport struct {
	SerialNumber  string        `json:"serial_number"`
	Type          ReportType    `json:"type"`
	SensorData    SensorData    `json:"sensor_data"`
	WaterAnalysis WaterAnalysis `json:"water_analysis"`
}

// NewSensorReport builds a report of the given type from one tick's data.
func NewSensorReport(serial string, typ ReportType, snap sensors.Snapshot, res analyzer.Result) SensorReport {
	r := SensorReport{
		SerialNumber: serial,
		Type:         typ,
		SensorData: SensorData{
			WaterTemp: snap.WaterTemp,
			AirTemp:   snap.AirTemp,
			Humidity:  snap.Humidity,
			PH:        snap.PH,
			EC:        snap.EC,
			Light:     snap.LightPercent,
			DO:        res.DO,
			AIScore:   res.Score,
			AIStatus:  res.Status,
		},
		WaterAnalysis: WaterAnalysis{
			Score:     res.Score,
			RiskLevel: res.Status,
			Factor:    res.Factor(),
		},
	}
	if p := res.Prediction; p != nil {
		r.WaterAnalysis.Predicted1h = []float64{p.PH, p.EC, p.WaterTemp, p.DO}
	}
	return r
}

// ActuatorLog records one actuator action.
type ActuatorLog struct {
	SerialNumber string  `json:"serial_number"`
	ActuatorName string  `json:"actuator_name"`
	ActionType   string  `json:"action_type"`
	DurationSec  float64 `json:"duration_sec"`
	Reason       string  `json:"reason"`
}
