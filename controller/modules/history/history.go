package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/codeponics/codeponics-pi/controller/modules/analyzer"
	"github.com/codeponics/codeponics-pi/controller/modules/sensors"
	"github.com/codeponics/codeponics-pi/controller/settings"
)

var (
	// ErrRecordNotFound indicates the requested record doesn't exist
	ErrRecordNotFound = errors.New("record not found")

	// ErrInvalidRange indicates a query range whose end is before its start
	ErrInvalidRange = errors.New("range end before start")
)

// Record is one db-log report as kept on the device.
type Record struct {
	ID        int64           `json:"id"`
	Time      time.Time       `json:"time"`
	Reason    string          `json:"reason"` // periodic | emergency
	Delivered bool            `json:"delivered"`
	WaterTemp float64         `json:"water_temp"`
	AirTemp   float64         `json:"air_temp"`
	Humidity  float64         `json:"humidity"`
	Light     float64         `json:"light_percent"`
	PH        float64         `json:"ph"`
	EC        float64         `json:"ec"`
	DO        float64         `json:"do"`
	Score     int             `json:"score"`
	Status    analyzer.Status `json:"status"`
	Factor    string          `json:"factor"`
}

// NewRecord builds a record from one tick's data.
func NewRecord(snap sensors.Snapshot, res analyzer.Result, reason string, delivered bool) *Record {
	return &Record{
		Time:      snap.Time,
		Reason:    reason,
		Delivered: delivered,
		WaterTemp: snap.WaterTemp,
		AirTemp:   snap.AirTemp,
		Humidity:  snap.Humidity,
		Light:     snap.LightPercent,
		PH:        snap.PH,
		EC:        snap.EC,
		DO:        res.DO,
		Score:     res.Score,
		Status:    res.Status,
		Factor:    res.Factor(),
	}
}

// Repository stores db-log records.
type Repository interface {
	Save(ctx context.Context, r *Record) error

	// Range returns records in [start, end), oldest first.
	Range(ctx context.Context, start, end time.Time) ([]*Record, error)

	Latest(ctx context.Context) (*Record, error)

	// DeleteBefore removes records older than cutoff and returns how many.
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)

	Close() error
}

// Open returns the repository selected by the storage settings.
func Open(s settings.Storage) (Repository, error) {
	switch s.HistoryType {
	case "sqlite", "":
		return NewSQLiteRepository(s.HistoryPath)
	case "memory":
		return NewMemoryRepository(), nil
	default:
		return nil, fmt.Errorf("unknown history type %q", s.HistoryType)
	}
}
