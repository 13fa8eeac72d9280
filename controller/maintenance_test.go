package controller

import (
	"context"
	"testing"
	"time"

	"github.com/codeponics/codeponics-pi/controller/modules/analyzer"
	"github.com/codeponics/codeponics-pi/controller/modules/doser"
	"github.com/codeponics/codeponics-pi/controller/modules/history"
	"github.com/codeponics/codeponics-pi/controller/modules/sensors"
)

func TestMaintenanceRun(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	now := t0.Add(40 * 24 * time.Hour)

	for _, at := range []time.Time{t0, t0.Add(time.Hour), now.Add(-time.Hour)} {
		rec := history.NewRecord(sensors.Snapshot{Time: at, PH: 7}, analyzer.Result{Status: analyzer.Good, Score: 100}, "periodic", true)
		if err := r.history.Save(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}
	for i := 0; i < 8; i++ {
		if err := r.doser.Journal().Record(&doser.Event{ID: "ev", Time: t0}); err != nil {
			t.Fatal(err)
		}
	}

	m := NewMaintenance(r.history, r.doser.Journal(), 30*24*time.Hour)
	m.now = func() time.Time { return now }
	m.keep = 3
	pruned, compacted := m.Run(ctx)
	if pruned != 2 {
		t.Errorf("expected 2 records pruned, got %d", pruned)
	}
	if compacted != 5 {
		t.Errorf("expected 5 events removed, got %d", compacted)
	}
	if _, err := r.history.Latest(ctx); err != nil {
		t.Errorf("recent record should survive: %v", err)
	}
}

func TestMaintenanceSchedule(t *testing.T) {
	m := NewMaintenance(nil, nil, 0)
	if err := m.Start("not a cron spec"); err == nil {
		t.Fatal("expected invalid spec error")
	}
	if err := m.Start("@daily"); err != nil {
		t.Fatal(err)
	}
	m.Stop()
}
