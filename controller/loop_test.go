package controller

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/codeponics/codeponics-pi/controller/modules/analyzer"
	"github.com/codeponics/codeponics-pi/controller/modules/doser"
	"github.com/codeponics/codeponics-pi/controller/modules/history"
	"github.com/codeponics/codeponics-pi/controller/modules/lighting"
	"github.com/codeponics/codeponics-pi/controller/modules/reporter"
	"github.com/codeponics/codeponics-pi/controller/modules/sensors"
	"github.com/codeponics/codeponics-pi/controller/settings"
	"github.com/codeponics/codeponics-pi/controller/storage"
)

var t0 = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

type fakeSource struct {
	raw sensors.Raw
	err error
}

func (f *fakeSource) Read(context.Context) (sensors.Raw, error) { return f.raw, f.err }
func (f *fakeSource) Close() error { return nil }

func water(ph, ec, temp, light float64) sensors.Raw {
	return sensors.Raw{
		PH:           sensors.Float(ph),
		EC:           sensors.Float(ec),
		WaterTemp:    sensors.Float(temp),
		LightPercent: sensors.Float(light),
	}
}

type fakeTx struct {
	mu        sync.Mutex
	reports   []reporter.SensorReport
	actuators []reporter.ActuatorLog
	fail      bool
}

func (f *fakeTx) SendSensorReport(_ context.Context, r reporter.SensorReport) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports = append(f.reports, r)
	if f.fail {
		return errors.New("backend down")
	}
	return nil
}

func (f *fakeTx) SendActuatorLog(_ context.Context, l reporter.ActuatorLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actuators = append(f.actuators, l)
	if f.fail {
		return errors.New("backend down")
	}
	return nil
}

func (f *fakeTx) count(typ reporter.ReportType) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, r := range f.reports {
		if r.Type == typ {
			n++
		}
	}
	return n
}

type fakeCamera struct {
	calls []reporter.PhotoType
	err   error
}

func (f *fakeCamera) CaptureAndSend(_ context.Context, typ reporter.PhotoType) error {
	f.calls = append(f.calls, typ)
	return f.err
}

type fakePump struct {
	writes []bool
}

func (p *fakePump) Write(state bool) error {
	p.writes = append(p.writes, state)
	return nil
}

type fakeDimmer struct {
	values []float64
}

func (d *fakeDimmer) Set(v float64) error {
	d.values = append(d.values, v)
	return nil
}

type rig struct {
	loop    *Loop
	src     *fakeSource
	tx      *fakeTx
	cam     *fakeCamera
	pump    *fakePump
	led     *fakeDimmer
	history *history.MemoryRepository
	doser   *doser.Controller
}

func newRig(t *testing.T) *rig {
	t.Helper()
	s := settings.Default()
	s.Device.SerialNumber = "CP-001"
	store, err := storage.NewStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	r := &rig{
		src:     &fakeSource{raw: water(7.0, 1.2, 20, 50)},
		tx:      &fakeTx{},
		cam:     &fakeCamera{},
		pump:    &fakePump{},
		led:     &fakeDimmer{},
		history: history.NewMemoryRepository(),
	}
	r.doser, err = doser.New(&s, r.pump, store)
	if err != nil {
		t.Fatal(err)
	}
	r.doser.SetSleep(func(time.Duration) {})
	sched, err := reporter.NewScheduler(s.Interval, store)
	if err != nil {
		t.Fatal(err)
	}
	r.loop = NewLoop(&s, Deps{
		Source:      r.src,
		Analyzer:    analyzer.New(&s, nil),
		Doser:       r.doser,
		Light:       lighting.New(s.Actuators, r.led),
		Scheduler:   sched,
		Transmitter: r.tx,
		Camera:      r.cam,
		History:     r.history,
	})
	r.loop.healthPath = ""
	return r
}

func TestTickEndToEnd(t *testing.T) {
	r := newRig(t)
	r.src.raw = water(5.8, 1.2, 20, 10)

	st := r.loop.Tick(context.Background(), t0)

	if st.Analysis.Status != analyzer.Warning || st.Analysis.Score != 75 {
		t.Fatalf("expected WARNING/75, got %s/%d", st.Analysis.Status, st.Analysis.Score)
	}
	if st.DoserState != doser.Dosing {
		t.Fatalf("expected pump to fire, got %s (%s)", st.DoserState, st.Dosing)
	}
	if len(r.pump.writes) < 2 || !r.pump.writes[len(r.pump.writes)-2] || r.pump.writes[len(r.pump.writes)-1] {
		t.Fatalf("expected pulse high then low, got %v", r.pump.writes)
	}
	if st.LEDDuty != 90 {
		t.Errorf("expected LED duty 90, got %v", st.LEDDuty)
	}

	if len(r.tx.actuators) != 1 {
		t.Fatalf("expected 1 actuator log, got %d", len(r.tx.actuators))
	}
	act := r.tx.actuators[0]
	if !strings.HasPrefix(act.Reason, "pH 하한선 이탈") || act.ActuatorName != doser.ActuatorName || act.ActionType != doser.ActionPHUp {
		t.Errorf("unexpected actuator log %+v", act)
	}
	if act.SerialNumber != "CP-001" || act.DurationSec != 3 {
		t.Errorf("unexpected actuator log %+v", act)
	}
	if r.tx.count(reporter.Realtime) != 1 || r.tx.count(reporter.DBLog) != 1 {
		t.Errorf("expected realtime and db-log reports, got %+v", r.tx.reports)
	}

	events, err := r.doser.Journal().List(0)
	if err != nil || len(events) != 1 || !events[0].Delivered {
		t.Errorf("expected one delivered event, got %+v %v", events, err)
	}
	recs, _ := r.history.Range(context.Background(), t0, t0.Add(time.Second))
	if len(recs) != 1 || recs[0].Reason != string(reporter.DBLogPeriodic) || !recs[0].Delivered {
		t.Errorf("expected one periodic history record, got %+v", recs)
	}
	if len(r.cam.calls) != 1 || r.cam.calls[0] != reporter.PhotoAnalysis {
		t.Errorf("expected analysis capture, got %v", r.cam.calls)
	}
	if r.loop.Last() == nil {
		t.Error("status should be kept after a tick")
	}
}

func TestEmergencyDBLogDuringCooldown(t *testing.T) {
	r := newRig(t)
	r.src.raw = water(5.8, 1.2, 20, 10)
	r.loop.Tick(context.Background(), t0)

	st := r.loop.Tick(context.Background(), t0.Add(5*time.Second))
	if st.DoserState != doser.Cooldown {
		t.Fatalf("expected cooldown, got %s", st.DoserState)
	}
	if len(r.tx.actuators) != 1 {
		t.Errorf("no actuator log expected during cooldown, got %d", len(r.tx.actuators))
	}
	if r.tx.count(reporter.DBLog) != 2 {
		t.Errorf("WARNING should bypass the db-log timer, got %d db-log reports", r.tx.count(reporter.DBLog))
	}
	if r.tx.count(reporter.Realtime) != 2 {
		t.Errorf("realtime fires every tick, got %d", r.tx.count(reporter.Realtime))
	}
}

func TestDBLogOncePerIntervalWhenGood(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		r.loop.Tick(ctx, t0.Add(time.Duration(i)*5*time.Second))
	}
	if n := r.tx.count(reporter.DBLog); n != 1 {
		t.Fatalf("expected 1 db-log in the first interval, got %d", n)
	}
	r.loop.Tick(ctx, t0.Add(15*time.Minute))
	if n := r.tx.count(reporter.DBLog); n != 2 {
		t.Fatalf("expected db-log after 15 minutes, got %d", n)
	}
	if len(r.tx.actuators) != 0 {
		t.Errorf("stable pH should not dose, got %d actuator logs", len(r.tx.actuators))
	}
}

func TestSensorFailureUsesFallbacks(t *testing.T) {
	r := newRig(t)
	r.src.raw = sensors.Raw{}
	r.src.err = sensors.ErrSensorUnavailable

	st := r.loop.Tick(context.Background(), t0)
	if st.Snapshot.PH != 7.0 || st.Snapshot.WaterTemp != 25.0 {
		t.Fatalf("expected fallbacks, got %+v", st.Snapshot)
	}
	if !strings.Contains(st.Sensors, "sensor error") {
		t.Errorf("sensor status: %q", st.Sensors)
	}
	if r.tx.count(reporter.Realtime) != 1 {
		t.Error("tick should still report")
	}
}

func TestCameraFailureRetried(t *testing.T) {
	r := newRig(t)
	r.cam.err = errors.New("no frame")
	ctx := context.Background()

	st := r.loop.Tick(ctx, t0)
	if !strings.Contains(st.Camera, "failed") {
		t.Errorf("camera status: %q", st.Camera)
	}
	r.loop.Tick(ctx, t0.Add(5*time.Second))
	if len(r.cam.calls) != 2 || r.cam.calls[1] != reporter.PhotoAnalysis {
		t.Fatalf("failed analysis capture should be retried, got %v", r.cam.calls)
	}

	r.cam.err = nil
	r.loop.Tick(ctx, t0.Add(10*time.Second))
	r.loop.Tick(ctx, t0.Add(15*time.Second))
	if len(r.cam.calls) != 3 {
		t.Fatalf("no capture due after success, got %v", r.cam.calls)
	}
	r.loop.Tick(ctx, t0.Add(10*time.Second+5*time.Minute))
	if len(r.cam.calls) != 4 || r.cam.calls[3] != reporter.PhotoMonitor {
		t.Fatalf("expected monitor capture, got %v", r.cam.calls)
	}
}

func TestTransmitFailureIsBestEffort(t *testing.T) {
	r := newRig(t)
	r.tx.fail = true
	ctx := context.Background()

	st := r.loop.Tick(ctx, t0)
	if !strings.Contains(st.Network, "realtime failed") || !strings.Contains(st.Network, "db_log (periodic) failed") {
		t.Fatalf("network status: %q", st.Network)
	}
	recs, _ := r.history.Range(ctx, t0, t0.Add(time.Second))
	if len(recs) != 1 || recs[0].Delivered {
		t.Fatalf("expected undelivered history record, got %+v", recs)
	}

	r.tx.fail = false
	r.loop.Tick(ctx, t0.Add(5*time.Second))
	if n := r.tx.count(reporter.DBLog); n != 1 {
		t.Errorf("failed periodic report still advances the clock, got %d db-log attempts", n)
	}
}

func TestDoseReportedWhileBreakerOpen(t *testing.T) {
	var mu sync.Mutex
	down := true
	var seen []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, req.URL.Path)
		if down {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	r := newRig(t)
	s := settings.Default()
	s.Server.URL = srv.URL
	s.Device.SerialNumber = "CP-001"
	r.loop.Transmitter = reporter.NewHTTPTransmitter(&s)
	r.loop.Camera = nil
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		r.loop.Tick(ctx, t0.Add(time.Duration(i)*5*time.Second))
	}
	mu.Lock()
	down = false
	seen = nil
	mu.Unlock()

	r.src.raw = water(5.8, 1.2, 20, 10)
	st := r.loop.Tick(ctx, t0.Add(15*time.Second))
	if st.DoserState != doser.Dosing {
		t.Fatalf("expected pump to fire, got %s", st.DoserState)
	}
	if !strings.Contains(st.Network, "actuator log ok") || !strings.Contains(st.Network, "realtime failed") {
		t.Fatalf("network status: %q", st.Network)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(seen) == 0 || seen[0] != "/api/actuators/log" {
		t.Fatalf("actuator log should reach the backend, got %v", seen)
	}
	events, err := r.doser.Journal().List(0)
	if err != nil || len(events) != 1 || !events[0].Delivered {
		t.Fatalf("dose event should be delivered, got %+v %v", events, err)
	}
}

func TestRunHoldsCadence(t *testing.T) {
	r := newRig(t)
	clock := []time.Time{t0, t0.Add(2 * time.Second), t0.Add(2 * time.Second), t0.Add(9 * time.Second)}
	r.loop.now = func() time.Time {
		now := clock[0]
		if len(clock) > 1 {
			clock = clock[1:]
		}
		return now
	}
	var sleeps []time.Duration
	r.loop.sleep = func(_ context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		if len(sleeps) == 2 {
			return context.Canceled
		}
		return nil
	}

	if err := r.loop.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(sleeps) != 2 || sleeps[0] != 3*time.Second || sleeps[1] != 0 {
		t.Fatalf("expected sleeps [3s 0s], got %v", sleeps)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	r := newRig(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := r.loop.Run(ctx); err != nil {
		t.Fatal(err)
	}
	if r.tx.count(reporter.Realtime) != 0 {
		t.Error("no tick should run after cancel")
	}
}

func TestSleepFor(t *testing.T) {
	tests := []struct {
		elapsed time.Duration
		want    time.Duration
	}{
		{0, 5 * time.Second},
		{2 * time.Second, 3 * time.Second},
		{5 * time.Second, 0},
		{8 * time.Second, 0},
	}
	for _, tt := range tests {
		if got := SleepFor(5*time.Second, tt.elapsed); got != tt.want {
			t.Errorf("SleepFor(5s, %v) = %v, want %v", tt.elapsed, got, tt.want)
		}
	}
}

func TestStatusRender(t *testing.T) {
	r := newRig(t)
	r.src.raw = water(5.8, 1.2, 20, 10)
	st := r.loop.Tick(context.Background(), t0)

	line := st.Render(t0.Add(4 * time.Minute))
	for _, want := range []string{"[WARNING 75]", "pH 5.80", "last dose 4 minutes ago", "LED"} {
		if !strings.Contains(line, want) {
			t.Errorf("render missing %q: %s", want, line)
		}
	}
}
