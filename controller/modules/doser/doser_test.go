package doser

import (
	"bytes"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/codeponics/codeponics-pi/controller/settings"
	"github.com/codeponics/codeponics-pi/controller/storage"
)

type fakePump struct {
	writes  []bool
	failOn  int // 1-based write index that fails, 0 never
	failAll bool
}

func (p *fakePump) Write(state bool) error {
	p.writes = append(p.writes, state)
	if p.failAll || (p.failOn > 0 && len(p.writes) == p.failOn) {
		return errors.New("gpio busy")
	}
	return nil
}

func (p *fakePump) last() bool {
	return len(p.writes) > 0 && p.writes[len(p.writes)-1]
}

func newStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.NewStore(filepath.Join(t.TempDir(), "doser.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newDoser(t *testing.T, pump *fakePump, store storage.ObjectStore) (*Controller, *[]time.Duration) {
	t.Helper()
	s := settings.Default()
	c, err := New(&s, pump, store)
	if err != nil {
		t.Fatal(err)
	}
	var slept []time.Duration
	c.SetSleep(func(d time.Duration) { slept = append(slept, d) })
	return c, &slept
}

func ptr(v float64) *float64 { return &v }

var t0 = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

func TestReactiveDoseIgnoresPrediction(t *testing.T) {
	for _, pred := range []*float64{nil, ptr(8.0), ptr(5.0)} {
		pump := &fakePump{}
		c, slept := newDoser(t, pump, newStore(t))
		d := c.Step(t0, Input{PH: 6.2, PredictedPH: pred})
		if d.State != Dosing || d.Event == nil {
			t.Fatalf("pred %v: expected a dose, got %+v", pred, d)
		}
		if !strings.HasPrefix(d.Event.Reason, "pH 하한선 이탈") {
			t.Fatalf("reason: %q", d.Event.Reason)
		}
		if d.Event.Reason != "pH 하한선 이탈 (현재 6.20 < 최소 6.50)" {
			t.Fatalf("reason: %q", d.Event.Reason)
		}
		if len(pump.writes) != 2 || !pump.writes[0] || pump.writes[1] {
			t.Fatalf("expected high then low, got %v", pump.writes)
		}
		if len(*slept) != 1 || (*slept)[0] != 3*time.Second {
			t.Fatalf("pulse: %v", *slept)
		}
		ev := d.Event
		if ev.Actuator != "ph_pump" || ev.Action != "PH_UP" || ev.Duration != 3 || ev.ID == "" {
			t.Fatalf("event: %+v", ev)
		}
		if ev.Thresholds.Min != 6.5 || ev.Thresholds.Max != 7.3 || ev.Thresholds.Target != 7.0 {
			t.Fatalf("thresholds: %+v", ev.Thresholds)
		}
		if !c.LastDose().Equal(t0) {
			t.Fatalf("last dose: %v", c.LastDose())
		}
	}
}

func TestNoDoseDuringCooldown(t *testing.T) {
	pump := &fakePump{}
	c, _ := newDoser(t, pump, newStore(t))
	if d := c.Step(t0, Input{PH: 5.0}); d.State != Dosing {
		t.Fatalf("first dose should fire, got %+v", d)
	}
	for _, dt := range []time.Duration{time.Second, 2 * time.Minute, 299 * time.Second} {
		d := c.Step(t0.Add(dt), Input{PH: 4.0, PredictedPH: ptr(3.0)})
		if d.State != Cooldown || d.Event != nil {
			t.Fatalf("+%v: expected cooldown, got %+v", dt, d)
		}
		if d.Remaining != 300*time.Second-dt {
			t.Fatalf("+%v: remaining %v", dt, d.Remaining)
		}
	}
	if len(pump.writes) != 2 {
		t.Fatalf("pump touched during cooldown: %v", pump.writes)
	}
	if d := c.Step(t0.Add(300*time.Second), Input{PH: 5.0}); d.State != Dosing {
		t.Fatalf("cooldown elapsed, expected a dose, got %+v", d)
	}
}

func TestProactiveDose(t *testing.T) {
	tests := []struct {
		name string
		ph   float64
		pred *float64
		want State
	}{
		{"dip predicted near target", 7.15, ptr(6.8), Dosing},
		{"already well above target", 7.3, ptr(6.8), Idle},
		{"no prediction", 7.15, nil, Idle},
		{"prediction above target", 7.0, ptr(7.1), Idle},
		{"at target plus margin", 7.2, ptr(6.9), Dosing},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c, _ := newDoser(t, &fakePump{}, newStore(t))
			d := c.Step(t0, Input{PH: tc.ph, PredictedPH: tc.pred})
			if d.State != tc.want {
				t.Fatalf("got %s (%s), want %s", d.State, d.Message, tc.want)
			}
			if d.State == Dosing {
				if d.Event.Trigger != Proactive || !strings.HasPrefix(d.Event.Reason, "AI 선제 대응") {
					t.Fatalf("event: %+v", d.Event)
				}
			}
		})
	}
}

func TestHighPHOnlyWarns(t *testing.T) {
	pump := &fakePump{}
	c, _ := newDoser(t, pump, newStore(t))
	d := c.Step(t0, Input{PH: 7.8})
	if d.State != Idle || d.Event != nil || len(pump.writes) != 0 {
		t.Fatalf("expected no action, got %+v %v", d, pump.writes)
	}
	if !strings.Contains(d.Message, "pH high") {
		t.Fatalf("message: %q", d.Message)
	}
}

func TestPulseFailureForcesLowAndKeepsEligibility(t *testing.T) {
	tests := []struct {
		name   string
		failOn int
	}{
		{"energize fails", 1},
		{"de-energize fails", 2},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			pump := &fakePump{failOn: tc.failOn}
			c, _ := newDoser(t, pump, newStore(t))
			d := c.Step(t0, Input{PH: 6.0})
			if d.Err == nil || d.Event != nil {
				t.Fatalf("expected failure, got %+v", d)
			}
			if pump.last() {
				t.Fatalf("line left high: %v", pump.writes)
			}
			if !c.LastDose().IsZero() {
				t.Fatal("failed dose must not start the cooldown")
			}
			if d := c.Step(t0.Add(5*time.Second), Input{PH: 6.0}); d.State != Dosing {
				t.Fatalf("retry should be eligible, got %+v", d)
			}
		})
		t.Run(tc.name+" keeps manual request", func(t *testing.T) {
			pump := &fakePump{failOn: tc.failOn}
			c, _ := newDoser(t, pump, newStore(t))
			if _, err := c.Queue().Add("api", t0); err != nil {
				t.Fatal(err)
			}
			if d := c.Step(t0, Input{PH: 7.0}); d.Err == nil {
				t.Fatalf("expected failure, got %+v", d)
			}
			if reqs, _ := c.Queue().List(); len(reqs) != 1 {
				t.Fatalf("failed dose must keep the request, got %v", reqs)
			}
			d := c.Step(t0.Add(5*time.Second), Input{PH: 7.0})
			if d.State != Dosing || d.Event.Trigger != Manual {
				t.Fatalf("manual retry should fire, got %+v", d)
			}
			if reqs, _ := c.Queue().List(); len(reqs) != 0 {
				t.Fatalf("served request should be removed, got %v", reqs)
			}
		})
	}
}

func TestManualDose(t *testing.T) {
	store := newStore(t)
	c, _ := newDoser(t, &fakePump{}, store)

	if _, err := c.Queue().Add("api", t0); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Queue().Add("api", t0); !errors.Is(err, ErrAlreadyQueued) {
		t.Fatalf("expected ErrAlreadyQueued, got %v", err)
	}

	d := c.Step(t0, Input{PH: 7.0})
	if d.State != Dosing || d.Event.Trigger != Manual || d.Event.Reason != "수동 투입" {
		t.Fatalf("expected manual dose, got %+v", d)
	}

	// queued during cooldown: kept until the pump is idle again
	if _, err := c.Queue().Add("api", t0.Add(time.Minute)); err != nil {
		t.Fatal(err)
	}
	if d := c.Step(t0.Add(time.Minute), Input{PH: 7.0}); d.State != Cooldown {
		t.Fatalf("expected cooldown, got %+v", d)
	}
	if reqs, _ := c.Queue().List(); len(reqs) != 1 {
		t.Fatalf("request should still be queued, got %v", reqs)
	}
	if d := c.Step(t0.Add(6*time.Minute), Input{PH: 7.0}); d.State != Dosing || d.Event.Trigger != Manual {
		t.Fatalf("expected manual dose after cooldown, got %+v", d)
	}
}

func TestReactiveDoseSatisfiesPendingManual(t *testing.T) {
	c, _ := newDoser(t, &fakePump{}, newStore(t))
	if _, err := c.Queue().Add("api", t0); err != nil {
		t.Fatal(err)
	}
	d := c.Step(t0, Input{PH: 6.0})
	if d.Event == nil || d.Event.Trigger != Reactive {
		t.Fatalf("reactive must win, got %+v", d)
	}
	if reqs, _ := c.Queue().List(); len(reqs) != 0 {
		t.Fatalf("pending request should be dropped, got %v", reqs)
	}
}

func TestCooldownSurvivesRestart(t *testing.T) {
	store := newStore(t)
	c, _ := newDoser(t, &fakePump{}, store)
	if d := c.Step(t0, Input{PH: 6.0}); d.State != Dosing {
		t.Fatal("expected a dose")
	}

	pump := &fakePump{}
	restarted, _ := newDoser(t, pump, store)
	if err := restarted.Setup(); err != nil {
		t.Fatal(err)
	}
	if len(pump.writes) != 1 || pump.writes[0] {
		t.Fatalf("setup should drive the pump low, got %v", pump.writes)
	}
	if d := restarted.Step(t0.Add(time.Minute), Input{PH: 6.0}); d.State != Cooldown {
		t.Fatalf("restart must not bypass the cooldown, got %+v", d)
	}
}

func TestCooldownAfterClockWentBack(t *testing.T) {
	store := newStore(t)
	c, _ := newDoser(t, &fakePump{}, store)
	// last dose stamped an hour ahead of the rebooted clock
	if d := c.Step(t0.Add(time.Hour), Input{PH: 6.0}); d.State != Dosing {
		t.Fatal("expected a dose")
	}

	restarted, _ := newDoser(t, &fakePump{}, store)
	if err := restarted.Setup(); err != nil {
		t.Fatal(err)
	}
	state, remaining := restarted.StateAt(t0)
	if state != Cooldown || remaining != 5*time.Minute {
		t.Fatalf("lockout should be capped at one cooldown, got %s %v", state, remaining)
	}
	if d := restarted.Step(t0, Input{PH: 6.0}); d.State != Cooldown {
		t.Fatalf("expected cooldown, got %+v", d)
	}
	d := restarted.Step(t0.Add(10*time.Minute), Input{PH: 5.0})
	if d.State != Dosing || d.Event.Trigger != Reactive {
		t.Fatalf("reactive dose should fire after one cooldown, got %+v", d)
	}
}

func TestJournal(t *testing.T) {
	c, _ := newDoser(t, &fakePump{}, newStore(t))
	for i := 0; i < 3; i++ {
		c.Step(t0.Add(time.Duration(i)*10*time.Minute), Input{PH: 6.0})
	}
	events, err := c.Journal().List(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 3 || !events[0].Time.After(events[2].Time) {
		t.Fatalf("expected 3 events newest first, got %+v", events)
	}
	if err := c.Journal().MarkDelivered(events[0].Key); err != nil {
		t.Fatal(err)
	}
	n, err := c.Journal().Compact(1)
	if err != nil || n != 2 {
		t.Fatalf("compact: %d %v", n, err)
	}
	events, _ = c.Journal().List(0)
	if len(events) != 1 || !events[0].Delivered {
		t.Fatalf("after compact: %+v", events)
	}
}

func TestAPI(t *testing.T) {
	c, _ := newDoser(t, &fakePump{}, newStore(t))
	r := mux.NewRouter()
	c.LoadAPI(r)

	do := func(method, path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
		return rec
	}

	if rec := do("POST", "/api/doser/dose"); rec.Code != http.StatusAccepted {
		t.Fatalf("enqueue: %d %s", rec.Code, rec.Body)
	}
	if rec := do("POST", "/api/doser/dose"); rec.Code != http.StatusConflict {
		t.Fatalf("duplicate enqueue: %d", rec.Code)
	}

	rec := do("GET", "/api/doser/queue")
	var reqs []Request
	if err := json.NewDecoder(rec.Body).Decode(&reqs); err != nil || len(reqs) != 1 {
		t.Fatalf("queue: %v %v", reqs, err)
	}
	if rec := do("DELETE", "/api/doser/queue/"+reqs[0].ID); rec.Code != http.StatusNoContent {
		t.Fatalf("cancel: %d", rec.Code)
	}
	if rec := do("DELETE", "/api/doser/queue/"+reqs[0].ID); rec.Code != http.StatusNotFound {
		t.Fatalf("second cancel: %d", rec.Code)
	}

	c.Step(t0, Input{PH: 6.0})
	rec = do("GET", "/api/doser/events?limit=5")
	var events []Event
	if err := json.NewDecoder(rec.Body).Decode(&events); err != nil || len(events) != 1 {
		t.Fatalf("events: %v %v", events, err)
	}
	if rec := do("GET", "/api/doser/events?limit=x"); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad limit: %d", rec.Code)
	}

	rec = do("GET", "/api/doser/state")
	var st struct {
		State State `json:"state"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&st); err != nil {
		t.Fatal(err)
	}
	if st.State != Idle && st.State != Cooldown {
		t.Fatalf("state: %q", st.State)
	}
}

func TestWriteJSONLogsEncodeFailure(t *testing.T) {
	var buf bytes.Buffer
	prev := log.Logger
	log.Logger = zerolog.New(&buf)
	defer func() { log.Logger = prev }()

	rec := httptest.NewRecorder()
	writeJSON(rec, map[string]float64{"ph": math.NaN()})
	if !strings.Contains(buf.String(), "encode response") {
		t.Fatalf("encode failure should be logged, got %q", buf.String())
	}
}
