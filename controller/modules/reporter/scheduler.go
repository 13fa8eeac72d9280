package reporter

import (
	"errors"
	"sync"
	"time"

	"github.com/codeponics/codeponics-pi/controller/modules/analyzer"
	"github.com/codeponics/codeponics-pi/controller/settings"
	"github.com/codeponics/codeponics-pi/controller/storage"
)

const (
	scheduleBucket = "schedule"
	scheduleKey    = "state"
)

// ScheduleState holds the last time each timed tier fired. Zero means never,
// so every tier is due on the first tick.
type ScheduleState struct {
	LastDBLog    time.Time `json:"last_db_log"`
	LastMonitor  time.Time `json:"last_monitor"`
	LastAnalysis time.Time `json:"last_analysis"`
}

// DBLogReason says why a db-log report is due.
type DBLogReason string

const (
	DBLogNone      DBLogReason = ""
	DBLogPeriodic  DBLogReason = "periodic"
	DBLogEmergency DBLogReason = "emergency"
)

// Scheduler decides which report and capture tiers fire on a tick. Only the
// control loop mutates it.
type Scheduler struct {
	dbLog    time.Duration
	monitor  time.Duration
	analysis time.Duration
	store    storage.ObjectStore

	mu    sync.Mutex
	state ScheduleState
}

// NewScheduler builds a scheduler; store may be nil to keep state in memory only.
func NewScheduler(iv settings.Interval, store storage.ObjectStore) (*Scheduler, error) {
	if store != nil {
		if err := store.CreateBucket(scheduleBucket); err != nil {
			return nil, err
		}
	}
	return &Scheduler{
		dbLog:    iv.DBLog(),
		monitor:  iv.Monitor(),
		analysis: iv.Analysis(),
		store:    store,
	}, nil
}

// Setup restores the persisted timestamps.
func (s *Scheduler) Setup() error {
	if s.store == nil {
		return nil
	}
	var st ScheduleState
	err := s.store.Get(scheduleBucket, scheduleKey, &st)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	return nil
}

func (s *Scheduler) State() ScheduleState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// CameraDue returns the capture tier due at now, analysis first. ok is false
// when neither tier is due.
func (s *Scheduler) CameraDue(now time.Time) (typ PhotoType, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settle(now)
	if now.Sub(s.state.LastAnalysis) >= s.analysis {
		return PhotoAnalysis, true
	}
	if now.Sub(s.state.LastMonitor) >= s.monitor {
		return PhotoMonitor, true
	}
	return "", false
}

// CaptureDone records a capture attempt. Failures leave the timestamps alone
// so the tier is retried on the next eligible tick. An analysis capture also
// counts as the monitor capture.
func (s *Scheduler) CaptureDone(typ PhotoType, now time.Time, ok bool) error {
	if !ok {
		return nil
	}
	s.mu.Lock()
	switch typ {
	case PhotoAnalysis:
		s.state.LastAnalysis = now
		s.state.LastMonitor = now
	case PhotoMonitor:
		s.state.LastMonitor = now
	}
	s.mu.Unlock()
	return s.persist()
}

// DBLogDue reports whether a db-log report fires at now for status.
// The timer takes precedence in naming the reason; WARNING and DANGER bypass it.
func (s *Scheduler) DBLogDue(now time.Time, status analyzer.Status) DBLogReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settle(now)
	if now.Sub(s.state.LastDBLog) >= s.dbLog {
		return DBLogPeriodic
	}
	if status.Urgent() {
		return DBLogEmergency
	}
	return DBLogNone
}

// DBLogDone records a db-log attempt. Any success restarts the periodic clock.
// A failed periodic report restarts it too (best-effort delivery); a failed
// emergency report does not.
func (s *Scheduler) DBLogDone(reason DBLogReason, now time.Time, ok bool) error {
	if reason == DBLogNone || (!ok && reason == DBLogEmergency) {
		return nil
	}
	s.mu.Lock()
	s.state.LastDBLog = now
	s.mu.Unlock()
	return s.persist()
}

// settle pulls timestamps that lie ahead of now back to now. The clock of a
// board without RTC can start behind the persisted state; waiting at most one
// interval beats waiting out the skew.
func (s *Scheduler) settle(now time.Time) {
	for _, t := range []*time.Time{&s.state.LastDBLog, &s.state.LastMonitor, &s.state.LastAnalysis} {
		if t.After(now) {
			*t = now
		}
	}
}

func (s *Scheduler) persist() error {
	if s.store == nil {
		return nil
	}
	return s.store.Update(scheduleBucket, scheduleKey, s.State())
}
