package controller

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/codeponics/codeponics-pi/controller/modules/doser"
	"github.com/codeponics/codeponics-pi/controller/modules/history"
)

// Number of dose events the journal keeps after compaction.
const journalKeep = 1000

// Maintenance prunes local history past the retention window and compacts the
// dose journal on a cron schedule.
type Maintenance struct {
	cron      *cron.Cron
	history   history.Repository
	journal   *doser.Journal
	retention time.Duration
	keep      int
	now       func() time.Time
}

func NewMaintenance(repo history.Repository, journal *doser.Journal, retention time.Duration) *Maintenance {
	return &Maintenance{
		cron:      cron.New(),
		history:   repo,
		journal:   journal,
		retention: retention,
		keep:      journalKeep,
		now:       time.Now,
	}
}

// Run performs one maintenance pass.
func (m *Maintenance) Run(ctx context.Context) (pruned int64, compacted int) {
	if m.history != nil && m.retention > 0 {
		n, err := m.history.DeleteBefore(ctx, m.now().Add(-m.retention))
		if err != nil {
			log.Error().Err(err).Msg("maintenance: prune history")
		}
		pruned = n
	}
	if m.journal != nil {
		n, err := m.journal.Compact(m.keep)
		if err != nil {
			log.Error().Err(err).Msg("maintenance: compact dose journal")
		}
		compacted = n
	}
	log.Info().Int64("history_pruned", pruned).Int("events_removed", compacted).Msg("maintenance done")
	return pruned, compacted
}

// Start schedules Run with a cron spec such as "@daily".
func (m *Maintenance) Start(spec string) error {
	if _, err := m.cron.AddFunc(spec, func() { m.Run(context.Background()) }); err != nil {
		return err
	}
	m.cron.Start()
	return nil
}

// Stop waits for a running pass to finish.
func (m *Maintenance) Stop() {
	<-m.cron.Stop().Done()
}
