package app

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/shellyd/internal/config"
	"github.com/dokzlo13/shellyd/internal/cycle"
	"github.com/dokzlo13/shellyd/internal/ledger"
)

// CycleService runs control cycles and the ledger retention job.
type CycleService struct {
	cfg    *config.Config
	Runner *cycle.Runner
	ledger *ledger.Ledger
}

// NewCycleService creates a new CycleService. l may be nil when the ledger is disabled.
func NewCycleService(cfg *config.Config, handler cycle.Handler, l *ledger.Ledger) *CycleService {
	return &CycleService{
		cfg:    cfg,
		Runner: cycle.New(handler, cfg.Cycle.Interval.Duration(), cfg.Cycle.Timeout.Duration()),
		ledger: l,
	}
}

// Start schedules cycles and, if the ledger is enabled, its cleanup.
func (s *CycleService) Start(ctx context.Context) {
	if s.ledger != nil {
		s.Runner.Every(ctx, "ledger_cleanup", s.cfg.Ledger.CleanupInterval.Duration(), s.cleanupLedger)
	}
	s.Runner.Start(ctx)
}

// Stop waits for a running cycle to finish.
func (s *CycleService) Stop() {
	s.Runner.Stop()
}

func (s *CycleService) cleanupLedger(ctx context.Context) {
	retention := s.cfg.Ledger.Retention()
	deleted, err := s.ledger.DeleteOlderThan(retention)
	if err != nil {
		log.Error().Err(err).Msg("Failed to cleanup old ledger entries")
	} else if deleted > 0 {
		log.Info().Int64("deleted", deleted).Dur("retention", retention).Msg("Cleaned up old ledger entries")
	}
}
