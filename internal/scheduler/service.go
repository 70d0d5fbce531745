package scheduler

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"agentq/internal/queue"
)

// Maintainer is the part of the queue manager the maintenance jobs drive.
type Maintainer interface {
	Cleanup() queue.CleanupReport
	ReapTimedOut() int
}

// Service runs queue maintenance on cron schedules: waitlist expiry and
// history pruning, and reaping of executions past their timeout.
type Service struct {
	q    Maintainer
	cron *cron.Cron
}

func NewService(q Maintainer, cleanupSpec, reapSpec string) (*Service, error) {
	s := &Service{q: q, cron: cron.New()}
	if _, err := s.cron.AddFunc(cleanupSpec, s.runCleanup); err != nil {
		return nil, fmt.Errorf("cleanup schedule %q: %w", cleanupSpec, err)
	}
	if _, err := s.cron.AddFunc(reapSpec, s.runReap); err != nil {
		return nil, fmt.Errorf("reap schedule %q: %w", reapSpec, err)
	}
	return s, nil
}

// Start runs the jobs until ctx is done, then waits for a running job to finish.
func (s *Service) Start(ctx context.Context) {
	s.cron.Start()
	for _, e := range s.cron.Entries() {
		log.Info().Time("next_run", e.Next).Msg("maintenance job scheduled")
	}
	<-ctx.Done()
	<-s.cron.Stop().Done()
	log.Info().Msg("maintenance service stopped")
}

func (s *Service) runCleanup() {
	rep := s.q.Cleanup()
	if rep.Expired > 0 || rep.HistoryPruned > 0 {
		log.Info().Int("expired", rep.Expired).Int("history_pruned", rep.HistoryPruned).Msg("queue cleanup")
	}
}

func (s *Service) runReap() {
	if n := s.q.ReapTimedOut(); n > 0 {
		log.Warn().Int("reaped", n).Msg("timed out executions failed")
	}
}

// ValidateCronExpression validates a cron expression
func ValidateCronExpression(expr string) error {
	_, err := cron.ParseStandard(expr)
	return err
}
