package services

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/SAP-F-2025/exam-session-service/internal/models"
	"github.com/SAP-F-2025/exam-session-service/internal/repositories"
)

// graceSweepThreshold is deliberately much wider than the live grace window:
// it only has to catch grace timers lost to a process restart, which the
// in-memory coordinator would otherwise have fired long ago.
const graceSweepThreshold = time.Hour

type cleanupService struct {
	repo         repositories.Repository
	logger       *slog.Logger
	grading      GradingService
	interval     time.Duration
	abandonAfter time.Duration

	stopOnce sync.Once
	stop     chan struct{}
}

func NewCleanupService(repo repositories.Repository, logger *slog.Logger, grading GradingService, interval, abandonAfter time.Duration) CleanupService {
	if interval <= 0 {
		interval = time.Hour
	}
	if abandonAfter <= 0 {
		abandonAfter = 24 * time.Hour
	}
	return &cleanupService{
		repo:         repo,
		logger:       logger,
		grading:      grading,
		interval:     interval,
		abandonAfter: abandonAfter,
		stop:         make(chan struct{}),
	}
}

// Start runs the sweep on a fixed interval until Stop or context cancel.
func (s *cleanupService) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if report, err := s.Run(ctx); err != nil {
					s.logger.Error("Cleanup sweep failed", "error", err)
				} else if report.StaleAbandoned+report.GraceAbandoned+report.ExpiredByBudget > 0 {
					s.logger.Info("Cleanup sweep reconciled sessions",
						"stale_abandoned", report.StaleAbandoned,
						"grace_abandoned", report.GraceAbandoned,
						"expired", report.ExpiredByBudget,
						"errors", report.Errors)
				}
			case <-s.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (s *cleanupService) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// Run performs the three idempotent reconciliations. It is the authoritative
// backstop for in-memory timer state lost to a crash or restart.
func (s *cleanupService) Run(ctx context.Context) (*SweepReport, error) {
	start := time.Now()
	report := &SweepReport{}

	s.sweepStalePaused(ctx, report, start)
	s.sweepLapsedGrace(ctx, report, start)
	s.sweepExpiredBudgets(ctx, report, start)

	report.DurationMS = time.Since(start).Milliseconds()
	return report, nil
}

// sweepStalePaused abandons paused sessions disconnected longer than the
// abandon window (default 24h).
func (s *cleanupService) sweepStalePaused(ctx context.Context, report *SweepReport, now time.Time) {
	sessions, err := s.repo.Session().GetPausedDisconnectedBefore(ctx, now.Add(-s.abandonAfter))
	if err != nil {
		s.logger.Error("Stale-paused query failed", "error", err)
		report.Errors++
		return
	}
	report.SessionsExamined += len(sessions)

	for _, session := range sessions {
		if s.abandonSession(ctx, session, "stale disconnect") {
			report.StaleAbandoned++
		} else {
			report.Errors++
		}
	}
}

// sweepLapsedGrace abandons paused sessions whose grace timer should have
// fired but was lost with its process.
func (s *cleanupService) sweepLapsedGrace(ctx context.Context, report *SweepReport, now time.Time) {
	sessions, err := s.repo.Session().GetPausedPastGrace(ctx, now.Add(-graceSweepThreshold))
	if err != nil {
		s.logger.Error("Lapsed-grace query failed", "error", err)
		report.Errors++
		return
	}
	report.SessionsExamined += len(sessions)

	for _, session := range sessions {
		if s.abandonSession(ctx, session, "lost grace timer") {
			report.GraceAbandoned++
		} else {
			report.Errors++
		}
	}
}

// sweepExpiredBudgets expires any in-progress session whose computed
// remaining time is spent.
func (s *cleanupService) sweepExpiredBudgets(ctx context.Context, report *SweepReport, now time.Time) {
	sessions, err := s.repo.Session().GetInProgress(ctx)
	if err != nil {
		s.logger.Error("In-progress query failed", "error", err)
		report.Errors++
		return
	}
	report.SessionsExamined += len(sessions)

	for _, session := range sessions {
		if sessionRemaining(session, now) > 0 {
			continue
		}
		s.logger.Info("Sweeper expiring session past its budget", "session_id", session.ID)
		if _, err := s.grading.Finalize(ctx, session.ID, models.SessionExpired, models.EndReasonTimeout); err != nil {
			if IsConflict(err) {
				continue // someone else finalized between query and here
			}
			// Grading failed; the session must still not stay in progress
			// forever past its limit.
			s.logger.Error("Finalize failed, marking expired directly", "session_id", session.ID, "error", err)
			if updErr := s.repo.Session().UpdateStatus(ctx, session.ID, models.SessionExpired, strPtr(models.EndReasonTimeout)); updErr != nil {
				s.logger.Error("Direct expire failed", "session_id", session.ID, "error", updErr)
				report.Errors++
				continue
			}
		}
		report.ExpiredByBudget++
	}
}

func (s *cleanupService) abandonSession(ctx context.Context, session *models.ExamSession, reason string) bool {
	s.logger.Info("Sweeper abandoning session",
		"session_id", session.ID,
		"reason", reason,
		"disconnected_at", session.DisconnectedAt)

	if _, err := s.grading.Finalize(ctx, session.ID, models.SessionAbandoned, models.EndReasonAbandoned); err != nil {
		if IsConflict(err) {
			return true // already terminal, nothing to reconcile
		}
		s.logger.Error("Failed to abandon session", "session_id", session.ID, "error", err)
		return false
	}
	return true
}
