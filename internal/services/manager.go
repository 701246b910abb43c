package services

import (
	"context"
	"log/slog"
	"time"

	"github.com/SAP-F-2025/exam-session-service/internal/cache"
	"github.com/SAP-F-2025/exam-session-service/internal/config"
	"github.com/SAP-F-2025/exam-session-service/internal/events"
	"github.com/SAP-F-2025/exam-session-service/internal/models"
	"github.com/SAP-F-2025/exam-session-service/internal/repositories"
	"github.com/SAP-F-2025/exam-session-service/internal/sandbox"
	"github.com/SAP-F-2025/exam-session-service/internal/timer"
	"github.com/SAP-F-2025/exam-session-service/internal/utils"
)

// callbackTimeout bounds the DB work a timer-driven goroutine may do.
const callbackTimeout = 30 * time.Second

type ManagerDeps struct {
	Repo      repositories.Repository
	Logger    *slog.Logger
	Validator *utils.Validator
	Executor  sandbox.Executor
	Publisher events.EventPublisher
	Cache     cache.CacheService
	Notifier  RealtimeNotifier
	Config    *config.Config
}

type serviceManager struct {
	repo   repositories.Repository
	logger *slog.Logger
	timers *timer.Coordinator

	session   SessionService
	navigator NavigatorService
	grading   GradingService
	cleanup   CleanupService
	export    ExportService
}

// NewServiceManager wires the services together with the timer coordinator.
// Timer callbacks hand off to goroutines immediately; they never do I/O on
// the timer tick itself.
func NewServiceManager(deps ManagerDeps) (ServiceManager, *timer.Coordinator) {
	m := &serviceManager{
		repo:   deps.Repo,
		logger: deps.Logger,
	}

	m.timers = timer.NewCoordinator(timer.Callbacks{
		OnExpire: func(sessionID uint) {
			go m.handleExpire(sessionID)
		},
		OnWarning: func(sessionID uint, remaining time.Duration) {
			go m.withTimeout(func(ctx context.Context) {
				m.session.HandleTimeWarning(ctx, sessionID, remaining)
			})
		},
		OnSync: func(sessionID uint, remaining time.Duration) {
			go m.withTimeout(func(ctx context.Context) {
				m.session.HandleTimeSync(ctx, sessionID, remaining)
			})
		},
		OnGrace: func(sessionID uint, graceID string) {
			go m.withTimeout(func(ctx context.Context) {
				m.session.HandleGraceExpiry(ctx, sessionID, graceID)
			})
		},
	}, deps.Config.TimerSyncInterval, deps.Logger)

	m.grading = NewGradingService(deps.Repo, deps.Logger, deps.Validator,
		deps.Executor, m.timers, deps.Publisher, deps.Cache)

	m.session = NewSessionService(SessionServiceDeps{
		Repo:        deps.Repo,
		Logger:      deps.Logger,
		Validator:   deps.Validator,
		Builder:     NewSnapshotBuilder(deps.Logger),
		Timers:      m.timers,
		Publisher:   deps.Publisher,
		Cache:       deps.Cache,
		Notifier:    deps.Notifier,
		Grading:     m.grading,
		GracePeriod: deps.Config.GracePeriod,
	})

	m.navigator = NewNavigatorService(deps.Repo, deps.Logger, deps.Validator)
	m.cleanup = NewCleanupService(deps.Repo, deps.Logger, m.grading,
		deps.Config.SweepInterval, deps.Config.AbandonAfter)
	m.export = NewExportService(deps.Repo, deps.Logger)

	return m, m.timers
}

func (m *serviceManager) Session() SessionService     { return m.session }
func (m *serviceManager) Navigator() NavigatorService { return m.navigator }
func (m *serviceManager) Grading() GradingService     { return m.grading }
func (m *serviceManager) Cleanup() CleanupService     { return m.cleanup }
func (m *serviceManager) Export() ExportService       { return m.export }

// RestoreTimers re-arms in-memory timers for in-progress sessions after a
// restart. Sessions already past their budget are finalized on the spot.
func (m *serviceManager) RestoreTimers(ctx context.Context) error {
	sessions, err := m.repo.Session().GetInProgress(ctx)
	if err != nil {
		return err
	}

	restored := 0
	for _, session := range sessions {
		remaining := sessionRemaining(session, time.Now())
		if remaining <= 0 {
			go m.handleExpire(session.ID)
			continue
		}
		m.timers.Start(session.ID, remaining)
		restored++
	}

	m.logger.Info("Session timers restored", "restored", restored, "examined", len(sessions))
	return nil
}

// handleExpire is the auto-submit path for a spent budget. If grading fails
// the session is marked expired directly so it can never stay in progress
// past its limit.
func (m *serviceManager) handleExpire(sessionID uint) {
	ctx, cancel := context.WithTimeout(context.Background(), callbackTimeout)
	defer cancel()

	if _, err := m.grading.Finalize(ctx, sessionID, models.SessionExpired, models.EndReasonTimeout); err != nil {
		if IsConflict(err) {
			return
		}
		m.logger.Error("Auto-submit on expiry failed, marking expired directly",
			"session_id", sessionID, "error", err)
		reason := models.EndReasonTimeout
		if updErr := m.repo.Session().UpdateStatus(ctx, sessionID, models.SessionExpired, &reason); updErr != nil {
			m.logger.Error("Direct expire failed", "session_id", sessionID, "error", updErr)
		}
		m.timers.Cancel(sessionID)
	}
}

func (m *serviceManager) withTimeout(fn func(ctx context.Context)) {
	ctx, cancel := context.WithTimeout(context.Background(), callbackTimeout)
	defer cancel()
	fn(ctx)
}
