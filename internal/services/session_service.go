package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/SAP-F-2025/exam-session-service/internal/cache"
	"github.com/SAP-F-2025/exam-session-service/internal/events"
	"github.com/SAP-F-2025/exam-session-service/internal/models"
	"github.com/SAP-F-2025/exam-session-service/internal/repositories"
	"github.com/SAP-F-2025/exam-session-service/internal/timer"
	"github.com/SAP-F-2025/exam-session-service/internal/utils"
)

// RealtimeNotifier pushes events to connected clients. The engine must work
// with it entirely absent; callers fall back to time-sync polling.
type RealtimeNotifier interface {
	NotifySession(sessionID uint, event string, payload interface{})
}

type sessionService struct {
	repo        repositories.Repository
	logger      *slog.Logger
	validator   *utils.Validator
	builder     SnapshotBuilder
	timers      *timer.Coordinator
	publisher   events.EventPublisher
	cache       cache.CacheService
	notifier    RealtimeNotifier
	grading     GradingService
	gracePeriod time.Duration
}

type SessionServiceDeps struct {
	Repo        repositories.Repository
	Logger      *slog.Logger
	Validator   *utils.Validator
	Builder     SnapshotBuilder
	Timers      *timer.Coordinator
	Publisher   events.EventPublisher
	Cache       cache.CacheService
	Notifier    RealtimeNotifier
	Grading     GradingService
	GracePeriod time.Duration
}

func NewSessionService(deps SessionServiceDeps) SessionService {
	if deps.GracePeriod <= 0 {
		deps.GracePeriod = 5 * time.Minute
	}
	return &sessionService{
		repo:        deps.Repo,
		logger:      deps.Logger,
		validator:   deps.Validator,
		builder:     deps.Builder,
		timers:      deps.Timers,
		publisher:   deps.Publisher,
		cache:       deps.Cache,
		notifier:    deps.Notifier,
		grading:     deps.Grading,
		gracePeriod: deps.GracePeriod,
	}
}

// ===== CORE LIFECYCLE OPERATIONS =====

func (s *sessionService) Start(ctx context.Context, req *StartSessionRequest, identity *models.Identity) (*SessionResponse, error) {
	s.logger.Info("Starting exam session",
		"test_id", req.TestID,
		"user_id", identity.UserID,
		"force_new", req.ForceNew)

	if err := s.validator.Validate(req); err != nil {
		return nil, err
	}
	if identity.Role != models.RoleStudent {
		return nil, NewPermissionError(identity.UserID, req.TestID, "test", "start", "only students can take tests")
	}

	// One rejoinable session per user at a time.
	existing, _, err := s.checkRejoin(ctx, identity)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if !req.ForceNew {
			return nil, fmt.Errorf("%w: session %d on test %d", ErrSessionExists, existing.ID, existing.TestID)
		}
		if _, err := s.grading.Finalize(ctx, existing.ID, models.SessionAbandoned, models.EndReasonAbandoned); err != nil {
			return nil, fmt.Errorf("failed to abandon previous session %d: %w", existing.ID, err)
		}
	}

	test, err := s.repo.Test().GetByID(ctx, req.TestID)
	if err != nil {
		if repositories.IsNotFoundError(err) {
			return nil, ErrTestNotFound
		}
		return nil, fmt.Errorf("failed to get test: %w", err)
	}
	if err := s.checkTestAccess(test, identity); err != nil {
		return nil, err
	}

	if err := s.checkAttemptLimit(ctx, test, identity); err != nil {
		return nil, err
	}

	attemptNumber, err := s.nextAttemptNumber(ctx, identity.UserID, test.ID)
	if err != nil {
		return nil, err
	}

	snapshot, err := s.builder.Build(test, identity.UserID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	session := &models.ExamSession{
		TestID:          test.ID,
		UserID:          identity.UserID,
		OrganizationID:  identity.OrganizationID,
		AttemptNumber:   attemptNumber,
		Status:          models.SessionInProgress,
		StartedAt:       &now,
		TimerStartedAt:  &now,
		TimeRemaining:   int64(snapshot.Settings.TimeLimit) * 60 * 1000,
		IsConnected:     true,
		LastConnectedAt: &now,
		Snapshot:        snapshot,
		Version:         1,
	}
	initializeFirstSection(session, now)
	session.RecomputeProgressArrays()

	if err := s.repo.Session().Create(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	s.timers.Start(session.ID, time.Duration(session.TimeRemaining)*time.Millisecond)
	s.publishEvent(ctx, events.NewSessionStartedEvent(session))

	s.logger.Info("Exam session started",
		"session_id", session.ID,
		"test_id", test.ID,
		"user_id", identity.UserID,
		"attempt_number", attemptNumber)

	return s.toSessionResponse(session, false, false), nil
}

func (s *sessionService) Rejoin(ctx context.Context, sessionID uint, identity *models.Identity) (*SessionResponse, error) {
	session, err := s.loadOwnedSession(ctx, sessionID, identity, "rejoin")
	if err != nil {
		return nil, err
	}
	if session.IsTerminal() {
		return nil, NewStateError("session", session.ID, string(session.Status), "rejoin")
	}

	recovered := false
	if !session.Snapshot.IsStructurallyValid() {
		if err := s.recoverSession(ctx, session); err != nil {
			return nil, err
		}
		recovered = true
	}

	remaining := sessionRemaining(session, time.Now())
	if remaining <= 0 {
		// Rejoin on a spent budget flips the session instead of resuming it.
		if _, err := s.grading.Finalize(ctx, session.ID, models.SessionExpired, models.EndReasonTimeout); err != nil {
			s.logger.Error("Failed to finalize expired session on rejoin", "session_id", session.ID, "error", err)
			_ = s.repo.Session().UpdateStatus(ctx, session.ID, models.SessionExpired, strPtr(models.EndReasonTimeout))
		}
		return nil, ErrSessionExpired
	}

	if err := s.resumeSession(ctx, session, remaining); err != nil {
		return nil, err
	}

	s.publishEvent(ctx, events.NewSessionRejoinedEvent(session))
	s.logger.Info("Session rejoined",
		"session_id", session.ID,
		"user_id", identity.UserID,
		"remaining", remaining,
		"recovered", recovered)

	return s.toSessionResponse(session, true, recovered), nil
}

func (s *sessionService) Abandon(ctx context.Context, sessionID uint, identity *models.Identity) error {
	session, err := s.loadOwnedSession(ctx, sessionID, identity, "abandon")
	if err != nil {
		return err
	}
	if !session.IsActive() {
		return NewStateError("session", session.ID, string(session.Status), "abandon")
	}

	// Timers go first so a stale expiration cannot fire after the status write.
	s.timers.Cancel(session.ID)

	if _, err := s.grading.Finalize(ctx, session.ID, models.SessionAbandoned, models.EndReasonAbandoned); err != nil {
		return fmt.Errorf("failed to finalize abandoned session: %w", err)
	}

	s.logger.Info("Session abandoned", "session_id", session.ID, "user_id", identity.UserID)
	return nil
}

// ===== READ OPERATIONS =====

func (s *sessionService) GetByID(ctx context.Context, sessionID uint, identity *models.Identity) (*SessionResponse, error) {
	session, err := s.loadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := s.checkSessionAccess(session, identity, "view"); err != nil {
		return nil, err
	}
	return s.toSessionResponse(session, false, false), nil
}

func (s *sessionService) GetForAdmin(ctx context.Context, sessionID uint, identity *models.Identity) (*AdminSessionResponse, error) {
	if !identity.IsStaff() {
		return nil, NewPermissionError(identity.UserID, sessionID, "session", "inspect", "instructor or admin role required")
	}
	session, err := s.loadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !identity.CanAccessOrg(session.OrganizationID) {
		return nil, NewPermissionError(identity.UserID, sessionID, "session", "inspect", "outside caller organization")
	}

	resp := &AdminSessionResponse{Session: session}
	result, err := s.repo.Result().GetBySessionID(ctx, sessionID)
	if err == nil {
		resp.Result = result
	} else if !repositories.IsNotFoundError(err) {
		return nil, fmt.Errorf("failed to get result: %w", err)
	}
	return resp, nil
}

func (s *sessionService) List(ctx context.Context, filters repositories.SessionFilters, identity *models.Identity) ([]*SessionSummary, int64, error) {
	if !identity.IsStaff() {
		return nil, 0, NewPermissionError(identity.UserID, 0, "session", "list", "instructor or admin role required")
	}
	if !identity.IsSuperOrgAdmin {
		filters.OrganizationID = &identity.OrganizationID
	}

	sessions, total, err := s.repo.Session().List(ctx, filters)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list sessions: %w", err)
	}

	summaries := make([]*SessionSummary, 0, len(sessions))
	for _, session := range sessions {
		summaries = append(summaries, &SessionSummary{
			ID:            session.ID,
			TestID:        session.TestID,
			UserID:        session.UserID,
			AttemptNumber: session.AttemptNumber,
			Status:        session.Status,
			StartedAt:     session.StartedAt,
			CompletedAt:   session.CompletedAt,
			FinalScore:    session.FinalScore,
		})
	}
	return summaries, total, nil
}

// ===== TIME & CONNECTION OPERATIONS =====

// TimeSync reconstructs remaining time from the persisted session alone so it
// works with the realtime channel entirely absent. Responses are cached for a
// couple of seconds to absorb polling bursts.
func (s *sessionService) TimeSync(ctx context.Context, sessionID uint, identity *models.Identity) (*TimeSyncResponse, error) {
	cacheKey := fmt.Sprintf("session:timesync:%d", sessionID)
	if s.cache != nil {
		var cached TimeSyncResponse
		if err := s.cache.Get(ctx, cacheKey, &cached); err == nil {
			return &cached, nil
		}
	}

	session, err := s.loadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := s.checkSessionAccess(session, identity, "time-sync"); err != nil {
		return nil, err
	}

	resp := &TimeSyncResponse{
		SessionID:       session.ID,
		Status:          session.Status,
		TimeRemainingMS: sessionRemaining(session, time.Now()).Milliseconds(),
		ServerTime:      time.Now(),
		IsConnected:     session.IsConnected,
	}
	if s.cache != nil {
		_ = s.cache.Set(ctx, cacheKey, resp, 2*time.Second)
	}
	return resp, nil
}

// Heartbeat marks the client connected and clears any pending grace window.
// A heartbeat on a paused session resumes it; disconnect time still counts
// against the budget.
func (s *sessionService) Heartbeat(ctx context.Context, sessionID uint, identity *models.Identity) (*TimeSyncResponse, error) {
	session, err := s.loadOwnedSession(ctx, sessionID, identity, "heartbeat")
	if err != nil {
		return nil, err
	}
	if !session.IsActive() {
		return nil, NewStateError("session", session.ID, string(session.Status), "heartbeat")
	}

	now := time.Now()
	remaining := sessionRemaining(session, now)
	if remaining <= 0 {
		if _, err := s.grading.Finalize(ctx, session.ID, models.SessionExpired, models.EndReasonTimeout); err != nil {
			s.logger.Error("Failed to finalize expired session on heartbeat", "session_id", session.ID, "error", err)
			_ = s.repo.Session().UpdateStatus(ctx, session.ID, models.SessionExpired, strPtr(models.EndReasonTimeout))
		}
		return nil, ErrSessionExpired
	}

	if err := s.resumeSession(ctx, session, remaining); err != nil {
		return nil, err
	}

	return &TimeSyncResponse{
		SessionID:       session.ID,
		Status:          session.Status,
		TimeRemainingMS: remaining.Milliseconds(),
		ServerTime:      now,
		IsConnected:     true,
	}, nil
}

// MarkDisconnected freezes the countdown display, pauses the in-memory
// timers and arms the reconnect grace window. The budget itself keeps
// draining; resume deducts the disconnect gap.
func (s *sessionService) MarkDisconnected(ctx context.Context, sessionID uint, identity *models.Identity) error {
	session, err := s.loadOwnedSession(ctx, sessionID, identity, "disconnect")
	if err != nil {
		return err
	}
	if session.Status != models.SessionInProgress {
		// Already paused or terminal; nothing to do.
		return nil
	}

	now := time.Now()
	remaining := sessionRemaining(session, now)
	s.timers.Pause(session.ID)
	graceID := s.timers.StartGrace(session.ID, s.gracePeriod)

	session.Status = models.SessionPaused
	session.TimeRemaining = remaining.Milliseconds()
	session.IsConnected = false
	session.DisconnectedAt = &now
	session.GraceTimerID = &graceID

	if err := s.repo.Session().UpdateConnectionState(ctx, session); err != nil {
		return fmt.Errorf("failed to persist disconnect: %w", err)
	}

	s.logger.Info("Session disconnected",
		"session_id", session.ID,
		"remaining", remaining,
		"grace_id", graceID)
	return nil
}

// ===== TIMER CALLBACK ENTRY POINTS =====

// HandleGraceExpiry runs when the reconnect window lapses. The persisted
// grace id gates it: a stale timer from before a heartbeat is ignored.
func (s *sessionService) HandleGraceExpiry(ctx context.Context, sessionID uint, graceID string) {
	session, err := s.loadSession(ctx, sessionID)
	if err != nil {
		s.logger.Error("Grace expiry lookup failed", "session_id", sessionID, "error", err)
		return
	}
	if session.Status != models.SessionPaused || session.GraceTimerID == nil || *session.GraceTimerID != graceID {
		s.logger.Debug("Ignoring stale grace timer", "session_id", sessionID, "grace_id", graceID)
		return
	}

	s.logger.Info("Grace window lapsed, abandoning session", "session_id", sessionID)
	if _, err := s.grading.Finalize(ctx, sessionID, models.SessionAbandoned, models.EndReasonAbandoned); err != nil {
		s.logger.Error("Failed to finalize session after grace lapse", "session_id", sessionID, "error", err)
	}
}

func (s *sessionService) HandleTimeSync(ctx context.Context, sessionID uint, remaining time.Duration) {
	if s.notifier != nil {
		s.notifier.NotifySession(sessionID, "time_sync", map[string]interface{}{
			"time_remaining_ms": remaining.Milliseconds(),
			"server_time":       time.Now(),
		})
	}
}

func (s *sessionService) HandleTimeWarning(ctx context.Context, sessionID uint, remaining time.Duration) {
	session, err := s.loadSession(ctx, sessionID)
	if err != nil {
		s.logger.Error("Time warning lookup failed", "session_id", sessionID, "error", err)
		return
	}
	seconds := int(remaining / time.Second)

	if s.notifier != nil {
		s.notifier.NotifySession(sessionID, "time_warning", map[string]interface{}{
			"seconds_remaining": seconds,
		})
	}
	s.publishEvent(ctx, events.NewTimeWarningEvent(session, seconds))
}
