package services

import (
	"context"
	"fmt"
	"time"

	"github.com/SAP-F-2025/exam-session-service/internal/events"
	"github.com/SAP-F-2025/exam-session-service/internal/models"
	"github.com/SAP-F-2025/exam-session-service/internal/repositories"
)

// ===== LOADING & ACCESS CHECKS =====

func (s *sessionService) loadSession(ctx context.Context, sessionID uint) (*models.ExamSession, error) {
	session, err := s.repo.Session().GetByID(ctx, sessionID)
	if err != nil {
		if repositories.IsNotFoundError(err) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return session, nil
}

// loadOwnedSession is for student mutations: the caller must be the session
// owner, regardless of role.
func (s *sessionService) loadOwnedSession(ctx context.Context, sessionID uint, identity *models.Identity, action string) (*models.ExamSession, error) {
	session, err := s.loadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.UserID != identity.UserID {
		return nil, NewPermissionError(identity.UserID, sessionID, "session", action, "not the session owner")
	}
	return session, nil
}

// checkSessionAccess implements role-scoped read visibility: owners always,
// staff within their organization, super admins everywhere.
func (s *sessionService) checkSessionAccess(session *models.ExamSession, identity *models.Identity, action string) error {
	if session.UserID == identity.UserID {
		return nil
	}
	if identity.IsStaff() && identity.CanAccessOrg(session.OrganizationID) {
		return nil
	}
	return NewPermissionError(identity.UserID, session.ID, "session", action, "not owner and outside caller organization")
}

func (s *sessionService) checkTestAccess(test *models.Test, identity *models.Identity) error {
	if test.Status != models.TestActive {
		return ErrTestNotActive
	}
	if test.IsGlobal || test.OrganizationID == nil {
		return nil
	}
	if !identity.CanAccessOrg(*test.OrganizationID) {
		return NewPermissionError(identity.UserID, test.ID, "test", "start", "test belongs to another organization")
	}
	return nil
}

// ===== ATTEMPT ACCOUNTING =====

// checkAttemptLimit counts only completed/abandoned/expired sessions; failed
// sessions never consume an attempt. Overrides add to the base allowance.
func (s *sessionService) checkAttemptLimit(ctx context.Context, test *models.Test, identity *models.Identity) error {
	if identity.UnlimitedAttempts {
		return nil
	}

	allowed := test.Settings.AttemptsAllowed
	if allowed <= 0 {
		allowed = 1
	}

	override, err := s.repo.Override().GetByUserAndTest(ctx, identity.UserID, test.ID)
	if err == nil && override != nil {
		allowed += override.ExtraAttempts
	} else if err != nil && !repositories.IsNotFoundError(err) {
		return fmt.Errorf("failed to get attempt override: %w", err)
	}

	consumed, err := s.repo.Session().CountConsumedAttempts(ctx, identity.UserID, test.ID)
	if err != nil {
		return fmt.Errorf("failed to count attempts: %w", err)
	}
	if consumed >= int64(allowed) {
		return fmt.Errorf("%w: %d of %d used", ErrAttemptLimitReached, consumed, allowed)
	}
	return nil
}

// nextAttemptNumber is max-seen + 1, tolerant of numbering gaps left by
// failed sessions, so the unique (test, user, attempt) key cannot collide.
func (s *sessionService) nextAttemptNumber(ctx context.Context, userID string, testID uint) (int, error) {
	maxAttempt, err := s.repo.Session().MaxAttemptNumber(ctx, userID, testID)
	if err != nil {
		return 0, fmt.Errorf("failed to resolve attempt number: %w", err)
	}
	return maxAttempt + 1, nil
}

// ===== REJOIN & RECOVERY =====

// checkRejoin finds any in-progress or paused session for the user,
// recovering it first when its snapshot is corrupt.
func (s *sessionService) checkRejoin(ctx context.Context, identity *models.Identity) (*models.ExamSession, bool, error) {
	session, err := s.repo.Session().GetActiveByUser(ctx, identity.UserID)
	if err != nil {
		if repositories.IsNotFoundError(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to look up active session: %w", err)
	}

	if !session.Snapshot.IsStructurallyValid() {
		if err := s.recoverSession(ctx, session); err != nil {
			return nil, false, err
		}
		return session, true, nil
	}
	return session, false, nil
}

// recoverSession rebuilds a corrupt snapshot from the live test definition.
// The question order may have changed, so the question cursor resets to 0.
// Failure marks the session failed, which excludes it from attempt
// accounting.
func (s *sessionService) recoverSession(ctx context.Context, session *models.ExamSession) error {
	s.logger.Warn("Session snapshot corrupt, attempting recovery",
		"session_id", session.ID,
		"test_id", session.TestID)

	rebuilt, err := s.rebuildSnapshot(ctx, session)
	if err != nil {
		s.timers.Cancel(session.ID)
		if markErr := s.repo.Session().UpdateStatus(ctx, session.ID, models.SessionFailed, nil); markErr != nil {
			s.logger.Error("Failed to mark unrecoverable session", "session_id", session.ID, "error", markErr)
		}
		session.Status = models.SessionFailed
		return &RecoveryError{SessionID: session.ID, Cause: err}
	}

	session.Snapshot = rebuilt
	session.CurrentQuestionIndex = 0
	session.ReviewPhase = false
	session.RecomputeProgressArrays()

	if err := s.repo.Session().Update(ctx, session); err != nil {
		return &RecoveryError{SessionID: session.ID, Cause: err}
	}

	s.publishEvent(ctx, events.NewSessionRecoveredEvent(session))
	s.logger.Info("Session recovered", "session_id", session.ID)
	return nil
}

func (s *sessionService) rebuildSnapshot(ctx context.Context, session *models.ExamSession) (*models.TestSnapshot, error) {
	test, err := s.repo.Test().GetByID(ctx, session.TestID)
	if err != nil {
		return nil, fmt.Errorf("test lookup failed: %w", err)
	}
	return s.builder.Rebuild(test, session)
}

// resumeSession re-anchors the countdown and re-arms the in-memory timers.
// remaining must already have the disconnect gap deducted.
func (s *sessionService) resumeSession(ctx context.Context, session *models.ExamSession, remaining time.Duration) error {
	now := time.Now()

	s.timers.CancelGrace(session.ID)

	session.Status = models.SessionInProgress
	session.TimerStartedAt = &now
	session.TimeRemaining = remaining.Milliseconds()
	session.IsConnected = true
	session.LastConnectedAt = &now
	session.DisconnectedAt = nil
	session.GraceTimerID = nil

	if err := s.repo.Session().UpdateConnectionState(ctx, session); err != nil {
		return fmt.Errorf("failed to persist resume: %w", err)
	}

	s.timers.Start(session.ID, remaining)
	return nil
}

// ===== TIME MATH =====

// sessionRemaining derives remaining time from the persisted anchor, never
// by accumulation. Paused sessions report the frozen value minus the
// disconnect gap so downtime keeps counting against the budget.
func sessionRemaining(session *models.ExamSession, now time.Time) time.Duration {
	switch session.Status {
	case models.SessionInProgress:
		remaining := time.Duration(session.TimeRemaining) * time.Millisecond
		if session.TimerStartedAt != nil {
			remaining -= now.Sub(*session.TimerStartedAt)
		}
		if remaining < 0 {
			return 0
		}
		return remaining
	case models.SessionPaused:
		remaining := time.Duration(session.TimeRemaining) * time.Millisecond
		if session.DisconnectedAt != nil {
			remaining -= now.Sub(*session.DisconnectedAt)
		}
		if remaining < 0 {
			return 0
		}
		return remaining
	default:
		return 0
	}
}

// ===== RESPONSE BUILDING =====

func initializeFirstSection(session *models.ExamSession, now time.Time) {
	if session.Snapshot == nil || !session.Snapshot.Settings.UseSections {
		return
	}
	if len(session.Snapshot.Sections) > 0 {
		session.Snapshot.Sections[0].Status = models.SectionInProgress
		session.Snapshot.Sections[0].StartedAt = &now
	}
}

func (s *sessionService) toSessionResponse(session *models.ExamSession, rejoined, recovered bool) *SessionResponse {
	resp := &SessionResponse{
		ID:                   session.ID,
		TestID:               session.TestID,
		Status:               session.Status,
		AttemptNumber:        session.AttemptNumber,
		StartedAt:            session.StartedAt,
		CompletedAt:          session.CompletedAt,
		TimeRemainingMS:      sessionRemaining(session, time.Now()).Milliseconds(),
		CurrentSectionIndex:  session.CurrentSectionIndex,
		CurrentQuestionIndex: session.CurrentQuestionIndex,
		ReviewPhase:          session.ReviewPhase,
		CompletedSections:    session.CompletedSections,
		AnsweredQuestions:    session.AnsweredQuestions,
		SkippedQuestions:     session.SkippedQuestions,
		FinalScore:           session.FinalScore,
		Rejoined:             rejoined,
		Recovered:            recovered,
	}
	if session.Snapshot != nil {
		resp.Title = session.Snapshot.Title
		resp.QuestionCount = session.Snapshot.QuestionCount()
		resp.UseSections = session.Snapshot.Settings.UseSections
		resp.Sections = sectionSummaries(session.Snapshot)
	}
	return resp
}

func sectionSummaries(snapshot *models.TestSnapshot) []SectionSummary {
	if !snapshot.Settings.UseSections {
		return nil
	}
	summaries := make([]SectionSummary, 0, len(snapshot.Sections))
	for i := range snapshot.Sections {
		section := &snapshot.Sections[i]
		answered := 0
		for j := range section.Questions {
			if section.Questions[j].Status == models.QuestionAnswered {
				answered++
			}
		}
		summaries = append(summaries, SectionSummary{
			Index:         i,
			Name:          section.Name,
			TimeLimit:     section.TimeLimit,
			Status:        section.Status,
			QuestionCount: len(section.Questions),
			AnsweredCount: answered,
		})
	}
	return summaries
}

func (s *sessionService) publishEvent(ctx context.Context, event *events.SessionEvent) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.PublishSessionEvent(ctx, event); err != nil {
		s.logger.Error("Failed to publish session event",
			"event_type", event.Type,
			"event_id", event.ID,
			"error", err)
	}
}

func strPtr(s string) *string {
	return &s
}
