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
	"github.com/SAP-F-2025/exam-session-service/internal/sandbox"
	"github.com/SAP-F-2025/exam-session-service/internal/timer"
	"github.com/SAP-F-2025/exam-session-service/internal/utils"
)

const defaultPassingThreshold = 70.0

type gradingService struct {
	repo      repositories.Repository
	logger    *slog.Logger
	validator *utils.Validator
	timers    *timer.Coordinator
	publisher events.EventPublisher
	cache     cache.CacheService
	graders   map[models.QuestionType]grader
}

func NewGradingService(
	repo repositories.Repository,
	logger *slog.Logger,
	validator *utils.Validator,
	executor sandbox.Executor,
	timers *timer.Coordinator,
	publisher events.EventPublisher,
	cacheService cache.CacheService,
) GradingService {
	return &gradingService{
		repo:      repo,
		logger:    logger,
		validator: validator,
		timers:    timers,
		publisher: publisher,
		cache:     cacheService,
		graders:   newGraders(executor, logger),
	}
}

// ===== PUBLIC OPERATIONS =====

// Submit is the student-initiated completion path. On a sectioned test every
// earlier section must already be submitted unless the caller forces it.
func (s *gradingService) Submit(ctx context.Context, sessionID uint, req *SubmitSessionRequest, identity *models.Identity) (*ResultResponse, error) {
	if req == nil {
		req = &SubmitSessionRequest{}
	}

	session, err := s.loadForGrading(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.UserID != identity.UserID {
		return nil, NewPermissionError(identity.UserID, sessionID, "session", "submit", "not the session owner")
	}

	if session.Snapshot.Settings.UseSections && !req.Force {
		if unsubmitted := unsubmittedSections(session); len(unsubmitted) > 0 {
			return nil, fmt.Errorf("%w: sections %v", ErrSectionsIncomplete, unsubmitted)
		}
	}

	return s.finalizeSession(ctx, session, models.SessionCompleted, models.EndReasonCompleted)
}

// Finalize is the system completion path (timer expiry, grace lapse, sweeper,
// abandon). It always forces submission and grades whatever answers exist.
func (s *gradingService) Finalize(ctx context.Context, sessionID uint, status models.SessionStatus, endReason string) (*ResultResponse, error) {
	session, err := s.loadForGrading(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return s.finalizeSession(ctx, session, status, endReason)
}

func (s *gradingService) GetResult(ctx context.Context, sessionID uint, identity *models.Identity) (*ResultResponse, error) {
	session, err := s.repo.Session().GetByID(ctx, sessionID)
	if err != nil {
		if repositories.IsNotFoundError(err) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	if session.UserID != identity.UserID {
		if !identity.IsStaff() || !identity.CanAccessOrg(session.OrganizationID) {
			return nil, NewPermissionError(identity.UserID, sessionID, "result", "view", "not owner and outside caller organization")
		}
	}

	result, err := s.repo.Result().GetBySessionID(ctx, sessionID)
	if err != nil {
		if repositories.IsNotFoundError(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get result: %w", err)
	}

	return &ResultResponse{
		SessionID:     result.SessionID,
		TestID:        result.TestID,
		AttemptNumber: result.AttemptNumber,
		Status:        session.Status,
		EndReason:     result.EndReason,
		Score:         result.Score,
		Questions:     result.Questions,
		CompletedAt:   session.CompletedAt,
	}, nil
}

// ===== GRADING CORE =====

func (s *gradingService) loadForGrading(ctx context.Context, sessionID uint) (*models.ExamSession, error) {
	session, err := s.repo.Session().GetByID(ctx, sessionID)
	if err != nil {
		if repositories.IsNotFoundError(err) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	if !session.IsActive() {
		return nil, fmt.Errorf("%w: session %d is %s", ErrAlreadyGraded, session.ID, session.Status)
	}
	if session.Snapshot == nil || !session.Snapshot.IsStructurallyValid() {
		return nil, ErrSessionCorrupt
	}
	return session, nil
}

// finalizeSession grades every question, then persists score, status flip,
// Result row and aggregate stats in one transaction. The status flip is
// conditional on the session still being active, so concurrent finalizers
// produce exactly one Result and one stat increment; losers see a conflict
// and everything they wrote rolls back.
//
// Sandbox calls run before the transaction opens; holding a database
// transaction across remote execution would pin connections for seconds.
func (s *gradingService) finalizeSession(ctx context.Context, session *models.ExamSession, status models.SessionStatus, endReason string) (*ResultResponse, error) {
	start := time.Now()

	forceCompleteSections(session, start)
	questionResults, score := s.gradeQuestions(ctx, session)

	now := time.Now()
	// Capture the remainder before the status flip freezes the clock at zero.
	remaining := sessionRemaining(session, now)
	session.Status = status
	session.CompletedAt = &now
	session.EndReason = &endReason
	session.FinalScore = score
	session.TimeRemaining = remaining.Milliseconds()
	session.IsConnected = false
	session.RecomputeProgressArrays()

	result := &models.Result{
		SessionID:      session.ID,
		TestID:         session.TestID,
		UserID:         session.UserID,
		OrganizationID: session.OrganizationID,
		AttemptNumber:  session.AttemptNumber,
		Questions:      questionResults,
		Score:          *score,
		EndReason:      endReason,
	}

	txRepo, err := s.repo.(repositories.TransactionRepository).Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin grading transaction: %w", err)
	}
	tx := txRepo.(repositories.TransactionRepository)

	flipped, err := txRepo.Session().FinalizeSession(ctx, session)
	if err != nil {
		_ = tx.Rollback(ctx)
		return nil, fmt.Errorf("failed to finalize session: %w", err)
	}
	if !flipped {
		_ = tx.Rollback(ctx)
		return nil, fmt.Errorf("%w: session %d lost the finalize race", ErrAlreadyGraded, session.ID)
	}

	if err := txRepo.Result().Create(ctx, result); err != nil {
		_ = tx.Rollback(ctx)
		return nil, fmt.Errorf("failed to create result: %w", err)
	}

	if err := txRepo.Stats().RecordAttempt(ctx, session.TestID, score.Percentage, score.Passed); err != nil {
		_ = tx.Rollback(ctx)
		return nil, fmt.Errorf("failed to record test stats: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit grading transaction: %w", err)
	}

	s.afterFinalize(ctx, session, status, endReason)

	s.logger.Info("Session graded",
		"session_id", session.ID,
		"status", status,
		"end_reason", endReason,
		"percentage", score.Percentage,
		"passed", score.Passed,
		"duration", time.Since(start))

	return &ResultResponse{
		SessionID:     session.ID,
		TestID:        session.TestID,
		AttemptNumber: session.AttemptNumber,
		Status:        status,
		EndReason:     endReason,
		Score:         *score,
		Questions:     questionResults,
		CompletedAt:   session.CompletedAt,
	}, nil
}

// gradeQuestions scores every question in test order. Unanswered questions
// contribute zero and bump the unanswered counter regardless of type.
func (s *gradingService) gradeQuestions(ctx context.Context, session *models.ExamSession) ([]models.QuestionResult, *models.FinalScore) {
	questions := session.Snapshot.AllQuestions()
	results := make([]models.QuestionResult, 0, len(questions))
	score := &models.FinalScore{}

	for _, q := range questions {
		score.TotalPoints += q.Points
		qr := models.QuestionResult{
			QuestionID: q.QuestionID,
			Type:       q.Type,
			Points:     q.Points,
			TimeSpent:  q.TimeSpent,
		}

		if !q.HasAnswer() {
			score.UnansweredCount++
			no := false
			q.IsCorrect = &no
			q.PointsEarned = 0
			results = append(results, qr)
			continue
		}
		qr.Answered = true

		g, ok := s.graders[q.Type]
		if !ok {
			s.logger.Warn("No grader for question type, marking for review",
				"question_id", q.QuestionID, "type", q.Type)
			g = manualGrader{}
		}
		outcome := g.Grade(ctx, q)

		q.IsCorrect = outcome.IsCorrect
		q.PointsEarned = outcome.PointsEarned
		qr.IsCorrect = outcome.IsCorrect
		qr.PointsEarned = outcome.PointsEarned
		qr.ManualReview = outcome.ManualReview

		switch {
		case outcome.ManualReview:
			score.PendingReview++
		case outcome.IsCorrect != nil && *outcome.IsCorrect:
			score.CorrectCount++
		default:
			score.IncorrectCount++
		}
		score.EarnedPoints += outcome.PointsEarned

		results = append(results, qr)
	}

	if score.TotalPoints > 0 {
		score.Percentage = round2(score.EarnedPoints / score.TotalPoints * 100)
	}
	threshold := session.Snapshot.Settings.PassingThreshold
	if threshold <= 0 {
		threshold = defaultPassingThreshold
	}
	score.Passed = score.Percentage >= threshold

	return results, score
}

// forceCompleteSections auto-submits any section still open so forced
// completion (expiry, abandon) can grade the whole test.
func forceCompleteSections(session *models.ExamSession, now time.Time) {
	if session.Snapshot == nil || !session.Snapshot.Settings.UseSections {
		return
	}
	for i := range session.Snapshot.Sections {
		section := &session.Snapshot.Sections[i]
		if section.Status != models.SectionSubmitted {
			section.Status = models.SectionSubmitted
			section.SubmittedAt = &now
			session.CompletedSections = appendUnique(session.CompletedSections, i)
		}
	}
	session.ReviewPhase = false
}

func unsubmittedSections(session *models.ExamSession) []int {
	var open []int
	for i := range session.Snapshot.Sections {
		if session.Snapshot.Sections[i].Status != models.SectionSubmitted {
			open = append(open, i)
		}
	}
	return open
}

// afterFinalize runs the post-commit cleanup: timers, cache, events. None of
// it can undo the grading, so failures only log.
func (s *gradingService) afterFinalize(ctx context.Context, session *models.ExamSession, status models.SessionStatus, endReason string) {
	s.timers.Cancel(session.ID)

	if s.cache != nil {
		_ = s.cache.Delete(ctx, fmt.Sprintf("session:timesync:%d", session.ID))
	}

	if s.publisher == nil {
		return
	}
	var eventType events.EventType
	switch status {
	case models.SessionCompleted:
		eventType = events.EventSessionCompleted
	case models.SessionExpired:
		eventType = events.EventSessionExpired
	case models.SessionAbandoned:
		eventType = events.EventSessionAbandoned
	default:
		eventType = events.EventSessionFailed
	}
	event := events.NewSessionEndedEvent(eventType, session, endReason)
	if err := s.publisher.PublishSessionEvent(ctx, event); err != nil {
		s.logger.Error("Failed to publish session ended event",
			"session_id", session.ID, "error", err)
	}
}
