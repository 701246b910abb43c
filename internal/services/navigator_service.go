package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/SAP-F-2025/exam-session-service/internal/models"
	"github.com/SAP-F-2025/exam-session-service/internal/repositories"
	"github.com/SAP-F-2025/exam-session-service/internal/utils"
)

type navigatorService struct {
	repo      repositories.Repository
	logger    *slog.Logger
	validator *utils.Validator
}

func NewNavigatorService(repo repositories.Repository, logger *slog.Logger, validator *utils.Validator) NavigatorService {
	return &navigatorService{
		repo:      repo,
		logger:    logger,
		validator: validator,
	}
}

// ===== QUESTION OPERATIONS =====

func (s *navigatorService) GetCurrentQuestion(ctx context.Context, sessionID uint, identity *models.Identity) (*QuestionView, error) {
	session, err := s.loadRunningSession(ctx, sessionID, identity, "view question")
	if err != nil {
		return nil, err
	}

	question := session.CurrentQuestion()
	if question == nil {
		return nil, fmt.Errorf("%w: cursor %d/%d", ErrQuestionIndexOutOfRange,
			session.CurrentSectionIndex, session.CurrentQuestionIndex)
	}

	markViewed(question, time.Now())
	if err := s.saveSession(ctx, session); err != nil {
		return nil, err
	}

	return s.buildQuestionView(session, question), nil
}

// SubmitAnswer applies the answer under the server's cursor. An index
// mismatch is not an error: it means the previous response was lost in
// transit, so the current authoritative state is returned without
// re-applying anything.
func (s *navigatorService) SubmitAnswer(ctx context.Context, sessionID uint, req *SubmitAnswerRequest, identity *models.Identity) (*AnswerAck, error) {
	if err := s.validator.Validate(req); err != nil {
		return nil, err
	}

	session, err := s.loadRunningSession(ctx, sessionID, identity, "submit answer")
	if err != nil {
		return nil, err
	}

	if req.QuestionIndex != session.CurrentQuestionIndex {
		s.logger.Debug("Answer index mismatch, resyncing client",
			"session_id", session.ID,
			"client_index", req.QuestionIndex,
			"server_index", session.CurrentQuestionIndex)
		return s.buildAnswerAck(session, true, ActionNextQuestion), nil
	}

	question := session.CurrentQuestion()
	if question == nil {
		return nil, fmt.Errorf("%w: cursor %d/%d", ErrQuestionIndexOutOfRange,
			session.CurrentSectionIndex, session.CurrentQuestionIndex)
	}

	question.StudentAnswer = req.Answer
	question.Status = models.QuestionAnswered
	question.TimeSpent += req.TimeSpent

	action := s.advanceCursor(session)
	session.RecomputeProgressArrays()

	if err := s.saveSession(ctx, session); err != nil {
		return nil, err
	}

	return s.buildAnswerAck(session, false, action), nil
}

// SkipQuestion marks the question skipped, clears any previous answer and
// advances exactly like SubmitAnswer, minus the answer requirement.
func (s *navigatorService) SkipQuestion(ctx context.Context, sessionID uint, req *SkipQuestionRequest, identity *models.Identity) (*AnswerAck, error) {
	if err := s.validator.Validate(req); err != nil {
		return nil, err
	}

	session, err := s.loadRunningSession(ctx, sessionID, identity, "skip question")
	if err != nil {
		return nil, err
	}

	if req.QuestionIndex != session.CurrentQuestionIndex {
		return s.buildAnswerAck(session, true, ActionNextQuestion), nil
	}

	question := session.CurrentQuestion()
	if question == nil {
		return nil, fmt.Errorf("%w: cursor %d/%d", ErrQuestionIndexOutOfRange,
			session.CurrentSectionIndex, session.CurrentQuestionIndex)
	}

	question.StudentAnswer = nil
	question.Status = models.QuestionSkipped
	question.TimeSpent += req.TimeSpent

	action := s.advanceCursor(session)
	session.RecomputeProgressArrays()

	if err := s.saveSession(ctx, session); err != nil {
		return nil, err
	}

	return s.buildAnswerAck(session, false, action), nil
}

func (s *navigatorService) Navigate(ctx context.Context, sessionID uint, req *NavigateRequest, identity *models.Identity) (*QuestionView, error) {
	if err := s.validator.Validate(req); err != nil {
		return nil, err
	}

	session, err := s.loadRunningSession(ctx, sessionID, identity, "navigate")
	if err != nil {
		return nil, err
	}

	questions := session.CurrentQuestions()
	if req.QuestionIndex < 0 || req.QuestionIndex >= len(questions) {
		return nil, fmt.Errorf("%w: index %d, section has %d questions",
			ErrQuestionIndexOutOfRange, req.QuestionIndex, len(questions))
	}

	session.CurrentQuestionIndex = req.QuestionIndex
	question := &questions[req.QuestionIndex]
	markViewed(question, time.Now())

	if err := s.saveSession(ctx, session); err != nil {
		return nil, err
	}

	return s.buildQuestionView(session, question), nil
}

// ===== SECTION OPERATIONS =====

// SubmitSection commits the current section. The cursor advance is an atomic
// conditional update, so a doubled request finds the section already moved
// and reports a conflict instead of double-advancing.
func (s *navigatorService) SubmitSection(ctx context.Context, sessionID uint, identity *models.Identity) (*SectionAdvance, error) {
	session, err := s.loadRunningSession(ctx, sessionID, identity, "submit section")
	if err != nil {
		return nil, err
	}
	if !session.Snapshot.Settings.UseSections {
		return nil, NewStateError("session", session.ID, string(session.Status), "submit section on non-sectioned test")
	}

	fromSection := session.CurrentSectionIndex
	section := session.CurrentSection()
	if section == nil {
		return nil, fmt.Errorf("%w: section %d", ErrQuestionIndexOutOfRange, fromSection)
	}
	if section.Status != models.SectionInProgress && section.Status != models.SectionReviewing {
		if section.Status == models.SectionSubmitted {
			return nil, ErrSectionAlreadyAdvanced
		}
		return nil, fmt.Errorf("%w: section %d is %s", ErrSectionNotSubmittable, fromSection, section.Status)
	}

	now := time.Now()
	lastSection := fromSection >= len(session.Snapshot.Sections)-1

	if lastSection {
		section.Status = models.SectionSubmitted
		section.SubmittedAt = &now
		session.ReviewPhase = false
		session.CompletedSections = appendUnique(session.CompletedSections, fromSection)

		ok, err := s.repo.Session().UpdateWithVersion(ctx, session)
		if err != nil {
			return nil, fmt.Errorf("failed to save section submit: %w", err)
		}
		if !ok {
			return nil, ErrSectionAlreadyAdvanced
		}
		return &SectionAdvance{
			SectionIndex:      fromSection,
			SectionStatus:     models.SectionSubmitted,
			TestComplete:      true,
			CompletedSections: session.CompletedSections,
		}, nil
	}

	// Claim the cursor first; the loser of a race stops here.
	toSection := fromSection + 1
	advanced, err := s.repo.Session().AdvanceSection(ctx, session.ID, fromSection, toSection)
	if err != nil {
		return nil, fmt.Errorf("failed to advance section: %w", err)
	}
	if !advanced {
		return nil, ErrSectionAlreadyAdvanced
	}

	section.Status = models.SectionSubmitted
	section.SubmittedAt = &now
	next := &session.Snapshot.Sections[toSection]
	next.Status = models.SectionInProgress
	next.StartedAt = &now

	session.CurrentSectionIndex = toSection
	session.CurrentQuestionIndex = 0
	session.ReviewPhase = false
	session.CompletedSections = appendUnique(session.CompletedSections, fromSection)
	session.Version++ // AdvanceSection already bumped the stored version

	if err := s.repo.Session().Update(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to save section state: %w", err)
	}

	s.logger.Info("Section submitted",
		"session_id", session.ID,
		"section", fromSection,
		"next_section", toSection)

	return &SectionAdvance{
		SectionIndex:      fromSection,
		SectionStatus:     models.SectionSubmitted,
		NextSectionIndex:  &toSection,
		CompletedSections: session.CompletedSections,
	}, nil
}

// StartSectionReview enters review mode explicitly, without the last-question
// trigger.
func (s *navigatorService) StartSectionReview(ctx context.Context, sessionID uint, identity *models.Identity) (*SectionAdvance, error) {
	session, err := s.loadRunningSession(ctx, sessionID, identity, "review section")
	if err != nil {
		return nil, err
	}
	if !session.Snapshot.Settings.UseSections {
		return nil, NewStateError("session", session.ID, string(session.Status), "review section on non-sectioned test")
	}

	section := session.CurrentSection()
	if section == nil {
		return nil, fmt.Errorf("%w: section %d", ErrQuestionIndexOutOfRange, session.CurrentSectionIndex)
	}
	if section.Status != models.SectionInProgress && section.Status != models.SectionReviewing {
		return nil, fmt.Errorf("%w: section %d is %s", ErrSectionNotSubmittable, session.CurrentSectionIndex, section.Status)
	}

	section.Status = models.SectionReviewing
	session.ReviewPhase = true

	if err := s.saveSession(ctx, session); err != nil {
		return nil, err
	}

	return &SectionAdvance{
		SectionIndex:      session.CurrentSectionIndex,
		SectionStatus:     models.SectionReviewing,
		CompletedSections: session.CompletedSections,
	}, nil
}

// ===== HELPERS =====

// loadRunningSession guards every navigation op: owner only, in progress,
// time budget not spent, current section still inside its own limit.
func (s *navigatorService) loadRunningSession(ctx context.Context, sessionID uint, identity *models.Identity, action string) (*models.ExamSession, error) {
	session, err := s.repo.Session().GetByID(ctx, sessionID)
	if err != nil {
		if repositories.IsNotFoundError(err) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	if session.UserID != identity.UserID {
		return nil, NewPermissionError(identity.UserID, sessionID, "session", action, "not the session owner")
	}
	if session.Status != models.SessionInProgress {
		return nil, fmt.Errorf("%w: session is %s", ErrSessionNotActive, session.Status)
	}
	if session.Snapshot == nil || !session.Snapshot.IsStructurallyValid() {
		return nil, ErrSessionCorrupt
	}
	if sessionRemaining(session, time.Now()) <= 0 {
		return nil, ErrSessionExpired
	}
	if err := s.enforceSectionDeadline(ctx, session, time.Now()); err != nil {
		return nil, err
	}
	return session, nil
}

// enforceSectionDeadline closes the current section once its own time limit
// has elapsed: the section is force-submitted and, unless it was the last
// one, the cursor moves to the next section. Checked against persisted
// timestamps on every navigation op, so it holds even when in-memory timers
// were lost with their process. The caller's operation on the closed section
// is rejected; a follow-up request lands in the next section.
func (s *navigatorService) enforceSectionDeadline(ctx context.Context, session *models.ExamSession, now time.Time) error {
	if !session.Snapshot.Settings.UseSections {
		return nil
	}
	section := session.CurrentSection()
	if section == nil || section.StartedAt == nil || section.TimeLimit <= 0 {
		return nil
	}
	if section.Status != models.SectionInProgress && section.Status != models.SectionReviewing {
		return nil
	}
	deadline := section.StartedAt.Add(time.Duration(section.TimeLimit) * time.Minute)
	if now.Before(deadline) {
		return nil
	}

	fromSection := session.CurrentSectionIndex
	section.Status = models.SectionSubmitted
	section.SubmittedAt = &deadline
	session.ReviewPhase = false
	session.CompletedSections = appendUnique(session.CompletedSections, fromSection)

	if fromSection >= len(session.Snapshot.Sections)-1 {
		ok, err := s.repo.Session().UpdateWithVersion(ctx, session)
		if err != nil {
			return fmt.Errorf("failed to close expired section: %w", err)
		}
		if !ok {
			return fmt.Errorf("%w: session %d was modified concurrently", ErrConflict, session.ID)
		}
		s.logger.Info("Section time limit elapsed",
			"session_id", session.ID,
			"section", fromSection)
		return fmt.Errorf("%w: section %d", ErrSectionTimeExpired, fromSection)
	}

	toSection := fromSection + 1
	advanced, err := s.repo.Session().AdvanceSection(ctx, session.ID, fromSection, toSection)
	if err != nil {
		return fmt.Errorf("failed to advance expired section: %w", err)
	}
	if !advanced {
		// A concurrent request already moved the cursor; same outcome.
		return fmt.Errorf("%w: section %d", ErrSectionTimeExpired, fromSection)
	}

	next := &session.Snapshot.Sections[toSection]
	next.Status = models.SectionInProgress
	next.StartedAt = &now

	session.CurrentSectionIndex = toSection
	session.CurrentQuestionIndex = 0
	session.Version++ // AdvanceSection already bumped the stored version

	if err := s.repo.Session().Update(ctx, session); err != nil {
		return fmt.Errorf("failed to save expired section state: %w", err)
	}

	s.logger.Info("Section time limit elapsed",
		"session_id", session.ID,
		"section", fromSection,
		"next_section", toSection)

	return fmt.Errorf("%w: section %d", ErrSectionTimeExpired, fromSection)
}

// saveSession persists through the version CAS; a lost race surfaces as a
// conflict for the handler to resolve by refetching.
func (s *navigatorService) saveSession(ctx context.Context, session *models.ExamSession) error {
	ok, err := s.repo.Session().UpdateWithVersion(ctx, session)
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: session %d was modified concurrently", ErrConflict, session.ID)
	}
	return nil
}

// advanceCursor implements the post-answer transition and returns the action
// the client should take next.
func (s *navigatorService) advanceCursor(session *models.ExamSession) string {
	if session.ReviewPhase {
		return ActionSavedInPlace
	}

	questions := session.CurrentQuestions()
	last := session.CurrentQuestionIndex >= len(questions)-1

	if !last {
		session.CurrentQuestionIndex++
		markViewed(&questions[session.CurrentQuestionIndex], time.Now())
		return ActionNextQuestion
	}

	if session.Snapshot.Settings.UseSections {
		if section := session.CurrentSection(); section != nil {
			section.Status = models.SectionReviewing
		}
		session.ReviewPhase = true
		return ActionReviewSection
	}

	if unansweredInScope(questions) > 0 {
		return ActionConfirmSubmit
	}
	return ActionReadySubmit
}

func markViewed(question *models.SnapshotQuestion, now time.Time) {
	if question.Status == models.QuestionNotViewed {
		question.Status = models.QuestionViewed
		question.FirstViewedAt = &now
	}
	question.ViewCount++
	question.LastViewedAt = &now
}

func unansweredInScope(questions []models.SnapshotQuestion) int {
	n := 0
	for i := range questions {
		if questions[i].Status != models.QuestionAnswered {
			n++
		}
	}
	return n
}

func appendUnique(indices []int, value int) []int {
	for _, v := range indices {
		if v == value {
			return indices
		}
	}
	return append(indices, value)
}

// buildQuestionView strips everything a student must not see: the correct
// answer, blank answer keys and hidden test cases.
func (s *navigatorService) buildQuestionView(session *models.ExamSession, question *models.SnapshotQuestion) *QuestionView {
	view := &QuestionView{
		QuestionID:    question.QuestionID,
		SectionIndex:  session.CurrentSectionIndex,
		QuestionIndex: session.CurrentQuestionIndex,
		GlobalIndex:   session.GlobalIndex(session.CurrentSectionIndex, session.CurrentQuestionIndex),
		TotalInScope:  len(session.CurrentQuestions()),
		Type:          question.Type,
		Category:      question.Category,
		Language:      question.Language,
		Difficulty:    question.Difficulty,
		Text:          question.Text,
		Points:        question.Points,
		Options:       question.Options,
		BlankTemplate: question.BlankTemplate,
		CodeTemplate:  question.CodeTemplate,
		EntryFunction: question.EntryFunction,
		Runtime:       question.Runtime,
		StudentAnswer: question.StudentAnswer,
		Status:        question.Status,
		TimeSpent:     question.TimeSpent,
		ViewCount:     question.ViewCount,
		ReviewPhase:   session.ReviewPhase,
	}

	for _, blank := range question.Blanks {
		view.BlankIDs = append(view.BlankIDs, blank.ID)
	}
	for _, tc := range question.TestCases {
		if !tc.Hidden {
			view.TestCases = append(view.TestCases, tc)
		}
	}
	if section := session.CurrentSection(); section != nil {
		view.SectionName = section.Name
		view.SectionStatus = section.Status
	}
	return view
}

func (s *navigatorService) buildAnswerAck(session *models.ExamSession, resynced bool, action string) *AnswerAck {
	ack := &AnswerAck{
		Resynced:             resynced,
		NextAction:           action,
		CurrentSectionIndex:  session.CurrentSectionIndex,
		CurrentQuestionIndex: session.CurrentQuestionIndex,
		AnsweredCount:        len(session.AnsweredQuestions),
		SkippedCount:         len(session.SkippedQuestions),
		UnansweredInScope:    unansweredInScope(session.CurrentQuestions()),
		TimeRemainingMS:      sessionRemaining(session, time.Now()).Milliseconds(),
	}
	if question := session.CurrentQuestion(); question != nil {
		ack.QuestionStatus = question.Status
	}
	if action == ActionReviewSection && session.Snapshot.Settings.UseSections {
		summaries := sectionSummaries(session.Snapshot)
		if session.CurrentSectionIndex < len(summaries) {
			ack.Section = &summaries[session.CurrentSectionIndex]
		}
	}
	return ack
}
