package services

import (
	"context"
	"encoding/json"
	"time"

	"github.com/SAP-F-2025/exam-session-service/internal/models"
	"github.com/SAP-F-2025/exam-session-service/internal/repositories"
)

// ===== SERVICE INTERFACES =====

// SnapshotBuilder freezes a resolved test definition into a per-attempt copy.
type SnapshotBuilder interface {
	Build(test *models.Test, userID string) (*models.TestSnapshot, error)
	// Rebuild reconstructs a snapshot for a corrupted session, reconciling
	// section statuses to the session's cursor.
	Rebuild(test *models.Test, session *models.ExamSession) (*models.TestSnapshot, error)
}

// SessionService owns create/rejoin/abandon/inspect and the connection
// lifecycle. All permission and attempt-limit checks live here.
type SessionService interface {
	Start(ctx context.Context, req *StartSessionRequest, identity *models.Identity) (*SessionResponse, error)
	Rejoin(ctx context.Context, sessionID uint, identity *models.Identity) (*SessionResponse, error)
	Abandon(ctx context.Context, sessionID uint, identity *models.Identity) error
	GetByID(ctx context.Context, sessionID uint, identity *models.Identity) (*SessionResponse, error)
	GetForAdmin(ctx context.Context, sessionID uint, identity *models.Identity) (*AdminSessionResponse, error)
	List(ctx context.Context, filters repositories.SessionFilters, identity *models.Identity) ([]*SessionSummary, int64, error)

	TimeSync(ctx context.Context, sessionID uint, identity *models.Identity) (*TimeSyncResponse, error)
	Heartbeat(ctx context.Context, sessionID uint, identity *models.Identity) (*TimeSyncResponse, error)
	MarkDisconnected(ctx context.Context, sessionID uint, identity *models.Identity) error

	// Timer-driven entry points. Called from coordinator callbacks via
	// goroutines; they work from persisted state alone.
	HandleGraceExpiry(ctx context.Context, sessionID uint, graceID string)
	HandleTimeSync(ctx context.Context, sessionID uint, remaining time.Duration)
	HandleTimeWarning(ctx context.Context, sessionID uint, remaining time.Duration)
}

// NavigatorService is the section-relative navigation and answer-submission
// state machine.
type NavigatorService interface {
	GetCurrentQuestion(ctx context.Context, sessionID uint, identity *models.Identity) (*QuestionView, error)
	SubmitAnswer(ctx context.Context, sessionID uint, req *SubmitAnswerRequest, identity *models.Identity) (*AnswerAck, error)
	SkipQuestion(ctx context.Context, sessionID uint, req *SkipQuestionRequest, identity *models.Identity) (*AnswerAck, error)
	Navigate(ctx context.Context, sessionID uint, req *NavigateRequest, identity *models.Identity) (*QuestionView, error)
	SubmitSection(ctx context.Context, sessionID uint, identity *models.Identity) (*SectionAdvance, error)
	StartSectionReview(ctx context.Context, sessionID uint, identity *models.Identity) (*SectionAdvance, error)
}

// GradingService scores a session and persists the outcome exactly once.
type GradingService interface {
	Submit(ctx context.Context, sessionID uint, req *SubmitSessionRequest, identity *models.Identity) (*ResultResponse, error)
	// Finalize is the system path (timer expiry, grace lapse, sweeper,
	// abandon). It forces submission, grades as-is and stamps endReason.
	Finalize(ctx context.Context, sessionID uint, status models.SessionStatus, endReason string) (*ResultResponse, error)
	GetResult(ctx context.Context, sessionID uint, identity *models.Identity) (*ResultResponse, error)
}

// CleanupService is the background pass reconciling sessions whose in-memory
// timers were lost.
type CleanupService interface {
	Run(ctx context.Context) (*SweepReport, error)
	Start(ctx context.Context)
	Stop()
}

// ExportService produces instructor-facing artifacts from grading results.
type ExportService interface {
	ExportTestResults(ctx context.Context, testID uint, identity *models.Identity) (*ExportResponse, error)
	GetTestStats(ctx context.Context, testID uint, identity *models.Identity) (*TestStatsResponse, error)
}

// ServiceManager aggregates all services behind one handle for the handlers.
type ServiceManager interface {
	Session() SessionService
	Navigator() NavigatorService
	Grading() GradingService
	Cleanup() CleanupService
	Export() ExportService

	// RestoreTimers re-arms in-memory timers from persisted sessions after a
	// process restart.
	RestoreTimers(ctx context.Context) error
}

// ===== REQUEST DTOS =====

type StartSessionRequest struct {
	TestID   uint `json:"test_id" validate:"required"`
	ForceNew bool `json:"force_new"`
}

type SubmitAnswerRequest struct {
	QuestionIndex int             `json:"question_index" validate:"min=0"`
	Answer        json.RawMessage `json:"answer" validate:"required"`
	TimeSpent     int             `json:"time_spent" validate:"min=0"` // seconds on this question
}

type SkipQuestionRequest struct {
	QuestionIndex int `json:"question_index" validate:"min=0"`
	TimeSpent     int `json:"time_spent" validate:"min=0"`
}

type NavigateRequest struct {
	QuestionIndex int `json:"question_index" validate:"min=0"`
}

type SubmitSessionRequest struct {
	// Force skips the unsubmitted-sections check; the current section is
	// auto-completed before grading.
	Force bool `json:"force"`
}

// ===== RESPONSE DTOS =====

// SessionResponse is the student-facing session shape. Correct answers and
// hidden test cases never appear here.
type SessionResponse struct {
	ID                   uint                 `json:"id"`
	TestID               uint                 `json:"test_id"`
	Status               models.SessionStatus `json:"status"`
	AttemptNumber        int                  `json:"attempt_number"`
	StartedAt            *time.Time           `json:"started_at"`
	CompletedAt          *time.Time           `json:"completed_at,omitempty"`
	TimeRemainingMS      int64                `json:"time_remaining_ms"`
	Title                string               `json:"title"`
	QuestionCount        int                  `json:"question_count"`
	UseSections          bool                 `json:"use_sections"`
	Sections             []SectionSummary     `json:"sections,omitempty"`
	CurrentSectionIndex  int                  `json:"current_section_index"`
	CurrentQuestionIndex int                  `json:"current_question_index"`
	ReviewPhase          bool                 `json:"review_phase"`
	CompletedSections    []int                `json:"completed_sections"`
	AnsweredQuestions    []int                `json:"answered_questions"`
	SkippedQuestions     []int                `json:"skipped_questions"`
	FinalScore           *models.FinalScore   `json:"final_score,omitempty"`

	// Rejoined is set when Start returned an existing active session instead
	// of creating a new one; Recovered when its snapshot had to be rebuilt.
	Rejoined  bool `json:"rejoined,omitempty"`
	Recovered bool `json:"recovered,omitempty"`
}

// AdminSessionResponse is the full-detail shape for instructors and admins.
type AdminSessionResponse struct {
	Session *models.ExamSession `json:"session"`
	Result  *models.Result      `json:"result,omitempty"`
}

type SessionSummary struct {
	ID            uint                 `json:"id"`
	TestID        uint                 `json:"test_id"`
	UserID        string               `json:"user_id"`
	AttemptNumber int                  `json:"attempt_number"`
	Status        models.SessionStatus `json:"status"`
	StartedAt     *time.Time           `json:"started_at"`
	CompletedAt   *time.Time           `json:"completed_at,omitempty"`
	FinalScore    *models.FinalScore   `json:"final_score,omitempty"`
}

type SectionSummary struct {
	Index         int                  `json:"index"`
	Name          string               `json:"name"`
	TimeLimit     int                  `json:"time_limit"`
	Status        models.SectionStatus `json:"status"`
	QuestionCount int                  `json:"question_count"`
	AnsweredCount int                  `json:"answered_count"`
}

// QuestionView is the sanitized projection handed to students. correctAnswer,
// blank answer keys and hidden test cases are stripped unconditionally.
type QuestionView struct {
	QuestionID    uint                    `json:"question_id"`
	SectionIndex  int                     `json:"section_index"`
	QuestionIndex int                     `json:"question_index"` // section-relative
	GlobalIndex   int                     `json:"global_index"`
	TotalInScope  int                     `json:"total_in_scope"` // questions in the active section or flat list
	Type          models.QuestionType     `json:"type"`
	Category      models.QuestionCategory `json:"category,omitempty"`
	Language      string                  `json:"language,omitempty"`
	Difficulty    models.DifficultyLevel  `json:"difficulty,omitempty"`
	Text          string                  `json:"text"`
	Points        float64                 `json:"points"`

	Options       []models.QuestionOption `json:"options,omitempty"`
	BlankTemplate string                  `json:"blank_template,omitempty"`
	BlankIDs      []string                `json:"blank_ids,omitempty"`
	CodeTemplate  string                  `json:"code_template,omitempty"`
	EntryFunction string                  `json:"entry_function,omitempty"`
	Runtime       *models.RuntimeConfig   `json:"runtime,omitempty"`
	TestCases     []models.CodeTestCase   `json:"test_cases,omitempty"` // visible cases only

	StudentAnswer json.RawMessage       `json:"student_answer,omitempty"`
	Status        models.QuestionStatus `json:"status"`
	TimeSpent     int                   `json:"time_spent"`
	ViewCount     int                   `json:"view_count"`

	SectionName   string               `json:"section_name,omitempty"`
	SectionStatus models.SectionStatus `json:"section_status,omitempty"`
	ReviewPhase   bool                 `json:"review_phase"`
}

// NextAction values returned by answer submission.
const (
	ActionNextQuestion  = "next_question"   // cursor advanced
	ActionSavedInPlace  = "saved"           // review mode, no advance
	ActionReviewSection = "review_section"  // last question of a section
	ActionConfirmSubmit = "confirm_submit"  // flat test finished, unanswered remain
	ActionReadySubmit   = "ready_to_submit" // flat test finished, all answered
)

// AnswerAck reports the authoritative post-submission state. Resynced is set
// when the request's index did not match the server cursor and nothing was
// applied.
type AnswerAck struct {
	Resynced             bool                  `json:"resynced,omitempty"`
	NextAction           string                `json:"next_action"`
	CurrentSectionIndex  int                   `json:"current_section_index"`
	CurrentQuestionIndex int                   `json:"current_question_index"`
	QuestionStatus       models.QuestionStatus `json:"question_status"`
	AnsweredCount        int                   `json:"answered_count"`
	SkippedCount         int                   `json:"skipped_count"`
	UnansweredInScope    int                   `json:"unanswered_in_scope"`
	TimeRemainingMS      int64                 `json:"time_remaining_ms"`
	Section              *SectionSummary       `json:"section,omitempty"`
}

// SectionAdvance reports the outcome of submitSection / startSectionReview.
type SectionAdvance struct {
	SectionIndex      int                  `json:"section_index"`
	SectionStatus     models.SectionStatus `json:"section_status"`
	NextSectionIndex  *int                 `json:"next_section_index,omitempty"`
	TestComplete      bool                 `json:"test_complete"`
	CompletedSections []int                `json:"completed_sections"`
}

type TimeSyncResponse struct {
	SessionID       uint                 `json:"session_id"`
	Status          models.SessionStatus `json:"status"`
	TimeRemainingMS int64                `json:"time_remaining_ms"`
	ServerTime      time.Time            `json:"server_time"`
	IsConnected     bool                 `json:"is_connected"`
}

type ResultResponse struct {
	SessionID     uint                    `json:"session_id"`
	TestID        uint                    `json:"test_id"`
	AttemptNumber int                     `json:"attempt_number"`
	Status        models.SessionStatus    `json:"status"`
	EndReason     string                  `json:"end_reason"`
	Score         models.FinalScore       `json:"score"`
	Questions     []models.QuestionResult `json:"questions,omitempty"`
	CompletedAt   *time.Time              `json:"completed_at,omitempty"`
}

type SweepReport struct {
	StaleAbandoned   int `json:"stale_abandoned"`
	GraceAbandoned   int `json:"grace_abandoned"`
	ExpiredByBudget  int `json:"expired_by_budget"`
	Errors           int `json:"errors"`
	DurationMS       int64
	SessionsExamined int `json:"sessions_examined"`
}

type ExportResponse struct {
	FileName    string `json:"file_name"`
	ContentType string `json:"content_type"`
	Data        []byte `json:"-"`
}

type TestStatsResponse struct {
	TestID       uint    `json:"test_id"`
	AttemptCount int64   `json:"attempt_count"`
	PassedCount  int64   `json:"passed_count"`
	PassRate     float64 `json:"pass_rate"`
	AverageScore float64 `json:"average_score"`
}
