package models

import (
	"time"

	"gorm.io/datatypes"
)

type SessionStatus string

const (
	SessionInProgress SessionStatus = "in_progress"
	SessionPaused     SessionStatus = "paused"
	SessionCompleted  SessionStatus = "completed"
	SessionExpired    SessionStatus = "expired"
	SessionAbandoned  SessionStatus = "abandoned"
	SessionFailed     SessionStatus = "failed"
)

const (
	EndReasonCompleted = "completed"
	EndReasonTimeout   = "time_out"
	EndReasonAbandoned = "abandoned"
)

// ExamSession is one attempt by one student at one test. The frozen test
// snapshot is embedded as jsonb; all navigation state is section-relative.
type ExamSession struct {
	ID             uint          `json:"id" gorm:"primaryKey"`
	TestID         uint          `json:"test_id" gorm:"not null;index;uniqueIndex:idx_user_test_attempt"`
	UserID         string        `json:"user_id" gorm:"not null;index;size:255;uniqueIndex:idx_user_test_attempt"`
	OrganizationID string        `json:"organization_id" gorm:"index;size:255"`
	AttemptNumber  int           `json:"attempt_number" gorm:"not null;uniqueIndex:idx_user_test_attempt"`
	Status         SessionStatus `json:"status" gorm:"default:in_progress;index"`

	// Timing
	StartedAt   *time.Time `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at"`
	// TimerStartedAt is the wall-clock anchor for the running countdown.
	// TimeRemaining holds the frozen remaining budget while paused; while
	// running, remaining time is always timeLimit-derived, never accumulated.
	TimerStartedAt *time.Time `json:"timer_started_at"`
	TimeRemaining  int64      `json:"time_remaining"` // milliseconds

	// Connection state
	IsConnected     bool       `json:"is_connected" gorm:"default:true"`
	DisconnectedAt  *time.Time `json:"disconnected_at"`
	LastConnectedAt *time.Time `json:"last_connected_at"`
	GraceTimerID    *string    `json:"grace_timer_id" gorm:"size:64"`

	// Navigation cursor. CurrentQuestionIndex is 0-based within the active
	// section, never a global position.
	CurrentSectionIndex  int  `json:"current_section_index"`
	CurrentQuestionIndex int  `json:"current_question_index"`
	ReviewPhase          bool `json:"review_phase"`

	// CompletedSections holds submitted section indices. The answered/skipped
	// arrays hold global question indices for backward-compatible reporting
	// and are always recomputed from per-question state, never edited alone.
	CompletedSections datatypes.JSONSlice[int] `json:"completed_sections" gorm:"type:jsonb"`
	AnsweredQuestions datatypes.JSONSlice[int] `json:"answered_questions" gorm:"type:jsonb"`
	SkippedQuestions  datatypes.JSONSlice[int] `json:"skipped_questions" gorm:"type:jsonb"`

	Snapshot   *TestSnapshot `json:"snapshot" gorm:"type:jsonb;serializer:json"`
	FinalScore *FinalScore   `json:"final_score" gorm:"type:jsonb;serializer:json"`
	EndReason  *string       `json:"end_reason" gorm:"type:text"`

	// Version guards concurrent mutation of the embedded snapshot arrays.
	Version int `json:"version" gorm:"default:1"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (ExamSession) TableName() string {
	return "exam_sessions"
}

// IsActive reports whether the session can still be rejoined.
func (s *ExamSession) IsActive() bool {
	return s.Status == SessionInProgress || s.Status == SessionPaused
}

// IsTerminal reports whether the session reached a final status.
func (s *ExamSession) IsTerminal() bool {
	switch s.Status {
	case SessionCompleted, SessionExpired, SessionAbandoned, SessionFailed:
		return true
	}
	return false
}

// CountsAgainstLimit reports whether this session consumes an attempt.
// Failed sessions never do.
func (s *ExamSession) CountsAgainstLimit() bool {
	switch s.Status {
	case SessionCompleted, SessionAbandoned, SessionExpired:
		return true
	}
	return false
}

// CurrentSection returns the active section, or nil for flat tests.
func (s *ExamSession) CurrentSection() *SnapshotSection {
	if s.Snapshot == nil || !s.Snapshot.Settings.UseSections {
		return nil
	}
	if s.CurrentSectionIndex < 0 || s.CurrentSectionIndex >= len(s.Snapshot.Sections) {
		return nil
	}
	return &s.Snapshot.Sections[s.CurrentSectionIndex]
}

// CurrentQuestions returns the question list the cursor operates on.
func (s *ExamSession) CurrentQuestions() []SnapshotQuestion {
	if s.Snapshot == nil {
		return nil
	}
	if sec := s.CurrentSection(); sec != nil {
		return sec.Questions
	}
	return s.Snapshot.Questions
}

// CurrentQuestion returns the question under the cursor, or nil if the
// cursor is out of range for the active section.
func (s *ExamSession) CurrentQuestion() *SnapshotQuestion {
	qs := s.CurrentQuestions()
	if s.CurrentQuestionIndex < 0 || s.CurrentQuestionIndex >= len(qs) {
		return nil
	}
	return &qs[s.CurrentQuestionIndex]
}

// GlobalIndex converts a section-relative index to the question's position
// in the whole test, for the legacy reporting arrays.
func (s *ExamSession) GlobalIndex(sectionIndex, questionIndex int) int {
	if s.Snapshot == nil {
		return questionIndex
	}
	if !s.Snapshot.Settings.UseSections {
		return questionIndex
	}
	global := 0
	for i := 0; i < sectionIndex && i < len(s.Snapshot.Sections); i++ {
		global += len(s.Snapshot.Sections[i].Questions)
	}
	return global + questionIndex
}

// RecomputeProgressArrays rebuilds the legacy answered/skipped arrays from
// per-question state so they can never drift from the snapshot.
func (s *ExamSession) RecomputeProgressArrays() {
	answered := make([]int, 0)
	skipped := make([]int, 0)
	if s.Snapshot == nil {
		s.AnsweredQuestions = answered
		s.SkippedQuestions = skipped
		return
	}
	global := 0
	walk := func(qs []SnapshotQuestion) {
		for i := range qs {
			switch qs[i].Status {
			case QuestionAnswered:
				answered = append(answered, global)
			case QuestionSkipped:
				skipped = append(skipped, global)
			}
			global++
		}
	}
	if s.Snapshot.Settings.UseSections {
		for i := range s.Snapshot.Sections {
			walk(s.Snapshot.Sections[i].Questions)
		}
	} else {
		walk(s.Snapshot.Questions)
	}
	s.AnsweredQuestions = answered
	s.SkippedQuestions = skipped
}
