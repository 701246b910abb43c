package models

import "time"

// FinalScore is the score breakdown written once by the grading engine.
type FinalScore struct {
	EarnedPoints    float64 `json:"earned_points"`
	TotalPoints     float64 `json:"total_points"`
	Percentage      float64 `json:"percentage"`
	Passed          bool    `json:"passed"`
	CorrectCount    int     `json:"correct_count"`
	IncorrectCount  int     `json:"incorrect_count"`
	UnansweredCount int     `json:"unanswered_count"`
	PendingReview   int     `json:"pending_review"`
}

// QuestionResult is the per-question grading detail stored on the Result.
type QuestionResult struct {
	QuestionID   uint         `json:"question_id"`
	Type         QuestionType `json:"type"`
	Points       float64      `json:"points"`
	PointsEarned float64      `json:"points_earned"`
	IsCorrect    *bool        `json:"is_correct,omitempty"` // nil when pending manual review
	Answered     bool         `json:"answered"`
	ManualReview bool         `json:"manual_review"`
	TimeSpent    int          `json:"time_spent"` // seconds
}

// Result is the durable, immutable grading artifact: exactly one row per
// completed/expired/abandoned session. Only explicit manual-grading flows
// outside this service may touch it after creation.
type Result struct {
	ID             uint   `json:"id" gorm:"primaryKey"`
	SessionID      uint   `json:"session_id" gorm:"not null;uniqueIndex"`
	TestID         uint   `json:"test_id" gorm:"not null;index"`
	UserID         string `json:"user_id" gorm:"not null;index;size:255"`
	OrganizationID string `json:"organization_id" gorm:"index;size:255"`
	AttemptNumber  int    `json:"attempt_number" gorm:"not null"`

	Questions []QuestionResult `json:"questions" gorm:"type:jsonb;serializer:json"`
	Score     FinalScore       `json:"score" gorm:"type:jsonb;serializer:json"`
	EndReason string           `json:"end_reason" gorm:"size:32"`

	CreatedAt time.Time `json:"created_at"`
}

func (Result) TableName() string {
	return "session_results"
}

// TestStats holds per-test aggregates. Counters move only via atomic
// increments, never read-modify-write.
type TestStats struct {
	TestID       uint      `json:"test_id" gorm:"primaryKey"`
	AttemptCount int64     `json:"attempt_count"`
	PassedCount  int64     `json:"passed_count"`
	ScoreSum     float64   `json:"score_sum"` // percentage points, for rolling average
	ScoreCount   int64     `json:"score_count"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (TestStats) TableName() string {
	return "test_stats"
}

// AverageScore derives the rolling average from the counters.
func (ts *TestStats) AverageScore() float64 {
	if ts.ScoreCount == 0 {
		return 0
	}
	return ts.ScoreSum / float64(ts.ScoreCount)
}
