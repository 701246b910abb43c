package models

import (
	"encoding/json"
	"time"
)

type QuestionType string

const (
	MultipleChoice QuestionType = "multiple_choice"
	TrueFalse      QuestionType = "true_false"
	FillInBlank    QuestionType = "fill_blank"
	CodeChallenge  QuestionType = "code_challenge"
	Debugging      QuestionType = "debugging"
	ShortAnswer    QuestionType = "short_answer"
	Essay          QuestionType = "essay"
)

type QuestionCategory string

const (
	CategoryLogic  QuestionCategory = "logic"
	CategoryUI     QuestionCategory = "ui"
	CategorySyntax QuestionCategory = "syntax"
)

type DifficultyLevel string

const (
	DifficultyEasy   DifficultyLevel = "Easy"
	DifficultyMedium DifficultyLevel = "Medium"
	DifficultyHard   DifficultyLevel = "Hard"
)

type QuestionStatus string

const (
	QuestionNotViewed QuestionStatus = "not_viewed"
	QuestionViewed    QuestionStatus = "viewed"
	QuestionAnswered  QuestionStatus = "answered"
	QuestionSkipped   QuestionStatus = "skipped"
)

type SectionStatus string

const (
	SectionNotStarted SectionStatus = "not_started"
	SectionInProgress SectionStatus = "in_progress"
	SectionReviewing  SectionStatus = "reviewing"
	SectionSubmitted  SectionStatus = "submitted"
)

// TestSnapshot is the immutable per-attempt copy of a test. Only the
// per-question student fields and section statuses change after creation.
type TestSnapshot struct {
	Title       string           `json:"title"`
	Description *string          `json:"description,omitempty"`
	Settings    SnapshotSettings `json:"settings"`

	// Seed reproduces this snapshot's shuffle order; stamped at build time.
	Seed int64 `json:"seed"`

	// Exactly one of Questions (flat) or Sections is populated.
	Questions []SnapshotQuestion `json:"questions,omitempty"`
	Sections  []SnapshotSection  `json:"sections,omitempty"`
}

type SnapshotSettings struct {
	TimeLimit        int     `json:"time_limit"` // minutes
	AttemptsAllowed  int     `json:"attempts_allowed"`
	ShuffleQuestions bool    `json:"shuffle_questions"`
	UseSections      bool    `json:"use_sections"`
	PassingThreshold float64 `json:"passing_threshold"`
}

type SnapshotSection struct {
	Name        string             `json:"name"`
	TimeLimit   int                `json:"time_limit"` // minutes
	Status      SectionStatus      `json:"status"`
	StartedAt   *time.Time         `json:"started_at,omitempty"`
	SubmittedAt *time.Time         `json:"submitted_at,omitempty"`
	Questions   []SnapshotQuestion `json:"questions"`
}

// SnapshotQuestion is a denormalized copy of an authored question plus the
// student's progress on it. Student fields start zeroed and are mutated only
// by the navigator; everything is read-only once grading has run.
type SnapshotQuestion struct {
	QuestionID uint             `json:"question_id"`
	Type       QuestionType     `json:"type"`
	Category   QuestionCategory `json:"category,omitempty"`
	Language   string           `json:"language,omitempty"`
	Difficulty DifficultyLevel  `json:"difficulty,omitempty"`
	Text       string           `json:"text"`
	Points     float64          `json:"points"`
	FinalOrder int              `json:"final_order"`

	// Type-specific authoring payload. Fields irrelevant to the type are
	// omitted at snapshot time; hiding from students happens at read time.
	Options       []QuestionOption `json:"options,omitempty"`
	CorrectAnswer *string          `json:"correct_answer,omitempty"`
	BlankTemplate string           `json:"blank_template,omitempty"`
	Blanks        []QuestionBlank  `json:"blanks,omitempty"`
	CodeTemplate  string           `json:"code_template,omitempty"`
	EntryFunction string           `json:"entry_function,omitempty"`
	Runtime       *RuntimeConfig   `json:"runtime,omitempty"`
	TestCases     []CodeTestCase   `json:"test_cases,omitempty"`

	// Student progress
	StudentAnswer json.RawMessage `json:"student_answer,omitempty"`
	Status        QuestionStatus  `json:"status"`
	TimeSpent     int             `json:"time_spent"` // seconds
	ViewCount     int             `json:"view_count"`
	FirstViewedAt *time.Time      `json:"first_viewed_at,omitempty"`
	LastViewedAt  *time.Time      `json:"last_viewed_at,omitempty"`
	IsCorrect     *bool           `json:"is_correct,omitempty"`
	PointsEarned  float64         `json:"points_earned"`
}

type QuestionOption struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

type QuestionBlank struct {
	ID             string   `json:"id"`
	CorrectAnswers []string `json:"correct_answers"`
	CaseSensitive  bool     `json:"case_sensitive"`
}

type RuntimeConfig struct {
	Language  string `json:"language"`
	Version   string `json:"version,omitempty"`
	TimeoutMS int    `json:"timeout_ms"`
}

type CodeTestCase struct {
	Input          string `json:"input"`
	ExpectedOutput string `json:"expected_output"`
	Hidden         bool   `json:"hidden"`
}

// HasAnswer reports whether the student left anything gradable. Null, empty
// string and empty array payloads all count as unanswered.
func (q *SnapshotQuestion) HasAnswer() bool {
	if len(q.StudentAnswer) == 0 {
		return false
	}
	switch string(q.StudentAnswer) {
	case "null", `""`, "[]", "{}":
		return false
	}
	return true
}

// QuestionCount is the total question count across sections or the flat list.
func (ts *TestSnapshot) QuestionCount() int {
	if ts.Settings.UseSections {
		n := 0
		for i := range ts.Sections {
			n += len(ts.Sections[i].Questions)
		}
		return n
	}
	return len(ts.Questions)
}

// AllQuestions yields pointers to every question in test order.
func (ts *TestSnapshot) AllQuestions() []*SnapshotQuestion {
	var out []*SnapshotQuestion
	if ts.Settings.UseSections {
		for i := range ts.Sections {
			for j := range ts.Sections[i].Questions {
				out = append(out, &ts.Sections[i].Questions[j])
			}
		}
		return out
	}
	for i := range ts.Questions {
		out = append(out, &ts.Questions[i])
	}
	return out
}

// IsStructurallyValid checks the integrity a loaded snapshot needs before
// navigation can operate on it. A snapshot failing this triggers recovery.
func (ts *TestSnapshot) IsStructurallyValid() bool {
	if ts == nil {
		return false
	}
	if ts.Settings.TimeLimit <= 0 {
		return false
	}
	if ts.Settings.UseSections {
		return len(ts.Sections) > 0
	}
	return len(ts.Questions) > 0
}
