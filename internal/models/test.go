package models

import (
	"time"

	"gorm.io/gorm"
)

type TestStatus string

const (
	TestDraft    TestStatus = "Draft"
	TestActive   TestStatus = "Active"
	TestArchived TestStatus = "Archived"
)

// Test is the resolved test definition consumed read-only at snapshot time.
// Authoring lives in the content service; this service never writes tests.
type Test struct {
	ID             uint       `json:"id" gorm:"primaryKey"`
	Title          string     `json:"title" gorm:"not null;size:200;index"`
	Description    *string    `json:"description" gorm:"type:text"`
	Status         TestStatus `json:"status" gorm:"default:Draft;index"`
	OrganizationID *string    `json:"organization_id" gorm:"index;size:255"` // nil for global tests
	IsGlobal       bool       `json:"is_global" gorm:"default:false"`
	CreatedBy      string     `json:"created_by" gorm:"not null;index;size:255"`

	Settings  TestSettings     `json:"settings" gorm:"type:jsonb;serializer:json"`
	Sections  []TestSectionDef `json:"sections" gorm:"type:jsonb;serializer:json"`
	Questions []QuestionDef    `json:"questions" gorm:"type:jsonb;serializer:json"`

	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"-" gorm:"index"`
}

func (Test) TableName() string {
	return "tests"
}

type TestSettings struct {
	TimeLimit        int     `json:"time_limit" validate:"required,min=1"` // minutes
	AttemptsAllowed  int     `json:"attempts_allowed" validate:"min=1"`
	ShuffleQuestions bool    `json:"shuffle_questions"`
	UseSections      bool    `json:"use_sections"`
	PassingThreshold float64 `json:"passing_threshold"`
}

type TestSectionDef struct {
	Name      string        `json:"name"`
	TimeLimit int           `json:"time_limit"` // minutes
	Questions []QuestionDef `json:"questions"`
}

// QuestionDef is the full authoring payload of a question as resolved by the
// content source. The snapshot builder copies the fields relevant to the type.
type QuestionDef struct {
	ID         uint             `json:"id"`
	Type       QuestionType     `json:"type"`
	Category   QuestionCategory `json:"category,omitempty"`
	Language   string           `json:"language,omitempty"`
	Difficulty DifficultyLevel  `json:"difficulty,omitempty"`
	Text       string           `json:"text"`
	Points     float64          `json:"points"`

	Options       []QuestionOption `json:"options,omitempty"`
	CorrectAnswer *string          `json:"correct_answer,omitempty"`
	BlankTemplate string           `json:"blank_template,omitempty"`
	Blanks        []QuestionBlank  `json:"blanks,omitempty"`
	CodeTemplate  string           `json:"code_template,omitempty"`
	EntryFunction string           `json:"entry_function,omitempty"`
	Runtime       *RuntimeConfig   `json:"runtime,omitempty"`
	TestCases     []CodeTestCase   `json:"test_cases,omitempty"`
}

// StudentTestOverride grants extra attempts to one student for one test.
// Consumed read-only during attempt-limit checks.
type StudentTestOverride struct {
	ID            uint      `json:"id" gorm:"primaryKey"`
	TestID        uint      `json:"test_id" gorm:"not null;index;uniqueIndex:idx_override_user_test"`
	UserID        string    `json:"user_id" gorm:"not null;index;size:255;uniqueIndex:idx_override_user_test"`
	ExtraAttempts int       `json:"extra_attempts" gorm:"not null"`
	Reason        *string   `json:"reason" gorm:"type:text"`
	GrantedBy     string    `json:"granted_by" gorm:"size:255"`
	CreatedAt     time.Time `json:"created_at"`
}

func (StudentTestOverride) TableName() string {
	return "student_test_overrides"
}
