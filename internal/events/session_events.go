package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/SAP-F-2025/exam-session-service/internal/models"
)

// EventType represents different types of session lifecycle events
type EventType string

const (
	EventSessionStarted   EventType = "session.started"
	EventSessionRejoined  EventType = "session.rejoined"
	EventSessionCompleted EventType = "session.completed"
	EventSessionExpired   EventType = "session.expired"
	EventSessionAbandoned EventType = "session.abandoned"
	EventSessionRecovered EventType = "session.recovered"
	EventSessionFailed    EventType = "session.failed"

	EventTimeWarning EventType = "session.time_warning"
)

const eventSource = "exam-session-service"

// SessionEvent is the base event structure for all session events
type SessionEvent struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Source    string                 `json:"source"`
	Version   string                 `json:"version"`
	Data      interface{}            `json:"data"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

type SessionStartedEvent struct {
	SessionID     uint      `json:"session_id"`
	TestID        uint      `json:"test_id"`
	TestTitle     string    `json:"test_title"`
	UserID        string    `json:"user_id"`
	AttemptNumber int       `json:"attempt_number"`
	StartedAt     time.Time `json:"started_at"`
	TimeLimit     int       `json:"time_limit"` // minutes
}

type SessionEndedEvent struct {
	SessionID     uint               `json:"session_id"`
	TestID        uint               `json:"test_id"`
	UserID        string             `json:"user_id"`
	AttemptNumber int                `json:"attempt_number"`
	EndedAt       time.Time          `json:"ended_at"`
	EndReason     string             `json:"end_reason"`
	Score         *models.FinalScore `json:"score,omitempty"`
}

type SessionRecoveredEvent struct {
	SessionID    uint      `json:"session_id"`
	TestID       uint      `json:"test_id"`
	UserID       string    `json:"user_id"`
	RecoveredAt  time.Time `json:"recovered_at"`
	SectionIndex int       `json:"section_index"`
}

type TimeWarningEvent struct {
	SessionID        uint      `json:"session_id"`
	TestID           uint      `json:"test_id"`
	UserID           string    `json:"user_id"`
	SecondsRemaining int       `json:"seconds_remaining"`
	WarningTime      time.Time `json:"warning_time"`
}

// Event factory functions

func NewSessionStartedEvent(session *models.ExamSession) *SessionEvent {
	data := SessionStartedEvent{
		SessionID:     session.ID,
		TestID:        session.TestID,
		UserID:        session.UserID,
		AttemptNumber: session.AttemptNumber,
	}
	if session.StartedAt != nil {
		data.StartedAt = *session.StartedAt
	}
	if session.Snapshot != nil {
		data.TestTitle = session.Snapshot.Title
		data.TimeLimit = session.Snapshot.Settings.TimeLimit
	}
	return newEvent(EventSessionStarted, data)
}

func NewSessionEndedEvent(eventType EventType, session *models.ExamSession, endReason string) *SessionEvent {
	data := SessionEndedEvent{
		SessionID:     session.ID,
		TestID:        session.TestID,
		UserID:        session.UserID,
		AttemptNumber: session.AttemptNumber,
		EndedAt:       time.Now(),
		EndReason:     endReason,
		Score:         session.FinalScore,
	}
	return newEvent(eventType, data)
}

func NewSessionRejoinedEvent(session *models.ExamSession) *SessionEvent {
	return newEvent(EventSessionRejoined, SessionRecoveredEvent{
		SessionID:    session.ID,
		TestID:       session.TestID,
		UserID:       session.UserID,
		RecoveredAt:  time.Now(),
		SectionIndex: session.CurrentSectionIndex,
	})
}

func NewSessionRecoveredEvent(session *models.ExamSession) *SessionEvent {
	return newEvent(EventSessionRecovered, SessionRecoveredEvent{
		SessionID:    session.ID,
		TestID:       session.TestID,
		UserID:       session.UserID,
		RecoveredAt:  time.Now(),
		SectionIndex: session.CurrentSectionIndex,
	})
}

func NewTimeWarningEvent(session *models.ExamSession, secondsRemaining int) *SessionEvent {
	return newEvent(EventTimeWarning, TimeWarningEvent{
		SessionID:        session.ID,
		TestID:           session.TestID,
		UserID:           session.UserID,
		SecondsRemaining: secondsRemaining,
		WarningTime:      time.Now(),
	})
}

func newEvent(eventType EventType, data interface{}) *SessionEvent {
	return &SessionEvent{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: time.Now(),
		Source:    eventSource,
		Version:   "1.0",
		Data:      data,
	}
}
