package repositories

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/SAP-F-2025/exam-session-service/internal/models"
)

// SessionRepository interface for exam session persistence
type SessionRepository interface {
	// Basic CRUD operations
	Create(ctx context.Context, session *models.ExamSession) error
	GetByID(ctx context.Context, id uint) (*models.ExamSession, error)
	Update(ctx context.Context, session *models.ExamSession) error

	// UpdateWithVersion saves the session only if its Version column still
	// matches; on success the stored version is bumped. Returns false when a
	// concurrent writer won.
	UpdateWithVersion(ctx context.Context, session *models.ExamSession) (bool, error)

	// AdvanceSection moves the cursor to the next section only if
	// current_section_index still equals fromSection. Returns false when a
	// racing duplicate already advanced it.
	AdvanceSection(ctx context.Context, id uint, fromSection, toSection int) (bool, error)

	// Active session management
	GetActiveByUser(ctx context.Context, userID string) (*models.ExamSession, error)
	GetActiveByUserAndTest(ctx context.Context, userID string, testID uint) (*models.ExamSession, error)

	// Attempt accounting
	CountConsumedAttempts(ctx context.Context, userID string, testID uint) (int64, error)
	MaxAttemptNumber(ctx context.Context, userID string, testID uint) (int, error)

	// Status management
	UpdateStatus(ctx context.Context, id uint, status models.SessionStatus, endReason *string) error

	// FinalizeSession writes the graded snapshot, final score and terminal
	// status in one conditional update gated on the session still being
	// active. Returns false when another finalizer already flipped it.
	FinalizeSession(ctx context.Context, session *models.ExamSession) (bool, error)
	UpdateConnectionState(ctx context.Context, session *models.ExamSession) error

	// Sweeper queries
	GetPausedDisconnectedBefore(ctx context.Context, cutoff time.Time) ([]*models.ExamSession, error)
	GetPausedPastGrace(ctx context.Context, cutoff time.Time) ([]*models.ExamSession, error)
	GetInProgress(ctx context.Context) ([]*models.ExamSession, error)

	// Query operations
	List(ctx context.Context, filters SessionFilters) ([]*models.ExamSession, int64, error)
}

// ResultRepository interface for immutable grading artifacts
type ResultRepository interface {
	Create(ctx context.Context, result *models.Result) error
	GetBySessionID(ctx context.Context, sessionID uint) (*models.Result, error)
	GetByTest(ctx context.Context, testID uint, limit, offset int) ([]*models.Result, int64, error)
	ExistsForSession(ctx context.Context, sessionID uint) (bool, error)
}

// TestRepository provides read-only access to resolved test definitions
type TestRepository interface {
	GetByID(ctx context.Context, id uint) (*models.Test, error)
}

// OverrideRepository provides read-only access to extra-attempt grants
type OverrideRepository interface {
	GetByUserAndTest(ctx context.Context, userID string, testID uint) (*models.StudentTestOverride, error)
}

// StatsRepository maintains per-test aggregates via atomic increments
type StatsRepository interface {
	RecordAttempt(ctx context.Context, testID uint, percentage float64, passed bool) error
	GetByTest(ctx context.Context, testID uint) (*models.TestStats, error)
}

// Repository aggregates all repositories behind one handle
type Repository interface {
	Session() SessionRepository
	Result() ResultRepository
	Test() TestRepository
	Override() OverrideRepository
	Stats() StatsRepository
}

// TransactionRepository is implemented by repositories that can open a
// transactional view of themselves
type TransactionRepository interface {
	Begin(ctx context.Context) (Repository, error)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// ===== SHARED FILTER STRUCTS =====

type SessionFilters struct {
	Status         *models.SessionStatus `json:"status"`
	TestID         *uint                 `json:"test_id"`
	UserID         *string               `json:"user_id"`
	OrganizationID *string               `json:"organization_id"`
	DateFrom       *time.Time            `json:"date_from"`
	DateTo         *time.Time            `json:"date_to"`
	Limit          int                   `json:"limit"`
	Offset         int                   `json:"offset"`
	SortBy         string                `json:"sort_by"`    // "created_at", "attempt_number"
	SortOrder      string                `json:"sort_order"` // "asc", "desc"
}

// IsNotFoundError checks whether err is the persistence layer's not-found
func IsNotFoundError(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}
