package postgres

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/SAP-F-2025/exam-session-service/internal/models"
	"github.com/SAP-F-2025/exam-session-service/internal/repositories"
)

type SessionPostgreSQL struct {
	db *gorm.DB
}

func NewSessionPostgreSQL(db *gorm.DB) repositories.SessionRepository {
	return &SessionPostgreSQL{db: db}
}

func (s *SessionPostgreSQL) Create(ctx context.Context, session *models.ExamSession) error {
	return s.db.WithContext(ctx).Create(session).Error
}

func (s *SessionPostgreSQL) GetByID(ctx context.Context, id uint) (*models.ExamSession, error) {
	var session models.ExamSession
	if err := s.db.WithContext(ctx).First(&session, id).Error; err != nil {
		return nil, err
	}
	return &session, nil
}

func (s *SessionPostgreSQL) Update(ctx context.Context, session *models.ExamSession) error {
	return s.db.WithContext(ctx).Save(session).Error
}

func (s *SessionPostgreSQL) UpdateWithVersion(ctx context.Context, session *models.ExamSession) (bool, error) {
	fromVersion := session.Version
	session.Version = fromVersion + 1

	res := s.db.WithContext(ctx).
		Model(&models.ExamSession{}).
		Where("id = ? AND version = ?", session.ID, fromVersion).
		Select("*").
		Omit("id", "created_at").
		Updates(session)
	if res.Error != nil {
		session.Version = fromVersion
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		session.Version = fromVersion
		return false, nil
	}
	return true, nil
}

func (s *SessionPostgreSQL) AdvanceSection(ctx context.Context, id uint, fromSection, toSection int) (bool, error) {
	res := s.db.WithContext(ctx).
		Model(&models.ExamSession{}).
		Where("id = ? AND current_section_index = ?", id, fromSection).
		Updates(map[string]interface{}{
			"current_section_index":  toSection,
			"current_question_index": 0,
			"review_phase":           false,
			"version":                gorm.Expr("version + 1"),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (s *SessionPostgreSQL) GetActiveByUser(ctx context.Context, userID string) (*models.ExamSession, error) {
	var session models.ExamSession
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND status IN ?", userID,
			[]models.SessionStatus{models.SessionInProgress, models.SessionPaused}).
		Order("created_at DESC").
		First(&session).Error
	if err != nil {
		return nil, err
	}
	return &session, nil
}

func (s *SessionPostgreSQL) GetActiveByUserAndTest(ctx context.Context, userID string, testID uint) (*models.ExamSession, error) {
	var session models.ExamSession
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND test_id = ? AND status IN ?", userID, testID,
			[]models.SessionStatus{models.SessionInProgress, models.SessionPaused}).
		Order("created_at DESC").
		First(&session).Error
	if err != nil {
		return nil, err
	}
	return &session, nil
}

func (s *SessionPostgreSQL) CountConsumedAttempts(ctx context.Context, userID string, testID uint) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&models.ExamSession{}).
		Where("user_id = ? AND test_id = ? AND status IN ?", userID, testID,
			[]models.SessionStatus{models.SessionCompleted, models.SessionAbandoned, models.SessionExpired}).
		Count(&count).Error
	return count, err
}

func (s *SessionPostgreSQL) MaxAttemptNumber(ctx context.Context, userID string, testID uint) (int, error) {
	// COALESCE keeps the scan from failing when the user has no sessions yet.
	var maxAttempt int
	err := s.db.WithContext(ctx).
		Model(&models.ExamSession{}).
		Where("user_id = ? AND test_id = ?", userID, testID).
		Select("COALESCE(MAX(attempt_number), 0)").
		Scan(&maxAttempt).Error
	return maxAttempt, err
}

func (s *SessionPostgreSQL) UpdateStatus(ctx context.Context, id uint, status models.SessionStatus, endReason *string) error {
	updates := map[string]interface{}{"status": status}
	if endReason != nil {
		updates["end_reason"] = *endReason
	}
	return s.db.WithContext(ctx).
		Model(&models.ExamSession{}).
		Where("id = ?", id).
		Updates(updates).Error
}

// FinalizeSession is the only write that moves a session into a terminal
// status. The active-status guard makes grading execute at most once even
// under concurrent manual and timer-driven submits.
func (s *SessionPostgreSQL) FinalizeSession(ctx context.Context, session *models.ExamSession) (bool, error) {
	session.Version++
	res := s.db.WithContext(ctx).
		Model(&models.ExamSession{}).
		Where("id = ? AND status IN ?", session.ID,
			[]models.SessionStatus{models.SessionInProgress, models.SessionPaused}).
		Select("status", "completed_at", "end_reason", "snapshot", "final_score",
			"completed_sections", "answered_questions", "skipped_questions",
			"time_remaining", "is_connected", "version").
		Updates(session)
	if res.Error != nil {
		session.Version--
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		session.Version--
		return false, nil
	}
	return true, nil
}

func (s *SessionPostgreSQL) UpdateConnectionState(ctx context.Context, session *models.ExamSession) error {
	return s.db.WithContext(ctx).
		Model(&models.ExamSession{}).
		Where("id = ?", session.ID).
		Updates(map[string]interface{}{
			"is_connected":      session.IsConnected,
			"disconnected_at":   session.DisconnectedAt,
			"last_connected_at": session.LastConnectedAt,
			"grace_timer_id":    session.GraceTimerID,
			"status":            session.Status,
			"timer_started_at":  session.TimerStartedAt,
			"time_remaining":    session.TimeRemaining,
		}).Error
}

func (s *SessionPostgreSQL) GetPausedDisconnectedBefore(ctx context.Context, cutoff time.Time) ([]*models.ExamSession, error) {
	var sessions []*models.ExamSession
	err := s.db.WithContext(ctx).
		Where("status = ? AND disconnected_at IS NOT NULL AND disconnected_at <= ?",
			models.SessionPaused, cutoff).
		Find(&sessions).Error
	return sessions, err
}

func (s *SessionPostgreSQL) GetPausedPastGrace(ctx context.Context, cutoff time.Time) ([]*models.ExamSession, error) {
	var sessions []*models.ExamSession
	err := s.db.WithContext(ctx).
		Where("status = ? AND grace_timer_id IS NOT NULL AND disconnected_at <= ?",
			models.SessionPaused, cutoff).
		Find(&sessions).Error
	return sessions, err
}

func (s *SessionPostgreSQL) GetInProgress(ctx context.Context) ([]*models.ExamSession, error) {
	var sessions []*models.ExamSession
	err := s.db.WithContext(ctx).
		Where("status = ?", models.SessionInProgress).
		Find(&sessions).Error
	return sessions, err
}

func (s *SessionPostgreSQL) List(ctx context.Context, filters repositories.SessionFilters) ([]*models.ExamSession, int64, error) {
	var sessions []*models.ExamSession
	var total int64

	query := s.db.WithContext(ctx).Model(&models.ExamSession{})
	query = applySessionFilters(query, filters)

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	query = applyPaginationAndSort(query, filters.SortBy, filters.SortOrder, filters.Limit, filters.Offset)
	if err := query.Find(&sessions).Error; err != nil {
		return nil, 0, err
	}
	return sessions, total, nil
}

func applySessionFilters(query *gorm.DB, filters repositories.SessionFilters) *gorm.DB {
	if filters.Status != nil {
		query = query.Where("status = ?", *filters.Status)
	}
	if filters.TestID != nil {
		query = query.Where("test_id = ?", *filters.TestID)
	}
	if filters.UserID != nil {
		query = query.Where("user_id = ?", *filters.UserID)
	}
	if filters.OrganizationID != nil {
		query = query.Where("organization_id = ?", *filters.OrganizationID)
	}
	if filters.DateFrom != nil {
		query = query.Where("created_at >= ?", *filters.DateFrom)
	}
	if filters.DateTo != nil {
		query = query.Where("created_at <= ?", *filters.DateTo)
	}
	return query
}

func applyPaginationAndSort(query *gorm.DB, sortBy, sortOrder string, limit, offset int) *gorm.DB {
	if sortBy == "" {
		sortBy = "created_at"
	}
	if sortOrder != "asc" {
		sortOrder = "desc"
	}
	query = query.Order(sortBy + " " + sortOrder)
	if limit > 0 {
		query = query.Limit(limit)
	}
	if offset > 0 {
		query = query.Offset(offset)
	}
	return query
}
