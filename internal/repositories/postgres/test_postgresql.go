package postgres

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/SAP-F-2025/exam-session-service/internal/models"
	"github.com/SAP-F-2025/exam-session-service/internal/repositories"
)

type TestPostgreSQL struct {
	db *gorm.DB
}

func NewTestPostgreSQL(db *gorm.DB) repositories.TestRepository {
	return &TestPostgreSQL{db: db}
}

func (t *TestPostgreSQL) GetByID(ctx context.Context, id uint) (*models.Test, error) {
	var test models.Test
	if err := t.db.WithContext(ctx).First(&test, id).Error; err != nil {
		return nil, err
	}
	return &test, nil
}

type OverridePostgreSQL struct {
	db *gorm.DB
}

func NewOverridePostgreSQL(db *gorm.DB) repositories.OverrideRepository {
	return &OverridePostgreSQL{db: db}
}

func (o *OverridePostgreSQL) GetByUserAndTest(ctx context.Context, userID string, testID uint) (*models.StudentTestOverride, error) {
	var override models.StudentTestOverride
	if err := o.db.WithContext(ctx).
		Where("user_id = ? AND test_id = ?", userID, testID).
		First(&override).Error; err != nil {
		return nil, err
	}
	return &override, nil
}

type StatsPostgreSQL struct {
	db *gorm.DB
}

func NewStatsPostgreSQL(db *gorm.DB) repositories.StatsRepository {
	return &StatsPostgreSQL{db: db}
}

// RecordAttempt upserts the per-test aggregate row with atomic counter
// increments so concurrent graders never read-modify-write each other.
func (s *StatsPostgreSQL) RecordAttempt(ctx context.Context, testID uint, percentage float64, passed bool) error {
	passedInc := int64(0)
	if passed {
		passedInc = 1
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "test_id"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"attempt_count": gorm.Expr("test_stats.attempt_count + 1"),
				"passed_count":  gorm.Expr("test_stats.passed_count + ?", passedInc),
				"score_sum":     gorm.Expr("test_stats.score_sum + ?", percentage),
				"score_count":   gorm.Expr("test_stats.score_count + 1"),
			}),
		}).
		Create(&models.TestStats{
			TestID:       testID,
			AttemptCount: 1,
			PassedCount:  passedInc,
			ScoreSum:     percentage,
			ScoreCount:   1,
		}).Error
}

func (s *StatsPostgreSQL) GetByTest(ctx context.Context, testID uint) (*models.TestStats, error) {
	var stats models.TestStats
	if err := s.db.WithContext(ctx).First(&stats, "test_id = ?", testID).Error; err != nil {
		return nil, err
	}
	return &stats, nil
}
