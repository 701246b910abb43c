package postgres

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/SAP-F-2025/exam-session-service/internal/repositories"
)

// GormRepository aggregates all postgres repositories over one *gorm.DB.
// Begin returns a copy bound to a transaction; Commit/Rollback close it.
type GormRepository struct {
	db   *gorm.DB
	inTx bool

	session  repositories.SessionRepository
	result   repositories.ResultRepository
	test     repositories.TestRepository
	override repositories.OverrideRepository
	stats    repositories.StatsRepository
}

func NewGormRepository(db *gorm.DB) *GormRepository {
	return newGormRepository(db, false)
}

func newGormRepository(db *gorm.DB, inTx bool) *GormRepository {
	return &GormRepository{
		db:       db,
		inTx:     inTx,
		session:  NewSessionPostgreSQL(db),
		result:   NewResultPostgreSQL(db),
		test:     NewTestPostgreSQL(db),
		override: NewOverridePostgreSQL(db),
		stats:    NewStatsPostgreSQL(db),
	}
}

func (r *GormRepository) Session() repositories.SessionRepository   { return r.session }
func (r *GormRepository) Result() repositories.ResultRepository     { return r.result }
func (r *GormRepository) Test() repositories.TestRepository         { return r.test }
func (r *GormRepository) Override() repositories.OverrideRepository { return r.override }
func (r *GormRepository) Stats() repositories.StatsRepository       { return r.stats }

func (r *GormRepository) Begin(ctx context.Context) (repositories.Repository, error) {
	if r.inTx {
		return nil, fmt.Errorf("transaction already started")
	}
	tx := r.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", tx.Error)
	}
	return newGormRepository(tx, true), nil
}

func (r *GormRepository) Commit(ctx context.Context) error {
	if !r.inTx {
		return fmt.Errorf("no transaction to commit")
	}
	return r.db.Commit().Error
}

func (r *GormRepository) Rollback(ctx context.Context) error {
	if !r.inTx {
		return fmt.Errorf("no transaction to rollback")
	}
	return r.db.Rollback().Error
}
