package services

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/SAP-F-2025/exam-session-service/internal/models"
	"github.com/SAP-F-2025/exam-session-service/internal/repositories"
)

// fakeRepo is an in-memory Repository with the same conditional-update
// semantics as the postgres implementation, so the optimistic-concurrency
// paths can be exercised without a database.
type fakeRepo struct {
	mu sync.Mutex

	sessions  map[uint]*models.ExamSession
	results   map[uint]*models.Result // keyed by session id
	tests     map[uint]*models.Test
	overrides map[string]*models.StudentTestOverride // userID:testID
	stats     map[uint]*models.TestStats

	nextSessionID uint
	nextResultID  uint
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		sessions:  make(map[uint]*models.ExamSession),
		results:   make(map[uint]*models.Result),
		tests:     make(map[uint]*models.Test),
		overrides: make(map[string]*models.StudentTestOverride),
		stats:     make(map[uint]*models.TestStats),
	}
}

func (f *fakeRepo) Session() repositories.SessionRepository   { return (*fakeSessionRepo)(f) }
func (f *fakeRepo) Result() repositories.ResultRepository     { return (*fakeResultRepo)(f) }
func (f *fakeRepo) Test() repositories.TestRepository         { return (*fakeTestRepo)(f) }
func (f *fakeRepo) Override() repositories.OverrideRepository { return (*fakeOverrideRepo)(f) }
func (f *fakeRepo) Stats() repositories.StatsRepository       { return (*fakeStatsRepo)(f) }

// ===== TRANSACTIONS =====

// fakeTx records undo closures for every successful write so Rollback can
// revert them, mirroring a real transaction closely enough for the
// exactly-once grading tests.
type fakeTx struct {
	*fakeRepo
	mu    sync.Mutex
	undos []func()
}

func (f *fakeRepo) Begin(ctx context.Context) (repositories.Repository, error) {
	return &fakeTx{fakeRepo: f}, nil
}

func (f *fakeRepo) Commit(ctx context.Context) error   { return nil }
func (f *fakeRepo) Rollback(ctx context.Context) error { return nil }

func (t *fakeTx) Commit(ctx context.Context) error {
	t.mu.Lock()
	t.undos = nil
	t.mu.Unlock()
	return nil
}

func (t *fakeTx) Rollback(ctx context.Context) error {
	t.mu.Lock()
	undos := t.undos
	t.undos = nil
	t.mu.Unlock()
	for i := len(undos) - 1; i >= 0; i-- {
		undos[i]()
	}
	return nil
}

func (t *fakeTx) Session() repositories.SessionRepository {
	return &txSessionRepo{tx: t, inner: (*fakeSessionRepo)(t.fakeRepo)}
}

func (t *fakeTx) Result() repositories.ResultRepository {
	return &txResultRepo{tx: t, inner: (*fakeResultRepo)(t.fakeRepo)}
}

func (t *fakeTx) Stats() repositories.StatsRepository {
	return &txStatsRepo{tx: t, inner: (*fakeStatsRepo)(t.fakeRepo)}
}

func (t *fakeTx) addUndo(fn func()) {
	t.mu.Lock()
	t.undos = append(t.undos, fn)
	t.mu.Unlock()
}

// ===== SESSION REPO =====

type fakeSessionRepo fakeRepo

func (f *fakeSessionRepo) Create(ctx context.Context, session *models.ExamSession) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.nextSessionID++
	session.ID = f.nextSessionID
	session.CreatedAt = time.Now()
	session.UpdatedAt = session.CreatedAt
	f.sessions[session.ID] = cloneSession(session)
	return nil
}

func (f *fakeSessionRepo) GetByID(ctx context.Context, id uint) (*models.ExamSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	stored, ok := f.sessions[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return cloneSession(stored), nil
}

func (f *fakeSessionRepo) Update(ctx context.Context, session *models.ExamSession) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.sessions[session.ID]; !ok {
		return gorm.ErrRecordNotFound
	}
	session.UpdatedAt = time.Now()
	f.sessions[session.ID] = cloneSession(session)
	return nil
}

func (f *fakeSessionRepo) UpdateWithVersion(ctx context.Context, session *models.ExamSession) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	stored, ok := f.sessions[session.ID]
	if !ok || stored.Version != session.Version {
		return false, nil
	}
	session.Version++
	session.UpdatedAt = time.Now()
	f.sessions[session.ID] = cloneSession(session)
	return true, nil
}

func (f *fakeSessionRepo) AdvanceSection(ctx context.Context, id uint, fromSection, toSection int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	stored, ok := f.sessions[id]
	if !ok || stored.CurrentSectionIndex != fromSection {
		return false, nil
	}
	stored.CurrentSectionIndex = toSection
	stored.CurrentQuestionIndex = 0
	stored.ReviewPhase = false
	stored.Version++
	return true, nil
}

func (f *fakeSessionRepo) GetActiveByUser(ctx context.Context, userID string) (*models.ExamSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var latest *models.ExamSession
	for _, s := range f.sessions {
		if s.UserID != userID || !s.IsActive() {
			continue
		}
		if latest == nil || s.CreatedAt.After(latest.CreatedAt) {
			latest = s
		}
	}
	if latest == nil {
		return nil, gorm.ErrRecordNotFound
	}
	return cloneSession(latest), nil
}

func (f *fakeSessionRepo) GetActiveByUserAndTest(ctx context.Context, userID string, testID uint) (*models.ExamSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var latest *models.ExamSession
	for _, s := range f.sessions {
		if s.UserID != userID || s.TestID != testID || !s.IsActive() {
			continue
		}
		if latest == nil || s.CreatedAt.After(latest.CreatedAt) {
			latest = s
		}
	}
	if latest == nil {
		return nil, gorm.ErrRecordNotFound
	}
	return cloneSession(latest), nil
}

func (f *fakeSessionRepo) CountConsumedAttempts(ctx context.Context, userID string, testID uint) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var count int64
	for _, s := range f.sessions {
		if s.UserID == userID && s.TestID == testID && s.CountsAgainstLimit() {
			count++
		}
	}
	return count, nil
}

func (f *fakeSessionRepo) MaxAttemptNumber(ctx context.Context, userID string, testID uint) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	maxAttempt := 0
	for _, s := range f.sessions {
		if s.UserID == userID && s.TestID == testID && s.AttemptNumber > maxAttempt {
			maxAttempt = s.AttemptNumber
		}
	}
	return maxAttempt, nil
}

func (f *fakeSessionRepo) UpdateStatus(ctx context.Context, id uint, status models.SessionStatus, endReason *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	stored, ok := f.sessions[id]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	stored.Status = status
	if endReason != nil {
		stored.EndReason = endReason
	}
	return nil
}

func (f *fakeSessionRepo) FinalizeSession(ctx context.Context, session *models.ExamSession) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.finalizeLocked(session)
}

func (f *fakeSessionRepo) finalizeLocked(session *models.ExamSession) (bool, error) {
	stored, ok := f.sessions[session.ID]
	if !ok || !stored.IsActive() {
		return false, nil
	}
	session.Version++
	stored.Status = session.Status
	stored.CompletedAt = session.CompletedAt
	stored.EndReason = session.EndReason
	stored.Snapshot = cloneSession(session).Snapshot
	stored.FinalScore = session.FinalScore
	stored.CompletedSections = session.CompletedSections
	stored.AnsweredQuestions = session.AnsweredQuestions
	stored.SkippedQuestions = session.SkippedQuestions
	stored.TimeRemaining = session.TimeRemaining
	stored.IsConnected = session.IsConnected
	stored.Version = session.Version
	return true, nil
}

func (f *fakeSessionRepo) UpdateConnectionState(ctx context.Context, session *models.ExamSession) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	stored, ok := f.sessions[session.ID]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	stored.IsConnected = session.IsConnected
	stored.DisconnectedAt = session.DisconnectedAt
	stored.LastConnectedAt = session.LastConnectedAt
	stored.GraceTimerID = session.GraceTimerID
	stored.Status = session.Status
	stored.TimerStartedAt = session.TimerStartedAt
	stored.TimeRemaining = session.TimeRemaining
	return nil
}

func (f *fakeSessionRepo) GetPausedDisconnectedBefore(ctx context.Context, cutoff time.Time) ([]*models.ExamSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []*models.ExamSession
	for _, s := range f.sessions {
		if s.Status == models.SessionPaused && s.DisconnectedAt != nil && !s.DisconnectedAt.After(cutoff) {
			out = append(out, cloneSession(s))
		}
	}
	return out, nil
}

func (f *fakeSessionRepo) GetPausedPastGrace(ctx context.Context, cutoff time.Time) ([]*models.ExamSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []*models.ExamSession
	for _, s := range f.sessions {
		if s.Status == models.SessionPaused && s.GraceTimerID != nil &&
			s.DisconnectedAt != nil && !s.DisconnectedAt.After(cutoff) {
			out = append(out, cloneSession(s))
		}
	}
	return out, nil
}

func (f *fakeSessionRepo) GetInProgress(ctx context.Context) ([]*models.ExamSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []*models.ExamSession
	for _, s := range f.sessions {
		if s.Status == models.SessionInProgress {
			out = append(out, cloneSession(s))
		}
	}
	return out, nil
}

func (f *fakeSessionRepo) List(ctx context.Context, filters repositories.SessionFilters) ([]*models.ExamSession, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var matched []*models.ExamSession
	for _, s := range f.sessions {
		if filters.Status != nil && s.Status != *filters.Status {
			continue
		}
		if filters.TestID != nil && s.TestID != *filters.TestID {
			continue
		}
		if filters.UserID != nil && s.UserID != *filters.UserID {
			continue
		}
		if filters.OrganizationID != nil && s.OrganizationID != *filters.OrganizationID {
			continue
		}
		matched = append(matched, cloneSession(s))
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := int64(len(matched))
	if filters.Offset > 0 {
		if filters.Offset >= len(matched) {
			return nil, total, nil
		}
		matched = matched[filters.Offset:]
	}
	if filters.Limit > 0 && filters.Limit < len(matched) {
		matched = matched[:filters.Limit]
	}
	return matched, total, nil
}

// ===== RESULT REPO =====

type fakeResultRepo fakeRepo

func (f *fakeResultRepo) Create(ctx context.Context, result *models.Result) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.createLocked(result)
}

func (f *fakeResultRepo) createLocked(result *models.Result) error {
	if _, exists := f.results[result.SessionID]; exists {
		return fmt.Errorf("duplicate result for session %d", result.SessionID)
	}
	f.nextResultID++
	result.ID = f.nextResultID
	result.CreatedAt = time.Now()
	f.results[result.SessionID] = result
	return nil
}

func (f *fakeResultRepo) GetBySessionID(ctx context.Context, sessionID uint) (*models.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	result, ok := f.results[sessionID]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return result, nil
}

func (f *fakeResultRepo) GetByTest(ctx context.Context, testID uint, limit, offset int) ([]*models.Result, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []*models.Result
	for _, r := range f.results {
		if r.TestID == testID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, int64(len(out)), nil
}

func (f *fakeResultRepo) ExistsForSession(ctx context.Context, sessionID uint) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.results[sessionID]
	return ok, nil
}

// ===== TEST / OVERRIDE / STATS REPOS =====

type fakeTestRepo fakeRepo

func (f *fakeTestRepo) GetByID(ctx context.Context, id uint) (*models.Test, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	test, ok := f.tests[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return test, nil
}

type fakeOverrideRepo fakeRepo

func (f *fakeOverrideRepo) GetByUserAndTest(ctx context.Context, userID string, testID uint) (*models.StudentTestOverride, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	override, ok := f.overrides[fmt.Sprintf("%s:%d", userID, testID)]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return override, nil
}

type fakeStatsRepo fakeRepo

func (f *fakeStatsRepo) RecordAttempt(ctx context.Context, testID uint, percentage float64, passed bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recordLocked(testID, percentage, passed)
	return nil
}

func (f *fakeStatsRepo) recordLocked(testID uint, percentage float64, passed bool) {
	stats, ok := f.stats[testID]
	if !ok {
		stats = &models.TestStats{TestID: testID}
		f.stats[testID] = stats
	}
	stats.AttemptCount++
	if passed {
		stats.PassedCount++
	}
	stats.ScoreSum += percentage
	stats.ScoreCount++
}

func (f *fakeStatsRepo) GetByTest(ctx context.Context, testID uint) (*models.TestStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	stats, ok := f.stats[testID]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return stats, nil
}

// ===== TRANSACTIONAL WRAPPERS =====

type txSessionRepo struct {
	tx    *fakeTx
	inner *fakeSessionRepo
}

func (r *txSessionRepo) FinalizeSession(ctx context.Context, session *models.ExamSession) (bool, error) {
	r.inner.mu.Lock()
	defer r.inner.mu.Unlock()

	var before *models.ExamSession
	if stored, ok := r.inner.sessions[session.ID]; ok {
		before = cloneSession(stored)
	}
	ok, err := r.inner.finalizeLocked(session)
	if ok && err == nil && before != nil {
		id := session.ID
		r.tx.addUndo(func() {
			r.inner.mu.Lock()
			r.inner.sessions[id] = before
			r.inner.mu.Unlock()
		})
	}
	return ok, err
}

func (r *txSessionRepo) Create(ctx context.Context, s *models.ExamSession) error {
	return r.inner.Create(ctx, s)
}
func (r *txSessionRepo) GetByID(ctx context.Context, id uint) (*models.ExamSession, error) {
	return r.inner.GetByID(ctx, id)
}
func (r *txSessionRepo) Update(ctx context.Context, s *models.ExamSession) error {
	return r.inner.Update(ctx, s)
}
func (r *txSessionRepo) UpdateWithVersion(ctx context.Context, s *models.ExamSession) (bool, error) {
	return r.inner.UpdateWithVersion(ctx, s)
}
func (r *txSessionRepo) AdvanceSection(ctx context.Context, id uint, from, to int) (bool, error) {
	return r.inner.AdvanceSection(ctx, id, from, to)
}
func (r *txSessionRepo) GetActiveByUser(ctx context.Context, userID string) (*models.ExamSession, error) {
	return r.inner.GetActiveByUser(ctx, userID)
}
func (r *txSessionRepo) GetActiveByUserAndTest(ctx context.Context, userID string, testID uint) (*models.ExamSession, error) {
	return r.inner.GetActiveByUserAndTest(ctx, userID, testID)
}
func (r *txSessionRepo) CountConsumedAttempts(ctx context.Context, userID string, testID uint) (int64, error) {
	return r.inner.CountConsumedAttempts(ctx, userID, testID)
}
func (r *txSessionRepo) MaxAttemptNumber(ctx context.Context, userID string, testID uint) (int, error) {
	return r.inner.MaxAttemptNumber(ctx, userID, testID)
}
func (r *txSessionRepo) UpdateStatus(ctx context.Context, id uint, status models.SessionStatus, endReason *string) error {
	return r.inner.UpdateStatus(ctx, id, status, endReason)
}
func (r *txSessionRepo) UpdateConnectionState(ctx context.Context, s *models.ExamSession) error {
	return r.inner.UpdateConnectionState(ctx, s)
}
func (r *txSessionRepo) GetPausedDisconnectedBefore(ctx context.Context, cutoff time.Time) ([]*models.ExamSession, error) {
	return r.inner.GetPausedDisconnectedBefore(ctx, cutoff)
}
func (r *txSessionRepo) GetPausedPastGrace(ctx context.Context, cutoff time.Time) ([]*models.ExamSession, error) {
	return r.inner.GetPausedPastGrace(ctx, cutoff)
}
func (r *txSessionRepo) GetInProgress(ctx context.Context) ([]*models.ExamSession, error) {
	return r.inner.GetInProgress(ctx)
}
func (r *txSessionRepo) List(ctx context.Context, filters repositories.SessionFilters) ([]*models.ExamSession, int64, error) {
	return r.inner.List(ctx, filters)
}

type txResultRepo struct {
	tx    *fakeTx
	inner *fakeResultRepo
}

func (r *txResultRepo) Create(ctx context.Context, result *models.Result) error {
	r.inner.mu.Lock()
	defer r.inner.mu.Unlock()

	if err := r.inner.createLocked(result); err != nil {
		return err
	}
	sessionID := result.SessionID
	r.tx.addUndo(func() {
		r.inner.mu.Lock()
		delete(r.inner.results, sessionID)
		r.inner.mu.Unlock()
	})
	return nil
}

func (r *txResultRepo) GetBySessionID(ctx context.Context, sessionID uint) (*models.Result, error) {
	return r.inner.GetBySessionID(ctx, sessionID)
}
func (r *txResultRepo) GetByTest(ctx context.Context, testID uint, limit, offset int) ([]*models.Result, int64, error) {
	return r.inner.GetByTest(ctx, testID, limit, offset)
}
func (r *txResultRepo) ExistsForSession(ctx context.Context, sessionID uint) (bool, error) {
	return r.inner.ExistsForSession(ctx, sessionID)
}

type txStatsRepo struct {
	tx    *fakeTx
	inner *fakeStatsRepo
}

func (r *txStatsRepo) RecordAttempt(ctx context.Context, testID uint, percentage float64, passed bool) error {
	r.inner.mu.Lock()
	defer r.inner.mu.Unlock()

	r.inner.recordLocked(testID, percentage, passed)
	r.tx.addUndo(func() {
		r.inner.mu.Lock()
		if stats, ok := r.inner.stats[testID]; ok {
			stats.AttemptCount--
			if passed {
				stats.PassedCount--
			}
			stats.ScoreSum -= percentage
			stats.ScoreCount--
		}
		r.inner.mu.Unlock()
	})
	return nil
}

func (r *txStatsRepo) GetByTest(ctx context.Context, testID uint) (*models.TestStats, error) {
	return r.inner.GetByTest(ctx, testID)
}

// ===== SHARED TEST HELPERS =====

func cloneSession(session *models.ExamSession) *models.ExamSession {
	data, err := json.Marshal(session)
	if err != nil {
		panic(err)
	}
	var clone models.ExamSession
	if err := json.Unmarshal(data, &clone); err != nil {
		panic(err)
	}
	clone.CreatedAt = session.CreatedAt
	clone.UpdatedAt = session.UpdatedAt
	return &clone
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
