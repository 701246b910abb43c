package services

import (
	"context"
	"testing"
	"time"

	"github.com/SAP-F-2025/exam-session-service/internal/events"
	"github.com/SAP-F-2025/exam-session-service/internal/models"
	"github.com/SAP-F-2025/exam-session-service/internal/sandbox"
	"github.com/SAP-F-2025/exam-session-service/internal/timer"
	"github.com/SAP-F-2025/exam-session-service/internal/utils"
)

// fakeExecutor scripts sandbox outcomes per test.
type fakeExecutor struct {
	resp  *sandbox.ExecuteResponse
	err   error
	calls int
}

func (f *fakeExecutor) Execute(ctx context.Context, req *sandbox.ExecuteRequest) (*sandbox.ExecuteResponse, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if f.resp != nil {
		return f.resp, nil
	}
	return &sandbox.ExecuteResponse{Success: true, OverallPassed: true}, nil
}

type testEnv struct {
	repo     *fakeRepo
	timers   *timer.Coordinator
	executor *fakeExecutor

	session   SessionService
	navigator NavigatorService
	grading   GradingService
	cleanup   CleanupService
	export    ExportService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	logger := testLogger()
	repo := newFakeRepo()
	executor := &fakeExecutor{}
	validator := utils.NewValidator()
	publisher := events.NewMockEventPublisher(logger)
	timers := timer.NewCoordinator(timer.Callbacks{}, time.Minute, logger)

	grading := NewGradingService(repo, logger, validator, executor, timers, publisher, nil)
	session := NewSessionService(SessionServiceDeps{
		Repo:        repo,
		Logger:      logger,
		Validator:   validator,
		Builder:     NewSnapshotBuilder(logger),
		Timers:      timers,
		Publisher:   publisher,
		Grading:     grading,
		GracePeriod: time.Minute,
	})

	return &testEnv{
		repo:      repo,
		timers:    timers,
		executor:  executor,
		session:   session,
		navigator: NewNavigatorService(repo, logger, validator),
		grading:   grading,
		cleanup:   NewCleanupService(repo, logger, grading, time.Hour, 24*time.Hour),
		export:    NewExportService(repo, logger),
	}
}

// ===== IDENTITIES =====

func studentIdentity(userID string) *models.Identity {
	return &models.Identity{UserID: userID, OrganizationID: "org-1", Role: models.RoleStudent}
}

func instructorIdentity() *models.Identity {
	return &models.Identity{UserID: "teacher-1", OrganizationID: "org-1", Role: models.RoleInstructor}
}

// ===== TEST DEFINITIONS =====

func mcQuestion(id uint, correct string, points float64) models.QuestionDef {
	answer := correct
	return models.QuestionDef{
		ID:     id,
		Type:   models.MultipleChoice,
		Text:   "pick one",
		Points: points,
		Options: []models.QuestionOption{
			{ID: "A", Text: "first"},
			{ID: "B", Text: "second"},
			{ID: "C", Text: "third"},
		},
		CorrectAnswer: &answer,
	}
}

func tfQuestion(id uint, correct string, points float64) models.QuestionDef {
	answer := correct
	return models.QuestionDef{
		ID:            id,
		Type:          models.TrueFalse,
		Text:          "true or false",
		Points:        points,
		CorrectAnswer: &answer,
	}
}

func flatTest(id uint, questions ...models.QuestionDef) *models.Test {
	return &models.Test{
		ID:     id,
		Title:  "Flat Test",
		Status: models.TestActive,
		Settings: models.TestSettings{
			TimeLimit:       30,
			AttemptsAllowed: 3,
		},
		Questions: questions,
	}
}

func sectionedTest(id uint, sections ...models.TestSectionDef) *models.Test {
	return &models.Test{
		ID:     id,
		Title:  "Sectioned Test",
		Status: models.TestActive,
		Settings: models.TestSettings{
			TimeLimit:       60,
			AttemptsAllowed: 3,
			UseSections:     true,
		},
		Sections: sections,
	}
}

func section(name string, questions ...models.QuestionDef) models.TestSectionDef {
	return models.TestSectionDef{Name: name, TimeLimit: 20, Questions: questions}
}

// ===== SESSION FIXTURES =====

// startSession registers the test and starts a real session through the
// service, returning the fresh session id.
func (e *testEnv) startSession(t *testing.T, test *models.Test, identity *models.Identity) uint {
	t.Helper()

	e.repo.tests[test.ID] = test
	resp, err := e.session.Start(context.Background(), &StartSessionRequest{TestID: test.ID}, identity)
	if err != nil {
		t.Fatalf("failed to start session: %v", err)
	}
	return resp.ID
}

// storedSession reads the persisted state directly, bypassing access checks.
func (e *testEnv) storedSession(t *testing.T, id uint) *models.ExamSession {
	t.Helper()

	session, err := e.repo.Session().GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("failed to load session %d: %v", id, err)
	}
	return session
}

// mutateSession edits the persisted session in place, for arranging states
// the public API cannot reach directly (old timestamps, corrupt snapshots).
func (e *testEnv) mutateSession(t *testing.T, id uint, fn func(*models.ExamSession)) {
	t.Helper()

	session := e.storedSession(t, id)
	fn(session)
	if err := e.repo.Session().Update(context.Background(), session); err != nil {
		t.Fatalf("failed to update session %d: %v", id, err)
	}
}

func answerJSON(s string) []byte {
	return []byte(`"` + s + `"`)
}
