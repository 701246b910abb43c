package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SAP-F-2025/exam-session-service/internal/models"
	"github.com/SAP-F-2025/exam-session-service/internal/repositories"
)

func TestStart_CreatesSessionWithTimer(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	student := studentIdentity("stu-1")
	test := flatTest(1, mcQuestion(10, "A", 5), mcQuestion(11, "B", 5))
	env.repo.tests[test.ID] = test

	resp, err := env.session.Start(ctx, &StartSessionRequest{TestID: test.ID}, student)
	require.NoError(t, err)

	assert.NotZero(t, resp.ID)
	assert.Equal(t, models.SessionInProgress, resp.Status)
	assert.Equal(t, 1, resp.AttemptNumber)
	assert.Equal(t, 2, resp.QuestionCount)
	assert.InDelta(t, 30*60*1000, resp.TimeRemainingMS, 2000)
	assert.True(t, env.timers.Tracked(resp.ID))

	stored := env.storedSession(t, resp.ID)
	assert.Equal(t, 1, stored.Version)
	assert.True(t, stored.IsConnected)
	require.NotNil(t, stored.Snapshot)
	assert.True(t, stored.Snapshot.IsStructurallyValid())
}

func TestStart_SectionedTestOpensFirstSection(t *testing.T) {
	env := newTestEnv(t)
	student := studentIdentity("stu-1")
	test := sectionedTest(1,
		section("one", mcQuestion(10, "A", 5)),
		section("two", mcQuestion(11, "B", 5)),
	)
	env.repo.tests[test.ID] = test

	resp, err := env.session.Start(context.Background(), &StartSessionRequest{TestID: test.ID}, student)
	require.NoError(t, err)
	assert.True(t, resp.UseSections)
	require.Len(t, resp.Sections, 2)
	assert.Equal(t, models.SectionInProgress, resp.Sections[0].Status)
	assert.Equal(t, models.SectionNotStarted, resp.Sections[1].Status)
}

func TestStart_OnlyStudentsTakeTests(t *testing.T) {
	env := newTestEnv(t)
	env.repo.tests[1] = flatTest(1, mcQuestion(10, "A", 5))

	_, err := env.session.Start(context.Background(), &StartSessionRequest{TestID: 1}, instructorIdentity())
	assert.True(t, IsForbidden(err))
}

func TestStart_InactiveTestRejected(t *testing.T) {
	env := newTestEnv(t)
	test := flatTest(1, mcQuestion(10, "A", 5))
	test.Status = models.TestDraft
	env.repo.tests[test.ID] = test

	_, err := env.session.Start(context.Background(), &StartSessionRequest{TestID: test.ID}, studentIdentity("stu-1"))
	assert.ErrorIs(t, err, ErrTestNotActive)
}

func TestStart_ExistingActiveSessionBlocks(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	student := studentIdentity("stu-1")
	env.startSession(t, flatTest(1, mcQuestion(10, "A", 5)), student)

	other := flatTest(2, mcQuestion(20, "A", 5))
	env.repo.tests[other.ID] = other

	_, err := env.session.Start(ctx, &StartSessionRequest{TestID: other.ID}, student)
	assert.ErrorIs(t, err, ErrSessionExists)
	assert.True(t, IsConflict(err))
}

func TestStart_ForceNewAbandonsPreviousSession(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	student := studentIdentity("stu-1")
	test := flatTest(1, mcQuestion(10, "A", 5))
	firstID := env.startSession(t, test, student)

	resp, err := env.session.Start(ctx, &StartSessionRequest{TestID: test.ID, ForceNew: true}, student)
	require.NoError(t, err)
	assert.NotEqual(t, firstID, resp.ID)
	assert.Equal(t, 2, resp.AttemptNumber)

	old := env.storedSession(t, firstID)
	assert.Equal(t, models.SessionAbandoned, old.Status)
	require.NotNil(t, old.EndReason)
	assert.Equal(t, models.EndReasonAbandoned, *old.EndReason)

	// The abandoned attempt was graded and recorded.
	_, err = env.repo.Result().GetBySessionID(ctx, firstID)
	assert.NoError(t, err)
}

func TestStart_AttemptLimitEnforced(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	student := studentIdentity("stu-1")
	test := flatTest(1, mcQuestion(10, "A", 5))
	test.Settings.AttemptsAllowed = 1

	sessionID := env.startSession(t, test, student)
	_, err := env.grading.Submit(ctx, sessionID, &SubmitSessionRequest{}, student)
	require.NoError(t, err)

	_, err = env.session.Start(ctx, &StartSessionRequest{TestID: test.ID}, student)
	assert.ErrorIs(t, err, ErrAttemptLimitReached)

	// A per-student override extends the allowance.
	env.repo.overrides["stu-1:1"] = &models.StudentTestOverride{
		UserID: "stu-1", TestID: 1, ExtraAttempts: 1,
	}
	resp, err := env.session.Start(ctx, &StartSessionRequest{TestID: test.ID}, student)
	require.NoError(t, err)
	assert.Equal(t, 2, resp.AttemptNumber)
}

func TestStart_UnlimitedAttemptsBypassesLimit(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	student := studentIdentity("stu-1")
	student.UnlimitedAttempts = true
	test := flatTest(1, mcQuestion(10, "A", 5))
	test.Settings.AttemptsAllowed = 1

	sessionID := env.startSession(t, test, student)
	_, err := env.grading.Submit(ctx, sessionID, &SubmitSessionRequest{}, student)
	require.NoError(t, err)

	_, err = env.session.Start(ctx, &StartSessionRequest{TestID: test.ID}, student)
	assert.NoError(t, err)
}

func TestStart_FailedSessionDoesNotConsumeAttempt(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	student := studentIdentity("stu-1")
	test := flatTest(1, mcQuestion(10, "A", 5))
	test.Settings.AttemptsAllowed = 1
	sessionID := env.startSession(t, test, student)

	env.mutateSession(t, sessionID, func(s *models.ExamSession) {
		s.Status = models.SessionFailed
	})

	resp, err := env.session.Start(ctx, &StartSessionRequest{TestID: test.ID}, student)
	require.NoError(t, err)
	// Numbering still moves past the failed attempt.
	assert.Equal(t, 2, resp.AttemptNumber)
}

func TestRejoin_ResumesPausedSession(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	student := studentIdentity("stu-1")
	sessionID := env.startSession(t, flatTest(1, mcQuestion(10, "A", 5)), student)

	// Paused 30 seconds ago with 10 minutes frozen on the clock.
	disconnectedAt := time.Now().Add(-30 * time.Second)
	env.mutateSession(t, sessionID, func(s *models.ExamSession) {
		s.Status = models.SessionPaused
		s.TimeRemaining = 10 * 60 * 1000
		s.IsConnected = false
		s.DisconnectedAt = &disconnectedAt
	})

	resp, err := env.session.Rejoin(ctx, sessionID, student)
	require.NoError(t, err)
	assert.True(t, resp.Rejoined)
	assert.False(t, resp.Recovered)
	assert.Equal(t, models.SessionInProgress, resp.Status)
	// The 30 second disconnect gap came out of the budget.
	assert.InDelta(t, (10*60-30)*1000, resp.TimeRemainingMS, 2000)

	stored := env.storedSession(t, sessionID)
	assert.True(t, stored.IsConnected)
	assert.Nil(t, stored.DisconnectedAt)
	assert.Nil(t, stored.GraceTimerID)
	assert.True(t, env.timers.Tracked(sessionID))
}

func TestRejoin_SpentBudgetExpiresSession(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	student := studentIdentity("stu-1")
	sessionID := env.startSession(t, flatTest(1, mcQuestion(10, "A", 5)), student)

	disconnectedAt := time.Now().Add(-2 * time.Hour)
	env.mutateSession(t, sessionID, func(s *models.ExamSession) {
		s.Status = models.SessionPaused
		s.TimeRemaining = 10 * 60 * 1000
		s.DisconnectedAt = &disconnectedAt
	})

	_, err := env.session.Rejoin(ctx, sessionID, student)
	assert.ErrorIs(t, err, ErrSessionExpired)

	stored := env.storedSession(t, sessionID)
	assert.Equal(t, models.SessionExpired, stored.Status)
	_, err = env.repo.Result().GetBySessionID(ctx, sessionID)
	assert.NoError(t, err)
}

func TestRejoin_TerminalSessionRejected(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	student := studentIdentity("stu-1")
	sessionID := env.startSession(t, flatTest(1, mcQuestion(10, "A", 5)), student)

	_, err := env.grading.Submit(ctx, sessionID, &SubmitSessionRequest{}, student)
	require.NoError(t, err)

	_, err = env.session.Rejoin(ctx, sessionID, student)
	assert.True(t, IsInvalidState(err))
}

func TestRejoin_RecoversCorruptSnapshot(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	student := studentIdentity("stu-1")
	sessionID := env.startSession(t, flatTest(1, mcQuestion(10, "A", 5), mcQuestion(11, "B", 5)), student)

	env.mutateSession(t, sessionID, func(s *models.ExamSession) {
		s.Snapshot.Questions = nil
		s.CurrentQuestionIndex = 1
	})

	resp, err := env.session.Rejoin(ctx, sessionID, student)
	require.NoError(t, err)
	assert.True(t, resp.Recovered)
	assert.Equal(t, 2, resp.QuestionCount)
	// The rebuilt order may differ, so the cursor resets.
	assert.Zero(t, resp.CurrentQuestionIndex)

	stored := env.storedSession(t, sessionID)
	assert.True(t, stored.Snapshot.IsStructurallyValid())
}

func TestRejoin_UnrecoverableSessionMarkedFailed(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	student := studentIdentity("stu-1")
	sessionID := env.startSession(t, flatTest(1, mcQuestion(10, "A", 5)), student)

	env.mutateSession(t, sessionID, func(s *models.ExamSession) {
		s.Snapshot.Questions = nil
	})
	// The source test is gone, so the snapshot cannot be rebuilt.
	delete(env.repo.tests, 1)

	_, err := env.session.Rejoin(ctx, sessionID, student)
	require.Error(t, err)
	assert.True(t, IsRecoveryFailure(err))

	stored := env.storedSession(t, sessionID)
	assert.Equal(t, models.SessionFailed, stored.Status)
}

func TestAbandon_FinalizesSession(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	student := studentIdentity("stu-1")
	sessionID := env.startSession(t, flatTest(1, mcQuestion(10, "A", 5)), student)

	require.NoError(t, env.session.Abandon(ctx, sessionID, student))

	stored := env.storedSession(t, sessionID)
	assert.Equal(t, models.SessionAbandoned, stored.Status)
	assert.False(t, env.timers.Tracked(sessionID))

	// Abandoning twice is a state error.
	err := env.session.Abandon(ctx, sessionID, student)
	assert.True(t, IsInvalidState(err))
}

func TestMarkDisconnected_PausesAndArmsGrace(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	student := studentIdentity("stu-1")
	sessionID := env.startSession(t, flatTest(1, mcQuestion(10, "A", 5)), student)

	require.NoError(t, env.session.MarkDisconnected(ctx, sessionID, student))

	stored := env.storedSession(t, sessionID)
	assert.Equal(t, models.SessionPaused, stored.Status)
	assert.False(t, stored.IsConnected)
	require.NotNil(t, stored.DisconnectedAt)
	require.NotNil(t, stored.GraceTimerID)
	assert.InDelta(t, 30*60*1000, stored.TimeRemaining, 2000)

	// A repeat disconnect on an already paused session is a no-op.
	require.NoError(t, env.session.MarkDisconnected(ctx, sessionID, student))
	again := env.storedSession(t, sessionID)
	assert.Equal(t, stored.GraceTimerID, again.GraceTimerID)
}

func TestHeartbeat_ResumesPausedSession(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	student := studentIdentity("stu-1")
	sessionID := env.startSession(t, flatTest(1, mcQuestion(10, "A", 5)), student)

	require.NoError(t, env.session.MarkDisconnected(ctx, sessionID, student))

	sync, err := env.session.Heartbeat(ctx, sessionID, student)
	require.NoError(t, err)
	assert.Equal(t, models.SessionInProgress, sync.Status)
	assert.True(t, sync.IsConnected)
	assert.Positive(t, sync.TimeRemainingMS)

	stored := env.storedSession(t, sessionID)
	assert.Nil(t, stored.GraceTimerID)
	assert.Nil(t, stored.DisconnectedAt)
}

func TestHandleGraceExpiry_StaleTimerIgnored(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	student := studentIdentity("stu-1")
	sessionID := env.startSession(t, flatTest(1, mcQuestion(10, "A", 5)), student)

	require.NoError(t, env.session.MarkDisconnected(ctx, sessionID, student))
	staleID := *env.storedSession(t, sessionID).GraceTimerID

	// The student reconnected; the old grace timer must not fire through.
	_, err := env.session.Heartbeat(ctx, sessionID, student)
	require.NoError(t, err)

	env.session.HandleGraceExpiry(ctx, sessionID, staleID)
	assert.Equal(t, models.SessionInProgress, env.storedSession(t, sessionID).Status)
}

func TestHandleGraceExpiry_CurrentTimerAbandons(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	student := studentIdentity("stu-1")
	sessionID := env.startSession(t, flatTest(1, mcQuestion(10, "A", 5)), student)

	require.NoError(t, env.session.MarkDisconnected(ctx, sessionID, student))
	graceID := *env.storedSession(t, sessionID).GraceTimerID

	env.session.HandleGraceExpiry(ctx, sessionID, graceID)

	stored := env.storedSession(t, sessionID)
	assert.Equal(t, models.SessionAbandoned, stored.Status)
	_, err := env.repo.Result().GetBySessionID(ctx, sessionID)
	assert.NoError(t, err)
}

func TestGetByID_AccessScoping(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	student := studentIdentity("stu-1")
	sessionID := env.startSession(t, flatTest(1, mcQuestion(10, "A", 5)), student)

	_, err := env.session.GetByID(ctx, sessionID, student)
	assert.NoError(t, err)

	_, err = env.session.GetByID(ctx, sessionID, instructorIdentity())
	assert.NoError(t, err)

	_, err = env.session.GetByID(ctx, sessionID, studentIdentity("stu-2"))
	assert.True(t, IsForbidden(err))

	foreign := &models.Identity{UserID: "t2", OrganizationID: "org-2", Role: models.RoleInstructor}
	_, err = env.session.GetByID(ctx, sessionID, foreign)
	assert.True(t, IsForbidden(err))
}

func TestGetForAdmin_IncludesResultAfterGrading(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	student := studentIdentity("stu-1")
	sessionID := env.startSession(t, flatTest(1, mcQuestion(10, "A", 5)), student)

	_, err := env.session.GetForAdmin(ctx, sessionID, student)
	assert.True(t, IsForbidden(err))

	resp, err := env.session.GetForAdmin(ctx, sessionID, instructorIdentity())
	require.NoError(t, err)
	assert.Nil(t, resp.Result)
	// The raw snapshot, answer keys included, is visible to staff.
	require.NotNil(t, resp.Session.Snapshot)
	assert.NotNil(t, resp.Session.Snapshot.Questions[0].CorrectAnswer)

	_, err = env.grading.Submit(ctx, sessionID, &SubmitSessionRequest{}, student)
	require.NoError(t, err)

	resp, err = env.session.GetForAdmin(ctx, sessionID, instructorIdentity())
	require.NoError(t, err)
	assert.NotNil(t, resp.Result)
}

func TestList_StaffOnlyAndOrgScoped(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	student := studentIdentity("stu-1")
	env.startSession(t, flatTest(1, mcQuestion(10, "A", 5)), student)

	_, _, err := env.session.List(ctx, repositories.SessionFilters{}, student)
	assert.True(t, IsForbidden(err))

	summaries, total, err := env.session.List(ctx, repositories.SessionFilters{Limit: 10}, instructorIdentity())
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	require.Len(t, summaries, 1)
	assert.Equal(t, "stu-1", summaries[0].UserID)

	// Staff from another organization see nothing.
	foreign := &models.Identity{UserID: "t2", OrganizationID: "org-2", Role: models.RoleInstructor}
	_, total, err = env.session.List(ctx, repositories.SessionFilters{Limit: 10}, foreign)
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestList_FiltersByStatus(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first := studentIdentity("stu-1")
	firstID := env.startSession(t, flatTest(1, mcQuestion(10, "A", 5)), first)
	_, err := env.grading.Submit(ctx, firstID, &SubmitSessionRequest{}, first)
	require.NoError(t, err)

	second := studentIdentity("stu-2")
	env.startSession(t, flatTest(2, mcQuestion(20, "A", 5)), second)

	completed := models.SessionCompleted
	summaries, total, err := env.session.List(ctx, repositories.SessionFilters{
		Status: &completed, Limit: 10,
	}, instructorIdentity())
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	require.Len(t, summaries, 1)
	assert.Equal(t, firstID, summaries[0].ID)
}

func TestTimeSync_ReportsRemainingWithoutMutating(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	student := studentIdentity("stu-1")
	sessionID := env.startSession(t, flatTest(1, mcQuestion(10, "A", 5)), student)

	before := env.storedSession(t, sessionID)
	sync, err := env.session.TimeSync(ctx, sessionID, student)
	require.NoError(t, err)

	assert.Equal(t, sessionID, sync.SessionID)
	assert.Equal(t, models.SessionInProgress, sync.Status)
	assert.InDelta(t, 30*60*1000, sync.TimeRemainingMS, 2000)
	assert.WithinDuration(t, time.Now(), sync.ServerTime, time.Second)

	after := env.storedSession(t, sessionID)
	assert.Equal(t, before.Version, after.Version)
}
