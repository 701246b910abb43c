package services

import (
	"context"
	"log/slog"
	"math"
	"strconv"
	"strings"

	"github.com/SAP-F-2025/exam-session-service/internal/models"
	"github.com/SAP-F-2025/exam-session-service/internal/sandbox"
)

// gradeOutcome is the per-question grading verdict. IsCorrect stays nil for
// questions that await manual review.
type gradeOutcome struct {
	PointsEarned float64
	IsCorrect    *bool
	ManualReview bool
}

// grader scores one question type. The dispatch table in newGraders is the
// closed set of supported types.
type grader interface {
	Grade(ctx context.Context, question *models.SnapshotQuestion) gradeOutcome
}

func newGraders(executor sandbox.Executor, logger *slog.Logger) map[models.QuestionType]grader {
	code := &codeGrader{executor: executor, logger: logger}
	manual := manualGrader{}
	return map[models.QuestionType]grader{
		models.MultipleChoice: multipleChoiceGrader{},
		models.TrueFalse:      trueFalseGrader{},
		models.FillInBlank:    fillBlankGrader{},
		models.CodeChallenge:  code,
		models.Debugging:      code,
		models.ShortAnswer:    manual,
		models.Essay:          manual,
	}
}

// ===== MULTIPLE CHOICE =====

type multipleChoiceGrader struct{}

// Grade compares student and correct answers after normalizing both: numeric
// strings become numbers, everything else is upper-cased. "A", "a" and 1
// style answers from different client versions compare consistently.
func (multipleChoiceGrader) Grade(_ context.Context, q *models.SnapshotQuestion) gradeOutcome {
	student, ok := models.DecodeScalarAnswer(q.StudentAnswer)
	if !ok || q.CorrectAnswer == nil {
		return incorrect()
	}
	if normalizeChoice(student) == normalizeChoice(*q.CorrectAnswer) {
		return correct(q.Points)
	}
	return incorrect()
}

func normalizeChoice(value string) string {
	trimmed := strings.TrimSpace(value)
	if f, err := strconv.ParseFloat(trimmed, 64); err == nil {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return strings.ToUpper(trimmed)
}

// ===== TRUE / FALSE =====

type trueFalseGrader struct{}

// Grade normalizes both representations to the option index (0=True,
// 1=False) before comparing. Booleans, boolean words and 0/1 indices are all
// accepted.
func (trueFalseGrader) Grade(_ context.Context, q *models.SnapshotQuestion) gradeOutcome {
	student, ok := models.DecodeScalarAnswer(q.StudentAnswer)
	if !ok || q.CorrectAnswer == nil {
		return incorrect()
	}
	studentIdx, ok := trueFalseIndex(student)
	if !ok {
		return incorrect()
	}
	correctIdx, ok := trueFalseIndex(*q.CorrectAnswer)
	if !ok {
		return incorrect()
	}
	if studentIdx == correctIdx {
		return correct(q.Points)
	}
	return incorrect()
}

func trueFalseIndex(value string) (int, bool) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "true", "0":
		return 0, true
	case "false", "1":
		return 1, true
	}
	return 0, false
}

// ===== FILL IN THE BLANK =====

type fillBlankGrader struct{}

// Grade awards partial credit: the fraction of blanks correct scaled to the
// question's point value, rounded to 2 decimals.
func (fillBlankGrader) Grade(_ context.Context, q *models.SnapshotQuestion) gradeOutcome {
	if len(q.Blanks) == 0 {
		return incorrect()
	}
	answers, ok := models.DecodeFillBlankAnswer(q.StudentAnswer)
	if !ok {
		return incorrect()
	}

	matched := 0
	for _, blank := range q.Blanks {
		if blankMatches(blank, answers[blank.ID]) {
			matched++
		}
	}

	earned := round2(float64(matched) / float64(len(q.Blanks)) * q.Points)
	allCorrect := matched == len(q.Blanks)
	return gradeOutcome{PointsEarned: earned, IsCorrect: &allCorrect}
}

func blankMatches(blank models.QuestionBlank, answer string) bool {
	answer = strings.TrimSpace(answer)
	if answer == "" {
		return false
	}
	for _, accepted := range blank.CorrectAnswers {
		accepted = strings.TrimSpace(accepted)
		if blank.CaseSensitive {
			if answer == accepted {
				return true
			}
		} else if strings.EqualFold(answer, accepted) {
			return true
		}
	}
	return false
}

// ===== CODE CHALLENGE / DEBUGGING =====

type codeGrader struct {
	executor sandbox.Executor
	logger   *slog.Logger
}

// Grade runs logic-category submissions in the sandbox; full credit only if
// every test case passes. Sandbox timeout or crash counts as test failure,
// not as a system error. UI and syntax category code questions are never
// auto-graded; they score zero pending manual review elsewhere.
func (g *codeGrader) Grade(ctx context.Context, q *models.SnapshotQuestion) gradeOutcome {
	if q.Category != models.CategoryLogic {
		return gradeOutcome{ManualReview: true}
	}

	code, ok := models.DecodeCodeAnswer(q.StudentAnswer)
	if !ok {
		return incorrect()
	}

	req := &sandbox.ExecuteRequest{
		Code:          code,
		Language:      q.Language,
		EntryFunction: q.EntryFunction,
	}
	if q.Runtime != nil {
		req.Runtime = q.Runtime.Version
		req.TimeoutMS = q.Runtime.TimeoutMS
		if q.Runtime.Language != "" {
			req.Language = q.Runtime.Language
		}
	}
	for _, tc := range q.TestCases {
		req.TestCases = append(req.TestCases, sandbox.TestCase{
			Input:          tc.Input,
			ExpectedOutput: tc.ExpectedOutput,
			Hidden:         tc.Hidden,
		})
	}

	resp, err := g.executor.Execute(ctx, req)
	if err != nil {
		g.logger.Warn("Sandbox execution failed, grading as incorrect",
			"question_id", q.QuestionID, "error", err)
		return incorrect()
	}
	if resp.Success && resp.OverallPassed {
		return correct(q.Points)
	}
	return incorrect()
}

// ===== MANUAL REVIEW TYPES =====

type manualGrader struct{}

func (manualGrader) Grade(_ context.Context, _ *models.SnapshotQuestion) gradeOutcome {
	return gradeOutcome{ManualReview: true}
}

// ===== SHARED HELPERS =====

func correct(points float64) gradeOutcome {
	yes := true
	return gradeOutcome{PointsEarned: points, IsCorrect: &yes}
}

func incorrect() gradeOutcome {
	no := false
	return gradeOutcome{IsCorrect: &no}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
