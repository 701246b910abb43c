package services

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SAP-F-2025/exam-session-service/internal/models"
)

func TestSnapshotBuild_FlatTest(t *testing.T) {
	builder := NewSnapshotBuilder(testLogger())
	test := flatTest(1,
		mcQuestion(10, "A", 5),
		tfQuestion(11, "true", 5),
	)

	snapshot, err := builder.Build(test, "stu-1")
	require.NoError(t, err)

	assert.Equal(t, "Flat Test", snapshot.Title)
	assert.Equal(t, 2, snapshot.QuestionCount())
	assert.False(t, snapshot.Settings.UseSections)
	assert.Empty(t, snapshot.Sections)
	assert.NotZero(t, snapshot.Seed)
	assert.True(t, snapshot.IsStructurallyValid())

	for i, q := range snapshot.Questions {
		assert.Equal(t, i, q.FinalOrder)
		assert.Equal(t, models.QuestionNotViewed, q.Status)
		assert.Zero(t, q.ViewCount)
		assert.Empty(t, q.StudentAnswer)
	}
}

func TestSnapshotBuild_PayloadShapedByType(t *testing.T) {
	builder := NewSnapshotBuilder(testLogger())
	correct := "true"
	test := flatTest(1,
		models.QuestionDef{
			ID: 20, Type: models.TrueFalse, Text: "q", Points: 1,
			CorrectAnswer: &correct,
			// Authoring noise that must not survive for this type.
			Options:      []models.QuestionOption{{ID: "A", Text: "x"}},
			CodeTemplate: "func main() {}",
		},
		models.QuestionDef{
			ID: 21, Type: models.FillInBlank, Text: "q", Points: 2,
			BlankTemplate: "the {{b1}} is {{b2}}",
			Blanks: []models.QuestionBlank{
				{ID: "b1", CorrectAnswers: []string{"sky"}},
				{ID: "b2", CorrectAnswers: []string{"blue"}},
			},
		},
		models.QuestionDef{
			ID: 22, Type: models.Essay, Text: "explain", Points: 10,
		},
	)

	snapshot, err := builder.Build(test, "stu-1")
	require.NoError(t, err)
	require.Len(t, snapshot.Questions, 3)

	byID := make(map[uint]models.SnapshotQuestion)
	for _, q := range snapshot.Questions {
		byID[q.QuestionID] = q
	}

	tf := byID[20]
	assert.Empty(t, tf.Options)
	assert.Empty(t, tf.CodeTemplate)
	require.NotNil(t, tf.CorrectAnswer)

	fill := byID[21]
	assert.Equal(t, "the {{b1}} is {{b2}}", fill.BlankTemplate)
	assert.Len(t, fill.Blanks, 2)

	essay := byID[22]
	assert.Nil(t, essay.CorrectAnswer)
	assert.Empty(t, essay.Blanks)
}

func TestSnapshotBuild_ShuffleReproducibleFromSeed(t *testing.T) {
	builder := NewSnapshotBuilder(testLogger())
	defs := []models.QuestionDef{
		mcQuestion(1, "A", 1), mcQuestion(2, "A", 1), mcQuestion(3, "A", 1),
		mcQuestion(4, "A", 1), mcQuestion(5, "A", 1), mcQuestion(6, "A", 1),
		mcQuestion(7, "A", 1), mcQuestion(8, "A", 1),
	}
	test := flatTest(1, defs...)
	test.Settings.ShuffleQuestions = true

	snapshot, err := builder.Build(test, "stu-1")
	require.NoError(t, err)

	// Replaying the shuffle with the stamped seed must reproduce the order.
	expected := make([]uint, len(defs))
	for i, def := range defs {
		expected[i] = def.ID
	}
	rng := rand.New(rand.NewSource(snapshot.Seed))
	rng.Shuffle(len(expected), func(i, j int) {
		expected[i], expected[j] = expected[j], expected[i]
	})

	got := make([]uint, len(snapshot.Questions))
	for i, q := range snapshot.Questions {
		got[i] = q.QuestionID
	}
	assert.Equal(t, expected, got)
}

func TestSnapshotBuild_SeedsDifferAcrossAttempts(t *testing.T) {
	builder := NewSnapshotBuilder(testLogger())
	test := flatTest(1, mcQuestion(1, "A", 1))

	first, err := builder.Build(test, "stu-1")
	require.NoError(t, err)
	second, err := builder.Build(test, "stu-1")
	require.NoError(t, err)

	assert.NotEqual(t, first.Seed, second.Seed)
}

func TestSnapshotBuild_ValidationFailures(t *testing.T) {
	builder := NewSnapshotBuilder(testLogger())

	noTime := flatTest(1, mcQuestion(1, "A", 1))
	noTime.Settings.TimeLimit = 0
	_, err := builder.Build(noTime, "stu-1")
	assert.True(t, IsValidation(err))

	empty := flatTest(2)
	_, err = builder.Build(empty, "stu-1")
	assert.True(t, IsValidation(err))

	sectioned := sectionedTest(3)
	_, err = builder.Build(sectioned, "stu-1")
	assert.True(t, IsValidation(err))

	badSection := sectionedTest(4, models.TestSectionDef{Name: "s", TimeLimit: 0,
		Questions: []models.QuestionDef{mcQuestion(1, "A", 1)}})
	_, err = builder.Build(badSection, "stu-1")
	assert.True(t, IsValidation(err))
}

func TestSnapshotBuild_LogicCodeQuestionNeedsContract(t *testing.T) {
	builder := NewSnapshotBuilder(testLogger())
	test := flatTest(1, models.QuestionDef{
		ID: 30, Type: models.CodeChallenge, Category: models.CategoryLogic,
		Text: "sum", Points: 10,
		Runtime:   &models.RuntimeConfig{Language: "javascript", TimeoutMS: 2000},
		TestCases: []models.CodeTestCase{{Input: "1", ExpectedOutput: "1"}},
		// EntryFunction missing
	})

	_, err := builder.Build(test, "stu-1")
	assert.True(t, IsValidation(err))

	test.Questions[0].EntryFunction = "sum"
	_, err = builder.Build(test, "stu-1")
	assert.NoError(t, err)
}

func TestSnapshotRebuild_ReconcilesSectionStatuses(t *testing.T) {
	builder := NewSnapshotBuilder(testLogger())
	test := sectionedTest(1,
		section("one", mcQuestion(1, "A", 1)),
		section("two", mcQuestion(2, "A", 1)),
		section("three", mcQuestion(3, "A", 1)),
	)

	session := &models.ExamSession{
		ID:                  7,
		UserID:              "stu-1",
		CurrentSectionIndex: 1,
	}
	snapshot, err := builder.Rebuild(test, session)
	require.NoError(t, err)
	require.Len(t, snapshot.Sections, 3)

	assert.Equal(t, models.SectionSubmitted, snapshot.Sections[0].Status)
	assert.Equal(t, models.SectionInProgress, snapshot.Sections[1].Status)
	assert.Equal(t, models.SectionNotStarted, snapshot.Sections[2].Status)
}
