package services

import (
	crand "crypto/rand"
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math/rand"
	"time"

	"github.com/SAP-F-2025/exam-session-service/internal/models"
)

type snapshotBuilder struct {
	logger *slog.Logger
}

func NewSnapshotBuilder(logger *slog.Logger) SnapshotBuilder {
	return &snapshotBuilder{logger: logger}
}

// Build freezes the test into a per-attempt snapshot. The shuffle order is
// reproducible from the stamped seed but not predictable across attempts.
func (b *snapshotBuilder) Build(test *models.Test, userID string) (*models.TestSnapshot, error) {
	if err := validateTestStructure(test); err != nil {
		return nil, err
	}

	seed := deriveSeed(userID, test.ID)
	rng := rand.New(rand.NewSource(seed))

	snapshot := &models.TestSnapshot{
		Title:       test.Title,
		Description: test.Description,
		Seed:        seed,
		Settings: models.SnapshotSettings{
			TimeLimit:        test.Settings.TimeLimit,
			AttemptsAllowed:  test.Settings.AttemptsAllowed,
			ShuffleQuestions: test.Settings.ShuffleQuestions,
			UseSections:      test.Settings.UseSections,
			PassingThreshold: test.Settings.PassingThreshold,
		},
	}

	if test.Settings.UseSections {
		snapshot.Sections = make([]models.SnapshotSection, 0, len(test.Sections))
		for _, sectionDef := range test.Sections {
			questions, err := b.copyQuestions(sectionDef.Questions)
			if err != nil {
				return nil, err
			}
			if test.Settings.ShuffleQuestions {
				shuffleQuestions(rng, questions)
			}
			stampFinalOrder(questions)
			snapshot.Sections = append(snapshot.Sections, models.SnapshotSection{
				Name:      sectionDef.Name,
				TimeLimit: sectionDef.TimeLimit,
				Status:    models.SectionNotStarted,
				Questions: questions,
			})
		}
	} else {
		questions, err := b.copyQuestions(test.Questions)
		if err != nil {
			return nil, err
		}
		if test.Settings.ShuffleQuestions {
			shuffleQuestions(rng, questions)
		}
		stampFinalOrder(questions)
		snapshot.Questions = questions
	}

	b.logger.Debug("Snapshot built",
		"test_id", test.ID,
		"user_id", userID,
		"seed", seed,
		"questions", snapshot.QuestionCount())

	return snapshot, nil
}

// Rebuild reconstructs the snapshot for a session whose stored copy is
// corrupt. Sections before the cursor are marked submitted, the current one
// in progress, the rest untouched. The question order may differ from the
// lost snapshot, which is why the caller resets the question cursor to 0.
func (b *snapshotBuilder) Rebuild(test *models.Test, session *models.ExamSession) (*models.TestSnapshot, error) {
	snapshot, err := b.Build(test, session.UserID)
	if err != nil {
		return nil, err
	}

	if snapshot.Settings.UseSections {
		now := time.Now()
		for i := range snapshot.Sections {
			switch {
			case i < session.CurrentSectionIndex:
				snapshot.Sections[i].Status = models.SectionSubmitted
				snapshot.Sections[i].SubmittedAt = &now
			case i == session.CurrentSectionIndex:
				snapshot.Sections[i].Status = models.SectionInProgress
				snapshot.Sections[i].StartedAt = &now
			}
		}
	}

	b.logger.Info("Snapshot rebuilt for recovery",
		"session_id", session.ID,
		"test_id", test.ID,
		"current_section", session.CurrentSectionIndex)

	return snapshot, nil
}

// copyQuestions denormalizes the authored payload, keeping only the fields
// relevant to each question's type. Nothing is hidden here; sanitizing for
// students happens at read time in the navigator.
func (b *snapshotBuilder) copyQuestions(defs []models.QuestionDef) ([]models.SnapshotQuestion, error) {
	questions := make([]models.SnapshotQuestion, 0, len(defs))
	for _, def := range defs {
		q := models.SnapshotQuestion{
			QuestionID: def.ID,
			Type:       def.Type,
			Category:   def.Category,
			Language:   def.Language,
			Difficulty: def.Difficulty,
			Text:       def.Text,
			Points:     def.Points,
			Status:     models.QuestionNotViewed,
		}

		switch def.Type {
		case models.MultipleChoice:
			q.Options = def.Options
			q.CorrectAnswer = def.CorrectAnswer
		case models.TrueFalse:
			q.CorrectAnswer = def.CorrectAnswer
		case models.FillInBlank:
			q.BlankTemplate = def.BlankTemplate
			q.Blanks = def.Blanks
		case models.CodeChallenge, models.Debugging:
			q.CodeTemplate = def.CodeTemplate
			q.EntryFunction = def.EntryFunction
			q.Runtime = def.Runtime
			q.TestCases = def.TestCases
			if def.Category == models.CategoryLogic {
				if err := validateLogicCodeQuestion(&def); err != nil {
					return nil, err
				}
			}
		case models.ShortAnswer, models.Essay:
			// text-only, graded manually elsewhere
		default:
			return nil, NewValidationError("type",
				fmt.Sprintf("unsupported question type for question %d", def.ID), def.Type)
		}

		questions = append(questions, q)
	}
	return questions, nil
}

// validateLogicCodeQuestion is a data-integrity guard, not a student-facing
// error: an auto-gradable code question missing its execution contract would
// silently grade to zero.
func validateLogicCodeQuestion(def *models.QuestionDef) error {
	if def.EntryFunction == "" {
		return NewValidationError("entry_function",
			fmt.Sprintf("logic code question %d has no entry function", def.ID), nil)
	}
	if def.Runtime == nil || def.Runtime.Language == "" {
		return NewValidationError("runtime",
			fmt.Sprintf("logic code question %d has no runtime config", def.ID), nil)
	}
	if len(def.TestCases) == 0 {
		return NewValidationError("test_cases",
			fmt.Sprintf("logic code question %d has no test cases", def.ID), nil)
	}
	return nil
}

func validateTestStructure(test *models.Test) error {
	if test.Settings.TimeLimit <= 0 {
		return NewValidationError("time_limit", "test time limit must be positive", test.Settings.TimeLimit)
	}
	if test.Settings.UseSections {
		if len(test.Sections) == 0 {
			return NewValidationError("sections", "sectioned test has no sections", nil)
		}
		for i, section := range test.Sections {
			if section.TimeLimit <= 0 {
				return NewValidationError("sections",
					fmt.Sprintf("section %d time limit must be positive", i), section.TimeLimit)
			}
			if len(section.Questions) == 0 {
				return NewValidationError("sections",
					fmt.Sprintf("section %d has no questions", i), nil)
			}
		}
		return nil
	}
	if len(test.Questions) == 0 {
		return NewValidationError("questions", "test has no questions", nil)
	}
	return nil
}

// deriveSeed mixes user, test, wall clock and a random salt so the order is
// reproducible from the seed alone yet differs between attempts.
func deriveSeed(userID string, testID uint) int64 {
	var salt [8]byte
	_, _ = crand.Read(salt[:])

	h := fnv.New64a()
	fmt.Fprintf(h, "%s:%d:%d:", userID, testID, time.Now().UnixNano())
	_, _ = h.Write(salt[:])
	return int64(binary.BigEndian.Uint64(salt[:]) ^ h.Sum64())
}

func shuffleQuestions(rng *rand.Rand, questions []models.SnapshotQuestion) {
	rng.Shuffle(len(questions), func(i, j int) {
		questions[i], questions[j] = questions[j], questions[i]
	})
}

// stampFinalOrder records the post-shuffle position for audit.
func stampFinalOrder(questions []models.SnapshotQuestion) {
	for i := range questions {
		questions[i].FinalOrder = i
	}
}
