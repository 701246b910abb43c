package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/SAP-F-2025/exam-session-service/internal/models"
	"github.com/SAP-F-2025/exam-session-service/internal/repositories"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

type exportService struct {
	repo   repositories.Repository
	logger *slog.Logger
}

func NewExportService(repo repositories.Repository, logger *slog.Logger) ExportService {
	return &exportService{repo: repo, logger: logger}
}

// ExportTestResults writes every result for a test to an xlsx workbook:
// one summary sheet plus a per-question detail sheet.
func (s *exportService) ExportTestResults(ctx context.Context, testID uint, identity *models.Identity) (*ExportResponse, error) {
	_, err := s.authorizeTestRead(ctx, testID, identity, "export results")
	if err != nil {
		return nil, err
	}

	results, _, err := s.repo.Result().GetByTest(ctx, testID, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to get results: %w", err)
	}

	f := excelize.NewFile()
	if err := s.writeSummarySheet(f, results); err != nil {
		return nil, err
	}
	if err := s.writeQuestionSheet(f, results); err != nil {
		return nil, err
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("failed to write Excel file: %w", err)
	}

	s.logger.Info("Test results exported",
		"test_id", testID,
		"results", len(results),
		"by", identity.UserID)

	return &ExportResponse{
		FileName:    fmt.Sprintf("test_%d_results_%s.xlsx", testID, time.Now().Format("20060102")),
		ContentType: xlsxContentType,
		Data:        buf.Bytes(),
	}, nil
}

func (s *exportService) GetTestStats(ctx context.Context, testID uint, identity *models.Identity) (*TestStatsResponse, error) {
	if _, err := s.authorizeTestRead(ctx, testID, identity, "view stats"); err != nil {
		return nil, err
	}

	stats, err := s.repo.Stats().GetByTest(ctx, testID)
	if err != nil {
		if repositories.IsNotFoundError(err) {
			return &TestStatsResponse{TestID: testID}, nil
		}
		return nil, fmt.Errorf("failed to get test stats: %w", err)
	}

	resp := &TestStatsResponse{
		TestID:       testID,
		AttemptCount: stats.AttemptCount,
		PassedCount:  stats.PassedCount,
		AverageScore: round2(stats.AverageScore()),
	}
	if stats.AttemptCount > 0 {
		resp.PassRate = round2(float64(stats.PassedCount) / float64(stats.AttemptCount) * 100)
	}
	return resp, nil
}

func (s *exportService) authorizeTestRead(ctx context.Context, testID uint, identity *models.Identity, action string) (*models.Test, error) {
	if !identity.IsStaff() {
		return nil, NewPermissionError(identity.UserID, testID, "test", action, "instructor or admin role required")
	}
	test, err := s.repo.Test().GetByID(ctx, testID)
	if err != nil {
		if repositories.IsNotFoundError(err) {
			return nil, ErrTestNotFound
		}
		return nil, fmt.Errorf("failed to get test: %w", err)
	}
	if test.OrganizationID != nil && !identity.CanAccessOrg(*test.OrganizationID) {
		return nil, NewPermissionError(identity.UserID, testID, "test", action, "test belongs to another organization")
	}
	return test, nil
}

func (s *exportService) writeSummarySheet(f *excelize.File, results []*models.Result) error {
	sheetName := "Results"
	index, err := f.NewSheet(sheetName)
	if err != nil {
		return fmt.Errorf("failed to create Excel sheet: %w", err)
	}
	f.SetActiveSheet(index)
	f.DeleteSheet("Sheet1")

	headers := []string{
		"Student ID", "Attempt", "End Reason", "Earned Points", "Total Points",
		"Percentage", "Result", "Correct", "Incorrect", "Unanswered", "Pending Review", "Graded At",
	}
	for i, header := range headers {
		cell := fmt.Sprintf("%c1", 'A'+i)
		f.SetCellValue(sheetName, cell, header)
	}

	for rowIndex, result := range results {
		verdict := "Fail"
		if result.Score.Passed {
			verdict = "Pass"
		}
		row := []interface{}{
			result.UserID,
			result.AttemptNumber,
			result.EndReason,
			result.Score.EarnedPoints,
			result.Score.TotalPoints,
			result.Score.Percentage,
			verdict,
			result.Score.CorrectCount,
			result.Score.IncorrectCount,
			result.Score.UnansweredCount,
			result.Score.PendingReview,
			result.CreatedAt.Format("2006-01-02 15:04:05"),
		}
		for colIndex, value := range row {
			cell := fmt.Sprintf("%c%d", 'A'+colIndex, rowIndex+2)
			f.SetCellValue(sheetName, cell, value)
		}
	}
	return nil
}

func (s *exportService) writeQuestionSheet(f *excelize.File, results []*models.Result) error {
	sheetName := "Question Detail"
	if _, err := f.NewSheet(sheetName); err != nil {
		return fmt.Errorf("failed to create Excel sheet: %w", err)
	}

	headers := []string{
		"Student ID", "Attempt", "Question ID", "Type", "Answered",
		"Correct", "Points", "Points Earned", "Manual Review", "Time Spent (s)",
	}
	for i, header := range headers {
		cell := fmt.Sprintf("%c1", 'A'+i)
		f.SetCellValue(sheetName, cell, header)
	}

	rowIndex := 2
	for _, result := range results {
		for _, q := range result.Questions {
			correct := ""
			if q.IsCorrect != nil {
				if *q.IsCorrect {
					correct = "yes"
				} else {
					correct = "no"
				}
			}
			row := []interface{}{
				result.UserID,
				result.AttemptNumber,
				q.QuestionID,
				string(q.Type),
				q.Answered,
				correct,
				q.Points,
				q.PointsEarned,
				q.ManualReview,
				q.TimeSpent,
			}
			for colIndex, value := range row {
				cell := fmt.Sprintf("%c%d", 'A'+colIndex, rowIndex)
				f.SetCellValue(sheetName, cell, value)
			}
			rowIndex++
		}
	}
	return nil
}
