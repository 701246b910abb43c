package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// ExecuteRequest is the contract with the code-execution collaborator. The
// runtime itself is outside this service; it is only called through this
// narrow request/response pair.
type ExecuteRequest struct {
	Code          string     `json:"code"`
	Language      string     `json:"language"`
	TestCases     []TestCase `json:"test_cases"`
	Runtime       string     `json:"runtime,omitempty"`
	EntryFunction string     `json:"entry_function"`
	TimeoutMS     int        `json:"timeout_ms"`
}

type TestCase struct {
	Input          string `json:"input"`
	ExpectedOutput string `json:"expected_output"`
	Hidden         bool   `json:"hidden"`
}

type ExecuteResponse struct {
	Success       bool             `json:"success"`
	OverallPassed bool             `json:"overall_passed"`
	TestResults   []TestCaseResult `json:"per_test_results"`
	Error         string           `json:"error,omitempty"`
}

type TestCaseResult struct {
	Passed       bool   `json:"passed"`
	ActualOutput string `json:"actual_output,omitempty"`
	Error        string `json:"error,omitempty"`
}

// Executor runs student code against test cases.
type Executor interface {
	Execute(ctx context.Context, req *ExecuteRequest) (*ExecuteResponse, error)
}

// Client is the HTTP implementation of Executor.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

func NewClient(baseURL string, timeout time.Duration, logger *slog.Logger) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// Execute posts the submission to the sandbox. Transport errors are returned
// to the caller; graders map timeout/crash to test failure rather than a
// system error.
func (c *Client) Execute(ctx context.Context, req *ExecuteRequest) (*ExecuteResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal execute request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build execute request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("sandbox call failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("sandbox returned status %d", resp.StatusCode)
	}

	var out ExecuteResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode sandbox response: %w", err)
	}

	c.logger.Debug("Sandbox execution finished",
		"language", req.Language,
		"test_cases", len(req.TestCases),
		"overall_passed", out.OverallPassed)

	return &out, nil
}
