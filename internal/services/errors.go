package services

import (
	"errors"
	"fmt"

	apperrors "github.com/SAP-F-2025/exam-session-service/internal/errors"
)

// ===== COMMON SERVICE ERRORS =====

var (
	// Generic errors
	ErrNotFound         = errors.New("resource not found")
	ErrForbidden        = errors.New("forbidden - insufficient permissions")
	ErrValidationFailed = errors.New("validation failed")
	ErrConflict         = errors.New("resource conflict")

	// Test specific errors
	ErrTestNotFound  = errors.New("test not found")
	ErrTestNotActive = errors.New("test is not active")

	// Session specific errors
	ErrSessionNotFound     = errors.New("session not found")
	ErrSessionAccessDenied = errors.New("access denied to session")
	ErrSessionNotActive    = errors.New("session is not active")
	ErrSessionExists       = errors.New("an active session already exists for this user")
	ErrSessionExpired      = errors.New("session time has expired")
	ErrAttemptLimitReached = errors.New("maximum attempts reached")
	ErrSessionCorrupt      = errors.New("session snapshot is corrupt")
	ErrRecoveryFailed      = errors.New("corrupted session could not be recovered")

	// Navigation specific errors
	ErrQuestionIndexOutOfRange = errors.New("question index out of range for current section")
	ErrSectionNotSubmittable   = errors.New("section is not in a submittable state")
	ErrSectionAlreadyAdvanced  = errors.New("section was already submitted by a concurrent request")
	ErrSectionsIncomplete      = errors.New("earlier sections have not been submitted")
	ErrSectionTimeExpired      = errors.New("section time limit has elapsed")

	// Grading specific errors
	ErrAlreadyGraded = errors.New("session has already been graded")
)

// ===== CUSTOM ERROR TYPES =====

// Use shared validation errors from errors package
type ValidationError = apperrors.ValidationError
type ValidationErrors = apperrors.ValidationErrors

// PermissionError carries the who/what/why of a denied action.
type PermissionError struct {
	UserID     string `json:"user_id"`
	ResourceID uint   `json:"resource_id"`
	Resource   string `json:"resource"`
	Action     string `json:"action"`
	Reason     string `json:"reason"`
}

func (pe *PermissionError) Error() string {
	return fmt.Sprintf("permission denied: user %s cannot %s %s %d - %s",
		pe.UserID, pe.Action, pe.Resource, pe.ResourceID, pe.Reason)
}

// StateError reports an action that is not valid for the current status.
type StateError struct {
	Resource string `json:"resource"`
	ID       uint   `json:"id"`
	Status   string `json:"status"`
	Action   string `json:"action"`
}

func (se *StateError) Error() string {
	return fmt.Sprintf("invalid state: cannot %s %s %d while %s",
		se.Action, se.Resource, se.ID, se.Status)
}

// RecoveryError wraps the cause of a failed session recovery. Sessions that
// hit this are marked failed and never consume an attempt.
type RecoveryError struct {
	SessionID uint
	Cause     error
}

func (re *RecoveryError) Error() string {
	return fmt.Sprintf("recovery failed for session %d: %v", re.SessionID, re.Cause)
}

func (re *RecoveryError) Unwrap() error {
	return re.Cause
}

// ===== ERROR HELPERS =====

func NewValidationError(field, message string, value interface{}) *ValidationError {
	return apperrors.NewValidationError(field, message, value)
}

func NewPermissionError(userID string, resourceID uint, resource, action, reason string) *PermissionError {
	return &PermissionError{
		UserID:     userID,
		ResourceID: resourceID,
		Resource:   resource,
		Action:     action,
		Reason:     reason,
	}
}

func NewStateError(resource string, id uint, status, action string) *StateError {
	return &StateError{Resource: resource, ID: id, Status: status, Action: action}
}

// IsNotFound checks if error represents a "not found" condition
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrTestNotFound) ||
		errors.Is(err, ErrSessionNotFound)
}

// IsForbidden checks if error represents a permission failure
func IsForbidden(err error) bool {
	if errors.Is(err, ErrForbidden) || errors.Is(err, ErrSessionAccessDenied) {
		return true
	}
	var pe *PermissionError
	return errors.As(err, &pe)
}

// IsConflict checks if error represents a lost race or blocking resource
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrSessionExists) ||
		errors.Is(err, ErrSectionAlreadyAdvanced) ||
		errors.Is(err, ErrAttemptLimitReached) ||
		errors.Is(err, ErrAlreadyGraded)
}

// IsInvalidState checks if error represents an action invalid for the status
func IsInvalidState(err error) bool {
	if errors.Is(err, ErrSessionNotActive) ||
		errors.Is(err, ErrSectionNotSubmittable) ||
		errors.Is(err, ErrSectionsIncomplete) ||
		errors.Is(err, ErrSectionTimeExpired) ||
		errors.Is(err, ErrSessionExpired) {
		return true
	}
	var se *StateError
	return errors.As(err, &se)
}

// IsValidation checks if error represents a validation failure
func IsValidation(err error) bool {
	if errors.Is(err, ErrValidationFailed) {
		return true
	}
	var ve apperrors.ValidationErrors
	if errors.As(err, &ve) {
		return true
	}
	var single *apperrors.ValidationError
	return errors.As(err, &single)
}

// IsRecoveryFailure checks if error represents a failed session recovery
func IsRecoveryFailure(err error) bool {
	if errors.Is(err, ErrRecoveryFailed) {
		return true
	}
	var re *RecoveryError
	return errors.As(err, &re)
}
