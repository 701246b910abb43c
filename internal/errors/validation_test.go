package errors

import (
	"errors"
	"testing"

	"github.com/go-playground/validator/v10"
)

func TestValidationError(t *testing.T) {
	err := NewValidationError("test_id", "is required", nil)

	if err.Field != "test_id" {
		t.Errorf("Expected field to be 'test_id', got '%s'", err.Field)
	}
	if err.Message != "is required" {
		t.Errorf("Expected message to be 'is required', got '%s'", err.Message)
	}

	expected := "validation error on field 'test_id': is required"
	if err.Error() != expected {
		t.Errorf("Expected error message to be '%s', got '%s'", expected, err.Error())
	}
}

func TestValidationErrors(t *testing.T) {
	var errs ValidationErrors
	if errs.Error() != "validation failed" {
		t.Errorf("Expected 'validation failed' for empty errors, got '%s'", errs.Error())
	}

	errs = append(errs, *NewValidationError("question_index", "must be a non-negative question index", -1))
	expected := "validation failed: question_index must be a non-negative question index"
	if errs.Error() != expected {
		t.Errorf("Expected '%s' for single error, got '%s'", expected, errs.Error())
	}

	errs = append(errs, *NewValidationErrorWithRule("answer", "is required", "required", nil))
	expected = "validation failed: 2 field errors"
	if errs.Error() != expected {
		t.Errorf("Expected '%s' for multiple errors, got '%s'", expected, errs.Error())
	}
	if errs[1].Rule != "required" {
		t.Errorf("Expected rule to be 'required', got '%s'", errs[1].Rule)
	}
}

func TestToValidationErrors(t *testing.T) {
	type listQuery struct {
		TestID    uint   `validate:"required"`
		Limit     int    `validate:"min=1,max=100"`
		SortOrder string `validate:"omitempty,oneof=asc desc"`
	}

	v := validator.New()
	err := v.Struct(listQuery{Limit: 0, SortOrder: "sideways"})
	if err == nil {
		t.Fatal("Expected validation to fail")
	}

	errs := ToValidationErrors(err)
	if len(errs) != 3 {
		t.Fatalf("Expected 3 validation errors, got %d", len(errs))
	}

	messages := make(map[string]string, len(errs))
	rules := make(map[string]string, len(errs))
	for _, ve := range errs {
		messages[ve.Field] = ve.Message
		rules[ve.Field] = ve.Rule
	}

	if messages["TestID"] != "is required" {
		t.Errorf("Expected TestID message 'is required', got '%s'", messages["TestID"])
	}
	if messages["Limit"] != "must be at least 1" {
		t.Errorf("Expected Limit message 'must be at least 1', got '%s'", messages["Limit"])
	}
	if messages["SortOrder"] != "must be one of: asc desc" {
		t.Errorf("Expected SortOrder message 'must be one of: asc desc', got '%s'", messages["SortOrder"])
	}
	if rules["SortOrder"] != "oneof" {
		t.Errorf("Expected SortOrder rule 'oneof', got '%s'", rules["SortOrder"])
	}
}

func TestToValidationErrors_NonValidatorError(t *testing.T) {
	errs := ToValidationErrors(errors.New("connection refused"))
	if len(errs) != 0 {
		t.Errorf("Expected no validation errors for a non-validator error, got %d", len(errs))
	}
}
