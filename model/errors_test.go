package model

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorEnvelope_Error(t *testing.T) {
	e := &ErrorEnvelope{Code: ErrNotFound, Message: "assignment not found"}
	want := "NOT_FOUND: assignment not found"
	if got := e.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestErrorEnvelope_implements_error(t *testing.T) {
	var _ error = (*ErrorEnvelope)(nil)
}

func TestNewUnknownStateError(t *testing.T) {
	e := NewUnknownStateError("limbo")
	if e.Code != ErrUnknownState {
		t.Errorf("Code = %q, want %q", e.Code, ErrUnknownState)
	}
	if e.Meta["stage"] != "limbo" {
		t.Errorf("Meta[stage] = %v", e.Meta["stage"])
	}
}

func TestNewDuplicateActiveError(t *testing.T) {
	e := NewDuplicateActiveError("case-1", "inspector")
	if e.Code != ErrDuplicateActiveAssignment {
		t.Errorf("Code = %q", e.Code)
	}
	if e.Meta["case_id"] != "case-1" || e.Meta["role"] != "inspector" {
		t.Errorf("Meta = %v", e.Meta)
	}
}

func TestNewValidationError(t *testing.T) {
	details := []FieldError{
		{Field: "case_id", Code: "REQUIRED", Message: "case_id is required"},
	}
	e := NewValidationError(details)
	if e.Code != ErrValidationError {
		t.Errorf("Code = %q, want %q", e.Code, ErrValidationError)
	}
	if len(e.Details) != 1 {
		t.Fatalf("Details length = %d, want 1", len(e.Details))
	}
	if e.Details[0].Field != "case_id" {
		t.Errorf("Details[0].Field = %q", e.Details[0].Field)
	}
}

func TestCodeOf_wrapped(t *testing.T) {
	err := fmt.Errorf("save assignment: %w", NewConflictError("version changed"))
	if got := CodeOf(err); got != ErrConflict {
		t.Errorf("CodeOf() = %q, want %q", got, ErrConflict)
	}
	if !IsCode(err, ErrConflict) {
		t.Error("IsCode() = false, want true")
	}
}

func TestCodeOf_plainError(t *testing.T) {
	if got := CodeOf(errors.New("boom")); got != "" {
		t.Errorf("CodeOf() = %q, want empty", got)
	}
	if IsCode(nil, ErrNotFound) {
		t.Error("IsCode(nil) = true")
	}
}
