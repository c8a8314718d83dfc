package model

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorEnvelope_Error(t *testing.T) {
	e := &ErrorEnvelope{Code: ErrNotFound, Message: "record not found"}
	want := "NOT_FOUND: record not found"
	if got := e.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestErrorEnvelope_implements_error(t *testing.T) {
	var _ error = (*ErrorEnvelope)(nil)
}

func TestNewValidationError(t *testing.T) {
	details := []FieldError{
		{Field: "model", Code: "REQUIRED", Message: "model is required"},
	}
	e := NewValidationError(details)
	if e.Code != ErrValidationError {
		t.Errorf("Code = %q, want %q", e.Code, ErrValidationError)
	}
	if len(e.Details) != 1 {
		t.Fatalf("Details length = %d, want 1", len(e.Details))
	}
	if e.Details[0].Field != "model" {
		t.Errorf("Details[0].Field = %q, want %q", e.Details[0].Field, "model")
	}
}

func TestSLAErrorConstructors(t *testing.T) {
	tests := []struct {
		err  *ErrorEnvelope
		code string
	}{
		{NewInvalidStateTransitionError("x"), ErrInvalidStateTransition},
		{NewPreconditionFailedError("x"), ErrPreconditionFailed},
		{NewExternalCallFailureError("x"), ErrExternalCallFailure},
		{NewConcurrentModificationError("x"), ErrConcurrentModification},
		{NewStoreUnavailableError("x"), ErrStoreUnavailable},
		{NewConflictError("x"), ErrConflict},
		{NewInternalError(), ErrInternalError},
	}
	for _, tt := range tests {
		if tt.err.Code != tt.code {
			t.Errorf("Code = %q, want %q", tt.err.Code, tt.code)
		}
	}
}

func TestIsCode_wrapped(t *testing.T) {
	base := NewConcurrentModificationError("record r-1 changed")
	wrapped := fmt.Errorf("violate: %w", base)

	if !IsCode(wrapped, ErrConcurrentModification) {
		t.Error("IsCode(wrapped, CONCURRENT_MODIFICATION) = false")
	}
	if IsCode(wrapped, ErrNotFound) {
		t.Error("IsCode(wrapped, NOT_FOUND) = true")
	}
	if IsCode(errors.New("plain"), ErrInternalError) {
		t.Error("IsCode(plain) = true")
	}
	if IsCode(nil, "") {
		t.Error("IsCode(nil, \"\") = true")
	}
	if got := CodeOf(wrapped); got != ErrConcurrentModification {
		t.Errorf("CodeOf = %q", got)
	}
}
