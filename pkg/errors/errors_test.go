package errors

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
)

func TestAppError_Error(t *testing.T) {
	err := NewAppError(ErrCodeInvalidInput, "test error", http.StatusBadRequest)
	expected := "INVALID_INPUT: test error"
	if err.Error() != expected {
		t.Errorf("Error() = %v, want %v", err.Error(), expected)
	}
}

func TestAppError_WithCause(t *testing.T) {
	originalErr := errors.New("redis unavailable")
	err := WrapError(originalErr, ErrCodeServiceUnavailable, "id registry unavailable", http.StatusServiceUnavailable)

	if !errors.Is(err, originalErr) {
		t.Errorf("expected wrapped cause to be reachable")
	}
	if !strings.Contains(err.Error(), "redis unavailable") {
		t.Errorf("Error() should contain cause, got: %v", err.Error())
	}
}

func TestNewIDTakenError(t *testing.T) {
	err := NewIDTakenError("abc123")
	if err.Code != ErrCodeIDTaken || err.HTTPStatus != http.StatusConflict {
		t.Errorf("unexpected error: %+v", err)
	}
	if err.Context["id"] != "abc123" {
		t.Errorf("Context[id] = %v, want abc123", err.Context["id"])
	}
}

func TestNewInvalidIDError(t *testing.T) {
	err := NewInvalidIDError("bad id")
	if err.Code != ErrCodeInvalidID || err.HTTPStatus != http.StatusBadRequest {
		t.Errorf("unexpected error: %+v", err)
	}
}

func TestGetAppError(t *testing.T) {
	appErr := NewUnauthorizedError("token required")

	if GetAppError(appErr) != appErr {
		t.Error("expected direct AppError to be returned")
	}
	wrapped := fmt.Errorf("handler: %w", appErr)
	if GetAppError(wrapped) != appErr {
		t.Error("expected wrapped AppError to be found")
	}
	if GetAppError(errors.New("plain")) != nil {
		t.Error("expected nil for plain error")
	}
	if !IsAppError(wrapped) || IsAppError(errors.New("plain")) {
		t.Error("IsAppError mismatch")
	}
}
