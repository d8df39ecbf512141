package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestNewError(t *testing.T) {
	err := NewError(13001, "test error")

	if err.Code != 13001 {
		t.Errorf("Expected code 13001, got %d", err.Code)
	}
	if err.Message != "test error" {
		t.Errorf("Expected message 'test error', got '%s'", err.Message)
	}
	if err.Err != nil {
		t.Error("Expected Err to be nil")
	}
}

func TestAppError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *AppError
		expected string
	}{
		{
			name:     "without wrapped error",
			err:      NewError(13002, "fetch failed"),
			expected: "[13002] fetch failed",
		},
		{
			name:     "with wrapped error",
			err:      NewError(13002, "fetch failed").Wrap(errors.New("connection refused")),
			expected: "[13002] fetch failed: connection refused",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.expected {
				t.Errorf("Expected '%s', got '%s'", tt.expected, got)
			}
		})
	}
}

func TestAppError_WrapDoesNotMutateSentinel(t *testing.T) {
	originalErr := errors.New("original error")
	appErr := ErrSendFailed.Wrap(originalErr)

	if appErr.Code != ErrSendFailed.Code {
		t.Errorf("Expected code %d, got %d", ErrSendFailed.Code, appErr.Code)
	}
	if appErr.Err != originalErr {
		t.Error("Expected wrapped error to be the original error")
	}
	if ErrSendFailed.Err != nil {
		t.Error("Sentinel error must stay unwrapped")
	}
	if errors.Unwrap(appErr) != originalErr {
		t.Error("Expected unwrapped error to be the original error")
	}
}

func TestIs(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		target   *AppError
		expected bool
	}{
		{"same error", ErrStreamClosed, ErrStreamClosed, true},
		{"wrapped same error", ErrHistoryFetch.Wrap(errors.New("timeout")), ErrHistoryFetch, true},
		{"fmt wrapped", fmt.Errorf("load more: %w", ErrHistoryFetch), ErrHistoryFetch, true},
		{"different error", ErrSendFailed, ErrHistoryFetch, false},
		{"non-app error", errors.New("standard error"), ErrHistoryFetch, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Is(tt.err, tt.target); got != tt.expected {
				t.Errorf("Expected %v, got %v", tt.expected, got)
			}
		})
	}
}

func TestGetCodeAndMessage(t *testing.T) {
	if got := GetCode(ErrConversationNotOpen); got != CodeConversationNotOpen {
		t.Errorf("Expected %d, got %d", CodeConversationNotOpen, got)
	}
	if got := GetCode(errors.New("x")); got != CodeServerError {
		t.Errorf("Expected %d, got %d", CodeServerError, got)
	}
	if got := GetMessage(ErrConversationNotOpen); got != "会话未打开" {
		t.Errorf("Expected '会话未打开', got '%s'", got)
	}
	if got := GetMessage(errors.New("x")); got != "服务器内部错误" {
		t.Errorf("Expected '服务器内部错误', got '%s'", got)
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		err      error
		expected bool
	}{
		{ErrHistoryFetch.Wrap(errors.New("io")), true},
		{ErrSubscribe, true},
		{ErrSendFailed, true},
		{ErrStaleResult, false},
		{ErrInvalidCursor, false},
		{errors.New("plain"), false},
	}

	for _, tt := range tests {
		if got := IsRetryable(tt.err); got != tt.expected {
			t.Errorf("IsRetryable(%v): expected %v, got %v", tt.err, tt.expected, got)
		}
	}
}
