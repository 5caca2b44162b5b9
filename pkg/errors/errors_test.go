package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"
)

func TestIsMatchesByCode(t *testing.T) {
	err := fmt.Errorf("load saga: %w", Newf(CodeStepNotFound, "step %q not found", "SAVE_METADATA"))

	if !stderrors.Is(err, New(CodeStepNotFound, "")) {
		t.Fatal("expected wrapped error to match by code")
	}
	if stderrors.Is(err, New(CodeCompensationNotFound, "")) {
		t.Fatal("expected different code not to match")
	}
}

func TestCodeOf(t *testing.T) {
	if got := CodeOf(nil); got != CodeOK {
		t.Fatalf("CodeOf(nil) = %s, want OK", got)
	}
	if got := CodeOf(stderrors.New("boom")); got != CodeInternal {
		t.Fatalf("CodeOf(plain) = %s, want INTERNAL", got)
	}
	if got := CodeOf(fmt.Errorf("x: %w", ErrFileNotFound)); got != CodeFileNotFound {
		t.Fatalf("CodeOf(wrapped) = %s, want FILE_NOT_FOUND", got)
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		code Code
		want int
	}{
		{CodeValidationFailed, http.StatusBadRequest},
		{CodePermissionDenied, http.StatusForbidden},
		{CodeSagaNotFound, http.StatusNotFound},
		{CodeVersionConflict, http.StatusConflict},
		{CodeFileTooLarge, http.StatusRequestEntityTooLarge},
		{CodeUnsupportedMediaType, http.StatusUnsupportedMediaType},
		{CodeAdapterFailure, http.StatusBadGateway},
		{CodeUnknown, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			if got := New(tt.code, "x").HTTPStatus(); got != tt.want {
				t.Fatalf("HTTPStatus() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestRetryable(t *testing.T) {
	if !New(CodeVersionConflict, "").Retryable {
		t.Fatal("version conflict should be retryable")
	}
	if New(CodeStepNotFound, "").Retryable {
		t.Fatal("step not found should not be retryable")
	}
}

func TestNewWithDefault(t *testing.T) {
	if got := NewWithDefault(CodeInternal, "").Message; got != string(CodeInternal) {
		t.Fatalf("message = %q, want code", got)
	}
}
