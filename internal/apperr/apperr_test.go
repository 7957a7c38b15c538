package apperr

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"
)

func TestErrorString(t *testing.T) {
	err := WrapWithCode(errors.New("connection reset"), CodeBackendSubmission, "pipeline.submit", "submit render")
	want := "pipeline.submit: [BACKEND_SUBMISSION_FAILED] submit render: connection reset"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestWrapPreservesCode(t *testing.T) {
	inner := NotFound("render job", "abc")
	outer := Wrap(fmt.Errorf("lookup: %w", inner), "service.get", "get job")

	if outer.Code != CodeNotFound {
		t.Errorf("Code = %s, want %s", outer.Code, CodeNotFound)
	}
	if !IsNotFound(outer) {
		t.Error("IsNotFound should match wrapped not found")
	}
	if outer.Fields["id"] != "abc" {
		t.Errorf("fields not preserved: %v", outer.Fields)
	}
}

func TestWrapPlainErrorIsInternal(t *testing.T) {
	if got := GetCode(Wrap(errors.New("boom"), "op", "msg")); got != CodeInternal {
		t.Errorf("GetCode = %s, want %s", got, CodeInternal)
	}
	if Wrap(nil, "op", "msg") != nil {
		t.Error("Wrap(nil) should return nil")
	}
}

func TestErrorsIsByCode(t *testing.T) {
	err := fmt.Errorf("outer: %w", New(CodeBackendTimeout, "exhausted"))
	if !errors.Is(err, New(CodeBackendTimeout, "")) {
		t.Error("errors.Is should match on code")
	}
	if errors.Is(err, New(CodeBackendFailed, "")) {
		t.Error("errors.Is should not match a different code")
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		code Code
		want int
	}{
		{CodeValidation, 400},
		{CodeUnauthorized, 401},
		{CodeNotFound, 404},
		{CodeStateConflict, 409},
		{CodeRateLimited, 429},
		{CodeBackendSubmission, 502},
		{CodeBackendTimeout, 504},
		{CodeUnavailable, 503},
		{CodeInternal, 500},
	}
	for _, tt := range tests {
		if got := New(tt.code, "x").HTTPStatus(); got != tt.want {
			t.Errorf("%s: HTTPStatus = %d, want %d", tt.code, got, tt.want)
		}
	}
	if GetHTTPStatus(errors.New("plain")) != 500 {
		t.Error("plain errors should map to 500")
	}
}

func TestValidationFields(t *testing.T) {
	err := Validation(2, "end", "end must be greater than start")
	fields := GetFields(err)
	if fields["index"] != 2 || fields["field"] != "end" {
		t.Errorf("fields = %v", fields)
	}
}

func TestTruncate(t *testing.T) {
	long := New(CodeBackendFailed, strings.Repeat("x", 3000))
	if got := len(Truncate(long)); got != MaxMessageLength {
		t.Errorf("len = %d, want %d", got, MaxMessageLength)
	}

	wide := Truncate(errors.New("x" + strings.Repeat("é", 1500)))
	if !utf8.ValidString(wide) {
		t.Error("Truncate split a multi-byte character")
	}
	if len(wide) > MaxMessageLength || len(wide) < MaxMessageLength-1 {
		t.Errorf("len = %d, want within one byte of %d", len(wide), MaxMessageLength)
	}

	if Truncate(nil) != "" {
		t.Error("Truncate(nil) should be empty")
	}
}
