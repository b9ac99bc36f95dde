package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestNewError(t *testing.T) {
	t.Parallel()

	t.Run("creates error with all defaults", func(t *testing.T) {
		err := NewError(ErrCodeNotFound, "group missing")
		if err.Code != ErrCodeNotFound {
			t.Errorf("Code = %v, want %v", err.Code, ErrCodeNotFound)
		}
		if err.Message != "group missing" {
			t.Errorf("Message = %q, want %q", err.Message, "group missing")
		}
		if err.Category != CategoryValidation {
			t.Errorf("Category = %v, want %v", err.Category, CategoryValidation)
		}
		if err.Details == nil || err.Context == nil {
			t.Error("Details/Context maps not initialized")
		}
		if err.Timestamp.IsZero() {
			t.Error("Timestamp not set")
		}
	})

	t.Run("validation errors are never retryable", func(t *testing.T) {
		for _, code := range []ErrorCode{ErrCodeNotFound, ErrCodeTypeMismatch, ErrCodeShapeMismatch, ErrCodeProtocolMismatch} {
			if NewError(code, "x").Retryable {
				t.Errorf("%v should not be retryable", code)
			}
		}
		if !NewError(ErrCodeStorageUnavailable, "x").Retryable {
			t.Error("StorageUnavailable should be retryable")
		}
	})

	t.Run("sets HTTP status defaults", func(t *testing.T) {
		tests := []struct {
			code       ErrorCode
			wantStatus int
		}{
			{ErrCodeShapeMismatch, 400},
			{ErrCodeNotFound, 404},
			{ErrCodeSealed, 409},
			{ErrCodeNotReady, 425},
			{ErrCodeCircuitOpen, 503},
			{ErrCodeInternalError, 500},
		}
		for _, tt := range tests {
			if got := NewError(tt.code, "x").HTTPStatus; got != tt.wantStatus {
				t.Errorf("%v: HTTPStatus = %d, want %d", tt.code, got, tt.wantStatus)
			}
		}
	})
}

func TestGetCategory(t *testing.T) {
	t.Parallel()

	tests := []struct {
		code ErrorCode
		want ErrorCategory
	}{
		{ErrCodeTypeMismatch, CategoryValidation},
		{ErrCodeNotReady, CategoryAvailability},
		{ErrCodePartialTransfer, CategoryTransport},
		{ErrCodeChannelInvalid, CategoryTransport},
		{ErrCodeStorageWrite, CategoryStorage},
		{ErrCodeMirrorFailed, CategoryStorage},
		{ErrCodeConfigLoad, CategoryConfiguration},
		{ErrCodeCircuitOpen, CategoryOperation},
		{ErrorCode("SOMETHING_ELSE"), CategoryInternal},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			if got := GetCategory(tt.code); got != tt.want {
				t.Errorf("GetCategory(%v) = %v, want %v", tt.code, got, tt.want)
			}
		})
	}
}

func TestErrorFormatting(t *testing.T) {
	t.Parallel()

	err := NewError(ErrCodeShapeMismatch, "buffer holds 3 elements, selection 4").
		WithComponent("vol").
		WithOperation("DatasetWrite")
	want := "[vol:DatasetWrite] SHAPE_MISMATCH: buffer holds 3 elements, selection 4"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}

	noOp := NewError(ErrCodeNotFound, "missing").WithComponent("metadata")
	if noOp.Error() != "[metadata] NOT_FOUND: missing" {
		t.Errorf("Error() = %q", noOp.Error())
	}

	bare := Wrap(ErrCodeStorageRead, "read failed", fmt.Errorf("disk gone"))
	if bare.Error() != "STORAGE_READ: read failed: disk gone" {
		t.Errorf("Error() = %q", bare.Error())
	}

	s := err.WithDetail("elements", 3).String()
	if !strings.HasPrefix(s, "LowFiveError{") || !strings.Contains(s, `Details={"elements":3}`) {
		t.Errorf("String() = %q", s)
	}
}

func TestErrorsIsAndAs(t *testing.T) {
	t.Parallel()

	inner := NewError(ErrCodePartialTransfer, "peer closed")
	wrapped := fmt.Errorf("reading data0: %w", inner)

	if !errors.Is(wrapped, NewError(ErrCodePartialTransfer, "")) {
		t.Error("errors.Is should match on code")
	}
	if errors.Is(wrapped, NewError(ErrCodeNotReady, "")) {
		t.Error("errors.Is should not match a different code")
	}

	var lfErr *LowFiveError
	if !errors.As(wrapped, &lfErr) || lfErr.Code != ErrCodePartialTransfer {
		t.Errorf("errors.As = %v", lfErr)
	}

	if CodeOf(wrapped) != ErrCodePartialTransfer {
		t.Errorf("CodeOf = %v, want %v", CodeOf(wrapped), ErrCodePartialTransfer)
	}
	if CodeOf(fmt.Errorf("plain")) != "" {
		t.Error("CodeOf of a plain error should be empty")
	}
}

func TestIsCodeFollowsCauses(t *testing.T) {
	t.Parallel()

	root := NewError(ErrCodeChannelInvalid, "link closed")
	outer := Wrap(ErrCodePartialTransfer, "round aborted", root)

	if !IsCode(outer, ErrCodePartialTransfer) {
		t.Error("IsCode should match the outer code")
	}
	if !IsCode(outer, ErrCodeChannelInvalid) {
		t.Error("IsCode should match a code in the cause chain")
	}
	if IsCode(outer, ErrCodeNotFound) {
		t.Error("IsCode should not match an absent code")
	}
	if IsCode(nil, ErrCodeNotFound) {
		t.Error("IsCode(nil) should be false")
	}
}

func TestIsRetryable(t *testing.T) {
	t.Parallel()

	if !IsRetryable(fmt.Errorf("wrap: %w", NewError(ErrCodeStorageWrite, "x"))) {
		t.Error("wrapped storage write should be retryable")
	}
	if IsRetryable(NewError(ErrCodeShapeMismatch, "x")) {
		t.Error("shape mismatch should not be retryable")
	}
	if IsRetryable(fmt.Errorf("plain")) {
		t.Error("plain errors are not retryable")
	}
}

func TestJSON(t *testing.T) {
	t.Parallel()

	err := NewError(ErrCodeNotReady, "no data").WithContext("path", "/data0")
	var decoded map[string]interface{}
	if e := json.Unmarshal([]byte(err.JSON()), &decoded); e != nil {
		t.Fatalf("JSON() is not valid JSON: %v", e)
	}
	if decoded["code"] != string(ErrCodeNotReady) {
		t.Errorf("code = %v, want %v", decoded["code"], ErrCodeNotReady)
	}
}

func TestRecommendation(t *testing.T) {
	t.Parallel()

	if r := NewError(ErrCodeNotReady, "x").Recommendation(); !strings.Contains(r, "No data") {
		t.Errorf("Recommendation() = %q", r)
	}
	if r := NewError(ErrCodeInternalError, "x").Recommendation(); r == "" {
		t.Error("Recommendation() should have a fallback")
	}
}

func TestWithStack(t *testing.T) {
	t.Parallel()

	err := NewError(ErrCodeInternalError, "boom").WithStack()
	if err.Stack == "" {
		t.Error("WithStack did not capture a stack")
	}
}
