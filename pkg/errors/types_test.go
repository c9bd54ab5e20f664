package errors

import (
	stderrors "errors"
	"strings"
	"testing"
)

func TestNewError(t *testing.T) {
	err := New(ErrCodeNotConnected, "write attempted before connect")

	if err.Code != ErrCodeNotConnected {
		t.Errorf("expected code %s, got %s", ErrCodeNotConnected, err.Code)
	}
	if !strings.Contains(err.Error(), "NOT_CONNECTED") {
		t.Errorf("error string should contain code: %s", err.Error())
	}
	if !strings.Contains(err.Error(), "write attempted before connect") {
		t.Errorf("error string should contain message: %s", err.Error())
	}
}

func TestWrapError(t *testing.T) {
	underlying := stderrors.New("connection refused")
	err := Wrap(underlying, ErrCodeTransportDropped, "transport closed unexpectedly")

	if err.Underlying != underlying {
		t.Error("underlying error not preserved")
	}
	if !stderrors.Is(err, underlying) {
		t.Error("errors.Is should find underlying error")
	}
	if !strings.Contains(err.Error(), "connection refused") {
		t.Errorf("error string should contain underlying: %s", err.Error())
	}
}

func TestWrapNil(t *testing.T) {
	if err := Wrap(nil, ErrCodeInternal, "should be nil"); err != nil {
		t.Error("wrapping nil should return nil")
	}
}

func TestWithContext(t *testing.T) {
	err := New(ErrCodeApprovalPending, "decision outstanding").
		WithContext("session_id", "sess-1").
		WithContext("command", "rm -rf /tmp/scratch")

	if err.Context["session_id"] != "sess-1" {
		t.Error("context value missing")
	}
	if !strings.Contains(err.Error(), "session_id") {
		t.Errorf("error string should include context: %s", err.Error())
	}
}

func TestRetryable(t *testing.T) {
	err := New(ErrCodeRemoteDecision, "approve call failed").WithRetryable(true)

	if !err.IsRetryable() {
		t.Error("expected retryable")
	}
	if !IsRetryable(err) {
		t.Error("IsRetryable helper should report true")
	}
	if IsRetryable(stderrors.New("plain")) {
		t.Error("plain errors are not retryable")
	}
}

func TestIsCode(t *testing.T) {
	err := New(ErrCodePollTimeout, "gave up after 150 attempts")

	if !IsCode(err, ErrCodePollTimeout) {
		t.Error("IsCode should match")
	}
	if IsCode(err, ErrCodeRemoteDecision) {
		t.Error("IsCode should not match different code")
	}
	if IsCode(nil, ErrCodePollTimeout) {
		t.Error("IsCode on nil should be false")
	}
	if IsCode(stderrors.New("plain"), ErrCodePollTimeout) {
		t.Error("IsCode on plain error should be false")
	}
}

func TestGetCode(t *testing.T) {
	if got := GetCode(New(ErrCodeStateSave, "x")); got != ErrCodeStateSave {
		t.Errorf("expected %s, got %s", ErrCodeStateSave, got)
	}
	if got := GetCode(stderrors.New("plain")); got != ErrCodeInternal {
		t.Errorf("plain errors map to %s, got %s", ErrCodeInternal, got)
	}
	if got := GetCode(nil); got != "" {
		t.Errorf("nil maps to empty code, got %s", got)
	}
}

func TestUserFacing(t *testing.T) {
	err := New(ErrCodeNotConnected, "send rejected in state disconnected").
		WithUserMessage("Not connected. Reconnect to continue.")

	if got := UserFacing(err); got != "Not connected. Reconnect to continue." {
		t.Errorf("unexpected user message: %s", got)
	}
	if got := UserFacing(New(ErrCodeInternal, "oops")); !strings.Contains(got, "oops") {
		t.Errorf("fallback should use internal message: %s", got)
	}
	if UserFacing(nil) != "" {
		t.Error("nil error has no user message")
	}
}
