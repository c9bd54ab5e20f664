package errors

import (
	"fmt"
	"strings"
)

// ErrorCode represents a structured error code
type ErrorCode string

const (
	// Session errors
	ErrCodeNotConnected     ErrorCode = "NOT_CONNECTED"
	ErrCodeTransportDropped ErrorCode = "TRANSPORT_DROPPED"
	ErrCodeConnectTimeout   ErrorCode = "CONNECT_TIMEOUT"
	ErrCodeSessionClosed    ErrorCode = "SESSION_CLOSED"

	// Approval errors
	ErrCodeApprovalPending ErrorCode = "APPROVAL_PENDING"

	// Remote decision errors
	ErrCodeRemoteDecision ErrorCode = "REMOTE_DECISION_FAILED"
	ErrCodePollTimeout    ErrorCode = "POLL_TIMEOUT"

	// Process errors
	ErrCodeNoTrackedProcess   ErrorCode = "NO_TRACKED_PROCESS"
	ErrCodeTerminationPartial ErrorCode = "TERMINATION_PARTIAL"
	ErrCodeKillNotArmed       ErrorCode = "KILL_NOT_ARMED"

	// Workflow errors
	ErrCodeWorkflowActive   ErrorCode = "WORKFLOW_ACTIVE"
	ErrCodeWorkflowTerminal ErrorCode = "WORKFLOW_TERMINAL"

	// State persistence errors
	ErrCodeStateLoad ErrorCode = "STATE_LOAD"
	ErrCodeStateSave ErrorCode = "STATE_SAVE"

	// Generic errors
	ErrCodeInvalidState ErrorCode = "INVALID_STATE"
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"
	ErrCodeInternal     ErrorCode = "INTERNAL"
)

// Error represents a structured shellgate error
type Error struct {
	Code        ErrorCode
	Message     string
	Underlying  error
	Context     map[string]any
	Retryable   bool
	UserMessage string
}

// New creates a new structured error
func New(code ErrorCode, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Context: make(map[string]any),
	}
}

// Wrap wraps an existing error with shellgate error context
func Wrap(err error, code ErrorCode, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Code:       code,
		Message:    message,
		Underlying: err,
		Context:    make(map[string]any),
	}
}

// WithContext adds context key-value pairs to the error
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// WithRetryable marks the error as retryable
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithUserMessage sets the human-friendly message surfaced in the UI.
func (e *Error) WithUserMessage(message string) *Error {
	e.UserMessage = message
	return e
}

// Error implements the error interface
func (e *Error) Error() string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("[%s] %s", e.Code, e.Message))

	if len(e.Context) > 0 {
		sb.WriteString(" {")
		first := true
		for k, v := range e.Context {
			if !first {
				sb.WriteString(", ")
			}
			sb.WriteString(fmt.Sprintf("%s: %v", k, v))
			first = false
		}
		sb.WriteString("}")
	}

	if e.Underlying != nil {
		sb.WriteString(fmt.Sprintf(": %v", e.Underlying))
	}

	return sb.String()
}

// Unwrap returns the underlying error for errors.Is/As
func (e *Error) Unwrap() error {
	return e.Underlying
}

// IsRetryable returns whether this error is retryable
func (e *Error) IsRetryable() bool {
	return e.Retryable
}

// IsCode checks if an error has a specific error code
func IsCode(err error, code ErrorCode) bool {
	if err == nil {
		return false
	}

	sgErr, ok := err.(*Error)
	if !ok {
		return false
	}

	return sgErr.Code == code
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	if err == nil {
		return ""
	}

	sgErr, ok := err.(*Error)
	if !ok {
		return ErrCodeInternal
	}

	return sgErr.Code
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	sgErr, ok := err.(*Error)
	if !ok {
		return false
	}

	return sgErr.Retryable
}

// UserFacing returns the message that should be shown to the user,
// falling back to the internal message when none was set.
func UserFacing(err error) string {
	if err == nil {
		return ""
	}
	if sgErr, ok := err.(*Error); ok && sgErr.UserMessage != "" {
		return sgErr.UserMessage
	}
	return err.Error()
}
