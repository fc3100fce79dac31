package agent

import (
	"context"
	"errors"
	"strings"

	"github.com/solosway/webscout/api/schemas"
)

// ErrorCode classifies a failed driver action. It is recorded in the action
// history and carried by error events.
type ErrorCode string

const (
	ErrCodeNavigationError   ErrorCode = "NAVIGATION_ERROR"
	ErrCodeElementNotFound   ErrorCode = "ELEMENT_NOT_FOUND"
	ErrCodeTimeoutError      ErrorCode = "TIMEOUT_ERROR"
	ErrCodeExecutionFailure  ErrorCode = "EXECUTION_FAILURE"
	ErrCodeInvalidParameters ErrorCode = "INVALID_PARAMETERS"
	ErrCodeUnknownAction     ErrorCode = "UNKNOWN_ACTION"
	// Not driver failures, but reported the same way.
	ErrCodeSnapshotFailure ErrorCode = "SNAPSHOT_FAILURE"
	ErrCodeArchiveFailure  ErrorCode = "ARCHIVE_FAILURE"
)

var (
	// ErrSessionActive is returned when a session id is already running.
	ErrSessionActive = errors.New("session is already active")
	// ErrEmptyTask is returned for a blank task.
	ErrEmptyTask = errors.New("task must not be empty")
)

// ClassifyError maps a driver error to an ErrorCode. Typed errors win; the
// message heuristics cover drivers that only return text.
func ClassifyError(err error, kind ActionKind) ErrorCode {
	if err == nil {
		return ""
	}
	switch {
	case errors.Is(err, schemas.ErrElementNotFound):
		return ErrCodeElementNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return ErrCodeTimeoutError
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "no element found") || strings.Contains(msg, "could not find node"):
		return ErrCodeElementNotFound
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out"):
		return ErrCodeTimeoutError
	case strings.Contains(msg, "net::err") || strings.Contains(msg, "unsupported url") ||
		strings.Contains(msg, "no such host") || strings.Contains(msg, "connection refused"):
		return ErrCodeNavigationError
	case kind == ActionNavigate:
		return ErrCodeNavigationError
	}
	return ErrCodeExecutionFailure
}
