package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies every failure a generation run can end with
type ErrorKind int

const (
	KindTransport ErrorKind = iota + 1
	KindWorkflow
	KindCancelled
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindWorkflow:
		return "workflow"
	case KindCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// UnknownErrorMessage is shown when a failure carries no message at all
const UnknownErrorMessage = "An unknown error occurred"

// Error carries the structured context of a failed generation step
type Error struct {
	Kind       ErrorKind
	Op         string
	StatusCode int
	JobID      string
	Message    string
	Err        error
}

func (e *Error) Error() string {
	switch {
	case e.Message != "":
		return e.Message
	case e.Err != nil && e.Op != "":
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	case e.Err != nil:
		return e.Err.Error()
	case e.Op != "":
		return fmt.Sprintf("%s: %s error", e.Op, e.Kind)
	default:
		return e.Kind.String() + " error"
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// TransportError wraps a failed HTTP exchange
func TransportError(op string, statusCode int, err error) *Error {
	return &Error{Kind: KindTransport, Op: op, StatusCode: statusCode, Err: err}
}

// WorkflowError reports a job that failed or returned a malformed result
func WorkflowError(jobID, message string) *Error {
	return &Error{Kind: KindWorkflow, Op: "poll generation", JobID: jobID, Message: message}
}

// CancelledError reports a run stopped by its context
func CancelledError(op string, err error) *Error {
	return &Error{Kind: KindCancelled, Op: op, Err: err}
}

// IsKind reports whether err wraps a *Error of the given kind
func IsKind(err error, kind ErrorKind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// UserMessage turns any failure into the text shown to the user
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		if msg := e.Error(); msg != "" {
			return msg
		}
	}
	if msg := err.Error(); msg != "" {
		return msg
	}
	return UnknownErrorMessage
}
