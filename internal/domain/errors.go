package domain

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
)

// ErrNotFound is returned when a job, log or reference row does not exist.
var ErrNotFound = errors.New("not found")

// ValidationError reports a malformed request. No state has been changed.
type ValidationError struct {
	Fields map[string]string
}

// NewValidationError starts an empty error; use Add and Err to finish it.
func NewValidationError() *ValidationError {
	return &ValidationError{Fields: map[string]string{}}
}

// Add records a problem with one field.
func (e *ValidationError) Add(field, msg string) {
	e.Fields[field] = msg
}

// Err returns nil when no field was rejected.
func (e *ValidationError) Err() error {
	if len(e.Fields) == 0 {
		return nil
	}
	return e
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// StateConflictError is an illegal transition request. The job is unchanged.
type StateConflictError struct {
	JobID     string
	Current   JobStatus
	Requested string
}

func (e *StateConflictError) Error() string {
	return fmt.Sprintf("job %s: cannot %s from status %s", e.JobID, e.Requested, e.Current)
}

// FailureKind classifies a failed delivery attempt.
type FailureKind string

const (
	// FailureTransient is retried up to the configured maximum.
	FailureTransient FailureKind = "transient"
	// FailurePermanent fails the row immediately.
	FailurePermanent FailureKind = "permanent"
	// FailureCapability means the channel sender cannot serve the job at all.
	FailureCapability FailureKind = "capability"
)

// DeliveryError is returned by channel senders for a failed attempt.
type DeliveryError struct {
	Kind    FailureKind
	Code    string
	Message string
	Err     error
}

func (e *DeliveryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s delivery failure %s: %s: %v", e.Kind, e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s delivery failure %s: %s", e.Kind, e.Code, e.Message)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Transient builds a retryable delivery error.
func Transient(code, msg string) *DeliveryError {
	return &DeliveryError{Kind: FailureTransient, Code: code, Message: msg}
}

// Permanent builds a non-retryable delivery error.
func Permanent(code, msg string) *DeliveryError {
	return &DeliveryError{Kind: FailurePermanent, Code: code, Message: msg}
}

// Capability builds a systemic sender error.
func Capability(code, msg string) *DeliveryError {
	return &DeliveryError{Kind: FailureCapability, Code: code, Message: msg}
}

// ClassifyDelivery maps any sender error onto a DeliveryError. Timeouts and
// unknown errors are treated as transient.
func ClassifyDelivery(err error) *DeliveryError {
	if err == nil {
		return nil
	}
	var de *DeliveryError
	if errors.As(err, &de) {
		return de
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &DeliveryError{Kind: FailureTransient, Code: CodeTimeout, Message: "send timed out", Err: err}
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &DeliveryError{Kind: FailureTransient, Code: CodeTimeout, Message: "send timed out", Err: err}
	}
	return &DeliveryError{Kind: FailureTransient, Code: CodeUnknown, Message: err.Error(), Err: err}
}
