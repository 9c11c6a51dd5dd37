package contracts

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Code is a stable machine-readable error code.
type Code string

const (
	CodeValidation      Code = "E_VALIDATION"
	CodeUnknownEvent    Code = "E_UNKNOWN_EVENT"
	CodeStageTimeout    Code = "E_STAGE_TIMEOUT"
	CodeWriteback       Code = "E_WRITEBACK"
	CodeLedgerIntegrity Code = "E_LEDGER_INTEGRITY"
	CodeTransition      Code = "E_TRANSITION"
	CodeNotFound        Code = "E_NOT_FOUND"
)

var (
	// ErrInvalidEvent is matched by every envelope ValidationError.
	ErrInvalidEvent = errors.New("invalid event")
	// ErrUnknownEventType is matched by UnknownEventTypeError.
	ErrUnknownEventType = errors.New("unknown event type")
	// ErrStageTimeout is matched by StageTimeoutError.
	ErrStageTimeout = errors.New("stage timeout")
	// ErrWritebackFailure is matched by WritebackFailure.
	ErrWritebackFailure = errors.New("writeback failure")
	// ErrLedgerIntegrity is matched by ledger integrity errors.
	ErrLedgerIntegrity = errors.New("ledger integrity violation")
	// ErrInvalidTransition is returned for a non-monotonic run transition.
	ErrInvalidTransition = errors.New("invalid run transition")
)

// ValidationError reports a malformed event or case. It is raised before a
// Run exists.
type ValidationError struct {
	Code   Code
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Reason)
	}
	return fmt.Sprintf("%s: %s: %s", e.Code, e.Field, e.Reason)
}

// Is lets errors.Is(err, ErrInvalidEvent) match any ValidationError.
func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidEvent
}

// UnknownEventTypeError lists the event types the router accepts.
type UnknownEventTypeError struct {
	EventType string
	Valid     []EventType
}

func (e *UnknownEventTypeError) Error() string {
	valid := make([]string, len(e.Valid))
	for i, v := range e.Valid {
		valid[i] = string(v)
	}
	return fmt.Sprintf("%s: %q (valid: %s)", CodeUnknownEvent, e.EventType, strings.Join(valid, ", "))
}

func (e *UnknownEventTypeError) Is(target error) bool {
	return target == ErrUnknownEventType || target == ErrInvalidEvent
}

// StageTimeoutError is returned when an external stage call exceeds its
// bound. The run escalates; it is never retried automatically.
type StageTimeoutError struct {
	Stage   string
	Timeout time.Duration
}

func (e *StageTimeoutError) Error() string {
	return fmt.Sprintf("%s: stage %s exceeded %s", CodeStageTimeout, e.Stage, e.Timeout)
}

func (e *StageTimeoutError) Is(target error) bool { return target == ErrStageTimeout }

// WritebackFailure wraps the last finalize error after retries are spent.
type WritebackFailure struct {
	CaseID   string
	Attempts int
	Err      error
}

func (e *WritebackFailure) Error() string {
	return fmt.Sprintf("%s: case %s failed after %d attempts: %v", CodeWriteback, e.CaseID, e.Attempts, e.Err)
}

func (e *WritebackFailure) Unwrap() error { return e.Err }

func (e *WritebackFailure) Is(target error) bool { return target == ErrWritebackFailure }

// TransitionError reports an attempted run transition the state machine
// forbids.
type TransitionError struct {
	RunID string
	From  RunStatus
	To    RunStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: run %s cannot move %s -> %s", CodeTransition, e.RunID, e.From, e.To)
}

func (e *TransitionError) Is(target error) bool { return target == ErrInvalidTransition }
