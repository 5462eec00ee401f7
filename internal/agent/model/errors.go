package model

import (
	"errors"
	"fmt"
	"time"
)

// DiscoveryError marks a trace lookup that failed. The trace is skipped.
type DiscoveryError struct {
	TraceID string
	Err     error
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("discovery: trace %s: %v", e.TraceID, e.Err)
}

func (e *DiscoveryError) Unwrap() error { return e.Err }

// SpecialistFailure is an isolated failure of one specialist task.
type SpecialistFailure struct {
	Specialist SpecialistType
	Kind       FailureKind
	Err        error
}

func (e *SpecialistFailure) Error() string {
	return fmt.Sprintf("specialist %s %s: %v", e.Specialist, e.Kind, e.Err)
}

func (e *SpecialistFailure) Unwrap() error { return e.Err }

// SpecialistTimeout is a SpecialistFailure caused by a deadline.
type SpecialistTimeout struct {
	Specialist SpecialistType
	Timeout    time.Duration
	Cancelled  bool
}

func (e *SpecialistTimeout) Error() string {
	if e.Cancelled {
		return fmt.Sprintf("specialist %s cancelled before completion", e.Specialist)
	}
	return fmt.Sprintf("specialist %s timed out after %s", e.Specialist, e.Timeout)
}

// As lets errors.As treat a timeout as a SpecialistFailure.
func (e *SpecialistTimeout) As(target any) bool {
	sf, ok := target.(**SpecialistFailure)
	if !ok {
		return false
	}
	kind := FailureTimeout
	if e.Cancelled {
		kind = FailureCancelled
	}
	*sf = &SpecialistFailure{Specialist: e.Specialist, Kind: kind, Err: errors.New(e.Error())}
	return true
}

// AggregationParseError describes a structured block that could not be decoded.
type AggregationParseError struct {
	Source string
	Offset int
	Err    error
}

func (e *AggregationParseError) Error() string {
	return fmt.Sprintf("malformed block from %s at offset %d: %v", e.Source, e.Offset, e.Err)
}

func (e *AggregationParseError) Unwrap() error { return e.Err }

// Governor limits.
const (
	LimitMaxHandoffs      = "max_handoffs"
	LimitMaxIterations    = "max_iterations"
	LimitNodeTimeout      = "node_timeout"
	LimitExecutionTimeout = "execution_timeout"
	LimitLoopDetected     = "loop_detected"
	// LimitCancelled is used when the caller's context ended the run.
	LimitCancelled = "cancelled"
)

// GovernorLimitExceeded records why the governor forced termination.
// It is stored on the report, never returned to callers.
type GovernorLimitExceeded struct {
	Limit  string `json:"limit" yaml:"limit"`
	State  string `json:"state" yaml:"state"`
	Detail string `json:"detail" yaml:"detail"`
}

func (e *GovernorLimitExceeded) Error() string {
	return fmt.Sprintf("governor limit %s in %s: %s", e.Limit, e.State, e.Detail)
}

// FatalSetupError aborts a run before any specialist executes.
type FatalSetupError struct {
	Stage string
	Err   error
}

func (e *FatalSetupError) Error() string {
	return fmt.Sprintf("setup failed (%s): %v", e.Stage, e.Err)
}

func (e *FatalSetupError) Unwrap() error { return e.Err }

// IsFatalSetup reports whether err aborts the run.
func IsFatalSetup(err error) bool {
	var fe *FatalSetupError
	return errors.As(err, &fe)
}
