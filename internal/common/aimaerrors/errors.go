// Package aimaerrors contains the error types shared between the scheduler
// components. Callers are expected to match on these types with errors.As,
// as opposed to parsing error strings.
//
// If multiple validation errors occur in some function (e.g., if several
// fields of a descriptor are invalid), that function should return an error
// of type multierror.Error from package github.com/hashicorp/go-multierror
// that encapsulates those individual errors.
package aimaerrors

import (
	"fmt"
)

// ErrInvalidDescriptor indicates a malformed resource or job descriptor.
// Such requests are rejected immediately and never retried.
type ErrInvalidDescriptor struct {
	// Name of the field referred to, e.g., "acceleratorMemoryMb"
	Name string
	// The invalid value that was provided
	Value interface{}
	// An optional message explaining why the value is invalid
	Message string
}

func (err *ErrInvalidDescriptor) Error() string {
	if err.Message == "" {
		return fmt.Sprintf("value %q is invalid for field %q", err.Value, err.Name)
	}
	return fmt.Sprintf("value %q is invalid for field %q; %s", err.Value, err.Name, err.Message)
}

// ErrNoEligibleResource indicates that no registered resource satisfies a
// job's requirements. The scheduler re-queues the job rather than failing it.
type ErrNoEligibleResource struct {
	JobId string
	// An optional message describing the constraint that could not be met
	Message string
}

func (err *ErrNoEligibleResource) Error() (s string) {
	s = fmt.Sprintf("no eligible resource for job %q", err.JobId)
	if err.Message != "" {
		s = s + fmt.Sprintf("; %s", err.Message)
	}
	return
}

// ErrConfidentialityViolation indicates an attempt to place a job whose
// confidentiality class forbids off-premises execution onto a cloud resource.
// This is a hard failure and must never be bypassed.
type ErrConfidentialityViolation struct {
	JobId string
	// An optional message, e.g., naming the failover path that was refused
	Message string
}

func (err *ErrConfidentialityViolation) Error() (s string) {
	s = fmt.Sprintf("job %q is not cleared for off-premises execution", err.JobId)
	if err.Message != "" {
		s = s + fmt.Sprintf("; %s", err.Message)
	}
	return
}

// ErrNotFound is a generic error returned whenever some record isn't found.
type ErrNotFound struct {
	Type  string // Record type, e.g., "job" or "resource"
	Value string // Record id
}

func (err *ErrNotFound) Error() string {
	if err.Type != "" {
		return fmt.Sprintf("%s %q does not exist", err.Type, err.Value)
	}
	return fmt.Sprintf("record %q does not exist", err.Value)
}

// ErrAlreadyExists is a generic error returned whenever some record already
// exists, e.g., on re-registration of a resource id or a duplicate checkpoint
// sequence number.
type ErrAlreadyExists struct {
	Type    string
	Value   string
	Message string
}

func (err *ErrAlreadyExists) Error() (s string) {
	if err.Type != "" {
		s = fmt.Sprintf("%s %q already exists", err.Type, err.Value)
	} else {
		s = fmt.Sprintf("record %q already exists", err.Value)
	}
	if err.Message != "" {
		s = s + fmt.Sprintf("; %s", err.Message)
	}
	return
}
