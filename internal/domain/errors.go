package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrValidation          = errors.New("validation failed")
	ErrState               = errors.New("invalid entity state")
	ErrConvergenceConflict = errors.New("convergence conflict")
	ErrPropagation         = errors.New("propagation failed")
)

// ValidationError rejects a definition before anything is written.
type ValidationError struct {
	Kind       Kind
	BusinessID string
	Field      string
	Reason     string
}

func (e *ValidationError) Error() string {
	reason := e.Reason
	if reason == "" {
		reason = "is required"
	}
	if e.Field == "" {
		return fmt.Sprintf("%s %q: %s", e.Kind, e.BusinessID, reason)
	}
	return fmt.Sprintf("%s %q: %s %s", e.Kind, e.BusinessID, e.Field, reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func missingField(kind Kind, businessID, field string) error {
	return &ValidationError{Kind: kind, BusinessID: businessID, Field: field}
}

// StateError rejects an operation that does not fit the owner's current mappings.
type StateError struct {
	OwnerID    string
	Kind       Kind
	BusinessID string
	Reason     string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("owner %q %s %q: %s", e.OwnerID, e.Kind, e.BusinessID, e.Reason)
}

func (e *StateError) Is(target error) bool {
	return target == ErrState
}

// ConvergenceConflict reports a lost (kind, business id, version) uniqueness race
// whose winner could not be reused.
type ConvergenceConflict struct {
	Kind       Kind
	BusinessID string
	Version    string
}

func (e *ConvergenceConflict) Error() string {
	return fmt.Sprintf("%s %q version %s: concurrent create produced a structurally different entity", e.Kind, e.BusinessID, e.Version)
}

func (e *ConvergenceConflict) Is(target error) bool {
	return target == ErrConvergenceConflict
}

// PropagationFailure records a failed artifact regeneration request. The
// reference rewrite it followed has already been committed.
type PropagationFailure struct {
	OwnerIDs     []string
	DependentIDs []string
	Err          error
}

func (e *PropagationFailure) Error() string {
	return fmt.Sprintf("regenerate artifacts for owners [%s] dependents [%s]: %v",
		strings.Join(e.OwnerIDs, ","), strings.Join(e.DependentIDs, ","), e.Err)
}

func (e *PropagationFailure) Is(target error) bool {
	return target == ErrPropagation
}

func (e *PropagationFailure) Unwrap() error {
	return e.Err
}
