package coordinator

import (
	"errors"
	"fmt"

	"github.com/example/ride-coordinator/internal/models"
)

var (
	ErrValidation        = errors.New("validation failed")
	ErrConflict          = errors.New("ride no longer available")
	ErrIllegalTransition = errors.New("illegal status transition")
	ErrNotFound          = errors.New("not found")
	ErrForbidden         = errors.New("forbidden")
)

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// ConflictError means another driver claimed the ride first.
type ConflictError struct {
	RideID string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("ride %s no longer available", e.RideID)
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

type IllegalTransitionError struct {
	RideID string
	From   models.RideStatus
	To     models.RideStatus
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("ride %s: cannot move from %s to %s", e.RideID, e.From, e.To)
}

func (e *IllegalTransitionError) Is(target error) bool { return target == ErrIllegalTransition }

// NotFoundError also covers records that exist but are not visible to the actor.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }
