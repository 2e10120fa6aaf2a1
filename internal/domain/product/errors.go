package product

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates a product could not be located.
	ErrNotFound = errors.New("product not found")
	// ErrDuplicateSKU signals SKU uniqueness constraint breaches.
	ErrDuplicateSKU = errors.New("product with SKU already exists")
	// ErrValidation is matched by every *ValidationError.
	ErrValidation = errors.New("validation failed")
	// ErrIllegalStateTransition is matched by every *StateTransitionError.
	ErrIllegalStateTransition = errors.New("illegal state transition")
	// ErrConcurrencyConflict means the aggregate was committed by another writer since it was loaded.
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	// ErrStorageFault wraps persistence failures that aborted a unit of work.
	ErrStorageFault = errors.New("storage fault")
	// ErrUnknownEvent is returned when an event type or schema version cannot be decoded.
	ErrUnknownEvent = errors.New("unknown event")
)

// ValidationError reports a malformed or missing input field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Is lets errors.Is(err, ErrValidation) match.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// NewValidationError builds a ValidationError for field.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// StateTransitionError reports a mutation rejected by the lifecycle.
type StateTransitionError struct {
	Operation string
	Status    Lifecycle
	Message   string
}

func (e *StateTransitionError) Error() string {
	return e.Message
}

// Is lets errors.Is(err, ErrIllegalStateTransition) match.
func (e *StateTransitionError) Is(target error) bool {
	return target == ErrIllegalStateTransition
}

// StorageFault wraps err so that errors.Is(err, ErrStorageFault) holds while keeping the cause.
func StorageFault(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStorageFault) {
		return err
	}
	return &storageFault{op: op, err: err}
}

type storageFault struct {
	op  string
	err error
}

func (e *storageFault) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrStorageFault, e.op, e.err)
}

func (e *storageFault) Unwrap() []error {
	return []error{ErrStorageFault, e.err}
}
