package model

import (
	"errors"
	"fmt"
	"strings"

	pkgerrors "github.com/pkg/errors"
)

var (
	ErrDuplicateName         = errors.New("duplicate name")
	ErrHasDependents         = errors.New("entity has dependents")
	ErrHasResponses          = errors.New("user has responses")
	ErrNotFound              = errors.New("not found")
	ErrAlreadyCompletedToday = errors.New("survey already completed today")
	ErrUnauthorized          = errors.New("unauthorized")
	ErrInvalidInput          = errors.New("invalid input")
	ErrPersistence           = errors.New("persistence failure")
)

// MissingRequiredFieldsError lists the labels of the required fields left
// empty by a completing submission.
type MissingRequiredFieldsError struct {
	Labels []string
}

func (e *MissingRequiredFieldsError) Error() string {
	return "missing required fields: " + strings.Join(e.Labels, ", ")
}

// PersistenceError wraps a failure of the underlying store. Op is a short
// code such as "db.insert_survey".
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

func (e *PersistenceError) Is(target error) bool {
	return target == ErrPersistence
}

// DBError wraps err as a PersistenceError, recording the stack of the caller.
func DBError(op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *PersistenceError
	if errors.As(err, &pe) {
		return err
	}
	return &PersistenceError{Op: op, Err: pkgerrors.WithStack(err)}
}

// Invalid returns an ErrInvalidInput carrying a message for the caller.
func Invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// Unauthorized returns an ErrUnauthorized naming the denied action.
func Unauthorized(action string) error {
	return fmt.Errorf("%w: %s", ErrUnauthorized, action)
}

// NotFound returns an ErrNotFound naming the missing entity.
func NotFound(entity string, id int64) error {
	return fmt.Errorf("%w: %s %d", ErrNotFound, entity, id)
}
