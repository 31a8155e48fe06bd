package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/okian/intake/internal/adapters/repository"
	"github.com/okian/intake/internal/domain/intake"
)

// Sentinel kinds for API errors.
var (
	ErrBadRequest   = errors.New("bad request")
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrPrimaryWrite = errors.New("primary write failed")
	ErrInternal     = errors.New("internal error")
	ErrTooLarge     = errors.New("request body too large")
)

// Error carries the failing operation and the kind used to pick a status.
type Error struct {
	Op   string
	Kind error
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

// Unwrap exposes both the kind and the cause to errors.Is.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// NewKind returns an Error of kind with no further cause.
func NewKind(op string, kind error) error {
	return &Error{Op: op, Kind: kind}
}

// WrapKind returns err wrapped as kind.
func WrapKind(op string, kind, err error) error {
	return &Error{Op: op, Kind: kind, Err: err}
}

// Wrap classifies err from the domain and store sentinels.
func Wrap(op string, err error) error {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return err
	}
	return &Error{Op: op, Kind: kindOf(err), Err: err}
}

func kindOf(err error) error {
	switch {
	case errors.Is(err, intake.ErrMalformed), errors.Is(err, intake.ErrInvalidLeaf),
		errors.Is(err, repository.ErrInvalidStatus):
		return ErrBadRequest
	case errors.Is(err, repository.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, repository.ErrNotReviewable), errors.Is(err, repository.ErrStatusRegression):
		return ErrConflict
	case errors.Is(err, repository.ErrPrimaryWrite):
		return ErrPrimaryWrite
	default:
		return ErrInternal
	}
}

// statusOf maps an error to its HTTP status and response code.
func statusOf(err error) (int, string) {
	switch {
	case errors.Is(err, ErrBadRequest):
		return http.StatusBadRequest, "bad_request"
	case errors.Is(err, ErrTooLarge):
		return http.StatusRequestEntityTooLarge, "too_large"
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, ErrPrimaryWrite):
		return http.StatusInternalServerError, "primary_write_failed"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}
