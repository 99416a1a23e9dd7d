// Package errors is the structured error returned by HTTP handlers and
// rendered to clients as JSON.
package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/jdholdren/chapterhouse/internal/catalog"
)

// Error is an error with the status code it should be served with.
type Error struct {
	Status  int
	Err     error // The error this wraps
	Details []Detail
}

type Detail struct {
	Field string `json:"field"`
	Error string `json:"error"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%d: %s, details: %v", e.Status, e.Err, e.Details)
}

func (e *Error) Unwrap() error {
	return e.Err
}

type transport struct {
	Message string   `json:"message"`
	Details []Detail `json:"details,omitempty"`
	Status  int      `json:"status"`
}

func (e *Error) MarshalJSON() ([]byte, error) {
	msg := http.StatusText(e.Status)
	if e.Err != nil {
		msg = e.Err.Error()
	}

	return json.Marshal(transport{
		Message: msg,
		Details: e.Details,
		Status:  e.Status,
	})
}

func (e *Error) UnmarshalJSON(byts []byte) error {
	t := transport{}
	if err := json.Unmarshal(byts, &t); err != nil {
		return err
	}

	e.Err = errors.New(t.Message)
	e.Details = t.Details
	e.Status = t.Status
	return nil
}

// E builds an Error from a message or error, a status code and any number
// of details, in any order. The status defaults to 500.
func E(args ...any) *Error {
	ret := &Error{
		Status: http.StatusInternalServerError,
	}

	for _, arg := range args {
		switch arg := arg.(type) {
		case string:
			ret.Err = errors.New(arg)
		case error:
			ret.Err = arg
		case int:
			ret.Status = arg
		case Detail:
			ret.Details = append(ret.Details, arg)
		case []Detail:
			ret.Details = append(ret.Details, arg...)
		}
	}

	return ret
}

// FromDomain maps catalog errors to their HTTP shape. Unknown errors are
// hidden behind a 500.
func FromDomain(err error) *Error {
	if err == nil {
		return nil
	}

	var e *Error
	switch {
	case errors.As(err, &e):
		return e
	case errors.Is(err, catalog.ErrNotFound):
		return E(http.StatusNotFound, "not found")
	case errors.Is(err, catalog.ErrConflict):
		return E(http.StatusConflict, "already applied")
	case catalog.IsPermanent(err):
		return E(http.StatusUnprocessableEntity, err)
	case catalog.IsTransient(err):
		return E(http.StatusServiceUnavailable, "temporarily unavailable")
	}

	return E(http.StatusInternalServerError, "internal server error")
}
