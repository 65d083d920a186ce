// Package errs provides the API error taxonomy and request validation.
package errs

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
)

// ErrCode classifies an API error for status mapping and client handling.
type ErrCode int

const (
	// OK indicates no error.
	OK ErrCode = iota

	// InvalidArgument indicates the request payload failed validation.
	InvalidArgument

	// Unauthenticated indicates a missing or invalid credential.
	Unauthenticated

	// NotFound indicates the requested resource does not exist or is not
	// visible to the caller.
	NotFound

	// Internal indicates an unexpected server-side failure.
	Internal
)

var codeNames = map[ErrCode]string{
	OK:              "ok",
	InvalidArgument: "invalid_argument",
	Unauthenticated: "unauthenticated",
	NotFound:        "not_found",
	Internal:        "internal",
}

// String returns the wire name of the code.
func (c ErrCode) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return "unknown"
}

// MarshalJSON emits the wire name rather than the numeric value.
func (c ErrCode) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(c.String())), nil
}

// UnmarshalJSON accepts the wire name form.
func (c *ErrCode) UnmarshalJSON(data []byte) error {
	name, err := strconv.Unquote(string(data))
	if err != nil {
		return err
	}
	for code, n := range codeNames {
		if n == name {
			*c = code
			return nil
		}
	}
	return fmt.Errorf("unknown error code %q", name)
}

// HTTPStatus maps the code to an HTTP status.
func (c ErrCode) HTTPStatus() int {
	switch c {
	case OK:
		return http.StatusOK
	case InvalidArgument:
		return http.StatusBadRequest
	case Unauthenticated:
		return http.StatusUnauthorized
	case NotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// Error carries a classified API error.
type Error struct {
	Code    ErrCode           `json:"code"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// New constructs an Error from a code and an underlying error.
func New(code ErrCode, err error) *Error {
	e := &Error{Code: code, Message: err.Error()}

	var fe FieldErrors
	if errors.As(err, &fe) {
		e.Fields = fe.Fields()
	}
	return e
}

// Newf constructs an Error from a code and a formatted message.
func Newf(code ErrCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Error implements the error interface.
func (e *Error) Error() string { return e.Message }
