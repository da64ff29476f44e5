// Package apperr defines the portal's error taxonomy and the echo error
// handler that renders it. Services return *Error values (or wrap them);
// handlers return them unchanged and the HTTP status is derived from Kind.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"sort"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// Kind classifies an error for transport mapping.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindConflict
	KindUnauthenticated
	KindForbidden
	KindNotFound
	KindPayloadTooLarge
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindConflict:
		return "conflict"
	case KindUnauthenticated:
		return "unauthenticated"
	case KindForbidden:
		return "forbidden"
	case KindNotFound:
		return "not_found"
	case KindPayloadTooLarge:
		return "payload_too_large"
	default:
		return "internal"
	}
}

// Status returns the HTTP status code for the kind.
func (k Kind) Status() int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindConflict:
		return http.StatusConflict
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindPayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusInternalServerError
	}
}

// Error is a classified application error. Fields holds per-field messages
// for validation failures; Err is an optional cause that is logged but
// never rendered.
type Error struct {
	Kind    Kind
	Message string
	Fields  map[string][]string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches sentinel errors by kind and message, so a returned
// NotFound("snapshot not found") satisfies errors.Is against a sentinel
// declared with the same values.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Message == e.Message
}

func Validation(msg string) *Error      { return &Error{Kind: KindValidation, Message: msg} }
func Conflict(msg string) *Error        { return &Error{Kind: KindConflict, Message: msg} }
func Unauthenticated(msg string) *Error { return &Error{Kind: KindUnauthenticated, Message: msg} }
func Forbidden(msg string) *Error       { return &Error{Kind: KindForbidden, Message: msg} }
func NotFound(msg string) *Error        { return &Error{Kind: KindNotFound, Message: msg} }
func PayloadTooLarge(msg string) *Error { return &Error{Kind: KindPayloadTooLarge, Message: msg} }

// Internal wraps an unexpected failure. The cause is kept for logging only.
func Internal(err error) *Error {
	return &Error{Kind: KindInternal, Message: "server error", Err: err}
}

// KindOf reports the kind of err, or KindInternal for unclassified errors.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInternal
}

// BindError converts a request decoding failure into a validation error.
// Body limit failures pass through untouched so they still render as 413.
func BindError(err error) error {
	var mbe *http.MaxBytesError
	if errors.As(err, &mbe) {
		return err
	}
	return &Error{Kind: KindValidation, Message: "invalid request body", Err: err}
}

// FieldErrors accumulates validation messages keyed by field name.
type FieldErrors map[string][]string

// Add records msg against field.
func (f FieldErrors) Add(field, msg string) {
	f[field] = append(f[field], msg)
}

// Err returns a validation *Error when any field failed, nil otherwise.
func (f FieldErrors) Err() error {
	if len(f) == 0 {
		return nil
	}
	return &Error{Kind: KindValidation, Message: "invalid input", Fields: map[string][]string(f)}
}

// flattened mirrors the error body the portal frontend already parses.
type flattened struct {
	FormErrors  []string            `json:"formErrors"`
	FieldErrors map[string][]string `json:"fieldErrors"`
}

// Body builds the JSON response body for err.
func Body(err *Error) map[string]interface{} {
	if err.Kind == KindValidation && len(err.Fields) > 0 {
		return map[string]interface{}{"error": flattened{FormErrors: []string{}, FieldErrors: err.Fields}}
	}
	return map[string]interface{}{"error": err.Message}
}

// FirstMessage returns a single human readable message, preferring the
// alphabetically first field error for validation failures.
func FirstMessage(err *Error) string {
	if len(err.Fields) == 0 {
		return err.Message
	}
	keys := make([]string, 0, len(err.Fields))
	for k := range err.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys[0] + ": " + err.Fields[keys[0]][0]
}

// HTTPErrorHandler returns an echo.HTTPErrorHandler that renders *Error
// values by kind, passes *echo.HTTPError through, and hides everything else
// behind an opaque 500 after logging it.
func HTTPErrorHandler(logger zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		rid, _ := c.Get("request_id").(string)

		// echo wraps body read failures in a 400; an exceeded body limit is a 413.
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			writeJSON(c, http.StatusRequestEntityTooLarge, Body(PayloadTooLarge("request body too large")))
			return
		}

		var he *echo.HTTPError
		if errors.As(err, &he) {
			msg := he.Message
			if s, ok := msg.(string); ok {
				msg = s
			} else if msg == nil {
				msg = http.StatusText(he.Code)
			}
			if he.Code >= http.StatusInternalServerError {
				logger.Error().Err(err).Str("request_id", rid).Msg("request failed")
				msg = "server error"
			}
			writeJSON(c, he.Code, map[string]interface{}{"error": msg})
			return
		}

		var ae *Error
		if !errors.As(err, &ae) {
			ae = Internal(err)
		}
		if ae.Kind == KindInternal {
			logger.Error().Err(err).Str("request_id", rid).
				Str("path", c.Request().URL.Path).Msg("unhandled error")
		}
		writeJSON(c, ae.Kind.Status(), Body(ae))
	}
}

func writeJSON(c echo.Context, code int, body interface{}) {
	var err error
	if c.Request().Method == http.MethodHead {
		err = c.NoContent(code)
	} else {
		err = c.JSON(code, body)
	}
	if err != nil {
		c.Logger().Error(err)
	}
}
