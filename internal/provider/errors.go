package provider

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	gooseerrors "github.com/go-goose/goose/v5/errors"
	goosehttp "github.com/go-goose/goose/v5/http"
)

// Error is a non-2xx answer from Cinder.
type Error struct {
	Method     string
	Path       string
	StatusCode int
	Body       string

	cause error
}

func (e *Error) Error() string {
	body := strings.TrimSpace(e.Body)
	if len(body) > 512 {
		body = body[:512] + "..."
	}
	return fmt.Sprintf("%s %s: %d %s: %s", e.Method, e.Path, e.StatusCode, http.StatusText(e.StatusCode), body)
}

func (e *Error) Unwrap() error { return e.cause }

// Retryable reports whether the same request may succeed later.
func (e *Error) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

func IsNotFound(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.StatusCode == http.StatusNotFound
}

func isUnauthorized(err error) bool {
	var pe *Error
	return gooseerrors.IsUnauthorised(err) || (errors.As(err, &pe) && pe.StatusCode == http.StatusUnauthorized)
}

// wrapHTTP turns a goose error carrying an HTTP status into an *Error.
// goose errors expose their chain through Cause, not Unwrap.
func wrapHTTP(method, path string, err error) error {
	for cur := err; cur != nil; {
		if he, ok := cur.(*goosehttp.HttpError); ok {
			return &Error{Method: method, Path: path, StatusCode: he.StatusCode, Body: he.Error(), cause: err}
		}
		ge, ok := cur.(gooseerrors.Error)
		if !ok {
			break
		}
		cur = ge.Cause()
	}
	return err
}
