package fetch

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/FranksOps/instaharvest/internal/payload"
	"github.com/FranksOps/instaharvest/pkg/egress"
)

var (
	// ErrNotFound means the site answered 404: the resource no longer exists.
	ErrNotFound = errors.New("resource not found")
	// ErrMalformedResponse means a 2xx page did not carry the expected
	// embedded document. It usually signals a change in page format.
	ErrMalformedResponse = errors.New("malformed response")
	// ErrNoImageAvailable means a payload has no display image to download.
	ErrNoImageAvailable = payload.ErrNoImage
	// ErrRetriesExhausted means the attempt budget ran out on retriable failures.
	ErrRetriesExhausted = errors.New("retries exhausted")
)

// StatusError is an HTTP status the fetcher does not retry.
type StatusError struct {
	Code      int
	URL       string
	Detection string // bot protection that produced the page, if recognized
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("unexpected status %d %s", e.Code, http.StatusText(e.Code))
	if e.Detection != "" {
		msg += " (" + e.Detection + ")"
	}
	return msg
}

// Error describes a failed fetch together with what the fetcher observed.
type Error struct {
	URL        string
	Attempts   int
	Identity   egress.Identity
	StatusCode int
	Detection  string
	Err        error
}

func (e *Error) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
