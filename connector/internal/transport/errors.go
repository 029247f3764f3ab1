package transport

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Class groups responses by how the engine reacts to them.
type Class int

const (
	// ClassTransient covers 429, 5xx, timeouts and transport errors. Retried.
	ClassTransient Class = iota
	// ClassRejected is a 400: the payload itself is bad. Never retried.
	ClassRejected
	// ClassUnauthorized is a 401: refresh the token once, then give up.
	ClassUnauthorized
	// ClassUnexpected is any other non-2xx status. Never retried.
	ClassUnexpected
)

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassRejected:
		return "rejected"
	case ClassUnauthorized:
		return "unauthorized"
	case ClassUnexpected:
		return "unexpected"
	default:
		return "unknown"
	}
}

// StatusError describes one failed attempt against an endpoint. Status is
// zero when no response was received; Err then holds the transport error.
type StatusError struct {
	Path   string
	Status int
	Body   string

	// RetryAfter is the server-requested wait, valid when HasRetryAfter.
	RetryAfter    time.Duration
	HasRetryAfter bool

	Err error
}

func (e *StatusError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("transport: POST %s: %v", e.Path, e.Err)
	}
	if e.Body != "" {
		return fmt.Sprintf("transport: POST %s: status %d: %s", e.Path, e.Status, e.Body)
	}
	return fmt.Sprintf("transport: POST %s: status %d", e.Path, e.Status)
}

func (e *StatusError) Unwrap() error { return e.Err }

// Class maps the status to its retry class.
func (e *StatusError) Class() Class {
	switch {
	case e.Status == 0:
		return ClassTransient
	case e.Status == http.StatusBadRequest:
		return ClassRejected
	case e.Status == http.StatusUnauthorized:
		return ClassUnauthorized
	case e.Status == http.StatusTooManyRequests, e.Status >= 500 && e.Status <= 599:
		return ClassTransient
	default:
		return ClassUnexpected
	}
}

// parseRetryAfter reads a Retry-After header value given as delay-seconds
// or an HTTP-date. Dates in the past yield zero. ok is false when the value
// is absent or unparseable.
func parseRetryAfter(v string, now time.Time) (d time.Duration, ok bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.ParseUint(v, 10, 32); err == nil {
		return time.Duration(secs) * time.Second, true
	}
	t, err := http.ParseTime(v)
	if err != nil {
		return 0, false
	}
	if d := t.Sub(now); d > 0 {
		return d, true
	}
	return 0, true
}
