package types

import (
	"fmt"
	"time"
)

// MaxBatchSize is the largest bulk payload the remote API accepts.
const MaxBatchSize = 1000

// Record is one validated input row. It is immutable once built by the
// validator and owned by the batch it is enqueued into.
type Record struct {
	Name     string
	Age      int
	Cookie   string
	BannerID int

	// Line is the 1-based source line the record was read from.
	// Diagnostics only; never sent to the remote API.
	Line int
}

// Bounds is the inclusive age range a record must fall within.
type Bounds struct {
	MinAge int `yaml:"min_age" json:"min_age"`
	MaxAge int `yaml:"max_age" json:"max_age"`
}

// DefaultBounds are used when no environment, file, or flag sets a value.
var DefaultBounds = Bounds{MinAge: 18, MaxAge: 120}

// Validate reports whether b is publishable: both ends non-negative and
// MinAge <= MaxAge.
func (b Bounds) Validate() error {
	if b.MinAge < 0 || b.MaxAge < 0 {
		return fmt.Errorf("age bounds must be non-negative (got %d..%d)", b.MinAge, b.MaxAge)
	}
	if b.MinAge > b.MaxAge {
		return fmt.Errorf("min_age (%d) > max_age (%d)", b.MinAge, b.MaxAge)
	}
	return nil
}

// Contains reports whether age lies within [MinAge, MaxAge].
func (b Bounds) Contains(age int) bool {
	return age >= b.MinAge && age <= b.MaxAge
}

func (b Bounds) String() string {
	return fmt.Sprintf("%d..%d", b.MinAge, b.MaxAge)
}

// OutcomeKind is the terminal delivery state of a record.
type OutcomeKind int

const (
	// Accepted means the remote API acknowledged the record with a 2xx.
	Accepted OutcomeKind = iota
	// Rejected means the remote API refused the payload as malformed (400).
	Rejected
	// Failed means delivery did not complete: retries exhausted, auth failed,
	// an unexpected status, or the run was cancelled.
	Failed
)

func (k OutcomeKind) String() string {
	switch k {
	case Accepted:
		return "accepted"
	case Rejected:
		return "rejected"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Reason codes attached to non-accepted outcomes.
const (
	ReasonBadRequest     = "BAD_REQUEST"
	ReasonUnauthorized   = "UNAUTHORIZED"
	ReasonRetryExhausted = "RETRY_EXHAUSTED"
	ReasonUnexpected     = "UNEXPECTED_STATUS"
	ReasonBatchTooLarge  = "BATCH_TOO_LARGE"
	ReasonCanceled       = "CANCELED"
)

// Outcome is the delivery result for one record or one whole batch.
type Outcome struct {
	Kind   OutcomeKind
	Reason string // empty when Accepted
	Status int    // last HTTP status seen; 0 for transport-level errors
	Err    error  // cause for Failed; nil otherwise
}

// AcceptedOutcome is the outcome of a 2xx response.
func AcceptedOutcome(status int) Outcome {
	return Outcome{Kind: Accepted, Status: status}
}

// RejectedOutcome is the outcome of a structural rejection.
func RejectedOutcome(status int, reason string) Outcome {
	return Outcome{Kind: Rejected, Status: status, Reason: reason}
}

// FailedOutcome is the outcome of a delivery that could not complete.
func FailedOutcome(status int, reason string, err error) Outcome {
	return Outcome{Kind: Failed, Status: status, Reason: reason, Err: err}
}

// Delivery pairs a record with its outcome for reporting.
type Delivery struct {
	Record  Record
	Outcome Outcome
	At      time.Time
}

// Redacted replaces a visitor cookie wherever a record leaves the process
// in clear text (logs, dead-letter reports).
const Redacted = "***redacted***"

// RedactCookie returns the redaction marker for any non-empty cookie.
func RedactCookie(cookie string) string {
	if cookie == "" {
		return ""
	}
	return Redacted
}
