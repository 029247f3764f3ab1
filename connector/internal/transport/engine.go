package transport

// state is a step of the retry engine for one logical request.
type state int

const (
	stateAttempting state = iota // send (or re-send) the request
	stateWaiting                 // sleep before the next attempt
	stateSucceeded               // 2xx
	stateRejected                // 400, not retried
	stateExhausted               // retry budget spent on transient errors
	stateFailed                  // 401 after refresh, auth failure, unexpected status, cancellation
)

func (s state) String() string {
	switch s {
	case stateAttempting:
		return "attempting"
	case stateWaiting:
		return "waiting"
	case stateSucceeded:
		return "succeeded"
	case stateRejected:
		return "rejected"
	case stateExhausted:
		return "exhausted"
	case stateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s state) terminal() bool {
	return s >= stateSucceeded
}

// result is the class of a finished attempt, widened with the outcomes that
// are not HTTP statuses.
type result int

const (
	resultOK result = iota
	resultRejected
	resultUnauthorized
	resultTransient
	resultUnexpected
	resultAuthFailed // the token itself could not be obtained
	resultCanceled   // the run's context was cancelled
)

func resultOf(c Class) result {
	switch c {
	case ClassRejected:
		return resultRejected
	case ClassUnauthorized:
		return resultUnauthorized
	case ClassUnexpected:
		return resultUnexpected
	default:
		return resultTransient
	}
}

// decision is the engine's next step. refresh asks for a forced token
// refresh before re-entering stateAttempting.
type decision struct {
	state   state
	refresh bool
}

// next is the transition function. attempt counts the transient failures
// already retried; refreshed records whether this logical request has
// already spent its one token refresh. 401s never consume retry budget.
func next(r result, attempt int, refreshed bool, p RetryPolicy) decision {
	switch r {
	case resultOK:
		return decision{state: stateSucceeded}
	case resultRejected:
		return decision{state: stateRejected}
	case resultUnauthorized:
		if refreshed {
			return decision{state: stateFailed}
		}
		return decision{state: stateAttempting, refresh: true}
	case resultTransient:
		if attempt >= p.MaxRetries {
			return decision{state: stateExhausted}
		}
		return decision{state: stateWaiting}
	default:
		return decision{state: stateFailed}
	}
}
