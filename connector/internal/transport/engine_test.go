package transport

import (
	"math"
	"testing"
	"time"
)

func TestNext(t *testing.T) {
	p := RetryPolicy{MaxRetries: 3}
	tests := []struct {
		name      string
		r         result
		attempt   int
		refreshed bool
		want      decision
	}{
		{"ok", resultOK, 0, false, decision{state: stateSucceeded}},
		{"ok after retries", resultOK, 3, true, decision{state: stateSucceeded}},
		{"400", resultRejected, 0, false, decision{state: stateRejected}},
		{"400 after refresh", resultRejected, 1, true, decision{state: stateRejected}},
		{"first 401 refreshes", resultUnauthorized, 0, false, decision{state: stateAttempting, refresh: true}},
		{"401 with budget spent still refreshes", resultUnauthorized, 3, false, decision{state: stateAttempting, refresh: true}},
		{"second 401 fails", resultUnauthorized, 0, true, decision{state: stateFailed}},
		{"transient waits", resultTransient, 0, false, decision{state: stateWaiting}},
		{"transient last retry waits", resultTransient, 2, false, decision{state: stateWaiting}},
		{"transient exhausted", resultTransient, 3, false, decision{state: stateExhausted}},
		{"unexpected", resultUnexpected, 0, false, decision{state: stateFailed}},
		{"auth failure", resultAuthFailed, 0, false, decision{state: stateFailed}},
		{"canceled", resultCanceled, 0, false, decision{state: stateFailed}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := next(tc.r, tc.attempt, tc.refreshed, p)
			if got != tc.want {
				t.Errorf("next() = %+v (%s), want %+v (%s)", got, got.state, tc.want, tc.want.state)
			}
		})
	}
}

func TestNext_ZeroRetries(t *testing.T) {
	if got := next(resultTransient, 0, false, RetryPolicy{}); got.state != stateExhausted {
		t.Errorf("state = %s, want exhausted", got.state)
	}
}

func TestState_Terminal(t *testing.T) {
	for _, s := range []state{stateSucceeded, stateRejected, stateExhausted, stateFailed} {
		if !s.terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []state{stateAttempting, stateWaiting} {
		if s.terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestBackoff_Exponential(t *testing.T) {
	b := newBackoff(RetryPolicy{BackoffBase: 500 * time.Millisecond, BackoffCap: 8 * time.Second, Jitter: 0.1})
	b.rand = func() float64 { return 0.5 } // zero jitter

	want := []time.Duration{
		500 * time.Millisecond,
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		8 * time.Second,
		8 * time.Second,
	}
	for attempt, w := range want {
		if got := b.delay(attempt); got != w {
			t.Errorf("delay(%d) = %v, want %v", attempt, got, w)
		}
	}
}

func TestBackoff_JitterBounds(t *testing.T) {
	b := newBackoff(RetryPolicy{BackoffBase: time.Second, BackoffCap: 8 * time.Second, Jitter: 0.1})

	b.rand = func() float64 { return 0 }
	if got := b.delay(1); got != 1800*time.Millisecond {
		t.Errorf("min jitter delay = %v, want 1.8s", got)
	}
	b.rand = func() float64 { return math.Nextafter(1, 0) }
	if got := b.delay(1); got < 2199*time.Millisecond || got > 2200*time.Millisecond {
		t.Errorf("max jitter delay = %v, want ~2.2s", got)
	}
}

func TestBackoff_NeverExceedsCapPlusJitter(t *testing.T) {
	p := RetryPolicy{BackoffBase: 500 * time.Millisecond, BackoffCap: 8 * time.Second, Jitter: 0.1}
	b := newBackoff(p)
	limit := time.Duration(float64(p.BackoffCap) * (1 + p.Jitter))
	for attempt := 0; attempt < 100; attempt++ {
		d := b.delay(attempt)
		if d < 0 || d > limit {
			t.Fatalf("delay(%d) = %v, outside [0, %v]", attempt, d, limit)
		}
	}
}
