package rangeread

import (
	"time"
)

// RetryPolicy bounds how a remote fetch is retried.
type RetryPolicy struct {
	// MaxAttempts includes the first attempt.
	MaxAttempts int
	// BaseDelay is the wait after the first failure; it doubles per attempt.
	BaseDelay time.Duration
	// MaxDelay caps a single wait.
	MaxDelay time.Duration
	// AttemptTimeout bounds one request, headers and body included.
	AttemptTimeout time.Duration
}

// DefaultRetryPolicy retries up to four times over roughly three seconds.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    5,
		BaseDelay:      200 * time.Millisecond,
		MaxDelay:       2 * time.Second,
		AttemptTimeout: 10 * time.Second,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.BaseDelay < 0 {
		p.BaseDelay = 0
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = def.MaxDelay
	}
	if p.AttemptTimeout <= 0 {
		p.AttemptTimeout = def.AttemptTimeout
	}
	return p
}

// Backoff returns the wait before attempt n+1, given n failed attempts.
func (p RetryPolicy) Backoff(failed int) time.Duration {
	if failed <= 0 || p.BaseDelay == 0 {
		return 0
	}
	d := p.BaseDelay
	for i := 1; i < failed; i++ {
		d *= 2
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	return min(d, p.MaxDelay)
}

// FetchState is the lifecycle of one in-flight range fetch.
type FetchState uint8

const (
	StatePending FetchState = iota
	StateRetrying
	StateDone
	StateFailed
)

func (s FetchState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRetrying:
		return "retrying"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Outcome classifies one attempt.
type Outcome uint8

const (
	// OutcomeOK means the attempt returned the requested bytes.
	OutcomeOK Outcome = iota
	// OutcomeTransient covers timeouts, transport errors, 5xx and 429.
	OutcomeTransient
	// OutcomeFatal covers other 4xx responses and caller cancellation.
	OutcomeFatal
)

// fetchMachine drives one fetch through pending -> retrying -> done|failed.
// It holds no I/O so the policy can be tested on its own.
type fetchMachine struct {
	policy   RetryPolicy
	state    FetchState
	attempts int
	lastErr  error
}

func newFetchMachine(p RetryPolicy) *fetchMachine {
	return &fetchMachine{policy: p.withDefaults(), state: StatePending}
}

// Record feeds the result of an attempt. It returns the wait before the
// next attempt; the wait is only meaningful in StateRetrying.
func (m *fetchMachine) Record(o Outcome, err error) time.Duration {
	if m.state == StateDone || m.state == StateFailed {
		return 0
	}
	m.attempts++
	switch o {
	case OutcomeOK:
		m.state = StateDone
		m.lastErr = nil
		return 0
	case OutcomeTransient:
		m.lastErr = err
		if m.attempts >= m.policy.MaxAttempts {
			m.state = StateFailed
			return 0
		}
		m.state = StateRetrying
		return m.policy.Backoff(m.attempts)
	default:
		m.lastErr = err
		m.state = StateFailed
		return 0
	}
}

// Abort moves a pending or retrying fetch to failed, e.g. on cancellation.
func (m *fetchMachine) Abort(err error) {
	if m.state == StateDone || m.state == StateFailed {
		return
	}
	m.lastErr = err
	m.state = StateFailed
}

func (m *fetchMachine) State() FetchState { return m.state }
func (m *fetchMachine) Attempts() int     { return m.attempts }
func (m *fetchMachine) Err() error        { return m.lastErr }

// Terminal reports whether no further attempts will be made.
func (m *fetchMachine) Terminal() bool {
	return m.state == StateDone || m.state == StateFailed
}
