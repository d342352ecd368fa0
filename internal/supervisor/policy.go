package supervisor

import (
	"sync"
	"time"
)

// ReconnectState tracks recent failure history. It is mutated only by the
// supervisor through ReconnectPolicy methods.
type ReconnectState struct {
	ConsecutiveFailures int
	LastFailureAt       time.Time
	TotalReconnects     int
}

// Decision is the outcome of a detected failure: retry after a delay, or give
// up because the attempt budget is spent.
type Decision struct {
	GiveUp bool
	Delay  time.Duration
}

// ReconnectPolicy decides when to proactively rotate a session and whether a
// detected failure should be retried.
//
// The retry delay is a fixed, bounded constant rather than an exponential
// ramp: the encoder reconnects to a single well-known endpoint, and the
// attempt ceiling (maxAttempts) already bounds total retry time.
type ReconnectPolicy struct {
	maxAttempts  int
	retryDelay   time.Duration
	sessionLimit time.Duration
	now          func() time.Time

	mu    sync.Mutex // state is read by the status endpoint
	state ReconnectState
}

// NewReconnectPolicy returns a policy that allows maxAttempts consecutive
// failures with retryDelay between attempts, and requests proactive rotation
// once a session has run for sessionLimit.
func NewReconnectPolicy(maxAttempts int, retryDelay, sessionLimit time.Duration) *ReconnectPolicy {
	return &ReconnectPolicy{
		maxAttempts:  maxAttempts,
		retryDelay:   retryDelay,
		sessionLimit: sessionLimit,
		now:          time.Now,
	}
}

// ShouldRotate reports whether the session has reached the proactive rotation
// limit. Rotating before the platform's own cap keeps the restart scheduled
// and logged instead of forced at an unpredictable moment.
func (p *ReconnectPolicy) ShouldRotate(sessionElapsed time.Duration) bool {
	return sessionElapsed >= p.sessionLimit
}

// OnFailure records one detected failure and decides whether to retry.
// The call that pushes ConsecutiveFailures past maxAttempts returns GiveUp.
func (p *ReconnectPolicy) OnFailure() Decision {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state.ConsecutiveFailures++
	p.state.TotalReconnects++
	p.state.LastFailureAt = p.now()
	if p.state.ConsecutiveFailures > p.maxAttempts {
		return Decision{GiveUp: true}
	}
	return Decision{Delay: p.retryDelay}
}

// OnSessionStable resets the consecutive failure counter. Called once a
// session has survived past the stability threshold.
func (p *ReconnectPolicy) OnSessionStable() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state.ConsecutiveFailures = 0
}

// State returns a copy of the current reconnect state.
func (p *ReconnectPolicy) State() ReconnectState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}
