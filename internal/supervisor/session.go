package supervisor

import (
	"time"

	"github.com/google/uuid"
)

// TerminationReason explains why a StreamSession was closed.
type TerminationReason string

const (
	ReasonWindowEnd         TerminationReason = "window_end"
	ReasonProactiveRotation TerminationReason = "proactive_rotation"
	ReasonFailureDetected   TerminationReason = "failure_detected"
	ReasonSpawnFailure      TerminationReason = "spawn_failure"
	ReasonShutdownRequested TerminationReason = "shutdown_requested"
)

// StreamSession is one attempt at a continuous encoder run. At most one
// session is open (EndedAt == nil) at any time; the supervisor's single
// control loop enforces this.
type StreamSession struct {
	ID                string
	AttemptNumber     int
	StartedAt         time.Time
	EndedAt           *time.Time
	TerminationReason TerminationReason
}

func newStreamSession(attempt int, now time.Time) *StreamSession {
	return &StreamSession{
		ID:            uuid.NewString(),
		AttemptNumber: attempt,
		StartedAt:     now,
	}
}

// Open reports whether the session has not been closed yet.
func (s *StreamSession) Open() bool {
	return s.EndedAt == nil
}

// Elapsed returns how long the session has run, up to now or until it closed.
func (s *StreamSession) Elapsed(now time.Time) time.Duration {
	if s.EndedAt != nil {
		return s.EndedAt.Sub(s.StartedAt)
	}
	return now.Sub(s.StartedAt)
}

func (s *StreamSession) close(now time.Time, reason TerminationReason) {
	if s.EndedAt != nil {
		return
	}
	t := now
	s.EndedAt = &t
	s.TerminationReason = reason
}
