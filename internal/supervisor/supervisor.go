package supervisor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"streamd/internal/encoder"
)

// historyLimit bounds how many closed sessions are kept for the status view.
const historyLimit = 32

// Process is one live encoder child process as seen by the supervisor.
// encoder.Handle satisfies this; tests substitute fakes.
type Process interface {
	Alive() bool
	FailureSignature() (encoder.FailureKind, bool)
	Terminate(ctx context.Context, grace time.Duration) error
	Reap(ctx context.Context) (encoder.ExitStatus, error)
}

// ProcessFactory starts a new encoder process. Exactly one OS process is
// created per Start call.
type ProcessFactory interface {
	Start(ctx context.Context) (Process, error)
}

// Config holds the immutable supervisor settings for one run.
type Config struct {
	// Window is the daily schedule window.
	Window ScheduleWindow

	// MonitorInterval is the cadence of liveness/failure checks while
	// streaming. It also bounds how long a shutdown request can go unnoticed.
	MonitorInterval time.Duration

	// StartGrace is how long a freshly started encoder must stay alive
	// without a failure signature before the session counts as streaming.
	StartGrace time.Duration

	// StopGrace is how long a terminating encoder may take to exit
	// cooperatively before it is killed.
	StopGrace time.Duration

	// HeartbeatInterval is how often a healthy session is logged.
	HeartbeatInterval time.Duration
}

func (c *Config) validate() error {
	if c.Window == (ScheduleWindow{}) {
		return &ConfigError{Reason: "schedule window is required"}
	}
	if c.MonitorInterval <= 0 {
		c.MonitorInterval = 10 * time.Second
	}
	if c.StartGrace <= 0 {
		c.StartGrace = 10 * time.Second
	}
	if c.StopGrace <= 0 {
		c.StopGrace = 15 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 5 * time.Minute
	}
	return nil
}

// Snapshot is a read-only view of the supervisor for the status endpoint.
type Snapshot struct {
	State               string         `json:"state"`
	Window              string         `json:"window"`
	Attempt             int            `json:"attempt"`
	ConsecutiveFailures int            `json:"consecutive_failures"`
	TotalReconnects     int            `json:"total_reconnects"`
	Uptime              time.Duration  `json:"uptime_ns"`
	Session             *SessionStatus `json:"session,omitempty"`
}

// SessionStatus describes the currently open session, if any.
type SessionStatus struct {
	ID        string        `json:"id"`
	Attempt   int           `json:"attempt"`
	StartedAt time.Time     `json:"started_at"`
	Elapsed   time.Duration `json:"elapsed_ns"`
}

// Supervisor drives the session lifecycle state machine for one schedule
// window: wait for the window, start the encoder, monitor it, rotate it
// before the platform's session cap, retry on failures, and clean up on every
// exit path. A single goroutine calls Run; Snapshot may be called from other
// goroutines.
type Supervisor struct {
	// OnTransition, if set, observes every state change. It is called from
	// the Run goroutine and must not block.
	OnTransition func(Transition)

	// Flush, if set, is called during the Stopping sequence after the child
	// process is reaped, and before Terminated. Used to flush diagnostics.
	Flush func()

	cfg     Config
	factory ProcessFactory
	policy  *ReconnectPolicy
	log     *slog.Logger
	clock   Clock

	mu        sync.Mutex
	state     State
	attempt   int
	cur       *StreamSession
	history   []*StreamSession
	startedAt time.Time

	proc Process
}

// New builds a supervisor. The factory produces encoder processes; the policy
// owns rotation and retry decisions.
func New(cfg Config, factory ProcessFactory, policy *ReconnectPolicy, log *slog.Logger) (*Supervisor, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	return &Supervisor{
		cfg:     cfg,
		factory: factory,
		policy:  policy,
		log:     log,
		clock:   SystemClock(),
		state:   StateIdle,
	}, nil
}

// Run executes the state machine until the window ends, shutdown is
// requested, or reconnect attempts are exhausted. It returns nil for a clean
// window end or shutdown and ErrReconnectExhausted when the policy gives up.
// Terminated is absorbing: Run must not be called twice.
func (s *Supervisor) Run(ctx context.Context) error {
	s.mu.Lock()
	s.startedAt = s.clock.Now()
	s.mu.Unlock()

	s.log.Info("supervisor starting", "window", s.cfg.Window.String())

	if !s.cfg.Window.IsWithin(s.clock.Now()) {
		s.transition(StateWaitingForWindow, "outside schedule window")
		wait := s.cfg.Window.UntilStart(s.clock.Now())
		s.log.Info("waiting for window start", "wait", wait)
		if err := s.clock.Sleep(ctx, wait); err != nil {
			return s.stop(ReasonShutdownRequested)
		}
	}

	for {
		if ctx.Err() != nil {
			return s.stop(ReasonShutdownRequested)
		}
		// Re-checked after every reconnect backoff: a failure streak near
		// window end must close the window, not spend the retry budget on
		// attempts outside it.
		if !s.cfg.Window.IsWithin(s.clock.Now()) {
			return s.stop(ReasonWindowEnd)
		}

		s.openSession()
		s.transition(StateStarting, "opening stream session")

		proc, err := s.factory.Start(ctx)
		if err != nil {
			s.log.Error("encoder spawn failed", "attempt", s.currentAttempt(), "error", err)
			s.closeSession(ReasonSpawnFailure)
			if done, runErr := s.reconnect(ctx); done {
				return runErr
			}
			continue
		}
		s.setProc(proc)

		// Initial grace: the encoder must survive this long without a
		// failure signature before the session counts as streaming.
		if err := s.clock.Sleep(ctx, s.cfg.StartGrace); err != nil {
			return s.stop(ReasonShutdownRequested)
		}
		if kind, seen := proc.FailureSignature(); seen || !proc.Alive() {
			if seen {
				s.log.Warn("encoder failed during start grace", "failure_kind", string(kind))
			} else {
				s.log.Warn("encoder exited during start grace")
			}
			s.teardownProcess()
			s.closeSession(ReasonFailureDetected)
			if done, runErr := s.reconnect(ctx); done {
				return runErr
			}
			continue
		}

		s.transition(StateStreaming, "encoder alive past start grace")

		switch s.monitor(ctx, proc) {
		case monitorShutdown:
			return s.stop(ReasonShutdownRequested)

		case monitorWindowEnd:
			return s.stop(ReasonWindowEnd)

		case monitorRotate:
			s.transition(StateRotating, "session duration limit reached")
			s.teardownProcess()
			s.closeSession(ReasonProactiveRotation)
			// Still mid-window: start the next session immediately.

		case monitorFailure:
			s.teardownProcess()
			s.closeSession(ReasonFailureDetected)
			if done, runErr := s.reconnect(ctx); done {
				return runErr
			}
		}
	}
}

type monitorOutcome int

const (
	monitorShutdown monitorOutcome = iota
	monitorWindowEnd
	monitorRotate
	monitorFailure
)

// monitor watches one streaming session until something ends it. Window end
// takes precedence over rotation.
func (s *Supervisor) monitor(ctx context.Context, proc Process) monitorOutcome {
	stable := false
	lastHeartbeat := s.clock.Now()

	for {
		if err := s.clock.Sleep(ctx, s.cfg.MonitorInterval); err != nil {
			return monitorShutdown
		}
		now := s.clock.Now()
		elapsed := s.sessionElapsed(now)

		if !proc.Alive() {
			s.log.Warn("encoder exited unexpectedly", "session_elapsed", elapsed)
			return monitorFailure
		}
		if kind, seen := proc.FailureSignature(); seen {
			s.log.Warn("failure signature detected", "failure_kind", string(kind), "session_elapsed", elapsed)
			return monitorFailure
		}

		if !stable && elapsed >= s.cfg.MonitorInterval {
			s.policy.OnSessionStable()
			stable = true
		}

		if !s.cfg.Window.IsWithin(now) {
			s.log.Info("schedule window ended", "session_elapsed", elapsed)
			return monitorWindowEnd
		}
		if s.policy.ShouldRotate(elapsed) {
			return monitorRotate
		}

		if now.Sub(lastHeartbeat) >= s.cfg.HeartbeatInterval {
			s.log.Info("stream session healthy",
				"session_elapsed", elapsed,
				"until_window_end", s.cfg.Window.UntilEnd(now))
			lastHeartbeat = now
		}
	}
}

// reconnect applies the retry policy after a failed or aborted session.
// done is true when Run should return with runErr.
func (s *Supervisor) reconnect(ctx context.Context) (done bool, runErr error) {
	s.transition(StateReconnecting, "applying reconnect policy")

	dec := s.policy.OnFailure()
	if dec.GiveUp {
		return true, s.giveUp()
	}

	s.log.Warn("retrying after failure",
		"consecutive_failures", s.policy.State().ConsecutiveFailures,
		"delay", dec.Delay)
	if err := s.clock.Sleep(ctx, dec.Delay); err != nil {
		return true, s.stop(ReasonShutdownRequested)
	}
	return false, nil
}

// giveUp finalizes the run after the reconnect budget is spent. The final log
// entry summarizes attempts, last failure, and uptime; the caller's exit code
// is non-zero.
func (s *Supervisor) giveUp() error {
	st := s.policy.State()
	s.log.Error("reconnect attempts exhausted",
		"attempts", s.currentAttempt(),
		"consecutive_failures", st.ConsecutiveFailures,
		"last_failure_at", st.LastFailureAt,
		"uptime", s.clock.Now().Sub(s.runStartedAt()))
	if s.Flush != nil {
		s.Flush()
	}
	s.transition(StateTerminated, "reconnect attempts exhausted")
	return ErrReconnectExhausted
}

// stop runs the Stopping sequence: terminate and reap the child if one is
// live, close the open session, flush diagnostics, then Terminate. It must
// complete even when the run context is already cancelled, so teardown uses
// its own bounded context.
func (s *Supervisor) stop(reason TerminationReason) error {
	s.transition(StateStopping, string(reason))
	s.teardownProcess()
	s.closeSession(reason)
	if s.Flush != nil {
		s.Flush()
	}
	s.transition(StateTerminated, "cleanup complete")
	s.log.Info("supervisor terminated", "reason", string(reason))
	return nil
}

// teardownProcess terminates (cooperatively, then forcibly) and reaps the
// current process. Safe to call when no process is live.
func (s *Supervisor) teardownProcess() {
	proc := s.takeProc()
	if proc == nil {
		return
	}
	// Bounded by grace + kill wait; independent of the run context so
	// shutdown still reaps the child.
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.StopGrace+30*time.Second)
	defer cancel()

	if err := proc.Terminate(ctx, s.cfg.StopGrace); err != nil {
		s.log.Error("encoder termination failed", "error", err)
	}
	status, err := proc.Reap(ctx)
	if err != nil {
		s.log.Error("encoder reap failed", "error", err)
		return
	}
	s.log.Info("encoder process reaped", "exit_code", status.Code)
}

// Snapshot returns the current status view. Safe for concurrent use.
func (s *Supervisor) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	snap := Snapshot{
		State:               s.state.String(),
		Window:              s.cfg.Window.String(),
		Attempt:             s.attempt,
		ConsecutiveFailures: s.policy.State().ConsecutiveFailures,
		TotalReconnects:     s.policy.State().TotalReconnects,
	}
	if !s.startedAt.IsZero() {
		snap.Uptime = now.Sub(s.startedAt)
	}
	if s.cur != nil && s.cur.Open() {
		snap.Session = &SessionStatus{
			ID:        s.cur.ID,
			Attempt:   s.cur.AttemptNumber,
			StartedAt: s.cur.StartedAt,
			Elapsed:   s.cur.Elapsed(now),
		}
	}
	return snap
}

// History returns the closed sessions from this run, oldest first.
func (s *Supervisor) History() []*StreamSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*StreamSession, len(s.history))
	copy(out, s.history)
	return out
}

func (s *Supervisor) transition(to State, reason string) {
	s.mu.Lock()
	from := s.state
	s.state = to
	s.mu.Unlock()

	t := Transition{From: from, To: to, Reason: reason, At: s.clock.Now()}
	s.log.Info("state transition",
		"from", from.String(),
		"to", to.String(),
		"reason", reason)
	if s.OnTransition != nil {
		s.OnTransition(t)
	}
}

func (s *Supervisor) openSession() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempt++
	s.cur = newStreamSession(s.attempt, s.clock.Now())
}

func (s *Supervisor) closeSession(reason TerminationReason) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil || !s.cur.Open() {
		return
	}
	s.cur.close(s.clock.Now(), reason)
	s.history = append(s.history, s.cur)
	if len(s.history) > historyLimit {
		s.history = s.history[len(s.history)-historyLimit:]
	}
	s.log.Info("stream session closed",
		"session_id", s.cur.ID,
		"attempt", s.cur.AttemptNumber,
		"duration", s.cur.Elapsed(s.clock.Now()),
		"reason", string(reason))
}

func (s *Supervisor) sessionElapsed(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil {
		return 0
	}
	return s.cur.Elapsed(now)
}

func (s *Supervisor) currentAttempt() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempt
}

func (s *Supervisor) runStartedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startedAt
}

func (s *Supervisor) setProc(p Process) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.proc = p
}

func (s *Supervisor) takeProc() Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.proc
	s.proc = nil
	return p
}
