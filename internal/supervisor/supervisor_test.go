package supervisor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"streamd/internal/encoder"
)

// fakeClock advances virtual time instantly on Sleep so the state machine can
// be driven through hours of schedule in microseconds.
type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	onSleep func(d time.Duration)
}

func newFakeClock(start time.Time) *fakeClock {
	return &fakeClock{now: start}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.onSleep != nil {
		c.onSleep(d)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
	return nil
}

// fakeProc is a scriptable encoder process.
type fakeProc struct {
	factory *fakeFactory

	mu         sync.Mutex
	alive      bool
	sigKind    encoder.FailureKind
	sigSeen    bool
	terminated bool
	reaped     bool
}

func (p *fakeProc) Alive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.alive
}

func (p *fakeProc) FailureSignature() (encoder.FailureKind, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sigKind, p.sigSeen
}

func (p *fakeProc) Terminate(_ context.Context, _ time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.alive = false
	p.terminated = true
	return nil
}

func (p *fakeProc) Reap(_ context.Context) (encoder.ExitStatus, error) {
	p.mu.Lock()
	alreadyReaped := p.reaped
	p.alive = false
	p.reaped = true
	p.mu.Unlock()
	if !alreadyReaped {
		p.factory.procExited()
	}
	return encoder.ExitStatus{Code: 0}, nil
}

// fakeFactory scripts spawn outcomes and asserts the single-live-process
// invariant.
type fakeFactory struct {
	mu        sync.Mutex
	spawnErrs int // fail this many Start calls first
	failFirst bool
	started   []*fakeProc
	live      int
	maxLive   int
}

func (f *fakeFactory) Start(_ context.Context) (Process, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.spawnErrs > 0 {
		f.spawnErrs--
		return nil, &encoder.SpawnError{Path: "ffmpeg", Err: errors.New("exec format error")}
	}
	p := &fakeProc{factory: f, alive: true}
	if f.failFirst && len(f.started) == 0 {
		p.sigKind = encoder.FailureNetwork
		p.sigSeen = true
	}
	f.started = append(f.started, p)
	f.live++
	if f.live > f.maxLive {
		f.maxLive = f.live
	}
	return p, nil
}

func (f *fakeFactory) procExited() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.live--
}

func (f *fakeFactory) stats() (started, maxLive int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.started), f.maxLive
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recorder captures transitions emitted by the supervisor.
type transitionLog struct {
	mu sync.Mutex
	ts []Transition
}

func (l *transitionLog) record(t Transition) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ts = append(l.ts, t)
}

func (l *transitionLog) states() []State {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]State, len(l.ts))
	for i, t := range l.ts {
		out[i] = t.To
	}
	return out
}

func (l *transitionLog) count(s State) int {
	n := 0
	for _, st := range l.states() {
		if st == s {
			n++
		}
	}
	return n
}

func newTestSupervisor(t *testing.T, cfg Config, f ProcessFactory, p *ReconnectPolicy, clk Clock) (*Supervisor, *transitionLog) {
	t.Helper()
	sup, err := New(cfg, f, p, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	sup.clock = clk
	tl := &transitionLog{}
	sup.OnTransition = tl.record
	return sup, tl
}

func TestSupervisor_full_window_with_rotations(t *testing.T) {
	// Window 09:00-09:10, 4 minute session limit, started at 08:59:50.
	// Expect: one waiting period, rotations at 09:04 and 09:08, and a clean
	// WindowEnd stop at 09:10.
	clk := newFakeClock(at(8, 59, 50))
	factory := &fakeFactory{}
	policy := NewReconnectPolicy(5, 10*time.Second, 4*time.Minute)
	cfg := Config{
		Window:          mustWindow(t, "09:00", "09:10"),
		MonitorInterval: 10 * time.Second,
		StartGrace:      10 * time.Second,
		StopGrace:       time.Second,
	}
	sup, tl := newTestSupervisor(t, cfg, factory, policy, clk)

	if err := sup.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	wantStates := []State{
		StateWaitingForWindow,
		StateStarting, StateStreaming,
		StateRotating,
		StateStarting, StateStreaming,
		StateRotating,
		StateStarting, StateStreaming,
		StateStopping, StateTerminated,
	}
	got := tl.states()
	if len(got) != len(wantStates) {
		t.Fatalf("transitions = %v, want %v", got, wantStates)
	}
	for i := range wantStates {
		if got[i] != wantStates[i] {
			t.Fatalf("transition %d = %v, want %v (all: %v)", i, got[i], wantStates[i], got)
		}
	}

	history := sup.History()
	if len(history) != 3 {
		t.Fatalf("sessions = %d, want 3", len(history))
	}
	wantReasons := []TerminationReason{ReasonProactiveRotation, ReasonProactiveRotation, ReasonWindowEnd}
	for i, sess := range history {
		if sess.TerminationReason != wantReasons[i] {
			t.Errorf("session %d reason = %s, want %s", i, sess.TerminationReason, wantReasons[i])
		}
		if sess.Open() {
			t.Errorf("session %d still open", i)
		}
		if sess.AttemptNumber != i+1 {
			t.Errorf("session %d attempt = %d, want %d", i, sess.AttemptNumber, i+1)
		}
	}

	// Mutual exclusion: sessions never overlap.
	for i := 1; i < len(history); i++ {
		if history[i].StartedAt.Before(*history[i-1].EndedAt) {
			t.Errorf("session %d started at %v before session %d ended at %v",
				i, history[i].StartedAt, i-1, *history[i-1].EndedAt)
		}
	}

	started, maxLive := factory.stats()
	if started != 3 {
		t.Errorf("processes started = %d, want 3", started)
	}
	if maxLive != 1 {
		t.Errorf("max concurrent live processes = %d, want 1", maxLive)
	}
	for i, p := range factory.started {
		if !p.reaped {
			t.Errorf("process %d was never reaped", i)
		}
	}
}

func TestSupervisor_spawn_failures_exhaust_reconnects(t *testing.T) {
	clk := newFakeClock(at(10, 0, 0))
	factory := &fakeFactory{spawnErrs: 100}
	policy := NewReconnectPolicy(5, 10*time.Second, 8*time.Hour)
	cfg := Config{
		Window:          mustWindow(t, "05:00", "20:00"),
		MonitorInterval: 10 * time.Second,
		StartGrace:      10 * time.Second,
	}
	sup, tl := newTestSupervisor(t, cfg, factory, policy, clk)

	err := sup.Run(context.Background())
	if !errors.Is(err, ErrReconnectExhausted) {
		t.Fatalf("Run = %v, want ErrReconnectExhausted", err)
	}

	// maxAttempts=5 means 6 starting attempts: 5 retried, the 6th gives up.
	if got := tl.count(StateStarting); got != 6 {
		t.Errorf("Starting transitions = %d, want 6", got)
	}
	states := tl.states()
	if states[len(states)-1] != StateTerminated {
		t.Errorf("final state = %v, want Terminated", states[len(states)-1])
	}

	history := sup.History()
	if len(history) != 6 {
		t.Fatalf("sessions = %d, want 6", len(history))
	}
	for i, sess := range history {
		if sess.TerminationReason != ReasonSpawnFailure {
			t.Errorf("session %d reason = %s, want %s", i, sess.TerminationReason, ReasonSpawnFailure)
		}
	}
}

func TestSupervisor_window_end_during_reconnect(t *testing.T) {
	// Failures start 5 seconds before window end. The first retry backoff
	// crosses the boundary; the window must close cleanly instead of spending
	// the remaining retry budget outside it.
	clk := newFakeClock(at(9, 9, 55))
	factory := &fakeFactory{spawnErrs: 100}
	policy := NewReconnectPolicy(5, 10*time.Second, 8*time.Hour)
	cfg := Config{
		Window:          mustWindow(t, "09:00", "09:10"),
		MonitorInterval: 10 * time.Second,
		StartGrace:      10 * time.Second,
		StopGrace:       time.Second,
	}
	sup, tl := newTestSupervisor(t, cfg, factory, policy, clk)

	if err := sup.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := tl.count(StateStarting); got != 1 {
		t.Errorf("Starting transitions = %d, want 1", got)
	}
	want := []State{StateStarting, StateReconnecting, StateStopping, StateTerminated}
	got := tl.states()
	if len(got) != len(want) {
		t.Fatalf("transitions = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("transition %d = %v, want %v", i, got[i], want[i])
		}
	}

	history := sup.History()
	if len(history) != 1 {
		t.Fatalf("sessions = %d, want 1", len(history))
	}
	if history[0].TerminationReason != ReasonSpawnFailure {
		t.Errorf("session reason = %s, want %s", history[0].TerminationReason, ReasonSpawnFailure)
	}
	if final := sup.Snapshot().State; final != "terminated" {
		t.Errorf("final state = %s, want terminated", final)
	}
}

func TestSupervisor_shutdown_during_backoff(t *testing.T) {
	clk := newFakeClock(at(10, 0, 0))
	factory := &fakeFactory{spawnErrs: 100}
	// Reconnect delay is distinct from every other wait so the hook below
	// can identify the backoff sleep.
	policy := NewReconnectPolicy(5, 30*time.Second, 8*time.Hour)
	cfg := Config{
		Window:          mustWindow(t, "05:00", "20:00"),
		MonitorInterval: 10 * time.Second,
		StartGrace:      10 * time.Second,
	}
	sup, tl := newTestSupervisor(t, cfg, factory, policy, clk)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	clk.onSleep = func(d time.Duration) {
		if d == 30*time.Second {
			cancel()
		}
	}

	if err := sup.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// The backoff must not be waited out: Reconnecting goes straight to
	// Stopping, with no second Starting.
	if got := tl.count(StateStarting); got != 1 {
		t.Errorf("Starting transitions = %d, want 1", got)
	}
	states := tl.states()
	n := len(states)
	if n < 3 || states[n-3] != StateReconnecting || states[n-2] != StateStopping || states[n-1] != StateTerminated {
		t.Errorf("tail transitions = %v, want [... reconnecting stopping terminated]", states)
	}
}

func TestSupervisor_failure_signature_triggers_reconnect(t *testing.T) {
	clk := newFakeClock(at(9, 0, 0))
	factory := &fakeFactory{failFirst: true}
	policy := NewReconnectPolicy(5, 10*time.Second, 8*time.Hour)
	cfg := Config{
		Window:          mustWindow(t, "09:00", "09:01"),
		MonitorInterval: 10 * time.Second,
		StartGrace:      10 * time.Second,
		StopGrace:       time.Second,
	}
	sup, tl := newTestSupervisor(t, cfg, factory, policy, clk)

	if err := sup.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	history := sup.History()
	if len(history) != 2 {
		t.Fatalf("sessions = %d, want 2", len(history))
	}
	if history[0].TerminationReason != ReasonFailureDetected {
		t.Errorf("session 0 reason = %s, want %s", history[0].TerminationReason, ReasonFailureDetected)
	}
	if history[1].TerminationReason != ReasonWindowEnd {
		t.Errorf("session 1 reason = %s, want %s", history[1].TerminationReason, ReasonWindowEnd)
	}

	if got := tl.count(StateReconnecting); got != 1 {
		t.Errorf("Reconnecting transitions = %d, want 1", got)
	}

	// The second session ran a full monitor interval, so the failure budget
	// was reset.
	st := policy.State()
	if st.ConsecutiveFailures != 0 {
		t.Errorf("ConsecutiveFailures = %d, want 0 after stable session", st.ConsecutiveFailures)
	}
	if st.TotalReconnects != 1 {
		t.Errorf("TotalReconnects = %d, want 1", st.TotalReconnects)
	}

	if _, maxLive := factory.stats(); maxLive != 1 {
		t.Errorf("max concurrent live processes = %d, want 1", maxLive)
	}
}

func TestSupervisor_shutdown_while_waiting_for_window(t *testing.T) {
	clk := newFakeClock(at(21, 0, 0))
	factory := &fakeFactory{}
	policy := NewReconnectPolicy(5, 10*time.Second, 8*time.Hour)
	cfg := Config{Window: mustWindow(t, "05:00", "20:00")}
	sup, tl := newTestSupervisor(t, cfg, factory, policy, clk)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	clk.onSleep = func(time.Duration) { cancel() }

	if err := sup.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := []State{StateWaitingForWindow, StateStopping, StateTerminated}
	got := tl.states()
	if len(got) != len(want) {
		t.Fatalf("transitions = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("transition %d = %v, want %v", i, got[i], want[i])
		}
	}
	if started, _ := factory.stats(); started != 0 {
		t.Errorf("processes started = %d, want 0", started)
	}
}

func TestSupervisor_snapshot_reflects_open_session(t *testing.T) {
	clk := newFakeClock(at(10, 0, 0))
	factory := &fakeFactory{}
	policy := NewReconnectPolicy(5, 10*time.Second, 8*time.Hour)
	// MonitorInterval is distinct from StartGrace so the sleep hook below can
	// tell the monitor loop apart from the start grace.
	cfg := Config{
		Window:          mustWindow(t, "05:00", "20:00"),
		MonitorInterval: 30 * time.Second,
		StartGrace:      10 * time.Second,
	}
	sup, _ := newTestSupervisor(t, cfg, factory, policy, clk)

	snap := sup.Snapshot()
	if snap.State != "idle" {
		t.Errorf("initial state = %s, want idle", snap.State)
	}
	if snap.Session != nil {
		t.Error("initial snapshot should have no session")
	}

	// Drive one transition into a session and check the snapshot mid-run by
	// cancelling from the monitor loop.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	clk.onSleep = func(d time.Duration) {
		if d == 30*time.Second {
			snap := sup.Snapshot()
			if snap.State != "streaming" {
				t.Errorf("mid-run state = %s, want streaming", snap.State)
			}
			if snap.Session == nil {
				t.Error("mid-run snapshot should have an open session")
			} else if snap.Session.Attempt != 1 {
				t.Errorf("session attempt = %d, want 1", snap.Session.Attempt)
			}
			cancel()
		}
	}

	if err := sup.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	final := sup.Snapshot()
	if final.State != "terminated" {
		t.Errorf("final state = %s, want terminated", final.State)
	}
	if final.Session != nil {
		t.Error("final snapshot should have no open session")
	}
}
