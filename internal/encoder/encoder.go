// Package encoder owns the media-encoder child process: spawning it with a
// fixed argument list, watching its diagnostic output for failure signatures,
// and terminating it with a cooperative-then-forced escalation. The argument
// list is an opaque contract; nothing here parses media.
package encoder

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// killWait bounds the wait for the OS to deliver a SIGKILL exit.
const killWait = 5 * time.Second

// pipeDrain bounds how long the stderr pipe is held open after the child
// exits. A grandchild that inherited the pipe (e.g. an ffmpeg filter helper)
// would otherwise hold back EOF and mask the exit from Alive and Reap.
const pipeDrain = 5 * time.Second

// maxLineSize accommodates ffmpeg's occasionally very long stderr lines.
const maxLineSize = 256 * 1024

// SpawnError reports that the encoder executable could not be started.
type SpawnError struct {
	Path string
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s: %v", e.Path, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

// ExitStatus is the observed exit of a reaped process. Code is -1 when the
// process was killed by a signal.
type ExitStatus struct {
	Code int
}

// Config describes how to run and observe the encoder.
type Config struct {
	// Path is the encoder executable; Args the full fixed argument list.
	Path string
	Args []string

	// Matcher inspects stderr lines for fatal patterns. DefaultMatcher is
	// used when nil.
	Matcher SignatureMatcher

	// OnStats, if set, receives parsed progress figures, at most once per
	// StatsInterval.
	OnStats       func(Stats)
	StatsInterval time.Duration

	// OnFailure, if set, is called once per handle when a failure signature
	// is first seen. Called from the stderr reader goroutine.
	OnFailure func(FailureKind)

	Logger *slog.Logger
}

// Process is a factory for encoder child processes. Each Start spawns exactly
// one OS process and returns its Handle.
type Process struct {
	cfg Config
}

// New returns a Process factory for the given configuration.
func New(cfg Config) *Process {
	if cfg.Matcher == nil {
		cfg.Matcher = DefaultMatcher()
	}
	if cfg.StatsInterval <= 0 {
		cfg.StatsInterval = time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Process{cfg: cfg}
}

// Start spawns the encoder. A SpawnError is returned when the executable is
// missing or the OS refuses to fork/exec.
func (p *Process) Start(ctx context.Context) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cmd := exec.Command(p.cfg.Path, p.cfg.Args...)
	// Keeps the pipe open for pipeDrain after exit so the reader can drain
	// buffered output, then force-closes it so a pipe-holding grandchild
	// cannot block Wait.
	cmd.WaitDelay = pipeDrain
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, &SpawnError{Path: p.cfg.Path, Err: err}
	}
	if err := cmd.Start(); err != nil {
		return nil, &SpawnError{Path: p.cfg.Path, Err: err}
	}

	h := &Handle{
		cmd:       cmd,
		pid:       cmd.Process.Pid,
		startedAt: time.Now(),
		log:       p.cfg.Logger,
		waitCh:    make(chan struct{}),
	}
	p.cfg.Logger.Info("encoder process started", "pid", h.pid, "path", p.cfg.Path)

	go h.readStderr(stderr, p.cfg)
	go func() {
		h.waitErr = cmd.Wait()
		close(h.waitCh)
	}()

	return h, nil
}

// Handle owns exactly one started OS process: its pid, stderr pipe, and exit
// status once observed. Reap must be called exactly once per handle.
type Handle struct {
	cmd       *exec.Cmd
	pid       int
	startedAt time.Time
	log       *slog.Logger

	waitCh  chan struct{}
	waitErr error

	mu       sync.Mutex
	sigKind  FailureKind
	sigSeen  bool
	lastLine string
	reaped   bool
	status   ExitStatus
}

// PID returns the child's OS process id.
func (h *Handle) PID() int {
	return h.pid
}

// StartedAt returns when the process was spawned.
func (h *Handle) StartedAt() time.Time {
	return h.startedAt
}

// Alive reports whether the process has not yet exited.
func (h *Handle) Alive() bool {
	select {
	case <-h.waitCh:
		return false
	default:
		return true
	}
}

// FailureSignature returns the first fatal pattern seen in the process's
// output, if any. Non-blocking.
func (h *Handle) FailureSignature() (FailureKind, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sigKind, h.sigSeen
}

// LastOutputLine returns the most recent stderr line, for failure logs.
func (h *Handle) LastOutputLine() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastLine
}

// Terminate asks the process to exit cooperatively (SIGTERM) and escalates to
// SIGKILL once grace expires. The escalation is mandatory: an encoder holding
// a camera or network descriptor may ignore SIGTERM, and the kill is what
// guarantees the descriptor is released for the next attempt.
func (h *Handle) Terminate(ctx context.Context, grace time.Duration) error {
	if !h.Alive() {
		return nil
	}

	h.log.Info("terminating encoder process", "pid", h.pid, "grace", grace)
	if err := h.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		h.log.Warn("SIGTERM delivery failed", "pid", h.pid, "error", err)
	}

	graceTimer := time.NewTimer(grace)
	defer graceTimer.Stop()
	select {
	case <-h.waitCh:
		return nil
	case <-graceTimer.C:
	case <-ctx.Done():
	}

	h.log.Warn("encoder ignored SIGTERM, killing", "pid", h.pid)
	if err := h.cmd.Process.Kill(); err != nil {
		h.log.Warn("SIGKILL delivery failed", "pid", h.pid, "error", err)
	}

	killTimer := time.NewTimer(killWait)
	defer killTimer.Stop()
	select {
	case <-h.waitCh:
		return nil
	case <-killTimer.C:
		return fmt.Errorf("encoder pid %d did not exit after SIGKILL", h.pid)
	}
}

// Reap waits (bounded by ctx) until the OS confirms the process exited and
// returns its exit status. Idempotent after the first successful call.
func (h *Handle) Reap(ctx context.Context) (ExitStatus, error) {
	h.mu.Lock()
	if h.reaped {
		st := h.status
		h.mu.Unlock()
		return st, nil
	}
	h.mu.Unlock()

	select {
	case <-h.waitCh:
	case <-ctx.Done():
		return ExitStatus{}, fmt.Errorf("reap pid %d: %w", h.pid, ctx.Err())
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.reaped {
		code := -1
		if ps := h.cmd.ProcessState; ps != nil {
			code = ps.ExitCode()
		}
		h.status = ExitStatus{Code: code}
		h.reaped = true
	}
	return h.status, nil
}

// readStderr consumes the diagnostic stream: failure signatures, progress
// stats, and the last line for post-mortem logs. The scan ends on EOF or when
// Wait force-closes the pipe after pipeDrain.
func (h *Handle) readStderr(r io.Reader, cfg Config) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	// ffmpeg rewrites its stats line with carriage returns.
	scanner.Split(scanCRLines)

	var lastStats time.Time
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}

		h.mu.Lock()
		h.lastLine = line
		seen := h.sigSeen
		h.mu.Unlock()

		if !seen {
			if kind, ok := cfg.Matcher.Match(line); ok {
				h.mu.Lock()
				h.sigKind = kind
				h.sigSeen = true
				h.mu.Unlock()
				h.log.Warn("failure signature in encoder output",
					"pid", h.pid,
					"failure_kind", string(kind),
					"line", line)
				if cfg.OnFailure != nil {
					cfg.OnFailure(kind)
				}
				continue
			}
		}

		if st, ok := parseStats(line); ok && time.Since(lastStats) >= cfg.StatsInterval {
			lastStats = time.Now()
			h.log.Info("encoder stats",
				"pid", h.pid,
				"bitrate_kbps", st.BitrateKbps,
				"fps", st.FPS,
				"speed", st.Speed)
			if cfg.OnStats != nil {
				cfg.OnStats(st)
			}
		}
	}
}

// scanCRLines splits on \n or \r so ffmpeg's in-place stats updates become
// separate lines.
func scanCRLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	for i, b := range data {
		if b == '\n' || b == '\r' {
			return i + 1, data[:i], nil
		}
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}
