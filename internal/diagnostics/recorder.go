// Package diagnostics samples process and system resource state for the
// supervisor: CPU, resident memory, open file descriptors, and child process
// count, read from /proc via prometheus/procfs. Samples are append-only log
// records; a failed sample is logged and skipped, never fatal.
package diagnostics

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/prometheus/procfs"
)

// Sample is one point-in-time resource reading.
type Sample struct {
	Timestamp           time.Time `json:"timestamp"`
	CPUPercent          float64   `json:"cpu_percent"`
	ResidentMemoryBytes int       `json:"resident_memory_bytes"`
	OpenFileDescriptors int       `json:"open_file_descriptors"`
	ChildProcesses      int       `json:"child_processes"`
}

// Recorder produces samples on a fixed interval and on every lifecycle
// transition. Run and RecordTransition may be called from different
// goroutines.
type Recorder struct {
	fs       procfs.FS
	proc     procfs.Proc
	pid      int
	interval time.Duration
	log      *slog.Logger
	onSample func(Sample)

	mu         sync.Mutex
	lastCPU    float64
	lastSample time.Time
}

// NewRecorder builds a recorder for the current process. onSample, if not
// nil, receives every successful sample (used to feed metrics gauges).
func NewRecorder(interval time.Duration, log *slog.Logger, onSample func(Sample)) (*Recorder, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, fmt.Errorf("open procfs: %w", err)
	}
	proc, err := fs.Self()
	if err != nil {
		return nil, fmt.Errorf("open /proc/self: %w", err)
	}
	if interval <= 0 {
		interval = time.Minute
	}
	if log == nil {
		log = slog.Default()
	}
	return &Recorder{
		fs:       fs,
		proc:     proc,
		pid:      os.Getpid(),
		interval: interval,
		log:      log,
		onSample: onSample,
	}, nil
}

// Run emits samples on the configured interval until ctx is cancelled.
func (r *Recorder) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.emit("tick")
		}
	}
}

// RecordTransition emits one sample annotated with a lifecycle transition.
func (r *Recorder) RecordTransition(from, to, reason string) {
	r.emit("transition",
		slog.String("from", from),
		slog.String("to", to),
		slog.String("reason", reason))
}

// Flush emits a final sample. Called during the supervisor's Stopping
// sequence, after the child process is reaped.
func (r *Recorder) Flush() {
	r.emit("flush")
}

func (r *Recorder) emit(trigger string, extra ...any) {
	s, err := r.sample()
	if err != nil {
		// DiagnosticsSampleError: tolerated, logged, skipped for this tick.
		r.log.Warn("diagnostics sample failed", "trigger", trigger, "error", err)
		return
	}
	attrs := []any{
		slog.String("trigger", trigger),
		slog.Float64("cpu_percent", s.CPUPercent),
		slog.Int("resident_memory_bytes", s.ResidentMemoryBytes),
		slog.Int("open_fds", s.OpenFileDescriptors),
		slog.Int("child_processes", s.ChildProcesses),
	}
	attrs = append(attrs, extra...)
	r.log.Info("diagnostics", attrs...)
	if r.onSample != nil {
		r.onSample(s)
	}
}

func (r *Recorder) sample() (Sample, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stat, err := r.proc.Stat()
	if err != nil {
		return Sample{}, fmt.Errorf("read proc stat: %w", err)
	}

	now := time.Now()
	s := Sample{
		Timestamp:           now,
		ResidentMemoryBytes: stat.ResidentMemory(),
	}

	cpu := stat.CPUTime()
	if !r.lastSample.IsZero() {
		if wall := now.Sub(r.lastSample).Seconds(); wall > 0 {
			s.CPUPercent = (cpu - r.lastCPU) / wall * 100
		}
	}
	r.lastCPU = cpu
	r.lastSample = now

	if fds, err := r.proc.FileDescriptorsLen(); err == nil {
		s.OpenFileDescriptors = fds
	} else {
		r.log.Debug("fd count unavailable", "error", err)
	}

	s.ChildProcesses = r.childCount()
	return s, nil
}

// childCount walks /proc counting processes whose parent is this process.
// Errors on individual entries are skipped; processes come and go mid-walk.
func (r *Recorder) childCount() int {
	procs, err := r.fs.AllProcs()
	if err != nil {
		r.log.Debug("proc walk failed", "error", err)
		return 0
	}
	n := 0
	for _, p := range procs {
		st, err := p.Stat()
		if err != nil {
			continue
		}
		if st.PPID == r.pid {
			n++
		}
	}
	return n
}
