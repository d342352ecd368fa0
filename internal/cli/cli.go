// Package cli wires the stream supervisor together behind a cobra command:
// configuration, logging, metrics, diagnostics, the ops server, and signal
// handling.
package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"streamd/internal/diagnostics"
	"streamd/internal/encoder"
	"streamd/internal/ops"
	"streamd/internal/platform/config"
	"streamd/internal/platform/logger"
	"streamd/internal/platform/metrics"
	"streamd/internal/supervisor"

	"github.com/spf13/cobra"
)

const version = "0.3.0"

// Exit codes: 0 for a clean window end or shutdown, 1 when reconnect attempts
// are exhausted, 2 for configuration errors.
const (
	exitOK        = 0
	exitExhausted = 1
	exitConfig    = 2
)

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	cmd := newRootCmd()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		if errors.Is(err, supervisor.ErrReconnectExhausted) {
			return exitExhausted
		}
		return exitConfig
	}
	return exitOK
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "streamd",
		Short:         "Scheduled stream session supervisor",
		Long:          "streamd keeps a media-streaming pipeline alive across a daily time window,\nrotating encoder sessions before the platform's session cap and retrying\ntransient failures with a bounded reconnect policy.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newRunCmd())
	return root
}

type runOptions struct {
	start        string
	end          string
	audio        bool
	sessionLimit time.Duration
	profilePath  string
	opsAddr      string
	daily        bool
}

func newRunCmd() *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the supervisor for the configured schedule window",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), opts)
		},
	}

	// Flag defaults come from the environment (.env supported) so the
	// daemon can be configured either way.
	_ = config.Load()
	f := cmd.Flags()
	f.StringVar(&opts.start, "start", config.GetEnv("STREAM_START", "05:00"), "window start time of day (HH:MM)")
	f.StringVar(&opts.end, "end", config.GetEnv("STREAM_END", "20:00"), "window end time of day (HH:MM)")
	f.BoolVar(&opts.audio, "audio", config.GetEnvBool("STREAM_AUDIO", true), "capture and encode audio")
	f.DurationVar(&opts.sessionLimit, "session-limit", config.GetEnvDuration("SESSION_DURATION_LIMIT", 8*time.Hour), "proactive session rotation interval")
	f.StringVar(&opts.profilePath, "profile", config.GetEnv("ENCODER_PROFILE", "configs/encoder.yaml"), "encoder profile file")
	f.StringVar(&opts.opsAddr, "ops-addr", config.GetEnv("OPS_ADDR", ":9090"), "ops HTTP listen address (empty to disable)")
	f.BoolVar(&opts.daily, "daily", config.GetEnvBool("STREAM_DAILY", false), "keep running and supervise every following day's window")

	return cmd
}

// supervisorHolder lets the ops server follow the current supervisor across
// daily restarts.
type supervisorHolder struct {
	mu  sync.Mutex
	sup *supervisor.Supervisor
}

func (h *supervisorHolder) set(s *supervisor.Supervisor) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sup = s
}

func (h *supervisorHolder) Snapshot() supervisor.Snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sup == nil {
		return supervisor.Snapshot{State: "idle"}
	}
	return h.sup.Snapshot()
}

// encoderFactory adapts the encoder process factory to the supervisor's
// interface.
type encoderFactory struct {
	proc *encoder.Process
}

func (f encoderFactory) Start(ctx context.Context) (supervisor.Process, error) {
	h, err := f.proc.Start(ctx)
	if err != nil {
		return nil, err
	}
	return h, nil
}

func run(ctx context.Context, opts runOptions) error {
	log, err := logger.NewWithFile(
		config.GetEnv("LOG_LEVEL", "info"),
		config.GetEnv("LOG_FORMAT", "json"),
		config.GetEnv("LOG_FILE", ""),
	)
	if err != nil {
		return err
	}

	window, err := supervisor.NewScheduleWindow(opts.start, opts.end)
	if err != nil {
		return err
	}

	streamKey := os.Getenv("STREAM_KEY")
	if streamKey == "" {
		return &supervisor.ConfigError{Reason: "STREAM_KEY environment variable is not set"}
	}

	profile, err := encoder.LoadProfile(opts.profilePath)
	if err != nil {
		return &supervisor.ConfigError{Reason: err.Error()}
	}

	met := metrics.New()

	rec, err := diagnostics.NewRecorder(
		config.GetEnvDuration("DIAGNOSTICS_INTERVAL", 10*time.Minute),
		log.With("component", "diagnostics"),
		func(s diagnostics.Sample) {
			met.SetResourceSample(s.CPUPercent, s.ResidentMemoryBytes, s.OpenFileDescriptors, s.ChildProcesses)
		},
	)
	if err != nil {
		return err
	}

	args := profile.BuildArgs(streamKey, opts.audio)
	encProc := encoder.New(encoder.Config{
		Path:          profile.FFmpegPath,
		Args:          args,
		Logger:        log.With("component", "encoder"),
		StatsInterval: config.GetEnvDuration("STATS_LOG_INTERVAL", time.Minute),
		OnStats: func(st encoder.Stats) {
			met.SetEncoderStats(st.BitrateKbps, st.FPS, st.Speed)
		},
		OnFailure: func(kind encoder.FailureKind) {
			met.IncFailure(string(kind))
		},
	})

	log.Info("stream supervisor configured",
		"window", window.String(),
		"session_limit", opts.sessionLimit,
		"audio", opts.audio,
		"stream_key_prefix", keyPrefix(streamKey),
		"command", encoder.RedactArgs(append([]string{profile.FFmpegPath}, args...), streamKey),
	)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	go rec.Run(ctx)

	holder := &supervisorHolder{}
	if opts.opsAddr != "" {
		router := ops.NewRouter(log.With("component", "ops"), met, holder, func() {
			snap := holder.Snapshot()
			var uptime float64
			if snap.Session != nil {
				uptime = snap.Session.Elapsed.Seconds()
			}
			met.SetSessionUptime(uptime)
		})
		go func() {
			if err := ops.Serve(ctx, opts.opsAddr, router, log); err != nil {
				log.Error("ops server failed", "error", err)
			}
		}()
	}

	for {
		sup, err := buildSupervisor(opts, window, encProc, rec, met, log)
		if err != nil {
			return err
		}
		holder.set(sup)

		if err := sup.Run(ctx); err != nil {
			return err
		}
		if !opts.daily || ctx.Err() != nil {
			return nil
		}
		log.Info("window complete, rescheduling for next day")
	}
}

// buildSupervisor assembles a fresh supervisor and reconnect policy. In daily
// mode one is built per window, so each day starts with a clean retry budget
// and Terminated stays absorbing per instance.
func buildSupervisor(
	opts runOptions,
	window supervisor.ScheduleWindow,
	encProc *encoder.Process,
	rec *diagnostics.Recorder,
	met *metrics.Metrics,
	log *slog.Logger,
) (*supervisor.Supervisor, error) {
	policy := supervisor.NewReconnectPolicy(
		config.GetEnvInt("MAX_RECONNECT_ATTEMPTS", 5),
		config.GetEnvDuration("RECONNECT_DELAY", 10*time.Second),
		opts.sessionLimit,
	)

	cfg := supervisor.Config{
		Window:          window,
		MonitorInterval: config.GetEnvDuration("MONITOR_INTERVAL", 10*time.Second),
		StartGrace:      config.GetEnvDuration("START_GRACE", 10*time.Second),
		StopGrace:       config.GetEnvDuration("STOP_GRACE", 15*time.Second),
	}

	sup, err := supervisor.New(cfg, encoderFactory{proc: encProc}, policy, log.With("component", "supervisor"))
	if err != nil {
		return nil, err
	}
	sup.OnTransition = func(t supervisor.Transition) {
		rec.RecordTransition(t.From.String(), t.To.String(), t.Reason)
		met.SetSupervisorState(int(t.To))
		switch t.To {
		case supervisor.StateStarting:
			met.IncSessionsStarted()
		case supervisor.StateRotating:
			met.IncRotations()
		case supervisor.StateReconnecting:
			met.IncReconnects()
		}
	}
	sup.Flush = rec.Flush
	return sup, nil
}

func keyPrefix(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return key[:4] + "..."
}
