package pipeline

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"webrtc-streamer/internal/platform/metrics"
)

// State is the lifecycle state of the encoder process.
type State int

const (
	// StateStarting means an invocation is being prepared or launched.
	StateStarting State = iota
	// StateRunning means the process is alive.
	StateRunning
	// StateExited means the last process has exited and no replacement has
	// been launched yet.
	StateExited
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateExited:
		return "exited"
	default:
		return "unknown"
	}
}

// Runner launches one encoder process and blocks until it exits, returning
// the exit code. Implementations must honor ctx cancellation by killing the
// process.
type Runner interface {
	Run(ctx context.Context, args []string) (exitCode int, err error)
}

// ExecRunner runs the encoder binary via os/exec, inheriting stderr so
// encoder diagnostics reach the process log.
type ExecRunner struct {
	Bin string
}

// NewExecRunner returns a Runner for the given binary, "ffmpeg" if empty.
func NewExecRunner(bin string) *ExecRunner {
	if bin == "" {
		bin = "ffmpeg"
	}
	return &ExecRunner{Bin: bin}
}

// Run implements Runner.
func (r *ExecRunner) Run(ctx context.Context, args []string) (int, error) {
	cmd := exec.CommandContext(ctx, r.Bin, args...)
	cmd.Stderr = os.Stderr
	err := cmd.Run()
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode(), err
	}
	return -1, err
}

// Supervisor owns the encoder lifecycle: it launches the process, waits for
// exit, and relaunches after a fixed delay, forever. Encoder exit is never
// fatal to the service. There is no backoff or restart cap; a permanently
// broken source loops at the restart delay, which the restart counter makes
// visible to operators.
type Supervisor struct {
	cfg     Config
	runner  Runner
	log     *slog.Logger
	metrics *metrics.Metrics

	mu           sync.Mutex
	state        State
	lastExitCode int
	restarts     int
}

// NewSupervisor returns a Supervisor for the given config. Metrics may be nil
// to disable metric recording (e.g. in tests).
func NewSupervisor(cfg Config, runner Runner, log *slog.Logger, m *metrics.Metrics) *Supervisor {
	return &Supervisor{cfg: cfg, runner: runner, log: log, metrics: m}
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Restarts returns how many times the encoder has been relaunched after an
// exit. The initial launch does not count.
func (s *Supervisor) Restarts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restarts
}

// LastExitCode returns the exit code of the most recent encoder exit.
func (s *Supervisor) LastExitCode() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastExitCode
}

// Run launches the encoder and restarts it after every exit until ctx is
// canceled. It returns ctx.Err() on cancellation and never returns before
// that.
func (s *Supervisor) Run(ctx context.Context) error {
	args := s.cfg.Args()
	delay := s.cfg.restartDelay()

	for {
		s.setState(StateStarting)
		s.log.Info("launching encoder", slog.String("args", strings.Join(args, " ")))

		s.setState(StateRunning)
		if s.metrics != nil {
			s.metrics.SetEncoderRunning(true)
		}

		code, err := s.runner.Run(ctx, args)

		if s.metrics != nil {
			s.metrics.SetEncoderRunning(false)
		}
		s.mu.Lock()
		s.state = StateExited
		s.lastExitCode = code
		s.mu.Unlock()

		if ctx.Err() != nil {
			return ctx.Err()
		}

		attrs := []any{slog.Int("exit_code", code), slog.Duration("restart_delay", delay)}
		if err != nil {
			attrs = append(attrs, slog.String("error", err.Error()))
		}
		s.log.Warn("encoder exited, restarting", attrs...)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}

		s.mu.Lock()
		s.restarts++
		s.mu.Unlock()
		if s.metrics != nil {
			s.metrics.IncEncoderRestarts()
		}
	}
}

func (s *Supervisor) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}
