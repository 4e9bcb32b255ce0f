package pipeline

import (
	"context"
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"webrtc-streamer/internal/platform/metrics"
)

// stubRunner pretends to be an encoder that exits immediately with a fixed
// code.
type stubRunner struct {
	runs     atomic.Int64
	exitCode int
}

func (r *stubRunner) Run(ctx context.Context, args []string) (int, error) {
	r.runs.Add(1)
	return r.exitCode, nil
}

// blockingRunner never exits until the context is canceled.
type blockingRunner struct {
	started chan struct{}
}

func (r *blockingRunner) Run(ctx context.Context, args []string) (int, error) {
	select {
	case r.started <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return -1, ctx.Err()
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestSupervisor_restarts_after_exit(t *testing.T) {
	cfg := baseConfig()
	cfg.RestartDelay = time.Millisecond

	runner := &stubRunner{exitCode: 1}
	met := metrics.New()
	sup := NewSupervisor(cfg, runner, testLogger(), met)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := sup.Run(ctx)
	if err != context.DeadlineExceeded {
		t.Errorf("expected deadline exceeded, got %v", err)
	}

	if runner.runs.Load() < 2 {
		t.Errorf("expected at least 2 launches, got %d", runner.runs.Load())
	}
	if sup.Restarts() < 1 {
		t.Errorf("expected at least 1 restart, got %d", sup.Restarts())
	}
	if sup.LastExitCode() != 1 {
		t.Errorf("expected last exit code 1, got %d", sup.LastExitCode())
	}
	snap := met.GetSnapshot()
	if snap.EncoderRestartsTotal < 1 {
		t.Errorf("expected restart counter >= 1, got %d", snap.EncoderRestartsTotal)
	}
	if snap.EncoderRunning {
		t.Error("expected running gauge false after exit")
	}
}

func TestSupervisor_running_gauge_while_process_alive(t *testing.T) {
	cfg := baseConfig()
	cfg.RestartDelay = time.Millisecond

	runner := &blockingRunner{started: make(chan struct{}, 1)}
	met := metrics.New()
	sup := NewSupervisor(cfg, runner, testLogger(), met)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	<-runner.started
	if !met.GetSnapshot().EncoderRunning {
		t.Error("expected running gauge true while process alive")
	}
	if sup.State() != StateRunning {
		t.Errorf("expected state running, got %s", sup.State())
	}

	cancel()
	if err := <-done; err != context.Canceled {
		t.Errorf("expected context canceled, got %v", err)
	}
	if met.GetSnapshot().EncoderRunning {
		t.Error("expected running gauge false after cancellation")
	}
}

func TestSupervisor_stops_without_restart_on_cancel(t *testing.T) {
	cfg := baseConfig()
	cfg.RestartDelay = time.Hour // would hang if the delay were awaited

	runner := &stubRunner{}
	sup := NewSupervisor(cfg, runner, testLogger(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("expected context canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("supervisor did not stop on canceled context")
	}
}
