package scheduler

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/AntonSheinin/epg-service/internal/model"
)

var testLog = slog.New(slog.NewTextHandler(io.Discard, nil))

type countingRunner struct {
	calls atomic.Int64
}

func (r *countingRunner) Run(_ context.Context) model.Report {
	r.calls.Add(1)
	return model.Report{Status: model.StatusSuccess}
}

func TestRunImmediatelyThenOnTick(t *testing.T) {
	runner := &countingRunner{}
	s := New(runner, 10*time.Millisecond, testLog)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for runner.calls.Load() < 2 {
		select {
		case <-deadline:
			t.Fatalf("got %d fetches, want at least 2", runner.calls.Load())
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop on cancel")
	}
}

func TestRunDisabledInterval(t *testing.T) {
	runner := &countingRunner{}
	s := New(runner, 0, testLog)

	done := make(chan struct{})
	go func() {
		s.Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("disabled scheduler must return immediately")
	}
	if n := runner.calls.Load(); n != 0 {
		t.Errorf("disabled scheduler ran %d fetches", n)
	}
}
