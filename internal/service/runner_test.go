package service

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bigbrotr/bigbrotr/internal/errs"
	"github.com/bigbrotr/bigbrotr/internal/models"
)

type fakeCycle struct {
	calls int
	errFn func(call int) error
}

func (f *fakeCycle) RunOnce(ctx context.Context) error {
	f.calls++
	if f.errFn == nil {
		return nil
	}
	return f.errFn(f.calls)
}

func newTestRunner(name string, cycle Cycle, cfg Base) *Runner {
	var buf bytes.Buffer
	log := NewLogger(LoggingConfig{Level: "debug", Format: "text"}, name, &buf)
	return NewRunner(name, cycle, cfg, log, NewMetrics(name))
}

func TestRunnerTripsBreakerAfterMaxConsecutiveFailures(t *testing.T) {
	cfg := Base{Interval: models.Duration(time.Millisecond), MaxConsecutiveFailures: 3}
	cycle := &fakeCycle{errFn: func(int) error { return errors.New("boom") }}
	r := newTestRunner("test-trip", cycle, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := r.RunForever(ctx)
	if err == nil {
		t.Fatal("expected breaker to trip with a non-nil error")
	}
	if cycle.calls != 3 {
		t.Errorf("expected exactly 3 cycles before trip, got %d", cycle.calls)
	}
}

func TestRunnerResetsBreakerOnSuccess(t *testing.T) {
	cfg := Base{Interval: models.Duration(time.Millisecond), MaxConsecutiveFailures: 2}
	cycle := &fakeCycle{errFn: func(call int) error {
		if call%2 == 0 {
			return nil
		}
		return errors.New("transient")
	}}
	r := newTestRunner("test-reset", cycle, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := r.RunForever(ctx)
	if err != nil {
		t.Fatalf("expected breaker to never trip since failures never chain, got %v", err)
	}
}

func TestRunnerCancellationIsNotAFailure(t *testing.T) {
	cfg := Base{Interval: models.Duration(time.Millisecond), MaxConsecutiveFailures: 1}
	cycle := &fakeCycle{errFn: func(int) error {
		return errs.New(errs.KindCancelled, "", context.Canceled)
	}}
	r := newTestRunner("test-cancel", cycle, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := r.RunForever(ctx)
	if err != nil {
		t.Fatalf("cancellation must never trip the breaker, got %v", err)
	}
}

// TestRunnerBareContextCanceledIsNotAFailure exercises the value every
// service's run_once actually returns on shutdown — a raw
// context.Canceled/context.DeadlineExceeded, never pre-wrapped in
// *errs.Error. errs.KindOf must still classify it as cancelled so
// runCycle never touches the circuit breaker or failure counters.
func TestRunnerBareContextCanceledIsNotAFailure(t *testing.T) {
	cfg := Base{Interval: models.Duration(time.Millisecond), MaxConsecutiveFailures: 1}
	cycle := &fakeCycle{errFn: func(int) error {
		return context.Canceled
	}}
	r := newTestRunner("test-bare-cancel", cycle, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := r.RunForever(ctx)
	if err != nil {
		t.Fatalf("bare context.Canceled must never trip the breaker, got %v", err)
	}
	if r.consecutiveFailures != 0 {
		t.Errorf("expected consecutiveFailures to stay 0 on cancellation, got %d", r.consecutiveFailures)
	}
}

// TestRunnerTypedTransientErrorStillCountsAsFailure is the contrast
// case: an error genuinely wrapped as a non-cancelled kind must still
// trip the breaker normally, so the KindOf fix above doesn't
// accidentally swallow real failures.
func TestRunnerTypedTransientErrorStillCountsAsFailure(t *testing.T) {
	cfg := Base{Interval: models.Duration(time.Millisecond), MaxConsecutiveFailures: 1}
	cycle := &fakeCycle{errFn: func(int) error {
		return errs.New(errs.KindTransientNet, "wss://relay.example.com", errors.New("reset"))
	}}
	r := newTestRunner("test-transient", cycle, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := r.RunForever(ctx)
	if err == nil {
		t.Fatal("expected a typed transient_net failure to trip the breaker")
	}
	if cycle.calls != 1 {
		t.Errorf("expected exactly 1 cycle before trip, got %d", cycle.calls)
	}
}

func TestRunOnceReturnsCycleError(t *testing.T) {
	cfg := Base{Interval: models.Duration(time.Second), MaxConsecutiveFailures: 1}
	wantErr := errors.New("seed failed")
	cycle := &fakeCycle{errFn: func(int) error { return wantErr }}
	r := newTestRunner("test-once", cycle, cfg)

	err := r.RunOnce(context.Background())
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected RunOnce to surface the cycle error, got %v", err)
	}
	if cycle.calls != 1 {
		t.Errorf("expected exactly one call, got %d", cycle.calls)
	}
}
