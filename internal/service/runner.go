// Package service provides the run-forever cycle loop every BigBrotr
// pipeline component (Seeder, Finder, Validator, Monitor, Synchronizer)
// is built on: config contract, structured logging, Prometheus metrics,
// and typed service_state access.
package service

import (
	"context"
	"log/slog"
	"math/rand"
	"strconv"
	"time"

	"github.com/bigbrotr/bigbrotr/internal/errs"
)

// Cycle is the one method every service variant implements. RunOnce may
// perform arbitrary bounded-parallel I/O and must return promptly when
// ctx is cancelled.
type Cycle interface {
	RunOnce(ctx context.Context) error
}

// Runner drives a Cycle through the run-forever loop: timed cycles,
// success/failure bookkeeping, a consecutive-failure circuit breaker,
// and interruptible suspension between cycles.
type Runner struct {
	name    string
	cycle   Cycle
	cfg     Base
	log     *slog.Logger
	metrics *Metrics

	consecutiveFailures int
}

func NewRunner(name string, cycle Cycle, cfg Base, log *slog.Logger, metrics *Metrics) *Runner {
	return &Runner{name: name, cycle: cycle, cfg: cfg, log: log, metrics: metrics}
}

// RunForever loops until ctx is cancelled or the circuit breaker trips,
// in which case it returns a non-nil error. A clean shutdown (ctx
// cancelled between cycles or mid-cycle) returns nil.
func (r *Runner) RunForever(ctx context.Context) error {
	for {
		if err := r.runCycle(ctx); err != nil {
			return err
		}
		if ctx.Err() != nil {
			r.log.Info("shutting down", "reason", ctx.Err())
			return nil
		}
		if !r.sleep(ctx, r.jitteredInterval()) {
			r.log.Info("shutting down during suspension")
			return nil
		}
	}
}

// RunOnce executes exactly one cycle and returns its error, for
// one-shot services (Seeder) that exit after a single run_once call
// rather than looping.
func (r *Runner) RunOnce(ctx context.Context) error {
	start := time.Now()
	err := r.cycle.RunOnce(ctx)
	d := time.Since(start)
	if err == nil {
		r.metrics.recordSuccess(d)
		return nil
	}
	if errs.IsCancelled(err) {
		return err
	}
	r.metrics.recordFailure(d, 1)
	return err
}

// runCycle executes one timed cycle and updates the circuit breaker.
// It returns a non-nil error only when the breaker trips; ordinary
// cycle failures are logged and absorbed so the loop continues.
func (r *Runner) runCycle(ctx context.Context) error {
	start := time.Now()
	err := r.cycle.RunOnce(ctx)
	d := time.Since(start)

	if err == nil {
		r.consecutiveFailures = 0
		r.metrics.recordSuccess(d)
		r.metrics.resetConsecutiveFailures()
		return nil
	}

	if errs.IsCancelled(err) {
		// Cancellation is never a failure cycle: don't touch the breaker
		// or the failure counters.
		return nil
	}

	r.consecutiveFailures++
	r.metrics.recordFailure(d, r.consecutiveFailures)
	r.metrics.IncErrorKind(string(errs.KindOf(err)))
	r.log.Error("cycle failed",
		"error", err,
		"consecutive_failures", r.consecutiveFailures,
		"duration_ms", d.Milliseconds())

	if r.consecutiveFailures >= r.cfg.MaxConsecutiveFailures {
		return errFatal(r.name, r.consecutiveFailures, err)
	}
	return nil
}

type fatalErr struct {
	service             string
	consecutiveFailures int
	lastErr             error
}

func errFatal(service string, consecutiveFailures int, lastErr error) error {
	return &fatalErr{service: service, consecutiveFailures: consecutiveFailures, lastErr: lastErr}
}

func (e *fatalErr) Error() string {
	return e.service + ": halted after " + strconv.Itoa(e.consecutiveFailures) + " consecutive failures: " + e.lastErr.Error()
}

func (e *fatalErr) Unwrap() error { return e.lastErr }

// jitteredInterval shortens the base interval by a random fraction of up
// to cfg.Jitter, randomizing cycle start times across many service
// instances; the mean interval is Interval*(1-Jitter/2).
func (r *Runner) jitteredInterval() time.Duration {
	if r.cfg.Jitter <= 0 {
		return r.cfg.Interval.Std()
	}
	factor := 1 - r.cfg.Jitter*rand.Float64()
	return time.Duration(float64(r.cfg.Interval) * factor)
}

// sleep suspends for d, interruptibly: a cancelled ctx wakes it early
// and returns false. Returns true if the full duration elapsed.
func (r *Runner) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
