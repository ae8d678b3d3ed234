package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"
)

// ErrRetriesExhausted is matched by errors.Is once every retry is spent.
var ErrRetriesExhausted = errors.New("retries exhausted")

// Error is returned by the executor for every failure it gives up on.
type Error struct {
	Class     Class
	Attempts  int
	Exhausted bool
	Err       error
}

func (e *Error) Error() string {
	if e.Exhausted {
		return fmt.Sprintf("failed after %d attempts (%s): %v", e.Attempts, e.Class, e.Err)
	}
	return fmt.Sprintf("%s after %d attempts: %v", e.Class, e.Attempts, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	return target == ErrRetriesExhausted && e.Exhausted
}

// ClassOf returns the class recorded by the executor, or classifies err.
func ClassOf(err error) Class {
	var re *Error
	if errors.As(err, &re) {
		return re.Class
	}
	return Classify(err)
}

// Invalidator drops a cached credential.
type Invalidator interface {
	Invalidate(name string)
}

// Config tunes an Executor.
type Config struct {
	MaxRetries     int
	BaseDelay      time.Duration
	AttemptTimeout time.Duration
}

// Executor runs remote calls with class-aware backoff. It holds no state that
// changes between calls and may be shared by concurrent callers.
type Executor struct {
	cfg         Config
	invalidator Invalidator
	credentials []string

	sleep   func(ctx context.Context, d time.Duration) error
	jitter  func(lo, hi time.Duration) time.Duration
	onRetry func(class Class, attempt int, wait time.Duration)
}

// Option configures an Executor.
type Option func(*Executor)

// WithCredentials names the credentials invalidated on an Unauthorized failure.
func WithCredentials(inv Invalidator, names ...string) Option {
	return func(e *Executor) {
		e.invalidator = inv
		e.credentials = names
	}
}

// WithSleep replaces the context-aware sleep.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Executor) { e.sleep = sleep }
}

// WithJitter replaces the uniform random addend generator.
func WithJitter(jitter func(lo, hi time.Duration) time.Duration) Option {
	return func(e *Executor) { e.jitter = jitter }
}

// WithRetryHook is called before every backoff sleep.
func WithRetryHook(fn func(class Class, attempt int, wait time.Duration)) Option {
	return func(e *Executor) { e.onRetry = fn }
}

func NewExecutor(cfg Config, opts ...Option) *Executor {
	e := &Executor{
		cfg:    cfg,
		sleep:  Sleep,
		jitter: Uniform,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Do runs op until it succeeds, fails with a non-retryable class, or the
// retry budget is spent.
func Do[T any](ctx context.Context, e *Executor, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	for attempt := 0; ; attempt++ {
		v, err := runAttempt(ctx, e.cfg.AttemptTimeout, op)
		if err == nil {
			return v, nil
		}
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}

		class := Classify(err)
		switch {
		case class == Unauthorized:
			e.invalidate(ctx)
			return zero, &Error{Class: class, Attempts: attempt + 1, Err: err}
		case !class.Retryable():
			slog.ErrorContext(ctx, "request failed", "error", err, "attempt", attempt+1)
			return zero, &Error{Class: class, Attempts: attempt + 1, Err: err}
		case attempt >= e.cfg.MaxRetries:
			return zero, &Error{Class: class, Attempts: attempt + 1, Exhausted: true, Err: err}
		}

		wait := e.Backoff(class, attempt)
		slog.WarnContext(ctx, "retrying request",
			"class", class.String(),
			"attempt", attempt+1,
			"wait", wait,
			"error", err)
		if e.onRetry != nil {
			e.onRetry(class, attempt, wait)
		}
		if err := e.sleep(ctx, wait); err != nil {
			return zero, err
		}
	}
}

// Run is Do for operations without a result.
func (e *Executor) Run(ctx context.Context, op func(ctx context.Context) error) error {
	_, err := Do(ctx, e, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// Backoff returns the wait before retry number attempt+1:
// base*2^attempt, plus U(0,1)s for ServiceUnavailable and U(1,5)s for Timeout.
func (e *Executor) Backoff(class Class, attempt int) time.Duration {
	shift := attempt
	if shift > 20 {
		shift = 20
	}
	wait := e.cfg.BaseDelay * time.Duration(1<<shift)

	switch class {
	case ServiceUnavailable:
		wait += e.jitter(0, time.Second)
	case Timeout:
		wait += e.jitter(time.Second, 5*time.Second)
	}
	return wait
}

// runAttempt bounds a single call by the per-attempt timeout. An expired
// attempt deadline is reported as context.DeadlineExceeded so it classifies
// as Timeout even when op returns some other error.
func runAttempt[T any](ctx context.Context, timeout time.Duration, op func(ctx context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		return op(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	v, err := op(attemptCtx)
	if err != nil && ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		return v, fmt.Errorf("attempt timeout after %s: %w", timeout, context.DeadlineExceeded)
	}
	return v, err
}

func (e *Executor) invalidate(ctx context.Context) {
	if e.invalidator == nil {
		return
	}
	for _, name := range e.credentials {
		e.invalidator.Invalidate(name)
	}
	slog.WarnContext(ctx, "unauthorized, credentials invalidated", "credentials", e.credentials)
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Uniform returns a random duration in [lo, hi).
func Uniform(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + rand.N(hi-lo)
}
