package fetcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cyderes/ingest-pipeline/internal/logger"
	"github.com/cyderes/ingest-pipeline/internal/models"
	"github.com/cyderes/ingest-pipeline/internal/retry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ErrSourceUnavailable marks a failure that makes every remaining task
// pointless, such as a source client that could not be initialized.
var ErrSourceUnavailable = errors.New("source unavailable")

// Result is the outcome of one task. Exactly one of Value, Err or Skipped is
// meaningful.
type Result[T any] struct {
	Value   T
	Err     error
	Skipped bool
}

// Freshness reports when a source id was last fetched successfully.
type Freshness interface {
	LastUpdated(id string) (time.Time, bool)
}

// Config controls pacing.
type Config struct {
	Concurrency     int
	WindowDelay     time.Duration
	WindowJitter    time.Duration
	MicroDelayMin   time.Duration
	MicroDelayMax   time.Duration
	FreshnessWindow time.Duration
}

// Fetcher runs tasks in consecutive windows of Concurrency tasks. Every task in
// a window runs concurrently and the next window starts only after all of them
// have returned, followed by a randomized pause.
type Fetcher[T any] struct {
	cfg    Config
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func(lo, hi time.Duration) time.Duration
	now    func() time.Time
}

type Option func(*options)

type options struct {
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func(lo, hi time.Duration) time.Duration
	now    func() time.Time
}

func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(o *options) { o.sleep = sleep }
}

func WithJitter(jitter func(lo, hi time.Duration) time.Duration) Option {
	return func(o *options) { o.jitter = jitter }
}

func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func New[T any](cfg Config, opts ...Option) *Fetcher[T] {
	o := options{sleep: retry.Sleep, jitter: retry.Uniform, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	return &Fetcher[T]{cfg: cfg, sleep: o.sleep, jitter: o.jitter, now: o.now}
}

// FetchAll runs fn for every task that is not fresh and returns a result per
// task id. Task failures are recorded in their Result; the returned error is
// non-nil only for ErrSourceUnavailable or cancellation, in which case the
// map holds whatever settled before the abort.
func (f *Fetcher[T]) FetchAll(ctx context.Context, tasks []models.FetchTask, fresh Freshness, fn func(ctx context.Context, task models.FetchTask) (T, error)) (map[string]Result[T], error) {
	results := make(map[string]Result[T], len(tasks))

	pending := make([]models.FetchTask, 0, len(tasks))
	for _, task := range tasks {
		if f.isFresh(fresh, task.ID) {
			results[task.ID] = Result[T]{Skipped: true}
			continue
		}
		pending = append(pending, task)
	}
	if skipped := len(tasks) - len(pending); skipped > 0 {
		slog.InfoContext(ctx, "skipping recently fetched sources", "skipped", skipped)
	}

	windows := (len(pending) + f.cfg.Concurrency - 1) / f.cfg.Concurrency
	for w := 0; w < windows; w++ {
		if w > 0 {
			delay := f.cfg.WindowDelay + f.jitter(0, f.cfg.WindowJitter)
			slog.DebugContext(ctx, "pausing between windows", "window", w, "delay", delay)
			if err := f.sleep(ctx, delay); err != nil {
				return results, err
			}
		}

		start := w * f.cfg.Concurrency
		end := min(start+f.cfg.Concurrency, len(pending))
		if err := f.runWindow(ctx, w, pending[start:end], fn, results); err != nil {
			return results, err
		}
	}

	return results, nil
}

func (f *Fetcher[T]) runWindow(ctx context.Context, index int, window []models.FetchTask, fn func(ctx context.Context, task models.FetchTask) (T, error), results map[string]Result[T]) error {
	sc := logger.StartSpan(ctx, "fetcher.window", trace.WithAttributes(
		attribute.Int("window.index", index),
		attribute.Int("window.size", len(window)),
	))
	defer sc.End()
	ctx = sc.Context()

	var (
		mu    sync.Mutex
		wg    sync.WaitGroup
		fatal error
	)
	for _, task := range window {
		wg.Add(1)
		go func(task models.FetchTask) {
			defer wg.Done()
			taskCtx := logger.WithLogFields(ctx, logger.LogFields{SourceID: logger.Ptr(task.ID)})

			v, err := fn(taskCtx, task)
			if err != nil {
				slog.WarnContext(taskCtx, "fetch task failed", "error", err)
			}

			mu.Lock()
			defer mu.Unlock()
			results[task.ID] = Result[T]{Value: v, Err: err}
			if errors.Is(err, ErrSourceUnavailable) && fatal == nil {
				fatal = err
			}
		}(task)
	}
	wg.Wait()

	if fatal != nil {
		sc.RecordError(fatal)
		return fmt.Errorf("window %d: %w", index, fatal)
	}
	return ctx.Err()
}

// Pause sleeps for the micro-delay used between dependent requests of one task.
func (f *Fetcher[T]) Pause(ctx context.Context) error {
	return f.sleep(ctx, f.jitter(f.cfg.MicroDelayMin, f.cfg.MicroDelayMax))
}

func (f *Fetcher[T]) isFresh(fresh Freshness, id string) bool {
	if fresh == nil || f.cfg.FreshnessWindow <= 0 {
		return false
	}
	last, ok := fresh.LastUpdated(id)
	if !ok {
		return false
	}
	return f.now().Sub(last) < f.cfg.FreshnessWindow
}

// Summary counts outcomes in a result map.
type Summary struct {
	Succeeded int
	Failed    int
	Skipped   int
}

func Summarize[T any](results map[string]Result[T]) Summary {
	var s Summary
	for _, r := range results {
		switch {
		case r.Skipped:
			s.Skipped++
		case r.Err != nil:
			s.Failed++
		default:
			s.Succeeded++
		}
	}
	return s
}
