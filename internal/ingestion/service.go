package ingestion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/cyderes/ingest-pipeline/internal/config"
	"github.com/cyderes/ingest-pipeline/internal/events"
	"github.com/cyderes/ingest-pipeline/internal/fetcher"
	"github.com/cyderes/ingest-pipeline/internal/id"
	"github.com/cyderes/ingest-pipeline/internal/loader"
	"github.com/cyderes/ingest-pipeline/internal/logger"
	"github.com/cyderes/ingest-pipeline/internal/metrics"
	"github.com/cyderes/ingest-pipeline/internal/models"
	"github.com/cyderes/ingest-pipeline/internal/normalize"
	"github.com/cyderes/ingest-pipeline/internal/retry"
	"github.com/cyderes/ingest-pipeline/internal/source"
	"github.com/cyderes/ingest-pipeline/internal/state"
	"github.com/cyderes/ingest-pipeline/internal/storage"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ErrSystemic marks failures that abort a run without advancing the
// checkpoint: an unreachable database or an unusable source client.
var ErrSystemic = errors.New("systemic failure")

// EntitySource is the upstream API the accounts job reads.
type EntitySource interface {
	GetEntityInfo(ctx context.Context, username string) (models.Profile, error)
	ListEntityItems(ctx context.Context, username string, count int) ([]models.Item, error)
}

// SheetFunc downloads the orders sheet.
type SheetFunc func(ctx context.Context) ([]models.OrderRow, error)

// OrderWriter loads order facts in chunks.
type OrderWriter interface {
	WriteBatches(ctx context.Context, orders []models.Order) (loader.Result, error)
}

// Deps are the collaborators of a Service. Source may be nil when the client
// could not be built, which fails every accounts run as systemic. Sheet may
// be nil to disable the catalog job.
type Deps struct {
	Storage  storage.Storage
	State    state.Store
	Source   EntitySource
	Sheet    SheetFunc
	Executor *retry.Executor
	Writer   OrderWriter
	Emitter  events.Emitter
	Metrics  *metrics.Collector
	Fetcher  *fetcher.Fetcher[models.AccountFetch]
}

// Service runs the catalog and accounts jobs, once or on a schedule.
type Service struct {
	interval  time.Duration
	itemCount int
	targets   []config.Target
	deps      Deps
	now       func() time.Time

	mu         sync.RWMutex
	status     models.IngestionStatus
	lastReport *models.RunReport
	checkpoint *state.Checkpoint
}

// NewService creates a new ingestion service
func NewService(cfg *config.Config, deps Deps) *Service {
	if deps.Emitter == nil {
		deps.Emitter = events.Nop{}
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewCollector()
	}
	if deps.Executor == nil {
		deps.Executor = retry.NewExecutor(retry.Config{
			MaxRetries:     cfg.Retry.MaxRetries,
			BaseDelay:      cfg.Retry.BaseDelay,
			AttemptTimeout: cfg.Retry.AttemptTimeout,
		})
	}
	if deps.Fetcher == nil {
		deps.Fetcher = fetcher.New[models.AccountFetch](fetcher.Config{
			Concurrency:     cfg.Fetch.Concurrency,
			WindowDelay:     cfg.Fetch.WindowDelay,
			WindowJitter:    cfg.Fetch.WindowJitter,
			MicroDelayMin:   cfg.Fetch.MicroDelayMin,
			MicroDelayMax:   cfg.Fetch.MicroDelayMax,
			FreshnessWindow: cfg.Fetch.FreshnessWindow,
		})
	}
	return &Service{
		interval:  cfg.Ingestion.Interval,
		itemCount: cfg.Source.ItemCount,
		targets:   cfg.Targets,
		deps:      deps,
		now:       time.Now,
		status:    models.IngestionStatus{Status: "never_run"},
	}
}

// Start runs once immediately and then on every tick until ctx is done.
// Only a systemic failure of the initial run is returned.
func (s *Service) Start(ctx context.Context) error {
	if s.interval <= 0 {
		return fmt.Errorf("ingestion interval must be positive, got %s", s.interval)
	}
	if _, err := s.RunOnce(ctx); err != nil {
		if errors.Is(err, ErrSystemic) {
			return fmt.Errorf("initial ingestion failed: %w", err)
		}
		slog.ErrorContext(ctx, "initial ingestion finished with errors", "error", err)
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil {
				slog.ErrorContext(ctx, "ingestion run failed", "error", err)
			}
		}
	}
}

// RunOnce executes one pipeline run. Job failures are joined into the
// returned error; the report is filled in either way.
func (s *Service) RunOnce(ctx context.Context) (models.RunReport, error) {
	runID := id.New()
	ctx = logger.WithLogFields(ctx, logger.LogFields{RunID: &runID, Component: "ingest.service"})
	sc := logger.StartSpan(ctx, "ingestion.run", trace.WithAttributes(attribute.Int64("run.id", runID)))
	defer sc.End()
	ctx = sc.Context()

	report := models.RunReport{RunID: strconv.FormatInt(runID, 10), StartedAt: s.now().UTC()}
	s.setStatus(func(st *models.IngestionStatus) {
		st.RunID = report.RunID
		st.LastAttempt = report.StartedAt
		st.Status = "running"
		st.ErrorMessage = ""
	})
	slog.InfoContext(ctx, "ingestion run started")

	err := s.run(ctx, &report)
	report.Duration = s.now().Sub(report.StartedAt)

	if err != nil {
		sc.RecordError(err)
		slog.ErrorContext(ctx, "ingestion run failed", "error", err, "duration", report.Duration)
	} else {
		slog.InfoContext(ctx, "ingestion run completed",
			"duration", report.Duration,
			"fetched", report.Fetched,
			"skipped", report.Skipped,
			"fetch_failed", report.FetchFailed,
			"orders_written", report.OrdersWritten,
			"orders_failed", report.OrdersFailed,
			"records_per_second", report.RecordsPerSec,
		)
	}

	s.mu.Lock()
	s.lastReport = &report
	s.status.RecordsIngested = report.OrdersWritten + report.Accounts + report.Videos + report.Snapshots
	if err != nil {
		s.status.Status = "failure"
		s.status.ErrorMessage = err.Error()
	} else {
		s.status.Status = "success"
		s.status.LastSuccessfulRun = s.now().UTC()
	}
	s.mu.Unlock()

	return report, err
}

func (s *Service) run(ctx context.Context, report *models.RunReport) error {
	if err := s.deps.Storage.Ping(ctx); err != nil {
		return fmt.Errorf("%w: database unreachable: %w", ErrSystemic, err)
	}

	cp := s.deps.State.Load(ctx)

	var errs []error
	if s.deps.Sheet != nil {
		if err := s.runCatalog(ctx, report); err != nil {
			errs = append(errs, fmt.Errorf("catalog job: %w", err))
		}
	}

	if err := s.runAccounts(ctx, cp, report); err != nil {
		if errors.Is(err, ErrSystemic) || ctx.Err() != nil {
			// the checkpoint is left exactly as loaded
			return errors.Join(append(errs, err)...)
		}
		errs = append(errs, fmt.Errorf("accounts job: %w", err))
	}

	cp.SetLastRun(state.RunSummary{
		RunID:     report.RunID,
		Timestamp: s.now().UTC(),
		Accounts:  report.Accounts,
		Videos:    report.Videos,
		Orders:    report.OrdersWritten,
	})
	if err := s.deps.State.Save(ctx, cp); err != nil {
		slog.WarnContext(ctx, "failed to save checkpoint", "error", err)
		report.CheckpointSave = err.Error()
	}

	s.mu.Lock()
	s.checkpoint = cp
	s.mu.Unlock()

	return errors.Join(errs...)
}

// runCatalog downloads the orders sheet, upserts the reference tables and
// loads the orders facts.
func (s *Service) runCatalog(ctx context.Context, report *models.RunReport) error {
	ctx = logger.WithLogFields(ctx, logger.LogFields{Job: logger.Ptr("catalog")})
	sc := logger.StartSpan(ctx, "ingestion.catalog")
	defer sc.End()
	ctx = sc.Context()

	rows, err := retry.Do(ctx, s.deps.Executor, func(ctx context.Context) ([]models.OrderRow, error) {
		return s.deps.Sheet(ctx)
	})
	if err != nil {
		sc.RecordError(err)
		return fmt.Errorf("failed to fetch orders sheet: %w", err)
	}
	slog.InfoContext(ctx, "orders sheet downloaded", "rows", len(rows))

	refs := normalize.ExtractReferences(rows)
	ids, err := s.deps.Storage.UpsertReferences(ctx, refs)
	if err != nil {
		sc.RecordError(err)
		return fmt.Errorf("failed to upsert references: %w", err)
	}

	orders := normalize.BuildOrders(rows, ids, s.now())
	res, err := s.deps.Writer.WriteBatches(ctx, orders)
	report.OrdersWritten = res.Written
	report.OrdersFailed = res.Failed
	report.Batches = res.Batches
	report.RecordsPerSec = res.RecordsPerSecond
	if err != nil {
		sc.RecordError(err)
		return fmt.Errorf("failed to write orders: %w", err)
	}
	return nil
}

// runAccounts fetches every stale target account, loads accounts, videos and
// hourly snapshots in one transaction and advances the checkpoint after the
// commit.
func (s *Service) runAccounts(ctx context.Context, cp *state.Checkpoint, report *models.RunReport) error {
	ctx = logger.WithLogFields(ctx, logger.LogFields{Job: logger.Ptr("accounts")})
	sc := logger.StartSpan(ctx, "ingestion.accounts")
	defer sc.End()
	ctx = sc.Context()

	tasks := s.tasks(ctx)
	if len(tasks) == 0 {
		return nil
	}
	if s.deps.Source == nil {
		return fmt.Errorf("%w: %w", ErrSystemic, fetcher.ErrSourceUnavailable)
	}

	f := s.deps.Fetcher
	results, err := f.FetchAll(ctx, tasks, cp, func(ctx context.Context, task models.FetchTask) (models.AccountFetch, error) {
		return s.fetchAccount(ctx, f, task)
	})

	summary := fetcher.Summarize(results)
	report.Fetched = summary.Succeeded
	report.Skipped = summary.Skipped
	report.FetchFailed = summary.Failed
	s.deps.Metrics.RecordFetched(int64(summary.Succeeded))
	s.deps.Metrics.RecordSkipped(int64(summary.Skipped))
	s.deps.Metrics.RecordFetchFailed(int64(summary.Failed))

	if err != nil {
		sc.RecordError(err)
		if errors.Is(err, fetcher.ErrSourceUnavailable) {
			return fmt.Errorf("%w: %w", ErrSystemic, err)
		}
		return err
	}

	now := s.now()
	batch, fetchedIDs, itemIDs := buildContent(tasks, results, cp, now)
	if len(fetchedIDs) == 0 {
		return nil
	}

	res, err := s.deps.Storage.LoadContent(ctx, batch)
	if err != nil {
		sc.RecordError(err)
		return fmt.Errorf("failed to load content: %w", err)
	}
	report.Accounts = res.Accounts
	report.Videos = len(res.NewVideos)
	report.Snapshots = res.Snapshots

	records := make([]events.Record, 0, len(res.NewVideos))
	for _, v := range res.NewVideos {
		records = append(records, events.Record{Key: v.ID, Payload: v})
	}
	for i := events.EmitAll(ctx, s.deps.Emitter, records); i > 0; i-- {
		s.deps.Metrics.EventFailed()
	}

	cp.MarkProcessed(itemIDs...)
	for _, sourceID := range fetchedIDs {
		cp.SetLastUpdated(sourceID, now)
	}
	return nil
}

func (s *Service) fetchAccount(ctx context.Context, f *fetcher.Fetcher[models.AccountFetch], task models.FetchTask) (models.AccountFetch, error) {
	profile, err := retry.Do(ctx, s.deps.Executor, func(ctx context.Context) (models.Profile, error) {
		return s.deps.Source.GetEntityInfo(ctx, task.ID)
	})
	if err != nil {
		return models.AccountFetch{}, fmt.Errorf("failed to fetch profile: %w", err)
	}

	if err := f.Pause(ctx); err != nil {
		return models.AccountFetch{}, err
	}

	items, err := retry.Do(ctx, s.deps.Executor, func(ctx context.Context) ([]models.Item, error) {
		return s.deps.Source.ListEntityItems(ctx, task.ID, s.itemCount)
	})
	if err != nil {
		return models.AccountFetch{}, fmt.Errorf("failed to list items: %w", err)
	}
	return models.AccountFetch{Profile: profile, Items: items}, nil
}

// tasks turns the configured targets into fetch tasks, one per username.
func (s *Service) tasks(ctx context.Context) []models.FetchTask {
	seen := make(map[string]struct{}, len(s.targets))
	tasks := make([]models.FetchTask, 0, len(s.targets))
	for _, t := range s.targets {
		name := t.Username
		if name == "" {
			parsed, ok := source.ExtractUsername(t.URL)
			if !ok {
				slog.WarnContext(ctx, "skipping target without username", "url", t.URL)
				continue
			}
			name = parsed
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		tasks = append(tasks, models.FetchTask{ID: name, Locator: t.URL})
	}
	return tasks
}

// buildContent maps successful fetches, in task order, onto the rows of one
// content batch. Items already in the checkpoint only get a new hourly
// snapshot. It also returns the fetched task ids and every item id seen.
func buildContent(tasks []models.FetchTask, results map[string]fetcher.Result[models.AccountFetch], cp *state.Checkpoint, now time.Time) (storage.ContentBatch, []string, []string) {
	var (
		batch      storage.ContentBatch
		fetchedIDs []string
		itemIDs    []string
		seenItems  = make(map[string]struct{})
	)
	for _, task := range tasks {
		r, ok := results[task.ID]
		if !ok || r.Skipped || r.Err != nil {
			continue
		}
		fetchedIDs = append(fetchedIDs, task.ID)

		profile := r.Value.Profile
		batch.Accounts = append(batch.Accounts, models.NewAccount(profile, now))
		for _, it := range r.Value.Items {
			if _, dup := seenItems[it.ID]; dup {
				continue
			}
			seenItems[it.ID] = struct{}{}
			itemIDs = append(itemIDs, it.ID)
			if !cp.IsProcessed(it.ID) {
				batch.Videos = append(batch.Videos, models.NewVideo(profile.ID, it, now))
			}
			batch.Snapshots = append(batch.Snapshots, models.NewSnapshot(it, now))
		}
	}
	sort.Strings(itemIDs)
	return batch, fetchedIDs, itemIDs
}

func (s *Service) setStatus(fn func(*models.IngestionStatus)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.status)
}

// Status returns the current ingestion status.
func (s *Service) Status() models.IngestionStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// LastReport returns the report of the last finished run.
func (s *Service) LastReport() (models.RunReport, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.lastReport == nil {
		return models.RunReport{}, false
	}
	return *s.lastReport, true
}

// Checkpoint returns the checkpoint as of the last saved run, loading it from
// the store if no run has finished yet.
func (s *Service) Checkpoint(ctx context.Context) *state.Checkpoint {
	s.mu.RLock()
	cp := s.checkpoint
	s.mu.RUnlock()
	if cp != nil {
		return cp
	}
	return s.deps.State.Load(ctx)
}

// Metrics returns the collector shared by the pipeline.
func (s *Service) Metrics() *metrics.Collector {
	return s.deps.Metrics
}
