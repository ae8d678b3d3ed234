package loader

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cyderes/ingest-pipeline/internal/events"
	"github.com/cyderes/ingest-pipeline/internal/logger"
	"github.com/cyderes/ingest-pipeline/internal/metrics"
	"github.com/cyderes/ingest-pipeline/internal/models"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// Sink is the part of storage the writer needs.
type Sink interface {
	BulkInsert(ctx context.Context, orders []models.Order) (int, error)
	InsertRows(ctx context.Context, orders []models.Order, onRowError func(o models.Order, err error)) (int, error)
}

type Config struct {
	BatchSize int
	// Workers bounds concurrent chunks; each chunk holds one connection.
	Workers int
}

// Result summarizes one WriteBatches call.
type Result struct {
	Written          int           `json:"written"`
	Failed           int           `json:"failed"`
	Batches          int           `json:"batches"`
	Elapsed          time.Duration `json:"elapsed"`
	RecordsPerSecond float64       `json:"records_per_second"`
}

// Writer loads orders in fixed-size chunks, each chunk in its own
// transaction, trying COPY first and per-row inserts second.
type Writer struct {
	sink    Sink
	emitter events.Emitter
	metrics *metrics.Collector
	cfg     Config
}

func NewWriter(sink Sink, emitter events.Emitter, collector *metrics.Collector, cfg Config) *Writer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1000
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if emitter == nil {
		emitter = events.Nop{}
	}
	if collector == nil {
		collector = metrics.NewCollector()
	}
	return &Writer{sink: sink, emitter: emitter, metrics: collector, cfg: cfg}
}

// WriteBatches writes every chunk and reports totals. Row-level failures are
// counted and logged. The error is non-nil only when a chunk could not be
// written by either path; other chunks are still attempted and committed.
func (w *Writer) WriteBatches(ctx context.Context, orders []models.Order) (Result, error) {
	start := time.Now()
	chunks := Chunk(orders, w.cfg.BatchSize)

	slog.InfoContext(ctx, "writing orders", "records", len(orders), "batches", len(chunks), "workers", w.cfg.Workers)

	var (
		mu  sync.Mutex
		res = Result{Batches: len(chunks)}
	)

	g := new(errgroup.Group)
	g.SetLimit(w.cfg.Workers)
	for i, chunk := range chunks {
		g.Go(func() error {
			written, failed, err := w.writeChunk(ctx, i, chunk)
			mu.Lock()
			res.Written += written
			res.Failed += failed
			mu.Unlock()
			return err
		})
	}
	err := g.Wait()

	res.Elapsed = time.Since(start)
	if secs := res.Elapsed.Seconds(); secs > 0 {
		res.RecordsPerSecond = float64(res.Written) / secs
	}

	slog.InfoContext(ctx, "orders written",
		"written", res.Written,
		"failed", res.Failed,
		"batches", res.Batches,
		"elapsed", res.Elapsed,
		"records_per_second", res.RecordsPerSecond)

	return res, err
}

func (w *Writer) writeChunk(ctx context.Context, index int, chunk []models.Order) (written, failed int, err error) {
	ctx = logger.WithLogFields(ctx, logger.LogFields{Chunk: logger.Ptr(index)})
	sc := logger.StartSpan(ctx, "loader.chunk", trace.WithAttributes(
		attribute.Int("chunk.index", index),
		attribute.Int("chunk.size", len(chunk)),
	))
	defer sc.End()
	ctx = sc.Context()
	defer w.metrics.ChunkProcessed()

	n, bulkErr := w.sink.BulkInsert(ctx, chunk)
	if bulkErr == nil {
		w.metrics.RecordWritten(int64(n))
		w.emit(ctx, chunk, nil)
		return n, 0, nil
	}

	slog.WarnContext(ctx, "bulk insert failed, falling back to row inserts", "error", bulkErr, "rows", len(chunk))

	rejected := make(map[string]bool)
	n, err = w.sink.InsertRows(ctx, chunk, func(o models.Order, rowErr error) {
		rejected[o.Key] = true
		slog.WarnContext(ctx, "row insert failed", "order_key", o.Key, "error", rowErr)
	})
	if err != nil {
		sc.RecordError(err)
		w.metrics.RecordRowsFailed(int64(len(chunk)))
		return 0, len(chunk), fmt.Errorf("chunk %d: %w", index, err)
	}

	w.metrics.RecordWritten(int64(n))
	w.metrics.RecordRowsFailed(int64(len(chunk) - n))
	w.emit(ctx, chunk, rejected)
	return n, len(chunk) - n, nil
}

func (w *Writer) emit(ctx context.Context, chunk []models.Order, rejected map[string]bool) {
	records := make([]events.Record, 0, len(chunk))
	for _, o := range chunk {
		if rejected[o.Key] {
			continue
		}
		records = append(records, events.Record{Key: o.Key, Payload: o})
	}
	for i := events.EmitAll(ctx, w.emitter, records); i > 0; i-- {
		w.metrics.EventFailed()
	}
}

// Chunk splits items into consecutive slices of at most size elements.
func Chunk[T any](items []T, size int) [][]T {
	if size <= 0 || len(items) == 0 {
		return nil
	}
	chunks := make([][]T, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		chunks = append(chunks, items[start:end])
	}
	return chunks
}
