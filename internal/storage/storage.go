package storage

import (
	"context"

	"github.com/cyderes/ingest-pipeline/internal/models"
	"github.com/cyderes/ingest-pipeline/internal/normalize"
)

// Storage is the relational sink used by the pipeline.
type Storage interface {
	EnsureSchema(ctx context.Context) error
	UpsertReferences(ctx context.Context, refs normalize.References) (normalize.IDMaps, error)
	BulkInsert(ctx context.Context, orders []models.Order) (int, error)
	InsertRows(ctx context.Context, orders []models.Order, onRowError func(o models.Order, err error)) (int, error)
	LoadContent(ctx context.Context, batch ContentBatch) (ContentResult, error)
	Ping(ctx context.Context) error
	Close()
}

// ContentBatch is everything one accounts run writes in a single transaction.
type ContentBatch struct {
	Accounts  []models.Account
	Videos    []models.Video
	Snapshots []models.VideoMetricsHourly
}

// ContentResult reports what LoadContent changed.
type ContentResult struct {
	Accounts  int
	NewVideos []models.Video
	Snapshots int
}
