package state

import (
	"context"
	"fmt"

	"github.com/cyderes/ingest-pipeline/internal/config"
)

// checkpointName keys the single checkpoint row/item/document in shared backends.
const checkpointName = "pipeline"

// Store persists checkpoints. Load never fails: a missing or unreadable
// checkpoint yields an empty one.
type Store interface {
	Load(ctx context.Context) *Checkpoint
	Save(ctx context.Context, cp *Checkpoint) error
	Close() error
}

// NewStore creates the checkpoint backend selected by configuration.
func NewStore(ctx context.Context, cfg config.StateConfig) (Store, error) {
	switch cfg.Type {
	case "file", "":
		return NewFileStore(cfg.Path), nil
	case "dynamodb":
		return NewDynamoDBStore(cfg)
	case "mongodb":
		return NewMongoStore(ctx, cfg)
	case "postgresql":
		return NewPostgresStore(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported state type: %s", cfg.Type)
	}
}
