package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cyderes/ingest-pipeline/internal/config"
	_ "github.com/lib/pq"
)

const (
	createCheckpointTableSQL = `CREATE TABLE IF NOT EXISTS pipeline_checkpoint (
		name       TEXT PRIMARY KEY,
		document   JSONB NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`

	selectCheckpointSQL = `SELECT document FROM pipeline_checkpoint WHERE name = $1`

	upsertCheckpointSQL = `INSERT INTO pipeline_checkpoint (name, document, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (name) DO UPDATE SET document = EXCLUDED.document, updated_at = now()`
)

// PostgresStore keeps the checkpoint as a JSONB row.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(ctx context.Context, cfg config.StateConfig) (*PostgresStore, error) {
	if cfg.PostgresURI == "" {
		return nil, errors.New("STATE_POSTGRES_URI is required for the postgresql state backend")
	}
	db, err := sql.Open("postgres", cfg.PostgresURI)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(2)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, createCheckpointTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create checkpoint table: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) Load(ctx context.Context) *Checkpoint {
	var raw []byte
	err := p.db.QueryRowContext(ctx, selectCheckpointSQL, checkpointName).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return NewCheckpoint()
	}
	if err != nil {
		slog.WarnContext(ctx, "failed to load checkpoint, starting fresh", "error", err)
		return NewCheckpoint()
	}
	cp, err := Decode(raw)
	if err != nil {
		slog.WarnContext(ctx, "corrupt checkpoint, starting fresh", "error", err)
		return NewCheckpoint()
	}
	return cp
}

func (p *PostgresStore) Save(ctx context.Context, cp *Checkpoint) error {
	data, err := cp.MarshalJSON()
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	if _, err := p.db.ExecContext(ctx, upsertCheckpointSQL, checkpointName, string(data)); err != nil {
		return fmt.Errorf("failed to store checkpoint: %w", err)
	}
	return nil
}

func (p *PostgresStore) Close() error {
	return p.db.Close()
}
