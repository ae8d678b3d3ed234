package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/cyderes/ingest-pipeline/internal/models"
	"github.com/jackc/pgx/v5"
)

const (
	selectAccountSQL = `SELECT account_id, username, display_name, bio, follower_count, following_count, created_at, updated_at
		FROM accounts WHERE account_id = $1 FOR UPDATE`

	upsertAccountSQL = `INSERT INTO accounts (account_id, username, display_name, bio, follower_count, following_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (account_id) DO UPDATE SET
			username = EXCLUDED.username,
			display_name = EXCLUDED.display_name,
			bio = EXCLUDED.bio,
			follower_count = EXCLUDED.follower_count,
			following_count = EXCLUDED.following_count,
			updated_at = EXCLUDED.updated_at`

	insertVideoSQL = `INSERT INTO videos (video_id, account_id, caption, create_time, like_count, comment_count, view_count, share_count, collected_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (video_id) DO NOTHING
		RETURNING video_id`

	insertSnapshotSQL = `INSERT INTO video_metrics_hourly (video_id, hour, like_count, comment_count, view_count, share_count, collected_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (video_id, hour) DO NOTHING`
)

// LoadContent merges accounts, inserts videos not seen before and appends
// hourly snapshots, all in one transaction.
func (db *DB) LoadContent(ctx context.Context, batch ContentBatch) (ContentResult, error) {
	var res ContentResult
	err := db.WithTx(ctx, func(tx pgx.Tx) error {
		var err error
		res, err = loadContent(ctx, tx, batch)
		return err
	})
	if err != nil {
		return ContentResult{}, err
	}
	return res, nil
}

func loadContent(ctx context.Context, tx pgx.Tx, batch ContentBatch) (ContentResult, error) {
	var res ContentResult

	for _, acc := range batch.Accounts {
		if err := upsertAccount(ctx, tx, acc); err != nil {
			return res, err
		}
		res.Accounts++
	}

	for _, v := range batch.Videos {
		var id string
		err := tx.QueryRow(ctx, insertVideoSQL,
			v.ID, v.AccountID, v.Caption, v.CreateTime,
			v.LikeCount, v.CommentCount, v.ViewCount, v.ShareCount, v.CollectedAt,
		).Scan(&id)
		if errors.Is(err, pgx.ErrNoRows) {
			continue
		}
		if err != nil {
			return res, fmt.Errorf("failed to insert video %s: %w", v.ID, err)
		}
		res.NewVideos = append(res.NewVideos, v)
	}

	if len(batch.Snapshots) == 0 {
		return res, nil
	}
	b := &pgx.Batch{}
	for _, s := range batch.Snapshots {
		b.Queue(insertSnapshotSQL,
			s.VideoID, s.Hour, s.LikeCount, s.CommentCount, s.ViewCount, s.ShareCount, s.CollectedAt)
	}
	br := tx.SendBatch(ctx, b)
	for range batch.Snapshots {
		tag, err := br.Exec()
		if err != nil {
			_ = br.Close()
			return res, fmt.Errorf("failed to insert hourly snapshot: %w", err)
		}
		res.Snapshots += int(tag.RowsAffected())
	}
	if err := br.Close(); err != nil {
		return res, fmt.Errorf("failed to insert hourly snapshots: %w", err)
	}
	return res, nil
}

func upsertAccount(ctx context.Context, tx pgx.Tx, incoming models.Account) error {
	var existing models.Account
	err := tx.QueryRow(ctx, selectAccountSQL, incoming.ID).Scan(
		&existing.ID, &existing.Username, &existing.DisplayName, &existing.Bio,
		&existing.FollowerCount, &existing.FollowingCount, &existing.CreatedAt, &existing.UpdatedAt,
	)

	merged := incoming
	switch {
	case errors.Is(err, pgx.ErrNoRows):
	case err != nil:
		return fmt.Errorf("failed to load account %s: %w", incoming.ID, err)
	default:
		merged = models.MergeAccount(existing, incoming)
	}

	if _, err := tx.Exec(ctx, upsertAccountSQL,
		merged.ID, merged.Username, merged.DisplayName, merged.Bio,
		merged.FollowerCount, merged.FollowingCount, merged.CreatedAt, merged.UpdatedAt,
	); err != nil {
		return fmt.Errorf("failed to upsert account %s: %w", merged.ID, err)
	}
	return nil
}
