package storage

import (
	"context"
	"fmt"

	"github.com/cyderes/ingest-pipeline/internal/models"
	"github.com/jackc/pgx/v5"
)

var orderColumns = []string{
	"order_key", "customer_name", "channel", "course_id", "package_id",
	"order_date", "amount", "payment_status",
}

const (
	createStagingSQL = `CREATE TEMP TABLE orders_staging (LIKE orders INCLUDING DEFAULTS) ON COMMIT DROP`

	mergeStagingSQL = `INSERT INTO orders (order_key, customer_name, channel, course_id, package_id, order_date, amount, payment_status)
		SELECT order_key, customer_name, channel, course_id, package_id, order_date, amount, payment_status
		FROM orders_staging
		ON CONFLICT (order_key) DO UPDATE SET
			customer_name = EXCLUDED.customer_name,
			channel = EXCLUDED.channel,
			course_id = EXCLUDED.course_id,
			package_id = EXCLUDED.package_id,
			order_date = EXCLUDED.order_date,
			amount = EXCLUDED.amount,
			payment_status = EXCLUDED.payment_status,
			loaded_at = now()`

	upsertOrderSQL = `INSERT INTO orders (order_key, customer_name, channel, course_id, package_id, order_date, amount, payment_status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (order_key) DO UPDATE SET
			customer_name = EXCLUDED.customer_name,
			channel = EXCLUDED.channel,
			course_id = EXCLUDED.course_id,
			package_id = EXCLUDED.package_id,
			order_date = EXCLUDED.order_date,
			amount = EXCLUDED.amount,
			payment_status = EXCLUDED.payment_status,
			loaded_at = now()`
)

// BulkInsert loads a chunk with COPY into a staging table and merges it into
// orders by key, all in one transaction.
func (db *DB) BulkInsert(ctx context.Context, orders []models.Order) (int, error) {
	var written int
	err := db.WithTx(ctx, func(tx pgx.Tx) error {
		var err error
		written, err = copyOrders(ctx, tx, orders)
		return err
	})
	if err != nil {
		return 0, err
	}
	return written, nil
}

// InsertRows upserts orders one at a time inside one transaction, isolating
// each row in a savepoint. It returns the number of rows that succeeded.
func (db *DB) InsertRows(ctx context.Context, orders []models.Order, onRowError func(o models.Order, err error)) (int, error) {
	var written int
	err := db.WithTx(ctx, func(tx pgx.Tx) error {
		var err error
		written, err = insertRows(ctx, tx, orders, onRowError)
		return err
	})
	if err != nil {
		return 0, err
	}
	return written, nil
}

func copyOrders(ctx context.Context, tx pgx.Tx, orders []models.Order) (int, error) {
	if len(orders) == 0 {
		return 0, nil
	}
	if _, err := tx.Exec(ctx, createStagingSQL); err != nil {
		return 0, fmt.Errorf("failed to create staging table: %w", err)
	}

	rows := make([][]any, len(orders))
	for i, o := range orders {
		rows[i] = orderValues(o)
	}
	if _, err := tx.CopyFrom(ctx, pgx.Identifier{"orders_staging"}, orderColumns, pgx.CopyFromRows(rows)); err != nil {
		return 0, fmt.Errorf("failed to copy orders: %w", err)
	}

	tag, err := tx.Exec(ctx, mergeStagingSQL)
	if err != nil {
		return 0, fmt.Errorf("failed to merge staged orders: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func insertRows(ctx context.Context, tx pgx.Tx, orders []models.Order, onRowError func(o models.Order, err error)) (int, error) {
	written := 0
	for _, o := range orders {
		sp, err := tx.Begin(ctx)
		if err != nil {
			return written, fmt.Errorf("failed to create savepoint: %w", err)
		}
		if _, err := sp.Exec(ctx, upsertOrderSQL, orderValues(o)...); err != nil {
			if rbErr := sp.Rollback(ctx); rbErr != nil {
				return written, fmt.Errorf("failed to roll back savepoint: %w", rbErr)
			}
			if onRowError != nil {
				onRowError(o, err)
			}
			continue
		}
		if err := sp.Commit(ctx); err != nil {
			return written, fmt.Errorf("failed to release savepoint: %w", err)
		}
		written++
	}
	return written, nil
}

func orderValues(o models.Order) []any {
	return []any{
		o.Key,
		o.CustomerName,
		o.Channel,
		o.CourseID,
		o.PackageID,
		o.OrderDate,
		o.Amount,
		o.PaymentStatus,
	}
}
