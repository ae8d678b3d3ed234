package storage

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/cyderes/ingest-pipeline/internal/models"
	"github.com/cyderes/ingest-pipeline/internal/normalize"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpsertReferences_IdempotentAcrossRuns(t *testing.T) {
	tx := newFakeTx()
	refs := normalize.ExtractReferences([]models.OrderRow{
		{Subjects: "Math, Physics", CourseName: "Algebra I", Duration: "3mo"},
		{Subjects: "Chemistry", CourseName: "Organic", Duration: "1mo"},
	})

	first, err := upsertReferences(context.Background(), tx, refs)
	require.NoError(t, err)
	second, err := upsertReferences(context.Background(), tx, refs)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Len(t, first.Subjects, 3)
	assert.Len(t, first.Courses, 3)
	assert.Len(t, first.Packages, 2)
}

func TestUpsertReferences_CourseUnderTwoSubjectsGetsTwoIDs(t *testing.T) {
	tx := newFakeTx()
	refs := normalize.ExtractReferences([]models.OrderRow{
		{Subjects: "Math, Physics", CourseName: "Algebra I"},
	})

	ids, err := upsertReferences(context.Background(), tx, refs)
	require.NoError(t, err)

	math := ids.Courses[models.CourseKey{Name: "Algebra I", Subject: "Math"}]
	physics := ids.Courses[models.CourseKey{Name: "Algebra I", Subject: "Physics"}]
	assert.NotZero(t, math)
	assert.NotZero(t, physics)
	assert.NotEqual(t, math, physics)
}

func TestUpsertReferences_CourseWithUnknownSubjectIsSkipped(t *testing.T) {
	tx := newFakeTx()
	ids, err := upsertReferences(context.Background(), tx, normalize.References{
		Courses: []models.CourseKey{{Name: "Orphan", Subject: "Nowhere"}},
	})
	require.NoError(t, err)
	assert.Empty(t, ids.Courses)
}

func sampleOrders(keys ...string) []models.Order {
	out := make([]models.Order, len(keys))
	for i, k := range keys {
		out[i] = models.Order{Key: k, OrderDate: time.Now(), Amount: 10, PaymentStatus: normalize.PaymentCompleted}
	}
	return out
}

func TestCopyOrders_StagesAndMerges(t *testing.T) {
	tx := newFakeTx()

	n, err := copyOrders(context.Background(), tx, sampleOrders("a", "b", "c"))

	require.NoError(t, err)
	assert.Equal(t, 3, n)
	require.Len(t, tx.execLog, 2)
	assert.Equal(t, createStagingSQL, tx.execLog[0])
	assert.Equal(t, mergeStagingSQL, tx.execLog[1])
}

func TestCopyOrders_CopyFailureIsReturned(t *testing.T) {
	tx := newFakeTx()
	tx.copyErr = errors.New("invalid input syntax")

	_, err := copyOrders(context.Background(), tx, sampleOrders("a"))
	assert.ErrorContains(t, err, "failed to copy orders")
}

func TestInsertRows_CountsIndividualSuccesses(t *testing.T) {
	tx := newFakeTx()
	tx.failKeys["b"] = true
	tx.failKeys["d"] = true

	var failed []string
	n, err := insertRows(context.Background(), tx, sampleOrders("a", "b", "c", "d", "e"), func(o models.Order, err error) {
		failed = append(failed, o.Key)
	})

	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []string{"b", "d"}, failed)
	assert.Equal(t, 3, tx.released)
	assert.Equal(t, 2, tx.rolledBck)
}

func TestLoadContent_MergesAccountsAndSkipsKnownVideos(t *testing.T) {
	tx := newFakeTx()
	created := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	tx.accounts["acc-1"] = []any{"acc-1", "fizik_el", "Old Name", "old bio", int64(5), int64(1), created, created}
	tx.videos["v-old"] = true

	now := time.Date(2024, 6, 1, 12, 30, 0, 0, time.UTC)
	batch := ContentBatch{
		Accounts: []models.Account{{ID: "acc-1", Username: "fizik_el", DisplayName: "", Bio: "new bio", FollowerCount: 9, CreatedAt: now, UpdatedAt: now}},
		Videos: []models.Video{
			{ID: "v-old", AccountID: "acc-1"},
			{ID: "v-new", AccountID: "acc-1"},
		},
		Snapshots: []models.VideoMetricsHourly{
			{VideoID: "v-old", Hour: now.Truncate(time.Hour)},
			{VideoID: "v-new", Hour: now.Truncate(time.Hour)},
		},
	}

	res, err := loadContent(context.Background(), tx, batch)

	require.NoError(t, err)
	assert.Equal(t, 1, res.Accounts)
	require.Len(t, res.NewVideos, 1)
	assert.Equal(t, "v-new", res.NewVideos[0].ID)
	assert.Equal(t, 2, res.Snapshots)
	assert.Equal(t, 2, tx.batched)

	var accountArgs []any
	for i, sql := range tx.execLog {
		if strings.HasPrefix(sql, "INSERT INTO accounts") {
			accountArgs = tx.execArgs[i]
		}
	}
	require.NotNil(t, accountArgs)
	assert.Equal(t, "Old Name", accountArgs[2], "empty incoming field keeps stored value")
	assert.Equal(t, "new bio", accountArgs[3])
	assert.Equal(t, int64(9), accountArgs[4])
	assert.Equal(t, created, accountArgs[6], "created_at is never moved")
	assert.Equal(t, now, accountArgs[7])
}

func TestSchemaIsIdempotent(t *testing.T) {
	for _, stmt := range schemaStatements() {
		switch {
		case strings.HasPrefix(stmt, "CREATE"):
			assert.Contains(t, stmt, "IF NOT EXISTS")
		case strings.HasPrefix(stmt, "ALTER TABLE"):
			assert.Contains(t, stmt, "TYPE NUMERIC(18, 2)")
		default:
			t.Errorf("unexpected schema statement: %s", stmt)
		}
	}
}

func TestSchemaAmountFitsParsedRange(t *testing.T) {
	assert.Contains(t, schemaSQL, "amount         NUMERIC(18, 2) NOT NULL")
}

// schemaStatements splits the schema script into statements without
// comment lines.
func schemaStatements() []string {
	var stmts []string
	for _, raw := range strings.Split(schemaSQL, ";") {
		var lines []string
		for _, line := range strings.Split(raw, "\n") {
			if trimmed := strings.TrimSpace(line); trimmed != "" && !strings.HasPrefix(trimmed, "--") {
				lines = append(lines, trimmed)
			}
		}
		if len(lines) > 0 {
			stmts = append(stmts, strings.Join(lines, " "))
		}
	}
	return stmts
}
