package storage

import (
	"context"
	"fmt"

	"github.com/cyderes/ingest-pipeline/internal/normalize"
	"github.com/jackc/pgx/v5"
)

// The no-op DO UPDATE makes RETURNING yield the existing id on conflict.
const (
	upsertSubjectSQL = `INSERT INTO subjects (subject_name) VALUES ($1)
		ON CONFLICT (subject_name) DO UPDATE SET subject_name = EXCLUDED.subject_name
		RETURNING subject_id`

	upsertCourseSQL = `INSERT INTO courses (course_name, subject_id) VALUES ($1, $2)
		ON CONFLICT (course_name, subject_id) DO UPDATE SET course_name = EXCLUDED.course_name
		RETURNING course_id`

	upsertPackageSQL = `INSERT INTO packages (package_name) VALUES ($1)
		ON CONFLICT (package_name) DO UPDATE SET package_name = EXCLUDED.package_name
		RETURNING package_id`
)

// UpsertReferences inserts or looks up every reference key in one
// transaction and returns the surrogate ids.
func (db *DB) UpsertReferences(ctx context.Context, refs normalize.References) (normalize.IDMaps, error) {
	var ids normalize.IDMaps
	err := db.WithTx(ctx, func(tx pgx.Tx) error {
		var err error
		ids, err = upsertReferences(ctx, tx, refs)
		return err
	})
	if err != nil {
		return normalize.IDMaps{}, err
	}
	return ids, nil
}

func upsertReferences(ctx context.Context, tx pgx.Tx, refs normalize.References) (normalize.IDMaps, error) {
	ids := normalize.NewIDMaps()

	for _, name := range refs.Subjects {
		if name == "" {
			continue
		}
		var id int64
		if err := tx.QueryRow(ctx, upsertSubjectSQL, name).Scan(&id); err != nil {
			return ids, fmt.Errorf("failed to upsert subject %q: %w", name, err)
		}
		ids.Subjects[name] = id
	}

	for _, course := range refs.Courses {
		if course.Name == "" || course.Subject == "" {
			continue
		}
		subjectID, ok := ids.Subjects[course.Subject]
		if !ok {
			continue
		}
		var id int64
		if err := tx.QueryRow(ctx, upsertCourseSQL, course.Name, subjectID).Scan(&id); err != nil {
			return ids, fmt.Errorf("failed to upsert course %q/%q: %w", course.Name, course.Subject, err)
		}
		ids.Courses[course] = id
	}

	for _, name := range refs.Packages {
		if name == "" {
			continue
		}
		var id int64
		if err := tx.QueryRow(ctx, upsertPackageSQL, name).Scan(&id); err != nil {
			return ids, fmt.Errorf("failed to upsert package %q: %w", name, err)
		}
		ids.Packages[name] = id
	}

	return ids, nil
}
