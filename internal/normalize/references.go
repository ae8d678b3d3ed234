package normalize

import (
	"sort"
	"strings"

	"github.com/cyderes/ingest-pipeline/internal/models"
)

// References are the distinct dimension keys found in a set of order rows.
type References struct {
	Subjects []string
	Courses  []models.CourseKey
	Packages []string
}

// IDMaps resolve natural keys to surrogate ids for the current run.
type IDMaps struct {
	Subjects map[string]int64
	Courses  map[models.CourseKey]int64
	Packages map[string]int64
}

func NewIDMaps() IDMaps {
	return IDMaps{
		Subjects: make(map[string]int64),
		Courses:  make(map[models.CourseKey]int64),
		Packages: make(map[string]int64),
	}
}

// SplitSubjects splits a comma-separated subjects field, trimming blanks.
func SplitSubjects(field string) []string {
	var out []string
	for _, part := range strings.Split(field, ",") {
		if s := strings.TrimSpace(part); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// ExtractReferences collects subjects, (course, subject) pairs and packages.
// A course listed under several subjects yields one pair per subject.
// Output slices are sorted so upserts take row locks in a stable order.
func ExtractReferences(rows []models.OrderRow) References {
	subjects := make(map[string]struct{})
	courses := make(map[models.CourseKey]struct{})
	packages := make(map[string]struct{})

	for _, row := range rows {
		subs := SplitSubjects(row.Subjects)
		for _, s := range subs {
			subjects[s] = struct{}{}
		}
		if course := strings.TrimSpace(row.CourseName); course != "" {
			for _, s := range subs {
				courses[models.CourseKey{Name: course, Subject: s}] = struct{}{}
			}
		}
		if pkg := strings.TrimSpace(row.Duration); pkg != "" {
			packages[pkg] = struct{}{}
		}
	}

	refs := References{
		Subjects: sortedKeys(subjects),
		Packages: sortedKeys(packages),
		Courses:  make([]models.CourseKey, 0, len(courses)),
	}
	for k := range courses {
		refs.Courses = append(refs.Courses, k)
	}
	sort.Slice(refs.Courses, func(i, j int) bool {
		a, b := refs.Courses[i], refs.Courses[j]
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		return a.Subject < b.Subject
	})
	return refs
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
