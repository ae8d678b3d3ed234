package normalize

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cyderes/ingest-pipeline/internal/models"
	"github.com/google/uuid"
)

const PaymentCompleted = "completed"

var orderNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("ingest-pipeline/orders"))

// BuildOrders turns sheet rows into order facts. Foreign keys that do not
// resolve stay nil. Malformed amounts become 0 and missing dates become now.
func BuildOrders(rows []models.OrderRow, ids IDMaps, now time.Time) []models.Order {
	orders := make([]models.Order, 0, len(rows))
	seen := make(map[string]int, len(rows))

	for _, row := range rows {
		content := canonicalContent(row)
		ordinal := seen[content]
		seen[content] = ordinal + 1

		orders = append(orders, models.Order{
			Key:           OrderKey(content, ordinal),
			CustomerName:  strings.TrimSpace(row.Name),
			Channel:       strings.TrimSpace(row.Source),
			CourseID:      resolveCourse(row, ids),
			PackageID:     lookup(ids.Packages, strings.TrimSpace(row.Duration)),
			OrderDate:     ParseDate(row.OrderDate, now),
			Amount:        ParseAmount(row.Amount),
			PaymentStatus: PaymentCompleted,
		})
	}
	return orders
}

// OrderKey derives a stable id from normalized row content and the ordinal of
// that content among identical rows, so reloading the same sheet produces
// the same keys.
func OrderKey(content string, ordinal int) string {
	return uuid.NewSHA1(orderNamespace, []byte(content+"\x1e"+strconv.Itoa(ordinal))).String()
}

func canonicalContent(row models.OrderRow) string {
	subjects := SplitSubjects(row.Subjects)
	sort.Strings(subjects)
	fields := []string{
		row.Name,
		row.Source,
		row.OrderDate,
		row.Amount,
		strings.Join(subjects, ","),
		row.CourseName,
		row.Duration,
	}
	for i, f := range fields {
		fields[i] = strings.ToLower(strings.Join(strings.Fields(f), " "))
	}
	return strings.Join(fields, "\x1f")
}

// resolveCourse picks the first listed subject under which the course exists.
func resolveCourse(row models.OrderRow, ids IDMaps) *int64 {
	course := strings.TrimSpace(row.CourseName)
	if course == "" {
		return nil
	}
	for _, s := range SplitSubjects(row.Subjects) {
		if id, ok := ids.Courses[models.CourseKey{Name: course, Subject: s}]; ok {
			return &id
		}
	}
	return nil
}

func lookup(m map[string]int64, key string) *int64 {
	if key == "" {
		return nil
	}
	if id, ok := m[key]; ok {
		return &id
	}
	return nil
}
