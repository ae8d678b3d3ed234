package source

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/cyderes/ingest-pipeline/internal/models"
)

// orderColumns is the positional layout assumed when the export arrives
// without usable headers.
var orderColumns = []string{"name", "source", "order_date", "amount", "subjects", "course_name", "duration"}

// FetchSheet downloads a CSV export and parses it into order rows.
func FetchSheet(ctx context.Context, httpClient *http.Client, sheetURL string) ([]models.OrderRow, error) {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sheetURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	rows, err := ParseOrders(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse sheet: %w", err)
	}
	return rows, nil
}

// ParseOrders reads CSV order rows. If the header row has blank, "Unnamed" or
// numeric column names, columns are assigned positionally from orderColumns.
// Fully empty rows are dropped.
func ParseOrders(r io.Reader) ([]models.OrderRow, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	index := columnIndex(header)

	var rows []models.OrderRow
	line := 1
	for {
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if blank(record) {
			continue
		}

		get := func(col string) string {
			i, ok := index[col]
			if !ok || i >= len(record) {
				return ""
			}
			return strings.TrimSpace(record[i])
		}
		rows = append(rows, models.OrderRow{
			Line:       line,
			Name:       get("name"),
			Source:     get("source"),
			OrderDate:  get("order_date"),
			Amount:     get("amount"),
			Subjects:   get("subjects"),
			CourseName: get("course_name"),
			Duration:   get("duration"),
		})
	}
	return rows, nil
}

func columnIndex(header []string) map[string]int {
	index := make(map[string]int, len(orderColumns))
	if needsRepair(header) {
		for i, col := range orderColumns {
			index[col] = i
		}
		return index
	}
	for i, h := range header {
		name := strings.ToLower(strings.TrimSpace(h))
		if _, dup := index[name]; !dup {
			index[name] = i
		}
	}
	return index
}

func needsRepair(header []string) bool {
	for _, h := range header {
		h = strings.TrimSpace(h)
		if h == "" || strings.HasPrefix(h, "Unnamed") {
			return true
		}
		if _, err := strconv.ParseFloat(h, 64); err == nil {
			return true
		}
	}
	return false
}

func blank(record []string) bool {
	for _, v := range record {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
