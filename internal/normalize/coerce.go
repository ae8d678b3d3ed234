package normalize

import (
	"math"
	"strconv"
	"strings"
	"time"
)

var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02",
	"02.01.2006 15:04:05",
	"02.01.2006",
	"2006/01/02",
	"01/02/2006",
}

// maxAmount bounds amounts to what orders.amount NUMERIC(18, 2) can hold.
const maxAmount = 1e15

// ParseAmount reads amounts written with space thousands separators and a
// decimal comma ("1 200,50"). Anything unparseable, non-finite or out of
// range is 0.
func ParseAmount(raw string) float64 {
	s := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\u00a0', '\u202f', '\t':
			return -1
		case ',':
			return '.'
		}
		return r
	}, raw)
	if s == "" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) || math.Abs(v) >= maxAmount {
		return 0
	}
	return v
}

// ParseDate tries the known sheet layouts and falls back to now for empty or
// unparseable input.
func ParseDate(raw string, now time.Time) time.Time {
	s := strings.TrimSpace(raw)
	if s == "" {
		return now
	}
	for _, layout := range dateLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t
		}
	}
	return now
}
