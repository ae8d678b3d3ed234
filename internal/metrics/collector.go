package metrics

import (
	"sync/atomic"
	"time"
)

// Collector gathers pipeline counters with atomic updates so fetch
// goroutines and chunk workers can record without locking.
type Collector struct {
	fetched      atomic.Int64
	skipped      atomic.Int64
	fetchFailed  atomic.Int64
	written      atomic.Int64
	rowsFailed   atomic.Int64
	chunks       atomic.Int64
	retries      atomic.Int64
	eventsFailed atomic.Int64

	startTime time.Time
}

func NewCollector() *Collector {
	return &Collector{startTime: time.Now()}
}

func (c *Collector) RecordFetched(n int64)     { c.fetched.Add(n) }
func (c *Collector) RecordSkipped(n int64)     { c.skipped.Add(n) }
func (c *Collector) RecordFetchFailed(n int64) { c.fetchFailed.Add(n) }
func (c *Collector) RecordWritten(n int64)     { c.written.Add(n) }
func (c *Collector) RecordRowsFailed(n int64)  { c.rowsFailed.Add(n) }
func (c *Collector) ChunkProcessed()           { c.chunks.Add(1) }
func (c *Collector) RetryScheduled()           { c.retries.Add(1) }
func (c *Collector) EventFailed()              { c.eventsFailed.Add(1) }

// Snapshot is a point-in-time view of the counters.
type Snapshot struct {
	Fetched      int64   `json:"fetched"`
	Skipped      int64   `json:"skipped"`
	FetchFailed  int64   `json:"fetch_failed"`
	Written      int64   `json:"written"`
	RowsFailed   int64   `json:"rows_failed"`
	Chunks       int64   `json:"chunks"`
	Retries      int64   `json:"retries"`
	EventsFailed int64   `json:"events_failed"`
	Uptime       string  `json:"uptime"`
	Throughput   float64 `json:"records_per_second"`
}

func (c *Collector) Snapshot() Snapshot {
	elapsed := time.Since(c.startTime)
	written := c.written.Load()

	var throughput float64
	if elapsed.Seconds() > 0 {
		throughput = float64(written) / elapsed.Seconds()
	}

	return Snapshot{
		Fetched:      c.fetched.Load(),
		Skipped:      c.skipped.Load(),
		FetchFailed:  c.fetchFailed.Load(),
		Written:      written,
		RowsFailed:   c.rowsFailed.Load(),
		Chunks:       c.chunks.Load(),
		Retries:      c.retries.Load(),
		EventsFailed: c.eventsFailed.Load(),
		Uptime:       elapsed.Round(time.Second).String(),
		Throughput:   throughput,
	}
}
