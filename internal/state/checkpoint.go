package state

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// RunSummary describes the last completed run.
type RunSummary struct {
	RunID     string    `json:"runId" bson:"runId"`
	Timestamp time.Time `json:"timestamp" bson:"timestamp"`
	Accounts  int       `json:"accounts" bson:"accounts"`
	Videos    int       `json:"videos" bson:"videos"`
	Orders    int       `json:"orders" bson:"orders"`
}

// Checkpoint records which records were loaded and when each source was
// last fetched. It is safe for concurrent use.
type Checkpoint struct {
	mu         sync.RWMutex
	processed  map[string]struct{}
	lastUpdate map[string]time.Time
	lastRun    *RunSummary
}

func NewCheckpoint() *Checkpoint {
	return &Checkpoint{
		processed:  make(map[string]struct{}),
		lastUpdate: make(map[string]time.Time),
	}
}

func (c *Checkpoint) IsProcessed(id string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.processed[id]
	return ok
}

func (c *Checkpoint) MarkProcessed(ids ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range ids {
		c.processed[id] = struct{}{}
	}
}

func (c *Checkpoint) ProcessedCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.processed)
}

// LastUpdated returns when source id was last fetched successfully.
func (c *Checkpoint) LastUpdated(id string) (time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.lastUpdate[id]
	return t, ok
}

func (c *Checkpoint) SetLastUpdated(id string, t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastUpdate[id] = t.UTC()
}

// Sources returns a copy of the per-source timestamps.
func (c *Checkpoint) Sources() map[string]time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]time.Time, len(c.lastUpdate))
	for k, v := range c.lastUpdate {
		out[k] = v
	}
	return out
}

func (c *Checkpoint) SetLastRun(s RunSummary) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastRun = &s
}

func (c *Checkpoint) LastRun() (RunSummary, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.lastRun == nil {
		return RunSummary{}, false
	}
	return *c.lastRun, true
}

// document is the persisted form shared by every backend.
type document struct {
	ProcessedIDs        []string          `json:"processedIds" bson:"processedIds"`
	PerSourceLastUpdate map[string]string `json:"perSourceLastUpdate" bson:"perSourceLastUpdate"`
	LastRun             *RunSummary       `json:"lastRun,omitempty" bson:"lastRun,omitempty"`
}

func (c *Checkpoint) toDocument() document {
	c.mu.RLock()
	defer c.mu.RUnlock()

	doc := document{
		ProcessedIDs:        make([]string, 0, len(c.processed)),
		PerSourceLastUpdate: make(map[string]string, len(c.lastUpdate)),
	}
	for id := range c.processed {
		doc.ProcessedIDs = append(doc.ProcessedIDs, id)
	}
	sort.Strings(doc.ProcessedIDs)
	for id, t := range c.lastUpdate {
		doc.PerSourceLastUpdate[id] = t.UTC().Format(time.RFC3339Nano)
	}
	if c.lastRun != nil {
		run := *c.lastRun
		doc.LastRun = &run
	}
	return doc
}

func fromDocument(doc document) (*Checkpoint, error) {
	c := NewCheckpoint()
	for _, id := range doc.ProcessedIDs {
		c.processed[id] = struct{}{}
	}
	for id, raw := range doc.PerSourceLastUpdate {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return nil, fmt.Errorf("invalid timestamp for %s: %w", id, err)
		}
		c.lastUpdate[id] = t.UTC()
	}
	c.lastRun = doc.LastRun
	return c, nil
}

func (c *Checkpoint) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.toDocument())
}

// Decode parses a checkpoint document.
func Decode(data []byte) (*Checkpoint, error) {
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}
	return fromDocument(doc)
}
