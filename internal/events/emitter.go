package events

import (
	"context"
	"log/slog"
)

// Emitter publishes one message per loaded record, keyed by its natural id.
type Emitter interface {
	Emit(ctx context.Context, key string, payload any) error
	Close() error
}

// Nop discards every message.
type Nop struct{}

func (Nop) Emit(context.Context, string, any) error { return nil }
func (Nop) Close() error                            { return nil }

// Record pairs a record key with its payload.
type Record struct {
	Key     string
	Payload any
}

// EmitAll emits each record and logs failures without stopping. It returns
// the number of records that could not be emitted.
func EmitAll(ctx context.Context, e Emitter, records []Record) int {
	failed := 0
	for _, r := range records {
		if err := e.Emit(ctx, r.Key, r.Payload); err != nil {
			slog.WarnContext(ctx, "failed to emit record event", "key", r.Key, "error", err)
			failed++
		}
	}
	return failed
}
