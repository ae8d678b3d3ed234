package logger

import "context"

type contextKey string

const logFieldsKey contextKey = "log_fields"

// LogFields are added to every log record emitted with a context carrying them.
type LogFields struct {
	RunID     *int64  // Pipeline run id
	Job       *string // "catalog" or "accounts"
	SourceID  *string // Upstream entity the record concerns
	Chunk     *int    // Writer chunk index
	Component string  // e.g. "ingest.fetcher"
}

// WithLogFields enriches context with structured log fields.
// Newer non-nil/non-empty values take precedence.
func WithLogFields(ctx context.Context, fields LogFields) context.Context {
	existing := GetLogFields(ctx)
	merged := mergeFields(existing, fields)
	return context.WithValue(ctx, logFieldsKey, merged)
}

// GetLogFields returns the fields stored in ctx, or empty LogFields.
func GetLogFields(ctx context.Context) LogFields {
	if fields, ok := ctx.Value(logFieldsKey).(LogFields); ok {
		return fields
	}
	return LogFields{}
}

func mergeFields(existing, new LogFields) LogFields {
	result := existing

	if new.RunID != nil {
		result.RunID = new.RunID
	}
	if new.Job != nil {
		result.Job = new.Job
	}
	if new.SourceID != nil {
		result.SourceID = new.SourceID
	}
	if new.Chunk != nil {
		result.Chunk = new.Chunk
	}
	if new.Component != "" {
		result.Component = new.Component
	}

	return result
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}

// Truncate shortens s to maxLen characters, appending "..." if cut.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
