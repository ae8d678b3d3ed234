package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cyderes/ingest-pipeline/internal/config"
	"github.com/redis/go-redis/v9"
)

// approximate stream cap; consumers are expected to keep up
const defaultMaxLen = 100_000

// RedisEmitter appends records to a Redis stream with XADD.
type RedisEmitter struct {
	client redis.Cmdable
	close  func() error
	stream string
	maxLen int64
}

// NewRedisEmitter connects to the configured Redis URL.
func NewRedisEmitter(ctx context.Context, cfg config.EventsConfig) (*RedisEmitter, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}
	return &RedisEmitter{
		client: client,
		close:  client.Close,
		stream: cfg.Stream,
		maxLen: defaultMaxLen,
	}, nil
}

func (e *RedisEmitter) Emit(ctx context.Context, key string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", key, err)
	}

	if err := e.client.XAdd(ctx, &redis.XAddArgs{
		Stream: e.stream,
		MaxLen: e.maxLen,
		Approx: true,
		Values: map[string]any{
			"key":        key,
			"payload":    string(data),
			"emitted_at": time.Now().UTC().Format(time.RFC3339),
		},
	}).Err(); err != nil {
		return fmt.Errorf("enqueue event %s: %w", key, err)
	}
	return nil
}

func (e *RedisEmitter) Close() error {
	if e.close == nil {
		return nil
	}
	return e.close()
}

// New returns a Redis emitter when a URL is configured, Nop otherwise.
func New(ctx context.Context, cfg config.EventsConfig) (Emitter, error) {
	if !cfg.Enabled() {
		return Nop{}, nil
	}
	return NewRedisEmitter(ctx, cfg)
}
