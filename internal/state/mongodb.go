package state

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cyderes/ingest-pipeline/internal/config"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoStore keeps the checkpoint as one document keyed by name.
type MongoStore struct {
	client *mongo.Client
	coll   *mongo.Collection
}

type mongoDoc struct {
	ID        string    `bson:"_id"`
	Document  document  `bson:"document"`
	UpdatedAt time.Time `bson:"updated_at"`
}

func NewMongoStore(ctx context.Context, cfg config.StateConfig) (*MongoStore, error) {
	if cfg.MongoDBURI == "" {
		return nil, errors.New("MONGODB_URI is required for the mongodb state backend")
	}
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoDBURI))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}
	return &MongoStore{
		client: client,
		coll:   client.Database(cfg.MongoDB).Collection(cfg.TableName),
	}, nil
}

func (m *MongoStore) Load(ctx context.Context) *Checkpoint {
	var doc mongoDoc
	err := m.coll.FindOne(ctx, bson.M{"_id": checkpointName}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return NewCheckpoint()
	}
	if err != nil {
		slog.WarnContext(ctx, "failed to load checkpoint, starting fresh", "error", err)
		return NewCheckpoint()
	}
	cp, err := fromDocument(doc.Document)
	if err != nil {
		slog.WarnContext(ctx, "corrupt checkpoint, starting fresh", "error", err)
		return NewCheckpoint()
	}
	return cp
}

func (m *MongoStore) Save(ctx context.Context, cp *Checkpoint) error {
	doc := mongoDoc{
		ID:        checkpointName,
		Document:  cp.toDocument(),
		UpdatedAt: time.Now().UTC(),
	}
	_, err := m.coll.ReplaceOne(ctx, bson.M{"_id": checkpointName}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to store checkpoint: %w", err)
	}
	return nil
}

func (m *MongoStore) Close() error {
	if m.client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.client.Disconnect(ctx)
}
