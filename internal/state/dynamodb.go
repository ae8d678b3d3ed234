package state

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbattribute"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"
	"github.com/cyderes/ingest-pipeline/internal/config"
)

// maxItemBytes is the DynamoDB item size limit.
const maxItemBytes = 400 * 1024

// ErrCheckpointTooLarge is returned when the checkpoint no longer fits in one item.
var ErrCheckpointTooLarge = errors.New("checkpoint exceeds the dynamodb item size limit")

// DynamoDBStore keeps the checkpoint as a single item in a DynamoDB table
type DynamoDBStore struct {
	client    dynamodbiface.DynamoDBAPI
	tableName string
}

type dynamoItem struct {
	ID        string   `json:"id"`
	Document  document `json:"document"`
	UpdatedAt string   `json:"updated_at"`
}

// NewDynamoDBStore creates a new DynamoDB checkpoint store
func NewDynamoDBStore(cfg config.StateConfig) (*DynamoDBStore, error) {
	awsConfig := &aws.Config{
		Region: aws.String(cfg.Region),
	}

	// For local testing with DynamoDB Local
	if cfg.Endpoint != "" {
		awsConfig.Endpoint = aws.String(cfg.Endpoint)
	}

	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	store := &DynamoDBStore{
		client:    dynamodb.New(sess),
		tableName: cfg.TableName,
	}

	if err := store.ensureTable(); err != nil {
		return nil, fmt.Errorf("failed to ensure table exists: %w", err)
	}

	return store, nil
}

// ensureTable creates the DynamoDB table if it doesn't exist
func (d *DynamoDBStore) ensureTable() error {
	_, err := d.client.DescribeTable(&dynamodb.DescribeTableInput{
		TableName: aws.String(d.tableName),
	})
	if err == nil {
		return nil
	}

	input := &dynamodb.CreateTableInput{
		TableName: aws.String(d.tableName),
		KeySchema: []*dynamodb.KeySchemaElement{
			{
				AttributeName: aws.String("id"),
				KeyType:       aws.String("HASH"),
			},
		},
		AttributeDefinitions: []*dynamodb.AttributeDefinition{
			{
				AttributeName: aws.String("id"),
				AttributeType: aws.String("S"),
			},
		},
		BillingMode: aws.String("PAY_PER_REQUEST"),
	}

	if _, err := d.client.CreateTable(input); err != nil {
		return fmt.Errorf("failed to create table: %w", err)
	}

	return d.client.WaitUntilTableExists(&dynamodb.DescribeTableInput{
		TableName: aws.String(d.tableName),
	})
}

// Load retrieves the checkpoint item
func (d *DynamoDBStore) Load(ctx context.Context) *Checkpoint {
	result, err := d.client.GetItemWithContext(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(d.tableName),
		Key: map[string]*dynamodb.AttributeValue{
			"id": {S: aws.String(checkpointName)},
		},
	})
	if err != nil {
		slog.WarnContext(ctx, "failed to get checkpoint, starting fresh", "table", d.tableName, "error", err)
		return NewCheckpoint()
	}
	if result.Item == nil {
		return NewCheckpoint()
	}

	var item dynamoItem
	if err := dynamodbattribute.UnmarshalMap(result.Item, &item); err != nil {
		slog.WarnContext(ctx, "failed to unmarshal checkpoint, starting fresh", "error", err)
		return NewCheckpoint()
	}
	cp, err := fromDocument(item.Document)
	if err != nil {
		slog.WarnContext(ctx, "corrupt checkpoint, starting fresh", "error", err)
		return NewCheckpoint()
	}
	return cp
}

// Save overwrites the checkpoint item
func (d *DynamoDBStore) Save(ctx context.Context, cp *Checkpoint) error {
	item, err := dynamodbattribute.MarshalMap(dynamoItem{
		ID:        checkpointName,
		Document:  cp.toDocument(),
		UpdatedAt: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	if size := itemSize(item); size > maxItemBytes {
		return fmt.Errorf("%w: %d bytes, %d processed ids", ErrCheckpointTooLarge, size, cp.ProcessedCount())
	}

	_, err = d.client.PutItemWithContext(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(d.tableName),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("failed to store checkpoint: %w", err)
	}
	return nil
}

// itemSize follows the DynamoDB item size rules: attribute names plus values,
// with a byte of overhead per list or map element and three per container.
func itemSize(item map[string]*dynamodb.AttributeValue) int {
	n := 0
	for name, av := range item {
		n += len(name) + attributeSize(av)
	}
	return n
}

func attributeSize(av *dynamodb.AttributeValue) int {
	switch {
	case av == nil:
		return 0
	case av.S != nil:
		return len(*av.S)
	case av.N != nil:
		return len(*av.N)/2 + 1
	case av.B != nil:
		return len(av.B)
	case av.BOOL != nil, av.NULL != nil:
		return 1
	case av.L != nil:
		n := 3
		for _, v := range av.L {
			n += 1 + attributeSize(v)
		}
		return n
	case av.M != nil:
		n := 3
		for name, v := range av.M {
			n += 1 + len(name) + attributeSize(v)
		}
		return n
	case av.SS != nil:
		n := 0
		for _, v := range av.SS {
			n += len(*v)
		}
		return n
	}
	return 0
}

// Close is a no-op; the DynamoDB client holds no connection.
func (d *DynamoDBStore) Close() error {
	return nil
}
