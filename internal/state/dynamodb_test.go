package state

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDynamo stores items by table and id in memory.
type fakeDynamo struct {
	dynamodbiface.DynamoDBAPI
	items  map[string]map[string]*dynamodb.AttributeValue
	getErr error
}

func (f *fakeDynamo) PutItemWithContext(_ aws.Context, in *dynamodb.PutItemInput, _ ...request.Option) (*dynamodb.PutItemOutput, error) {
	f.items[*in.TableName+"/"+*in.Item["id"].S] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) GetItemWithContext(_ aws.Context, in *dynamodb.GetItemInput, _ ...request.Option) (*dynamodb.GetItemOutput, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return &dynamodb.GetItemOutput{Item: f.items[*in.TableName+"/"+*in.Key["id"].S]}, nil
}

func TestDynamoDBStore_RoundTrip(t *testing.T) {
	fake := &fakeDynamo{items: map[string]map[string]*dynamodb.AttributeValue{}}
	store := &DynamoDBStore{client: fake, tableName: "pipeline_state"}
	cp := sampleCheckpoint()

	require.NoError(t, store.Save(context.Background(), cp))
	require.Contains(t, fake.items, "pipeline_state/pipeline")

	loaded := store.Load(context.Background())
	assertEquivalent(t, cp, loaded)
}

func TestDynamoDBStore_LoadFallsBackToEmpty(t *testing.T) {
	fake := &fakeDynamo{items: map[string]map[string]*dynamodb.AttributeValue{}}
	store := &DynamoDBStore{client: fake, tableName: "pipeline_state"}

	assert.Equal(t, 0, store.Load(context.Background()).ProcessedCount())

	fake.getErr = errors.New("ResourceNotFoundException")
	assert.Equal(t, 0, store.Load(context.Background()).ProcessedCount())
}

func TestDynamoDBStore_RejectsOversizedCheckpoint(t *testing.T) {
	fake := &fakeDynamo{items: map[string]map[string]*dynamodb.AttributeValue{}}
	store := &DynamoDBStore{client: fake, tableName: "pipeline_state"}

	cp := NewCheckpoint()
	for i := 0; i < 30000; i++ {
		cp.MarkProcessed(fmt.Sprintf("video-%011d", i))
	}

	err := store.Save(context.Background(), cp)
	require.ErrorIs(t, err, ErrCheckpointTooLarge)
	assert.Empty(t, fake.items, "nothing is written")
}

func TestDynamoDBStore_KeepsSubSecondTimestamps(t *testing.T) {
	fake := &fakeDynamo{items: map[string]map[string]*dynamodb.AttributeValue{}}
	store := &DynamoDBStore{client: fake, tableName: "pipeline_state"}
	ts := time.Date(2024, 6, 1, 10, 0, 0, 123456789, time.UTC)

	cp := NewCheckpoint()
	cp.SetLastUpdated("fizik_el", ts)
	require.NoError(t, store.Save(context.Background(), cp))

	got, ok := store.Load(context.Background()).Sources()["fizik_el"]
	require.True(t, ok)
	assert.True(t, ts.Equal(got))
}

func TestItemSize(t *testing.T) {
	item := map[string]*dynamodb.AttributeValue{
		"id": {S: aws.String("pipeline")},
		"ids": {L: []*dynamodb.AttributeValue{
			{S: aws.String("v-1")},
			{S: aws.String("v-2")},
		}},
	}
	// "id"+"pipeline" = 10, "ids" + 3 + 2*(1+3) = 14
	assert.Equal(t, 24, itemSize(item))
}
