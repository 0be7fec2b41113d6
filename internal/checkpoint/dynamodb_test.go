package checkpoint

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bull/shardsearch/internal/apperr"
)

// fakeDDB keeps items in memory and evaluates the ledger's condition
// expression the way DynamoDB would.
type fakeDDB struct {
	mu      sync.Mutex
	items   map[string]map[string]types.AttributeValue
	lastPut *dynamodb.PutItemInput
	getErr  error
}

func newFakeDDB() *fakeDDB {
	return &fakeDDB{items: make(map[string]map[string]types.AttributeValue)}
}

func fakeKey(item map[string]types.AttributeValue) string {
	pk := item["partition_key"].(*types.AttributeValueMemberS).Value
	sk := item["sort_key"].(*types.AttributeValueMemberS).Value
	return pk + "|" + sk
}

func fakeNumber(av types.AttributeValue) int64 {
	n, _ := strconv.ParseInt(av.(*types.AttributeValueMemberN).Value, 10, 64)
	return n
}

func (f *fakeDDB) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return &dynamodb.GetItemOutput{Item: f.items[fakeKey(in.Key)]}, nil
}

func (f *fakeDDB) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastPut = in

	key := fakeKey(in.Item)
	if existing, ok := f.items[key]; ok {
		off := fakeNumber(in.ExpressionAttributeValues[":off"])
		lm := fakeNumber(in.ExpressionAttributeValues[":lm"])
		if fakeNumber(existing["offset"]) > off || fakeNumber(existing["last_modified"]) > lm {
			return nil, &types.ConditionalCheckFailedException{Message: aws.String("The conditional request failed")}
		}
	}
	f.items[key] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func TestDynamoLedger(t *testing.T) {
	ledgerContract(t, func(t *testing.T) Ledger { return NewDynamoLedger(newFakeDDB(), "checkpoints") })
}

func TestDynamoLedger_CommitRequest(t *testing.T) {
	fake := newFakeDDB()
	l := NewDynamoLedger(fake, "checkpoints")

	require.NoError(t, l.Commit(context.Background(), testPartition, testSortKey, Record{Offset: 300, LastModified: baseTime}))

	require.NotNil(t, fake.lastPut)
	assert.Equal(t, "checkpoints", aws.ToString(fake.lastPut.TableName))
	assert.Equal(t, dynamoCondition, aws.ToString(fake.lastPut.ConditionExpression))
	assert.Equal(t, "offset", fake.lastPut.ExpressionAttributeNames["#off"])
	assert.Equal(t, "300", fake.lastPut.Item["offset"].(*types.AttributeValueMemberN).Value)
}

func TestDynamoLedger_GetErrorIsTransient(t *testing.T) {
	fake := newFakeDDB()
	fake.getErr = errors.New("connection reset")
	l := NewDynamoLedger(fake, "checkpoints")

	_, err := l.Get(context.Background(), testPartition, testSortKey)
	require.ErrorIs(t, err, apperr.ErrTransientIO)
	assert.True(t, apperr.IsRetryable(err))
}

func TestDynamoLedger_MalformedItemIsCorruption(t *testing.T) {
	fake := newFakeDDB()
	fake.items[testPartition+"|"+testSortKey] = map[string]types.AttributeValue{
		"partition_key": &types.AttributeValueMemberS{Value: testPartition},
		"sort_key":      &types.AttributeValueMemberS{Value: testSortKey},
		"offset":        &types.AttributeValueMemberS{Value: "not a number"},
	}
	l := NewDynamoLedger(fake, "checkpoints")

	_, err := l.Get(context.Background(), testPartition, testSortKey)
	require.ErrorIs(t, err, apperr.ErrCorruption)
}
