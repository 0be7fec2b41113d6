package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/bull/shardsearch/internal/apperr"
)

// DDBClient is the subset of the DynamoDB API the ledger uses.
type DDBClient interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
}

const dynamoCondition = "attribute_not_exists(partition_key) OR (#off <= :off AND #lm <= :lm)"

// DynamoLedger stores checkpoints in a DynamoDB table keyed by
// partition_key (hash) and sort_key (range).
type DynamoLedger struct {
	client DDBClient
	table  string
	now    func() time.Time
}

// NewDynamoLedger creates a ledger over an existing table.
func NewDynamoLedger(client DDBClient, table string) *DynamoLedger {
	return &DynamoLedger{client: client, table: table, now: time.Now}
}

func (l *DynamoLedger) Get(ctx context.Context, partitionKey, sortKey string) (*Record, error) {
	out, err := l.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(l.table),
		Key:            dynamoKey(partitionKey, sortKey),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: get checkpoint: %v", apperr.ErrTransientIO, err)
	}
	if len(out.Item) == 0 {
		return nil, notFoundError(partitionKey, sortKey)
	}

	rec := Record{PartitionKey: partitionKey, SortKey: sortKey}
	if rec.Offset, err = numberAttr(out.Item, "offset"); err != nil {
		return nil, err
	}
	lm, err := numberAttr(out.Item, "last_modified")
	if err != nil {
		return nil, err
	}
	rec.LastModified = fromUnixNano(lm)
	if updated, err := numberAttr(out.Item, "updated_at"); err == nil {
		rec.UpdatedAt = fromUnixNano(updated)
	}
	if v, ok := out.Item["etag"].(*types.AttributeValueMemberS); ok {
		rec.ETag = v.Value
	}
	return &rec, nil
}

func (l *DynamoLedger) Commit(ctx context.Context, partitionKey, sortKey string, proposed Record) error {
	if err := validateKeys(partitionKey, sortKey); err != nil {
		return err
	}

	offset := strconv.FormatInt(proposed.Offset, 10)
	lastModified := strconv.FormatInt(toUnixNano(proposed.LastModified), 10)

	item := dynamoKey(partitionKey, sortKey)
	item["offset"] = &types.AttributeValueMemberN{Value: offset}
	item["last_modified"] = &types.AttributeValueMemberN{Value: lastModified}
	item["etag"] = &types.AttributeValueMemberS{Value: proposed.ETag}
	item["updated_at"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(l.now().UTC().UnixNano(), 10)}

	_, err := l.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(l.table),
		Item:                item,
		ConditionExpression: aws.String(dynamoCondition),
		ExpressionAttributeNames: map[string]string{
			"#off": "offset",
			"#lm":  "last_modified",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":off": &types.AttributeValueMemberN{Value: offset},
			":lm":  &types.AttributeValueMemberN{Value: lastModified},
		},
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return staleError(partitionKey, sortKey, proposed)
		}
		return fmt.Errorf("%w: commit checkpoint: %v", apperr.ErrTransientIO, err)
	}
	return nil
}

func dynamoKey(partitionKey, sortKey string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"partition_key": &types.AttributeValueMemberS{Value: partitionKey},
		"sort_key":      &types.AttributeValueMemberS{Value: sortKey},
	}
}

func numberAttr(item map[string]types.AttributeValue, name string) (int64, error) {
	v, ok := item[name].(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("%w: checkpoint attribute %q missing or not a number", apperr.ErrCorruption, name)
	}
	n, err := strconv.ParseInt(v.Value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: checkpoint attribute %q: %v", apperr.ErrCorruption, name, err)
	}
	return n, nil
}
