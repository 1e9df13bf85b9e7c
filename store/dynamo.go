package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// DynamoIdempotencyStore keeps start-request keys in a DynamoDB table,
// leaning on the table's native TTL attribute for expiry. Lookup still
// checks expires_at because DynamoDB deletes expired items lazily.
type DynamoIdempotencyStore struct {
	client *dynamodb.Client
	table  string
}

type dynamoIdempotencyItem struct {
	KeyHash     string `dynamodbav:"key_hash"`
	ExecutionID string `dynamodbav:"execution_id"`
	ExpiresAt   int64  `dynamodbav:"expires_at"`
	CreatedAt   int64  `dynamodbav:"created_at"`
}

// NewDynamoIdempotencyStore loads the default AWS config and targets
// the given table. The table's partition key must be key_hash (string)
// and its TTL attribute expires_at.
func NewDynamoIdempotencyStore(ctx context.Context, table string) (*DynamoIdempotencyStore, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return &DynamoIdempotencyStore{
		client: dynamodb.NewFromConfig(cfg),
		table:  table,
	}, nil
}

// NewDynamoIdempotencyStoreWithClient wires an existing client, mainly
// for tests.
func NewDynamoIdempotencyStoreWithClient(client *dynamodb.Client, table string) *DynamoIdempotencyStore {
	return &DynamoIdempotencyStore{client: client, table: table}
}

func (s *DynamoIdempotencyStore) Lookup(ctx context.Context, keyHash string, now time.Time) (string, bool, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.table),
		Key: map[string]types.AttributeValue{
			"key_hash": &types.AttributeValueMemberS{Value: keyHash},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return "", false, fmt.Errorf("failed to look up idempotency key: %w", err)
	}
	if out.Item == nil {
		return "", false, nil
	}

	var item dynamoIdempotencyItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return "", false, fmt.Errorf("failed to unmarshal idempotency item: %w", err)
	}
	if item.ExpiresAt <= now.Unix() {
		return "", false, nil
	}
	return item.ExecutionID, true, nil
}

func (s *DynamoIdempotencyStore) Record(ctx context.Context, keyHash, executionID string, now, expiresAt time.Time) error {
	item, err := attributevalue.MarshalMap(dynamoIdempotencyItem{
		KeyHash:     keyHash,
		ExecutionID: executionID,
		ExpiresAt:   expiresAt.Unix(),
		CreatedAt:   now.Unix(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal idempotency item: %w", err)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.table),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(key_hash) OR expires_at <= :now"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now": &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", now.Unix())},
		},
	})
	if err != nil {
		var conditionFailed *types.ConditionalCheckFailedException
		if errors.As(err, &conditionFailed) {
			// a live record already maps this key; keep it
			return nil
		}
		return fmt.Errorf("failed to record idempotency key: %w", err)
	}
	return nil
}

// PurgeExpired is a no-op: the table's TTL attribute handles expiry.
func (s *DynamoIdempotencyStore) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	return 0, nil
}

var _ IdempotencyStore = (*DynamoIdempotencyStore)(nil)
var _ IdempotencyStore = (*PostgresIdempotencyStore)(nil)
var _ IdempotencyStore = (*SQLiteIdempotencyStore)(nil)
var _ IdempotencyStore = (*MemoryIdempotencyStore)(nil)
var _ ExecutionStore = (*PostgresStore)(nil)
var _ ExecutionStore = (*SQLiteStore)(nil)
var _ ExecutionStore = (*MemoryStore)(nil)
