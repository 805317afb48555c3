package aws

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/agatticelli/dex-route-cache/internal/platform/cache"
)

// DynamoDBAPI is the subset of the DynamoDB client used by the stores
type DynamoDBAPI interface {
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// NewDynamoDBClient creates a DynamoDB client from an SDK config
func NewDynamoDBClient(cfg aws.Config) *dynamodb.Client {
	return dynamodb.NewFromConfig(cfg)
}

// sortedRecord is the item layout of the routes and fill-flag tables:
// partition key pk, sort key sk, and a ttl attribute in epoch seconds that
// DynamoDB TTL is enabled on.
type sortedRecord struct {
	PK    string `dynamodbav:"pk"`
	SK    string `dynamodbav:"sk"`
	Value []byte `dynamodbav:"value"`
	TTL   int64  `dynamodbav:"ttl,omitempty"`
}

// DynamoSortedStore implements cache.SortedStore on a table keyed (pk, sk).
// DynamoDB removes expired items lazily, so reads filter on ttl too.
type DynamoSortedStore struct {
	api   DynamoDBAPI
	table string
	now   func() time.Time
}

// NewDynamoSortedStore creates a store over table
func NewDynamoSortedStore(api DynamoDBAPI, table string) *DynamoSortedStore {
	return &DynamoSortedStore{api: api, table: table, now: time.Now}
}

func ttlEpoch(now time.Time, ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return now.Add(ttl).Unix()
}

func epochString(t time.Time) string {
	return strconv.FormatInt(t.Unix(), 10)
}

// Query pages through the partition newest first until limit live items
// are collected.
func (s *DynamoSortedStore) Query(ctx context.Context, partitionKey, sortKeyPrefix string, limit int) ([]cache.SortedItem, error) {
	keyCond := "#pk = :pk"
	names := map[string]string{"#pk": "pk", "#ttl": "ttl"}
	values := map[string]types.AttributeValue{
		":pk":  &types.AttributeValueMemberS{Value: partitionKey},
		":now": &types.AttributeValueMemberN{Value: epochString(s.now())},
	}
	if sortKeyPrefix != "" {
		keyCond += " AND begins_with(#sk, :prefix)"
		names["#sk"] = "sk"
		values[":prefix"] = &types.AttributeValueMemberS{Value: sortKeyPrefix}
	}

	input := &dynamodb.QueryInput{
		TableName:                 aws.String(s.table),
		KeyConditionExpression:    aws.String(keyCond),
		FilterExpression:          aws.String("attribute_not_exists(#ttl) OR #ttl > :now"),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
		ScanIndexForward:          aws.Bool(false),
	}
	if limit > 0 {
		input.Limit = aws.Int32(int32(limit))
	}

	items := make([]cache.SortedItem, 0)
	for {
		out, err := s.api.Query(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("%w: dynamodb query %s: %v", cache.ErrUnavailable, s.table, err)
		}

		var records []sortedRecord
		if err := attributevalue.UnmarshalListOfMaps(out.Items, &records); err != nil {
			return nil, fmt.Errorf("failed to unmarshal items: %w", err)
		}

		for _, r := range records {
			items = append(items, r.toItem())
			if limit > 0 && len(items) == limit {
				return items, nil
			}
		}

		if len(out.LastEvaluatedKey) == 0 {
			return items, nil
		}
		input.ExclusiveStartKey = out.LastEvaluatedKey
	}
}

func (r sortedRecord) toItem() cache.SortedItem {
	item := cache.SortedItem{
		PartitionKey: r.PK,
		SortKey:      r.SK,
		Value:        r.Value,
	}
	if r.TTL > 0 {
		item.ExpiresAt = time.Unix(r.TTL, 0)
	}
	return item
}

func (s *DynamoSortedStore) marshal(partitionKey, sortKey string, value []byte, ttl time.Duration) (map[string]types.AttributeValue, error) {
	item, err := attributevalue.MarshalMap(sortedRecord{
		PK:    partitionKey,
		SK:    sortKey,
		Value: value,
		TTL:   ttlEpoch(s.now(), ttl),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal record: %w", err)
	}
	return item, nil
}

// Put writes an item unconditionally
func (s *DynamoSortedStore) Put(ctx context.Context, partitionKey, sortKey string, value []byte, ttl time.Duration) error {
	item, err := s.marshal(partitionKey, sortKey, value, ttl)
	if err != nil {
		return err
	}

	_, err = s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("%w: dynamodb put %s: %v", cache.ErrUnavailable, s.table, err)
	}
	return nil
}

// PutIfAbsent writes the item when none exists or the existing one has expired
func (s *DynamoSortedStore) PutIfAbsent(ctx context.Context, partitionKey, sortKey string, value []byte, ttl time.Duration) (bool, error) {
	item, err := s.marshal(partitionKey, sortKey, value, ttl)
	if err != nil {
		return false, err
	}

	_, err = s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.table),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(#pk) OR #ttl < :now"),
		ExpressionAttributeNames: map[string]string{
			"#pk":  "pk",
			"#ttl": "ttl",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now": &types.AttributeValueMemberN{Value: epochString(s.now())},
		},
	})
	if err != nil {
		var conditionFailed *types.ConditionalCheckFailedException
		if errors.As(err, &conditionFailed) {
			return false, nil
		}
		return false, fmt.Errorf("%w: dynamodb conditional put %s: %v", cache.ErrUnavailable, s.table, err)
	}
	return true, nil
}

// flatRecord is the item layout of the pools table: partition key only
type flatRecord struct {
	PK    string `dynamodbav:"pk"`
	Value []byte `dynamodbav:"value"`
	TTL   int64  `dynamodbav:"ttl,omitempty"`
}

// DynamoCache implements cache.Cache on a table keyed by pk
type DynamoCache struct {
	api   DynamoDBAPI
	table string
	now   func() time.Time
}

// NewDynamoCache creates a flat cache over table
func NewDynamoCache(api DynamoDBAPI, table string) *DynamoCache {
	return &DynamoCache{api: api, table: table, now: time.Now}
}

func (c *DynamoCache) key(key string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"pk": &types.AttributeValueMemberS{Value: key},
	}
}

// Get retrieves a value; expired items read as missing
func (c *DynamoCache) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.table),
		Key:       c.key(key),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: dynamodb get %s: %v", cache.ErrUnavailable, c.table, err)
	}
	if len(out.Item) == 0 {
		return nil, cache.ErrNotFound
	}

	var record flatRecord
	if err := attributevalue.UnmarshalMap(out.Item, &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal item: %w", err)
	}
	if record.TTL > 0 && record.TTL <= c.now().Unix() {
		return nil, cache.ErrNotFound
	}

	return record.Value, nil
}

// Set stores a value with TTL
func (c *DynamoCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	item, err := attributevalue.MarshalMap(flatRecord{
		PK:    key,
		Value: value,
		TTL:   ttlEpoch(c.now(), ttl),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	_, err = c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.table),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("%w: dynamodb put %s: %v", cache.ErrUnavailable, c.table, err)
	}
	return nil
}

// Delete removes a key
func (c *DynamoCache) Delete(ctx context.Context, key string) error {
	_, err := c.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(c.table),
		Key:       c.key(key),
	})
	if err != nil {
		return fmt.Errorf("%w: dynamodb delete %s: %v", cache.ErrUnavailable, c.table, err)
	}
	return nil
}

// Close is a no-op; the SDK client holds no connections that need closing
func (c *DynamoCache) Close() error {
	return nil
}
