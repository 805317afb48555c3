package aws

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/agatticelli/dex-route-cache/internal/platform/cache"
)

// fakeDynamo records inputs and replays canned outputs
type fakeDynamo struct {
	queryInputs []*dynamodb.QueryInput
	queryPages  []*dynamodb.QueryOutput
	queryErr    error

	putInputs []*dynamodb.PutItemInput
	putErr    error

	getOutput *dynamodb.GetItemOutput
	deleted   []string
}

func (f *fakeDynamo) Query(ctx context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	copied := *in
	f.queryInputs = append(f.queryInputs, &copied)
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	page := f.queryPages[0]
	f.queryPages = f.queryPages[1:]
	return page, nil
}

func (f *fakeDynamo) GetItem(ctx context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	if f.getOutput == nil {
		return &dynamodb.GetItemOutput{}, nil
	}
	return f.getOutput, nil
}

func (f *fakeDynamo) PutItem(ctx context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.putInputs = append(f.putInputs, in)
	if f.putErr != nil {
		return nil, f.putErr
	}
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.deleted = append(f.deleted, in.Key["pk"].(*types.AttributeValueMemberS).Value)
	return &dynamodb.DeleteItemOutput{}, nil
}

func mustMarshal(t *testing.T, v interface{}) map[string]types.AttributeValue {
	t.Helper()
	item, err := attributevalue.MarshalMap(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return item
}

var fixedNow = time.Unix(1_700_000_000, 0)

func TestDynamoSortedStore_QueryPagesNewestFirst(t *testing.T) {
	fake := &fakeDynamo{
		queryPages: []*dynamodb.QueryOutput{
			{
				Items: []map[string]types.AttributeValue{
					mustMarshal(t, sortedRecord{PK: "pk", SK: "v3/1/105", Value: []byte("a")}),
				},
				LastEvaluatedKey: map[string]types.AttributeValue{"pk": &types.AttributeValueMemberS{Value: "pk"}},
			},
			{
				Items: []map[string]types.AttributeValue{
					mustMarshal(t, sortedRecord{PK: "pk", SK: "v3/1/104", Value: []byte("b"), TTL: fixedNow.Unix() + 10}),
					mustMarshal(t, sortedRecord{PK: "pk", SK: "v3/1/103", Value: []byte("c")}),
				},
				LastEvaluatedKey: map[string]types.AttributeValue{"pk": &types.AttributeValueMemberS{Value: "pk"}},
			},
		},
	}

	store := NewDynamoSortedStore(fake, "CachedRoutes")
	store.now = func() time.Time { return fixedNow }

	items, err := store.Query(context.Background(), "pk", "v3/1/", 2)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}

	if len(items) != 2 || items[0].SortKey != "v3/1/105" || items[1].SortKey != "v3/1/104" {
		t.Fatalf("unexpected items: %+v", items)
	}
	if !items[1].ExpiresAt.Equal(fixedNow.Add(10 * time.Second)) {
		t.Errorf("ExpiresAt = %v", items[1].ExpiresAt)
	}

	if len(fake.queryInputs) != 2 {
		t.Fatalf("expected 2 pages, got %d", len(fake.queryInputs))
	}
	first := fake.queryInputs[0]
	if aws.ToBool(first.ScanIndexForward) {
		t.Error("expected descending scan")
	}
	if aws.ToString(first.KeyConditionExpression) != "#pk = :pk AND begins_with(#sk, :prefix)" {
		t.Errorf("key condition = %s", aws.ToString(first.KeyConditionExpression))
	}
	if fake.queryInputs[1].ExclusiveStartKey == nil {
		t.Error("second page should continue from LastEvaluatedKey")
	}
}

func TestDynamoSortedStore_QueryUnavailable(t *testing.T) {
	store := NewDynamoSortedStore(&fakeDynamo{queryErr: errors.New("throttled")}, "CachedRoutes")

	_, err := store.Query(context.Background(), "pk", "", 4)
	if !errors.Is(err, cache.ErrUnavailable) {
		t.Errorf("expected ErrUnavailable, got %v", err)
	}
}

func TestDynamoSortedStore_PutIfAbsent(t *testing.T) {
	tests := []struct {
		name    string
		putErr  error
		wantOK  bool
		wantErr error
	}{
		{name: "written", wantOK: true},
		{name: "flag held", putErr: &types.ConditionalCheckFailedException{Message: aws.String("exists")}, wantOK: false},
		{name: "unavailable", putErr: errors.New("timeout"), wantErr: cache.ErrUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := &fakeDynamo{putErr: tt.putErr}
			store := NewDynamoSortedStore(fake, "CachedRoutesCacheRequestFlag")
			store.now = func() time.Time { return fixedNow }

			ok, err := store.PutIfAbsent(context.Background(), "pk", "sk", []byte("flag"), 30*time.Second)
			if ok != tt.wantOK || !errors.Is(err, tt.wantErr) {
				t.Fatalf("PutIfAbsent = %v, %v; want %v, %v", ok, err, tt.wantOK, tt.wantErr)
			}

			in := fake.putInputs[0]
			if aws.ToString(in.ConditionExpression) != "attribute_not_exists(#pk) OR #ttl < :now" {
				t.Errorf("condition = %s", aws.ToString(in.ConditionExpression))
			}

			var record sortedRecord
			if err := attributevalue.UnmarshalMap(in.Item, &record); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if record.TTL != fixedNow.Unix()+30 {
				t.Errorf("ttl = %d, want %d", record.TTL, fixedNow.Unix()+30)
			}
		})
	}
}

func TestDynamoCache_GetSetDelete(t *testing.T) {
	ctx := context.Background()
	fake := &fakeDynamo{}
	c := NewDynamoCache(fake, "PoolCache")
	c.now = func() time.Time { return fixedNow }

	if _, err := c.Get(ctx, "pools/a/b/500"); !errors.Is(err, cache.ErrNotFound) {
		t.Errorf("expected ErrNotFound on empty item, got %v", err)
	}

	if err := c.Set(ctx, "pools/a/b/500", []byte("pool"), 0); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	var written flatRecord
	_ = attributevalue.UnmarshalMap(fake.putInputs[0].Item, &written)
	if written.TTL != 0 {
		t.Errorf("expected no ttl for zero duration, got %d", written.TTL)
	}

	fake.getOutput = &dynamodb.GetItemOutput{Item: fake.putInputs[0].Item}
	val, err := c.Get(ctx, "pools/a/b/500")
	if err != nil || string(val) != "pool" {
		t.Errorf("Get = %q, %v", val, err)
	}

	fake.getOutput = &dynamodb.GetItemOutput{Item: mustMarshal(t, flatRecord{PK: "k", Value: []byte("old"), TTL: fixedNow.Unix()})}
	if _, err := c.Get(ctx, "k"); !errors.Is(err, cache.ErrNotFound) {
		t.Errorf("expected expired item to read as missing, got %v", err)
	}

	if err := c.Delete(ctx, "k"); err != nil || len(fake.deleted) != 1 {
		t.Errorf("Delete = %v, deleted %v", err, fake.deleted)
	}
}
