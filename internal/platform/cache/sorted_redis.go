package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisSortedStore implements SortedStore on Redis. Each partition keeps a
// sorted set of its sort keys (all scored 0, so ordering is lexicographic)
// and every item lives in its own string key carrying the TTL. Index members
// whose item has expired are pruned lazily on Query.
type RedisSortedStore struct {
	client redis.UniversalClient
	index  sortedIndexReader
	prefix string
}

// sortedIndexReader is the subset of the client Query uses
type sortedIndexReader interface {
	ZRevRangeByLex(ctx context.Context, key string, opt *redis.ZRangeBy) *redis.StringSliceCmd
	MGet(ctx context.Context, keys ...string) *redis.SliceCmd
	ZRem(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
}

// queryOverfetch is the extra index members read per page to absorb items
// that expired but are still indexed.
const queryOverfetch = 4

// NewRedisSortedStore creates a store whose keys live under prefix,
// e.g. "routes:" or "fill-flags:".
func NewRedisSortedStore(client redis.UniversalClient, prefix string) *RedisSortedStore {
	return &RedisSortedStore{client: client, index: client, prefix: prefix}
}

func (s *RedisSortedStore) indexKey(partitionKey string) string {
	return s.prefix + "idx:" + partitionKey
}

func (s *RedisSortedStore) itemKey(partitionKey, sortKey string) string {
	return s.prefix + "item:" + partitionKey + "|" + sortKey
}

// lexRange returns the ZRANGEBYLEX bounds covering every member starting
// with prefix.
func lexRange(prefix string) (min, max string) {
	if prefix == "" {
		return "-", "+"
	}
	return "[" + prefix, "[" + prefix + "\xff"
}

// Query returns live items newest first. With a limit it reads the index a
// page at a time and stops once limit live items are found.
func (s *RedisSortedStore) Query(ctx context.Context, partitionKey, sortKeyPrefix string, limit int) ([]SortedItem, error) {
	min, max := lexRange(sortKeyPrefix)
	indexKey := s.indexKey(partitionKey)

	var pageSize int64
	if limit > 0 {
		pageSize = int64(limit + queryOverfetch)
	}

	var items []SortedItem
	for offset := int64(0); ; offset += pageSize {
		sortKeys, err := s.index.ZRevRangeByLex(ctx, indexKey, &redis.ZRangeBy{
			Min:    min,
			Max:    max,
			Offset: offset,
			Count:  pageSize,
		}).Result()
		if err != nil {
			return nil, fmt.Errorf("%w: redis zrevrangebylex: %v", ErrUnavailable, err)
		}
		if len(sortKeys) == 0 {
			return items, nil
		}

		live, stale, err := s.load(ctx, partitionKey, sortKeys)
		if err != nil {
			return nil, err
		}
		if len(stale) > 0 {
			// best effort; a failed prune only costs a wider scan next time
			if pruned, err := s.index.ZRem(ctx, indexKey, stale...).Result(); err == nil {
				// pruned members shift the following pages up
				offset -= pruned
			}
		}

		for _, item := range live {
			items = append(items, item)
			if limit > 0 && len(items) == limit {
				return items, nil
			}
		}
		if pageSize == 0 || int64(len(sortKeys)) < pageSize {
			return items, nil
		}
	}
}

// load fetches the items behind sortKeys and reports the members whose
// item no longer exists.
func (s *RedisSortedStore) load(ctx context.Context, partitionKey string, sortKeys []string) ([]SortedItem, []interface{}, error) {
	keys := make([]string, len(sortKeys))
	for i, sk := range sortKeys {
		keys[i] = s.itemKey(partitionKey, sk)
	}

	values, err := s.index.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: redis mget: %v", ErrUnavailable, err)
	}

	items := make([]SortedItem, 0, len(values))
	var stale []interface{}
	for i, v := range values {
		str, ok := v.(string)
		if !ok {
			stale = append(stale, sortKeys[i])
			continue
		}
		items = append(items, SortedItem{
			PartitionKey: partitionKey,
			SortKey:      sortKeys[i],
			Value:        []byte(str),
		})
	}
	return items, stale, nil
}

// Put writes the item and indexes its sort key.
func (s *RedisSortedStore) Put(ctx context.Context, partitionKey, sortKey string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.itemKey(partitionKey, sortKey), value, ttl)
		pipe.ZAdd(ctx, s.indexKey(partitionKey), redis.Z{Score: 0, Member: sortKey})
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: redis put: %v", ErrUnavailable, err)
	}
	return nil
}

// PutIfAbsent relies on SET NX PX; an expired key no longer exists in Redis,
// so expiry and absence are the same condition.
func (s *RedisSortedStore) PutIfAbsent(ctx context.Context, partitionKey, sortKey string, value []byte, ttl time.Duration) (bool, error) {
	if ttl < 0 {
		ttl = 0
	}

	ok, err := s.client.SetNX(ctx, s.itemKey(partitionKey, sortKey), value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("%w: redis setnx: %v", ErrUnavailable, err)
	}
	if !ok {
		return false, nil
	}

	// the item key is authoritative; the index only serves Query
	_ = s.client.ZAdd(ctx, s.indexKey(partitionKey), redis.Z{Score: 0, Member: sortKey}).Err()
	return true, nil
}
