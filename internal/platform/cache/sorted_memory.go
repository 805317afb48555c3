package cache

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/zeebo/xxh3"
)

const sortedShards = 16

type sortedShard struct {
	mu         sync.Mutex
	partitions map[string]map[string]SortedItem
}

// MemorySortedStore is an in-process SortedStore. Partitions are spread over
// shards by key hash; conditional puts are serialized per shard.
type MemorySortedStore struct {
	shards [sortedShards]*sortedShard
	now    func() time.Time
}

// NewMemorySortedStore creates an empty store.
func NewMemorySortedStore() *MemorySortedStore {
	s := &MemorySortedStore{now: time.Now}
	for i := range s.shards {
		s.shards[i] = &sortedShard{partitions: make(map[string]map[string]SortedItem)}
	}
	return s
}

// WithClock replaces the time source. Used by tests to drive expiry.
func (s *MemorySortedStore) WithClock(now func() time.Time) *MemorySortedStore {
	s.now = now
	return s
}

func (s *MemorySortedStore) shard(partitionKey string) *sortedShard {
	return s.shards[xxh3.HashString(partitionKey)%sortedShards]
}

// Query returns live items of a partition whose sort key starts with
// sortKeyPrefix, newest (highest sort key) first.
func (s *MemorySortedStore) Query(ctx context.Context, partitionKey, sortKeyPrefix string, limit int) ([]SortedItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sh := s.shard(partitionKey)
	now := s.now()

	sh.mu.Lock()
	items := make([]SortedItem, 0)
	for sk, item := range sh.partitions[partitionKey] {
		if !strings.HasPrefix(sk, sortKeyPrefix) || item.Expired(now) {
			continue
		}
		items = append(items, item)
	}
	sh.mu.Unlock()

	sort.Slice(items, func(i, j int) bool {
		return items[i].SortKey > items[j].SortKey
	})

	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

// Put writes an item unconditionally.
func (s *MemorySortedStore) Put(ctx context.Context, partitionKey, sortKey string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	sh := s.shard(partitionKey)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	sh.put(s.item(partitionKey, sortKey, value, ttl))
	return nil
}

// PutIfAbsent writes the item unless a live one already exists under the key.
func (s *MemorySortedStore) PutIfAbsent(ctx context.Context, partitionKey, sortKey string, value []byte, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	sh := s.shard(partitionKey)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if existing, ok := sh.partitions[partitionKey][sortKey]; ok && !existing.Expired(s.now()) {
		return false, nil
	}

	sh.put(s.item(partitionKey, sortKey, value, ttl))
	return true, nil
}

func (s *MemorySortedStore) item(partitionKey, sortKey string, value []byte, ttl time.Duration) SortedItem {
	stored := make([]byte, len(value))
	copy(stored, value)

	return SortedItem{
		PartitionKey: partitionKey,
		SortKey:      sortKey,
		Value:        stored,
		ExpiresAt:    expiry(s.now(), ttl),
	}
}

// put stores item (caller must hold lock)
func (sh *sortedShard) put(item SortedItem) {
	partition, ok := sh.partitions[item.PartitionKey]
	if !ok {
		partition = make(map[string]SortedItem)
		sh.partitions[item.PartitionKey] = partition
	}
	partition[item.SortKey] = item
}
