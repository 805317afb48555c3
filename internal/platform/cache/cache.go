// Package cache provides the key/value and sorted key/value stores behind the
// route cache and the pool cache, with memory, Redis and layered backends.
package cache

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a key is not found in cache
	ErrNotFound = errors.New("cache: key not found")

	// ErrUnavailable is returned when the backing store cannot be reached
	ErrUnavailable = errors.New("cache: store unavailable")
)

// Cache defines the interface for flat key/value cache operations.
// A zero TTL stores the value without expiry.
type Cache interface {
	// Get retrieves a value from cache
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value in cache with TTL
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a key from cache
	Delete(ctx context.Context, key string) error

	// Close closes the cache connection
	Close() error
}

// SortedItem is one entry of a SortedStore partition.
type SortedItem struct {
	PartitionKey string
	SortKey      string
	Value        []byte
	// ExpiresAt is zero when the item never expires
	ExpiresAt time.Time
}

// Expired reports whether the item's TTL has passed at now.
func (i SortedItem) Expired(now time.Time) bool {
	return !i.ExpiresAt.IsZero() && !now.Before(i.ExpiresAt)
}

// SortedStore is a partitioned store with sort keys that support prefix
// queries. Query returns items in descending sort-key order, skipping
// expired ones.
type SortedStore interface {
	Query(ctx context.Context, partitionKey, sortKeyPrefix string, limit int) ([]SortedItem, error)

	Put(ctx context.Context, partitionKey, sortKey string, value []byte, ttl time.Duration) error

	// PutIfAbsent writes only when no live item exists under the key and
	// reports whether the write happened.
	PutIfAbsent(ctx context.Context, partitionKey, sortKey string, value []byte, ttl time.Duration) (bool, error)
}

func expiry(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}
