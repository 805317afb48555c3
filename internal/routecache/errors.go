// Package routecache caches computed trade routes keyed by pair, direction,
// trade-size bucket and protocol set, with freshness measured in blocks.
//
// A Store answers whether a cached route is usable for the current block and
// records new routes; a FillCoordinator dispatches deduplicated background
// recomputations when the cache misses.
package routecache

import "errors"

var (
	// ErrMalformedEntry marks a stored record that cannot be decoded. It is
	// treated as absent.
	ErrMalformedEntry = errors.New("routecache: malformed cache entry")

	// ErrNoStrategy means no caching strategy or bucket covers the request.
	// Caching is disabled for it; this is never surfaced as a failure.
	ErrNoStrategy = errors.New("routecache: no caching strategy configured")

	// ErrFillDispatch wraps failures of the async fill invocation
	ErrFillDispatch = errors.New("routecache: fill dispatch failed")
)
