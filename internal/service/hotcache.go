package service

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/allegro/bigcache/v3"

	"github.com/covmap/server/internal/catalog"
	"github.com/covmap/server/internal/loader"
)

// hotTransport wraps the real partition transport with an in-memory byte
// cache. Keys include the freshness token, so a republished partition
// never serves old bytes; the TTL just bounds memory for hot partitions
// that get refetched after eviction churn.
type hotTransport struct {
	inner loader.Transport
	cache *bigcache.BigCache
}

func newHotTransport(inner loader.Transport, sizeMB int, ttl time.Duration) (*hotTransport, error) {
	cfg := bigcache.Config{
		Shards:             256,
		LifeWindow:         ttl,
		CleanWindow:        ttl / 2,
		MaxEntriesInWindow: 10000,
		MaxEntrySize:       4 * 1024 * 1024,
		HardMaxCacheSize:   sizeMB,
		Verbose:            false,
	}
	cache, err := bigcache.New(context.Background(), cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create hot cache: %w", err)
	}
	return &hotTransport{inner: inner, cache: cache}, nil
}

func hotKey(ptr catalog.Pointer) string {
	return ptr.Name + "@" + ptr.UpdatedAt
}

func (t *hotTransport) FetchPartition(ctx context.Context, ptr catalog.Pointer) (io.ReadCloser, error) {
	key := hotKey(ptr)
	if data, err := t.cache.Get(key); err == nil {
		return io.NopCloser(bytes.NewReader(data)), nil
	}

	body, err := t.inner.FetchPartition(ctx, ptr)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("partition read %q: %w", ptr.Name, err)
	}
	_ = t.cache.Set(key, data)
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (t *hotTransport) Close() error {
	return t.cache.Close()
}

// Len returns the number of hot entries, for stats.
func (t *hotTransport) Len() int {
	return t.cache.Len()
}
