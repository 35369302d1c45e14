package store

import (
	"encoding/json"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"

	"github.com/covmap/server/internal/dataset"
)

// CacheEntry is the persisted form of one partition: the records plus the
// freshness token they were fetched under.
type CacheEntry struct {
	Name      string           `json:"name"`
	UpdatedAt string           `json:"updated_at"`
	Records   []dataset.Record `json:"records"`
}

// PartitionCache stores partition records in a KV, validated by
// freshness-token equality. There is no implicit expiry: the publisher
// rewrites whole partitions, so the token check is the only staleness
// rule needed.
type PartitionCache struct {
	kv  KV
	enc *zstd.Encoder
	dec *zstd.Decoder
	log zerolog.Logger
}

// NewPartitionCache creates a cache over kv. Entries are JSON wrapped in
// a zstd frame.
func NewPartitionCache(kv KV, log zerolog.Logger) (*PartitionCache, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	return &PartitionCache{
		kv:  kv,
		enc: enc,
		dec: dec,
		log: log.With().Str("component", "pcache").Logger(),
	}, nil
}

// Get returns the stored entry for a partition, if any. A stored blob
// that fails to decode is treated as a miss and removed.
func (c *PartitionCache) Get(name string) (*CacheEntry, error) {
	blob, ok, err := c.kv.Get(name)
	if err != nil {
		return nil, fmt.Errorf("cache get %q: %w", name, err)
	}
	if !ok {
		return nil, nil
	}

	entry, err := c.decode(blob)
	if err != nil {
		c.log.Warn().Str("partition", name).Err(err).Msg("corrupt cache entry, purging")
		_ = c.kv.Remove(name)
		return nil, nil
	}
	return entry, nil
}

// GetValid returns the cached records for a partition only if the stored
// freshness token matches expectedUpdatedAt exactly. On mismatch the
// stale entry is deleted and a miss is reported, forcing a refetch. The
// found flag distinguishes a validly cached empty partition from a miss.
func (c *PartitionCache) GetValid(name, expectedUpdatedAt string) ([]dataset.Record, bool, error) {
	entry, err := c.Get(name)
	if err != nil {
		return nil, false, err
	}
	if entry == nil {
		return nil, false, nil
	}
	if entry.UpdatedAt != expectedUpdatedAt {
		c.log.Debug().
			Str("partition", name).
			Str("have", entry.UpdatedAt).
			Str("want", expectedUpdatedAt).
			Msg("stale cache entry, purging")
		if err := c.kv.Remove(name); err != nil {
			return nil, false, fmt.Errorf("cache purge %q: %w", name, err)
		}
		return nil, false, nil
	}
	return entry.Records, true, nil
}

// Put stores records under name with the given freshness token.
func (c *PartitionCache) Put(name string, records []dataset.Record, updatedAt string) error {
	blob, err := c.encode(&CacheEntry{Name: name, UpdatedAt: updatedAt, Records: records})
	if err != nil {
		return fmt.Errorf("cache encode %q: %w", name, err)
	}
	if err := c.kv.Set(name, blob); err != nil {
		return fmt.Errorf("cache put %q: %w", name, err)
	}
	return nil
}

// Remove deletes a partition's entry.
func (c *PartitionCache) Remove(name string) error {
	return c.kv.Remove(name)
}

func (c *PartitionCache) encode(entry *CacheEntry) ([]byte, error) {
	raw, err := json.Marshal(entry)
	if err != nil {
		return nil, err
	}
	return c.enc.EncodeAll(raw, nil), nil
}

func (c *PartitionCache) decode(blob []byte) (*CacheEntry, error) {
	raw, err := c.dec.DecodeAll(blob, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd: %w", err)
	}
	var entry CacheEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, fmt.Errorf("json: %w", err)
	}
	return &entry, nil
}
