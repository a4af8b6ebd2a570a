package mailing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// SegmentCache caches resolved segment membership per list and rule set.
// The cache key embeds a hash of the rules, so appending a rule naturally
// misses instead of serving a stale segment. A nil client disables the cache
// entirely; every call degrades to a miss.
type SegmentCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewSegmentCache creates a cache around the given client. Pass nil to run
// without Redis.
func NewSegmentCache(client *redis.Client, ttl time.Duration) *SegmentCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &SegmentCache{client: client, ttl: ttl}
}

func segmentKey(listID uuid.UUID, rules Rules) string {
	h := sha256.New()
	enc, _ := json.Marshal(rules)
	h.Write(enc)
	return fmt.Sprintf("segment:%s:%s", listID, hex.EncodeToString(h.Sum(nil))[:16])
}

// Get returns the cached subscriber ids for the list under the given rules,
// or (nil, false) on a miss.
func (c *SegmentCache) Get(ctx context.Context, listID uuid.UUID, rules Rules) ([]uuid.UUID, bool) {
	if c == nil || c.client == nil {
		return nil, false
	}

	raw, err := c.client.Get(ctx, segmentKey(listID, rules)).Bytes()
	if err != nil {
		return nil, false
	}
	var ids []uuid.UUID
	if err := json.Unmarshal(raw, &ids); err != nil {
		return nil, false
	}
	return ids, true
}

// Set stores the resolved segment. Errors are swallowed; the cache is a
// best-effort layer.
func (c *SegmentCache) Set(ctx context.Context, listID uuid.UUID, rules Rules, ids []uuid.UUID) {
	if c == nil || c.client == nil {
		return
	}
	if ids == nil {
		ids = []uuid.UUID{}
	}

	enc, err := json.Marshal(ids)
	if err != nil {
		return
	}
	c.client.Set(ctx, segmentKey(listID, rules), enc, c.ttl)
}

// Invalidate drops every cached segment for the list. Called on membership
// changes and imports.
func (c *SegmentCache) Invalidate(ctx context.Context, listID uuid.UUID) {
	if c == nil || c.client == nil {
		return
	}

	pattern := fmt.Sprintf("segment:%s:*", listID)
	iter := c.client.Scan(ctx, 0, pattern, 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if len(keys) > 0 {
		c.client.Del(ctx, keys...)
	}
}
