// Package cache holds the short-lived query-result cache (QueryCache) and
// the ValidateVector check. The permanent per-text embedding cache is not
// in this package: it lives in store (GetCachedEmbedding and
// PutCachedEmbedding). The Engine builds one QueryCache and exposes it via
// Engine.QueryCache, but no request path reads or writes it, so a repeated
// retrieval-test query runs the full search again.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultQueryTTL is how long a fused query result stays valid.
const DefaultQueryTTL = 600 * time.Second

// QueryCache caches retrieval results keyed by (tenant, query, method,
// weights, top_k). When addr is empty at construction, New falls back to a
// process-local map so the engine still benefits from a cache in
// single-instance deployments without Redis configured.
type QueryCache struct {
	ttl   time.Duration
	rdb   *redis.Client
	local *localCache
}

// New creates a QueryCache. addr is a Redis address ("host:port"); an empty
// string selects the in-process fallback.
func New(addr string, ttl time.Duration) *QueryCache {
	if ttl <= 0 {
		ttl = DefaultQueryTTL
	}
	qc := &QueryCache{ttl: ttl}
	if addr == "" {
		qc.local = newLocalCache()
		return qc
	}
	qc.rdb = redis.NewClient(&redis.Options{Addr: addr})
	return qc
}

// Key derives a stable cache key from the request shape. Callers pass the
// pieces that affect the result (tenant, normalized query, method, weights,
// top_k, score_threshold, rerank mode) so unrelated requests never collide.
func Key(parts ...interface{}) string {
	h := sha256.New()
	for _, p := range parts {
		fmt.Fprintf(h, "%v|", p)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Get returns the cached value for key, unmarshalled into dst, and whether
// it was found (and not expired). A hit refreshes the entry's TTL so an
// actively reused query keeps its cached result alive past the original
// window instead of churning through re-embed/re-fuse every TTL period.
func (c *QueryCache) Get(ctx context.Context, key string, dst interface{}) (bool, error) {
	if c.rdb != nil {
		raw, err := c.rdb.Get(ctx, "qc:"+key).Bytes()
		if err == redis.Nil {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		c.rdb.Expire(ctx, "qc:"+key, c.ttl)
		return true, json.Unmarshal(raw, dst)
	}
	return c.local.get(key, dst, c.ttl), nil
}

// Put stores value under key with the cache's configured TTL.
func (c *QueryCache) Put(ctx context.Context, key string, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	if c.rdb != nil {
		return c.rdb.Set(ctx, "qc:"+key, raw, c.ttl).Err()
	}
	c.local.put(key, raw, c.ttl)
	return nil
}

// --- in-process fallback ---

type localEntry struct {
	raw     []byte
	expires time.Time
}

type localCache struct {
	mu      sync.Mutex
	entries map[string]localEntry
}

func newLocalCache() *localCache {
	return &localCache{entries: make(map[string]localEntry)}
}

func (c *localCache) get(key string, dst interface{}, ttl time.Duration) bool {
	c.mu.Lock()
	e, ok := c.entries[key]
	if ok && time.Now().After(e.expires) {
		delete(c.entries, key)
		ok = false
	}
	if ok {
		e.expires = time.Now().Add(ttl)
		c.entries[key] = e
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	return json.Unmarshal(e.raw, dst) == nil
}

// ValidateVector rejects an embedding that can't be used for similarity
// search: any NaN/Inf component, or an all-zero (undefined cosine
// direction) vector. Applied to every vector read back out of the document
// embedding cache before it is reused, since a provider or cache corruption
// that slipped a bad vector in would otherwise only surface as a confusing
// downstream search failure.
func ValidateVector(v []float32) error {
	if len(v) == 0 {
		return fmt.Errorf("cache: empty vector")
	}
	var normSq float64
	for _, f := range v {
		x := float64(f)
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return fmt.Errorf("cache: vector contains NaN/Inf component")
		}
		normSq += x * x
	}
	if normSq == 0 {
		return fmt.Errorf("cache: vector has zero norm")
	}
	return nil
}

func (c *localCache) put(key string, raw []byte, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	// Opportunistic sweep keeps the map from growing unbounded between gets.
	if len(c.entries) > 0 && len(c.entries)%256 == 0 {
		now := time.Now()
		for k, e := range c.entries {
			if now.After(e.expires) {
				delete(c.entries, k)
			}
		}
	}
	c.entries[key] = localEntry{raw: raw, expires: time.Now().Add(ttl)}
}
