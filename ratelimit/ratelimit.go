// Package ratelimit bounds LLM provider throughput per pool (QPM sliding
// window + concurrency semaphore) and selects among weighted vendor routes
// for a logical model alias, the way a load balancer picks a backend.
package ratelimit

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/semaphore"
)

// PoolConfig bounds a single provider pool's throughput.
type PoolConfig struct {
	QPMLimit        int
	ConcurrentLimit int
	// Window overrides the sliding-window period QPMLimit is measured over.
	// Zero means one minute (the provider-QPM case); set to time.Hour for a
	// per-hour cap like the per-tenant upload limit.
	Window time.Duration
}

// Pool enforces a QPM sliding window and a concurrency cap for one provider.
// Counters are process-local unless a Redis client is supplied, in which
// case QPM accounting is shared across instances.
type Pool struct {
	name string
	cfg  PoolConfig
	sem  *semaphore.Weighted
	rdb  *redis.Client

	mu     sync.Mutex
	window []time.Time // local fallback sliding window
}

// NewPool creates a rate-limited pool. rdb may be nil to use a purely local
// sliding window (single-instance deployments).
func NewPool(name string, cfg PoolConfig, rdb *redis.Client) *Pool {
	if cfg.ConcurrentLimit <= 0 {
		cfg.ConcurrentLimit = 4
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	return &Pool{
		name: name,
		cfg:  cfg,
		sem:  semaphore.NewWeighted(int64(cfg.ConcurrentLimit)),
		rdb:  rdb,
	}
}

// Acquire blocks until a concurrency slot is free and the QPM budget allows
// one more call, or ctx is cancelled. The returned release func must be
// called exactly once (typically deferred) when the call completes.
func (p *Pool) Acquire(ctx context.Context) (release func(), err error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	if err := p.waitForQPMBudget(ctx); err != nil {
		p.sem.Release(1)
		return nil, err
	}
	return func() { p.sem.Release(1) }, nil
}

func (p *Pool) waitForQPMBudget(ctx context.Context) error {
	if p.cfg.QPMLimit <= 0 {
		return nil
	}
	for {
		ok, retryAfter, err := p.tryConsumeSlot(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-time.After(retryAfter):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (p *Pool) tryConsumeSlot(ctx context.Context) (ok bool, retryAfter time.Duration, err error) {
	if p.rdb != nil {
		return p.tryConsumeRedis(ctx)
	}
	return p.tryConsumeLocal(), 250 * time.Millisecond, nil
}

func (p *Pool) tryConsumeLocal() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	cutoff := now.Add(-p.cfg.Window)
	kept := p.window[:0]
	for _, t := range p.window {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	p.window = kept
	if len(p.window) >= p.cfg.QPMLimit {
		return false
	}
	p.window = append(p.window, now)
	return true
}

// tryConsumeRedis uses a rolling counter keyed by the current window bucket,
// shared across every process behind the pool's name.
func (p *Pool) tryConsumeRedis(ctx context.Context) (bool, time.Duration, error) {
	bucketFormat := "200601021504"
	if p.cfg.Window >= time.Hour {
		bucketFormat = "2006010215"
	}
	bucket := time.Now().UTC().Format(bucketFormat)
	key := fmt.Sprintf("ratelimit:%s:%s", p.name, bucket)
	n, err := p.rdb.Incr(ctx, key).Result()
	if err != nil {
		return false, 0, err
	}
	if n == 1 {
		p.rdb.Expire(ctx, key, p.cfg.Window+30*time.Second)
	}
	if n > int64(p.cfg.QPMLimit) {
		return false, time.Second, nil
	}
	return true, 0, nil
}

// Route is one concrete vendor endpoint behind a logical model alias.
type Route struct {
	Vendor string
	Weight float64 // normalized to [0,1] across a Selector's routes
}

// Selector picks a route for a logical alias (e.g. "qwen" -> 3 vendor
// endpoints) by one of three strategies.
type Selector struct {
	strategy string // round_robin|random|weighted
	routes   []Route

	mu   sync.Mutex
	next int
}

// NewSelector builds a Selector, normalizing route weights to sum to 1 so
// "weighted" selection is well-defined regardless of the input scale.
func NewSelector(strategy string, routes []Route) *Selector {
	norm := NormalizeWeights(routes)
	if strategy == "" {
		strategy = "round_robin"
	}
	return &Selector{strategy: strategy, routes: norm}
}

// NormalizeWeights rescales weights to sum to 1. Zero-weight routes are
// treated as equal shares of the remainder.
func NormalizeWeights(routes []Route) []Route {
	if len(routes) == 0 {
		return nil
	}
	var total float64
	for _, r := range routes {
		total += r.Weight
	}
	out := make([]Route, len(routes))
	if total <= 0 {
		share := 1.0 / float64(len(routes))
		for i, r := range routes {
			out[i] = Route{Vendor: r.Vendor, Weight: share}
		}
		return out
	}
	for i, r := range routes {
		out[i] = Route{Vendor: r.Vendor, Weight: r.Weight / total}
	}
	return out
}

// Next picks the next route per the selector's strategy.
func (s *Selector) Next() (Route, bool) {
	if len(s.routes) == 0 {
		return Route{}, false
	}
	switch s.strategy {
	case "random":
		return s.routes[rand.Intn(len(s.routes))], true
	case "weighted":
		return s.weightedPick(), true
	default: // round_robin
		s.mu.Lock()
		r := s.routes[s.next%len(s.routes)]
		s.next++
		s.mu.Unlock()
		return r, true
	}
}

func (s *Selector) weightedPick() Route {
	target := rand.Float64()
	var cum float64
	for _, r := range s.routes {
		cum += r.Weight
		if target <= cum {
			return r
		}
	}
	return s.routes[len(s.routes)-1]
}
