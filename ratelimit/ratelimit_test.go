package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestPool_ConcurrencyLimit(t *testing.T) {
	p := NewPool("test", PoolConfig{ConcurrentLimit: 1}, nil)
	ctx := context.Background()

	release1, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	ctx2, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if _, err := p.Acquire(ctx2); err == nil {
		t.Errorf("expected second acquire to block until timeout with ConcurrentLimit=1")
	}

	release1()
	release2, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	release2()
}

func TestPool_QPMLimit(t *testing.T) {
	p := NewPool("qpm-test", PoolConfig{ConcurrentLimit: 10, QPMLimit: 2}, nil)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		release, err := p.Acquire(ctx)
		if err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
		release()
	}

	ctx2, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	if _, err := p.Acquire(ctx2); err == nil {
		t.Errorf("expected third acquire within the same minute to block past QPMLimit=2")
	}
}

func TestNormalizeWeights(t *testing.T) {
	routes := []Route{{Vendor: "a", Weight: 2}, {Vendor: "b", Weight: 2}}
	norm := NormalizeWeights(routes)
	if norm[0].Weight != 0.5 || norm[1].Weight != 0.5 {
		t.Errorf("expected equal normalized weights, got %+v", norm)
	}
}

func TestNormalizeWeights_ZeroTotal(t *testing.T) {
	routes := []Route{{Vendor: "a"}, {Vendor: "b"}, {Vendor: "c"}}
	norm := NormalizeWeights(routes)
	for _, r := range norm {
		if r.Weight <= 0 {
			t.Errorf("expected equal share fallback for zero-weight routes, got %+v", norm)
		}
	}
}

func TestSelector_RoundRobinCyclesAllRoutes(t *testing.T) {
	sel := NewSelector("round_robin", []Route{{Vendor: "a", Weight: 1}, {Vendor: "b", Weight: 1}})
	seen := map[string]bool{}
	for i := 0; i < 4; i++ {
		r, ok := sel.Next()
		if !ok {
			t.Fatalf("expected a route")
		}
		seen[r.Vendor] = true
	}
	if !seen["a"] || !seen["b"] {
		t.Errorf("expected round robin to visit both vendors, got %v", seen)
	}
}

func TestSelector_EmptyRoutes(t *testing.T) {
	sel := NewSelector("weighted", nil)
	if _, ok := sel.Next(); ok {
		t.Errorf("expected no route from an empty selector")
	}
}
