package cache

import (
	"context"
	"testing"
	"time"
)

func TestQueryCache_LocalPutGet(t *testing.T) {
	c := New("", time.Minute)
	ctx := context.Background()
	key := Key("tenant1", "what is the torque spec", "hybrid", 0.5, 0.5, 5)

	var out []string
	found, err := c.Get(ctx, key, &out)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if found {
		t.Fatalf("expected cache miss before Put")
	}

	if err := c.Put(ctx, key, []string{"chunk-1", "chunk-2"}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	found, err = c.Get(ctx, key, &out)
	if err != nil {
		t.Fatalf("Get after Put: %v", err)
	}
	if !found {
		t.Fatalf("expected cache hit after Put")
	}
	if len(out) != 2 || out[0] != "chunk-1" {
		t.Errorf("unexpected cached value: %v", out)
	}
}

func TestQueryCache_Expiry(t *testing.T) {
	c := New("", 10*time.Millisecond)
	ctx := context.Background()
	key := Key("tenant1", "query")

	if err := c.Put(ctx, key, "value"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	time.Sleep(30 * time.Millisecond)

	var out string
	found, err := c.Get(ctx, key, &out)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if found {
		t.Errorf("expected expired entry to miss")
	}
}

func TestKey_DeterministicAndDistinct(t *testing.T) {
	a := Key("t1", "query one", "hybrid")
	b := Key("t1", "query one", "hybrid")
	c := Key("t1", "query two", "hybrid")
	if a != b {
		t.Errorf("expected identical parts to produce identical keys")
	}
	if a == c {
		t.Errorf("expected different parts to produce different keys")
	}
}
