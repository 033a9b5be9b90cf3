package cache

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type backend struct {
	name    string
	cache   Cache
	advance func(time.Duration)
}

func backends(t *testing.T) []backend {
	t.Helper()

	mem := NewMemoryCache()
	clock := time.Now()
	mem.now = func() time.Time { return clock }

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return []backend{
		{name: "memory", cache: mem, advance: func(d time.Duration) { clock = clock.Add(d) }},
		{name: "redis", cache: NewRedisCache(client, "cache:"), advance: mr.FastForward},
	}
}

func TestCache_SetGetDelete(t *testing.T) {
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			if err := b.cache.Set(ctx, "a", []byte("1"), time.Minute); err != nil {
				t.Fatalf("Set: %v", err)
			}
			got, ok, err := b.cache.Get(ctx, "a")
			if err != nil || !ok || string(got) != "1" {
				t.Fatalf("Get = %q, %v, %v; want 1, true, nil", got, ok, err)
			}

			if err := b.cache.Delete(ctx, "a"); err != nil {
				t.Fatalf("Delete: %v", err)
			}
			if _, ok, _ := b.cache.Get(ctx, "a"); ok {
				t.Fatal("key still present after Delete")
			}
		})
	}
}

func TestCache_Expiry(t *testing.T) {
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			b.cache.Set(ctx, "short", []byte("x"), time.Second)
			b.cache.Set(ctx, "forever", []byte("y"), 0)

			b.advance(2 * time.Second)

			if _, ok, _ := b.cache.Get(ctx, "short"); ok {
				t.Error("expired key returned")
			}
			if _, ok, _ := b.cache.Get(ctx, "forever"); !ok {
				t.Error("key without ttl expired")
			}
		})
	}
}

func TestCache_DeleteByPattern(t *testing.T) {
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			for _, k := range []string{"send_jobs:page=1", "send_jobs:page=2", "dashboard:summary"} {
				b.cache.Set(ctx, k, []byte("v"), time.Minute)
			}

			n, err := b.cache.DeleteByPattern(ctx, "^send_jobs:")
			if err != nil {
				t.Fatalf("DeleteByPattern: %v", err)
			}
			if n != 2 {
				t.Errorf("deleted %d keys, want 2", n)
			}
			if _, ok, _ := b.cache.Get(ctx, "dashboard:summary"); !ok {
				t.Error("unmatched key was deleted")
			}

			if _, err := b.cache.DeleteByPattern(ctx, "("); err == nil {
				t.Error("expected error for invalid pattern")
			}
		})
	}
}

func TestCache_Clear(t *testing.T) {
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			b.cache.Set(ctx, "a", []byte("1"), 0)
			b.cache.Set(ctx, "b", []byte("2"), 0)

			if err := b.cache.Clear(ctx); err != nil {
				t.Fatalf("Clear: %v", err)
			}
			for _, k := range []string{"a", "b"} {
				if _, ok, _ := b.cache.Get(ctx, k); ok {
					t.Errorf("key %s survived Clear", k)
				}
			}
		})
	}
}

func TestRedisCache_ClearKeepsForeignKeys(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	ctx := context.Background()

	mr.Set("rate:SMS", "ledger")
	c := NewRedisCache(client, "cache:")
	c.Set(ctx, "a", []byte("1"), 0)

	if err := c.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if !mr.Exists("rate:SMS") {
		t.Error("Clear removed a key outside the cache prefix")
	}
}

func TestMemoryCache_Cleanup(t *testing.T) {
	c := NewMemoryCache()
	clock := time.Now()
	c.now = func() time.Time { return clock }
	ctx := context.Background()

	c.Set(ctx, "a", []byte("1"), time.Second)
	c.Set(ctx, "b", []byte("2"), time.Second)
	c.Set(ctx, "c", []byte("3"), time.Hour)
	clock = clock.Add(time.Minute)

	n, err := c.Cleanup(ctx)
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if n != 2 {
		t.Errorf("evicted %d, want 2", n)
	}
	if c.Len() != 1 {
		t.Errorf("Len = %d, want 1", c.Len())
	}
}

func TestKey_StableOrder(t *testing.T) {
	a := Key("send_jobs", map[string]string{"page": "1", "limit": "20", "status": "PENDING", "channel": ""})
	b := Key("send_jobs", map[string]string{"status": "PENDING", "limit": "20", "page": "1"})
	if a != b {
		t.Fatalf("equivalent queries produced different keys: %q vs %q", a, b)
	}
	if want := "send_jobs:limit=20&page=1&status=PENDING"; a != want {
		t.Errorf("Key = %q, want %q", a, want)
	}
	if Key("send_jobs", nil) != "send_jobs:" {
		t.Errorf("empty params key = %q", Key("send_jobs", nil))
	}
}

func TestJSONHelpers(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()

	type page struct {
		Total int      `json:"total"`
		IDs   []string `json:"ids"`
	}
	if err := SetJSON(ctx, c, "k", page{Total: 2, IDs: []string{"a", "b"}}, time.Minute); err != nil {
		t.Fatalf("SetJSON: %v", err)
	}

	var got page
	ok, err := GetJSON(ctx, c, "k", &got)
	if err != nil || !ok {
		t.Fatalf("GetJSON = %v, %v", ok, err)
	}
	if got.Total != 2 || len(got.IDs) != 2 {
		t.Errorf("got %+v", got)
	}

	ok, err = GetJSON(ctx, c, "missing", &got)
	if err != nil || ok {
		t.Errorf("missing key: ok=%v err=%v", ok, err)
	}
}

func TestJanitor_SweepAndStop(t *testing.T) {
	c := NewMemoryCache()
	clock := time.Now()
	c.now = func() time.Time { return clock }
	c.Set(context.Background(), "a", []byte("1"), time.Second)
	clock = clock.Add(time.Minute)

	j := NewJanitor(c, 100*time.Millisecond, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := j.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	j.Sweep()
	j.Stop()
	j.Stop()

	if c.Len() != 0 {
		t.Errorf("Len = %d after sweep, want 0", c.Len())
	}
}
