package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/Priya8975/promo-dispatch/internal/domain"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func setupMemoryGovernor(limits RateLimits) (*MemoryGovernor, *fakeClock) {
	clock := newFakeClock()
	g := NewMemoryGovernor(limits)
	g.now = clock.Now
	return g, clock
}

func setupRedisGovernor(t *testing.T, limits RateLimits) (*RedisGovernor, *fakeClock, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	clock := newFakeClock()
	g := NewRedisGovernor(client, limits, testLogger())
	g.now = clock.Now
	return g, clock, mr
}

// governorCases runs the same behavioural checks against both implementations.
func governorCases(t *testing.T, build func(t *testing.T, limits RateLimits) (RateGovernor, *fakeClock)) {
	ctx := context.Background()

	t.Run("HourlyCapBlocksNPlusOne", func(t *testing.T) {
		g, clock := build(t, RateLimits{MaxPerHour: 3})
		for i := 0; i < 3; i++ {
			if !g.TryAdmit(ctx, domain.ChannelSMS) {
				t.Fatalf("admission %d should be allowed (limit=3)", i+1)
			}
			clock.Advance(time.Minute)
		}
		if g.TryAdmit(ctx, domain.ChannelSMS) {
			t.Fatal("4th admission within the hour should be denied")
		}

		// Oldest entry was admitted 3 minutes ago, so it leaves in 57 minutes.
		if wait := g.WaitTime(ctx, domain.ChannelSMS); wait != 57*time.Minute {
			t.Errorf("WaitTime: got %v, want 57m", wait)
		}

		clock.Advance(57 * time.Minute)
		if !g.TryAdmit(ctx, domain.ChannelSMS) {
			t.Error("admission should succeed once the oldest entry ages out")
		}
		if g.TryAdmit(ctx, domain.ChannelSMS) {
			t.Error("window should be full again")
		}
	})

	t.Run("DailyCap", func(t *testing.T) {
		g, clock := build(t, RateLimits{MaxPerHour: 10, MaxPerDay: 2})
		g.TryAdmit(ctx, domain.ChannelKakao)
		clock.Advance(2 * time.Hour)
		g.TryAdmit(ctx, domain.ChannelKakao)
		clock.Advance(2 * time.Hour)

		if g.TryAdmit(ctx, domain.ChannelKakao) {
			t.Fatal("3rd admission within the day should be denied")
		}
		if wait := g.WaitTime(ctx, domain.ChannelKakao); wait != 20*time.Hour {
			t.Errorf("WaitTime: got %v, want 20h", wait)
		}
	})

	t.Run("MinDelay", func(t *testing.T) {
		g, clock := build(t, RateLimits{MinDelay: 500 * time.Millisecond})
		if !g.TryAdmit(ctx, domain.ChannelSMS) {
			t.Fatal("first admission should be allowed")
		}
		if g.TryAdmit(ctx, domain.ChannelSMS) {
			t.Fatal("admission inside the minimum delay should be denied")
		}
		clock.Advance(200 * time.Millisecond)
		if wait := g.WaitTime(ctx, domain.ChannelSMS); wait != 300*time.Millisecond {
			t.Errorf("WaitTime: got %v, want 300ms", wait)
		}
		clock.Advance(300 * time.Millisecond)
		if !g.TryAdmit(ctx, domain.ChannelSMS) {
			t.Error("admission should succeed after the minimum delay")
		}
	})

	t.Run("ChannelsAreIndependent", func(t *testing.T) {
		g, _ := build(t, RateLimits{MaxPerHour: 1})
		if !g.TryAdmit(ctx, domain.ChannelSMS) {
			t.Fatal("SMS admission should be allowed")
		}
		if g.TryAdmit(ctx, domain.ChannelSMS) {
			t.Fatal("second SMS admission should be denied")
		}
		if !g.TryAdmit(ctx, domain.ChannelKakao) {
			t.Error("Kakao should have its own ledger")
		}
	})

	t.Run("UnlimitedAllowsAll", func(t *testing.T) {
		g, _ := build(t, RateLimits{})
		for i := 0; i < 100; i++ {
			if !g.TryAdmit(ctx, domain.ChannelSMS) {
				t.Fatalf("admission %d should be allowed without limits", i+1)
			}
		}
		if wait := g.WaitTime(ctx, domain.ChannelSMS); wait != 0 {
			t.Errorf("WaitTime: got %v, want 0", wait)
		}
	})

	t.Run("ConcurrentAdmissionsDoNotOvershoot", func(t *testing.T) {
		g, _ := build(t, RateLimits{MaxPerHour: 10})
		var admitted atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if g.TryAdmit(ctx, domain.ChannelSMS) {
					admitted.Add(1)
				}
			}()
		}
		wg.Wait()
		if got := admitted.Load(); got != 10 {
			t.Errorf("admitted %d, want exactly 10", got)
		}
	})
}

func TestMemoryGovernor(t *testing.T) {
	governorCases(t, func(t *testing.T, limits RateLimits) (RateGovernor, *fakeClock) {
		g, clock := setupMemoryGovernor(limits)
		return g, clock
	})
}

func TestRedisGovernor(t *testing.T) {
	governorCases(t, func(t *testing.T, limits RateLimits) (RateGovernor, *fakeClock) {
		g, clock, _ := setupRedisGovernor(t, limits)
		return g, clock
	})
}

func TestMemoryGovernor_PrunesOldEntries(t *testing.T) {
	g, clock := setupMemoryGovernor(RateLimits{MaxPerHour: 100})
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		g.TryAdmit(ctx, domain.ChannelSMS)
	}
	clock.Advance(2 * time.Hour)
	g.WaitTime(ctx, domain.ChannelSMS)

	g.mu.Lock()
	n := len(g.ledger[domain.ChannelSMS])
	g.mu.Unlock()
	if n != 0 {
		t.Errorf("ledger holds %d entries after the window passed, want 0", n)
	}
}

func TestRedisGovernor_FailsOpen(t *testing.T) {
	g, _, mr := setupRedisGovernor(t, RateLimits{MaxPerHour: 1})
	ctx := context.Background()
	mr.Close()

	if !g.TryAdmit(ctx, domain.ChannelSMS) {
		t.Error("admission should be allowed when Redis is unavailable")
	}
}

func TestRedisGovernor_SetsExpiry(t *testing.T) {
	g, _, mr := setupRedisGovernor(t, RateLimits{MaxPerHour: 5})
	g.TryAdmit(context.Background(), domain.ChannelSMS)

	if !mr.Exists(ledgerKey(domain.ChannelSMS)) {
		t.Fatal("ledger key should exist after an admission")
	}
	if ttl := mr.TTL(ledgerKey(domain.ChannelSMS)); ttl <= time.Hour {
		t.Errorf("ledger TTL: got %v, want more than the hourly window", ttl)
	}
}
