package engine

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/Priya8975/promo-dispatch/internal/domain"
)

// RateGovernor gates delivery attempts per channel. A false from TryAdmit is
// the rate-limit signal; it never fails a job, it only delays admission.
type RateGovernor interface {
	// TryAdmit records an admission and returns true if one is allowed now.
	TryAdmit(ctx context.Context, ch domain.Channel) bool
	// WaitTime is how long until TryAdmit could succeed. Zero means now.
	WaitTime(ctx context.Context, ch domain.Channel) time.Duration
}

// RateLimits are per-deployment ceilings shared by every job on a channel.
// Zero disables a limit.
type RateLimits struct {
	MaxPerHour int
	MaxPerDay  int
	MinDelay   time.Duration
}

// retention is the largest window the ledger must remember.
func (l RateLimits) retention() time.Duration {
	switch {
	case l.MaxPerDay > 0:
		return 24 * time.Hour
	case l.MaxPerHour > 0:
		return time.Hour
	}
	return 0
}

// Unlimited reports whether no limit is configured.
func (l RateLimits) Unlimited() bool {
	return l.MaxPerHour <= 0 && l.MaxPerDay <= 0 && l.MinDelay <= 0
}

// MemoryGovernor keeps a sliding-window ledger of admission times per channel
// in process memory. The minimum inter-message delay is a one-token bucket.
type MemoryGovernor struct {
	limits RateLimits
	now    func() time.Time

	mu      sync.Mutex
	ledger  map[domain.Channel][]time.Time
	spacers map[domain.Channel]*rate.Limiter
}

func NewMemoryGovernor(limits RateLimits) *MemoryGovernor {
	return &MemoryGovernor{
		limits:  limits,
		now:     time.Now,
		ledger:  make(map[domain.Channel][]time.Time),
		spacers: make(map[domain.Channel]*rate.Limiter),
	}
}

func (g *MemoryGovernor) spacer(ch domain.Channel) *rate.Limiter {
	if g.limits.MinDelay <= 0 {
		return nil
	}
	l, ok := g.spacers[ch]
	if !ok {
		l = rate.NewLimiter(rate.Every(g.limits.MinDelay), 1)
		g.spacers[ch] = l
	}
	return l
}

// prune drops entries older than the largest window. Entries are sorted.
func (g *MemoryGovernor) prune(ch domain.Channel, now time.Time) []time.Time {
	entries := g.ledger[ch]
	keep := g.limits.retention()
	if keep == 0 {
		delete(g.ledger, ch)
		return nil
	}
	cut := now.Add(-keep)
	i := sort.Search(len(entries), func(i int) bool { return entries[i].After(cut) })
	if i > 0 {
		entries = append(entries[:0], entries[i:]...)
		g.ledger[ch] = entries
	}
	return entries
}

// windowWait is how long until fewer than limit entries remain in the window.
func windowWait(entries []time.Time, now time.Time, window time.Duration, limit int) time.Duration {
	if limit <= 0 {
		return 0
	}
	cut := now.Add(-window)
	start := sort.Search(len(entries), func(i int) bool { return entries[i].After(cut) })
	inWindow := entries[start:]
	if len(inWindow) < limit {
		return 0
	}
	leaving := inWindow[len(inWindow)-limit]
	return leaving.Add(window).Sub(now)
}

func (g *MemoryGovernor) waitLocked(ch domain.Channel, now time.Time) time.Duration {
	entries := g.prune(ch, now)
	wait := windowWait(entries, now, time.Hour, g.limits.MaxPerHour)
	if d := windowWait(entries, now, 24*time.Hour, g.limits.MaxPerDay); d > wait {
		wait = d
	}
	if sp := g.spacer(ch); sp != nil {
		if tokens := sp.TokensAt(now); tokens < 1 {
			d := time.Duration((1 - tokens) * float64(g.limits.MinDelay)).Round(time.Microsecond)
			if d > wait {
				wait = d
			}
		}
	}
	return wait
}

func (g *MemoryGovernor) TryAdmit(ctx context.Context, ch domain.Channel) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if g.waitLocked(ch, now) > 0 {
		return false
	}
	if sp := g.spacer(ch); sp != nil && !sp.AllowN(now, 1) {
		return false
	}
	if g.limits.retention() > 0 {
		g.ledger[ch] = append(g.ledger[ch], now)
	}
	return true
}

func (g *MemoryGovernor) WaitTime(ctx context.Context, ch domain.Channel) time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.waitLocked(ch, g.now())
}
