package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/Priya8975/promo-dispatch/internal/domain"
)

// RedisGovernor shares the per-channel ledger between engine instances. Each
// channel is a sorted set whose members are admissions scored by time in ms.
// A Lua script prunes, counts and records atomically.
type RedisGovernor struct {
	client *redis.Client
	limits RateLimits
	logger *slog.Logger
	script *redis.Script
	now    func() time.Time
}

// Lua script for the sliding window admission check.
// 1. Remove entries older than the largest window
// 2. For each configured cap, compute how long until the window has room
// 3. Apply the minimum delay since the newest entry
// 4. If nothing has to wait and ARGV[6] is 1, record the admission
// Returns {allowed, wait_ms}.
var admissionScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local hourLimit = tonumber(ARGV[2])
local dayLimit = tonumber(ARGV[3])
local minDelay = tonumber(ARGV[4])
local member = ARGV[5]
local commit = ARGV[6] == '1'
local hour = 3600000
local day = 86400000

local retain = minDelay
if hourLimit > 0 and hour > retain then retain = hour end
if dayLimit > 0 and day > retain then retain = day end

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - retain)

local function windowWait(limit, window)
    if limit <= 0 then return 0 end
    local floor = '(' .. string.format('%d', now - window)
    local count = redis.call('ZCOUNT', key, floor, '+inf')
    if count < limit then return 0 end
    local entry = redis.call('ZRANGEBYSCORE', key, floor, '+inf', 'WITHSCORES', 'LIMIT', count - limit, 1)
    return tonumber(entry[2]) + window - now
end

local wait = math.max(windowWait(hourLimit, hour), windowWait(dayLimit, day))

if minDelay > 0 then
    local last = redis.call('ZREVRANGE', key, 0, 0, 'WITHSCORES')
    if #last > 0 then
        local gap = tonumber(last[2]) + minDelay - now
        if gap > wait then wait = gap end
    end
end

if wait > 0 then
    return {0, wait}
end

if commit then
    redis.call('ZADD', key, now, member)
    redis.call('PEXPIRE', key, retain + 1000)
end
return {1, 0}
`)

func NewRedisGovernor(client *redis.Client, limits RateLimits, logger *slog.Logger) *RedisGovernor {
	return &RedisGovernor{
		client: client,
		limits: limits,
		logger: logger,
		script: admissionScript,
		now:    time.Now,
	}
}

func ledgerKey(ch domain.Channel) string {
	return fmt.Sprintf("rate:%s", ch)
}

func (g *RedisGovernor) run(ctx context.Context, ch domain.Channel, commit bool) (bool, time.Duration) {
	if g.limits.Unlimited() {
		return true, 0
	}

	flag := "0"
	if commit {
		flag = "1"
	}
	res, err := g.script.Run(ctx, g.client, []string{ledgerKey(ch)},
		g.now().UnixMilli(),
		g.limits.MaxPerHour,
		g.limits.MaxPerDay,
		g.limits.MinDelay.Milliseconds(),
		uuid.NewString(),
		flag,
	).Int64Slice()
	if err != nil || len(res) != 2 {
		g.logger.Error("rate governor script failed", "error", err, "channel", ch)
		return true, 0 // Fail open: allow the attempt if Redis fails
	}

	if res[0] == 0 {
		wait := time.Duration(res[1]) * time.Millisecond
		g.logger.Debug("rate limited", "channel", ch, "wait", wait)
		return false, wait
	}
	return true, 0
}

func (g *RedisGovernor) TryAdmit(ctx context.Context, ch domain.Channel) bool {
	ok, _ := g.run(ctx, ch, true)
	return ok
}

func (g *RedisGovernor) WaitTime(ctx context.Context, ch domain.Channel) time.Duration {
	_, wait := g.run(ctx, ch, false)
	return wait
}
