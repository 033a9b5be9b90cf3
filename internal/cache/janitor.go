package cache

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Janitor sweeps expired entries on a fixed interval.
type Janitor struct {
	cache    Cache
	interval time.Duration
	logger   *slog.Logger
	c        *cron.Cron
}

func NewJanitor(c Cache, interval time.Duration, logger *slog.Logger) *Janitor {
	return &Janitor{cache: c, interval: interval, logger: logger}
}

// Start schedules the sweep. Intervals below one second are rounded up.
func (j *Janitor) Start() error {
	every := j.interval.Round(time.Second)
	if every < time.Second {
		every = time.Second
	}
	j.c = cron.New()
	if _, err := j.c.AddFunc(fmt.Sprintf("@every %s", every), j.Sweep); err != nil {
		return fmt.Errorf("scheduling cache sweep: %w", err)
	}
	j.c.Start()
	j.logger.Info("cache janitor started", "interval", every)
	return nil
}

// Sweep runs one cleanup pass.
func (j *Janitor) Sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	n, err := j.cache.Cleanup(ctx)
	if err != nil {
		j.logger.Warn("cache sweep failed", "error", err)
		return
	}
	if n > 0 {
		j.logger.Debug("cache sweep evicted entries", "evicted", n)
	}
}

// Stop waits for a running sweep to finish.
func (j *Janitor) Stop() {
	if j.c == nil {
		return
	}
	<-j.c.Stop().Done()
	j.c = nil
}
