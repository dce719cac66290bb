package contextstore

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Janitor periodically sweeps expired entries from a Store's backend.
// Expiry is driven by a scheduled sweep rather than a push-based
// pub/sub key-value server.
type Janitor struct {
	store    *Store
	logger   *slog.Logger
	cron     *cron.Cron
	callback func(removed int)
}

// NewJanitor builds a Janitor that sweeps store every interval.
func NewJanitor(store *Store, interval time.Duration, logger *slog.Logger) *Janitor {
	c := cron.New(cron.WithSeconds())
	j := &Janitor{store: store, logger: logger, cron: c}

	spec := fmt.Sprintf("@every %s", interval.String())
	_, _ = c.AddFunc(spec, j.sweepOnce)

	return j
}

// OnExpiry registers a callback invoked with the count of entries removed
// by each sweep — the expiry-callback hook for backends that can observe
// it.
func (j *Janitor) OnExpiry(cb func(removed int)) {
	j.callback = cb
}

func (j *Janitor) sweepOnce() {
	removed, err := j.store.Sweep(context.Background())
	if err != nil {
		if j.logger != nil {
			j.logger.Warn("context store sweep failed", slog.String("error", err.Error()))
		}
		return
	}
	if removed > 0 && j.logger != nil {
		j.logger.Info("context store sweep removed expired entries", slog.Int("removed", removed))
	}
	if j.callback != nil && removed > 0 {
		j.callback(removed)
	}
}

// Start begins the cron schedule.
func (j *Janitor) Start() { j.cron.Start() }

// Stop halts the cron schedule and waits for the running job to finish.
func (j *Janitor) Stop() { <-j.cron.Stop().Done() }
