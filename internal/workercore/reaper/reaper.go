// Package reaper implements the zombie reaper (C7): periodically mark
// queue rows whose last_ping has gone stale as not running, so the
// pull primitive can re-lease them. The reaper never deletes rows.
package reaper

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/windmill-labs/workercore/internal/log"
)

var logger = log.New("reaper")

// Store is the reaper's narrow dependency on the queue.
type Store interface {
	MarkZombies(ctx context.Context, threshold time.Duration) ([]uuid.UUID, error)
}

// Config wires one Reaper.
type Config struct {
	Store Store

	// CheckInterval is how often the sweep runs (§4.7: every 60s).
	CheckInterval time.Duration

	// Threshold is how stale last_ping must be before a row is
	// considered a zombie (§4.7: timeout*5).
	Threshold time.Duration
}

// Reaper periodically sweeps the queue for zombie jobs until its
// context is canceled. Shutdown is triggered the same way as the
// dispatcher (ctx cancellation), per §4.7.
type Reaper struct {
	cfg Config
}

// New constructs a Reaper.
func New(cfg Config) *Reaper {
	return &Reaper{cfg: cfg}
}

// Run sweeps every cfg.CheckInterval until ctx is canceled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *Reaper) sweep(ctx context.Context) {
	reaped, err := r.cfg.Store.MarkZombies(ctx, r.cfg.Threshold)
	if err != nil {
		logger.Errorf("mark_zombies: %v", err)
		return
	}
	for _, id := range reaped {
		logger.Warnf("reaped zombie job; id: %s", id)
	}
	if len(reaped) > 0 {
		logger.Infof("reaped %d zombie job(s)", len(reaped))
	}
}
