package chat

import (
	"context"
	"log"
	"time"
)

const (
	DefaultIdleTimeout   = 30 * time.Minute
	DefaultSweepInterval = time.Minute
)

// Reaper sweeps the store for idle sessions and archives each exactly once.
// It relies on Take for the exactly-once guarantee: a session claimed by a
// concurrent rollover or explicit end is silently skipped.
type Reaper struct {
	store    *Store
	archiver *Archiver
	interval time.Duration
	idle     time.Duration
}

func NewReaper(store *Store, archiver *Archiver, interval, idle time.Duration) *Reaper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}
	return &Reaper{store: store, archiver: archiver, interval: interval, idle: idle}
}

// Run sweeps until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	log.Printf("[Reaper] started interval=%s idle=%s", r.interval, r.idle)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("[Reaper] stopped")
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep archives every expired session it manages to take. One session's
// failure never aborts the rest of the sweep.
func (r *Reaper) Sweep(ctx context.Context) {
	now := time.Now()
	for _, id := range r.store.Expired(now, r.idle) {
		sess, err := r.store.Take(id)
		if err != nil {
			// Another teardown path won the race.
			continue
		}
		log.Printf("[Reaper] session expired session=%s turns=%d", id, sess.TurnCount)
		if _, err := r.archiver.Archive(ctx, sess); err != nil {
			log.Printf("[Reaper] archive failed session=%s err=%v", id, err)
		}
	}
}
