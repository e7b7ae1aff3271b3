package vm

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Reaper sweeps the registry: idle non-persistent instances are terminated
// and long-terminated entries are dropped from memory.
type Reaper struct {
	manager          *Manager
	idleTimeout      time.Duration
	interval         time.Duration
	retainTerminated time.Duration
}

// NewReaper creates a reaper. Zero durations take defaults.
func NewReaper(m *Manager, idleTimeout, interval time.Duration) *Reaper {
	if idleTimeout <= 0 {
		idleTimeout = 30 * time.Minute
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Reaper{
		manager:          m,
		idleTimeout:      idleTimeout,
		interval:         interval,
		retainTerminated: 10 * time.Minute,
	}
}

// SetRetention overrides how long terminated instances stay queryable in
// the registry.
func (r *Reaper) SetRetention(d time.Duration) {
	if d > 0 {
		r.retainTerminated = d
	}
}

// Run sweeps until the context is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.Sweep(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Sweep runs one pass over the registry.
func (r *Reaper) Sweep(ctx context.Context) {
	now := time.Now().UTC()

	for _, inst := range r.manager.Registry().List("") {
		switch {
		case inst.Status.Terminal():
			if inst.TerminatedAt != nil && now.Sub(*inst.TerminatedAt) > r.retainTerminated {
				r.manager.Registry().Remove(inst.ID)
				log.Debug().Str("instance_id", inst.ID).Msg("dropped terminated instance from registry")
			}

		case inst.Persistent, inst.Status == StatusInitializing:
			// Persistent instances idle forever; initializing ones are not
			// idle, they are starting.

		case now.Sub(inst.LastActivity) > r.idleTimeout:
			log.Info().
				Str("instance_id", inst.ID).
				Dur("idle", now.Sub(inst.LastActivity)).
				Msg("terminating idle instance")
			if err := r.manager.TerminateInstance(ctx, inst.ID); err != nil {
				log.Warn().Err(err).Str("instance_id", inst.ID).Msg("idle termination failed")
			}
		}
	}
}
