package broker

import (
	"context"
	"log"
	"time"
)

// Reaper is the single periodic sweep that expires idle sessions and
// garbage-collects crashed processes. One task iterating a registry
// snapshot, rather than per-session timers, bounds worst-case cleanup
// latency to the sweep interval.
type Reaper struct {
	Registry    *Registry
	Interval    time.Duration
	IdleTimeout time.Duration
}

// Run sweeps until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Registry.Sweep(time.Now(), r.IdleTimeout); err != nil {
				log.Printf("reaper sweep: %v", err)
			}
		}
	}
}
