// Package spawn launches, watches, and terminates the external per-user
// desktop-server processes through an injected process-supervision
// capability (core.Launcher). Policy lives here, readiness polling and
// the forced-kill escalation; mechanism lives in the launcher.
package spawn

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/jpillora/backoff"

	"github.com/deskgate/deskgate/internal/core"
)

// ErrSpawnTimeout means the per-user process started but never accepted
// a connection on its assigned port within the grace period.
var ErrSpawnTimeout = errors.New("per-user server not ready in time")

// Spawner wraps a Launcher with readiness and termination policy.
type Spawner struct {
	Launcher core.Launcher

	// ReadyTimeout bounds how long Spawn waits for the process to
	// accept connections on its port.
	ReadyTimeout time.Duration
	// StopTimeout bounds how long Terminate waits for a graceful exit
	// before force-killing.
	StopTimeout time.Duration
}

// Spawn launches the per-user server for username on port. Failures are
// reported, not retried; retry policy belongs to the registry.
func (s *Spawner) Spawn(ctx context.Context, username string, port int) (core.ProcessHandle, error) {
	h, err := s.Launcher.Launch(ctx, core.LaunchSpec{Username: username, Port: port})
	if err != nil {
		return core.ProcessHandle{}, fmt.Errorf("launch server for %s: %w", username, err)
	}
	return h, nil
}

// WaitReady polls the loopback port until the per-user server accepts a
// connection, with exponential backoff, bounded by ReadyTimeout and ctx.
func (s *Spawner) WaitReady(ctx context.Context, port int) error {
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	b := &backoff.Backoff{Min: 10 * time.Millisecond, Max: 2 * time.Second, Factor: 2}
	deadline := time.Now().Add(s.ReadyTimeout)

	for {
		c, err := net.DialTimeout("tcp", addr, time.Second)
		if err == nil {
			_ = c.Close()
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: port %d after %s", ErrSpawnTimeout, port, s.ReadyTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.Duration()):
		}
	}
}

// IsAlive reports process liveness via the launcher.
func (s *Spawner) IsAlive(h core.ProcessHandle) bool {
	if h.Zero() {
		return false
	}
	return s.Launcher.IsAlive(h)
}

// Terminate asks the process to exit and waits up to StopTimeout for it.
// A process that ignores the request is force-killed; Terminate only
// returns an error when even that fails to get rid of it.
func (s *Spawner) Terminate(h core.ProcessHandle) error {
	if h.Zero() {
		return nil
	}
	if err := s.Launcher.Terminate(h, false); err != nil {
		// Fall through to the liveness wait; the process may already
		// be gone, which is success from our point of view.
		if !s.Launcher.IsAlive(h) {
			return nil
		}
	}
	deadline := time.Now().Add(s.StopTimeout)
	for s.Launcher.IsAlive(h) {
		if time.Now().After(deadline) {
			if err := s.Launcher.Terminate(h, true); err != nil && s.Launcher.IsAlive(h) {
				return fmt.Errorf("force kill pid %d: %w", h.PID, err)
			}
			return nil
		}
		time.Sleep(20 * time.Millisecond)
	}
	return nil
}
