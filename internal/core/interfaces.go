// Package core defines the shared interface contracts the deskgate
// modules target. No implementations live here, only types and interfaces.
//
// The two capabilities below are the broker's external collaborators:
// process supervision and identity verification. Real implementations live
// in internal/spawn and internal/auth; tests substitute fakes.
package core

import "context"

// LaunchSpec describes one per-user desktop-server process to start.
type LaunchSpec struct {
	// Username is the OS account the process must run as.
	Username string
	// Port is the loopback TCP port the process must listen on.
	Port int
}

// ProcessHandle identifies a launched per-user process. It is owned by
// exactly one session and torn down only through Launcher.Terminate.
type ProcessHandle struct {
	PID int
}

// Zero reports whether the handle refers to no process.
func (h ProcessHandle) Zero() bool { return h.PID == 0 }

// Launcher is the injected process-supervision capability.
type Launcher interface {
	// Launch starts the per-user process described by spec.
	Launch(ctx context.Context, spec LaunchSpec) (ProcessHandle, error)
	// IsAlive reports whether the process behind h is still running.
	IsAlive(h ProcessHandle) bool
	// Terminate asks the process to exit. With force set it must not
	// wait for cooperation from the process.
	Terminate(h ProcessHandle, force bool) error
}

// Verifier checks a username/credential pair against an identity provider.
// Implementations must not touch broker session state.
type Verifier interface {
	// Verify returns (false, nil) for a bad credential and a non-nil
	// error only when the provider itself could not answer.
	Verify(ctx context.Context, username, credential string) (bool, error)
}
