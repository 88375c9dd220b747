// Package broker owns the session lifecycle: the registry and its state
// machine, port leasing, persisted state, the idle/crash reaper, the
// public listener, and the byte-level proxy between clients and per-user
// server processes.
package broker

import (
	"sync/atomic"
	"time"

	"github.com/deskgate/deskgate/internal/core"
)

// SessionState is the lifecycle state of one per-user session.
type SessionState int

const (
	StateStarting SessionState = iota
	StateActive
	StateIdle
	StateTerminating
	StateTerminated
)

func (s SessionState) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateActive:
		return "active"
	case StateIdle:
		return "idle"
	case StateTerminating:
		return "terminating"
	case StateTerminated:
		return "terminated"
	}
	return "unknown"
}

// Session binds one authenticated username to one running per-user process
// and one leased port. All fields except lastActive and conns are guarded
// by the registry mutex; those two are touched from relay goroutines and
// are atomic so the data plane never takes the registry lock.
type Session struct {
	Username   string
	Port       int
	Handle     core.ProcessHandle
	State      SessionState
	CreatedAt  time.Time
	ClientAddr string

	lastActive atomic.Int64 // unix nanos
	conns      atomic.Int32 // attached client connections
}

// Touch records proxy byte flow at time now.
func (s *Session) Touch(now time.Time) { s.lastActive.Store(now.UnixNano()) }

// LastActive returns the time of the most recent proxied byte transfer
// (or session creation, before any bytes flowed).
func (s *Session) LastActive() time.Time { return time.Unix(0, s.lastActive.Load()) }

func (s *Session) attach() { s.conns.Add(1) }

// detach reports whether this was the last attached connection.
func (s *Session) detach() bool { return s.conns.Add(-1) <= 0 }

// SessionInfo is the copied, lock-free view of a session handed to the
// admin surface and the reaper.
type SessionInfo struct {
	Username   string    `json:"username"`
	State      string    `json:"state"`
	Port       int       `json:"port"`
	CreatedAt  time.Time `json:"created_at"`
	LastActive time.Time `json:"last_active_at"`
	ClientAddr string    `json:"client_addr,omitempty"`
	PID        int       `json:"pid,omitempty"`
}

func (s *Session) info() SessionInfo {
	return SessionInfo{
		Username:   s.Username,
		State:      s.State.String(),
		Port:       s.Port,
		CreatedAt:  s.CreatedAt,
		LastActive: s.LastActive(),
		ClientAddr: s.ClientAddr,
		PID:        s.Handle.PID,
	}
}
