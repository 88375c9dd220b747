package spawn

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/deskgate/deskgate/internal/core"
)

// fakeLauncher tracks launch/terminate calls and simulated liveness.
type fakeLauncher struct {
	mu         sync.Mutex
	nextPID    int
	alive      map[int]bool
	stubborn   bool // ignore graceful terminate
	launched   []core.LaunchSpec
	forceKills int
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{nextPID: 1000, alive: map[int]bool{}}
}

func (f *fakeLauncher) Launch(_ context.Context, spec core.LaunchSpec) (core.ProcessHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextPID++
	f.alive[f.nextPID] = true
	f.launched = append(f.launched, spec)
	return core.ProcessHandle{PID: f.nextPID}, nil
}

func (f *fakeLauncher) IsAlive(h core.ProcessHandle) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive[h.PID]
}

func (f *fakeLauncher) Terminate(h core.ProcessHandle, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if force {
		f.forceKills++
		delete(f.alive, h.PID)
		return nil
	}
	if !f.stubborn {
		delete(f.alive, h.PID)
	}
	return nil
}

func TestWaitReadySucceedsOnceListening(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	s := &Spawner{Launcher: newFakeLauncher(), ReadyTimeout: 2 * time.Second}
	if err := s.WaitReady(context.Background(), port); err != nil {
		t.Fatalf("wait ready: %v", err)
	}
}

func TestWaitReadyTimesOut(t *testing.T) {
	// Grab a port, then close it so nothing is listening there.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	s := &Spawner{Launcher: newFakeLauncher(), ReadyTimeout: 150 * time.Millisecond}
	err = s.WaitReady(context.Background(), port)
	if !errors.Is(err, ErrSpawnTimeout) {
		t.Fatalf("err = %v, want ErrSpawnTimeout", err)
	}
}

func TestTerminateGraceful(t *testing.T) {
	fl := newFakeLauncher()
	s := &Spawner{Launcher: fl, StopTimeout: time.Second}
	h, err := s.Spawn(context.Background(), "alice", 3390)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if err := s.Terminate(h); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	if fl.IsAlive(h) {
		t.Fatalf("process still alive after terminate")
	}
	if fl.forceKills != 0 {
		t.Fatalf("graceful exit should not force kill")
	}
}

func TestTerminateEscalatesToForceKill(t *testing.T) {
	fl := newFakeLauncher()
	fl.stubborn = true
	s := &Spawner{Launcher: fl, StopTimeout: 100 * time.Millisecond}
	h, err := s.Spawn(context.Background(), "bob", 3391)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if err := s.Terminate(h); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	if fl.IsAlive(h) {
		t.Fatalf("process survived force kill")
	}
	if fl.forceKills != 1 {
		t.Fatalf("forceKills = %d, want 1", fl.forceKills)
	}
}

func TestTerminateZeroHandleIsNoop(t *testing.T) {
	s := &Spawner{Launcher: newFakeLauncher(), StopTimeout: time.Second}
	if err := s.Terminate(core.ProcessHandle{}); err != nil {
		t.Fatalf("terminate zero handle: %v", err)
	}
}
