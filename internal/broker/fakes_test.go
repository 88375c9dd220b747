package broker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/deskgate/deskgate/internal/core"
	"github.com/deskgate/deskgate/internal/observability"
	"github.com/deskgate/deskgate/internal/spawn"
)

// fakeLauncher stands in for the process-supervision capability. Each
// "process" it launches is a real loopback echo listener on the assigned
// port, so readiness polling and the relay work against it unchanged.
type fakeLauncher struct {
	mu         sync.Mutex
	nextPID    int
	procs      map[int]*fakeProc
	failLaunch error
	launches   []core.LaunchSpec
}

type fakeProc struct {
	ln net.Listener
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{nextPID: 5000, procs: map[int]*fakeProc{}}
}

func (f *fakeLauncher) Launch(_ context.Context, spec core.LaunchSpec) (core.ProcessHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.launches = append(f.launches, spec)
	if f.failLaunch != nil {
		return core.ProcessHandle{}, f.failLaunch
	}
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", spec.Port))
	if err != nil {
		return core.ProcessHandle{}, fmt.Errorf("fake process listen: %w", err)
	}
	go echoServe(ln)
	f.nextPID++
	f.procs[f.nextPID] = &fakeProc{ln: ln}
	return core.ProcessHandle{PID: f.nextPID}, nil
}

func echoServe(ln net.Listener) {
	for {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		go func() {
			defer c.Close()
			_, _ = io.Copy(c, c)
		}()
	}
}

func (f *fakeLauncher) IsAlive(h core.ProcessHandle) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.procs[h.PID]
	return ok
}

func (f *fakeLauncher) Terminate(h core.ProcessHandle, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.procs[h.PID]; ok {
		_ = p.ln.Close()
		delete(f.procs, h.PID)
	}
	return nil
}

// kill simulates a crash: the process dies without the broker asking.
func (f *fakeLauncher) kill(pid int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.procs[pid]; ok {
		_ = p.ln.Close()
		delete(f.procs, pid)
	}
}

// markAlive registers a PID as a live process without launching anything,
// for restore/reconciliation tests.
func (f *fakeLauncher) markAlive(pid int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.procs[pid] = &fakeProc{ln: nopListener{}}
}

func (f *fakeLauncher) launchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.launches)
}

type nopListener struct{}

func (nopListener) Accept() (net.Conn, error) { return nil, errors.New("nop listener") }
func (nopListener) Close() error              { return nil }
func (nopListener) Addr() net.Addr            { return &net.TCPAddr{} }

// freePortRange finds n consecutive loopback ports that are currently
// bindable, for pools whose fake processes must really listen.
func freePortRange(t *testing.T, n int) (start, end int) {
	t.Helper()
	for base := 42000; base < 60000; base += n + 3 {
		lns := make([]net.Listener, 0, n)
		ok := true
		for p := base; p < base+n; p++ {
			ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", p))
			if err != nil {
				ok = false
				break
			}
			lns = append(lns, ln)
		}
		for _, ln := range lns {
			_ = ln.Close()
		}
		if ok {
			return base, base + n - 1
		}
	}
	t.Fatalf("no free port range of size %d", n)
	return 0, 0
}

type testEnv struct {
	registry *Registry
	launcher *fakeLauncher
	ports    *PortPool
	stats    *observability.BrokerStats
	store    *StateStore
}

func newTestEnv(t *testing.T, poolSize int, cfg RegistryConfig) *testEnv {
	t.Helper()
	start, end := freePortRange(t, poolSize)
	launcher := newFakeLauncher()
	spawner := &spawn.Spawner{
		Launcher:     launcher,
		ReadyTimeout: 5 * time.Second,
		StopTimeout:  time.Second,
	}
	ports := NewPortPool(start, end)
	stats := observability.NewBrokerStats()
	store := NewStateStore(t.TempDir() + "/sessions.json")
	reg := NewRegistry(cfg, spawner, ports, store, stats)
	t.Cleanup(func() { _ = reg.TerminateAll() })
	return &testEnv{registry: reg, launcher: launcher, ports: ports, stats: stats, store: store}
}

func defaultRegistryConfig() RegistryConfig {
	return RegistryConfig{Policy: PolicyOnePerUser, MaxSessions: 16, SpawnRetries: 0}
}
