package broker

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestStateStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "sessions.json")
	store := NewStateStore(path)

	in := []StateRecord{
		{Username: "alice", Port: 4001, PID: 1234, CreatedAt: time.Now().Truncate(time.Second)},
		{Username: "bob", Port: 4002, PID: 1235, CreatedAt: time.Now().Truncate(time.Second)},
	}
	if err := store.Save(in); err != nil {
		t.Fatalf("save: %v", err)
	}
	out, err := store.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("loaded %d records, want %d", len(out), len(in))
	}
	for i := range in {
		got, want := out[i], in[i]
		if got.Username != want.Username || got.Port != want.Port || got.PID != want.PID || !got.CreatedAt.Equal(want.CreatedAt) {
			t.Fatalf("record %d = %+v, want %+v", i, got, want)
		}
	}
}

func TestStateStoreMissingFile(t *testing.T) {
	store := NewStateStore(filepath.Join(t.TempDir(), "absent.json"))
	recs, err := store.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if recs != nil {
		t.Fatalf("recs = %v, want nil", recs)
	}
}

func TestStateStoreSaveLeavesNoTempFile(t *testing.T) {
	dir := t.TempDir()
	store := NewStateStore(filepath.Join(dir, "sessions.json"))
	if err := store.Save([]StateRecord{{Username: "alice", Port: 4001, PID: 1}}); err != nil {
		t.Fatalf("save: %v", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "sessions.json" {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Fatalf("dir contents = %v, want only sessions.json", names)
	}
}

func TestRestoreDropsDeadAndAdoptsLive(t *testing.T) {
	env := newTestEnv(t, 4, defaultRegistryConfig())
	start := env.ports.start

	const livePID, deadPID = 7001, 7002
	env.launcher.markAlive(livePID)

	records := []StateRecord{
		{Username: "alice", Port: start, PID: livePID, CreatedAt: time.Now().Add(-time.Hour)},
		{Username: "bob", Port: start + 1, PID: deadPID, CreatedAt: time.Now().Add(-time.Hour)},
	}
	if err := env.registry.Restore(records); err != nil {
		t.Fatalf("restore: %v", err)
	}

	if env.registry.Count() != 1 {
		t.Fatalf("count = %d, want 1 (dead record dropped)", env.registry.Count())
	}
	info, ok := env.registry.Get("alice")
	if !ok {
		t.Fatalf("alice not restored")
	}
	if info.State != "idle" || info.Port != start || info.PID != livePID {
		t.Fatalf("restored session = %+v", info)
	}
	if _, ok := env.registry.Get("bob"); ok {
		t.Fatalf("dead record was adopted")
	}
	if env.ports.Leased() != 1 {
		t.Fatalf("leased = %d, want 1 (dead record's port free)", env.ports.Leased())
	}

	// Connecting to the restored user attaches, no fresh spawn.
	s, err := env.registry.Resolve(context.Background(), "alice", "10.0.0.1:1")
	if err != nil {
		t.Fatalf("resolve restored: %v", err)
	}
	if s.Handle.PID != livePID {
		t.Fatalf("resolve respawned: pid %d, want %d", s.Handle.PID, livePID)
	}
	if env.launcher.launchCount() != 0 {
		t.Fatalf("launch count = %d, want 0", env.launcher.launchCount())
	}

	// The pruned snapshot on disk carries only the adopted session.
	recs, err := env.store.Load()
	if err != nil {
		t.Fatalf("load pruned state: %v", err)
	}
	if len(recs) != 1 || recs[0].Username != "alice" {
		t.Fatalf("pruned records = %+v", recs)
	}
}

func TestRestorePortConflict(t *testing.T) {
	env := newTestEnv(t, 2, defaultRegistryConfig())
	start := env.ports.start
	env.launcher.markAlive(7001)
	env.launcher.markAlive(7002)

	records := []StateRecord{
		{Username: "alice", Port: start, PID: 7001},
		{Username: "bob", Port: start, PID: 7002}, // same port, corrupt snapshot
	}
	err := env.registry.Restore(records)
	if err == nil {
		t.Fatalf("want error for conflicting port claim")
	}
	if env.registry.Count() != 1 {
		t.Fatalf("count = %d, want 1", env.registry.Count())
	}
}
