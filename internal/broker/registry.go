package broker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/jpillora/backoff"

	"github.com/deskgate/deskgate/internal/core"
	"github.com/deskgate/deskgate/internal/observability"
	"github.com/deskgate/deskgate/internal/spawn"
)

var (
	// ErrSessionUnavailable means a session could not be brought up for
	// the user after bounded spawn retries.
	ErrSessionUnavailable = errors.New("session unavailable")
	// ErrTooManySessions is the broker-wide session cap.
	ErrTooManySessions = errors.New("maximum session count reached")
	// ErrSessionNotFound is returned by Terminate for unknown users.
	ErrSessionNotFound = errors.New("session not found")
)

// Policy governs what happens when a user connects while already having a
// live session.
type Policy int

const (
	// PolicyOnePerUser attaches the new connection to the existing session.
	PolicyOnePerUser Policy = iota
	// PolicyReplaceExisting terminates the existing session and builds a
	// fresh one.
	PolicyReplaceExisting
)

// Registry is the authoritative username → session map and the only
// shared-mutable-state boundary in the broker. The port pool and the
// state store are touched exclusively from within its operations.
type Registry struct {
	policy       Policy
	maxSessions  int
	spawnRetries int

	spawner *spawn.Spawner
	ports   *PortPool
	store   *StateStore
	stats   *observability.BrokerStats

	mu        sync.Mutex
	sessions  map[string]*Session
	resolving keyedMutex
}

// RegistryConfig carries the registry's policy knobs.
type RegistryConfig struct {
	Policy       Policy
	MaxSessions  int
	SpawnRetries int
}

func NewRegistry(cfg RegistryConfig, spawner *spawn.Spawner, ports *PortPool, store *StateStore, stats *observability.BrokerStats) *Registry {
	return &Registry{
		policy:       cfg.Policy,
		maxSessions:  cfg.MaxSessions,
		spawnRetries: cfg.SpawnRetries,
		spawner:      spawner,
		ports:        ports,
		store:        store,
		stats:        stats,
		sessions:     make(map[string]*Session),
	}
}

// Resolve finds or creates the session for username and attaches the
// connection to it. Resolutions for one username serialize on a per-key
// lock so concurrent connections never trigger duplicate spawns;
// different usernames resolve fully in parallel.
//
// The caller must balance a successful Resolve with Disconnect.
func (r *Registry) Resolve(ctx context.Context, username, clientAddr string) (*Session, error) {
	unlock := r.resolving.lock(username)
	defer unlock()

	// Read the state under mu: Disconnect flips Active to Idle holding
	// only mu, not the keyed lock. Both states land in the same branch,
	// so the snapshot staying fresh enough is guaranteed by the keyed
	// lock excluding every other state-changing path.
	r.mu.Lock()
	s := r.sessions[username]
	var state SessionState
	if s != nil {
		state = s.State
	}
	r.mu.Unlock()

	if s != nil {
		switch state {
		case StateActive, StateIdle:
			if r.policy == PolicyOnePerUser {
				r.mu.Lock()
				s.State = StateActive
				s.ClientAddr = clientAddr
				s.attach()
				r.mu.Unlock()
				log.Printf("session reconnect user=%s port=%d client=%s", username, s.Port, clientAddr)
				return s, nil
			}
			log.Printf("session replace user=%s port=%d", username, s.Port)
			r.stats.IncReplaced()
			r.terminate(s)
		case StateStarting:
			// A restored or in-flight session that has not reported
			// ready yet; wait rather than spawning a twin.
			if err := r.spawner.WaitReady(ctx, s.Port); err != nil {
				r.fail(s)
				return nil, fmt.Errorf("%w: %v", ErrSessionUnavailable, err)
			}
			r.mu.Lock()
			s.State = StateActive
			s.ClientAddr = clientAddr
			s.attach()
			r.mu.Unlock()
			r.persist()
			return s, nil
		case StateTerminating, StateTerminated:
			// Let the old process finish dying, then build anew.
			r.terminate(s)
		}
	}

	return r.create(ctx, username, clientAddr)
}

// create allocates a port, spawns the per-user process with bounded
// retries, waits for readiness, and registers the Active session.
// Caller holds the per-username resolution lock.
//
// The capacity check, the port lease, and the Starting insertion happen
// under one hold of mu, so concurrent first-time resolutions for
// different users cannot all slip past the session cap.
func (r *Registry) create(ctx context.Context, username, clientAddr string) (*Session, error) {
	r.mu.Lock()
	if len(r.sessions) >= r.maxSessions {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w (%d)", ErrTooManySessions, r.maxSessions)
	}
	port, err := r.ports.Allocate()
	if err != nil {
		r.mu.Unlock()
		return nil, err
	}
	now := time.Now()
	s := &Session{
		Username:   username,
		Port:       port,
		State:      StateStarting,
		CreatedAt:  now,
		ClientAddr: clientAddr,
	}
	s.Touch(now)
	r.sessions[username] = s
	r.mu.Unlock()
	r.persist()
	log.Printf("session starting user=%s port=%d client=%s", username, port, clientAddr)

	b := &backoff.Backoff{Min: 200 * time.Millisecond, Max: 2 * time.Second, Factor: 2}
	handle := s.Handle
	spawnErr := error(nil)
	for attempt := 0; attempt <= r.spawnRetries; attempt++ {
		if attempt > 0 {
			log.Printf("session spawn retry user=%s attempt=%d err=%v", username, attempt, spawnErr)
			select {
			case <-ctx.Done():
				r.fail(s)
				return nil, ctx.Err()
			case <-time.After(b.Duration()):
			}
		}
		handle, spawnErr = r.spawner.Spawn(ctx, username, port)
		if spawnErr == nil {
			break
		}
	}
	if spawnErr != nil {
		r.fail(s)
		return nil, fmt.Errorf("%w: %v", ErrSessionUnavailable, spawnErr)
	}

	r.mu.Lock()
	s.Handle = handle
	r.mu.Unlock()
	r.persist()

	if err := r.spawner.WaitReady(ctx, port); err != nil {
		log.Printf("session not ready user=%s port=%d err=%v", username, port, err)
		_ = r.spawner.Terminate(handle)
		r.fail(s)
		return nil, fmt.Errorf("%w: %v", ErrSessionUnavailable, err)
	}

	r.mu.Lock()
	s.State = StateActive
	s.attach()
	r.mu.Unlock()
	r.persist()
	r.stats.IncSpawned()
	log.Printf("session ready user=%s port=%d pid=%d", username, port, handle.PID)
	return s, nil
}

// Disconnect detaches one client connection from the user's session. The
// session and its process persist; the last detach demotes it to Idle.
func (r *Registry) Disconnect(username string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.sessions[username]
	if s == nil {
		return
	}
	if s.detach() && s.State == StateActive {
		s.State = StateIdle
		s.ClientAddr = ""
		log.Printf("session idle user=%s port=%d", username, s.Port)
	}
}

// Terminate force-terminates the named user's session through the normal
// Terminating transition. It is the admin surface's mutation path.
func (r *Registry) Terminate(username string) error {
	unlock := r.resolving.lock(username)
	defer unlock()

	s := r.lookup(username)
	if s == nil {
		return ErrSessionNotFound
	}
	err := r.terminate(s)
	r.stats.IncTerminated()
	return err
}

// terminate walks one session through Terminating → Terminated: stop the
// process (force-kill after the spawner's stop timeout), release the
// port, drop the record, persist. Idempotent; never called holding mu.
func (r *Registry) terminate(s *Session) error {
	r.mu.Lock()
	if s.State == StateTerminated {
		r.mu.Unlock()
		return nil
	}
	s.State = StateTerminating
	handle := s.Handle
	r.mu.Unlock()

	err := r.spawner.Terminate(handle)
	if err != nil {
		log.Printf("session stop user=%s pid=%d err=%v", s.Username, handle.PID, err)
		err = fmt.Errorf("stop session %s: %w", s.Username, err)
	}
	r.fail(s)
	log.Printf("session terminated user=%s port=%d", s.Username, s.Port)
	return err
}

// fail marks a session Terminated, reclaims its port, and evicts it.
// The port is returned to the pool before the record is dropped so the
// "port freed before eviction" invariant holds.
func (r *Registry) fail(s *Session) {
	r.mu.Lock()
	s.State = StateTerminated
	r.ports.Release(s.Port)
	delete(r.sessions, s.Username)
	r.mu.Unlock()
	r.persist()
}

// Sweep is the reaper's entry point: expire sessions past the idle
// thresholds and collect sessions whose process died. This is the only
// path that transitions sessions purely on time or process death.
func (r *Registry) Sweep(now time.Time, idleTimeout time.Duration) error {
	r.mu.Lock()
	candidates := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		candidates = append(candidates, s)
	}
	r.mu.Unlock()

	var errs *multierror.Error
	for _, s := range candidates {
		unlock := r.resolving.lock(s.Username)

		r.mu.Lock()
		state := s.State
		handle := s.Handle
		conns := s.conns.Load()
		r.mu.Unlock()

		if state != StateActive && state != StateIdle {
			unlock()
			continue
		}

		if !handle.Zero() && !r.spawner.IsAlive(handle) {
			log.Printf("session crashed user=%s pid=%d", s.Username, handle.PID)
			r.stats.IncCrashed()
			r.fail(s)
			unlock()
			continue
		}

		silent := now.Sub(s.LastActive())
		switch {
		case state == StateIdle && silent > idleTimeout:
			log.Printf("session idle-expired user=%s port=%d silent=%s", s.Username, s.Port, silent.Round(time.Second))
			r.stats.IncExpired()
			errs = multierror.Append(errs, r.terminate(s))
		case state == StateActive && conns == 0 && silent > idleTimeout:
			// Lost its connections without a clean detach; treat as idle.
			r.mu.Lock()
			s.State = StateIdle
			s.ClientAddr = ""
			r.mu.Unlock()
		case state == StateActive && silent > 2*idleTimeout:
			// Hard threshold: connected but silent far too long. Closing
			// the process unblocks the relay goroutines.
			log.Printf("session hard-expired user=%s port=%d silent=%s", s.Username, s.Port, silent.Round(time.Second))
			r.stats.IncExpired()
			errs = multierror.Append(errs, r.terminate(s))
		}
		unlock()
	}
	return errs.ErrorOrNil()
}

// Restore reconciles persisted records against actually-running
// processes at startup. Records whose PID is gone are dropped (their
// ports stay free); live ones are re-adopted as Idle sessions.
func (r *Registry) Restore(records []StateRecord) error {
	now := time.Now()
	var errs *multierror.Error
	for _, rec := range records {
		h := core.ProcessHandle{PID: rec.PID}
		if !r.spawner.IsAlive(h) {
			log.Printf("session stale user=%s pid=%d (process gone)", rec.Username, rec.PID)
			continue
		}
		if err := r.ports.Claim(rec.Port); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("restore %s: %w", rec.Username, err))
			continue
		}
		s := &Session{
			Username:  rec.Username,
			Port:      rec.Port,
			Handle:    h,
			State:     StateIdle,
			CreatedAt: rec.CreatedAt,
		}
		s.Touch(now)
		r.mu.Lock()
		r.sessions[rec.Username] = s
		r.mu.Unlock()
		r.stats.IncRestored()
		log.Printf("session restored user=%s port=%d pid=%d", rec.Username, rec.Port, rec.PID)
	}
	r.persist()
	return errs.ErrorOrNil()
}

// TerminateAll tears down every session, used during graceful shutdown.
func (r *Registry) TerminateAll() error {
	r.mu.Lock()
	all := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.mu.Unlock()

	var errs *multierror.Error
	for _, s := range all {
		unlock := r.resolving.lock(s.Username)
		errs = multierror.Append(errs, r.terminate(s))
		unlock()
	}
	return errs.ErrorOrNil()
}

// List returns a point-in-time copy of every session. No registry lock is
// held by callers while they serialize it.
func (r *Registry) List() []SessionInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]SessionInfo, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.info())
	}
	return out
}

// Count reports the number of live (non-Terminated) sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Get returns a copy of one user's session, if present.
func (r *Registry) Get(username string) (SessionInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.sessions[username]
	if s == nil {
		return SessionInfo{}, false
	}
	return s.info(), true
}

func (r *Registry) lookup(username string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[username]
}

// persist rewrites the durable snapshot from the current membership.
// Persistence failures are logged, never fatal: the broker keeps serving
// from memory.
func (r *Registry) persist() {
	if r.store == nil {
		return
	}
	r.mu.Lock()
	records := make([]StateRecord, 0, len(r.sessions))
	for _, s := range r.sessions {
		if s.State == StateTerminated {
			continue
		}
		records = append(records, StateRecord{
			Username:  s.Username,
			Port:      s.Port,
			PID:       s.Handle.PID,
			CreatedAt: s.CreatedAt,
		})
	}
	r.mu.Unlock()
	if err := r.store.Save(records); err != nil {
		log.Printf("persist sessions: %v", err)
	}
}

// keyedMutex serializes operations per username. Entries are reference
// counted and dropped when the last waiter releases.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) (unlock func()) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*keyedLock)
	}
	l := k.locks[key]
	if l == nil {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
