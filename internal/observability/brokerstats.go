package observability

import (
	"sync/atomic"
	"time"
)

// BrokerStats counts what the broker does to connections and sessions.
// All counters are atomic; the data plane increments them without locks.
type BrokerStats struct {
	start time.Time

	connsAccepted atomic.Int64
	connsRelayed  atomic.Int64

	rejectMalformed   atomic.Int64
	rejectNoCookie    atomic.Int64
	rejectAuth        atomic.Int64
	rejectCapacity    atomic.Int64
	rejectSourceCap   atomic.Int64
	rejectUnavailable atomic.Int64

	sessionsSpawned    atomic.Int64
	sessionsReplaced   atomic.Int64
	sessionsExpired    atomic.Int64
	sessionsCrashed    atomic.Int64
	sessionsTerminated atomic.Int64
	sessionsRestored   atomic.Int64
}

func NewBrokerStats() *BrokerStats {
	return &BrokerStats{start: time.Now()}
}

func (s *BrokerStats) IncAccepted()          { s.connsAccepted.Add(1) }
func (s *BrokerStats) IncRelayed()           { s.connsRelayed.Add(1) }
func (s *BrokerStats) IncRejectMalformed()   { s.rejectMalformed.Add(1) }
func (s *BrokerStats) IncRejectNoCookie()    { s.rejectNoCookie.Add(1) }
func (s *BrokerStats) IncRejectAuth()        { s.rejectAuth.Add(1) }
func (s *BrokerStats) IncRejectCapacity()    { s.rejectCapacity.Add(1) }
func (s *BrokerStats) IncRejectSourceCap()   { s.rejectSourceCap.Add(1) }
func (s *BrokerStats) IncRejectUnavailable() { s.rejectUnavailable.Add(1) }

func (s *BrokerStats) IncSpawned()    { s.sessionsSpawned.Add(1) }
func (s *BrokerStats) IncReplaced()   { s.sessionsReplaced.Add(1) }
func (s *BrokerStats) IncExpired()    { s.sessionsExpired.Add(1) }
func (s *BrokerStats) IncCrashed()    { s.sessionsCrashed.Add(1) }
func (s *BrokerStats) IncTerminated() { s.sessionsTerminated.Add(1) }
func (s *BrokerStats) IncRestored()   { s.sessionsRestored.Add(1) }

// Snapshot returns the counters as a serializable map for the admin API.
func (s *BrokerStats) Snapshot() map[string]int64 {
	return map[string]int64{
		"uptime_seconds":      int64(time.Since(s.start).Seconds()),
		"conns_accepted":      s.connsAccepted.Load(),
		"conns_relayed":       s.connsRelayed.Load(),
		"reject_malformed":    s.rejectMalformed.Load(),
		"reject_no_cookie":    s.rejectNoCookie.Load(),
		"reject_auth":         s.rejectAuth.Load(),
		"reject_capacity":     s.rejectCapacity.Load(),
		"reject_source_cap":   s.rejectSourceCap.Load(),
		"reject_unavailable":  s.rejectUnavailable.Load(),
		"sessions_spawned":    s.sessionsSpawned.Load(),
		"sessions_replaced":   s.sessionsReplaced.Load(),
		"sessions_expired":    s.sessionsExpired.Load(),
		"sessions_crashed":    s.sessionsCrashed.Load(),
		"sessions_terminated": s.sessionsTerminated.Load(),
		"sessions_restored":   s.sessionsRestored.Load(),
	}
}
