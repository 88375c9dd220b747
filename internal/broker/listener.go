package broker

import (
	"context"
	"errors"
	"log"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/deskgate/deskgate/internal/auth"
	"github.com/deskgate/deskgate/internal/observability"
	"github.com/deskgate/deskgate/internal/rdp"
)

// Listener owns the shared public port. For each accepted connection it
// sniffs the X.224 Connection Request, authenticates the user, resolves a
// session through the Registry, and hands the socket to the relay.
type Listener struct {
	Addr     string
	Listener net.Listener // optional (tests)

	Registry *Registry
	Auth     *auth.Authenticator
	Stats    *observability.BrokerStats

	// HandshakeTimeout bounds the sniffing read in time; the sniffer
	// itself bounds it in bytes.
	HandshakeTimeout time.Duration

	// AllowAnonymous maps cookie-less connections to AnonymousUser
	// instead of rejecting them.
	AllowAnonymous bool
	AnonymousUser  string

	// MaxConnsPerSource caps concurrently handled connections per
	// client IP. Excess connections are failed fast, before sniffing.
	MaxConnsPerSource int

	mu             sync.Mutex
	activeBySource map[string]int
}

// Run accepts until ctx is cancelled or the listener fails.
func (l *Listener) Run(ctx context.Context) error {
	if l.HandshakeTimeout <= 0 {
		l.HandshakeTimeout = 5 * time.Second
	}
	if l.MaxConnsPerSource <= 0 {
		l.MaxConnsPerSource = 20
	}
	if l.activeBySource == nil {
		l.activeBySource = make(map[string]int)
	}

	ln := l.Listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", l.Addr)
		if err != nil {
			return err
		}
	}
	defer ln.Close()

	log.Printf("broker listening on %s", ln.Addr())

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		c, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			return err
		}
		go l.handleConn(ctx, c)
	}
}

func (l *Listener) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	l.Stats.IncAccepted()
	connID := uuid.NewString()[:8]

	source := "unknown"
	if ra, ok := conn.RemoteAddr().(*net.TCPAddr); ok && ra.IP != nil {
		source = ra.IP.String()
	}
	if !l.tryAcquireSource(source) {
		log.Printf("conn=%s source=%s rejected: per-source cap", connID, source)
		l.Stats.IncRejectSourceCap()
		fastFail(conn)
		return
	}
	defer l.releaseSource(source)

	// Sniff. Bounded in time by the deadline and in bytes by the parser.
	_ = conn.SetReadDeadline(time.Now().Add(l.HandshakeTimeout))
	cr, err := rdp.ReadConnectionRequest(conn)
	if err != nil {
		log.Printf("conn=%s source=%s handshake rejected: %v", connID, source, err)
		l.Stats.IncRejectMalformed()
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	username := cr.Username
	if username == "" {
		if !l.AllowAnonymous {
			log.Printf("conn=%s source=%s rejected: no routing cookie", connID, source)
			l.Stats.IncRejectNoCookie()
			_ = rdp.WriteNegotiationFailure(conn, rdp.NegFailureHybridRequired)
			return
		}
		username = l.AnonymousUser
	}

	// The cookie carries no password; the credential check here is the
	// account-level gate, full auth belongs to the per-user server.
	if err := l.Auth.Authenticate(ctx, username, ""); err != nil {
		log.Printf("conn=%s user=%s auth failed: %v", connID, username, err)
		l.Stats.IncRejectAuth()
		_ = rdp.WriteNegotiationFailure(conn, rdp.NegFailureHybridRequired)
		return
	}

	session, err := l.Registry.Resolve(ctx, username, conn.RemoteAddr().String())
	if err != nil {
		log.Printf("conn=%s user=%s resolve failed: %v", connID, username, err)
		switch {
		case errors.Is(err, ErrPoolExhausted), errors.Is(err, ErrTooManySessions):
			l.Stats.IncRejectCapacity()
		default:
			l.Stats.IncRejectUnavailable()
		}
		_ = rdp.WriteNegotiationFailure(conn, rdp.NegFailureHybridRequired)
		return
	}
	defer l.Registry.Disconnect(username)

	l.Stats.IncRelayed()
	log.Printf("conn=%s user=%s relaying to port %d", connID, username, session.Port)

	serverAddr := net.JoinHostPort("127.0.0.1", strconv.Itoa(session.Port))
	if err := Relay(conn, cr.Raw, serverAddr, l.HandshakeTimeout, session.Touch); err != nil {
		// Relay errors end this connection only; the session persists.
		log.Printf("conn=%s user=%s relay ended: %v", connID, username, err)
	}
}

// fastFail aborts a connection with RST instead of a lingering FIN so
// clients give up immediately.
func fastFail(conn net.Conn) {
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetLinger(0)
	}
}

func (l *Listener) tryAcquireSource(source string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.activeBySource[source] >= l.MaxConnsPerSource {
		return false
	}
	l.activeBySource[source]++
	return true
}

func (l *Listener) releaseSource(source string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := l.activeBySource[source] - 1
	if n <= 0 {
		delete(l.activeBySource, source)
		return
	}
	l.activeBySource[source] = n
}
