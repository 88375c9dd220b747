// Command deskgated is the multi-user desktop session broker. It owns one
// public RDP port, routes each connection to a per-user server process by
// the routing cookie in the X.224 handshake, and supervises those
// processes across their whole lifecycle.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/deskgate/deskgate/internal/admin"
	"github.com/deskgate/deskgate/internal/auth"
	"github.com/deskgate/deskgate/internal/broker"
	"github.com/deskgate/deskgate/internal/config"
	"github.com/deskgate/deskgate/internal/observability"
	"github.com/deskgate/deskgate/internal/spawn"
)

func main() {
	cfg := config.Config{}
	flag.StringVar(&cfg.Listen, "listen", ":3389", "public RDP listen address")
	flag.StringVar(&cfg.AdminListen, "admin-listen", "127.0.0.1:3386", "admin API listen address (empty disables)")
	flag.StringVar(&cfg.AdminSecret, "admin-secret", os.Getenv("DESKGATE_ADMIN_SECRET"), "HMAC secret for admin API tokens (env DESKGATE_ADMIN_SECRET)")
	flag.StringVar(&cfg.ServerBinary, "server-binary", "/usr/bin/deskgate-server", "per-user desktop server executable")
	flag.IntVar(&cfg.PortRangeStart, "port-range-start", 3390, "first port leasable to per-user servers")
	flag.IntVar(&cfg.PortRangeEnd, "port-range-end", 3489, "last port leasable to per-user servers")
	flag.IntVar(&cfg.MaxSessions, "max-sessions", 100, "broker-wide concurrent session cap")
	flag.StringVar(&cfg.SessionPolicy, "session-policy", config.PolicyNameOnePerUser, "reconnect policy: one-per-user|replace-existing")
	flag.StringVar(&cfg.StateFile, "state-file", "/var/lib/deskgate/sessions.json", "persisted session snapshot path")
	flag.BoolVar(&cfg.AllowAnonymous, "allow-anonymous", false, "route cookie-less connections to -anonymous-user")
	flag.StringVar(&cfg.AnonymousUser, "anonymous-user", "guest", "account for cookie-less connections")
	flag.DurationVar(&cfg.IdleTimeout, "idle-timeout", time.Hour, "terminate sessions silent this long")
	flag.DurationVar(&cfg.SweepInterval, "sweep-interval", time.Minute, "how often the reaper scans sessions")
	flag.DurationVar(&cfg.HandshakeTimeout, "handshake-timeout", 5*time.Second, "deadline for the client's first packet")
	flag.DurationVar(&cfg.AuthTimeout, "auth-timeout", 10*time.Second, "deadline for the identity check")
	flag.DurationVar(&cfg.ReadyTimeout, "ready-timeout", 30*time.Second, "deadline for a spawned server to accept connections")
	flag.DurationVar(&cfg.StopTimeout, "stop-timeout", 10*time.Second, "graceful stop window before force-kill")
	flag.IntVar(&cfg.MaxConnsPerSource, "max-conns-per-source", 20, "concurrent connection cap per client IP")
	flag.IntVar(&cfg.SpawnRetries, "spawn-retries", 2, "extra launch attempts before a session is given up")
	flag.Parse()

	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}

	policy := broker.PolicyOnePerUser
	if cfg.SessionPolicy == config.PolicyNameReplaceExisting {
		policy = broker.PolicyReplaceExisting
	}

	stats := observability.NewBrokerStats()
	ports := broker.NewPortPool(cfg.PortRangeStart, cfg.PortRangeEnd)
	store := broker.NewStateStore(cfg.StateFile)
	spawner := &spawn.Spawner{
		Launcher:     &spawn.ExecLauncher{Binary: cfg.ServerBinary},
		ReadyTimeout: cfg.ReadyTimeout,
		StopTimeout:  cfg.StopTimeout,
	}
	registry := broker.NewRegistry(broker.RegistryConfig{
		Policy:       policy,
		MaxSessions:  cfg.MaxSessions,
		SpawnRetries: cfg.SpawnRetries,
	}, spawner, ports, store, stats)

	records, err := store.Load()
	if err != nil {
		log.Fatalf("load session state: %v", err)
	}
	if err := registry.Restore(records); err != nil {
		log.Printf("restore sessions: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	reaper := &broker.Reaper{
		Registry:    registry,
		Interval:    cfg.SweepInterval,
		IdleTimeout: cfg.IdleTimeout,
	}
	go reaper.Run(ctx)

	var adminSrv *http.Server
	if cfg.AdminListen != "" {
		adminSrv = &http.Server{
			Addr:    cfg.AdminListen,
			Handler: admin.NewRouter(registry, stats, cfg.AdminSecret),
		}
		go func() {
			log.Printf("admin API listening on %s", cfg.AdminListen)
			if err := adminSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("admin API: %v", err)
			}
		}()
	}

	listener := &broker.Listener{
		Addr:              cfg.Listen,
		Registry:          registry,
		Auth:              &auth.Authenticator{Verifier: auth.AccountVerifier{}, Timeout: cfg.AuthTimeout},
		Stats:             stats,
		HandshakeTimeout:  cfg.HandshakeTimeout,
		AllowAnonymous:    cfg.AllowAnonymous,
		AnonymousUser:     cfg.AnonymousUser,
		MaxConnsPerSource: cfg.MaxConnsPerSource,
	}
	if err := listener.Run(ctx); err != nil {
		log.Fatalf("listener: %v", err)
	}

	// ctx is done: stop taking new work, then tear sessions down within
	// the stop window so child processes do not outlive the broker.
	log.Printf("shutting down")
	if adminSrv != nil {
		shutCtx, shutCancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = adminSrv.Shutdown(shutCtx)
		shutCancel()
	}
	if err := registry.TerminateAll(); err != nil {
		log.Printf("terminate sessions: %v", err)
	}
	log.Printf("shutdown complete")
}
