// Package config holds the broker's configuration. Values come from
// flags declared in cmd/deskgated; validation is centralized here so
// every misconfiguration fails at startup with a specific message.
package config

import (
	"fmt"
	"time"
)

// Policy names accepted by the -session-policy flag.
const (
	PolicyNameOnePerUser      = "one-per-user"
	PolicyNameReplaceExisting = "replace-existing"
)

type Config struct {
	Listen      string
	AdminListen string
	AdminSecret string

	ServerBinary   string
	PortRangeStart int
	PortRangeEnd   int
	MaxSessions    int
	SessionPolicy  string
	StateFile      string

	AllowAnonymous bool
	AnonymousUser  string

	IdleTimeout      time.Duration
	SweepInterval    time.Duration
	HandshakeTimeout time.Duration
	AuthTimeout      time.Duration
	ReadyTimeout     time.Duration
	StopTimeout      time.Duration

	MaxConnsPerSource int
	SpawnRetries      int
}

func (c Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	if c.ServerBinary == "" {
		return fmt.Errorf("server binary path is required")
	}
	if c.PortRangeStart <= 0 || c.PortRangeStart > 65535 {
		return fmt.Errorf("port range start %d out of range", c.PortRangeStart)
	}
	if c.PortRangeEnd < c.PortRangeStart || c.PortRangeEnd > 65535 {
		return fmt.Errorf("port range end %d invalid (start %d)", c.PortRangeEnd, c.PortRangeStart)
	}
	if c.SessionPolicy != PolicyNameOnePerUser && c.SessionPolicy != PolicyNameReplaceExisting {
		return fmt.Errorf("session policy must be %s or %s", PolicyNameOnePerUser, PolicyNameReplaceExisting)
	}
	if c.MaxSessions <= 0 {
		return fmt.Errorf("max sessions must be positive")
	}
	if c.StateFile == "" {
		return fmt.Errorf("state file path is required")
	}
	if c.AllowAnonymous && c.AnonymousUser == "" {
		return fmt.Errorf("anonymous user is required when anonymous access is allowed")
	}
	if c.AdminListen != "" && c.AdminSecret == "" {
		return fmt.Errorf("admin secret is required when the admin listener is enabled")
	}
	for name, d := range map[string]time.Duration{
		"idle timeout":      c.IdleTimeout,
		"sweep interval":    c.SweepInterval,
		"handshake timeout": c.HandshakeTimeout,
		"auth timeout":      c.AuthTimeout,
		"ready timeout":     c.ReadyTimeout,
		"stop timeout":      c.StopTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if c.SpawnRetries < 0 {
		return fmt.Errorf("spawn retries must not be negative")
	}
	return nil
}
