package node

import (
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/TeoSlayer/drpmesh/pkg/protocol"
)

// Config holds the settings for one mesh node.
type Config struct {
	NodeID       string          // empty = generated from host, pid and a random salt
	Roles        []protocol.Role // default Provider
	ListenAddr   string          // HTTP/WebSocket listen address (empty = not listening)
	NodeURL      string          // advertised ws:// URL (empty = derived from the listener)
	RegistryURLs []string        // registries to hold outbound connections to
	Zone         string
	HostID       string // host name used in the generated NodeID
	MeshKey      string // compared on hello when set
	WebhookURL   string // HTTP(S) endpoint for registry events (empty = disabled)

	// REST bridge
	RestRoute    string   // default /mesh
	RestBasePath []string // prepended to every REST path
	CORSOrigins  []string // empty = no CORS handling

	// Tuning (zero = use defaults)
	DialPollAttempts int           // default 50
	DialPollInterval time.Duration // default 100ms
	ConnectTTL       int           // default protocol.DefaultConnectTTL
	CmdTimeout       time.Duration // default 30s, forwarded commands
	ReconnectDelay   time.Duration // default 5s, wait after a registry link drops

	// ReconnectBackOff builds the retry schedule for registry links. The
	// default starts at 5s and grows to 30s.
	ReconnectBackOff func() backoff.BackOff
}

// Default tuning constants (used when Config fields are zero).
const (
	DefaultRestRoute        = "/mesh"
	DefaultDialPollAttempts = 50
	DefaultDialPollInterval = 100 * time.Millisecond
	DefaultCmdTimeout       = 30 * time.Second
	DefaultReconnectDelay   = 5 * time.Second
	DefaultReconnectMax     = 30 * time.Second
)

func (c *Config) roles() []protocol.Role {
	if len(c.Roles) == 0 {
		return []protocol.Role{protocol.RoleProvider}
	}
	return c.Roles
}

func (c *Config) restRoute() string {
	if c.RestRoute == "" {
		return DefaultRestRoute
	}
	return c.RestRoute
}

func (c *Config) dialPollAttempts() int {
	if c.DialPollAttempts > 0 {
		return c.DialPollAttempts
	}
	return DefaultDialPollAttempts
}

func (c *Config) dialPollInterval() time.Duration {
	if c.DialPollInterval > 0 {
		return c.DialPollInterval
	}
	return DefaultDialPollInterval
}

// dialWindow bounds a direct dial and each back-connect wait.
func (c *Config) dialWindow() time.Duration {
	return time.Duration(c.dialPollAttempts()) * c.dialPollInterval()
}

func (c *Config) connectTTL() int {
	if c.ConnectTTL > 0 {
		return c.ConnectTTL
	}
	return protocol.DefaultConnectTTL
}

func (c *Config) cmdTimeout() time.Duration {
	if c.CmdTimeout > 0 {
		return c.CmdTimeout
	}
	return DefaultCmdTimeout
}

func (c *Config) reconnectDelay() time.Duration {
	if c.ReconnectDelay > 0 {
		return c.ReconnectDelay
	}
	return DefaultReconnectDelay
}

func (c *Config) reconnectBackOff() backoff.BackOff {
	if c.ReconnectBackOff != nil {
		return c.ReconnectBackOff()
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = DefaultReconnectDelay
	b.MaxInterval = DefaultReconnectMax
	return b
}
