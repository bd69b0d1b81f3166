package stream

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/teslashibe/go-sightline/pkg/clock"
	"github.com/teslashibe/go-sightline/pkg/transport"
)

// Config holds stream connection configuration.
type Config struct {
	// Transports to try on every attempt, in order. The first kind that
	// dials successfully carries the link.
	TransportPreference []transport.Kind

	// Reconnection
	ReconnectionEnabled  bool
	MaxReconnectAttempts int // consecutive failures before Failed; 0 = unlimited
	InitialBackoff       time.Duration
	MaxBackoff           time.Duration
	Jitter               float64 // fraction of the delay added at random, [0,1]

	// Timeouts
	ConnectTimeout    time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	// Header is sent when dialing (e.g. a bearer token).
	Header http.Header

	// Dialers by kind. Missing kinds get the default WebSocket and
	// polling dialers.
	Dialers map[transport.Kind]transport.Dialer

	Clock  clock.Clock
	Logger *slog.Logger

	// Callbacks, invoked outside internal locks.
	OnStateChange     func(from, to State)
	OnLinkUp          func(kind transport.Kind)
	OnConnected       func(kind transport.Kind)
	OnDisconnected    func(err error)
	OnFailed          func(err error)
	OnHeartbeatMissed func(pingID string)
}

// Option is a functional option for configuring the connection.
type Option func(*Config)

// WithTransports sets the transport preference order.
func WithTransports(kinds ...transport.Kind) Option {
	return func(c *Config) { c.TransportPreference = kinds }
}

// WithReconnection enables or disables automatic reconnection.
func WithReconnection(enabled bool) Option {
	return func(c *Config) { c.ReconnectionEnabled = enabled }
}

// WithMaxReconnectAttempts sets the consecutive failure limit (0 = unlimited).
func WithMaxReconnectAttempts(n int) Option {
	return func(c *Config) { c.MaxReconnectAttempts = n }
}

// WithBackoff sets the initial and maximum reconnect delay.
func WithBackoff(initial, max time.Duration) Option {
	return func(c *Config) {
		c.InitialBackoff = initial
		c.MaxBackoff = max
	}
}

// WithJitter adds up to frac of each reconnect delay at random.
func WithJitter(frac float64) Option {
	return func(c *Config) { c.Jitter = frac }
}

// WithConnectTimeout bounds each dial.
func WithConnectTimeout(d time.Duration) Option {
	return func(c *Config) { c.ConnectTimeout = d }
}

// WithHeartbeat sets the ping interval and how long to wait for a pong.
func WithHeartbeat(interval, timeout time.Duration) Option {
	return func(c *Config) {
		c.HeartbeatInterval = interval
		c.HeartbeatTimeout = timeout
	}
}

// WithBearerToken sends "Authorization: Bearer <token>" when dialing.
func WithBearerToken(token string) Option {
	return func(c *Config) {
		if token == "" {
			return
		}
		if c.Header == nil {
			c.Header = http.Header{}
		}
		c.Header.Set("Authorization", "Bearer "+token)
	}
}

// WithDialer registers a dialer for its kind.
func WithDialer(d transport.Dialer) Option {
	return func(c *Config) {
		if c.Dialers == nil {
			c.Dialers = make(map[transport.Kind]transport.Dialer)
		}
		c.Dialers[d.Kind()] = d
	}
}

// WithClock sets the clock driving backoff and heartbeat timers.
func WithClock(clk clock.Clock) Option {
	return func(c *Config) { c.Clock = clk }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Config) { c.Logger = l }
}

// WithOnStateChange registers a state transition callback.
func WithOnStateChange(fn func(from, to State)) Option {
	return func(c *Config) { c.OnStateChange = fn }
}

// WithOnLinkUp registers a callback that runs after a link is dialed and
// before Connected is published, so nothing can be sent on the link yet.
func WithOnLinkUp(fn func(kind transport.Kind)) Option {
	return func(c *Config) { c.OnLinkUp = fn }
}

// WithOnConnected registers a callback for every established link.
func WithOnConnected(fn func(kind transport.Kind)) Option {
	return func(c *Config) { c.OnConnected = fn }
}

// WithOnDisconnected registers a callback for mid-session drops.
func WithOnDisconnected(fn func(err error)) Option {
	return func(c *Config) { c.OnDisconnected = fn }
}

// WithOnFailed registers the terminal failure callback.
func WithOnFailed(fn func(err error)) Option {
	return func(c *Config) { c.OnFailed = fn }
}

// WithOnHeartbeatMissed registers the heartbeat diagnostic callback.
func WithOnHeartbeatMissed(fn func(pingID string)) Option {
	return func(c *Config) { c.OnHeartbeatMissed = fn }
}

// DefaultConfig returns defaults: WebSocket first with polling fallback,
// unlimited reconnects from 1s doubling to 30s, 30s heartbeat.
func DefaultConfig() *Config {
	return &Config{
		TransportPreference:  []transport.Kind{transport.KindWebSocket, transport.KindPolling},
		ReconnectionEnabled:  true,
		MaxReconnectAttempts: 0,
		InitialBackoff:       1 * time.Second,
		MaxBackoff:           30 * time.Second,
		ConnectTimeout:       10 * time.Second,
		HeartbeatInterval:    30 * time.Second,
		HeartbeatTimeout:     10 * time.Second,
		Clock:                clock.Real(),
		Logger:               slog.Default(),
	}
}

// Apply applies functional options to the config.
func (c *Config) Apply(opts ...Option) {
	for _, opt := range opts {
		opt(c)
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if len(c.TransportPreference) == 0 {
		return errors.New("stream: at least one transport is required")
	}
	seen := make(map[transport.Kind]bool, len(c.TransportPreference))
	for _, k := range c.TransportPreference {
		if _, err := transport.ParseKind(string(k)); err != nil {
			return fmt.Errorf("stream: %w", err)
		}
		if seen[k] {
			return fmt.Errorf("stream: transport %q listed twice", k)
		}
		seen[k] = true
	}
	if c.MaxReconnectAttempts < 0 {
		return fmt.Errorf("stream: max reconnect attempts must be >= 0, got %d", c.MaxReconnectAttempts)
	}
	if c.InitialBackoff <= 0 {
		return fmt.Errorf("stream: initial backoff must be positive, got %v", c.InitialBackoff)
	}
	if c.MaxBackoff < c.InitialBackoff {
		return fmt.Errorf("stream: max backoff %v is below initial backoff %v", c.MaxBackoff, c.InitialBackoff)
	}
	if c.Jitter < 0 || c.Jitter > 1 {
		return fmt.Errorf("stream: jitter must be within [0,1], got %v", c.Jitter)
	}
	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("stream: connect timeout must be positive, got %v", c.ConnectTimeout)
	}
	if c.HeartbeatInterval < 0 || c.HeartbeatTimeout < 0 {
		return errors.New("stream: heartbeat durations must be >= 0")
	}
	if c.HeartbeatInterval > 0 && c.HeartbeatTimeout > c.HeartbeatInterval {
		return fmt.Errorf("stream: heartbeat timeout %v exceeds interval %v", c.HeartbeatTimeout, c.HeartbeatInterval)
	}
	return nil
}
