package session

import (
	"errors"
	"log/slog"
	"time"

	"github.com/teslashibe/go-sightline/pkg/capture"
	"github.com/teslashibe/go-sightline/pkg/clock"
	"github.com/teslashibe/go-sightline/pkg/metrics"
	"github.com/teslashibe/go-sightline/pkg/overlay"
	"github.com/teslashibe/go-sightline/pkg/stream"
)

// DefaultTickInterval drives the capture throttle at roughly display rate.
const DefaultTickInterval = 100 * time.Millisecond

// Config holds session configuration.
type Config struct {
	// BackendURL is the detection endpoint (ws://, wss://, http:// or https://).
	BackendURL string

	// TickInterval is the cadence at which the capture throttle is ticked.
	TickInterval time.Duration

	// ProcessingTimeout bounds how long a frame may stay unanswered.
	ProcessingTimeout time.Duration

	// PlayAudio plays clips attached to applied results.
	PlayAudio bool

	Palette overlay.Palette
	Metrics *metrics.Metrics
	Clock   clock.Clock
	Logger  *slog.Logger

	// StreamOptions and CaptureOptions are passed through to the components.
	// Callbacks the session relies on are set after these.
	StreamOptions  []stream.Option
	CaptureOptions []capture.Option

	// OnUpdate is called whenever the overlay-relevant state changes.
	OnUpdate func(Status)

	// OnFailed is called when the connection gives up. The error wraps
	// stream.ErrExhaustedReconnect.
	OnFailed func(err error)
}

// Option configures a Session.
type Option func(*Config)

// WithBackendURL sets the detection endpoint.
func WithBackendURL(url string) Option {
	return func(c *Config) { c.BackendURL = url }
}

// WithTickInterval sets the throttle cadence.
func WithTickInterval(d time.Duration) Option {
	return func(c *Config) { c.TickInterval = d }
}

// WithProcessingTimeout sets the reconciler timeout.
func WithProcessingTimeout(d time.Duration) Option {
	return func(c *Config) { c.ProcessingTimeout = d }
}

// WithAudio enables or disables playback of result clips.
func WithAudio(enabled bool) Option {
	return func(c *Config) { c.PlayAudio = enabled }
}

// WithPalette overrides the overlay colors.
func WithPalette(p overlay.Palette) Option {
	return func(c *Config) { c.Palette = p }
}

// WithMetrics records counters into m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Config) { c.Metrics = m }
}

// WithClock sets the clock shared by every component.
func WithClock(clk clock.Clock) Option {
	return func(c *Config) { c.Clock = clk }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Config) { c.Logger = l }
}

// WithStreamOptions appends connection options.
func WithStreamOptions(opts ...stream.Option) Option {
	return func(c *Config) { c.StreamOptions = append(c.StreamOptions, opts...) }
}

// WithCaptureOptions appends throttle options.
func WithCaptureOptions(opts ...capture.Option) Option {
	return func(c *Config) { c.CaptureOptions = append(c.CaptureOptions, opts...) }
}

// WithOnUpdate sets the state change callback.
func WithOnUpdate(fn func(Status)) Option {
	return func(c *Config) { c.OnUpdate = fn }
}

// WithOnFailed sets the terminal failure callback.
func WithOnFailed(fn func(err error)) Option {
	return func(c *Config) { c.OnFailed = fn }
}

// DefaultConfig returns the default session configuration.
func DefaultConfig() *Config {
	return &Config{
		TickInterval:      DefaultTickInterval,
		ProcessingTimeout: 5 * time.Second,
		PlayAudio:         true,
		Palette:           overlay.DefaultPalette,
	}
}

// Apply applies options to the config.
func (c *Config) Apply(opts ...Option) {
	for _, opt := range opts {
		opt(c)
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.BackendURL == "" {
		return stream.ErrNoEndpoint
	}
	if c.TickInterval <= 0 {
		return errors.New("session: tick interval must be positive")
	}
	if c.ProcessingTimeout <= 0 {
		return errors.New("session: processing timeout must be positive")
	}
	return nil
}
