// Package config loads sightline configuration from an optional YAML file
// and SIGHTLINE_* environment variables. Flags in main override both.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/teslashibe/go-sightline/pkg/camera"
	"github.com/teslashibe/go-sightline/pkg/transport"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "SIGHTLINE_"

// Backend describes the detection endpoint.
type Backend struct {
	URL        string   `yaml:"url"`
	Transports []string `yaml:"transports"`
	Token      string   `yaml:"token"` // optional bearer token
}

// Reconnect is the reconnection policy.
type Reconnect struct {
	Enabled        bool          `yaml:"enabled"`
	MaxAttempts    int           `yaml:"max_attempts"` // 0 is unlimited
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	Jitter         float64       `yaml:"jitter"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// Heartbeat is the liveness probe schedule. A zero interval disables it.
type Heartbeat struct {
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
}

// Capture is the throttle policy.
type Capture struct {
	TickInterval      time.Duration `yaml:"tick_interval"`
	Interval          int           `yaml:"interval"` // capture every Nth tick
	MinInterval       time.Duration `yaml:"min_interval"`
	Timeout           time.Duration `yaml:"timeout"`
	ProcessingTimeout time.Duration `yaml:"processing_timeout"`
}

// Audio controls playback of result clips.
type Audio struct {
	Enabled bool     `yaml:"enabled"`
	Command []string `yaml:"command"`
}

// Dashboard controls the local web server.
type Dashboard struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Config is the full client configuration.
type Config struct {
	Backend   Backend       `yaml:"backend"`
	Reconnect Reconnect     `yaml:"reconnect"`
	Heartbeat Heartbeat     `yaml:"heartbeat"`
	Capture   Capture       `yaml:"capture"`
	Camera    camera.Config `yaml:"camera"`
	Audio     Audio         `yaml:"audio"`
	Dashboard Dashboard     `yaml:"dashboard"`
	LogLevel  string        `yaml:"log_level"`
	LogFormat string        `yaml:"log_format"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Backend: Backend{
			URL:        "ws://localhost:5000/ws",
			Transports: []string{string(transport.KindWebSocket), string(transport.KindPolling)},
		},
		Reconnect: Reconnect{
			Enabled:        true,
			InitialBackoff: time.Second,
			MaxBackoff:     30 * time.Second,
			Jitter:         0.2,
			ConnectTimeout: 10 * time.Second,
		},
		Heartbeat: Heartbeat{
			Interval: 30 * time.Second,
			Timeout:  10 * time.Second,
		},
		Capture: Capture{
			TickInterval:      100 * time.Millisecond,
			Interval:          10,
			MinInterval:       time.Second,
			Timeout:           5 * time.Second,
			ProcessingTimeout: 5 * time.Second,
		},
		Camera:    camera.DefaultConfig(),
		Audio:     Audio{Enabled: true},
		Dashboard: Dashboard{Enabled: true, Addr: ":8080"},
		LogLevel:  "info",
	}
}

// Load reads path (if non-empty) over the defaults, then applies the
// environment.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
		if err := cfg.parseYAML(data); err != nil {
			return nil, fmt.Errorf("config: %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) parseYAML(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// ApplyEnv overrides fields from SIGHTLINE_* variables found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	var errs []error
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok && v != "" {
			*dst = v
		}
	}
	num := func(name string, dst *int) {
		if v, ok := lookup(EnvPrefix + name); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = n
		}
	}
	dur := func(name string, dst *time.Duration) {
		if v, ok := lookup(EnvPrefix + name); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = d
		}
	}
	flag := func(name string, dst *bool) {
		if v, ok := lookup(EnvPrefix + name); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = b
		}
	}

	str("BACKEND_URL", &c.Backend.URL)
	str("TOKEN", &c.Backend.Token)
	if v, ok := lookup(EnvPrefix + "TRANSPORTS"); ok && v != "" {
		c.Backend.Transports = splitList(v)
	}

	flag("RECONNECT", &c.Reconnect.Enabled)
	num("MAX_RECONNECT_ATTEMPTS", &c.Reconnect.MaxAttempts)
	dur("INITIAL_BACKOFF", &c.Reconnect.InitialBackoff)
	dur("MAX_BACKOFF", &c.Reconnect.MaxBackoff)
	dur("CONNECT_TIMEOUT", &c.Reconnect.ConnectTimeout)
	dur("HEARTBEAT_INTERVAL", &c.Heartbeat.Interval)

	dur("TICK_INTERVAL", &c.Capture.TickInterval)
	num("CAPTURE_INTERVAL", &c.Capture.Interval)
	dur("MIN_INTERVAL", &c.Capture.MinInterval)
	dur("PROCESSING_TIMEOUT", &c.Capture.ProcessingTimeout)

	str("CAMERA_SOURCE", &c.Camera.Source)
	num("CAMERA_DEVICE", &c.Camera.Device)
	str("CAMERA_FACING", &c.Camera.Facing)

	flag("AUDIO", &c.Audio.Enabled)
	flag("DASHBOARD", &c.Dashboard.Enabled)
	str("DASHBOARD_ADDR", &c.Dashboard.Addr)
	str("LOG_LEVEL", &c.LogLevel)
	str("LOG_FORMAT", &c.LogFormat)

	return errors.Join(errs...)
}

// Validate checks the parts not validated by the component packages.
func (c *Config) Validate() error {
	var errs []error

	u, err := url.Parse(c.Backend.URL)
	switch {
	case c.Backend.URL == "":
		errs = append(errs, errors.New("backend.url is required"))
	case err != nil:
		errs = append(errs, fmt.Errorf("backend.url: %w", err))
	case u.Host == "":
		errs = append(errs, fmt.Errorf("backend.url %q has no host", c.Backend.URL))
	default:
		switch u.Scheme {
		case "ws", "wss", "http", "https":
		default:
			errs = append(errs, fmt.Errorf("backend.url scheme %q must be ws, wss, http or https", u.Scheme))
		}
	}
	if _, err := c.TransportKinds(); err != nil {
		errs = append(errs, err)
	}
	for _, msg := range c.Camera.Validate() {
		errs = append(errs, errors.New("camera: "+msg))
	}
	if c.Dashboard.Enabled && c.Dashboard.Addr == "" {
		errs = append(errs, errors.New("dashboard.addr is required when the dashboard is enabled"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// TransportKinds parses the transport preference list.
func (c *Config) TransportKinds() ([]transport.Kind, error) {
	kinds := make([]transport.Kind, 0, len(c.Backend.Transports))
	for _, s := range c.Backend.Transports {
		k, err := transport.ParseKind(s)
		if err != nil {
			return nil, err
		}
		kinds = append(kinds, k)
	}
	return kinds, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
