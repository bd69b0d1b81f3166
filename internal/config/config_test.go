package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/teslashibe/go-sightline/pkg/capture"
	"github.com/teslashibe/go-sightline/pkg/stream"
	"github.com/teslashibe/go-sightline/pkg/transport"
)

func env(vars map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := vars[k]
		return v, ok
	}
}

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Default().Validate() = %v", err)
	}
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sightline.yaml")
	yaml := `
backend:
  url: wss://detect.example.com/ws
  transports: [polling]
reconnect:
  enabled: true
  max_attempts: 5
  initial_backoff: 500ms
  max_backoff: 10s
capture:
  interval: 30
  min_interval: 2s
camera:
  source: synthetic
  width: 320
  height: 240
  quality: 70
  facing: front
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Backend.URL != "wss://detect.example.com/ws" {
		t.Errorf("url = %q", cfg.Backend.URL)
	}
	if cfg.Reconnect.InitialBackoff != 500*time.Millisecond || cfg.Reconnect.MaxAttempts != 5 {
		t.Errorf("reconnect = %+v", cfg.Reconnect)
	}
	if cfg.Capture.Interval != 30 || cfg.Capture.MinInterval != 2*time.Second {
		t.Errorf("capture = %+v", cfg.Capture)
	}
	// unset fields keep their defaults
	if cfg.Capture.ProcessingTimeout != 5*time.Second || cfg.Dashboard.Addr != ":8080" {
		t.Errorf("defaults lost: %+v %+v", cfg.Capture, cfg.Dashboard)
	}
	if kinds, _ := cfg.TransportKinds(); len(kinds) != 1 || kinds[0] != transport.KindPolling {
		t.Errorf("transports = %v", kinds)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	os.WriteFile(path, []byte("backend:\n  adress: x\n"), 0o644)
	if _, err := Load(path); err == nil {
		t.Error("unknown key should fail")
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("missing file should fail")
	}
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	err := cfg.ApplyEnv(env(map[string]string{
		"SIGHTLINE_BACKEND_URL":            "http://10.0.0.2:5000",
		"SIGHTLINE_TRANSPORTS":             "polling, websocket",
		"SIGHTLINE_MAX_RECONNECT_ATTEMPTS": "3",
		"SIGHTLINE_MIN_INTERVAL":           "250ms",
		"SIGHTLINE_AUDIO":                  "false",
		"SIGHTLINE_CAMERA_FACING":          "front",
		"SIGHTLINE_LOG_LEVEL":              "debug",
	}))
	if err != nil {
		t.Fatalf("ApplyEnv() error = %v", err)
	}
	if cfg.Backend.URL != "http://10.0.0.2:5000" || cfg.Reconnect.MaxAttempts != 3 {
		t.Errorf("cfg = %+v", cfg)
	}
	if len(cfg.Backend.Transports) != 2 || cfg.Backend.Transports[0] != "polling" {
		t.Errorf("transports = %v", cfg.Backend.Transports)
	}
	if cfg.Capture.MinInterval != 250*time.Millisecond || cfg.Audio.Enabled || cfg.Camera.Facing != "front" {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("log level = %q", cfg.LogLevel)
	}
}

func TestApplyEnvErrors(t *testing.T) {
	cfg := Default()
	err := cfg.ApplyEnv(env(map[string]string{
		"SIGHTLINE_CAPTURE_INTERVAL": "often",
		"SIGHTLINE_MIN_INTERVAL":     "soon",
	}))
	if err == nil {
		t.Fatal("ApplyEnv() should fail")
	}
	for _, name := range []string{"CAPTURE_INTERVAL", "MIN_INTERVAL"} {
		if !strings.Contains(err.Error(), name) {
			t.Errorf("error %q should name %s", err, name)
		}
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no url", func(c *Config) { c.Backend.URL = "" }},
		{"bad scheme", func(c *Config) { c.Backend.URL = "ftp://host" }},
		{"no host", func(c *Config) { c.Backend.URL = "ws:///path" }},
		{"bad transport", func(c *Config) { c.Backend.Transports = []string{"carrier-pigeon"} }},
		{"bad camera", func(c *Config) { c.Camera.Quality = 0 }},
		{"no dashboard addr", func(c *Config) { c.Dashboard.Addr = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() should fail")
			}
		})
	}
}

func TestOptionsBuildValidComponents(t *testing.T) {
	cfg := Default()
	cfg.Backend.Token = "secret"

	sc := stream.DefaultConfig()
	sc.Apply(cfg.StreamOptions()...)
	if err := sc.Validate(); err != nil {
		t.Fatalf("stream config invalid: %v", err)
	}
	if sc.Header.Get("Authorization") != "Bearer secret" {
		t.Errorf("Authorization = %q", sc.Header.Get("Authorization"))
	}
	if sc.Jitter != 0.2 || !sc.ReconnectionEnabled {
		t.Errorf("stream config = %+v", sc)
	}

	cc := capture.DefaultConfig()
	cc.Apply(cfg.CaptureOptions()...)
	if err := cc.Validate(); err != nil {
		t.Fatalf("capture config invalid: %v", err)
	}
	if cc.CaptureInterval != 10 {
		t.Errorf("capture interval = %d", cc.CaptureInterval)
	}

	if n := len(cfg.SessionOptions()); n != 6 {
		t.Errorf("session options = %d", n)
	}
}
