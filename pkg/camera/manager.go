package camera

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/teslashibe/go-sightline/pkg/capture"
)

// Manager holds the current camera configuration and the source opened for
// it. It is itself a FrameSource: captures go to whichever source is current.
type Manager struct {
	open   Opener
	logger *slog.Logger

	mu     sync.RWMutex
	config Config
	source Source

	// Callback when config changes (for applying facing to the throttle)
	OnConfigChange func(cfg Config) error
}

// NewManager validates cfg and opens its source. A nil opener uses Open.
func NewManager(cfg Config, open Opener, logger *slog.Logger) (*Manager, error) {
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, fmt.Errorf("camera: validation failed: %v", errs)
	}
	if open == nil {
		open = Open
	}
	if logger == nil {
		logger = slog.Default()
	}
	src, err := open(cfg)
	if err != nil {
		return nil, fmt.Errorf("camera: open %s: %w", cfg.Source, err)
	}
	return &Manager{
		open:   open,
		logger: logger.With("component", "camera"),
		config: cfg,
		source: src,
	}, nil
}

// Capture implements capture.FrameSource.
func (m *Manager) Capture(ctx context.Context) (capture.Frame, error) {
	m.mu.RLock()
	src := m.source
	m.mu.RUnlock()
	if src == nil {
		return capture.Frame{}, ErrNoSource
	}
	return src.Capture(ctx)
}

// GetConfig returns the current camera configuration.
func (m *Manager) GetConfig() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// SetConfig validates and applies cfg, reopening the source when the device
// or encoding changed. On a failed reopen the previous source stays active.
func (m *Manager) SetConfig(cfg Config) error {
	if errs := cfg.Validate(); len(errs) > 0 {
		return fmt.Errorf("validation failed: %v", errs)
	}

	m.mu.Lock()
	var old Source
	if m.config.needsReopen(cfg) || m.source == nil {
		src, err := m.open(cfg)
		if err != nil {
			m.mu.Unlock()
			return fmt.Errorf("camera: open %s: %w", cfg.Source, err)
		}
		old = m.source
		m.source = src
	}
	m.config = cfg
	callback := m.OnConfigChange
	m.mu.Unlock()

	if old != nil {
		if err := old.Close(); err != nil {
			m.logger.Warn("closing previous source failed", "error", err)
		}
		m.logger.Info("camera source reopened", "source", cfg.Source, "width", cfg.Width, "height", cfg.Height)
	}

	if callback != nil {
		if err := callback(cfg); err != nil {
			return fmt.Errorf("failed to apply config: %w", err)
		}
	}

	return nil
}

// UpdateConfig updates specific fields of the configuration.
// Accepts a map of field names to values, plus "preset".
func (m *Manager) UpdateConfig(params map[string]any) error {
	cfg := m.GetConfig()

	if presetName, ok := params["preset"].(string); ok {
		preset := GetPreset(presetName)
		if preset == nil {
			return fmt.Errorf("unknown preset: %s", presetName)
		}
		facing := cfg.Facing
		cfg = *preset
		cfg.Facing = facing
	}

	for key, value := range params {
		switch key {
		case "source":
			if v, ok := value.(string); ok {
				cfg.Source = v
			}
		case "device":
			if v, ok := toInt(value); ok {
				cfg.Device = v
			}
		case "width":
			if v, ok := toInt(value); ok {
				cfg.Width = v
			}
		case "height":
			if v, ok := toInt(value); ok {
				cfg.Height = v
			}
		case "quality":
			if v, ok := toInt(value); ok {
				cfg.Quality = v
			}
		case "facing":
			if v, ok := value.(string); ok {
				cfg.Facing = v
			}
		}
	}

	return m.SetConfig(cfg)
}

// Close releases the current source.
func (m *Manager) Close() error {
	m.mu.Lock()
	src := m.source
	m.source = nil
	m.mu.Unlock()
	if src == nil {
		return nil
	}
	return src.Close()
}

func toInt(v any) (int, bool) {
	switch val := v.(type) {
	case int:
		return val, true
	case int64:
		return int(val), true
	case float64:
		return int(val), true
	case json.Number:
		i, err := val.Int64()
		if err == nil {
			return int(i), true
		}
	}
	return 0, false
}
