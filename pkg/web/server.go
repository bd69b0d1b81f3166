// Package web serves the local dashboard: status, overlay, preview and
// metrics for a running session.
package web

import (
	"context"
	"image"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/websocket/v2"

	"github.com/teslashibe/go-sightline/pkg/camera"
	"github.com/teslashibe/go-sightline/pkg/detection"
	"github.com/teslashibe/go-sightline/pkg/hub"
	"github.com/teslashibe/go-sightline/pkg/overlay"
	"github.com/teslashibe/go-sightline/pkg/session"
)

// Backend is the session surface the dashboard reads and controls.
type Backend interface {
	Status() session.Status
	Overlay(vp overlay.Viewport) []overlay.RenderInstruction
	Preview() (image.Image, error)
	Reconnect(ctx context.Context) error
	SetFacing(f detection.Facing)
}

// Camera is the optional camera control surface.
type Camera interface {
	GetConfig() camera.Config
	UpdateConfig(params map[string]any) error
}

// LogEntry is one dashboard log line.
type LogEntry struct {
	Time    string `json:"time"`
	Level   string `json:"level"` // info, warn, error
	Message string `json:"message"`
}

const maxLogs = 500

// Config holds dashboard configuration.
type Config struct {
	// Addr is the listen address, e.g. ":8080".
	Addr string

	// Viewport sizes the overlay pushed over /ws/overlay.
	Viewport overlay.Viewport

	// StaticDir, when set, is served at /.
	StaticDir string

	// PreviewQuality is the JPEG quality of /preview.jpg.
	PreviewQuality int

	Camera  Camera
	Metrics http.Handler
	Logger  *slog.Logger
}

// DefaultConfig returns dashboard defaults.
func DefaultConfig() Config {
	return Config{
		Addr:           ":8080",
		Viewport:       overlay.Viewport{Width: 640, Height: 480},
		PreviewQuality: 85,
	}
}

// Server is the dashboard server.
type Server struct {
	cfg     Config
	app     *fiber.App
	backend Backend
	logger  *slog.Logger

	logs   []LogEntry
	logsMu sync.RWMutex

	overlayHub *hub.Hub
	logHub     *hub.Hub
	cancel     context.CancelFunc
}

// NewServer creates the dashboard for backend.
func NewServer(cfg Config, backend Backend) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Viewport.Width <= 0 || cfg.Viewport.Height <= 0 {
		cfg.Viewport = DefaultConfig().Viewport
	}
	if cfg.PreviewQuality <= 0 {
		cfg.PreviewQuality = DefaultConfig().PreviewQuality
	}

	s := &Server{
		cfg:        cfg,
		backend:    backend,
		logger:     cfg.Logger.With("component", "web"),
		logs:       make([]LogEntry, 0, maxLogs),
		overlayHub: hub.New("overlay", cfg.Logger),
		logHub:     hub.New("logs", cfg.Logger),
	}

	app := fiber.New(fiber.Config{
		AppName:               "Sightline Dashboard",
		DisableStartupMessage: true,
	})
	app.Use(cors.New())

	app.Get("/health", s.handleHealth)
	app.Get("/preview.jpg", s.handlePreview)
	if cfg.Metrics != nil {
		app.Get("/metrics", adaptor.HTTPHandler(cfg.Metrics))
	}

	api := app.Group("/api")
	api.Get("/status", s.handleStatus)
	api.Get("/overlay", s.handleOverlay)
	api.Post("/reconnect", s.handleReconnect)
	api.Post("/facing", s.handleFacing)
	api.Get("/camera", s.handleGetCamera)
	api.Post("/camera", s.handleUpdateCamera)
	api.Get("/logs", s.handleGetLogs)

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/overlay", websocket.New(s.handleHubWS(s.overlayHub)))
	app.Get("/ws/logs", websocket.New(s.handleHubWS(s.logHub)))

	if cfg.StaticDir != "" {
		app.Static("/", cfg.StaticDir)
	}

	s.app = app
	return s
}

// App exposes the fiber app, mainly for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

// Start runs the hubs and listens. It blocks until Shutdown.
func (s *Server) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.overlayHub.Run(ctx)
	go s.logHub.Run(ctx)

	s.logger.Info("dashboard listening", "addr", s.cfg.Addr)
	return s.app.Listen(s.cfg.Addr)
}

// StartAsync starts the server in a goroutine.
func (s *Server) StartAsync() {
	go func() {
		if err := s.Start(); err != nil {
			s.logger.Warn("dashboard stopped", "error", err)
		}
	}()
}

// Publish pushes a session status and its overlay to websocket clients.
// Use it as the session's OnUpdate callback.
func (s *Server) Publish(st session.Status) {
	if err := s.overlayHub.Publish("status", st); err != nil {
		s.logger.Warn("publish status", "error", err)
	}
	if err := s.overlayHub.Publish("overlay", s.backend.Overlay(s.cfg.Viewport)); err != nil {
		s.logger.Warn("publish overlay", "error", err)
	}
}

// AddLog records a dashboard log line and broadcasts it.
func (s *Server) AddLog(level, message string) {
	entry := LogEntry{
		Time:    time.Now().Format("15:04:05"),
		Level:   level,
		Message: message,
	}

	s.logsMu.Lock()
	s.logs = append(s.logs, entry)
	if len(s.logs) > maxLogs {
		s.logs = s.logs[1:]
	}
	s.logsMu.Unlock()

	if m, err := hub.Encode("log", entry); err == nil {
		s.logHub.Broadcast(m)
	}
}

// Shutdown stops the server and its hubs.
func (s *Server) Shutdown() error {
	if s.cancel != nil {
		s.cancel()
	}
	return s.app.Shutdown()
}
