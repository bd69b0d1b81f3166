package web

import (
	"bytes"
	"context"
	"errors"
	"image/jpeg"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"

	"github.com/teslashibe/go-sightline/pkg/detection"
	"github.com/teslashibe/go-sightline/pkg/hub"
	"github.com/teslashibe/go-sightline/pkg/overlay"
	"github.com/teslashibe/go-sightline/pkg/session"
	"github.com/teslashibe/go-sightline/pkg/stream"
)

const reconnectTimeout = 15 * time.Second

func (s *Server) handleHealth(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

func (s *Server) handleStatus(c *fiber.Ctx) error {
	return c.JSON(s.backend.Status())
}

// handleOverlay projects the current detections onto ?w=&h=.
func (s *Server) handleOverlay(c *fiber.Ctx) error {
	vp := overlay.Viewport{
		Width:  float64(c.QueryInt("w", int(s.cfg.Viewport.Width))),
		Height: float64(c.QueryInt("h", int(s.cfg.Viewport.Height))),
	}
	if vp.Width <= 0 || vp.Height <= 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "w and h must be positive",
		})
	}
	return c.JSON(fiber.Map{
		"viewport":     vp,
		"instructions": s.backend.Overlay(vp),
	})
}

// handleReconnect is the manual recovery action after a terminal failure.
func (s *Server) handleReconnect(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(context.Background(), reconnectTimeout)
	defer cancel()

	err := s.backend.Reconnect(ctx)
	switch {
	case err == nil:
	case errors.Is(err, stream.ErrAlreadyConnected):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": err.Error()})
	default:
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}

	st := s.backend.Status()
	s.AddLog("info", "manual reconnect: "+st.Connection.State.String())
	return c.JSON(st)
}

// FacingRequest is the body of POST /api/facing.
type FacingRequest struct {
	Facing string `json:"facing"`
}

func (s *Server) handleFacing(c *fiber.Ctx) error {
	var req FacingRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid body"})
	}
	f, err := detection.ParseFacing(req.Facing)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}
	s.backend.SetFacing(f)
	return c.JSON(fiber.Map{"facing": f})
}

func (s *Server) handleGetCamera(c *fiber.Ctx) error {
	if s.cfg.Camera == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "camera control not available"})
	}
	return c.JSON(s.cfg.Camera.GetConfig())
}

// handleUpdateCamera applies a partial update such as {"preset":"720p"} or
// {"quality":60,"facing":"front"}.
func (s *Server) handleUpdateCamera(c *fiber.Ctx) error {
	if s.cfg.Camera == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "camera control not available"})
	}
	var params map[string]any
	if err := c.BodyParser(&params); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid body"})
	}
	if err := s.cfg.Camera.UpdateConfig(params); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(s.cfg.Camera.GetConfig())
}

func (s *Server) handleGetLogs(c *fiber.Ctx) error {
	s.logsMu.RLock()
	defer s.logsMu.RUnlock()
	return c.JSON(s.logs)
}

// handlePreview serves the last frame sent with the overlay drawn on it.
func (s *Server) handlePreview(c *fiber.Ctx) error {
	img, err := s.backend.Preview()
	if errors.Is(err, session.ErrNoFrame) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": err.Error()})
	}
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: s.cfg.PreviewQuality}); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	c.Set(fiber.HeaderContentType, "image/jpeg")
	c.Set(fiber.HeaderCacheControl, "no-store")
	return c.Send(buf.Bytes())
}

func (s *Server) handleHubWS(h *hub.Hub) func(*websocket.Conn) {
	return func(conn *websocket.Conn) {
		hub.NewClient(h, conn).Run()
	}
}
