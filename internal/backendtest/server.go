// Package backendtest runs a scriptable detection backend on loopback. It
// speaks the same WebSocket and HTTP polling protocol as the real service.
package backendtest

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/teslashibe/go-sightline/pkg/protocol"
)

var errClientGone = errors.New("backendtest: client disconnected")

// Responder produces the replies to one frame. Returning nothing leaves the
// frame unanswered.
type Responder func(frame *protocol.ProcessFrameData) []*protocol.Message

// client is one connected WebSocket client.
// The conn is recycled once the handler returns, so writes and closes check
// done under mu.
type client struct {
	id   string
	conn *websocket.Conn
	mu   sync.Mutex
	done bool
}

func (c *client) send(msg *protocol.Message) error {
	data, err := msg.Bytes()
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done {
		return errClientGone
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.done {
		c.conn.Close()
	}
}

// Server is the scripted backend.
type Server struct {
	app    *fiber.App
	ln     net.Listener
	logger *slog.Logger

	mu        sync.RWMutex
	clients   map[string]*client
	responder Responder
	greeting  *protocol.ConnectionStatusData
	frames    []*protocol.ProcessFrameData
	rejectWS  bool

	messagesReceived atomic.Uint64
	messagesSent     atomic.Uint64
	pings            atomic.Uint64
	wsConnects       atomic.Uint64
}

// New creates a server answering every frame with DefaultResponder.
func New(logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		logger:    logger.With("component", "backendtest"),
		clients:   make(map[string]*client),
		responder: DefaultResponder,
		greeting:  &protocol.ConnectionStatusData{Status: "connected", Model: "test-detector", Message: "ready"},
	}

	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
	app.Post("/api/frames", s.handlePoll)
	app.Use("/ws", func(c *fiber.Ctx) error {
		s.mu.RLock()
		reject := s.rejectWS
		s.mu.RUnlock()
		if reject {
			return fiber.ErrServiceUnavailable
		}
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws", websocket.New(s.handleClient))

	s.app = app
	return s
}

// Start listens on a random loopback port.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("backendtest: listen: %w", err)
	}
	s.ln = ln
	go func() {
		if err := s.app.Listener(ln); err != nil {
			s.logger.Debug("listener stopped", "error", err)
		}
	}()
	return nil
}

// StartT starts a server for a test and closes it on cleanup.
func StartT(t testing.TB) *Server {
	t.Helper()
	s := New(nil)
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// URL is the base http URL; WebSocket clients use its /ws path.
func (s *Server) URL() string {
	return "http://" + s.ln.Addr().String()
}

// Close stops the server.
func (s *Server) Close() error {
	s.DropClients()
	return s.app.ShutdownWithTimeout(time.Second)
}

// SetResponder replaces the frame handler.
func (s *Server) SetResponder(r Responder) {
	s.mu.Lock()
	s.responder = r
	s.mu.Unlock()
}

// SetGreeting sets the connection_status sent on connect; nil disables it.
func (s *Server) SetGreeting(g *protocol.ConnectionStatusData) {
	s.mu.Lock()
	s.greeting = g
	s.mu.Unlock()
}

// RejectWebSocket makes upgrades fail so clients fall back to polling.
func (s *Server) RejectWebSocket(reject bool) {
	s.mu.Lock()
	s.rejectWS = reject
	s.mu.Unlock()
}

// DropClients closes every WebSocket connection.
func (s *Server) DropClients() {
	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
}

// Push sends msg to every WebSocket client.
func (s *Server) Push(msg *protocol.Message) {
	s.mu.RLock()
	clients := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.RUnlock()

	for _, c := range clients {
		if err := c.send(msg); err != nil {
			s.logger.Debug("push failed", "client", c.id, "error", err)
			continue
		}
		s.messagesSent.Add(1)
	}
}

// Frames returns every frame received so far.
func (s *Server) Frames() []*protocol.ProcessFrameData {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*protocol.ProcessFrameData(nil), s.frames...)
}

// ClientCount returns the number of WebSocket clients.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Stats contains server counters.
type Stats struct {
	Clients          int    `json:"clients"`
	WSConnects       uint64 `json:"ws_connects"`
	MessagesReceived uint64 `json:"messages_received"`
	MessagesSent     uint64 `json:"messages_sent"`
	Frames           int    `json:"frames"`
	Pings            uint64 `json:"pings"`
}

// GetStats returns server counters.
func (s *Server) GetStats() Stats {
	return Stats{
		Clients:          s.ClientCount(),
		WSConnects:       s.wsConnects.Load(),
		MessagesReceived: s.messagesReceived.Load(),
		MessagesSent:     s.messagesSent.Load(),
		Frames:           len(s.Frames()),
		Pings:            s.pings.Load(),
	}
}

func (s *Server) handleClient(conn *websocket.Conn) {
	c := &client{id: uuid.NewString(), conn: conn}

	s.mu.Lock()
	s.clients[c.id] = c
	greeting := s.greeting
	s.mu.Unlock()
	s.wsConnects.Add(1)
	s.logger.Debug("client connected", "client", c.id)

	defer func() {
		s.mu.Lock()
		delete(s.clients, c.id)
		s.mu.Unlock()
		c.mu.Lock()
		c.done = true
		c.mu.Unlock()
		s.logger.Debug("client disconnected", "client", c.id)
	}()

	if greeting != nil {
		msg, _ := protocol.NewConnectionStatusMessage(greeting.Status, greeting.Model, greeting.Message)
		if err := c.send(msg); err != nil {
			return
		}
		s.messagesSent.Add(1)
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		s.messagesReceived.Add(1)

		for _, reply := range s.handleMessage(data) {
			if err := c.send(reply); err != nil {
				return
			}
			s.messagesSent.Add(1)
		}
	}
}

// handlePoll answers one POSTed process_frame with the first reply.
func (s *Server) handlePoll(c *fiber.Ctx) error {
	s.messagesReceived.Add(1)
	replies := s.handleMessage(c.Body())
	if len(replies) == 0 {
		return c.SendStatus(fiber.StatusNoContent)
	}
	s.messagesSent.Add(1)
	reply := replies[0]
	status := fiber.StatusOK
	if reply.Type == protocol.TypeDetectionError {
		status = fiber.StatusInternalServerError
	}
	data, err := reply.Bytes()
	if err != nil {
		return err
	}
	c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	return c.Status(status).Send(data)
}

func (s *Server) handleMessage(data []byte) []*protocol.Message {
	msg, err := protocol.ParseMessage(data)
	if err != nil {
		s.logger.Warn("parse error", "error", err)
		return nil
	}

	switch msg.Type {
	case protocol.TypeProcessFrame:
		frame, err := msg.GetProcessFrameData()
		if err != nil {
			reply, _ := protocol.NewDetectionErrorMessage("invalid frame: "+err.Error(), nil)
			return []*protocol.Message{reply}
		}
		s.mu.Lock()
		s.frames = append(s.frames, frame)
		respond := s.responder
		s.mu.Unlock()
		if respond == nil {
			return nil
		}
		return respond(frame)

	case protocol.TypePing:
		s.pings.Add(1)
		ping, err := msg.GetPingData()
		if err != nil {
			ping = &protocol.PingData{}
		}
		pong, _ := protocol.NewPongMessage(ping.ID, ping.Timestamp, time.Now().UnixMilli())
		return []*protocol.Message{pong}

	case protocol.TypePong:
		return nil

	default:
		s.logger.Debug("ignoring message", "type", msg.Type)
		return nil
	}
}

// DefaultResponder reports one person in the middle of the frame, echoing
// the request id and capture timestamp.
func DefaultResponder(frame *protocol.ProcessFrameData) []*protocol.Message {
	return Detect(protocol.DetectionData{
		X: 0.25, Y: 0.25, Width: 0.5, Height: 0.5,
		Label: "person", Confidence: 0.92, DistanceM: ptr(1.4),
	})(frame)
}

// Detect returns a responder that always reports dets.
func Detect(dets ...protocol.DetectionData) Responder {
	return func(frame *protocol.ProcessFrameData) []*protocol.Message {
		id := frame.RequestID
		msg, err := protocol.NewDetectionResultMessage(protocol.DetectionResultData{
			Success:         true,
			Count:           len(dets),
			Detections:      dets,
			DistanceEnabled: true,
			RequestID:       &id,
			Timestamp:       frame.Timestamp,
			ServerTimestamp: time.Now().UnixMilli(),
		})
		if err != nil {
			return nil
		}
		return []*protocol.Message{msg}
	}
}

// Fail returns a responder that answers every frame with detection_error.
func Fail(reason string) Responder {
	return func(frame *protocol.ProcessFrameData) []*protocol.Message {
		id := frame.RequestID
		msg, _ := protocol.NewDetectionErrorMessage(reason, &id)
		return []*protocol.Message{msg}
	}
}

// Silent never answers.
func Silent(*protocol.ProcessFrameData) []*protocol.Message { return nil }

// Raw returns a responder replying with a literal detection_result payload,
// for exercising the tolerant decoders.
func Raw(payload string) Responder {
	return func(*protocol.ProcessFrameData) []*protocol.Message {
		msg := &protocol.Message{
			Type:      protocol.TypeDetectionResult,
			Timestamp: time.Now().UnixMilli(),
			Data:      json.RawMessage(payload),
		}
		return []*protocol.Message{msg}
	}
}

func ptr(v float64) *float64 { return &v }
