package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/teslashibe/go-sightline/pkg/protocol"
)

const (
	defaultWSPath      = "/ws"
	wsWriteWait        = 10 * time.Second
	wsReadIdle         = 120 * time.Second
	wsMaxMessageSize   = 16 << 20
	wsHandshakeTimeout = 10 * time.Second
)

// WebSocketDialer opens persistent WebSocket links.
type WebSocketDialer struct {
	// Header is sent with the upgrade request (e.g. Authorization).
	Header http.Header

	// ReadIdle bounds how long the link may stay silent before the read
	// deadline expires and the link is considered dead.
	ReadIdle time.Duration

	Logger *slog.Logger
}

// Kind implements Dialer.
func (d *WebSocketDialer) Kind() Kind { return KindWebSocket }

// Dial implements Dialer. The context bounds the handshake only.
func (d *WebSocketDialer) Dial(ctx context.Context, endpoint string, ev Events) (Link, error) {
	u, err := rewriteScheme(endpoint, "wss", "ws", defaultWSPath)
	if err != nil {
		return nil, err
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: wsHandshakeTimeout,
		Proxy:            http.ProxyFromEnvironment,
	}

	conn, resp, err := dialer.DialContext(ctx, u.String(), d.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial failed (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}

	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	idle := d.ReadIdle
	if idle <= 0 {
		idle = wsReadIdle
	}

	l := &wsLink{
		conn:   conn,
		ev:     ev,
		idle:   idle,
		logger: logger.With("component", "transport.websocket"),
	}

	conn.SetReadLimit(wsMaxMessageSize)
	conn.SetPingHandler(func(appData string) error {
		l.writeMu.Lock()
		defer l.writeMu.Unlock()
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(wsWriteWait))
	})
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(l.idle))
	})

	go l.readLoop()
	return l, nil
}

type wsLink struct {
	conn   *websocket.Conn
	ev     Events
	idle   time.Duration
	logger *slog.Logger

	writeMu sync.Mutex

	closeOnce sync.Once
	mu        sync.Mutex
	closed    bool
}

func (l *wsLink) Kind() Kind { return KindWebSocket }

// Send writes one text frame. Writes are serialised; reads run concurrently.
func (l *wsLink) Send(msg *protocol.Message) error {
	data, err := msg.Bytes()
	if err != nil {
		return err
	}

	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return ErrClosed
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	l.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := l.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		// The reader observes the broken socket and reports OnClose.
		l.conn.Close()
		return fmt.Errorf("websocket write: %w", err)
	}
	return nil
}

// Close sends a close frame and releases the socket.
func (l *wsLink) Close() error {
	var err error
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.closed = true
		l.mu.Unlock()

		l.writeMu.Lock()
		l.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		l.writeMu.Unlock()

		err = l.conn.Close()
	})
	return err
}

func (l *wsLink) readLoop() {
	for {
		l.conn.SetReadDeadline(time.Now().Add(l.idle))

		_, data, err := l.conn.ReadMessage()
		if err != nil {
			l.mu.Lock()
			closed := l.closed
			l.closed = true
			l.mu.Unlock()

			if closed {
				return
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				l.logger.Warn("websocket read error", "error", err)
			}
			l.conn.Close()
			l.ev.closed(err)
			return
		}

		msg, err := protocol.ParseMessage(data)
		if err != nil {
			l.logger.Warn("dropping malformed message", "error", err, "bytes", len(data))
			continue
		}
		l.ev.message(msg)
	}
}
