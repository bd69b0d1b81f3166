package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/teslashibe/go-sightline/internal/httpc"
	"github.com/teslashibe/go-sightline/pkg/protocol"
)

const (
	pollingFramePath  = "/api/frames"
	pollingHealthPath = "/health"
)

// PollingDialer opens request/response links over plain HTTP.
//
// A process_frame message becomes a POST whose response body is the
// backend's detection_result or detection_error; a ping becomes a GET of the
// health endpoint answered with a synthesised pong. Replies are delivered
// through Events.OnMessage exactly as the WebSocket link would.
type PollingDialer struct {
	// Client defaults to a client with httpc's timeouts.
	Client *http.Client

	// Header is sent with every request.
	Header http.Header

	Logger *slog.Logger
}

// Kind implements Dialer.
func (d *PollingDialer) Kind() Kind { return KindPolling }

// Dial probes the health endpoint; the link is established once it answers.
func (d *PollingDialer) Dial(ctx context.Context, endpoint string, ev Events) (Link, error) {
	u, err := rewriteScheme(endpoint, "https", "http", "")
	if err != nil {
		return nil, err
	}
	if u.Path == "/" {
		u.Path = ""
	}

	client := d.Client
	if client == nil {
		client = httpc.NewClient(httpc.DefaultTimeout)
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}

	base := u.String()
	if _, err := httpc.Get(ctx, client, base+pollingHealthPath, d.Header); err != nil {
		return nil, fmt.Errorf("polling health check failed: %w", err)
	}

	linkCtx, cancel := context.WithCancel(context.Background())
	return &pollingLink{
		base:   base,
		client: client,
		header: d.Header,
		ev:     ev,
		logger: logger.With("component", "transport.polling"),
		ctx:    linkCtx,
		cancel: cancel,
	}, nil
}

type pollingLink struct {
	base   string
	client *http.Client
	header http.Header
	ev     Events
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	// deliverMu serialises OnMessage calls.
	deliverMu sync.Mutex
	closeOnce sync.Once
}

func (l *pollingLink) Kind() Kind { return KindPolling }

// Send starts the request in the background and returns immediately.
func (l *pollingLink) Send(msg *protocol.Message) error {
	if l.ctx.Err() != nil {
		return ErrClosed
	}

	switch msg.Type {
	case protocol.TypeProcessFrame:
		go l.postFrame(msg)
	case protocol.TypePing:
		go l.probe(msg)
	default:
		return fmt.Errorf("%w: %s", ErrUnsupported, msg.Type)
	}
	return nil
}

func (l *pollingLink) postFrame(msg *protocol.Message) {
	body, err := httpc.PostJSON(l.ctx, l.client, l.base+pollingFramePath, l.header, msg)
	if err != nil {
		var statusErr *httpc.StatusError
		if errors.As(err, &statusErr) {
			l.deliver(l.replyForStatus(msg, statusErr))
			return
		}
		l.fail(err)
		return
	}

	if len(body) == 0 {
		return
	}
	reply, err := protocol.ParseMessage(body)
	if err != nil {
		l.logger.Warn("dropping malformed reply", "error", err)
		return
	}
	l.deliver(reply)
}

// replyForStatus turns a non-2xx answer into a detection_error, preferring
// the backend's own error message when the body carries one.
func (l *pollingLink) replyForStatus(req *protocol.Message, statusErr *httpc.StatusError) *protocol.Message {
	if reply, err := protocol.ParseMessage(statusErr.Body); err == nil {
		return reply
	}

	var reqID *uint64
	if frame, err := req.GetProcessFrameData(); err == nil && frame.RequestID != 0 {
		id := frame.RequestID
		reqID = &id
	}
	reply, _ := protocol.NewDetectionErrorMessage(fmt.Sprintf("backend returned HTTP %d", statusErr.StatusCode), reqID)
	return reply
}

func (l *pollingLink) probe(msg *protocol.Message) {
	ping, err := msg.GetPingData()
	if err != nil {
		ping = &protocol.PingData{}
	}
	if _, err := httpc.Get(l.ctx, l.client, l.base+pollingHealthPath, l.header); err != nil {
		var statusErr *httpc.StatusError
		if !errors.As(err, &statusErr) {
			l.fail(err)
		}
		return
	}

	pong, err := protocol.NewPongMessage(ping.ID, ping.Timestamp, time.Now().UnixMilli())
	if err != nil {
		return
	}
	l.deliver(pong)
}

func (l *pollingLink) deliver(msg *protocol.Message) {
	if msg == nil || l.ctx.Err() != nil {
		return
	}
	l.deliverMu.Lock()
	defer l.deliverMu.Unlock()
	l.ev.message(msg)
}

// fail reports a transport-level error once and shuts the link down.
func (l *pollingLink) fail(err error) {
	if l.ctx.Err() != nil {
		return
	}
	l.closeOnce.Do(func() {
		l.cancel()
		l.logger.Warn("polling link lost", "error", err)
		l.ev.closed(err)
	})
}

// Close cancels outstanding requests.
func (l *pollingLink) Close() error {
	l.closeOnce.Do(l.cancel)
	return nil
}
