// Package stream maintains the single logical connection between the client
// and the detection backend.
//
// A Conn is a state machine over transport links:
//
//	Idle → Connecting → Connected ⇄ Reconnecting → Failed
//	                        any state → Closed
//
// Reconnect delays grow exponentially from InitialBackoff to MaxBackoff and
// reset on every successful connect. Inbound messages are routed through a
// dispatch table keyed by message type; messages from a superseded link are
// dropped.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/teslashibe/go-sightline/pkg/clock"
	"github.com/teslashibe/go-sightline/pkg/detection"
	"github.com/teslashibe/go-sightline/pkg/protocol"
	"github.com/teslashibe/go-sightline/pkg/transport"
)

// ErrConnectTimeout is joined into a ConnectError when the dial outlived
// ConnectTimeout.
var ErrConnectTimeout = errors.New("stream: connect timeout")

var errSuperseded = errors.New("stream: attempt superseded")

// Handler processes one inbound message. Handlers run synchronously on the
// link's reader goroutine and must not block.
type Handler func(msg *protocol.Message)

// Stats is a point-in-time view of the connection.
type Stats struct {
	State           State          `json:"state"`
	Transport       transport.Kind `json:"transport,omitempty"`
	URL             string         `json:"url,omitempty"`
	Attempts        int            `json:"attempts"`
	Reconnects      int64          `json:"reconnects"`
	HeartbeatMisses int64          `json:"heartbeat_misses"`
	NextDelay       time.Duration  `json:"next_delay"`
	LastRTT         time.Duration  `json:"last_rtt"`
	LastError       string         `json:"last_error,omitempty"`
	ConnectedAt     time.Time      `json:"connected_at"`
}

// Conn is a reconnecting connection to the detection backend.
type Conn struct {
	cfg     Config
	logger  *slog.Logger
	clk     clock.Clock
	dialers map[transport.Kind]transport.Dialer

	ctx    context.Context
	cancel context.CancelFunc

	hmu      sync.RWMutex
	handlers map[protocol.MessageType]Handler

	mu    sync.Mutex
	state State
	url   string
	epoch uint64 // bumped per attempt, Reconnect and Close
	link  transport.Link
	kind  transport.Kind
	lost  error // link died before its attempt finished

	attempts  int // consecutive failed attempts
	nextDelay time.Duration
	lastDelay time.Duration
	retry     clock.Timer

	beat       clock.Timer
	pongWait   clock.Timer
	pingID     string
	pingSentAt time.Time
	lastRTT    time.Duration

	lastErr     error
	connectedAt time.Time
	reconnects  int64
	misses      int64
}

// New creates an idle connection.
func New(opts ...Option) (*Conn, error) {
	cfg := DefaultConfig()
	cfg.Apply(opts...)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	logger := cfg.Logger.With("component", "stream")

	dialers := make(map[transport.Kind]transport.Dialer, len(cfg.TransportPreference))
	for k, d := range cfg.Dialers {
		dialers[k] = d
	}
	if _, ok := dialers[transport.KindWebSocket]; !ok {
		dialers[transport.KindWebSocket] = &transport.WebSocketDialer{Header: cfg.Header, Logger: cfg.Logger}
	}
	if _, ok := dialers[transport.KindPolling]; !ok {
		dialers[transport.KindPolling] = &transport.PollingDialer{Header: cfg.Header, Logger: cfg.Logger}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{
		cfg:       *cfg,
		logger:    logger,
		clk:       cfg.Clock,
		dialers:   dialers,
		ctx:       ctx,
		cancel:    cancel,
		handlers:  make(map[protocol.MessageType]Handler),
		nextDelay: cfg.InitialBackoff,
	}, nil
}

// Handle registers the handler for a message type, replacing any previous
// one. A nil handler removes the entry.
func (c *Conn) Handle(t protocol.MessageType, h Handler) {
	c.hmu.Lock()
	defer c.hmu.Unlock()
	if h == nil {
		delete(c.handlers, t)
		return
	}
	c.handlers[t] = h
}

// Connect starts connecting to url from Idle or Failed and performs the first
// attempt before returning. A failed first attempt returns a *ConnectError;
// further attempts are scheduled in the background per the backoff policy.
func (c *Conn) Connect(ctx context.Context, url string) error {
	if url == "" {
		return ErrNoEndpoint
	}

	c.mu.Lock()
	switch c.state {
	case StateClosed:
		c.mu.Unlock()
		return ErrClosed
	case StateIdle, StateFailed:
	default:
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.url = url
	c.attempts = 0
	c.nextDelay = c.cfg.InitialBackoff
	from := c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	c.logger.Info("connecting", "url", url, "transports", c.cfg.TransportPreference)
	c.notifyState(from, StateConnecting)
	return c.attempt(ctx)
}

// Reconnect is the manual recovery path out of Failed. From Reconnecting it
// skips the remaining backoff delay. The attempt counter starts over.
func (c *Conn) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateClosed:
		c.mu.Unlock()
		return ErrClosed
	case StateConnecting, StateConnected:
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	if c.url == "" {
		c.mu.Unlock()
		return ErrNoEndpoint
	}
	c.epoch++
	stopTimer(&c.retry)
	c.attempts = 0
	c.nextDelay = c.cfg.InitialBackoff
	from := c.setStateLocked(StateConnecting)
	url := c.url
	c.mu.Unlock()

	c.logger.Info("manual reconnect", "url", url)
	c.notifyState(from, StateConnecting)
	return c.attempt(ctx)
}

// Close tears down the link and cancels every timer. It is idempotent.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	c.epoch++
	link := c.link
	c.link = nil
	stopTimer(&c.retry)
	c.clearHeartbeatLocked()
	from := c.setStateLocked(StateClosed)
	c.mu.Unlock()

	c.cancel()
	var err error
	if link != nil {
		err = link.Close()
	}
	c.logger.Info("closed")
	c.notifyState(from, StateClosed)
	return err
}

// Send transmits msg without waiting for a reply. While not connected the
// message is dropped, logged and ErrNotConnected is returned.
func (c *Conn) Send(msg *protocol.Message) error {
	c.mu.Lock()
	link, state := c.link, c.state
	c.mu.Unlock()

	if state != StateConnected || link == nil {
		c.logger.Warn("dropping message while not connected", "type", msg.Type, "state", state)
		return ErrNotConnected
	}
	if err := link.Send(msg); err != nil {
		c.logger.Warn("send failed", "type", msg.Type, "transport", link.Kind(), "error", err)
		return fmt.Errorf("stream: send %s: %w", msg.Type, err)
	}
	return nil
}

// SendFrame encodes req as a process_frame message and sends it.
func (c *Conn) SendFrame(req detection.FrameRequest) error {
	msg, err := protocol.NewProcessFrameMessage(req.ID, req.Payload, req.Width, req.Height, req.CapturedAt, string(req.Facing))
	if err != nil {
		return fmt.Errorf("stream: encode frame %d: %w", req.ID, err)
	}
	if err := c.Send(msg); err != nil {
		return err
	}
	c.logger.Debug("frame sent", "request_id", req.ID, "bytes", len(req.Payload))
	return nil
}

// State returns the current lifecycle state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Stats returns a snapshot of connection diagnostics.
func (c *Conn) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Stats{
		State:           c.state,
		URL:             c.url,
		Attempts:        c.attempts,
		Reconnects:      c.reconnects,
		HeartbeatMisses: c.misses,
		LastRTT:         c.lastRTT,
		ConnectedAt:     c.connectedAt,
	}
	if c.state == StateConnected {
		s.Transport = c.kind
	}
	if c.state == StateReconnecting {
		s.NextDelay = c.lastDelay
	}
	if c.lastErr != nil {
		s.LastError = c.lastErr.Error()
	}
	return s
}

// attempt dials once through the transport preference list and moves the
// state machine to Connected, Reconnecting or Failed.
func (c *Conn) attempt(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateConnecting && c.state != StateReconnecting {
		c.mu.Unlock()
		return ErrClosed
	}
	c.epoch++
	epoch := c.epoch
	c.lost = nil
	url := c.url
	c.mu.Unlock()

	link, err := c.dial(ctx, url, epoch)
	if err == nil && c.cfg.OnLinkUp != nil {
		c.cfg.OnLinkUp(link.Kind())
	}

	c.mu.Lock()
	if c.epoch != epoch || c.state == StateClosed {
		closed := c.state == StateClosed
		c.mu.Unlock()
		if link != nil {
			_ = link.Close()
		}
		if closed {
			return ErrClosed
		}
		return errSuperseded
	}
	if err == nil && c.lost != nil {
		err = c.lost
		_ = link.Close()
	}
	if err != nil {
		return c.failAttemptLocked(url, err)
	}

	c.link = link
	c.kind = link.Kind()
	c.attempts = 0
	c.nextDelay = c.cfg.InitialBackoff
	c.lastErr = nil
	c.connectedAt = c.clk.Now()
	from := c.setStateLocked(StateConnected)
	if from == StateReconnecting {
		c.reconnects++
	}
	c.armHeartbeatLocked(epoch)
	kind := c.kind
	c.mu.Unlock()

	c.logger.Info("connected", "url", url, "transport", kind)
	c.notifyState(from, StateConnected)
	if c.cfg.OnConnected != nil {
		c.cfg.OnConnected(kind)
	}
	return nil
}

// failAttemptLocked records a failed attempt and unlocks c.mu.
func (c *Conn) failAttemptLocked(url string, err error) error {
	c.attempts++
	cerr := &ConnectError{URL: url, Attempt: c.attempts, Err: err}
	c.lastErr = cerr

	exhausted := c.cfg.MaxReconnectAttempts > 0 && c.attempts >= c.cfg.MaxReconnectAttempts
	if !c.cfg.ReconnectionEnabled || exhausted {
		attempts := c.attempts
		from := c.setStateLocked(StateFailed)
		c.mu.Unlock()

		c.logger.Error("connect failed, giving up", "url", url, "attempts", attempts, "error", err)
		c.notifyState(from, StateFailed)
		c.fail(cerr)
		return cerr
	}

	delay, from := c.scheduleLocked()
	attempt := c.attempts
	c.mu.Unlock()

	c.logger.Warn("connect failed", "url", url, "attempt", attempt, "retry_in", delay, "error", err)
	c.notifyState(from, StateReconnecting)
	return cerr
}

func (c *Conn) dial(parent context.Context, url string, epoch uint64) (transport.Link, error) {
	ctx, cancel := context.WithCancelCause(c.ctx)
	defer cancel(nil)
	stop := context.AfterFunc(parent, func() { cancel(parent.Err()) })
	defer stop()
	timer := c.clk.AfterFunc(c.cfg.ConnectTimeout, func() { cancel(ErrConnectTimeout) })
	defer timer.Stop()

	ev := transport.Events{
		OnMessage: func(msg *protocol.Message) { c.dispatch(epoch, msg) },
		OnClose:   func(err error) { c.linkClosed(epoch, err) },
	}

	var errs []error
	for _, kind := range c.cfg.TransportPreference {
		link, err := c.dialers[kind].Dial(ctx, url, ev)
		if err == nil {
			return link, nil
		}
		c.logger.Debug("transport dial failed", "transport", kind, "error", err)
		errs = append(errs, fmt.Errorf("%s: %w", kind, err))
		if ctx.Err() != nil {
			break
		}
	}
	if errors.Is(context.Cause(ctx), ErrConnectTimeout) {
		errs = append([]error{ErrConnectTimeout}, errs...)
	}
	return nil, errors.Join(errs...)
}

// scheduleLocked arms the retry timer and enters Reconnecting.
//
// The base delay doubles up to MaxBackoff. Jitter adds at most Jitter×base,
// and with Jitter <= 1 the jittered sequence stays non-decreasing.
func (c *Conn) scheduleLocked() (time.Duration, State) {
	d := c.nextDelay
	if d <= 0 {
		d = c.cfg.InitialBackoff
	}
	c.nextDelay = min(2*d, c.cfg.MaxBackoff)
	if c.cfg.Jitter > 0 {
		d += time.Duration(rand.Float64() * c.cfg.Jitter * float64(d))
	}
	d = min(d, c.cfg.MaxBackoff)
	c.lastDelay = d

	stopTimer(&c.retry)
	epoch := c.epoch
	c.retry = c.clk.AfterFunc(d, func() { c.retryFire(epoch) })
	return d, c.setStateLocked(StateReconnecting)
}

func (c *Conn) retryFire(epoch uint64) {
	c.mu.Lock()
	if c.epoch != epoch || c.state != StateReconnecting {
		c.mu.Unlock()
		return
	}
	c.retry = nil
	c.mu.Unlock()

	_ = c.attempt(c.ctx)
}

func (c *Conn) linkClosed(epoch uint64, err error) {
	c.mu.Lock()
	if epoch != c.epoch {
		c.mu.Unlock()
		return
	}
	if c.state != StateConnected {
		if err == nil {
			err = transport.ErrClosed
		}
		c.lost = err
		c.mu.Unlock()
		return
	}

	kind := c.kind
	c.link = nil
	c.clearHeartbeatLocked()
	derr := &DisconnectError{Kind: kind, Err: err}
	c.lastErr = derr

	if !c.cfg.ReconnectionEnabled {
		from := c.setStateLocked(StateFailed)
		c.mu.Unlock()

		c.logger.Error("link lost, reconnection disabled", "transport", kind, "error", err)
		c.disconnected(derr)
		c.notifyState(from, StateFailed)
		c.fail(derr)
		return
	}

	delay, from := c.scheduleLocked()
	c.mu.Unlock()

	c.logger.Warn("link lost, reconnecting", "transport", kind, "retry_in", delay, "error", err)
	c.disconnected(derr)
	c.notifyState(from, StateReconnecting)
}

func (c *Conn) dispatch(epoch uint64, msg *protocol.Message) {
	c.mu.Lock()
	stale := epoch != c.epoch || c.state == StateClosed
	c.mu.Unlock()
	if stale {
		c.logger.Debug("dropping message from superseded link", "type", msg.Type)
		return
	}

	switch msg.Type {
	case protocol.TypePong:
		c.handlePong(epoch, msg)
	case protocol.TypePing:
		c.answerPing(msg)
	}

	c.hmu.RLock()
	h := c.handlers[msg.Type]
	c.hmu.RUnlock()
	if h == nil {
		if msg.Type != protocol.TypePong && msg.Type != protocol.TypePing {
			c.logger.Debug("unhandled message", "type", msg.Type)
		}
		return
	}
	h(msg)
}

func (c *Conn) armHeartbeatLocked(epoch uint64) {
	if c.cfg.HeartbeatInterval <= 0 {
		return
	}
	stopTimer(&c.beat)
	c.beat = c.clk.AfterFunc(c.cfg.HeartbeatInterval, func() { c.heartbeat(epoch) })
}

// heartbeat sends a ping and rearms itself. A missing pong is reported as a
// diagnostic only; link loss is detected by the transport.
func (c *Conn) heartbeat(epoch uint64) {
	c.mu.Lock()
	if epoch != c.epoch || c.state != StateConnected {
		c.mu.Unlock()
		return
	}
	link := c.link
	id := uuid.NewString()
	c.pingID = id
	c.pingSentAt = c.clk.Now()
	if c.cfg.HeartbeatTimeout > 0 {
		stopTimer(&c.pongWait)
		c.pongWait = c.clk.AfterFunc(c.cfg.HeartbeatTimeout, func() { c.heartbeatMissed(epoch, id) })
	}
	c.armHeartbeatLocked(epoch)
	c.mu.Unlock()

	msg, err := protocol.NewPingMessage(id)
	if err == nil {
		err = link.Send(msg)
	}
	if err != nil {
		c.logger.Warn("heartbeat send failed", "error", err)
	}
}

func (c *Conn) heartbeatMissed(epoch uint64, id string) {
	c.mu.Lock()
	if epoch != c.epoch || c.state != StateConnected || c.pingID != id {
		c.mu.Unlock()
		return
	}
	c.pongWait = nil
	c.pingID = ""
	c.misses++
	c.mu.Unlock()

	c.logger.Warn("heartbeat missed", "ping_id", id, "timeout", c.cfg.HeartbeatTimeout)
	if c.cfg.OnHeartbeatMissed != nil {
		c.cfg.OnHeartbeatMissed(id)
	}
}

func (c *Conn) handlePong(epoch uint64, msg *protocol.Message) {
	pong, err := msg.GetPongData()
	if err != nil {
		c.logger.Debug("malformed pong", "error", err)
		return
	}

	c.mu.Lock()
	if epoch != c.epoch || c.pingID == "" || (pong.ID != "" && pong.ID != c.pingID) {
		c.mu.Unlock()
		return
	}
	rtt := c.clk.Now().Sub(c.pingSentAt)
	c.lastRTT = rtt
	c.pingID = ""
	stopTimer(&c.pongWait)
	c.mu.Unlock()

	c.logger.Debug("pong", "id", pong.ID, "rtt", rtt)
}

func (c *Conn) answerPing(msg *protocol.Message) {
	ping, err := msg.GetPingData()
	if err != nil {
		ping = &protocol.PingData{}
	}
	pong, err := protocol.NewPongMessage(ping.ID, ping.Timestamp, c.clk.Now().UnixMilli())
	if err != nil {
		return
	}
	_ = c.Send(pong)
}

func (c *Conn) clearHeartbeatLocked() {
	stopTimer(&c.beat)
	stopTimer(&c.pongWait)
	c.pingID = ""
}

func (c *Conn) setStateLocked(to State) State {
	from := c.state
	c.state = to
	return from
}

func (c *Conn) notifyState(from, to State) {
	if from == to {
		return
	}
	c.logger.Debug("state change", "from", from, "to", to)
	if c.cfg.OnStateChange != nil {
		c.cfg.OnStateChange(from, to)
	}
}

func (c *Conn) disconnected(err error) {
	if c.cfg.OnDisconnected != nil {
		c.cfg.OnDisconnected(err)
	}
}

func (c *Conn) fail(cause error) {
	if c.cfg.OnFailed != nil {
		c.cfg.OnFailed(fmt.Errorf("%w: %w", ErrExhaustedReconnect, cause))
	}
}

func stopTimer(t *clock.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}
