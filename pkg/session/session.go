// Package session wires the capture throttle, the backend connection and the
// detection reconciler into one streaming client.
package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/teslashibe/go-sightline/pkg/audio"
	"github.com/teslashibe/go-sightline/pkg/capture"
	"github.com/teslashibe/go-sightline/pkg/clock"
	"github.com/teslashibe/go-sightline/pkg/detection"
	"github.com/teslashibe/go-sightline/pkg/metrics"
	"github.com/teslashibe/go-sightline/pkg/overlay"
	"github.com/teslashibe/go-sightline/pkg/protocol"
	"github.com/teslashibe/go-sightline/pkg/stream"
	"github.com/teslashibe/go-sightline/pkg/transport"
)

// Sentinel errors for the session package.
var (
	ErrClosed         = errors.New("session: closed")
	ErrAlreadyStarted = errors.New("session: already started")
	ErrNoFrame        = errors.New("session: no frame captured yet")
)

// Status is a point-in-time view of the whole client.
type Status struct {
	SessionID     string                         `json:"session_id"`
	Connection    stream.Stats                   `json:"connection"`
	Capture       capture.Stats                  `json:"capture"`
	Detections    []detection.Detection          `json:"detections"`
	LastUpdatedAt time.Time                      `json:"last_updated_at"`
	InFlight      bool                           `json:"in_flight"`
	Facing        detection.Facing               `json:"facing"`
	Backend       *protocol.ConnectionStatusData `json:"backend,omitempty"`
	Playing       bool                           `json:"playing"`

	// Failed is set once reconnection gave up; Error explains why.
	Failed bool   `json:"failed"`
	Error  string `json:"error,omitempty"`
}

// Session is one streaming detection client.
type Session struct {
	id      string
	cfg     Config
	logger  *slog.Logger
	clk     clock.Clock
	metrics *metrics.Metrics

	conn     *stream.Conn
	rec      *detection.Reconciler
	throttle *capture.Throttle
	player   *audio.Player

	ctx    context.Context
	cancel context.CancelFunc
	audio  sync.WaitGroup

	mu        sync.Mutex
	running   bool
	closed    bool
	ticker    clock.Timer
	lastFrame *detection.FrameRequest
	backend   *protocol.ConnectionStatusData
	failure   error
}

// New creates a session pulling frames from source. player may be nil to
// disable audio; the session owns it and closes it on Close.
func New(source capture.FrameSource, player *audio.Player, opts ...Option) (*Session, error) {
	if source == nil {
		return nil, errors.New("session: frame source is required")
	}
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
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	if cfg.Palette == nil {
		cfg.Palette = overlay.DefaultPalette
	}

	id := uuid.New().String()
	s := &Session{
		id:      id,
		cfg:     *cfg,
		logger:  cfg.Logger.With("component", "session", "session_id", id),
		clk:     cfg.Clock,
		metrics: cfg.Metrics,
		player:  player,
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.rec = detection.NewReconciler(
		detection.WithProcessingTimeout(cfg.ProcessingTimeout),
		detection.WithClock(cfg.Clock),
		detection.WithLogger(cfg.Logger),
		detection.WithOnChange(s.onDetections),
		detection.WithOnExpire(func(uint64) { s.metrics.Timeouts.Add(1) }),
	)

	streamOpts := append([]stream.Option{}, cfg.StreamOptions...)
	streamOpts = append(streamOpts,
		stream.WithClock(cfg.Clock),
		stream.WithLogger(cfg.Logger),
		stream.WithOnStateChange(s.onStateChange),
		stream.WithOnLinkUp(s.onLinkUp),
		stream.WithOnConnected(s.onConnected),
		stream.WithOnDisconnected(s.onDisconnected),
		stream.WithOnFailed(s.onFailed),
		stream.WithOnHeartbeatMissed(func(string) { s.metrics.HeartbeatMisses.Add(1) }),
	)
	conn, err := stream.New(streamOpts...)
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	s.conn = conn

	captureOpts := append([]capture.Option{}, cfg.CaptureOptions...)
	captureOpts = append(captureOpts,
		capture.WithClock(cfg.Clock),
		capture.WithLogger(cfg.Logger),
		capture.WithOnFrame(s.onFrame),
		capture.WithOnCaptureError(func(*capture.CaptureError) { s.syncCaptureMetrics() }),
	)
	throttle, err := capture.NewThrottle(source, s.rec, conn, captureOpts...)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("session: %w", err)
	}
	s.throttle = throttle

	conn.Handle(protocol.TypeDetectionResult, s.handleResult)
	conn.Handle(protocol.TypeDetectionError, s.handleError)
	conn.Handle(protocol.TypeConnectionStatus, s.handleStatus)

	return s, nil
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Metrics returns the counters the session records into.
func (s *Session) Metrics() *metrics.Metrics { return s.metrics }

// Start connects to the backend and starts ticking the capture throttle.
// A failed first attempt does not fail Start: the connection keeps retrying
// in the background or reports terminal failure through OnFailed.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.running = true
	s.ticker = s.clk.AfterFunc(s.cfg.TickInterval, s.tick)
	s.mu.Unlock()

	s.logger.Info("starting", "backend", s.cfg.BackendURL, "tick", s.cfg.TickInterval)
	err := s.conn.Connect(ctx, s.cfg.BackendURL)
	var cerr *stream.ConnectError
	if err != nil && !errors.As(err, &cerr) {
		s.stopTicking()
		return err
	}
	return nil
}

// Run starts the session and blocks until ctx is cancelled, then closes it.
func (s *Session) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return s.Close()
}

// Reconnect is the manual recovery action after a terminal failure.
func (s *Session) Reconnect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.failure = nil
	s.mu.Unlock()

	err := s.conn.Reconnect(ctx)
	var cerr *stream.ConnectError
	if errors.As(err, &cerr) {
		// The attempt failed but the state machine owns what happens next.
		return nil
	}
	return err
}

// SetFacing changes the facing stamped on subsequent frames.
func (s *Session) SetFacing(f detection.Facing) {
	s.throttle.SetFacing(f)
	s.notify()
}

// Overlay projects the current detections onto a viewport.
func (s *Session) Overlay(vp overlay.Viewport) []overlay.RenderInstruction {
	return s.cfg.Palette.Project(s.rec.Snapshot().Detections, vp)
}

// Detections returns the current reconciler state.
func (s *Session) Detections() detection.State {
	return s.rec.Snapshot()
}

// Preview decodes the last frame sent and draws the current overlay on it.
func (s *Session) Preview() (image.Image, error) {
	s.mu.Lock()
	last := s.lastFrame
	s.mu.Unlock()
	if last == nil {
		return nil, ErrNoFrame
	}

	img, err := jpeg.Decode(bytes.NewReader(last.Payload))
	if err != nil {
		return nil, fmt.Errorf("session: decode preview: %w", err)
	}
	b := img.Bounds()
	vp := overlay.Viewport{Width: float64(b.Dx()), Height: float64(b.Dy())}
	return overlay.Compose(img, vp, s.Overlay(vp)), nil
}

// Status returns a snapshot of the session.
func (s *Session) Status() Status {
	state := s.rec.Snapshot()
	st := Status{
		SessionID:     s.id,
		Connection:    s.conn.Stats(),
		Capture:       s.throttle.Stats(),
		Detections:    state.Detections,
		LastUpdatedAt: state.LastUpdatedAt,
		InFlight:      state.InFlight,
		Facing:        s.throttle.Facing(),
	}
	if s.player != nil {
		st.Playing = s.player.Playing()
	}

	s.mu.Lock()
	if s.backend != nil {
		b := *s.backend
		st.Backend = &b
	}
	if s.failure != nil {
		st.Failed = true
		st.Error = s.failure.Error()
	}
	s.mu.Unlock()
	return st
}

// Close stops ticking, tears down the connection and drops any in-flight
// request. It is idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.stopTicking()
	s.throttle.Close()
	err := s.conn.Close()
	s.rec.Close()
	s.cancel()
	if s.player != nil {
		s.player.Close()
	}
	s.audio.Wait()
	s.logger.Info("session closed")
	return err
}

func (s *Session) stopTicking() {
	s.mu.Lock()
	s.running = false
	if s.ticker != nil {
		s.ticker.Stop()
		s.ticker = nil
	}
	s.mu.Unlock()
}

// tick drives the throttle while connected and re-arms itself.
func (s *Session) tick() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if s.conn.State() == stream.StateConnected {
		s.throttle.Tick()
	}
	s.syncCaptureMetrics()

	s.mu.Lock()
	if s.running {
		s.ticker = s.clk.AfterFunc(s.cfg.TickInterval, s.tick)
	}
	s.mu.Unlock()
}

func (s *Session) syncCaptureMetrics() {
	st := s.throttle.Stats()
	s.metrics.FramesCaptured.Store(uint64(st.Fired))
	s.metrics.FramesSent.Store(uint64(st.Sent))
	s.metrics.FramesSkipped.Store(uint64(st.SkippedInFlight + st.SkippedMinInterval))
	s.metrics.FramesDropped.Store(uint64(st.Dropped + st.SendErrors))
	s.metrics.CaptureErrors.Store(uint64(st.CaptureErrors))
}

func (s *Session) onFrame(req detection.FrameRequest) {
	s.mu.Lock()
	s.lastFrame = &req
	s.mu.Unlock()
	s.syncCaptureMetrics()
}

// Connection hooks

func (s *Session) onStateChange(_, to stream.State) {
	s.metrics.ConnectionState.Store(int64(to))
	s.notify()
}

// onLinkUp runs before the link is visible as Connected, so no tick can
// commit a frame on it first. Anything sent on a previous link is lost.
func (s *Session) onLinkUp(transport.Kind) {
	s.rec.Flush()
}

func (s *Session) onConnected(kind transport.Kind) {
	if s.metrics.ConnectedTotal.Add(1) > 1 {
		s.metrics.Reconnects.Add(1)
	}
	s.mu.Lock()
	s.failure = nil
	s.mu.Unlock()
	s.logger.Info("streaming", "transport", kind)
}

func (s *Session) onDisconnected(err error) {
	s.metrics.DisconnectsTotal.Add(1)
	s.rec.Reset()
	s.mu.Lock()
	s.backend = nil
	s.mu.Unlock()
	s.logger.Warn("disconnected, overlay cleared", "error", err)
}

func (s *Session) onFailed(err error) {
	s.rec.Reset()
	s.mu.Lock()
	s.failure = err
	s.mu.Unlock()
	s.logger.Error("connection failed, manual reconnect required", "error", err)
	if s.cfg.OnFailed != nil {
		s.cfg.OnFailed(err)
	}
	s.notify()
}

// Message handlers

func (s *Session) handleResult(msg *protocol.Message) {
	data, err := msg.GetDetectionResult()
	if err != nil {
		s.logger.Warn("malformed detection_result", "error", err)
		return
	}
	if !data.Success {
		s.applyError(&detection.BackendError{Message: "backend reported failure", RequestID: data.RequestID})
		return
	}

	res := detection.ResultFromWire(data, s.logger)
	if !s.rec.OnResult(res) {
		s.metrics.ResultsDiscarded.Add(1)
		return
	}
	s.metrics.ResultsApplied.Add(1)

	if res.Audio != "" && s.player != nil && s.cfg.PlayAudio {
		s.play(res.Audio)
	}
}

func (s *Session) handleError(msg *protocol.Message) {
	data, err := msg.GetDetectionError()
	if err != nil {
		s.logger.Warn("malformed detection_error", "error", err)
		return
	}
	s.applyError(&detection.BackendError{Message: data.Error, RequestID: data.RequestID})
}

func (s *Session) applyError(berr *detection.BackendError) {
	s.metrics.BackendErrors.Add(1)
	s.logger.Warn("backend error", "error", berr)
	s.rec.OnError(berr)
}

func (s *Session) handleStatus(msg *protocol.Message) {
	data, err := msg.GetConnectionStatus()
	if err != nil {
		s.logger.Warn("malformed connection_status", "error", err)
		return
	}
	s.mu.Lock()
	s.backend = data
	s.mu.Unlock()
	s.logger.Info("backend status", "status", data.Status, "model", data.Model, "message", data.Message)
	s.notify()
}

// play runs the clip off the reader goroutine; a newer clip interrupts it.
func (s *Session) play(clip string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.audio.Add(1)
	s.mu.Unlock()

	s.metrics.ClipsPlayed.Add(1)
	go func() {
		defer s.audio.Done()
		if err := s.player.Play(s.ctx, clip); err != nil && !errors.Is(err, audio.ErrInterrupted) {
			s.logger.Debug("clip not played", "error", err)
		}
	}()
}

func (s *Session) onDetections(state detection.State) {
	s.metrics.Detections.Store(uint64(len(state.Detections)))
	s.notify()
}

func (s *Session) notify() {
	if s.cfg.OnUpdate != nil {
		s.cfg.OnUpdate(s.Status())
	}
}
