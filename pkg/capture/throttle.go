package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/teslashibe/go-sightline/pkg/clock"
	"github.com/teslashibe/go-sightline/pkg/detection"
)

// Config holds throttle configuration.
type Config struct {
	// CaptureInterval fires a capture on every Nth tick.
	CaptureInterval int

	// MinInterval is the minimum time between two fired captures.
	MinInterval time.Duration

	// CaptureTimeout bounds one FrameSource call. Zero disables it.
	CaptureTimeout time.Duration

	// Facing is stamped on every request until changed with SetFacing.
	Facing detection.Facing

	Clock  clock.Clock
	Logger *slog.Logger

	// OnFrame is called with every request handed to the sender.
	OnFrame func(req detection.FrameRequest)

	// OnCaptureError is called for every FrameSource failure.
	OnCaptureError func(err *CaptureError)
}

// Option is a functional option for configuring the throttle.
type Option func(*Config)

// WithCaptureInterval fires on every nth tick.
func WithCaptureInterval(n int) Option {
	return func(c *Config) { c.CaptureInterval = n }
}

// WithMinInterval sets the minimum spacing of fired captures.
func WithMinInterval(d time.Duration) Option {
	return func(c *Config) { c.MinInterval = d }
}

// WithCaptureTimeout bounds each capture.
func WithCaptureTimeout(d time.Duration) Option {
	return func(c *Config) { c.CaptureTimeout = d }
}

// WithFacing sets the initial camera facing.
func WithFacing(f detection.Facing) Option {
	return func(c *Config) { c.Facing = f }
}

// WithClock sets the clock.
func WithClock(clk clock.Clock) Option {
	return func(c *Config) { c.Clock = clk }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Config) { c.Logger = l }
}

// WithOnFrame registers a callback for frames handed to the sender.
func WithOnFrame(fn func(req detection.FrameRequest)) Option {
	return func(c *Config) { c.OnFrame = fn }
}

// WithOnCaptureError registers a capture failure callback.
func WithOnCaptureError(fn func(err *CaptureError)) Option {
	return func(c *Config) { c.OnCaptureError = fn }
}

// DefaultConfig returns defaults: every tick is eligible, one capture per
// second at most.
func DefaultConfig() *Config {
	return &Config{
		CaptureInterval: 1,
		MinInterval:     time.Second,
		CaptureTimeout:  5 * time.Second,
		Facing:          detection.FacingBack,
		Clock:           clock.Real(),
		Logger:          slog.Default(),
	}
}

// Apply applies functional options to the config.
func (c *Config) Apply(opts ...Option) {
	for _, opt := range opts {
		opt(c)
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.CaptureInterval < 1 {
		return fmt.Errorf("capture: capture interval must be >= 1, got %d", c.CaptureInterval)
	}
	if c.MinInterval < 0 {
		return fmt.Errorf("capture: min interval must be >= 0, got %v", c.MinInterval)
	}
	if c.CaptureTimeout < 0 {
		return fmt.Errorf("capture: capture timeout must be >= 0, got %v", c.CaptureTimeout)
	}
	if _, err := detection.ParseFacing(string(c.Facing)); err != nil {
		return err
	}
	return nil
}

// Throttle gates frame capture.
type Throttle struct {
	cfg    Config
	source FrameSource
	flight Flight
	sender Sender
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	counter   uint64
	lastFired time.Time
	facing    detection.Facing
	closed    bool

	nextID atomic.Uint64

	ticks, fired, skippedInFlight, skippedMin atomic.Int64
	captureErrors, sent, sendErrors, dropped  atomic.Int64
}

// NewThrottle creates a throttle pulling from source, gated by flight and
// sending through sender.
func NewThrottle(source FrameSource, flight Flight, sender Sender, opts ...Option) (*Throttle, error) {
	if source == nil || flight == nil || sender == nil {
		return nil, errors.New("capture: source, flight and sender are required")
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

	ctx, cancel := context.WithCancel(context.Background())
	return &Throttle{
		cfg:    *cfg,
		source: source,
		flight: flight,
		sender: sender,
		logger: cfg.Logger.With("component", "capture"),
		ctx:    ctx,
		cancel: cancel,
		facing: cfg.Facing,
	}, nil
}

// Tick advances the frame counter and fires a capture if eligible. The
// capture itself runs asynchronously; the in-flight slot is reserved before
// it starts so a slow camera cannot cause a second capture.
func (t *Throttle) Tick() Decision {
	t.ticks.Add(1)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return SkippedClosed
	}
	t.counter++
	if t.counter%uint64(t.cfg.CaptureInterval) != 0 {
		t.mu.Unlock()
		return SkippedInterval
	}
	now := t.cfg.Clock.Now()
	if !t.lastFired.IsZero() && now.Sub(t.lastFired) < t.cfg.MinInterval {
		t.mu.Unlock()
		t.skippedMin.Add(1)
		return SkippedMinInterval
	}
	tok, ok := t.flight.Reserve()
	if !ok {
		t.mu.Unlock()
		t.skippedInFlight.Add(1)
		return SkippedInFlight
	}
	t.lastFired = now
	facing := t.facing
	counter := t.counter
	t.wg.Add(1)
	t.mu.Unlock()

	id := t.nextID.Add(1)
	t.fired.Add(1)
	t.logger.Debug("capture fired", "tick", counter, "request_id", id)

	go t.run(tok, id, facing)
	return Fired
}

func (t *Throttle) run(tok detection.Token, id uint64, facing detection.Facing) {
	defer t.wg.Done()

	ctx := t.ctx
	if t.cfg.CaptureTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.cfg.CaptureTimeout)
		defer cancel()
	}

	frame, err := t.source.Capture(ctx)
	if err == nil && len(frame.Data) == 0 {
		err = ErrEmptyFrame
	}
	if err != nil {
		t.flight.Abort(tok)
		t.captureErrors.Add(1)
		cerr := &CaptureError{RequestID: id, Err: err}
		t.logger.Warn("capture failed", "request_id", id, "error", err)
		if t.cfg.OnCaptureError != nil {
			t.cfg.OnCaptureError(cerr)
		}
		return
	}

	req := detection.FrameRequest{
		ID:         id,
		CapturedAt: t.cfg.Clock.Now(),
		Payload:    frame.Data,
		Width:      frame.Width,
		Height:     frame.Height,
		Facing:     facing,
	}
	if !t.flight.Commit(tok, req) {
		t.dropped.Add(1)
		t.logger.Debug("reservation superseded, dropping frame", "request_id", id)
		return
	}
	if err := t.sender.SendFrame(req); err != nil {
		t.flight.Abort(tok)
		t.sendErrors.Add(1)
		return
	}
	t.sent.Add(1)
	if t.cfg.OnFrame != nil {
		t.cfg.OnFrame(req)
	}
}

// SetFacing changes the facing stamped on subsequent requests.
func (t *Throttle) SetFacing(f detection.Facing) {
	t.mu.Lock()
	t.facing = f
	t.mu.Unlock()
}

// Facing returns the current camera facing.
func (t *Throttle) Facing() detection.Facing {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.facing
}

// Wait blocks until every capture started so far has finished.
func (t *Throttle) Wait() {
	t.wg.Wait()
}

// Close stops accepting ticks, cancels running captures and waits for them.
func (t *Throttle) Close() {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	t.cancel()
	t.wg.Wait()
}

// Stats returns cumulative counters.
func (t *Throttle) Stats() Stats {
	t.mu.Lock()
	lastFired := t.lastFired
	t.mu.Unlock()
	return Stats{
		Ticks:              t.ticks.Load(),
		Fired:              t.fired.Load(),
		SkippedInFlight:    t.skippedInFlight.Load(),
		SkippedMinInterval: t.skippedMin.Load(),
		CaptureErrors:      t.captureErrors.Load(),
		Sent:               t.sent.Load(),
		SendErrors:         t.sendErrors.Load(),
		Dropped:            t.dropped.Load(),
		LastRequestID:      t.nextID.Load(),
		LastFiredAt:        lastFired,
	}
}
