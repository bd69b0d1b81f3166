package detection

import (
	"log/slog"
	"sync"
	"time"

	"github.com/teslashibe/go-sightline/pkg/clock"
)

// DefaultProcessingTimeout bounds how long a frame may stay unanswered.
const DefaultProcessingTimeout = 5 * time.Second

// Token identifies one reservation of the in-flight slot. Tokens from before
// a Flush, Reset or Close are stale and every operation taking them is a no-op.
type Token uint64

// State is a read-only snapshot of the reconciler.
type State struct {
	Detections    []Detection `json:"detections"`
	LastUpdatedAt time.Time   `json:"last_updated_at"`
	InFlight      bool        `json:"in_flight"`

	// PendingID is the request id awaiting a reply, 0 if none was sent yet.
	PendingID uint64 `json:"pending_id,omitempty"`
}

// Config holds reconciler configuration.
type Config struct {
	ProcessingTimeout time.Duration
	Clock             clock.Clock
	Logger            *slog.Logger

	// OnChange is called after the detection set changes.
	OnChange func(State)

	// OnExpire is called when a processing timeout clears the in-flight slot.
	OnExpire func(requestID uint64)
}

// Option is a functional option for configuring the reconciler.
type Option func(*Config)

// WithProcessingTimeout sets how long to wait for a reply.
func WithProcessingTimeout(d time.Duration) Option {
	return func(c *Config) { c.ProcessingTimeout = d }
}

// WithClock sets the clock used for timestamps and timeouts.
func WithClock(clk clock.Clock) Option {
	return func(c *Config) { c.Clock = clk }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Config) { c.Logger = l }
}

// WithOnChange registers a detection-set change callback.
func WithOnChange(fn func(State)) Option {
	return func(c *Config) { c.OnChange = fn }
}

// WithOnExpire registers a processing-timeout callback.
func WithOnExpire(fn func(requestID uint64)) Option {
	return func(c *Config) { c.OnExpire = fn }
}

type pending struct {
	token      Token
	id         uint64
	capturedAt time.Time
	sent       bool
}

// Reconciler owns the latest detection set and the single in-flight slot.
//
// Invariant: at most one reservation is live. InFlight is true from Reserve
// until a matching result, an error, a timeout, Abort, Flush or Reset.
type Reconciler struct {
	cfg    Config
	logger *slog.Logger

	mu         sync.Mutex
	detections []Detection
	updatedAt  time.Time
	generation Token
	pending    *pending
	timer      clock.Timer
	closed     bool
}

// NewReconciler creates a reconciler with an empty detection set.
func NewReconciler(opts ...Option) *Reconciler {
	cfg := Config{
		ProcessingTimeout: DefaultProcessingTimeout,
		Clock:             clock.Real(),
		Logger:            slog.Default(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.ProcessingTimeout <= 0 {
		cfg.ProcessingTimeout = DefaultProcessingTimeout
	}

	return &Reconciler{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "detection.reconciler"),
	}
}

// Reserve claims the in-flight slot. It returns false if a frame is already
// in flight or the reconciler is closed.
func (r *Reconciler) Reserve() (Token, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed || r.pending != nil {
		return 0, false
	}
	r.generation++
	r.pending = &pending{token: r.generation}
	return r.generation, true
}

// Commit binds a reservation to the request about to be sent and arms the
// processing timeout. It returns false if the token is stale, in which case
// the frame must not be sent.
func (r *Reconciler) Commit(tok Token, req FrameRequest) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	p := r.currentLocked(tok)
	if p == nil || p.sent {
		return false
	}
	p.id = req.ID
	p.capturedAt = req.CapturedAt
	p.sent = true

	r.stopTimerLocked()
	r.timer = r.cfg.Clock.AfterFunc(r.cfg.ProcessingTimeout, func() { r.expire(tok) })
	return true
}

// Abort releases a reservation whose frame never reached the backend.
func (r *Reconciler) Abort(tok Token) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.currentLocked(tok) == nil {
		return
	}
	r.clearPendingLocked()
}

// OnResult applies a result if it answers the in-flight request. Results that
// arrive with nothing in flight, or that correlate to a different request,
// are discarded. It reports whether the result was applied.
func (r *Reconciler) OnResult(res Result) bool {
	r.mu.Lock()

	p := r.pending
	if r.closed || p == nil || !p.sent {
		r.mu.Unlock()
		r.logger.Debug("discarding result with nothing in flight", "request_id", optID(res.RequestID))
		return false
	}
	if !matches(p, res) {
		r.mu.Unlock()
		r.logger.Warn("discarding result for another request",
			"pending_id", p.id,
			"request_id", optID(res.RequestID),
			"echoed_ts", res.CaptureTimestamp,
		)
		return false
	}

	r.detections = append([]Detection(nil), res.Detections...)
	r.updatedAt = r.cfg.Clock.Now()
	r.clearPendingLocked()
	state := r.snapshotLocked()
	r.mu.Unlock()

	r.logger.Debug("applied result", "request_id", p.id, "count", len(res.Detections))
	r.notify(state)
	return true
}

// matches prefers the echoed request id, then the echoed capture timestamp,
// and falls back to last-write-wins when the backend echoes neither.
func matches(p *pending, res Result) bool {
	if res.RequestID != nil {
		return *res.RequestID == p.id
	}
	if res.CaptureTimestamp != 0 && !p.capturedAt.IsZero() {
		return res.CaptureTimestamp == p.capturedAt.UnixMilli()
	}
	return true
}

// OnError clears the in-flight slot without touching the detection set.
// An error naming a different request id is ignored.
func (r *Reconciler) OnError(err *BackendError) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	p := r.pending
	if r.closed || p == nil || !p.sent {
		return false
	}
	if err != nil && err.RequestID != nil && *err.RequestID != p.id {
		return false
	}
	r.clearPendingLocked()
	return true
}

// OnTimeout clears the in-flight slot as if its processing timeout elapsed.
func (r *Reconciler) OnTimeout() bool {
	r.mu.Lock()
	p := r.pending
	if r.closed || p == nil || !p.sent {
		r.mu.Unlock()
		return false
	}
	tok := p.token
	r.mu.Unlock()
	return r.expire(tok)
}

func (r *Reconciler) expire(tok Token) bool {
	r.mu.Lock()
	p := r.currentLocked(tok)
	if p == nil || !p.sent {
		r.mu.Unlock()
		return false
	}
	id := p.id
	r.clearPendingLocked()
	r.mu.Unlock()

	r.logger.Warn("frame timed out", "request_id", id, "timeout", r.cfg.ProcessingTimeout, "error", ErrProcessingTimeout)
	if r.cfg.OnExpire != nil {
		r.cfg.OnExpire(id)
	}
	return true
}

// Flush drops any in-flight request without touching the detection set.
// Used when a new connection is established: the old request is lost.
func (r *Reconciler) Flush() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.generation++
	r.clearPendingLocked()
}

// Reset drops the in-flight request and clears the detection set.
// Used on confirmed disconnect: a stale overlay is worse than none.
func (r *Reconciler) Reset() {
	r.mu.Lock()
	r.generation++
	r.clearPendingLocked()
	changed := len(r.detections) > 0
	r.detections = nil
	r.updatedAt = r.cfg.Clock.Now()
	state := r.snapshotLocked()
	r.mu.Unlock()

	if changed {
		r.notify(state)
	}
}

// Close cancels pending timers; later results are never applied.
func (r *Reconciler) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	r.generation++
	r.clearPendingLocked()
}

// InFlight reports whether a frame is reserved or awaiting a reply.
func (r *Reconciler) InFlight() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pending != nil
}

// Snapshot returns a copy of the current state.
func (r *Reconciler) Snapshot() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

func (r *Reconciler) snapshotLocked() State {
	s := State{
		Detections:    append([]Detection(nil), r.detections...),
		LastUpdatedAt: r.updatedAt,
		InFlight:      r.pending != nil,
	}
	if r.pending != nil && r.pending.sent {
		s.PendingID = r.pending.id
	}
	return s
}

func (r *Reconciler) currentLocked(tok Token) *pending {
	if r.pending == nil || r.pending.token != tok {
		return nil
	}
	return r.pending
}

func (r *Reconciler) clearPendingLocked() {
	r.pending = nil
	r.stopTimerLocked()
}

func (r *Reconciler) stopTimerLocked() {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

func (r *Reconciler) notify(s State) {
	if r.cfg.OnChange != nil {
		r.cfg.OnChange(s)
	}
}

func optID(id *uint64) any {
	if id == nil {
		return "none"
	}
	return *id
}
