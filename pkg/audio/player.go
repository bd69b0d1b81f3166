// Package audio plays the clips the backend attaches to detection results.
package audio

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
)

// Sentinel errors for the audio package.
var (
	// ErrInterrupted is returned by Play when a newer clip replaced it.
	ErrInterrupted = errors.New("audio: playback interrupted")

	// ErrInvalidAudio indicates the clip is not valid base64.
	ErrInvalidAudio = errors.New("audio: invalid audio encoding")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("audio: player closed")
)

// Runner plays one decoded clip, returning when playback ends or ctx is
// cancelled.
type Runner interface {
	Run(ctx context.Context, clip []byte) error
}

// DefaultCommand plays a clip from stdin without opening a window.
var DefaultCommand = []string{"ffplay", "-nodisp", "-autoexit", "-loglevel", "quiet", "-i", "pipe:0"}

// ExecRunner pipes each clip into an external player process.
type ExecRunner struct {
	Command []string
}

// Run implements Runner. Cancelling ctx kills the process.
func (r ExecRunner) Run(ctx context.Context, clip []byte) error {
	argv := r.Command
	if len(argv) == 0 {
		argv = DefaultCommand
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdin = bytes.NewReader(clip)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("audio: %s: %w: %s", argv[0], err, msg)
		}
		return fmt.Errorf("audio: %s: %w", argv[0], err)
	}
	return nil
}

// Player plays at most one clip at a time; a new clip interrupts the prior.
type Player struct {
	runner Runner
	logger *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	closed bool
	played int64

	// Callbacks
	OnPlaybackStart func()
	OnPlaybackEnd   func(err error)
}

// NewPlayer creates a player. A nil runner uses ExecRunner with
// DefaultCommand.
func NewPlayer(runner Runner, logger *slog.Logger) *Player {
	if runner == nil {
		runner = ExecRunner{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Player{
		runner: runner,
		logger: logger.With("component", "audio"),
	}
}

// Play decodes a base64 clip (a data URI prefix is tolerated) and plays it,
// blocking until it finishes. An empty clip is a no-op.
func (p *Player) Play(ctx context.Context, b64 string) error {
	if _, after, ok := strings.Cut(b64, ","); ok && strings.HasPrefix(b64, "data:") {
		b64 = after
	}
	if b64 == "" {
		return nil
	}
	clip, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAudio, err)
	}
	return p.PlayBytes(ctx, clip)
}

// PlayBytes plays an already decoded clip.
func (p *Player) PlayBytes(ctx context.Context, clip []byte) error {
	if len(clip) == 0 {
		return nil
	}

	p.mu.Lock()
	for p.cancel != nil {
		cancel, done := p.cancel, p.done
		cancel()
		p.mu.Unlock()
		<-done
		p.mu.Lock()
	}
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	playCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	p.cancel, p.done = cancel, done
	p.played++
	p.mu.Unlock()

	p.logger.Debug("playing clip", "bytes", len(clip))
	if p.OnPlaybackStart != nil {
		p.OnPlaybackStart()
	}

	err := p.runner.Run(playCtx, clip)
	interrupted := playCtx.Err() != nil && ctx.Err() == nil

	p.mu.Lock()
	if p.done == done {
		p.cancel, p.done = nil, nil
	}
	p.mu.Unlock()
	cancel()
	close(done)

	if interrupted {
		err = ErrInterrupted
	}
	if err != nil && !errors.Is(err, ErrInterrupted) {
		p.logger.Warn("playback failed", "error", err)
	}
	if p.OnPlaybackEnd != nil {
		p.OnPlaybackEnd(err)
	}
	return err
}

// Stop interrupts the current clip, if any, and waits for it to end.
func (p *Player) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Playing reports whether a clip is playing.
func (p *Player) Playing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancel != nil
}

// Played returns how many clips were started.
func (p *Player) Played() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.played
}

// Close stops playback; later Play calls fail with ErrClosed.
func (p *Player) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.Stop()
	return nil
}
