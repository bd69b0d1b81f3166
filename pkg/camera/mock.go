package camera

import (
	"context"
	"sync"

	"github.com/teslashibe/go-sightline/pkg/capture"
)

// Mock implements Source for testing.
type Mock struct {
	mu sync.Mutex

	// Frames are returned in order; the last one repeats.
	Frames []capture.Frame

	// Err, when set, fails every capture.
	Err error

	calls  int
	closed bool
}

// NewMock creates a mock that always returns frame.
func NewMock(frame capture.Frame) *Mock {
	return &Mock{Frames: []capture.Frame{frame}}
}

// Capture returns the next scripted frame.
func (m *Mock) Capture(ctx context.Context) (capture.Frame, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.closed {
		return capture.Frame{}, ErrClosed
	}
	if m.Err != nil {
		return capture.Frame{}, m.Err
	}
	if len(m.Frames) == 0 {
		return capture.Frame{}, ErrNoFrame
	}
	i := min(m.calls-1, len(m.Frames)-1)
	return m.Frames[i], nil
}

// SetErr changes the scripted error.
func (m *Mock) SetErr(err error) {
	m.mu.Lock()
	m.Err = err
	m.mu.Unlock()
}

// Calls returns how many captures were attempted.
func (m *Mock) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Close marks the mock closed.
func (m *Mock) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// Closed reports whether Close was called.
func (m *Mock) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
