package audio

import (
	"context"
	"sync"
)

// MockRunner implements Runner for testing.
type MockRunner struct {
	// Block makes Run wait until its context is cancelled.
	Block bool

	// Err is returned by non-blocking runs.
	Err error

	mu      sync.Mutex
	clips   [][]byte
	started chan struct{}
}

// NewMockRunner creates a runner that returns immediately.
func NewMockRunner() *MockRunner {
	return &MockRunner{started: make(chan struct{}, 16)}
}

// Run records the clip.
func (m *MockRunner) Run(ctx context.Context, clip []byte) error {
	m.mu.Lock()
	m.clips = append(m.clips, append([]byte(nil), clip...))
	block, err, started := m.Block, m.Err, m.started
	m.mu.Unlock()

	if started != nil {
		select {
		case started <- struct{}{}:
		default:
		}
	}
	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	return err
}

// Started receives once per Run call.
func (m *MockRunner) Started() <-chan struct{} {
	return m.started
}

// Clips returns every clip played so far.
func (m *MockRunner) Clips() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]byte(nil), m.clips...)
}
