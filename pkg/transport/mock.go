package transport

import (
	"context"
	"sync"

	"github.com/teslashibe/go-sightline/pkg/protocol"
)

// MockDialer implements Dialer for testing.
type MockDialer struct {
	// KindValue is reported by Kind. Defaults to KindWebSocket.
	KindValue Kind

	// DialFunc is called for every Dial. A non-nil error fails the dial.
	// If nil, every dial succeeds.
	DialFunc func(ctx context.Context, endpoint string) error

	mu    sync.Mutex
	dials int
	links []*MockLink
}

// NewMockDialer creates a mock dialer whose dials always succeed.
func NewMockDialer(kind Kind) *MockDialer {
	return &MockDialer{KindValue: kind}
}

// Kind implements Dialer.
func (d *MockDialer) Kind() Kind {
	if d.KindValue == "" {
		return KindWebSocket
	}
	return d.KindValue
}

// Dial implements Dialer.
func (d *MockDialer) Dial(ctx context.Context, endpoint string, ev Events) (Link, error) {
	d.mu.Lock()
	d.dials++
	fn := d.DialFunc
	d.mu.Unlock()

	if fn != nil {
		if err := fn(ctx, endpoint); err != nil {
			return nil, err
		}
	}

	link := &MockLink{kind: d.Kind(), ev: ev, Endpoint: endpoint}
	d.mu.Lock()
	d.links = append(d.links, link)
	d.mu.Unlock()
	return link, nil
}

// Dials returns how many times Dial was called.
func (d *MockDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// Links returns every link the dialer established.
func (d *MockDialer) Links() []*MockLink {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*MockLink(nil), d.links...)
}

// Last returns the most recently established link, or nil.
func (d *MockDialer) Last() *MockLink {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.links) == 0 {
		return nil
	}
	return d.links[len(d.links)-1]
}

// MockLink is an in-memory Link.
type MockLink struct {
	Endpoint string

	// SendErr, when set, is returned by Send.
	SendErr error

	kind Kind
	ev   Events

	mu     sync.Mutex
	sent   []*protocol.Message
	closed bool
}

// Kind implements Link.
func (l *MockLink) Kind() Kind { return l.kind }

// Send records the message.
func (l *MockLink) Send(msg *protocol.Message) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	if l.SendErr != nil {
		return l.SendErr
	}
	l.sent = append(l.sent, msg)
	return nil
}

// Close marks the link closed.
func (l *MockLink) Close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	return nil
}

// Sent returns a copy of the messages sent so far.
func (l *MockLink) Sent() []*protocol.Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*protocol.Message(nil), l.sent...)
}

// SentOfType returns the sent messages of one type.
func (l *MockLink) SentOfType(t protocol.MessageType) []*protocol.Message {
	var out []*protocol.Message
	for _, m := range l.Sent() {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

// Closed reports whether Close was called or the link was dropped.
func (l *MockLink) Closed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// Deliver simulates an inbound message.
func (l *MockLink) Deliver(msg *protocol.Message) {
	l.ev.message(msg)
}

// Drop simulates the remote side going away.
func (l *MockLink) Drop(err error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.mu.Unlock()
	l.ev.closed(err)
}
