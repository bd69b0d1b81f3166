// Package transport provides the wire links a stream connection can run over.
//
// A Dialer opens a Link to the backend; inbound messages and unexpected link
// termination are reported through Events. Two kinds are provided: a
// persistent WebSocket link and an HTTP polling fallback for networks that
// block upgrades.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/teslashibe/go-sightline/pkg/protocol"
)

// Kind names a transport implementation.
type Kind string

const (
	KindWebSocket Kind = "websocket"
	KindPolling   Kind = "polling"
)

// ParseKind validates a transport name.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindWebSocket, KindPolling:
		return k, nil
	default:
		return "", fmt.Errorf("transport: unknown kind %q", s)
	}
}

// Sentinel errors.
var (
	// ErrClosed is returned when sending on a closed link.
	ErrClosed = errors.New("transport: link closed")

	// ErrUnsupported is returned when a link cannot carry a message type.
	ErrUnsupported = errors.New("transport: message type not supported")
)

// Events receives link callbacks. Both fields are optional.
type Events struct {
	// OnMessage is called for each inbound message, in arrival order,
	// from the link's reader goroutine.
	OnMessage func(msg *protocol.Message)

	// OnClose is called at most once when the link terminates for any
	// reason other than a local Close.
	OnClose func(err error)
}

func (e Events) message(msg *protocol.Message) {
	if e.OnMessage != nil {
		e.OnMessage(msg)
	}
}

func (e Events) closed(err error) {
	if e.OnClose != nil {
		e.OnClose(err)
	}
}

// Link is an established connection to the backend.
type Link interface {
	// Kind reports which transport carries this link.
	Kind() Kind

	// Send transmits a message. It does not wait for a reply.
	Send(msg *protocol.Message) error

	// Close tears the link down. OnClose is not invoked for local closes.
	Close() error
}

// Dialer opens links of one kind.
type Dialer interface {
	Kind() Kind
	Dial(ctx context.Context, endpoint string, ev Events) (Link, error)
}

// rewriteScheme maps http(s) and ws(s) endpoints onto the scheme family a
// transport needs, defaulting the path when the endpoint has none.
func rewriteScheme(endpoint string, secure, plain, defaultPath string) (*url.URL, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("transport: parse endpoint: %w", err)
	}
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = secure
	case "http", "ws", "":
		u.Scheme = plain
	default:
		return nil, fmt.Errorf("transport: unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("transport: endpoint %q has no host", endpoint)
	}
	if (u.Path == "" || u.Path == "/") && defaultPath != "" {
		u.Path = defaultPath
	}
	return u, nil
}
