package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/teslashibe/go-sightline/pkg/protocol"
)

func TestParseKind(t *testing.T) {
	tests := []struct {
		in      string
		want    Kind
		wantErr bool
	}{
		{"websocket", KindWebSocket, false},
		{" Polling ", KindPolling, false},
		{"carrier-pigeon", "", true},
	}
	for _, tt := range tests {
		got, err := ParseKind(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseKind(%q) = %q, %v", tt.in, got, err)
		}
	}
}

func TestRewriteScheme(t *testing.T) {
	tests := []struct {
		endpoint string
		secure   string
		plain    string
		path     string
		want     string
		wantErr  bool
	}{
		{"http://10.0.0.2:5000", "wss", "ws", "/ws", "ws://10.0.0.2:5000/ws", false},
		{"https://api.example.com", "wss", "ws", "/ws", "wss://api.example.com/ws", false},
		{"ws://host:1/custom", "wss", "ws", "/ws", "ws://host:1/custom", false},
		{"wss://host", "https", "http", "", "https://host", false},
		{"ftp://host", "wss", "ws", "/ws", "", true},
		{"http://", "wss", "ws", "/ws", "", true},
	}
	for _, tt := range tests {
		u, err := rewriteScheme(tt.endpoint, tt.secure, tt.plain, tt.path)
		if (err != nil) != tt.wantErr {
			t.Errorf("rewriteScheme(%q) error = %v, wantErr %v", tt.endpoint, err, tt.wantErr)
			continue
		}
		if err == nil && u.String() != tt.want {
			t.Errorf("rewriteScheme(%q) = %q, want %q", tt.endpoint, u.String(), tt.want)
		}
	}
}

// echoBackend answers every process_frame with an empty detection_result
// and every ping with a pong. It closes the socket when told to.
func echoBackend(t *testing.T, dropAfter int) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ws" {
			http.NotFound(w, r)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		if r.Header.Get("Authorization") != "Bearer t0k" {
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "auth"))
			return
		}

		handled := 0
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			msg, err := protocol.ParseMessage(data)
			if err != nil {
				continue
			}

			var reply *protocol.Message
			switch msg.Type {
			case protocol.TypeProcessFrame:
				frame, _ := msg.GetProcessFrameData()
				id := frame.RequestID
				reply, _ = protocol.NewDetectionResultMessage(protocol.DetectionResultData{Success: true, RequestID: &id})
			case protocol.TypePing:
				ping, _ := msg.GetPingData()
				reply, _ = protocol.NewPongMessage(ping.ID, ping.Timestamp, time.Now().UnixMilli())
			}
			if reply != nil {
				b, _ := reply.Bytes()
				conn.WriteMessage(websocket.TextMessage, b)
			}

			handled++
			if dropAfter > 0 && handled >= dropAfter {
				return
			}
		}
	}))
}

type recorder struct {
	mu     sync.Mutex
	msgs   []*protocol.Message
	closed chan error
}

func newRecorder() *recorder {
	return &recorder{closed: make(chan error, 1)}
}

func (r *recorder) events() Events {
	return Events{
		OnMessage: func(m *protocol.Message) {
			r.mu.Lock()
			r.msgs = append(r.msgs, m)
			r.mu.Unlock()
		},
		OnClose: func(err error) { r.closed <- err },
	}
}

func (r *recorder) waitFor(t *testing.T, n int) []*protocol.Message {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		r.mu.Lock()
		if len(r.msgs) >= n {
			out := append([]*protocol.Message(nil), r.msgs...)
			r.mu.Unlock()
			return out
		}
		r.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d messages", n)
	return nil
}

func TestWebSocketRoundTrip(t *testing.T) {
	server := echoBackend(t, 0)
	defer server.Close()

	rec := newRecorder()
	d := &WebSocketDialer{Header: http.Header{"Authorization": []string{"Bearer t0k"}}}
	link, err := d.Dial(context.Background(), server.URL, rec.events())
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer link.Close()

	if link.Kind() != KindWebSocket {
		t.Errorf("Kind() = %v", link.Kind())
	}

	frame, _ := protocol.NewProcessFrameMessage(5, []byte{1, 2, 3}, 4, 4, time.Now(), "back")
	if err := link.Send(frame); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	ping, _ := protocol.NewPingMessage("p1")
	if err := link.Send(ping); err != nil {
		t.Fatalf("Send(ping) error = %v", err)
	}

	msgs := rec.waitFor(t, 2)
	if msgs[0].Type != protocol.TypeDetectionResult {
		t.Errorf("first reply = %s, want detection_result", msgs[0].Type)
	}
	res, _ := msgs[0].GetDetectionResult()
	if res.RequestID == nil || *res.RequestID != 5 {
		t.Errorf("RequestID = %v, want 5", res.RequestID)
	}
	if msgs[1].Type != protocol.TypePong {
		t.Errorf("second reply = %s, want pong", msgs[1].Type)
	}
}

func TestWebSocketRemoteCloseReported(t *testing.T) {
	server := echoBackend(t, 1)
	defer server.Close()

	rec := newRecorder()
	d := &WebSocketDialer{Header: http.Header{"Authorization": []string{"Bearer t0k"}}}
	link, err := d.Dial(context.Background(), server.URL, rec.events())
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer link.Close()

	ping, _ := protocol.NewPingMessage("p1")
	link.Send(ping)

	select {
	case err := <-rec.closed:
		if err == nil {
			t.Error("OnClose error should be non-nil")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnClose not called after remote close")
	}

	if err := link.Send(ping); !errors.Is(err, ErrClosed) {
		t.Errorf("Send() after close error = %v, want ErrClosed", err)
	}
}

func TestWebSocketLocalCloseSilent(t *testing.T) {
	server := echoBackend(t, 0)
	defer server.Close()

	rec := newRecorder()
	d := &WebSocketDialer{Header: http.Header{"Authorization": []string{"Bearer t0k"}}}
	link, err := d.Dial(context.Background(), server.URL, rec.events())
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	link.Close()

	select {
	case err := <-rec.closed:
		t.Errorf("OnClose called after local close: %v", err)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestWebSocketDialFailure(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()

	d := &WebSocketDialer{}
	if _, err := d.Dial(context.Background(), server.URL, Events{}); err == nil {
		t.Fatal("Dial() against a non-websocket endpoint should fail")
	}
}

func pollingBackend(t *testing.T, frameStatus int) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"ok"}`))
	})
	mux.HandleFunc("/api/frames", func(w http.ResponseWriter, r *http.Request) {
		var msg protocol.Message
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			http.Error(w, "bad", http.StatusBadRequest)
			return
		}
		if frameStatus != http.StatusOK {
			w.WriteHeader(frameStatus)
			w.Write([]byte("boom"))
			return
		}
		frame, _ := msg.GetProcessFrameData()
		id := frame.RequestID
		reply, _ := protocol.NewDetectionResultMessage(protocol.DetectionResultData{
			Success:    true,
			RequestID:  &id,
			Detections: []protocol.DetectionData{{X: 0.1, Y: 0.1, Width: 0.2, Height: 0.2, Label: "cup"}},
		})
		b, _ := reply.Bytes()
		w.Header().Set("Content-Type", "application/json")
		w.Write(b)
	})
	return httptest.NewServer(mux)
}

func TestPollingRoundTrip(t *testing.T) {
	server := pollingBackend(t, http.StatusOK)
	defer server.Close()

	rec := newRecorder()
	d := &PollingDialer{}
	link, err := d.Dial(context.Background(), server.URL, rec.events())
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer link.Close()

	frame, _ := protocol.NewProcessFrameMessage(9, []byte{1}, 1, 1, time.Now(), "front")
	if err := link.Send(frame); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	msgs := rec.waitFor(t, 1)
	res, err := msgs[0].GetDetectionResult()
	if err != nil {
		t.Fatalf("GetDetectionResult() error = %v", err)
	}
	if res.RequestID == nil || *res.RequestID != 9 || len(res.Items()) != 1 {
		t.Errorf("result = %+v", res)
	}

	ping, _ := protocol.NewPingMessage("hb")
	link.Send(ping)
	msgs = rec.waitFor(t, 2)
	if msgs[1].Type != protocol.TypePong {
		t.Errorf("ping reply = %s, want pong", msgs[1].Type)
	}

	status, _ := protocol.NewConnectionStatusMessage("x", "", "")
	if err := link.Send(status); !errors.Is(err, ErrUnsupported) {
		t.Errorf("Send(connection_status) error = %v, want ErrUnsupported", err)
	}
}

func TestPollingHTTPErrorBecomesDetectionError(t *testing.T) {
	server := pollingBackend(t, http.StatusInternalServerError)
	defer server.Close()

	rec := newRecorder()
	link, err := (&PollingDialer{}).Dial(context.Background(), server.URL, rec.events())
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer link.Close()

	frame, _ := protocol.NewProcessFrameMessage(3, []byte{1}, 1, 1, time.Now(), "front")
	link.Send(frame)

	msgs := rec.waitFor(t, 1)
	if msgs[0].Type != protocol.TypeDetectionError {
		t.Fatalf("reply = %s, want detection_error", msgs[0].Type)
	}
	data, _ := msgs[0].GetDetectionError()
	if !strings.Contains(data.Error, "500") {
		t.Errorf("Error = %q, want it to mention 500", data.Error)
	}
	if data.RequestID == nil || *data.RequestID != 3 {
		t.Errorf("RequestID = %v, want 3", data.RequestID)
	}
}

func TestPollingDialFailsWhenUnhealthy(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()

	if _, err := (&PollingDialer{}).Dial(context.Background(), server.URL, Events{}); err == nil {
		t.Fatal("Dial() should fail when /health is missing")
	}
}

func TestPollingLinkLostReported(t *testing.T) {
	server := pollingBackend(t, http.StatusOK)

	rec := newRecorder()
	link, err := (&PollingDialer{}).Dial(context.Background(), server.URL, rec.events())
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	server.Close()

	ping, _ := protocol.NewPingMessage("hb")
	link.Send(ping)

	select {
	case <-rec.closed:
	case <-time.After(5 * time.Second):
		t.Fatal("OnClose not called after backend went away")
	}
	if err := link.Send(ping); !errors.Is(err, ErrClosed) {
		t.Errorf("Send() after loss error = %v, want ErrClosed", err)
	}
}
