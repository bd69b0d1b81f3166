package web

import (
	"context"
	"encoding/json"
	"image"
	"image/jpeg"
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/teslashibe/go-sightline/pkg/camera"
	"github.com/teslashibe/go-sightline/pkg/detection"
	"github.com/teslashibe/go-sightline/pkg/metrics"
	"github.com/teslashibe/go-sightline/pkg/overlay"
	"github.com/teslashibe/go-sightline/pkg/session"
	"github.com/teslashibe/go-sightline/pkg/stream"
)

type fakeBackend struct {
	mu         sync.Mutex
	status     session.Status
	dets       []detection.Detection
	preview    image.Image
	reconnects int
	reconnErr  error
	facing     detection.Facing
}

func (b *fakeBackend) Status() session.Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

func (b *fakeBackend) Overlay(vp overlay.Viewport) []overlay.RenderInstruction {
	return overlay.Project(b.dets, vp)
}

func (b *fakeBackend) Preview() (image.Image, error) {
	if b.preview == nil {
		return nil, session.ErrNoFrame
	}
	return b.preview, nil
}

func (b *fakeBackend) Reconnect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.reconnErr != nil {
		return b.reconnErr
	}
	b.reconnects++
	b.status.Connection.State = stream.StateConnected
	b.status.Failed = false
	return nil
}

func (b *fakeBackend) SetFacing(f detection.Facing) {
	b.mu.Lock()
	b.facing = f
	b.mu.Unlock()
}

type fakeCamera struct {
	cfg camera.Config
}

func (c *fakeCamera) GetConfig() camera.Config { return c.cfg }

func (c *fakeCamera) UpdateConfig(params map[string]any) error {
	if q, ok := params["quality"].(float64); ok {
		c.cfg.Quality = int(q)
	}
	return nil
}

func newTestServer(b *fakeBackend) *Server {
	cfg := DefaultConfig()
	cfg.Camera = &fakeCamera{cfg: camera.DefaultConfig()}
	cfg.Metrics = metrics.New().Handler()
	return NewServer(cfg, b)
}

func do(t *testing.T, s *Server, method, target, body string) (int, []byte) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := s.App().Test(req)
	if err != nil {
		t.Fatalf("Request error: %v", err)
	}
	data, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, data
}

func TestHealth(t *testing.T) {
	s := newTestServer(&fakeBackend{})
	code, body := do(t, s, "GET", "/health", "")
	if code != 200 || !strings.Contains(string(body), `"ok"`) {
		t.Errorf("GET /health = %d %s", code, body)
	}
}

func TestStatus(t *testing.T) {
	b := &fakeBackend{}
	b.status.SessionID = "abc"
	b.status.Connection.State = stream.StateReconnecting
	s := newTestServer(b)

	code, body := do(t, s, "GET", "/api/status", "")
	if code != 200 {
		t.Fatalf("Status = %d", code)
	}
	var st struct {
		SessionID  string `json:"session_id"`
		Connection struct {
			State string `json:"state"`
		} `json:"connection"`
	}
	if err := json.Unmarshal(body, &st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.SessionID != "abc" || st.Connection.State != "reconnecting" {
		t.Errorf("status = %+v", st)
	}
}

func TestOverlay(t *testing.T) {
	far := 4.0
	b := &fakeBackend{dets: []detection.Detection{{
		Box:            detection.BoundingBox{X: 0.5, Y: 0.5, Width: 0.25, Height: 0.25},
		Label:          "car",
		Confidence:     0.8,
		DistanceMeters: &far,
	}}}
	s := newTestServer(b)

	code, body := do(t, s, "GET", "/api/overlay?w=200&h=100", "")
	if code != 200 {
		t.Fatalf("Status = %d: %s", code, body)
	}
	var out struct {
		Instructions []struct {
			Rect   overlay.Rect `json:"rect"`
			Bucket string       `json:"bucket"`
			Color  string       `json:"color"`
		} `json:"instructions"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Instructions) != 1 {
		t.Fatalf("instructions = %d", len(out.Instructions))
	}
	in := out.Instructions[0]
	if in.Rect.X != 100 || in.Rect.Width != 50 || in.Bucket != "far" {
		t.Errorf("instruction = %+v", in)
	}

	if code, _ := do(t, s, "GET", "/api/overlay?w=0&h=10", ""); code != 400 {
		t.Errorf("zero width status = %d, want 400", code)
	}
}

func TestReconnect(t *testing.T) {
	b := &fakeBackend{}
	b.status.Failed = true
	s := newTestServer(b)

	code, body := do(t, s, "POST", "/api/reconnect", "")
	if code != 200 || b.reconnects != 1 {
		t.Fatalf("POST /api/reconnect = %d %s", code, body)
	}
	if !strings.Contains(string(body), `"connected"`) {
		t.Errorf("body = %s", body)
	}

	b.reconnErr = stream.ErrAlreadyConnected
	if code, _ := do(t, s, "POST", "/api/reconnect", ""); code != 409 {
		t.Errorf("already connected status = %d, want 409", code)
	}

	code, body = do(t, s, "GET", "/api/logs", "")
	if code != 200 || !strings.Contains(string(body), "manual reconnect") {
		t.Errorf("logs = %s", body)
	}
}

func TestFacing(t *testing.T) {
	b := &fakeBackend{}
	s := newTestServer(b)

	if code, _ := do(t, s, "POST", "/api/facing", `{"facing":"front"}`); code != 200 {
		t.Errorf("status = %d", code)
	}
	if b.facing != detection.FacingFront {
		t.Errorf("facing = %q", b.facing)
	}
	if code, _ := do(t, s, "POST", "/api/facing", `{"facing":"up"}`); code != 400 {
		t.Errorf("bad facing status = %d, want 400", code)
	}
}

func TestCamera(t *testing.T) {
	s := newTestServer(&fakeBackend{})

	code, body := do(t, s, "POST", "/api/camera", `{"quality":55}`)
	if code != 200 || !strings.Contains(string(body), `"quality":55`) {
		t.Errorf("POST /api/camera = %d %s", code, body)
	}

	bare := NewServer(DefaultConfig(), &fakeBackend{})
	if code, _ := do(t, bare, "GET", "/api/camera", ""); code != 404 {
		t.Errorf("no camera status = %d, want 404", code)
	}
}

func TestPreview(t *testing.T) {
	b := &fakeBackend{}
	s := newTestServer(b)

	if code, _ := do(t, s, "GET", "/preview.jpg", ""); code != 404 {
		t.Errorf("no frame status = %d, want 404", code)
	}

	b.preview = image.NewRGBA(image.Rect(0, 0, 32, 24))
	code, body := do(t, s, "GET", "/preview.jpg", "")
	if code != 200 {
		t.Fatalf("status = %d", code)
	}
	img, err := jpeg.Decode(strings.NewReader(string(body)))
	if err != nil {
		t.Fatalf("preview is not a JPEG: %v", err)
	}
	if img.Bounds().Dx() != 32 {
		t.Errorf("width = %d", img.Bounds().Dx())
	}
}

func TestMetrics(t *testing.T) {
	s := newTestServer(&fakeBackend{})
	code, body := do(t, s, "GET", "/metrics", "")
	if code != 200 || !strings.Contains(string(body), "sightline_frames_sent_total") {
		t.Errorf("GET /metrics = %d\n%s", code, body)
	}
}

func TestWebSocketRequiresUpgrade(t *testing.T) {
	s := newTestServer(&fakeBackend{})
	if code, _ := do(t, s, "GET", "/ws/overlay", ""); code != 426 {
		t.Errorf("plain GET /ws/overlay = %d, want 426", code)
	}
}
