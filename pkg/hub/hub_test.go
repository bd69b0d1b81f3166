package hub

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func startHub(t *testing.T) (*Hub, context.CancelFunc) {
	t.Helper()
	h := New("test", nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h, cancel
}

func join(t *testing.T, h *Hub, buf int) *Client {
	t.Helper()
	c := &Client{hub: h, send: make(chan Message, buf)}
	before := h.ClientCount()
	h.register <- c
	deadline := time.Now().Add(time.Second)
	for h.ClientCount() == before {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(time.Millisecond)
	}
	return c
}

func recv(t *testing.T, c *Client) (Message, bool) {
	t.Helper()
	select {
	case m, ok := <-c.send:
		return m, ok
	case <-time.After(time.Second):
		t.Fatal("no message received")
		return Message{}, false
	}
}

func TestBroadcastReachesAllClients(t *testing.T) {
	h, _ := startHub(t)
	a, b := join(t, h, 4), join(t, h, 4)

	h.BroadcastBinary([]byte{0xff, 0xd8})
	for _, c := range []*Client{a, b} {
		m, ok := recv(t, c)
		if !ok || m.Type != BinaryMessage || len(m.Data) != 2 {
			t.Errorf("message = %+v ok=%v", m, ok)
		}
	}
}

func TestPublishReplaysLatestToNewClients(t *testing.T) {
	h, _ := startHub(t)

	if err := h.Publish("overlay", map[string]int{"n": 1}); err != nil {
		t.Fatal(err)
	}
	if err := h.Publish("overlay", map[string]int{"n": 2}); err != nil {
		t.Fatal(err)
	}

	c := join(t, h, 4)
	m, _ := recv(t, c)
	var env struct {
		Kind string         `json:"kind"`
		Data map[string]int `json:"data"`
	}
	if err := json.Unmarshal(m.Data, &env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Kind != "overlay" || env.Data["n"] != 2 {
		t.Errorf("replayed %+v, want latest overlay", env)
	}
}

func TestSlowClientDropped(t *testing.T) {
	h, _ := startHub(t)
	slow := join(t, h, 0)
	fast := join(t, h, 4)

	h.BroadcastBinary([]byte{1})
	recv(t, fast)

	if _, ok := <-slow.send; ok {
		t.Error("slow client's channel should be closed")
	}
	if h.ClientCount() != 1 {
		t.Errorf("ClientCount() = %d, want 1", h.ClientCount())
	}
}

func TestUnregister(t *testing.T) {
	h, _ := startHub(t)
	c := join(t, h, 1)
	h.unregister <- c
	if _, ok := recv(t, c); ok {
		t.Error("send channel should be closed on unregister")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	h, cancel := startHub(t)
	c := join(t, h, 1)
	if !h.IsRunning() {
		t.Error("hub should be running")
	}
	cancel()
	if _, ok := recv(t, c); ok {
		t.Error("clients should be closed on shutdown")
	}
}
