package detection

import (
	"testing"
	"time"

	"github.com/teslashibe/go-sightline/pkg/clock"
	"github.com/teslashibe/go-sightline/pkg/protocol"
)

func newTestReconciler(t *testing.T, opts ...Option) (*Reconciler, *clock.Mock) {
	t.Helper()
	clk := clock.NewMock()
	opts = append([]Option{WithClock(clk)}, opts...)
	return NewReconciler(opts...), clk
}

func dets(labels ...string) []Detection {
	out := make([]Detection, len(labels))
	for i, l := range labels {
		out[i] = Detection{Box: BoundingBox{X: 0.1, Y: 0.1, Width: 0.2, Height: 0.2}, Label: l, Confidence: 0.9}
	}
	return out
}

func send(t *testing.T, r *Reconciler, id uint64, at time.Time) Token {
	t.Helper()
	tok, ok := r.Reserve()
	if !ok {
		t.Fatalf("Reserve() failed for request %d", id)
	}
	if !r.Commit(tok, FrameRequest{ID: id, CapturedAt: at}) {
		t.Fatalf("Commit() failed for request %d", id)
	}
	return tok
}

func labels(ds []Detection) []string {
	out := make([]string, len(ds))
	for i, d := range ds {
		out[i] = d.Label
	}
	return out
}

func TestReserveSingleFlight(t *testing.T) {
	r, _ := newTestReconciler(t)

	if _, ok := r.Reserve(); !ok {
		t.Fatal("first Reserve() should succeed")
	}
	if _, ok := r.Reserve(); ok {
		t.Fatal("second Reserve() must fail while a frame is in flight")
	}
	if !r.InFlight() {
		t.Error("InFlight() should be true after Reserve")
	}
}

func TestResultAppliedAndClearsInFlight(t *testing.T) {
	r, clk := newTestReconciler(t)
	send(t, r, 30, clk.Now())

	if !r.OnResult(Result{Detections: dets("A", "B")}) {
		t.Fatal("OnResult() should apply")
	}

	s := r.Snapshot()
	if got := labels(s.Detections); len(got) != 2 || got[0] != "A" || got[1] != "B" {
		t.Errorf("Detections = %v, want [A B]", got)
	}
	if s.InFlight {
		t.Error("InFlight should be false after a result")
	}
	if !s.LastUpdatedAt.Equal(clk.Now()) {
		t.Errorf("LastUpdatedAt = %v, want %v", s.LastUpdatedAt, clk.Now())
	}
	if clk.Pending() != 0 {
		t.Errorf("timeout timer still pending after result")
	}
}

func TestStaleResultAfterTimeout(t *testing.T) {
	var expired []uint64
	r, clk := newTestReconciler(t, WithOnExpire(func(id uint64) { expired = append(expired, id) }))

	send(t, r, 1, clk.Now())
	r.OnResult(Result{Detections: dets("old")})

	send(t, r, 2, clk.Now())
	clk.Add(DefaultProcessingTimeout)

	if r.InFlight() {
		t.Fatal("InFlight should clear after processing timeout")
	}
	if len(expired) != 1 || expired[0] != 2 {
		t.Errorf("OnExpire calls = %v, want [2]", expired)
	}

	if r.OnResult(Result{Detections: dets("late")}) {
		t.Error("late result must be discarded")
	}
	if got := labels(r.Snapshot().Detections); len(got) != 1 || got[0] != "old" {
		t.Errorf("Detections = %v, want [old]", got)
	}

	if _, ok := r.Reserve(); !ok {
		t.Error("Reserve() should succeed after timeout")
	}
}

func TestTimeoutNotBeforeDeadline(t *testing.T) {
	r, clk := newTestReconciler(t, WithProcessingTimeout(2*time.Second))
	send(t, r, 1, clk.Now())

	clk.Add(1999 * time.Millisecond)
	if !r.InFlight() {
		t.Fatal("InFlight cleared before the deadline")
	}
	clk.Add(time.Millisecond)
	if r.InFlight() {
		t.Fatal("InFlight should clear at the deadline")
	}
}

func TestStaleResultAfterReset(t *testing.T) {
	r, clk := newTestReconciler(t)
	send(t, r, 1, clk.Now())
	r.OnResult(Result{Detections: dets("A")})

	send(t, r, 2, clk.Now())
	r.Reset()

	s := r.Snapshot()
	if s.InFlight || len(s.Detections) != 0 {
		t.Fatalf("after Reset: InFlight=%v Detections=%v", s.InFlight, labels(s.Detections))
	}
	if r.OnResult(Result{Detections: dets("ghost")}) {
		t.Error("result after Reset must be discarded")
	}
	if clk.Pending() != 0 {
		t.Error("Reset should cancel the timeout timer")
	}
}

func TestFlushKeepsDetections(t *testing.T) {
	r, clk := newTestReconciler(t)
	send(t, r, 1, clk.Now())
	r.OnResult(Result{Detections: dets("A")})

	tok := send(t, r, 2, clk.Now())
	r.Flush()

	if r.InFlight() {
		t.Error("Flush should clear InFlight")
	}
	if len(r.Snapshot().Detections) != 1 {
		t.Error("Flush should keep detections")
	}
	if r.Commit(tok, FrameRequest{ID: 3}) {
		t.Error("Commit with a pre-flush token must fail")
	}
}

func TestCorrelationByRequestID(t *testing.T) {
	r, clk := newTestReconciler(t)
	send(t, r, 7, clk.Now())

	other := uint64(6)
	if r.OnResult(Result{RequestID: &other, Detections: dets("wrong")}) {
		t.Fatal("result for request 6 must not apply to request 7")
	}
	if !r.InFlight() {
		t.Fatal("mismatched result must not clear InFlight")
	}

	mine := uint64(7)
	if !r.OnResult(Result{RequestID: &mine, Detections: dets("right")}) {
		t.Fatal("matching result should apply")
	}
	if got := labels(r.Snapshot().Detections); got[0] != "right" {
		t.Errorf("Detections = %v", got)
	}
}

func TestCorrelationByEchoedTimestamp(t *testing.T) {
	r, clk := newTestReconciler(t)
	at := clk.Now()
	send(t, r, 1, at)

	if r.OnResult(Result{CaptureTimestamp: at.UnixMilli() - 1000}) {
		t.Fatal("result echoing another capture time must be discarded")
	}
	if !r.OnResult(Result{CaptureTimestamp: at.UnixMilli(), Detections: dets("A")}) {
		t.Fatal("result echoing the pending capture time should apply")
	}
}

func TestOnErrorKeepsDetections(t *testing.T) {
	r, clk := newTestReconciler(t)
	send(t, r, 1, clk.Now())
	r.OnResult(Result{Detections: dets("A")})

	send(t, r, 2, clk.Now())
	other := uint64(99)
	if r.OnError(&BackendError{Message: "x", RequestID: &other}) {
		t.Error("error for a different request must be ignored")
	}
	if !r.OnError(&BackendError{Message: "AI model error"}) {
		t.Fatal("OnError should clear in-flight")
	}
	s := r.Snapshot()
	if s.InFlight {
		t.Error("InFlight should be false after error")
	}
	if len(s.Detections) != 1 || s.Detections[0].Label != "A" {
		t.Errorf("Detections changed on error: %v", labels(s.Detections))
	}
}

func TestAbortReleasesReservation(t *testing.T) {
	r, _ := newTestReconciler(t)
	tok, _ := r.Reserve()
	r.Abort(tok)
	if r.InFlight() {
		t.Fatal("Abort should release the slot")
	}

	tok2, ok := r.Reserve()
	if !ok {
		t.Fatal("Reserve() after Abort should succeed")
	}
	r.Abort(tok)
	if !r.InFlight() {
		t.Error("Abort with a stale token must not release the current reservation")
	}
	r.Abort(tok2)
}

func TestResultBeforeCommitDiscarded(t *testing.T) {
	r, _ := newTestReconciler(t)
	r.Reserve()
	if r.OnResult(Result{Detections: dets("early")}) {
		t.Error("result with no request sent must be discarded")
	}
	if r.OnTimeout() {
		t.Error("OnTimeout with no request sent should be a no-op")
	}
}

func TestCloseRejectsEverything(t *testing.T) {
	r, clk := newTestReconciler(t)
	send(t, r, 1, clk.Now())
	r.Close()

	if r.OnResult(Result{Detections: dets("A")}) {
		t.Error("result after Close must be discarded")
	}
	if _, ok := r.Reserve(); ok {
		t.Error("Reserve after Close must fail")
	}
	if clk.Pending() != 0 {
		t.Error("Close should cancel timers")
	}
}

func TestOnChangeNotified(t *testing.T) {
	var states []State
	r, clk := newTestReconciler(t, WithOnChange(func(s State) { states = append(states, s) }))

	send(t, r, 1, clk.Now())
	r.OnResult(Result{Detections: dets("A")})
	r.Reset()
	r.Reset()

	if len(states) != 2 {
		t.Fatalf("OnChange calls = %d, want 2", len(states))
	}
	if len(states[1].Detections) != 0 {
		t.Error("second notification should carry the cleared set")
	}
}

func TestSnapshotIsCopy(t *testing.T) {
	r, clk := newTestReconciler(t)
	send(t, r, 1, clk.Now())
	r.OnResult(Result{Detections: dets("A")})

	s := r.Snapshot()
	s.Detections[0].Label = "mutated"
	if r.Snapshot().Detections[0].Label != "A" {
		t.Error("Snapshot must not alias internal state")
	}
}

func TestResultFromWire(t *testing.T) {
	far := 4.2
	negative := -1.0
	id := uint64(3)
	data := &protocol.DetectionResultData{
		Success:   true,
		RequestID: &id,
		Detections: []protocol.DetectionData{
			{X: 0.9, Y: 0.1, Width: 0.5, Height: 0.2, Label: "wide", Confidence: 1.7, DistanceM: &far},
			{X: 0.1, Y: 0.1, Width: 0.1, Height: 0.1, Label: "neg", Confidence: -0.5, DistanceM: &negative},
			{Label: "nobox"},
		},
		ServerTimestamp: 1_700_000_000_000,
	}

	res := ResultFromWire(data, nil)
	if res.RequestID == nil || *res.RequestID != 3 {
		t.Errorf("RequestID = %v", res.RequestID)
	}
	if len(res.Detections) != 2 {
		t.Fatalf("len(Detections) = %d, want 2 (box-less entry skipped)", len(res.Detections))
	}

	wide := res.Detections[0]
	if wide.Box.Width > 0.1000001 || wide.Confidence != 1 {
		t.Errorf("wide = %+v, want width clamped to 0.1 and confidence 1", wide)
	}
	if wide.DistanceMeters == nil || *wide.DistanceMeters != far {
		t.Errorf("DistanceMeters = %v, want %v", wide.DistanceMeters, far)
	}

	neg := res.Detections[1]
	if neg.Confidence != 0 || neg.DistanceMeters != nil {
		t.Errorf("neg = %+v, want confidence 0 and no distance", neg)
	}
	if res.ServerTimestamp.IsZero() {
		t.Error("ServerTimestamp should be set")
	}
}

func TestParseFacing(t *testing.T) {
	if f, err := ParseFacing("front"); err != nil || f != FacingFront {
		t.Errorf("ParseFacing(front) = %v, %v", f, err)
	}
	if _, err := ParseFacing("sideways"); err == nil {
		t.Error("ParseFacing(sideways) should fail")
	}
}
