// Package protocol defines the WebSocket message types exchanged between the
// streaming client and the detection backend.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType identifies the type of WebSocket message
type MessageType string

const (
	// Client → Backend messages
	TypeProcessFrame MessageType = "process_frame" // Encoded camera frame

	// Backend → Client messages
	TypeDetectionResult  MessageType = "detection_result"  // Detections for a frame
	TypeDetectionError   MessageType = "detection_error"   // Backend failed to process a frame
	TypeConnectionStatus MessageType = "connection_status" // Greeting sent after connect

	// Bidirectional
	TypePing MessageType = "ping" // Liveness probe
	TypePong MessageType = "pong" // Liveness reply
)

// Message is the base wrapper for all WebSocket messages
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp int64           `json:"ts,omitempty"` // Unix milliseconds
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewMessage creates a new message with the current timestamp
func NewMessage(msgType MessageType, data any) (*Message, error) {
	var rawData json.RawMessage
	if data != nil {
		var err error
		rawData, err = json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal message data: %w", err)
		}
	}

	return &Message{
		Type:      msgType,
		Timestamp: time.Now().UnixMilli(),
		Data:      rawData,
	}, nil
}

// ParseData unmarshals the message data into the provided struct
func (m *Message) ParseData(v any) error {
	if m.Data == nil {
		return nil
	}
	return json.Unmarshal(m.Data, v)
}

// Bytes returns the JSON-encoded message
func (m *Message) Bytes() ([]byte, error) {
	return json.Marshal(m)
}

// ParseMessage parses a JSON message from bytes
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("failed to parse message: missing type")
	}
	return &msg, nil
}

// =============================================================================
// Client → Backend Message Types
// =============================================================================

// ProcessFrameData carries one encoded camera frame.
type ProcessFrameData struct {
	RequestID    uint64 `json:"request_id,omitempty"`
	Image        string `json:"image"` // base64 JPEG
	Width        int    `json:"width"`
	Height       int    `json:"height"`
	Timestamp    int64  `json:"timestamp"`    // capture time, epoch ms
	CameraFacing string `json:"cameraFacing"` // "front", "back"
}

// =============================================================================
// Backend → Client Message Types
// =============================================================================

// DetectionResultData is the backend's reply to a process_frame message.
//
// Older backends send "objects" instead of "detections" and may omit
// request_id; Timestamp echoes the frame's capture time when present.
type DetectionResultData struct {
	Success         bool            `json:"success"`
	Count           int             `json:"count"`
	Detections      []DetectionData `json:"detections,omitempty"`
	Objects         []DetectionData `json:"objects,omitempty"`
	DistanceEnabled bool            `json:"distanceEnabled"`
	Audio           string          `json:"audio,omitempty"` // base64 audio clip
	RequestID       *uint64         `json:"request_id,omitempty"`
	Timestamp       int64           `json:"timestamp,omitempty"`
	ServerTimestamp int64           `json:"server_ts,omitempty"`
	ImageSize       *ImageSize      `json:"image_size,omitempty"`
}

// Items returns the detections regardless of which field the backend used.
func (r *DetectionResultData) Items() []DetectionData {
	if len(r.Detections) > 0 {
		return r.Detections
	}
	return r.Objects
}

// ImageSize is the pixel size of the frame the backend analysed.
type ImageSize struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// DetectionErrorData reports a failure to process a frame.
type DetectionErrorData struct {
	Error     string  `json:"error"`
	RequestID *uint64 `json:"request_id,omitempty"`
}

// ConnectionStatusData is the greeting the backend emits after connect.
type ConnectionStatusData struct {
	Status  string `json:"status"`
	Model   string `json:"model,omitempty"`
	Message string `json:"message,omitempty"`
}

// =============================================================================
// Bidirectional Message Types
// =============================================================================

// PingData contains ping information
type PingData struct {
	ID        string `json:"id"`
	Timestamp int64  `json:"ts"`
}

// PongData contains pong response
type PongData struct {
	ID        string `json:"id"`
	PingTS    int64  `json:"ping_ts"`
	PongTS    int64  `json:"pong_ts"`
	LatencyMs int64  `json:"latency_ms"`
}
