package protocol

import (
	"encoding/base64"
	"strings"
	"time"
)

// =============================================================================
// Helper functions for creating messages
// =============================================================================

// NewProcessFrameMessage creates a process_frame message from raw JPEG data
func NewProcessFrameMessage(requestID uint64, jpegData []byte, width, height int, capturedAt time.Time, facing string) (*Message, error) {
	return NewMessage(TypeProcessFrame, ProcessFrameData{
		RequestID:    requestID,
		Image:        base64.StdEncoding.EncodeToString(jpegData),
		Width:        width,
		Height:       height,
		Timestamp:    capturedAt.UnixMilli(),
		CameraFacing: facing,
	})
}

// NewDetectionResultMessage creates a detection_result message
func NewDetectionResultMessage(data DetectionResultData) (*Message, error) {
	if data.Count == 0 {
		data.Count = len(data.Items())
	}
	return NewMessage(TypeDetectionResult, data)
}

// NewDetectionErrorMessage creates a detection_error message
func NewDetectionErrorMessage(errMsg string, requestID *uint64) (*Message, error) {
	return NewMessage(TypeDetectionError, DetectionErrorData{
		Error:     errMsg,
		RequestID: requestID,
	})
}

// NewConnectionStatusMessage creates the post-connect greeting
func NewConnectionStatusMessage(status, model, message string) (*Message, error) {
	return NewMessage(TypeConnectionStatus, ConnectionStatusData{
		Status:  status,
		Model:   model,
		Message: message,
	})
}

// NewPingMessage creates a ping message
func NewPingMessage(id string) (*Message, error) {
	return NewMessage(TypePing, PingData{
		ID:        id,
		Timestamp: time.Now().UnixMilli(),
	})
}

// NewPongMessage creates a pong response message
func NewPongMessage(id string, pingTS, pongTS int64) (*Message, error) {
	return NewMessage(TypePong, PongData{
		ID:        id,
		PingTS:    pingTS,
		PongTS:    pongTS,
		LatencyMs: pongTS - pingTS,
	})
}

// =============================================================================
// Helper functions for parsing messages
// =============================================================================

// GetProcessFrameData extracts frame data from a message
func (m *Message) GetProcessFrameData() (*ProcessFrameData, error) {
	var data ProcessFrameData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// DecodeImage decodes the base64 image data, tolerating a data URI prefix.
func (f *ProcessFrameData) DecodeImage() ([]byte, error) {
	s := f.Image
	if _, after, ok := strings.Cut(s, ","); ok {
		s = after
	}
	return base64.StdEncoding.DecodeString(s)
}

// GetDetectionResult extracts a detection result from a message
func (m *Message) GetDetectionResult() (*DetectionResultData, error) {
	var data DetectionResultData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// DecodeAudio decodes the base64 audio clip, if any.
func (r *DetectionResultData) DecodeAudio() ([]byte, error) {
	if r.Audio == "" {
		return nil, nil
	}
	return base64.StdEncoding.DecodeString(r.Audio)
}

// GetDetectionError extracts error data from a message
func (m *Message) GetDetectionError() (*DetectionErrorData, error) {
	var data DetectionErrorData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// GetConnectionStatus extracts the connect greeting from a message
func (m *Message) GetConnectionStatus() (*ConnectionStatusData, error) {
	var data ConnectionStatusData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// GetPingData extracts ping data from a message
func (m *Message) GetPingData() (*PingData, error) {
	var data PingData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// GetPongData extracts pong data from a message
func (m *Message) GetPongData() (*PongData, error) {
	var data PongData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}
