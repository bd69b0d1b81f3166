// Package hub fans dashboard updates out to websocket clients using the
// channel-based broadcast pattern.
package hub

import "encoding/json"

// MessageType indicates the websocket frame type.
type MessageType int

const (
	// JSONMessage is sent as a text frame.
	JSONMessage MessageType = iota
	// BinaryMessage is sent as a binary frame (e.g. preview JPEGs).
	BinaryMessage
)

// Message is one broadcast payload.
type Message struct {
	Type MessageType
	Data []byte
}

// NewJSONMessage wraps pre-encoded JSON.
func NewJSONMessage(data []byte) Message {
	return Message{Type: JSONMessage, Data: data}
}

// NewBinaryMessage wraps binary data.
func NewBinaryMessage(data []byte) Message {
	return Message{Type: BinaryMessage, Data: data}
}

// Envelope is the JSON shape of every text message: a kind tag and payload.
type Envelope struct {
	Kind string `json:"kind"`
	Data any    `json:"data"`
}

// Encode marshals an envelope into a JSON message.
func Encode(kind string, data any) (Message, error) {
	b, err := json.Marshal(Envelope{Kind: kind, Data: data})
	if err != nil {
		return Message{}, err
	}
	return NewJSONMessage(b), nil
}
