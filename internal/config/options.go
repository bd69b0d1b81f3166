package config

import (
	"github.com/teslashibe/go-sightline/pkg/capture"
	"github.com/teslashibe/go-sightline/pkg/detection"
	"github.com/teslashibe/go-sightline/pkg/session"
	"github.com/teslashibe/go-sightline/pkg/stream"
)

// StreamOptions converts the connection settings. Call Validate first.
func (c *Config) StreamOptions() []stream.Option {
	kinds, _ := c.TransportKinds()
	opts := []stream.Option{
		stream.WithTransports(kinds...),
		stream.WithReconnection(c.Reconnect.Enabled),
		stream.WithMaxReconnectAttempts(c.Reconnect.MaxAttempts),
		stream.WithBackoff(c.Reconnect.InitialBackoff, c.Reconnect.MaxBackoff),
		stream.WithJitter(c.Reconnect.Jitter),
		stream.WithConnectTimeout(c.Reconnect.ConnectTimeout),
		stream.WithHeartbeat(c.Heartbeat.Interval, c.Heartbeat.Timeout),
	}
	if c.Backend.Token != "" {
		opts = append(opts, stream.WithBearerToken(c.Backend.Token))
	}
	return opts
}

// CaptureOptions converts the throttle settings.
func (c *Config) CaptureOptions() []capture.Option {
	return []capture.Option{
		capture.WithCaptureInterval(c.Capture.Interval),
		capture.WithMinInterval(c.Capture.MinInterval),
		capture.WithCaptureTimeout(c.Capture.Timeout),
		capture.WithFacing(detection.Facing(c.Camera.Facing)),
	}
}

// SessionOptions converts everything a session needs.
func (c *Config) SessionOptions() []session.Option {
	return []session.Option{
		session.WithBackendURL(c.Backend.URL),
		session.WithTickInterval(c.Capture.TickInterval),
		session.WithProcessingTimeout(c.Capture.ProcessingTimeout),
		session.WithAudio(c.Audio.Enabled),
		session.WithStreamOptions(c.StreamOptions()...),
		session.WithCaptureOptions(c.CaptureOptions()...),
	}
}
