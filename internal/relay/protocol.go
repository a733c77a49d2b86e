// Package relay implements the Relay Control Channel: a single
// authenticated, multiplexed WebSocket connecting a local process's HTTP
// and WebSocket surface to a remote coordinator, preserving per-stream
// ordering and back-pressure without unbounded buffering.
package relay

import "time"

// FrameType discriminates the tagged union of frames carried over the
// control channel, in both directions.
type FrameType string

const (
	// ServerToLocal frame kinds.
	FrameHTTPRequest FrameType = "http_request"
	FrameWSOpen      FrameType = "ws_open"
	FramePing        FrameType = "ping"

	// LocalToServer frame kinds.
	FrameHTTPResponse FrameType = "http_response"
	FrameWSOpened     FrameType = "ws_opened"
	FrameWSRejected   FrameType = "ws_rejected"
	FramePong         FrameType = "pong"

	// Bidirectional frame kinds.
	FrameWSData  FrameType = "ws_data"
	FrameWSClose FrameType = "ws_close"
)

// Frame is the single envelope shape carrying every control-channel
// message; which fields are populated depends on Type. A flat envelope
// keeps the wire format simple and mirrors the teacher's own WebSocket
// Message envelope (pkg/websocket.Message), adapted here to a richer
// tagged union of stream-multiplexing frames instead of request/action
// dispatch.
type Frame struct {
	Type     FrameType           `json:"type"`
	StreamID string              `json:"stream_id,omitempty"`
	Method   string              `json:"method,omitempty"`
	Path     string              `json:"path,omitempty"`
	Headers  map[string][]string `json:"headers,omitempty"`
	BodyB64  string              `json:"body_b64,omitempty"`
	Status   int                 `json:"status,omitempty"`
	DataB64  string              `json:"data_b64,omitempty"`
	IsText   bool                `json:"is_text,omitempty"`
	Ts       int64               `json:"ts,omitempty"`
}

// NewPing creates a Ping frame stamped with the current time.
func NewPing(now time.Time) Frame {
	return Frame{Type: FramePing, Ts: now.UnixMilli()}
}

// NewPong replies to a Ping, echoing its timestamp.
func NewPong(ping Frame) Frame {
	return Frame{Type: FramePong, Ts: ping.Ts}
}

// NewWSRejected reports a failed local WS dial for streamID.
func NewWSRejected(streamID string, status int) Frame {
	return Frame{Type: FrameWSRejected, StreamID: streamID, Status: status}
}

// NewWSOpened confirms a successful local WS dial for streamID.
func NewWSOpened(streamID string) Frame {
	return Frame{Type: FrameWSOpened, StreamID: streamID}
}

// NewWSClose signals a stream's end, from either side.
func NewWSClose(streamID string) Frame {
	return Frame{Type: FrameWSClose, StreamID: streamID}
}

// DefaultStreamBufferSize is the per-stream_id bounded channel capacity
// back-pressure is applied against, per spec §4.H.
const DefaultStreamBufferSize = 64
