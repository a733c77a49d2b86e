package relay

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/taskctl/taskctl/internal/common/logger"
	"github.com/taskctl/taskctl/internal/common/tracing"
)

// Client is the local-process side of the Relay Control Channel: it dials
// out to the coordinator once, then proxies every inbound HttpRequest/WsOpen
// frame into the local HTTP+WS surface, forwarding bytes back over the same
// connection under its stream_id.
type Client struct {
	url           string
	token         string
	localHTTPBase string // e.g. "http://127.0.0.1:8080"
	localWSBase   string // e.g. "ws://127.0.0.1:8080"
	bufferSize    int
	httpClient    *http.Client
	dialer        *websocket.Dialer
	log           *logger.Logger

	connMu    sync.RWMutex
	conn      *websocket.Conn
	connected bool
	writeMu   sync.Mutex

	streamsMu sync.Mutex
	streams   map[string]*stream
}

// stream tracks one proxied WS connection's local socket and its bounded
// outbound queue, draining into the shared control-channel writer.
type stream struct {
	id     string
	local  *websocket.Conn
	out    chan Frame
	cancel context.CancelFunc
}

// NewClient creates a Client. bufferSize <= 0 uses DefaultStreamBufferSize.
func NewClient(coordinatorURL, token, localAddr string, bufferSize int, log *logger.Logger) *Client {
	if bufferSize <= 0 {
		bufferSize = DefaultStreamBufferSize
	}
	if log == nil {
		log = logger.Default()
	}
	return &Client{
		url:           coordinatorURL,
		token:         token,
		localHTTPBase: "http://" + localAddr,
		localWSBase:   "ws://" + localAddr,
		bufferSize:    bufferSize,
		httpClient:    &http.Client{Timeout: 30 * time.Second},
		dialer:        websocket.DefaultDialer,
		log:           log.WithFields(zap.String("component", "relay-client")),
		streams:       make(map[string]*stream),
	}
}

// Connect dials the coordinator's relay endpoint and starts the read loop.
func (c *Client) Connect(ctx context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.connected {
		return nil
	}

	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}
	conn, _, err := c.dialer.DialContext(ctx, c.url, header)
	if err != nil {
		return fmt.Errorf("relay: connect to coordinator: %w", err)
	}
	c.conn = conn
	c.connected = true
	c.log.Info("relay control channel connected", zap.String("url", c.url))

	go c.readLoop()
	return nil
}

// Close tears down the control channel and cancels every active stream.
func (c *Client) Close() error {
	c.connMu.Lock()
	wasConnected := c.connected
	c.connected = false
	conn := c.conn
	c.conn = nil
	c.connMu.Unlock()

	c.cancelAllStreams()

	if !wasConnected || conn == nil {
		return nil
	}
	return conn.Close()
}

// IsConnected reports whether the control channel is currently up.
func (c *Client) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.connected
}

func (c *Client) readLoop() {
	for {
		c.connMu.RLock()
		conn, connected := c.conn, c.connected
		c.connMu.RUnlock()
		if !connected || conn == nil {
			return
		}

		var f Frame
		if err := conn.ReadJSON(&f); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Error("relay control channel read error", zap.Error(err))
			}
			_ = c.Close()
			return
		}
		c.handleFrame(f)
	}
}

func (c *Client) handleFrame(f Frame) {
	switch f.Type {
	case FramePing:
		c.writeFrame(NewPong(f))
	case FrameHTTPRequest:
		go c.handleHTTPRequest(f)
	case FrameWSOpen:
		go c.handleWSOpen(f)
	case FrameWSData:
		c.forwardToLocal(f)
	case FrameWSClose:
		c.closeStream(f.StreamID)
	default:
		c.log.Warn("relay: unknown frame type", zap.String("type", string(f.Type)))
	}
}

// writeFrame serializes a single write to the control channel; every
// per-stream queue and direct reply funnels through here since the
// connection itself is not safe for concurrent writers.
func (c *Client) writeFrame(f Frame) {
	c.connMu.RLock()
	conn, connected := c.conn, c.connected
	c.connMu.RUnlock()
	if !connected || conn == nil {
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteJSON(f); err != nil {
		c.log.Error("relay: write frame failed", zap.String("stream_id", f.StreamID), zap.Error(err))
	}
}

func (c *Client) handleHTTPRequest(f Frame) {
	_, span := tracing.StartRelaySpan(context.Background(), f.StreamID)
	defer span.End()

	body, err := base64.StdEncoding.DecodeString(f.BodyB64)
	if err != nil {
		c.writeFrame(Frame{Type: FrameHTTPResponse, StreamID: f.StreamID, Status: http.StatusBadRequest})
		return
	}

	req, err := http.NewRequest(f.Method, c.localHTTPBase+f.Path, bytes.NewReader(body))
	if err != nil {
		c.writeFrame(Frame{Type: FrameHTTPResponse, StreamID: f.StreamID, Status: http.StatusBadGateway})
		return
	}
	for k, vs := range f.Headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.log.Warn("relay: local http proxy failed", zap.String("path", f.Path), zap.Error(err))
		c.writeFrame(Frame{Type: FrameHTTPResponse, StreamID: f.StreamID, Status: http.StatusBadGateway})
		return
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		c.writeFrame(Frame{Type: FrameHTTPResponse, StreamID: f.StreamID, Status: http.StatusBadGateway})
		return
	}

	c.writeFrame(Frame{
		Type:     FrameHTTPResponse,
		StreamID: f.StreamID,
		Status:   resp.StatusCode,
		Headers:  resp.Header,
		BodyB64:  base64.StdEncoding.EncodeToString(respBody),
	})
}

func (c *Client) handleWSOpen(f Frame) {
	local, _, err := websocket.DefaultDialer.Dial(c.localWSBase+f.Path, nil)
	if err != nil {
		c.log.Warn("relay: local ws dial failed", zap.String("path", f.Path), zap.Error(err))
		c.writeFrame(NewWSRejected(f.StreamID, http.StatusBadGateway))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &stream{id: f.StreamID, local: local, out: make(chan Frame, c.bufferSize), cancel: cancel}

	c.streamsMu.Lock()
	c.streams[f.StreamID] = s
	c.streamsMu.Unlock()

	go c.drainStream(ctx, s)
	c.writeFrame(NewWSOpened(f.StreamID))
	go c.pumpLocal(ctx, s)
}

// drainStream is the single writer for this stream's outbound frames,
// applying the bounded-channel back-pressure described in spec §4.H: a
// full channel parks pumpLocal's sends rather than buffer unboundedly.
// s.out is never closed (only ctx cancellation stops this loop) since it
// has a single producer goroutine (pumpLocal) racing this one — closing a
// channel a concurrent sender might still write to would panic.
func (c *Client) drainStream(ctx context.Context, s *stream) {
	for {
		select {
		case f := <-s.out:
			c.writeFrame(f)
		case <-ctx.Done():
			return
		}
	}
}

// pumpLocal reads frames off the locally-dialed WS connection and queues
// them for the coordinator until the stream is closed or the control
// channel cancels it.
func (c *Client) pumpLocal(ctx context.Context, s *stream) {
	defer c.closeStream(s.id)
	for {
		msgType, data, err := s.local.ReadMessage()
		if err != nil {
			return
		}
		frame := Frame{
			Type:     FrameWSData,
			StreamID: s.id,
			DataB64:  base64.StdEncoding.EncodeToString(data),
			IsText:   msgType == websocket.TextMessage,
		}
		select {
		case s.out <- frame:
		case <-ctx.Done():
			return
		}
	}
}

func (c *Client) forwardToLocal(f Frame) {
	c.streamsMu.Lock()
	s, ok := c.streams[f.StreamID]
	c.streamsMu.Unlock()
	if !ok {
		return
	}
	data, err := base64.StdEncoding.DecodeString(f.DataB64)
	if err != nil {
		return
	}
	msgType := websocket.BinaryMessage
	if f.IsText {
		msgType = websocket.TextMessage
	}
	if err := s.local.WriteMessage(msgType, data); err != nil {
		c.closeStream(f.StreamID)
	}
}

func (c *Client) closeStream(streamID string) {
	c.streamsMu.Lock()
	s, ok := c.streams[streamID]
	if ok {
		delete(c.streams, streamID)
	}
	c.streamsMu.Unlock()
	if !ok {
		return
	}
	s.cancel()
	_ = s.local.Close()
	c.writeFrame(NewWSClose(streamID))
}

// cancelAllStreams closes every open stream when the control channel
// disconnects, per spec §4.H's cancellation semantics.
func (c *Client) cancelAllStreams() {
	c.streamsMu.Lock()
	streams := make([]*stream, 0, len(c.streams))
	for id, s := range c.streams {
		streams = append(streams, s)
		delete(c.streams, id)
	}
	c.streamsMu.Unlock()

	for _, s := range streams {
		s.cancel()
		_ = s.local.Close()
	}
}
