package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voxa-labs/speechwire/pkg/protocol"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultWriteTimeout     = 10 * time.Second
	receiveBufferSize       = 64
)

// WebsocketConnection is the gorilla/websocket implementation of Connection.
type WebsocketConnection struct {
	id      string
	url     string
	headers http.Header

	conn    *websocket.Conn
	writeMu sync.Mutex

	messages chan *protocol.Message
	closedCh chan CloseInfo
	done     chan struct{}

	closed    atomic.Bool
	closeOnce sync.Once
}

// NewWebsocketConnection creates an unopened connection to url. The headers
// carry authorization and the X-ConnectionId that becomes the session id.
func NewWebsocketConnection(id, url string, headers http.Header) *WebsocketConnection {
	return &WebsocketConnection{
		id:       id,
		url:      url,
		headers:  headers,
		messages: make(chan *protocol.Message, receiveBufferSize),
		closedCh: make(chan CloseInfo, 1),
		done:     make(chan struct{}),
	}
}

// ID returns the connection id.
func (c *WebsocketConnection) ID() string { return c.id }

// Open dials the websocket. Handshake rejections are reported through the
// OpenResult status code so the caller's retry policy can decide what to do;
// only malformed usage returns an error.
func (c *WebsocketConnection) Open(ctx context.Context) (OpenResult, error) {
	if c.closed.Load() {
		return OpenResult{}, fmt.Errorf("transport: connection %s is closed", c.id)
	}
	dialer := websocket.Dialer{
		HandshakeTimeout: defaultHandshakeTimeout,
	}

	conn, resp, err := dialer.DialContext(ctx, c.url, c.headers)
	if err != nil {
		if resp != nil {
			return OpenResult{StatusCode: resp.StatusCode, Reason: resp.Status}, nil
		}
		return OpenResult{StatusCode: protocol.StatusAbnormal, Reason: err.Error()}, nil
	}
	if resp != nil {
		defer resp.Body.Close()
	}

	c.conn = conn
	go c.readLoop()

	return OpenResult{StatusCode: protocol.StatusOK}, nil
}

func (c *WebsocketConnection) readLoop() {
	defer close(c.done)
	defer close(c.messages)

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			c.deliverClose(closeInfoFromError(err))
			return
		}

		var msg *protocol.Message
		switch msgType {
		case websocket.TextMessage:
			msg, err = protocol.DecodeText(data)
		case websocket.BinaryMessage:
			msg, err = protocol.DecodeBinary(data)
		default:
			continue
		}
		if err != nil {
			// Drop undecodable frames rather than killing the connection.
			continue
		}

		select {
		case c.messages <- msg:
		default:
			// Receiver is not draining; drop rather than block the socket.
		}
	}
}

func closeInfoFromError(err error) CloseInfo {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return CloseInfo{StatusCode: closeErr.Code, Reason: closeErr.Text}
	}
	return CloseInfo{StatusCode: protocol.StatusAbnormal, Reason: err.Error()}
}

func (c *WebsocketConnection) deliverClose(info CloseInfo) {
	select {
	case c.closedCh <- info:
	default:
	}
}

// Send encodes and writes a frame.
func (c *WebsocketConnection) Send(ctx context.Context, msg *protocol.Message) error {
	if c.closed.Load() {
		return fmt.Errorf("transport: connection %s is closed", c.id)
	}
	if c.conn == nil {
		return fmt.Errorf("transport: connection %s not open", c.id)
	}

	data, err := msg.Encode()
	if err != nil {
		return err
	}

	frameType := websocket.TextMessage
	if msg.Type == protocol.BinaryMessage {
		frameType = websocket.BinaryMessage
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline := time.Now().Add(defaultWriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("transport: set write deadline: %w", err)
	}
	if err := c.conn.WriteMessage(frameType, data); err != nil {
		return fmt.Errorf("transport: write %s frame: %w", msg.Path, err)
	}
	return nil
}

// Read returns the next inbound frame. It returns an error when the
// connection has dropped or ctx is done.
func (c *WebsocketConnection) Read(ctx context.Context) (*protocol.Message, error) {
	select {
	case msg, ok := <-c.messages:
		if !ok {
			return nil, fmt.Errorf("transport: connection %s closed", c.id)
		}
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Closed delivers the close info once the connection terminates.
func (c *WebsocketConnection) Closed() <-chan CloseInfo {
	return c.closedCh
}

// Close tears the connection down. Safe to call multiple times.
func (c *WebsocketConnection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		if c.conn == nil {
			close(c.done)
			close(c.messages)
			return
		}
		c.writeMu.Lock()
		deadline := time.Now().Add(time.Second)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}
