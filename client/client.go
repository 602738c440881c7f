// Package client is the MEW SDK layer: a minimal WebSocket transport
// (Client) and a stateful wrapper (Participant) implementing the
// participant-side contracts the gateway deliberately does not enforce —
// withdrawal authenticity, the pause allow-list, and status reporting.
// Composition over inheritance: a Participant holds a Client; an agent
// would hold a Participant.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mew/gateway/internal/capability"
	"github.com/mew/gateway/internal/envelope"
	"github.com/mew/gateway/internal/stream"
)

const (
	clientWriteWait  = 10 * time.Second
	clientSendBuffer = 64
	inboundBuffer    = 64
)

// ErrClosed is returned by Send after the connection has shut down.
var ErrClosed = errors.New("client closed")

// Frame is one received stream data frame.
type Frame struct {
	StreamID string
	Payload  []byte
}

// Client is a thin send/receive transport over one gateway attachment.
type Client struct {
	id   string
	conn *websocket.Conn

	// Envelopes and Frames deliver inbound traffic. The read loop stops
	// when either channel's consumer falls behind and the done channel
	// fires first.
	Envelopes chan *envelope.Envelope
	Frames    chan Frame

	send chan []byte
	done chan struct{}
	once sync.Once
}

// Options configures a Dial.
type Options struct {
	// GatewayURL is the http(s) base, e.g. "http://localhost:8080".
	GatewayURL    string
	Space         string
	ParticipantID string
	// Capabilities are presented at upgrade time; the space config or
	// token binding may override them server-side.
	Capabilities []capability.Capability
	Token        string
}

// Dial attaches to a space and starts the transport pumps.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	base, err := url.Parse(opts.GatewayURL)
	if err != nil {
		return nil, fmt.Errorf("parse gateway url: %w", err)
	}
	switch base.Scheme {
	case "http":
		base.Scheme = "ws"
	case "https":
		base.Scheme = "wss"
	}
	base.Path = "/spaces/" + opts.Space + "/ws"
	q := base.Query()
	q.Set("participant", opts.ParticipantID)
	if opts.Token != "" {
		q.Set("token", opts.Token)
	}
	base.RawQuery = q.Encode()

	header := http.Header{}
	if len(opts.Capabilities) > 0 {
		caps, err := json.Marshal(opts.Capabilities)
		if err != nil {
			return nil, fmt.Errorf("encode capabilities: %w", err)
		}
		header.Set("X-MEW-Capabilities", string(caps))
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, base.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", base.String(), err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", base.String(), err)
	}

	c := &Client{
		id:        opts.ParticipantID,
		conn:      conn,
		Envelopes: make(chan *envelope.Envelope, inboundBuffer),
		Frames:    make(chan Frame, inboundBuffer),
		send:      make(chan []byte, clientSendBuffer),
		done:      make(chan struct{}),
	}
	go c.readLoop()
	go c.writeLoop()
	return c, nil
}

// ID returns the participant identity this client dialed as.
func (c *Client) ID() string {
	return c.id
}

// Send transmits an envelope, stamping protocol, ID, and timestamp if
// the caller left them blank.
func (c *Client) Send(env *envelope.Envelope) error {
	env.From = c.id
	env.Stamp()
	data, err := env.Encode()
	if err != nil {
		return err
	}
	return c.sendRaw(data)
}

// SendFrame transmits a raw stream data frame.
func (c *Client) SendFrame(streamID string, payload []byte) error {
	frame := make([]byte, 0, len(streamID)+len(payload)+2)
	frame = append(frame, '#')
	frame = append(frame, streamID...)
	frame = append(frame, '#')
	frame = append(frame, payload...)
	return c.sendRaw(frame)
}

func (c *Client) sendRaw(data []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	case c.send <- data:
		return nil
	}
}

// Close tears the connection down and closes the inbound channels.
func (c *Client) Close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(clientWriteWait))
		c.conn.Close()
	})
}

// Done reports connection shutdown.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) readLoop() {
	defer func() {
		c.Close()
		close(c.Envelopes)
		close(c.Frames)
	}()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if envelope.IsStreamFrame(data) {
			if id, payload, ok := stream.ParseFrame(data); ok {
				select {
				case c.Frames <- Frame{StreamID: id, Payload: payload}:
				case <-c.done:
					return
				}
			}
			continue
		}
		env, err := envelope.Decode(data)
		if err != nil {
			slog.Warn("[Client] Dropping malformed envelope", "participant", c.id, "error", err)
			continue
		}
		select {
		case c.Envelopes <- env:
		case <-c.done:
			return
		}
	}
}

func (c *Client) writeLoop() {
	for {
		select {
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(clientWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}
