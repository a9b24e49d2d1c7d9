package signaling

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/duocall/duocall/internal/event"
	"github.com/duocall/duocall/internal/protocol"
)

var (
	ErrClientClosed  = errors.New("signaling client closed")
	ErrSendQueueFull = errors.New("signaling send queue full")
)

const (
	clientWriteWait        = 10 * time.Second
	defaultClientIdleWait  = 60 * time.Second
	defaultClientQueueSize = 64
)

type ClientOptions struct {
	// Codec selects the wire encoding. Defaults to protocol.JSON.
	Codec  protocol.Codec
	Logger *slog.Logger
	Header http.Header
	Dialer *websocket.Dialer

	// IdleTimeout closes the connection when nothing, not even a ping, has been
	// received from the relay for this long.
	IdleTimeout   time.Duration
	SendQueueSize int
}

// Client is a session-scoped connection to the relay. Listeners registered
// with On run on the client's read goroutine in arrival order.
type Client struct {
	ws    *websocket.Conn
	codec protocol.Codec
	log   *slog.Logger
	idle  time.Duration

	send        chan protocol.Message
	closing     chan struct{}
	closingOnce sync.Once
	done        chan struct{}
	closeOnce   sync.Once

	mu       sync.Mutex
	id       string
	idReady  chan struct{}
	emitters map[protocol.Event]*event.Emitter[protocol.Message]
	err      error
}

// Dial connects to the relay at url.
func Dial(ctx context.Context, url string, opts ClientOptions) (*Client, error) {
	codec := opts.Codec
	if codec == nil {
		codec = protocol.JSON
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	base := opts.Dialer
	if base == nil {
		base = websocket.DefaultDialer
	}
	dialer := *base
	dialer.Subprotocols = []string{codec.Subprotocol()}

	ws, resp, err := dialer.DialContext(ctx, url, opts.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial relay %s: %w", url, err)
	}
	// A relay that ignores subprotocols speaks JSON.
	if ws.Subprotocol() != codec.Subprotocol() {
		codec = protocol.JSON
	}

	idle := opts.IdleTimeout
	if idle <= 0 {
		idle = defaultClientIdleWait
	}
	queue := opts.SendQueueSize
	if queue <= 0 {
		queue = defaultClientQueueSize
	}

	c := &Client{
		ws:       ws,
		codec:    codec,
		log:      logger,
		idle:     idle,
		send:     make(chan protocol.Message, queue),
		closing:  make(chan struct{}),
		done:     make(chan struct{}),
		idReady:  make(chan struct{}),
		emitters: make(map[protocol.Event]*event.Emitter[protocol.Message]),
	}
	go c.readPump()
	go c.writePump()
	return c, nil
}

// On registers fn for messages of the given event and returns a function
// removing it.
func (c *Client) On(ev protocol.Event, fn func(protocol.Message)) (off func()) {
	c.mu.Lock()
	e, ok := c.emitters[ev]
	if !ok {
		e = &event.Emitter[protocol.Message]{}
		c.emitters[ev] = e
	}
	c.mu.Unlock()
	return e.On(fn)
}

// ID returns the identity assigned by the relay, or "" before it arrives.
func (c *Client) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

// WaitID blocks until the relay assigns an identity.
func (c *Client) WaitID(ctx context.Context) (string, error) {
	select {
	case <-c.idReady:
		return c.ID(), nil
	default:
	}
	select {
	case <-c.idReady:
		return c.ID(), nil
	case <-c.done:
		return "", c.Err()
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Send queues msg for delivery without blocking.
func (c *Client) Send(msg protocol.Message) error {
	select {
	case <-c.done:
		return ErrClientClosed
	case <-c.closing:
		return ErrClientClosed
	default:
	}
	select {
	case c.send <- msg:
		return nil
	case <-c.done:
		return ErrClientClosed
	default:
		return ErrSendQueueFull
	}
}

// Done is closed once the connection is gone.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err reports why the connection ended. It returns nil while connected.
func (c *Client) Err() error {
	select {
	case <-c.done:
	default:
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		return ErrClientClosed
	}
	return c.err
}

// Close writes any queued messages, sends a close frame and tears the
// connection down.
func (c *Client) Close() error {
	c.closingOnce.Do(func() { close(c.closing) })
	select {
	case <-c.done:
	case <-time.After(clientWriteWait):
		c.shutdown(nil, false)
	}
	return nil
}

func (c *Client) shutdown(cause error, sendClose bool) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = cause
		c.mu.Unlock()
		if sendClose {
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(wsWriteWait))
		}
		close(c.done)
		_ = c.ws.Close()
	})
}

func (c *Client) emit(msg protocol.Message) {
	c.mu.Lock()
	e := c.emitters[msg.Event]
	c.mu.Unlock()
	if e != nil {
		e.Emit(msg)
	}
}

func (c *Client) readPump() {
	_ = c.ws.SetReadDeadline(time.Now().Add(c.idle))
	c.ws.SetPingHandler(func(appData string) error {
		_ = c.ws.SetReadDeadline(time.Now().Add(c.idle))
		err := c.ws.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(wsWriteWait))
		var netErr net.Error
		if errors.Is(err, websocket.ErrCloseSent) || (errors.As(err, &netErr) && netErr.Timeout()) {
			return nil
		}
		return err
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.shutdown(fmt.Errorf("%w: %v", ErrClientClosed, err), false)
			} else {
				c.shutdown(fmt.Errorf("read relay message: %w", err), false)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(c.idle))

		msg, err := c.codec.Decode(data)
		if err == nil {
			err = msg.ValidateDelivery()
		}
		if err != nil {
			c.log.Warn("dropping relay message", "err", err)
			continue
		}

		if msg.Event == protocol.EventMe {
			c.mu.Lock()
			first := c.id == ""
			c.id = msg.ID
			c.mu.Unlock()
			if first {
				close(c.idReady)
			}
			c.log.Debug("identity assigned", "client_id", msg.ID)
		}
		c.emit(msg)
	}
}

func (c *Client) writePump() {
	frameType := websocket.TextMessage
	if c.codec.Binary() {
		frameType = websocket.BinaryMessage
	}
	for {
		select {
		case msg := <-c.send:
			data, err := c.codec.Encode(msg)
			if err != nil {
				c.log.Warn("failed to encode message", "event", msg.Event, "err", err)
				continue
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(clientWriteWait))
			if err := c.ws.WriteMessage(frameType, data); err != nil {
				c.shutdown(fmt.Errorf("write relay message: %w", err), false)
				return
			}
		case <-c.closing:
			c.flush(frameType)
			c.shutdown(nil, true)
			return
		case <-c.done:
			return
		}
	}
}

func (c *Client) flush(frameType int) {
	for {
		select {
		case msg := <-c.send:
			data, err := c.codec.Encode(msg)
			if err != nil {
				continue
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(clientWriteWait))
			if err := c.ws.WriteMessage(frameType, data); err != nil {
				return
			}
		default:
			return
		}
	}
}
