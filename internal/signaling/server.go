package signaling

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/duocall/duocall/internal/metrics"
	"github.com/duocall/duocall/internal/origin"
	"github.com/duocall/duocall/internal/protocol"
	"github.com/duocall/duocall/internal/relay"
)

// Path is the route the signaling WebSocket is served on.
const Path = "/ws"

const (
	wsWriteWait = 1 * time.Second

	defaultIdleTimeout          = 60 * time.Second
	defaultPingInterval         = 20 * time.Second
	defaultMaxMessageBytes      = 64 * 1024
	defaultMaxMessagesPerSecond = 50
	defaultSendQueueSize        = 64
)

var (
	errSendQueueFull = errors.New("send queue full")
	errConnClosed    = errors.New("connection closed")
)

// Config wires together the runtime dependencies for the signaling service.
type Config struct {
	Hub     *relay.Hub
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// AllowedOrigins lists normalized browser origins allowed to connect. Empty
	// means same-host only. Requests without an Origin header are accepted.
	AllowedOrigins []string

	// SignalingWSIdleTimeout closes connections that have not answered a ping
	// within this duration.
	SignalingWSIdleTimeout  time.Duration
	SignalingWSPingInterval time.Duration

	MaxSignalingMessageBytes      int64
	MaxSignalingMessagesPerSecond int

	// SignalingSendQueueSize bounds the number of outbound messages buffered
	// per connection. Messages beyond it are dropped.
	SignalingSendQueueSize int
}

// Server accepts signaling WebSocket connections and hands their messages to
// a relay.Hub.
type Server struct {
	cfg      Config
	hub      *relay.Hub
	log      *slog.Logger
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader

	mu     sync.Mutex
	conns  map[*conn]struct{}
	closed bool
}

func NewServer(cfg Config) *Server {
	if cfg.Hub == nil {
		cfg.Hub = relay.NewHub(relay.Config{Logger: cfg.Logger, Metrics: cfg.Metrics})
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s := &Server{
		cfg:     cfg,
		hub:     cfg.Hub,
		log:     logger,
		metrics: cfg.Metrics,
		conns:   make(map[*conn]struct{}),
	}
	s.upgrader = websocket.Upgrader{
		Subprotocols: protocol.Subprotocols(),
		CheckOrigin:  s.checkOrigin,
	}
	return s
}

func (s *Server) Hub() *relay.Hub { return s.hub }

func (s *Server) RegisterRoutes(r chi.Router) {
	r.Get(Path, s.ServeHTTP)
}

// ServeHTTP upgrades the request and serves the connection until either side
// closes it.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("websocket upgrade failed", "remote_addr", r.RemoteAddr, "err", err)
		return
	}

	c := &conn{
		srv:   s,
		ws:    ws,
		codec: protocol.CodecForSubprotocol(ws.Subprotocol()),
		send:  make(chan protocol.Message, s.sendQueueSize()),
		done:  make(chan struct{}),
	}
	if !s.track(c) {
		writeClose(ws, websocket.CloseGoingAway, "server shutting down")
		_ = ws.Close()
		return
	}
	defer s.untrack(c)
	defer c.close()

	go c.writePump()

	id, err := s.hub.Register(c)
	if err != nil {
		s.log.Error("failed to register client", "remote_addr", r.RemoteAddr, "err", err)
		writeClose(ws, websocket.CloseInternalServerErr, "identity allocation failed")
		return
	}
	defer s.hub.Unregister(id)

	c.log = s.log.With("client_id", id)
	c.log.Info("client connected", "remote_addr", r.RemoteAddr, "subprotocol", c.codec.Subprotocol())
	c.readPump(id)
	c.log.Info("client disconnected")
}

// Close closes every open connection. Connections arriving afterwards are
// refused.
func (s *Server) Close() {
	s.mu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.conns = nil
	s.closed = true
	s.mu.Unlock()

	for _, c := range conns {
		writeClose(c.ws, websocket.CloseGoingAway, "server shutting down")
		c.close()
	}
}

func (s *Server) track(c *conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *Server) untrack(c *conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conns != nil {
		delete(s.conns, c)
	}
}

func (s *Server) checkOrigin(r *http.Request) bool {
	_, ok := origin.Check(r, s.cfg.AllowedOrigins)
	if !ok {
		s.log.Debug("rejecting websocket origin", "origin", r.Header.Get("Origin"), "host", r.Host)
	}
	return ok
}

func (s *Server) idleTimeout() time.Duration {
	if s.cfg.SignalingWSIdleTimeout <= 0 {
		return defaultIdleTimeout
	}
	return s.cfg.SignalingWSIdleTimeout
}

func (s *Server) pingInterval() time.Duration {
	if s.cfg.SignalingWSPingInterval <= 0 {
		return defaultPingInterval
	}
	return s.cfg.SignalingWSPingInterval
}

func (s *Server) maxMessageBytes() int64 {
	if s.cfg.MaxSignalingMessageBytes <= 0 {
		return defaultMaxMessageBytes
	}
	return s.cfg.MaxSignalingMessageBytes
}

func (s *Server) maxMessagesPerSecond() int {
	if s.cfg.MaxSignalingMessagesPerSecond <= 0 {
		return defaultMaxMessagesPerSecond
	}
	return s.cfg.MaxSignalingMessagesPerSecond
}

func (s *Server) sendQueueSize() int {
	if s.cfg.SignalingSendQueueSize <= 0 {
		return defaultSendQueueSize
	}
	return s.cfg.SignalingSendQueueSize
}

// conn is one client connection. It implements relay.Conn.
type conn struct {
	srv   *Server
	ws    *websocket.Conn
	codec protocol.Codec
	log   *slog.Logger

	send      chan protocol.Message
	done      chan struct{}
	closeOnce sync.Once
}

// Send queues msg for the writer goroutine without blocking.
func (c *conn) Send(msg protocol.Message) error {
	select {
	case <-c.done:
		return errConnClosed
	default:
	}
	select {
	case c.send <- msg:
		return nil
	case <-c.done:
		return errConnClosed
	default:
		return errSendQueueFull
	}
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

func (c *conn) readPump(id string) {
	idle := c.srv.idleTimeout()
	maxBytes := c.srv.maxMessageBytes()
	perSecond := c.srv.maxMessagesPerSecond()
	limiter := rate.NewLimiter(rate.Limit(perSecond), perSecond)

	_ = c.ws.SetReadDeadline(time.Now().Add(idle))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(idle))
	})

	for {
		_, r, err := c.ws.NextReader()
		if err != nil {
			if isTimeout(err) {
				c.log.Debug("closing idle connection")
				writeClose(c.ws, websocket.CloseNormalClosure, "idle timeout")
			} else if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				c.log.Debug("read failed", "err", err)
			}
			return
		}

		data, err := readLimited(r, maxBytes)
		if err != nil {
			if errors.Is(err, errMessageTooLarge) {
				c.srv.metrics.MessageDropped("", metrics.DropReasonInvalid)
				writeClose(c.ws, websocket.CloseMessageTooBig, "message too large")
				return
			}
			c.log.Debug("read failed", "err", err)
			return
		}

		// The message is fully read before the limiter is consulted so the close
		// frame is not lost to a reset caused by unread data.
		if !limiter.Allow() {
			c.srv.metrics.MessageDropped("", metrics.DropReasonRateLimited)
			c.log.Warn("signaling rate limit exceeded")
			writeClose(c.ws, websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}

		msg, err := c.codec.Decode(data)
		if err != nil {
			c.srv.metrics.MessageDropped("", metrics.DropReasonInvalid)
			c.log.Warn("dropping undecodable message", "err", err)
			continue
		}
		c.srv.hub.Handle(id, msg)
	}
}

func (c *conn) writePump() {
	ticker := time.NewTicker(c.srv.pingInterval())
	defer ticker.Stop()
	defer c.close()

	frameType := websocket.TextMessage
	if c.codec.Binary() {
		frameType = websocket.BinaryMessage
	}

	for {
		select {
		case msg := <-c.send:
			data, err := c.codec.Encode(msg)
			if err != nil {
				c.srv.metrics.MessageDropped(string(msg.Event), metrics.DropReasonEncode)
				continue
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.ws.WriteMessage(frameType, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func writeClose(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

var errMessageTooLarge = errors.New("message too large")

func readLimited(r io.Reader, max int64) ([]byte, error) {
	if max <= 0 {
		return nil, errMessageTooLarge
	}
	b, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > max {
		return nil, errMessageTooLarge
	}
	return b, nil
}
