// Package relay routes call signaling between connected clients.
//
// The hub knows which client identities are currently connected and nothing
// else: it holds no call state and never orders messages across types.
package relay

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/duocall/duocall/internal/metrics"
	"github.com/duocall/duocall/internal/protocol"
)

var (
	ErrPeerNotConnected = errors.New("peer not connected")
	ErrIDAllocation     = errors.New("failed to allocate unique client id")
)

// Conn is the outbound half of a connected client.
type Conn interface {
	// Send queues msg for delivery. It must not block on the network.
	Send(msg protocol.Message) error
}

type Config struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	// NewID generates client identities. Defaults to random UUIDs.
	NewID func() string
}

type Hub struct {
	log     *slog.Logger
	metrics *metrics.Metrics
	newID   func() string

	mu      sync.Mutex
	clients map[string]Conn
}

func NewHub(cfg Config) *Hub {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	newID := cfg.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	return &Hub{
		log:     logger,
		metrics: cfg.Metrics,
		newID:   newID,
		clients: make(map[string]Conn),
	}
}

// Register assigns a fresh identity to c and tells the client about it.
func (h *Hub) Register(c Conn) (string, error) {
	for attempt := 0; attempt < 3; attempt++ {
		id := h.newID()
		if id == "" {
			continue
		}

		h.mu.Lock()
		if _, exists := h.clients[id]; exists {
			h.mu.Unlock()
			continue
		}
		h.clients[id] = c
		h.mu.Unlock()

		h.metrics.ClientConnected()
		h.log.Debug("client connected", "client_id", id)
		h.deliver(c, id, protocol.Message{Event: protocol.EventMe, ID: id})
		return id, nil
	}
	return "", ErrIDAllocation
}

// Unregister removes id and tells every other connected client that it ended
// its calls. Unknown ids are ignored.
func (h *Hub) Unregister(id string) {
	h.mu.Lock()
	if _, ok := h.clients[id]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, id)
	others := make(map[string]Conn, len(h.clients))
	for otherID, c := range h.clients {
		others[otherID] = c
	}
	h.mu.Unlock()

	h.metrics.ClientDisconnected()
	h.log.Debug("client disconnected", "client_id", id, "notified", len(others))

	msg := protocol.Message{Event: protocol.EventCallEnded, From: id}
	for otherID, c := range others {
		h.deliver(c, otherID, msg)
	}
}

func (h *Hub) Connected(id string) bool {
	_, ok := h.lookup(id)
	return ok
}

func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Handle dispatches a message received from the client identified by from.
// The sender identity always comes from the connection; any from field in msg
// is ignored. Malformed messages are logged and dropped.
func (h *Hub) Handle(from string, msg protocol.Message) {
	event := string(msg.Event)
	h.metrics.MessageReceived(event)

	if err := msg.ValidateRequest(); err != nil {
		h.metrics.MessageDropped(event, metrics.DropReasonInvalid)
		h.log.Warn("dropping invalid message", "client_id", from, "event", event, "err", err)
		return
	}

	var err error
	switch msg.Event {
	case protocol.EventCallUser:
		err = h.ForwardInvite(from, msg.To, *msg.Signal, msg.Name)
	case protocol.EventAnswerCall:
		err = h.ForwardAnswer(from, msg.To, *msg.Signal)
	case protocol.EventICECandidate:
		err = h.ForwardCandidate(from, msg.To, *msg.Candidate)
	case protocol.EventEndCall:
		err = h.ForwardEnd(from, msg.To)
	}
	if err != nil {
		h.log.Debug("message not delivered", "client_id", from, "event", event, "to", msg.To, "err", err)
	}
}

// ForwardInvite delivers a call invite to to. If to is not connected the
// sender receives a call error instead.
func (h *Hub) ForwardInvite(from, to string, signal protocol.Signal, name string) error {
	if name == "" {
		name = protocol.DefaultDisplayName
	}
	return h.forwardOrReject(from, to, protocol.Message{
		Event:  protocol.EventCallUser,
		From:   from,
		Name:   name,
		Signal: &signal,
	}, protocol.ErrMessageUserNotConnected)
}

// ForwardAnswer delivers a call answer to the original caller. If the caller
// has gone the sender receives a call error instead.
func (h *Hub) ForwardAnswer(from, to string, signal protocol.Signal) error {
	return h.forwardOrReject(from, to, protocol.Message{
		Event:  protocol.EventCallAccepted,
		From:   from,
		Signal: &signal,
	}, protocol.ErrMessageCallerDisconnected)
}

// ForwardCandidate is best effort: candidates for absent peers are dropped
// without telling the sender.
func (h *Hub) ForwardCandidate(from, to string, candidate protocol.Candidate) error {
	return h.forward(to, protocol.Message{
		Event:     protocol.EventICECandidate,
		From:      from,
		Candidate: &candidate,
	})
}

// ForwardEnd is best effort.
func (h *Hub) ForwardEnd(from, to string) error {
	return h.forward(to, protocol.Message{
		Event: protocol.EventCallEnded,
		From:  from,
	})
}

func (h *Hub) forwardOrReject(from, to string, msg protocol.Message, reason string) error {
	err := h.forward(to, msg)
	if !errors.Is(err, ErrPeerNotConnected) {
		return err
	}

	h.metrics.CallError()
	if sender, ok := h.lookup(from); ok {
		h.deliver(sender, from, protocol.Message{
			Event:   protocol.EventCallError,
			Message: reason,
			To:      to,
		})
	}
	return err
}

func (h *Hub) forward(to string, msg protocol.Message) error {
	c, ok := h.lookup(to)
	if !ok {
		h.metrics.MessageDropped(string(msg.Event), metrics.DropReasonPeerNotConnected)
		return fmt.Errorf("%s to %q: %w", msg.Event, to, ErrPeerNotConnected)
	}
	if err := h.deliver(c, to, msg); err != nil {
		return fmt.Errorf("%s to %q: %w", msg.Event, to, err)
	}
	return nil
}

func (h *Hub) deliver(c Conn, id string, msg protocol.Message) error {
	if err := c.Send(msg); err != nil {
		h.metrics.MessageDropped(string(msg.Event), metrics.DropReasonSendQueueFull)
		h.log.Warn("failed to queue message", "client_id", id, "event", msg.Event, "err", err)
		return err
	}
	h.metrics.MessageForwarded(string(msg.Event))
	return nil
}

func (h *Hub) lookup(id string) (Conn, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.clients[id]
	return c, ok
}
