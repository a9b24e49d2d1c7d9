// Package call drives one client's side of a two-party call: it turns relay
// messages into peer negotiation input and peer output into relay messages.
package call

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/duocall/duocall/internal/media"
	"github.com/duocall/duocall/internal/protocol"
	"github.com/duocall/duocall/internal/webrtcpeer"
)

var (
	ErrNotConnected   = errors.New("not connected to relay")
	ErrNoIdentity     = errors.New("no identity assigned yet")
	ErrNoMedia        = media.ErrNoMedia
	ErrNoIncomingCall = errors.New("no incoming call")
	ErrCallInProgress = errors.New("call already in progress")
	ErrClosed         = errors.New("call controller closed")
)

// Signaler is the session-scoped relay connection.
type Signaler interface {
	ID() string
	Send(protocol.Message) error
	On(ev protocol.Event, fn func(protocol.Message)) (off func())
}

// MediaSource provides the local tracks attached to every call.
type MediaSource interface {
	Tracks() []webrtc.TrackLocal
	StreamID() string
}

// Peer is the negotiation wrapper a call runs on. *webrtcpeer.Peer
// implements it.
type Peer interface {
	Start() error
	Signal(protocol.Signal) error
	OnSignal(fn func(protocol.Signal)) (off func())
	OnStream(fn func(*webrtcpeer.Stream)) (off func())
	OnError(fn func(error)) (off func())
	OnStateChange(fn func(webrtcpeer.State)) (off func())
	Destroy()
}

type PeerFactory func(webrtcpeer.Options) (Peer, error)

// NewPeerFactory creates pion-backed peers from api with cfg.
func NewPeerFactory(api *webrtc.API, cfg webrtc.Configuration) PeerFactory {
	return func(opts webrtcpeer.Options) (Peer, error) {
		pc, err := webrtcpeer.NewPeerConnection(api, cfg)
		if err != nil {
			return nil, fmt.Errorf("create peer connection: %w", err)
		}
		p, err := webrtcpeer.New(pc, opts)
		if err != nil {
			return nil, err
		}
		return p, nil
	}
}

// Invite is an incoming call waiting to be answered.
type Invite struct {
	From   string
	Name   string
	Signal protocol.Signal
}

// View is notified of everything a user interface shows. Methods are called
// without the controller's lock held, so they may call back into it.
type View interface {
	IncomingCall(Invite)
	CallAccepted(peerID string)
	RemoteStream(*webrtcpeer.Stream)
	PeerState(webrtcpeer.State)
	// CallEnded clears the remote view.
	CallEnded(peerID string)
	Error(error)
}

type Options struct {
	Signaler Signaler
	Media    MediaSource
	NewPeer  PeerFactory
	View     View
	// Name is sent with outgoing invites. Defaults to protocol.DefaultDisplayName.
	Name   string
	Logger *slog.Logger

	DisableTrickle   bool
	GatheringTimeout time.Duration
}

// Status is a snapshot of a controller.
type Status struct {
	ID        string
	Remote    string
	Initiator bool
	Accepted  bool
	Incoming  *Invite
}

type Controller struct {
	sig     Signaler
	media   MediaSource
	newPeer PeerFactory
	view    View
	name    string
	log     *slog.Logger

	disableTrickle   bool
	gatheringTimeout time.Duration

	mu        sync.Mutex
	closed    bool
	offs      []func()
	peer      Peer
	peerOffs  []func()
	remote    string
	initiator bool
	accepted  bool
	invite    *Invite
	// Candidates from the inviter that arrived before Answer.
	early []protocol.Candidate
}

// New registers the controller's relay listeners. Close removes them.
func New(opts Options) (*Controller, error) {
	if opts.Signaler == nil {
		return nil, ErrNotConnected
	}
	if opts.NewPeer == nil {
		return nil, errors.New("call: peer factory is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	view := opts.View
	if view == nil {
		view = nopView{}
	}
	name := strings.TrimSpace(opts.Name)
	if name == "" {
		name = protocol.DefaultDisplayName
	}

	c := &Controller{
		sig:              opts.Signaler,
		media:            opts.Media,
		newPeer:          opts.NewPeer,
		view:             view,
		name:             name,
		log:              logger,
		disableTrickle:   opts.DisableTrickle,
		gatheringTimeout: opts.GatheringTimeout,
	}
	c.offs = []func(){
		c.sig.On(protocol.EventCallUser, c.handleInvite),
		c.sig.On(protocol.EventCallAccepted, c.handleAccepted),
		c.sig.On(protocol.EventICECandidate, c.handleCandidate),
		c.sig.On(protocol.EventCallError, c.handleCallError),
		c.sig.On(protocol.EventCallEnded, c.handleCallEnded),
	}
	return c, nil
}

func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Status{
		ID:        c.sig.ID(),
		Remote:    c.remote,
		Initiator: c.initiator,
		Accepted:  c.accepted,
	}
	if c.invite != nil {
		inv := *c.invite
		st.Incoming = &inv
	}
	return st
}

// CallUser starts a call to the identity to.
func (c *Controller) CallUser(to string) error {
	to = strings.TrimSpace(to)
	if to == "" {
		return errors.New("call: empty identity")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.sig.ID() == "" {
		return ErrNoIdentity
	}
	if to == c.sig.ID() {
		return errors.New("call: cannot call yourself")
	}
	if c.peer != nil {
		return ErrCallInProgress
	}

	p, err := c.createPeer(true)
	if err != nil {
		return err
	}
	c.attach(p, to, true)
	if err := p.Start(); err != nil {
		c.detachLocked()
		p.Destroy()
		return fmt.Errorf("start call: %w", err)
	}
	c.log.Info("calling", "peer_id", to)
	return nil
}

// Answer accepts the pending invite.
func (c *Controller) Answer() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.invite == nil {
		c.mu.Unlock()
		return ErrNoIncomingCall
	}
	if c.peer != nil {
		c.mu.Unlock()
		return ErrCallInProgress
	}

	p, err := c.createPeer(false)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	inv := *c.invite
	early := c.early
	c.invite, c.early = nil, nil
	c.attach(p, inv.From, false)
	c.accepted = true

	if err := p.Signal(inv.Signal); err != nil {
		c.detachLocked()
		c.mu.Unlock()
		p.Destroy()
		return fmt.Errorf("apply offer: %w", err)
	}
	for _, cand := range early {
		cand := cand
		if err := p.Signal(protocol.Signal{Type: protocol.SignalTypeICE, Candidate: &cand}); err != nil {
			c.log.Debug("dropping early candidate", "err", err)
		}
	}
	c.mu.Unlock()

	c.log.Info("answered call", "peer_id", inv.From)
	c.view.CallAccepted(inv.From)
	return nil
}

// Decline drops the pending invite and tells the caller.
func (c *Controller) Decline() error {
	c.mu.Lock()
	if c.invite == nil {
		c.mu.Unlock()
		return ErrNoIncomingCall
	}
	from := c.invite.From
	c.invite, c.early = nil, nil
	c.mu.Unlock()

	if err := c.sig.Send(protocol.Message{Event: protocol.EventEndCall, To: from}); err != nil {
		return fmt.Errorf("decline call: %w", err)
	}
	return nil
}

// EndCall hangs up. The remote party is told only when the call had been
// accepted. Ending when no call is active is a no-op.
func (c *Controller) EndCall() error {
	c.mu.Lock()
	p, remote, notify := c.takeCallLocked()
	c.mu.Unlock()
	return c.finish(p, remote, notify)
}

// Close ends any call and removes the controller's relay listeners.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	offs := c.offs
	c.offs = nil
	c.invite, c.early = nil, nil
	p, remote, notify := c.takeCallLocked()
	c.mu.Unlock()

	for _, off := range offs {
		off()
	}
	return c.finish(p, remote, notify)
}

// takeCallLocked detaches the active call and reports whether the remote
// party must be told.
func (c *Controller) takeCallLocked() (p Peer, remote string, notify bool) {
	if c.peer == nil {
		return nil, "", false
	}
	p, remote, notify = c.peer, c.remote, c.accepted
	c.detachLocked()
	return p, remote, notify
}

func (c *Controller) finish(p Peer, remote string, notify bool) error {
	if p == nil {
		return nil
	}
	var err error
	if notify {
		if sendErr := c.sig.Send(protocol.Message{Event: protocol.EventEndCall, To: remote}); sendErr != nil {
			err = fmt.Errorf("notify %s: %w", remote, sendErr)
		}
	}
	p.Destroy()
	c.log.Info("call ended", "peer_id", remote)
	c.view.CallEnded(remote)
	return err
}

func (c *Controller) createPeer(initiator bool) (Peer, error) {
	if c.media == nil {
		return nil, ErrNoMedia
	}
	tracks := c.media.Tracks()
	if len(tracks) == 0 {
		return nil, ErrNoMedia
	}
	p, err := c.newPeer(webrtcpeer.Options{
		Initiator:        initiator,
		DisableTrickle:   c.disableTrickle,
		GatheringTimeout: c.gatheringTimeout,
		Tracks:           tracks,
		LocalStreamID:    c.media.StreamID(),
		Logger:           c.log,
	})
	if err != nil {
		return nil, fmt.Errorf("create peer: %w", err)
	}
	return p, nil
}

// attach makes p the active peer and wires its events. Callers hold c.mu.
func (c *Controller) attach(p Peer, remote string, initiator bool) {
	c.peer = p
	c.remote = remote
	c.initiator = initiator
	c.accepted = false
	c.peerOffs = []func(){
		p.OnSignal(func(sig protocol.Signal) { c.sendSignal(p, sig) }),
		p.OnStream(func(s *webrtcpeer.Stream) {
			if c.isActive(p) {
				c.view.RemoteStream(s)
			}
		}),
		p.OnError(func(err error) {
			c.log.Warn("negotiation failed", "err", err)
			c.mu.Lock()
			if c.peer != p {
				c.mu.Unlock()
				return
			}
			failed, remote, notify := c.takeCallLocked()
			c.mu.Unlock()
			c.view.Error(err)
			_ = c.finish(failed, remote, notify)
		}),
		p.OnStateChange(func(s webrtcpeer.State) {
			c.log.Debug("peer state", "state", s.String())
			if c.isActive(p) {
				c.view.PeerState(s)
			}
		}),
	}
}

func (c *Controller) detachLocked() {
	for _, off := range c.peerOffs {
		off()
	}
	c.peer, c.peerOffs = nil, nil
	c.remote = ""
	c.initiator, c.accepted = false, false
}

func (c *Controller) isActive(p Peer) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peer == p
}

func (c *Controller) sendSignal(p Peer, sig protocol.Signal) {
	c.mu.Lock()
	if c.peer != p {
		c.mu.Unlock()
		return
	}
	to, initiator := c.remote, c.initiator
	c.mu.Unlock()

	var msg protocol.Message
	switch {
	case sig.Type == protocol.SignalTypeICE:
		msg = protocol.Message{Event: protocol.EventICECandidate, To: to, Candidate: sig.Candidate}
	case initiator:
		msg = protocol.Message{Event: protocol.EventCallUser, To: to, Signal: &sig, Name: c.name}
	default:
		msg = protocol.Message{Event: protocol.EventAnswerCall, To: to, Signal: &sig}
	}
	if err := c.sig.Send(msg); err != nil {
		c.log.Warn("failed to send signal", "event", msg.Event, "err", err)
	}
}

func (c *Controller) handleInvite(msg protocol.Message) {
	if msg.Signal == nil {
		return
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	// The active peer re-offering, for example after an ICE restart.
	if c.peer != nil && msg.From == c.remote {
		p := c.peer
		c.mu.Unlock()
		if err := p.Signal(*msg.Signal); err != nil {
			c.log.Debug("dropping renegotiation offer", "err", err)
		}
		return
	}
	if c.peer != nil {
		c.mu.Unlock()
		c.log.Info("ignoring invite while in a call", "peer_id", msg.From)
		return
	}
	name := msg.Name
	if name == "" {
		name = protocol.DefaultDisplayName
	}
	inv := Invite{From: msg.From, Name: name, Signal: *msg.Signal}
	if c.invite == nil || c.invite.From != msg.From {
		c.early = nil
	}
	c.invite = &inv
	c.mu.Unlock()

	c.log.Info("incoming call", "peer_id", inv.From, "name", inv.Name)
	c.view.IncomingCall(inv)
}

func (c *Controller) handleAccepted(msg protocol.Message) {
	if msg.Signal == nil {
		return
	}
	c.mu.Lock()
	if c.peer == nil || msg.From != c.remote {
		c.mu.Unlock()
		c.log.Debug("ignoring answer from inactive peer", "peer_id", msg.From)
		return
	}
	p := c.peer
	first := !c.accepted
	c.accepted = true
	c.mu.Unlock()

	if err := p.Signal(*msg.Signal); err != nil {
		c.log.Warn("failed to apply answer", "err", err)
	}
	if first {
		c.view.CallAccepted(msg.From)
	}
}

func (c *Controller) handleCandidate(msg protocol.Message) {
	if msg.Candidate == nil {
		return
	}
	c.mu.Lock()
	switch {
	case c.peer != nil && msg.From == c.remote:
		p := c.peer
		c.mu.Unlock()
		if err := p.Signal(protocol.Signal{Type: protocol.SignalTypeICE, Candidate: msg.Candidate}); err != nil {
			c.log.Debug("dropping candidate", "err", err)
		}
	case c.peer == nil && c.invite != nil && msg.From == c.invite.From:
		c.early = append(c.early, *msg.Candidate)
		c.mu.Unlock()
	default:
		c.mu.Unlock()
	}
}

func (c *Controller) handleCallError(msg protocol.Message) {
	c.mu.Lock()
	var p Peer
	var remote string
	if c.peer != nil && (msg.To == "" || msg.To == c.remote) {
		p, remote = c.peer, c.remote
		c.detachLocked()
	}
	if c.invite != nil && msg.To == c.invite.From {
		c.invite, c.early = nil, nil
	}
	c.mu.Unlock()

	c.log.Warn("call error", "target", msg.To, "message", msg.Message)
	callErr := errors.New(msg.Message)
	if msg.To != "" {
		callErr = fmt.Errorf("%s: %s", msg.To, msg.Message)
	}
	c.view.Error(callErr)
	_ = c.finish(p, remote, false)
}

func (c *Controller) handleCallEnded(msg protocol.Message) {
	c.mu.Lock()
	var p Peer
	var remote string
	cancelled := false
	switch {
	case c.peer != nil && msg.From == c.remote:
		p, remote = c.peer, c.remote
		c.detachLocked()
	case c.invite != nil && msg.From == c.invite.From:
		c.invite, c.early = nil, nil
		cancelled = true
	}
	c.mu.Unlock()

	if cancelled {
		c.log.Info("incoming call cancelled", "peer_id", msg.From)
		c.view.CallEnded(msg.From)
		return
	}
	_ = c.finish(p, remote, false)
}

type nopView struct{}

func (nopView) IncomingCall(Invite)             {}
func (nopView) CallAccepted(string)             {}
func (nopView) RemoteStream(*webrtcpeer.Stream) {}
func (nopView) PeerState(webrtcpeer.State)      {}
func (nopView) CallEnded(string)                {}
func (nopView) Error(error)                     {}
