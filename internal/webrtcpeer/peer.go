// Package webrtcpeer wraps one pion peer connection per call and drives its
// offer/answer exchange, candidate queueing and ICE restarts.
package webrtcpeer

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/duocall/duocall/internal/event"
	"github.com/duocall/duocall/internal/protocol"
)

const DefaultGatheringTimeout = 2 * time.Second

var ErrClosed = errors.New("peer closed")

type State int32

const (
	StateNew State = iota
	StateOffering
	StateRenegotiating
	StateConnected
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateOffering:
		return "offering"
	case StateRenegotiating:
		return "renegotiating"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Stream groups the remote tracks that share a stream id.
type Stream struct {
	ID string

	mu      sync.Mutex
	tracks  []RemoteTrack
	onTrack event.Emitter[RemoteTrack]
}

func newStream(id string) *Stream {
	return &Stream{ID: id}
}

func (s *Stream) Tracks() []RemoteTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]RemoteTrack(nil), s.tracks...)
}

// OnTrack calls fn for every track already in the stream and for each one
// added later.
func (s *Stream) OnTrack(fn func(RemoteTrack)) (off func()) {
	s.mu.Lock()
	existing := append([]RemoteTrack(nil), s.tracks...)
	off = s.onTrack.On(fn)
	s.mu.Unlock()
	for _, t := range existing {
		fn(t)
	}
	return off
}

func (s *Stream) add(t RemoteTrack) {
	s.mu.Lock()
	s.tracks = append(s.tracks, t)
	s.mu.Unlock()
	s.onTrack.Emit(t)
}

type Options struct {
	// Initiator peers create the offer on Start and restart ICE on failure.
	Initiator bool

	// DisableTrickle withholds the local description until ICE gathering
	// completes (or GatheringTimeout passes) and sends no candidate signals.
	DisableTrickle   bool
	GatheringTimeout time.Duration

	Tracks        []webrtc.TrackLocal
	LocalStreamID string

	Logger *slog.Logger
}

// Peer is a single call leg. Every input is serialized through one loop
// goroutine; pion callbacks and Signal only enqueue work.
type Peer struct {
	pc            PeerConnection
	initiator     bool
	trickle       bool
	gatherTimeout time.Duration
	localStreamID string
	logger        *slog.Logger

	state atomic.Int32

	mu     sync.Mutex
	queue  []func()
	closed bool
	wake   chan struct{}
	done   chan struct{}

	destroyOnce sync.Once

	// Owned by the loop goroutine.
	pending    []webrtc.ICECandidateInit
	lastStream *Stream

	onSignal event.Emitter[protocol.Signal]
	onStream event.Emitter[*Stream]
	onError  event.Emitter[error]
	onState  event.Emitter[State]
}

// New attaches the local tracks to pc and starts the peer's loop. On error pc
// is closed.
func New(pc PeerConnection, opts Options) (*Peer, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	gatherTimeout := opts.GatheringTimeout
	if gatherTimeout <= 0 {
		gatherTimeout = DefaultGatheringTimeout
	}

	role := "responder"
	if opts.Initiator {
		role = "initiator"
	}
	p := &Peer{
		pc:            pc,
		initiator:     opts.Initiator,
		trickle:       !opts.DisableTrickle,
		gatherTimeout: gatherTimeout,
		localStreamID: opts.LocalStreamID,
		logger:        logger.With("role", role),
		wake:          make(chan struct{}, 1),
		done:          make(chan struct{}),
	}

	for _, track := range opts.Tracks {
		sender, err := pc.AddTrack(track)
		if err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("add %s track: %w", track.Kind(), err)
		}
		if sender != nil {
			go drainRTCP(sender)
		}
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		_ = p.post(func() { p.handleLocalCandidate(init) })
	})
	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		_ = p.post(func() { p.handleICEState(s) })
	})
	pc.OnNegotiationNeeded(func() {
		_ = p.post(p.handleNegotiationNeeded)
	})
	pc.OnTrack(func(t RemoteTrack) {
		_ = p.post(func() { p.handleTrack(t) })
	})

	go p.loop()
	return p, nil
}

// drainRTCP reads incoming RTCP so pion's interceptors (NACK, reports) run.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

// Start makes an initiator send its first offer. It is a no-op for
// responders.
func (p *Peer) Start() error {
	if !p.initiator {
		return nil
	}
	return p.post(func() {
		if p.State() != StateNew {
			return
		}
		p.setState(StateOffering)
		p.offer(false)
	})
}

// Signal feeds a signal received from the remote party.
func (p *Peer) Signal(sig protocol.Signal) error {
	if err := sig.Validate(); err != nil {
		return err
	}
	switch sig.Type {
	case protocol.SignalTypeSDP:
		desc, err := sig.SDP.ToPion()
		if err != nil {
			return err
		}
		return p.post(func() { p.handleRemoteDescription(desc) })
	default:
		init := sig.Candidate.ToPion()
		return p.post(func() { p.handleRemoteCandidate(init) })
	}
}

func (p *Peer) OnSignal(fn func(protocol.Signal)) (off func()) { return p.onSignal.On(fn) }
func (p *Peer) OnStream(fn func(*Stream)) (off func())         { return p.onStream.On(fn) }
func (p *Peer) OnError(fn func(error)) (off func())            { return p.onError.On(fn) }
func (p *Peer) OnStateChange(fn func(State)) (off func())      { return p.onState.On(fn) }

func (p *Peer) State() State {
	return State(p.state.Load())
}

func (p *Peer) Initiator() bool {
	return p.initiator
}

// Done is closed once the peer is destroyed.
func (p *Peer) Done() <-chan struct{} {
	return p.done
}

// Destroy detaches every handler, closes the peer connection and drops
// queued work. No events are delivered afterwards, including a state change
// to StateClosed. Safe to call more than once and from listeners.
func (p *Peer) Destroy() {
	p.destroyOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.queue = nil
		p.mu.Unlock()
		p.state.Store(int32(StateClosed))
		close(p.done)

		p.pc.OnICECandidate(func(*webrtc.ICECandidate) {})
		p.pc.OnICEConnectionStateChange(func(webrtc.ICEConnectionState) {})
		p.pc.OnNegotiationNeeded(func() {})
		p.pc.OnTrack(func(RemoteTrack) {})
		if err := p.pc.Close(); err != nil {
			p.logger.Debug("close peer connection", "err", err)
		}

		p.onSignal.Close()
		p.onStream.Close()
		p.onError.Close()
		p.onState.Close()
	})
}

func (p *Peer) post(fn func()) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.queue = append(p.queue, fn)
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
	return nil
}

func (p *Peer) loop() {
	for {
		select {
		case <-p.done:
			return
		case <-p.wake:
		}
		for {
			p.mu.Lock()
			if p.closed || len(p.queue) == 0 {
				p.mu.Unlock()
				break
			}
			fn := p.queue[0]
			p.queue[0] = nil
			p.queue = p.queue[1:]
			p.mu.Unlock()
			fn()
		}
	}
}

func (p *Peer) setState(s State) {
	if p.isClosed() {
		return
	}
	if State(p.state.Swap(int32(s))) == s {
		return
	}
	p.logger.Debug("peer state", "state", s.String())
	p.onState.Emit(s)
}

func (p *Peer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Peer) fail(err error) {
	p.logger.Warn("negotiation failed", "err", err)
	p.setState(StateFailed)
	p.onError.Emit(err)
}

func (p *Peer) offer(iceRestart bool) {
	var opts *webrtc.OfferOptions
	if iceRestart {
		opts = &webrtc.OfferOptions{ICERestart: true}
	}
	desc, err := p.pc.CreateOffer(opts)
	if err != nil {
		p.fail(fmt.Errorf("create offer: %w", err))
		return
	}
	p.setLocalDescription(desc)
}

func (p *Peer) answer() {
	desc, err := p.pc.CreateAnswer(nil)
	if err != nil {
		p.fail(fmt.Errorf("create answer: %w", err))
		return
	}
	p.setLocalDescription(desc)
}

func (p *Peer) setLocalDescription(desc webrtc.SessionDescription) {
	var gathered <-chan struct{}
	if !p.trickle {
		gathered = p.pc.GatheringComplete()
	}
	if err := p.pc.SetLocalDescription(desc); err != nil {
		p.fail(fmt.Errorf("set local %s: %w", desc.Type, err))
		return
	}
	if p.trickle {
		p.emitLocalDescription(desc)
		return
	}
	go p.awaitGathering(gathered, desc)
}

func (p *Peer) awaitGathering(gathered <-chan struct{}, desc webrtc.SessionDescription) {
	timer := time.NewTimer(p.gatherTimeout)
	defer timer.Stop()
	select {
	case <-gathered:
	case <-timer.C:
		p.logger.Debug("ICE gathering timed out; sending partial description", "timeout", p.gatherTimeout)
	case <-p.done:
		return
	}
	_ = p.post(func() { p.emitLocalDescription(desc) })
}

// emitLocalDescription prefers the connection's current local description,
// which carries the candidates gathered so far.
func (p *Peer) emitLocalDescription(fallback webrtc.SessionDescription) {
	desc := fallback
	if cur := p.pc.LocalDescription(); cur != nil {
		desc = *cur
	}
	p.onSignal.Emit(protocol.SDPSignal(desc))
}

func (p *Peer) handleRemoteDescription(desc webrtc.SessionDescription) {
	switch desc.Type {
	case webrtc.SDPTypeOffer:
		if p.initiator {
			p.logger.Warn("ignoring remote offer on initiator")
			return
		}
		if err := p.pc.SetRemoteDescription(desc); err != nil {
			p.logger.Warn("apply remote offer", "err", err)
			return
		}
		p.answer()
		p.drainPending()
	case webrtc.SDPTypeAnswer:
		if err := p.pc.SetRemoteDescription(desc); err != nil {
			p.logger.Warn("apply remote answer", "err", err)
			return
		}
		p.drainPending()
	default:
		p.logger.Warn("ignoring remote description", "type", desc.Type.String())
	}
}

func (p *Peer) handleRemoteCandidate(init webrtc.ICECandidateInit) {
	if p.pc.RemoteDescription() == nil {
		p.pending = append(p.pending, init)
		p.logger.Debug("queued remote candidate", "pending", len(p.pending))
		return
	}
	if err := p.pc.AddICECandidate(init); err != nil {
		p.logger.Warn("add remote candidate", "err", err)
	}
}

// drainPending applies queued candidates in arrival order. If the remote
// description disappears mid-drain, the failed candidate and everything
// behind it stay queued in order for the next successful description.
func (p *Peer) drainPending() {
	for len(p.pending) > 0 {
		init := p.pending[0]
		if err := p.pc.AddICECandidate(init); err != nil {
			if p.pc.RemoteDescription() == nil {
				p.logger.Debug("remote description lost while draining candidates", "pending", len(p.pending))
				return
			}
			p.logger.Warn("add queued candidate", "err", err)
		}
		p.pending = p.pending[1:]
	}
	p.pending = nil
}

func (p *Peer) handleLocalCandidate(init webrtc.ICECandidateInit) {
	if !p.trickle {
		return
	}
	p.onSignal.Emit(protocol.ICESignal(init))
}

func (p *Peer) handleICEState(s webrtc.ICEConnectionState) {
	p.logger.Debug("ice connection state", "ice_state", s.String())
	switch s {
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		p.setState(StateConnected)
	case webrtc.ICEConnectionStateFailed:
		if !p.initiator {
			return
		}
		p.setState(StateRenegotiating)
		p.offer(true)
	}
}

func (p *Peer) handleNegotiationNeeded() {
	if !p.initiator || p.State() != StateConnected {
		return
	}
	p.logger.Debug("renegotiating after track change")
	p.offer(false)
}

func (p *Peer) handleTrack(t RemoteTrack) {
	streamID := t.StreamID()
	if streamID == p.localStreamID && streamID != "" {
		p.logger.Debug("ignoring remote track carrying the local stream id", "stream_id", streamID)
		return
	}
	if p.lastStream != nil && p.lastStream.ID == streamID {
		p.lastStream.add(t)
		return
	}
	s := newStream(streamID)
	s.add(t)
	p.lastStream = s
	p.logger.Debug("remote stream", "stream_id", streamID, "kind", t.Kind().String())
	p.onStream.Emit(s)
}
