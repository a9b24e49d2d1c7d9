package call

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/duocall/duocall/internal/event"
	"github.com/duocall/duocall/internal/media"
	"github.com/duocall/duocall/internal/protocol"
	"github.com/duocall/duocall/internal/webrtcpeer"
)

type fakeSignaler struct {
	mu       sync.Mutex
	id       string
	sent     []protocol.Message
	sendErr  error
	emitters map[protocol.Event]*event.Emitter[protocol.Message]
}

func newFakeSignaler(id string) *fakeSignaler {
	return &fakeSignaler{id: id, emitters: make(map[protocol.Event]*event.Emitter[protocol.Message])}
}

func (f *fakeSignaler) ID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.id
}

func (f *fakeSignaler) Send(msg protocol.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeSignaler) On(ev protocol.Event, fn func(protocol.Message)) func() {
	f.mu.Lock()
	e, ok := f.emitters[ev]
	if !ok {
		e = &event.Emitter[protocol.Message]{}
		f.emitters[ev] = e
	}
	f.mu.Unlock()
	return e.On(fn)
}

func (f *fakeSignaler) deliver(msg protocol.Message) {
	f.mu.Lock()
	e := f.emitters[msg.Event]
	f.mu.Unlock()
	if e != nil {
		e.Emit(msg)
	}
}

func (f *fakeSignaler) messages() []protocol.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.Message(nil), f.sent...)
}

func (f *fakeSignaler) listeners() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.emitters {
		n += e.Len()
	}
	return n
}

type fakePeer struct {
	opts webrtcpeer.Options

	mu        sync.Mutex
	started   int
	signals   []protocol.Signal
	destroyed int
	startErr  error

	onSignal event.Emitter[protocol.Signal]
	onStream event.Emitter[*webrtcpeer.Stream]
	onError  event.Emitter[error]
	onState  event.Emitter[webrtcpeer.State]
}

func (p *fakePeer) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.started++
	return p.startErr
}

func (p *fakePeer) Signal(sig protocol.Signal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.destroyed > 0 {
		return webrtcpeer.ErrClosed
	}
	p.signals = append(p.signals, sig)
	return nil
}

func (p *fakePeer) OnSignal(fn func(protocol.Signal)) func()       { return p.onSignal.On(fn) }
func (p *fakePeer) OnStream(fn func(*webrtcpeer.Stream)) func()    { return p.onStream.On(fn) }
func (p *fakePeer) OnError(fn func(error)) func()                  { return p.onError.On(fn) }
func (p *fakePeer) OnStateChange(fn func(webrtcpeer.State)) func() { return p.onState.On(fn) }

func (p *fakePeer) Destroy() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.destroyed++
}

func (p *fakePeer) received() []protocol.Signal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]protocol.Signal(nil), p.signals...)
}

func (p *fakePeer) destroyCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.destroyed
}

type peerFactory struct {
	mu    sync.Mutex
	peers []*fakePeer
	err   error
}

func (f *peerFactory) New(opts webrtcpeer.Options) (Peer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	p := &fakePeer{opts: opts}
	f.peers = append(f.peers, p)
	return p, nil
}

func (f *peerFactory) created() []*fakePeer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakePeer(nil), f.peers...)
}

func (f *peerFactory) last(t *testing.T) *fakePeer {
	t.Helper()
	peers := f.created()
	if len(peers) == 0 {
		t.Fatalf("no peer created")
	}
	return peers[len(peers)-1]
}

// recordingView collects view notifications. onInvite, when set, runs for
// each incoming call.
type recordingView struct {
	mu       sync.Mutex
	invites  []Invite
	accepted []string
	streams  []*webrtcpeer.Stream
	states   []webrtcpeer.State
	ended    []string
	errs     []error
	onInvite func(Invite)
}

func (v *recordingView) IncomingCall(inv Invite) {
	v.mu.Lock()
	v.invites = append(v.invites, inv)
	fn := v.onInvite
	v.mu.Unlock()
	if fn != nil {
		fn(inv)
	}
}

func (v *recordingView) CallAccepted(id string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.accepted = append(v.accepted, id)
}

func (v *recordingView) RemoteStream(s *webrtcpeer.Stream) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.streams = append(v.streams, s)
}

func (v *recordingView) PeerState(s webrtcpeer.State) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.states = append(v.states, s)
}

func (v *recordingView) CallEnded(id string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.ended = append(v.ended, id)
}

func (v *recordingView) Error(err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.errs = append(v.errs, err)
}

func (v *recordingView) snapshot() recordingView {
	v.mu.Lock()
	defer v.mu.Unlock()
	return recordingView{
		invites:  append([]Invite(nil), v.invites...),
		accepted: append([]string(nil), v.accepted...),
		streams:  append([]*webrtcpeer.Stream(nil), v.streams...),
		states:   append([]webrtcpeer.State(nil), v.states...),
		ended:    append([]string(nil), v.ended...),
		errs:     append([]error(nil), v.errs...),
	}
}

func newSyntheticMedia(t *testing.T) *media.Source {
	t.Helper()
	src, err := media.Open(media.SourceOptions{Synthetic: true, StreamID: "local"})
	if err != nil {
		t.Fatalf("media.Open: %v", err)
	}
	t.Cleanup(src.Close)
	return src
}

type harness struct {
	sig   *fakeSignaler
	peers *peerFactory
	view  *recordingView
	ctrl  *Controller
}

func newHarness(t *testing.T, id string, src MediaSource) *harness {
	t.Helper()
	h := &harness{
		sig:   newFakeSignaler(id),
		peers: &peerFactory{},
		view:  &recordingView{},
	}
	ctrl, err := New(Options{
		Signaler: h.sig,
		Media:    src,
		NewPeer:  h.peers.New,
		View:     h.view,
		Name:     "alice",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = ctrl.Close() })
	h.ctrl = ctrl
	return h
}

func offer() protocol.Signal {
	return protocol.SDPSignal(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer"})
}

func answer() protocol.Signal {
	return protocol.SDPSignal(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer"})
}

func candidate(s string) protocol.Candidate {
	return protocol.Candidate{Candidate: s}
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met within 5s")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

var errBoom = errors.New("boom")
