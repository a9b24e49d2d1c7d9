package webrtcpeer

import (
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/duocall/duocall/internal/protocol"
)

// fakePC records what a Peer asks of it and lets tests fire pion callbacks.
type fakePC struct {
	mu sync.Mutex

	local  *webrtc.SessionDescription
	remote *webrtc.SessionDescription

	offerOpts    []*webrtc.OfferOptions
	answers      int
	added        []string
	tracks       int
	closeCalls   int
	gathered     chan struct{}
	createErr    error
	setLocalErr  error
	setRemoteErr error
	// addCandidate, when set, decides the result of AddICECandidate.
	addCandidate func(f *fakePC, init webrtc.ICECandidateInit) error

	onCandidate   func(*webrtc.ICECandidate)
	onICEState    func(webrtc.ICEConnectionState)
	onNegotiation func()
	onTrack       func(RemoteTrack)
}

func newFakePC() *fakePC {
	return &fakePC{gathered: make(chan struct{})}
}

func (f *fakePC) AddTrack(webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tracks++
	return nil, nil
}

func (f *fakePC) CreateOffer(opts *webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return webrtc.SessionDescription{}, f.createErr
	}
	f.offerOpts = append(f.offerOpts, opts)
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer"}, nil
}

func (f *fakePC) CreateAnswer(*webrtc.AnswerOptions) (webrtc.SessionDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return webrtc.SessionDescription{}, f.createErr
	}
	f.answers++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer"}, nil
}

func (f *fakePC) SetLocalDescription(desc webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.setLocalErr != nil {
		return f.setLocalErr
	}
	f.local = &desc
	return nil
}

func (f *fakePC) SetRemoteDescription(desc webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.setRemoteErr != nil {
		return f.setRemoteErr
	}
	f.remote = &desc
	return nil
}

func (f *fakePC) LocalDescription() *webrtc.SessionDescription {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.local
}

func (f *fakePC) RemoteDescription() *webrtc.SessionDescription {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.remote
}

func (f *fakePC) AddICECandidate(init webrtc.ICECandidateInit) error {
	f.mu.Lock()
	hook := f.addCandidate
	f.mu.Unlock()
	if hook != nil {
		if err := hook(f, init); err != nil {
			return err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.remote == nil {
		return errors.New("no remote description")
	}
	f.added = append(f.added, init.Candidate)
	return nil
}

func (f *fakePC) GatheringComplete() <-chan struct{} { return f.gathered }

func (f *fakePC) OnICECandidate(fn func(*webrtc.ICECandidate)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onCandidate = fn
}

func (f *fakePC) OnICEConnectionStateChange(fn func(webrtc.ICEConnectionState)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onICEState = fn
}

func (f *fakePC) OnNegotiationNeeded(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onNegotiation = fn
}

func (f *fakePC) OnTrack(fn func(RemoteTrack)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onTrack = fn
}

func (f *fakePC) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeCalls++
	return nil
}

func (f *fakePC) fireICEState(s webrtc.ICEConnectionState) {
	f.mu.Lock()
	fn := f.onICEState
	f.mu.Unlock()
	fn(s)
}

func (f *fakePC) fireCandidate(c *webrtc.ICECandidate) {
	f.mu.Lock()
	fn := f.onCandidate
	f.mu.Unlock()
	fn(c)
}

func (f *fakePC) fireNegotiationNeeded() {
	f.mu.Lock()
	fn := f.onNegotiation
	f.mu.Unlock()
	fn()
}

func (f *fakePC) fireTrack(t RemoteTrack) {
	f.mu.Lock()
	fn := f.onTrack
	f.mu.Unlock()
	fn(t)
}

func (f *fakePC) addedCandidates() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.added...)
}

func (f *fakePC) clearRemote() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remote = nil
}

type fakeTrack struct {
	id       string
	streamID string
	kind     webrtc.RTPCodecType
}

func (t fakeTrack) ID() string                       { return t.id }
func (t fakeTrack) StreamID() string                 { return t.streamID }
func (t fakeTrack) Kind() webrtc.RTPCodecType        { return t.kind }
func (t fakeTrack) Codec() webrtc.RTPCodecParameters { return webrtc.RTPCodecParameters{} }
func (t fakeTrack) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	return nil, nil, io.EOF
}

// signalRecorder collects emitted signals.
type signalRecorder struct {
	mu      sync.Mutex
	signals []protocol.Signal
}

func (r *signalRecorder) record(sig protocol.Signal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.signals = append(r.signals, sig)
}

func (r *signalRecorder) all() []protocol.Signal {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]protocol.Signal(nil), r.signals...)
}

// settle waits until every input posted before it has been handled.
func settle(t *testing.T, p *Peer) {
	t.Helper()
	done := make(chan struct{})
	if err := p.post(func() { close(done) }); err != nil {
		t.Fatalf("post: %v", err)
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for peer loop")
	}
}

func newTestPeer(t *testing.T, pc *fakePC, opts Options) (*Peer, *signalRecorder) {
	t.Helper()
	p, err := New(pc, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(p.Destroy)
	rec := &signalRecorder{}
	p.OnSignal(rec.record)
	return p, rec
}

func candidate(s string) protocol.Signal {
	return protocol.ICESignal(webrtc.ICECandidateInit{Candidate: s})
}

func description(typ webrtc.SDPType) protocol.Signal {
	return protocol.SDPSignal(webrtc.SessionDescription{Type: typ, SDP: "remote"})
}
