package call

import (
	"errors"
	"testing"

	"github.com/pion/webrtc/v4"

	"github.com/duocall/duocall/internal/protocol"
	"github.com/duocall/duocall/internal/webrtcpeer"
)

func TestNewRequiresSignalerAndFactory(t *testing.T) {
	if _, err := New(Options{NewPeer: (&peerFactory{}).New}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("err=%v, want %v", err, ErrNotConnected)
	}
	if _, err := New(Options{Signaler: newFakeSignaler("a")}); err == nil {
		t.Fatalf("New succeeded without a peer factory")
	}
}

func TestCallUserRequiresIdentity(t *testing.T) {
	h := newHarness(t, "", newSyntheticMedia(t))
	if err := h.ctrl.CallUser("b"); !errors.Is(err, ErrNoIdentity) {
		t.Fatalf("err=%v, want %v", err, ErrNoIdentity)
	}
	if n := len(h.peers.created()); n != 0 {
		t.Fatalf("peers created=%d, want 0", n)
	}
}

func TestCallUserWithoutMediaCreatesNoPeer(t *testing.T) {
	h := newHarness(t, "a", nil)
	if err := h.ctrl.CallUser("b"); !errors.Is(err, ErrNoMedia) {
		t.Fatalf("err=%v, want %v", err, ErrNoMedia)
	}
	if n := len(h.peers.created()); n != 0 {
		t.Fatalf("peers created=%d, want 0", n)
	}
	if len(h.sig.messages()) != 0 {
		t.Fatalf("sent %v", h.sig.messages())
	}
}

func TestCallUserRejectsSelfAndEmpty(t *testing.T) {
	h := newHarness(t, "a", newSyntheticMedia(t))
	if err := h.ctrl.CallUser(" "); err == nil {
		t.Fatalf("CallUser accepted an empty identity")
	}
	if err := h.ctrl.CallUser("a"); err == nil {
		t.Fatalf("CallUser accepted its own identity")
	}
}

func TestCallUserPeerFactoryFailure(t *testing.T) {
	h := newHarness(t, "a", newSyntheticMedia(t))
	h.peers.err = errBoom
	if err := h.ctrl.CallUser("b"); !errors.Is(err, errBoom) {
		t.Fatalf("err=%v, want %v", err, errBoom)
	}
	if st := h.ctrl.Status(); st.Remote != "" {
		t.Fatalf("status=%+v after failed call", st)
	}
}

func TestCallUserSendsInviteAndCandidates(t *testing.T) {
	h := newHarness(t, "a", newSyntheticMedia(t))
	if err := h.ctrl.CallUser("b"); err != nil {
		t.Fatalf("CallUser: %v", err)
	}

	p := h.peers.last(t)
	if !p.opts.Initiator || p.started != 1 {
		t.Fatalf("peer initiator=%v started=%d", p.opts.Initiator, p.started)
	}
	if len(p.opts.Tracks) != 2 || p.opts.LocalStreamID != "local" {
		t.Fatalf("peer tracks=%d stream=%q", len(p.opts.Tracks), p.opts.LocalStreamID)
	}

	p.onSignal.Emit(offer())
	p.onSignal.Emit(protocol.ICESignal(webrtc.ICECandidateInit{Candidate: "c1"}))

	sent := h.sig.messages()
	if len(sent) != 2 {
		t.Fatalf("sent=%d messages, want 2", len(sent))
	}
	invite := sent[0]
	if invite.Event != protocol.EventCallUser || invite.To != "b" || invite.Name != "alice" || invite.Signal == nil || invite.Signal.SDP.Type != "offer" {
		t.Fatalf("invite=%+v", invite)
	}
	cand := sent[1]
	if cand.Event != protocol.EventICECandidate || cand.To != "b" || cand.Candidate == nil || cand.Candidate.Candidate != "c1" {
		t.Fatalf("candidate=%+v", cand)
	}

	if err := h.ctrl.CallUser("c"); !errors.Is(err, ErrCallInProgress) {
		t.Fatalf("second CallUser err=%v, want %v", err, ErrCallInProgress)
	}
}

func TestCallAcceptedFeedsAnswer(t *testing.T) {
	h := newHarness(t, "a", newSyntheticMedia(t))
	if err := h.ctrl.CallUser("b"); err != nil {
		t.Fatalf("CallUser: %v", err)
	}
	p := h.peers.last(t)
	ans := answer()

	h.sig.deliver(protocol.Message{Event: protocol.EventCallAccepted, From: "x", Signal: &ans})
	if got := p.received(); len(got) != 0 {
		t.Fatalf("answer from unrelated identity applied: %v", got)
	}

	h.sig.deliver(protocol.Message{Event: protocol.EventCallAccepted, From: "b", Signal: &ans})
	h.sig.deliver(protocol.Message{Event: protocol.EventCallAccepted, From: "b", Signal: &ans})
	if got := p.received(); len(got) != 2 || got[0].SDP.Type != "answer" {
		t.Fatalf("peer signals=%v", got)
	}
	if st := h.ctrl.Status(); !st.Accepted || st.Remote != "b" || !st.Initiator {
		t.Fatalf("status=%+v", st)
	}
	if v := h.view.snapshot(); len(v.accepted) != 1 || v.accepted[0] != "b" {
		t.Fatalf("accepted notifications=%v", v.accepted)
	}
}

func TestCandidatesRoutedToActivePeer(t *testing.T) {
	h := newHarness(t, "a", newSyntheticMedia(t))
	if err := h.ctrl.CallUser("b"); err != nil {
		t.Fatalf("CallUser: %v", err)
	}
	p := h.peers.last(t)

	c1, c2 := candidate("c1"), candidate("other")
	h.sig.deliver(protocol.Message{Event: protocol.EventICECandidate, From: "b", Candidate: &c1})
	h.sig.deliver(protocol.Message{Event: protocol.EventICECandidate, From: "x", Candidate: &c2})

	got := p.received()
	if len(got) != 1 || got[0].Type != protocol.SignalTypeICE || got[0].Candidate.Candidate != "c1" {
		t.Fatalf("peer signals=%+v", got)
	}
}

func TestIncomingCallAndAnswer(t *testing.T) {
	h := newHarness(t, "b", newSyntheticMedia(t))
	sig := offer()
	h.sig.deliver(protocol.Message{Event: protocol.EventCallUser, From: "a", Signal: &sig})

	c1, c2 := candidate("early-1"), candidate("early-2")
	h.sig.deliver(protocol.Message{Event: protocol.EventICECandidate, From: "a", Candidate: &c1})
	h.sig.deliver(protocol.Message{Event: protocol.EventICECandidate, From: "a", Candidate: &c2})

	v := h.view.snapshot()
	if len(v.invites) != 1 || v.invites[0].From != "a" || v.invites[0].Name != protocol.DefaultDisplayName {
		t.Fatalf("invites=%+v", v.invites)
	}
	st := h.ctrl.Status()
	if st.Incoming == nil || st.Incoming.From != "a" {
		t.Fatalf("status=%+v", st)
	}
	if n := len(h.peers.created()); n != 0 {
		t.Fatalf("peer created before answer")
	}

	if err := h.ctrl.Answer(); err != nil {
		t.Fatalf("Answer: %v", err)
	}
	p := h.peers.last(t)
	if p.opts.Initiator || p.started != 0 {
		t.Fatalf("responder initiator=%v started=%d", p.opts.Initiator, p.started)
	}
	got := p.received()
	if len(got) != 3 || got[0].Type != protocol.SignalTypeSDP || got[1].Candidate.Candidate != "early-1" || got[2].Candidate.Candidate != "early-2" {
		t.Fatalf("peer signals=%+v", got)
	}

	p.onSignal.Emit(answer())
	sent := h.sig.messages()
	if len(sent) != 1 || sent[0].Event != protocol.EventAnswerCall || sent[0].To != "a" || sent[0].Signal.SDP.Type != "answer" {
		t.Fatalf("sent=%+v", sent)
	}

	st = h.ctrl.Status()
	if st.Incoming != nil || !st.Accepted || st.Remote != "a" || st.Initiator {
		t.Fatalf("status after answer=%+v", st)
	}
	if err := h.ctrl.Answer(); !errors.Is(err, ErrNoIncomingCall) {
		t.Fatalf("second Answer err=%v, want %v", err, ErrNoIncomingCall)
	}
}

func TestAnswerWithoutInvite(t *testing.T) {
	h := newHarness(t, "b", newSyntheticMedia(t))
	if err := h.ctrl.Answer(); !errors.Is(err, ErrNoIncomingCall) {
		t.Fatalf("err=%v, want %v", err, ErrNoIncomingCall)
	}
}

func TestAnswerWithoutMediaKeepsInvite(t *testing.T) {
	h := newHarness(t, "b", nil)
	sig := offer()
	h.sig.deliver(protocol.Message{Event: protocol.EventCallUser, From: "a", Signal: &sig})

	if err := h.ctrl.Answer(); !errors.Is(err, ErrNoMedia) {
		t.Fatalf("err=%v, want %v", err, ErrNoMedia)
	}
	if n := len(h.peers.created()); n != 0 {
		t.Fatalf("peers created=%d, want 0", n)
	}
	if st := h.ctrl.Status(); st.Incoming == nil {
		t.Fatalf("invite dropped after media failure")
	}
}

func TestAutoAnswerFromView(t *testing.T) {
	h := newHarness(t, "b", newSyntheticMedia(t))
	answered := make(chan error, 1)
	h.view.onInvite = func(Invite) { answered <- h.ctrl.Answer() }

	sig := offer()
	h.sig.deliver(protocol.Message{Event: protocol.EventCallUser, From: "a", Signal: &sig, Name: "alice"})

	if err := <-answered; err != nil {
		t.Fatalf("Answer from view: %v", err)
	}
	if st := h.ctrl.Status(); st.Remote != "a" {
		t.Fatalf("status=%+v", st)
	}
}

func TestInviteWhileInCall(t *testing.T) {
	h := newHarness(t, "a", newSyntheticMedia(t))
	if err := h.ctrl.CallUser("b"); err != nil {
		t.Fatalf("CallUser: %v", err)
	}
	p := h.peers.last(t)

	sig := offer()
	h.sig.deliver(protocol.Message{Event: protocol.EventCallUser, From: "c", Signal: &sig})
	if v := h.view.snapshot(); len(v.invites) != 0 {
		t.Fatalf("invite surfaced during call: %+v", v.invites)
	}

	// A re-offer from the active peer renegotiates.
	h.sig.deliver(protocol.Message{Event: protocol.EventCallUser, From: "b", Signal: &sig})
	if got := p.received(); len(got) != 1 || got[0].SDP.Type != "offer" {
		t.Fatalf("peer signals=%+v", got)
	}
}

func TestCallEndedFromRemote(t *testing.T) {
	h := newHarness(t, "a", newSyntheticMedia(t))
	if err := h.ctrl.CallUser("b"); err != nil {
		t.Fatalf("CallUser: %v", err)
	}
	p := h.peers.last(t)

	h.sig.deliver(protocol.Message{Event: protocol.EventCallEnded, From: "someone-else"})
	if p.destroyCount() != 0 {
		t.Fatalf("unrelated callEnded destroyed the peer")
	}

	h.sig.deliver(protocol.Message{Event: protocol.EventCallEnded, From: "b"})
	if p.destroyCount() != 1 {
		t.Fatalf("destroy count=%d, want 1", p.destroyCount())
	}
	v := h.view.snapshot()
	if len(v.ended) != 1 || v.ended[0] != "b" {
		t.Fatalf("ended=%v", v.ended)
	}
	if st := h.ctrl.Status(); st.Remote != "" {
		t.Fatalf("status=%+v", st)
	}
	for _, msg := range h.sig.messages() {
		if msg.Event == protocol.EventEndCall {
			t.Fatalf("endCall sent in response to callEnded")
		}
	}

	h.sig.deliver(protocol.Message{Event: protocol.EventCallEnded, From: "b"})
	if p.destroyCount() != 1 {
		t.Fatalf("destroy count=%d after repeat", p.destroyCount())
	}

	// Peer events after teardown are not surfaced.
	p.onStream.Emit(nil)
	if v := h.view.snapshot(); len(v.streams) != 0 {
		t.Fatalf("stream from destroyed peer surfaced")
	}
}

func TestCallEndedCancelsPendingInvite(t *testing.T) {
	h := newHarness(t, "b", newSyntheticMedia(t))
	sig := offer()
	h.sig.deliver(protocol.Message{Event: protocol.EventCallUser, From: "a", Signal: &sig})
	h.sig.deliver(protocol.Message{Event: protocol.EventCallEnded, From: "a"})

	if err := h.ctrl.Answer(); !errors.Is(err, ErrNoIncomingCall) {
		t.Fatalf("Answer err=%v, want %v", err, ErrNoIncomingCall)
	}
	if v := h.view.snapshot(); len(v.ended) != 1 || v.ended[0] != "a" {
		t.Fatalf("ended=%v", v.ended)
	}
}

func TestEndCallNotifiesOnlyAcceptedCalls(t *testing.T) {
	t.Run("offering", func(t *testing.T) {
		h := newHarness(t, "a", newSyntheticMedia(t))
		if err := h.ctrl.CallUser("b"); err != nil {
			t.Fatalf("CallUser: %v", err)
		}
		if err := h.ctrl.EndCall(); err != nil {
			t.Fatalf("EndCall: %v", err)
		}
		for _, msg := range h.sig.messages() {
			if msg.Event == protocol.EventEndCall {
				t.Fatalf("endCall sent for a call that was never accepted")
			}
		}
		if h.peers.last(t).destroyCount() != 1 {
			t.Fatalf("peer not destroyed")
		}
	})

	t.Run("accepted", func(t *testing.T) {
		h := newHarness(t, "a", newSyntheticMedia(t))
		if err := h.ctrl.CallUser("b"); err != nil {
			t.Fatalf("CallUser: %v", err)
		}
		ans := answer()
		h.sig.deliver(protocol.Message{Event: protocol.EventCallAccepted, From: "b", Signal: &ans})

		if err := h.ctrl.EndCall(); err != nil {
			t.Fatalf("EndCall: %v", err)
		}
		if err := h.ctrl.EndCall(); err != nil {
			t.Fatalf("second EndCall: %v", err)
		}

		var ends []protocol.Message
		for _, msg := range h.sig.messages() {
			if msg.Event == protocol.EventEndCall {
				ends = append(ends, msg)
			}
		}
		if len(ends) != 1 || ends[0].To != "b" {
			t.Fatalf("endCall messages=%+v, want one to b", ends)
		}
		if h.peers.last(t).destroyCount() != 1 {
			t.Fatalf("peer destroy count=%d", h.peers.last(t).destroyCount())
		}
		if v := h.view.snapshot(); len(v.ended) != 1 || v.ended[0] != "b" {
			t.Fatalf("ended=%v", v.ended)
		}
	})
}

func TestEndCallReportsSendFailure(t *testing.T) {
	h := newHarness(t, "b", newSyntheticMedia(t))
	sig := offer()
	h.sig.deliver(protocol.Message{Event: protocol.EventCallUser, From: "a", Signal: &sig})
	if err := h.ctrl.Answer(); err != nil {
		t.Fatalf("Answer: %v", err)
	}
	h.sig.mu.Lock()
	h.sig.sendErr = errBoom
	h.sig.mu.Unlock()

	if err := h.ctrl.EndCall(); !errors.Is(err, errBoom) {
		t.Fatalf("EndCall err=%v, want %v", err, errBoom)
	}
	if h.peers.last(t).destroyCount() != 1 {
		t.Fatalf("peer not destroyed after send failure")
	}
}

func TestCallErrorEndsCallLocally(t *testing.T) {
	h := newHarness(t, "a", newSyntheticMedia(t))
	if err := h.ctrl.CallUser("b"); err != nil {
		t.Fatalf("CallUser: %v", err)
	}
	h.sig.deliver(protocol.Message{Event: protocol.EventCallError, To: "b", Message: protocol.ErrMessageUserNotConnected})

	v := h.view.snapshot()
	if len(v.errs) != 1 {
		t.Fatalf("errors=%v", v.errs)
	}
	if h.peers.last(t).destroyCount() != 1 {
		t.Fatalf("peer not destroyed on callError")
	}
	for _, msg := range h.sig.messages() {
		if msg.Event == protocol.EventEndCall {
			t.Fatalf("endCall sent after callError")
		}
	}
	if err := h.ctrl.CallUser("c"); err != nil {
		t.Fatalf("CallUser after callError: %v", err)
	}
}

func TestDeclineNotifiesCaller(t *testing.T) {
	h := newHarness(t, "b", newSyntheticMedia(t))
	if err := h.ctrl.Decline(); !errors.Is(err, ErrNoIncomingCall) {
		t.Fatalf("Decline err=%v, want %v", err, ErrNoIncomingCall)
	}
	sig := offer()
	h.sig.deliver(protocol.Message{Event: protocol.EventCallUser, From: "a", Signal: &sig})
	if err := h.ctrl.Decline(); err != nil {
		t.Fatalf("Decline: %v", err)
	}
	sent := h.sig.messages()
	if len(sent) != 1 || sent[0].Event != protocol.EventEndCall || sent[0].To != "a" {
		t.Fatalf("sent=%+v", sent)
	}
}

func TestPeerEventsReachView(t *testing.T) {
	h := newHarness(t, "a", newSyntheticMedia(t))
	if err := h.ctrl.CallUser("b"); err != nil {
		t.Fatalf("CallUser: %v", err)
	}
	p := h.peers.last(t)
	p.onState.Emit(webrtcpeer.StateConnected)
	p.onStream.Emit(&webrtcpeer.Stream{ID: "remote"})
	p.onError.Emit(errBoom)

	v := h.view.snapshot()
	if len(v.states) != 1 || v.states[0] != webrtcpeer.StateConnected {
		t.Fatalf("states=%v", v.states)
	}
	if len(v.errs) != 1 || !errors.Is(v.errs[0], errBoom) {
		t.Fatalf("errs=%v", v.errs)
	}
	if len(v.streams) != 1 || v.streams[0].ID != "remote" {
		t.Fatalf("streams=%v", v.streams)
	}
}

func TestPeerErrorDestroysFailedCall(t *testing.T) {
	h := newHarness(t, "a", newSyntheticMedia(t))
	if err := h.ctrl.CallUser("b"); err != nil {
		t.Fatalf("CallUser: %v", err)
	}
	p := h.peers.last(t)
	ans := answer()
	h.sig.deliver(protocol.Message{Event: protocol.EventCallAccepted, From: "b", Signal: &ans})

	p.onError.Emit(errBoom)

	if n := p.destroyCount(); n != 1 {
		t.Fatalf("destroyCount=%d, want 1", n)
	}
	v := h.view.snapshot()
	if len(v.ended) != 1 || v.ended[0] != "b" {
		t.Fatalf("ended=%v, want [b]", v.ended)
	}
	if len(v.errs) != 1 || !errors.Is(v.errs[0], errBoom) {
		t.Fatalf("errs=%v", v.errs)
	}
	var ends int
	for _, msg := range h.sig.messages() {
		if msg.Event == protocol.EventEndCall && msg.To == "b" {
			ends++
		}
	}
	if ends != 1 {
		t.Fatalf("endCall sent %d times, want 1", ends)
	}
	if st := h.ctrl.Status(); st.Remote != "" {
		t.Fatalf("status after failure=%+v", st)
	}

	if err := h.ctrl.CallUser("c"); err != nil {
		t.Fatalf("CallUser after failure: %v", err)
	}
	p.onError.Emit(errBoom)
	if n := p.destroyCount(); n != 1 {
		t.Fatalf("stale peer error destroyed again: destroyCount=%d", n)
	}
	if st := h.ctrl.Status(); st.Remote != "c" {
		t.Fatalf("stale peer error ended the new call: %+v", st)
	}
}

func TestCloseRemovesListenersAndEndsCall(t *testing.T) {
	h := newHarness(t, "a", newSyntheticMedia(t))
	if h.sig.listeners() == 0 {
		t.Fatalf("no listeners registered")
	}
	if err := h.ctrl.CallUser("b"); err != nil {
		t.Fatalf("CallUser: %v", err)
	}
	ans := answer()
	h.sig.deliver(protocol.Message{Event: protocol.EventCallAccepted, From: "b", Signal: &ans})

	if err := h.ctrl.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := h.ctrl.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if n := h.sig.listeners(); n != 0 {
		t.Fatalf("listeners after Close=%d", n)
	}
	if h.peers.last(t).destroyCount() != 1 {
		t.Fatalf("peer not destroyed on Close")
	}
	sent := h.sig.messages()
	if last := sent[len(sent)-1]; last.Event != protocol.EventEndCall || last.To != "b" {
		t.Fatalf("last message=%+v, want endCall to b", last)
	}
	if err := h.ctrl.CallUser("b"); !errors.Is(err, ErrClosed) {
		t.Fatalf("CallUser after Close err=%v, want %v", err, ErrClosed)
	}
	if err := h.ctrl.Answer(); !errors.Is(err, ErrClosed) {
		t.Fatalf("Answer after Close err=%v, want %v", err, ErrClosed)
	}
}
