package protocol

import (
	"errors"
	"fmt"
	"strings"

	"github.com/pion/webrtc/v4"
)

// Event names the kind of a relay message. The names are shared by both
// directions of the wire; the relay rewrites request events (answerCall,
// endCall) into their delivered counterparts (callAccepted, callEnded).
type Event string

const (
	EventMe           Event = "me"
	EventCallUser     Event = "callUser"
	EventAnswerCall   Event = "answerCall"
	EventCallAccepted Event = "callAccepted"
	EventICECandidate Event = "iceCandidate"
	EventEndCall      Event = "endCall"
	EventCallEnded    Event = "callEnded"
	EventCallError    Event = "callError"
)

// Error messages reported to a sender whose target is not connected.
const (
	ErrMessageUserNotConnected   = "User is not connected"
	ErrMessageCallerDisconnected = "Caller is no longer connected"
)

// DefaultDisplayName is used for invites that carry no caller name.
const DefaultDisplayName = "Anonymous"

var ErrInvalidMessage = errors.New("invalid message")

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidMessage, fmt.Sprintf(format, args...))
}

type SessionDescription struct {
	Type string `json:"type" msgpack:"type"`
	SDP  string `json:"sdp" msgpack:"sdp"`
}

func SessionDescriptionFromPion(desc webrtc.SessionDescription) SessionDescription {
	return SessionDescription{
		Type: desc.Type.String(),
		SDP:  desc.SDP,
	}
}

func (s SessionDescription) ToPion() (webrtc.SessionDescription, error) {
	var t webrtc.SDPType
	switch s.Type {
	case "offer":
		t = webrtc.SDPTypeOffer
	case "answer":
		t = webrtc.SDPTypeAnswer
	default:
		return webrtc.SessionDescription{}, invalidf("unsupported sdp type %q", s.Type)
	}
	return webrtc.SessionDescription{Type: t, SDP: s.SDP}, nil
}

type Candidate struct {
	Candidate        string  `json:"candidate" msgpack:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty" msgpack:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty" msgpack:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty" msgpack:"usernameFragment,omitempty"`
}

func CandidateFromPion(init webrtc.ICECandidateInit) Candidate {
	return Candidate{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	}
}

func (c Candidate) ToPion() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

type SignalType string

const (
	SignalTypeSDP SignalType = "sdp"
	SignalTypeICE SignalType = "ice"
)

// Signal is the negotiation payload produced and consumed by a peer: either a
// session description or a single network candidate.
type Signal struct {
	Type      SignalType          `json:"type" msgpack:"type"`
	SDP       *SessionDescription `json:"sdp,omitempty" msgpack:"sdp,omitempty"`
	Candidate *Candidate          `json:"candidate,omitempty" msgpack:"candidate,omitempty"`
}

func SDPSignal(desc webrtc.SessionDescription) Signal {
	sdp := SessionDescriptionFromPion(desc)
	return Signal{Type: SignalTypeSDP, SDP: &sdp}
}

func ICESignal(init webrtc.ICECandidateInit) Signal {
	c := CandidateFromPion(init)
	return Signal{Type: SignalTypeICE, Candidate: &c}
}

func (s Signal) Validate() error {
	switch s.Type {
	case SignalTypeSDP:
		if s.SDP == nil {
			return invalidf("sdp signal missing sdp")
		}
		if s.Candidate != nil {
			return invalidf("sdp signal must not include candidate")
		}
		if _, err := s.SDP.ToPion(); err != nil {
			return err
		}
		if strings.TrimSpace(s.SDP.SDP) == "" {
			return invalidf("sdp signal has empty sdp")
		}
	case SignalTypeICE:
		if s.Candidate == nil {
			return invalidf("ice signal missing candidate")
		}
		if s.SDP != nil {
			return invalidf("ice signal must not include sdp")
		}
	default:
		return invalidf("unknown signal type %q", s.Type)
	}
	return nil
}

// Message is the relay envelope. Which fields are meaningful depends on Event.
type Message struct {
	Event     Event      `json:"event" msgpack:"event"`
	ID        string     `json:"id,omitempty" msgpack:"id,omitempty"`
	To        string     `json:"to,omitempty" msgpack:"to,omitempty"`
	From      string     `json:"from,omitempty" msgpack:"from,omitempty"`
	Name      string     `json:"name,omitempty" msgpack:"name,omitempty"`
	Signal    *Signal    `json:"signal,omitempty" msgpack:"signal,omitempty"`
	Candidate *Candidate `json:"candidate,omitempty" msgpack:"candidate,omitempty"`
	Message   string     `json:"message,omitempty" msgpack:"message,omitempty"`
}

// ValidateRequest checks a message sent by a client to the relay.
func (m Message) ValidateRequest() error {
	switch m.Event {
	case EventCallUser, EventAnswerCall:
		if m.To == "" {
			return invalidf("%s missing to", m.Event)
		}
		if m.Signal == nil {
			return invalidf("%s missing signal", m.Event)
		}
		return m.Signal.Validate()
	case EventICECandidate:
		if m.To == "" {
			return invalidf("%s missing to", m.Event)
		}
		if m.Candidate == nil {
			return invalidf("%s missing candidate", m.Event)
		}
		return nil
	case EventEndCall:
		if m.To == "" {
			return invalidf("%s missing to", m.Event)
		}
		return nil
	case "":
		return invalidf("missing event")
	default:
		return invalidf("unexpected event %q", m.Event)
	}
}

// ValidateDelivery checks a message delivered by the relay to a client.
func (m Message) ValidateDelivery() error {
	switch m.Event {
	case EventMe:
		if m.ID == "" {
			return invalidf("%s missing id", m.Event)
		}
		return nil
	case EventCallUser, EventCallAccepted:
		if m.From == "" {
			return invalidf("%s missing from", m.Event)
		}
		if m.Signal == nil {
			return invalidf("%s missing signal", m.Event)
		}
		return m.Signal.Validate()
	case EventICECandidate:
		if m.From == "" {
			return invalidf("%s missing from", m.Event)
		}
		if m.Candidate == nil {
			return invalidf("%s missing candidate", m.Event)
		}
		return nil
	case EventCallEnded:
		if m.From == "" {
			return invalidf("%s missing from", m.Event)
		}
		return nil
	case EventCallError:
		if m.Message == "" {
			return invalidf("%s missing message", m.Event)
		}
		return nil
	case "":
		return invalidf("missing event")
	default:
		return invalidf("unexpected event %q", m.Event)
	}
}
