package webrtcpeer

import (
	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// PeerConnection is the subset of *webrtc.PeerConnection a Peer drives.
type PeerConnection interface {
	AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error)
	CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer(options *webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	LocalDescription() *webrtc.SessionDescription
	RemoteDescription() *webrtc.SessionDescription
	AddICECandidate(candidate webrtc.ICECandidateInit) error

	// GatheringComplete is closed once ICE gathering finishes.
	GatheringComplete() <-chan struct{}

	OnICECandidate(f func(*webrtc.ICECandidate))
	OnICEConnectionStateChange(f func(webrtc.ICEConnectionState))
	OnNegotiationNeeded(f func())
	OnTrack(f func(RemoteTrack))
	Close() error
}

// RemoteTrack is an inbound media track.
type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() webrtc.RTPCodecType
	Codec() webrtc.RTPCodecParameters
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

type pionConn struct {
	*webrtc.PeerConnection
}

// NewPeerConnection creates a pion peer connection from api and adapts it to
// PeerConnection.
func NewPeerConnection(api *webrtc.API, cfg webrtc.Configuration) (PeerConnection, error) {
	if api == nil {
		api = webrtc.NewAPI()
	}
	pc, err := api.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	return pionConn{PeerConnection: pc}, nil
}

func (c pionConn) GatheringComplete() <-chan struct{} {
	return webrtc.GatheringCompletePromise(c.PeerConnection)
}

func (c pionConn) OnTrack(f func(RemoteTrack)) {
	if f == nil {
		c.PeerConnection.OnTrack(func(*webrtc.TrackRemote, *webrtc.RTPReceiver) {})
		return
	}
	c.PeerConnection.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		f(track)
	})
}
