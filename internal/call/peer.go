package call

import (
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/huddlechat/huddle/internal/protocol"
)

// Peer is the slice of a peer connection the session state machine
// needs. Descriptor and candidate types are the wire-level ones so the
// session never touches pion directly; that keeps it testable against
// a fake.
type Peer interface {
	// AddTracks attaches local media tracks. Safe to call once.
	AddTracks(tracks []webrtc.TrackLocal) error
	// CreateOffer produces a local descriptor and sets it locally.
	CreateOffer() (*protocol.SessionDescription, error)
	// AcceptOffer applies a remote offer descriptor.
	AcceptOffer(protocol.SessionDescription) error
	// CreateAnswer produces an answer and sets it locally.
	CreateAnswer() (*protocol.SessionDescription, error)
	// AcceptAnswer applies a remote answer descriptor.
	AcceptAnswer(protocol.SessionDescription) error
	AddCandidate(protocol.Candidate) error
	HasRemoteDescription() bool
	// OnCandidate registers the callback for locally gathered ICE
	// candidates. Must be set before negotiation starts.
	OnCandidate(func(protocol.Candidate))
	// OnConnected fires once the connection reaches the connected state.
	OnConnected(func())
	Close() error
}

// PeerFactory builds the Peer a session will own. The session calls
// it once per call attempt and closes the result on end.
type PeerFactory func() (Peer, error)

// PionPeer adapts a pion PeerConnection to the Peer interface.
type PionPeer struct {
	pc *webrtc.PeerConnection
}

func DefaultWebRTCConfig(stunServers []string) webrtc.Configuration {
	if len(stunServers) == 0 {
		stunServers = []string{"stun:stun.l.google.com:19302"}
	}
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: stunServers}},
	}
}

func NewPionPeer(cfg webrtc.Configuration) (*PionPeer, error) {
	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	return &PionPeer{pc: pc}, nil
}

// PC exposes the underlying connection for callers that need to hook
// OnTrack before handing the peer to a session.
func (p *PionPeer) PC() *webrtc.PeerConnection { return p.pc }

func (p *PionPeer) AddTracks(tracks []webrtc.TrackLocal) error {
	for _, t := range tracks {
		if _, err := p.pc.AddTrack(t); err != nil {
			return err
		}
	}
	return nil
}

func (p *PionPeer) CreateOffer() (*protocol.SessionDescription, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return nil, err
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return nil, err
	}
	return &protocol.SessionDescription{Type: offer.Type.String(), SDP: offer.SDP}, nil
}

func (p *PionPeer) AcceptOffer(sd protocol.SessionDescription) error {
	return p.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  sd.SDP,
	})
}

func (p *PionPeer) CreateAnswer() (*protocol.SessionDescription, error) {
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return nil, err
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return nil, err
	}
	return &protocol.SessionDescription{Type: answer.Type.String(), SDP: answer.SDP}, nil
}

func (p *PionPeer) AcceptAnswer(sd protocol.SessionDescription) error {
	return p.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  sd.SDP,
	})
}

func (p *PionPeer) AddCandidate(c protocol.Candidate) error {
	return p.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMid:        c.SDPMid,
		SDPMLineIndex: c.SDPMLineIndex,
	})
}

func (p *PionPeer) HasRemoteDescription() bool {
	return p.pc.RemoteDescription() != nil
}

func (p *PionPeer) OnCandidate(fn func(protocol.Candidate)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		fn(protocol.Candidate{
			Candidate:     init.Candidate,
			SDPMid:        init.SDPMid,
			SDPMLineIndex: init.SDPMLineIndex,
		})
	})
}

func (p *PionPeer) OnConnected(fn func()) {
	p.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "call.peer").Str("state", s.String()).Msg("peer connection state")
		if s == webrtc.PeerConnectionStateConnected {
			fn()
		}
	})
}

func (p *PionPeer) Close() error {
	return p.pc.Close()
}
