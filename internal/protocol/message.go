// Package protocol defines the JSON envelopes exchanged on the
// signaling WebSocket. The server relays SignalData verbatim; only
// clients look inside it.
package protocol

import (
	"encoding/json"

	"github.com/huddlechat/huddle/internal/domain"
)

const (
	TypeOnlineUsers  = "getOnlineUsers"
	TypeJoinCall     = "join-call"
	TypeUserJoined   = "user-joined"
	TypeWebRTCSignal = "webrtc-signal"
	TypeLeaveCall    = "leave-call"
	TypeUserLeft     = "user-left"
	TypePing         = "ping"
	TypePong         = "pong"
	TypeError        = "error"
)

// Message is the wire envelope. Fields are a union over all types;
// unused ones stay empty and are omitted.
type Message struct {
	Type string `json:"type"`
	// Room scopes join-call / webrtc-signal / leave-call.
	Room domain.RoomID `json:"room,omitempty"`
	// From is the sender's connection identity. The relay stamps it;
	// anything a client puts here is overwritten.
	From domain.ConnID `json:"from,omitempty"`
	// Data is the negotiation payload, opaque to the relay.
	Data json.RawMessage `json:"data,omitempty"`
	// Users carries the online participant set on getOnlineUsers.
	Users []domain.UserID `json:"users,omitempty"`
	Error string          `json:"error,omitempty"`
}

// SessionDescription mirrors the browser RTCSessionDescription JSON
// shape so Go and web clients interoperate.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// Candidate mirrors RTCIceCandidate's JSON shape.
type Candidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// SignalData is the client-side view of Message.Data: exactly one
// field is set. The original web frontend emitted candidates under
// both "candidate" and "iceCandidate", so both are accepted.
type SignalData struct {
	Offer        *SessionDescription `json:"offer,omitempty"`
	Answer       *SessionDescription `json:"answer,omitempty"`
	Candidate    *Candidate          `json:"candidate,omitempty"`
	ICECandidate *Candidate          `json:"iceCandidate,omitempty"`
}

// AnyCandidate returns whichever candidate alias was populated.
func (d *SignalData) AnyCandidate() *Candidate {
	if d.Candidate != nil {
		return d.Candidate
	}
	return d.ICECandidate
}

func ParseSignalData(raw json.RawMessage) (*SignalData, error) {
	var d SignalData
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, err
	}
	return &d, nil
}
