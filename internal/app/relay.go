package app

import (
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/huddlechat/huddle/internal/core"
	"github.com/huddlechat/huddle/internal/domain"
	"github.com/huddlechat/huddle/internal/protocol"
)

// Relay owns all mutable signaling state for one server process:
// who is online, which connection sits in which room, and the
// fan-out of negotiation payloads between room members. It never
// parses the payloads it forwards.
type Relay struct {
	Presence *Presence
	Registry *Registry
	Rooms    *Rooms
	Policy   Policy
}

func NewRelay(capacity int) *Relay {
	return &Relay{
		Presence: NewPresence(),
		Registry: NewRegistry(),
		Rooms:    NewRooms(capacity),
		Policy:   SimplePolicy{},
	}
}

// Connect registers a freshly upgraded connection for uid and tells
// everyone the online set changed.
func (r *Relay) Connect(uid domain.UserID, cid domain.ConnID, sc core.SignalConnection, cancel func()) {
	r.Presence.Connect(uid, cid)
	r.Registry.Bind(cid, sc, cancel)
	r.broadcastOnline()
}

// Join adds cid to room and notifies the members already there. A
// connection sits in at most one room: joining while elsewhere leaves
// the old room first.
func (r *Relay) Join(cid domain.ConnID, room domain.RoomID) error {
	if prev, ok := r.Registry.RoomOf(cid); ok && prev != room {
		r.Leave(cid, prev)
	}
	if err := r.Rooms.Add(room, cid); err != nil {
		log.Warn().Str("module", "app.relay").Str("room", string(room)).Str("conn", string(cid)).Err(err).Msg("join rejected")
		return err
	}
	r.Registry.UpdateRoom(cid, room)
	r.fanOut(room, cid, protocol.Message{
		Type: protocol.TypeUserJoined,
		From: cid,
	})
	return nil
}

// Signal forwards a negotiation payload to every other member of
// room, stamped with the sender's connection identity. Senders that
// are not members are ignored.
func (r *Relay) Signal(cid domain.ConnID, room domain.RoomID, data json.RawMessage) {
	if !r.Rooms.Contains(room, cid) {
		log.Warn().Str("module", "app.relay").Str("room", string(room)).Str("conn", string(cid)).Msg("signal from non-member dropped")
		return
	}
	r.fanOut(room, cid, protocol.Message{
		Type: protocol.TypeWebRTCSignal,
		Room: room,
		From: cid,
		Data: data,
	})
}

// Leave removes cid from room and notifies the remaining members.
func (r *Relay) Leave(cid domain.ConnID, room domain.RoomID) {
	if !r.Rooms.Remove(room, cid) {
		return
	}
	r.Registry.UpdateRoom(cid, "")
	r.fanOut(room, cid, protocol.Message{
		Type: protocol.TypeUserLeft,
		From: cid,
	})
}

// Disconnect handles a transport close, expected or not: implicit
// leave of the connection's room, guarded presence removal, and an
// online-set broadcast if the participant actually went offline.
func (r *Relay) Disconnect(cid domain.ConnID) {
	if room, ok := r.Registry.RoomOf(cid); ok {
		r.Leave(cid, room)
	}
	_, removed := r.Presence.Disconnect(cid)
	r.Registry.Unbind(cid)
	if removed {
		r.broadcastOnline()
	}
	log.Info().Str("module", "app.relay").Str("conn", string(cid)).Msg("disconnected")
}

func (r *Relay) fanOut(room domain.RoomID, from domain.ConnID, msg protocol.Message) {
	frame, err := json.Marshal(msg)
	if err != nil {
		log.Error().Err(err).Str("module", "app.relay").Msg("marshal fan-out")
		return
	}
	for _, cid := range r.Rooms.Others(room, from) {
		r.deliver(room, cid, frame)
	}
}

func (r *Relay) deliver(room domain.RoomID, cid domain.ConnID, frame core.Frame) {
	sc, ok := r.Registry.Get(cid)
	if !ok {
		return
	}
	if err := sc.TrySend(frame); err == nil {
		return
	}
	log.Warn().Str("module", "app.relay").Str("room", string(room)).Str("conn", string(cid)).Msg("send backpressure")
	if r.Policy == nil {
		return
	}
	switch r.Policy.OnBackPressure(room, cid) {
	case KickConn:
		// Cancel tears down the pumps; the read pump's exit path
		// runs the full Disconnect.
		r.Registry.Cancel(cid)
	case DropMessage, NoAction:
	}
}

func (r *Relay) broadcastOnline() {
	frame, err := json.Marshal(protocol.Message{
		Type:  protocol.TypeOnlineUsers,
		Users: r.Presence.Online(),
	})
	if err != nil {
		log.Error().Err(err).Str("module", "app.relay").Msg("marshal online set")
		return
	}
	for _, snap := range r.Registry.Snapshot() {
		if err := snap.Conn.TrySend(frame); err != nil {
			log.Warn().Str("module", "app.relay").Str("conn", string(snap.CID)).Msg("online broadcast dropped")
		}
	}
}
