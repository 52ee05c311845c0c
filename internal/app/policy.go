package app

import "github.com/huddlechat/huddle/internal/domain"

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	DropMessage
	KickConn
)

// Policy decides what to do with a connection whose send buffer is
// full while the relay fans out to it.
type Policy interface {
	OnBackPressure(room domain.RoomID, cid domain.ConnID) BackpressureAction
}

// SimplePolicy kicks slow consumers; a stalled signaling socket means
// the peer is effectively gone anyway.
type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(domain.RoomID, domain.ConnID) BackpressureAction {
	return KickConn
}
