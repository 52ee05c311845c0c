package app

import (
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/huddlechat/huddle/internal/domain"
)

// Presence maps each online participant to the connection currently
// carrying them. At most one connection per participant; a reconnect
// overwrites the old mapping.
type Presence struct {
	mu     sync.RWMutex
	byUser map[domain.UserID]domain.ConnID
	byConn map[domain.ConnID]domain.UserID
}

func NewPresence() *Presence {
	return &Presence{
		byUser: make(map[domain.UserID]domain.ConnID),
		byConn: make(map[domain.ConnID]domain.UserID),
	}
}

// Connect records uid as reachable via cid, superseding any previous
// connection for the same participant.
func (p *Presence) Connect(uid domain.UserID, cid domain.ConnID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if old, ok := p.byUser[uid]; ok && old != cid {
		delete(p.byConn, old)
	}
	p.byUser[uid] = cid
	p.byConn[cid] = uid
	log.Info().Str("module", "app.presence").Str("user", string(uid)).Str("conn", string(cid)).Msg("participant online")
}

// Disconnect resolves the participant that owned cid and removes the
// entry. Removal is keyed by the (user, conn) pair recorded at connect
// time: a late disconnect of a superseded connection must not evict a
// participant who already reconnected on a new one.
func (p *Presence) Disconnect(cid domain.ConnID) (domain.UserID, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	uid, ok := p.byConn[cid]
	if !ok {
		return "", false
	}
	delete(p.byConn, cid)
	if p.byUser[uid] != cid {
		// Stale connection; the live entry belongs to a newer one.
		log.Info().Str("module", "app.presence").Str("user", string(uid)).Str("conn", string(cid)).Msg("stale disconnect ignored")
		return uid, false
	}
	delete(p.byUser, uid)
	log.Info().Str("module", "app.presence").Str("user", string(uid)).Str("conn", string(cid)).Msg("participant offline")
	return uid, true
}

// Lookup returns the connection currently carrying uid.
func (p *Presence) Lookup(uid domain.UserID) (domain.ConnID, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	cid, ok := p.byUser[uid]
	return cid, ok
}

// Online returns the sorted set of online participant identities.
func (p *Presence) Online() []domain.UserID {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]domain.UserID, 0, len(p.byUser))
	for uid := range p.byUser {
		out = append(out, uid)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
