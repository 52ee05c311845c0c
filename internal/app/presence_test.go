package app

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/huddlechat/huddle/internal/domain"
)

func TestPresenceConnectAndLookup(t *testing.T) {
	p := NewPresence()

	p.Connect("alice", "c1")

	cid, ok := p.Lookup("alice")
	require.True(t, ok)
	assert.Equal(t, domain.ConnID("c1"), cid)

	_, ok = p.Lookup("bob")
	assert.False(t, ok)
}

func TestPresenceReconnectOverwrites(t *testing.T) {
	p := NewPresence()

	p.Connect("alice", "c1")
	p.Connect("alice", "c2")

	cid, ok := p.Lookup("alice")
	require.True(t, ok)
	assert.Equal(t, domain.ConnID("c2"), cid)
}

// A disconnect of a superseded connection must not evict a participant
// who reconnected in between.
func TestPresenceStaleDisconnectKeepsLiveEntry(t *testing.T) {
	p := NewPresence()

	p.Connect("alice", "c1")
	p.Connect("alice", "c2")

	uid, removed := p.Disconnect("c1")
	assert.Equal(t, domain.UserID("alice"), uid)
	assert.False(t, removed, "stale disconnect must not remove the live entry")

	cid, ok := p.Lookup("alice")
	require.True(t, ok)
	assert.Equal(t, domain.ConnID("c2"), cid)

	_, removed = p.Disconnect("c2")
	assert.True(t, removed)
	_, ok = p.Lookup("alice")
	assert.False(t, ok)
}

func TestPresenceDisconnectUnknownConn(t *testing.T) {
	p := NewPresence()

	_, removed := p.Disconnect("ghost")
	assert.False(t, removed)
}

func TestPresenceOnlineSorted(t *testing.T) {
	p := NewPresence()

	p.Connect("carol", "c3")
	p.Connect("alice", "c1")
	p.Connect("bob", "c2")

	assert.Equal(t, []domain.UserID{"alice", "bob", "carol"}, p.Online())

	p.Disconnect("c2")
	assert.Equal(t, []domain.UserID{"alice", "carol"}, p.Online())
}

// Property from the registry contract: after any connect/disconnect
// sequence the recorded connection is always the most recent connect's.
func TestPresenceConnectDisconnectSequences(t *testing.T) {
	p := NewPresence()

	conns := []domain.ConnID{"c1", "c2", "c3", "c4"}
	for _, cid := range conns {
		p.Connect("alice", cid)
		got, ok := p.Lookup("alice")
		require.True(t, ok)
		assert.Equal(t, cid, got)
	}

	// Disconnect all stale connections in arbitrary order; the live
	// one must survive every time.
	for _, cid := range []domain.ConnID{"c2", "c1", "c3"} {
		p.Disconnect(cid)
		got, ok := p.Lookup("alice")
		require.True(t, ok)
		assert.Equal(t, domain.ConnID("c4"), got)
	}
}
