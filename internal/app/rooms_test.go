package app

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/huddlechat/huddle/internal/domain"
)

func TestRoomsCapacityEnforced(t *testing.T) {
	r := NewRooms(2)

	require.NoError(t, r.Add("r1", "a"))
	require.NoError(t, r.Add("r1", "b"))
	assert.ErrorIs(t, r.Add("r1", "c"), ErrRoomFull)
	assert.Equal(t, 2, r.MemberCount("r1"))

	// Re-adding an existing member never counts against capacity.
	assert.NoError(t, r.Add("r1", "a"))
	assert.Equal(t, 2, r.MemberCount("r1"))
}

func TestRoomsRemoveDropsEmptyRoom(t *testing.T) {
	r := NewRooms(2)

	require.NoError(t, r.Add("r1", "a"))
	assert.True(t, r.Remove("r1", "a"))
	assert.False(t, r.Remove("r1", "a"))
	assert.Equal(t, 0, r.MemberCount("r1"))

	// Room is gone, so capacity resets.
	require.NoError(t, r.Add("r1", "x"))
	require.NoError(t, r.Add("r1", "y"))
}

func TestRoomsOthersExcludesSender(t *testing.T) {
	r := NewRooms(3)

	require.NoError(t, r.Add("r1", "a"))
	require.NoError(t, r.Add("r1", "b"))
	require.NoError(t, r.Add("r1", "c"))

	others := r.Others("r1", "a")
	assert.ElementsMatch(t, []domain.ConnID{"b", "c"}, others)

	assert.Empty(t, r.Others("empty", "a"))
}

func TestRoomsContains(t *testing.T) {
	r := NewRooms(2)

	require.NoError(t, r.Add("r1", "a"))
	assert.True(t, r.Contains("r1", "a"))
	assert.False(t, r.Contains("r1", "b"))
	assert.False(t, r.Contains("r2", "a"))
}
