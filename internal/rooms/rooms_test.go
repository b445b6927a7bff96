package rooms

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rehabcare/messaging/internal/model"
)

type staticParticipants map[string][]model.Identity

func (s staticParticipants) ActiveParticipants(_ context.Context, id string) ([]model.Identity, error) {
	ids, ok := s[id]
	if !ok {
		return nil, errors.New("unknown conversation")
	}
	return ids, nil
}

type onlineSet map[model.Identity]bool

func (o onlineSet) IsOnline(id model.Identity) bool { return o[id] }

func TestIndex_Recipients_IntersectsMembershipRoomAndPresence(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	convs := staticParticipants{"c1": {"a", "b", "c", "d"}}
	online := onlineSet{"a": true, "b": true, "c": true, "e": true}
	idx := New(convs, online)

	// Given a, b and e joined the room, c is online but not joined, d is offline
	idx.Join("c1", "a")
	idx.Join("c1", "b")
	idx.Join("c1", "e")

	// When recipients are resolved excluding the actor
	got, err := idx.Recipients(ctx, "c1", "a")

	// Then e is skipped because it is not an active participant
	req.NoError(err)
	req.Equal([]model.Identity{"b"}, got)

	all, err := idx.Recipients(ctx, "c1")
	req.NoError(err)
	req.Equal([]model.Identity{"a", "b"}, all)
}

func TestIndex_LeaveAndLeaveAll(t *testing.T) {
	req := require.New(t)
	idx := New(staticParticipants{}, onlineSet{})

	idx.Join("c1", "a")
	idx.Join("c2", "a")
	idx.Join("c2", "a")
	idx.Join("c2", "b")
	req.Equal([]string{"c1", "c2"}, idx.JoinedRooms("a"))

	idx.Leave("c1", "a")
	req.False(idx.IsJoined("c1", "a"))
	req.Equal([]string{"c2"}, idx.JoinedRooms("a"))

	idx.LeaveAll("a")
	req.Empty(idx.JoinedRooms("a"))
	req.True(idx.IsJoined("c2", "b"))
	req.Empty(idx.members["c1"])
}

func TestIndex_Recipients_PropagatesLookupError(t *testing.T) {
	idx := New(staticParticipants{}, onlineSet{})

	_, err := idx.Recipients(context.Background(), "missing")

	require.Error(t, err)
}
