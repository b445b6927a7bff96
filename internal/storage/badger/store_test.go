package badger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rehabcare/messaging/internal/model"
	"github.com/rehabcare/messaging/internal/storage"
	"github.com/rehabcare/messaging/internal/storage/storagetest"
)

func TestStore_InMemory(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Store {
		s, err := Open("")
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestStore_SurvivesReopen(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	dir := t.TempDir()

	// Given a conversation written to disk
	s, err := Open(dir)
	req.NoError(err)
	req.NoError(s.CreateConversation(ctx, &model.Conversation{
		ID: "c1", Type: model.ConversationPrivate, CreatedBy: "alice",
		Participants: []model.Participant{
			{ConversationID: "c1", UserID: "alice", Role: model.RoleAdmin, IsActive: true},
			{ConversationID: "c1", UserID: "bob", Role: model.RoleMember, IsActive: true},
		},
	}))
	req.NoError(s.Close())

	// When the database is reopened
	s, err = Open(dir)
	req.NoError(err)
	t.Cleanup(func() { _ = s.Close() })

	// Then the document and the membership index are intact
	got, err := s.GetConversation(ctx, "c1")
	req.NoError(err)
	req.Equal([]model.Identity{"alice", "bob"}, got.ActiveIDs())
	ids, err := s.ConversationsFor(ctx, "bob")
	req.NoError(err)
	req.Equal([]string{"c1"}, ids)
}
