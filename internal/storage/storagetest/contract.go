// Package storagetest holds the behaviour every storage.Store backend must share.
package storagetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rehabcare/messaging/internal/model"
	"github.com/rehabcare/messaging/internal/storage"
)

// Run exercises a fresh store returned by open for every subtest.
func Run(t *testing.T, open func(t *testing.T) storage.Store) {
	t.Run("message round trip", func(t *testing.T) { testMessages(t, open(t)) })
	t.Run("receipts are unique", func(t *testing.T) { testReceipts(t, open(t)) })
	t.Run("conversation lifecycle", func(t *testing.T) { testConversation(t, open(t)) })
	t.Run("unknown conversation", func(t *testing.T) { testNotFound(t, open(t)) })
}

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func seedConversation(t *testing.T, s storage.Store, id string) {
	t.Helper()
	require.NoError(t, s.CreateConversation(context.Background(), &model.Conversation{
		ID: id, Type: model.ConversationGroup, CreatedBy: "alice", CreatedAt: epoch,
		Participants: []model.Participant{
			{ConversationID: id, UserID: "alice", Role: model.RoleAdmin, IsActive: true, JoinedAt: epoch},
		},
	}))
}

func seedMessage(t *testing.T, s storage.Store, convID, id string) {
	t.Helper()
	require.NoError(t, s.CreateMessage(context.Background(), &model.Message{
		ID: id, ConversationID: convID, SenderID: "alice", Content: "hi", CreatedAt: epoch,
	}))
}

func testMessages(t *testing.T, s storage.Store) {
	req := require.New(t)
	ctx := context.Background()
	seedConversation(t, s, "c1")
	seedMessage(t, s, "c1", "m0")
	reply := "m0"

	// Given a stored message with an attachment
	m := &model.Message{
		ID: "m1", ConversationID: "c1", SenderID: "alice", Content: "hi",
		Attachments: []model.Attachment{{URL: "https://files.example/x.pdf", Name: "x.pdf", Size: 10}},
		ReplyTo:     &reply,
		CreatedAt:   epoch,
	}
	req.NoError(s.CreateMessage(ctx, m))

	// When it is read back
	got, err := s.GetMessage(ctx, "m1")

	// Then every field survives and duplicates are refused
	req.NoError(err)
	req.Equal("hi", got.Content)
	req.Equal(model.Identity("alice"), got.SenderID)
	req.Len(got.Attachments, 1)
	req.Equal("m0", *got.ReplyTo)
	req.True(epoch.Equal(got.CreatedAt))
	req.Error(s.CreateMessage(ctx, m))

	_, err = s.GetMessage(ctx, "missing")
	req.ErrorIs(err, storage.ErrNotFound)
}

func testReceipts(t *testing.T, s storage.Store) {
	req := require.New(t)
	ctx := context.Background()
	seedConversation(t, s, "c1")
	seedMessage(t, s, "c1", "m1")
	r := model.Receipt{MessageID: "m1", UserID: "bob", Kind: model.ReceiptRead, At: epoch}

	created, err := s.AddReceipt(ctx, r)
	req.NoError(err)
	req.True(created)

	// A second read by the same user is not a new receipt
	created, err = s.AddReceipt(ctx, r)
	req.NoError(err)
	req.False(created)

	// Other kinds and users count separately
	_, err = s.AddReceipt(ctx, model.Receipt{MessageID: "m1", UserID: "bob", Kind: model.ReceiptDelivered, At: epoch})
	req.NoError(err)
	_, err = s.AddReceipt(ctx, model.Receipt{MessageID: "m1", UserID: "carol", Kind: model.ReceiptRead, At: epoch})
	req.NoError(err)

	n, err := s.CountReceipts(ctx, "m1", model.ReceiptRead)
	req.NoError(err)
	req.Equal(2, n)
	n, err = s.CountReceipts(ctx, "m1", model.ReceiptDelivered)
	req.NoError(err)
	req.Equal(1, n)
}

func testConversation(t *testing.T, s storage.Store) {
	req := require.New(t)
	ctx := context.Background()
	c := &model.Conversation{
		ID: "c1", Type: model.ConversationGroup, Name: "Ward 3", CreatedBy: "alice", CreatedAt: epoch,
		Participants: []model.Participant{
			{ConversationID: "c1", UserID: "alice", Role: model.RoleAdmin, IsActive: true, JoinedAt: epoch},
			{ConversationID: "c1", UserID: "bob", Role: model.RoleMember, IsActive: true, JoinedAt: epoch},
		},
	}
	req.NoError(s.CreateConversation(ctx, c))
	req.Error(s.CreateConversation(ctx, c))
	seedMessage(t, s, "c1", "m1")

	// Soft-remove bob and add carol
	req.NoError(s.UpsertParticipant(ctx, model.Participant{ConversationID: "c1", UserID: "bob", Role: model.RoleMember, JoinedAt: epoch}))
	req.NoError(s.UpsertParticipant(ctx, model.Participant{ConversationID: "c1", UserID: "carol", Role: model.RoleMember, IsActive: true, JoinedAt: epoch}))

	summary := model.MessageSummary{MessageID: "m1", SenderID: "alice", Preview: "hi", CreatedAt: epoch}
	req.NoError(s.UpdateLastMessage(ctx, "c1", summary, 1))
	pin := model.PinnedMessage{ConversationID: "c1", MessageID: "m1", PinnedBy: "alice", PinnedAt: epoch}
	req.NoError(s.SetPinned(ctx, pin, true))
	req.NoError(s.SetPinned(ctx, pin, true))
	req.NoError(s.SetArchived(ctx, "c1", true))

	got, err := s.GetConversation(ctx, "c1")
	req.NoError(err)
	req.Equal("Ward 3", got.Name)
	req.True(got.Archived)
	req.Equal(int64(1), got.MessageCount)
	req.Equal("m1", got.LastMessage.MessageID)
	req.Len(got.Pinned, 1)

	// Membership order is insertion order and removal keeps the record
	req.Len(got.Participants, 3)
	req.Equal([]model.Identity{"alice", "carol"}, got.ActiveIDs())
	req.False(got.Participants[got.FindParticipant("bob")].IsActive)

	ids, err := s.ConversationsFor(ctx, "carol")
	req.NoError(err)
	req.Equal([]string{"c1"}, ids)
	ids, err = s.ConversationsFor(ctx, "bob")
	req.NoError(err)
	req.Empty(ids)

	req.NoError(s.SetPinned(ctx, pin, false))
	got, err = s.GetConversation(ctx, "c1")
	req.NoError(err)
	req.Empty(got.Pinned)
}

func testNotFound(t *testing.T, s storage.Store) {
	req := require.New(t)
	ctx := context.Background()

	_, err := s.GetConversation(ctx, "nope")
	req.ErrorIs(err, storage.ErrNotFound)
	req.ErrorIs(s.UpsertParticipant(ctx, model.Participant{ConversationID: "nope", UserID: "x"}), storage.ErrNotFound)
	req.ErrorIs(s.UpdateLastMessage(ctx, "nope", model.MessageSummary{}, 1), storage.ErrNotFound)
	req.ErrorIs(s.SetArchived(ctx, "nope", true), storage.ErrNotFound)
}
