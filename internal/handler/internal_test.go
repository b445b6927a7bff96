package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rehabcare/messaging/internal/model"
	"github.com/rehabcare/messaging/internal/presence"
	"github.com/rehabcare/messaging/internal/ws"
)

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestInternal_CreateConversation(t *testing.T) {
	req := require.New(t)
	s := newServer(t)

	// When the REST layer creates a group
	resp := s.do(http.MethodPost, "/internal/conversations",
		`{"type":"group","name":"Ward 3","createdBy":"alice","participants":[{"userId":"bob"},{"userId":"carol","role":"admin"}]}`)

	// Then it is stored with the creator as admin in front
	req.Equal(http.StatusCreated, resp.StatusCode)
	conv := decode[model.Conversation](t, resp)
	req.NotEmpty(conv.ID)
	req.Len(conv.Participants, 3)
	req.Equal(model.Identity("alice"), conv.Participants[0].UserID)
	req.Equal(model.RoleAdmin, conv.Participants[0].Role)
	req.Equal(model.RoleAdmin, conv.Participants[2].Role)

	got := s.do(http.MethodGet, "/internal/conversations/"+conv.ID, "")
	req.Equal(http.StatusOK, got.StatusCode)
}

func TestInternal_CreateConversationRejects(t *testing.T) {
	cases := map[string]string{
		"unknown type":       `{"type":"forum","createdBy":"alice"}`,
		"missing creator":    `{"type":"group"}`,
		"unknown field":      `{"type":"group","createdBy":"alice","color":"red"}`,
		"bad role":           `{"type":"group","createdBy":"alice","participants":[{"userId":"bob","role":"owner"}]}`,
		"private with three": `{"type":"private","createdBy":"alice","participants":[{"userId":"bob"},{"userId":"carol"}]}`,
		"not json":           `{`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			s := newServer(t)

			resp := s.do(http.MethodPost, "/internal/conversations", body)

			require.Equal(t, http.StatusBadRequest, resp.StatusCode)
			require.Equal(t, "validation", decode[errorResponse](t, resp).Code)
		})
	}
}

func TestInternal_ParticipantsAndPins(t *testing.T) {
	req := require.New(t)
	s := newServer(t)
	ctx := context.Background()
	conv, err := s.disp.CreateConversation(ctx, &model.Conversation{Type: model.ConversationGroup, CreatedBy: "alice"})
	req.NoError(err)
	base := "/internal/conversations/" + conv.ID

	// Add bob twice: the second call changes nothing
	resp := s.do(http.MethodPost, base+"/participants", `{"userId":"bob"}`)
	req.Equal(http.StatusOK, resp.StatusCode)
	req.True(decode[changedResponse](t, resp).Changed)
	resp = s.do(http.MethodPost, base+"/participants", `{"userId":"bob"}`)
	req.False(decode[changedResponse](t, resp).Changed)

	// Remove bob
	resp = s.do(http.MethodDelete, base+"/participants/bob", "")
	req.True(decode[changedResponse](t, resp).Changed)
	resp = s.do(http.MethodGet, base+"/participants/bob", "")
	req.Equal(http.StatusOK, resp.StatusCode)
	req.Equal(participantResponse{UserID: "bob", Active: false}, decode[participantResponse](t, resp))
	resp = s.do(http.MethodGet, base+"/participants/alice", "")
	req.True(decode[participantResponse](t, resp).Active)

	// Pin an unknown message
	resp = s.do(http.MethodPut, base+"/pins/nope", `{"pinnedBy":"alice"}`)
	req.Equal(http.StatusNotFound, resp.StatusCode)

	// Archive
	resp = s.do(http.MethodPost, base+"/archive", "")
	req.True(decode[changedResponse](t, resp).Changed)
}

func TestInternal_SnapshotIncludesLiveState(t *testing.T) {
	req := require.New(t)
	s := newServer(t)
	ctx := context.Background()
	conv, err := s.disp.CreateConversation(ctx, &model.Conversation{
		Type:         model.ConversationGroup,
		CreatedBy:    "alice",
		Participants: []model.Participant{{UserID: "bob"}, {UserID: "carol"}},
	})
	req.NoError(err)
	_, err = s.disp.RemoveParticipant(ctx, conv.ID, "carol")
	req.NoError(err)

	// Given bob is typing
	_, err = s.convs.StartTyping(ctx, conv.ID, "bob")
	req.NoError(err)

	// When the REST layer reads the conversation
	resp := s.do(http.MethodGet, "/internal/conversations/"+conv.ID, "")

	// Then the snapshot carries the active count and the typing set
	req.Equal(http.StatusOK, resp.StatusCode)
	var snap struct {
		ID          string              `json:"id"`
		ActiveCount int                 `json:"activeCount"`
		Typing      []model.TypingEntry `json:"typing"`
	}
	req.NoError(json.NewDecoder(resp.Body).Decode(&snap))
	req.Equal(conv.ID, snap.ID)
	req.Equal(2, snap.ActiveCount)
	req.Len(snap.Typing, 1)
	req.Equal(model.Identity("bob"), snap.Typing[0].UserID)
}

func TestInternal_Receipts(t *testing.T) {
	req := require.New(t)
	s := newServer(t)
	ctx := context.Background()
	conv, err := s.disp.CreateConversation(ctx, &model.Conversation{
		Type:         model.ConversationGroup,
		CreatedBy:    "alice",
		Participants: []model.Participant{{UserID: "bob"}, {UserID: "carol"}},
	})
	req.NoError(err)
	now := time.Now().UTC()
	req.NoError(s.store.CreateMessage(ctx, &model.Message{ID: "m1", ConversationID: conv.ID, SenderID: "alice", Content: "hi", CreatedAt: now}))
	for _, r := range []model.Receipt{
		{MessageID: "m1", UserID: "bob", Kind: model.ReceiptDelivered, At: now},
		{MessageID: "m1", UserID: "carol", Kind: model.ReceiptDelivered, At: now},
		{MessageID: "m1", UserID: "bob", Kind: model.ReceiptRead, At: now},
	} {
		_, err := s.store.AddReceipt(ctx, r)
		req.NoError(err)
	}

	resp := s.do(http.MethodGet, "/internal/messages/m1/receipts", "")
	req.Equal(http.StatusOK, resp.StatusCode)
	req.Equal(ws.ReceiptCounts{MessageID: "m1", Delivered: 2, Read: 1}, decode[ws.ReceiptCounts](t, resp))

	resp = s.do(http.MethodGet, "/internal/messages/missing/receipts", "")
	req.Equal(http.StatusNotFound, resp.StatusCode)
}

func TestInternal_UnknownConversationIs404(t *testing.T) {
	s := newServer(t)

	resp := s.do(http.MethodPost, "/internal/conversations/missing/archive", "")

	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Equal(t, "not_found", decode[errorResponse](t, resp).Code)
}

func TestInternal_Presence(t *testing.T) {
	req := require.New(t)
	s := newServer(t)
	s.dial("alice")

	resp := s.do(http.MethodGet, "/internal/presence", "")
	req.Equal(http.StatusOK, resp.StatusCode)
	var list struct {
		Online []model.Identity `json:"online"`
		Count  int              `json:"count"`
	}
	req.NoError(json.NewDecoder(resp.Body).Decode(&list))
	req.Equal([]model.Identity{"alice"}, list.Online)

	// The mirror is written by the presence listener right after registration.
	var st presence.Status
	req.Eventually(func() bool {
		r, err := http.Get(s.srv.URL + "/internal/presence/alice")
		if err != nil {
			return false
		}
		defer r.Body.Close()
		return json.NewDecoder(r.Body).Decode(&st) == nil && st.LastSeen != nil
	}, 2*time.Second, 10*time.Millisecond)
	req.True(st.Online)

	resp = s.do(http.MethodGet, "/internal/presence/nobody", "")
	st = decode[presence.Status](t, resp)
	req.False(st.Online)
	req.Nil(st.LastSeen)
}

func TestStatusFor(t *testing.T) {
	req := require.New(t)
	req.Equal(http.StatusBadRequest, statusFor("validation"))
	req.Equal(http.StatusForbidden, statusFor("authorization"))
	req.Equal(http.StatusServiceUnavailable, statusFor("persistence"))
	req.Equal(http.StatusInternalServerError, statusFor("internal"))
}
