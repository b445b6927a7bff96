package ws

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/samber/lo"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/rehabcare/messaging/internal/apperr"
	"github.com/rehabcare/messaging/internal/conversation"
	"github.com/rehabcare/messaging/internal/mocks"
	"github.com/rehabcare/messaging/internal/model"
	"github.com/rehabcare/messaging/internal/protocol"
	"github.com/rehabcare/messaging/internal/registry"
	"github.com/rehabcare/messaging/internal/registry/registrytest"
	"github.com/rehabcare/messaging/internal/rooms"
	"github.com/rehabcare/messaging/internal/storage"
	"github.com/rehabcare/messaging/internal/storage/memory"
)

type harness struct {
	t     *testing.T
	ctx   context.Context
	store *memory.Store
	reg   *registry.Registry
	rooms *rooms.Index
	convs *conversation.Manager
	disp  *Dispatcher
}

func newHarness(t *testing.T) *harness {
	return newHarnessWith(t, nil)
}

// newHarnessWith uses messages instead of the memory store for message persistence when non-nil.
func newHarnessWith(t *testing.T, messages storage.MessageStore) *harness {
	t.Helper()
	store := memory.New()
	if messages == nil {
		messages = store
	}
	reg := registry.New(0)
	convs := conversation.New(store, messages)
	idx := rooms.New(convs, reg)
	return &harness{
		t:     t,
		ctx:   context.Background(),
		store: store,
		reg:   reg,
		rooms: idx,
		convs: convs,
		disp:  NewDispatcher(reg, idx, convs, messages),
	}
}

func (h *harness) conversation(id string, typ model.ConversationType, members ...model.Identity) {
	h.t.Helper()
	c := &model.Conversation{ID: id, Type: typ, CreatedBy: members[0]}
	for _, m := range members {
		c.Participants = append(c.Participants, model.Participant{UserID: m})
	}
	_, err := h.disp.CreateConversation(h.ctx, c)
	require.NoError(h.t, err)
}

func (h *harness) connect(id model.Identity) *registrytest.Handle {
	h.t.Helper()
	handle := registrytest.NewHandle()
	require.NoError(h.t, h.disp.Connect(h.ctx, id, handle))
	return handle
}

func (h *harness) send(from model.Identity, convID, content string) error {
	return h.disp.Handle(h.ctx, from, protocol.SendMessage{ConversationID: convID, Content: content})
}

func lastSent(t *testing.T, h *registrytest.Handle) *model.Message {
	t.Helper()
	sent := h.OfType(protocol.EventMessageSent)
	require.NotEmpty(t, sent)
	return sent[len(sent)-1].Payload.(protocol.MessageSentPayload).Message
}

func TestDispatcher_Send_Scenario(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	h.conversation("C", model.ConversationPrivate, "A", "B")
	a := h.connect("A")
	b := h.connect("B")

	// Given A is typing in C
	req.NoError(h.disp.Handle(h.ctx, "A", protocol.Typing{ConversationID: "C"}))
	b.Reset()

	// When A sends "hi"
	req.NoError(h.send("A", "C", "hi"))

	// Then B receives new_message with the content and sender
	news := b.OfType(protocol.EventNewMessage)
	req.Len(news, 1)
	payload := news[0].Payload.(protocol.NewMessagePayload)
	req.Equal("C", payload.ConversationID)
	req.Equal("hi", payload.Message.Content)
	req.Equal(model.Identity("A"), payload.Message.SenderID)

	// And A receives message_sent
	req.Equal("hi", lastSent(t, a).Content)

	// And the typing entry is cleared and B is told
	stopped := b.OfType(protocol.EventUserStoppedTyping)
	req.Len(stopped, 1)
	req.Equal(protocol.TypingPayload{ConversationID: "C", UserID: "A"}, stopped[0].Payload)
	req.Empty(a.OfType(protocol.EventUserStoppedTyping))
	entries, err := h.convs.TypingUsers(h.ctx, "C")
	req.NoError(err)
	req.Empty(entries)

	// And the conversation summary reflects the message
	conv, err := h.convs.Get(h.ctx, "C")
	req.NoError(err)
	req.Equal(int64(1), conv.MessageCount)
	req.Equal("hi", conv.LastMessage.Preview)
}

func TestDispatcher_Send_WithoutTypingEntry_NoStoppedTyping(t *testing.T) {
	h := newHarness(t)
	h.conversation("C", model.ConversationPrivate, "A", "B")
	h.connect("A")
	b := h.connect("B")

	require.NoError(t, h.send("A", "C", "hi"))

	require.Empty(t, b.OfType(protocol.EventUserStoppedTyping))
}

func TestDispatcher_Send_ExactlyKBroadcasts(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)

	// Given N=5 active participants of which K=3 are online
	h.conversation("G", model.ConversationGroup, "a", "b", "c", "d", "e")
	handles := []*registrytest.Handle{h.connect("a"), h.connect("b"), h.connect("c")}

	// When a sends one message
	req.NoError(h.send("a", "G", "session moved to 14:00"))

	// Then exactly K new_message, 1 message_sent and 1 persisted message
	total := lo.SumBy(handles, func(x *registrytest.Handle) int { return len(x.OfType(protocol.EventNewMessage)) })
	req.Equal(3, total)
	sent := lo.SumBy(handles, func(x *registrytest.Handle) int { return len(x.OfType(protocol.EventMessageSent)) })
	req.Equal(1, sent)
	req.Len(handles[0].OfType(protocol.EventMessageSent), 1)
	req.Equal(1, h.store.MessageCount("G"))
}

func TestDispatcher_Send_NonParticipantRejected(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	h.conversation("C", model.ConversationPrivate, "A", "B")
	b := h.connect("B")
	mallory := h.connect("M")

	err := h.send("M", "C", "let me in")

	req.ErrorIs(err, apperr.ErrAuthorization)
	req.Equal(0, h.store.MessageCount("C"))
	req.Empty(b.OfType(protocol.EventNewMessage))
	req.Empty(mallory.OfType(protocol.EventMessageSent))
	req.Equal("authorization", ErrorPayload(err).Code)
}

func TestDispatcher_Send_UnknownConversation(t *testing.T) {
	h := newHarness(t)
	h.connect("A")

	err := h.send("A", "nope", "hi")

	require.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestDispatcher_Send_PersistenceFailure_NoBroadcast(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	messages := mocks.NewMockMessageStore(ctrl)
	h := newHarnessWith(t, messages)
	h.conversation("C", model.ConversationGroup, "A", "B")
	a := h.connect("A")
	b := h.connect("B")

	// Given the store rejects the write
	messages.EXPECT().CreateMessage(gomock.Any(), gomock.Any()).Return(errors.New("disk full")).Times(1)

	// When A sends
	err := h.send("A", "C", "hi")

	// Then the error is a persistence error and nothing is broadcast
	req.ErrorIs(err, apperr.ErrPersistence)
	req.Equal("persistence", ErrorPayload(err).Code)
	req.Equal("storage failure", ErrorPayload(err).Error)
	req.Empty(b.OfType(protocol.EventNewMessage))
	req.Empty(a.OfType(protocol.EventMessageSent))
	conv, _ := h.convs.Get(h.ctx, "C")
	req.Zero(conv.MessageCount)
}

func TestDispatcher_Send_ArchivedRejected(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	h.conversation("C", model.ConversationGroup, "A", "B")
	h.connect("A")
	_, err := h.disp.Archive(h.ctx, "C")
	req.NoError(err)

	err = h.send("A", "C", "anyone?")

	req.ErrorIs(err, apperr.ErrValidation)
	req.Equal(0, h.store.MessageCount("C"))
}

func TestDispatcher_Send_ReplyToMustBeInConversation(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	h.conversation("C", model.ConversationGroup, "A", "B")
	h.conversation("D", model.ConversationGroup, "A", "B")
	a := h.connect("A")
	req.NoError(h.send("A", "D", "elsewhere"))
	other := lastSent(t, a).ID
	req.NoError(h.send("A", "C", "original"))
	original := lastSent(t, a).ID

	err := h.disp.Handle(h.ctx, "A", protocol.SendMessage{ConversationID: "C", Content: "re", ReplyTo: &other})
	req.ErrorIs(err, apperr.ErrValidation)

	req.NoError(h.disp.Handle(h.ctx, "A", protocol.SendMessage{ConversationID: "C", Content: "re", ReplyTo: &original}))
	reply := lastSent(t, a)
	req.Equal(original, *reply.ReplyTo)
}

func TestDispatcher_Typing_TwiceBroadcastsTwice(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	h.conversation("C", model.ConversationPrivate, "A", "B")
	a := h.connect("A")
	b := h.connect("B")

	req.NoError(h.disp.Handle(h.ctx, "A", protocol.Typing{ConversationID: "C"}))
	req.NoError(h.disp.Handle(h.ctx, "A", protocol.Typing{ConversationID: "C"}))

	req.Len(b.OfType(protocol.EventUserTyping), 2)
	req.Empty(a.OfType(protocol.EventUserTyping))
	entries, err := h.convs.TypingUsers(h.ctx, "C")
	req.NoError(err)
	req.Len(entries, 1)

	// stop_typing is broadcast even without an entry
	req.NoError(h.disp.Handle(h.ctx, "A", protocol.StopTyping{ConversationID: "C"}))
	req.NoError(h.disp.Handle(h.ctx, "A", protocol.StopTyping{ConversationID: "C"}))
	req.Len(b.OfType(protocol.EventUserStoppedTyping), 2)
	req.Empty(a.OfType(protocol.EventUserStoppedTyping))
}

func TestDispatcher_Typing_NonParticipant(t *testing.T) {
	h := newHarness(t)
	h.conversation("C", model.ConversationPrivate, "A", "B")

	err := h.disp.Handle(h.ctx, "M", protocol.Typing{ConversationID: "C"})

	require.ErrorIs(t, err, apperr.ErrAuthorization)
}

func TestDispatcher_MessageRead_Twice_OneReceipt_TwoBroadcasts(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	h.conversation("C", model.ConversationPrivate, "A", "B")
	a := h.connect("A")
	b := h.connect("B")
	req.NoError(h.send("A", "C", "hi"))
	msgID := lastSent(t, a).ID

	// When B marks the message read twice
	read := protocol.MessageRead{MessageID: msgID, ConversationID: "C"}
	req.NoError(h.disp.Handle(h.ctx, "B", read))
	req.NoError(h.disp.Handle(h.ctx, "B", read))

	// Then exactly one receipt exists
	n, err := h.store.CountReceipts(h.ctx, msgID, model.ReceiptRead)
	req.NoError(err)
	req.Equal(1, n)

	// And the update reached the whole room, reader included, on every call
	req.Len(a.OfType(protocol.EventMessageReadUpdate), 2)
	req.Len(b.OfType(protocol.EventMessageReadUpdate), 2)
	update := b.OfType(protocol.EventMessageReadUpdate)[0].Payload.(protocol.MessageReadUpdatePayload)
	req.Equal(protocol.MessageReadUpdatePayload{MessageID: msgID, ConversationID: "C", UserID: "B"}, update)

	// And lastReadAt moved
	conv, err := h.convs.Get(h.ctx, "C")
	req.NoError(err)
	req.NotNil(conv.Participants[conv.FindParticipant("B")].LastReadAt)
}

func TestDispatcher_MessageRead_WrongConversation(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	h.conversation("C", model.ConversationGroup, "A", "B")
	h.conversation("D", model.ConversationGroup, "A", "B")
	a := h.connect("A")
	req.NoError(h.send("A", "D", "hi"))

	err := h.disp.Handle(h.ctx, "B", protocol.MessageRead{MessageID: lastSent(t, a).ID, ConversationID: "C"})

	req.ErrorIs(err, apperr.ErrNotFound)
}

func TestDispatcher_MessageDelivered(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	h.conversation("C", model.ConversationGroup, "A", "B", "D")
	a := h.connect("A")
	b := h.connect("B")
	req.NoError(h.send("A", "C", "hi"))
	msgID := lastSent(t, a).ID

	// B's delivery goes to A only
	req.NoError(h.disp.Handle(h.ctx, "B", protocol.MessageDelivered{MessageID: msgID}))
	updates := a.OfType(protocol.EventMessageDeliveredUpdate)
	req.Len(updates, 1)
	req.Equal(protocol.MessageDeliveredUpdatePayload{MessageID: msgID, UserID: "B"}, updates[0].Payload)
	req.Empty(b.OfType(protocol.EventMessageDeliveredUpdate))

	// The sender acknowledging its own message is ignored
	req.NoError(h.disp.Handle(h.ctx, "A", protocol.MessageDelivered{MessageID: msgID}))
	req.Len(a.OfType(protocol.EventMessageDeliveredUpdate), 1)

	// With A offline, D's delivery is recorded but not pushed
	h.disp.Disconnect("A", a)
	d := h.connect("D")
	req.NoError(h.disp.Handle(h.ctx, "D", protocol.MessageDelivered{MessageID: msgID}))
	req.NoError(h.disp.Handle(h.ctx, "D", protocol.MessageDelivered{MessageID: msgID}))
	n, err := h.store.CountReceipts(h.ctx, msgID, model.ReceiptDelivered)
	req.NoError(err)
	req.Equal(2, n)
	req.Empty(d.OfType(protocol.EventMessageDeliveredUpdate))

	// Unknown messages are not found
	err = h.disp.Handle(h.ctx, "D", protocol.MessageDelivered{MessageID: "ghost"})
	req.ErrorIs(err, apperr.ErrNotFound)
}

func TestDispatcher_JoinLeave(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	h.conversation("C", model.ConversationGroup, "A", "B")
	h.connect("A")
	b := h.connect("B")
	h.connect("M")

	// Outsiders cannot join
	err := h.disp.Handle(h.ctx, "M", protocol.JoinConversation{ConversationID: "C"})
	req.ErrorIs(err, apperr.ErrAuthorization)

	// After leaving, B no longer receives room broadcasts
	req.NoError(h.disp.Handle(h.ctx, "B", protocol.LeaveConversation{ConversationID: "C"}))
	req.NoError(h.send("A", "C", "one"))
	req.Empty(b.OfType(protocol.EventNewMessage))

	// Re-joining restores them
	req.NoError(h.disp.Handle(h.ctx, "B", protocol.JoinConversation{ConversationID: "C"}))
	req.NoError(h.send("A", "C", "two"))
	req.Len(b.OfType(protocol.EventNewMessage), 1)
}

func TestDispatcher_AddRemoveParticipant_UpdatesRooms(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	h.conversation("C", model.ConversationGroup, "A", "B")
	h.connect("A")
	n := h.connect("N")

	// Adding an online user subscribes them immediately
	changed, err := h.disp.AddParticipant(h.ctx, "C", "N", model.RoleMember)
	req.NoError(err)
	req.True(changed)
	req.NoError(h.send("A", "C", "welcome"))
	req.Len(n.OfType(protocol.EventNewMessage), 1)

	// Removing them stops delivery and sending
	changed, err = h.disp.RemoveParticipant(h.ctx, "C", "N")
	req.NoError(err)
	req.True(changed)
	req.NoError(h.send("A", "C", "bye"))
	req.Len(n.OfType(protocol.EventNewMessage), 1)
	req.ErrorIs(h.send("N", "C", "wait"), apperr.ErrAuthorization)
}

func TestDispatcher_PinUnpin(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	h.conversation("C", model.ConversationGroup, "A", "B")
	a := h.connect("A")
	req.NoError(h.send("A", "C", "care plan v2"))
	msgID := lastSent(t, a).ID

	changed, err := h.disp.Pin(h.ctx, "C", msgID, "A")
	req.NoError(err)
	req.True(changed)
	changed, err = h.disp.Unpin(h.ctx, "C", msgID)
	req.NoError(err)
	req.True(changed)
	_, err = h.disp.Pin(h.ctx, "C", "ghost", "A")
	req.ErrorIs(err, apperr.ErrNotFound)
}

func TestDispatcher_ReplacedConnectionKeepsRooms(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	h.conversation("C", model.ConversationPrivate, "A", "B")
	h.connect("A")
	oldB := h.connect("B")
	newB := h.connect("B")
	req.True(oldB.Closed())

	// When the replaced connection's disconnect arrives late
	h.disp.Disconnect("B", oldB)

	// Then B is still online and subscribed
	req.True(h.reg.IsOnline("B"))
	req.NoError(h.send("A", "C", "still there?"))
	req.Len(newB.OfType(protocol.EventNewMessage), 1)
	req.Empty(oldB.OfType(protocol.EventNewMessage))
}

func TestDispatcher_Disconnect_LeavesRooms(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	h.conversation("C", model.ConversationPrivate, "A", "B")
	b := h.connect("B")
	req.Equal([]string{"C"}, h.rooms.JoinedRooms("B"))

	h.disp.Disconnect("B", b)

	req.Empty(h.rooms.JoinedRooms("B"))
	req.False(h.reg.IsOnline("B"))
}

func TestDispatcher_ConcurrentSends_SameOrderForEveryone(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	h.conversation("G", model.ConversationGroup, "a", "b", "c")
	h.connect("a")
	b := h.connect("b")
	c := h.connect("c")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			from := model.Identity([]string{"a", "b", "c"}[i%3])
			if err := h.send(from, "G", fmt.Sprintf("msg-%d", i)); err != nil {
				t.Error(err)
			}
		}(i)
	}
	wg.Wait()

	ids := func(x *registrytest.Handle) []string {
		return lo.Map(x.OfType(protocol.EventNewMessage), func(e registrytest.Event, _ int) string {
			return e.Payload.(protocol.NewMessagePayload).Message.ID
		})
	}
	req.Len(ids(b), 20)
	req.Equal(ids(b), ids(c))
	conv, _ := h.convs.Get(h.ctx, "G")
	req.Equal(int64(20), conv.MessageCount)
}

func TestDispatcher_Handle_DetachedFromCancellation(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	h.conversation("C", model.ConversationPrivate, "A", "B")
	a := h.connect("A")
	b := h.connect("B")

	// Given A's connection context is already gone
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	h.disp.Disconnect("A", a)

	// When the already-read send is processed on a detached context
	err := h.disp.Handle(context.WithoutCancel(ctx), "A", protocol.SendMessage{ConversationID: "C", Content: "bye"})

	// Then it is persisted and delivered to B
	req.NoError(err)
	req.Equal(1, h.store.MessageCount("C"))
	req.Len(b.OfType(protocol.EventNewMessage), 1)
}

func TestSequencer_ReleasesIdleKeys(t *testing.T) {
	req := require.New(t)
	s := newSequencer()

	var wg sync.WaitGroup
	counter := 0
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := s.Lock("k")
			counter++
			unlock()
		}()
	}
	wg.Wait()

	req.Equal(100, counter)
	req.Zero(s.size())
}
