package ws

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/rehabcare/messaging/internal/apperr"
	"github.com/rehabcare/messaging/internal/conversation"
	"github.com/rehabcare/messaging/internal/logger"
	"github.com/rehabcare/messaging/internal/model"
	"github.com/rehabcare/messaging/internal/protocol"
	"github.com/rehabcare/messaging/internal/registry"
	"github.com/rehabcare/messaging/internal/rooms"
	"github.com/rehabcare/messaging/internal/storage"
)

const actionTimeout = 10 * time.Second

// Dispatcher validates inbound actions, persists, mutates conversation state and
// fans events out. Every action on one conversation runs under that
// conversation's sequencer slot, so all participants observe one order.
type Dispatcher struct {
	reg      *registry.Registry
	rooms    *rooms.Index
	convs    *conversation.Manager
	messages storage.MessageStore
	seq      *sequencer
	now      func() time.Time
}

func NewDispatcher(reg *registry.Registry, idx *rooms.Index, convs *conversation.Manager, messages storage.MessageStore) *Dispatcher {
	return &Dispatcher{
		reg:      reg,
		rooms:    idx,
		convs:    convs,
		messages: messages,
		seq:      newSequencer(),
		now:      time.Now,
	}
}

// Connect registers h for id and joins every room id is an active participant of.
func (d *Dispatcher) Connect(ctx context.Context, id model.Identity, h registry.Handle) error {
	unlock := d.seq.Lock(userKey(id))
	defer unlock()

	if err := d.reg.Register(id, h); err != nil {
		return err
	}
	convIDs, err := d.convs.ConversationsFor(ctx, id)
	if err != nil {
		// The connection stays usable; join_conversation can still subscribe rooms.
		logger.Errorf("ws join rooms user=%s: %v", id, err)
		return nil
	}
	for _, convID := range convIDs {
		d.rooms.Join(convID, id)
	}
	logger.Debugf("ws connected user=%s rooms=%d", id, len(convIDs))
	return nil
}

// Disconnect unregisters h. Room subscriptions are dropped only when h was
// still the current handle, so a replaced connection leaves the new one intact.
func (d *Dispatcher) Disconnect(id model.Identity, h registry.Handle) {
	unlock := d.seq.Lock(userKey(id))
	defer unlock()

	if d.reg.Unregister(id, h) {
		d.rooms.LeaveAll(id)
	}
}

// userKey keeps per-identity sequencing apart from conversation ids.
func userKey(id model.Identity) string { return "user:" + string(id) }

// Handle runs one inbound action for from. The returned error is already
// classified and is meant for the originating connection only.
func (d *Dispatcher) Handle(ctx context.Context, from model.Identity, in protocol.Inbound) error {
	defer logger.DeferLogDuration("ws."+string(in.Event()), time.Now())()
	ctx, cancel := context.WithTimeout(ctx, actionTimeout)
	defer cancel()

	switch m := in.(type) {
	case protocol.SendMessage:
		_, err := d.send(ctx, from, m)
		return err
	case protocol.Typing:
		return d.typing(ctx, from, m.ConversationID)
	case protocol.StopTyping:
		return d.stopTyping(ctx, from, m.ConversationID)
	case protocol.MessageRead:
		return d.messageRead(ctx, from, m)
	case protocol.MessageDelivered:
		return d.messageDelivered(ctx, from, m)
	case protocol.JoinConversation:
		return d.join(ctx, from, m.ConversationID)
	case protocol.LeaveConversation:
		d.rooms.Leave(m.ConversationID, from)
		return nil
	}
	return apperr.Validation("ws.Handle", "unsupported event "+string(in.Event()))
}

// ErrorPayload converts a dispatcher error into the message_error payload.
func ErrorPayload(err error) protocol.ErrorPayload {
	return protocol.ErrorPayload{Error: apperr.PublicMessage(err), Code: string(apperr.KindOf(err))}
}

func (d *Dispatcher) requireParticipant(ctx context.Context, op, convID string, id model.Identity) (*model.Conversation, error) {
	conv, err := d.convs.Get(ctx, convID)
	if err != nil {
		return nil, err
	}
	if !conv.IsActiveParticipant(id) {
		return nil, apperr.Authorization(op, "not a participant of this conversation")
	}
	return conv, nil
}

// broadcast pushes one event to the room's recipients and returns how many got it.
func (d *Dispatcher) broadcast(ctx context.Context, convID string, event protocol.EventType, payload any, exclude ...model.Identity) (int, error) {
	recipients, err := d.rooms.Recipients(ctx, convID, exclude...)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, id := range recipients {
		if d.reg.PushTo(id, event, payload) {
			n++
		}
	}
	return n, nil
}

func (d *Dispatcher) send(ctx context.Context, from model.Identity, m protocol.SendMessage) (*model.Message, error) {
	const op = "ws.send_message"
	unlock := d.seq.Lock(m.ConversationID)
	defer unlock()

	conv, err := d.requireParticipant(ctx, op, m.ConversationID, from)
	if err != nil {
		return nil, err
	}
	if conv.Archived {
		return nil, apperr.Validation(op, "conversation is archived")
	}
	if m.ReplyTo != nil {
		if err := d.messageIn(ctx, op, conv.ID, *m.ReplyTo); err != nil {
			if errors.Is(err, apperr.ErrNotFound) {
				return nil, apperr.Validation(op, "replyTo must reference a message in this conversation")
			}
			return nil, err
		}
	}

	msg := &model.Message{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		SenderID:       from,
		Content:        m.Content,
		Attachments:    m.Attachments,
		ReplyTo:        m.ReplyTo,
		CreatedAt:      d.now().UTC(),
	}
	if err := d.messages.CreateMessage(ctx, msg); err != nil {
		return nil, apperr.Persistence(op, err)
	}
	if err := d.convs.RecordMessage(ctx, conv.ID, msg); err != nil {
		return nil, err
	}

	n, err := d.broadcast(ctx, conv.ID, protocol.EventNewMessage, protocol.NewMessagePayload{Message: msg, ConversationID: conv.ID})
	if err != nil {
		logger.Errorf("ws broadcast new_message conv=%s: %v", conv.ID, err)
	}
	d.reg.PushTo(from, protocol.EventMessageSent, protocol.MessageSentPayload{Message: msg})

	cleared, err := d.convs.StopTyping(ctx, conv.ID, from)
	if err != nil {
		logger.Errorf("ws clear typing conv=%s user=%s: %v", conv.ID, from, err)
	} else if cleared {
		if _, err := d.broadcast(ctx, conv.ID, protocol.EventUserStoppedTyping,
			protocol.TypingPayload{ConversationID: conv.ID, UserID: from}, from); err != nil {
			logger.Errorf("ws broadcast user_stopped_typing conv=%s: %v", conv.ID, err)
		}
	}
	logger.Debugf("ws message %s conv=%s sender=%s recipients=%d", msg.ID, conv.ID, from, n)
	return msg, nil
}

func (d *Dispatcher) typing(ctx context.Context, from model.Identity, convID string) error {
	const op = "ws.typing"
	unlock := d.seq.Lock(convID)
	defer unlock()

	if _, err := d.requireParticipant(ctx, op, convID, from); err != nil {
		return err
	}
	if _, err := d.convs.StartTyping(ctx, convID, from); err != nil {
		return err
	}
	_, err := d.broadcast(ctx, convID, protocol.EventUserTyping, protocol.TypingPayload{ConversationID: convID, UserID: from}, from)
	return err
}

func (d *Dispatcher) stopTyping(ctx context.Context, from model.Identity, convID string) error {
	const op = "ws.stop_typing"
	unlock := d.seq.Lock(convID)
	defer unlock()

	if _, err := d.requireParticipant(ctx, op, convID, from); err != nil {
		return err
	}
	if _, err := d.convs.StopTyping(ctx, convID, from); err != nil {
		return err
	}
	_, err := d.broadcast(ctx, convID, protocol.EventUserStoppedTyping, protocol.TypingPayload{ConversationID: convID, UserID: from}, from)
	return err
}

// messageIn fails with a not-found error unless messageID belongs to convID.
func (d *Dispatcher) messageIn(ctx context.Context, op, convID, messageID string) error {
	msg, err := d.messages.GetMessage(ctx, messageID)
	if errors.Is(err, storage.ErrNotFound) {
		return apperr.NotFound(op, "message not found")
	}
	if err != nil {
		return apperr.Persistence(op, err)
	}
	if msg.ConversationID != convID {
		return apperr.NotFound(op, "message not found")
	}
	return nil
}

// messageRead records the receipt once but broadcasts the update on every call,
// to the whole room including the reader's own connection.
func (d *Dispatcher) messageRead(ctx context.Context, from model.Identity, m protocol.MessageRead) error {
	const op = "ws.message_read"
	unlock := d.seq.Lock(m.ConversationID)
	defer unlock()

	if _, err := d.requireParticipant(ctx, op, m.ConversationID, from); err != nil {
		return err
	}
	if err := d.messageIn(ctx, op, m.ConversationID, m.MessageID); err != nil {
		return err
	}
	now := d.now().UTC()
	if _, err := d.messages.AddReceipt(ctx, model.Receipt{MessageID: m.MessageID, UserID: from, Kind: model.ReceiptRead, At: now}); err != nil {
		return apperr.Persistence(op, err)
	}
	if err := d.convs.MarkRead(ctx, m.ConversationID, from, now); err != nil {
		return err
	}
	_, err := d.broadcast(ctx, m.ConversationID, protocol.EventMessageReadUpdate, protocol.MessageReadUpdatePayload{
		MessageID:      m.MessageID,
		ConversationID: m.ConversationID,
		UserID:         from,
	})
	return err
}

// messageDelivered notifies only the original sender, and only while online.
func (d *Dispatcher) messageDelivered(ctx context.Context, from model.Identity, m protocol.MessageDelivered) error {
	const op = "ws.message_delivered"
	msg, err := d.messages.GetMessage(ctx, m.MessageID)
	if errors.Is(err, storage.ErrNotFound) {
		return apperr.NotFound(op, "message not found")
	}
	if err != nil {
		return apperr.Persistence(op, err)
	}
	if msg.SenderID == from {
		return nil
	}

	unlock := d.seq.Lock(msg.ConversationID)
	defer unlock()

	if _, err := d.requireParticipant(ctx, op, msg.ConversationID, from); err != nil {
		return err
	}
	if _, err := d.messages.AddReceipt(ctx, model.Receipt{MessageID: msg.ID, UserID: from, Kind: model.ReceiptDelivered, At: d.now().UTC()}); err != nil {
		return apperr.Persistence(op, err)
	}
	d.reg.PushTo(msg.SenderID, protocol.EventMessageDeliveredUpdate, protocol.MessageDeliveredUpdatePayload{
		MessageID: msg.ID,
		UserID:    from,
	})
	return nil
}

func (d *Dispatcher) join(ctx context.Context, from model.Identity, convID string) error {
	if _, err := d.requireParticipant(ctx, "ws.join_conversation", convID, from); err != nil {
		return err
	}
	d.rooms.Join(convID, from)
	return nil
}

// CreateConversation creates a conversation and subscribes its online members.
func (d *Dispatcher) CreateConversation(ctx context.Context, c *model.Conversation) (*model.Conversation, error) {
	conv, err := d.convs.Create(ctx, c)
	if err != nil {
		return nil, err
	}
	for _, id := range conv.ActiveIDs() {
		if d.reg.IsOnline(id) {
			d.rooms.Join(conv.ID, id)
		}
	}
	return conv, nil
}

// AddParticipant activates user and joins the room when user is online.
func (d *Dispatcher) AddParticipant(ctx context.Context, convID string, user model.Identity, role model.Role) (bool, error) {
	unlock := d.seq.Lock(convID)
	defer unlock()

	changed, err := d.convs.AddParticipant(ctx, convID, user, role)
	if err != nil {
		return false, err
	}
	if d.reg.IsOnline(user) {
		d.rooms.Join(convID, user)
	}
	return changed, nil
}

// RemoveParticipant tombstones user and drops its room subscription.
func (d *Dispatcher) RemoveParticipant(ctx context.Context, convID string, user model.Identity) (bool, error) {
	unlock := d.seq.Lock(convID)
	defer unlock()

	changed, err := d.convs.RemoveParticipant(ctx, convID, user)
	if err != nil {
		return false, err
	}
	d.rooms.Leave(convID, user)
	return changed, nil
}

func (d *Dispatcher) Pin(ctx context.Context, convID, messageID string, by model.Identity) (bool, error) {
	unlock := d.seq.Lock(convID)
	defer unlock()
	return d.convs.Pin(ctx, convID, messageID, by)
}

func (d *Dispatcher) Unpin(ctx context.Context, convID, messageID string) (bool, error) {
	unlock := d.seq.Lock(convID)
	defer unlock()
	return d.convs.Unpin(ctx, convID, messageID)
}

func (d *Dispatcher) Archive(ctx context.Context, convID string) (bool, error) {
	unlock := d.seq.Lock(convID)
	defer unlock()
	return d.convs.Archive(ctx, convID)
}

// ReceiptCounts holds the number of distinct receipts per kind for one message.
type ReceiptCounts struct {
	MessageID string `json:"messageId"`
	Delivered int    `json:"delivered"`
	Read      int    `json:"read"`
}

func (d *Dispatcher) Receipts(ctx context.Context, messageID string) (ReceiptCounts, error) {
	const op = "ws.Receipts"
	out := ReceiptCounts{MessageID: messageID}
	_, err := d.messages.GetMessage(ctx, messageID)
	if errors.Is(err, storage.ErrNotFound) {
		return out, apperr.NotFound(op, "message not found")
	}
	if err != nil {
		return out, apperr.Persistence(op, err)
	}
	if out.Delivered, err = d.messages.CountReceipts(ctx, messageID, model.ReceiptDelivered); err != nil {
		return out, apperr.Persistence(op, err)
	}
	if out.Read, err = d.messages.CountReceipts(ctx, messageID, model.ReceiptRead); err != nil {
		return out, apperr.Persistence(op, err)
	}
	return out, nil
}
