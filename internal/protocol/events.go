// Package protocol defines the websocket wire contract: event names, the
// envelope, inbound actions as a closed set of validated variants, and the
// typed outbound payloads.
package protocol

import (
	"time"

	"github.com/rehabcare/messaging/internal/model"
)

type EventType string

// Inbound (client -> server).
const (
	EventSendMessage       EventType = "send_message"
	EventTyping            EventType = "typing"
	EventStopTyping        EventType = "stop_typing"
	EventMessageRead       EventType = "message_read"
	EventMessageDelivered  EventType = "message_delivered"
	EventJoinConversation  EventType = "join_conversation"
	EventLeaveConversation EventType = "leave_conversation"
)

// Outbound (server -> client).
const (
	EventNewMessage             EventType = "new_message"
	EventMessageSent            EventType = "message_sent"
	EventUserTyping             EventType = "user_typing"
	EventUserStoppedTyping      EventType = "user_stopped_typing"
	EventMessageReadUpdate      EventType = "message_read_update"
	EventMessageDeliveredUpdate EventType = "message_delivered_update"
	EventMessageError           EventType = "message_error"
	EventUserStatusChange       EventType = "user_status_change"
)

// OutgoingMessage is what the server sends to the client.
// Payload uses typed structs to avoid heap-heavy map[string]any.
type OutgoingMessage struct {
	Type    EventType `json:"type"`
	Payload any       `json:"payload"`
}

type NewMessagePayload struct {
	Message        *model.Message `json:"message"`
	ConversationID string         `json:"conversationId"`
}

type MessageSentPayload struct {
	Message *model.Message `json:"message"`
}

// TypingPayload is used for both user_typing and user_stopped_typing.
type TypingPayload struct {
	ConversationID string         `json:"conversationId"`
	UserID         model.Identity `json:"userId"`
}

type MessageReadUpdatePayload struct {
	MessageID      string         `json:"messageId"`
	ConversationID string         `json:"conversationId"`
	UserID         model.Identity `json:"userId"`
}

type MessageDeliveredUpdatePayload struct {
	MessageID string         `json:"messageId"`
	UserID    model.Identity `json:"userId"`
}

// ErrorPayload is sent only to the connection whose action failed.
type ErrorPayload struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

type PresenceStatus string

const (
	StatusOnline  PresenceStatus = "online"
	StatusOffline PresenceStatus = "offline"
)

type UserStatusPayload struct {
	UserID    model.Identity `json:"userId"`
	Status    PresenceStatus `json:"status"`
	Timestamp time.Time      `json:"timestamp"`
}
