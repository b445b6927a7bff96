package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/rehabcare/messaging/internal/apperr"
	"github.com/rehabcare/messaging/internal/model"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report wire names (conversationId) instead of Go field names.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Envelope is the frame shape in both directions.
type Envelope struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Inbound is one of the client actions below. The set is closed.
type Inbound interface {
	Event() EventType
	isInbound()
}

// Scoped is implemented by actions bound to one conversation.
type Scoped interface {
	Inbound
	Conversation() string
}

type SendMessage struct {
	ConversationID string             `json:"conversationId" validate:"required,max=128"`
	Content        string             `json:"content" validate:"required_without=Attachments,max=10000"`
	Attachments    []model.Attachment `json:"attachments" validate:"omitempty,max=20,dive"`
	ReplyTo        *string            `json:"replyTo" validate:"omitempty,min=1,max=128"`
}

type Typing struct {
	ConversationID string `json:"conversationId" validate:"required,max=128"`
}

type StopTyping struct {
	ConversationID string `json:"conversationId" validate:"required,max=128"`
}

type MessageRead struct {
	MessageID      string `json:"messageId" validate:"required,max=128"`
	ConversationID string `json:"conversationId" validate:"required,max=128"`
}

type MessageDelivered struct {
	MessageID string `json:"messageId" validate:"required,max=128"`
}

type JoinConversation struct {
	ConversationID string `json:"conversationId" validate:"required,max=128"`
}

type LeaveConversation struct {
	ConversationID string `json:"conversationId" validate:"required,max=128"`
}

func (SendMessage) Event() EventType       { return EventSendMessage }
func (Typing) Event() EventType            { return EventTyping }
func (StopTyping) Event() EventType        { return EventStopTyping }
func (MessageRead) Event() EventType       { return EventMessageRead }
func (MessageDelivered) Event() EventType  { return EventMessageDelivered }
func (JoinConversation) Event() EventType  { return EventJoinConversation }
func (LeaveConversation) Event() EventType { return EventLeaveConversation }

func (SendMessage) isInbound()       {}
func (Typing) isInbound()            {}
func (StopTyping) isInbound()        {}
func (MessageRead) isInbound()       {}
func (MessageDelivered) isInbound()  {}
func (JoinConversation) isInbound()  {}
func (LeaveConversation) isInbound() {}

func (m SendMessage) Conversation() string       { return m.ConversationID }
func (m Typing) Conversation() string            { return m.ConversationID }
func (m StopTyping) Conversation() string        { return m.ConversationID }
func (m MessageRead) Conversation() string       { return m.ConversationID }
func (m JoinConversation) Conversation() string  { return m.ConversationID }
func (m LeaveConversation) Conversation() string { return m.ConversationID }

// Decode parses one text frame into a validated inbound action.
// Every failure is an apperr validation error.
func Decode(raw []byte) (Inbound, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, apperr.Validation(decodeOp, "malformed envelope")
	}
	switch env.Type {
	case EventSendMessage:
		return decodeAs[SendMessage](env.Payload)
	case EventTyping:
		return decodeAs[Typing](env.Payload)
	case EventStopTyping:
		return decodeAs[StopTyping](env.Payload)
	case EventMessageRead:
		return decodeAs[MessageRead](env.Payload)
	case EventMessageDelivered:
		return decodeAs[MessageDelivered](env.Payload)
	case EventJoinConversation:
		return decodeAs[JoinConversation](env.Payload)
	case EventLeaveConversation:
		return decodeAs[LeaveConversation](env.Payload)
	case "":
		return nil, apperr.Validation(decodeOp, "missing event type")
	}
	return nil, apperr.Validation(decodeOp, fmt.Sprintf("unknown event type %q", env.Type))
}

const decodeOp = "protocol.Decode"

func decodeAs[T Inbound](payload json.RawMessage) (Inbound, error) {
	var v T
	if len(payload) == 0 || string(payload) == "null" {
		return nil, apperr.Validation(decodeOp, "missing payload")
	}
	if err := json.Unmarshal(payload, &v); err != nil {
		return nil, apperr.Validation(decodeOp, "malformed payload")
	}
	if err := validate.Struct(v); err != nil {
		return nil, apperr.Validation(decodeOp, describe(err))
	}
	return v, nil
}

// describe turns the first validator failure into a short client-facing message.
func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "invalid payload"
	}
	fe := verrs[0]
	// Namespace is "SendMessage.attachments[0].url"; drop the struct name.
	_, field, _ := strings.Cut(fe.Namespace(), ".")
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "required_without":
		return "content or attachments is required"
	case "max":
		return fmt.Sprintf("%s exceeds limit of %s", field, fe.Param())
	}
	return fmt.Sprintf("%s failed %s", field, fe.Tag())
}
