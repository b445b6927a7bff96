package model

import (
	"time"
	"unicode/utf8"
)

const previewLimit = 120

type Attachment struct {
	URL      string `json:"url" validate:"required,url"`
	Name     string `json:"name,omitempty"`
	Size     int64  `json:"size,omitempty" validate:"gte=0"`
	MimeType string `json:"mimeType,omitempty"`
}

// Message is immutable once persisted.
type Message struct {
	ID             string       `json:"id"`
	ConversationID string       `json:"conversationId"`
	SenderID       Identity     `json:"sender"`
	Content        string       `json:"content"`
	Attachments    []Attachment `json:"attachments,omitempty"`
	ReplyTo        *string      `json:"replyTo,omitempty"`
	CreatedAt      time.Time    `json:"createdAt"`
}

// Summary builds the last-message preview for the conversation list.
func (m *Message) Summary() MessageSummary {
	preview := m.Content
	if preview == "" && len(m.Attachments) > 0 {
		preview = "Attachment"
	}
	if utf8.RuneCountInString(preview) > previewLimit {
		r := []rune(preview)
		preview = string(r[:previewLimit-3]) + "..."
	}
	return MessageSummary{
		MessageID: m.ID,
		SenderID:  m.SenderID,
		Preview:   preview,
		CreatedAt: m.CreatedAt,
	}
}

type ReceiptKind string

const (
	ReceiptRead      ReceiptKind = "read"
	ReceiptDelivered ReceiptKind = "delivered"
)

// Receipt is an append-only acknowledgment, unique per (message, user, kind).
type Receipt struct {
	MessageID string      `json:"messageId"`
	UserID    Identity    `json:"userId"`
	Kind      ReceiptKind `json:"kind"`
	At        time.Time   `json:"at"`
}
