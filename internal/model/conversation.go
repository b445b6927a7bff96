package model

import "time"

// Identity is an authenticated user reference issued by the auth service.
type Identity string

type ConversationType string

const (
	ConversationPrivate ConversationType = "private"
	ConversationGroup   ConversationType = "group"
	ConversationChannel ConversationType = "channel"
)

type Role string

const (
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

// Participant is a membership record. Removal only clears IsActive so that
// history and unread accounting survive.
type Participant struct {
	ConversationID string     `json:"conversationId"`
	UserID         Identity   `json:"userId"`
	Role           Role       `json:"role"`
	IsActive       bool       `json:"isActive"`
	JoinedAt       time.Time  `json:"joinedAt"`
	LastReadAt     *time.Time `json:"lastReadAt,omitempty"`
}

// MessageSummary is the denormalized last message shown in conversation lists.
type MessageSummary struct {
	MessageID string    `json:"messageId"`
	SenderID  Identity  `json:"sender"`
	Preview   string    `json:"preview"`
	CreatedAt time.Time `json:"createdAt"`
}

type PinnedMessage struct {
	ConversationID string    `json:"conversationId"`
	MessageID      string    `json:"messageId"`
	PinnedBy       Identity  `json:"pinnedBy"`
	PinnedAt       time.Time `json:"pinnedAt"`
}

type Conversation struct {
	ID           string           `json:"id"`
	Type         ConversationType `json:"type"`
	Name         string           `json:"name,omitempty"`
	CreatedBy    Identity         `json:"createdBy"`
	CreatedAt    time.Time        `json:"createdAt"`
	Archived     bool             `json:"archived"`
	Participants []Participant    `json:"participants"`
	LastMessage  *MessageSummary  `json:"lastMessage,omitempty"`
	MessageCount int64            `json:"messageCount"`
	Pinned       []PinnedMessage  `json:"pinned,omitempty"`
}

// Clone returns a deep copy safe to hand out of a locked section.
func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	out := *c
	out.Participants = make([]Participant, len(c.Participants))
	for i, p := range c.Participants {
		if p.LastReadAt != nil {
			t := *p.LastReadAt
			p.LastReadAt = &t
		}
		out.Participants[i] = p
	}
	if c.LastMessage != nil {
		lm := *c.LastMessage
		out.LastMessage = &lm
	}
	out.Pinned = append([]PinnedMessage(nil), c.Pinned...)
	return &out
}

// FindParticipant returns the index of the record for id, or -1.
func (c *Conversation) FindParticipant(id Identity) int {
	for i := range c.Participants {
		if c.Participants[i].UserID == id {
			return i
		}
	}
	return -1
}

// IsActiveParticipant reports whether id holds an active membership.
func (c *Conversation) IsActiveParticipant(id Identity) bool {
	i := c.FindParticipant(id)
	return i >= 0 && c.Participants[i].IsActive
}

// ActiveIDs lists active participants in membership order.
func (c *Conversation) ActiveIDs() []Identity {
	ids := make([]Identity, 0, len(c.Participants))
	for _, p := range c.Participants {
		if p.IsActive {
			ids = append(ids, p.UserID)
		}
	}
	return ids
}

// TypingEntry marks that UserID is composing a message. Ephemeral.
type TypingEntry struct {
	ConversationID string    `json:"conversationId"`
	UserID         Identity  `json:"userId"`
	StartedAt      time.Time `json:"startedAt"`
}
