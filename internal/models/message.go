package models

import "time"

// Priority is the urgency level a sender attaches to a message.
type Priority string

const (
	PriorityLow    Priority = "LOW"
	PriorityNormal Priority = "NORMAL"
	PriorityHigh   Priority = "HIGH"
	PriorityUrgent Priority = "URGENT"
)

// Valid reports whether p is one of the levels the backend accepts.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// DeliveryState tracks where an outgoing message is in its send lifecycle.
// Messages that came from a feed are always confirmed.
type DeliveryState string

const (
	DeliveryPending   DeliveryState = "pending"
	DeliveryConfirmed DeliveryState = "confirmed"
	DeliveryFailed    DeliveryState = "failed"
)

// Counterparty is the other participant of a conversation.
type Counterparty struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	ImageURL    string `json:"image_url"`
}

// Message is the normalized, direction-aware shape of an inbox or sent record.
type Message struct {
	// ID is the server identifier. Empty while the message is pending.
	ID string `json:"id"`
	// ProvisionalID is the client-side identifier of an optimistic send.
	ProvisionalID string        `json:"provisional_id,omitempty"`
	SenderID      string        `json:"sender_id"`
	RecipientID   string        `json:"recipient_id"`
	Counterparty  Counterparty  `json:"counterparty"`
	Subject       string        `json:"subject"`
	Body          string        `json:"body"`
	ResourceID    string        `json:"resource_id,omitempty"`
	Priority      Priority      `json:"priority"`
	CreatedAt     time.Time     `json:"created_at"`
	IsRead        bool          `json:"is_read"`
	IsSentByMe    bool          `json:"is_sent_by_me"`
	State         DeliveryState `json:"state"`

	// seq breaks CreatedAt ties: feed position for fetched messages,
	// a monotonically increasing counter for locally applied ones.
	seq int64
}

// Key returns the identity used for deduplication: the server id when known,
// otherwise the provisional id.
func (m *Message) Key() string {
	if m.ID != "" {
		return m.ID
	}
	return m.ProvisionalID
}

// IsUnreadIncoming reports whether the message counts towards unread totals.
func (m *Message) IsUnreadIncoming() bool {
	return !m.IsSentByMe && !m.IsRead
}

// Seq returns the tie-break sequence number.
func (m *Message) Seq() int64 {
	return m.seq
}

// SetSeq sets the tie-break sequence number.
func (m *Message) SetSeq(seq int64) {
	m.seq = seq
}

// Before reports whether m sorts strictly before other in a thread. On equal
// timestamps incoming messages come first, then the lower sequence number.
func (m *Message) Before(other *Message) bool {
	if !m.CreatedAt.Equal(other.CreatedAt) {
		return m.CreatedAt.Before(other.CreatedAt)
	}
	if m.IsSentByMe != other.IsSentByMe {
		return other.IsSentByMe
	}
	return m.seq < other.seq
}

// Clone returns a copy of the message that shares nothing with m.
func (m *Message) Clone() *Message {
	c := *m
	return &c
}

// Conversation groups every message exchanged with one counterparty.
type Conversation struct {
	Counterparty Counterparty `json:"counterparty"`
	// Messages is ordered oldest to newest.
	Messages     []*Message `json:"messages"`
	UnreadCount  int        `json:"unread_count"`
	LastActivity time.Time  `json:"last_activity"`
}

// ID returns the conversation key, which is the counterparty id.
func (c *Conversation) ID() string {
	return c.Counterparty.ID
}

// LastMessage returns the newest message, or nil for an empty conversation.
func (c *Conversation) LastMessage() *Message {
	if len(c.Messages) == 0 {
		return nil
	}
	return c.Messages[len(c.Messages)-1]
}

// Clone returns a deep copy so callers can read it without holding locks.
func (c *Conversation) Clone() *Conversation {
	out := &Conversation{
		Counterparty: c.Counterparty,
		UnreadCount:  c.UnreadCount,
		LastActivity: c.LastActivity,
		Messages:     make([]*Message, len(c.Messages)),
	}
	for i, m := range c.Messages {
		out.Messages[i] = m.Clone()
	}
	return out
}

// ConversationSummary is the sidebar row for a conversation.
type ConversationSummary struct {
	Counterparty    Counterparty `json:"counterparty"`
	UnreadCount     int          `json:"unread_count"`
	LastActivity    time.Time    `json:"last_activity"`
	LastSubject     string       `json:"last_subject"`
	LastBodySnippet string       `json:"last_body_snippet"`
	MessageCount    int          `json:"message_count"`
}
