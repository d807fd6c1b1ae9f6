package models

import "time"

// UserRef is the participant object embedded in feed records.
// Inbox records carry the sender, sent records carry the recipient.
type UserRef struct {
	ID               string `json:"id"`
	Username         string `json:"username,omitempty"`
	FirstName        string `json:"first_name,omitempty"`
	LastName         string `json:"last_name,omitempty"`
	OrganizationName string `json:"organization_name,omitempty"`
	AvatarURL        string `json:"avatar_url,omitempty"`
	LogoURL          string `json:"logo_url,omitempty"`
}

// ResourceRef is the optional resource a message is about.
type ResourceRef struct {
	ID    string `json:"id"`
	Title string `json:"title,omitempty"`
}

// InboxRecord is one entry of the backend's inbox feed.
type InboxRecord struct {
	ID        string       `json:"id"`
	Sender    *UserRef     `json:"sender"`
	Recipient *UserRef     `json:"recipient,omitempty"`
	Subject   string       `json:"subject"`
	Content   string       `json:"content"`
	Resource  *ResourceRef `json:"resource,omitempty"`
	Priority  Priority     `json:"priority"`
	CreatedAt time.Time    `json:"created_at"`
	IsRead    bool         `json:"is_read"`
}

// SentRecord is one entry of the backend's sent feed, and the body returned
// when a message is created.
type SentRecord struct {
	ID        string       `json:"id"`
	Sender    *UserRef     `json:"sender,omitempty"`
	Recipient *UserRef     `json:"recipient"`
	Subject   string       `json:"subject"`
	Content   string       `json:"content"`
	Resource  *ResourceRef `json:"resource,omitempty"`
	Priority  Priority     `json:"priority"`
	CreatedAt time.Time    `json:"created_at"`
	IsRead    bool         `json:"is_read"`
}

// Page is the backend's paginated list envelope.
type Page[T any] struct {
	Count    int    `json:"count"`
	Next     string `json:"next"`
	Previous string `json:"previous"`
	Results  []T    `json:"results"`
}

// SendMessageRequest is the payload of the backend's create-message call.
// Exactly one of ResourceID and RecipientID identifies the counterparty;
// ResourceID may accompany RecipientID on replies for context.
type SendMessageRequest struct {
	ResourceID  string   `json:"resource,omitempty"`
	RecipientID string   `json:"recipient,omitempty"`
	Subject     string   `json:"subject"`
	Content     string   `json:"content"`
	Priority    Priority `json:"priority"`
}

// Resource is a community-resource listing as returned by the lookup endpoints.
type Resource struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	OwnerID string `json:"owner_id"`
}

// ReadAck is a server-side mark-read acknowledgment that still has to be sent.
type ReadAck struct {
	UserID    string    `json:"user_id"`
	MessageID string    `json:"message_id"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
