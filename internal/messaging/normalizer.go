package messaging

import (
	"net/url"
	"strings"

	"github.com/rs/zerolog"
	"github.com/vdavid/helphub/backend/internal/models"
)

// Placeholder colors make it visible which fallback produced an image.
const (
	organizationBackground = "0D8ABC"
	personBackground       = "6C757D"
)

// Normalizer turns raw feed records into direction-aware messages for one user.
type Normalizer struct {
	currentUserID  string
	placeholderURL string
	logger         zerolog.Logger
}

// NewNormalizer creates a normalizer for the given user. placeholderURL is the
// base of the generated avatar service; empty disables generated images.
func NewNormalizer(currentUserID, placeholderURL string, logger zerolog.Logger) *Normalizer {
	return &Normalizer{
		currentUserID:  currentUserID,
		placeholderURL: placeholderURL,
		logger:         logger,
	}
}

// FromInbox normalizes an inbox record. The counterparty is the sender.
// It returns false for records that cannot be aggregated.
func (n *Normalizer) FromInbox(rec models.InboxRecord) (*models.Message, bool) {
	if rec.Sender == nil || rec.Sender.ID == "" {
		n.logger.Warn().Str("feed", "inbox").Str("message_id", rec.ID).
			Msg("dropping record without counterparty")
		return nil, false
	}
	if rec.ID == "" {
		n.logger.Warn().Str("feed", "inbox").Str("counterparty_id", rec.Sender.ID).
			Msg("dropping record without id")
		return nil, false
	}

	recipientID := n.currentUserID
	if rec.Recipient != nil && rec.Recipient.ID != "" {
		recipientID = rec.Recipient.ID
	}

	return &models.Message{
		ID:           rec.ID,
		SenderID:     rec.Sender.ID,
		RecipientID:  recipientID,
		Counterparty: n.Counterparty(rec.Sender),
		Subject:      rec.Subject,
		Body:         rec.Content,
		ResourceID:   resourceID(rec.Resource),
		Priority:     priorityOrDefault(rec.Priority),
		CreatedAt:    rec.CreatedAt,
		IsRead:       rec.IsRead,
		IsSentByMe:   rec.Sender.ID == n.currentUserID,
		State:        models.DeliveryConfirmed,
	}, true
}

// FromSent normalizes a sent record. The counterparty is the recipient.
// It returns false for records that cannot be aggregated.
func (n *Normalizer) FromSent(rec models.SentRecord) (*models.Message, bool) {
	if rec.Recipient == nil || rec.Recipient.ID == "" {
		n.logger.Warn().Str("feed", "sent").Str("message_id", rec.ID).
			Msg("dropping record without counterparty")
		return nil, false
	}
	if rec.ID == "" {
		n.logger.Warn().Str("feed", "sent").Str("counterparty_id", rec.Recipient.ID).
			Msg("dropping record without id")
		return nil, false
	}

	senderID := n.currentUserID
	if rec.Sender != nil && rec.Sender.ID != "" {
		senderID = rec.Sender.ID
	}

	return &models.Message{
		ID:           rec.ID,
		SenderID:     senderID,
		RecipientID:  rec.Recipient.ID,
		Counterparty: n.Counterparty(rec.Recipient),
		Subject:      rec.Subject,
		Body:         rec.Content,
		ResourceID:   resourceID(rec.Resource),
		Priority:     priorityOrDefault(rec.Priority),
		CreatedAt:    rec.CreatedAt,
		IsRead:       rec.IsRead,
		IsSentByMe:   true,
		State:        models.DeliveryConfirmed,
	}, true
}

// Counterparty builds the display identity of a participant.
func (n *Normalizer) Counterparty(ref *models.UserRef) models.Counterparty {
	return models.Counterparty{
		ID:          ref.ID,
		DisplayName: DisplayName(ref),
		ImageURL:    n.ImageURL(ref),
	}
}

// ImageURL picks the counterparty image: an explicit avatar or logo first,
// then a placeholder generated from the organization name, then one generated
// from the person's name.
func (n *Normalizer) ImageURL(ref *models.UserRef) string {
	if ref.AvatarURL != "" {
		return ref.AvatarURL
	}
	if ref.LogoURL != "" {
		return ref.LogoURL
	}
	if n.placeholderURL == "" {
		return ""
	}
	if org := strings.TrimSpace(ref.OrganizationName); org != "" {
		return n.placeholder(org, organizationBackground)
	}
	return n.placeholder(personName(ref), personBackground)
}

func (n *Normalizer) placeholder(name, background string) string {
	q := url.Values{}
	q.Set("name", name)
	q.Set("background", background)
	q.Set("color", "fff")
	return n.placeholderURL + "?" + q.Encode()
}

// DisplayName returns the organization name when there is one, otherwise the
// person's name.
func DisplayName(ref *models.UserRef) string {
	if org := strings.TrimSpace(ref.OrganizationName); org != "" {
		return org
	}
	return personName(ref)
}

func personName(ref *models.UserRef) string {
	if full := strings.TrimSpace(ref.FirstName + " " + ref.LastName); full != "" {
		return full
	}
	if ref.Username != "" {
		return ref.Username
	}
	return ref.ID
}

func resourceID(ref *models.ResourceRef) string {
	if ref == nil {
		return ""
	}
	return ref.ID
}

func priorityOrDefault(p models.Priority) models.Priority {
	if p == "" {
		return models.PriorityNormal
	}
	return p
}
