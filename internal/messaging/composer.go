package messaging

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/vdavid/helphub/backend/internal/models"
)

const (
	replyPrefix       = "Re: "
	provisionalPrefix = "pending-"
)

// NewMessage is a first-contact message about a resource.
type NewMessage struct {
	ResourceID string
	Subject    string
	Body       string
	Priority   models.Priority
}

// Composer sends new messages and replies.
type Composer struct {
	user      models.User
	agg       *Aggregator
	api       MessageAPI
	resources ResourceLookup
	logger    zerolog.Logger

	now   func() time.Time
	newID func() string
}

// NewComposer creates a composer acting as user.
func NewComposer(user models.User, agg *Aggregator, api MessageAPI, resources ResourceLookup, logger zerolog.Logger) *Composer {
	return &Composer{
		user:      user,
		agg:       agg,
		api:       api,
		resources: resources,
		logger:    logger,
		now:       time.Now,
		newID:     uuid.NewString,
	}
}

// SendNew starts a conversation about a resource. Nothing changes locally
// until the server has accepted the message, because only the server knows
// the counterparty for sure.
func (c *Composer) SendNew(ctx context.Context, in NewMessage) (*models.Message, error) {
	const op = "send message"

	resourceID := strings.TrimSpace(in.ResourceID)
	subject := strings.TrimSpace(in.Subject)
	body := strings.TrimSpace(in.Body)
	priority := in.Priority
	if priority == "" {
		priority = models.PriorityNormal
	}

	switch {
	case resourceID == "":
		return nil, validationError(op, ErrMissingResource)
	case subject == "":
		return nil, validationError(op, ErrEmptySubject)
	case body == "":
		return nil, validationError(op, ErrEmptyBody)
	case !priority.Valid():
		return nil, validationError(op, fmt.Errorf("%w: %q", ErrInvalidPriority, priority))
	}

	res, ok := c.resources.Resolved(resourceID)
	if !ok {
		return nil, validationError(op, ErrUnresolvedResource)
	}
	if res.OwnerID != "" && res.OwnerID == c.user.ID {
		return nil, &Error{Kind: KindAuthorization, Op: op, Err: ErrSelfMessage}
	}

	rec, err := c.api.SendMessage(ctx, models.SendMessageRequest{
		ResourceID: resourceID,
		Subject:    subject,
		Content:    body,
		Priority:   priority,
	})
	if err != nil {
		c.logger.Warn().Err(err).Str("resource_id", resourceID).Msg("failed to send message")
		return nil, classify(op, err)
	}

	if rec.Recipient == nil || rec.Recipient.ID == "" {
		if res.OwnerID == "" {
			return nil, classify(op, errors.New("server did not say who received the message"))
		}
		rec.Recipient = &models.UserRef{ID: res.OwnerID}
	}
	msg, ok := c.agg.Normalizer().FromSent(*rec)
	if !ok {
		return nil, classify(op, errors.New("server returned an incomplete message"))
	}

	applied, _ := c.agg.Apply(msg)
	c.logger.Info().Str("message_id", msg.ID).Str("counterparty_id", msg.Counterparty.ID).Msg("message sent")
	return applied, nil
}

// Reply sends body to the open conversation. The message is shown right away
// as pending and is confirmed or rolled back when the server answers.
func (c *Composer) Reply(ctx context.Context, conversationID, body string) (*models.Message, error) {
	const op = "reply"

	body = strings.TrimSpace(body)
	if body == "" {
		return nil, validationError(op, ErrEmptyBody)
	}
	if conversationID == c.user.ID {
		return nil, &Error{Kind: KindAuthorization, Op: op, Err: ErrSelfMessage}
	}

	provisionalID := provisionalPrefix + c.newID()
	var req models.SendMessageRequest
	pending, err := c.agg.AppendPending(conversationID, func(conv *models.Conversation) (*models.Message, error) {
		var resourceID string
		if last := conv.LastMessage(); last != nil {
			resourceID = last.ResourceID
		}
		req = models.SendMessageRequest{
			RecipientID: conversationID,
			ResourceID:  resourceID,
			Subject:     ReplySubject(latestSubject(conv)),
			Content:     body,
			Priority:    models.PriorityNormal,
		}
		return &models.Message{
			ProvisionalID: provisionalID,
			SenderID:      c.user.ID,
			RecipientID:   conversationID,
			Counterparty:  conv.Counterparty,
			Subject:       req.Subject,
			Body:          body,
			ResourceID:    resourceID,
			Priority:      req.Priority,
			CreatedAt:     c.now(),
			IsSentByMe:    true,
		}, nil
	})
	switch {
	case errors.Is(err, ErrNoOpenConversation):
		return nil, validationError(op, err)
	case errors.Is(err, ErrConversationNotFound):
		return nil, notFoundError(op, err)
	case err != nil:
		return nil, classify(op, err)
	}

	rec, err := c.api.SendMessage(ctx, req)
	if err != nil {
		c.rollback(pending.ProvisionalID)
		c.logger.Warn().Err(err).Str("counterparty_id", conversationID).Msg("failed to send reply")
		return nil, classify(op, err)
	}

	if rec.Recipient == nil || rec.Recipient.ID == "" {
		rec.Recipient = &models.UserRef{ID: conversationID}
	}
	msg, ok := c.agg.Normalizer().FromSent(*rec)
	if !ok {
		c.rollback(pending.ProvisionalID)
		return nil, classify(op, errors.New("server returned an incomplete message"))
	}
	if msg.Counterparty.ID != conversationID {
		c.logger.Warn().Str("expected", conversationID).Str("got", msg.Counterparty.ID).
			Msg("reply was delivered to a different counterparty")
		c.rollback(pending.ProvisionalID)
		applied, _ := c.agg.Apply(msg)
		return applied, nil
	}

	confirmed, err := c.agg.ConfirmPending(pending.ProvisionalID, msg)
	if err != nil {
		return nil, classify(op, err)
	}
	return confirmed, nil
}

func (c *Composer) rollback(provisionalID string) {
	if _, err := c.agg.FailPending(provisionalID); err != nil {
		c.logger.Debug().Err(err).Str("provisional_id", provisionalID).Msg("pending message already gone")
	}
}

// ReplySubject strips any "Re:" prefixes from subject and adds exactly one.
// A blank subject yields the bare prefix.
func ReplySubject(subject string) string {
	s := strings.TrimSpace(subject)
	for len(s) >= 3 && strings.EqualFold(s[:3], "re:") {
		s = strings.TrimSpace(s[3:])
	}
	return replyPrefix + s
}

// latestSubject returns the subject of the newest message that has one.
func latestSubject(conv *models.Conversation) string {
	for i := len(conv.Messages) - 1; i >= 0; i-- {
		if s := strings.TrimSpace(conv.Messages[i].Subject); s != "" {
			return s
		}
	}
	return ""
}
