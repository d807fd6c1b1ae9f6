package messaging

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
	"github.com/vdavid/helphub/backend/internal/helpapi"
)

// Deleter removes messages locally and on the server.
type Deleter struct {
	agg     *Aggregator
	counter *UnreadCounter
	api     MessageAPI
	logger  zerolog.Logger
}

// NewDeleter creates a deleter.
func NewDeleter(agg *Aggregator, counter *UnreadCounter, api MessageAPI, logger zerolog.Logger) *Deleter {
	return &Deleter{agg: agg, counter: counter, api: api, logger: logger}
}

// Delete removes a message the user has confirmed deleting. The local removal
// is kept even if the server call fails; the returned Removal is non-nil in
// that case so callers can still update their view.
func (d *Deleter) Delete(ctx context.Context, messageID string, confirmed bool) (*Removal, error) {
	const op = "delete message"

	if !confirmed {
		return nil, validationError(op, ErrDeleteNotConfirmed)
	}

	removal, err := d.agg.RemoveMessage(messageID)
	switch {
	case errors.Is(err, ErrMessagePending):
		return nil, validationError(op, err)
	case err != nil:
		return nil, notFoundError(op, err)
	}
	if removal.Message.IsUnreadIncoming() {
		d.counter.Decrement()
	}
	// A confirmed reply may be addressed by its provisional id.
	messageID = removal.Message.ID

	if err := d.api.DeleteMessage(ctx, messageID); err != nil {
		if errors.Is(err, helpapi.ErrNotFound) {
			d.logger.Debug().Str("message_id", messageID).Msg("message already deleted on server")
			return removal, nil
		}
		d.logger.Warn().Err(err).Str("message_id", messageID).Msg("failed to delete message on server")
		return removal, classify(op, err)
	}

	d.logger.Info().Str("message_id", messageID).Bool("conversation_removed", removal.ConversationRemoved).
		Msg("message deleted")
	return removal, nil
}
