package messaging

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"github.com/vdavid/helphub/backend/internal/helpapi"
	"golang.org/x/sync/errgroup"
)

const (
	retryBatchSize = 100
	// markReadConcurrency bounds the parallel acknowledgments sent when a
	// conversation is opened.
	markReadConcurrency = 4
)

// ReadTracker marks messages read locally and acknowledges them to the server.
// Local state is never rolled back: acknowledgments that fail are queued and
// retried on the next load.
type ReadTracker struct {
	userID      string
	agg         *Aggregator
	counter     *UnreadCounter
	api         MessageAPI
	acks        ReadAckQueue
	maxAttempts int
	logger      zerolog.Logger

	mu sync.Mutex
	// outstanding holds messages read locally that the server still counts as unread.
	outstanding map[string]struct{}
}

// NewReadTracker creates a read tracker for one user.
func NewReadTracker(userID string, agg *Aggregator, counter *UnreadCounter, api MessageAPI, acks ReadAckQueue, maxAttempts int, logger zerolog.Logger) *ReadTracker {
	return &ReadTracker{
		userID:      userID,
		agg:         agg,
		counter:     counter,
		api:         api,
		acks:        acks,
		maxAttempts: maxAttempts,
		logger:      logger,
		outstanding: make(map[string]struct{}),
	}
}

// MarkRead marks one incoming message read. Marking a message that is already
// read, or outgoing, is a no-op. A failed server acknowledgment is queued
// rather than returned.
func (t *ReadTracker) MarkRead(ctx context.Context, messageID string) error {
	changed, err := t.agg.MarkRead(messageID)
	if err != nil {
		return notFoundError("mark read", err)
	}
	if !changed {
		return nil
	}

	t.counter.Decrement()
	t.track(messageID)
	t.acknowledge(ctx, messageID)
	return nil
}

// MarkConversationRead marks every unread incoming message of a conversation
// read, each independently, and returns how many there were.
func (t *ReadTracker) MarkConversationRead(ctx context.Context, conversationID string) (int, error) {
	ids := t.agg.UnreadIncoming(conversationID)

	var g errgroup.Group
	g.SetLimit(markReadConcurrency)
	for _, id := range ids {
		g.Go(func() error {
			err := t.MarkRead(ctx, id)
			// Deleted while we were marking.
			if KindOf(err) == KindNotFound {
				return nil
			}
			return err
		})
	}
	return len(ids), g.Wait()
}

// RetryPending resends queued acknowledgments and returns how many the server
// accepted. Acknowledgments for messages the server no longer has are
// dropped, as are those the server rejected outright or that failed
// maxAttempts times.
func (t *ReadTracker) RetryPending(ctx context.Context) (int, error) {
	acks, err := t.acks.Pending(ctx, t.userID, retryBatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to list pending read acknowledgments: %w", err)
	}

	done := 0
	for _, ack := range acks {
		ackErr := t.api.MarkRead(ctx, ack.MessageID)
		if ackErr == nil || errors.Is(ackErr, helpapi.ErrNotFound) {
			if err := t.acks.Remove(ctx, t.userID, ack.MessageID); err != nil {
				return done, fmt.Errorf("failed to remove read acknowledgment: %w", err)
			}
			t.untrack(ack.MessageID)
			done++
			continue
		}
		if ctx.Err() != nil {
			return done, ctx.Err()
		}

		attempts, err := t.acks.RecordFailure(ctx, t.userID, ack.MessageID, ackErr.Error())
		if err != nil {
			return done, fmt.Errorf("failed to record read acknowledgment failure: %w", err)
		}
		// A rejection other than an expired token will not change on retry.
		permanent := !helpapi.IsTransient(ackErr) && !errors.Is(ackErr, helpapi.ErrUnauthenticated)
		if attempts < t.maxAttempts && !permanent {
			t.track(ack.MessageID)
			continue
		}

		t.logger.Error().Err(ackErr).Str("message_id", ack.MessageID).Int("attempts", attempts).
			Msg("giving up on read acknowledgment")
		if err := t.acks.Remove(ctx, t.userID, ack.MessageID); err != nil {
			return done, fmt.Errorf("failed to remove read acknowledgment: %w", err)
		}
		t.untrack(ack.MessageID)
	}

	if len(acks) > 0 {
		t.logger.Info().Int("queued", len(acks)).Int("acknowledged", done).Msg("retried read acknowledgments")
	}
	return done, nil
}

// Outstanding returns how many local read marks the server has not seen yet.
func (t *ReadTracker) Outstanding() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.outstanding)
}

// OutstandingIDs returns the ids of local read marks the server has not seen yet.
func (t *ReadTracker) OutstandingIDs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]string, 0, len(t.outstanding))
	for id := range t.outstanding {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (t *ReadTracker) acknowledge(ctx context.Context, messageID string) {
	err := t.api.MarkRead(ctx, messageID)
	switch {
	case err == nil:
		t.untrack(messageID)
		return
	case errors.Is(err, helpapi.ErrNotFound):
		t.logger.Debug().Str("message_id", messageID).Msg("message gone before read acknowledgment")
		t.untrack(messageID)
		return
	}

	t.logger.Warn().Err(err).Str("message_id", messageID).Msg("failed to acknowledge read, queued for retry")
	// The request context may already be canceled by a selection change.
	if qerr := t.acks.Enqueue(context.WithoutCancel(ctx), t.userID, messageID, err.Error()); qerr != nil {
		t.logger.Error().Err(qerr).Str("message_id", messageID).Msg("failed to queue read acknowledgment")
		// Let the next load show the server's state so the user can read it again.
		t.untrack(messageID)
	}
}

func (t *ReadTracker) track(messageID string) {
	t.mu.Lock()
	t.outstanding[messageID] = struct{}{}
	t.mu.Unlock()
}

func (t *ReadTracker) untrack(messageID string) {
	t.mu.Lock()
	delete(t.outstanding, messageID)
	t.mu.Unlock()
}
