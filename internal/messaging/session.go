package messaging

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/vdavid/helphub/backend/internal/models"
	"github.com/vdavid/helphub/backend/internal/resources"
	"golang.org/x/sync/errgroup"
)

// ResourceResolver resolves resources for first-contact messages.
type ResourceResolver interface {
	ResourceLookup
	Draft(ctx context.Context, ref string) (*resources.Draft, error)
}

var _ ResourceResolver = (*resources.Resolver)(nil)

// SessionConfig tunes a session.
type SessionConfig struct {
	// PageSize is the page size requested from the inbox and sent feeds.
	PageSize int
	// PlaceholderURL is the base URL of the generated avatar service.
	PlaceholderURL string
	// ReadAckMaxAttempts is how often a read acknowledgment is retried.
	ReadAckMaxAttempts int
}

// Session is the messaging state of one signed-in user: the conversation set,
// the unread badge and the controllers that change them.
type Session struct {
	user      models.User
	api       MessageAPI
	resources ResourceResolver
	cfg       SessionConfig
	logger    zerolog.Logger

	agg      *Aggregator
	counter  *UnreadCounter
	reads    *ReadTracker
	composer *Composer
	deleter  *Deleter

	loadMu   sync.Mutex
	lastUsed atomic.Int64
}

// NewSession wires the engine for user. Call Load before serving reads.
func NewSession(user models.User, api MessageAPI, res ResourceResolver, acks ReadAckQueue, cfg SessionConfig, logger zerolog.Logger) *Session {
	agg := NewAggregator(NewNormalizer(user.ID, cfg.PlaceholderURL, logger), logger)
	counter := &UnreadCounter{}
	s := &Session{
		user:      user,
		api:       api,
		resources: res,
		cfg:       cfg,
		logger:    logger,
		agg:       agg,
		counter:   counter,
		reads:     NewReadTracker(user.ID, agg, counter, api, acks, cfg.ReadAckMaxAttempts, logger),
		composer:  NewComposer(user, agg, api, res, logger),
		deleter:   NewDeleter(agg, counter, api, logger),
	}
	s.Touch(time.Now())
	return s
}

// User returns the signed-in user.
func (s *Session) User() models.User {
	return s.user
}

// Load retries queued read acknowledgments, then fetches both feeds and the
// unread count concurrently and rebuilds the conversation set. Local changes
// made while the fetch was running are kept.
func (s *Session) Load(ctx context.Context) error {
	s.loadMu.Lock()
	defer s.loadMu.Unlock()

	if _, err := s.reads.RetryPending(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("failed to retry read acknowledgments")
	}

	since := s.agg.Generation()
	var (
		inbox  []models.InboxRecord
		sent   []models.SentRecord
		unread int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		inbox, err = s.api.FetchInbox(gctx, s.cfg.PageSize)
		return err
	})
	g.Go(func() error {
		var err error
		sent, err = s.api.FetchSent(gctx, s.cfg.PageSize)
		return err
	})
	g.Go(func() error {
		var err error
		unread, err = s.api.UnreadCount(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		s.logger.Warn().Err(err).Msg("failed to load conversations")
		return classify("load conversations", err)
	}

	s.agg.Load(inbox, sent, since, s.reads.OutstandingIDs())
	s.counter.Reconcile(unread, s.reads.Outstanding(), time.Now())
	s.logger.Debug().Int("inbox", len(inbox)).Int("sent", len(sent)).Int("unread", s.counter.Value()).
		Msg("messages loaded")
	return nil
}

// Reconcile retries queued read acknowledgments and refreshes the unread
// count from the server without reloading the feeds.
func (s *Session) Reconcile(ctx context.Context) error {
	if _, err := s.reads.RetryPending(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("failed to retry read acknowledgments")
	}
	unread, err := s.api.UnreadCount(ctx)
	if err != nil {
		return classify("refresh unread count", err)
	}
	s.counter.Reconcile(unread, s.reads.Outstanding(), time.Now())

	// Without a reload in flight no fetch can predate the recorded changes.
	if s.loadMu.TryLock() {
		if n := s.agg.PruneChanges(); n > 0 {
			s.logger.Debug().Int("changes", n).Msg("pruned local change log")
		}
		s.loadMu.Unlock()
	}
	return nil
}

// UnreadCount returns the navigation badge count.
func (s *Session) UnreadCount() int {
	return s.counter.Value()
}

// Summaries returns the sidebar rows matching query, most recent first.
func (s *Session) Summaries(query string) []models.ConversationSummary {
	return s.agg.Summaries(query)
}

// Conversations returns every conversation with its messages.
func (s *Session) Conversations() []*models.Conversation {
	return s.agg.Conversations()
}

// Conversation returns one conversation with its messages.
func (s *Session) Conversation(conversationID string) (*models.Conversation, error) {
	conv, err := s.agg.Conversation(conversationID)
	if err != nil {
		return nil, notFoundError("get conversation", err)
	}
	return conv, nil
}

// Selected returns the open conversation, or nil.
func (s *Session) Selected() *models.Conversation {
	id := s.agg.Selected()
	if id == "" {
		return nil
	}
	conv, err := s.agg.Conversation(id)
	if err != nil {
		return nil
	}
	return conv
}

// Open selects a conversation and marks its unread incoming messages read.
// Acknowledgments run under the selection, not ctx, and are queued for retry
// if the user moves on before they complete.
func (s *Session) Open(_ context.Context, conversationID string) (*models.Conversation, error) {
	selCtx, err := s.agg.Select(conversationID)
	if err != nil {
		return nil, notFoundError("open conversation", err)
	}

	if _, err := s.reads.MarkConversationRead(selCtx, conversationID); err != nil {
		return nil, err
	}
	return s.Conversation(conversationID)
}

// CloseConversation clears the selection.
func (s *Session) CloseConversation() {
	s.agg.ClearSelection()
}

// MarkRead marks one message read.
func (s *Session) MarkRead(ctx context.Context, messageID string) error {
	return s.reads.MarkRead(ctx, messageID)
}

// SendNew starts a conversation about a resolved resource.
func (s *Session) SendNew(ctx context.Context, in NewMessage) (*models.Message, error) {
	return s.composer.SendNew(ctx, in)
}

// Reply answers in the open conversation.
func (s *Session) Reply(ctx context.Context, conversationID, body string) (*models.Message, error) {
	return s.composer.Reply(ctx, conversationID, body)
}

// Delete removes a message after the user confirmed it.
func (s *Session) Delete(ctx context.Context, messageID string, confirmed bool) (*Removal, error) {
	return s.deleter.Delete(ctx, messageID, confirmed)
}

// Draft resolves a resource and prepares a first-contact message about it.
func (s *Session) Draft(ctx context.Context, ref string) (*resources.Draft, error) {
	const op = "draft message"

	draft, err := s.resources.Draft(ctx, ref)
	switch {
	case err == nil:
	case errors.Is(err, resources.ErrEmptyReference), errors.Is(err, resources.ErrNoOwner):
		return nil, validationError(op, err)
	case errors.Is(err, resources.ErrNotFound):
		return nil, notFoundError(op, err)
	default:
		return nil, classify(op, err)
	}
	if draft.RecipientID == s.user.ID {
		return nil, &Error{Kind: KindAuthorization, Op: op, Err: ErrSelfMessage}
	}
	return draft, nil
}

// Touch records activity at t.
func (s *Session) Touch(t time.Time) {
	s.lastUsed.Store(t.UnixNano())
}

// LastUsed returns when the session was last touched.
func (s *Session) LastUsed() time.Time {
	return time.Unix(0, s.lastUsed.Load())
}

// Close releases the session's selection.
func (s *Session) Close() {
	s.agg.ClearSelection()
}
