package messaging

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/vdavid/helphub/backend/internal/models"
)

const snippetLength = 100

// Aggregate merges the inbox and sent feeds into per-counterparty
// conversations, most recently active first. Messages are deduplicated by id
// with the first occurrence winning, so inbox copies beat sent copies.
// The result only depends on the two feeds.
func Aggregate(n *Normalizer, inbox []models.InboxRecord, sent []models.SentRecord) []*models.Conversation {
	msgs := make([]*models.Message, 0, len(inbox)+len(sent))
	var seq int64
	for _, rec := range inbox {
		seq++
		if m, ok := n.FromInbox(rec); ok {
			m.SetSeq(seq)
			msgs = append(msgs, m)
		}
	}
	for _, rec := range sent {
		seq++
		if m, ok := n.FromSent(rec); ok {
			m.SetSeq(seq)
			msgs = append(msgs, m)
		}
	}

	seen := make(map[string]struct{}, len(msgs))
	byID := make(map[string]*models.Conversation)
	var convs []*models.Conversation
	for _, m := range msgs {
		if _, dup := seen[m.Key()]; dup {
			n.logger.Warn().Str("message_id", m.Key()).Msg("dropping duplicate message")
			continue
		}
		seen[m.Key()] = struct{}{}

		conv, ok := byID[m.Counterparty.ID]
		if !ok {
			conv = &models.Conversation{Counterparty: m.Counterparty}
			byID[m.Counterparty.ID] = conv
			convs = append(convs, conv)
		} else {
			conv.Counterparty = mergeCounterparty(conv.Counterparty, m.Counterparty)
		}
		conv.Messages = append(conv.Messages, m)
	}

	for _, conv := range convs {
		sortMessages(conv)
		recompute(conv)
	}
	sortConversations(convs)
	return convs
}

// ApplyNewMessage inserts msg into its conversation without re-aggregating,
// creating the conversation when needed. It reports false and leaves convs
// untouched when a message with the same key is already present.
// A zero sequence number is replaced by one that sorts after every known message.
func ApplyNewMessage(convs []*models.Conversation, msg *models.Message) ([]*models.Conversation, bool) {
	var conv *models.Conversation
	var maxSeq int64
	key := msg.Key()
	for _, c := range convs {
		for _, m := range c.Messages {
			if m.Key() == key {
				return convs, false
			}
			if m.Seq() > maxSeq {
				maxSeq = m.Seq()
			}
		}
		if c.ID() == msg.Counterparty.ID {
			conv = c
		}
	}
	if msg.Seq() == 0 {
		msg.SetSeq(maxSeq + 1)
	}

	if conv == nil {
		conv = &models.Conversation{Counterparty: msg.Counterparty}
		convs = append(convs, conv)
	} else {
		conv.Counterparty = mergeCounterparty(conv.Counterparty, msg.Counterparty)
	}

	i := sort.Search(len(conv.Messages), func(i int) bool {
		return msg.Before(conv.Messages[i])
	})
	conv.Messages = append(conv.Messages, nil)
	copy(conv.Messages[i+1:], conv.Messages[i:])
	conv.Messages[i] = msg

	recompute(conv)
	sortConversations(convs)
	return convs, true
}

// mergeCounterparty keeps base and fills its blank fields from other.
func mergeCounterparty(base, other models.Counterparty) models.Counterparty {
	if base.DisplayName == "" {
		base.DisplayName = other.DisplayName
	}
	if base.ImageURL == "" {
		base.ImageURL = other.ImageURL
	}
	return base
}

func sortMessages(conv *models.Conversation) {
	sort.SliceStable(conv.Messages, func(i, j int) bool {
		return conv.Messages[i].Before(conv.Messages[j])
	})
}

// recompute re-derives the unread count and last activity of conv.
func recompute(conv *models.Conversation) {
	conv.UnreadCount = 0
	conv.LastActivity = time.Time{}
	for _, m := range conv.Messages {
		if m.IsUnreadIncoming() {
			conv.UnreadCount++
		}
		if m.CreatedAt.After(conv.LastActivity) {
			conv.LastActivity = m.CreatedAt
		}
	}
}

// sortConversations orders by last activity, newest first. Ties are broken by
// counterparty id so the order never depends on map iteration.
func sortConversations(convs []*models.Conversation) {
	sort.SliceStable(convs, func(i, j int) bool {
		a, b := convs[i], convs[j]
		if !a.LastActivity.Equal(b.LastActivity) {
			return a.LastActivity.After(b.LastActivity)
		}
		return a.ID() < b.ID()
	})
}

type changeKind int

const (
	changeInserted changeKind = iota + 1
	changeDeleted
	changeRead
)

type change struct {
	gen  uint64
	kind changeKind
}

// Aggregator owns the in-memory conversation set of one user. Every mutation
// goes through its methods; readers get deep copies. It is safe for
// concurrent use.
type Aggregator struct {
	normalizer *Normalizer
	logger     zerolog.Logger

	mu    sync.Mutex
	convs []*models.Conversation
	byID  map[string]*models.Conversation

	// gen increases with every mutation. changes remembers which messages
	// were touched locally, so a reload based on feeds fetched earlier
	// does not undo them.
	gen     uint64
	changes map[string]change

	selected  string
	cancelSel context.CancelFunc
}

// NewAggregator creates an empty aggregator.
func NewAggregator(n *Normalizer, logger zerolog.Logger) *Aggregator {
	return &Aggregator{
		normalizer: n,
		logger:     logger,
		byID:       make(map[string]*models.Conversation),
		changes:    make(map[string]change),
	}
}

// Normalizer returns the normalizer the aggregator was created with.
func (a *Aggregator) Normalizer() *Normalizer {
	return a.normalizer
}

// Generation identifies the current state. Capture it before fetching feeds
// and pass it to Load.
func (a *Aggregator) Generation() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.gen
}

// Load replaces the conversation set with a fresh aggregation of the feeds.
// Pending sends are carried over, as are local inserts, deletions and read
// marks made after generation since. Messages in readIDs stay read even if the
// feed disagrees, because their acknowledgment has not reached the server yet.
func (a *Aggregator) Load(inbox []models.InboxRecord, sent []models.SentRecord, since uint64, readIDs []string) {
	fresh := Aggregate(a.normalizer, inbox, sent)

	a.mu.Lock()
	defer a.mu.Unlock()

	type keyed struct {
		key string
		change
	}
	var recent []keyed
	for key, ch := range a.changes {
		if ch.gen > since {
			recent = append(recent, keyed{key: key, change: ch})
		}
	}
	sort.Slice(recent, func(i, j int) bool { return recent[i].gen < recent[j].gen })

	for _, ch := range recent {
		switch ch.kind {
		case changeDeleted:
			fresh = removeKey(fresh, ch.key)
		case changeRead:
			markReadIn(fresh, ch.key)
		}
	}
	for _, id := range readIDs {
		markReadIn(fresh, id)
	}

	carried := 0
	for _, conv := range a.convs {
		for _, m := range conv.Messages {
			ch, local := a.changes[m.Key()]
			if m.State != models.DeliveryPending && !(local && ch.kind == changeInserted && ch.gen > since) {
				continue
			}
			c := m.Clone()
			c.SetSeq(0)
			if c.State == models.DeliveryPending {
				// Still the newest thing in its thread as far as the user knows.
				if last := lastActivity(fresh, c.Counterparty.ID); c.CreatedAt.Before(last) {
					c.CreatedAt = last
				}
			}
			var applied bool
			if fresh, applied = ApplyNewMessage(fresh, c); applied {
				carried++
			}
		}
	}

	for _, conv := range fresh {
		recompute(conv)
	}
	sortConversations(fresh)

	a.convs = fresh
	a.reindex()
	for key, ch := range a.changes {
		if ch.gen <= since {
			delete(a.changes, key)
		}
	}
	a.gen++

	if a.selected != "" && a.byID[a.selected] == nil {
		a.clearSelection()
	}

	a.logger.Debug().Int("conversations", len(fresh)).Int("carried", carried).Msg("conversations loaded")
}

// PruneChanges forgets every local change recorded so far and returns how
// many were dropped. Only call it while no Load is pending: a Load based on
// a generation captured earlier would otherwise undo those changes.
func (a *Aggregator) PruneChanges() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	n := len(a.changes)
	clear(a.changes)
	return n
}

// Apply inserts a confirmed message into its conversation. It reports false
// when the message is already known.
func (a *Aggregator) Apply(msg *models.Message) (*models.Message, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	c := msg.Clone()
	c.SetSeq(0)
	convs, ok := ApplyNewMessage(a.convs, c)
	if !ok {
		if _, existing := a.find(msg.Key()); existing != nil {
			return existing.Clone(), false
		}
		return nil, false
	}
	a.convs = convs
	a.reindex()
	a.record(c.Key(), changeInserted)
	return c.Clone(), true
}

// MarkRead flags an incoming unread message as read and decrements its
// conversation's unread count by one. It reports whether anything changed;
// marking a read or outgoing message is a no-op.
func (a *Aggregator) MarkRead(messageID string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	conv, msg := a.find(messageID)
	if msg == nil {
		return false, ErrMessageNotFound
	}
	if !msg.IsUnreadIncoming() {
		return false, nil
	}
	msg.IsRead = true
	if conv.UnreadCount > 0 {
		conv.UnreadCount--
	}
	a.record(messageID, changeRead)
	return true, nil
}

// AppendPending appends an optimistic outgoing message to the selected
// conversation. build receives a copy of the conversation and returns the
// message to add. The message's timestamp is raised to the last message's if
// needed so it always lands at the end of the thread.
func (a *Aggregator) AppendPending(conversationID string, build func(conv *models.Conversation) (*models.Message, error)) (*models.Message, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.selected == "" || a.selected != conversationID {
		return nil, ErrNoOpenConversation
	}
	conv := a.byID[conversationID]
	if conv == nil {
		return nil, ErrConversationNotFound
	}

	msg, err := build(conv.Clone())
	if err != nil {
		return nil, err
	}
	msg.State = models.DeliveryPending
	if last := conv.LastMessage(); last != nil && msg.CreatedAt.Before(last.CreatedAt) {
		msg.CreatedAt = last.CreatedAt
	}
	msg.SetSeq(0)

	convs, ok := ApplyNewMessage(a.convs, msg)
	if !ok {
		return nil, ErrMessagePending
	}
	a.convs = convs
	a.gen++
	return msg.Clone(), nil
}

// ConfirmPending replaces the pending message with the server's copy, keeping
// its place in the thread until the corrected timestamp moves it. If the feed
// already delivered the confirmed copy, the pending entry is dropped instead.
func (a *Aggregator) ConfirmPending(provisionalID string, confirmed *models.Message) (*models.Message, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, existing := a.find(confirmed.ID); existing != nil {
		if conv, pending := a.find(provisionalID); pending != nil && pending.State == models.DeliveryPending {
			a.removeFrom(conv, pending)
		}
		a.gen++
		return existing.Clone(), nil
	}

	conv, pending := a.find(provisionalID)
	if pending == nil || pending.State != models.DeliveryPending {
		a.logger.Debug().Str("provisional_id", provisionalID).Msg("pending message gone, applying confirmation as new")
		c := confirmed.Clone()
		c.SetSeq(0)
		c.ProvisionalID = provisionalID
		a.convs, _ = ApplyNewMessage(a.convs, c)
		a.reindex()
		a.record(c.ID, changeInserted)
		return c.Clone(), nil
	}

	seq := pending.Seq()
	*pending = *confirmed.Clone()
	pending.SetSeq(seq)
	pending.ProvisionalID = provisionalID
	pending.State = models.DeliveryConfirmed

	conv.Counterparty = mergeCounterparty(conv.Counterparty, confirmed.Counterparty)
	sortMessages(conv)
	recompute(conv)
	sortConversations(a.convs)
	a.record(pending.ID, changeInserted)
	return pending.Clone(), nil
}

// FailPending rolls back an optimistic message and returns it in the failed state.
func (a *Aggregator) FailPending(provisionalID string) (*models.Message, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	conv, pending := a.find(provisionalID)
	if pending == nil || pending.State != models.DeliveryPending {
		return nil, ErrMessageNotFound
	}
	failed := pending.Clone()
	failed.State = models.DeliveryFailed
	a.removeFrom(conv, pending)
	a.gen++
	return failed, nil
}

// Removal describes what RemoveMessage changed.
type Removal struct {
	Message             *models.Message
	ConversationID      string
	ConversationRemoved bool
	SelectionCleared    bool
}

// RemoveMessage deletes a confirmed message locally. A conversation left
// without messages is dropped, and if it was selected the selection is cleared.
func (a *Aggregator) RemoveMessage(messageID string) (*Removal, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	conv, msg := a.find(messageID)
	if msg == nil {
		return nil, ErrMessageNotFound
	}
	if msg.State == models.DeliveryPending {
		return nil, ErrMessagePending
	}

	wasSelected := a.selected == conv.ID()
	removal := &Removal{Message: msg.Clone(), ConversationID: conv.ID()}
	removal.ConversationRemoved = a.removeFrom(conv, msg)
	removal.SelectionCleared = removal.ConversationRemoved && wasSelected
	a.record(msg.Key(), changeDeleted)
	return removal, nil
}

// Select makes the conversation the open one. The returned context is
// canceled as soon as another conversation is selected, the selection is
// cleared or the conversation disappears; work started for this selection
// should stop applying results once it is done.
func (a *Aggregator) Select(conversationID string) (context.Context, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.byID[conversationID] == nil {
		return nil, ErrConversationNotFound
	}
	a.clearSelection()
	ctx, cancel := context.WithCancel(context.Background())
	a.selected = conversationID
	a.cancelSel = cancel
	return ctx, nil
}

// ClearSelection closes the open conversation, if any.
func (a *Aggregator) ClearSelection() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.clearSelection()
}

// Selected returns the id of the open conversation, or "" when none is open.
func (a *Aggregator) Selected() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.selected
}

// Conversations returns a copy of the whole conversation list.
func (a *Aggregator) Conversations() []*models.Conversation {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]*models.Conversation, len(a.convs))
	for i, conv := range a.convs {
		out[i] = conv.Clone()
	}
	return out
}

// Conversation returns a copy of one conversation.
func (a *Aggregator) Conversation(conversationID string) (*models.Conversation, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	conv := a.byID[conversationID]
	if conv == nil {
		return nil, ErrConversationNotFound
	}
	return conv.Clone(), nil
}

// Summaries returns the sidebar rows of the conversations matching query.
// Matching is a case-insensitive substring test against the counterparty name,
// subjects and bodies. An empty query matches everything.
func (a *Aggregator) Summaries(query string) []models.ConversationSummary {
	a.mu.Lock()
	defer a.mu.Unlock()

	q := strings.ToLower(strings.TrimSpace(query))
	out := make([]models.ConversationSummary, 0, len(a.convs))
	for _, conv := range a.convs {
		if q != "" && !matches(conv, q) {
			continue
		}
		out = append(out, summarize(conv))
	}
	return out
}

// UnreadIncoming returns the ids of the unread incoming messages of a conversation.
func (a *Aggregator) UnreadIncoming(conversationID string) []string {
	a.mu.Lock()
	defer a.mu.Unlock()

	conv := a.byID[conversationID]
	if conv == nil {
		return nil
	}
	var ids []string
	for _, m := range conv.Messages {
		if m.IsUnreadIncoming() {
			ids = append(ids, m.ID)
		}
	}
	return ids
}

// UnreadTotal sums the unread counts of all conversations.
func (a *Aggregator) UnreadTotal() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	total := 0
	for _, conv := range a.convs {
		total += conv.UnreadCount
	}
	return total
}

func (a *Aggregator) find(key string) (*models.Conversation, *models.Message) {
	if key == "" {
		return nil, nil
	}
	for _, conv := range a.convs {
		for _, m := range conv.Messages {
			if m.Key() == key || m.ProvisionalID == key {
				return conv, m
			}
		}
	}
	return nil, nil
}

// removeFrom deletes msg from conv and reports whether conv was pruned.
func (a *Aggregator) removeFrom(conv *models.Conversation, msg *models.Message) bool {
	for i, m := range conv.Messages {
		if m == msg {
			conv.Messages = append(conv.Messages[:i], conv.Messages[i+1:]...)
			break
		}
	}
	if len(conv.Messages) > 0 {
		recompute(conv)
		sortConversations(a.convs)
		return false
	}

	for i, c := range a.convs {
		if c == conv {
			a.convs = append(a.convs[:i], a.convs[i+1:]...)
			break
		}
	}
	delete(a.byID, conv.ID())
	if a.selected == conv.ID() {
		a.clearSelection()
	}
	return true
}

func (a *Aggregator) reindex() {
	a.byID = make(map[string]*models.Conversation, len(a.convs))
	for _, conv := range a.convs {
		a.byID[conv.ID()] = conv
	}
}

func (a *Aggregator) record(key string, kind changeKind) {
	a.gen++
	a.changes[key] = change{gen: a.gen, kind: kind}
}

func (a *Aggregator) clearSelection() {
	if a.cancelSel != nil {
		a.cancelSel()
	}
	a.selected = ""
	a.cancelSel = nil
}

// removeKey drops a message from a freshly aggregated list, pruning its
// conversation when it becomes empty.
func removeKey(convs []*models.Conversation, key string) []*models.Conversation {
	for i, conv := range convs {
		for j, m := range conv.Messages {
			if m.Key() != key {
				continue
			}
			conv.Messages = append(conv.Messages[:j], conv.Messages[j+1:]...)
			if len(conv.Messages) == 0 {
				return append(convs[:i], convs[i+1:]...)
			}
			return convs
		}
	}
	return convs
}

func lastActivity(convs []*models.Conversation, conversationID string) time.Time {
	for _, conv := range convs {
		if conv.ID() == conversationID {
			return conv.LastActivity
		}
	}
	return time.Time{}
}

func markReadIn(convs []*models.Conversation, key string) {
	for _, conv := range convs {
		for _, m := range conv.Messages {
			if m.Key() == key && m.IsUnreadIncoming() {
				m.IsRead = true
				return
			}
		}
	}
}

func matches(conv *models.Conversation, q string) bool {
	if strings.Contains(strings.ToLower(conv.Counterparty.DisplayName), q) {
		return true
	}
	for _, m := range conv.Messages {
		if strings.Contains(strings.ToLower(m.Subject), q) || strings.Contains(strings.ToLower(m.Body), q) {
			return true
		}
	}
	return false
}

func summarize(conv *models.Conversation) models.ConversationSummary {
	s := models.ConversationSummary{
		Counterparty: conv.Counterparty,
		UnreadCount:  conv.UnreadCount,
		LastActivity: conv.LastActivity,
		MessageCount: len(conv.Messages),
	}
	if last := conv.LastMessage(); last != nil {
		s.LastSubject = last.Subject
		s.LastBodySnippet = snippet(last.Body)
	}
	return s
}

func snippet(body string) string {
	body = strings.Join(strings.Fields(body), " ")
	if utf8.RuneCountInString(body) <= snippetLength {
		return body
	}
	runes := []rune(body)
	return string(runes[:snippetLength]) + "..."
}
