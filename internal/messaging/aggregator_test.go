package messaging

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/helphub/backend/internal/models"
)

var equivalent = []cmp.Option{
	cmpopts.IgnoreUnexported(models.Message{}),
	cmpopts.IgnoreFields(models.Message{}, "ProvisionalID"),
}

func TestAggregate_SingleCounterpartyAcrossFeeds(t *testing.T) {
	inbox := []models.InboxRecord{
		inboxRec("m1", "u2", 1, true),
		inboxRec("m3", "u2", 3, false),
	}
	sent := []models.SentRecord{sentRec("m2", "u2", 2)}

	convs := Aggregate(newTestNormalizer(), inbox, sent)

	require.Len(t, convs, 1)
	conv := convs[0]
	assert.Equal(t, "u2", conv.ID())
	assert.Equal(t, []string{"m1", "m2", "m3"}, messageIDs(conv))
	assert.Equal(t, 1, conv.UnreadCount)
	assert.True(t, at(3).Equal(conv.LastActivity))
	assert.True(t, conv.Messages[1].IsSentByMe)
	assert.False(t, conv.Messages[0].IsSentByMe)
	checkInvariants(t, convs)
}

func TestAggregate(t *testing.T) {
	tests := []struct {
		name        string
		inbox       []models.InboxRecord
		sent        []models.SentRecord
		checkResult func(t *testing.T, convs []*models.Conversation)
	}{
		{
			name:  "sent-only counterparty forms a conversation without unread messages",
			inbox: []models.InboxRecord{inboxRec("m1", "u2", 1, false)},
			sent:  []models.SentRecord{sentRec("m2", "u3", 2)},
			checkResult: func(t *testing.T, convs []*models.Conversation) {
				assert.Equal(t, []string{"u3", "u2"}, conversationIDs(convs))
				assert.Equal(t, 0, convs[0].UnreadCount)
				assert.Equal(t, 1, convs[1].UnreadCount)
			},
		},
		{
			name:  "id present in both feeds appears once",
			inbox: []models.InboxRecord{inboxRec("m1", "u2", 1, false)},
			sent:  []models.SentRecord{sentRec("m1", "u2", 1), sentRec("m2", "u2", 2)},
			checkResult: func(t *testing.T, convs []*models.Conversation) {
				require.Len(t, convs, 1)
				assert.Equal(t, []string{"m1", "m2"}, messageIDs(convs[0]))
				assert.False(t, convs[0].Messages[0].IsSentByMe, "inbox copy wins")
			},
		},
		{
			name:  "duplicate id with a different counterparty does not create a conversation",
			inbox: []models.InboxRecord{inboxRec("m1", "u2", 1, false)},
			sent:  []models.SentRecord{sentRec("m1", "u3", 5)},
			checkResult: func(t *testing.T, convs []*models.Conversation) {
				assert.Equal(t, []string{"u2"}, conversationIDs(convs))
			},
		},
		{
			name: "records without counterparty are dropped",
			inbox: []models.InboxRecord{
				{ID: "m1", Subject: "orphan", CreatedAt: at(1)},
				{ID: "m2", Sender: &models.UserRef{}, CreatedAt: at(2)},
				inboxRec("m3", "u2", 3, false),
			},
			sent: []models.SentRecord{{ID: "m4", CreatedAt: at(4)}},
			checkResult: func(t *testing.T, convs []*models.Conversation) {
				require.Len(t, convs, 1)
				assert.Equal(t, []string{"m3"}, messageIDs(convs[0]))
			},
		},
		{
			name: "equal timestamps keep feed order with inbox first",
			inbox: []models.InboxRecord{
				inboxRec("b", "u2", 1, true),
				inboxRec("a", "u2", 1, true),
			},
			sent: []models.SentRecord{sentRec("c", "u2", 1)},
			checkResult: func(t *testing.T, convs []*models.Conversation) {
				assert.Equal(t, []string{"b", "a", "c"}, messageIDs(convs[0]))
			},
		},
		{
			name: "feed order does not matter for timestamps",
			inbox: []models.InboxRecord{
				inboxRec("m3", "u2", 3, true),
				inboxRec("m1", "u2", 1, true),
			},
			sent: []models.SentRecord{sentRec("m2", "u2", 2)},
			checkResult: func(t *testing.T, convs []*models.Conversation) {
				assert.Equal(t, []string{"m1", "m2", "m3"}, messageIDs(convs[0]))
			},
		},
		{
			name: "conversations with equal activity are ordered by counterparty",
			inbox: []models.InboxRecord{
				inboxRec("m1", "u9", 5, true),
				inboxRec("m2", "u4", 5, true),
				inboxRec("m3", "u7", 9, true),
			},
			checkResult: func(t *testing.T, convs []*models.Conversation) {
				assert.Equal(t, []string{"u7", "u4", "u9"}, conversationIDs(convs))
			},
		},
		{
			name: "own messages in the inbox never count as unread",
			inbox: []models.InboxRecord{
				{ID: "m1", Sender: ref(me), Recipient: ref(me), CreatedAt: at(1)},
			},
			checkResult: func(t *testing.T, convs []*models.Conversation) {
				require.Len(t, convs, 1)
				assert.Equal(t, 0, convs[0].UnreadCount)
			},
		},
		{
			name: "empty feeds",
			checkResult: func(t *testing.T, convs []*models.Conversation) {
				assert.Empty(t, convs)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			convs := Aggregate(newTestNormalizer(), tt.inbox, tt.sent)
			checkInvariants(t, convs)
			tt.checkResult(t, convs)
		})
	}
}

func TestAggregate_CounterpartyFromFirstMessage(t *testing.T) {
	inbox := []models.InboxRecord{{
		ID:        "m1",
		Sender:    &models.UserRef{ID: "u2", OrganizationName: "Food Bank"},
		CreatedAt: at(1),
	}}
	sent := []models.SentRecord{{
		ID:        "m2",
		Recipient: &models.UserRef{ID: "u2", FirstName: "Ann", AvatarURL: "https://img/ann.png"},
		CreatedAt: at(2),
	}}

	convs := Aggregate(newTestNormalizer(), inbox, sent)

	require.Len(t, convs, 1)
	assert.Equal(t, "Food Bank", convs[0].Counterparty.DisplayName)
	assert.Equal(t, "https://img/ann.png", convs[0].Counterparty.ImageURL, "blank image filled from a later record")
}

func TestAggregate_IsIdempotent(t *testing.T) {
	inbox := []models.InboxRecord{
		inboxRec("m1", "u2", 1, true),
		inboxRec("m2", "u3", 1, false),
		inboxRec("m3", "u2", 4, false),
	}
	sent := []models.SentRecord{sentRec("m4", "u3", 2), sentRec("m5", "u4", 1)}
	n := newTestNormalizer()

	first := Aggregate(n, inbox, sent)
	second := Aggregate(n, inbox, sent)

	assert.Empty(t, cmp.Diff(first, second, cmp.AllowUnexported(models.Message{})))
	a, err := json.Marshal(first)
	require.NoError(t, err)
	b, err := json.Marshal(second)
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
}

func TestApplyNewMessage_MatchesFullAggregation(t *testing.T) {
	baseInbox := []models.InboxRecord{
		inboxRec("m1", "u2", 1, true),
		inboxRec("m3", "u2", 5, false),
		inboxRec("m4", "u3", 3, false),
	}
	baseSent := []models.SentRecord{sentRec("m2", "u2", 2)}

	tests := []struct {
		name  string
		inbox []models.InboxRecord
		sent  []models.SentRecord
	}{
		{name: "reply to an existing counterparty", sent: []models.SentRecord{sentRec("m9", "u2", 10)}},
		{name: "first contact with a new counterparty", sent: []models.SentRecord{sentRec("m9", "u5", 10)}},
		{name: "late arrival in the middle of a thread", inbox: []models.InboxRecord{inboxRec("m9", "u2", 4, false)}},
		{name: "message that reorders the list", inbox: []models.InboxRecord{inboxRec("m9", "u3", 7, true)}},
		{name: "incoming message tied with a sent one", inbox: []models.InboxRecord{inboxRec("m9", "u2", 2, false)}},
		{name: "sent message tied with an incoming one", sent: []models.SentRecord{sentRec("m9", "u2", 5)}},
		{name: "incoming message tied with an incoming one", inbox: []models.InboxRecord{inboxRec("m9", "u2", 5, false)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := newTestNormalizer()
			convs := Aggregate(n, baseInbox, baseSent)

			var msg *models.Message
			var ok bool
			if len(tt.inbox) > 0 {
				msg, ok = n.FromInbox(tt.inbox[0])
			} else {
				msg, ok = n.FromSent(tt.sent[0])
			}
			require.True(t, ok)

			incremental, applied := ApplyNewMessage(convs, msg)
			require.True(t, applied)

			full := Aggregate(n,
				append(append([]models.InboxRecord(nil), baseInbox...), tt.inbox...),
				append(append([]models.SentRecord(nil), baseSent...), tt.sent...))

			checkInvariants(t, incremental)
			if diff := cmp.Diff(full, incremental, equivalent...); diff != "" {
				t.Errorf("incremental result differs from full aggregation (-full +incremental):\n%s", diff)
			}
		})
	}
}

func TestApplyNewMessage_IgnoresKnownID(t *testing.T) {
	n := newTestNormalizer()
	convs := Aggregate(n, []models.InboxRecord{inboxRec("m1", "u2", 1, false)}, nil)
	msg, _ := n.FromInbox(inboxRec("m1", "u2", 1, false))

	out, applied := ApplyNewMessage(convs, msg)

	assert.False(t, applied)
	require.Len(t, out, 1)
	assert.Len(t, out[0].Messages, 1)
	assert.Equal(t, 1, out[0].UnreadCount)
}

func TestAggregator_MarkRead(t *testing.T) {
	a := newTestAggregator(
		[]models.InboxRecord{inboxRec("m1", "u2", 1, false), inboxRec("m2", "u2", 2, false)},
		[]models.SentRecord{sentRec("m3", "u2", 3)},
	)

	changed, err := a.MarkRead("m1")
	assert.NoError(t, err)
	assert.True(t, changed)

	changed, err = a.MarkRead("m1")
	assert.NoError(t, err)
	assert.False(t, changed, "second mark is a no-op")

	changed, err = a.MarkRead("m3")
	assert.NoError(t, err)
	assert.False(t, changed, "outgoing messages are never unread")

	_, err = a.MarkRead("missing")
	assert.ErrorIs(t, err, ErrMessageNotFound)

	conv, err := a.Conversation("u2")
	require.NoError(t, err)
	assert.Equal(t, 1, conv.UnreadCount)
	checkInvariants(t, a.Conversations())
}

func TestAggregator_RemoveMessage(t *testing.T) {
	t.Run("last message prunes the conversation and clears the selection", func(t *testing.T) {
		a := newTestAggregator(
			[]models.InboxRecord{inboxRec("m1", "u2", 1, false), inboxRec("m2", "u3", 2, true)},
			nil,
		)
		token, err := a.Select("u2")
		require.NoError(t, err)

		removal, err := a.RemoveMessage("m1")

		require.NoError(t, err)
		assert.True(t, removal.ConversationRemoved)
		assert.True(t, removal.SelectionCleared)
		assert.Equal(t, "u2", removal.ConversationID)
		assert.Equal(t, "", a.Selected())
		assert.Error(t, token.Err(), "selection token is canceled")
		assert.Equal(t, []string{"u3"}, conversationIDs(a.Conversations()))
		_, err = a.Conversation("u2")
		assert.ErrorIs(t, err, ErrConversationNotFound)
		checkInvariants(t, a.Conversations())
	})

	t.Run("other messages keep the conversation and selection", func(t *testing.T) {
		a := newTestAggregator([]models.InboxRecord{inboxRec("m1", "u2", 1, false)}, []models.SentRecord{sentRec("m2", "u2", 2)})
		token, err := a.Select("u2")
		require.NoError(t, err)

		removal, err := a.RemoveMessage("m1")

		require.NoError(t, err)
		assert.False(t, removal.ConversationRemoved)
		assert.False(t, removal.SelectionCleared)
		assert.Equal(t, "u2", a.Selected())
		assert.NoError(t, token.Err())
		conv, _ := a.Conversation("u2")
		assert.Equal(t, 0, conv.UnreadCount)
		checkInvariants(t, a.Conversations())
	})

	t.Run("unselected conversation is pruned without touching the selection", func(t *testing.T) {
		a := newTestAggregator([]models.InboxRecord{inboxRec("m1", "u2", 1, false), inboxRec("m2", "u3", 2, false)}, nil)
		_, err := a.Select("u3")
		require.NoError(t, err)

		removal, err := a.RemoveMessage("m1")

		require.NoError(t, err)
		assert.True(t, removal.ConversationRemoved)
		assert.False(t, removal.SelectionCleared)
		assert.Equal(t, "u3", a.Selected())
	})

	t.Run("unknown message", func(t *testing.T) {
		a := newTestAggregator(nil, nil)
		_, err := a.RemoveMessage("nope")
		assert.ErrorIs(t, err, ErrMessageNotFound)
	})
}

func TestAggregator_SelectCancelsPreviousToken(t *testing.T) {
	a := newTestAggregator([]models.InboxRecord{inboxRec("m1", "u2", 1, false), inboxRec("m2", "u3", 2, false)}, nil)

	first, err := a.Select("u2")
	require.NoError(t, err)
	second, err := a.Select("u3")
	require.NoError(t, err)

	assert.Error(t, first.Err())
	assert.NoError(t, second.Err())
	assert.Equal(t, "u3", a.Selected())

	_, err = a.Select("u9")
	assert.ErrorIs(t, err, ErrConversationNotFound)
	assert.Equal(t, "u3", a.Selected(), "failed select keeps the current one")

	a.ClearSelection()
	assert.Error(t, second.Err())
	assert.Equal(t, "", a.Selected())
}

func TestAggregator_PendingLifecycle(t *testing.T) {
	newPending := func(id string, minute int) func(conv *models.Conversation) (*models.Message, error) {
		return func(conv *models.Conversation) (*models.Message, error) {
			return &models.Message{
				ProvisionalID: id,
				SenderID:      me,
				RecipientID:   conv.ID(),
				Counterparty:  conv.Counterparty,
				Body:          "hi",
				CreatedAt:     at(minute),
				IsSentByMe:    true,
			}, nil
		}
	}

	t.Run("requires the conversation to be open", func(t *testing.T) {
		a := newTestAggregator([]models.InboxRecord{inboxRec("m1", "u2", 1, false)}, nil)
		_, err := a.AppendPending("u2", newPending("p1", 2))
		assert.ErrorIs(t, err, ErrNoOpenConversation)
	})

	t.Run("pending goes last even with an older clock", func(t *testing.T) {
		a := newTestAggregator([]models.InboxRecord{inboxRec("m1", "u2", 5, false)}, nil)
		_, _ = a.Select("u2")

		pending, err := a.AppendPending("u2", newPending("p1", 1))

		require.NoError(t, err)
		assert.Equal(t, models.DeliveryPending, pending.State)
		assert.True(t, at(5).Equal(pending.CreatedAt))
		conv, _ := a.Conversation("u2")
		assert.Equal(t, []string{"m1", "p1"}, messageIDs(conv))
		checkInvariants(t, a.Conversations())
	})

	t.Run("confirm swaps in the server copy", func(t *testing.T) {
		a := newTestAggregator([]models.InboxRecord{inboxRec("m1", "u2", 1, false)}, nil)
		_, _ = a.Select("u2")
		_, err := a.AppendPending("u2", newPending("p1", 2))
		require.NoError(t, err)

		server, _ := a.Normalizer().FromSent(sentRec("m9", "u2", 3))
		confirmed, err := a.ConfirmPending("p1", server)

		require.NoError(t, err)
		assert.Equal(t, "m9", confirmed.ID)
		assert.Equal(t, "p1", confirmed.ProvisionalID)
		assert.Equal(t, models.DeliveryConfirmed, confirmed.State)
		conv, _ := a.Conversation("u2")
		assert.Equal(t, []string{"m1", "m9"}, messageIDs(conv))
		assert.True(t, at(3).Equal(conv.LastActivity))
		checkInvariants(t, a.Conversations())
	})

	t.Run("confirm after the feed already delivered the message keeps one copy", func(t *testing.T) {
		inbox := []models.InboxRecord{inboxRec("m1", "u2", 1, false)}
		a := newTestAggregator(inbox, nil)
		_, _ = a.Select("u2")
		_, err := a.AppendPending("u2", newPending("p1", 2))
		require.NoError(t, err)

		a.Load(inbox, []models.SentRecord{sentRec("m9", "u2", 3)}, a.Generation(), nil)
		conv, _ := a.Conversation("u2")
		assert.Equal(t, []string{"m1", "m9", "p1"}, messageIDs(conv), "pending survives the reload")

		server, _ := a.Normalizer().FromSent(sentRec("m9", "u2", 3))
		_, err = a.ConfirmPending("p1", server)

		require.NoError(t, err)
		conv, _ = a.Conversation("u2")
		assert.Equal(t, []string{"m1", "m9"}, messageIDs(conv))
		checkInvariants(t, a.Conversations())
	})

	t.Run("fail removes the pending message", func(t *testing.T) {
		a := newTestAggregator([]models.InboxRecord{inboxRec("m1", "u2", 1, false)}, nil)
		_, _ = a.Select("u2")
		_, err := a.AppendPending("u2", newPending("p1", 2))
		require.NoError(t, err)

		failed, err := a.FailPending("p1")

		require.NoError(t, err)
		assert.Equal(t, models.DeliveryFailed, failed.State)
		conv, _ := a.Conversation("u2")
		assert.Equal(t, []string{"m1"}, messageIDs(conv))

		_, err = a.FailPending("p1")
		assert.ErrorIs(t, err, ErrMessageNotFound)
	})

	t.Run("pending messages cannot be deleted", func(t *testing.T) {
		a := newTestAggregator([]models.InboxRecord{inboxRec("m1", "u2", 1, false)}, nil)
		_, _ = a.Select("u2")
		_, err := a.AppendPending("u2", newPending("p1", 2))
		require.NoError(t, err)

		_, err = a.RemoveMessage("p1")
		assert.ErrorIs(t, err, ErrMessagePending)
	})
}

func TestAggregator_LoadKeepsLocalChangesNewerThanFetch(t *testing.T) {
	inbox := []models.InboxRecord{inboxRec("m1", "u2", 1, false), inboxRec("m2", "u3", 2, false)}

	t.Run("read mark made during the fetch survives", func(t *testing.T) {
		a := newTestAggregator(inbox, nil)
		since := a.Generation()
		_, err := a.MarkRead("m1")
		require.NoError(t, err)

		a.Load(inbox, nil, since, nil)

		conv, _ := a.Conversation("u2")
		assert.Equal(t, 0, conv.UnreadCount)
		checkInvariants(t, a.Conversations())
	})

	t.Run("deletion made during the fetch survives", func(t *testing.T) {
		a := newTestAggregator(inbox, nil)
		since := a.Generation()
		_, err := a.RemoveMessage("m2")
		require.NoError(t, err)

		a.Load(inbox, nil, since, nil)

		assert.Equal(t, []string{"u2"}, conversationIDs(a.Conversations()))
	})

	t.Run("sent message missing from an older fetch survives", func(t *testing.T) {
		a := newTestAggregator(inbox, nil)
		since := a.Generation()
		msg, _ := a.Normalizer().FromSent(sentRec("m9", "u4", 9))
		_, applied := a.Apply(msg)
		require.True(t, applied)

		a.Load(inbox, nil, since, nil)
		assert.Equal(t, []string{"u4", "u3", "u2"}, conversationIDs(a.Conversations()))

		a.Load(inbox, []models.SentRecord{sentRec("m9", "u4", 9)}, a.Generation(), nil)
		conv, _ := a.Conversation("u4")
		assert.Equal(t, []string{"m9"}, messageIDs(conv))
		checkInvariants(t, a.Conversations())
	})

	t.Run("changes older than the fetch yield to the server", func(t *testing.T) {
		a := newTestAggregator(inbox, nil)
		_, err := a.RemoveMessage("m2")
		require.NoError(t, err)
		since := a.Generation()

		a.Load(inbox, nil, since, nil)

		assert.Equal(t, []string{"u3", "u2"}, conversationIDs(a.Conversations()))
	})

	t.Run("unacknowledged reads stay read", func(t *testing.T) {
		a := newTestAggregator(inbox, nil)

		a.Load(inbox, nil, a.Generation(), []string{"m2"})

		conv, _ := a.Conversation("u3")
		assert.Equal(t, 0, conv.UnreadCount)
		assert.Equal(t, 1, a.UnreadTotal())
	})
}

func TestAggregator_LoadDropsVanishedSelection(t *testing.T) {
	a := newTestAggregator([]models.InboxRecord{inboxRec("m1", "u2", 1, false)}, nil)
	token, err := a.Select("u2")
	require.NoError(t, err)

	a.Load(nil, nil, a.Generation(), nil)

	assert.Equal(t, "", a.Selected())
	assert.Error(t, token.Err())
	assert.Empty(t, a.Conversations())
}

func TestAggregator_Summaries(t *testing.T) {
	inbox := []models.InboxRecord{
		{ID: "m1", Sender: &models.UserRef{ID: "u2", OrganizationName: "Harbor Food Bank"}, Subject: "Hours", Content: "Open Monday", CreatedAt: at(1)},
		{ID: "m2", Sender: &models.UserRef{ID: "u3", FirstName: "Sam"}, Subject: "Shelter beds", Content: "Any space\ntonight?", CreatedAt: at(2)},
	}
	a := newTestAggregator(inbox, nil)

	tests := []struct {
		query    string
		expected []string
	}{
		{query: "", expected: []string{"u3", "u2"}},
		{query: "food", expected: []string{"u2"}},
		{query: "SHELTER", expected: []string{"u3"}},
		{query: " monday ", expected: []string{"u2"}},
		{query: "pantry", expected: []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			rows := a.Summaries(tt.query)
			ids := make([]string, 0, len(rows))
			for _, r := range rows {
				ids = append(ids, r.Counterparty.ID)
			}
			assert.Equal(t, tt.expected, ids)
		})
	}

	rows := a.Summaries("sam")
	require.Len(t, rows, 1)
	assert.Equal(t, "Shelter beds", rows[0].LastSubject)
	assert.Equal(t, "Any space tonight?", rows[0].LastBodySnippet)
	assert.Equal(t, 1, rows[0].MessageCount)
	assert.Equal(t, 1, rows[0].UnreadCount)
}

func TestSnippet(t *testing.T) {
	long := ""
	for range 30 {
		long += "word "
	}
	got := snippet(long)
	assert.Len(t, []rune(got), snippetLength+3)
	assert.Equal(t, "short", snippet("  short \n"))
}
