package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/vdavid/helphub/backend/internal/models"
)

// Operations of the fake backend that can be made to fail.
const (
	OpCurrentUser = "current_user"
	OpFetch       = "fetch"
	OpSend        = "send"
	OpMarkRead    = "mark_read"
	OpDelete      = "delete"
)

const defaultFakePageSize = 20

type fakeMessage struct {
	id         string
	senderID   string
	receiverID string
	subject    string
	content    string
	resourceID string
	priority   models.Priority
	createdAt  time.Time
	read       bool
}

// FakeBackend is an in-memory messaging backend that speaks the same JSON
// API as the real one. Seed it with AddUser, AddResource and AddMessage.
type FakeBackend struct {
	mu        sync.Mutex
	users     map[string]models.User // by id
	tokens    map[string]string      // token -> user id
	resources map[string]models.Resource
	messages  map[string]*fakeMessage
	failures  map[string]int // op -> status
	requests  map[string]int // op -> count
	nextID    int
	clock     time.Time

	router chi.Router
}

// NewFakeBackend creates an empty backend. Message timestamps start at
// 2024-01-01 and advance one minute per message.
func NewFakeBackend() *FakeBackend {
	b := &FakeBackend{
		users:     make(map[string]models.User),
		tokens:    make(map[string]string),
		resources: make(map[string]models.Resource),
		messages:  make(map[string]*fakeMessage),
		failures:  make(map[string]int),
		requests:  make(map[string]int),
		clock:     time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC),
	}
	b.router = b.routes()
	return b
}

// StartFakeBackend serves a new FakeBackend until the test finishes.
func StartFakeBackend(t *testing.T) (*FakeBackend, string) {
	t.Helper()
	b := NewFakeBackend()
	server := httptest.NewServer(b)
	t.Cleanup(server.Close)
	return b, server.URL
}

func (b *FakeBackend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.router.ServeHTTP(w, r)
}

// AddUser registers user and the token that authenticates as them.
func (b *FakeBackend) AddUser(user models.User, token string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.users[user.ID] = user
	b.tokens[token] = user.ID
}

// AddResource registers a resource listing.
func (b *FakeBackend) AddResource(res models.Resource) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resources[res.ID] = res
}

// AddMessage stores a message from senderID to recipientID and returns its id.
func (b *FakeBackend) AddMessage(senderID, recipientID, subject, content string, read bool) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	m := b.store(senderID, recipientID, subject, content, "", models.PriorityNormal)
	m.read = read
	return m.id
}

// Fail makes every request for op answer with status until ClearFailures.
func (b *FakeBackend) Fail(op string, status int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures[op] = status
}

// ClearFailures makes every operation succeed again.
func (b *FakeBackend) ClearFailures() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = make(map[string]int)
}

// Requests returns how many requests op received, failed ones included.
func (b *FakeBackend) Requests(op string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.requests[op]
}

// IsRead reports whether the recipient has read the message.
func (b *FakeBackend) IsRead(messageID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.messages[messageID]
	return ok && m.read
}

// HasMessage reports whether the message exists.
func (b *FakeBackend) HasMessage(messageID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.messages[messageID]
	return ok
}

func (b *FakeBackend) routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/api/auth/user/", b.handleCurrentUser)
	r.Get("/api/messages/inbox/", b.handleInbox)
	r.Get("/api/messages/sent/", b.handleSent)
	r.Get("/api/messages/unread_count/", b.handleUnreadCount)
	r.Post("/api/messages/", b.handleSend)
	r.Post("/api/messages/{id}/mark_read/", b.handleMarkRead)
	r.Delete("/api/messages/{id}/", b.handleDelete)
	r.Get("/api/resources/", b.handleSearchResources)
	r.Get("/api/resources/{id}/", b.handleGetResource)
	return r
}

// begin authenticates the request and applies injected failures.
// The lock is held on success and must be released by the caller.
func (b *FakeBackend) begin(w http.ResponseWriter, r *http.Request, op string) (string, bool) {
	b.mu.Lock()
	b.requests[op]++

	if status, ok := b.failures[op]; ok {
		b.mu.Unlock()
		writeFakeError(w, status, "", "injected failure")
		return "", false
	}

	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	userID, ok := b.tokens[token]
	if !ok {
		b.mu.Unlock()
		writeFakeError(w, http.StatusUnauthorized, "not_authenticated", "Invalid token.")
		return "", false
	}
	return userID, true
}

func (b *FakeBackend) handleCurrentUser(w http.ResponseWriter, r *http.Request) {
	userID, ok := b.begin(w, r, OpCurrentUser)
	if !ok {
		return
	}
	user := b.users[userID]
	b.mu.Unlock()

	writeFakeJSON(w, http.StatusOK, user)
}

func (b *FakeBackend) handleInbox(w http.ResponseWriter, r *http.Request) {
	userID, ok := b.begin(w, r, OpFetch)
	if !ok {
		return
	}
	var records []models.InboxRecord
	for _, m := range b.sortedMessages() {
		if m.receiverID == userID {
			records = append(records, b.inboxRecord(m))
		}
	}
	b.mu.Unlock()

	writeFakeJSON(w, http.StatusOK, paginate(r, records))
}

func (b *FakeBackend) handleSent(w http.ResponseWriter, r *http.Request) {
	userID, ok := b.begin(w, r, OpFetch)
	if !ok {
		return
	}
	var records []models.SentRecord
	for _, m := range b.sortedMessages() {
		if m.senderID == userID {
			records = append(records, b.sentRecord(m))
		}
	}
	b.mu.Unlock()

	writeFakeJSON(w, http.StatusOK, paginate(r, records))
}

func (b *FakeBackend) handleUnreadCount(w http.ResponseWriter, r *http.Request) {
	userID, ok := b.begin(w, r, OpFetch)
	if !ok {
		return
	}
	count := 0
	for _, m := range b.messages {
		if m.receiverID == userID && !m.read {
			count++
		}
	}
	b.mu.Unlock()

	writeFakeJSON(w, http.StatusOK, map[string]int{"unread_count": count})
}

func (b *FakeBackend) handleSend(w http.ResponseWriter, r *http.Request) {
	userID, ok := b.begin(w, r, OpSend)
	if !ok {
		return
	}
	defer b.mu.Unlock()

	var req models.SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeFakeError(w, http.StatusBadRequest, "invalid", "Malformed body.")
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		writeFakeError(w, http.StatusBadRequest, "invalid", "Content may not be blank.")
		return
	}

	recipient := req.RecipientID
	if req.ResourceID != "" {
		res, ok := b.resources[req.ResourceID]
		if !ok {
			writeFakeError(w, http.StatusNotFound, "not_found", "Resource not found.")
			return
		}
		if recipient == "" {
			recipient = res.OwnerID
		}
	}
	if recipient == "" {
		writeFakeError(w, http.StatusBadRequest, "invalid", "A recipient or resource is required.")
		return
	}
	if recipient == userID {
		writeFakeError(w, http.StatusBadRequest, "self_message", "You cannot send a message to yourself.")
		return
	}
	if _, ok := b.users[recipient]; !ok {
		writeFakeError(w, http.StatusNotFound, "not_found", "Recipient not found.")
		return
	}

	priority := req.Priority
	if priority == "" {
		priority = models.PriorityNormal
	}
	m := b.store(userID, recipient, req.Subject, req.Content, req.ResourceID, priority)
	writeFakeJSON(w, http.StatusCreated, b.sentRecord(m))
}

func (b *FakeBackend) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	userID, ok := b.begin(w, r, OpMarkRead)
	if !ok {
		return
	}
	defer b.mu.Unlock()

	m, ok := b.messages[chi.URLParam(r, "id")]
	if !ok {
		writeFakeError(w, http.StatusNotFound, "not_found", "Not found.")
		return
	}
	if m.receiverID != userID {
		writeFakeError(w, http.StatusForbidden, "forbidden", "Only the recipient can mark a message read.")
		return
	}
	m.read = true
	writeFakeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (b *FakeBackend) handleDelete(w http.ResponseWriter, r *http.Request) {
	userID, ok := b.begin(w, r, OpDelete)
	if !ok {
		return
	}
	defer b.mu.Unlock()

	id := chi.URLParam(r, "id")
	m, ok := b.messages[id]
	if !ok {
		writeFakeError(w, http.StatusNotFound, "not_found", "Not found.")
		return
	}
	if m.senderID != userID && m.receiverID != userID {
		writeFakeError(w, http.StatusForbidden, "forbidden", "Not a participant.")
		return
	}
	delete(b.messages, id)
	w.WriteHeader(http.StatusNoContent)
}

func (b *FakeBackend) handleGetResource(w http.ResponseWriter, r *http.Request) {
	if _, ok := b.begin(w, r, OpFetch); !ok {
		return
	}
	res, ok := b.resources[chi.URLParam(r, "id")]
	b.mu.Unlock()

	if !ok {
		writeFakeError(w, http.StatusNotFound, "not_found", "Not found.")
		return
	}
	writeFakeJSON(w, http.StatusOK, res)
}

func (b *FakeBackend) handleSearchResources(w http.ResponseWriter, r *http.Request) {
	if _, ok := b.begin(w, r, OpFetch); !ok {
		return
	}
	query := strings.ToLower(r.URL.Query().Get("search"))
	var hits []models.Resource
	for _, res := range b.resources {
		if strings.Contains(strings.ToLower(res.Title), query) {
			hits = append(hits, res)
		}
	}
	b.mu.Unlock()

	sort.Slice(hits, func(i, j int) bool { return hits[i].ID < hits[j].ID })
	writeFakeJSON(w, http.StatusOK, models.Page[models.Resource]{Count: len(hits), Results: hits})
}

// store must be called with the lock held.
func (b *FakeBackend) store(senderID, recipientID, subject, content, resourceID string, priority models.Priority) *fakeMessage {
	b.nextID++
	b.clock = b.clock.Add(time.Minute)
	m := &fakeMessage{
		id:         strconv.Itoa(b.nextID),
		senderID:   senderID,
		receiverID: recipientID,
		subject:    subject,
		content:    content,
		resourceID: resourceID,
		priority:   priority,
		createdAt:  b.clock,
	}
	b.messages[m.id] = m
	return m
}

// sortedMessages returns every message newest first, the feeds' order.
func (b *FakeBackend) sortedMessages() []*fakeMessage {
	out := make([]*fakeMessage, 0, len(b.messages))
	for _, m := range b.messages {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].createdAt.Equal(out[j].createdAt) {
			return out[i].createdAt.After(out[j].createdAt)
		}
		return out[i].id > out[j].id
	})
	return out
}

func (b *FakeBackend) userRef(id string) *models.UserRef {
	u, ok := b.users[id]
	if !ok {
		return &models.UserRef{ID: id}
	}
	return &models.UserRef{
		ID:               u.ID,
		Username:         u.Username,
		FirstName:        u.FirstName,
		LastName:         u.LastName,
		OrganizationName: u.OrganizationName,
	}
}

func (b *FakeBackend) resourceRef(id string) *models.ResourceRef {
	if id == "" {
		return nil
	}
	return &models.ResourceRef{ID: id, Title: b.resources[id].Title}
}

func (b *FakeBackend) inboxRecord(m *fakeMessage) models.InboxRecord {
	return models.InboxRecord{
		ID:        m.id,
		Sender:    b.userRef(m.senderID),
		Recipient: b.userRef(m.receiverID),
		Subject:   m.subject,
		Content:   m.content,
		Resource:  b.resourceRef(m.resourceID),
		Priority:  m.priority,
		CreatedAt: m.createdAt,
		IsRead:    m.read,
	}
}

func (b *FakeBackend) sentRecord(m *fakeMessage) models.SentRecord {
	return models.SentRecord{
		ID:        m.id,
		Sender:    b.userRef(m.senderID),
		Recipient: b.userRef(m.receiverID),
		Subject:   m.subject,
		Content:   m.content,
		Resource:  b.resourceRef(m.resourceID),
		Priority:  m.priority,
		CreatedAt: m.createdAt,
		IsRead:    m.read,
	}
}

// paginate slices records by the page and page_size query parameters and
// links the next page the way the real backend does.
func paginate[T any](r *http.Request, records []T) models.Page[T] {
	q := r.URL.Query()
	size, err := strconv.Atoi(q.Get("page_size"))
	if err != nil || size <= 0 {
		size = defaultFakePageSize
	}
	page, err := strconv.Atoi(q.Get("page"))
	if err != nil || page <= 0 {
		page = 1
	}

	start := min((page-1)*size, len(records))
	end := min(start+size, len(records))
	out := models.Page[T]{Count: len(records), Results: records[start:end]}
	if out.Results == nil {
		out.Results = []T{}
	}

	if end < len(records) {
		next := url.URL{Path: r.URL.Path}
		nq := url.Values{}
		nq.Set("page", strconv.Itoa(page+1))
		nq.Set("page_size", strconv.Itoa(size))
		next.RawQuery = nq.Encode()
		out.Next = next.String()
	}
	return out
}

func writeFakeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeFakeError(w http.ResponseWriter, status int, code, detail string) {
	writeFakeJSON(w, status, map[string]string{"code": code, "detail": detail})
}
