package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/helphub/backend/internal/helpapi"
	"github.com/vdavid/helphub/backend/internal/messaging"
	"github.com/vdavid/helphub/backend/internal/models"
	"github.com/vdavid/helphub/backend/internal/testutil"
)

const (
	aliceToken = "token-alice"
	bobToken   = "token-bob"
)

// testEnv is a router wired to a fake messaging backend.
type testEnv struct {
	backend *testutil.FakeBackend
	acks    *testutil.MemoryReadAckQueue
	manager *messaging.Manager
	handler http.Handler
	// Ids of the seeded messages.
	bobHello, aliceReply, carolQuestion string
}

// newTestEnv seeds alice (u1) with a two-message thread with bob (u2) and an
// unread question from carol (u3). Resource r1 belongs to bob, r2 to alice
// and r3 has no owner.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	backend, url := testutil.StartFakeBackend(t)
	backend.AddUser(models.User{ID: "u1", Username: "alice", FirstName: "Alice"}, aliceToken)
	backend.AddUser(models.User{ID: "u2", Username: "bob", FirstName: "Bob", LastName: "Smith"}, bobToken)
	backend.AddUser(models.User{ID: "u3", Username: "carol", OrganizationName: "Community Pantry"}, "token-carol")
	backend.AddResource(models.Resource{ID: "r1", Title: "Food Bank", OwnerID: "u2"})
	backend.AddResource(models.Resource{ID: "r2", Title: "Night Shelter", OwnerID: "u1"})
	backend.AddResource(models.Resource{ID: "r3", Title: "Orphaned Listing"})

	env := &testEnv{backend: backend, acks: testutil.NewMemoryReadAckQueue()}
	env.bobHello = backend.AddMessage("u2", "u1", "Hi", "Hello Alice", false)
	env.aliceReply = backend.AddMessage("u1", "u2", "Re: Hi", "Hello Bob", true)
	env.carolQuestion = backend.AddMessage("u3", "u1", "Opening times", "Are you open on Sunday?", false)

	client, err := helpapi.New(helpapi.Options{BaseURL: url, Timeout: 2 * time.Second})
	require.NoError(t, err)

	env.manager = messaging.NewManager(
		func(token string) messaging.Backend { return client.ForUser(token) },
		env.acks,
		messaging.ManagerConfig{
			Session:           messaging.SessionConfig{PageSize: 1, ReadAckMaxAttempts: 3},
			ReconcileInterval: time.Hour,
		},
		zerolog.Nop(),
	)
	t.Cleanup(env.manager.Close)

	env.handler = NewRouter(env.manager, zerolog.Nop())
	return env
}

// do sends a request through the router. A non-nil body is encoded as JSON.
func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	return rr
}

func decodeResponse[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&out), "body: %s", rr.Body.String())
	return out
}
