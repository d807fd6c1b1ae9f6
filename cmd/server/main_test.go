package main

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/helphub/backend/internal/config"
	"github.com/vdavid/helphub/backend/internal/models"
	"github.com/vdavid/helphub/backend/internal/testutil"
)

func getTestConfig(apiBaseURL string) *config.Config {
	return &config.Config{
		Environment:          "test",
		APIBaseURL:           apiBaseURL,
		DBHost:               "localhost",
		DBPort:               "5432",
		DBUsername:           "helphub",
		DBPassword:           "helphub",
		DBName:               "helphub",
		DBSSLMode:            "disable",
		Port:                 "8080",
		Timezone:             "UTC",
		PageSize:             50,
		MaxPages:             5,
		RequestTimeout:       2 * time.Second,
		ReconcileInterval:    time.Hour,
		SessionIdleTimeout:   time.Hour,
		ReadAckMaxAttempts:   3,
		AvatarPlaceholderURL: "https://ui-avatars.com/api/",
	}
}

func TestNewServer(t *testing.T) {
	backend, url := testutil.StartFakeBackend(t)
	backend.AddUser(models.User{ID: "u1", Username: "alice"}, "token-alice")
	backend.AddUser(models.User{ID: "u2", Username: "bob"}, "token-bob")
	backend.AddMessage("u2", "u1", "Hello", "Are you there?", false)

	server, err := NewServer(getTestConfig(url), testutil.NewMemoryReadAckQueue())
	require.NoError(t, err)
	defer server.Close()

	t.Run("serves the health text", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		w := httptest.NewRecorder()

		server.ServeHTTP(w, req)

		res := w.Result()
		defer func(Body io.ReadCloser) {
			err := Body.Close()
			if err != nil {
				t.Fatalf("failed to close response body: %v", err)
			}
		}(res.Body)

		assert.Equal(t, http.StatusOK, res.StatusCode)
		assert.Equal(t, "text/plain", res.Header.Get("Content-Type"))

		body, err := io.ReadAll(res.Body)
		require.NoError(t, err)
		assert.Equal(t, "HelpHub messaging API is running", string(body))
	})

	t.Run("serves conversations from the configured backend", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/unread-count", nil)
		req.Header.Set("Authorization", "Bearer token-alice")
		w := httptest.NewRecorder()

		server.ServeHTTP(w, req)

		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		var resp struct {
			UnreadCount int `json:"unread_count"`
		}
		require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
		assert.Equal(t, 1, resp.UnreadCount)
	})
}

func TestNewServerInvalidConfig(t *testing.T) {
	_, err := NewServer(getTestConfig("not a url"), testutil.NewMemoryReadAckQueue())
	assert.Error(t, err)
}

func TestServe(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	address := listener.Addr().String()
	require.NoError(t, listener.Close())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	go func() {
		done <- Serve(ctx, address, handler, zerolog.Nop())
	}()

	require.Eventually(t, func() bool {
		res, err := http.Get("http://" + address + "/")
		if err != nil {
			return false
		}
		_ = res.Body.Close()
		return res.StatusCode == http.StatusTeapot
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestServeAddressInUse(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = listener.Close() }()

	err = Serve(context.Background(), listener.Addr().String(), http.NotFoundHandler(), zerolog.Nop())
	assert.Error(t, err)
}
