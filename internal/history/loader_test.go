package history

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/chat-sync/internal/chat"
	"github.com/whisper/chat-sync/internal/session"
)

type staticTokens struct {
	token string
}

func (s staticTokens) Token() (session.Credential, bool) {
	if s.token == "" {
		return session.Credential{}, false
	}
	return session.Credential{AccessToken: s.token}, true
}

func newTestLoader(t *testing.T, handler http.HandlerFunc, token string) *Loader {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	cfg := DefaultConfig()
	cfg.BaseURL = srv.URL
	cfg.Limit = 50
	return NewLoader(cfg, staticTokens{token: token}, nil, zerolog.Nop())
}

func TestLoadHistory_Success(t *testing.T) {
	loader := newTestLoader(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/messages/2", r.URL.Path)
		assert.Equal(t, "50", r.URL.Query().Get("limit"))
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`[
			{"id":1,"sender_id":2,"receiver_id":1,"message":"hey","timestamp":"2025-03-01T12:00:00"},
			{"id":2,"sender_id":1,"receiver_id":2,"message":"yo","timestamp":"2025-03-01T12:00:05"}
		]`))
	}, "tok")

	msgs, err := loader.LoadHistory(context.Background(), chat.Contact{ID: 2})
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, "hey", msgs[0].Body)
	require.Equal(t, chat.UserID(2), msgs[0].SenderID)
	require.Equal(t, "yo", msgs[1].Body)
}

func TestLoadHistory_SortsOutOfOrderResult(t *testing.T) {
	loader := newTestLoader(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[
			{"sender_id":1,"receiver_id":2,"message":"second","timestamp":"2025-03-01T12:00:05Z"},
			{"sender_id":2,"receiver_id":1,"message":"first","timestamp":"2025-03-01T12:00:00Z"}
		]`))
	}, "tok")

	msgs, err := loader.LoadHistory(context.Background(), chat.Contact{ID: 2})
	require.NoError(t, err)
	require.Equal(t, "first", msgs[0].Body)
	require.Equal(t, "second", msgs[1].Body)
}

func TestLoadHistory_Unauthorized(t *testing.T) {
	for _, status := range []int{http.StatusUnauthorized, http.StatusForbidden} {
		loader := newTestLoader(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		}, "tok")

		msgs, err := loader.LoadHistory(context.Background(), chat.Contact{ID: 3})
		require.ErrorIs(t, err, chat.ErrSessionExpired, "status %d", status)
		require.NotErrorIs(t, err, chat.ErrUnavailable)
		require.Nil(t, msgs, "no partial data on auth failure")
	}
}

func TestLoadHistory_NoCredentialSkipsRequest(t *testing.T) {
	called := false
	loader := newTestLoader(t, func(w http.ResponseWriter, r *http.Request) {
		called = true
	}, "")

	_, err := loader.LoadHistory(context.Background(), chat.Contact{ID: 2})
	require.ErrorIs(t, err, chat.ErrSessionExpired)
	require.False(t, called)
}

func TestLoadHistory_ServerError(t *testing.T) {
	loader := newTestLoader(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}, "tok")

	_, err := loader.LoadHistory(context.Background(), chat.Contact{ID: 2})
	require.ErrorIs(t, err, chat.ErrUnavailable)
	require.NotErrorIs(t, err, chat.ErrSessionExpired)
}

func TestLoadHistory_BadBody(t *testing.T) {
	loader := newTestLoader(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"not":"a list"`))
	}, "tok")

	_, err := loader.LoadHistory(context.Background(), chat.Contact{ID: 2})
	require.ErrorIs(t, err, chat.ErrUnavailable)
}

func TestLoadHistory_Timeout(t *testing.T) {
	release := make(chan struct{})
	loader := newTestLoader(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}, "tok")
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := loader.LoadHistory(ctx, chat.Contact{ID: 2})
	require.ErrorIs(t, err, chat.ErrUnavailable)
}

func TestLoadContacts(t *testing.T) {
	loader := newTestLoader(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/users", r.URL.Path)
		_, _ = w.Write([]byte(`[{"id":2,"username":"bob","email":"bob@example.com"},{"id":3,"username":"carol","email":"carol@example.com"}]`))
	}, "tok")

	contacts, err := loader.LoadContacts(context.Background())
	require.NoError(t, err)
	require.Len(t, contacts, 2)
	require.Equal(t, "bob", contacts[0].Username)
	require.Equal(t, chat.UserID(3), contacts[1].ID)
}

func TestLoadContacts_Unauthorized(t *testing.T) {
	loader := newTestLoader(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}, "tok")

	_, err := loader.LoadContacts(context.Background())
	require.ErrorIs(t, err, chat.ErrSessionExpired)
}
