// Package history fetches past messages and the contact set from the chat
// service's REST endpoints. Every request is a single shot: an authorization
// failure is reported as chat.ErrSessionExpired, any other failure as
// chat.ErrUnavailable, and nothing is retried.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/whisper/chat-sync/internal/chat"
	"github.com/whisper/chat-sync/internal/metrics"
	"github.com/whisper/chat-sync/internal/session"
)

// Config holds the REST endpoint settings.
type Config struct {
	BaseURL string        // e.g. http://localhost:5000
	Limit   int           // max messages per history load
	Timeout time.Duration // per-request timeout
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://localhost:5000",
		Limit:   100,
		Timeout: 10 * time.Second,
	}
}

// TokenSource hands out the current bearer credential.
type TokenSource interface {
	Token() (session.Credential, bool)
}

// Loader implements the history and contacts requests.
type Loader struct {
	config Config
	tokens TokenSource
	http   *http.Client
	logger zerolog.Logger
}

// NewLoader creates a Loader. A nil httpClient gets one with config.Timeout.
func NewLoader(config Config, tokens TokenSource, httpClient *http.Client, logger zerolog.Logger) *Loader {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: config.Timeout}
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	return &Loader{
		config: config,
		tokens: tokens,
		http:   httpClient,
		logger: logger.With().Str("component", "history").Logger(),
	}
}

// LoadHistory returns the messages exchanged with contact, oldest first.
func (l *Loader) LoadHistory(ctx context.Context, contact chat.Contact) ([]chat.Message, error) {
	path := "/api/messages/" + contact.ID.String()
	if l.config.Limit > 0 {
		path += "?" + url.Values{"limit": {strconv.Itoa(l.config.Limit)}}.Encode()
	}

	var msgs []chat.Message
	if err := l.get(ctx, "history", path, &msgs); err != nil {
		return nil, fmt.Errorf("history: load contact %s: %w", contact.ID, err)
	}

	if !sort.SliceIsSorted(msgs, func(i, j int) bool { return msgs[i].Timestamp.Before(msgs[j].Timestamp.Time) }) {
		l.logger.Warn().Str("contact_id", contact.ID.String()).Msg("history not in chronological order, sorting")
		sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].Timestamp.Before(msgs[j].Timestamp.Time) })
	}

	l.logger.Debug().Str("contact_id", contact.ID.String()).Int("count", len(msgs)).Msg("history loaded")
	return msgs, nil
}

// LoadContacts returns the set of users the local user may converse with.
func (l *Loader) LoadContacts(ctx context.Context) ([]chat.Contact, error) {
	var contacts []chat.Contact
	if err := l.get(ctx, "contacts", "/api/users", &contacts); err != nil {
		return nil, fmt.Errorf("history: load contacts: %w", err)
	}
	l.logger.Debug().Int("count", len(contacts)).Msg("contacts loaded")
	return contacts, nil
}

// get performs an authorized GET and decodes the JSON body into out. The
// returned error wraps chat.ErrSessionExpired or chat.ErrUnavailable.
func (l *Loader) get(ctx context.Context, endpoint, path string, out interface{}) (err error) {
	start := time.Now()
	defer func() {
		result := "ok"
		switch {
		case err == nil:
		case isExpired(err):
			result = "expired"
		default:
			result = "unavailable"
		}
		metrics.RequestLatency.WithLabelValues(endpoint, result).Observe(time.Since(start).Seconds())
	}()

	cred, ok := l.tokens.Token()
	if !ok {
		return fmt.Errorf("no valid credential: %w", chat.ErrSessionExpired)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.config.BaseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w: %w", chat.ErrUnavailable, err)
	}
	req.Header.Set("Authorization", "Bearer "+cred.AccessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := l.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", chat.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("status %d: %w", resp.StatusCode, chat.ErrSessionExpired)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("status %d: %w", resp.StatusCode, chat.ErrUnavailable)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w: %w", chat.ErrUnavailable, err)
	}
	return nil
}

func isExpired(err error) bool {
	return errors.Is(err, chat.ErrSessionExpired)
}
