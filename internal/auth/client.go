// Package auth talks to the authentication service: it exchanges a login for
// a bearer token pair and the local user's identity.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/whisper/chat-sync/internal/chat"
	"github.com/whisper/chat-sync/internal/session"
)

// ErrInvalidCredentials is returned when the service rejects the login.
var ErrInvalidCredentials = errors.New("invalid credentials")

// Error is a failed login as reported by the service: the HTTP status and the
// service's msg field.
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("auth: login failed (%d): %s", e.Status, e.Message)
}

// Unwrap classifies the failure: 4xx is a rejection of the credentials,
// anything else is transient.
func (e *Error) Unwrap() error {
	if e.Status >= 400 && e.Status < 500 {
		return ErrInvalidCredentials
	}
	return chat.ErrUnavailable
}

// LoginResponse is the body of a successful login.
type LoginResponse struct {
	AccessToken  string        `json:"access_token"`
	RefreshToken string        `json:"refresh_token"`
	User         chat.Identity `json:"user"`
}

// Credential returns the token pair.
func (r LoginResponse) Credential() session.Credential {
	return session.Credential{AccessToken: r.AccessToken, RefreshToken: r.RefreshToken}
}

// Client calls the authentication endpoints under BaseURL.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a Client. A nil httpClient gets a 10s timeout client.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient}
}

// Login posts {email, password} to /api/login.
func (c *Client) Login(ctx context.Context, email, password string) (*LoginResponse, error) {
	body, err := json.Marshal(map[string]string{"email": email, "password": password})
	if err != nil {
		return nil, fmt.Errorf("auth: marshal login: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/login", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("auth: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("auth: login: %w: %w", chat.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("auth: read response: %w: %w", chat.ErrUnavailable, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var failure struct {
			Msg   string `json:"msg"`
			Error string `json:"error"`
		}
		_ = json.Unmarshal(data, &failure)
		msg := failure.Msg
		if msg == "" {
			msg = failure.Error
		}
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return nil, &Error{Status: resp.StatusCode, Message: msg}
	}

	var out LoginResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("auth: decode response: %w: %w", chat.ErrUnavailable, err)
	}
	if out.AccessToken == "" {
		return nil, fmt.Errorf("auth: response has no access token: %w", chat.ErrUnavailable)
	}
	return &out, nil
}
