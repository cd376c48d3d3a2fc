package session

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/whisper/chat-sync/internal/chat"
)

// Credential is the bearer token pair issued by the authentication service.
type Credential struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// Context is the session context of the local user. All methods are safe for
// concurrent use; Clear in particular may be called from any component that
// observes an authorization failure.
type Context struct {
	mu       sync.RWMutex
	identity *chat.Identity
	cred     *Credential
	store    Store
	onClear  []func()
	logger   zerolog.Logger
	now      func() time.Time
}

// New creates an unauthenticated Context. A nil store keeps the session in
// process memory only.
func New(store Store, logger zerolog.Logger) *Context {
	if store == nil {
		store = NewMemoryStore()
	}
	return &Context{
		store:  store,
		logger: logger.With().Str("component", "session").Logger(),
		now:    time.Now,
	}
}

// Establish installs a freshly issued credential and persists it.
func (c *Context) Establish(ctx context.Context, identity chat.Identity, cred Credential) error {
	c.mu.Lock()
	c.identity = &identity
	c.cred = &cred
	c.mu.Unlock()

	rec := Record{Identity: identity, Credential: cred}
	if exp, ok := TokenExpiry(cred.AccessToken); ok {
		rec.ExpiresAt = exp
	}
	if err := c.store.Save(ctx, rec); err != nil {
		return err
	}
	c.logger.Info().Str("user_id", identity.ID.String()).Msg("session established")
	return nil
}

// Restore loads a persisted session. It returns false when nothing usable was
// stored; an expired stored credential is deleted.
func (c *Context) Restore(ctx context.Context) (bool, error) {
	rec, err := c.store.Load(ctx)
	if err != nil {
		return false, err
	}
	if rec == nil || rec.Credential.AccessToken == "" {
		return false, nil
	}

	c.mu.Lock()
	c.identity = &rec.Identity
	c.cred = &rec.Credential
	c.mu.Unlock()

	if !c.IsAuthenticated() {
		c.logger.Info().Msg("stored credential has expired")
		c.Clear()
		return false, nil
	}
	c.logger.Info().Str("user_id", rec.Identity.ID.String()).Msg("session restored")
	return true, nil
}

// IsAuthenticated reports whether a credential is held and, when the access
// token carries an expiry, that it has not passed.
func (c *Context) IsAuthenticated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.validLocked()
}

// Token returns the current credential, or false when the session is not
// authenticated.
func (c *Context) Token() (Credential, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.validLocked() {
		return Credential{}, false
	}
	return *c.cred, true
}

// Identity returns the local user, or false when no session is held.
func (c *Context) Identity() (chat.Identity, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.identity == nil {
		return chat.Identity{}, false
	}
	return *c.identity, true
}

// OnClear registers fn to run after the session has been cleared. Hooks run
// once per Clear that actually dropped a credential.
func (c *Context) OnClear(fn func()) {
	c.mu.Lock()
	c.onClear = append(c.onClear, fn)
	c.mu.Unlock()
}

// Clear drops the credential and identity, in memory and in the store. It is
// idempotent.
func (c *Context) Clear() {
	c.mu.Lock()
	held := c.cred != nil || c.identity != nil
	c.cred = nil
	c.identity = nil
	hooks := append([]func(){}, c.onClear...)
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := c.store.Delete(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("failed to delete stored credential")
	}

	if !held {
		return
	}
	c.logger.Info().Msg("session cleared")
	for _, fn := range hooks {
		fn()
	}
}

func (c *Context) validLocked() bool {
	if c.cred == nil || c.cred.AccessToken == "" {
		return false
	}
	if exp, ok := TokenExpiry(c.cred.AccessToken); ok && !c.now().Before(exp) {
		return false
	}
	return true
}
