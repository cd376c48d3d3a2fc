package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/whisper/chat-sync/internal/chat"
)

const (
	// SessionPrefix is the Redis key prefix for persisted client sessions.
	SessionPrefix = "chatsync:session:"

	// DefaultSessionTTL bounds how long a credential without an expiry claim
	// is kept.
	DefaultSessionTTL = 24 * time.Hour
)

// Record is a persisted session.
type Record struct {
	Identity   chat.Identity
	Credential Credential
	ExpiresAt  time.Time // zero when the token carries no expiry
}

// Store persists the session credential between runs.
type Store interface {
	Save(ctx context.Context, rec Record) error
	// Load returns nil, nil when nothing is stored.
	Load(ctx context.Context) (*Record, error)
	Delete(ctx context.Context) error
}

// MemoryStore keeps the record in process memory.
type MemoryStore struct {
	mu  sync.Mutex
	rec *Record
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Save(_ context.Context, rec Record) error {
	s.mu.Lock()
	s.rec = &rec
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Load(_ context.Context) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rec == nil {
		return nil, nil
	}
	rec := *s.rec
	return &rec, nil
}

func (s *MemoryStore) Delete(_ context.Context) error {
	s.mu.Lock()
	s.rec = nil
	s.mu.Unlock()
	return nil
}

// redisRecord is the hash layout of a persisted session.
type redisRecord struct {
	UserID       int64  `redis:"user_id"`
	Username     string `redis:"username"`
	Email        string `redis:"email"`
	AccessToken  string `redis:"access_token"`
	RefreshToken string `redis:"refresh_token"`
	ExpiresAt    int64  `redis:"expires_at"` // unix seconds, 0 if none
}

// RedisStore persists the session as a Redis hash keyed by profile name, so
// several local profiles can coexist on one Redis.
type RedisStore struct {
	client *redis.Client
	key    string
	now    func() time.Time
}

// NewRedisStore connects to Redis and returns a store for the given profile.
func NewRedisStore(redisAddr string, profile string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	// Verify connection.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}

	return NewRedisStoreWithClient(client, profile), nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client *redis.Client, profile string) *RedisStore {
	return &RedisStore{client: client, key: SessionPrefix + profile, now: time.Now}
}

// Save writes the record and sets the key TTL to the token expiry, or to
// DefaultSessionTTL when the token has none.
func (s *RedisStore) Save(ctx context.Context, rec Record) error {
	ttl := DefaultSessionTTL
	var expiresAt int64
	if !rec.ExpiresAt.IsZero() {
		ttl = rec.ExpiresAt.Sub(s.now())
		if ttl <= 0 {
			return s.Delete(ctx)
		}
		expiresAt = rec.ExpiresAt.Unix()
	}

	fields := map[string]interface{}{
		"user_id":       int64(rec.Identity.ID),
		"username":      rec.Identity.Username,
		"email":         rec.Identity.Email,
		"access_token":  rec.Credential.AccessToken,
		"refresh_token": rec.Credential.RefreshToken,
		"expires_at":    expiresAt,
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, s.key, fields)
	pipe.Expire(ctx, s.key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: save: %w", err)
	}
	return nil
}

// Load reads the record. Returns nil if not found.
func (s *RedisStore) Load(ctx context.Context) (*Record, error) {
	var rr redisRecord
	if err := s.client.HGetAll(ctx, s.key).Scan(&rr); err != nil {
		return nil, fmt.Errorf("session: load: %w", err)
	}
	if rr.AccessToken == "" {
		return nil, nil // not found
	}

	rec := &Record{
		Identity: chat.Identity{
			ID:       chat.UserID(rr.UserID),
			Username: rr.Username,
			Email:    rr.Email,
		},
		Credential: Credential{
			AccessToken:  rr.AccessToken,
			RefreshToken: rr.RefreshToken,
		},
	}
	if rr.ExpiresAt > 0 {
		rec.ExpiresAt = time.Unix(rr.ExpiresAt, 0)
	}
	return rec, nil
}

// Delete removes the persisted session.
func (s *RedisStore) Delete(ctx context.Context) error {
	if err := s.client.Del(ctx, s.key).Err(); err != nil {
		return fmt.Errorf("session: delete: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
