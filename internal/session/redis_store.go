// Package session provides redis-backed editor session state shared across
// API instances: the submit-in-flight flag, the export-URL de-duplication
// window and the in-progress draft working copy.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"evalsync/api/internal/schema"
)

// ErrDraftNotFound is returned when no working copy exists for a draft id.
var ErrDraftNotFound = errors.New("draft state not found")

// DraftState is the durable in-progress template record. It survives
// navigation and instance restarts within one editing session.
type DraftState struct {
	Name              string        `json:"name"`
	Description       string        `json:"description,omitempty"`
	DepartmentID      string        `json:"departmentId"`
	SourceDocumentURL string        `json:"sourceDocumentUrl,omitempty"`
	EditedDocumentURL string        `json:"editedDocumentUrl,omitempty"`
	TemplateID        string        `json:"templateId,omitempty"`
	OriginalID        string        `json:"originalId,omitempty"`
	SessionKey        string        `json:"sessionKey,omitempty"`
	Schema            schema.Schema `json:"schema"`
	UpdatedAt         time.Time     `json:"updatedAt"`
}

// RedisStore implements the shared session state on Redis.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisStore{client: client}, nil
}

// NewRedisStoreWithClient creates a store from an existing Redis client.
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func submitKey(sessionKey string) string { return "submit:" + sessionKey }
func exportKey(url string) string        { return "export-url:" + url }
func draftKey(draftID string) string     { return "draft:" + draftID }

// MarkSubmitInFlight records that a submit for the session key is in
// progress. The TTL bounds how long a crashed instance can block drafts.
func (s *RedisStore) MarkSubmitInFlight(ctx context.Context, sessionKey string, ttl time.Duration) error {
	if err := s.client.Set(ctx, submitKey(sessionKey), "1", ttl).Err(); err != nil {
		return fmt.Errorf("mark submit in flight: %w", err)
	}
	return nil
}

// ClearSubmitInFlight removes the flag. Called on both the success and the
// failure path of a submit.
func (s *RedisStore) ClearSubmitInFlight(ctx context.Context, sessionKey string) error {
	if err := s.client.Del(ctx, submitKey(sessionKey)).Err(); err != nil {
		return fmt.Errorf("clear submit in flight: %w", err)
	}
	return nil
}

// SubmitInFlight reports whether a submit is recorded for the session key.
func (s *RedisStore) SubmitInFlight(ctx context.Context, sessionKey string) (bool, error) {
	n, err := s.client.Exists(ctx, submitKey(sessionKey)).Result()
	if err != nil {
		return false, fmt.Errorf("check submit in flight: %w", err)
	}
	return n > 0, nil
}

// SeenExportURL records the URL and reports whether it was already delivered
// within the de-duplication window. The first caller wins.
func (s *RedisStore) SeenExportURL(ctx context.Context, url string, window time.Duration) (bool, error) {
	set, err := s.client.SetNX(ctx, exportKey(url), "1", window).Result()
	if err != nil {
		return false, fmt.Errorf("record export url: %w", err)
	}
	return !set, nil
}

// SaveDraftState persists the working copy for a draft.
func (s *RedisStore) SaveDraftState(ctx context.Context, draftID string, state DraftState, ttl time.Duration) error {
	state.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal draft state: %w", err)
	}
	if err := s.client.Set(ctx, draftKey(draftID), data, ttl).Err(); err != nil {
		return fmt.Errorf("save draft state: %w", err)
	}
	return nil
}

// LoadDraftState retrieves the working copy for a draft.
func (s *RedisStore) LoadDraftState(ctx context.Context, draftID string) (DraftState, error) {
	data, err := s.client.Get(ctx, draftKey(draftID)).Result()
	if err == redis.Nil {
		return DraftState{}, ErrDraftNotFound
	}
	if err != nil {
		return DraftState{}, fmt.Errorf("load draft state: %w", err)
	}
	var state DraftState
	if err := json.Unmarshal([]byte(data), &state); err != nil {
		return DraftState{}, fmt.Errorf("unmarshal draft state: %w", err)
	}
	return state, nil
}

// DeleteDraftState discards the working copy, typically after submit.
func (s *RedisStore) DeleteDraftState(ctx context.Context, draftID string) error {
	if err := s.client.Del(ctx, draftKey(draftID)).Err(); err != nil {
		return fmt.Errorf("delete draft state: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
