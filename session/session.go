// Package session stores per-session state as Redis hashes with a TTL that is
// refreshed on every update, guaranteeing liveness for the duration of
// activity. Updates are field merges: fields tolerate lost-update races
// except the message counter, which increments atomically.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	relayredis "goa.design/relay/clients/redis"
	"goa.design/relay/lock"
)

// ErrNotFound reports that no session exists for the given ID.
var ErrNotFound = errors.New("session not found")

// DefaultTTL is the session TTL applied when the caller does not configure
// one.
const DefaultTTL = time.Hour

// Status enumerates session lifecycle states.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
	StatusCancelled  Status = "cancelled"
	StatusTimeout    Status = "timeout"
)

type (
	// Session is the decoded session record.
	Session struct {
		ID           string          `json:"session_id"`
		Status       Status          `json:"status"`
		Prompt       string          `json:"prompt"`
		UserID       string          `json:"user_id,omitempty"`
		TaskID       string          `json:"task_id,omitempty"`
		CreatedAt    time.Time       `json:"created_at"`
		LastActivity time.Time       `json:"last_activity"`
		MessageCount int64           `json:"message_count"`
		Context      json.RawMessage `json:"context,omitempty"`
	}

	// Store persists sessions as "session:<id>" hashes.
	Store struct {
		rdb *goredis.Client
		ttl time.Duration
	}
)

// NewStore builds a Store. ttl defaults to DefaultTTL when zero.
func NewStore(rdb *goredis.Client, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{rdb: rdb, ttl: ttl}
}

// TTL returns the configured session TTL.
func (s *Store) TTL() time.Duration { return s.ttl }

// Key returns the Redis key for a session ID.
func Key(id string) string { return "session:" + id }

// Create writes a fresh session with status idle and applies the TTL. An
// empty id gets a generated UUID. The prompt is stored as supplied; callers
// bound its length.
func (s *Store) Create(ctx context.Context, id, prompt, userID string, sessionCtx json.RawMessage) (Session, error) {
	if id == "" {
		id = uuid.New().String()
	}
	now := time.Now().UTC()
	sess := Session{
		ID:           id,
		Status:       StatusIdle,
		Prompt:       prompt,
		UserID:       userID,
		CreatedAt:    now,
		LastActivity: now,
		Context:      sessionCtx,
	}
	fields := map[string]any{
		"status":        string(sess.Status),
		"prompt":        prompt,
		"created_at":    now.Format(time.RFC3339Nano),
		"last_activity": now.Format(time.RFC3339Nano),
		"message_count": 0,
	}
	if userID != "" {
		fields["user_id"] = userID
	}
	if len(sessionCtx) > 0 {
		fields["context"] = string(sessionCtx)
	}
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, Key(id), fields)
	pipe.Expire(ctx, Key(id), s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return Session{}, fmt.Errorf("create session %s: %w", id, relayredis.Translate(err))
	}
	return sess, nil
}

// Get returns the session record or ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (Session, error) {
	fields, err := s.rdb.HGetAll(ctx, Key(id)).Result()
	if err != nil {
		return Session{}, fmt.Errorf("get session %s: %w", id, relayredis.Translate(err))
	}
	if len(fields) == 0 {
		return Session{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return decode(id, fields)
}

// Update merges the given fields into the session, refreshes last_activity
// and the TTL, and returns the resulting record.
func (s *Store) Update(ctx context.Context, id string, fields map[string]any) (Session, error) {
	merged := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		merged[k] = v
	}
	merged["last_activity"] = time.Now().UTC().Format(time.RFC3339Nano)
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, Key(id), merged)
	pipe.Expire(ctx, Key(id), s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return Session{}, fmt.Errorf("update session %s: %w", id, relayredis.Translate(err))
	}
	return s.Get(ctx, id)
}

// SetStatus transitions the session status.
func (s *Store) SetStatus(ctx context.Context, id string, status Status) error {
	_, err := s.Update(ctx, id, map[string]any{"status": string(status)})
	return err
}

// Touch refreshes last_activity and the TTL without changing other fields.
func (s *Store) Touch(ctx context.Context, id string) error {
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, Key(id), "last_activity", time.Now().UTC().Format(time.RFC3339Nano))
	pipe.Expire(ctx, Key(id), s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("touch session %s: %w", id, relayredis.Translate(err))
	}
	return nil
}

// IncrementMessageCount atomically bumps the message counter and refreshes
// the TTL. Returns the new count.
func (s *Store) IncrementMessageCount(ctx context.Context, id string) (int64, error) {
	pipe := s.rdb.TxPipeline()
	incr := pipe.HIncrBy(ctx, Key(id), "message_count", 1)
	pipe.Expire(ctx, Key(id), s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("increment message count %s: %w", id, relayredis.Translate(err))
	}
	return incr.Val(), nil
}

// Delete removes the session record.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := s.rdb.Del(ctx, Key(id)).Err(); err != nil {
		return fmt.Errorf("delete session %s: %w", id, relayredis.Translate(err))
	}
	return nil
}

// Exists reports whether the session record is present.
func (s *Store) Exists(ctx context.Context, id string) (bool, error) {
	n, err := s.rdb.Exists(ctx, Key(id)).Result()
	if err != nil {
		return false, fmt.Errorf("session exists %s: %w", id, relayredis.Translate(err))
	}
	return n > 0, nil
}

// WithLock runs fn under the distributed lock "session:<id>:<op>", used to
// make multi-step session mutations idempotent across replicas.
func (s *Store) WithLock(ctx context.Context, id, op string, ttl, wait time.Duration, fn func(ctx context.Context) error) error {
	return lock.WithLock(ctx, s.rdb, fmt.Sprintf("session:%s:%s", id, op), ttl, wait, fn)
}

func decode(id string, fields map[string]string) (Session, error) {
	sess := Session{
		ID:     id,
		Status: Status(fields["status"]),
		Prompt: fields["prompt"],
		UserID: fields["user_id"],
		TaskID: fields["task_id"],
	}
	if v := fields["created_at"]; v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return Session{}, fmt.Errorf("parse created_at for %s: %w", id, err)
		}
		sess.CreatedAt = t
	}
	if v := fields["last_activity"]; v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return Session{}, fmt.Errorf("parse last_activity for %s: %w", id, err)
		}
		sess.LastActivity = t
	}
	if v := fields["message_count"]; v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return Session{}, fmt.Errorf("parse message_count for %s: %w", id, err)
		}
		sess.MessageCount = n
	}
	if v := fields["context"]; v != "" {
		sess.Context = json.RawMessage(v)
	}
	return sess, nil
}
