package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/redis/go-redis/v9"

	"github.com/zonlabs/mcp-assistant-sub001/internal/config"
	"github.com/zonlabs/mcp-assistant-sub001/internal/logging"
)

const (
	defaultDialTimeout  = 5 * time.Second
	defaultReadTimeout  = 3 * time.Second
	defaultWriteTimeout = 3 * time.Second

	// maxUpdateRetries bounds optimistic-lock retries in Update.
	maxUpdateRetries = 32
)

// RedisConfig configures a RedisStore.
type RedisConfig struct {
	Client    redis.UniversalClient
	KeyPrefix string
	TTL       time.Duration
}

// RedisStore keeps session records in Redis as JSON documents with a TTL.
//
// Key layout:
//
//	<prefix>session:<sessionId>       JSON record
//	<prefix>user:<userId>:sessions    set of session ids
//	<prefix>auth:<sessionId>          pub/sub channel for popup completion
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	logger *logging.Logger
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore wraps an existing client. Tests pass a client pointing at miniredis.
func NewRedisStore(cfg RedisConfig, logger *logging.Logger) (*RedisStore, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = config.DefaultSessionTTL
	}
	return &RedisStore{
		client: cfg.Client,
		prefix: cfg.KeyPrefix,
		ttl:    ttl,
		logger: logger,
	}, nil
}

// NewRedisStoreFromConfig dials Redis using the server configuration.
func NewRedisStoreFromConfig(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		DialTimeout:  defaultDialTimeout,
		ReadTimeout:  defaultReadTimeout,
		WriteTimeout: defaultWriteTimeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Redis.Addr, err)
	}

	return NewRedisStore(RedisConfig{
		Client:    client,
		KeyPrefix: cfg.KeyPrefix,
		TTL:       cfg.SessionTTL,
	}, logger)
}

func (s *RedisStore) sessionKey(sessionID string) string {
	return s.prefix + "session:" + sessionID
}

func (s *RedisStore) userKey(userID string) string {
	return s.prefix + "user:" + userID + ":sessions"
}

func (s *RedisStore) authChannel(sessionID string) string {
	return s.prefix + "auth:" + sessionID
}

// GenerateSessionID returns a random UUID.
func (s *RedisStore) GenerateSessionID() string {
	return newSessionID()
}

// SetClient upserts the descriptor of rec.
func (s *RedisStore) SetClient(ctx context.Context, rec *Record) error {
	if err := validateDescriptor(rec); err != nil {
		return err
	}

	next := rec.Clone()
	prev, err := s.Get(ctx, rec.SessionID)
	switch {
	case err == nil:
		next.mergeCredentials(prev)
	case !errors.Is(err, ErrNotFound):
		return err
	}
	if next.CreatedAt.IsZero() {
		next.CreatedAt = time.Now().UTC()
	}

	if err := s.supersede(ctx, next); err != nil {
		return err
	}

	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("failed to marshal session record: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, s.sessionKey(next.SessionID), data, s.ttl)
		p.SAdd(ctx, s.userKey(next.UserID), next.SessionID)
		p.Expire(ctx, s.userKey(next.UserID), s.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store session %s: %w", next.SessionID, err)
	}

	s.logger.Debug("Stored session %s for server %s (user %s)", next.SessionID, next.ServerID, next.UserID)
	return nil
}

// supersede removes other records of the same user for the same server.
func (s *RedisStore) supersede(ctx context.Context, rec *Record) error {
	ids, err := s.GetUserMcpSessions(ctx, rec.UserID)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if id == rec.SessionID {
			continue
		}
		other, err := s.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if other.ServerID != rec.ServerID {
			continue
		}
		if err := s.delete(ctx, other); err != nil {
			return err
		}
		s.logger.Debug("Session %s superseded by %s", other.SessionID, rec.SessionID)
	}
	return nil
}

// Get loads a record.
func (s *RedisStore) Get(ctx context.Context, sessionID string) (*Record, error) {
	data, err := s.client.Get(ctx, s.sessionKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", sessionID, err)
	}
	return decodeRecord(data)
}

// Update applies fn under WATCH so concurrent writers never interleave a
// read-modify-write on the same session.
func (s *RedisStore) Update(ctx context.Context, sessionID string, fn func(*Record) error) error {
	key := s.sessionKey(sessionID)

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		rec, err := decodeRecord(data)
		if err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}

		out, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to marshal session record: %w", err)
		}

		// The user index must live at least as long as the record, or the
		// record drops out of GetSession and RemoveSession.
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, out, s.ttl)
			p.SAdd(ctx, s.userKey(rec.UserID), rec.SessionID)
			p.Expire(ctx, s.userKey(rec.UserID), s.ttl)
			return nil
		})
		return err
	}

	for i := 0; i < maxUpdateRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("failed to update session %s: too many concurrent writers", sessionID)
}

// GetSession returns the record of userID for serverID.
func (s *RedisStore) GetSession(ctx context.Context, userID, serverID string) (*Record, error) {
	ids, err := s.GetUserMcpSessions(ctx, userID)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		rec, err := s.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if rec.ServerID == serverID {
			return rec, nil
		}
	}
	return nil, ErrNotFound
}

// GetUserMcpSessions lists live session ids of userID. Ids whose record
// expired are pruned from the user's set.
func (s *RedisStore) GetUserMcpSessions(ctx context.Context, userID string) ([]string, error) {
	ids, err := s.client.SMembers(ctx, s.userKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions for user %s: %w", userID, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := s.client.Pipeline()
	exists := make([]*redis.IntCmd, len(ids))
	for i, id := range ids {
		exists[i] = pipe.Exists(ctx, s.sessionKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to check sessions for user %s: %w", userID, err)
	}

	live := make([]string, 0, len(ids))
	var stale []interface{}
	for i, id := range ids {
		if exists[i].Val() > 0 {
			live = append(live, id)
		} else {
			stale = append(stale, id)
		}
	}
	if len(stale) > 0 {
		if err := s.client.SRem(ctx, s.userKey(userID), stale...).Err(); err != nil {
			s.logger.Warning("Failed to prune expired sessions for user %s: %v", userID, err)
		}
	}

	sort.Strings(live)
	return live, nil
}

// UpdateTokens replaces the stored token set.
func (s *RedisStore) UpdateTokens(ctx context.Context, sessionID string, tokens *transport.Token) error {
	return s.Update(ctx, sessionID, func(rec *Record) error {
		rec.Tokens = copyToken(tokens)
		return nil
	})
}

// RemoveSession deletes the record of userID for serverID.
func (s *RedisStore) RemoveSession(ctx context.Context, userID, serverID string) error {
	rec, err := s.GetSession(ctx, userID, serverID)
	if err != nil {
		return err
	}
	return s.delete(ctx, rec)
}

// RemoveSessionByID deletes a record by id.
func (s *RedisStore) RemoveSessionByID(ctx context.Context, sessionID string) error {
	rec, err := s.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	return s.delete(ctx, rec)
}

func (s *RedisStore) delete(ctx context.Context, rec *Record) error {
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, s.sessionKey(rec.SessionID))
		p.SRem(ctx, s.userKey(rec.UserID), rec.SessionID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to remove session %s: %w", rec.SessionID, err)
	}
	s.logger.Debug("Removed session %s", rec.SessionID)
	return nil
}

// PublishAuthMessage publishes msg on the session's channel.
func (s *RedisStore) PublishAuthMessage(ctx context.Context, msg AuthMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal auth message: %w", err)
	}
	if err := s.client.Publish(ctx, s.authChannel(msg.SessionID), data).Err(); err != nil {
		return fmt.Errorf("failed to publish auth message: %w", err)
	}
	return nil
}

// SubscribeAuthMessages subscribes to the session's channel.
func (s *RedisStore) SubscribeAuthMessages(ctx context.Context, sessionID string) (<-chan AuthMessage, func(), error) {
	pubsub := s.client.Subscribe(ctx, s.authChannel(sessionID))

	// Wait for the subscription to be confirmed so no message published
	// after this call returns can be missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, nil, fmt.Errorf("failed to subscribe to auth messages: %w", err)
	}

	out := make(chan AuthMessage, 1)
	done := make(chan struct{})
	go func() {
		defer close(out)
		for m := range pubsub.Channel() {
			var msg AuthMessage
			if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
				s.logger.Warning("Dropping malformed auth message: %v", err)
				continue
			}
			select {
			case out <- msg:
			case <-done:
				return
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			_ = pubsub.Close()
		})
	}
	return out, cancel, nil
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func decodeRecord(data []byte) (*Record, error) {
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode session record: %w", err)
	}
	return &rec, nil
}

func validateDescriptor(rec *Record) error {
	switch {
	case rec == nil:
		return fmt.Errorf("session record is required")
	case rec.SessionID == "":
		return fmt.Errorf("session id is required")
	case rec.UserID == "":
		return fmt.Errorf("user id is required")
	case rec.ServerID == "":
		return fmt.Errorf("server id is required")
	case rec.ServerURL == "":
		return fmt.Errorf("server URL is required")
	case !rec.TransportType.Valid():
		return fmt.Errorf("unsupported transport type %q", rec.TransportType)
	}
	return nil
}

func copyToken(t *transport.Token) *transport.Token {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
