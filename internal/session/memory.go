package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client/transport"

	"github.com/zonlabs/mcp-assistant-sub001/internal/config"
	"github.com/zonlabs/mcp-assistant-sub001/internal/logging"
)

type memoryEntry struct {
	rec       *Record
	expiresAt time.Time
}

// MemoryStore is a single-process Store with the same expiry semantics as
// RedisStore. It backs development servers and tests.
type MemoryStore struct {
	mu       sync.Mutex
	ttl      time.Duration
	now      func() time.Time
	logger   *logging.Logger
	sessions map[string]*memoryEntry
	users    map[string]map[string]struct{}

	subMu  sync.Mutex
	nextID int
	subs   map[string]map[int]chan AuthMessage
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore(ttl time.Duration, logger *logging.Logger) *MemoryStore {
	if ttl <= 0 {
		ttl = config.DefaultSessionTTL
	}
	return &MemoryStore{
		ttl:      ttl,
		now:      time.Now,
		logger:   logger,
		sessions: make(map[string]*memoryEntry),
		users:    make(map[string]map[string]struct{}),
		subs:     make(map[string]map[int]chan AuthMessage),
	}
}

// SetClock replaces the time source. Used by tests to simulate expiry.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// GenerateSessionID returns a random UUID.
func (s *MemoryStore) GenerateSessionID() string {
	return newSessionID()
}

// lookup returns the live entry for sessionID, evicting it if expired.
// Callers hold s.mu.
func (s *MemoryStore) lookup(sessionID string) (*memoryEntry, bool) {
	e, ok := s.sessions[sessionID]
	if !ok {
		return nil, false
	}
	if !s.now().Before(e.expiresAt) {
		s.deleteLocked(e.rec)
		return nil, false
	}
	return e, true
}

func (s *MemoryStore) deleteLocked(rec *Record) {
	delete(s.sessions, rec.SessionID)
	if ids, ok := s.users[rec.UserID]; ok {
		delete(ids, rec.SessionID)
		if len(ids) == 0 {
			delete(s.users, rec.UserID)
		}
	}
}

func (s *MemoryStore) put(rec *Record) {
	s.sessions[rec.SessionID] = &memoryEntry{rec: rec, expiresAt: s.now().Add(s.ttl)}
	ids, ok := s.users[rec.UserID]
	if !ok {
		ids = make(map[string]struct{})
		s.users[rec.UserID] = ids
	}
	ids[rec.SessionID] = struct{}{}
}

// SetClient upserts the descriptor of rec.
func (s *MemoryStore) SetClient(ctx context.Context, rec *Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateDescriptor(rec); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := rec.Clone()
	if prev, ok := s.lookup(rec.SessionID); ok {
		next.mergeCredentials(prev.rec)
	}
	if next.CreatedAt.IsZero() {
		next.CreatedAt = s.now().UTC()
	}

	for id := range s.users[next.UserID] {
		if id == next.SessionID {
			continue
		}
		if other, ok := s.lookup(id); ok && other.rec.ServerID == next.ServerID {
			s.deleteLocked(other.rec)
			s.logger.Debug("Session %s superseded by %s", id, next.SessionID)
		}
	}

	s.put(next)
	return nil
}

// Get loads a record.
func (s *MemoryStore) Get(ctx context.Context, sessionID string) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.lookup(sessionID)
	if !ok {
		return nil, ErrNotFound
	}
	return e.rec.Clone(), nil
}

// Update applies fn to a copy and stores it only if fn succeeds.
func (s *MemoryStore) Update(ctx context.Context, sessionID string, fn func(*Record) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.lookup(sessionID)
	if !ok {
		return ErrNotFound
	}
	next := e.rec.Clone()
	if err := fn(next); err != nil {
		return err
	}
	s.put(next)
	return nil
}

// GetSession returns the record of userID for serverID.
func (s *MemoryStore) GetSession(ctx context.Context, userID, serverID string) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for id := range s.users[userID] {
		if e, ok := s.lookup(id); ok && e.rec.ServerID == serverID {
			return e.rec.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

// GetUserMcpSessions lists live session ids of userID.
func (s *MemoryStore) GetUserMcpSessions(ctx context.Context, userID string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	for id := range s.users[userID] {
		if _, ok := s.lookup(id); ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// UpdateTokens replaces the stored token set.
func (s *MemoryStore) UpdateTokens(ctx context.Context, sessionID string, tokens *transport.Token) error {
	return s.Update(ctx, sessionID, func(rec *Record) error {
		rec.Tokens = copyToken(tokens)
		return nil
	})
}

// RemoveSession deletes the record of userID for serverID.
func (s *MemoryStore) RemoveSession(ctx context.Context, userID, serverID string) error {
	rec, err := s.GetSession(ctx, userID, serverID)
	if err != nil {
		return err
	}
	return s.RemoveSessionByID(ctx, rec.SessionID)
}

// RemoveSessionByID deletes a record by id.
func (s *MemoryStore) RemoveSessionByID(ctx context.Context, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.lookup(sessionID)
	if !ok {
		return ErrNotFound
	}
	s.deleteLocked(e.rec)
	return nil
}

// PublishAuthMessage delivers msg to in-process subscribers.
func (s *MemoryStore) PublishAuthMessage(ctx context.Context, msg AuthMessage) error {
	if msg.SessionID == "" {
		return fmt.Errorf("auth message without session id")
	}
	s.subMu.Lock()
	defer s.subMu.Unlock()

	for _, ch := range s.subs[msg.SessionID] {
		select {
		case ch <- msg:
		case <-ctx.Done():
			return ctx.Err()
		default:
			s.logger.Warning("Auth message subscriber for %s is not receiving, dropping message", msg.SessionID)
		}
	}
	return nil
}

// SubscribeAuthMessages registers an in-process subscriber.
func (s *MemoryStore) SubscribeAuthMessages(ctx context.Context, sessionID string) (<-chan AuthMessage, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	s.subMu.Lock()
	defer s.subMu.Unlock()

	id := s.nextID
	s.nextID++
	ch := make(chan AuthMessage, 1)
	if s.subs[sessionID] == nil {
		s.subs[sessionID] = make(map[int]chan AuthMessage)
	}
	s.subs[sessionID][id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.subMu.Lock()
			defer s.subMu.Unlock()
			if _, ok := s.subs[sessionID][id]; !ok {
				return
			}
			delete(s.subs[sessionID], id)
			if len(s.subs[sessionID]) == 0 {
				delete(s.subs, sessionID)
			}
			close(ch)
		})
	}
	return ch, cancel, nil
}

// Close releases subscribers.
func (s *MemoryStore) Close() error {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for sid, subs := range s.subs {
		for id, ch := range subs {
			close(ch)
			delete(subs, id)
		}
		delete(s.subs, sid)
	}
	return nil
}
