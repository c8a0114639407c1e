package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/dan-v/plldb/pkg/shared"
)

// MemorySessionStore is an in-process SessionStore with the same conditional
// semantics as the DynamoDB table. Expired entries are invisible.
type MemorySessionStore struct {
	mu       sync.Mutex
	clock    clock.Clock
	sessions map[string]Session
}

// NewMemorySessionStore creates an empty store. A nil clock uses wall time.
func NewMemorySessionStore(c clock.Clock) *MemorySessionStore {
	if c == nil {
		c = clock.New()
	}
	return &MemorySessionStore{clock: c, sessions: make(map[string]Session)}
}

func (m *MemorySessionStore) live(id string) (Session, bool) {
	s, ok := m.sessions[id]
	if !ok || !m.clock.Now().Before(s.ExpiresAt()) {
		return Session{}, false
	}
	return s, true
}

func (m *MemorySessionStore) Create(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.live(s.SessionID); ok {
		return fmt.Errorf("put session: %w", shared.ErrConditionFailed)
	}
	m.sessions[s.SessionID] = *s
	return nil
}

func (m *MemorySessionStore) Get(_ context.Context, sessionID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.live(sessionID)
	if !ok {
		return nil, fmt.Errorf("session %s: %w", sessionID, shared.ErrNotFound)
	}
	return &s, nil
}

func (m *MemorySessionStore) Activate(_ context.Context, sessionID, connectionID string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.live(sessionID)
	if !ok || s.Status != StatusPending {
		return fmt.Errorf("activate session: %w", shared.ErrConditionFailed)
	}
	s.Status = StatusActive
	s.ConnectionID = connectionID
	s.TTL = expiresAt.Unix()
	m.sessions[sessionID] = s
	return nil
}

func (m *MemorySessionStore) Disconnect(_ context.Context, sessionID, connectionID string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.live(sessionID)
	if !ok || s.Status != StatusActive || s.ConnectionID != connectionID {
		return fmt.Errorf("disconnect session: %w", shared.ErrConditionFailed)
	}
	s.Status = StatusDisconnected
	s.ConnectionID = ""
	s.TTL = expiresAt.Unix()
	m.sessions[sessionID] = s
	return nil
}

func (m *MemorySessionStore) FindByConnection(_ context.Context, connectionID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range m.sessions {
		s, ok := m.live(id)
		if ok && s.ConnectionID != "" && s.ConnectionID == connectionID {
			return &s, nil
		}
	}
	return nil, fmt.Errorf("connection %s: %w", connectionID, shared.ErrNotFound)
}

// MemoryCorrelationStore is an in-process CorrelationStore.
type MemoryCorrelationStore struct {
	mu      sync.Mutex
	clock   clock.Clock
	records map[string]CorrelationRecord
}

// NewMemoryCorrelationStore creates an empty store. A nil clock uses wall time.
func NewMemoryCorrelationStore(c clock.Clock) *MemoryCorrelationStore {
	if c == nil {
		c = clock.New()
	}
	return &MemoryCorrelationStore{clock: c, records: make(map[string]CorrelationRecord)}
}

func (m *MemoryCorrelationStore) live(id string) (CorrelationRecord, bool) {
	r, ok := m.records[id]
	if !ok || !m.clock.Now().Before(time.Unix(r.TTL, 0)) {
		return CorrelationRecord{}, false
	}
	return r, true
}

func (m *MemoryCorrelationStore) Create(_ context.Context, r *CorrelationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.live(r.RequestID); ok && !existing.Completed() {
		return fmt.Errorf("put correlation record: %w", shared.ErrConditionFailed)
	}
	rec := *r
	rec.EnvironmentVariables = copyEnv(r.EnvironmentVariables)
	m.records[r.RequestID] = rec
	return nil
}

func (m *MemoryCorrelationStore) Get(_ context.Context, requestID string) (*CorrelationRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.live(requestID)
	if !ok {
		return nil, fmt.Errorf("request %s: %w", requestID, shared.ErrNotFound)
	}
	r.EnvironmentVariables = copyEnv(r.EnvironmentVariables)
	return &r, nil
}

func (m *MemoryCorrelationStore) Complete(_ context.Context, requestID string, c Completion, expiresAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.live(requestID)
	if !ok || r.StatusCode != 0 {
		return false, nil
	}
	r.StatusCode = c.StatusCode
	r.Response = c.Response
	r.ErrorMessage = c.ErrorMessage
	r.TTL = expiresAt.Unix()
	m.records[requestID] = r
	return true, nil
}

func copyEnv(env map[string]string) map[string]string {
	if env == nil {
		return nil
	}
	out := make(map[string]string, len(env))
	for k, v := range env {
		out[k] = v
	}
	return out
}
