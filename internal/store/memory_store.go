package store

import (
	"sort"
	"sync"
	"time"

	"virtualg/pkg/domain"
)

// MemoryStore keeps all state in-process. Used in tests and local runs.
// Ledger deltas are applied under the store mutex, which gives the same
// atomicity guarantee the SQL store gets from single UPDATE statements.
type MemoryStore struct {
	mu       sync.RWMutex
	users    map[string]domain.User      // key: email
	sessions map[string]domain.Session   // key: session ID
	messages map[string][]domain.Message // key: session ID
	events   []PaymentEvent
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:    make(map[string]domain.User),
		sessions: make(map[string]domain.Session),
		messages: make(map[string][]domain.Message),
	}
}

// CreateUser registers a user, rejecting duplicate emails.
func (m *MemoryStore) CreateUser(u domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.users[u.Email]; exists {
		return ErrDuplicateEmail
	}
	m.users[u.Email] = u
	return nil
}

// GetUserByEmail looks up a user by email.
func (m *MemoryStore) GetUserByEmail(email string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[email]
	return u, ok, nil
}

// GrantCredits applies a purchase delta atomically.
func (m *MemoryStore) GrantCredits(email string, delta int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[email]
	if !ok {
		return ErrNotFound
	}
	u.CreditsAvailable += delta
	u.CreditsPurchased += delta
	m.users[email] = u
	return nil
}

// SettleCredits applies realized usage atomically.
func (m *MemoryStore) SettleCredits(email string, consumed int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[email]
	if !ok {
		return ErrNotFound
	}
	u.CreditsAvailable -= consumed
	u.CreditsUsed += consumed
	m.users[email] = u
	return nil
}

// CreateSession creates a new empty session for the user.
func (m *MemoryStore) CreateSession(userEmail string) (domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session := domain.Session{
		ID:        NewID(),
		UserEmail: userEmail,
		CreatedAt: time.Now().UTC(),
	}
	m.sessions[session.ID] = session
	return session, nil
}

// FirstSessionForUser returns the user's oldest session if any.
func (m *MemoryStore) FirstSessionForUser(userEmail string) (domain.Session, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var oldest domain.Session
	found := false
	for _, s := range m.sessions {
		if s.UserEmail != userEmail {
			continue
		}
		if !found || s.CreatedAt.Before(oldest.CreatedAt) {
			oldest = s
			found = true
		}
	}
	return oldest, found, nil
}

// GetSession enforces ownership on every lookup.
func (m *MemoryStore) GetSession(id, userEmail string) (domain.Session, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok || s.UserEmail != userEmail {
		return domain.Session{}, false, nil
	}
	return s, true, nil
}

// ListSessionsForUser returns the user's sessions, most recent first.
func (m *MemoryStore) ListSessionsForUser(userEmail string) ([]domain.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Session, 0)
	for _, s := range m.sessions {
		if s.UserEmail == userEmail {
			res = append(res, s)
		}
	}
	sort.Slice(res, func(i, j int) bool {
		return res[i].CreatedAt.After(res[j].CreatedAt)
	})
	return res, nil
}

// DeleteSession removes a session and its messages under the ownership rule.
func (m *MemoryStore) DeleteSession(id, userEmail string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || s.UserEmail != userEmail {
		return ErrNotFound
	}
	delete(m.sessions, id)
	delete(m.messages, id)
	return nil
}

// AppendMessage records a message at the end of the session.
func (m *MemoryStore) AppendMessage(sessionID string, msg domain.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if msg.ID == "" {
		msg.ID = NewID()
	}
	msg.SessionID = sessionID
	m.messages[sessionID] = append(m.messages[sessionID], msg)
	return nil
}

// ListMessages returns messages in append order.
func (m *MemoryStore) ListMessages(sessionID string) ([]domain.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	msgs := m.messages[sessionID]
	out := make([]domain.Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

// RecordPaymentEvent appends to the audit trail.
func (m *MemoryStore) RecordPaymentEvent(ev PaymentEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ev.ID == "" {
		ev.ID = NewID()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	m.events = append(m.events, ev)
	return nil
}

// PaymentEvents returns a copy of the audit trail (test helper).
func (m *MemoryStore) PaymentEvents() []PaymentEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]PaymentEvent, len(m.events))
	copy(out, m.events)
	return out
}
