package store

import (
	"errors"
	"time"

	"virtualg/pkg/domain"
)

var (
	// ErrNotFound covers unknown ids, malformed ids, and rows owned by a
	// different user; callers cannot distinguish the three.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateEmail is returned when registering an email that exists.
	ErrDuplicateEmail = errors.New("email already exists")
)

// Store defines persistence for users, the credit ledger, sessions, and
// messages. All user-scoped lookups take the owner's email and enforce
// ownership inside the query.
type Store interface {
	// users
	CreateUser(u domain.User) error
	GetUserByEmail(email string) (domain.User, bool, error)

	// ledger. Implementations must apply each delta as a single atomic
	// operation, never read-then-write: a settlement and a grant for the
	// same user can race and both must apply.
	GrantCredits(email string, delta int64) error
	SettleCredits(email string, consumed int64) error

	// sessions
	CreateSession(userEmail string) (domain.Session, error)
	FirstSessionForUser(userEmail string) (domain.Session, bool, error)
	GetSession(id, userEmail string) (domain.Session, bool, error)
	ListSessionsForUser(userEmail string) ([]domain.Session, error)
	DeleteSession(id, userEmail string) error

	// messages, append-only in insertion order
	AppendMessage(sessionID string, msg domain.Message) error
	ListMessages(sessionID string) ([]domain.Message, error)

	// payment audit trail
	RecordPaymentEvent(ev PaymentEvent) error
}

// PaymentEvent records one reconciled payment for auditing.
type PaymentEvent struct {
	ID        string
	IntentID  string
	Source    string // "webhook" or "confirm"
	UserEmail string
	Credits   int64
	Payload   []byte
	CreatedAt time.Time
}
