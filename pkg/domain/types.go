package domain

import "time"

type MessageRole string

const (
	RoleUser MessageRole = "user"
	RoleAI   MessageRole = "ai"
)

type MessageType string

const (
	TypeText  MessageType = "text"
	TypeImage MessageType = "image"
)

// User is an account identified by email. The three credit counters form the
// ledger: available is the spendable balance, used and purchased only grow.
type User struct {
	Email            string    `json:"email"`
	PasswordHash     string    `json:"-"`
	CreditsAvailable int64     `json:"credits_available"`
	CreditsUsed      int64     `json:"credits_used"`
	CreditsPurchased int64     `json:"total_credits_purchased"`
	CreatedAt        time.Time `json:"created_at"`
}

// Session is an append-only conversation owned by exactly one user.
type Session struct {
	ID        string    `json:"id"`
	UserEmail string    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
}

// Message is immutable once appended; ordering is append order.
type Message struct {
	ID        string      `json:"-"`
	SessionID string      `json:"-"`
	Role      MessageRole `json:"role"`
	Content   string      `json:"content"`
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
}

// SessionSummary is the list projection for the session sidebar.
type SessionSummary struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	LastMessage  string    `json:"lastMessage"`
	MessageCount int       `json:"messageCount"`
	Timestamp    time.Time `json:"timestamp"`
}

// Balance is a read-only snapshot of a user's ledger counters.
type Balance struct {
	CreditsUsed      int64 `json:"credits_used"`
	CreditsAvailable int64 `json:"credits_available"`
	CreditsPurchased int64 `json:"total_credits_purchased"`
}
