package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.
type UserModel struct {
	Email            string    `gorm:"primaryKey"`
	PasswordHash     string    `gorm:"not null"`
	CreditsAvailable int64     `gorm:"not null;default:0"`
	CreditsUsed      int64     `gorm:"not null;default:0"`
	CreditsPurchased int64     `gorm:"not null;default:0"`
	CreatedAt        time.Time `gorm:"not null"`
}

type SessionModel struct {
	ID        string    `gorm:"primaryKey"`
	UserEmail string    `gorm:"not null;index"`
	CreatedAt time.Time `gorm:"not null;index"`
}

type MessageModel struct {
	ID        string    `gorm:"primaryKey"`
	SessionID string    `gorm:"not null;index"`
	Seq       int64     `gorm:"autoIncrement;uniqueIndex"`
	Role      string    `gorm:"not null"`
	Content   string    `gorm:"type:text;not null"`
	Type      string    `gorm:"not null"`
	CreatedAt time.Time `gorm:"not null"`
}

type PaymentEventModel struct {
	ID        string         `gorm:"primaryKey"`
	IntentID  string         `gorm:"not null;index"`
	Source    string         `gorm:"not null"`
	UserEmail string         `gorm:"not null;index"`
	Credits   int64          `gorm:"not null"`
	Payload   datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt time.Time      `gorm:"not null"`
}
