package store

import (
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	"virtualg/pkg/domain"
)

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:         gormLog,
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.AutoMigrate(&UserModel{}, &SessionModel{}, &MessageModel{}, &PaymentEventModel{}); err != nil {
		return nil, fmt.Errorf("auto migrate: %w", err)
	}
	return &GormStore{db: db}, nil
}

// CreateUser inserts a new user row; the email primary key enforces
// uniqueness at the storage boundary.
func (s *GormStore) CreateUser(u domain.User) error {
	model := UserModel{
		Email:            u.Email,
		PasswordHash:     u.PasswordHash,
		CreditsAvailable: u.CreditsAvailable,
		CreditsUsed:      u.CreditsUsed,
		CreditsPurchased: u.CreditsPurchased,
		CreatedAt:        u.CreatedAt,
	}
	if err := s.db.Create(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrDuplicateEmail
		}
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

// GetUserByEmail returns the user and whether it exists.
func (s *GormStore) GetUserByEmail(email string) (domain.User, bool, error) {
	var model UserModel
	err := s.db.First(&model, "email = ?", email).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.User{}, false, nil
	}
	if err != nil {
		return domain.User{}, false, fmt.Errorf("get user: %w", err)
	}
	return userFromModel(model), true, nil
}

// GrantCredits applies a purchase: available and purchased both grow.
// One UPDATE statement so concurrent settlements compose correctly.
func (s *GormStore) GrantCredits(email string, delta int64) error {
	return s.applyCreditDelta(email, map[string]any{
		"credits_available": gorm.Expr("credits_available + ?", delta),
		"credits_purchased": gorm.Expr("credits_purchased + ?", delta),
	})
}

// SettleCredits applies realized usage: available shrinks, used grows.
func (s *GormStore) SettleCredits(email string, consumed int64) error {
	return s.applyCreditDelta(email, map[string]any{
		"credits_available": gorm.Expr("credits_available - ?", consumed),
		"credits_used":      gorm.Expr("credits_used + ?", consumed),
	})
}

func (s *GormStore) applyCreditDelta(email string, columns map[string]any) error {
	res := s.db.Model(&UserModel{}).Where("email = ?", email).UpdateColumns(columns)
	if res.Error != nil {
		return fmt.Errorf("apply credit delta: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateSession inserts a new empty session for the user.
func (s *GormStore) CreateSession(userEmail string) (domain.Session, error) {
	model := SessionModel{
		ID:        NewID(),
		UserEmail: userEmail,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.db.Create(&model).Error; err != nil {
		return domain.Session{}, fmt.Errorf("create session: %w", err)
	}
	return sessionFromModel(model), nil
}

// FirstSessionForUser returns the user's oldest session if any exists.
func (s *GormStore) FirstSessionForUser(userEmail string) (domain.Session, bool, error) {
	var model SessionModel
	err := s.db.Order("created_at asc").First(&model, "user_email = ?", userEmail).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.Session{}, false, nil
	}
	if err != nil {
		return domain.Session{}, false, fmt.Errorf("first session: %w", err)
	}
	return sessionFromModel(model), true, nil
}

// GetSession fetches a session; the ownership check lives in the query.
func (s *GormStore) GetSession(id, userEmail string) (domain.Session, bool, error) {
	var model SessionModel
	err := s.db.First(&model, "id = ? AND user_email = ?", id, userEmail).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.Session{}, false, nil
	}
	if err != nil {
		return domain.Session{}, false, fmt.Errorf("get session: %w", err)
	}
	return sessionFromModel(model), true, nil
}

// ListSessionsForUser returns the user's sessions, most recent first.
func (s *GormStore) ListSessionsForUser(userEmail string) ([]domain.Session, error) {
	var models []SessionModel
	if err := s.db.Order("created_at desc").Find(&models, "user_email = ?", userEmail).Error; err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	sessions := make([]domain.Session, 0, len(models))
	for _, m := range models {
		sessions = append(sessions, sessionFromModel(m))
	}
	return sessions, nil
}

// DeleteSession removes a session and its messages. ErrNotFound when the id
// is unknown or owned by someone else.
func (s *GormStore) DeleteSession(id, userEmail string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Delete(&SessionModel{}, "id = ? AND user_email = ?", id, userEmail)
		if res.Error != nil {
			return fmt.Errorf("delete session: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		if err := tx.Delete(&MessageModel{}, "session_id = ?", id).Error; err != nil {
			return fmt.Errorf("delete session messages: %w", err)
		}
		return nil
	})
}

// AppendMessage adds one message at the end of the session.
func (s *GormStore) AppendMessage(sessionID string, msg domain.Message) error {
	model := MessageModel{
		ID:        msg.ID,
		SessionID: sessionID,
		Role:      string(msg.Role),
		Content:   msg.Content,
		Type:      string(msg.Type),
		CreatedAt: msg.Timestamp,
	}
	if model.ID == "" {
		model.ID = NewID()
	}
	if err := s.db.Create(&model).Error; err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

// ListMessages returns the session's messages in append order.
func (s *GormStore) ListMessages(sessionID string) ([]domain.Message, error) {
	var models []MessageModel
	if err := s.db.Order("seq asc").Find(&models, "session_id = ?", sessionID).Error; err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	messages := make([]domain.Message, 0, len(models))
	for _, m := range models {
		messages = append(messages, domain.Message{
			ID:        m.ID,
			SessionID: m.SessionID,
			Role:      domain.MessageRole(m.Role),
			Content:   m.Content,
			Type:      domain.MessageType(m.Type),
			Timestamp: m.CreatedAt,
		})
	}
	return messages, nil
}

// RecordPaymentEvent stores the reconciliation audit row.
func (s *GormStore) RecordPaymentEvent(ev PaymentEvent) error {
	model := PaymentEventModel{
		ID:        ev.ID,
		IntentID:  ev.IntentID,
		Source:    ev.Source,
		UserEmail: ev.UserEmail,
		Credits:   ev.Credits,
		Payload:   datatypes.JSON(ev.Payload),
		CreatedAt: ev.CreatedAt,
	}
	if model.ID == "" {
		model.ID = NewID()
	}
	if model.CreatedAt.IsZero() {
		model.CreatedAt = time.Now().UTC()
	}
	if err := s.db.Create(&model).Error; err != nil {
		return fmt.Errorf("record payment event: %w", err)
	}
	return nil
}

func userFromModel(m UserModel) domain.User {
	return domain.User{
		Email:            m.Email,
		PasswordHash:     m.PasswordHash,
		CreditsAvailable: m.CreditsAvailable,
		CreditsUsed:      m.CreditsUsed,
		CreditsPurchased: m.CreditsPurchased,
		CreatedAt:        m.CreatedAt,
	}
}

func sessionFromModel(m SessionModel) domain.Session {
	return domain.Session{
		ID:        m.ID,
		UserEmail: m.UserEmail,
		CreatedAt: m.CreatedAt,
	}
}
