// Package app implements the application core: accounts, the credit ledger,
// conversations, payments, and voice sessions. HTTP concerns stay in the
// server package; everything here speaks domain types and sentinel errors.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"virtualg/internal/events"
	"virtualg/internal/metering"
	"virtualg/internal/payments"
	"virtualg/internal/store"
	"virtualg/internal/voice"
	"virtualg/pkg/ai"
	"virtualg/pkg/auth"
	"virtualg/pkg/domain"
)

const (
	sessionTitleLimit   = 30
	messagePreviewLimit = 100
	imagePreview        = "📷 Image"
	fallbackTitle       = "Chat Session"
	emptyTitle          = "New Chat"
)

// imageStandIn is substituted for image messages in the model prompt, since
// the text model cannot see the image itself.
const imageStandIn = "[User sent an image at %s]. Provide a flirty, friendly response describing what you might say."

// Config wires the application core. Store and Generator are required;
// Payments, Voice, and Events may be nil when the feature is not configured.
type Config struct {
	Store     store.Store
	Generator ai.Generator
	Policy    metering.Policy
	Payments  payments.Provider
	Voice     *voice.TokenMinter
	Events    events.Publisher
}

// App is the application core shared by all HTTP handlers.
type App struct {
	store    store.Store
	gen      ai.Generator
	policy   metering.Policy
	payments payments.Provider
	voice    *voice.TokenMinter
	events   events.Publisher
}

// New builds the core. A zero Policy falls back to the production defaults.
func New(cfg Config) *App {
	policy := cfg.Policy
	if policy.ReplyMultiplier == 0 {
		policy = metering.DefaultPolicy()
	}
	pub := cfg.Events
	if pub == nil {
		pub = events.NoopPublisher{}
	}
	return &App{
		store:    cfg.Store,
		gen:      cfg.Generator,
		policy:   policy,
		payments: cfg.Payments,
		voice:    cfg.Voice,
		events:   pub,
	}
}

// Policy exposes the metering knobs for handlers that report them.
func (a *App) Policy() metering.Policy {
	return a.policy
}

// NormalizeEmail lowercases and trims an email address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Register creates an account with the signup credit grant already applied.
func (a *App) Register(ctx context.Context, email, password string) (domain.User, error) {
	email = NormalizeEmail(email)
	if _, err := mail.ParseAddress(email); err != nil {
		return domain.User{}, ErrInvalidEmail
	}
	if err := auth.ValidatePassword(password); err != nil {
		return domain.User{}, err
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return domain.User{}, fmt.Errorf("hash password: %w", err)
	}
	user := domain.User{
		Email:            email,
		PasswordHash:     hash,
		CreditsAvailable: a.policy.StartingGrant,
		CreatedAt:        time.Now().UTC(),
	}
	if err := a.store.CreateUser(user); err != nil {
		if err == store.ErrDuplicateEmail {
			return domain.User{}, ErrEmailTaken
		}
		return domain.User{}, fmt.Errorf("create user: %w", err)
	}
	a.events.Publish(ctx, events.KeyCreditsGranted, map[string]any{
		"user_email": email,
		"credits":    a.policy.StartingGrant,
		"reason":     "signup_grant",
	})
	return user, nil
}

// Authenticate verifies the email/password pair.
func (a *App) Authenticate(ctx context.Context, email, password string) (domain.User, error) {
	email = NormalizeEmail(email)
	user, ok, err := a.store.GetUserByEmail(email)
	if err != nil {
		return domain.User{}, fmt.Errorf("lookup user: %w", err)
	}
	if !ok || !auth.CheckPassword(password, user.PasswordHash) {
		return domain.User{}, ErrInvalidCredentials
	}
	return user, nil
}

// UserByEmail returns the current account state for an authenticated email.
func (a *App) UserByEmail(ctx context.Context, email string) (domain.User, error) {
	user, ok, err := a.store.GetUserByEmail(NormalizeEmail(email))
	if err != nil {
		return domain.User{}, fmt.Errorf("lookup user: %w", err)
	}
	if !ok {
		return domain.User{}, ErrInvalidCredentials
	}
	return user, nil
}

// Balance returns the ledger counters for the user.
func (a *App) Balance(ctx context.Context, email string) (domain.Balance, error) {
	user, err := a.UserByEmail(ctx, email)
	if err != nil {
		return domain.Balance{}, err
	}
	return domain.Balance{
		CreditsUsed:      user.CreditsUsed,
		CreditsAvailable: user.CreditsAvailable,
		CreditsPurchased: user.CreditsPurchased,
	}, nil
}

// ChatRequest is one user turn. Exactly text, an image, or both.
type ChatRequest struct {
	Text      string
	ImageURL  string
	SessionID string
}

// ChatResult is the assistant reply plus the session it landed in.
type ChatResult struct {
	Reply       domain.Message
	SessionID   string
	CreditsUsed int64
}

// Chat runs one conversation turn: admission check, session resolution,
// history build, completion, and settlement. The user's message is persisted
// before the model call; on upstream failure no reply is stored and nothing
// is settled.
func (a *App) Chat(ctx context.Context, email string, req ChatRequest) (ChatResult, error) {
	if req.Text == "" && req.ImageURL == "" {
		return ChatResult{}, ErrEmptyMessage
	}
	user, err := a.UserByEmail(ctx, email)
	if err != nil {
		return ChatResult{}, err
	}

	inputWords := metering.CountWords(req.Text) + metering.CountWords(req.ImageURL)
	decision := a.policy.Admit(user.CreditsAvailable, inputWords)
	if !decision.Allowed {
		return ChatResult{}, &InsufficientCreditsError{Decision: decision}
	}

	session, err := a.resolveSession(req.SessionID, user.Email)
	if err != nil {
		return ChatResult{}, err
	}

	userMsg := domain.Message{
		ID:        store.NewID(),
		Role:      domain.RoleUser,
		Content:   req.Text,
		Type:      domain.TypeText,
		Timestamp: time.Now().UTC(),
	}
	if req.ImageURL != "" && req.Text == "" {
		userMsg.Content = req.ImageURL
		userMsg.Type = domain.TypeImage
	}
	if err := a.store.AppendMessage(session.ID, userMsg); err != nil {
		return ChatResult{}, fmt.Errorf("append user message: %w", err)
	}

	history, err := a.store.ListMessages(session.ID)
	if err != nil {
		return ChatResult{}, fmt.Errorf("list messages: %w", err)
	}
	turns := make([]ai.Turn, 0, len(history))
	for _, m := range history {
		content := m.Content
		if m.Type == domain.TypeImage {
			content = fmt.Sprintf(imageStandIn, m.Content)
		}
		turns = append(turns, ai.Turn{Role: string(m.Role), Content: content})
	}

	reply, err := a.gen.Complete(ctx, turns)
	if err != nil {
		return ChatResult{}, fmt.Errorf("complete chat: %w", err)
	}

	aiMsg := domain.Message{
		ID:        store.NewID(),
		Role:      domain.RoleAI,
		Content:   reply,
		Type:      domain.TypeText,
		Timestamp: time.Now().UTC(),
	}
	if err := a.store.AppendMessage(session.ID, aiMsg); err != nil {
		return ChatResult{}, fmt.Errorf("append reply: %w", err)
	}

	consumed := int64(inputWords + metering.CountWords(reply))
	if err := a.store.SettleCredits(user.Email, consumed); err != nil {
		return ChatResult{}, fmt.Errorf("settle credits: %w", err)
	}
	a.events.Publish(ctx, events.KeyUsageSettled, map[string]any{
		"user_email": user.Email,
		"session_id": session.ID,
		"credits":    consumed,
	})

	return ChatResult{Reply: aiMsg, SessionID: session.ID, CreditsUsed: consumed}, nil
}

// resolveSession returns the explicitly named session, checked for
// ownership, or falls back to the user's default session, creating it on
// first use.
func (a *App) resolveSession(sessionID, email string) (domain.Session, error) {
	if sessionID != "" {
		session, ok, err := a.store.GetSession(sessionID, email)
		if err != nil {
			return domain.Session{}, fmt.Errorf("get session: %w", err)
		}
		if !ok {
			return domain.Session{}, ErrSessionNotFound
		}
		return session, nil
	}
	session, ok, err := a.store.FirstSessionForUser(email)
	if err != nil {
		return domain.Session{}, fmt.Errorf("first session: %w", err)
	}
	if ok {
		return session, nil
	}
	session, err = a.store.CreateSession(email)
	if err != nil {
		return domain.Session{}, fmt.Errorf("create session: %w", err)
	}
	return session, nil
}

// History is a session id with its messages in append order.
type History struct {
	SessionID string
	Messages  []domain.Message
}

// DefaultHistory returns the user's default session history, creating the
// session when the account has none yet.
func (a *App) DefaultHistory(ctx context.Context, email string) (History, error) {
	session, err := a.resolveSession("", NormalizeEmail(email))
	if err != nil {
		return History{}, err
	}
	msgs, err := a.store.ListMessages(session.ID)
	if err != nil {
		return History{}, fmt.Errorf("list messages: %w", err)
	}
	return History{SessionID: session.ID, Messages: msgs}, nil
}

// SessionHistory returns the history of one owned session.
func (a *App) SessionHistory(ctx context.Context, email, sessionID string) (History, error) {
	session, ok, err := a.store.GetSession(sessionID, NormalizeEmail(email))
	if err != nil {
		return History{}, fmt.Errorf("get session: %w", err)
	}
	if !ok {
		return History{}, ErrSessionNotFound
	}
	msgs, err := a.store.ListMessages(session.ID)
	if err != nil {
		return History{}, fmt.Errorf("list messages: %w", err)
	}
	return History{SessionID: session.ID, Messages: msgs}, nil
}

// CreateSession opens a fresh empty session for the user.
func (a *App) CreateSession(ctx context.Context, email string) (domain.Session, error) {
	session, err := a.store.CreateSession(NormalizeEmail(email))
	if err != nil {
		return domain.Session{}, fmt.Errorf("create session: %w", err)
	}
	return session, nil
}

// DeleteSession removes an owned session with its messages.
func (a *App) DeleteSession(ctx context.Context, email, sessionID string) error {
	err := a.store.DeleteSession(sessionID, NormalizeEmail(email))
	if err == store.ErrNotFound {
		return ErrSessionNotFound
	}
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// ListSessions returns sidebar summaries, most recent session first.
func (a *App) ListSessions(ctx context.Context, email string) ([]domain.SessionSummary, error) {
	sessions, err := a.store.ListSessionsForUser(NormalizeEmail(email))
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	summaries := make([]domain.SessionSummary, 0, len(sessions))
	for _, s := range sessions {
		msgs, err := a.store.ListMessages(s.ID)
		if err != nil {
			return nil, fmt.Errorf("list messages: %w", err)
		}
		summaries = append(summaries, summarize(s, msgs))
	}
	return summaries, nil
}

func summarize(s domain.Session, msgs []domain.Message) domain.SessionSummary {
	summary := domain.SessionSummary{
		ID:           s.ID,
		Title:        fallbackTitle,
		MessageCount: len(msgs),
		Timestamp:    s.CreatedAt,
	}
	if len(msgs) > 0 {
		last := msgs[len(msgs)-1]
		if last.Type == domain.TypeImage {
			summary.LastMessage = imagePreview
		} else {
			summary.LastMessage = truncateRunes(last.Content, messagePreviewLimit, "")
		}
	}
	for _, m := range msgs {
		if m.Role != domain.RoleUser {
			continue
		}
		if m.Content == "" {
			summary.Title = emptyTitle
		} else {
			summary.Title = truncateRunes(m.Content, sessionTitleLimit, "...")
		}
		break
	}
	return summary
}

// truncateRunes limits s to n runes, appending the suffix only when content
// was cut off.
func truncateRunes(s string, n int, suffix string) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + suffix
}

// CreateCreditIntent opens a payment intent for the given credit quantity,
// priced at the base rate.
func (a *App) CreateCreditIntent(ctx context.Context, email string, credits int64) (payments.Intent, error) {
	if a.payments == nil {
		return payments.Intent{}, fmt.Errorf("payments are not configured")
	}
	if credits <= 0 {
		return payments.Intent{}, fmt.Errorf("credits must be positive")
	}
	intent, err := a.payments.CreateIntent(ctx, payments.PricePence(credits), "gbp", NormalizeEmail(email), credits)
	if err != nil {
		return payments.Intent{}, fmt.Errorf("create intent: %w", err)
	}
	return intent, nil
}

// HandlePaymentWebhook verifies and reconciles a processor webhook. A
// succeeded intent grants its credits once; redelivered events for an
// already-processed intent are acknowledged without effect.
func (a *App) HandlePaymentWebhook(ctx context.Context, payload []byte, signature string) error {
	if a.payments == nil {
		return fmt.Errorf("payments are not configured")
	}
	event, err := a.payments.VerifyWebhook(payload, signature)
	if err != nil {
		return err
	}
	if event.Type != "payment_intent.succeeded" {
		return nil
	}
	intent := event.Intent
	if intent.Processed {
		slog.Info("webhook for already processed intent", "intent_id", intent.ID)
		return nil
	}
	if intent.UserEmail == "" || intent.Credits <= 0 {
		return fmt.Errorf("%w: intent %s missing purchase metadata", payments.ErrInvalidWebhook, intent.ID)
	}
	if err := a.grantPurchase(ctx, intent, "webhook", payload); err != nil {
		return err
	}
	return nil
}

// ConfirmResult reports a client-driven payment confirmation.
type ConfirmResult struct {
	CreditsAdded   int64 `json:"credits_added"`
	NewBalance     int64 `json:"new_balance"`
	TotalPurchased int64 `json:"total_purchased"`
}

// ConfirmPayment reconciles an intent on the client's signal. The intent
// must have succeeded, must not be processed yet, and must belong to the
// calling user.
func (a *App) ConfirmPayment(ctx context.Context, email, intentID string) (ConfirmResult, error) {
	if a.payments == nil {
		return ConfirmResult{}, fmt.Errorf("payments are not configured")
	}
	intent, err := a.payments.GetIntent(ctx, intentID)
	if err != nil {
		return ConfirmResult{}, fmt.Errorf("get intent: %w", err)
	}
	if intent.Status != payments.StatusSucceeded {
		return ConfirmResult{}, fmt.Errorf("%w: status %s", ErrPaymentIncomplete, intent.Status)
	}
	if intent.Processed {
		return ConfirmResult{}, ErrPaymentProcessed
	}
	if intent.UserEmail != NormalizeEmail(email) {
		return ConfirmResult{}, ErrPaymentForbidden
	}
	if err := a.grantPurchase(ctx, intent, "confirm", nil); err != nil {
		return ConfirmResult{}, err
	}
	user, err := a.UserByEmail(ctx, intent.UserEmail)
	if err != nil {
		return ConfirmResult{}, err
	}
	return ConfirmResult{
		CreditsAdded:   intent.Credits,
		NewBalance:     user.CreditsAvailable,
		TotalPurchased: user.CreditsPurchased,
	}, nil
}

// grantPurchase applies a reconciled intent: ledger grant, processed marker,
// audit row, event. The grant lands first so a crash after it cannot lose
// paid credits; a later retry is stopped by the processed marker.
func (a *App) grantPurchase(ctx context.Context, intent payments.Intent, source string, payload []byte) error {
	if err := a.store.GrantCredits(intent.UserEmail, intent.Credits); err != nil {
		return fmt.Errorf("grant credits: %w", err)
	}
	if err := a.payments.MarkProcessed(ctx, intent.ID); err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	if err := a.store.RecordPaymentEvent(store.PaymentEvent{
		IntentID:  intent.ID,
		Source:    source,
		UserEmail: intent.UserEmail,
		Credits:   intent.Credits,
		Payload:   payload,
	}); err != nil {
		slog.Warn("payment audit write failed", "intent_id", intent.ID, "error", err)
	}
	a.events.Publish(ctx, events.KeyCreditsGranted, map[string]any{
		"user_email": intent.UserEmail,
		"credits":    intent.Credits,
		"reason":     "purchase",
		"intent_id":  intent.ID,
	})
	return nil
}

// VoiceRoom is a joinable voice session.
type VoiceRoom struct {
	RoomName string `json:"room_name"`
	Token    string `json:"token"`
	WSURL    string `json:"ws_url"`
}

// StartVoiceRoom checks the voice minimum, mints a join token, and settles
// the session start cost. An empty room name joins the user's personal room.
func (a *App) StartVoiceRoom(ctx context.Context, email, roomName string) (VoiceRoom, error) {
	if a.voice == nil {
		return VoiceRoom{}, ErrVoiceUnavailable
	}
	email = NormalizeEmail(email)
	user, err := a.UserByEmail(ctx, email)
	if err != nil {
		return VoiceRoom{}, err
	}
	decision := a.policy.AdmitFlat(user.CreditsAvailable, a.policy.VoiceMinimum)
	if !decision.Allowed {
		return VoiceRoom{}, &InsufficientCreditsError{Decision: decision}
	}
	if strings.TrimSpace(roomName) == "" {
		roomName = voice.PersonalRoomName(email)
	}
	token, err := a.voice.MintRoomToken(roomName, email)
	if err != nil {
		return VoiceRoom{}, fmt.Errorf("mint room token: %w", err)
	}
	if err := a.store.SettleCredits(email, a.policy.VoiceStartCost); err != nil {
		return VoiceRoom{}, fmt.Errorf("settle voice start: %w", err)
	}
	a.events.Publish(ctx, events.KeyVoiceStarted, map[string]any{
		"user_email": email,
		"room":       roomName,
		"credits":    a.policy.VoiceStartCost,
	})
	return VoiceRoom{RoomName: roomName, Token: token, WSURL: a.voice.WSURL()}, nil
}

// VoiceRoomInfo describes the user's personal room without joining it.
type VoiceRoomInfo struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
	Description string `json:"description"`
}

// ListVoiceRooms returns the rooms the user can join. Each account has one
// personal room.
func (a *App) ListVoiceRooms(ctx context.Context, email string) ([]VoiceRoomInfo, error) {
	if a.voice == nil {
		return nil, ErrVoiceUnavailable
	}
	return []VoiceRoomInfo{{
		Name:        voice.PersonalRoomName(NormalizeEmail(email)),
		DisplayName: "Voice Chat",
		Description: "Private voice chat with your companion",
	}}, nil
}
