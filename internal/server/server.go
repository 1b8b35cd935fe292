// Package server exposes the HTTP API: accounts, chat, sessions, payments,
// uploads, and voice rooms.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"virtualg/internal/app"
	"virtualg/internal/metering"
	"virtualg/internal/payments"
	"virtualg/internal/ratelimit"
	"virtualg/internal/usertoken"
	"virtualg/internal/util"
	"virtualg/pkg/ai"
	"virtualg/pkg/auth"
	"virtualg/pkg/domain"
	"virtualg/pkg/storage"
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	App     *app.App
	Tokens  *usertoken.Manager
	Objects storage.ObjectStore

	// Redis enables rate limiting; nil disables it (local runs, tests).
	Redis                      *redis.Client
	RegisterRateLimitPerMinute int
	LoginRateLimitPerMinute    int
	ChatRateLimitPerMinute     int

	MaxUploadBytes    int64
	AllowedExtensions []string
	AllowedOrigins    []string
	TrustedProxies    *util.TrustedProxies
}

// Server exposes HTTP endpoints for the backend.
type Server struct {
	app               *app.App
	tokens            *usertoken.Manager
	objects           storage.ObjectStore
	mux               *http.ServeMux
	maxUploadBytes    int64
	allowedExtensions map[string]struct{}
	allowedOrigins    []string
	trustedProxies    *util.TrustedProxies
	registerLimiter   *ratelimit.FixedWindowLimiter
	loginLimiter      *ratelimit.FixedWindowLimiter
	chatLimiter       *ratelimit.FixedWindowLimiter
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	s := &Server{
		app:               cfg.App,
		tokens:            cfg.Tokens,
		objects:           cfg.Objects,
		mux:               http.NewServeMux(),
		maxUploadBytes:    normalizeMaxBytes(cfg.MaxUploadBytes),
		allowedExtensions: normalizeExtensions(cfg.AllowedExtensions),
		allowedOrigins:    cfg.AllowedOrigins,
		trustedProxies:    cfg.TrustedProxies,
	}
	if cfg.Redis != nil {
		newLimiter := func(scope string, limit, fallback int) (*ratelimit.FixedWindowLimiter, error) {
			if limit <= 0 {
				limit = fallback
			}
			limiter, err := ratelimit.NewFixedWindowLimiter(cfg.Redis, scope, limit, time.Minute)
			if err != nil {
				return nil, fmt.Errorf("init %s limiter: %w", scope, err)
			}
			return limiter, nil
		}
		var err error
		if s.registerLimiter, err = newLimiter("register", cfg.RegisterRateLimitPerMinute, 5); err != nil {
			return nil, err
		}
		if s.loginLimiter, err = newLimiter("login", cfg.LoginRateLimitPerMinute, 10); err != nil {
			return nil, err
		}
		if s.chatLimiter, err = newLimiter("chat", cfg.ChatRateLimitPerMinute, 30); err != nil {
			return nil, err
		}
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler with the shared middleware applied.
func (s *Server) Router() http.Handler {
	handler := util.WithSecurityHeaders(util.WithCORS(s.allowedOrigins, s.mux))
	return util.WithRequestID(util.WithRequestLog(handler))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)

	// auth
	s.mux.HandleFunc("/api/register", s.handleRegister)
	s.mux.HandleFunc("/api/login", s.handleLogin)

	// chat & sessions (auth required)
	s.mux.Handle("/api/chat", s.authenticated(s.handleChat))
	s.mux.Handle("/api/chat/history", s.authenticated(s.handleChatHistory))
	s.mux.Handle("/api/sessions", s.authenticated(s.handleSessions))
	s.mux.Handle("/api/sessions/", s.authenticated(s.handleSessionByID))
	s.mux.Handle("/api/usage", s.authenticated(s.handleUsage))

	// payments
	s.mux.HandleFunc("/api/payments/packages", s.handlePackages)
	s.mux.HandleFunc("/api/payments/webhook", s.handlePaymentWebhook)
	s.mux.Handle("/api/payments/balance", s.authenticated(s.handleBalance))
	s.mux.Handle("/api/payments/create-intent", s.authenticated(s.handleCreateIntent))
	s.mux.Handle("/api/payments/confirm", s.authenticated(s.handleConfirmPayment))

	// media & voice (auth required)
	s.mux.Handle("/api/upload", s.authenticated(s.handleUpload))
	s.mux.Handle("/api/voice/rooms", s.authenticated(s.handleVoiceRooms))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// auth wrappers
type authHandler func(http.ResponseWriter, *http.Request, domain.User)

func (s *Server) authenticated(next authHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := s.authorize(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r, user)
	})
}

func (s *Server) authorize(r *http.Request) (domain.User, bool) {
	token, ok := bearerToken(r)
	if !ok {
		s.audit(r, "token.verify", "fail", "reason", "missing_token")
		return domain.User{}, false
	}
	email, err := s.tokens.VerifySubject(token)
	if err != nil {
		s.audit(r, "token.verify", "fail", "reason", "invalid_signature_or_claims")
		return domain.User{}, false
	}
	user, err := s.app.UserByEmail(r.Context(), email)
	if err != nil {
		s.audit(r, "token.verify", "fail", "reason", "unknown_subject")
		return domain.User{}, false
	}
	return user, true
}

// auth handlers
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, s.registerLimiter, "too many registration attempts") {
		s.audit(r, "register", "rate_limited")
		return
	}
	var req authRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	user, err := s.app.Register(r.Context(), req.Email, req.Password)
	if err != nil {
		s.audit(r, "register", "fail", "reason", err.Error())
		s.writeAppError(w, r, err)
		return
	}
	token, err := s.tokens.Issue(user.Email)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	s.audit(r, "register", "success", "user_email", user.Email)
	writeJSON(w, http.StatusCreated, authResponse{
		AccessToken: token,
		TokenType:   "bearer",
		User:        user,
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, s.loginLimiter, "too many login attempts") {
		s.audit(r, "login", "rate_limited")
		return
	}
	var req authRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	user, err := s.app.Authenticate(r.Context(), req.Email, req.Password)
	if err != nil {
		s.audit(r, "login", "fail", "reason", err.Error())
		s.writeAppError(w, r, err)
		return
	}
	token, err := s.tokens.Issue(user.Email)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	s.audit(r, "login", "success", "user_email", user.Email)
	writeJSON(w, http.StatusOK, authResponse{
		AccessToken: token,
		TokenType:   "bearer",
		User:        user,
	})
}

// chat handlers
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, s.chatLimiter, "too many chat requests") {
		s.audit(r, "chat", "rate_limited", "user_email", user.Email)
		return
	}
	var req chatRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	res, err := s.app.Chat(r.Context(), user.Email, app.ChatRequest{
		Text:      req.Text,
		ImageURL:  req.ImageURL,
		SessionID: r.URL.Query().Get("session_id"),
	})
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, chatResponse{
		Reply:       res.Reply,
		SessionID:   res.SessionID,
		CreditsUsed: res.CreditsUsed,
	})
}

func (s *Server) handleChatHistory(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	history, err := s.app.DefaultHistory(r.Context(), user.Email)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, historyResponse{
		SessionID: history.SessionID,
		Messages:  history.Messages,
	})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request, user domain.User) {
	switch r.Method {
	case http.MethodGet:
		summaries, err := s.app.ListSessions(r.Context(), user.Email)
		if err != nil {
			s.writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"sessions": summaries})
	case http.MethodPost:
		session, err := s.app.CreateSession(r.Context(), user.Email)
		if err != nil {
			s.writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{
			"session_id": session.ID,
			"message":    "New chat session created",
		})
	default:
		methodNotAllowed(w)
	}
}

// /api/sessions/{id} or /api/sessions/{id}/history
func (s *Server) handleSessionByID(w http.ResponseWriter, r *http.Request, user domain.User) {
	path := strings.TrimPrefix(r.URL.Path, "/api/sessions/")
	parts := strings.SplitN(path, "/", 2)
	id := parts[0]
	if id == "" {
		http.NotFound(w, r)
		return
	}
	if len(parts) == 2 {
		if parts[1] != "history" {
			http.NotFound(w, r)
			return
		}
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		history, err := s.app.SessionHistory(r.Context(), user.Email, id)
		if err != nil {
			s.writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, historyResponse{
			SessionID: history.SessionID,
			Messages:  history.Messages,
		})
		return
	}
	if r.Method != http.MethodDelete {
		methodNotAllowed(w)
		return
	}
	if err := s.app.DeleteSession(r.Context(), user.Email, id); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Session deleted successfully"})
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	balance, err := s.app.Balance(r.Context(), user.Email)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, balance)
}

// payment handlers
func (s *Server) handlePackages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, payments.Packages())
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request, user domain.User) {
	s.handleUsage(w, r, user)
}

func (s *Server) handleCreateIntent(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req createIntentRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	intent, err := s.app.CreateCreditIntent(r.Context(), user.Email, req.Credits)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, createIntentResponse{
		ClientSecret:    intent.ClientSecret,
		PaymentIntentID: intent.ID,
		Amount:          intent.Amount,
		Currency:        intent.Currency,
		Credits:         intent.Credits,
	})
}

func (s *Server) handlePaymentWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	signature := r.Header.Get("Stripe-Signature")
	if signature == "" {
		writeError(w, http.StatusBadRequest, "missing stripe-signature header")
		return
	}
	payload, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	if err := s.app.HandlePaymentWebhook(r.Context(), payload, signature); err != nil {
		s.audit(r, "payments.webhook", "fail", "reason", err.Error())
		s.writeAppError(w, r, err)
		return
	}
	s.audit(r, "payments.webhook", "success")
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

func (s *Server) handleConfirmPayment(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req confirmRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.PaymentIntentID) == "" {
		writeError(w, http.StatusBadRequest, "payment_intent_id is required")
		return
	}
	res, err := s.app.ConfirmPayment(r.Context(), user.Email, req.PaymentIntentID)
	if err != nil {
		s.audit(r, "payments.confirm", "fail", "user_email", user.Email, "reason", err.Error())
		s.writeAppError(w, r, err)
		return
	}
	s.audit(r, "payments.confirm", "success", "user_email", user.Email, "intent_id", req.PaymentIntentID)
	writeJSON(w, http.StatusOK, confirmResponse{
		Success:        true,
		CreditsAdded:   res.CreditsAdded,
		NewBalance:     res.NewBalance,
		TotalPurchased: res.TotalPurchased,
	})
}

// media & voice handlers
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if s.objects == nil {
		writeError(w, http.StatusServiceUnavailable, "uploads are not configured")
		return
	}
	if s.maxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	}
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "invalid form data")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required (field: file)")
		return
	}
	defer file.Close()
	ext := strings.ToLower(filepath.Ext(header.Filename))
	if _, ok := s.allowedExtensions[ext]; !ok {
		writeError(w, http.StatusBadRequest, "unsupported file type")
		return
	}
	key := "uploads/" + newObjectName(ext)
	contentType := header.Header.Get("Content-Type")
	if err := s.objects.Put(r.Context(), key, file, header.Size, contentType); err != nil {
		slog.Error("upload failed", "key", key, "error", err)
		writeError(w, http.StatusInternalServerError, "upload failed")
		return
	}
	url, err := s.objects.URLFor(r.Context(), key)
	if err != nil {
		slog.Error("upload url failed", "key", key, "error", err)
		writeError(w, http.StatusInternalServerError, "upload failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

func (s *Server) handleVoiceRooms(w http.ResponseWriter, r *http.Request, user domain.User) {
	switch r.Method {
	case http.MethodGet:
		rooms, err := s.app.ListVoiceRooms(r.Context(), user.Email)
		if err != nil {
			s.writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"rooms": rooms})
	case http.MethodPost:
		var req voiceRoomRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		room, err := s.app.StartVoiceRoom(r.Context(), user.Email, req.RoomName)
		if err != nil {
			s.audit(r, "voice.start", "fail", "user_email", user.Email, "reason", err.Error())
			s.writeAppError(w, r, err)
			return
		}
		s.audit(r, "voice.start", "success", "user_email", user.Email, "room", room.RoomName)
		writeJSON(w, http.StatusCreated, room)
	default:
		methodNotAllowed(w)
	}
}

// error mapping
func (s *Server) writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	if ice, ok := app.AsInsufficientCredits(err); ok {
		writeInsufficientCredits(w, ice.Decision)
		return
	}
	switch {
	case errors.Is(err, app.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, app.ErrEmailTaken),
		errors.Is(err, app.ErrInvalidEmail),
		errors.Is(err, auth.ErrPasswordTooShort),
		errors.Is(err, app.ErrEmptyMessage),
		errors.Is(err, app.ErrPaymentIncomplete),
		errors.Is(err, app.ErrPaymentProcessed),
		errors.Is(err, payments.ErrInvalidWebhook):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, app.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, app.ErrPaymentForbidden):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, ai.ErrUpstream), errors.Is(err, ai.ErrProtocol):
		writeError(w, http.StatusBadGateway, "model provider unavailable")
	case errors.Is(err, app.ErrVoiceUnavailable):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		slog.Error("request failed", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// writeInsufficientCredits emits the structured 402 payload clients use to
// render a purchase prompt.
func writeInsufficientCredits(w http.ResponseWriter, d metering.Decision) {
	writeJSON(w, http.StatusPaymentRequired, map[string]any{
		"error":              "insufficient_credits",
		"message":            d.Message(),
		"current_balance":    d.Balance,
		"required":           d.Required,
		"suggested_purchase": d.SuggestedPurchase,
	})
}

func (s *Server) audit(r *http.Request, event, outcome string, attrs ...any) {
	logAttrs := []any{
		"event", event,
		"outcome", outcome,
		"path", r.URL.Path,
		"method", r.Method,
		"ip", util.ClientIP(r, s.trustedProxies),
	}
	logAttrs = append(logAttrs, attrs...)
	if outcome == "success" {
		slog.Info("security_event", logAttrs...)
		return
	}
	slog.Warn("security_event", logAttrs...)
}

// allowRate applies the limiter when one is configured.
func (s *Server) allowRate(w http.ResponseWriter, r *http.Request, limiter *ratelimit.FixedWindowLimiter, msg string) bool {
	if limiter == nil {
		return true
	}
	key := r.URL.Path + "|" + util.ClientIP(r, s.trustedProxies)
	if limiter.Allow(key) {
		return true
	}
	w.Header().Set("Retry-After", "60")
	writeError(w, http.StatusTooManyRequests, msg)
	return false
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

// request/response shapes
type authRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type authResponse struct {
	AccessToken string      `json:"access_token"`
	TokenType   string      `json:"token_type"`
	User        domain.User `json:"user"`
}

type chatRequest struct {
	Text     string `json:"text"`
	ImageURL string `json:"image_url"`
}

type chatResponse struct {
	Reply       domain.Message `json:"reply"`
	SessionID   string         `json:"session_id"`
	CreditsUsed int64          `json:"credits_used"`
}

type historyResponse struct {
	SessionID string           `json:"session_id"`
	Messages  []domain.Message `json:"messages"`
}

type createIntentRequest struct {
	Credits int64 `json:"credits"`
}

type createIntentResponse struct {
	ClientSecret    string `json:"client_secret"`
	PaymentIntentID string `json:"payment_intent_id"`
	Amount          int64  `json:"amount"`
	Currency        string `json:"currency"`
	Credits         int64  `json:"credits"`
}

type voiceRoomRequest struct {
	RoomName string `json:"room_name"`
}

type confirmRequest struct {
	PaymentIntentID string `json:"payment_intent_id"`
}

type confirmResponse struct {
	Success        bool  `json:"success"`
	CreditsAdded   int64 `json:"credits_added"`
	NewBalance     int64 `json:"new_balance"`
	TotalPurchased int64 `json:"total_purchased"`
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", false
	}
	return token, true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func newObjectName(ext string) string {
	return strings.ReplaceAll(uuid.NewString(), "-", "") + ext
}

func normalizeMaxBytes(value int64) int64 {
	if value <= 0 {
		return 10 * 1024 * 1024
	}
	return value
}

func normalizeExtensions(exts []string) map[string]struct{} {
	if len(exts) == 0 {
		exts = []string{".jpg", ".jpeg", ".png", ".gif", ".webp"}
	}
	out := make(map[string]struct{}, len(exts))
	for _, ext := range exts {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		out[ext] = struct{}{}
	}
	return out
}
