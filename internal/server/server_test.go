package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"virtualg/internal/app"
	"virtualg/internal/payments"
	"virtualg/internal/store"
	"virtualg/internal/usertoken"
	"virtualg/internal/voice"
	"virtualg/pkg/ai"
)

type fakeGenerator struct {
	reply string
	err   error
}

func (g *fakeGenerator) Complete(ctx context.Context, turns []ai.Turn) (string, error) {
	if g.err != nil {
		return "", g.err
	}
	return g.reply, nil
}

type fakeProvider struct {
	intents map[string]payments.Intent
	marked  map[string]bool
}

func (p *fakeProvider) CreateIntent(ctx context.Context, amountPence int64, currency, userEmail string, credits int64) (payments.Intent, error) {
	return payments.Intent{ID: "pi_new", ClientSecret: "cs", Amount: amountPence, Currency: currency, UserEmail: userEmail, Credits: credits}, nil
}

func (p *fakeProvider) GetIntent(ctx context.Context, id string) (payments.Intent, error) {
	intent, ok := p.intents[id]
	if !ok {
		return payments.Intent{}, fmt.Errorf("no such intent")
	}
	intent.Processed = intent.Processed || p.marked[id]
	return intent, nil
}

func (p *fakeProvider) MarkProcessed(ctx context.Context, id string) error {
	if p.marked == nil {
		p.marked = map[string]bool{}
	}
	p.marked[id] = true
	return nil
}

func (p *fakeProvider) VerifyWebhook(payload []byte, signature string) (payments.Event, error) {
	if signature != "valid" {
		return payments.Event{}, payments.ErrInvalidWebhook
	}
	intent := p.intents[string(payload)]
	return payments.Event{Type: "payment_intent.succeeded", Intent: intent, Raw: payload}, nil
}

type fakeObjects struct {
	keys []string
}

func (f *fakeObjects) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	f.keys = append(f.keys, key)
	return nil
}

func (f *fakeObjects) URLFor(ctx context.Context, key string) (string, error) {
	return "https://cdn.test/" + key, nil
}

func (f *fakeObjects) Delete(ctx context.Context, key string) error { return nil }

type testEnv struct {
	srv   *httptest.Server
	store *store.MemoryStore
}

func newTestEnv(t *testing.T, gen ai.Generator, provider payments.Provider, redisClient *redis.Client) *testEnv {
	t.Helper()
	st := store.NewMemoryStore()
	minter, err := voice.New(voice.Config{APIKey: "vk", APISecret: "vs", WSURL: "wss://voice.test"})
	if err != nil {
		t.Fatalf("voice minter: %v", err)
	}
	core := app.New(app.Config{Store: st, Generator: gen, Payments: provider, Voice: minter})
	tokens, err := usertoken.New(usertoken.Config{Secret: "test-secret", TTL: time.Hour})
	if err != nil {
		t.Fatalf("token manager: %v", err)
	}
	s, err := New(Config{
		App:                     core,
		Tokens:                  tokens,
		Objects:                 &fakeObjects{},
		Redis:                   redisClient,
		LoginRateLimitPerMinute: 1,
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, store: st}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(buf)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	decoded := map[string]any{}
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func (e *testEnv) register(t *testing.T, email string) string {
	t.Helper()
	resp, body := e.do(t, http.MethodPost, "/api/register", "", map[string]string{
		"email": email, "password": "hunter22",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register status = %d, body %v", resp.StatusCode, body)
	}
	token, _ := body["access_token"].(string)
	if token == "" {
		t.Fatalf("register returned no token: %v", body)
	}
	return token
}

func TestRegisterLoginAndUsage(t *testing.T) {
	env := newTestEnv(t, &fakeGenerator{reply: "hi"}, nil, nil)
	env.register(t, "u@example.com")

	resp, body := env.do(t, http.MethodPost, "/api/login", "", map[string]string{
		"email": "u@example.com", "password": "hunter22",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login status = %d", resp.StatusCode)
	}
	if body["token_type"] != "bearer" {
		t.Fatalf("token_type = %v", body["token_type"])
	}
	token := body["access_token"].(string)

	resp, body = env.do(t, http.MethodGet, "/api/usage", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("usage status = %d", resp.StatusCode)
	}
	if body["credits_available"].(float64) != 1000 || body["credits_used"].(float64) != 0 {
		t.Fatalf("usage = %v", body)
	}

	resp, _ = env.do(t, http.MethodPost, "/api/login", "", map[string]string{
		"email": "u@example.com", "password": "wrong",
	})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad login status = %d", resp.StatusCode)
	}
}

func TestDuplicateRegisterReturns400(t *testing.T) {
	env := newTestEnv(t, &fakeGenerator{}, nil, nil)
	env.register(t, "u@example.com")
	resp, _ := env.do(t, http.MethodPost, "/api/register", "", map[string]string{
		"email": "u@example.com", "password": "hunter22",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("duplicate register status = %d", resp.StatusCode)
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	env := newTestEnv(t, &fakeGenerator{}, nil, nil)
	for _, path := range []string{"/api/chat/history", "/api/usage", "/api/payments/balance"} {
		resp, _ := env.do(t, http.MethodGet, path, "", nil)
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("%s status = %d, want 401", path, resp.StatusCode)
		}
	}
	resp, _ := env.do(t, http.MethodGet, "/api/usage", "garbage-token", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("garbage token status = %d", resp.StatusCode)
	}
}

func TestChatRoundTrip(t *testing.T) {
	env := newTestEnv(t, &fakeGenerator{reply: "hello to you too"}, nil, nil)
	token := env.register(t, "u@example.com")

	resp, body := env.do(t, http.MethodPost, "/api/chat", token, map[string]string{"text": "hello there"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("chat status = %d, body %v", resp.StatusCode, body)
	}
	reply := body["reply"].(map[string]any)
	if reply["role"] != "ai" || reply["content"] != "hello to you too" {
		t.Fatalf("reply = %v", reply)
	}
	// 2 input + 4 reply words.
	if body["credits_used"].(float64) != 6 {
		t.Fatalf("credits_used = %v", body["credits_used"])
	}
	sessionID := body["session_id"].(string)

	resp, body = env.do(t, http.MethodGet, "/api/chat/history", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("history status = %d", resp.StatusCode)
	}
	if body["session_id"] != sessionID {
		t.Fatalf("history session = %v, want %s", body["session_id"], sessionID)
	}
	if msgs := body["messages"].([]any); len(msgs) != 2 {
		t.Fatalf("history messages = %d, want 2", len(msgs))
	}
}

func TestChatInsufficientCreditsPayload(t *testing.T) {
	env := newTestEnv(t, &fakeGenerator{reply: "hi"}, nil, nil)
	token := env.register(t, "u@example.com")
	if err := env.store.SettleCredits("u@example.com", 960); err != nil {
		t.Fatalf("settle: %v", err)
	}

	resp, body := env.do(t, http.MethodPost, "/api/chat", token, map[string]string{
		"text": "one two three four five six seven eight nine ten",
	})
	if resp.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402", resp.StatusCode)
	}
	if body["error"] != "insufficient_credits" {
		t.Fatalf("error = %v", body["error"])
	}
	if body["current_balance"].(float64) != 40 || body["required"].(float64) != 60 {
		t.Fatalf("payload = %v", body)
	}
	if body["suggested_purchase"].(float64) != 1000 {
		t.Fatalf("suggested_purchase = %v", body["suggested_purchase"])
	}
}

func TestChatUpstreamFailureReturns502(t *testing.T) {
	env := newTestEnv(t, &fakeGenerator{err: fmt.Errorf("down: %w", ai.ErrUpstream)}, nil, nil)
	token := env.register(t, "u@example.com")
	resp, _ := env.do(t, http.MethodPost, "/api/chat", token, map[string]string{"text": "hello"})
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", resp.StatusCode)
	}
}

func TestSessionLifecycle(t *testing.T) {
	env := newTestEnv(t, &fakeGenerator{reply: "hi"}, nil, nil)
	token := env.register(t, "u@example.com")

	resp, body := env.do(t, http.MethodPost, "/api/sessions", token, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create session status = %d", resp.StatusCode)
	}
	sessionID := body["session_id"].(string)

	resp, body = env.do(t, http.MethodPost, "/api/chat?session_id="+sessionID, token, map[string]string{"text": "hello"})
	if resp.StatusCode != http.StatusOK || body["session_id"] != sessionID {
		t.Fatalf("chat into session failed: %d %v", resp.StatusCode, body)
	}

	resp, body = env.do(t, http.MethodGet, "/api/sessions", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list sessions status = %d", resp.StatusCode)
	}
	if sessions := body["sessions"].([]any); len(sessions) != 1 {
		t.Fatalf("sessions = %v", sessions)
	}

	resp, body = env.do(t, http.MethodGet, "/api/sessions/"+sessionID+"/history", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("session history status = %d", resp.StatusCode)
	}
	if msgs := body["messages"].([]any); len(msgs) != 2 {
		t.Fatalf("session history = %v", msgs)
	}

	resp, _ = env.do(t, http.MethodDelete, "/api/sessions/"+sessionID, token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}
	resp, _ = env.do(t, http.MethodDelete, "/api/sessions/"+sessionID, token, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("second delete status = %d, want 404", resp.StatusCode)
	}
}

func TestSessionOwnershipIsOpaque(t *testing.T) {
	env := newTestEnv(t, &fakeGenerator{reply: "hi"}, nil, nil)
	aliceToken := env.register(t, "alice@example.com")
	bobToken := env.register(t, "bob@example.com")

	_, body := env.do(t, http.MethodPost, "/api/sessions", aliceToken, nil)
	sessionID := body["session_id"].(string)

	resp, _ := env.do(t, http.MethodGet, "/api/sessions/"+sessionID+"/history", bobToken, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("foreign history status = %d, want 404", resp.StatusCode)
	}
	resp, _ = env.do(t, http.MethodDelete, "/api/sessions/"+sessionID, bobToken, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("foreign delete status = %d, want 404", resp.StatusCode)
	}
}

func TestPaymentEndpoints(t *testing.T) {
	provider := &fakeProvider{
		intents: map[string]payments.Intent{
			"pi_mine":  {ID: "pi_mine", Status: payments.StatusSucceeded, UserEmail: "u@example.com", Credits: 5000},
			"pi_other": {ID: "pi_other", Status: payments.StatusSucceeded, UserEmail: "other@example.com", Credits: 5000},
		},
		marked: map[string]bool{},
	}
	env := newTestEnv(t, &fakeGenerator{}, provider, nil)
	token := env.register(t, "u@example.com")

	resp, _ := env.do(t, http.MethodGet, "/api/payments/packages", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("packages status = %d", resp.StatusCode)
	}

	resp, body := env.do(t, http.MethodPost, "/api/payments/create-intent", token, map[string]int64{"credits": 5000})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("create-intent status = %d", resp.StatusCode)
	}
	if body["amount"].(float64) != 500 || body["currency"] != "gbp" {
		t.Fatalf("intent = %v", body)
	}

	resp, body = env.do(t, http.MethodPost, "/api/payments/confirm", token, map[string]string{"payment_intent_id": "pi_mine"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("confirm status = %d, body %v", resp.StatusCode, body)
	}
	if body["new_balance"].(float64) != 6000 {
		t.Fatalf("confirm body = %v", body)
	}

	resp, _ = env.do(t, http.MethodPost, "/api/payments/confirm", token, map[string]string{"payment_intent_id": "pi_mine"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("repeat confirm status = %d, want 400", resp.StatusCode)
	}
	resp, _ = env.do(t, http.MethodPost, "/api/payments/confirm", token, map[string]string{"payment_intent_id": "pi_other"})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("foreign confirm status = %d, want 403", resp.StatusCode)
	}
}

func TestWebhookSignatureRequired(t *testing.T) {
	provider := &fakeProvider{
		intents: map[string]payments.Intent{
			"pi_1": {ID: "pi_1", Status: payments.StatusSucceeded, UserEmail: "u@example.com", Credits: 1000},
		},
		marked: map[string]bool{},
	}
	env := newTestEnv(t, &fakeGenerator{}, provider, nil)
	env.register(t, "u@example.com")

	resp, err := http.Post(env.srv.URL+"/api/payments/webhook", "application/json", bytes.NewReader([]byte("pi_1")))
	if err != nil {
		t.Fatalf("webhook request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing signature status = %d, want 400", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodPost, env.srv.URL+"/api/payments/webhook", bytes.NewReader([]byte("pi_1")))
	req.Header.Set("Stripe-Signature", "valid")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("webhook request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("signed webhook status = %d", resp.StatusCode)
	}
}

func TestLoginRateLimit(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	env := newTestEnv(t, &fakeGenerator{}, nil, client)
	env.register(t, "u@example.com")

	creds := map[string]string{"email": "u@example.com", "password": "hunter22"}
	resp, _ := env.do(t, http.MethodPost, "/api/login", "", creds)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first login status = %d", resp.StatusCode)
	}
	resp, _ = env.do(t, http.MethodPost, "/api/login", "", creds)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second login status = %d, want 429", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") != "60" {
		t.Fatalf("Retry-After = %q", resp.Header.Get("Retry-After"))
	}
}

func TestUploadValidation(t *testing.T) {
	env := newTestEnv(t, &fakeGenerator{}, nil, nil)
	token := env.register(t, "u@example.com")

	upload := func(filename string) *http.Response {
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		fw, err := mw.CreateFormFile("file", filename)
		if err != nil {
			t.Fatalf("create form file: %v", err)
		}
		if _, err := fw.Write([]byte("fake image bytes")); err != nil {
			t.Fatalf("write form file: %v", err)
		}
		mw.Close()
		req, _ := http.NewRequest(http.MethodPost, env.srv.URL+"/api/upload", &buf)
		req.Header.Set("Content-Type", mw.FormDataContentType())
		req.Header.Set("Authorization", "Bearer "+token)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("upload: %v", err)
		}
		return resp
	}

	resp := upload("selfie.png")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("png upload status = %d", resp.StatusCode)
	}
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode upload response: %v", err)
	}
	if body["url"] == "" {
		t.Fatalf("upload response = %v", body)
	}

	resp = upload("malware.exe")
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("exe upload status = %d, want 400", resp.StatusCode)
	}
}

func TestVoiceRooms(t *testing.T) {
	env := newTestEnv(t, &fakeGenerator{}, nil, nil)
	token := env.register(t, "u@example.com")

	resp, body := env.do(t, http.MethodGet, "/api/voice/rooms", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list rooms status = %d", resp.StatusCode)
	}
	if rooms := body["rooms"].([]any); len(rooms) != 1 {
		t.Fatalf("rooms = %v", rooms)
	}

	resp, body = env.do(t, http.MethodPost, "/api/voice/rooms", token, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("start room status = %d, body %v", resp.StatusCode, body)
	}
	if body["token"] == "" || body["ws_url"] != "wss://voice.test" {
		t.Fatalf("room = %v", body)
	}

	// Burn the balance below the voice minimum.
	if err := env.store.SettleCredits("u@example.com", 900); err != nil {
		t.Fatalf("settle: %v", err)
	}
	resp, body = env.do(t, http.MethodPost, "/api/voice/rooms", token, nil)
	if resp.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("underfunded voice status = %d, body %v", resp.StatusCode, body)
	}
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, &fakeGenerator{}, nil, nil)
	resp, body := env.do(t, http.MethodGet, "/healthz", "", nil)
	if resp.StatusCode != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("healthz = %d %v", resp.StatusCode, body)
	}
}
