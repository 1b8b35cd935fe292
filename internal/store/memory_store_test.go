package store

import (
	"sync"
	"testing"
	"time"

	"virtualg/pkg/domain"
)

func newTestUser(email string) domain.User {
	return domain.User{
		Email:            email,
		PasswordHash:     "x",
		CreditsAvailable: 1000,
		CreatedAt:        time.Now().UTC(),
	}
}

func TestCreateUserRejectsDuplicateEmail(t *testing.T) {
	s := NewMemoryStore()
	if err := s.CreateUser(newTestUser("a@example.com")); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if err := s.CreateUser(newTestUser("a@example.com")); err != ErrDuplicateEmail {
		t.Fatalf("second create = %v, want ErrDuplicateEmail", err)
	}
}

func TestLedgerDeltas(t *testing.T) {
	s := NewMemoryStore()
	if err := s.CreateUser(newTestUser("a@example.com")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.SettleCredits("a@example.com", 15); err != nil {
		t.Fatalf("settle: %v", err)
	}
	if err := s.GrantCredits("a@example.com", 5000); err != nil {
		t.Fatalf("grant: %v", err)
	}
	u, ok, err := s.GetUserByEmail("a@example.com")
	if err != nil || !ok {
		t.Fatalf("get user: ok=%v err=%v", ok, err)
	}
	if u.CreditsAvailable != 1000-15+5000 {
		t.Fatalf("available = %d, want %d", u.CreditsAvailable, 1000-15+5000)
	}
	if u.CreditsUsed != 15 {
		t.Fatalf("used = %d, want 15", u.CreditsUsed)
	}
	if u.CreditsPurchased != 5000 {
		t.Fatalf("purchased = %d, want 5000", u.CreditsPurchased)
	}
}

func TestLedgerDeltasUnknownUser(t *testing.T) {
	s := NewMemoryStore()
	if err := s.GrantCredits("ghost@example.com", 10); err != ErrNotFound {
		t.Fatalf("grant unknown = %v, want ErrNotFound", err)
	}
	if err := s.SettleCredits("ghost@example.com", 10); err != ErrNotFound {
		t.Fatalf("settle unknown = %v, want ErrNotFound", err)
	}
}

// A settlement stream and a grant stream racing on the same user must both
// fully apply; the counters are commutative deltas, not read-modify-write.
func TestConcurrentGrantAndSettleCompose(t *testing.T) {
	s := NewMemoryStore()
	if err := s.CreateUser(newTestUser("a@example.com")); err != nil {
		t.Fatalf("create: %v", err)
	}
	const rounds = 200
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < rounds; i++ {
			if err := s.SettleCredits("a@example.com", 3); err != nil {
				t.Errorf("settle: %v", err)
				return
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < rounds; i++ {
			if err := s.GrantCredits("a@example.com", 7); err != nil {
				t.Errorf("grant: %v", err)
				return
			}
		}
	}()
	wg.Wait()
	u, _, _ := s.GetUserByEmail("a@example.com")
	if u.CreditsUsed != 3*rounds {
		t.Fatalf("used = %d, want %d", u.CreditsUsed, 3*rounds)
	}
	if u.CreditsPurchased != 7*rounds {
		t.Fatalf("purchased = %d, want %d", u.CreditsPurchased, 7*rounds)
	}
	if want := int64(1000 - 3*rounds + 7*rounds); u.CreditsAvailable != want {
		t.Fatalf("available = %d, want %d", u.CreditsAvailable, want)
	}
}

func TestSessionOwnershipIsEnforced(t *testing.T) {
	s := NewMemoryStore()
	session, err := s.CreateSession("a@example.com")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if _, ok, _ := s.GetSession(session.ID, "b@example.com"); ok {
		t.Fatal("user B must not see user A's session")
	}
	if err := s.DeleteSession(session.ID, "b@example.com"); err != ErrNotFound {
		t.Fatalf("delete by non-owner = %v, want ErrNotFound", err)
	}
	if _, ok, _ := s.GetSession(session.ID, "a@example.com"); !ok {
		t.Fatal("owner lookup should still succeed")
	}
}

func TestMessagesRoundTripInAppendOrder(t *testing.T) {
	s := NewMemoryStore()
	session, _ := s.CreateSession("a@example.com")
	first := domain.Message{
		Role:      domain.RoleUser,
		Content:   "hi there",
		Type:      domain.TypeText,
		Timestamp: time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC),
	}
	second := domain.Message{
		Role:      domain.RoleAI,
		Content:   "hello!",
		Type:      domain.TypeText,
		Timestamp: time.Date(2025, 3, 1, 10, 0, 1, 0, time.UTC),
	}
	if err := s.AppendMessage(session.ID, first); err != nil {
		t.Fatalf("append first: %v", err)
	}
	if err := s.AppendMessage(session.ID, second); err != nil {
		t.Fatalf("append second: %v", err)
	}
	msgs, err := s.ListMessages(session.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("len = %d, want 2", len(msgs))
	}
	if msgs[0].Role != domain.RoleUser || msgs[0].Content != "hi there" || !msgs[0].Timestamp.Equal(first.Timestamp) {
		t.Fatalf("first message mangled: %+v", msgs[0])
	}
	if msgs[1].Role != domain.RoleAI || msgs[1].Content != "hello!" || msgs[1].Type != domain.TypeText {
		t.Fatalf("second message mangled: %+v", msgs[1])
	}
}

func TestListSessionsMostRecentFirst(t *testing.T) {
	s := NewMemoryStore()
	a, _ := s.CreateSession("a@example.com")
	// Force distinct creation times.
	older := a
	older.CreatedAt = older.CreatedAt.Add(-time.Hour)
	s.mu.Lock()
	s.sessions[older.ID] = older
	s.mu.Unlock()
	b, _ := s.CreateSession("a@example.com")
	sessions, err := s.ListSessionsForUser("a@example.com")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("len = %d, want 2", len(sessions))
	}
	if sessions[0].ID != b.ID {
		t.Fatalf("newest session should come first")
	}
}

func TestDeleteSessionRemovesMessages(t *testing.T) {
	s := NewMemoryStore()
	session, _ := s.CreateSession("a@example.com")
	_ = s.AppendMessage(session.ID, domain.Message{Role: domain.RoleUser, Content: "x", Type: domain.TypeText})
	if err := s.DeleteSession(session.ID, "a@example.com"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	msgs, _ := s.ListMessages(session.ID)
	if len(msgs) != 0 {
		t.Fatalf("messages should be gone, got %d", len(msgs))
	}
}
