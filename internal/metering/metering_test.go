package metering

import "testing"

func TestCountWords(t *testing.T) {
	cases := []struct {
		in   string
		want int
	}{
		{"", 0},
		{"hello, world!", 2},
		{"hello world", 2},
		{"  spaced   out  ", 2},
		{"under_score stays one", 3},
		{"don't", 2},
		{"héllo wörld", 2},
		{"1234 5678", 2},
		{"https://cdn.example.com/uploads/abc.jpg", 7},
		{"!!! ... ---", 0},
	}
	for _, c := range cases {
		if got := CountWords(c.in); got != c.want {
			t.Errorf("CountWords(%q) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestEstimateReplyWordsClamped(t *testing.T) {
	p := DefaultPolicy()
	if got := p.EstimateReplyWords(10); got != 50 {
		t.Fatalf("small input should clamp to min: got %d", got)
	}
	if got := p.EstimateReplyWords(100); got != 200 {
		t.Fatalf("mid input should double: got %d", got)
	}
	if got := p.EstimateReplyWords(400); got != 500 {
		t.Fatalf("large input should clamp to max: got %d", got)
	}
}

func TestAdmitRejectsThinBalance(t *testing.T) {
	p := DefaultPolicy()
	d := p.Admit(40, 10)
	if d.Allowed {
		t.Fatal("40 available against estimated 60 must be rejected")
	}
	if d.Required != 60 {
		t.Fatalf("required = %d, want 60", d.Required)
	}
	if d.Shortfall != 20 {
		t.Fatalf("shortfall = %d, want 20", d.Shortfall)
	}
	if d.SuggestedPurchase != 1000 {
		t.Fatalf("suggested purchase = %d, want 1000", d.SuggestedPurchase)
	}
}

func TestAdmitAllowsSufficientBalance(t *testing.T) {
	p := DefaultPolicy()
	d := p.Admit(1000, 10)
	if !d.Allowed {
		t.Fatal("1000 available against estimated 60 must be admitted")
	}
	if d.Required != 60 {
		t.Fatalf("required = %d, want 60", d.Required)
	}
}

func TestRoundPurchase(t *testing.T) {
	p := DefaultPolicy()
	cases := []struct {
		in, want int64
	}{
		{1, 1000},
		{999, 1000},
		{1000, 1000},
		{1001, 2000},
		{2500, 3000},
	}
	for _, c := range cases {
		if got := p.RoundPurchase(c.in); got != c.want {
			t.Errorf("RoundPurchase(%d) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestAdmitFlatVoiceMinimum(t *testing.T) {
	p := DefaultPolicy()
	d := p.AdmitFlat(99, p.VoiceMinimum)
	if d.Allowed {
		t.Fatal("99 available must not admit a 100-credit voice session")
	}
	if d.SuggestedPurchase != 1000 {
		t.Fatalf("suggested purchase = %d, want 1000", d.SuggestedPurchase)
	}
	if d = p.AdmitFlat(100, p.VoiceMinimum); !d.Allowed {
		t.Fatal("100 available must admit a 100-credit voice session")
	}
}
