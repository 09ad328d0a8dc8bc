package password

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/authbridge/authbridge/security"
	"github.com/authbridge/authbridge/storage/memory"
)

type fakeUsers struct {
	byEmail map[string]*User
}

func (f *fakeUsers) LookupUser(ctx context.Context, email string) (*User, error) {
	if u, ok := f.byEmail[email]; ok {
		return u, nil
	}
	return nil, errors.New("no such user")
}

type capturedEmail struct {
	email string
	code  string
}

func testSetup(t *testing.T) (*Provider, *capturedEmail) {
	t.Helper()

	hash, err := HashPassword("correct-horse")
	if err != nil {
		t.Fatalf("HashPassword failed: %v", err)
	}

	users := &fakeUsers{byEmail: map[string]*User{
		"user@example.com": {
			ID:           "local-1",
			Email:        "user@example.com",
			Name:         "Local User",
			PasswordHash: hash,
		},
	}}

	codes := memory.NewWithInterval(time.Hour)
	t.Cleanup(codes.Stop)

	captured := &capturedEmail{}
	limiter := security.NewRateLimiter(100, 100, slog.Default())
	t.Cleanup(limiter.Stop)

	p, err := New(Config{
		Users: users,
		Codes: codes,
		SendEmail: func(ctx context.Context, email, code string) error {
			captured.email = email
			captured.code = code
			return nil
		},
		RateLimiter: limiter,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return p, captured
}

func TestAuthenticatePassword(t *testing.T) {
	p, _ := testSetup(t)
	ctx := context.Background()

	code, err := p.AuthenticatePassword(ctx, "user@example.com", "correct-horse")
	if err != nil {
		t.Fatalf("AuthenticatePassword failed: %v", err)
	}
	if code == "" {
		t.Fatal("expected provider code")
	}

	// The code flows through the standard exchange chain.
	token, err := p.ExchangeCode(ctx, code, "https://app/callback")
	if err != nil {
		t.Fatalf("ExchangeCode failed: %v", err)
	}
	info, err := p.FetchUserInfo(ctx, token)
	if err != nil {
		t.Fatalf("FetchUserInfo failed: %v", err)
	}
	if info.ID != "local-1" || info.Email != "user@example.com" {
		t.Errorf("unexpected user info: %+v", info)
	}
}

func TestProviderTokenConsumedOnFetch(t *testing.T) {
	p, _ := testSetup(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		code, err := p.AuthenticatePassword(ctx, "user@example.com", "correct-horse")
		if err != nil {
			t.Fatalf("AuthenticatePassword failed: %v", err)
		}
		token, err := p.ExchangeCode(ctx, code, "https://app/callback")
		if err != nil {
			t.Fatalf("ExchangeCode failed: %v", err)
		}
		if _, err := p.FetchUserInfo(ctx, token); err != nil {
			t.Fatalf("FetchUserInfo failed: %v", err)
		}
		if _, err := p.FetchUserInfo(ctx, token); err == nil {
			t.Error("expected second fetch of same token to fail")
		}
	}

	p.mu.Lock()
	remaining := len(p.tokens)
	p.mu.Unlock()
	if remaining != 0 {
		t.Errorf("token map holds %d entries after completed logins, want 0", remaining)
	}
}

func TestAuthenticatePasswordFailuresAreUniform(t *testing.T) {
	p, _ := testSetup(t)
	ctx := context.Background()

	// Wrong password and unknown email must be the same error.
	_, wrongPw := p.AuthenticatePassword(ctx, "user@example.com", "wrong")
	_, unknown := p.AuthenticatePassword(ctx, "nobody@example.com", "whatever")

	if !errors.Is(wrongPw, ErrInvalidCredentials) {
		t.Errorf("expected ErrInvalidCredentials for wrong password, got %v", wrongPw)
	}
	if !errors.Is(unknown, ErrInvalidCredentials) {
		t.Errorf("expected ErrInvalidCredentials for unknown email, got %v", unknown)
	}
	if wrongPw.Error() != unknown.Error() {
		t.Errorf("failure messages differ: %q vs %q", wrongPw, unknown)
	}
}

func TestMagicCodeFlow(t *testing.T) {
	p, captured := testSetup(t)
	ctx := context.Background()

	if err := p.StartMagicCode(ctx, "user@example.com"); err != nil {
		t.Fatalf("StartMagicCode failed: %v", err)
	}
	if captured.email != "user@example.com" || len(captured.code) != magicCodeDigits {
		t.Fatalf("unexpected email delivery: %+v", captured)
	}

	code, err := p.VerifyMagicCode(ctx, "user@example.com", captured.code)
	if err != nil {
		t.Fatalf("VerifyMagicCode failed: %v", err)
	}
	if code == "" {
		t.Fatal("expected provider code")
	}

	// Magic codes are single-use.
	if _, err := p.VerifyMagicCode(ctx, "user@example.com", captured.code); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("expected ErrInvalidCredentials on replay, got %v", err)
	}
}

func TestMagicCodeUnknownEmailSilent(t *testing.T) {
	p, captured := testSetup(t)

	// Unknown emails succeed without delivery so the directory cannot be
	// probed.
	if err := p.StartMagicCode(context.Background(), "nobody@example.com"); err != nil {
		t.Fatalf("StartMagicCode failed: %v", err)
	}
	if captured.code != "" {
		t.Error("no email should have been sent for unknown address")
	}
}

func TestMagicCodeAttemptBound(t *testing.T) {
	p, captured := testSetup(t)
	ctx := context.Background()

	if err := p.StartMagicCode(ctx, "user@example.com"); err != nil {
		t.Fatalf("StartMagicCode failed: %v", err)
	}

	for i := 0; i < DefaultMaxMagicCodeAttempts; i++ {
		if _, err := p.VerifyMagicCode(ctx, "user@example.com", "00000000"); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("attempt %d: expected ErrInvalidCredentials, got %v", i, err)
		}
	}

	// The correct code no longer works once the attempt budget is spent.
	if _, err := p.VerifyMagicCode(ctx, "user@example.com", captured.code); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("expected exhausted code to be dead, got %v", err)
	}
}

func TestMagicCodeExpiry(t *testing.T) {
	hash, _ := HashPassword("pw")
	users := &fakeUsers{byEmail: map[string]*User{
		"user@example.com": {ID: "local-1", Email: "user@example.com", PasswordHash: hash},
	}}
	codes := memory.NewWithInterval(time.Hour)
	t.Cleanup(codes.Stop)

	current := time.Now()
	var captured capturedEmail
	p, err := New(Config{
		Users: users,
		Codes: codes,
		SendEmail: func(ctx context.Context, email, code string) error {
			captured = capturedEmail{email: email, code: code}
			return nil
		},
		Now: func() time.Time { return current },
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ctx := context.Background()
	if err := p.StartMagicCode(ctx, "user@example.com"); err != nil {
		t.Fatalf("StartMagicCode failed: %v", err)
	}

	current = current.Add(DefaultMagicCodeTTL + time.Minute)
	if _, err := p.VerifyMagicCode(ctx, "user@example.com", captured.code); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("expected expired code to be rejected, got %v", err)
	}
}

func TestRateLimitAppliesToCredentialChecks(t *testing.T) {
	hash, _ := HashPassword("pw")
	users := &fakeUsers{byEmail: map[string]*User{
		"user@example.com": {ID: "local-1", Email: "user@example.com", PasswordHash: hash},
	}}
	codes := memory.NewWithInterval(time.Hour)
	t.Cleanup(codes.Stop)

	limiter := security.NewRateLimiter(0.001, 2, slog.Default())
	t.Cleanup(limiter.Stop)

	p, err := New(Config{Users: users, Codes: codes, RateLimiter: limiter})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		p.AuthenticatePassword(ctx, "user@example.com", "wrong")
	}
	// Burst spent: even the right password is throttled now.
	if _, err := p.AuthenticatePassword(ctx, "user@example.com", "pw"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("expected rate-limited attempt to fail, got %v", err)
	}
}
