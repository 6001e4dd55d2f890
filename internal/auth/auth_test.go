package auth

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/fenilsonani/webmail/internal/docstore/memory"
	"github.com/fenilsonani/webmail/internal/validation"
)

// testParams keeps hashing fast in tests.
var testParams = Params{Time: 1, Memory: 1024, Threads: 1, KeyLen: 32, SaltLen: 16}

func setupAuthenticator(t *testing.T) *Authenticator {
	t.Helper()
	docs := memory.New()
	t.Cleanup(func() { docs.Close() })
	return NewAuthenticator(docs, WithParams(testParams))
}

func register(t *testing.T, a *Authenticator, name, email, password string) *Account {
	t.Helper()
	acct, err := a.Register(context.Background(), validation.Registration{Name: name, Email: email, Password: password})
	if err != nil {
		t.Fatalf("Register(%s) error = %v", email, err)
	}
	return acct
}

func TestRegisterAndAuthenticate(t *testing.T) {
	a := setupAuthenticator(t)
	ctx := context.Background()
	acct := register(t, a, "Ann Lee", " Ann@Example.com ", "Secret123")

	if acct.Email != "ann@example.com" || acct.Role != RoleUser || acct.ID == "" {
		t.Errorf("Register() = %+v", acct)
	}

	tests := []struct {
		name     string
		email    string
		password string
		wantErr  error
	}{
		{"valid", "ann@example.com", "Secret123", nil},
		{"case-insensitive email", "ANN@example.com", "Secret123", nil},
		{"wrong password", "ann@example.com", "Secret124", ErrInvalidCredentials},
		{"unknown user", "bob@example.com", "Secret123", ErrInvalidCredentials},
		{"empty email", "", "Secret123", ErrInvalidCredentials},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			user, err := a.Authenticate(ctx, tt.email, tt.password)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Authenticate() error = %v, want %v", err, tt.wantErr)
			}
			if tt.wantErr == nil && user.ID != acct.ID {
				t.Errorf("Authenticate() user = %+v, want id %s", user, acct.ID)
			}
		})
	}
}

func TestRegisterRejects(t *testing.T) {
	a := setupAuthenticator(t)
	ctx := context.Background()
	register(t, a, "Ann", "ann@example.com", "Secret123")

	if _, err := a.Register(ctx, validation.Registration{Name: "Ann Two", Email: "ANN@example.com", Password: "Secret123"}); !errors.Is(err, ErrEmailTaken) {
		t.Errorf("Register(duplicate) error = %v, want ErrEmailTaken", err)
	}
	if _, err := a.Register(ctx, validation.Registration{Name: "Bo", Email: "bo@example.com", Password: "weak"}); !errors.Is(err, validation.ErrInvalid) {
		t.Errorf("Register(invalid) error = %v, want validation.ErrInvalid", err)
	}
	users, _ := a.ListUsers(ctx)
	if len(users) != 1 {
		t.Errorf("ListUsers() = %d accounts, want 1", len(users))
	}
}

func TestLookupAndList(t *testing.T) {
	a := setupAuthenticator(t)
	ctx := context.Background()
	bob := register(t, a, "Bob", "bob@example.com", "Secret123")
	acct, err := a.Register(ctx, validation.Registration{Name: "Ann", Email: "ann@example.com", Password: "Secret123", Role: RoleAdmin})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	u, err := a.LookupUserByID(ctx, bob.ID)
	if err != nil || u.Email != "bob@example.com" {
		t.Errorf("LookupUserByID() = %+v, %v", u, err)
	}
	if _, err := a.LookupUser(ctx, "nobody@example.com"); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("LookupUser(missing) error = %v, want ErrUserNotFound", err)
	}

	full, err := a.Account(ctx, acct.ID)
	if err != nil || full.Role != RoleAdmin || full.CreatedAt.IsZero() {
		t.Errorf("Account() = %+v, %v", full, err)
	}

	users, err := a.ListUsers(ctx)
	if err != nil {
		t.Fatalf("ListUsers() error = %v", err)
	}
	if len(users) != 2 || users[0].Email != "ann@example.com" || users[1].Email != "bob@example.com" {
		t.Errorf("ListUsers() = %+v, want ann then bob", users)
	}
}

func TestUpdatePassword(t *testing.T) {
	a := setupAuthenticator(t)
	ctx := context.Background()
	acct := register(t, a, "Ann", "ann@example.com", "Secret123")

	if err := a.UpdatePassword(ctx, acct.ID, "short"); !errors.Is(err, validation.ErrInvalidPassword) {
		t.Errorf("UpdatePassword(weak) error = %v, want ErrInvalidPassword", err)
	}
	if err := a.UpdatePassword(ctx, acct.ID, "Changed456"); err != nil {
		t.Fatalf("UpdatePassword() error = %v", err)
	}
	if _, err := a.Authenticate(ctx, "ann@example.com", "Secret123"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("old password still accepted: %v", err)
	}
	if _, err := a.Authenticate(ctx, "ann@example.com", "Changed456"); err != nil {
		t.Errorf("new password rejected: %v", err)
	}
	if err := a.UpdatePassword(ctx, "missing", "Changed456"); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("UpdatePassword(missing) error = %v, want ErrUserNotFound", err)
	}
}

func TestPasswordHashing(t *testing.T) {
	hash, err := testParams.Hash("Secret123")
	if err != nil {
		t.Fatalf("Hash() error = %v", err)
	}
	again, _ := testParams.Hash("Secret123")
	if hash == again {
		t.Error("two hashes of the same password are identical; salt not applied")
	}

	tests := []struct {
		name     string
		password string
		encoded  string
		want     bool
	}{
		{"match", "Secret123", hash, true},
		{"mismatch", "secret123", hash, false},
		{"garbage", "Secret123", "not-a-hash", false},
		{"wrong algorithm", "Secret123", "$bcrypt$v=19$m=1,t=1,p=1$AAAA$AAAA", false},
	}
	for _, tt := range tests {
		if got := VerifyPassword(tt.password, tt.encoded); got != tt.want {
			t.Errorf("%s: VerifyPassword() = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestSessions(t *testing.T) {
	s := NewSessions(time.Hour)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	token, expires := s.Create("u1")
	if !expires.Equal(now.Add(time.Hour)) {
		t.Errorf("Create() expires = %v", expires)
	}
	other, _ := s.Create("u1")
	third, _ := s.Create("u2")

	if id, ok := s.Validate(token); !ok || id != "u1" {
		t.Errorf("Validate() = %q, %v", id, ok)
	}
	if _, ok := s.Validate("bogus"); ok {
		t.Error("Validate(bogus) = true")
	}

	s.Revoke(token)
	if _, ok := s.Validate(token); ok {
		t.Error("revoked session still valid")
	}
	if n := s.RevokeUser("u1"); n != 1 {
		t.Errorf("RevokeUser() = %d, want 1", n)
	}
	if _, ok := s.Validate(other); ok {
		t.Error("session survived RevokeUser")
	}

	now = now.Add(2 * time.Hour)
	if _, ok := s.Validate(third); ok {
		t.Error("expired session still valid")
	}
	s.Create("u3")
	now = now.Add(2 * time.Hour)
	if n := s.Sweep(); n != 1 || s.Len() != 0 {
		t.Errorf("Sweep() = %d, Len() = %d; want 1, 0", n, s.Len())
	}
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(3, 15*time.Minute, 30*time.Minute)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	for i := 0; i < 2; i++ {
		if rl.RecordFailure("1.2.3.4") {
			t.Fatalf("blocked after %d failures", i+1)
		}
	}
	if got := rl.RemainingAttempts("1.2.3.4"); got != 1 {
		t.Errorf("RemainingAttempts() = %d, want 1", got)
	}
	if !rl.RecordFailure("1.2.3.4") || !rl.IsBlocked("1.2.3.4") {
		t.Fatal("not blocked after 3 failures")
	}
	if rl.IsBlocked("5.6.7.8") {
		t.Error("unrelated key blocked")
	}
	if got := rl.BlockedUntil("1.2.3.4"); !got.Equal(now.Add(30 * time.Minute)) {
		t.Errorf("BlockedUntil() = %v", got)
	}

	now = now.Add(31 * time.Minute)
	if rl.IsBlocked("1.2.3.4") {
		t.Error("block did not expire")
	}

	rl.RecordFailure("5.6.7.8")
	rl.RecordSuccess("5.6.7.8")
	if got := rl.RemainingAttempts("5.6.7.8"); got != 3 {
		t.Errorf("RemainingAttempts() after success = %d, want 3", got)
	}

	now = now.Add(time.Hour)
	rl.Sweep()
	if got := rl.RemainingAttempts("1.2.3.4"); got != 3 {
		t.Errorf("RemainingAttempts() after sweep = %d, want 3", got)
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name   string
		header map[string]string
		remote string
		want   string
	}{
		{"remote addr", nil, "10.0.0.1:5555", "10.0.0.1"},
		{"forwarded chain", map[string]string{"X-Forwarded-For": "203.0.113.7, 10.0.0.1"}, "10.0.0.1:5555", "203.0.113.7"},
		{"real ip", map[string]string{"X-Real-IP": "198.51.100.2"}, "10.0.0.1:5555", "198.51.100.2"},
		{"garbage forwarded", map[string]string{"X-Forwarded-For": "nope"}, "10.0.0.1:5555", "10.0.0.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			r.RemoteAddr = tt.remote
			for k, v := range tt.header {
				r.Header.Set(k, v)
			}
			if got := ClientIP(r); got != tt.want {
				t.Errorf("ClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}
