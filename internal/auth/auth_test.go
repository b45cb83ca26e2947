package auth

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signedToken(t *testing.T, subject string, exp time.Time) string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(exp),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func TestParseClaims(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	token := signedToken(t, "bidder-42", exp)

	claims, err := ParseClaims(token)
	if err != nil {
		t.Fatalf("ParseClaims failed: %v", err)
	}
	if claims.Subject != "bidder-42" {
		t.Errorf("Subject = %q, want %q", claims.Subject, "bidder-42")
	}
	if !claims.ExpiresAt.Equal(exp) {
		t.Errorf("ExpiresAt = %v, want %v", claims.ExpiresAt, exp)
	}
}

func TestUserFromToken(t *testing.T) {
	if got := UserFromToken("opaque-token"); got != "" {
		t.Errorf("UserFromToken(opaque) = %q, want empty", got)
	}
	token := signedToken(t, "seller-7", time.Now().Add(time.Minute))
	if got := UserFromToken(token); got != "seller-7" {
		t.Errorf("UserFromToken = %q, want %q", got, "seller-7")
	}
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(Credentials{AccessToken: "A1", RefreshToken: "R1"})

	got, _ := s.Load(ctx)
	if !got.HasAccess() || !got.HasRefresh() {
		t.Fatalf("Load() = %+v, want seeded credentials", got)
	}

	if err := s.Save(ctx, Credentials{AccessToken: "A2", RefreshToken: "R2", User: "u"}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	got, _ = s.Load(ctx)
	if got.AccessToken != "A2" || got.RefreshToken != "R2" || got.User != "u" {
		t.Errorf("Load() after Save = %+v", got)
	}

	if err := s.Clear(ctx); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	got, _ = s.Load(ctx)
	if got.HasAccess() || got.HasRefresh() {
		t.Errorf("Load() after Clear = %+v, want empty", got)
	}
}

func TestFileStore(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "creds.json")

	s := NewFileStore(path)
	got, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("Load on missing file failed: %v", err)
	}
	if got.HasAccess() {
		t.Errorf("Load() on missing file = %+v, want empty", got)
	}

	want := Credentials{AccessToken: "A1", RefreshToken: "R1", User: "bidder"}
	if err := s.Save(ctx, want); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat credentials file: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("file mode = %v, want 0600", info.Mode().Perm())
	}

	// A fresh store reads what the first one wrote.
	got, err = NewFileStore(path).Load(ctx)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got != want {
		t.Errorf("Load() = %+v, want %+v", got, want)
	}

	if err := s.Clear(ctx); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("credentials file still exists after Clear")
	}
	// Clearing twice is fine.
	if err := s.Clear(ctx); err != nil {
		t.Errorf("second Clear failed: %v", err)
	}
}

func TestFileStore_Corrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "creds.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := NewFileStore(path).Load(context.Background()); err == nil {
		t.Error("expected error for corrupt credentials file")
	}
}

func TestEntries(t *testing.T) {
	creds := Credentials{AccessToken: "A", RefreshToken: "R"}
	entries := Entries(creds)
	if len(entries) != 2 {
		t.Errorf("len(Entries) = %d, want 2 (empty user omitted)", len(entries))
	}
	if FromEntries(entries) != creds {
		t.Errorf("FromEntries(Entries(c)) = %+v, want %+v", FromEntries(entries), creds)
	}
}

func TestBus(t *testing.T) {
	bus := NewBus()

	var order []string
	cancelA := bus.Subscribe(func(ev Event) { order = append(order, "a:"+ev.Kind.String()) })
	bus.Subscribe(func(ev Event) { order = append(order, "b:"+ev.Kind.String()) })

	bus.Publish(Event{Kind: EventRotated})
	cancelA()
	cancelA()
	bus.Publish(Event{Kind: EventLoggedOut})

	want := []string{"a:rotated", "b:rotated", "b:logged_out"}
	if len(order) != len(want) {
		t.Fatalf("events = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("event %d = %q, want %q", i, order[i], want[i])
		}
	}

	var nilBus *Bus
	nilBus.Publish(Event{Kind: EventRotated})
}
