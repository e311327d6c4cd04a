package session

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/odvcencio/scribe/pkg/storage"
)

func TestReconnectTokenRoundTrip(t *testing.T) {
	issuer, err := NewReconnectIssuer([]byte("test-secret"), 15*time.Minute)
	if err != nil {
		t.Fatalf("new issuer: %v", err)
	}

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	token, jti, expires, err := issuer.Mint("cursor-abc", now)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if jti == "" {
		t.Fatal("expected non-empty token id")
	}
	if !expires.Equal(now.Add(15 * time.Minute)) {
		t.Fatalf("unexpected expiry %v", expires)
	}

	sessionID, parsedJTI, err := issuer.Parse(token, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if sessionID != "cursor-abc" || parsedJTI != jti {
		t.Fatalf("claims round-trip mismatch: %s %s", sessionID, parsedJTI)
	}
}

func TestReconnectTokenExpiry(t *testing.T) {
	issuer, err := NewReconnectIssuer([]byte("test-secret"), 15*time.Minute)
	if err != nil {
		t.Fatalf("new issuer: %v", err)
	}

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	token, _, _, err := issuer.Mint("cursor-abc", now)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	if _, _, err := issuer.Parse(token, now.Add(16*time.Minute)); !errors.Is(err, ErrReconnectTokenExpired) {
		t.Fatalf("expected expired error, got %v", err)
	}
}

func TestReconnectTokenWrongSecret(t *testing.T) {
	issuer, err := NewReconnectIssuer([]byte("secret-a"), 15*time.Minute)
	if err != nil {
		t.Fatalf("new issuer: %v", err)
	}
	other, err := NewReconnectIssuer([]byte("secret-b"), 15*time.Minute)
	if err != nil {
		t.Fatalf("new issuer: %v", err)
	}

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	token, _, _, err := issuer.Mint("cursor-abc", now)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	if _, _, err := other.Parse(token, now); !errors.Is(err, ErrReconnectTokenInvalid) {
		t.Fatalf("expected invalid error, got %v", err)
	}
}

func TestRegistryReconnectSingleUse(t *testing.T) {
	clock := newFakeClock()
	store, err := storage.New(filepath.Join(t.TempDir(), "scribe.db"))
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	issuer, err := NewReconnectIssuer([]byte("test-secret"), 15*time.Minute)
	if err != nil {
		t.Fatalf("new issuer: %v", err)
	}
	reg := NewRegistry(RegistryConfig{
		Store:         store,
		Timeout:       time.Hour,
		IdleThreshold: 5 * time.Minute,
		Reconnect:     issuer,
		Clock:         clock.Now,
	})

	created, err := reg.Create(Metadata{ClientType: "cursor"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.ReconnectToken == "" {
		t.Fatal("expected reconnect token when issuer configured")
	}

	clock.Advance(5 * time.Minute)
	resumed, err := reg.Reconnect(created.ReconnectToken)
	if err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if resumed != created.ID {
		t.Fatalf("resumed wrong session: %s", resumed)
	}
	if !reg.Validate(resumed) {
		t.Fatal("resumed session must validate")
	}

	// Second redemption of the same token fails.
	if _, err := reg.Reconnect(created.ReconnectToken); !errors.Is(err, ErrReconnectTokenUsed) {
		t.Fatalf("expected used error, got %v", err)
	}
}

func TestRegistryReconnectAfterRestart(t *testing.T) {
	clock := newFakeClock()
	store, err := storage.New(filepath.Join(t.TempDir(), "scribe.db"))
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	issuer, err := NewReconnectIssuer([]byte("test-secret"), 15*time.Minute)
	if err != nil {
		t.Fatalf("new issuer: %v", err)
	}

	first := NewRegistry(RegistryConfig{Store: store, Timeout: time.Hour, IdleThreshold: 5 * time.Minute, Reconnect: issuer, Clock: clock.Now})
	created, err := first.Create(Metadata{ClientType: "cursor"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// Fresh registry over the same store, cache empty: the token is still
	// redeemable because its id lives in the session row.
	second := NewRegistry(RegistryConfig{Store: store, Timeout: time.Hour, IdleThreshold: 5 * time.Minute, Reconnect: issuer, Clock: clock.Now})
	clock.Advance(2 * time.Minute)
	resumed, err := second.Reconnect(created.ReconnectToken)
	if err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if resumed != created.ID {
		t.Fatalf("resumed wrong session: %s", resumed)
	}
}

func TestRegistryReconnectDisabled(t *testing.T) {
	clock := newFakeClock()
	reg, _ := newTestRegistry(t, clock)

	if _, err := reg.Reconnect("whatever"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected not-found error, got %v", err)
	}
}
