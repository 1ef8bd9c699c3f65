package persistence_test

import (
	"context"
	"errors"
	"testing"

	"github.com/basket/taskdeck/internal/persistence"
)

func TestAccounts_RegisterAndVerify(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	accountID, err := store.RegisterAccount(ctx, "alice", "secret", "telegram", "100")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if accountID == "" {
		t.Fatalf("expected non-empty account id")
	}

	// Registration binds the originating platform session.
	resolved, err := store.ResolveAccount(ctx, "telegram", "100")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved != accountID {
		t.Fatalf("resolved %q, want %q", resolved, accountID)
	}

	verified, err := store.VerifyPassword(ctx, "alice", "secret")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if verified != accountID {
		t.Fatalf("verified %q, want %q", verified, accountID)
	}

	if _, err := store.VerifyPassword(ctx, "alice", "wrong"); !errors.Is(err, persistence.ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if _, err := store.VerifyPassword(ctx, "nobody", "secret"); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAccounts_PasswordStoredAsHashOnly(t *testing.T) {
	store, _ := openTestStore(t)
	registerTestAccount(t, store, "alice")

	var hash string
	if err := store.DB().QueryRow(`SELECT password_hash FROM accounts WHERE username='alice';`).Scan(&hash); err != nil {
		t.Fatalf("query hash: %v", err)
	}
	if hash == "secret" || hash == "" {
		t.Fatalf("plaintext or empty password stored: %q", hash)
	}
}

func TestAccounts_DuplicateUsernameKeepsFirstPassword(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	if _, err := store.RegisterAccount(ctx, "alice", "first", "telegram", "100"); err != nil {
		t.Fatalf("register: %v", err)
	}
	_, err := store.RegisterAccount(ctx, "alice", "second", "gateway", "u-2")
	if !errors.Is(err, persistence.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}

	// The original password still authenticates.
	if _, err := store.VerifyPassword(ctx, "alice", "first"); err != nil {
		t.Fatalf("verify original password: %v", err)
	}
	// The failed registration must not have bound a session either.
	if _, err := store.ResolveAccount(ctx, "gateway", "u-2"); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expected no session for failed registration, got %v", err)
	}
}

func TestAccounts_BindFromMultiplePlatforms(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	accountID := registerTestAccount(t, store, "alice")

	if err := store.BindSession(ctx, "gateway", "u-1", accountID); err != nil {
		t.Fatalf("bind gateway: %v", err)
	}

	for _, key := range [][2]string{{"telegram", "100"}, {"gateway", "u-1"}} {
		resolved, err := store.ResolveAccount(ctx, key[0], key[1])
		if err != nil {
			t.Fatalf("resolve %s: %v", key[0], err)
		}
		if resolved != accountID {
			t.Fatalf("resolve %s = %q, want %q", key[0], resolved, accountID)
		}
	}

	// Unbinding one platform leaves the other intact.
	removed, err := store.UnbindSession(ctx, "telegram", "100")
	if err != nil {
		t.Fatalf("unbind: %v", err)
	}
	if !removed {
		t.Fatalf("expected unbind to remove a row")
	}
	if _, err := store.ResolveAccount(ctx, "telegram", "100"); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("telegram session should be gone, got %v", err)
	}
	if _, err := store.ResolveAccount(ctx, "gateway", "u-1"); err != nil {
		t.Fatalf("gateway session should survive: %v", err)
	}

	// Unbinding twice reports nothing removed.
	removed, err = store.UnbindSession(ctx, "telegram", "100")
	if err != nil {
		t.Fatalf("unbind again: %v", err)
	}
	if removed {
		t.Fatalf("expected second unbind to be a no-op")
	}
}

func TestAccounts_RebindReplacesAccount(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	first := registerTestAccount(t, store, "alice")
	second, err := store.RegisterAccount(ctx, "bob", "secret", "gateway", "u-9")
	if err != nil {
		t.Fatalf("register bob: %v", err)
	}

	// Logging in as bob from alice's platform identity replaces the binding.
	if err := store.BindSession(ctx, "telegram", "100", second); err != nil {
		t.Fatalf("rebind: %v", err)
	}
	resolved, err := store.ResolveAccount(ctx, "telegram", "100")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved != second || resolved == first {
		t.Fatalf("resolved %q, want %q", resolved, second)
	}
}

func TestAccounts_SessionsForAccount(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	accountID := registerTestAccount(t, store, "alice")
	if err := store.BindSession(ctx, "gateway", "client-7", accountID); err != nil {
		t.Fatalf("bind gateway: %v", err)
	}

	sessions, err := store.SessionsForAccount(ctx, accountID)
	if err != nil {
		t.Fatalf("sessions: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("sessions = %v, want 2 bindings", sessions)
	}
	platforms := map[string]string{}
	for _, s := range sessions {
		platforms[s.Platform] = s.PlatformID
	}
	if platforms["telegram"] != "100" || platforms["gateway"] != "client-7" {
		t.Fatalf("sessions = %v", sessions)
	}
}
