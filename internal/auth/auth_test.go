package auth_test

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/dantte-lp/gohpfeeds/internal/auth"
	"github.com/dantte-lp/gohpfeeds/internal/wire"
)

// -------------------------------------------------------------------------
// TestAccessContextPredicates
// -------------------------------------------------------------------------

func TestAccessContextPredicates(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		pub      []string
		sub      []string
		channel  string
		wantPub  bool
		wantSub  bool
	}{
		{
			name:    "explicit grant",
			pub:     []string{"pub1"},
			sub:     []string{"sub1"},
			channel: "pub1",
			wantPub: true,
			wantSub: false,
		},
		{
			name:    "no grant",
			pub:     []string{"pub1"},
			sub:     []string{"sub1"},
			channel: "pub2",
			wantPub: false,
			wantSub: false,
		},
		{
			name:    "wildcard sub",
			pub:     []string{"pub1"},
			sub:     []string{"sub1", "*"},
			channel: "anything",
			wantPub: false,
			wantSub: true,
		},
		{
			name:    "wildcard both",
			pub:     []string{"*"},
			sub:     []string{"*"},
			channel: "ch",
			wantPub: true,
			wantSub: true,
		},
		{
			name:    "empty lists deny everything",
			channel: "ch",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ctx := auth.NewAccessContext("u", tt.pub, tt.sub)
			if got := ctx.CanPublish(tt.channel); got != tt.wantPub {
				t.Errorf("CanPublish(%q): got %t, want %t", tt.channel, got, tt.wantPub)
			}
			if got := ctx.CanSubscribe(tt.channel); got != tt.wantSub {
				t.Errorf("CanSubscribe(%q): got %t, want %t", tt.channel, got, tt.wantSub)
			}
		})
	}
}

// -------------------------------------------------------------------------
// TestMemoryAuthenticator
// -------------------------------------------------------------------------

func TestMemoryAuthenticator(t *testing.T) {
	t.Parallel()

	m := auth.NewMemoryAuthenticator()
	m.Add("u1", "secret1")

	rand := []byte("rand")

	// Valid proof: sha1(rand || secret), like the client computes.
	ctx, err := m.Authenticate(context.Background(), "u1", wire.HashSecret(rand, "secret1"), rand)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if ctx == nil {
		t.Fatal("expected access context, got nil")
	}
	if ctx.Ident != "u1" {
		t.Errorf("ident: got %q, want %q", ctx.Ident, "u1")
	}
	// --auth users default to */*.
	if !ctx.CanPublish("any") || !ctx.CanSubscribe("any") {
		t.Error("flag-added user should have wildcard access")
	}

	// Wrong secret.
	bad, err := m.Authenticate(context.Background(), "u1", wire.HashSecret(rand, "wrong"), rand)
	if err != nil || bad != nil {
		t.Fatalf("wrong secret: got (%v, %v), want (nil, nil)", bad, err)
	}

	// Unknown ident.
	missing, err := m.Authenticate(context.Background(), "nobody", wire.HashSecret(rand, "secret1"), rand)
	if err != nil || missing != nil {
		t.Fatalf("unknown ident: got (%v, %v), want (nil, nil)", missing, err)
	}

	// Replay with a different nonce must fail.
	replay, err := m.Authenticate(context.Background(), "u1", wire.HashSecret(rand, "secret1"), []byte("other"))
	if err != nil || replay != nil {
		t.Fatalf("nonce replay: got (%v, %v), want (nil, nil)", replay, err)
	}
}

func TestMemoryAuthenticatorScopedUser(t *testing.T) {
	t.Parallel()

	m := auth.NewMemoryAuthenticator()
	m.AddUser("scoped", "s", []string{"out"}, []string{"in"})

	rand := []byte("nonce0123456789a")
	ctx, err := m.Authenticate(context.Background(), "scoped", wire.HashSecret(rand, "s"), rand)
	if err != nil || ctx == nil {
		t.Fatalf("Authenticate: (%v, %v)", ctx, err)
	}

	if !ctx.CanPublish("out") || ctx.CanPublish("in") {
		t.Error("publish allow-list not honored")
	}
	if !ctx.CanSubscribe("in") || ctx.CanSubscribe("out") {
		t.Error("subscribe allow-list not honored")
	}
}

// -------------------------------------------------------------------------
// TestSQLiteAuthenticator
// -------------------------------------------------------------------------

func newTestStore(t *testing.T) *auth.SQLiteAuthenticator {
	t.Helper()

	store, err := auth.OpenSQLite(filepath.Join(t.TempDir(), "users.db"), slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return store
}

func TestSQLiteAuthenticator(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	if err := store.AddUser(ctx, "u1", "secret1"); err != nil {
		t.Fatalf("AddUser: %v", err)
	}
	if err := store.AddPermission(ctx, "u1", "chX", true, false); err != nil {
		t.Fatalf("AddPermission: %v", err)
	}
	if err := store.AddPermission(ctx, "u1", "chY", false, true); err != nil {
		t.Fatalf("AddPermission: %v", err)
	}

	rand := []byte("0123456789abcdef")
	access, err := store.Authenticate(ctx, "u1", wire.HashSecret(rand, "secret1"), rand)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if access == nil {
		t.Fatal("expected access context, got nil")
	}

	if !access.CanPublish("chX") || access.CanPublish("chY") {
		t.Error("pub permission rows not aggregated correctly")
	}
	if !access.CanSubscribe("chY") || access.CanSubscribe("chX") {
		t.Error("sub permission rows not aggregated correctly")
	}

	// Wrong proof and unknown user both reject without error.
	if got, err := store.Authenticate(ctx, "u1", wire.HashSecret(rand, "nope"), rand); err != nil || got != nil {
		t.Fatalf("wrong secret: got (%v, %v), want (nil, nil)", got, err)
	}
	if got, err := store.Authenticate(ctx, "ghost", wire.HashSecret(rand, "secret1"), rand); err != nil || got != nil {
		t.Fatalf("unknown user: got (%v, %v), want (nil, nil)", got, err)
	}
}

func TestSQLiteAdminOperations(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	for _, ident := range []string{"b", "a"} {
		if err := store.AddUser(ctx, ident, "s"); err != nil {
			t.Fatalf("AddUser(%q): %v", ident, err)
		}
	}
	if err := store.AddPermission(ctx, "a", "ch", true, true); err != nil {
		t.Fatalf("AddPermission: %v", err)
	}

	users, err := store.ListUsers(ctx)
	if err != nil {
		t.Fatalf("ListUsers: %v", err)
	}
	if len(users) != 2 || users[0].Ident != "a" || users[1].Ident != "b" {
		t.Fatalf("ListUsers: got %+v, want [a b]", users)
	}
	if len(users[0].PubChannels) != 1 || users[0].PubChannels[0] != "ch" {
		t.Errorf("user a pub channels: got %v, want [ch]", users[0].PubChannels)
	}

	if err := store.RemoveUser(ctx, "b"); err != nil {
		t.Fatalf("RemoveUser: %v", err)
	}
	if err := store.RemoveUser(ctx, "b"); !errors.Is(err, auth.ErrUserNotFound) {
		t.Fatalf("RemoveUser twice: got %v, want ErrUserNotFound", err)
	}
}

func TestSQLiteRejectsParentDirPath(t *testing.T) {
	t.Parallel()

	_, err := auth.OpenSQLite("../outside.db", slog.New(slog.DiscardHandler))
	if !errors.Is(err, auth.ErrUnsafeDBPath) {
		t.Fatalf("expected ErrUnsafeDBPath, got: %v", err)
	}
}
