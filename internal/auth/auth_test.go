package auth

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"
)

func TestTokensGenerateAndParse(t *testing.T) {
	tokens, err := NewTokens("test-secret", 30*time.Minute)
	if err != nil {
		t.Fatalf("NewTokens: %v", err)
	}
	token, expiresAt, err := tokens.Generate("user-42", []string{"Admin", "viewer", "admin"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if time.Until(expiresAt) <= 0 {
		t.Fatalf("expected future expiration, got %v", expiresAt)
	}

	p, err := tokens.Parse(token)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if p.UserID != "user-42" {
		t.Fatalf("unexpected subject: %s", p.UserID)
	}
	if len(p.Roles) != 2 || !slices.Contains(p.Roles, "admin") || !slices.Contains(p.Roles, "viewer") {
		t.Fatalf("roles were not preserved: %v", p.Roles)
	}
}

func TestTokensRejectTampering(t *testing.T) {
	a, _ := NewTokens("secret-a", time.Minute)
	b, _ := NewTokens("secret-b", time.Minute)
	token, _, err := a.Generate("u", []string{RoleClerk})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if _, err := b.Parse(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for foreign secret, got %v", err)
	}
	if _, err := a.Parse(token + "x"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for corrupted token, got %v", err)
	}
	if _, err := a.Parse(""); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for empty token, got %v", err)
	}
}

func TestTokensExpire(t *testing.T) {
	tokens, _ := NewTokens("secret", time.Minute)
	issued := time.Now().UTC().Add(-2 * time.Minute)
	tokens.now = func() time.Time { return issued }
	token, _, err := tokens.Generate("u", []string{RoleViewer})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	tokens.now = func() time.Time { return time.Now().UTC() }
	if _, err := tokens.Parse(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected expired token to fail, got %v", err)
	}
}

func TestNewTokensRequiresSecret(t *testing.T) {
	if _, err := NewTokens("  ", time.Minute); err == nil {
		t.Fatal("expected error for empty secret")
	}
}

func TestContextHelpers(t *testing.T) {
	ctx := context.Background()
	ctx = ContextWithUser(ctx, "user-7", []string{"Clerk", "clerk", "viewer"})
	id, ok := UserIDFromContext(ctx)
	if !ok || id != "user-7" {
		t.Fatalf("unexpected user id: %s, ok=%v", id, ok)
	}
	p, _ := PrincipalFromContext(ctx)
	if len(p.Roles) != 2 {
		t.Fatalf("expected deduplicated roles, got %v", p.Roles)
	}
	if !HasRole(ctx, RoleViewer) || !HasRole(ctx, RoleClerk) {
		t.Fatalf("HasRole missing expected roles: %v", p.Roles)
	}
	if HasRole(ctx, RoleAdmin) {
		t.Fatalf("clerk must not act as admin")
	}
	if HasRole(context.Background(), RoleViewer) {
		t.Fatalf("anonymous context must hold no roles")
	}
}

func TestDirectoryLogin(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	dir, err := ParseDirectory([]string{"root:admin:" + string(hash), ""})
	if err != nil {
		t.Fatalf("ParseDirectory: %v", err)
	}
	if dir.Len() != 1 {
		t.Fatalf("expected one account, got %d", dir.Len())
	}

	p, err := dir.Login("root", "s3cret")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if !p.Allows(RoleClerk) {
		t.Fatalf("admin should imply clerk: %+v", p)
	}
	if _, err := dir.Login("root", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if _, err := dir.Login("ghost", "s3cret"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestParseDirectoryRejectsBadEntries(t *testing.T) {
	for _, entry := range []string{"nohash", "u:superuser:$2a$x", ":admin:$2a$x", "u:admin:"} {
		if _, err := ParseDirectory([]string{entry}); err == nil {
			t.Fatalf("expected error for %q", entry)
		}
	}
	if _, err := ParseDirectory([]string{"u:admin:h1", "u:clerk:h2"}); err == nil {
		t.Fatal("expected duplicate user error")
	}
}
