package service

import (
	"errors"
	"testing"
	"time"
)

func TestTokenRoundTrip(t *testing.T) {
	tokens := NewTokenService("test-secret-key-for-jwt")

	token, err := tokens.Issue("admin@example.com", time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if token == "" {
		t.Fatal("expected non-empty token")
	}

	principal, err := tokens.Validate(token)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if principal.Subject != "admin@example.com" {
		t.Errorf("Subject: got %q, want %q", principal.Subject, "admin@example.com")
	}
}

func TestTokenExpired(t *testing.T) {
	tokens := NewTokenService("test-secret-key-for-jwt")

	token, err := tokens.Issue("ops", -time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	if _, err := tokens.Validate(token); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("got %v, want ErrTokenExpired", err)
	}
}

func TestTokenInvalid(t *testing.T) {
	tokens := NewTokenService("test-secret-key-for-jwt")

	if _, err := tokens.Validate("garbage.token.here"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("got %v, want ErrInvalidCredentials", err)
	}

	other := NewTokenService("a-different-secret")
	token, err := other.Issue("ops", time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := tokens.Validate(token); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("token signed with another secret: got %v, want ErrInvalidCredentials", err)
	}
}

func TestTokenServiceDisabled(t *testing.T) {
	tokens := NewTokenService("")
	if tokens.Enabled() {
		t.Fatal("service without secret must be disabled")
	}
	if _, err := tokens.Issue("ops", time.Hour); err == nil {
		t.Error("Issue should fail without a secret")
	}
	if _, err := tokens.Validate("anything"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("got %v, want ErrInvalidCredentials", err)
	}
}

func TestTokenRequiresSubject(t *testing.T) {
	tokens := NewTokenService("secret")
	if _, err := tokens.Issue("", time.Hour); err == nil {
		t.Error("Issue should require a subject")
	}
}
