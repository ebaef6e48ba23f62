package auth

import (
	"chat-ledger/internal/apperr"
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func TestTokenManager_RoundTrip(t *testing.T) {
	m := NewTokenManager(testSecret, time.Hour)

	token, err := m.GenerateToken(Identity{ID: "u1", Email: "u1@example.com"})
	if err != nil {
		t.Fatalf("GenerateToken() error = %v", err)
	}

	claims, err := m.ValidateToken(token)
	if err != nil {
		t.Fatalf("ValidateToken() error = %v", err)
	}
	if claims.UserID != "u1" || claims.Email != "u1@example.com" {
		t.Errorf("unexpected claims %+v", claims)
	}
}

func TestTokenManager_Expired(t *testing.T) {
	m := NewTokenManager(testSecret, time.Minute)
	issued := time.Now().Add(-time.Hour)
	m.now = func() time.Time { return issued }

	token, err := m.GenerateToken(Identity{ID: "u1"})
	if err != nil {
		t.Fatalf("GenerateToken() error = %v", err)
	}

	m.now = time.Now
	if _, err := m.ValidateToken(token); err == nil {
		t.Error("expected expired token to be rejected")
	}
}

func TestTokenManager_WrongSecret(t *testing.T) {
	token, _ := NewTokenManager(testSecret, time.Hour).GenerateToken(Identity{ID: "u1"})
	other := NewTokenManager([]byte("ffffffffffffffffffffffffffffffff"), time.Hour)

	if _, err := other.ValidateToken(token); err == nil {
		t.Error("expected token signed with another secret to be rejected")
	}
}

func TestPassword(t *testing.T) {
	hash, err := HashPassword("secret123")
	if err != nil {
		t.Fatalf("HashPassword() error = %v", err)
	}
	if !VerifyPassword(hash, "secret123") {
		t.Error("expected password to verify")
	}
	if VerifyPassword(hash, "wrong") {
		t.Error("expected wrong password to fail")
	}
	if VerifyPassword("", "secret123") {
		t.Error("expected empty hash to fail")
	}
}

func TestBearerProvider_CurrentUser(t *testing.T) {
	tokens := NewTokenManager(testSecret, time.Hour)
	valid, _ := tokens.GenerateToken(Identity{ID: "u1", Email: "u1@example.com"})
	fallback := &Identity{ID: "guest", Email: "guest@localhost.dev"}

	tests := []struct {
		name     string
		header   string
		fallback *Identity
		wantID   string
		wantErr  bool
	}{
		{name: "valid token", header: "Bearer " + valid, wantID: "u1"},
		{name: "anonymous without fallback", header: "", wantID: ""},
		{name: "anonymous with fallback", header: "", fallback: fallback, wantID: "guest"},
		{name: "bad format", header: "Token " + valid, fallback: fallback, wantErr: true},
		{name: "invalid token ignores fallback", header: "Bearer nope", fallback: fallback, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewBearerProvider(tokens, tt.fallback)
			r := httptest.NewRequest("GET", "/api/chats", nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}

			identity, err := p.CurrentUser(r)
			if tt.wantErr {
				if !errors.Is(err, apperr.ErrUnauthorized) {
					t.Fatalf("expected Unauthorized, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error %v", err)
			}
			gotID := ""
			if identity != nil {
				gotID = identity.ID
			}
			if gotID != tt.wantID {
				t.Errorf("identity = %q, want %q", gotID, tt.wantID)
			}
		})
	}
}

func TestIdentityContext(t *testing.T) {
	if FromContext(context.Background()) != nil {
		t.Error("expected nil identity on bare context")
	}
	ctx := WithIdentity(context.Background(), &Identity{ID: "u1"})
	if got := FromContext(ctx); got == nil || got.ID != "u1" {
		t.Errorf("FromContext() = %+v", got)
	}
}
