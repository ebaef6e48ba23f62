package auth

import (
	"chat-ledger/internal/apperr"
	"context"
	"net/http"
	"strings"
)

type contextKey string

const identityContextKey contextKey = "identity"

// IdentityProvider resolves the caller of a request. A nil identity with a nil
// error means the request is anonymous.
type IdentityProvider interface {
	CurrentUser(r *http.Request) (*Identity, error)
}

// BearerProvider reads "Authorization: Bearer <jwt>". When a fallback is set,
// anonymous requests resolve to it; a malformed or invalid token never does.
type BearerProvider struct {
	tokens   *TokenManager
	fallback *Identity
}

func NewBearerProvider(tokens *TokenManager, fallback *Identity) *BearerProvider {
	return &BearerProvider{tokens: tokens, fallback: fallback}
}

func (p *BearerProvider) CurrentUser(r *http.Request) (*Identity, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		if p.fallback != nil {
			fallback := *p.fallback
			return &fallback, nil
		}
		return nil, nil
	}

	bearerToken := strings.Split(authHeader, " ")
	if len(bearerToken) != 2 || bearerToken[0] != "Bearer" {
		return nil, apperr.Unauthorized("invalid authorization header format")
	}

	claims, err := p.tokens.ValidateToken(bearerToken[1])
	if err != nil {
		return nil, &apperr.Error{Code: apperr.CodeUnauthorized, Message: "invalid token", Cause: err}
	}

	return &Identity{ID: claims.UserID, Email: claims.Email}, nil
}

func WithIdentity(ctx context.Context, identity *Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, identity)
}

// FromContext returns nil for anonymous requests.
func FromContext(ctx context.Context) *Identity {
	identity, _ := ctx.Value(identityContextKey).(*Identity)
	return identity
}
