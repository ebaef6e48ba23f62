// Package auth issues and validates bearer tokens and resolves the caller identity.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Identity is the resolved caller.
type Identity struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

type Claims struct {
	UserID string `json:"uid"`
	Email  string `json:"email"`
	jwt.RegisteredClaims
}

// TokenManager signs HS256 tokens with a shared secret.
type TokenManager struct {
	secret     []byte
	expiration time.Duration
	now        func() time.Time
}

func NewTokenManager(secret []byte, expiration time.Duration) *TokenManager {
	return &TokenManager{secret: secret, expiration: expiration, now: time.Now}
}

func (m *TokenManager) GenerateToken(identity Identity) (string, error) {
	if identity.ID == "" {
		return "", errors.New("token subject is required")
	}
	now := m.now()
	claims := Claims{
		UserID: identity.ID,
		Email:  identity.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity.ID,
			ExpiresAt: jwt.NewNumericDate(now.Add(m.expiration)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secret)
}

func (m *TokenManager) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return m.secret, nil
	}, jwt.WithTimeFunc(m.now))
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid && claims.UserID != "" {
		return claims, nil
	}

	return nil, jwt.ErrSignatureInvalid
}
