package handlers

import (
	"chat-ledger/internal/app"
	"chat-ledger/internal/apperr"
	"chat-ledger/internal/auth"
	"chat-ledger/internal/logger"
	"chat-ledger/pkg/validation"
	"errors"
	"fmt"
	"net/http"
)

type AuthResponse struct {
	Token string        `json:"token"`
	User  auth.Identity `json:"user"`
}

type AuthHandlers struct {
	config    *app.Config
	validator *validation.AuthRequestValidator
}

func NewAuthHandlers(config *app.Config) *AuthHandlers {
	return &AuthHandlers{
		config:    config,
		validator: validation.NewAuthRequestValidator(),
	}
}

// RegisterHandler creates a user and returns a token for it
func (ah *AuthHandlers) RegisterHandler(w http.ResponseWriter, r *http.Request) {
	var req validation.RegisterRequest
	if err := decodeBody(r, &req); err != nil {
		sendError(w, r, err)
		return
	}
	if err := ah.validator.ValidateRegisterRequest(&req); err != nil {
		sendError(w, r, apperr.BadRequest("%s", err.Error()))
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		sendError(w, r, fmt.Errorf("hashing password: %w", err))
		return
	}

	user, err := ah.config.DB.CreateUser(r.Context(), req.Email, hash)
	if errors.Is(err, apperr.ErrDuplicateEmail) {
		sendError(w, r, err)
		return
	}
	if err != nil {
		sendError(w, r, apperr.Persistence("create user", err, false))
		return
	}

	logger.FromContext(r.Context()).WithField("user_id", user.ID).Info("User registered")
	ah.sendToken(w, r, http.StatusCreated, auth.Identity{ID: user.ID, Email: user.Email})
}

// LoginHandler authenticates user and returns JWT token
func (ah *AuthHandlers) LoginHandler(w http.ResponseWriter, r *http.Request) {
	var req validation.LoginRequest
	if err := decodeBody(r, &req); err != nil {
		sendError(w, r, err)
		return
	}
	if err := ah.validator.ValidateLoginRequest(&req); err != nil {
		sendError(w, r, apperr.BadRequest("%s", err.Error()))
		return
	}

	user, err := ah.config.DB.GetUserByEmail(r.Context(), req.Email)
	if err != nil && !errors.Is(err, apperr.ErrNotFound) {
		sendError(w, r, apperr.Persistence("load user", err, false))
		return
	}
	if err != nil || !auth.VerifyPassword(user.PasswordHash, req.Password) {
		logger.FromContext(r.Context()).Info("Login failed: invalid credentials")
		sendError(w, r, apperr.Unauthorized("invalid credentials"))
		return
	}

	ah.sendToken(w, r, http.StatusOK, auth.Identity{ID: user.ID, Email: user.Email})
}

func (ah *AuthHandlers) sendToken(w http.ResponseWriter, r *http.Request, status int, identity auth.Identity) {
	token, err := ah.config.Tokens.GenerateToken(identity)
	if err != nil {
		sendError(w, r, fmt.Errorf("generating token: %w", err))
		return
	}
	sendJSON(w, status, AuthResponse{Token: token, User: identity})
}
