package app

import (
	"chat-ledger/internal/auth"
	"chat-ledger/internal/config"
	"chat-ledger/internal/events"
	"chat-ledger/internal/metrics"
	"chat-ledger/internal/ratelimit"
	"chat-ledger/internal/repository/db"
	"chat-ledger/internal/service/llm"
	"chat-ledger/internal/service/tokens"
)

// Config holds all application dependencies and configuration
type Config struct {
	// Database interface for data persistence
	DB db.Database
	// Centralized application configuration
	AppConfig *config.AppConfig

	Provider   llm.Provider
	Accountant *tokens.Accountant
	Metrics    *metrics.Metrics
	Publisher  events.UsagePublisher
	// Limiter is nil when no Redis is configured
	Limiter  ratelimit.Limiter
	Tokens   *auth.TokenManager
	Identity auth.IdentityProvider

	counter tokens.Counter
}

type Option func(*Config)

func WithProvider(p llm.Provider) Option {
	return func(c *Config) { c.Provider = p }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Config) { c.Metrics = m }
}

func WithPublisher(p events.UsagePublisher) Option {
	return func(c *Config) { c.Publisher = p }
}

func WithLimiter(l ratelimit.Limiter) Option {
	return func(c *Config) { c.Limiter = l }
}

func WithCounter(counter tokens.Counter) Option {
	return func(c *Config) { c.counter = counter }
}

// NewConfig creates a new application configuration. Dependencies not given
// as options get defaults: no-op events, estimator token counting and a
// bearer identity provider honouring AUTH_OPTIONAL.
func NewConfig(database db.Database, appConfig *config.AppConfig, opts ...Option) *Config {
	c := &Config{
		DB:        database,
		AppConfig: appConfig,
		Publisher: events.NoopPublisher{},
	}
	for _, opt := range opts {
		opt(c)
	}

	c.Accountant = tokens.NewAccountant(database, c.counter, c.Metrics)
	if c.Tokens == nil {
		c.Tokens = auth.NewTokenManager(appConfig.Auth.JWTSecret, appConfig.Auth.TokenExpiration)
	}
	if c.Identity == nil {
		c.Identity = auth.NewBearerProvider(c.Tokens, c.DefaultIdentity())
	}
	return c
}

// DefaultIdentity is the substitute for anonymous callers, or nil when auth is required.
func (c *Config) DefaultIdentity() *auth.Identity {
	if !c.AppConfig.Auth.Optional {
		return nil
	}
	return &auth.Identity{ID: c.AppConfig.Auth.DefaultUserID, Email: c.AppConfig.Auth.DefaultUserEmail}
}

// Helper methods for backward compatibility
func (c *Config) ModelsConfig() *config.ModelsConfig {
	return c.AppConfig.Models
}

func (c *Config) PersonasConfig() *config.PersonasConfig {
	return c.AppConfig.Personas
}
