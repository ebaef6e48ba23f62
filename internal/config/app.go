package config

import (
	"chat-ledger/internal/logger"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
)

// AppConfig holds all application configuration
type AppConfig struct {
	Server   ServerConfig
	Database DatabaseConfig
	LLM      LLMConfig
	Auth     AuthConfig
	Tokens   TokensConfig
	Redis    RedisConfig
	Kafka    KafkaConfig
	Models   *ModelsConfig   `validate:"required"`
	Personas *PersonasConfig `validate:"required"`
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	Port          string `validate:"required,numeric"`
	AllowedOrigin string
	LogLevel      string `validate:"oneof=debug info warn error"`
}

// DatabaseConfig holds database connection configuration
type DatabaseConfig struct {
	Driver       string `validate:"oneof=postgres memory"`
	Host         string
	Port         string
	User         string
	Password     string
	Name         string
	SSLMode      string
	MaxOpenConns int `validate:"gte=1"`
}

// LLMConfig holds LLM provider configuration
type LLMConfig struct {
	Provider            string `validate:"oneof=openrouter genkit openai"`
	OpenRouterAPIKey    string
	OpenRouterBaseURL   string `validate:"required,url"`
	OpenAIAPIKey        string
	OpenAIBaseURL       string `validate:"omitempty,url"`
	DefaultSystemPrompt string
	TopP                float64       `validate:"gte=0,lte=1"`
	TopK                int           `validate:"gte=0"`
	RequestTimeout      time.Duration `validate:"gt=0"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret       []byte        `validate:"min=32"`
	TokenExpiration time.Duration `validate:"gt=0"`
	// Optional substitutes the default identity for anonymous requests.
	Optional         bool
	DefaultUserID    string `validate:"required_if=Optional true"`
	DefaultUserEmail string `validate:"required_if=Optional true,omitempty,email"`
}

// TokensConfig selects the token counter used when a provider reports no usage.
type TokensConfig struct {
	Counter string `validate:"oneof=estimate tiktoken"`
}

// RedisConfig is optional; an empty Addr disables rate limiting.
type RedisConfig struct {
	Addr               string
	Password           string
	DB                 int `validate:"gte=0"`
	RateLimitPerMinute int `validate:"gte=0"`
}

// KafkaConfig is optional; no brokers disables usage events.
type KafkaConfig struct {
	Brokers    []string
	UsageTopic string `validate:"required_with=Brokers"`
}

var validate = validator.New()

// LoadConfig loads and validates application configuration from environment
func LoadConfig() (*AppConfig, error) {
	config := &AppConfig{}

	config.Server = ServerConfig{
		Port:          getEnvOrDefault("SERVER_PORT", "8080"),
		AllowedOrigin: getEnvOrDefault("ALLOWED_ORIGIN", "http://localhost:3000"),
		LogLevel:      getEnvOrDefault("LOG_LEVEL", "info"),
	}

	config.Database = DatabaseConfig{
		Driver:       getEnvOrDefault("STORE_DRIVER", "postgres"),
		Host:         getEnvOrDefault("DB_HOST", "postgres"),
		Port:         getEnvOrDefault("DB_PORT", "5432"),
		User:         getEnvOrDefault("DB_USER", "postgres"),
		Password:     getEnvOrDefault("DB_PASSWORD", "postgres"),
		Name:         getEnvOrDefault("DB_NAME", "chatledger"),
		SSLMode:      getEnvOrDefault("DB_SSLMODE", "disable"),
		MaxOpenConns: getEnvAsInt("DB_MAX_OPEN_CONNS", 10),
	}

	config.LLM = LLMConfig{
		Provider:            getEnvOrDefault("LLM_PROVIDER", "openrouter"),
		OpenRouterAPIKey:    os.Getenv("OPENROUTER_API_KEY"),
		OpenRouterBaseURL:   getEnvOrDefault("OPENROUTER_BASE_URL", "https://openrouter.ai/api/v1"),
		OpenAIAPIKey:        os.Getenv("OPENAI_API_KEY"),
		OpenAIBaseURL:       os.Getenv("OPENAI_BASE_URL"),
		DefaultSystemPrompt: getEnvOrDefault("DEFAULT_SYSTEM_PROMPT", "You are a helpful assistant."),
		TopP:                getEnvAsFloat("LLM_TOP_P", 0.9),
		TopK:                getEnvAsInt("LLM_TOP_K", 40),
		RequestTimeout:      getEnvAsDuration("LLM_REQUEST_TIMEOUT", 2*time.Minute),
	}
	if config.LLM.Provider == "openai" && config.LLM.OpenAIAPIKey == "" {
		logger.Log.Warn("OPENAI_API_KEY environment variable not set")
	} else if config.LLM.Provider != "openai" && config.LLM.OpenRouterAPIKey == "" {
		logger.Log.Warn("OPENROUTER_API_KEY environment variable not set")
	}

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET environment variable must be set")
	}

	config.Auth = AuthConfig{
		JWTSecret:        []byte(jwtSecret),
		TokenExpiration:  getEnvAsDuration("JWT_TOKEN_EXPIRATION", 24*time.Hour),
		Optional:         getEnvAsBool("AUTH_OPTIONAL", false),
		DefaultUserID:    getEnvOrDefault("DEFAULT_USER_ID", "00000000-0000-0000-0000-000000000001"),
		DefaultUserEmail: getEnvOrDefault("DEFAULT_USER_EMAIL", "guest@localhost.dev"),
	}

	config.Tokens = TokensConfig{
		Counter: getEnvOrDefault("TOKEN_COUNTER", "estimate"),
	}

	config.Redis = RedisConfig{
		Addr:               os.Getenv("REDIS_ADDR"),
		Password:           os.Getenv("REDIS_PASSWORD"),
		DB:                 getEnvAsInt("REDIS_DB", 0),
		RateLimitPerMinute: getEnvAsInt("RATE_LIMIT_PER_MINUTE", 30),
	}

	config.Kafka = KafkaConfig{
		Brokers:    getEnvAsSlice("KAFKA_BROKERS"),
		UsageTopic: getEnvOrDefault("KAFKA_USAGE_TOPIC", "token-usage"),
	}

	modelsConfigPath := getEnvOrDefault("MODELS_CONFIG_PATH", filepath.Join("config", "models.json"))
	modelsConfig, err := NewModelsConfig(modelsConfigPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load models config: %w", err)
	}
	config.Models = modelsConfig

	personasConfigPath := getEnvOrDefault("PERSONAS_CONFIG_PATH", filepath.Join("config", "personas.json"))
	personasConfig, err := NewPersonasConfig(personasConfigPath, config.LLM.DefaultSystemPrompt)
	if err != nil {
		return nil, fmt.Errorf("failed to load personas config: %w", err)
	}
	config.Personas = personasConfig

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate checks struct constraints on the loaded configuration.
func (c *AppConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// GetDSN returns the database connection string
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// Helper functions for environment variable parsing

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		logger.Log.WithFields(logrus.Fields{"key": key, "default": defaultValue}).Warn("Invalid integer value, using default")
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		logger.Log.WithFields(logrus.Fields{"key": key, "default": defaultValue}).Warn("Invalid float value, using default")
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		logger.Log.WithFields(logrus.Fields{"key": key, "default": defaultValue}).Warn("Invalid boolean value, using default")
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		logger.Log.WithFields(logrus.Fields{"key": key, "default": defaultValue}).Warn("Invalid duration value, using default")
		return defaultValue
	}
	return value
}

func getEnvAsSlice(key string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
