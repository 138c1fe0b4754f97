package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const defaultJWTSecret = "your-secret-key-change-in-production"

type Config struct {
	Environment    string
	Port           string
	Host           string
	AllowedOrigins []string // CORS: from ALLOWED_ORIGINS or FRONTEND_URL
	DevMode        bool
	LogLevel       string

	PostgresURI   string
	MongoURI      string
	MongoDatabase string
	RedisURI      string
	Transport     string // "redis" or "memory"

	JWTSecret      string
	FingerprintKey string

	KafkaBrokers []string
	KafkaTopic   string

	PresenceHeartbeatTimeout time.Duration
	PresenceSweepInterval    time.Duration
	CallAnswerTimeout        time.Duration
	CallFailureGrace         time.Duration
	GapTimeout               time.Duration
	MessageInsertTimeout     time.Duration
}

// Load reads .env (if present) and the process environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.AutomaticEnv()
	setDefaults(v)

	cfg := &Config{
		Environment:              strings.ToLower(strings.TrimSpace(v.GetString("ENV"))),
		Port:                     v.GetString("PORT"),
		Host:                     v.GetString("HOST"),
		AllowedOrigins:           parseList(v.GetString("ALLOWED_ORIGINS")),
		DevMode:                  v.GetBool("DEV_MODE"),
		LogLevel:                 v.GetString("LOG_LEVEL"),
		PostgresURI:              v.GetString("POSTGRES_URI"),
		MongoURI:                 v.GetString("MONGODB_URI"),
		MongoDatabase:            v.GetString("MONGODB_DATABASE"),
		RedisURI:                 v.GetString("REDIS_URI"),
		Transport:                strings.ToLower(v.GetString("TRANSPORT")),
		JWTSecret:                v.GetString("JWT_SECRET"),
		FingerprintKey:           v.GetString("FINGERPRINT_KEY"),
		KafkaBrokers:             parseList(v.GetString("KAFKA_BROKERS")),
		KafkaTopic:               v.GetString("KAFKA_TOPIC"),
		PresenceHeartbeatTimeout: v.GetDuration("PRESENCE_HEARTBEAT_TIMEOUT"),
		PresenceSweepInterval:    v.GetDuration("PRESENCE_SWEEP_INTERVAL"),
		CallAnswerTimeout:        v.GetDuration("CALL_ANSWER_TIMEOUT"),
		CallFailureGrace:         v.GetDuration("CALL_FAILURE_GRACE"),
		GapTimeout:               v.GetDuration("GAP_TIMEOUT"),
		MessageInsertTimeout:     v.GetDuration("MESSAGE_INSERT_TIMEOUT"),
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = parseList(v.GetString("FRONTEND_URL"))
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", "development")
	v.SetDefault("PORT", "8080")
	v.SetDefault("HOST", "http://localhost:8080")
	v.SetDefault("FRONTEND_URL", "http://localhost:3000")
	v.SetDefault("DEV_MODE", false)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("POSTGRES_URI", "postgres://localhost:5432/peerlink?sslmode=disable")
	v.SetDefault("MONGODB_URI", "mongodb://localhost:27017")
	v.SetDefault("MONGODB_DATABASE", "peerlink")
	v.SetDefault("REDIS_URI", "redis://localhost:6379/0")
	v.SetDefault("TRANSPORT", "redis")
	v.SetDefault("JWT_SECRET", defaultJWTSecret)
	v.SetDefault("FINGERPRINT_KEY", "peerlink-dev-fingerprint-key")
	v.SetDefault("KAFKA_TOPIC", "peerlink.events")
	v.SetDefault("PRESENCE_HEARTBEAT_TIMEOUT", 60*time.Second)
	v.SetDefault("PRESENCE_SWEEP_INTERVAL", 15*time.Second)
	v.SetDefault("CALL_ANSWER_TIMEOUT", 30*time.Second)
	v.SetDefault("CALL_FAILURE_GRACE", 3*time.Second)
	v.SetDefault("GAP_TIMEOUT", 2*time.Second)
	v.SetDefault("MESSAGE_INSERT_TIMEOUT", 10*time.Second)
}

func (c *Config) validate() error {
	if c.Transport != "redis" && c.Transport != "memory" {
		return fmt.Errorf("TRANSPORT must be redis or memory, got %q", c.Transport)
	}
	if c.IsProduction() && c.JWTSecret == defaultJWTSecret {
		return fmt.Errorf("JWT_SECRET must be set in production")
	}
	if c.CallAnswerTimeout <= 0 || c.CallFailureGrace <= 0 {
		return fmt.Errorf("call timeouts must be positive")
	}
	if c.PresenceHeartbeatTimeout <= 0 || c.PresenceSweepInterval <= 0 {
		return fmt.Errorf("presence timeouts must be positive")
	}
	return nil
}

// IsProduction returns true when ENV is set to "production".
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func parseList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
