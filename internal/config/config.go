// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes settings for the HTTP
// server, logging, storage, session tokens, the realtime gateway, push
// delivery, the optional Redis room bridge, rate limiting, and observability.
//
// Parsing is delegated to envconfig; this package normalizes the result and
// rejects values the rest of the application cannot run with.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// CORSConfig defines Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOriginsCSV string   `envconfig:"CORS_ALLOWED_ORIGINS"`
	AllowedOrigins    []string `ignored:"true"`
}

// SecurityConfig defines security-related settings such as HSTS.
type SecurityConfig struct {
	EnableHSTS bool          `envconfig:"ENABLE_HSTS" default:"false"`
	HSTSMaxAge time.Duration `envconfig:"HSTS_MAX_AGE" default:"4320h"`
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    `envconfig:"OTEL_ENABLED" default:"false"`
	Endpoint    string  `envconfig:"OTEL_EXPORTER_OTLP_ENDPOINT" default:"localhost:4317"`
	Insecure    bool    `envconfig:"OTEL_EXPORTER_OTLP_INSECURE" default:"true"`
	ServiceName string  `envconfig:"OTEL_SERVICE_NAME" default:"go-market-chat"`
	SampleRatio float64 `envconfig:"OTEL_TRACES_SAMPLER_ARG" default:"1.0"`
}

// DBConfig selects the storage driver. SQLite uses Path; Postgres uses DSN.
type DBConfig struct {
	Driver       string `envconfig:"DB_DRIVER" default:"sqlite"`
	Path         string `envconfig:"DB_PATH" default:"app.db"`
	DSN          string `envconfig:"DB_DSN"`
	MaxOpenConns int    `envconfig:"DB_MAX_OPEN_CONNS" default:"10"`
}

// JWTConfig holds the session token verification settings. The same token
// authorizes REST calls and the realtime handshake.
type JWTConfig struct {
	Secret string        `envconfig:"JWT_SECRET" required:"true"`
	Issuer string        `envconfig:"JWT_ISSUER" default:"go-market-chat"`
	TTL    time.Duration `envconfig:"JWT_TTL" default:"168h"`
}

// GatewayConfig tunes the WebSocket room gateway.
type GatewayConfig struct {
	Path              string        `envconfig:"WS_PATH" default:"/socket"`
	WriteWait         time.Duration `envconfig:"WS_WRITE_WAIT" default:"10s"`
	PongWait          time.Duration `envconfig:"WS_PONG_WAIT" default:"20s"`
	MaxMessageBytes   int64         `envconfig:"WS_MAX_MESSAGE_BYTES" default:"65536"`
	SendBuffer        int           `envconfig:"WS_SEND_BUFFER" default:"256"`
	SendTimeout       time.Duration `envconfig:"WS_SEND_TIMEOUT" default:"2s"`
	EventRPS          float64       `envconfig:"WS_EVENT_RPS" default:"10"`
	EventBurst        int           `envconfig:"WS_EVENT_BURST" default:"20"`
	AllowedOriginsCSV string        `envconfig:"WS_ALLOWED_ORIGINS"`
	AllowedOrigins    []string      `ignored:"true"`
}

// PushConfig holds VAPID credentials for Web Push. Leaving either key empty
// disables push delivery.
type PushConfig struct {
	VAPIDPublicKey  string        `envconfig:"VAPID_PUBLIC_KEY"`
	VAPIDPrivateKey string        `envconfig:"VAPID_PRIVATE_KEY"`
	Subscriber      string        `envconfig:"VAPID_SUBJECT" default:"mailto:ops@example.com"`
	TTL             time.Duration `envconfig:"PUSH_TTL" default:"12h"`
	Timeout         time.Duration `envconfig:"PUSH_TIMEOUT" default:"10s"`
}

// Enabled reports whether both VAPID keys are configured.
func (p PushConfig) Enabled() bool {
	return strings.TrimSpace(p.VAPIDPublicKey) != "" && strings.TrimSpace(p.VAPIDPrivateKey) != ""
}

// RedisConfig enables cross-instance room fan-out when URL is set.
type RedisConfig struct {
	URL     string `envconfig:"REDIS_URL"`
	Channel string `envconfig:"REDIS_CHANNEL" default:"chat:rooms"`
}

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Port              string        `envconfig:"PORT" default:"8080"`
	ReadTimeout       time.Duration `envconfig:"READ_TIMEOUT" default:"15s"`
	ReadHeaderTimeout time.Duration `envconfig:"READ_HEADER_TIMEOUT" default:"10s"`
	WriteTimeout      time.Duration `envconfig:"WRITE_TIMEOUT" default:"20s"`
	IdleTimeout       time.Duration `envconfig:"IDLE_TIMEOUT" default:"60s"`
	MaxHeaderBytes    int           `envconfig:"MAX_HEADER_BYTES" default:"1048576"`
	GinMode           string        `envconfig:"GIN_MODE" default:"release"`

	// Logging
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	LogPretty   bool   `envconfig:"LOG_PRETTY" default:"false"`
	APIBasePath string `envconfig:"API_BASE_PATH" default:"/api/v1"`

	// Messaging
	MessageMaxRunes int `envconfig:"MESSAGE_MAX_RUNES" default:"4000"`
	FetchLimit      int `envconfig:"FETCH_LIMIT" default:"50"`

	// Rate limiting (HTTP)
	RateRPS   float64 `envconfig:"RATE_RPS" default:"5"`
	RateBurst int     `envconfig:"RATE_BURST" default:"10"`

	// Idempotency
	IdempotencyTTL time.Duration `envconfig:"IDEMPOTENCY_TTL" default:"24h"`

	DB       DBConfig
	JWT      JWTConfig
	Gateway  GatewayConfig
	Push     PushConfig
	Redis    RedisConfig
	CORS     CORSConfig
	Security SecurityConfig
	OTEL     OTELConfig
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from environment variables,
// applies defaults, normalizes values, and validates the result.
func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config: %w", err)
	}

	// --- normalization ---
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	cfg.GinMode = strings.ToLower(strings.TrimSpace(cfg.GinMode))
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}
	cfg.APIBasePath = normalizeBasePath(cfg.APIBasePath)
	cfg.Gateway.Path = normalizeBasePath(cfg.Gateway.Path)
	cfg.DB.Driver = strings.ToLower(strings.TrimSpace(cfg.DB.Driver))
	cfg.CORS.AllowedOrigins = splitCSV(cfg.CORS.AllowedOriginsCSV)
	cfg.Gateway.AllowedOrigins = splitCSV(cfg.Gateway.AllowedOriginsCSV)

	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (cfg Config) validate() error {
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return errors.New("PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.IdleTimeout <= 0 {
		return errors.New("timeouts must be positive durations")
	}
	if cfg.MaxHeaderBytes <= 0 {
		return errors.New("MAX_HEADER_BYTES must be > 0")
	}
	switch cfg.DB.Driver {
	case "sqlite":
		if strings.TrimSpace(cfg.DB.Path) == "" {
			return errors.New("DB_PATH must not be empty")
		}
	case "postgres":
		if strings.TrimSpace(cfg.DB.DSN) == "" {
			return errors.New("DB_DSN is required when DB_DRIVER=postgres")
		}
	default:
		return errors.New("DB_DRIVER must be one of: sqlite, postgres")
	}
	if strings.TrimSpace(cfg.JWT.Secret) == "" {
		return errors.New("JWT_SECRET must not be empty")
	}
	if cfg.MessageMaxRunes <= 0 {
		return errors.New("MESSAGE_MAX_RUNES must be > 0")
	}
	if cfg.FetchLimit <= 0 {
		return errors.New("FETCH_LIMIT must be > 0")
	}
	if cfg.RateRPS < 0 {
		return errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return errors.New("RATE_BURST must be >= 1")
	}
	if cfg.Security.HSTSMaxAge < 0 {
		return errors.New("HSTS_MAX_AGE must be >= 0")
	}
	if cfg.IdempotencyTTL <= 0 {
		return errors.New("IDEMPOTENCY_TTL must be > 0")
	}
	g := cfg.Gateway
	if g.WriteWait <= 0 || g.PongWait <= 0 || g.SendTimeout <= 0 {
		return errors.New("WS_WRITE_WAIT, WS_PONG_WAIT and WS_SEND_TIMEOUT must be positive")
	}
	if g.MaxMessageBytes <= 0 || g.SendBuffer <= 0 {
		return errors.New("WS_MAX_MESSAGE_BYTES and WS_SEND_BUFFER must be > 0")
	}
	if g.EventRPS <= 0 || g.EventBurst < 1 {
		return errors.New("WS_EVENT_RPS must be > 0 and WS_EVENT_BURST >= 1")
	}
	if cfg.Push.TTL < 0 || cfg.Push.Timeout <= 0 {
		return errors.New("PUSH_TTL must be >= 0 and PUSH_TIMEOUT > 0")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}
	return nil
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// normalizeBasePath ensures leading '/' and strips trailing '/' (except root).
func normalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimRight(p, "/")
	}
	return p
}
