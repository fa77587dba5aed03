package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Env  string
	Port string

	DatabaseURL   string
	RedisAddr     string
	RedisPassword string

	JWTSecret  string
	JWTIssuer  string
	SessionTTL time.Duration

	ClientCookieSecret string
	ClientIdleTTL      time.Duration
	GateWait           time.Duration

	FaceAPIURL     string
	FaceAPIKey     string
	FaceAPITimeout time.Duration

	VerificationEnabled bool
	RoutesFile          string
	CORSOrigins         []string

	OTLPEndpoint string
	LogLevel     string
	LogFormat    string

	LoginRate  int
	VerifyRate int

	SweepSchedule string
}

func Load() Config {
	return Config{
		Env:  getenv("APP_ENV", "development"),
		Port: getenv("PORT", "5050"),

		DatabaseURL:   os.Getenv("DATABASE_URL"),
		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),

		JWTSecret:  getenv("JWT_SECRET", "dev-secret"),
		JWTIssuer:  getenv("JWT_ISSUER", "attendance-portal"),
		SessionTTL: getenvDuration("SESSION_TTL", 6*time.Hour),

		ClientCookieSecret: getenv("CLIENT_COOKIE_SECRET", "dev-cookie-secret-change-me-0123456789"),
		ClientIdleTTL:      getenvDuration("CLIENT_IDLE_TTL", 30*time.Minute),
		GateWait:           getenvDuration("GATE_WAIT", 2*time.Second),

		FaceAPIURL:     getenv("FACE_API_URL", "http://127.0.0.1:8000"),
		FaceAPIKey:     os.Getenv("FACE_API_KEY"),
		FaceAPITimeout: getenvDuration("FACE_API_TIMEOUT", 15*time.Second),

		VerificationEnabled: getenvBool("VERIFICATION_ENABLED", true),
		RoutesFile:          os.Getenv("ROUTES_FILE"),
		CORSOrigins:         getenvList("CORS_ORIGINS", []string{"http://localhost:5173"}),

		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		LogLevel:     getenv("LOG_LEVEL", "info"),
		LogFormat:    getenv("LOG_FORMAT", "json"),

		LoginRate:  getenvInt("LOGIN_RATE", 10),
		VerifyRate: getenvInt("VERIFY_RATE", 20),

		SweepSchedule: getenv("SWEEP_SCHEDULE", "@every 5m"),
	}
}

// Development reports whether the process runs outside production.
func (c Config) Development() bool {
	return c.Env == "development" || c.Env == "test"
}

// Validate rejects settings that are unsafe outside development.
func (c Config) Validate() error {
	var errs []error
	if c.Port == "" {
		errs = append(errs, errors.New("PORT is empty"))
	}
	if c.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL is empty"))
	}
	if len(c.ClientCookieSecret) < 32 {
		errs = append(errs, errors.New("CLIENT_COOKIE_SECRET must be at least 32 bytes"))
	}
	if !c.Development() {
		if c.JWTSecret == "" || c.JWTSecret == "dev-secret" {
			errs = append(errs, errors.New("JWT_SECRET must be set"))
		}
		if strings.HasPrefix(c.ClientCookieSecret, "dev-") {
			errs = append(errs, errors.New("CLIENT_COOKIE_SECRET must be set"))
		}
	}
	return errors.Join(errs...)
}

func getenv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
	}
	if val := os.Getenv(key + "_SECONDS"); val != "" {
		if seconds, err := strconv.Atoi(val); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}
	return fallback
}

func getenvBool(key string, fallback bool) bool {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseBool(val); err == nil {
			return parsed
		}
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return fallback
}

func getenvList(key string, fallback []string) []string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
