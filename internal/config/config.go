package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// devJWTSecret is only accepted when ENV=development.
const devJWTSecret = "dev_secret_change_me"

type Config struct {
	Port                string        `mapstructure:"PORT"`
	Env                 string        `mapstructure:"ENV"`
	LogLevel            string        `mapstructure:"LOG_LEVEL"`
	DatabaseURL         string        `mapstructure:"DATABASE_URL"`
	DBMaxConns          int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns          int32         `mapstructure:"DB_MIN_CONNS"`
	MigrationsDir       string        `mapstructure:"MIGRATIONS_DIR"`
	JWTSecret           string        `mapstructure:"JWT_SECRET"`
	JWTIssuer           string        `mapstructure:"JWT_ISSUER"`
	JWTTTL              time.Duration `mapstructure:"JWT_TTL"`
	BcryptCost          int           `mapstructure:"BCRYPT_COST"`
	CORSOrigins         []string      `mapstructure:"CORS_ORIGINS"`
	StorageBackend      string        `mapstructure:"STORAGE_BACKEND"`
	UploadsDir          string        `mapstructure:"UPLOADS_DIR"`
	UploadsPublicPrefix string        `mapstructure:"UPLOADS_PUBLIC_PREFIX"`
	S3Bucket            string        `mapstructure:"S3_BUCKET"`
	S3PublicBaseURL     string        `mapstructure:"S3_PUBLIC_BASE_URL"`
	AvatarMaxBytes      int64         `mapstructure:"AVATAR_MAX_BYTES"`
	BodyLimit           string        `mapstructure:"BODY_LIMIT"`
	RateLimitRPS        float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst      int           `mapstructure:"RATE_LIMIT_BURST"`

	// Warnings collects non-fatal problems found while loading, for the
	// caller to log once a logger exists.
	Warnings []string `mapstructure:"-"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "4000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("MIGRATIONS_DIR", "./migrations")
	v.SetDefault("JWT_ISSUER", "careportal")
	v.SetDefault("JWT_TTL", "168h")
	v.SetDefault("BCRYPT_COST", 10)
	v.SetDefault("CORS_ORIGINS", "http://localhost:5173")
	v.SetDefault("STORAGE_BACKEND", "disk")
	v.SetDefault("UPLOADS_DIR", "./uploads")
	v.SetDefault("UPLOADS_PUBLIC_PREFIX", "/uploads")
	v.SetDefault("AVATAR_MAX_BYTES", 3<<20)
	v.SetDefault("BODY_LIMIT", "1M")
	v.SetDefault("RATE_LIMIT_RPS", 20)
	v.SetDefault("RATE_LIMIT_BURST", 40)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range []string{
		"PORT", "ENV", "LOG_LEVEL", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
		"MIGRATIONS_DIR", "JWT_SECRET", "JWT_ISSUER", "JWT_TTL", "BCRYPT_COST",
		"CORS_ORIGINS", "STORAGE_BACKEND", "UPLOADS_DIR", "UPLOADS_PUBLIC_PREFIX",
		"S3_BUCKET", "S3_PUBLIC_BASE_URL", "AVATAR_MAX_BYTES", "BODY_LIMIT",
		"RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
	} {
		_ = v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if origins := v.GetString("CORS_ORIGINS"); origins != "" {
		cfg.CORSOrigins = splitList(origins)
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.JWTSecret == "" && cfg.IsDev() {
		cfg.Warnings = append(cfg.Warnings, "JWT_SECRET is not set; using the development fallback secret")
		cfg.JWTSecret = devJWTSecret
	}

	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to run. Outside development
// a real JWT secret is required, and the storage backend must be one the
// server knows how to build.
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required when ENV=%q", c.Env)
	}
	if c.IsProduction() && c.JWTSecret == devJWTSecret {
		return fmt.Errorf("JWT_SECRET must not be the development fallback in production")
	}
	if c.JWTTTL <= 0 {
		return fmt.Errorf("JWT_TTL must be positive, got %s", c.JWTTTL)
	}
	if c.AvatarMaxBytes <= 0 {
		return fmt.Errorf("AVATAR_MAX_BYTES must be positive, got %d", c.AvatarMaxBytes)
	}

	switch c.StorageBackend {
	case "disk":
		if c.UploadsDir == "" {
			return fmt.Errorf("UPLOADS_DIR is required when STORAGE_BACKEND is \"disk\"")
		}
	case "s3":
		if c.S3Bucket == "" {
			return fmt.Errorf("S3_BUCKET is required when STORAGE_BACKEND is \"s3\"")
		}
	default:
		return fmt.Errorf("STORAGE_BACKEND must be \"disk\" or \"s3\", got %q", c.StorageBackend)
	}

	return nil
}
