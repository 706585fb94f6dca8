// Package config loads and validates application configuration from
// environment variables (prefix TALLY_) with development defaults.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/tallyhq/tally-backend/logger"
)

// Environment represents the application's running environment.
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvProduction  Environment = "production"

	minSecretLength = 32
)

// ServerConfig holds server-specific configuration.
type ServerConfig struct {
	Environment       Environment `mapstructure:"ENVIRONMENT"`
	Port              string      `mapstructure:"PORT"`
	BaseURL           string      `mapstructure:"BASE_URL"`
	AllowedOrigins    []string    `mapstructure:"ALLOWED_ORIGINS"`
	JwtSecretKey      string      `mapstructure:"JWT_SECRET_KEY"`
	DeviceTokenSecret string      `mapstructure:"DEVICE_TOKEN_SECRET"`
}

// SecureCookies reports whether cookies must carry the Secure attribute,
// derived from the HTTPS-ness of the public base URL.
func (c *ServerConfig) SecureCookies() bool {
	return strings.HasPrefix(c.BaseURL, "https://")
}

// DatabaseConfig holds PostgreSQL connection details.
type DatabaseConfig struct {
	Host           string `mapstructure:"HOST"`
	Port           int    `mapstructure:"PORT"`
	User           string `mapstructure:"USER"`
	Password       string `mapstructure:"PASSWORD"`
	Name           string `mapstructure:"NAME"`
	SSLMode        string `mapstructure:"SSL_MODE"`
	MaxConnections int    `mapstructure:"MAX_CONNECTIONS"`
}

// ConnectionString returns the key-value pgx connection string.
func (c *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode)
}

// URL returns a postgres:// URL for golang-migrate.
func (c *DatabaseConfig) URL() string {
	sslmode := c.SSLMode
	if sslmode == "" {
		sslmode = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Name, sslmode)
}

// RedisConfig holds the optional Redis connection. When UseRedis is false
// the in-memory rate limiter and in-process event fan-out are used.
type RedisConfig struct {
	UseRedis bool   `mapstructure:"ENABLED"`
	Address  string `mapstructure:"ADDRESS"`
	Password string `mapstructure:"PASSWORD"`
	DB       int    `mapstructure:"DB"`
}

// EmailConfig holds the outbound email settings.
type EmailConfig struct {
	ResendAPIKey string `mapstructure:"RESEND_API_KEY"`
	FromAddress  string `mapstructure:"FROM_ADDRESS"`
	FromName     string `mapstructure:"FROM_NAME"`
}

// Config is the root configuration object.
type Config struct {
	Server   ServerConfig   `mapstructure:"SERVER"`
	Database DatabaseConfig `mapstructure:"DB"`
	Redis    RedisConfig    `mapstructure:"REDIS"`
	Email    EmailConfig    `mapstructure:"EMAIL"`
}

// LoadConfig reads configuration from the environment.
func LoadConfig() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("TALLY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	bindEnvKeys(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	logger.GetLogger().Infow("Configuration loaded",
		"environment", cfg.Server.Environment,
		"port", cfg.Server.Port,
		"dbHost", cfg.Database.Host,
		"redis", cfg.Redis.UseRedis)

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("SERVER.ENVIRONMENT", string(EnvDevelopment))
	v.SetDefault("SERVER.PORT", "8080")
	v.SetDefault("SERVER.BASE_URL", "http://localhost:8080")
	v.SetDefault("SERVER.ALLOWED_ORIGINS", []string{"http://localhost:3000"})
	v.SetDefault("DB.HOST", "localhost")
	v.SetDefault("DB.PORT", 5432)
	v.SetDefault("DB.USER", "tally")
	v.SetDefault("DB.NAME", "tally")
	v.SetDefault("DB.SSL_MODE", "disable")
	v.SetDefault("DB.MAX_CONNECTIONS", 20)
	v.SetDefault("REDIS.ENABLED", false)
	v.SetDefault("REDIS.ADDRESS", "localhost:6379")
	v.SetDefault("REDIS.DB", 0)
	v.SetDefault("EMAIL.FROM_ADDRESS", "no-reply@tally.local")
	v.SetDefault("EMAIL.FROM_NAME", "Tally")
}

// bindEnvKeys makes AutomaticEnv see nested keys (viper only resolves
// nested structures through explicit binds).
func bindEnvKeys(v *viper.Viper) {
	keys := []string{
		"SERVER.ENVIRONMENT", "SERVER.PORT", "SERVER.BASE_URL", "SERVER.ALLOWED_ORIGINS",
		"SERVER.JWT_SECRET_KEY", "SERVER.DEVICE_TOKEN_SECRET",
		"DB.HOST", "DB.PORT", "DB.USER", "DB.PASSWORD", "DB.NAME", "DB.SSL_MODE", "DB.MAX_CONNECTIONS",
		"REDIS.ENABLED", "REDIS.ADDRESS", "REDIS.PASSWORD", "REDIS.DB",
		"EMAIL.RESEND_API_KEY", "EMAIL.FROM_ADDRESS", "EMAIL.FROM_NAME",
	}
	for _, key := range keys {
		_ = v.BindEnv(key)
	}
}

func (c *Config) validate() error {
	if c.Server.Environment != EnvDevelopment && c.Server.Environment != EnvProduction {
		return fmt.Errorf("invalid environment %q", c.Server.Environment)
	}

	if c.Server.Environment == EnvProduction {
		if len(c.Server.JwtSecretKey) < minSecretLength {
			return fmt.Errorf("JWT_SECRET_KEY must be at least %d characters in production", minSecretLength)
		}
		if len(c.Server.DeviceTokenSecret) < minSecretLength {
			return fmt.Errorf("DEVICE_TOKEN_SECRET must be at least %d characters in production", minSecretLength)
		}
		if c.Database.Password == "" {
			return fmt.Errorf("database password is required in production")
		}
	} else {
		// Development fallbacks keep local bootstrapping friction-free.
		if c.Server.JwtSecretKey == "" {
			c.Server.JwtSecretKey = "dev-jwt-secret-not-for-production!!"
		}
		if c.Server.DeviceTokenSecret == "" {
			c.Server.DeviceTokenSecret = "dev-device-secret-not-for-production"
		}
	}

	return nil
}
