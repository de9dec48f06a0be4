package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config holds every tunable the authentication core reads at startup. Field names
// mirror the env var they bind to (upper-cased, prefixed) via mapstructure tags.
type Config struct {
	Port              int    `mapstructure:"port"`
	DatabaseDriver    string `mapstructure:"database_driver"` // sqlite | postgres
	DatabasePath      string `mapstructure:"database_path"`   // sqlite file path, or postgres DSN
	LogLevel          string `mapstructure:"log_level"`       // debug | info | warn | error
	LogFormat         string `mapstructure:"log_format"`      // json | text
	AllowedOrigins    []string `mapstructure:"allowed_origins"`
	RequestTimeoutSec int    `mapstructure:"request_timeout_sec"`
	ShutdownTimeoutSec int   `mapstructure:"shutdown_timeout_sec"`
	AcquireTimeoutSec int    `mapstructure:"acquire_timeout_sec"`
	ConnectionTimeoutSec int `mapstructure:"connection_timeout_sec"`

	BcryptCost int `mapstructure:"bcrypt_cost"`

	SessionSecret   string `mapstructure:"session_secret"` // hex, 32 bytes; AEAD key sealing the session cookie
	SessionTTLSec   int    `mapstructure:"session_ttl_sec"`
	CookieSecure    bool   `mapstructure:"cookie_secure"`
	CookieDomain    string `mapstructure:"cookie_domain"`
	Debug           bool   `mapstructure:"debug"` // relaxes Secure/startup validation for local dev only

	AEADKey    string `mapstructure:"aead_key"` // hex, 32 bytes; encrypts TOTP secrets at rest
	TOTPIssuer string `mapstructure:"totp_issuer"`

	RateLimitFreeAttempts        int   `mapstructure:"rate_limit_free_attempts"`
	RateLimitDelaySchedSec       []int `mapstructure:"rate_limit_delay_schedule_sec"`
	RateLimitLockoutThreshold    int   `mapstructure:"rate_limit_lockout_threshold"`
	RateLimitLockoutDurationSec  int   `mapstructure:"rate_limit_lockout_duration_sec"`
	RateLimitEnableEmailUnlock   bool  `mapstructure:"rate_limit_enable_email_unlock"`

	TwoFactorAttemptThreshold  int `mapstructure:"two_factor_attempt_threshold"`
	TwoFactorLockoutDurationSec int `mapstructure:"two_factor_lockout_duration_sec"`

	PasswordResetTTLSec      int `mapstructure:"password_reset_ttl_sec"`
	PasswordResetMaxPerHour  int `mapstructure:"password_reset_max_per_hour"`
	EmergencyTokenTTLSec     int `mapstructure:"emergency_token_ttl_sec"`

	SMTPHost        string `mapstructure:"smtp_host"`
	SMTPPort        int    `mapstructure:"smtp_port"`
	SMTPUsername    string `mapstructure:"smtp_username"`
	SMTPPassword    string `mapstructure:"smtp_password"`
	SMTPFrom        string `mapstructure:"smtp_from"`
	EmailEnabled    bool   `mapstructure:"email_enabled"`
	FrontendBaseURL string `mapstructure:"frontend_base_url"`

	PasswordMinLength        int  `mapstructure:"password_min_length"`
	PasswordRequireUppercase bool `mapstructure:"password_require_uppercase"`
	PasswordRequireLowercase bool `mapstructure:"password_require_lowercase"`
	PasswordRequireNumbers   bool `mapstructure:"password_require_numbers"`
	PasswordRequireSpecial   bool `mapstructure:"password_require_special"`

	// Not read by middleware.RateLimit: the coarse per-IP throttle uses its own fixed
	// constants (120/min, burst 60).
	APIRateLimitPerSec float64 `mapstructure:"api_rate_limit_per_sec"`
	APIRateLimitBurst  int     `mapstructure:"api_rate_limit_burst"`

	MetricsAuthEnabled bool `mapstructure:"metrics_auth_enabled"`
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("/etc/piggypulse/")
	viper.AddConfigPath("$HOME/.piggypulse")
	viper.AddConfigPath(".")

	viper.SetDefault("port", 8080)
	viper.SetDefault("database_driver", "sqlite")
	viper.SetDefault("database_path", "./piggypulse.db")
	viper.SetDefault("log_level", "info")
	viper.SetDefault("log_format", "json")
	viper.SetDefault("allowed_origins", []string{"http://localhost:5173"})
	viper.SetDefault("request_timeout_sec", 30)
	viper.SetDefault("shutdown_timeout_sec", 15)
	viper.SetDefault("acquire_timeout_sec", 5)
	viper.SetDefault("connection_timeout_sec", 10)

	viper.SetDefault("bcrypt_cost", 12)

	viper.SetDefault("session_secret", "")
	viper.SetDefault("session_ttl_sec", 7*24*3600)
	viper.SetDefault("cookie_secure", true)
	viper.SetDefault("cookie_domain", "")
	viper.SetDefault("debug", false)

	viper.SetDefault("aead_key", "")
	viper.SetDefault("totp_issuer", "PiggyPulse")

	viper.SetDefault("rate_limit_free_attempts", 3)
	viper.SetDefault("rate_limit_delay_schedule_sec", []int{5, 30, 60})
	viper.SetDefault("rate_limit_lockout_threshold", 7)
	viper.SetDefault("rate_limit_lockout_duration_sec", 3600)
	viper.SetDefault("rate_limit_enable_email_unlock", true)

	viper.SetDefault("two_factor_attempt_threshold", 5)
	viper.SetDefault("two_factor_lockout_duration_sec", 15*60)

	viper.SetDefault("password_reset_ttl_sec", 15*60)
	viper.SetDefault("password_reset_max_per_hour", 3)
	viper.SetDefault("emergency_token_ttl_sec", 24*3600)

	viper.SetDefault("smtp_host", "")
	viper.SetDefault("smtp_port", 587)
	viper.SetDefault("smtp_username", "")
	viper.SetDefault("smtp_password", "")
	viper.SetDefault("smtp_from", "no-reply@piggypulse.app")
	viper.SetDefault("email_enabled", false)
	viper.SetDefault("frontend_base_url", "http://localhost:5173")

	viper.SetDefault("password_min_length", 12)
	viper.SetDefault("password_require_uppercase", true)
	viper.SetDefault("password_require_lowercase", true)
	viper.SetDefault("password_require_numbers", true)
	viper.SetDefault("password_require_special", true)

	viper.SetDefault("api_rate_limit_per_sec", 10.0)
	viper.SetDefault("api_rate_limit_burst", 20)

	viper.SetDefault("metrics_auth_enabled", false)

	viper.SetEnvPrefix("PIGGYPULSE")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// PIGGYPULSE_ALLOWED_ORIGINS is often comma-separated (e.g. from Helm/.env); accept
	// either a single comma-joined string or an already-split array, trimming whitespace.
	if len(cfg.AllowedOrigins) == 1 && strings.Contains(cfg.AllowedOrigins[0], ",") {
		parts := strings.Split(cfg.AllowedOrigins[0], ",")
		cfg.AllowedOrigins = make([]string, 0, len(parts))
		for _, p := range parts {
			if o := strings.TrimSpace(p); o != "" {
				cfg.AllowedOrigins = append(cfg.AllowedOrigins, o)
			}
		}
	} else {
		normalized := make([]string, 0, len(cfg.AllowedOrigins))
		for _, origin := range cfg.AllowedOrigins {
			if trimmed := strings.TrimSpace(origin); trimmed != "" {
				normalized = append(normalized, trimmed)
			}
		}
		cfg.AllowedOrigins = normalized
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// validate enforces the startup checks the authentication core cannot safely skip: a
// malformed session or AEAD key, or a delay schedule that overruns the lockout
// threshold, must fail fast rather than misbehave at request time.
func (c *Config) validate() error {
	if c.DatabaseDriver != "sqlite" && c.DatabaseDriver != "postgres" {
		return fmt.Errorf("config: database_driver must be 'sqlite' or 'postgres', got %q", c.DatabaseDriver)
	}

	if c.SessionSecret == "" {
		if !c.Debug {
			return fmt.Errorf("config: session_secret is required unless debug=true")
		}
	} else if n := len(c.SessionSecret); n != 64 {
		return fmt.Errorf("config: session_secret must be 32 bytes hex-encoded (64 chars), got %d chars", n)
	}

	if c.AEADKey == "" {
		return fmt.Errorf("config: aead_key is required")
	}
	if n := len(c.AEADKey); n != 64 {
		return fmt.Errorf("config: aead_key must be 32 bytes hex-encoded (64 chars), got %d chars", n)
	}

	if len(c.RateLimitDelaySchedSec) > c.RateLimitLockoutThreshold-c.RateLimitFreeAttempts {
		return fmt.Errorf("config: rate_limit_delay_schedule_sec (len %d) must not exceed lockout_threshold - free_attempts (%d)",
			len(c.RateLimitDelaySchedSec), c.RateLimitLockoutThreshold-c.RateLimitFreeAttempts)
	}

	return nil
}
