package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/harunnryd/ringdesk/pkg/configutil"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Environment   string              `mapstructure:"environment"`
	LogLevel      string              `mapstructure:"log_level"`
	LogFormat     string              `mapstructure:"log_format"`
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Auth          AuthConfig          `mapstructure:"auth"`
	Billing       BillingConfig       `mapstructure:"billing"`
	Summary       SummaryConfig       `mapstructure:"summary"`
	Voicemail     VoicemailConfig     `mapstructure:"voicemail"`
	Integrations  IntegrationsConfig  `mapstructure:"integrations"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Privacy       PrivacyConfig       `mapstructure:"privacy"`
}

type ServerConfig struct {
	Addr              string   `mapstructure:"addr"`
	PublicURL         string   `mapstructure:"public_url"`
	ShutdownTimeoutMS int      `mapstructure:"shutdown_timeout_ms"`
	AllowedOrigins    []string `mapstructure:"allowed_origins"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

type AuthConfig struct {
	JWTSecret       string `mapstructure:"jwt_secret"`
	SessionTTLHours int    `mapstructure:"session_ttl_hours"`
	CookieName      string `mapstructure:"cookie_name"`
	ToolSecret      string `mapstructure:"tool_secret"`
}

type PlanConfig struct {
	ProductID string `mapstructure:"product_id"`
	Name      string `mapstructure:"name"`
	Minutes   int    `mapstructure:"minutes"`
}

type BillingConfig struct {
	GracePeriodHours int          `mapstructure:"grace_period_hours"`
	NearLimitPercent int          `mapstructure:"near_limit_percent"`
	SuccessURL       string       `mapstructure:"success_url"`
	Plans            []PlanConfig `mapstructure:"plans"`
}

type SummaryConfig struct {
	Workers            int `mapstructure:"workers"`
	QueueSize          int `mapstructure:"queue_size"`
	Retries            int `mapstructure:"retries"`
	RetryBackoffMS     int `mapstructure:"retry_backoff_ms"`
	MaxTranscriptChars int `mapstructure:"max_transcript_chars"`
	// SweepIntervalSecs is how often calls missing a summary are re-queued.
	SweepIntervalSecs int `mapstructure:"sweep_interval_secs"`
}

func (s SummaryConfig) SweepInterval() time.Duration {
	return time.Duration(s.SweepIntervalSecs) * time.Second
}

type VoicemailConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	MaxLengthSecs int    `mapstructure:"max_length_secs"`
	Prompt        string `mapstructure:"prompt"`
	BlockedPrompt string `mapstructure:"blocked_prompt"`
}

type VendorConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Settings map[string]any `mapstructure:"settings"`
}

type IntegrationsConfig struct {
	Twilio      VendorConfig `mapstructure:"twilio"`
	ElevenLabs  VendorConfig `mapstructure:"elevenlabs"`
	OpenAI      VendorConfig `mapstructure:"openai"`
	Polar       VendorConfig `mapstructure:"polar"`
	UploadThing VendorConfig `mapstructure:"uploadthing"`
	Deepgram    VendorConfig `mapstructure:"deepgram"`
}

type ObservabilityConfig struct {
	AuditLog string `mapstructure:"audit_log"`
	Tracing  string `mapstructure:"tracing"`
}

type PrivacyConfig struct {
	RedactPII bool `mapstructure:"redact_pii"`
}

// GracePeriod is the time a lapsed subscription keeps answering calls.
func (b BillingConfig) GracePeriod() time.Duration {
	return time.Duration(b.GracePeriodHours) * time.Hour
}

func (s ServerConfig) ShutdownTimeout() time.Duration {
	return time.Duration(s.ShutdownTimeoutMS) * time.Millisecond
}

func (a AuthConfig) SessionTTL() time.Duration {
	return time.Duration(a.SessionTTLHours) * time.Hour
}

// LoadConfig reads the YAML file at path. A .env file next to the working
// directory is loaded first so ${VAR} references resolve.
func LoadConfig(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}

	expandEnvStrings(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.shutdown_timeout_ms", 10000)
	v.SetDefault("database.path", "data/ringdesk.db")
	v.SetDefault("auth.session_ttl_hours", 24*7)
	v.SetDefault("auth.cookie_name", "ringdesk_session")
	v.SetDefault("billing.grace_period_hours", 72)
	v.SetDefault("billing.near_limit_percent", 80)
	v.SetDefault("summary.workers", 2)
	v.SetDefault("summary.queue_size", 64)
	v.SetDefault("summary.retries", 2)
	v.SetDefault("summary.retry_backoff_ms", 500)
	v.SetDefault("summary.max_transcript_chars", 24000)
	v.SetDefault("summary.sweep_interval_secs", 600)
	v.SetDefault("voicemail.enabled", true)
	v.SetDefault("voicemail.max_length_secs", 120)
	v.SetDefault("voicemail.prompt", "Please leave a message after the tone.")
	v.SetDefault("voicemail.blocked_prompt", "This business is not taking calls right now.")
	v.SetDefault("privacy.redact_pii", true)
	v.SetDefault("observability.tracing", "none")
}

func (c *Config) Validate() error {
	if err := configutil.RequireString(c.Database.Path, "database.path"); err != nil {
		return err
	}
	if err := configutil.RequireString(c.Auth.JWTSecret, "auth.jwt_secret"); err != nil {
		return err
	}
	if c.Integrations.Twilio.Enabled && strings.TrimSpace(c.Server.PublicURL) == "" {
		return fmt.Errorf("server.public_url is required when twilio is enabled")
	}
	seen := make(map[string]bool, len(c.Billing.Plans))
	for i, p := range c.Billing.Plans {
		if strings.TrimSpace(p.ProductID) == "" {
			return fmt.Errorf("billing.plans[%d].product_id is required", i)
		}
		if seen[p.ProductID] {
			return fmt.Errorf("billing.plans[%d].product_id %q is duplicated", i, p.ProductID)
		}
		seen[p.ProductID] = true
		if p.Minutes < 0 {
			return fmt.Errorf("billing.plans[%d].minutes must not be negative", i)
		}
	}
	switch strings.ToLower(c.Observability.Tracing) {
	case "", "none", "stdout":
	default:
		return fmt.Errorf("observability.tracing must be none or stdout")
	}
	return nil
}

func expandEnvStrings(cfg *Config) {
	expandValue(reflect.ValueOf(cfg))
	for _, vc := range []*VendorConfig{
		&cfg.Integrations.Twilio,
		&cfg.Integrations.ElevenLabs,
		&cfg.Integrations.OpenAI,
		&cfg.Integrations.Polar,
		&cfg.Integrations.UploadThing,
		&cfg.Integrations.Deepgram,
	} {
		vc.Settings = expandSettings(vc.Settings)
	}
}

func expandSettings(settings map[string]any) map[string]any {
	if settings == nil {
		return nil
	}
	for k, v := range settings {
		settings[k] = expandAny(v)
	}
	return settings
}

func expandAny(v any) any {
	switch val := v.(type) {
	case string:
		return os.ExpandEnv(val)
	case []any:
		for i := range val {
			val[i] = expandAny(val[i])
		}
		return val
	case map[string]any:
		for k, v := range val {
			val[k] = expandAny(v)
		}
		return val
	default:
		return v
	}
}

func expandValue(v reflect.Value) {
	if !v.IsValid() {
		return
	}
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return
		}
		expandValue(v.Elem())
		return
	}
	switch v.Kind() {
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			expandValue(v.Field(i))
		}
	case reflect.String:
		if v.CanSet() {
			v.SetString(os.ExpandEnv(v.String()))
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			expandValue(v.Index(i))
		}
	}
}
