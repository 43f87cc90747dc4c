package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// ConfigPathEnvVar overrides the YAML config location.
const ConfigPathEnvVar = "CONFIG_PATH"

// DefaultMaxUploadBytes: base64 of 134997 bytes is 179996 chars, of 134998 it is 180000.
const DefaultMaxUploadBytes = 134_997

type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Cache      CacheConfig      `koanf:"cache"`
	Classifier ClassifierConfig `koanf:"classifier"`
	Telegram   TelegramConfig   `koanf:"telegram"`
	Database   DatabaseConfig   `koanf:"database"`
	Archive    ArchiveConfig    `koanf:"archive"`
	Log        LogConfig        `koanf:"log"`
}

type ServerConfig struct {
	Port string `koanf:"port" validate:"required,numeric"`
	// MaxUploadBytes is the largest accepted image. The default is the
	// largest payload whose base64 stays under the vision endpoint's
	// 180000-char inline ceiling.
	MaxUploadBytes    int64         `koanf:"max_upload_bytes" validate:"gt=0"`
	RateLimitRequests int           `koanf:"rate_limit_requests" validate:"gte=0"` // 0 = off
	RateLimitWindow   time.Duration `koanf:"rate_limit_window" validate:"gte=0"`
	ShutdownTimeout   time.Duration `koanf:"shutdown_timeout" validate:"gte=0"`
}

type CacheConfig struct {
	MaxSize int           `koanf:"max_size" validate:"gt=0"`
	TTL     time.Duration `koanf:"ttl" validate:"gt=0"`
	// NegativeTTL keeps failed classifications; 0 = never cache failures.
	NegativeTTL     time.Duration `koanf:"negative_ttl" validate:"gte=0"`
	ClassifyTimeout time.Duration `koanf:"classify_timeout" validate:"gte=0"`
}

type ClassifierConfig struct {
	Provider    string `koanf:"provider" validate:"oneof=nim gemini"`
	APIKey      string `koanf:"api_key" validate:"required_if=Provider nim"`
	URL         string `koanf:"url" validate:"omitempty,url"`
	Model       string `koanf:"model"`
	MaxAttempts int    `koanf:"max_attempts" validate:"gte=1,lte=10"`

	GeminiAPIKey string `koanf:"gemini_api_key" validate:"required_if=Provider gemini"`
	GeminiModel  string `koanf:"gemini_model"`
}

type TelegramConfig struct {
	BotToken    string `koanf:"bot_token" validate:"required"`
	ChannelID   string `koanf:"channel_id" validate:"required"`
	APIEndpoint string `koanf:"api_endpoint"`
	// StartupPing sends the test message when serve starts; failure is logged only.
	StartupPing bool `koanf:"startup_ping"`
}

// DatabaseConfig enables the durable verdict store when URL is set.
type DatabaseConfig struct {
	URL    string        `koanf:"url"`
	MaxAge time.Duration `koanf:"max_age" validate:"gte=0"` // 0 = verdicts never go stale
}

// ArchiveConfig enables evidence upload when Endpoint is set.
type ArchiveConfig struct {
	Endpoint        string `koanf:"endpoint"`
	AccessKeyID     string `koanf:"access_key_id" validate:"required_with=Endpoint"`
	SecretAccessKey string `koanf:"secret_access_key" validate:"required_with=Endpoint"`
	Bucket          string `koanf:"bucket" validate:"required_with=Endpoint"`
	UseSSL          bool   `koanf:"use_ssl"`
	Prefix          string `koanf:"prefix"`
	Region          string `koanf:"region"`
}

type LogConfig struct {
	Level  string `koanf:"level" validate:"omitempty,oneof=trace debug info warn warning error disabled"`
	Format string `koanf:"format" validate:"omitempty,oneof=json console"`
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:              "8000",
			MaxUploadBytes:    DefaultMaxUploadBytes,
			RateLimitRequests: 60,
			RateLimitWindow:   time.Minute,
			ShutdownTimeout:   10 * time.Second,
		},
		Cache: CacheConfig{
			MaxSize:         100,
			TTL:             10 * time.Minute,
			NegativeTTL:     10 * time.Minute,
			ClassifyTimeout: 90 * time.Second,
		},
		Classifier: ClassifierConfig{
			Provider:    "nim",
			URL:         "https://ai.api.nvidia.com/v1/gr/meta/llama-3.2-90b-vision-instruct/chat/completions",
			Model:       "meta/llama-3.2-90b-vision-instruct",
			MaxAttempts: 3,
			GeminiModel: "gemini-2.5-flash",
		},
		Telegram: TelegramConfig{
			StartupPing: true,
		},
		Archive: ArchiveConfig{
			UseSSL: true,
			Prefix: "alerts",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load layers defaults, an optional YAML file and the environment.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	// API_KEY -> classifier.api_key, CACHE_TTL -> cache.ttl, ...
	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func findConfigFile() string {
	if p := os.Getenv(ConfigPathEnvVar); p != "" {
		return p
	}
	for _, p := range []string{"config.yaml", "config.yml"} {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

var validate = validator.New()

func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			f := verrs[0]
			return fmt.Errorf("config: %s failed %q check (%d problem(s))", f.Namespace(), f.Tag(), len(verrs))
		}
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// ArchiveEnabled reports whether dangerous images are uploaded to S3.
func (c *Config) ArchiveEnabled() bool { return c.Archive.Endpoint != "" }

// StoreEnabled reports whether verdicts are persisted in Postgres.
func (c *Config) StoreEnabled() bool { return c.Database.URL != "" }
