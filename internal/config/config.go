package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	DBFile      string        `yaml:"db_file"`
	AdminAddr   string        `yaml:"admin_addr"`
	APIAddr     string        `yaml:"api_addr"`
	BaseURL     string        `yaml:"base_url"`
	StoragePath string        `yaml:"storage_path"`
	AuthSecret  string        `yaml:"auth_secret"`
	TokenExpiry time.Duration `yaml:"token_expiry"`
	LogLevel    string        `yaml:"log_level"`

	// Buckets lists the object storage buckets created on startup.
	Buckets []string `yaml:"buckets"`
	// PublicBuckets may be read without a signature.
	PublicBuckets     []string      `yaml:"public_buckets"`
	AttachmentsBucket string        `yaml:"attachments_bucket"`
	SignedURLTTL      time.Duration `yaml:"signed_url_ttl"`

	PresenceTTL time.Duration `yaml:"presence_ttl"`

	Push PushConfig `yaml:"push"`
}

type PushConfig struct {
	VAPIDPublicKey  string `yaml:"vapid_public_key"`
	VAPIDPrivateKey string `yaml:"vapid_private_key"`
	Subject         string `yaml:"subject"`
}

// Enabled reports whether web push notifications can be sent.
func (p PushConfig) Enabled() bool {
	return p.VAPIDPublicKey != "" && p.VAPIDPrivateKey != ""
}

func Defaults() Config {
	return Config{
		DBFile:            "offgrid.db",
		AdminAddr:         "localhost:8081",
		APIAddr:           ":8080",
		BaseURL:           "http://localhost:8080",
		StoragePath:       "storage",
		TokenExpiry:       24 * time.Hour,
		LogLevel:          "info",
		Buckets:           []string{"attachments", "avatars"},
		PublicBuckets:     []string{"avatars"},
		AttachmentsBucket: "attachments",
		SignedURLTTL:      time.Hour,
		PresenceTTL:       45 * time.Second,
	}
}

// Load builds the configuration from defaults, an optional YAML file and
// environment overrides, in that order. An empty path skips the file.
func Load(path string, cliMode bool) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, err
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(cliMode); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func applyEnv(cfg *Config) error {
	cfg.DBFile = getEnv("OFFGRID_DB", cfg.DBFile)
	cfg.AdminAddr = getEnv("ADMIN_ADDR", cfg.AdminAddr)
	cfg.APIAddr = getEnv("API_ADDR", cfg.APIAddr)
	cfg.BaseURL = getEnv("BASE_URL", cfg.BaseURL)
	cfg.StoragePath = getEnv("STORAGE_PATH", cfg.StoragePath)
	cfg.AuthSecret = getEnv("AUTH_SECRET", cfg.AuthSecret)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.AttachmentsBucket = getEnv("ATTACHMENTS_BUCKET", cfg.AttachmentsBucket)
	cfg.Push.VAPIDPublicKey = getEnv("VAPID_PUBLIC_KEY", cfg.Push.VAPIDPublicKey)
	cfg.Push.VAPIDPrivateKey = getEnv("VAPID_PRIVATE_KEY", cfg.Push.VAPIDPrivateKey)
	cfg.Push.Subject = getEnv("PUSH_SUBJECT", cfg.Push.Subject)

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"TOKEN_EXPIRY", &cfg.TokenExpiry},
		{"SIGNED_URL_TTL", &cfg.SignedURLTTL},
		{"PRESENCE_TTL", &cfg.PresenceTTL},
	}
	for _, d := range durations {
		v, ok := os.LookupEnv(d.key)
		if !ok {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", d.key, err)
		}
		*d.dst = parsed
	}

	if v, ok := os.LookupEnv("BUCKETS"); ok {
		cfg.Buckets = splitList(v)
	}

	return nil
}

func (c *Config) Validate(cliMode bool) error {
	if c.AuthSecret == "" && !cliMode {
		return fmt.Errorf("AUTH_SECRET is required")
	}

	if c.TokenExpiry <= 0 {
		return fmt.Errorf("TOKEN_EXPIRY must be greater than 0")
	}

	if c.SignedURLTTL <= 0 {
		return fmt.Errorf("SIGNED_URL_TTL must be greater than 0")
	}

	if c.PresenceTTL <= 0 {
		return fmt.Errorf("PRESENCE_TTL must be greater than 0")
	}

	found := false
	for _, b := range c.Buckets {
		if b == c.AttachmentsBucket {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("attachments bucket %q is not in the bucket list", c.AttachmentsBucket)
	}

	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
