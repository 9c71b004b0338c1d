package config

import (
	"errors"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// envOverrides are secrets and knobs that win over the file.
type envOverrides struct {
	CertPassword  string `env:"PUSHGATE_CERT_PASSWORD"`
	TelegramToken string `env:"PUSHGATE_TELEGRAM_TOKEN"`
	RedisURL      string `env:"PUSHGATE_REDIS_URL"`
	LogLevel      string `env:"PUSHGATE_LOG_LEVEL"`
}

var ErrParsingEnv = errors.New("config: parsing environment")

// LoadDotEnv loads files (default ".env") into the process environment
// without overwriting variables that are already set. Missing files are
// not an error.
func LoadDotEnv(files ...string) {
	// Ignore errors - the .env file might not exist and that's ok
	_ = godotenv.Load(files...)
}

// ApplyEnv overlays PUSHGATE_* variables on cfg.
func ApplyEnv(cfg *Config) error {
	var o envOverrides
	if err := env.Parse(&o); err != nil {
		return errors.Join(ErrParsingEnv, err)
	}
	applyOverrides(cfg, o)
	return nil
}

func applyOverrides(cfg *Config, o envOverrides) {
	if s := strings.TrimSpace(o.CertPassword); s != "" {
		cfg.APNs.CertPassword = s
	}
	if s := strings.TrimSpace(o.TelegramToken); s != "" {
		cfg.Alert.Token = s
	}
	if s := strings.TrimSpace(o.RedisURL); s != "" {
		cfg.Storage.RedisURL = s
	}
	if s := strings.TrimSpace(o.LogLevel); s != "" {
		cfg.Logging.Level = s
	}
}
