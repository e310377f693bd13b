// Package config loads the coach's configuration from environment
// variables. Parsing is lenient for optional values (bad input falls back
// to the default) and strict for required ones.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/saveup/coach/internal/inference"
	"github.com/saveup/coach/internal/matrix"
	"github.com/saveup/coach/internal/quota"
	"github.com/saveup/coach/internal/schedule"
)

// Config is the full runtime configuration.
type Config struct {
	LogLevel  string
	LogFormat string

	DatabasePath string
	// ContentPackFile optionally overrides the embedded content pack.
	ContentPackFile string
	// HTTPAddr is the health/metrics listen address.
	HTTPAddr string

	Matrix    matrix.Config
	Inference inference.Config
	Quota     quota.Config

	OptInEnabled       bool
	MaxReplyCharacters int

	// TipSchedule and DigestSchedule are 5-field cron expressions in
	// local time.
	TipSchedule    string
	DigestSchedule string
}

// Load reads the configuration from the environment. It returns an error
// when a required variable is missing or a cron expression is invalid.
func Load() (*Config, error) {
	cfg := &Config{
		LogLevel:  stringOr("LOG_LEVEL", "info"),
		LogFormat: stringOr("LOG_FORMAT", "text"),

		DatabasePath:    stringOr("SAVEUP_DB_PATH", "/data/saveup.db"),
		ContentPackFile: os.Getenv("SAVEUP_CONTENT_FILE"),
		HTTPAddr:        stringOr("SAVEUP_HTTP_ADDR", ":8080"),

		Quota: quota.Config{
			MaxMessagesPerDay:      intOr("SAVEUP_MAX_MESSAGES_PER_DAY", quota.DefaultMaxMessagesPerDay),
			MaxCharactersPerDay:    intOr("SAVEUP_MAX_CHARS_PER_DAY", quota.DefaultMaxCharactersPerDay),
			MessageWarnThreshold:   intOr("SAVEUP_MESSAGE_WARN_THRESHOLD", quota.DefaultMessageWarnThreshold),
			CharacterWarnThreshold: intOr("SAVEUP_CHAR_WARN_THRESHOLD", quota.DefaultCharacterWarnThreshold),
			BlockDuration:          durationOr("SAVEUP_BLOCK_DURATION", quota.DefaultBlockDuration),
		},

		OptInEnabled:       boolOr("SAVEUP_OPTIN_ENABLED", true),
		MaxReplyCharacters: intOr("SAVEUP_MAX_REPLY_CHARS", 1000),

		TipSchedule:    stringOr("SAVEUP_TIP_CRON", "0 9 * * *"),
		DigestSchedule: stringOr("SAVEUP_DIGEST_CRON", "30 18 * * *"),
	}

	var err error
	if cfg.Matrix.Homeserver, err = requiredString("MATRIX_HOMESERVER"); err != nil {
		return nil, err
	}
	if cfg.Matrix.UserID, err = requiredString("MATRIX_USER_ID"); err != nil {
		return nil, err
	}
	if cfg.Matrix.AccessToken, err = requiredString("MATRIX_ACCESS_TOKEN"); err != nil {
		return nil, err
	}
	if cfg.Inference.APIKey, err = requiredString("OPENAI_API_KEY"); err != nil {
		return nil, err
	}
	cfg.Inference.BaseURL = os.Getenv("OPENAI_BASE_URL")
	cfg.Inference.Model = stringOr("OPENAI_MODEL", "gpt-4-turbo")
	cfg.Inference.AssistantID = os.Getenv("OPENAI_ASSISTANT_ID")
	cfg.Inference.RunWait = durationOr("OPENAI_RUN_WAIT", 0)

	// Catch bad cron expressions at startup instead of at job add time.
	if _, err := schedule.Parse(cfg.TipSchedule); err != nil {
		return nil, fmt.Errorf("SAVEUP_TIP_CRON: %w", err)
	}
	if _, err := schedule.Parse(cfg.DigestSchedule); err != nil {
		return nil, fmt.Errorf("SAVEUP_DIGEST_CRON: %w", err)
	}

	return cfg, nil
}

func requiredString(name string) (string, error) {
	v := os.Getenv(name)
	if v == "" {
		return "", fmt.Errorf("required environment variable %q is not set", name)
	}
	return v, nil
}

func stringOr(name, defaultValue string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return defaultValue
}

func intOr(name string, defaultValue int) int {
	v := os.Getenv(name)
	if v == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultValue
	}
	return n
}

func boolOr(name string, defaultValue bool) bool {
	v := os.Getenv(name)
	if v == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultValue
	}
	return b
}

func durationOr(name string, defaultValue time.Duration) time.Duration {
	v := os.Getenv(name)
	if v == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultValue
	}
	return d
}
