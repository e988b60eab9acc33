package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/adhocore/gronx"
)

// Config holds all runtime settings for the bridge. Everything is resolved
// from the environment once at startup; there is no config file.
type Config struct {
	// TargetChatName is the exact name of the group chat in scope for relay.
	TargetChatName string

	// RedisURL is used for both the event stream and the confirmations channel.
	RedisURL             string
	StreamName           string
	ConfirmationsChannel string

	// APIToken is the shared secret for the control surface.
	APIToken string
	HTTPHost string
	HTTPPort int

	// StorePath is the sqlite database holding the WhatsApp device session.
	StorePath string

	// StartupNotice controls the one-time "bridge online" message sent into
	// the target chat after the first successful resolution.
	StartupNotice bool

	// RescanCron re-resolves the target chat on a schedule so a renamed chat
	// is picked up without waiting for a reconnect. Empty disables it.
	RescanCron string

	LogLevel string
}

func DefaultStorePath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".gastos-bridge", "whatsapp.db")
}

// Load resolves configuration from the environment. The target chat name is
// required; everything else has a default.
func Load() (*Config, error) {
	env := func(keys ...string) string {
		for _, key := range keys {
			if value := strings.TrimSpace(os.Getenv(key)); value != "" {
				return value
			}
		}
		return ""
	}

	cfg := &Config{
		TargetChatName:       env("GASTOS_TARGET_CHAT_NAME", "TARGET_CHAT_NAME"),
		RedisURL:             env("REDIS_URL"),
		StreamName:           env("GASTOS_STREAM_NAME"),
		ConfirmationsChannel: env("GASTOS_CONFIRMATIONS_CHANNEL"),
		APIToken:             env("GASTOS_API_TOKEN", "API_KEY"),
		HTTPHost:             env("GASTOS_HTTP_HOST"),
		StorePath:            env("GASTOS_STORE_PATH"),
		RescanCron:           env("GASTOS_RESCAN_CRON"),
		LogLevel:             env("GASTOS_LOG_LEVEL"),
	}

	if cfg.TargetChatName == "" {
		return nil, fmt.Errorf("GASTOS_TARGET_CHAT_NAME is required")
	}

	if cfg.RedisURL == "" {
		cfg.RedisURL = "redis://localhost:6379"
	}
	if cfg.StreamName == "" {
		cfg.StreamName = "gastos:msgs"
	}
	if cfg.ConfirmationsChannel == "" {
		cfg.ConfirmationsChannel = "gastos:confirmations"
	}
	if cfg.HTTPHost == "" {
		cfg.HTTPHost = "0.0.0.0"
	}
	if cfg.StorePath == "" {
		cfg.StorePath = DefaultStorePath()
	}
	if cfg.RescanCron == "" {
		cfg.RescanCron = "*/5 * * * *"
	}

	cfg.HTTPPort = 8081
	if raw := env("GASTOS_HTTP_PORT"); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid GASTOS_HTTP_PORT %q: %w", raw, err)
		}
		cfg.HTTPPort = port
	}

	cfg.StartupNotice = true
	if raw := env("GASTOS_STARTUP_NOTICE"); raw != "" {
		notice, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid GASTOS_STARTUP_NOTICE %q: %w", raw, err)
		}
		cfg.StartupNotice = notice
	}

	if cfg.RescanCron != "disabled" && !gronx.New().IsValid(cfg.RescanCron) {
		return nil, fmt.Errorf("invalid GASTOS_RESCAN_CRON %q", cfg.RescanCron)
	}
	if cfg.RescanCron == "disabled" {
		cfg.RescanCron = ""
	}

	if cfg.APIToken == "" {
		cfg.APIToken = loadOrCreateToken()
	}

	return cfg, nil
}
