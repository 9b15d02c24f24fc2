// Package bot dispatches chat commands that drive identity binding and
// sign-in approval.
package bot

import (
	"strings"
	"time"

	"github.com/louisbranch/chatidp/internal/platform/config"
)

// Config holds the command dispatcher settings.
type Config struct {
	// Prefix is the command word the bot answers to.
	Prefix string

	// AllowedGroups restricts which chat groups the bot serves. Empty means
	// every group.
	AllowedGroups []string

	// AdminUsers may use the bot from any group regardless of AllowedGroups.
	AdminUsers []string

	// Workers is the number of command workers. Commands from one user
	// always land on the same worker, so per-user order is preserved.
	Workers int

	// QueueSize is the per-worker queue capacity.
	QueueSize int

	// BindTTL is how long a started bind may wait for the upstream login.
	BindTTL time.Duration

	// UnbindTTL is how long an unbind waits for its confirmation.
	UnbindTTL time.Duration
}

type botEnv struct {
	Prefix        string `env:"CHATIDP_BOT_PREFIX" envDefault:"/sso"`
	AllowedGroups string `env:"CHATIDP_BOT_ALLOWED_GROUPS"`
	AdminUsers    string `env:"CHATIDP_BOT_ADMIN_USERS"`
	Workers       int    `env:"CHATIDP_BOT_WORKERS" envDefault:"4"`
	QueueSize     int    `env:"CHATIDP_BOT_QUEUE_SIZE" envDefault:"64"`
	BindTTL       string `env:"CHATIDP_BIND_TTL" envDefault:"10m"`
	UnbindTTL     string `env:"CHATIDP_UNBIND_TTL" envDefault:"2m"`
}

// LoadConfigFromEnv loads dispatcher settings from environment variables,
// falling back to defaults when parsing fails.
func LoadConfigFromEnv() Config {
	settings := botEnv{}
	if err := config.ParseEnv(&settings); err != nil {
		settings = botEnv{Prefix: "/sso", Workers: 4, QueueSize: 64, BindTTL: "10m", UnbindTTL: "2m"}
	}

	cfg := Config{
		Prefix:        settings.Prefix,
		AllowedGroups: trimCSV(settings.AllowedGroups),
		AdminUsers:    trimCSV(settings.AdminUsers),
		Workers:       settings.Workers,
		QueueSize:     settings.QueueSize,
		BindTTL:       parseDuration(settings.BindTTL, 10*time.Minute),
		UnbindTTL:     parseDuration(settings.UnbindTTL, 2*time.Minute),
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "/sso"
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	return cfg
}

func parseDuration(value string, fallback time.Duration) time.Duration {
	parsed, err := time.ParseDuration(value)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func trimCSV(value string) []string {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			values = append(values, trimmed)
		}
	}
	return values
}
