// Package bridge maintains the WebSocket link to the chat platform bridge
// and translates between bridge frames and chat messages.
package bridge

import (
	"time"

	"github.com/louisbranch/chatidp/internal/platform/config"
	"github.com/louisbranch/chatidp/internal/platform/timeouts"
)

// Gateway connection modes.
const (
	// ModeConnect dials out to the bridge as a WebSocket client.
	ModeConnect = "connect"
	// ModeAccept exposes a WebSocket endpoint the bridge dials into.
	ModeAccept = "accept"
)

// Config holds the bridge connection settings.
type Config struct {
	// Mode selects whether the gateway dials the bridge or accepts a
	// connection from it.
	Mode string

	// URL is the bridge WebSocket URL in connect mode.
	URL string

	// Token authenticates the link in either mode via a Bearer header.
	Token string

	// HeartbeatTimeout is how long the link may stay silent before the
	// connection is considered dead.
	HeartbeatTimeout time.Duration

	// ReconnectMin and ReconnectMax bound the dial backoff in connect mode.
	ReconnectMin time.Duration
	ReconnectMax time.Duration

	// ReplyTimeout bounds how long Send waits for the bridge to ack.
	ReplyTimeout time.Duration
}

type bridgeEnv struct {
	Mode             string `env:"CHATIDP_BRIDGE_MODE" envDefault:"connect"`
	URL              string `env:"CHATIDP_BRIDGE_URL"`
	Token            string `env:"CHATIDP_BRIDGE_TOKEN"`
	HeartbeatTimeout string `env:"CHATIDP_BRIDGE_HEARTBEAT_TIMEOUT" envDefault:"95s"`
	ReconnectMin     string `env:"CHATIDP_BRIDGE_RECONNECT_MIN" envDefault:"5s"`
	ReconnectMax     string `env:"CHATIDP_BRIDGE_RECONNECT_MAX" envDefault:"60s"`
}

// LoadConfigFromEnv loads bridge settings from environment variables,
// falling back to defaults when parsing fails.
func LoadConfigFromEnv() Config {
	settings := bridgeEnv{}
	if err := config.ParseEnv(&settings); err != nil {
		settings = bridgeEnv{Mode: ModeConnect, HeartbeatTimeout: "95s", ReconnectMin: "5s", ReconnectMax: "60s"}
	}

	cfg := Config{
		Mode:             settings.Mode,
		URL:              settings.URL,
		Token:            settings.Token,
		HeartbeatTimeout: parseDuration(settings.HeartbeatTimeout, 95*time.Second),
		ReconnectMin:     parseDuration(settings.ReconnectMin, 5*time.Second),
		ReconnectMax:     parseDuration(settings.ReconnectMax, 60*time.Second),
		ReplyTimeout:     timeouts.BridgeReply,
	}
	if cfg.Mode != ModeAccept {
		cfg.Mode = ModeConnect
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
