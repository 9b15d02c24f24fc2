// Package upstream implements the OAuth client side against the
// organization's SSO provider. The service delegates all credential checks
// upstream and only records which upstream subject a chat identity maps to.
package upstream

import (
	"strings"
	"time"

	"github.com/louisbranch/chatidp/internal/platform/config"
	"github.com/louisbranch/chatidp/internal/platform/timeouts"
)

// Config holds the upstream SSO provider settings.
type Config struct {
	// Issuer is the upstream provider base URL. When set and the explicit
	// endpoint URLs are empty, endpoints are resolved via OIDC discovery.
	Issuer string

	ClientID     string
	ClientSecret string

	// RedirectURL is this service's /callback URL as registered upstream.
	RedirectURL string

	// AuthURL, TokenURL and UserinfoURL override discovery when set.
	AuthURL     string
	TokenURL    string
	UserinfoURL string

	// Scopes requested from the upstream provider.
	Scopes []string

	// StoredFields are extra userinfo claims copied into the binding record.
	StoredFields []string

	// Timeout bounds each upstream HTTP call.
	Timeout time.Duration
}

type upstreamEnv struct {
	Issuer       string `env:"CHATIDP_UPSTREAM_ISSUER"`
	ClientID     string `env:"CHATIDP_UPSTREAM_CLIENT_ID"`
	ClientSecret string `env:"CHATIDP_UPSTREAM_CLIENT_SECRET"`
	RedirectURL  string `env:"CHATIDP_UPSTREAM_REDIRECT_URL"`
	AuthURL      string `env:"CHATIDP_UPSTREAM_AUTH_URL"`
	TokenURL     string `env:"CHATIDP_UPSTREAM_TOKEN_URL"`
	UserinfoURL  string `env:"CHATIDP_UPSTREAM_USERINFO_URL"`
	Scopes       string `env:"CHATIDP_UPSTREAM_SCOPES" envDefault:"openid profile email"`
	StoredFields string `env:"CHATIDP_UPSTREAM_STORED_FIELDS"`
	Timeout      string `env:"CHATIDP_UPSTREAM_TIMEOUT" envDefault:"30s"`
}

// LoadConfigFromEnv loads the upstream configuration from environment
// variables, falling back to defaults when parsing fails.
func LoadConfigFromEnv() Config {
	settings := upstreamEnv{}
	if err := config.ParseEnv(&settings); err != nil {
		settings = upstreamEnv{Scopes: "openid profile email", Timeout: "30s"}
	}

	timeout := timeouts.Upstream
	if parsed, err := time.ParseDuration(settings.Timeout); err == nil && parsed > 0 {
		timeout = parsed
	}

	return Config{
		Issuer:       strings.TrimSpace(settings.Issuer),
		ClientID:     settings.ClientID,
		ClientSecret: settings.ClientSecret,
		RedirectURL:  settings.RedirectURL,
		AuthURL:      settings.AuthURL,
		TokenURL:     settings.TokenURL,
		UserinfoURL:  settings.UserinfoURL,
		Scopes:       strings.Fields(settings.Scopes),
		StoredFields: trimCSV(settings.StoredFields),
		Timeout:      timeout,
	}
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
