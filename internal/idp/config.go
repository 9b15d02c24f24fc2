package idp

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config describes the provider engine configuration.
type Config struct {
	Issuer                 string
	SecretKey              string
	Clients                []Client
	SupportedScopes        []string
	AccessTokenTTL         time.Duration
	RefreshTokenTTL        time.Duration
	AuthorizationCodeTTL   time.Duration
	VerificationCodeTTL    time.Duration
	VerificationCodeLength int
}

// Client represents a registered relying party.
type Client struct {
	ID                      string   `json:"client_id"`
	Secret                  string   `json:"client_secret,omitempty"`
	RedirectURIs            []string `json:"redirect_uris"`
	Name                    string   `json:"client_name,omitempty"`
	Scopes                  []string `json:"scopes,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method,omitempty"`
}

// idpEnv holds raw env values for provider configuration.
type idpEnv struct {
	Issuer                 string        `env:"CHATIDP_ISSUER"`
	SecretKey              string        `env:"CHATIDP_SECRET_KEY"`
	ClientsJSON            string        `env:"CHATIDP_IDP_CLIENTS"`
	SupportedScopes        []string      `env:"CHATIDP_SUPPORTED_SCOPES"          envSeparator:","`
	AccessTokenTTL         time.Duration `env:"CHATIDP_ACCESS_TOKEN_TTL"          envDefault:"1h"`
	RefreshTokenTTL        time.Duration `env:"CHATIDP_REFRESH_TOKEN_TTL"         envDefault:"720h"`
	AuthorizationCodeTTL   time.Duration `env:"CHATIDP_CODE_TTL"                  envDefault:"5m"`
	VerificationCodeTTL    time.Duration `env:"CHATIDP_VERIFICATION_CODE_TTL"     envDefault:"5m"`
	VerificationCodeLength int           `env:"CHATIDP_VERIFICATION_CODE_LENGTH"  envDefault:"6"`
}

// LoadConfigFromEnv loads provider configuration from environment variables.
func LoadConfigFromEnv() Config {
	var raw idpEnv
	if err := env.Parse(&raw); err != nil {
		return Config{
			AccessTokenTTL:         time.Hour,
			RefreshTokenTTL:        720 * time.Hour,
			AuthorizationCodeTTL:   5 * time.Minute,
			VerificationCodeTTL:    5 * time.Minute,
			VerificationCodeLength: 6,
		}
	}

	var clients []Client
	if raw.ClientsJSON != "" {
		if err := json.Unmarshal([]byte(raw.ClientsJSON), &clients); err != nil {
			clients = nil
		}
	}

	scopes := trimCSV(raw.SupportedScopes)
	if len(scopes) == 0 {
		scopes = []string{"openid", "profile", "email"}
	}

	return Config{
		Issuer:                 raw.Issuer,
		SecretKey:              raw.SecretKey,
		Clients:                clients,
		SupportedScopes:        scopes,
		AccessTokenTTL:         raw.AccessTokenTTL,
		RefreshTokenTTL:        raw.RefreshTokenTTL,
		AuthorizationCodeTTL:   raw.AuthorizationCodeTTL,
		VerificationCodeTTL:    raw.VerificationCodeTTL,
		VerificationCodeLength: raw.VerificationCodeLength,
	}
}

// trimCSV removes empty entries from a string slice.
func trimCSV(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	result := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v != "" {
			result = append(result, v)
		}
	}
	if len(result) == 0 {
		return nil
	}
	return result
}
