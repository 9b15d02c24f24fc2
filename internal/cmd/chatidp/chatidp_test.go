package chatidp

import (
	"context"
	"flag"
	"path/filepath"
	"testing"
	"time"
)

func TestParseConfigDefaults(t *testing.T) {
	fs := flag.NewFlagSet("chatidp", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, nil, nil)
	if err != nil {
		t.Fatalf("ParseConfig returned error: %v", err)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Fatalf("expected default http addr, got %q", cfg.HTTPAddr)
	}
	if cfg.DBPath != filepath.Join("data", "chatidp.db") {
		t.Fatalf("expected default db path, got %q", cfg.DBPath)
	}
}

func TestParseConfigEnvOverride(t *testing.T) {
	fs := flag.NewFlagSet("chatidp", flag.ContinueOnError)
	lookup := func(key string) (string, bool) {
		switch key {
		case "CHATIDP_HTTP_ADDR":
			return ":9090", true
		case "CHATIDP_DB_PATH":
			return "/tmp/test.db", true
		}
		return "", false
	}
	cfg, err := ParseConfig(fs, nil, lookup)
	if err != nil {
		t.Fatalf("ParseConfig returned error: %v", err)
	}
	if cfg.HTTPAddr != ":9090" || cfg.DBPath != "/tmp/test.db" {
		t.Fatalf("expected env overrides, got %+v", cfg)
	}
}

func TestParseConfigFlagsWinOverEnv(t *testing.T) {
	fs := flag.NewFlagSet("chatidp", flag.ContinueOnError)
	lookup := func(key string) (string, bool) {
		if key == "CHATIDP_HTTP_ADDR" {
			return ":9090", true
		}
		return "", false
	}
	cfg, err := ParseConfig(fs, []string{"-http-addr", ":7070"}, lookup)
	if err != nil {
		t.Fatalf("ParseConfig returned error: %v", err)
	}
	if cfg.HTTPAddr != ":7070" {
		t.Fatalf("expected flag to win, got %q", cfg.HTTPAddr)
	}
}

func TestRunShutsDownGracefully(t *testing.T) {
	t.Setenv("CHATIDP_BRIDGE_MODE", "accept")

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	cfg := Config{
		HTTPAddr: "127.0.0.1:0",
		DBPath:   filepath.Join(t.TempDir(), "chatidp.db"),
	}
	if err := Run(ctx, cfg); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
}

func TestDefaultIssuer(t *testing.T) {
	cases := []struct {
		addr string
		want string
	}{
		{"", "http://localhost:8080"},
		{":8080", "http://localhost:8080"},
		{"idp.example.com:8080", "http://idp.example.com:8080"},
		{"https://idp.example.com/", "https://idp.example.com"},
	}
	for _, tc := range cases {
		if got := defaultIssuer(tc.addr); got != tc.want {
			t.Fatalf("defaultIssuer(%q) = %q, want %q", tc.addr, got, tc.want)
		}
	}
}
