// Package chatidp wires the chat identity provider service together.
package chatidp

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/louisbranch/chatidp/internal/bot"
	"github.com/louisbranch/chatidp/internal/bridge"
	"github.com/louisbranch/chatidp/internal/idp"
	"github.com/louisbranch/chatidp/internal/pending"
	"github.com/louisbranch/chatidp/internal/platform/otel"
	"github.com/louisbranch/chatidp/internal/platform/timeouts"
	"github.com/louisbranch/chatidp/internal/ratelimit"
	"github.com/louisbranch/chatidp/internal/storage/sqlite"
	"github.com/louisbranch/chatidp/internal/upstream"
)

// Config holds chatidp command configuration.
type Config struct {
	HTTPAddr string
	DBPath   string
}

// EnvLookup returns the value for a key when present.
type EnvLookup func(string) (string, bool)

// ParseConfig parses flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string, lookup EnvLookup) (Config, error) {
	cfg := Config{
		HTTPAddr: envOrDefault(lookup, "CHATIDP_HTTP_ADDR", ":8080"),
		DBPath:   envOrDefault(lookup, "CHATIDP_DB_PATH", filepath.Join("data", "chatidp.db")),
	}

	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "The HTTP server address")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "Path to the sqlite database file")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the service and blocks until the context ends.
func Run(ctx context.Context, cfg Config) error {
	shutdownTracer, err := otel.Setup(ctx, "chatidp")
	if err != nil {
		return fmt.Errorf("setup otel: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeouts.Shutdown)
		defer cancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
			log.Printf("shutdown otel: %v", err)
		}
	}()

	store, err := openStore(cfg.DBPath)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Printf("close store: %v", err)
		}
	}()

	serverCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	idpConfig := idp.LoadConfigFromEnv()
	if strings.TrimSpace(idpConfig.Issuer) == "" {
		idpConfig.Issuer = defaultIssuer(cfg.HTTPAddr)
	}

	pendingStore := pending.NewStore(idpConfig.VerificationCodeLength)
	pendingStore.StartSweep(serverCtx, time.Minute)

	limiter := ratelimit.New(ratelimit.DefaultRules())
	limiter.StartCleanup(serverCtx, time.Minute)

	upstreamClient := upstream.NewClient(upstream.LoadConfigFromEnv())
	bridgeConfig := bridge.LoadConfigFromEnv()

	// The gateway delivers inbound messages to the dispatcher and the
	// dispatcher replies through the gateway, so one side is wired through a
	// closure.
	var dispatcher *bot.Dispatcher
	gateway := bridge.NewGateway(bridgeConfig, func(message bridge.Message) {
		dispatcher.Enqueue(message)
	})

	notify := func(ctx context.Context, bind pending.BindRequest, text string) {
		if !bind.Private {
			text = fmt.Sprintf("[CQ:at,qq=%s] %s", bind.ChatUserID, text)
		}
		target := bridge.Target{GroupID: bind.GroupID, UserID: bind.ChatUserID, Private: bind.Private}
		if err := gateway.Send(ctx, target, text); err != nil {
			log.Printf("notify user %s: %v", bind.ChatUserID, err)
		}
	}

	idpServer := idp.NewServer(idpConfig, store, pendingStore, limiter, upstreamClient, notify)
	idpServer.StartCleanup(serverCtx, 5*time.Minute)

	dispatcher = bot.NewDispatcher(bot.LoadConfigFromEnv(), store, pendingStore, limiter, idpServer, upstreamClient, gateway)
	dispatcher.Start(serverCtx)

	mux := http.NewServeMux()
	idpServer.RegisterRoutes(mux)
	if bridgeConfig.Mode == bridge.ModeAccept {
		mux.Handle("/bridge", gateway.Handler())
	} else {
		go func() {
			if err := gateway.Run(serverCtx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("bridge gateway stopped: %v", err)
			}
		}()
	}

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: timeouts.ReadHeader,
	}

	log.Printf("chatidp listening at %s (issuer %s)", cfg.HTTPAddr, idpConfig.Issuer)
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), timeouts.Shutdown)
		defer cancelShutdown()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown HTTP server: %w", err)
		}
		<-serveErr
		return nil
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve HTTP: %w", err)
	}
}

func openStore(path string) (*sqlite.Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}
	store, err := sqlite.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	return store, nil
}

// defaultIssuer derives an issuer URL from the listen address when none is
// configured, which keeps local runs working without setup.
func defaultIssuer(httpAddr string) string {
	addr := strings.TrimSpace(httpAddr)
	if addr == "" {
		return "http://localhost:8080"
	}
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimRight(addr, "/")
	}
	if strings.HasPrefix(addr, ":") {
		return "http://localhost" + addr
	}
	return "http://" + addr
}

func envOrDefault(lookup EnvLookup, key, fallback string) string {
	if lookup != nil {
		if value, ok := lookup(key); ok {
			if trimmed := strings.TrimSpace(value); trimmed != "" {
				return trimmed
			}
		}
	}
	return fallback
}
