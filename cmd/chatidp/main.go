package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	chatidpcmd "github.com/louisbranch/chatidp/internal/cmd/chatidp"
)

func main() {
	cfg, err := chatidpcmd.ParseConfig(flag.CommandLine, os.Args[1:], func(key string) (string, bool) {
		value, ok := os.LookupEnv(key)
		return value, ok
	})
	if err != nil {
		log.Fatalf("parse flags: %v", err)
	}
	log.SetPrefix("[CHATIDP] ")
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := chatidpcmd.Run(ctx, cfg); err != nil {
		log.Fatalf("failed to serve: %v", err)
	}
}
