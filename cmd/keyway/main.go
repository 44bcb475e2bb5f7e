package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	keywaycmd "github.com/louisbranch/keyway/internal/cmd/keyway"
)

func main() {
	cfg, err := keywaycmd.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		log.Fatalf("parse flags: %v", err)
	}
	log.SetPrefix("[KEYWAY] ")
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := keywaycmd.Run(ctx, cfg); err != nil {
		log.Fatalf("failed to serve: %v", err)
	}
}
