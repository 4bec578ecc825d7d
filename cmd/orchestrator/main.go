package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	orchestratorcmd "github.com/emberfall/emberfall/internal/cmd/orchestrator"
)

func main() {
	cfg, err := orchestratorcmd.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		log.Fatalf("parse flags: %v", err)
	}
	log.SetPrefix("[ORCHESTRATOR] ")
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := orchestratorcmd.Run(ctx, cfg); err != nil {
		log.Fatalf("failed to serve: %v", err)
	}
}
