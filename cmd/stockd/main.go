package main

import (
	"context"
	"errors"
	"log"
	"os/signal"
	"syscall"

	"stockstream/config"
	"stockstream/internal/core"
	"stockstream/internal/logger"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("[stockd] starting...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("[stockd] config: %v", err)
	}

	logger.Init("stockd", logger.ParseLevel(cfg.LogLevel))

	c, err := core.New(cfg)
	if err != nil {
		log.Fatalf("[stockd] init: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := c.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("[stockd] exited: %v", err)
	}
	log.Println("[stockd] bye")
}
