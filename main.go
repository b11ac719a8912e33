package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/speedrun-hq/speedrun-settler/pkg/config"
	"github.com/speedrun-hq/speedrun-settler/pkg/settler"
)

func main() {
	// Load configuration from environment variables
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Set up context with cancellation on SIGINT/SIGTERM
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	service, err := settler.NewService(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to create settler service: %v", err)
	}

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-signalCh
		log.Println("Received termination signal, shutting down gracefully...")
		cancel()
	}()

	log.Println("Starting the settler service...")
	if err := service.Start(ctx); err != nil {
		log.Fatalf("Settler service stopped: %v", err)
	}
}
