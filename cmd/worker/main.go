package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"heirloom/internal/app/bootstrap"
)

// Worker process entrypoint.
// Data flow:
// 1) Load config.
// 2) Build app wiring (memory or postgres stores, event bus, custody vault).
// 3) Run the release consumer, the ops server and the periodic jobs until
// SIGINT/SIGTERM.
func main() {
	log.Println("heirloom worker starting")
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.BuildWorker()
	if err != nil {
		log.Fatalf("bootstrap worker failed: %v", err)
	}
	defer func() {
		if err := app.Close(); err != nil {
			log.Printf("worker shutdown close failed: %v", err)
		}
	}()

	if err := app.Run(ctx); err != nil {
		log.Printf("heirloom worker stopped with error: %v", err)
	}
}
