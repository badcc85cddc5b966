// Command api runs the log platform: the ingestion pipeline, the tiered
// storage engine, the query front door, and the streaming subscription
// surface behind a single HTTP listener.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"heimdall-backend/internal/di"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	container, err := di.NewContainer(ctx)
	if err != nil {
		log.Fatalf("startup failed: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- container.Server.Start()
	}()

	select {
	case <-ctx.Done():
		container.Logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			container.Logger.Error("http server failed", zap.Error(err))
		}
	}

	if err := container.Shutdown(context.Background()); err != nil {
		container.Logger.Error("shutdown finished with errors", zap.Error(err))
		os.Exit(1)
	}
	container.Logger.Info("shutdown complete")
}
