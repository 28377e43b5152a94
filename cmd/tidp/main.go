// Package main is the entry point for the transparent OIDC server (tidp).
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/AKlaus/transparent-oidc/cmd/tidp/app"
	"github.com/AKlaus/transparent-oidc/pkg/logger"
)

func main() {
	// Create a context that will be canceled on signal
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := app.NewRootCmd().ExecuteContext(ctx); err != nil {
		logger.Errorf("Error executing command: %v", err)
		os.Exit(1)
	}
}
