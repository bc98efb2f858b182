// Package main is the entry point for the authenticating delegation broker
// daemon.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/stacklok/authbroker/pkg/logging"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	defer cancel()

	if err := run(ctx); err != nil {
		logging.Errorf("brokerd: %v", err)
		os.Exit(1)
	}
}
