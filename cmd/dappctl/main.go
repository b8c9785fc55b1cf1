// Package main: dappctl, a command line client that waits for transaction commitment, queries intent status and
// renders transaction manifests against the gateways of a dapp configuration.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	// an interrupt cancels a running wait, which then reports the cancelled outcome
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	err := newRootCommand().ExecuteContext(ctx)

	stop()

	if err != nil {
		os.Exit(1)
	}
}
