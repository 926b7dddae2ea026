// Package main is the entry point for the aggregating MCP gateway (vmcpgw).
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/stacklok/vmcpgw/cmd/vmcpgw/app"
	"github.com/stacklok/vmcpgw/internal/gwlog"
)

func main() {
	gwlog.Initialize()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	defer cancel()

	if err := app.NewRootCmd().ExecuteContext(ctx); err != nil {
		gwlog.Errorf("Error executing command: %v", err)
		os.Exit(1)
	}
}
