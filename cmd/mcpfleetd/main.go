// Package main is the entry point for the mcpfleet daemon.
package main

import (
	"os"

	"github.com/mcpfleet/mcpfleet/cmd/mcpfleetd/app"
	"github.com/mcpfleet/mcpfleet/pkg/logger"
)

func main() {
	logger.Initialize()

	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
