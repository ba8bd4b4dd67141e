// Package main is the entry point for the embedctl command line.
package main

import (
	"os"

	"github.com/histo-embed/server/internal/cli/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
