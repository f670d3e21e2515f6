// Package main is the entry point for the companion CLI.
//
// Usage:
//
//	companion [flags] <command> [subcommand] [args]
//
// Commands:
//
//	context       - CLI contexts (service config, default persona and user)
//	chat          - Talk to a persona (interactive or scripted)
//	memory        - Inspect and edit a pair's memories
//	relationship  - Show relationship state, set nicknames
//	persona       - List and show personas
//	trigger       - List trigger rules, evaluate them for a pair
//	version       - Show version information
package main

import (
	"fmt"
	"os"

	"github.com/haivivi/companion/cmd/companion/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
