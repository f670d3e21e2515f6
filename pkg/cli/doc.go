// Package cli provides shared utilities for the companion command-line
// tool.
//
// This package includes:
//   - Contexts: named pairs of service config file and default persona/user
//   - Output formatting (JSON, YAML, table)
//   - Chat scripts loaded from YAML or JSON files
//   - Terminal styles for chat transcripts
//
// CLI state is stored in ~/.companion/, supporting multiple contexts
// similar to kubectl.
//
// Example usage:
//
//	cfg, err := cli.LoadConfig("")
//	ctx, err := cfg.ResolveContext(flagContext)
//
//	cli.Output(state, cli.OutputOptions{Format: cli.FormatJSON})
package cli
