package commands

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/haivivi/companion/cmd/companion/internal/app"
	"github.com/haivivi/companion/pkg/cli"
	"github.com/haivivi/companion/pkg/config"
)

var (
	// Global flags
	verbose       bool
	formatOutput  string
	outputFile    string
	cliConfigPath string
	contextName   string
	serviceConfig string
	personaID     string
	userID        string
)

// testAppOverride replaces parts of the service wiring in tests.
var testAppOverride *app.Overrides

var rootCmd = &cobra.Command{
	Use:   "companion",
	Short: "AI companion conversational core",
	Long: `companion - talk to AI personas that remember, feel and grow closer.

A context binds a service config file (LLM providers, store, budget, ...) to
a default persona and user, so most commands need no extra flags.

The CLI state lives in ~/.companion/config.yaml.

Examples:
  # Create a context and chat
  companion context add dev --service-config companion.yaml --persona mika --user alice
  companion chat

  # Replay a scripted conversation
  companion chat --script turns.yaml

  # Inspect what the persona remembers
  companion memory list
  companion relationship show`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	pf.StringVar(&formatOutput, "format", "table", "output format: table, yaml, json")
	pf.StringVarP(&outputFile, "output", "o", "", "write output to file")
	pf.StringVar(&cliConfigPath, "config", "", "CLI config file (default ~/.companion/config.yaml)")
	pf.StringVarP(&contextName, "context", "c", "", "context to use (default current)")
	pf.StringVar(&serviceConfig, "service-config", "", "service config file, overrides the context")
	pf.StringVarP(&personaID, "persona", "p", "", "persona id, overrides the context")
	pf.StringVarP(&userID, "user", "u", "", "user id, overrides the context")
}

// IsVerbose returns whether verbose mode is enabled.
func IsVerbose() bool {
	return verbose
}

func loadCLIConfig() (*cli.Config, error) {
	return cli.LoadConfig(cliConfigPath)
}

// resolveContext returns the selected context with flag overrides applied.
func resolveContext() (*cli.Context, error) {
	cfg, err := loadCLIConfig()
	if err != nil {
		return nil, err
	}
	resolved, err := cfg.ResolveContext(contextName)
	if err != nil {
		if serviceConfig == "" || contextName != "" {
			return nil, err
		}
		resolved = &cli.Context{}
	}
	c := *resolved
	if serviceConfig != "" {
		c.ServiceConfig = serviceConfig
	}
	if personaID != "" {
		c.Persona = personaID
	}
	if userID != "" {
		c.User = userID
	}
	return &c, nil
}

func newLogger(level string) *slog.Logger {
	lvl := app.ParseLevel(level)
	if verbose {
		lvl = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// openApp loads the service config of the selected context and wires the
// services.
func openApp(cmd *cobra.Command) (*app.App, *cli.Context, error) {
	c, err := resolveContext()
	if err != nil {
		return nil, nil, err
	}
	if c.ServiceConfig == "" {
		return nil, nil, fmt.Errorf("context %q has no service config", c.Name)
	}
	cfg, err := config.Load(c.ServiceConfig)
	if err != nil {
		return nil, nil, err
	}
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	var ov app.Overrides
	if testAppOverride != nil {
		ov = *testAppOverride
	}
	a, err := app.New(cmd.Context(), cfg, ov, logger)
	if err != nil {
		return nil, nil, err
	}
	PrintVerbosef("service config %s, persona %q, user %q", c.ServiceConfig, c.Persona, c.User)
	return a, c, nil
}

var (
	errNoPersona = errors.New("no persona: use --persona or set one on the context")
	errNoUser    = errors.New("no user: use --user or set one on the context")
)

// pair returns the persona and user of c, failing if either is unset.
func pair(c *cli.Context) (string, string, error) {
	if c.Persona == "" {
		return "", "", errNoPersona
	}
	if c.User == "" {
		return "", "", errNoUser
	}
	return c.Persona, c.User, nil
}

// readInput reads a file, or stdin for "-".
func readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

func output(v any) error {
	return cli.Output(v, cli.OutputOptions{
		Format: cli.OutputFormat(formatOutput),
		File:   outputFile,
	})
}

// PrintVerbosef prints to stderr when --verbose is set.
func PrintVerbosef(format string, args ...any) {
	cli.PrintVerbose(verbose, format, args...)
}
