package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/haivivi/companion/cmd/companion/internal/build"
	"github.com/haivivi/companion/pkg/cli"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		if formatOutput == string(cli.FormatJSON) || formatOutput == string(cli.FormatYAML) {
			return output(build.Get())
		}
		fmt.Println(build.String())
		if IsVerbose() {
			info := build.Get()
			fmt.Printf("  go:     %s\n", info.Go)
			if cfg, err := loadCLIConfig(); err == nil {
				fmt.Printf("  config: %s\n", cfg.Path())
			} else {
				fmt.Printf("  config: (unavailable: %v)\n", err)
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
