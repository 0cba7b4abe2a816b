// Package cli implements the Watchtower command-line interface using
// Cobra, grounded on cmd/moat/cli/root.go's rootCmd/PersistentPreRunE
// pattern: persistent flags resolved once, debug logging initialized
// from the global config before any subcommand runs.
package cli

import (
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/watchtower-proxy/watchtower/internal/config"
	"github.com/watchtower-proxy/watchtower/internal/log"
)

var (
	verbose bool
	jsonOut bool
)

var rootCmd = &cobra.Command{
	Use:   "watchtower",
	Short: "Watchtower - a developer-workstation HTTP/HTTPS interception proxy",
	Long: `Watchtower intercepts and inspects HTTP/HTTPS traffic from the local
workstation: route domains to local services, mock responses, and log
requests passing through a MITM-terminated CONNECT tunnel.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		globalCfg, _ := config.LoadGlobal()
		debugDir := filepath.Join(config.GlobalConfigDir(), "debug")

		if err := log.Init(log.Options{
			Verbose:       verbose,
			JSONFormat:    jsonOut,
			DebugDir:      debugDir,
			RetentionDays: globalCfg.Debug.RetentionDays,
		}); err != nil {
			cmd.PrintErrf("Warning: failed to initialize debug logging: %v\n", err)
		}
		return nil
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "output in JSON format")
}
