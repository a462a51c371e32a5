package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/dfryer1193/flowbeacon/internal/config"
	"github.com/spf13/cobra"
)

var (
	buildVersion = "dev"

	envFile string
	cfg     *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "flowbeacon",
	Short: "Analytics beacon proxy and schema migrations for the workflow platform",
	Long: `flowbeacon serves the public analytics proxy routes and manages the
database migrations of the workflow platform.

Examples:
	# Serve the REST routes, applying pending migrations first
	flowbeacon serve --migrate

	# Show which migrations have been applied
	flowbeacon migrate status

Configuration is read from the environment, optionally seeded from a .env file.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(envFile)
		if err != nil {
			return err
		}
		if err := config.ConfigureLogging(loaded.Log); err != nil {
			return err
		}
		cfg = loaded
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Path of an optional dotenv file")
}

func SetVersion(version string) {
	if version != "" {
		buildVersion = version
	}
	rootCmd.Version = buildVersion
}

func Execute() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
