package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/dfryer1193/flowbeacon/api"
	"github.com/dfryer1193/flowbeacon/internal/data/migrations"
	_ "github.com/dfryer1193/flowbeacon/internal/data/migrations/common"
	"github.com/dfryer1193/flowbeacon/internal/data/utils"
	"github.com/dfryer1193/flowbeacon/internal/rest/managers"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply, revert or inspect schema migrations",
	Long: `Manage the schema migrations of the configured database (DB_TYPE).

Examples:
  flowbeacon migrate up
  flowbeacon migrate down
  flowbeacon migrate status
`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply every pending migration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := openManager(cmd.Context())
		if err != nil {
			return err
		}
		defer mgr.Close()

		applied, err := mgr.ApplyPending(cmd.Context())
		for _, name := range applied {
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", color.GreenString("%-8s", "applied"), name)
		}
		if err != nil {
			return err
		}
		if len(applied) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "nothing to apply")
		}
		return nil
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Revert the most recently applied migration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := openManager(cmd.Context())
		if err != nil {
			return err
		}
		defer mgr.Close()

		name, err := mgr.RevertLast(cmd.Context())
		if errors.Is(err, migrations.ErrNothingToRevert) {
			fmt.Fprintln(cmd.OutOrStdout(), "nothing to revert")
			return nil
		}
		if err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", color.YellowString("reverted"), name)
		return nil
	},
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "List registered migrations and whether they are applied",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := openManager(cmd.Context())
		if err != nil {
			return err
		}
		defer mgr.Close()

		status, err := mgr.GetStatus(cmd.Context())
		if err != nil {
			return err
		}

		printStatus(cmd.OutOrStdout(), status)
		return nil
	},
}

func init() {
	migrateCmd.AddCommand(migrateUpCmd, migrateDownCmd, migrateStatusCmd)
	rootCmd.AddCommand(migrateCmd)
}

func openManager(ctx context.Context) (*managers.MigrationManager, error) {
	db, builder, err := utils.Open(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	return managers.NewMigrationManager(db, builder), nil
}

func printStatus(w io.Writer, list *api.MigrationStatusList) {
	bold := color.New(color.Bold)
	bold.Fprintf(w, "%-8s  %-24s  %s\n", "STATE", "APPLIED AT", "NAME")

	for _, m := range list.Migrations {
		state := color.YellowString("%-8s", "pending")
		appliedAt := "-"
		if m.Applied {
			state = color.GreenString("%-8s", "applied")
			if m.AppliedAt != nil {
				appliedAt = m.AppliedAt.UTC().Format("2006-01-02T15:04:05Z")
			}
		}
		fmt.Fprintf(w, "%s  %-24s  %s\n", state, appliedAt, m.Name)
	}
}
