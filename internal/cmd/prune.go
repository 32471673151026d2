package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/manpreetbhatti/arena/internal/db"
	"github.com/manpreetbhatti/arena/internal/logging"
	"github.com/manpreetbhatti/arena/internal/retention"
)

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Apply the archive retention limits once and exit",
	RunE:  runPrune,
}

var pruneDryRun bool

func init() {
	pruneCmd.Flags().BoolVar(&pruneDryRun, "dry-run", false, "Report what would be removed without deleting anything")
	rootCmd.AddCommand(pruneCmd)
}

func runPrune(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if !cfg.Archive.Enabled {
		return errors.New("archive is disabled")
	}

	database, err := db.New(cfg.Archive.Path)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer database.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	svc := retention.New(database, retention.Config{
		MaxAge:     cfg.Archive.MaxAge(),
		MaxDebates: cfg.Archive.MaxDebates,
	}, logging.NopLogger())

	plan, err := svc.Plan(ctx)
	if err != nil {
		return fmt.Errorf("failed to plan prune: %w", err)
	}
	if pruneDryRun {
		fmt.Fprintf(cmd.OutOrStdout(),
			"Would remove %d of %d archived debates (%d older than %d days, %d beyond the newest %d)\n",
			plan.Removed(), plan.Total, plan.ByAge, cfg.Archive.RetentionDays, plan.ByCount, cfg.Archive.MaxDebates)
		return nil
	}

	removed, err := svc.PruneNow(ctx)
	if err != nil {
		return fmt.Errorf("prune failed: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Removed %d of %d archived debates\n", removed, plan.Total)
	return nil
}
