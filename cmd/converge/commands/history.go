package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/converge/pkg/stores"
)

type historyOptions struct {
	limit int
	prune int
}

func newHistoryCommand(a *app) *cobra.Command {
	var opts historyOptions

	cmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "Show recorded runs",
		Long: `List recorded runs, newest first, or show the results of one run.

A run can be selected by any unique prefix of its ID.`,
		Example: `  # List the last 20 runs
  converge history

  # Show one run
  converge history 3f2a9c1e

  # Keep only the 100 most recent runs
  converge history --prune 100`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := ""
			if len(args) == 1 {
				id = args[0]
			}
			return a.runHistory(cmd.Context(), id, &opts)
		},
	}

	cmd.Flags().IntVarP(&opts.limit, "limit", "n", 20, "number of runs to list")
	cmd.Flags().IntVar(&opts.prune, "prune", 0, "delete all but the N most recent runs")

	return cmd
}

func (a *app) runHistory(ctx context.Context, id string, opts *historyOptions) error {
	store, err := stores.Open(ctx, a.settings.DatabasePath())
	if err != nil {
		return fmt.Errorf("failed to open run history: %w", err)
	}
	defer store.Close()

	if opts.prune > 0 {
		deleted, err := store.PruneRuns(ctx, opts.prune)
		if err != nil {
			return err
		}
		log.Info().Int64("deleted", deleted).Int("kept", opts.prune).Msg("pruned run history")
		return nil
	}

	if id != "" {
		run, err := store.GetRun(ctx, id)
		if errors.Is(err, stores.ErrNotFound) {
			return invalid(err)
		}
		if err != nil {
			return err
		}
		results, err := store.ListResults(ctx, run.ID)
		if err != nil {
			return err
		}
		return printRunDetail(a.out, a.opts.jsonOutput, run, results)
	}

	runs, err := store.ListRuns(ctx, opts.limit, 0)
	if err != nil {
		return err
	}
	return printRuns(a.out, a.opts.jsonOutput, runs)
}
