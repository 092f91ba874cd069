package main

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"rulepolicy/internal/store"
)

var runsLimit int

// runsCmd lists recorded training runs
var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List training runs recorded in the SQLite store",
	Args:  cobra.NoArgs,
	RunE:  listRuns,
}

var runsDeleteCmd = &cobra.Command{
	Use:   "delete [run-id]",
	Short: "Delete a recorded run",
	Args:  cobra.ExactArgs(1),
	RunE:  deleteRun,
}

func init() {
	runsCmd.Flags().IntVarP(&runsLimit, "limit", "n", 20, "Maximum number of runs to list (0 lists all)")
	runsCmd.AddCommand(runsDeleteCmd)
}

func openStore() (*store.RunStore, error) {
	if !cfg.IsStoreEnabled() {
		return nil, fmt.Errorf("the run store is disabled (store.enabled: false)")
	}
	return store.NewRunStore(cfg.Store.DatabasePath)
}

func listRuns(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	runs, err := s.ListRuns(ctx, runsLimit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), styles.Muted.Render("No training runs recorded in "+s.Path()))
		return nil
	}

	rows := [][]string{{"RUN", "CREATED", "RULES", "UNHAPPY", "FALLBACK", "SOURCE"}}
	for _, r := range runs {
		rows = append(rows, []string{
			r.ID,
			r.CreatedAt.Format(time.RFC3339),
			strconv.Itoa(r.RuleCount),
			strconv.Itoa(r.UnhappyCount),
			fmt.Sprintf("%s@%.2f", r.CoreFallbackActionName, r.CoreFallbackThreshold),
			r.Source,
		})
	}
	fmt.Fprint(cmd.OutOrStdout(), table(rows))
	return nil
}

func deleteRun(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.DeleteRun(ctx, args[0]); err != nil {
		if errors.Is(err, store.ErrNoRuns) {
			return fmt.Errorf("no run with id %s", args[0])
		}
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), styles.Success.Render("Deleted run "+args[0]))
	return nil
}
