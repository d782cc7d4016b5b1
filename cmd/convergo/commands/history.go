package commands

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/convergo/convergo/pkg/stores"
)

func newHistoryCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent reconciliation runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openHistory(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			records, err := store.ListRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "RUN ID\tPLAYBOOK\tSTATUS\tSTARTED\tDURATION\tOK\tCHANGED\tFAILED\tSKIPPED")
			for _, r := range records {
				status := r.Status
				if r.Cancelled {
					status += " (cancelled)"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%d\t%d\t%d\n",
					r.RunID, r.Playbook, status,
					r.StartedAt.Local().Format(time.RFC3339),
					r.Duration.Round(time.Millisecond),
					r.Summary.OK, r.Summary.Changed, r.Summary.Failed, r.Summary.Skipped)
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of runs to list")
	cmd.AddCommand(newHistoryShowCommand())
	return cmd
}

func newHistoryShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <run-id>",
		Short: "Print the full report of one run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openHistory(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			result, err := store.GetRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				return result.WriteJSON(os.Stdout)
			}
			result.WriteText(os.Stdout)
			return nil
		},
	}
}

func openHistory(cmd *cobra.Command) (*stores.SQLiteStore, error) {
	store, err := stores.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, err
	}
	if err := store.Init(cmd.Context()); err != nil {
		return nil, err
	}
	if err := store.Migrate(cmd.Context()); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}
