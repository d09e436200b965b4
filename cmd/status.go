package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/propscan/propscan-cli/internal/model"
	"github.com/propscan/propscan-cli/internal/store"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show corpus counts and recent source pulls",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		stats, err := st.Stats(ctx)
		if err != nil {
			return eris.Wrap(err, "load stats")
		}

		lastJob, err := st.LastJob(ctx)
		if err != nil && !eris.Is(err, store.ErrNotFound) {
			return eris.Wrap(err, "load last job")
		}

		pulls, err := st.ListPulls(ctx)
		if err != nil {
			return eris.Wrap(err, "list pulls")
		}

		formatStatus(os.Stdout, stats, lastJob, pulls)
		return nil
	},
}

func formatStatus(out io.Writer, stats *store.Stats, lastJob *model.IngestionJob, pulls []store.PullRecord) {
	fmt.Fprintf(out, "Properties:    %d\n", stats.Properties)
	fmt.Fprintf(out, "Listings:      %d\n", stats.Listings)
	fmt.Fprintf(out, "Transactions:  %d\n", stats.Transactions)
	fmt.Fprintf(out, "Opportunities: %d\n", stats.Opportunities)

	if lastJob != nil {
		fmt.Fprintf(out, "\nLast job: %s (%s)", lastJob.ID, lastJob.State)
		if lastJob.CompletedAt != nil {
			fmt.Fprintf(out, " finished %s", lastJob.CompletedAt.UTC().Format(time.RFC3339))
		}
		fmt.Fprintln(out)
		for _, se := range lastJob.SourceErrors {
			fmt.Fprintf(out, "  source error: %s (%d attempts): %s\n", se.Source, se.Attempts, se.Error)
		}
	}

	if len(pulls) == 0 {
		return
	}

	fmt.Fprintln(out, "\nRecent pulls:")
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "SOURCE\tSCOPE\tSTATUS\tROWS\tSTARTED")
	for _, p := range pulls {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
			p.Source,
			p.ScopeKey,
			p.Status,
			p.RowsPulled,
			p.StartedAt.UTC().Format(time.RFC3339),
		)
	}
	_ = w.Flush()
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
