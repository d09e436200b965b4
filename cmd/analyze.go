package main

import (
	"encoding/json"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/propscan/propscan-cli/internal/comparables"
	"github.com/propscan/propscan-cli/internal/model"
	"github.com/propscan/propscan-cli/internal/store"
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze <uprn>",
	Short: "Show the full valuation picture for one property",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		uprn := args[0]

		prop, err := env.Store.GetProperty(ctx, uprn)
		if err != nil {
			if eris.Is(err, store.ErrNotFound) {
				return eris.Errorf("no property with UPRN %s", uprn)
			}
			return eris.Wrap(err, "load property")
		}

		out := struct {
			Property     *model.CanonicalProperty      `json:"property"`
			Listing      *model.ActiveListing          `json:"listing,omitempty"`
			Metrics      *model.ValuationMetrics       `json:"metrics,omitempty"`
			Transactions []model.HistoricalTransaction `json:"transactions"`
			Comparables  *comparables.Selection        `json:"comparables,omitempty"`
		}{Property: prop}

		if prop.CurrentListingID != nil {
			listing, err := env.Store.GetListing(ctx, *prop.CurrentListingID)
			if err != nil && !eris.Is(err, store.ErrNotFound) {
				return eris.Wrap(err, "load listing")
			}
			out.Listing = listing
		}

		metrics, err := env.Store.GetMetrics(ctx, uprn)
		if err != nil && !eris.Is(err, store.ErrNotFound) {
			return eris.Wrap(err, "load metrics")
		}
		out.Metrics = metrics

		out.Transactions, err = env.Store.TransactionsByUPRN(ctx, uprn)
		if err != nil {
			return eris.Wrap(err, "load transactions")
		}

		sel, err := env.Selector.Select(ctx, prop, time.Now().UTC())
		if err != nil {
			return eris.Wrap(err, "select comparables")
		}
		out.Comparables = sel

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	},
}

func init() {
	rootCmd.AddCommand(analyzeCmd)
}
