package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/propscan/propscan-cli/internal/model"
	"github.com/propscan/propscan-cli/internal/store"
)

var opportunitiesCmd = &cobra.Command{
	Use:   "opportunities",
	Short: "List undervalued listings in a district",
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

		district, _ := cmd.Flags().GetString("district")
		minDiscount, _ := cmd.Flags().GetFloat64("min-discount")
		maxPrice, _ := cmd.Flags().GetFloat64("max-price")
		types, _ := cmd.Flags().GetStringSlice("type")
		page, _ := cmd.Flags().GetInt("page")
		perPage, _ := cmd.Flags().GetInt("per-page")
		asJSON, _ := cmd.Flags().GetBool("json")

		filter := store.OpportunityFilter{
			PostcodeDistrict: district,
			Page:             page,
			PerPage:          perPage,
		}
		if cmd.Flags().Changed("min-discount") {
			filter.MinDiscount = &minDiscount
		}
		if cmd.Flags().Changed("max-price") {
			filter.MaxPrice = &maxPrice
		}
		for _, t := range types {
			filter.PropertyTypes = append(filter.PropertyTypes, model.ParsePropertyType(t))
		}

		result, err := st.QueryOpportunities(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "query opportunities")
		}

		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(result)
		}

		if len(result.Items) == 0 {
			fmt.Fprintln(os.Stderr, "No opportunities found.")
			return nil
		}

		formatOpportunities(os.Stdout, result)
		return nil
	},
}

// formatOpportunities writes a tabular opportunity list to w.
func formatOpportunities(out io.Writer, page model.Page[store.Opportunity]) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "UPRN\tADDRESS\tTYPE\tASKING\tPPSF\tMARKET_PPSF\tDISCOUNT\tPRIORITY")
	_, _ = fmt.Fprintln(w, "----\t-------\t----\t------\t----\t-----------\t--------\t--------")

	for _, o := range page.Items {
		addr := shortAddress(o.Property.Address)
		if len(addr) > 36 {
			addr = addr[:33] + "..."
		}

		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			o.Property.UPRN,
			addr,
			o.Property.PropertyType,
			fmt.Sprintf("%.0f", o.Listing.AskingPrice),
			formatPtr(o.Metrics.CurrentPPSF, "%.0f"),
			formatPtr(o.Metrics.MarketPPSF, "%.0f"),
			formatDiscount(o.Metrics.UndervaluedIndex),
			formatPriority(o.Metrics.Priority),
		)
	}
	_ = w.Flush()

	fmt.Fprintf(out, "\nPage %d of %d (%d total)\n", page.Page, page.Pages, page.Total)
}

// shortAddress renders a one-line address without the postcode.
func shortAddress(a model.Address) string {
	parts := make([]string, 0, 3)
	if a.SAON != "" {
		parts = append(parts, a.SAON)
	}
	if a.PAON != "" || a.Street != "" {
		parts = append(parts, strings.TrimSpace(a.PAON+" "+a.Street))
	}
	if a.Town != "" {
		parts = append(parts, a.Town)
	}
	return strings.Join(parts, ", ")
}

func formatPtr(v *float64, format string) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf(format, *v)
}

func formatDiscount(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.1f%%", *v*100)
}

func formatPriority(p *model.Priority) string {
	if p == nil {
		return "-"
	}
	return string(*p)
}

func init() {
	opportunitiesCmd.Flags().String("district", "", "postcode district, e.g. SW15 (required)")
	opportunitiesCmd.Flags().Float64("min-discount", 0, "minimum undervalued index, e.g. 0.15")
	opportunitiesCmd.Flags().Float64("max-price", 0, "maximum asking price")
	opportunitiesCmd.Flags().StringSlice("type", nil, "property type filter (Detached, Semi-Detached, Terraced, Flat)")
	opportunitiesCmd.Flags().Int("page", 1, "result page")
	opportunitiesCmd.Flags().Int("per-page", 20, "results per page")
	opportunitiesCmd.Flags().Bool("json", false, "emit JSON instead of a table")
	_ = opportunitiesCmd.MarkFlagRequired("district")
	rootCmd.AddCommand(opportunitiesCmd)
}
