// Package comparables selects the historical sales used to benchmark a
// property: same type, recent, in the same postcode district (widened to
// adjoining districts when the district alone is too thin), with price
// outliers trimmed around the median.
package comparables

import (
	"context"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/propscan/propscan-cli/internal/model"
	"github.com/propscan/propscan-cli/internal/store"
)

// Defaults for the selection window and thresholds.
const (
	DefaultWindowMonths   = 12
	DefaultMinComparables = 5
	DefaultOutlierFactor  = 3.0
)

// TransactionStore is the subset of the store the selector needs.
type TransactionStore interface {
	ComparableRows(ctx context.Context, districts []string, propertyType model.PropertyType, since, until time.Time) ([]store.ComparableRow, error)
}

// Config tunes comparable selection.
type Config struct {
	WindowMonths   int     `yaml:"window_months" mapstructure:"window_months"`
	MinComparables int     `yaml:"min_comparables" mapstructure:"min_comparables"`
	OutlierFactor  float64 `yaml:"outlier_factor" mapstructure:"outlier_factor"`
}

func (c Config) withDefaults() Config {
	if c.WindowMonths <= 0 {
		c.WindowMonths = DefaultWindowMonths
	}
	if c.MinComparables <= 0 {
		c.MinComparables = DefaultMinComparables
	}
	if c.OutlierFactor <= 1 {
		c.OutlierFactor = DefaultOutlierFactor
	}
	return c
}

// Selection is the outcome of a comparable search.
type Selection struct {
	Comparables []store.ComparableRow `json:"comparables"`
	// Districts actually searched, home district first.
	Districts []string `json:"districts"`
	// Expanded is set when adjoining districts were pulled in.
	Expanded bool `json:"expanded"`
	// OutliersRemoved counts rows trimmed by the median band.
	OutliersRemoved int `json:"outliers_removed"`
}

// Selector finds comparable sales for a property.
type Selector struct {
	store TransactionStore
	adj   Adjacency
	cfg   Config
	log   *zap.Logger
}

// NewSelector creates a Selector. A nil adjacency disables widening.
func NewSelector(st TransactionStore, adj Adjacency, cfg Config) *Selector {
	return &Selector{
		store: st,
		adj:   adj,
		cfg:   cfg.withDefaults(),
		log:   zap.L().Named("comparables"),
	}
}

// MinComparables exposes the configured benchmark threshold.
func (s *Selector) MinComparables() int {
	return s.cfg.MinComparables
}

// Select returns the comparable sales for a property, looking back
// WindowMonths from asOf. Too few results in the home district trigger
// a one-hop widening to adjoining districts. An empty selection is a
// valid outcome, not an error: downstream leaves the valuation
// undefined rather than inventing a benchmark.
func (s *Selector) Select(ctx context.Context, p *model.CanonicalProperty, asOf time.Time) (*Selection, error) {
	district := p.Address.District()
	if district == "" {
		return &Selection{Comparables: []store.ComparableRow{}, Districts: []string{}}, nil
	}

	until := asOf.UTC()
	since := until.AddDate(0, -s.cfg.WindowMonths, 0)

	sel := &Selection{Districts: []string{district}}
	rows, err := s.fetch(ctx, sel.Districts, p, since, until)
	if err != nil {
		return nil, err
	}

	if len(rows) < s.cfg.MinComparables && s.adj != nil {
		widened := s.adj.Expand(district)
		if len(widened) > 1 {
			rows, err = s.fetch(ctx, widened, p, since, until)
			if err != nil {
				return nil, err
			}
			sel.Districts = widened
			sel.Expanded = true
		}
	}

	trimmed, removed := trimOutliers(rows, s.cfg.OutlierFactor)
	sel.Comparables = trimmed
	sel.OutliersRemoved = removed

	if sel.Expanded {
		s.log.Debug("widened comparable search",
			zap.String("uprn", p.UPRN),
			zap.Strings("districts", sel.Districts),
			zap.Int("comparables", len(sel.Comparables)))
	}
	return sel, nil
}

func (s *Selector) fetch(ctx context.Context, districts []string, p *model.CanonicalProperty, since, until time.Time) ([]store.ComparableRow, error) {
	rows, err := s.store.ComparableRows(ctx, districts, p.PropertyType, since, until)
	if err != nil {
		return nil, eris.Wrapf(err, "comparables: fetch for %s", p.UPRN)
	}

	// A property cannot be its own benchmark. Rows without a usable
	// floor area still pass; the calculator skips them per metric.
	filtered := rows[:0]
	for _, r := range rows {
		if r.Transaction.UPRN == p.UPRN {
			continue
		}
		filtered = append(filtered, r)
	}
	return filtered, nil
}

// trimOutliers drops rows whose price falls outside [median/k, median*k].
// The band is computed once from the full set; order is preserved.
func trimOutliers(rows []store.ComparableRow, k float64) ([]store.ComparableRow, int) {
	if len(rows) == 0 {
		return []store.ComparableRow{}, 0
	}

	prices := make([]float64, len(rows))
	for i, r := range rows {
		prices[i] = r.Transaction.PricePaid
	}
	med := median(prices)
	lo, hi := med/k, med*k

	kept := make([]store.ComparableRow, 0, len(rows))
	for _, r := range rows {
		if r.Transaction.PricePaid < lo || r.Transaction.PricePaid > hi {
			continue
		}
		kept = append(kept, r)
	}
	return kept, len(rows) - len(kept)
}

func median(vals []float64) float64 {
	sorted := append([]float64(nil), vals...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}
