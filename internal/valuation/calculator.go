// Package valuation computes per-property valuation metrics: the asking
// price per square foot against a market benchmark built from comparable
// sales, the undervalued index, its priority bucket, and a projected
// rental yield.
package valuation

import (
	"time"

	"github.com/propscan/propscan-cli/internal/model"
	"github.com/propscan/propscan-cli/internal/store"
)

// DefaultMinComparables is the smallest comparable set that supports a
// published benchmark.
const DefaultMinComparables = 5

// Config tunes the calculator.
type Config struct {
	MinComparables int `yaml:"min_comparables" mapstructure:"min_comparables"`
}

// Calculator derives ValuationMetrics from a property, its live asking
// price, and a comparable set. Every derivation is partial: any missing
// input leaves the dependent fields nil rather than guessing.
type Calculator struct {
	minComparables int
	yields         YieldEstimator
}

// NewCalculator creates a Calculator. A nil estimator disables yield
// projection.
func NewCalculator(cfg Config, yields YieldEstimator) *Calculator {
	min := cfg.MinComparables
	if min <= 0 {
		min = DefaultMinComparables
	}
	return &Calculator{minComparables: min, yields: yields}
}

// Compute derives the metrics row for one property. The benchmark is the
// plain mean of the comparable PPSFs; comparables without a usable floor
// area contribute nothing and do not count. Fewer than the minimum leaves
// market PPSF, index, and priority nil. ComparableCount always reports
// how many sales actually backed the benchmark, even when below minimum.
func (c *Calculator) Compute(p *model.CanonicalProperty, askingPrice float64, comps []store.ComparableRow, computedAt time.Time) model.ValuationMetrics {
	m := model.ValuationMetrics{
		UPRN:       p.UPRN,
		ComputedAt: computedAt.UTC(),
	}

	if p.HasFloorArea() && askingPrice > 0 {
		v := askingPrice / *p.FloorAreaSqft
		m.CurrentPPSF = &v
	}

	var sum float64
	for _, comp := range comps {
		ppsf := comp.Transaction.PPSF(comp.FloorAreaSqft)
		if ppsf == nil {
			continue
		}
		sum += *ppsf
		m.ComparableCount++
	}

	if m.ComparableCount >= c.minComparables {
		mean := sum / float64(m.ComparableCount)
		m.MarketPPSF = &mean
	}

	if m.CurrentPPSF != nil && m.MarketPPSF != nil && *m.MarketPPSF > 0 {
		idx := (*m.MarketPPSF - *m.CurrentPPSF) / *m.MarketPPSF
		m.UndervaluedIndex = &idx
	}
	m.Priority = model.ClassifyPriority(m.UndervaluedIndex)

	if c.yields != nil {
		m.ProjectedYield = c.yields.Estimate(p.PropertyType, p.EPCRating)
	}
	return m
}
