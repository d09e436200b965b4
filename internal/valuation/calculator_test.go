package valuation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/propscan/propscan-cli/internal/model"
	"github.com/propscan/propscan-cli/internal/store"
)

func floatPtr(v float64) *float64 { return &v }

func areaProperty(sqft float64) *model.CanonicalProperty {
	return &model.CanonicalProperty{
		UPRN:          "1",
		FloorAreaSqft: &sqft,
		PropertyType:  model.TypeTerraced,
		EPCRating:     "C",
	}
}

func compAt(price, sqft float64) store.ComparableRow {
	return store.ComparableRow{
		Transaction:   model.HistoricalTransaction{PricePaid: price},
		FloorAreaSqft: &sqft,
		PropertyType:  model.TypeTerraced,
	}
}

// comps whose mean PPSF is exactly 600.
func benchmarkComps() []store.ComparableRow {
	return []store.ComparableRow{
		compAt(600000, 1000),
		compAt(580000, 1000),
		compAt(620000, 1000),
		compAt(590000, 1000),
		compAt(610000, 1000),
	}
}

func TestCompute_UndervaluedIndex(t *testing.T) {
	calc := NewCalculator(Config{}, StaticYieldEstimator{})
	now := time.Date(2025, 8, 30, 0, 0, 0, 0, time.UTC)

	m := calc.Compute(areaProperty(1000), 500000, benchmarkComps(), now)

	require.NotNil(t, m.CurrentPPSF)
	assert.InDelta(t, 500, *m.CurrentPPSF, 0.0001)
	require.NotNil(t, m.MarketPPSF)
	assert.InDelta(t, 600, *m.MarketPPSF, 0.0001)
	require.NotNil(t, m.UndervaluedIndex)
	assert.InDelta(t, 0.1667, *m.UndervaluedIndex, 0.0001)
	assert.Equal(t, 5, m.ComparableCount)
	require.NotNil(t, m.Priority)
	assert.Equal(t, model.PriorityHigh, *m.Priority)
	require.NotNil(t, m.ProjectedYield)
	assert.InDelta(t, 0.045, *m.ProjectedYield, 0.0001)
	assert.Equal(t, now, m.ComputedAt)
}

func TestCompute_TooFewComparables(t *testing.T) {
	calc := NewCalculator(Config{}, StaticYieldEstimator{})

	m := calc.Compute(areaProperty(1000), 500000, benchmarkComps()[:3], time.Now())

	require.NotNil(t, m.CurrentPPSF)
	assert.Nil(t, m.MarketPPSF)
	assert.Nil(t, m.UndervaluedIndex)
	assert.Nil(t, m.Priority)
	assert.Equal(t, 3, m.ComparableCount)
	// Yield does not depend on the benchmark.
	assert.NotNil(t, m.ProjectedYield)
}

func TestCompute_NoFloorArea(t *testing.T) {
	calc := NewCalculator(Config{}, StaticYieldEstimator{})
	p := &model.CanonicalProperty{UPRN: "1", PropertyType: model.TypeFlat}

	m := calc.Compute(p, 500000, benchmarkComps(), time.Now())

	assert.Nil(t, m.CurrentPPSF)
	require.NotNil(t, m.MarketPPSF) // benchmark still computable
	assert.Nil(t, m.UndervaluedIndex)
	assert.Nil(t, m.Priority)
}

func TestCompute_ComparablesWithoutAreaDontCount(t *testing.T) {
	calc := NewCalculator(Config{}, nil)

	comps := benchmarkComps()
	comps = append(comps,
		store.ComparableRow{Transaction: model.HistoricalTransaction{PricePaid: 999999}},
		store.ComparableRow{Transaction: model.HistoricalTransaction{PricePaid: 888888}, FloorAreaSqft: floatPtr(0)},
	)

	m := calc.Compute(areaProperty(1000), 500000, comps, time.Now())
	assert.Equal(t, 5, m.ComparableCount)
	require.NotNil(t, m.MarketPPSF)
	assert.InDelta(t, 600, *m.MarketPPSF, 0.0001)
}

func TestCompute_OverpricedIsLowPriority(t *testing.T) {
	calc := NewCalculator(Config{}, nil)

	m := calc.Compute(areaProperty(1000), 700000, benchmarkComps(), time.Now())

	require.NotNil(t, m.UndervaluedIndex)
	assert.Less(t, *m.UndervaluedIndex, 0.0)
	require.NotNil(t, m.Priority)
	assert.Equal(t, model.PriorityLow, *m.Priority)
}

func TestCompute_ConfiguredMinimum(t *testing.T) {
	calc := NewCalculator(Config{MinComparables: 3}, nil)

	m := calc.Compute(areaProperty(1000), 500000, benchmarkComps()[:3], time.Now())
	assert.NotNil(t, m.MarketPPSF)
	assert.NotNil(t, m.UndervaluedIndex)
}

func TestStaticYieldEstimator(t *testing.T) {
	e := StaticYieldEstimator{}

	tests := []struct {
		name string
		pt   model.PropertyType
		epc  string
		want *float64
	}{
		{"flat base", model.TypeFlat, "C", floatPtr(0.052)},
		{"flat good epc", model.TypeFlat, "A", floatPtr(0.052 * 1.10)},
		{"detached poor epc", model.TypeDetached, "G", floatPtr(0.038 * 0.80)},
		{"unknown type falls back", model.PropertyType("Bungalow"), "", floatPtr(0.045)},
		{"unknown epc ignored", model.TypeTerraced, "X", floatPtr(0.045)},
		{"no type", model.PropertyType(""), "C", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := e.Estimate(tt.pt, tt.epc)
			if tt.want == nil {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.InDelta(t, *tt.want, *got, 0.00001)
		})
	}
}
