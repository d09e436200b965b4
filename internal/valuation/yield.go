package valuation

import (
	"strings"

	"github.com/propscan/propscan-cli/internal/model"
)

// YieldEstimator projects a gross rental yield for a property. A nil
// return means no estimate is possible.
type YieldEstimator interface {
	Estimate(propertyType model.PropertyType, epcRating string) *float64
}

// baseYields are UK average gross rental yields by property type.
var baseYields = map[model.PropertyType]float64{
	model.TypeFlat:         0.052,
	model.TypeTerraced:     0.045,
	model.TypeSemiDetached: 0.042,
	model.TypeDetached:     0.038,
}

const fallbackYield = 0.045

// epcAdjustments scale the base yield: better-rated stock rents higher.
var epcAdjustments = map[string]float64{
	"A": 1.10, "B": 1.05, "C": 1.0,
	"D": 0.95, "E": 0.90, "F": 0.85, "G": 0.80,
}

// StaticYieldEstimator projects yields from fixed per-type averages
// adjusted by EPC rating.
type StaticYieldEstimator struct{}

func (StaticYieldEstimator) Estimate(propertyType model.PropertyType, epcRating string) *float64 {
	if propertyType == "" {
		return nil
	}
	y, ok := baseYields[propertyType]
	if !ok {
		y = fallbackYield
	}
	if adj, ok := epcAdjustments[strings.ToUpper(strings.TrimSpace(epcRating))]; ok {
		y *= adj
	}
	return &y
}
