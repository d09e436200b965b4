package model

import "time"

// Priority classifies how attractive an opportunity is. A nil *Priority
// means "no opinion" (index undefined), which is distinct from Low.
type Priority string

const (
	PriorityHigh   Priority = "High"
	PriorityMedium Priority = "Medium"
	PriorityLow    Priority = "Low"
)

// Priority bucket thresholds. The comparison is strictly greater-than:
// an index of exactly 0.15 classifies Medium and exactly 0.05 classifies Low.
const (
	HighPriorityThreshold   = 0.15
	MediumPriorityThreshold = 0.05
)

// ClassifyPriority buckets an undervalued index. A nil index yields nil.
func ClassifyPriority(index *float64) *Priority {
	if index == nil {
		return nil
	}
	var p Priority
	switch {
	case *index > HighPriorityThreshold:
		p = PriorityHigh
	case *index > MediumPriorityThreshold:
		p = PriorityMedium
	default:
		p = PriorityLow
	}
	return &p
}

// ValuationMetrics holds the computed valuation for one property.
// One row per UPRN, recomputed in place, never appended.
type ValuationMetrics struct {
	UPRN             string    `json:"uprn"`
	CurrentPPSF      *float64  `json:"current_ppsf,omitempty"`
	MarketPPSF       *float64  `json:"market_ppsf,omitempty"`
	UndervaluedIndex *float64  `json:"undervalued_index,omitempty"`
	ProjectedYield   *float64  `json:"projected_yield,omitempty"`
	ComparableCount  int       `json:"comparable_count"`
	Priority         *Priority `json:"priority,omitempty"`
	ComputedAt       time.Time `json:"computed_at"`
}
