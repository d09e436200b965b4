package model

import "time"

// TransactionCategory is the Land Registry price-paid category.
type TransactionCategory string

const (
	CategoryStandard   TransactionCategory = "Standard"
	CategoryAdditional TransactionCategory = "Additional"
)

// HistoricalTransaction is an immutable sale record. Transactions are
// append-only: never mutated, never deleted.
type HistoricalTransaction struct {
	ID             string              `json:"id"`
	UPRN           string              `json:"uprn"`
	PricePaid      float64             `json:"price_paid"`
	DateOfTransfer time.Time           `json:"date_of_transfer"`
	Category       TransactionCategory `json:"category"`
	CreatedAt      time.Time           `json:"created_at"`
}

// PPSF returns the price per square foot for the given floor area,
// or nil when the area is unknown or non-positive.
func (t *HistoricalTransaction) PPSF(floorArea *float64) *float64 {
	if floorArea == nil || *floorArea <= 0 {
		return nil
	}
	v := t.PricePaid / *floorArea
	return &v
}
