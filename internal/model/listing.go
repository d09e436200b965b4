package model

import (
	"encoding/json"
	"time"
)

// ActiveListing is a per-portal listing currently on the market.
// Listings are upserted keyed by ExternalRef and may exist before they
// are linked to a CanonicalProperty.
type ActiveListing struct {
	ID          string          `json:"id"`
	ExternalRef string          `json:"external_ref"`
	UPRN        *string         `json:"uprn,omitempty"`
	AskingPrice float64         `json:"asking_price"`
	ListingDate time.Time       `json:"listing_date"`
	AgentName   string          `json:"agent_name,omitempty"`
	Source      string          `json:"source"`
	RawPayload  json.RawMessage `json:"raw_payload,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}
