// Package store persists the valuation engine's entities and serves the
// ranked opportunity queries. Two backends are provided: SQLite (default)
// and Postgres.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/propscan/propscan-cli/internal/model"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = eris.New("store: not found")

// Alias maps a raw-address fingerprint to a canonical UPRN. The alias table
// makes resolution reproducible: once a fingerprint resolves, it always
// resolves the same way, and a higher-confidence mapping is never replaced
// by a lower-confidence one.
type Alias struct {
	Fingerprint string    `json:"fingerprint"`
	UPRN        string    `json:"uprn"`
	MatchType   string    `json:"match_type"`
	Confidence  float64   `json:"confidence"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ComparableRow is a historical transaction joined with the floor area and
// type of its owning property, as needed for benchmark selection.
type ComparableRow struct {
	Transaction   model.HistoricalTransaction `json:"transaction"`
	FloorAreaSqft *float64                    `json:"floor_area_sqft,omitempty"`
	PropertyType  model.PropertyType          `json:"property_type"`
	Postcode      string                      `json:"postcode"`
}

// ListingDelta reports what an upsert changed, driving selective recompute.
type ListingDelta struct {
	Listing      model.ActiveListing `json:"listing"`
	Created      bool                `json:"created"`
	PriceChanged bool                `json:"price_changed"`
	// Linked is set when an existing unlinked listing gains its UPRN.
	// Listing and property lanes run concurrently, so a listing often
	// lands before the register entry that resolves its address.
	Linked bool `json:"linked,omitempty"`
	// UPRNConflict is set when the same external reference arrives linked
	// to a different property identity. The original mapping is kept.
	UPRNConflict bool `json:"uprn_conflict,omitempty"`
}

// OpportunityFilter selects and pages ranked opportunities.
// PostcodeDistrict is required; the rest are optional narrowing filters.
type OpportunityFilter struct {
	PostcodeDistrict string
	MinDiscount      *float64
	MaxPrice         *float64
	PropertyTypes    []model.PropertyType
	Page             int
	PerPage          int
}

// Opportunity is one ranked result row: a property with its live listing
// and computed metrics.
type Opportunity struct {
	Property model.CanonicalProperty `json:"property"`
	Listing  model.ActiveListing     `json:"listing"`
	Metrics  model.ValuationMetrics  `json:"metrics"`
}

// ChangedProperty marks a property whose valuation inputs changed.
type ChangedProperty struct {
	UPRN      string    `json:"uprn"`
	ChangedAt time.Time `json:"changed_at"`
}

// Stats aggregates corpus counts for the system status endpoint.
type Stats struct {
	Properties    int `json:"properties"`
	Listings      int `json:"listings"`
	Transactions  int `json:"transactions"`
	Opportunities int `json:"opportunities"`
}

// Pull statuses. LastSuccessfulPull keys its freshness lookup on
// PullSucceeded, so writers must use the same constant.
const (
	PullSucceeded = "succeeded"
	PullFailed    = "failed"
)

// PullRecord captures one source pull attempt for freshness tracking.
type PullRecord struct {
	Source      string     `json:"source"`
	ScopeKey    string     `json:"scope_key"`
	Status      string     `json:"status"`
	RowsPulled  int64      `json:"rows_pulled"`
	Error       string     `json:"error,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Store is the persistence interface for the valuation engine.
type Store interface {
	// Properties
	UpsertProperty(ctx context.Context, p *model.CanonicalProperty) error
	GetProperty(ctx context.Context, uprn string) (*model.CanonicalProperty, error)
	PropertiesByDistrict(ctx context.Context, district string) ([]model.CanonicalProperty, error)
	Districts(ctx context.Context) ([]string, error)
	SetCurrentListing(ctx context.Context, uprn, listingID string) error
	UpdateFloorArea(ctx context.Context, uprn string, sqft float64, epcRating string) (bool, error)

	// Historical transactions (append-only)
	InsertTransaction(ctx context.Context, tx *model.HistoricalTransaction) (bool, error)
	InsertTransactions(ctx context.Context, txs []model.HistoricalTransaction) (int, error)
	TransactionsByUPRN(ctx context.Context, uprn string) ([]model.HistoricalTransaction, error)
	ComparableRows(ctx context.Context, districts []string, propertyType model.PropertyType, since, until time.Time) ([]ComparableRow, error)

	// Listings
	UpsertListing(ctx context.Context, l *model.ActiveListing) (*ListingDelta, error)
	GetListing(ctx context.Context, id string) (*model.ActiveListing, error)
	GetListingByRef(ctx context.Context, externalRef string) (*model.ActiveListing, error)

	// Alias table
	GetAlias(ctx context.Context, fingerprint string) (*Alias, error)
	UpsertAlias(ctx context.Context, a *Alias) error
	CandidatesByDistrict(ctx context.Context, district string) ([]model.CanonicalProperty, error)

	// Valuation metrics
	UpsertMetrics(ctx context.Context, m *model.ValuationMetrics) error
	GetMetrics(ctx context.Context, uprn string) (*model.ValuationMetrics, error)
	QueryOpportunities(ctx context.Context, f OpportunityFilter) (model.Page[Opportunity], error)
	Stats(ctx context.Context) (*Stats, error)

	// Ingestion jobs
	CreateJob(ctx context.Context, job *model.IngestionJob) error
	UpdateJob(ctx context.Context, job *model.IngestionJob) error
	GetJob(ctx context.Context, id string) (*model.IngestionJob, error)
	LastJob(ctx context.Context) (*model.IngestionJob, error)

	// Source pull log (per-source freshness)
	LastSuccessfulPull(ctx context.Context, source, scopeKey string) (*time.Time, error)
	RecordPull(ctx context.Context, rec *PullRecord) error
	ListPulls(ctx context.Context) ([]PullRecord, error)

	// Change tracking (selective recompute)
	MarkChanged(ctx context.Context, uprn string, at time.Time) error
	ChangedProperties(ctx context.Context, districts []string) ([]ChangedProperty, error)
	ClearChanged(ctx context.Context, uprn string, asOf time.Time) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
