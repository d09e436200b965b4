// Package ingest coordinates multi-source data refreshes: pulling sale
// and listing feeds, resolving identities, and recomputing valuation
// metrics for the properties that changed.
package ingest

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/propscan/propscan-cli/internal/model"
)

// PullResult reports what a single source pull touched.
type PullResult struct {
	// Rows is the number of upstream records examined.
	Rows int64
	// Counts carries this source's contribution to the job counters.
	Counts model.JobCounts
}

// Source is one upstream feed. Pull is expected to persist its own
// records (the coordinator only handles scheduling, retries, and the
// pull log) and to mark changed properties for recompute.
type Source interface {
	// Name identifies the source in the pull log and job errors.
	Name() string

	// FreshnessWindow is how long a successful pull stays fresh; the
	// coordinator skips the source inside the window unless forced.
	FreshnessWindow() time.Duration

	// Pull ingests records for the given postcode districts.
	Pull(ctx context.Context, scope []string) (*PullResult, error)
}

// SourceListing is a normalized listing record as delivered by a
// listing connector, before identity resolution.
type SourceListing struct {
	ExternalRef string          `json:"external_ref"`
	RawAddress  string          `json:"raw_address"`
	AskingPrice float64         `json:"asking_price"`
	ListingDate time.Time       `json:"listing_date"`
	AgentName   string          `json:"agent_name,omitempty"`
	Source      string          `json:"source,omitempty"`
	RawPayload  json.RawMessage `json:"raw_payload,omitempty"`
}

// ScopeKey canonicalizes a district scope for the pull log, so the
// same scope always maps to the same freshness record.
func ScopeKey(scope []string) string {
	if len(scope) == 0 {
		return "all"
	}
	key := make([]string, len(scope))
	for i, d := range scope {
		key[i] = strings.ToUpper(strings.TrimSpace(d))
	}
	sort.Strings(key)
	return strings.Join(key, ",")
}

func addCounts(dst *model.JobCounts, src model.JobCounts) {
	dst.ListingsUpserted += src.ListingsUpserted
	dst.TransactionsAdded += src.TransactionsAdded
	dst.PropertiesResolved += src.PropertiesResolved
	dst.Unresolved += src.Unresolved
	dst.MetricsRecomputed += src.MetricsRecomputed
	dst.PropertiesUnchanged += src.PropertiesUnchanged
}
