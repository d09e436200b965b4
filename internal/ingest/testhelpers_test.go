package ingest

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/propscan/propscan-cli/internal/comparables"
	"github.com/propscan/propscan-cli/internal/model"
	"github.com/propscan/propscan-cli/internal/resilience"
	"github.com/propscan/propscan-cli/internal/resolve"
	"github.com/propscan/propscan-cli/internal/store"
	"github.com/propscan/propscan-cli/internal/valuation"
)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func newTestResolver(st store.Store) *resolve.Resolver {
	return resolve.NewResolver(st, resolve.Config{})
}

func newTestRecomputer(st store.Store) *Recomputer {
	sel := comparables.NewSelector(st, nil, comparables.Config{})
	calc := valuation.NewCalculator(valuation.Config{}, valuation.StaticYieldEstimator{})
	return NewRecomputer(st, sel, calc)
}

func newTestCoordinator(st store.Store, sources ...Source) *Coordinator {
	cfg := DefaultCoordinatorConfig()
	cfg.Retry = resilience.RetryConfig{MaxAttempts: 2, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}
	return NewCoordinator(st, sources, newTestRecomputer(st), cfg)
}

// fakeSource is a scriptable Source for coordinator tests.
type fakeSource struct {
	name   string
	window time.Duration
	pulls  atomic.Int64
	fn     func(ctx context.Context, scope []string) (*PullResult, error)
}

func (f *fakeSource) Name() string { return f.name }

func (f *fakeSource) FreshnessWindow() time.Duration {
	if f.window == 0 {
		return time.Hour
	}
	return f.window
}

func (f *fakeSource) Pull(ctx context.Context, scope []string) (*PullResult, error) {
	f.pulls.Add(1)
	if f.fn != nil {
		return f.fn(ctx, scope)
	}
	return &PullResult{Rows: 1}, nil
}

// waitJob polls until the job reaches a terminal state.
func waitJob(t *testing.T, st store.Store, id string) *model.IngestionJob {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case <-deadline:
			t.Fatalf("job %s did not finish", id)
		case <-time.After(10 * time.Millisecond):
		}
		job, err := st.GetJob(context.Background(), id)
		require.NoError(t, err)
		if job.State.Terminal() {
			return job
		}
	}
}

func seedProperty(t *testing.T, st store.Store, uprn, postcode string, sqft float64) *model.CanonicalProperty {
	t.Helper()
	p := &model.CanonicalProperty{
		UPRN: uprn,
		Address: model.Address{
			PAON:     "42",
			Street:   "HIGH STREET",
			Town:     "PUTNEY",
			Postcode: postcode,
		},
		PropertyType: model.TypeTerraced,
	}
	if sqft > 0 {
		p.FloorAreaSqft = &sqft
	}
	require.NoError(t, st.UpsertProperty(context.Background(), p))
	return p
}

func seedListing(t *testing.T, st store.Store, uprn string, price float64) {
	t.Helper()
	delta, err := st.UpsertListing(context.Background(), &model.ActiveListing{
		ExternalRef: "ref-" + uprn,
		UPRN:        &uprn,
		AskingPrice: price,
		ListingDate: time.Now().UTC().AddDate(0, 0, -7),
		Source:      "fixture",
	})
	require.NoError(t, err)
	require.NoError(t, st.SetCurrentListing(context.Background(), uprn, delta.Listing.ID))
}

func seedTransaction(t *testing.T, st store.Store, uprn string, price float64, monthsAgo int) {
	t.Helper()
	_, err := st.InsertTransaction(context.Background(), &model.HistoricalTransaction{
		ID:             uprn + "-" + time.Now().AddDate(0, -monthsAgo, 0).Format("200601"),
		UPRN:           uprn,
		PricePaid:      price,
		DateOfTransfer: time.Now().UTC().AddDate(0, -monthsAgo, 0),
		Category:       model.CategoryStandard,
	})
	require.NoError(t, err)
}
