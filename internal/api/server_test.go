package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/propscan/propscan-cli/internal/comparables"
	"github.com/propscan/propscan-cli/internal/model"
	"github.com/propscan/propscan-cli/internal/store"
)

type fakeRunner struct {
	scope []string
	force bool
	err   error
}

func (f *fakeRunner) Run(ctx context.Context, scope []string, force bool) (string, error) {
	f.scope = scope
	f.force = force
	if f.err != nil {
		return "", f.err
	}
	return "job-123", nil
}

func newTestServer(t *testing.T) (*httptest.Server, *store.SQLiteStore, *fakeRunner) {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	runner := &fakeRunner{}
	sel := comparables.NewSelector(st, nil, comparables.Config{})
	srv := httptest.NewServer(NewServer(st, sel, runner).Router())
	t.Cleanup(srv.Close)
	return srv, st, runner
}

func seedOpportunity(t *testing.T, st *store.SQLiteStore, uprn, postcode string, price float64, index *float64) {
	t.Helper()
	ctx := context.Background()

	sqft := 1000.0
	p := &model.CanonicalProperty{
		UPRN: uprn,
		Address: model.Address{
			PAON:     "42",
			Street:   "HIGH STREET",
			Town:     "PUTNEY",
			Postcode: postcode,
		},
		PropertyType:  model.TypeTerraced,
		FloorAreaSqft: &sqft,
	}
	require.NoError(t, st.UpsertProperty(ctx, p))

	delta, err := st.UpsertListing(ctx, &model.ActiveListing{
		ExternalRef: "ref-" + uprn,
		UPRN:        &uprn,
		AskingPrice: price,
		ListingDate: time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
		Source:      "fixture",
	})
	require.NoError(t, err)
	require.NoError(t, st.SetCurrentListing(ctx, uprn, delta.Listing.ID))

	require.NoError(t, st.UpsertMetrics(ctx, &model.ValuationMetrics{
		UPRN:             uprn,
		UndervaluedIndex: index,
		ComparableCount:  6,
		Priority:         model.ClassifyPriority(index),
		ComputedAt:       time.Date(2026, 8, 30, 0, 0, 0, 0, time.UTC),
	}))
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestHealth(t *testing.T) {
	srv, _, _ := newTestServer(t)

	var body map[string]string
	status := getJSON(t, srv.URL+"/health", &body)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body["status"])
}

func TestOpportunities_RequiresDistrict(t *testing.T) {
	srv, _, _ := newTestServer(t)

	var body map[string]string
	status := getJSON(t, srv.URL+"/api/v1/opportunities", &body)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, body["error"], "district")
}

func TestOpportunities_RankedPage(t *testing.T) {
	srv, st, _ := newTestServer(t)

	idx := func(v float64) *float64 { return &v }
	seedOpportunity(t, st, "1", "SW15 6EJ", 500000, idx(0.08))
	seedOpportunity(t, st, "2", "SW15 1AA", 450000, idx(0.25))
	seedOpportunity(t, st, "3", "N1 7AA", 400000, idx(0.30))

	var page model.Page[store.Opportunity]
	status := getJSON(t, srv.URL+"/api/v1/opportunities?district=sw15", &page)
	require.Equal(t, http.StatusOK, status)

	assert.Equal(t, 2, page.Total)
	require.Len(t, page.Items, 2)
	assert.Equal(t, "2", page.Items[0].Property.UPRN)
	assert.Equal(t, "1", page.Items[1].Property.UPRN)
}

func TestOpportunities_FiltersAndPaging(t *testing.T) {
	srv, st, _ := newTestServer(t)

	idx := func(v float64) *float64 { return &v }
	seedOpportunity(t, st, "1", "SW15 6EJ", 500000, idx(0.08))
	seedOpportunity(t, st, "2", "SW15 1AA", 450000, idx(0.25))

	var page model.Page[store.Opportunity]
	url := srv.URL + "/api/v1/opportunities?district=SW15&min_discount=0.2&max_price=460000"
	require.Equal(t, http.StatusOK, getJSON(t, url, &page))
	assert.Equal(t, 1, page.Total)

	// Out-of-range page: empty items, total intact.
	url = srv.URL + "/api/v1/opportunities?district=SW15&page=4&per_page=20"
	require.Equal(t, http.StatusOK, getJSON(t, url, &page))
	assert.Equal(t, 2, page.Total)
	assert.Empty(t, page.Items)

	var body map[string]string
	status := getJSON(t, srv.URL+"/api/v1/opportunities?district=SW15&min_discount=lots", &body)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestAnalysis(t *testing.T) {
	srv, st, _ := newTestServer(t)
	ctx := context.Background()

	seedOpportunity(t, st, "1", "SW15 6EJ", 500000, nil)
	_, err := st.InsertTransaction(ctx, &model.HistoricalTransaction{
		ID:             "tx-1",
		UPRN:           "1",
		PricePaid:      450000,
		DateOfTransfer: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
		Category:       model.CategoryStandard,
	})
	require.NoError(t, err)

	var resp struct {
		Property     model.CanonicalProperty `json:"property"`
		Listing      *model.ActiveListing    `json:"listing"`
		Metrics      *model.ValuationMetrics `json:"metrics"`
		Transactions []struct {
			PricePaid float64  `json:"price_paid"`
			PPSF      *float64 `json:"ppsf"`
		} `json:"transactions"`
	}
	status := getJSON(t, srv.URL+"/api/v1/properties/1/analysis", &resp)
	require.Equal(t, http.StatusOK, status)

	assert.Equal(t, "1", resp.Property.UPRN)
	require.NotNil(t, resp.Listing)
	assert.Equal(t, 500000.0, resp.Listing.AskingPrice)
	require.NotNil(t, resp.Metrics)
	require.Len(t, resp.Transactions, 1)
	require.NotNil(t, resp.Transactions[0].PPSF)
	assert.InDelta(t, 450, *resp.Transactions[0].PPSF, 0.01)
}

func TestAnalysis_UnknownProperty(t *testing.T) {
	srv, _, _ := newTestServer(t)
	status := getJSON(t, srv.URL+"/api/v1/properties/nope/analysis", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestAnalysis_KnownWithoutMetrics(t *testing.T) {
	srv, st, _ := newTestServer(t)

	sqft := 900.0
	require.NoError(t, st.UpsertProperty(context.Background(), &model.CanonicalProperty{
		UPRN:          "bare",
		Address:       model.Address{PAON: "1", Street: "A ROAD", Postcode: "SW15 6EJ"},
		PropertyType:  model.TypeFlat,
		FloorAreaSqft: &sqft,
	}))

	var resp struct {
		Metrics *model.ValuationMetrics `json:"metrics"`
	}
	status := getJSON(t, srv.URL+"/api/v1/properties/bare/analysis", &resp)
	require.Equal(t, http.StatusOK, status)
	assert.Nil(t, resp.Metrics)
}

func TestIngestTrigger(t *testing.T) {
	srv, _, runner := newTestServer(t)

	resp, err := http.Post(srv.URL+"/api/v1/system/ingest", "application/json",
		strings.NewReader(`{"scope": ["SW15"], "force": true}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "job-123", body["job_id"])
	assert.Equal(t, "queued", body["status"])
	assert.Equal(t, []string{"SW15"}, runner.scope)
	assert.True(t, runner.force)
}

func TestIngestTrigger_EmptyBody(t *testing.T) {
	srv, _, runner := newTestServer(t)

	resp, err := http.Post(srv.URL+"/api/v1/system/ingest", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Empty(t, runner.scope)
}

func TestIngestTrigger_RunnerError(t *testing.T) {
	srv, _, runner := newTestServer(t)
	runner.err = eris.New("store unavailable")

	resp, err := http.Post(srv.URL+"/api/v1/system/ingest", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestStatus(t *testing.T) {
	srv, st, _ := newTestServer(t)
	ctx := context.Background()

	seedOpportunity(t, st, "1", "SW15 6EJ", 500000, nil)
	completed := time.Now().UTC()
	require.NoError(t, st.RecordPull(ctx, &store.PullRecord{
		Source:      "land-registry",
		ScopeKey:    "SW15",
		Status:      "succeeded",
		RowsPulled:  12,
		StartedAt:   completed.Add(-time.Minute),
		CompletedAt: &completed,
	}))
	require.NoError(t, st.CreateJob(ctx, &model.IngestionJob{
		ID:        "job-1",
		State:     model.JobSucceeded,
		CreatedAt: completed,
	}))

	var resp struct {
		Stats   *store.Stats        `json:"stats"`
		LastJob *model.IngestionJob `json:"last_job"`
		Pulls   []store.PullRecord  `json:"pulls"`
	}
	status := getJSON(t, srv.URL+"/api/v1/system/status", &resp)
	require.Equal(t, http.StatusOK, status)

	require.NotNil(t, resp.Stats)
	assert.Equal(t, 1, resp.Stats.Properties)
	require.NotNil(t, resp.LastJob)
	assert.Equal(t, "job-1", resp.LastJob.ID)
	require.Len(t, resp.Pulls, 1)
	assert.Equal(t, int64(12), resp.Pulls[0].RowsPulled)
}
