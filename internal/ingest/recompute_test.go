package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/propscan/propscan-cli/internal/store"
)

func TestRecompute_ChangedProperty(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	p := seedProperty(t, st, "uprn-1", "SW15 6EJ", 1000)
	seedListing(t, st, p.UPRN, 540000)
	for i, price := range []float64{580000, 600000, 610000, 595000, 615000} {
		other := seedProperty(t, st, "comp-"+string(rune('a'+i)), "SW15 6EJ", 1000)
		seedTransaction(t, st, other.UPRN, price, i+1)
	}
	require.NoError(t, st.MarkChanged(ctx, p.UPRN, time.Now().UTC()))

	rec := newTestRecomputer(st)
	recomputed, _, err := rec.Recompute(ctx, []string{"SW15"})
	require.NoError(t, err)
	assert.Equal(t, 1, recomputed)

	m, err := st.GetMetrics(ctx, p.UPRN)
	require.NoError(t, err)
	assert.Equal(t, 5, m.ComparableCount)
	require.NotNil(t, m.MarketPPSF)
	assert.InDelta(t, 600, *m.MarketPPSF, 0.01)

	// The mark was consumed.
	changed, err := st.ChangedProperties(ctx, []string{"SW15"})
	require.NoError(t, err)
	assert.Empty(t, changed)
}

func TestRecompute_NothingChangedLeavesMetricsAlone(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	p := seedProperty(t, st, "uprn-1", "SW15 6EJ", 1000)
	seedListing(t, st, p.UPRN, 540000)
	require.NoError(t, st.MarkChanged(ctx, p.UPRN, time.Now().UTC()))

	rec := newTestRecomputer(st)
	_, _, err := rec.Recompute(ctx, []string{"SW15"})
	require.NoError(t, err)

	before, err := st.GetMetrics(ctx, p.UPRN)
	require.NoError(t, err)

	recomputed, unchanged, err := rec.Recompute(ctx, []string{"SW15"})
	require.NoError(t, err)
	assert.Equal(t, 0, recomputed)
	assert.Equal(t, 1, unchanged)

	after, err := st.GetMetrics(ctx, p.UPRN)
	require.NoError(t, err)
	assert.True(t, after.ComputedAt.Equal(before.ComputedAt), "computed_at moved without a change")
}

func TestRecompute_MarkForUnknownPropertyIsDropped(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.MarkChanged(ctx, "ghost", time.Now().UTC()))

	rec := newTestRecomputer(st)
	recomputed, _, err := rec.Recompute(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, recomputed)

	changed, err := st.ChangedProperties(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, changed)
}

func TestRecompute_NoListingWritesNoMetrics(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	p := seedProperty(t, st, "uprn-1", "SW15 6EJ", 1000)
	require.NoError(t, st.MarkChanged(ctx, p.UPRN, time.Now().UTC()))

	rec := newTestRecomputer(st)
	recomputed, _, err := rec.Recompute(ctx, []string{"SW15"})
	require.NoError(t, err)
	assert.Equal(t, 0, recomputed)

	_, err = st.GetMetrics(ctx, p.UPRN)
	assert.ErrorIs(t, err, store.ErrNotFound)

	// The mark was still consumed.
	changed, err := st.ChangedProperties(ctx, []string{"SW15"})
	require.NoError(t, err)
	assert.Empty(t, changed)
}

func TestRecompute_NoFloorAreaWritesNoMetrics(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	p := seedProperty(t, st, "uprn-1", "SW15 6EJ", 0)
	seedListing(t, st, p.UPRN, 540000)
	require.NoError(t, st.MarkChanged(ctx, p.UPRN, time.Now().UTC()))

	rec := newTestRecomputer(st)
	recomputed, _, err := rec.Recompute(ctx, []string{"SW15"})
	require.NoError(t, err)
	assert.Equal(t, 0, recomputed)

	_, err = st.GetMetrics(ctx, p.UPRN)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRecompute_UsesCurrentListingPrice(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	p := seedProperty(t, st, "uprn-1", "SW15 6EJ", 1000)
	res := NewInMemoryListingSource("fixture", []SourceListing{{
		ExternalRef: "ref-1",
		RawAddress:  "42 High Street, Putney, SW15 6EJ",
		AskingPrice: 500000,
		ListingDate: time.Now().UTC().AddDate(0, 0, -7),
	}}, st, newTestResolver(st))
	_, err := res.Pull(ctx, []string{"SW15"})
	require.NoError(t, err)

	for i, price := range []float64{580000, 600000, 610000, 595000, 615000} {
		other := seedProperty(t, st, "comp-"+string(rune('a'+i)), "SW15 6EJ", 1000)
		seedTransaction(t, st, other.UPRN, price, i+1)
	}
	require.NoError(t, st.MarkChanged(ctx, p.UPRN, time.Now().UTC()))

	rec := newTestRecomputer(st)
	_, _, err = rec.Recompute(ctx, []string{"SW15"})
	require.NoError(t, err)

	m, err := st.GetMetrics(ctx, p.UPRN)
	require.NoError(t, err)
	require.NotNil(t, m.CurrentPPSF)
	assert.InDelta(t, 500, *m.CurrentPPSF, 0.01)
	require.NotNil(t, m.UndervaluedIndex)
	assert.InDelta(t, 0.1667, *m.UndervaluedIndex, 0.001)
}
