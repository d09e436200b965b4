package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/propscan/propscan-cli/pkg/epc"
)

type fakeEPC struct {
	byPostcode map[string]*epc.Certificate
	lookups    int
}

func (f *fakeEPC) SearchByPostcode(ctx context.Context, postcode, addressLine string) (*epc.Certificate, error) {
	f.lookups++
	return f.byPostcode[postcode], nil
}

func TestFloorAreaSource_EnrichesProperties(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	seedProperty(t, st, "uprn-1", "SW15 6EJ", 0)
	seedProperty(t, st, "uprn-2", "SW15 1AB", 0)

	client := &fakeEPC{byPostcode: map[string]*epc.Certificate{
		"SW15 6EJ": {LMKKey: "k1", FloorAreaSqft: 995.66, CurrentEnergyRating: "C"},
	}}
	src := NewFloorAreaSource(client, st, 0)

	res, err := src.Pull(ctx, []string{"SW15"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Rows)
	assert.Equal(t, 2, client.lookups)

	p, err := st.GetProperty(ctx, "uprn-1")
	require.NoError(t, err)
	require.NotNil(t, p.FloorAreaSqft)
	assert.InDelta(t, 995.66, *p.FloorAreaSqft, 0.01)
	assert.Equal(t, "C", p.EPCRating)

	// No certificate: untouched, not an error.
	p2, err := st.GetProperty(ctx, "uprn-2")
	require.NoError(t, err)
	assert.Nil(t, p2.FloorAreaSqft)

	changed, err := st.ChangedProperties(ctx, []string{"SW15"})
	require.NoError(t, err)
	require.Len(t, changed, 1)
	assert.Equal(t, "uprn-1", changed[0].UPRN)
}

func TestFloorAreaSource_RepeatPullMarksNothing(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	seedProperty(t, st, "uprn-1", "SW15 6EJ", 0)
	client := &fakeEPC{byPostcode: map[string]*epc.Certificate{
		"SW15 6EJ": {LMKKey: "k1", FloorAreaSqft: 995.66, CurrentEnergyRating: "C"},
	}}
	src := NewFloorAreaSource(client, st, 0)

	_, err := src.Pull(ctx, []string{"SW15"})
	require.NoError(t, err)

	changed, err := st.ChangedProperties(ctx, []string{"SW15"})
	require.NoError(t, err)
	require.Len(t, changed, 1)
	require.NoError(t, st.ClearChanged(ctx, changed[0].UPRN, changed[0].ChangedAt))

	// Same certificate again: no delta, no mark.
	_, err = src.Pull(ctx, []string{"SW15"})
	require.NoError(t, err)

	changed, err = st.ChangedProperties(ctx, []string{"SW15"})
	require.NoError(t, err)
	assert.Empty(t, changed)
}

func TestFloorAreaSource_Defaults(t *testing.T) {
	src := NewFloorAreaSource(&fakeEPC{}, newTestStore(t), 0)
	assert.Equal(t, "epc", src.Name())
	assert.Equal(t, 7*24*time.Hour, src.FreshnessWindow())
}
