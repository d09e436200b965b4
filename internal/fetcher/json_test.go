package fetcher

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testListing struct {
	Address  string  `json:"address"`
	Postcode string  `json:"postcode"`
	Price    float64 `json:"price"`
}

func collectItems[T any](t *testing.T, outCh <-chan T, errCh <-chan error) ([]T, error) {
	t.Helper()
	var items []T
	for item := range outCh {
		items = append(items, item)
	}
	for err := range errCh {
		if err != nil {
			return items, err
		}
	}
	return items, nil
}

func TestDecodeJSONArray_Listings(t *testing.T) {
	input := `[
		{"address": "12 High St", "postcode": "YO1 7HH", "price": 325000},
		{"address": "Flat 3, 40 Mill Ln", "postcode": "YO1 6LJ", "price": 180000}
	]`

	outCh, errCh := DecodeJSONArray[testListing](context.Background(), strings.NewReader(input))
	items, err := collectItems(t, outCh, errCh)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "12 High St", items[0].Address)
	assert.Equal(t, "YO1 6LJ", items[1].Postcode)
	assert.Equal(t, 180000.0, items[1].Price)
}

func TestDecodeJSONArray_EmptyArray(t *testing.T) {
	outCh, errCh := DecodeJSONArray[testListing](context.Background(), strings.NewReader("[]"))
	items, err := collectItems(t, outCh, errCh)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestDecodeJSONArray_EmptyInput(t *testing.T) {
	outCh, errCh := DecodeJSONArray[testListing](context.Background(), strings.NewReader(""))
	items, err := collectItems(t, outCh, errCh)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestDecodeJSONArray_NotAnArray(t *testing.T) {
	outCh, errCh := DecodeJSONArray[testListing](context.Background(), strings.NewReader(`{"address": "12 High St"}`))
	_, err := collectItems(t, outCh, errCh)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expected '['")
}

func TestDecodeJSONArray_MalformedElement(t *testing.T) {
	input := `[{"address": "12 High St"}, {"price": "not-a-number"}]`
	outCh, errCh := DecodeJSONArray[testListing](context.Background(), strings.NewReader(input))
	items, err := collectItems(t, outCh, errCh)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode element")
	assert.Len(t, items, 1)
}

func TestDecodeJSONArray_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var sb strings.Builder
	sb.WriteString("[")
	for i := 0; i < 1000; i++ {
		if i > 0 {
			sb.WriteString(",")
		}
		sb.WriteString(`{"address": "12 High St", "price": 325000}`)
	}
	sb.WriteString("]")

	outCh, errCh := DecodeJSONArray[testListing](ctx, strings.NewReader(sb.String()))
	_, err := collectItems(t, outCh, errCh)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "context cancelled")
}
