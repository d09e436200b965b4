package ingest

import (
	"archive/zip"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const ppdFixture = `"{A1}","480000","2026-03-14 00:00","SW15 6EJ","T","N","F","42","","HIGH STREET","","PUTNEY","WANDSWORTH","GREATER LONDON","A","A"
"{A2}","510000","2026-01-09 00:00","SW15 6EJ","T","N","F","44","","HIGH STREET","","PUTNEY","WANDSWORTH","GREATER LONDON","A","A"
"{A3}","325000","2025-11-30 00:00","SW15 1AB","F","N","L","7","FLAT 2","KING STREET","","PUTNEY","WANDSWORTH","GREATER LONDON","B","A"
"{A4}","999999","not-a-date","SW15 1AB","F","N","L","9","","KING STREET","","PUTNEY","WANDSWORTH","GREATER LONDON","A","A"
`

func writePPDFixture(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pp-monthly.csv")
	require.NoError(t, os.WriteFile(path, []byte(ppdFixture), 0o644))
	return path
}

func TestPricePaidImporter_ImportFile(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	im := NewPricePaidImporter(st, newTestResolver(st))
	res, err := im.ImportFile(ctx, writePPDFixture(t))
	require.NoError(t, err)

	assert.Equal(t, int64(4), res.Rows)
	assert.Equal(t, 3, res.Inserted)
	assert.Equal(t, 3, res.Registered)
	assert.Equal(t, 1, res.Skipped)

	districts, err := st.Districts(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"SW15"}, districts)

	props, err := st.PropertiesByDistrict(ctx, "SW15")
	require.NoError(t, err)
	assert.Len(t, props, 3)

	changed, err := st.ChangedProperties(ctx, []string{"SW15"})
	require.NoError(t, err)
	assert.Len(t, changed, 3)
}

func TestPricePaidImporter_ReimportAddsNothing(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	path := writePPDFixture(t)

	im := NewPricePaidImporter(st, newTestResolver(st))
	_, err := im.ImportFile(ctx, path)
	require.NoError(t, err)

	changed, err := st.ChangedProperties(ctx, nil)
	require.NoError(t, err)
	for _, ch := range changed {
		require.NoError(t, st.ClearChanged(ctx, ch.UPRN, ch.ChangedAt))
	}

	res, err := im.ImportFile(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Inserted)
	assert.Equal(t, 0, res.Registered)

	changed, err = st.ChangedProperties(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, changed)
}

func TestPricePaidImporter_ImportZippedExport(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	zipPath := filepath.Join(t.TempDir(), "pp-monthly.zip")
	zf, err := os.Create(zipPath)
	require.NoError(t, err)
	zw := zip.NewWriter(zf)
	entry, err := zw.Create("pp-monthly.csv")
	require.NoError(t, err)
	_, err = entry.Write([]byte(ppdFixture))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, zf.Close())

	im := NewPricePaidImporter(st, newTestResolver(st))
	res, err := im.ImportFile(ctx, zipPath)
	require.NoError(t, err)

	assert.Equal(t, int64(4), res.Rows)
	assert.Equal(t, 3, res.Inserted)
}

func TestPricePaidImporter_ImportFromURL(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(ppdFixture))
	}))
	defer srv.Close()

	im := NewPricePaidImporter(st, newTestResolver(st))
	res, err := im.ImportFile(ctx, srv.URL+"/pp-monthly.csv")
	require.NoError(t, err)

	assert.Equal(t, int64(4), res.Rows)
	assert.Equal(t, 3, res.Inserted)
	assert.Equal(t, 1, res.Skipped)
}

func TestPricePaidImporter_CacheDirSkipsUnchangedDownload(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	var gets, heads int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", `"march-2026"`)
		switch r.Method {
		case http.MethodHead:
			heads++
		case http.MethodGet:
			if r.Header.Get("If-None-Match") == `"march-2026"` {
				w.WriteHeader(http.StatusNotModified)
				return
			}
			gets++
			_, _ = w.Write([]byte(ppdFixture))
		}
	}))
	defer srv.Close()

	cacheDir := t.TempDir()
	im := NewPricePaidImporter(st, newTestResolver(st))
	im.SetCacheDir(cacheDir)

	res, err := im.ImportFile(ctx, srv.URL+"/pp-monthly.csv")
	require.NoError(t, err)
	assert.Equal(t, int64(4), res.Rows)
	assert.Equal(t, 1, gets)
	assert.FileExists(t, filepath.Join(cacheDir, "pp-monthly.csv"))
	assert.FileExists(t, filepath.Join(cacheDir, "pp-monthly.csv.etag"))

	res, err = im.ImportFile(ctx, srv.URL+"/pp-monthly.csv")
	require.NoError(t, err)
	assert.Equal(t, int64(4), res.Rows)
	assert.Equal(t, 1, gets, "unchanged export should be served from the cache")
	assert.GreaterOrEqual(t, heads, 1)
}

func TestPricePaidImporter_CacheDirRedownloadsOnNewETag(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	tag := `"v1"`
	var gets int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", tag)
		if r.Method != http.MethodGet {
			return
		}
		if r.Header.Get("If-None-Match") == tag {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		gets++
		_, _ = w.Write([]byte(ppdFixture))
	}))
	defer srv.Close()

	im := NewPricePaidImporter(st, newTestResolver(st))
	im.SetCacheDir(t.TempDir())

	_, err := im.ImportFile(ctx, srv.URL+"/pp-monthly.csv")
	require.NoError(t, err)
	require.Equal(t, 1, gets)

	tag = `"v2"`
	_, err = im.ImportFile(ctx, srv.URL+"/pp-monthly.csv")
	require.NoError(t, err)
	assert.Equal(t, 2, gets, "a new export version should be fetched")
}

func TestPricePaidImporter_MissingFile(t *testing.T) {
	st := newTestStore(t)

	im := NewPricePaidImporter(st, newTestResolver(st))
	_, err := im.ImportFile(context.Background(), filepath.Join(t.TempDir(), "absent.csv"))
	assert.Error(t, err)
}
