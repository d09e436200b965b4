package ingest

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/propscan/propscan-cli/internal/address"
	"github.com/propscan/propscan-cli/internal/fetcher"
	"github.com/propscan/propscan-cli/internal/model"
	"github.com/propscan/propscan-cli/internal/resolve"
	"github.com/propscan/propscan-cli/internal/store"
)

const importBatchSize = 500

// ppd column indexes in the Land Registry price-paid bulk CSV.
const (
	ppdPrice    = 1
	ppdDate     = 2
	ppdPostcode = 3
	ppdType     = 4
	ppdPAON     = 7
	ppdSAON     = 8
	ppdStreet   = 9
	ppdTown     = 11
	ppdCategory = 14
	ppdColumns  = 15
)

// ImportResult summarizes a bulk price-paid import.
type ImportResult struct {
	Rows       int64
	Inserted   int
	Registered int
	Skipped    int
}

// PricePaidImporter loads the Land Registry price-paid bulk CSV
// (the monthly or complete download) straight into the transaction
// corpus. Inserts run in batches; re-importing the same file adds
// nothing and marks nothing for recompute.
type PricePaidImporter struct {
	st       store.Store
	resolver *resolve.Resolver
	cacheDir string
	now      func() time.Time
	log      *zap.Logger
}

// NewPricePaidImporter wires a bulk importer.
func NewPricePaidImporter(st store.Store, resolver *resolve.Resolver) *PricePaidImporter {
	return &PricePaidImporter{
		st:       st,
		resolver: resolver,
		now:      time.Now,
		log:      zap.L().Named("ingest.import"),
	}
}

// ImportFile streams the CSV named by path, which may be a local file,
// an http(s) URL, or a zipped export of either. Rows with an unparsable
// price, date, or an empty postcode are counted as skipped, not fatal.
func (im *PricePaidImporter) ImportFile(ctx context.Context, path string) (*ImportResult, error) {
	local, cleanup, err := im.stage(ctx, path)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	f, err := os.Open(local)
	if err != nil {
		return nil, eris.Wrapf(err, "import: open %s", local)
	}
	defer f.Close()

	res := &ImportResult{}
	now := im.now().UTC()

	batch := make([]model.HistoricalTransaction, 0, importBatchSize)
	batchUPRNs := make([]string, 0, importBatchSize)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		inserted, err := im.st.InsertTransactions(ctx, batch)
		if err != nil {
			return eris.Wrap(err, "import: insert batch")
		}
		res.Inserted += inserted
		if inserted > 0 {
			for _, uprn := range batchUPRNs {
				if err := im.st.MarkChanged(ctx, uprn, now); err != nil {
					return eris.Wrapf(err, "import: mark changed %s", uprn)
				}
			}
		}
		batch = batch[:0]
		batchUPRNs = batchUPRNs[:0]
		return nil
	}

	rowCh, errCh := fetcher.StreamCSV(ctx, f, fetcher.CSVOptions{TrimSpace: true})
	for row := range rowCh {
		res.Rows++

		tx, uprn, registered, err := im.parseRow(ctx, row)
		if err != nil {
			im.log.Debug("skipping row", zap.Int64("row", res.Rows), zap.Error(err))
			res.Skipped++
			continue
		}
		if tx == nil {
			res.Skipped++
			continue
		}
		if registered {
			res.Registered++
		}

		batch = append(batch, *tx)
		batchUPRNs = append(batchUPRNs, uprn)
		if len(batch) >= importBatchSize {
			if err := flush(); err != nil {
				return nil, err
			}
		}
	}
	if err := <-errCh; err != nil {
		return nil, eris.Wrapf(err, "import: read %s", path)
	}
	if err := flush(); err != nil {
		return nil, err
	}

	im.log.Info("import complete",
		zap.String("path", path),
		zap.Int64("rows", res.Rows),
		zap.Int("inserted", res.Inserted),
		zap.Int("registered", res.Registered),
		zap.Int("skipped", res.Skipped),
	)
	return res, nil
}

// SetCacheDir keeps remote downloads in dir between imports so a
// monthly file whose ETag has not moved is not pulled twice.
func (im *PricePaidImporter) SetCacheDir(dir string) {
	im.cacheDir = dir
}

// stage makes the import input available as a local CSV file. Remote
// inputs are downloaded through the rate-limited fetcher, zipped
// exports are unpacked. The returned cleanup removes any staging dir.
func (im *PricePaidImporter) stage(ctx context.Context, path string) (string, func(), error) {
	cleanup := func() {}

	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		if im.cacheDir != "" {
			local, err := im.fetchCached(ctx, path)
			if err != nil {
				return "", cleanup, err
			}
			path = local
		} else {
			dir, err := os.MkdirTemp("", "ppd-import-*")
			if err != nil {
				return "", cleanup, eris.Wrap(err, "import: create staging dir")
			}
			cleanup = func() { _ = os.RemoveAll(dir) }

			local := filepath.Join(dir, remoteName(path))
			hf := fetcher.NewHTTPFetcher(fetcher.HTTPOptions{RateLimiters: fetcher.DefaultRateLimiters()})
			n, err := hf.DownloadToFile(ctx, path, local)
			if err != nil {
				cleanup()
				return "", func() {}, eris.Wrapf(err, "import: download %s", path)
			}
			im.log.Info("downloaded export", zap.String("url", path), zap.Int64("bytes", n))
			path = local
		}
	}

	if strings.EqualFold(filepath.Ext(path), ".zip") {
		dir, err := os.MkdirTemp("", "ppd-unzip-*")
		if err != nil {
			cleanup()
			return "", func() {}, eris.Wrap(err, "import: create unzip dir")
		}
		prev := cleanup
		cleanup = func() { _ = os.RemoveAll(dir); prev() }

		extracted, err := fetcher.ExtractZIPSingle(path, dir)
		if err != nil {
			cleanup()
			return "", func() {}, eris.Wrapf(err, "import: unzip %s", path)
		}
		path = extracted
	}

	return path, cleanup, nil
}

// fetchCached downloads url into the cache dir, skipping the transfer
// when the server reports the ETag recorded alongside the cached copy.
func (im *PricePaidImporter) fetchCached(ctx context.Context, url string) (string, error) {
	if err := os.MkdirAll(im.cacheDir, 0o755); err != nil {
		return "", eris.Wrap(err, "import: create cache dir")
	}
	local := filepath.Join(im.cacheDir, remoteName(url))
	etagFile := local + ".etag"

	var prevTag string
	if b, err := os.ReadFile(etagFile); err == nil {
		prevTag = strings.TrimSpace(string(b))
	}
	if _, err := os.Stat(local); err != nil {
		prevTag = ""
	}

	hf := fetcher.NewHTTPFetcher(fetcher.HTTPOptions{RateLimiters: fetcher.DefaultRateLimiters()})

	// A cheap HEAD settles most unchanged months without the
	// conditional GET round trip.
	if prevTag != "" {
		if tag, err := hf.HeadETag(ctx, url); err == nil && tag == prevTag {
			im.log.Info("export unchanged, reusing cached copy", zap.String("url", url))
			return local, nil
		}
	}

	body, newTag, changed, err := hf.DownloadIfChanged(ctx, url, prevTag)
	if err != nil {
		return "", eris.Wrapf(err, "import: download %s", url)
	}
	if !changed {
		im.log.Info("export unchanged, reusing cached copy", zap.String("url", url))
		return local, nil
	}
	defer body.Close()

	out, err := os.Create(local)
	if err != nil {
		return "", eris.Wrapf(err, "import: create %s", local)
	}
	n, err := io.Copy(out, body)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(local)
		return "", eris.Wrapf(err, "import: write %s", local)
	}
	if newTag != "" {
		if err := os.WriteFile(etagFile, []byte(newTag), 0o644); err != nil {
			return "", eris.Wrapf(err, "import: write %s", etagFile)
		}
	} else {
		_ = os.Remove(etagFile)
	}
	im.log.Info("downloaded export", zap.String("url", url), zap.Int64("bytes", n))
	return local, nil
}

// remoteName derives a local file name from a download URL.
func remoteName(url string) string {
	name := filepath.Base(url)
	if i := strings.IndexAny(name, "?#"); i >= 0 {
		name = name[:i]
	}
	if name == "" || name == "." || name == "/" {
		name = "download.csv"
	}
	return name
}

// parseRow maps one bulk CSV row, resolving or registering the
// property identity. Returns a nil transaction for rows outside the
// supported shape.
func (im *PricePaidImporter) parseRow(ctx context.Context, row []string) (*model.HistoricalTransaction, string, bool, error) {
	if len(row) < ppdColumns {
		return nil, "", false, eris.Errorf("short row, want %d columns, got %d", ppdColumns, len(row))
	}
	if row[ppdPostcode] == "" {
		return nil, "", false, nil
	}

	price, err := strconv.ParseFloat(row[ppdPrice], 64)
	if err != nil {
		return nil, "", false, eris.Wrapf(err, "price %q", row[ppdPrice])
	}
	date, err := time.Parse("2006-01-02", strings.SplitN(row[ppdDate], " ", 2)[0])
	if err != nil {
		return nil, "", false, eris.Wrapf(err, "date %q", row[ppdDate])
	}

	norm := address.Normalize(model.Address{
		PAON:     row[ppdPAON],
		SAON:     row[ppdSAON],
		Street:   row[ppdStreet],
		Town:     row[ppdTown],
		Postcode: row[ppdPostcode],
	})

	uprn, registered, err := im.resolveOrRegister(ctx, norm, row[ppdType])
	if err != nil {
		return nil, "", false, err
	}

	category := model.CategoryStandard
	if strings.EqualFold(row[ppdCategory], "B") {
		category = model.CategoryAdditional
	}

	return &model.HistoricalTransaction{
		ID:             uuid.NewString(),
		UPRN:           uprn,
		PricePaid:      price,
		DateOfTransfer: date,
		Category:       category,
	}, uprn, registered, nil
}

func (im *PricePaidImporter) resolveOrRegister(ctx context.Context, norm model.Address, typeCode string) (string, bool, error) {
	raw := strings.Join(strings.Fields(norm.SAON+" "+norm.PAON+" "+norm.Street), " ") + ", " + norm.Town + ", " + norm.Postcode

	match, err := im.resolver.Resolve(ctx, raw)
	if err == nil {
		return match.UPRN, false, nil
	}
	if !eris.Is(err, resolve.ErrUnresolved) {
		return "", false, eris.Wrapf(err, "resolve %q", raw)
	}

	uprn := resolve.MintUPRN(address.Fingerprint(norm))
	p := &model.CanonicalProperty{
		UPRN:         uprn,
		Address:      norm,
		PropertyType: parseTypeCode(typeCode),
	}
	if err := im.resolver.RegisterAuthoritative(ctx, p); err != nil {
		return "", false, eris.Wrapf(err, "register %q", raw)
	}
	return uprn, true, nil
}

// parseTypeCode maps the bulk CSV single-letter type codes.
func parseTypeCode(code string) model.PropertyType {
	switch strings.ToUpper(strings.TrimSpace(code)) {
	case "D":
		return model.TypeDetached
	case "S":
		return model.TypeSemiDetached
	case "T":
		return model.TypeTerraced
	case "F":
		return model.TypeFlat
	default:
		return ""
	}
}
