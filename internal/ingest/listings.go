package ingest

import (
	"context"
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

const defaultListingFreshness = time.Hour

// StaticListingSource feeds listings from a fixture file (JSON array,
// CSV, or XLSX) or an in-memory slice. It is the reference Source
// implementation for listing connectors: records are resolved against
// the alias table, upserted keyed by external ref, and price or link
// changes mark the property for recompute.
type StaticListingSource struct {
	name      string
	path      string
	listings  []SourceListing
	st        store.Store
	resolver  *resolve.Resolver
	freshness time.Duration
	now       func() time.Time
	log       *zap.Logger
}

// NewStaticListingSource reads listings from the file at path. A zero
// freshness means the default hourly window.
func NewStaticListingSource(name, path string, st store.Store, resolver *resolve.Resolver, freshness time.Duration) *StaticListingSource {
	if freshness <= 0 {
		freshness = defaultListingFreshness
	}
	return &StaticListingSource{
		name:      name,
		path:      path,
		st:        st,
		resolver:  resolver,
		freshness: freshness,
		now:       time.Now,
		log:       zap.L().Named("ingest.listings").With(zap.String("source", name)),
	}
}

// NewInMemoryListingSource serves a fixed slice of listings.
func NewInMemoryListingSource(name string, listings []SourceListing, st store.Store, resolver *resolve.Resolver) *StaticListingSource {
	s := NewStaticListingSource(name, "", st, resolver, 0)
	s.listings = listings
	return s
}

func (s *StaticListingSource) Name() string { return s.name }

func (s *StaticListingSource) FreshnessWindow() time.Duration { return s.freshness }

func (s *StaticListingSource) Pull(ctx context.Context, scope []string) (*PullResult, error) {
	listings := s.listings
	if s.path != "" {
		loaded, err := s.load(ctx)
		if err != nil {
			return nil, err
		}
		listings = loaded
	}

	inScope := make(map[string]bool, len(scope))
	for _, d := range scope {
		inScope[strings.ToUpper(strings.TrimSpace(d))] = true
	}

	res := &PullResult{}
	now := s.now().UTC()

	for i := range listings {
		sl := &listings[i]
		if len(inScope) > 0 {
			district := address.Parse(sl.RawAddress).District()
			if !inScope[district] {
				continue
			}
		}
		res.Rows++

		if err := s.apply(ctx, res, sl, now); err != nil {
			return nil, err
		}
	}
	return res, nil
}

func (s *StaticListingSource) apply(ctx context.Context, res *PullResult, sl *SourceListing, now time.Time) error {
	l := &model.ActiveListing{
		ID:          uuid.NewString(),
		ExternalRef: sl.ExternalRef,
		AskingPrice: sl.AskingPrice,
		ListingDate: sl.ListingDate,
		AgentName:   sl.AgentName,
		Source:      sl.Source,
		RawPayload:  sl.RawPayload,
	}
	if l.Source == "" {
		l.Source = s.name
	}

	match, err := s.resolver.Resolve(ctx, sl.RawAddress)
	switch {
	case err == nil:
		l.UPRN = &match.UPRN
		res.Counts.PropertiesResolved++
	case eris.Is(err, resolve.ErrUnresolved):
		// Listing stays unlinked until the address resolves.
		res.Counts.Unresolved++
	default:
		return eris.Wrapf(err, "listings: resolve %q", sl.RawAddress)
	}

	delta, err := s.st.UpsertListing(ctx, l)
	if err != nil {
		return eris.Wrapf(err, "listings: upsert %s", sl.ExternalRef)
	}
	res.Counts.ListingsUpserted++

	if delta.UPRNConflict {
		s.log.Warn("listing already linked to a different property, keeping original",
			zap.String("external_ref", sl.ExternalRef),
			zap.Stringp("linked_uprn", delta.Listing.UPRN),
			zap.Stringp("incoming_uprn", l.UPRN),
		)
	}

	if delta.Listing.UPRN == nil {
		return nil
	}
	uprn := *delta.Listing.UPRN

	if delta.Created || delta.Linked {
		if err := s.st.SetCurrentListing(ctx, uprn, delta.Listing.ID); err != nil {
			return eris.Wrapf(err, "listings: link current listing %s", uprn)
		}
	}
	if delta.Created || delta.Linked || delta.PriceChanged {
		if err := s.st.MarkChanged(ctx, uprn, now); err != nil {
			return eris.Wrapf(err, "listings: mark changed %s", uprn)
		}
	}
	return nil
}

// load parses the fixture file by extension.
func (s *StaticListingSource) load(ctx context.Context) ([]SourceListing, error) {
	switch strings.ToLower(filepath.Ext(s.path)) {
	case ".json":
		return s.loadJSON(ctx)
	case ".csv":
		return s.loadCSV(ctx)
	case ".xlsx":
		return s.loadXLSX()
	default:
		return nil, eris.Errorf("listings: unsupported fixture format %q", filepath.Ext(s.path))
	}
}

func (s *StaticListingSource) loadJSON(ctx context.Context) ([]SourceListing, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, eris.Wrapf(err, "listings: open %s", s.path)
	}
	defer f.Close()

	var out []SourceListing
	rowCh, errCh := fetcher.DecodeJSONArray[SourceListing](ctx, f)
	for sl := range rowCh {
		out = append(out, sl)
	}
	if err := <-errCh; err != nil {
		return nil, eris.Wrapf(err, "listings: decode %s", s.path)
	}
	return out, nil
}

func (s *StaticListingSource) loadCSV(ctx context.Context) ([]SourceListing, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, eris.Wrapf(err, "listings: open %s", s.path)
	}
	defer f.Close()

	var out []SourceListing
	rowCh, errCh := fetcher.StreamCSV(ctx, f, fetcher.CSVOptions{HasHeader: true, TrimSpace: true})
	for row := range rowCh {
		sl, err := listingFromRow(row)
		if err != nil {
			return nil, eris.Wrapf(err, "listings: parse row in %s", s.path)
		}
		out = append(out, sl)
	}
	if err := <-errCh; err != nil {
		return nil, eris.Wrapf(err, "listings: read %s", s.path)
	}
	return out, nil
}

func (s *StaticListingSource) loadXLSX() ([]SourceListing, error) {
	rows, err := fetcher.ReadXLSX(s.path, fetcher.XLSXOptions{SkipRows: 1})
	if err != nil {
		return nil, eris.Wrapf(err, "listings: read %s", s.path)
	}

	out := make([]SourceListing, 0, len(rows))
	for _, row := range rows {
		sl, err := listingFromRow(row)
		if err != nil {
			return nil, eris.Wrapf(err, "listings: parse row in %s", s.path)
		}
		out = append(out, sl)
	}
	return out, nil
}

// listingFromRow maps the tabular fixture layout:
// external_ref, raw_address, asking_price, listing_date, agent_name.
func listingFromRow(row []string) (SourceListing, error) {
	if len(row) < 4 {
		return SourceListing{}, eris.Errorf("short row, want at least 4 columns, got %d", len(row))
	}

	price, err := strconv.ParseFloat(strings.TrimSpace(row[2]), 64)
	if err != nil {
		return SourceListing{}, eris.Wrapf(err, "asking price %q", row[2])
	}
	date, err := time.Parse("2006-01-02", strings.TrimSpace(row[3]))
	if err != nil {
		return SourceListing{}, eris.Wrapf(err, "listing date %q", row[3])
	}

	sl := SourceListing{
		ExternalRef: strings.TrimSpace(row[0]),
		RawAddress:  strings.TrimSpace(row[1]),
		AskingPrice: price,
		ListingDate: date,
	}
	if len(row) > 4 {
		sl.AgentName = strings.TrimSpace(row[4])
	}
	return sl, nil
}
