package ingest

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/propscan/propscan-cli/internal/address"
	"github.com/propscan/propscan-cli/internal/model"
	"github.com/propscan/propscan-cli/internal/resolve"
	"github.com/propscan/propscan-cli/internal/store"
	"github.com/propscan/propscan-cli/pkg/landreg"
)

const (
	sourceLandRegistry = "land-registry"

	defaultLandRegistryFreshness = 24 * time.Hour
	defaultLookbackMonths        = 13
)

// LandRegistryConfig tunes the price-paid feed.
type LandRegistryConfig struct {
	// LookbackMonths bounds how far back each pull queries. One month
	// beyond the comparable window so a fresh corpus fills the whole
	// benchmark range.
	LookbackMonths int           `yaml:"lookback_months" mapstructure:"lookback_months"`
	Freshness      time.Duration `yaml:"freshness" mapstructure:"freshness"`
}

// LandRegistrySource pulls completed sales from the HM Land Registry
// price-paid feed, sector by sector. Sale records carry authoritative
// structured addresses: unseen addresses register a new canonical
// property with a minted identity.
type LandRegistrySource struct {
	client    landreg.Client
	st        store.Store
	resolver  *resolve.Resolver
	lookback  int
	freshness time.Duration
	now       func() time.Time
	log       *zap.Logger
}

// NewLandRegistrySource wires the price-paid feed.
func NewLandRegistrySource(client landreg.Client, st store.Store, resolver *resolve.Resolver, cfg LandRegistryConfig) *LandRegistrySource {
	if cfg.LookbackMonths <= 0 {
		cfg.LookbackMonths = defaultLookbackMonths
	}
	if cfg.Freshness <= 0 {
		cfg.Freshness = defaultLandRegistryFreshness
	}
	return &LandRegistrySource{
		client:    client,
		st:        st,
		resolver:  resolver,
		lookback:  cfg.LookbackMonths,
		freshness: cfg.Freshness,
		now:       time.Now,
		log:       zap.L().Named("ingest.landregistry"),
	}
}

func (s *LandRegistrySource) Name() string { return sourceLandRegistry }

func (s *LandRegistrySource) FreshnessWindow() time.Duration { return s.freshness }

// Pull queries every sector of every district in scope. Dedup happens
// at insert time, so overlapping pulls are safe to repeat.
func (s *LandRegistrySource) Pull(ctx context.Context, scope []string) (*PullResult, error) {
	res := &PullResult{}
	now := s.now().UTC()
	minDate := now.AddDate(0, -s.lookback, 0)

	for _, district := range scope {
		for digit := 0; digit <= 9; digit++ {
			sector := fmt.Sprintf("%s %d", strings.ToUpper(district), digit)

			txs, err := s.client.QueryTransactions(ctx, landreg.TransactionQuery{
				PostcodeSector: sector,
				MinDate:        minDate,
			})
			if err != nil {
				return nil, eris.Wrapf(err, "landregistry: query sector %s", sector)
			}

			res.Rows += int64(len(txs))
			for i := range txs {
				if err := s.apply(ctx, res, &txs[i], now); err != nil {
					return nil, err
				}
			}
		}
	}
	return res, nil
}

func (s *LandRegistrySource) apply(ctx context.Context, res *PullResult, tx *landreg.Transaction, now time.Time) error {
	raw := rawAddress(tx)

	match, err := s.resolver.Resolve(ctx, raw)
	var uprn string
	switch {
	case err == nil:
		uprn = match.UPRN
		res.Counts.PropertiesResolved++
	case eris.Is(err, resolve.ErrUnresolved):
		// First sighting of this address; register it.
		norm := address.Normalize(model.Address{
			PAON:     tx.PAON,
			SAON:     tx.SAON,
			Street:   tx.Street,
			Town:     tx.Town,
			Postcode: tx.Postcode,
		})
		uprn = resolve.MintUPRN(address.Fingerprint(norm))
		p := &model.CanonicalProperty{
			UPRN:         uprn,
			Address:      norm,
			PropertyType: model.ParsePropertyType(tx.PropertyType),
		}
		if err := s.resolver.RegisterAuthoritative(ctx, p); err != nil {
			return eris.Wrapf(err, "landregistry: register %s", raw)
		}
		res.Counts.PropertiesResolved++
	default:
		return eris.Wrapf(err, "landregistry: resolve %s", raw)
	}

	inserted, err := s.st.InsertTransaction(ctx, &model.HistoricalTransaction{
		ID:             uuid.NewString(),
		UPRN:           uprn,
		PricePaid:      tx.PricePaid,
		DateOfTransfer: tx.Date,
		Category:       model.CategoryStandard,
	})
	if err != nil {
		return eris.Wrapf(err, "landregistry: insert transaction for %s", uprn)
	}
	if inserted {
		res.Counts.TransactionsAdded++
		if err := s.st.MarkChanged(ctx, uprn, now); err != nil {
			return eris.Wrapf(err, "landregistry: mark changed %s", uprn)
		}
	}
	return nil
}

// rawAddress composes a resolvable address line from the feed's
// structured components.
func rawAddress(tx *landreg.Transaction) string {
	var parts []string
	if tx.SAON != "" {
		parts = append(parts, tx.SAON)
	}
	first := strings.TrimSpace(tx.PAON + " " + tx.Street)
	if first != "" {
		parts = append(parts, first)
	}
	if tx.Town != "" {
		parts = append(parts, tx.Town)
	}
	if tx.Postcode != "" {
		parts = append(parts, tx.Postcode)
	}
	return strings.Join(parts, ", ")
}
