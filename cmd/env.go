package main

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/propscan/propscan-cli/internal/comparables"
	"github.com/propscan/propscan-cli/internal/ingest"
	"github.com/propscan/propscan-cli/internal/resilience"
	"github.com/propscan/propscan-cli/internal/resolve"
	"github.com/propscan/propscan-cli/internal/store"
	"github.com/propscan/propscan-cli/internal/valuation"
	"github.com/propscan/propscan-cli/pkg/epc"
	"github.com/propscan/propscan-cli/pkg/landreg"
)

// appEnv holds the store and engine components shared by the serve,
// ingest, and import commands.
type appEnv struct {
	Store       store.Store
	Resolver    *resolve.Resolver
	Selector    *comparables.Selector
	Coordinator *ingest.Coordinator
	Importer    *ingest.PricePaidImporter
}

// Close releases resources held by the environment.
func (e *appEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		path := cfg.Store.Path
		if path == "" {
			path = "propscan.db"
		}
		return store.NewSQLite(path)
	case "postgres":
		if cfg.Store.DatabaseURL == "" {
			return nil, eris.New("postgres DSN is required (PROPSCAN_STORE_DATABASE_URL)")
		}
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, nil)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// initEnv sets up the store, resolver, data sources, and the ingestion
// coordinator. Callers should defer env.Close().
func initEnv(ctx context.Context) (*appEnv, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	resolver := resolve.NewResolver(st, resolve.Config{
		FuzzyThreshold: cfg.Resolver.FuzzyThreshold,
	})

	var adj comparables.Adjacency
	if cfg.Comparables.DistrictsFile != "" {
		adj, err = comparables.LoadAdjacency(cfg.Comparables.DistrictsFile)
		if err != nil {
			zap.L().Warn("district adjacency not loaded, comparable search stays within-district",
				zap.String("path", cfg.Comparables.DistrictsFile),
				zap.Error(err),
			)
			adj = nil
		}
	}

	sel := comparables.NewSelector(st, adj, comparables.Config{
		WindowMonths:   cfg.Comparables.WindowMonths,
		MinComparables: cfg.Comparables.MinComparables,
		OutlierFactor:  cfg.Comparables.OutlierFactor,
	})
	calc := valuation.NewCalculator(valuation.Config{
		MinComparables: cfg.Comparables.MinComparables,
	}, valuation.StaticYieldEstimator{})

	landregClient := landreg.NewClient(
		landreg.WithBaseURL(cfg.LandReg.BaseURL),
		landreg.WithLimit(cfg.LandReg.Limit),
	)

	sources := []ingest.Source{
		ingest.NewLandRegistrySource(landregClient, st, resolver, ingest.LandRegistryConfig{
			LookbackMonths: cfg.LandReg.LookbackMonths,
			Freshness:      cfg.LandReg.Freshness,
		}),
	}

	// EPC enrichment is optional, the API needs registered credentials.
	if cfg.EPC.Email != "" && cfg.EPC.APIKey != "" {
		epcClient := epc.NewClient(cfg.EPC.Email, cfg.EPC.APIKey, epc.WithBaseURL(cfg.EPC.BaseURL))
		sources = append(sources, ingest.NewFloorAreaSource(epcClient, st, cfg.EPC.Freshness))
		zap.L().Info("epc floor area enrichment enabled")
	} else {
		zap.L().Debug("PROPSCAN_EPC_API_KEY not set, floor area enrichment disabled")
	}

	for _, path := range cfg.Ingest.ListingFixtures {
		name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		sources = append(sources, ingest.NewStaticListingSource(name, path, st, resolver, cfg.Ingest.ListingFreshness))
	}

	rec := ingest.NewRecomputer(st, sel, calc)
	rec.SetConcurrency(cfg.Ingest.RecomputeConcurrency)

	coord := ingest.NewCoordinator(st, sources, rec, ingest.CoordinatorConfig{
		Retry: resilience.RetryConfig{
			MaxAttempts:    cfg.Ingest.Retry.MaxAttempts,
			InitialBackoff: cfg.Ingest.Retry.InitialBackoff,
			MaxBackoff:     cfg.Ingest.Retry.MaxBackoff,
			Multiplier:     cfg.Ingest.Retry.Multiplier,
		},
		Breaker: resilience.CircuitBreakerConfig{
			FailureThreshold:  cfg.Ingest.Breaker.FailureThreshold,
			ResetTimeout:      cfg.Ingest.Breaker.ResetTimeout,
			HalfOpenMaxProbes: cfg.Ingest.Breaker.HalfOpenMaxProbes,
		},
	})

	return &appEnv{
		Store:       st,
		Resolver:    resolver,
		Selector:    sel,
		Coordinator: coord,
		Importer:    ingest.NewPricePaidImporter(st, resolver),
	}, nil
}
