package ingest

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/propscan/propscan-cli/internal/comparables"
	"github.com/propscan/propscan-cli/internal/store"
	"github.com/propscan/propscan-cli/internal/valuation"
)

const defaultRecomputeConcurrency = 8

// keyedMutex serializes work per key while allowing different keys to
// proceed in parallel.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*sync.Mutex)
	}
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()

	m.Lock()
	return m.Unlock
}

// Recomputer refreshes valuation metrics for properties whose inputs
// changed. Properties are processed in parallel with a per-UPRN mutex
// so at most one recompute per property runs at a time; change marks
// that arrive mid-recompute survive the clear and trigger another pass.
type Recomputer struct {
	st    store.Store
	sel   *comparables.Selector
	calc  *valuation.Calculator
	keyed keyedMutex
	limit int
	now   func() time.Time
	log   *zap.Logger
}

// NewRecomputer wires a recomputer over the selector and calculator.
func NewRecomputer(st store.Store, sel *comparables.Selector, calc *valuation.Calculator) *Recomputer {
	return &Recomputer{
		st:    st,
		sel:   sel,
		calc:  calc,
		limit: defaultRecomputeConcurrency,
		now:   time.Now,
		log:   zap.L().Named("recompute"),
	}
}

// SetConcurrency bounds how many properties recompute in parallel.
// Values below 1 keep the default.
func (r *Recomputer) SetConcurrency(n int) {
	if n >= 1 {
		r.limit = n
	}
}

// Recompute refreshes metrics for every changed property in the given
// districts. Returns how many properties were recomputed and how many
// in scope were left untouched.
func (r *Recomputer) Recompute(ctx context.Context, districts []string) (int, int, error) {
	changed, err := r.st.ChangedProperties(ctx, districts)
	if err != nil {
		return 0, 0, eris.Wrap(err, "recompute: list changed properties")
	}

	total := 0
	for _, d := range districts {
		props, err := r.st.PropertiesByDistrict(ctx, d)
		if err != nil {
			return 0, 0, eris.Wrapf(err, "recompute: count properties in %s", d)
		}
		total += len(props)
	}

	if len(changed) == 0 {
		r.log.Debug("nothing to recompute", zap.Strings("districts", districts))
		return 0, total, nil
	}

	var n atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.limit)
	for _, ch := range changed {
		ch := ch
		g.Go(func() error {
			wrote, err := r.recomputeOne(gctx, ch)
			if err != nil {
				return err
			}
			if wrote {
				n.Add(1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return int(n.Load()), 0, err
	}

	recomputed := int(n.Load())
	unchanged := total - recomputed
	if unchanged < 0 {
		unchanged = 0
	}
	return recomputed, unchanged, nil
}

func (r *Recomputer) recomputeOne(ctx context.Context, ch store.ChangedProperty) (bool, error) {
	unlock := r.keyed.lock(ch.UPRN)
	defer unlock()

	p, err := r.st.GetProperty(ctx, ch.UPRN)
	if eris.Is(err, store.ErrNotFound) {
		// Marked before the property record landed; drop the mark.
		return false, r.st.ClearChanged(ctx, ch.UPRN, ch.ChangedAt)
	}
	if err != nil {
		return false, eris.Wrapf(err, "recompute: load property %s", ch.UPRN)
	}

	var askingPrice float64
	haveListing := false
	if p.CurrentListingID != nil {
		l, err := r.st.GetListing(ctx, *p.CurrentListingID)
		switch {
		case err == nil:
			askingPrice = l.AskingPrice
			haveListing = true
		case eris.Is(err, store.ErrNotFound):
		default:
			return false, eris.Wrapf(err, "recompute: load listing for %s", ch.UPRN)
		}
	}

	// Metrics exist only for properties with a floor area and a live
	// listing; anything else stays metrics-less rather than persisting
	// an all-nil row.
	if !haveListing || !p.HasFloorArea() {
		return false, r.st.ClearChanged(ctx, ch.UPRN, ch.ChangedAt)
	}

	sel, err := r.sel.Select(ctx, p, r.now().UTC())
	if err != nil {
		return false, eris.Wrapf(err, "recompute: select comparables for %s", ch.UPRN)
	}

	m := r.calc.Compute(p, askingPrice, sel.Comparables, r.now().UTC())
	if err := r.st.UpsertMetrics(ctx, &m); err != nil {
		return false, eris.Wrapf(err, "recompute: store metrics for %s", ch.UPRN)
	}

	// Clear only the mark we saw; a newer mark survives for the next run.
	return true, r.st.ClearChanged(ctx, ch.UPRN, ch.ChangedAt)
}
