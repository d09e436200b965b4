// Package resolve links raw address strings to canonical UPRNs using a
// three-tier cascade: alias lookup, authoritative registration, then
// fuzzy matching against candidates in the same postcode district.
package resolve

import (
	"context"
	"sort"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/propscan/propscan-cli/internal/address"
	"github.com/propscan/propscan-cli/internal/model"
	"github.com/propscan/propscan-cli/internal/store"
)

// ErrUnresolved is returned when no canonical property matches an address.
var ErrUnresolved = eris.New("resolve: unresolved address")

// DefaultFuzzyThreshold is the minimum similarity score a fuzzy candidate
// must reach to be accepted.
const DefaultFuzzyThreshold = 0.70

// Match type labels stored on the alias table.
const (
	MatchAlias = "alias"
	MatchExact = "exact"
	MatchFuzzy = "fuzzy"
)

// PropertyStore is the subset of the store the resolver needs.
type PropertyStore interface {
	GetAlias(ctx context.Context, fingerprint string) (*store.Alias, error)
	UpsertAlias(ctx context.Context, a *store.Alias) error
	GetProperty(ctx context.Context, uprn string) (*model.CanonicalProperty, error)
	UpsertProperty(ctx context.Context, p *model.CanonicalProperty) error
	CandidatesByDistrict(ctx context.Context, district string) ([]model.CanonicalProperty, error)
}

// Match is the outcome of a successful resolution.
type Match struct {
	UPRN       string  `json:"uprn"`
	MatchType  string  `json:"match_type"`
	Confidence float64 `json:"confidence"`
}

// Config tunes the resolver.
type Config struct {
	FuzzyThreshold float64 `yaml:"fuzzy_threshold" mapstructure:"fuzzy_threshold"`
}

// Resolver maps addresses to UPRNs. Results are memoized in the alias
// table so the same input always resolves the same way.
type Resolver struct {
	store     PropertyStore
	threshold float64
	log       *zap.Logger
}

// NewResolver creates a Resolver backed by the given store.
func NewResolver(st PropertyStore, cfg Config) *Resolver {
	threshold := cfg.FuzzyThreshold
	if threshold <= 0 {
		threshold = DefaultFuzzyThreshold
	}
	return &Resolver{
		store:     st,
		threshold: threshold,
		log:       zap.L().Named("resolve"),
	}
}

// Resolve maps a raw address string to a UPRN. The cascade is: alias
// table hit, then fuzzy matching against properties in the same postcode
// district. Unmatchable addresses return ErrUnresolved; the caller keeps
// the record unlinked rather than guessing.
func (r *Resolver) Resolve(ctx context.Context, raw string) (*Match, error) {
	parsed := address.Normalize(address.Parse(raw))
	fp := address.Fingerprint(parsed)

	alias, err := r.store.GetAlias(ctx, fp)
	if err != nil && !eris.Is(err, store.ErrNotFound) {
		return nil, eris.Wrap(err, "resolve: alias lookup")
	}
	if alias != nil {
		return &Match{UPRN: alias.UPRN, MatchType: MatchAlias, Confidence: alias.Confidence}, nil
	}

	match, err := r.fuzzyMatch(ctx, parsed)
	if err != nil {
		return nil, err
	}
	if match == nil {
		return nil, eris.Wrapf(ErrUnresolved, "%q", raw)
	}

	if err := r.store.UpsertAlias(ctx, &store.Alias{
		Fingerprint: fp,
		UPRN:        match.UPRN,
		MatchType:   match.MatchType,
		Confidence:  match.Confidence,
	}); err != nil {
		return nil, eris.Wrap(err, "resolve: record alias")
	}
	return match, nil
}

// RegisterAuthoritative records a property under its authoritative UPRN,
// as supplied by an upstream register, and pins an exact alias for its
// address. A fingerprint already pinned to a different UPRN is left
// untouched and logged: the original assignment wins.
func (r *Resolver) RegisterAuthoritative(ctx context.Context, p *model.CanonicalProperty) error {
	if p.UPRN == "" {
		return eris.New("resolve: register: empty uprn")
	}
	norm := address.Normalize(p.Address)
	fp := address.Fingerprint(norm)

	existing, err := r.store.GetAlias(ctx, fp)
	if err != nil && !eris.Is(err, store.ErrNotFound) {
		return eris.Wrap(err, "resolve: register: alias lookup")
	}
	if existing != nil && existing.UPRN != p.UPRN && existing.MatchType == MatchExact {
		r.log.Warn("address fingerprint already pinned to a different uprn",
			zap.String("fingerprint", fp),
			zap.String("existing_uprn", existing.UPRN),
			zap.String("incoming_uprn", p.UPRN))
		return r.store.UpsertProperty(ctx, p)
	}

	if err := r.store.UpsertProperty(ctx, p); err != nil {
		return eris.Wrapf(err, "resolve: register property %s", p.UPRN)
	}
	return r.store.UpsertAlias(ctx, &store.Alias{
		Fingerprint: fp,
		UPRN:        p.UPRN,
		MatchType:   MatchExact,
		Confidence:  1.0,
	})
}

// fuzzyMatch scores district candidates against the parsed address.
// The house identifier (PAON plus SAON) is a hard gate: a close street
// name never overrides a different house number.
func (r *Resolver) fuzzyMatch(ctx context.Context, parsed model.Address) (*Match, error) {
	district := parsed.District()
	if district == "" {
		return nil, nil
	}

	candidates, err := r.store.CandidatesByDistrict(ctx, district)
	if err != nil {
		return nil, eris.Wrapf(err, "resolve: candidates for %s", district)
	}

	// Stable iteration keeps tie-breaks deterministic.
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].UPRN < candidates[j].UPRN })

	var best *model.CanonicalProperty
	var bestScore float64
	for i := range candidates {
		c := &candidates[i]
		if !address.HouseIdentifierEqual(parsed, c.Address) {
			continue
		}
		score := address.Similarity(parsed, c.Address)
		if score > bestScore {
			best = c
			bestScore = score
		}
	}

	if best == nil || bestScore < r.threshold {
		return nil, nil
	}
	r.log.Debug("fuzzy match",
		zap.String("uprn", best.UPRN),
		zap.Float64("score", bestScore))
	return &Match{UPRN: best.UPRN, MatchType: MatchFuzzy, Confidence: bestScore}, nil
}
