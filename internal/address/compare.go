package address

import (
	"strings"

	"github.com/propscan/propscan-cli/internal/model"
)

// Component weights for the similarity score. The postcode dominates, with
// half credit when only the sector matches.
const (
	weightPostcode = 0.35
	weightPAON     = 0.25
	weightStreet   = 0.25
	weightSAON     = 0.10
	weightTown     = 0.05
)

// Similarity scores two addresses in [0, 1]. Both inputs are normalized
// before comparison, so callers may pass raw components.
func Similarity(a, b model.Address) float64 {
	na, nb := Normalize(a), Normalize(b)

	var score float64

	if na.Postcode != "" && nb.Postcode != "" {
		if na.Postcode == nb.Postcode {
			score += weightPostcode
		} else if na.Sector() != "" && na.Sector() == nb.Sector() {
			score += weightPostcode * 0.5
		}
	}

	if na.PAON != "" && nb.PAON != "" && na.PAON == nb.PAON {
		score += weightPAON
	}

	if na.Street != "" && nb.Street != "" {
		score += weightStreet * tokenSetSimilarity(na.Street, nb.Street)
	}

	if na.SAON != "" && nb.SAON != "" {
		if na.SAON == nb.SAON {
			score += weightSAON
		}
	} else if na.SAON == "" && nb.SAON == "" {
		// Both houses rather than flats is itself a signal.
		score += weightSAON
	}

	if na.Town != "" && nb.Town != "" && na.Town == nb.Town {
		score += weightTown
	}

	if score > 1.0 {
		score = 1.0
	}
	return score
}

// HouseIdentifierEqual reports whether two addresses agree on the exact
// house identifier: both PAON and SAON after normalization. Used as a hard
// gate for fuzzy matching so two different numbers on one street never merge.
func HouseIdentifierEqual(a, b model.Address) bool {
	return NormalizePAON(a.PAON) == NormalizePAON(b.PAON) &&
		NormalizeSAON(a.SAON) == NormalizeSAON(b.SAON)
}

// tokenSetSimilarity is the Jaccard similarity of two word sets.
func tokenSetSimilarity(a, b string) float64 {
	if a == b {
		return 1.0
	}

	setA := toSet(strings.Fields(a))
	setB := toSet(strings.Fields(b))
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}

	var intersection int
	for w := range setA {
		if setB[w] {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

func toSet(words []string) map[string]bool {
	s := make(map[string]bool, len(words))
	for _, w := range words {
		s[w] = true
	}
	return s
}
