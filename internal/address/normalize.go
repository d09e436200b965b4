// Package address parses and normalizes UK property addresses into BS7666
// components and scores similarity between them for identity resolution.
package address

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/propscan/propscan-cli/internal/model"
)

// streetTypes maps common street-type abbreviations back to their full form.
var streetTypes = map[string]string{
	"RD":   "ROAD",
	"ST":   "STREET",
	"AVE":  "AVENUE",
	"LN":   "LANE",
	"DR":   "DRIVE",
	"CL":   "CLOSE",
	"WY":   "WAY",
	"PL":   "PLACE",
	"CT":   "COURT",
	"GDNS": "GARDENS",
	"GR":   "GROVE",
	"TER":  "TERRACE",
	"CRES": "CRESCENT",
	"PK":   "PARK",
	"SQ":   "SQUARE",
}

// noiseWords are dropped from street names before comparison.
var noiseWords = map[string]bool{"THE": true, "AND": true, "&": true}

var (
	multiSpaceRe = regexp.MustCompile(`\s{2,}`)
	saonSpaceRe  = regexp.MustCompile(`\s+`)
	foldChain    = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
)

// fold strips diacritics so scraped portal strings compare cleanly against
// registry data.
func fold(s string) string {
	out, _, err := transform.String(foldChain, s)
	if err != nil {
		return s
	}
	return out
}

// NormalizePostcode uppercases, strips spaces, and reinserts the single
// space before the 3-character inward code.
func NormalizePostcode(postcode string) string {
	pc := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(postcode), " ", ""))
	if len(pc) >= 5 {
		return pc[:len(pc)-3] + " " + pc[len(pc)-3:]
	}
	return pc
}

// NormalizeStreet standardizes a street name: uppercase, diacritics folded,
// abbreviations expanded, noise words removed, whitespace collapsed.
func NormalizeStreet(street string) string {
	s := strings.ToUpper(fold(strings.TrimSpace(street)))

	words := strings.Fields(s)
	out := make([]string, 0, len(words))
	for _, w := range words {
		w = strings.Trim(w, ".,")
		if full, ok := streetTypes[w]; ok {
			w = full
		}
		if noiseWords[w] || w == "" {
			continue
		}
		out = append(out, w)
	}
	return strings.Join(out, " ")
}

// NormalizePAON strips spaces from a house identifier ("12 A" -> "12A").
func NormalizePAON(paon string) string {
	return strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(paon), " ", ""))
}

// NormalizeSAON collapses whitespace in a flat identifier.
func NormalizeSAON(saon string) string {
	return saonSpaceRe.ReplaceAllString(strings.ToUpper(strings.TrimSpace(saon)), "")
}

// NormalizeTown uppercases and folds a town name.
func NormalizeTown(town string) string {
	return multiSpaceRe.ReplaceAllString(strings.ToUpper(fold(strings.TrimSpace(town))), " ")
}

// Normalize returns a copy of the components with every field normalized.
func Normalize(c model.Address) model.Address {
	return model.Address{
		PAON:     NormalizePAON(c.PAON),
		SAON:     NormalizeSAON(c.SAON),
		Street:   NormalizeStreet(c.Street),
		Town:     NormalizeTown(c.Town),
		Postcode: NormalizePostcode(c.Postcode),
	}
}

// Fingerprint builds a deterministic alias key from normalized components.
// The same raw address always produces the same fingerprint, which anchors
// the persistent alias table. The town is excluded: sources disagree on it
// far too often ("LONDON" vs the post town) and the postcode already
// carries the locality.
func Fingerprint(c model.Address) string {
	n := Normalize(c)
	return strings.Join([]string{n.Postcode, n.PAON, n.SAON, n.Street}, "|")
}
