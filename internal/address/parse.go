package address

import (
	"regexp"
	"strings"

	"github.com/propscan/propscan-cli/internal/model"
)

var (
	// UK postcode, with or without the inward-code space.
	postcodeRe = regexp.MustCompile(`(?i)([A-Z]{1,2}[0-9][0-9A-Z]?\s?[0-9][A-Z]{2})`)

	// Flat / apartment / unit designator (SAON).
	flatRe = regexp.MustCompile(`(?i)(?:flat|apt|apartment|unit)\s*(\d+[a-z]?)`)

	// Leading house number, optionally a range like "12-14" (PAON).
	houseNumberRe = regexp.MustCompile(`(?i)^(\d+[a-z]?(?:-\d+[a-z]?)?)\s*,?\s*(.+)`)
)

// Parse splits a raw address string into BS7666 components. Parsing is
// best-effort: the postcode is extracted first (most reliable), then the
// SAON, PAON, street, and town from the remaining comma-separated parts.
func Parse(raw string) model.Address {
	var c model.Address
	if strings.TrimSpace(raw) == "" {
		return c
	}

	addr := strings.ToUpper(strings.TrimSpace(raw))

	if m := postcodeRe.FindStringIndex(addr); m != nil {
		c.Postcode = NormalizePostcode(addr[m[0]:m[1]])
		addr = strings.TrimSpace(addr[:m[0]])
		addr = strings.TrimSuffix(addr, ",")
	}

	parts := splitParts(addr)
	if len(parts) == 0 {
		return c
	}

	if m := flatRe.FindStringSubmatch(parts[0]); m != nil {
		c.SAON = "FLAT " + strings.ToUpper(m[1])
		parts[0] = strings.Trim(strings.TrimSpace(flatRe.ReplaceAllString(parts[0], "")), ",")
		if strings.TrimSpace(parts[0]) == "" {
			parts = parts[1:]
		}
	}

	if len(parts) > 0 {
		if m := houseNumberRe.FindStringSubmatch(parts[0]); m != nil {
			c.PAON = strings.ToUpper(m[1])
			c.Street = strings.TrimSpace(m[2])
		} else if len(parts) > 1 {
			// Building name rather than number.
			c.PAON = parts[0]
			c.Street = parts[1]
		} else {
			c.Street = parts[0]
		}
	}

	if len(parts) > 2 {
		c.Town = parts[len(parts)-1]
	}

	return c
}

func splitParts(s string) []string {
	raw := strings.Split(s, ",")
	parts := make([]string, 0, len(raw))
	for _, p := range raw {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return parts
}
