package model

import (
	"strings"
	"time"
)

// PropertyType classifies a property for comparable selection.
type PropertyType string

const (
	TypeDetached     PropertyType = "Detached"
	TypeSemiDetached PropertyType = "Semi-Detached"
	TypeTerraced     PropertyType = "Terraced"
	TypeFlat         PropertyType = "Flat"
)

// ParsePropertyType maps a free-form type string to a known PropertyType.
// Unknown values pass through unchanged so upstream data is never lost.
func ParsePropertyType(s string) PropertyType {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "detached":
		return TypeDetached
	case "semi-detached", "semi detached", "semi":
		return TypeSemiDetached
	case "terraced", "terrace":
		return TypeTerraced
	case "flat", "flat-maisonette", "flat/maisonette", "apartment":
		return TypeFlat
	default:
		return PropertyType(strings.TrimSpace(s))
	}
}

// Address holds BS7666 address components.
// PAON is the primary addressable object (house number or building name),
// SAON the secondary (flat or unit).
type Address struct {
	PAON     string `json:"paon,omitempty"`
	SAON     string `json:"saon,omitempty"`
	Street   string `json:"street,omitempty"`
	Town     string `json:"town,omitempty"`
	Postcode string `json:"postcode,omitempty"`
}

// District returns the postcode district (outward code), e.g. "SW15" from "SW15 6EJ".
func (a Address) District() string {
	parts := strings.Fields(strings.ToUpper(strings.TrimSpace(a.Postcode)))
	if len(parts) == 0 {
		return ""
	}
	return parts[0]
}

// Sector returns the postcode sector, e.g. "SW15 6" from "SW15 6EJ".
// Falls back to the district when the inward code is missing.
func (a Address) Sector() string {
	parts := strings.Fields(strings.ToUpper(strings.TrimSpace(a.Postcode)))
	if len(parts) == 2 && len(parts[1]) >= 1 {
		return parts[0] + " " + parts[1][:1]
	}
	if len(parts) == 1 {
		return parts[0]
	}
	return ""
}

// CanonicalProperty is a UPRN-anchored property record. The UPRN is stable:
// once resolved it is never reassigned to a different real-world property.
type CanonicalProperty struct {
	UPRN             string       `json:"uprn"`
	Address          Address      `json:"address"`
	FloorAreaSqft    *float64     `json:"floor_area_sqft,omitempty"`
	PropertyType     PropertyType `json:"property_type"`
	EPCRating        string       `json:"epc_rating,omitempty"`
	CurrentListingID *string      `json:"current_listing_id,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

// HasFloorArea reports whether the property carries a usable floor area.
func (p *CanonicalProperty) HasFloorArea() bool {
	return p.FloorAreaSqft != nil && *p.FloorAreaSqft > 0
}
