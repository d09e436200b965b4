package resolve

import "github.com/google/uuid"

// uprnNamespace scopes minted identities so they never collide with
// UUIDs generated elsewhere in the system.
var uprnNamespace = uuid.MustParse("7b0a9f2e-4c11-4d6e-9c3a-5f8e2d1b6a90")

// MintUPRN derives a synthetic property identity from an address
// fingerprint. Authoritative sources do not always carry a UPRN, so the
// first sighting of an address mints one; the derivation is
// deterministic, re-ingesting the same address always yields the same
// identity.
func MintUPRN(fingerprint string) string {
	return uuid.NewSHA1(uprnNamespace, []byte(fingerprint)).String()
}
