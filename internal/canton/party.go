package canton

import (
	"regexp"
	"strings"
)

// Party ids follow the "hint::fingerprint" grammar. The fingerprint is a
// lowercase hex namespace fingerprint; the hint is a short readable label.
var partyRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.\-]*::[0-9a-f]{8,128}$`)

// ValidParty reports whether s is a well-formed Ledger party id.
func ValidParty(s string) bool {
	return partyRe.MatchString(s)
}

// PartyHint returns the readable prefix of a party id ("alice" for
// "alice::1220…"), or the input unchanged when no separator is present.
func PartyHint(s string) string {
	hint, _, _ := strings.Cut(s, "::")
	return hint
}
