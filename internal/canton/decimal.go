package canton

import (
	"fmt"
	"math/big"
	"strings"
)

var wad = big.NewInt(1e18)

// ParseFixed18 converts a Ledger decimal string ("1000.0", "0.25") to an
// 18-decimal fixed-point integer. More than 18 fractional digits, or any
// non-decimal input, is an error.
func ParseFixed18(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	neg := strings.HasPrefix(s, "-")
	if neg {
		s = s[1:]
	}
	whole, frac, _ := strings.Cut(s, ".")
	if whole == "" {
		whole = "0"
	}
	if len(frac) > 18 {
		return nil, fmt.Errorf("decimal %q exceeds 18 fractional digits", s)
	}
	frac += strings.Repeat("0", 18-len(frac))

	w, ok := new(big.Int).SetString(whole, 10)
	if !ok {
		return nil, fmt.Errorf("invalid decimal %q", s)
	}
	f, ok := new(big.Int).SetString(frac, 10)
	if !ok {
		return nil, fmt.Errorf("invalid decimal %q", s)
	}
	w.Mul(w, wad)
	w.Add(w, f)
	if neg {
		w.Neg(w)
	}
	return w, nil
}

// FormatFixed18 renders an 18-decimal fixed-point integer as a Ledger
// decimal string with trailing zeros trimmed (at least one fractional
// digit is kept, matching the Ledger's canonical numeric form).
func FormatFixed18(v *big.Int) string {
	sign := ""
	abs := new(big.Int).Abs(v)
	if v.Sign() < 0 {
		sign = "-"
	}
	q, r := new(big.Int).QuoRem(abs, wad, new(big.Int))
	frac := fmt.Sprintf("%018s", r.String())
	frac = strings.TrimRight(frac, "0")
	if frac == "" {
		frac = "0"
	}
	return fmt.Sprintf("%s%s.%s", sign, q.String(), frac)
}
