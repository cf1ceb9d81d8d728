// Package domain defines core data structures used throughout the engine.
package domain

import (
	"fmt"
	"strings"
)

// Pair tradable market.
type Pair struct {
	// From base asset symbol.
	From string
	// To quote asset symbol.
	To string
}

// NewPair builds a pair from base and quote symbols.
func NewPair(from, to string) Pair {
	return Pair{From: strings.ToUpper(from), To: strings.ToUpper(to)}
}

// ParsePair parses "BTC/EUR" or "BTC_EUR".
func ParsePair(s string) (Pair, error) {
	sep := "/"
	if !strings.Contains(s, sep) {
		sep = "_"
	}
	parts := strings.Split(s, sep)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return Pair{}, fmt.Errorf("invalid pair %q", s)
	}
	return NewPair(parts[0], parts[1]), nil
}

// String returns the human-readable representation.
func (p Pair) String() string {
	return fmt.Sprintf("%s/%s", p.From, p.To)
}

// Symbol returns the concatenated exchange symbol.
func (p Pair) Symbol() string {
	return p.From + p.To
}

// Inverse returns the pair with base and quote swapped.
func (p Pair) Inverse() Pair {
	return Pair{From: p.To, To: p.From}
}

// Has reports whether asset is one of the pair legs.
func (p Pair) Has(asset string) bool {
	return p.From == asset || p.To == asset
}

// Other returns the leg opposite to asset.
func (p Pair) Other(asset string) string {
	if p.From == asset {
		return p.To
	}
	return p.From
}

// IsZero reports whether the pair is unset.
func (p Pair) IsZero() bool {
	return p.From == "" && p.To == ""
}
