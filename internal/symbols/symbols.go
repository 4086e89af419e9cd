// Package symbols handles parsing and validation of the ticker universe
// stored in user settings.
package symbols

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// tickerRegex matches exchange tickers such as TQQQ, BRK.B or RDS-A.
var tickerRegex = regexp.MustCompile(`^[A-Z][A-Z0-9]{0,9}([.\-][A-Z0-9]{1,4})?$`)

var (
	ErrInvalidSymbol = errors.New("symbols: invalid ticker")
	ErrEmpty         = errors.New("symbols: universe is empty")
)

// Normalize upper-cases and trims a single ticker and validates its format.
func Normalize(sym string) (string, error) {
	s := strings.ToUpper(strings.TrimSpace(sym))
	if !tickerRegex.MatchString(s) {
		return "", fmt.Errorf("%w: %q", ErrInvalidSymbol, sym)
	}
	return s, nil
}

// Parse splits a comma separated universe ("TQQQ, soxl") into an ordered,
// de-duplicated list of normalized tickers. Empty entries are ignored.
func Parse(csv string) ([]string, error) {
	return Clean(strings.Split(csv, ","))
}

// Clean normalizes and de-duplicates a list, keeping first-seen order.
func Clean(list []string) ([]string, error) {
	seen := make(map[string]bool, len(list))
	out := make([]string, 0, len(list))
	for _, raw := range list {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		s, err := Normalize(raw)
		if err != nil {
			return nil, err
		}
		if seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out, nil
}

// Join renders a universe back into its comma separated wire form.
func Join(list []string) string {
	return strings.Join(list, ",")
}

// Diff returns the symbols present in before but missing from after.
func Diff(before, after []string) []string {
	keep := make(map[string]bool, len(after))
	for _, s := range after {
		keep[s] = true
	}
	var removed []string
	for _, s := range before {
		if !keep[s] {
			removed = append(removed, s)
		}
	}
	return removed
}
