// Package credits renders the remaining upstream credit balance.
package credits

import (
	"context"
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

const Placeholder = "—"

var (
	transientKeys = []string{"transient", "monthlyCredits", "monthly", "month", "mensal"}
	perpetualKeys = []string{"perpetual", "permanentCredits", "permanent", "perm", "permanentes"}
)

// Display sums the transient and perpetual balances of raw. When either is
// missing or not numeric it falls back to a numeric "total", then
// "totalCredits", then the placeholder.
func Display(raw []byte) string {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil || obj == nil {
		return Placeholder
	}
	t, tok := firstNumber(obj, transientKeys, true)
	p, pok := firstNumber(obj, perpetualKeys, true)
	if tok && pok {
		return formatNumber(t + p)
	}
	for _, key := range []string{"total", "totalCredits"} {
		if v, ok := firstNumber(obj, []string{key}, false); ok {
			return formatNumber(v)
		}
	}
	return Placeholder
}

// firstNumber reads the first non-null alias. Numeric strings are accepted
// only when lenient is set.
func firstNumber(obj map[string]json.RawMessage, keys []string, lenient bool) (float64, bool) {
	for _, k := range keys {
		raw, ok := obj[k]
		if !ok || string(raw) == "null" {
			continue
		}
		var n float64
		if err := json.Unmarshal(raw, &n); err == nil {
			return n, true
		}
		if !lenient {
			return 0, false
		}
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, false
		}
		s = strings.TrimSpace(s)
		if s == "" {
			return 0, true
		}
		f, err := strconv.ParseFloat(s, 64)
		return f, err == nil
	}
	return 0, false
}

func formatNumber(v float64) string {
	if v == math.Trunc(v) && math.Abs(v) < 1e15 {
		return strconv.FormatInt(int64(v), 10)
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// Fetcher loads the raw credits object, optionally bypassing server caches.
type Fetcher interface {
	Credits(ctx context.Context, refresh bool) ([]byte, error)
}

// Load fetches and renders the balance. Failures render the placeholder.
func Load(ctx context.Context, f Fetcher, refresh bool) (string, error) {
	raw, err := f.Credits(ctx, refresh)
	if err != nil {
		return Placeholder, err
	}
	return Display(raw), nil
}
