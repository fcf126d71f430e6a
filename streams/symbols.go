package streams

import (
	"errors"
	"sort"
	"strings"
)

// maxSymbolsPerRequest caps one quote stream's symbol list.
const maxSymbolsPerRequest = 100

var (
	errNoSymbols      = errors.New("at least one symbol is required")
	errTooManySymbols = errors.New("too many symbols in one request")
	errInvalidSymbol  = errors.New("symbol contains invalid characters")
	errSymbolTooLong  = errors.New("symbol too long")
)

// NormalizeSymbols canonicalizes a comma-separated symbol list: trimmed,
// uppercased, deduplicated and sorted. Two requests for the same set of
// symbols in any order produce the same list, so they share one upstream.
func NormalizeSymbols(raw string) ([]string, error) {
	seen := make(map[string]struct{})
	var out []string

	for _, part := range strings.Split(raw, ",") {
		sym := strings.ToUpper(strings.TrimSpace(part))
		if sym == "" {
			continue
		}
		if len(sym) > 24 {
			return nil, errSymbolTooLong
		}
		if !validSymbol(sym) {
			return nil, errInvalidSymbol
		}
		if _, ok := seen[sym]; ok {
			continue
		}
		seen[sym] = struct{}{}
		out = append(out, sym)
	}

	if len(out) == 0 {
		return nil, errNoSymbols
	}
	if len(out) > maxSymbolsPerRequest {
		return nil, errTooManySymbols
	}

	sort.Strings(out)
	return out, nil
}

// validSymbol permits the characters brokerage tickers actually use,
// including futures, options and forex notation.
func validSymbol(sym string) bool {
	for _, r := range sym {
		switch {
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '.' || r == '/' || r == '$' || r == '-' || r == '_' || r == '@' || r == '^' || r == ' ' || r == '*':
		default:
			return false
		}
	}
	return true
}
