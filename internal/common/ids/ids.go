// Package ids derives deterministic identifiers for orders and
// orchestrator runs, so retried requests collapse to a single logical
// intent.
package ids

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const clientOrderIDLen = 24

// canonicalize joins fields with "|", using "-" for any empty optional
// field so that presence/absence never collides with a real value.
func canonicalize(fields ...string) string {
	parts := make([]string, len(fields))
	for i, f := range fields {
		if f == "" {
			parts[i] = "-"
		} else {
			parts[i] = f
		}
	}
	return strings.Join(parts, "|")
}

func hashPrefix(s string, n int) string {
	sum := sha256.Sum256([]byte(s))
	hexSum := hex.EncodeToString(sum[:])
	if n > len(hexSum) {
		n = len(hexSum)
	}
	return hexSum[:n]
}

// ClientOrderID derives the deterministic, ≤24-char client order id from
// the logical intent of the order: first 24 hex chars of
// sha256(symbol|side|qty|limit_price|strategy_id|date).
//
// qty and limitPrice must already be canonical decimal strings (e.g. from
// decimal.Decimal.String()) so that equivalent numeric representations
// ("1" vs "1.0") don't produce different ids.
func ClientOrderID(symbol, side, qty, limitPrice, strategyID, date string) string {
	canonical := canonicalize(symbol, side, qty, limitPrice, strategyID, date)
	return hashPrefix(canonical, clientOrderIDLen)
}

// RunID derives the deterministic orchestrator run id from
// hash(date|strategy|trigger).
func RunID(date, strategy, trigger string) string {
	canonical := canonicalize(date, strategy, trigger)
	return hashPrefix(canonical, clientOrderIDLen)
}

// ModelFingerprint derives the hot-reload fingerprint from
// hash(version||model_path).
func ModelFingerprint(version, modelPath string) string {
	return hashPrefix(version+modelPath, 32)
}
