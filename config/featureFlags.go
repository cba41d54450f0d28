package config

import (
	"os"
	"strings"
)

// AllowNegativeStockFor lets specific document kinds over-sell past available
// FIFO stock. Most call sites must keep the hard InsufficientStock failure;
// this exists for farms migrating historical data with known gaps.
//
// Set via env:
// - ALLOW_NEGATIVE_STOCK_DOCS="SUPPLY_USAGE,MUTATION"
//
// Doc keys are case-insensitive.
func AllowNegativeStockFor(doc string) bool {
	doc = strings.ToUpper(strings.TrimSpace(doc))
	if doc == "" {
		return false
	}
	raw := os.Getenv("ALLOW_NEGATIVE_STOCK_DOCS")
	if strings.TrimSpace(raw) == "" {
		return false
	}
	for _, part := range strings.Split(raw, ",") {
		if strings.ToUpper(strings.TrimSpace(part)) == doc {
			return true
		}
	}
	return false
}

// DebugMutation enables verbose per-stage logging in the mutation engine.
//
// Set via env:
// - DEBUG_MUTATION=true
func DebugMutation() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("DEBUG_MUTATION")))
	return v == "1" || v == "true" || v == "yes" || v == "y"
}
