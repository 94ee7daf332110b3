package events

import (
	"strings"

	"github.com/holiman/uint256"
)

// Reserve ids are case sensitive market identifiers; only surrounding
// whitespace is dropped.
func normalizeReserve(id string) string {
	return strings.TrimSpace(id)
}

func formatAmount(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}
