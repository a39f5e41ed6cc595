// table.go holds the pure merge rules for public-trade tables.
package trades

import (
	"sort"

	"exchange-engine/pkg/types"
)

// Merge appends incoming trades to an existing table, drops duplicate trade
// ids, and sorts ascending by timestamp (id as tie-break). The first
// occurrence of an id wins; venues resend the same trade on page overlaps.
func Merge(existing, incoming []types.Trade) []types.Trade {
	seen := make(map[string]bool, len(existing)+len(incoming))
	out := make([]types.Trade, 0, len(existing)+len(incoming))
	for _, t := range existing {
		if seen[t.ID] {
			continue
		}
		seen[t.ID] = true
		out = append(out, t)
	}
	for _, t := range incoming {
		if seen[t.ID] {
			continue
		}
		seen[t.ID] = true
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TS != out[j].TS {
			return out[i].TS < out[j].TS
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// LastTS returns the newest trade timestamp, or 0 for an empty table.
func LastTS(rows []types.Trade) int64 {
	if len(rows) == 0 {
		return 0
	}
	return rows[len(rows)-1].TS
}
