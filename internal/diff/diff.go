// Package diff turns a fresh availability snapshot into the next stock state
// for a region plus the restock events the transition implies.
package diff

import "github.com/JakeFAU/stockwatch/internal/restock"

// Compute folds snapshot into prior and reports every product that moved from
// sold out to available. prior is never modified.
//
// Products seen for the first time never produce an event. Products missing
// from the snapshot keep their previous value. When the snapshot repeats a
// product ID the last entry wins, and at most one event is emitted per ID.
func Compute(region string, prior restock.StockState, snapshot []restock.ProductEntry) (restock.StockState, []restock.RestockEvent) {
	next := prior.Clone()

	latest := make(map[string]restock.ProductEntry, len(snapshot))
	order := make([]string, 0, len(snapshot))
	for _, entry := range snapshot {
		if entry.ProductID == "" {
			continue
		}
		if _, seen := latest[entry.ProductID]; !seen {
			order = append(order, entry.ProductID)
		}
		latest[entry.ProductID] = entry
	}

	var events []restock.RestockEvent
	for _, id := range order {
		entry := latest[id]
		wasSoldOut, known := prior[id]
		if known && wasSoldOut && !entry.SoldOut {
			events = append(events, restock.RestockEvent{
				Region:    region,
				ProductID: id,
				Name:      entry.Name,
			})
		}
		next[id] = entry.SoldOut
	}
	return next, events
}
