package domain

import "sort"

// AggregateStock sums quantities per variant and returns them sorted by
// variant id, the global acquisition order for stock locks.
func AggregateStock[T any](items []T, get func(T) (string, int)) []StockRequest {
	totals := make(map[string]int)
	for _, it := range items {
		id, qty := get(it)
		totals[id] += qty
	}
	out := make([]StockRequest, 0, len(totals))
	for id, qty := range totals {
		out = append(out, StockRequest{VariantID: id, Quantity: qty})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VariantID < out[j].VariantID })
	return out
}
