package broker

import "riskmanager/pkg/types"

// ActiveStopOrders filters to orders that are stop-typed and still working.
// Both backends apply this before returning stop-order reads.
func ActiveStopOrders(orders []types.Order) []types.Order {
	out := make([]types.Order, 0, len(orders))
	for _, o := range orders {
		if o.IsStopType() && o.IsActive() {
			out = append(out, o)
		}
	}
	return out
}

// DedupByOrderID keeps the first occurrence of each order ID, preserving
// input order. The same working order shows up once per refresh cycle, so
// accumulating across accounts or repeated reads must not double-count it.
// Orders without an ID are kept as-is, there is nothing to dedup on.
func DedupByOrderID(orders []types.Order) []types.Order {
	seen := make(map[string]struct{}, len(orders))
	out := make([]types.Order, 0, len(orders))
	for _, o := range orders {
		if o.OrderID != "" {
			if _, dup := seen[o.OrderID]; dup {
				continue
			}
			seen[o.OrderID] = struct{}{}
		}
		out = append(out, o)
	}
	return out
}
