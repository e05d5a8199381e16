package tws

import (
	"sync"

	"github.com/shopspring/decimal"

	"riskmanager/pkg/types"
)

// positionsWait collects position rows until positionEnd completes it.
type positionsWait struct {
	rows []positionRow
	done chan error // buffered; nil on positionEnd, a broker error otherwise
}

// positionRow is one position callback before market-data enrichment.
type positionRow struct {
	account  string
	conid    int64
	ticker   string
	currency string
	quantity decimal.Decimal
	avgCost  decimal.Decimal
}

// ordersWait collects open-order rows until openOrderEnd completes it.
type ordersWait struct {
	rows []types.Order
	done chan error
}

// priceWait receives one snapshot price for the conid mapped from a reqId.
type priceWait struct {
	conid int64
	ch    chan decimal.Decimal // buffered; exactly one send
}

// orderAck carries the outcome of one placed order.
type orderAck struct {
	result types.OrderResult
	err    error
}

// registry is the synchronous bridge between the reader goroutine and
// blocked callers. Positions and orders are single-slot: at most one fetch
// of each kind may be in flight. Market data correlates by request id and
// order status by order id.
type registry struct {
	mu        sync.Mutex
	positions *positionsWait
	orders    *ordersWait
	prices    map[int64]*priceWait
	orderAcks map[int64]chan orderAck
}

func newRegistry() *registry {
	return &registry{
		prices:    make(map[int64]*priceWait),
		orderAcks: make(map[int64]chan orderAck),
	}
}

// failFetches fails the single-slot position and order futures.
func (r *registry) failFetches(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failFetchesLocked(err)
}

// failAll fails every outstanding future. Price futures resolve to zero;
// their callers degrade to a missing market price.
func (r *registry) failAll(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failFetchesLocked(err)
	for id, w := range r.prices {
		delete(r.prices, id)
		w.ch <- decimal.Zero
	}
	for id, ch := range r.orderAcks {
		delete(r.orderAcks, id)
		ch <- orderAck{err: err}
	}
}

func (r *registry) failFetchesLocked(err error) {
	if w := r.positions; w != nil {
		r.positions = nil
		w.done <- err
	}
	if w := r.orders; w != nil {
		r.orders = nil
		w.done <- err
	}
}
