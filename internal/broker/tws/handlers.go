// handlers.go dispatches incoming frames to the callbacks that resolve
// pending futures. All handlers run on the connection's reader goroutine.
package tws

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"riskmanager/internal/broker"
	"riskmanager/pkg/types"
)

func (g *Gateway) dispatch(s *session, fields []string) {
	sc := newFieldScanner(fields)
	switch id := sc.int64(); id {
	case msgTickPrice:
		g.onTickPrice(sc)
	case msgOrderStatus:
		g.onOrderStatus(sc)
	case msgErrMsg:
		g.onError(sc)
	case msgOpenOrder:
		g.onOpenOrder(sc)
	case msgNextValidID:
		g.onNextValidID(s, sc)
	case msgManagedAccounts:
		g.logger.Info("managed accounts", "accounts", sc.next())
	case msgOpenOrderEnd:
		g.onOpenOrderEnd()
	case msgTickSnapshotEnd:
		g.onTickSnapshotEnd(sc)
	case msgPosition:
		g.onPosition(sc)
	case msgPositionEnd:
		g.onPositionEnd()
	default:
		g.logger.Debug("ignoring message", "id", id)
	}
}

// onNextValidID seeds the id counter and marks the session ready.
func (g *Gateway) onNextValidID(s *session, sc *fieldScanner) {
	id := sc.int64()
	if sc.Err() != nil {
		g.logger.Warn("bad nextValidId frame", "error", sc.Err())
		return
	}
	g.nextID.Store(id)
	s.readyOnce.Do(func() { close(s.ready) })
	g.logger.Debug("id counter seeded", "next_id", id)
}

func (g *Gateway) onPosition(sc *fieldScanner) {
	row := positionRow{
		account: sc.next(),
		conid:   sc.int64(),
		ticker:  sc.next(),
	}
	sc.next() // secType
	row.currency = sc.next()
	row.quantity = sc.decimal()
	row.avgCost = sc.decimal()
	if sc.Err() != nil {
		g.logger.Warn("bad position frame", "error", sc.Err())
		return
	}
	g.reg.mu.Lock()
	if w := g.reg.positions; w != nil {
		w.rows = append(w.rows, row)
	}
	g.reg.mu.Unlock()
}

// onPositionEnd completes the positions future with the collected rows and
// clears the registration.
func (g *Gateway) onPositionEnd() {
	g.reg.mu.Lock()
	w := g.reg.positions
	g.reg.positions = nil
	g.reg.mu.Unlock()
	if w == nil {
		g.logger.Debug("positionEnd without a pending fetch")
		return
	}
	w.done <- nil
}

func (g *Gateway) onOpenOrder(sc *fieldScanner) {
	orderID := sc.int64()
	conid := sc.int64()
	ticker := sc.next()
	sc.next() // secType
	sc.next() // exchange
	sc.next() // currency
	side := sc.next()
	quantity := sc.decimal()
	orderType := sc.next()
	lmtPrice := sc.decimal()
	auxPrice := sc.decimal()
	sc.next() // tif
	account := sc.next()
	status := sc.next()
	if sc.Err() != nil {
		g.logger.Warn("bad openOrder frame", "error", sc.Err())
		return
	}

	order := types.Order{
		OrderID:   itoa(orderID),
		AccountID: account,
		Conid:     conid,
		Ticker:    ticker,
		OrderType: orderType,
		Side:      types.Side(strings.ToUpper(side)),
		Quantity:  quantity,
		Status:    status,
	}
	if !lmtPrice.IsZero() {
		order.Price = &lmtPrice
	}
	if !auxPrice.IsZero() {
		order.StopPrice = &auxPrice // aux carries the trigger for stop types
	}

	g.reg.mu.Lock()
	if w := g.reg.orders; w != nil {
		w.rows = append(w.rows, order)
	}
	g.reg.mu.Unlock()
}

func (g *Gateway) onOpenOrderEnd() {
	g.reg.mu.Lock()
	w := g.reg.orders
	g.reg.orders = nil
	g.reg.mu.Unlock()
	if w == nil {
		g.logger.Debug("openOrderEnd without a pending fetch")
		return
	}
	w.done <- nil
}

// onOrderStatus completes the future registered for the order id, if any.
// Later status updates for the same order find no waiter and are dropped.
func (g *Gateway) onOrderStatus(sc *fieldScanner) {
	id := sc.int64()
	status := sc.next()
	if sc.Err() != nil {
		g.logger.Warn("bad orderStatus frame", "error", sc.Err())
		return
	}

	g.reg.mu.Lock()
	ch, ok := g.reg.orderAcks[id]
	if ok {
		delete(g.reg.orderAcks, id)
	}
	g.reg.mu.Unlock()
	if !ok {
		g.logger.Debug("order status without waiter", "order_id", id, "status", status)
		return
	}

	ch <- orderAck{result: types.OrderResult{
		Success: !cancelledStatus(status),
		OrderID: itoa(id),
		Message: status,
	}}
}

func cancelledStatus(status string) bool {
	return strings.EqualFold(status, "Cancelled") || strings.EqualFold(status, "ApiCancelled")
}

// onTickPrice completes a pending price future when the tick carries a
// usable price.
func (g *Gateway) onTickPrice(sc *fieldScanner) {
	reqID := sc.int64()
	tickType := sc.int64()
	price := sc.decimal()
	if sc.Err() != nil {
		g.logger.Warn("bad tickPrice frame", "error", sc.Err())
		return
	}
	if !priceTickTypes[tickType] || price.Sign() <= 0 {
		return
	}

	g.reg.mu.Lock()
	w, ok := g.reg.prices[reqID]
	if ok {
		delete(g.reg.prices, reqID)
	}
	g.reg.mu.Unlock()
	if ok {
		w.ch <- price
	}
}

// onTickSnapshotEnd resolves a still-pending price future to zero: the
// snapshot finished without any usable tick.
func (g *Gateway) onTickSnapshotEnd(sc *fieldScanner) {
	reqID := sc.int64()
	g.reg.mu.Lock()
	w, ok := g.reg.prices[reqID]
	if ok {
		delete(g.reg.prices, reqID)
	}
	g.reg.mu.Unlock()
	if ok {
		g.logger.Debug("snapshot ended without price", "conid", w.conid)
		w.ch <- decimal.Zero
	}
}

// onError routes broker error frames: benign notices are dropped,
// connection-level codes fail the in-flight fetches, and id-correlated
// errors resolve the matching future.
func (g *Gateway) onError(sc *fieldScanner) {
	id := sc.int64()
	code := sc.int64()
	msg := sc.next()

	switch code {
	case codeDelayedData, codeUnknownTicker:
		g.logger.Debug("benign broker notice", "id", id, "code", code, "message", msg)
		return
	case codeConnectFailed, codeNotConnected:
		g.logger.Warn("broker reports lost connection", "code", code, "message", msg)
		g.reg.failFetches(&broker.Error{Kind: broker.NotConnected, Op: "broker"})
		return
	}

	g.reg.mu.Lock()
	if w, ok := g.reg.prices[id]; ok {
		delete(g.reg.prices, id)
		g.reg.mu.Unlock()
		g.logger.Warn("market data error", "conid", w.conid, "code", code, "message", msg)
		w.ch <- decimal.Zero
		return
	}
	if ch, ok := g.reg.orderAcks[id]; ok {
		delete(g.reg.orderAcks, id)
		g.reg.mu.Unlock()
		ch <- orderAck{result: types.OrderResult{
			OrderID: itoa(id),
			Message: fmt.Sprintf("error %d: %s", code, msg),
		}}
		return
	}
	g.reg.mu.Unlock()

	if id < 0 {
		g.logger.Info("broker notice", "code", code, "message", msg)
	} else {
		g.logger.Warn("broker error", "id", id, "code", code, "message", msg)
	}
}
