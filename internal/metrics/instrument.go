// instrument.go wraps a broker gateway so every call lands in the
// Prometheus series without the backends knowing about metrics.
package metrics

import (
	"context"
	"time"

	"riskmanager/internal/broker"
	"riskmanager/pkg/types"
)

// InstrumentedGateway decorates a Gateway with call counters and latency
// histograms. The backend label tells the two implementations apart.
type InstrumentedGateway struct {
	backend string
	next    broker.Gateway
}

// Instrument wraps next; backend is the label value, e.g. "rest" or "tws".
func Instrument(backend string, next broker.Gateway) *InstrumentedGateway {
	return &InstrumentedGateway{backend: backend, next: next}
}

func (g *InstrumentedGateway) observe(op string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	BrokerCalls.WithLabelValues(g.backend, op, outcome).Inc()
	BrokerCallDuration.WithLabelValues(g.backend, op).Observe(time.Since(start).Seconds())
}

func (g *InstrumentedGateway) GetConnectionStatus(ctx context.Context) types.ConnectionStatus {
	start := time.Now()
	status := g.next.GetConnectionStatus(ctx)
	g.observe("connection_status", start, nil)
	return status
}

func (g *InstrumentedGateway) KeepAlive(ctx context.Context) bool {
	start := time.Now()
	alive := g.next.KeepAlive(ctx)
	var err error
	if !alive {
		err = broker.Errf(broker.NotConnected, "keep alive", "probe failed")
	}
	g.observe("keep_alive", start, err)
	return alive
}

func (g *InstrumentedGateway) GetConfiguredAccounts() []string {
	return g.next.GetConfiguredAccounts()
}

func (g *InstrumentedGateway) SwitchAccount(ctx context.Context, accountID string) error {
	start := time.Now()
	err := g.next.SwitchAccount(ctx, accountID)
	g.observe("switch_account", start, err)
	return err
}

func (g *InstrumentedGateway) GetPositions(ctx context.Context, accountID string) ([]types.Position, error) {
	start := time.Now()
	ps, err := g.next.GetPositions(ctx, accountID)
	g.observe("get_positions", start, err)
	return ps, err
}

func (g *InstrumentedGateway) GetAllPositions(ctx context.Context) ([]types.Position, error) {
	start := time.Now()
	ps, err := g.next.GetAllPositions(ctx)
	g.observe("get_all_positions", start, err)
	return ps, err
}

func (g *InstrumentedGateway) GetOrders(ctx context.Context, accountID string) ([]types.Order, error) {
	start := time.Now()
	os, err := g.next.GetOrders(ctx, accountID)
	g.observe("get_orders", start, err)
	return os, err
}

func (g *InstrumentedGateway) GetAllOrders(ctx context.Context) ([]types.Order, error) {
	start := time.Now()
	os, err := g.next.GetAllOrders(ctx)
	g.observe("get_all_orders", start, err)
	return os, err
}

func (g *InstrumentedGateway) GetStopOrders(ctx context.Context, accountID string) ([]types.Order, error) {
	start := time.Now()
	os, err := g.next.GetStopOrders(ctx, accountID)
	g.observe("get_stop_orders", start, err)
	return os, err
}

func (g *InstrumentedGateway) GetAllStopOrders(ctx context.Context) ([]types.Order, error) {
	start := time.Now()
	os, err := g.next.GetAllStopOrders(ctx)
	g.observe("get_all_stop_orders", start, err)
	return os, err
}

func (g *InstrumentedGateway) GetStopOrdersForConid(ctx context.Context, accountID string, conid int64) ([]types.Order, error) {
	start := time.Now()
	os, err := g.next.GetStopOrdersForConid(ctx, accountID, conid)
	g.observe("get_stop_orders_for_conid", start, err)
	return os, err
}

func (g *InstrumentedGateway) PlaceStopLossOrder(ctx context.Context, req types.StopLossOrderRequest) (types.OrderResult, error) {
	start := time.Now()
	result, err := g.next.PlaceStopLossOrder(ctx, req)
	g.observe("place_stop_loss_order", start, err)

	outcome := "success"
	switch {
	case err != nil:
		outcome = "error"
	case !result.Success:
		outcome = "rejected"
	}
	StopOrdersPlaced.WithLabelValues(g.backend, outcome).Inc()
	return result, err
}
