// Package tws implements the broker gateway over the TWS socket API.
//
// The socket API is asynchronous: the client sends typed messages and the
// server answers with typed callbacks, some correlated by a caller-assigned
// request id and some broadcast. A background reader goroutine dispatches
// every incoming frame into a callback registry; callers block on futures
// with bounded waits, which presents the whole thing synchronously.
package tws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"riskmanager/internal/broker"
	"riskmanager/internal/config"
	"riskmanager/pkg/types"
)

const (
	connectTimeout   = 10 * time.Second // dial, handshake and nextValidId
	positionsTimeout = 30 * time.Second // positionEnd bound
	ordersTimeout    = 10 * time.Second // openOrderEnd bound; partial after
	placeTimeout     = 30 * time.Second // orderStatus bound after placement
	priceTimeout     = 5 * time.Second  // per-position snapshot quote bound
)

// Broker error codes with dedicated handling.
const (
	codeDelayedData   = 10167 // delayed data in lieu of real-time, expected on the free tier
	codeUnknownTicker = 300   // can't find EId, follows auto-cancelled snapshots
	codeConnectFailed = 502   // couldn't connect to TWS
	codeNotConnected  = 504   // not connected
)

const marketDataTypeDelayed = "3"

// priceTickTypes are the tick fields accepted as a market price: last,
// close, and the delayed bid/ask/last/high/low/close variants.
var priceTickTypes = map[int64]bool{
	4: true, 9: true, 66: true, 67: true, 68: true, 72: true, 73: true, 75: true,
}

// session is one live socket connection. It becomes ready when nextValidId
// seeds the id counter.
type session struct {
	sock          net.Conn
	serverVersion int64
	ready         chan struct{}
	readyOnce     sync.Once
	mktDataType   sync.Once // reqMarketDataType is sent once per connection
}

// Gateway implements broker.Gateway over the TWS socket API. Reconnection
// is opportunistic: when the connection is down, the next call redials.
type Gateway struct {
	addr     string
	clientID int
	accounts []string
	logger   *slog.Logger

	dialMu  sync.Mutex // serializes connection attempts
	stateMu sync.Mutex // guards sess
	sess    *session
	writeMu sync.Mutex // one writer on the socket at a time

	nextID atomic.Int64 // request and order ids, seeded by nextValidId

	// Single-slot kinds allow one fetch at a time; these serialize the
	// full send-register-await cycle.
	positionsMu sync.Mutex
	ordersMu    sync.Mutex

	reg *registry

	// wait bounds
	connectTimeout   time.Duration
	positionsTimeout time.Duration
	ordersTimeout    time.Duration
	placeTimeout     time.Duration
	priceTimeout     time.Duration
}

// New creates a TWS gateway for the configured accounts. No connection is
// made until the first call.
func New(cfg config.TWSConfig, accounts []string, logger *slog.Logger) *Gateway {
	return &Gateway{
		addr:             net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		clientID:         cfg.ClientID,
		accounts:         accounts,
		logger:           logger.With("component", "tws-gateway"),
		reg:              newRegistry(),
		connectTimeout:   connectTimeout,
		positionsTimeout: positionsTimeout,
		ordersTimeout:    ordersTimeout,
		placeTimeout:     placeTimeout,
		priceTimeout:     priceTimeout,
	}
}

// ————————————————————————————————————————————————————————————————————————
// Connection lifecycle
// ————————————————————————————————————————————————————————————————————————

func (g *Gateway) ensureConnected(ctx context.Context) error {
	g.stateMu.Lock()
	connected := g.sess != nil
	g.stateMu.Unlock()
	if connected {
		return nil
	}
	return g.connect(ctx)
}

// connect dials, handshakes, sends startAPI, starts the reader and waits
// for nextValidId.
func (g *Gateway) connect(ctx context.Context) error {
	g.dialMu.Lock()
	defer g.dialMu.Unlock()

	g.stateMu.Lock()
	if g.sess != nil {
		g.stateMu.Unlock()
		return nil
	}
	g.stateMu.Unlock()

	dialer := net.Dialer{Timeout: g.connectTimeout}
	sock, err := dialer.DialContext(ctx, "tcp", g.addr)
	if err != nil {
		return broker.Errf(broker.NotConnected, "connect", "dial %s: %v", g.addr, err)
	}

	sock.SetDeadline(time.Now().Add(g.connectTimeout))
	if _, err := sock.Write([]byte(apiPrefix)); err != nil {
		sock.Close()
		return broker.Errf(broker.Transport, "connect", "handshake write: %v", err)
	}
	if err := writePayload(sock, []byte(versionRange)); err != nil {
		sock.Close()
		return broker.Errf(broker.Transport, "connect", "handshake write: %v", err)
	}
	ack, err := readFrame(sock)
	if err != nil {
		sock.Close()
		return broker.Errf(broker.Transport, "connect", "handshake read: %v", err)
	}
	sc := newFieldScanner(ack)
	serverVersion := sc.int64()
	connTime := sc.next()
	if sc.Err() != nil {
		sock.Close()
		return broker.Errf(broker.Protocol, "connect", "handshake ack: %v", sc.Err())
	}

	if err := writeFrame(sock, itoa(msgStartAPI), "2", strconv.Itoa(g.clientID), ""); err != nil {
		sock.Close()
		return broker.Errf(broker.Transport, "connect", "startAPI: %v", err)
	}
	sock.SetDeadline(time.Time{})

	s := &session{sock: sock, serverVersion: serverVersion, ready: make(chan struct{})}
	g.stateMu.Lock()
	g.sess = s
	g.stateMu.Unlock()

	go g.readLoop(s)

	select {
	case <-s.ready:
	case <-ctx.Done():
		g.drop(s)
		return fmt.Errorf("connect: %w", ctx.Err())
	case <-time.After(g.connectTimeout):
		g.drop(s)
		return broker.Errf(broker.Timeout, "connect", "no nextValidId within %s", g.connectTimeout)
	}

	g.logger.Info("connected",
		"addr", g.addr,
		"server_version", serverVersion,
		"connection_time", connTime,
		"client_id", g.clientID,
	)
	return nil
}

// readLoop consumes frames until the connection dies, then fails every
// outstanding future.
func (g *Gateway) readLoop(s *session) {
	for {
		fields, err := readFrame(s.sock)
		if err != nil {
			g.drop(s)
			if !errors.Is(err, net.ErrClosed) {
				g.logger.Warn("connection closed", "error", err)
			}
			return
		}
		g.dispatch(s, fields)
	}
}

func (g *Gateway) drop(s *session) {
	g.stateMu.Lock()
	if g.sess == s {
		g.sess = nil
	}
	g.stateMu.Unlock()
	s.sock.Close()
	g.reg.failAll(&broker.Error{Kind: broker.NotConnected, Op: "connection"})
}

// Close tears down the connection. Outstanding futures fail.
func (g *Gateway) Close() error {
	g.stateMu.Lock()
	s := g.sess
	g.stateMu.Unlock()
	if s == nil {
		return nil
	}
	return s.sock.Close()
}

func (g *Gateway) send(fields ...string) error {
	g.stateMu.Lock()
	s := g.sess
	g.stateMu.Unlock()
	if s == nil {
		return &broker.Error{Kind: broker.NotConnected, Op: "send"}
	}
	g.writeMu.Lock()
	defer g.writeMu.Unlock()
	if err := writeFrame(s.sock, fields...); err != nil {
		return broker.Errf(broker.Transport, "send", "%v", err)
	}
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// broker.Gateway
// ————————————————————————————————————————————————————————————————————————

// GetConnectionStatus probes the connection, dialing if necessary.
func (g *Gateway) GetConnectionStatus(ctx context.Context) types.ConnectionStatus {
	if err := g.ensureConnected(ctx); err != nil {
		g.logger.Warn("connection probe failed", "error", err)
		return types.ConnectionStatus{
			Message: fmt.Sprintf("cannot reach TWS at %s: %v", g.addr, err),
		}
	}
	return types.ConnectionStatus{
		Reachable:     true,
		Authenticated: true,
		Connected:     true,
		Message:       fmt.Sprintf("connected to TWS at %s", g.addr),
	}
}

// KeepAlive reports whether the connection is up, reconnecting if needed.
func (g *Gateway) KeepAlive(ctx context.Context) bool {
	return g.ensureConnected(ctx) == nil
}

// GetConfiguredAccounts returns the configured account list verbatim.
func (g *Gateway) GetConfiguredAccounts() []string {
	return g.accounts
}

// SwitchAccount is a no-op: the socket API scopes every read per request,
// there is no current account to switch.
func (g *Gateway) SwitchAccount(ctx context.Context, accountID string) error {
	return nil
}

// GetPositions returns non-zero positions for one account, each enriched
// with a snapshot market price.
func (g *Gateway) GetPositions(ctx context.Context, accountID string) ([]types.Position, error) {
	return g.fetchPositions(ctx, func(acct string) bool { return acct == accountID })
}

// GetAllPositions returns non-zero positions across the configured accounts.
func (g *Gateway) GetAllPositions(ctx context.Context) ([]types.Position, error) {
	configured := make(map[string]bool, len(g.accounts))
	for _, a := range g.accounts {
		configured[a] = true
	}
	return g.fetchPositions(ctx, func(acct string) bool { return configured[acct] })
}

// GetOrders returns open orders for one account, any status.
func (g *Gateway) GetOrders(ctx context.Context, accountID string) ([]types.Order, error) {
	orders, err := g.fetchOrders(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]types.Order, 0, len(orders))
	for _, o := range orders {
		if o.AccountID == accountID {
			out = append(out, o)
		}
	}
	return out, nil
}

// GetAllOrders returns open orders across the configured accounts.
func (g *Gateway) GetAllOrders(ctx context.Context) ([]types.Order, error) {
	orders, err := g.fetchOrders(ctx)
	if err != nil {
		return nil, err
	}
	configured := make(map[string]bool, len(g.accounts))
	for _, a := range g.accounts {
		configured[a] = true
	}
	out := make([]types.Order, 0, len(orders))
	for _, o := range orders {
		if configured[o.AccountID] {
			out = append(out, o)
		}
	}
	return out, nil
}

// GetStopOrders returns active stop orders for one account.
func (g *Gateway) GetStopOrders(ctx context.Context, accountID string) ([]types.Order, error) {
	orders, err := g.GetOrders(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return broker.ActiveStopOrders(orders), nil
}

// GetAllStopOrders returns active stop orders across the configured
// accounts. A single openOrders read reports each order once, so no
// dedup pass is needed here.
func (g *Gateway) GetAllStopOrders(ctx context.Context) ([]types.Order, error) {
	orders, err := g.GetAllOrders(ctx)
	if err != nil {
		return nil, err
	}
	return broker.ActiveStopOrders(orders), nil
}

// GetStopOrdersForConid returns active stop orders for one contract.
func (g *Gateway) GetStopOrdersForConid(ctx context.Context, accountID string, conid int64) ([]types.Order, error) {
	orders, err := g.GetStopOrders(ctx, accountID)
	if err != nil {
		return nil, err
	}
	out := make([]types.Order, 0, len(orders))
	for _, o := range orders {
		if o.Conid == conid {
			out = append(out, o)
		}
	}
	return out, nil
}

// PlaceStopLossOrder submits a stop order and waits for the first
// orderStatus. If no status arrives within the bound, the order may still
// have been accepted, so the result is reported as pending rather than
// failed.
func (g *Gateway) PlaceStopLossOrder(ctx context.Context, req types.StopLossOrderRequest) (types.OrderResult, error) {
	if err := g.ensureConnected(ctx); err != nil {
		return types.OrderResult{}, err
	}

	orderID := g.nextID.Add(1) - 1
	ack := make(chan orderAck, 1)
	g.reg.mu.Lock()
	g.reg.orderAcks[orderID] = ack
	g.reg.mu.Unlock()

	err := g.send(itoa(msgPlaceOrder), itoa(orderID),
		itoa(req.Conid), "SMART",
		string(req.Side()), req.Quantity.String(), "STP",
		"", req.StopPrice.String(), "GTC",
		req.AccountID, "1")
	if err != nil {
		g.clearOrderAck(orderID)
		return types.OrderResult{}, fmt.Errorf("place order: %w", err)
	}

	g.logger.Info("stop order submitted",
		"order_id", orderID,
		"account", req.AccountID,
		"conid", req.Conid,
		"side", req.Side(),
		"quantity", req.Quantity,
		"stop_price", req.StopPrice,
	)

	timer := time.NewTimer(g.placeTimeout)
	defer timer.Stop()
	select {
	case a := <-ack:
		if a.err != nil {
			return types.OrderResult{}, fmt.Errorf("place order: %w", a.err)
		}
		return a.result, nil
	case <-timer.C:
		g.clearOrderAck(orderID)
		return types.OrderResult{Success: true, OrderID: itoa(orderID), Message: "confirmation pending"}, nil
	case <-ctx.Done():
		g.clearOrderAck(orderID)
		return types.OrderResult{}, fmt.Errorf("place order: %w", ctx.Err())
	}
}

// ————————————————————————————————————————————————————————————————————————
// Fetch cycles
// ————————————————————————————————————————————————————————————————————————

func (g *Gateway) fetchPositions(ctx context.Context, keep func(account string) bool) ([]types.Position, error) {
	g.positionsMu.Lock()
	defer g.positionsMu.Unlock()

	if err := g.ensureConnected(ctx); err != nil {
		return nil, err
	}

	wait := &positionsWait{done: make(chan error, 1)}
	g.reg.mu.Lock()
	g.reg.positions = wait
	g.reg.mu.Unlock()

	if err := g.send(itoa(msgReqPositions), "1"); err != nil {
		g.clearPositions(wait)
		return nil, fmt.Errorf("positions: %w", err)
	}

	timer := time.NewTimer(g.positionsTimeout)
	defer timer.Stop()
	select {
	case err := <-wait.done:
		if err != nil {
			return nil, fmt.Errorf("positions: %w", err)
		}
	case <-timer.C:
		g.clearPositions(wait)
		return nil, broker.Errf(broker.Timeout, "positions", "no positionEnd within %s", g.positionsTimeout)
	case <-ctx.Done():
		g.clearPositions(wait)
		return nil, fmt.Errorf("positions: %w", ctx.Err())
	}

	// The handler cleared the slot before completing, rows are ours now.
	positions := make([]types.Position, 0, len(wait.rows))
	for _, row := range wait.rows {
		if !keep(row.account) || row.quantity.IsZero() {
			continue
		}
		price := g.snapshotPrice(ctx, row.conid)
		if price.IsZero() {
			g.logger.Warn("no market price for position", "conid", row.conid, "ticker", row.ticker)
		}
		positions = append(positions, types.Position{
			AccountID:   row.account,
			Conid:       row.conid,
			Ticker:      row.ticker,
			Quantity:    types.RoundQuantity(row.quantity),
			AvgPrice:    row.avgCost, // per share for stock contracts
			MarketPrice: price,
			Currency:    row.currency,
		})
	}
	return positions, nil
}

func (g *Gateway) fetchOrders(ctx context.Context) ([]types.Order, error) {
	g.ordersMu.Lock()
	defer g.ordersMu.Unlock()

	if err := g.ensureConnected(ctx); err != nil {
		return nil, err
	}

	wait := &ordersWait{done: make(chan error, 1)}
	g.reg.mu.Lock()
	g.reg.orders = wait
	g.reg.mu.Unlock()

	if err := g.send(itoa(msgReqAllOpenOrders), "1"); err != nil {
		g.clearOrders(wait)
		return nil, fmt.Errorf("orders: %w", err)
	}

	timer := time.NewTimer(g.ordersTimeout)
	defer timer.Stop()
	select {
	case err := <-wait.done:
		if err != nil {
			return nil, fmt.Errorf("orders: %w", err)
		}
		return wait.rows, nil
	case <-timer.C:
		// openOrderEnd is not guaranteed when the open-order set is empty;
		// whatever arrived so far is the answer.
		g.reg.mu.Lock()
		rows := wait.rows
		if g.reg.orders == wait {
			g.reg.orders = nil
		}
		g.reg.mu.Unlock()
		g.logger.Warn("no openOrderEnd, returning partial open orders", "count", len(rows))
		return rows, nil
	case <-ctx.Done():
		g.clearOrders(wait)
		return nil, fmt.Errorf("orders: %w", ctx.Err())
	}
}

// snapshotPrice requests one delayed snapshot quote for a contract and
// waits for the first usable price tick. Failures and timeouts degrade to
// zero. Snapshot subscriptions auto-cancel server side.
func (g *Gateway) snapshotPrice(ctx context.Context, conid int64) decimal.Decimal {
	g.stateMu.Lock()
	s := g.sess
	g.stateMu.Unlock()
	if s == nil {
		return decimal.Zero
	}

	var typeErr error
	s.mktDataType.Do(func() {
		typeErr = g.send(itoa(msgReqMarketDataType), "1", marketDataTypeDelayed)
	})
	if typeErr != nil {
		g.logger.Warn("market data type request failed", "error", typeErr)
	}

	reqID := g.nextID.Add(1) - 1
	wait := &priceWait{conid: conid, ch: make(chan decimal.Decimal, 1)}
	g.reg.mu.Lock()
	g.reg.prices[reqID] = wait
	g.reg.mu.Unlock()

	if err := g.send(itoa(msgReqMktData), itoa(reqID), itoa(conid), "SMART", "1"); err != nil {
		g.reg.mu.Lock()
		delete(g.reg.prices, reqID)
		g.reg.mu.Unlock()
		g.logger.Warn("market data request failed", "conid", conid, "error", err)
		return decimal.Zero
	}

	timer := time.NewTimer(g.priceTimeout)
	defer timer.Stop()
	select {
	case price := <-wait.ch:
		return price
	case <-timer.C:
	case <-ctx.Done():
	}

	// The handler may have resolved it while we were giving up.
	g.reg.mu.Lock()
	_, pending := g.reg.prices[reqID]
	delete(g.reg.prices, reqID)
	g.reg.mu.Unlock()
	if !pending {
		select {
		case price := <-wait.ch:
			return price
		default:
		}
	}
	g.logger.Warn("market data timeout", "conid", conid)
	return decimal.Zero
}

func (g *Gateway) clearPositions(w *positionsWait) {
	g.reg.mu.Lock()
	if g.reg.positions == w {
		g.reg.positions = nil
	}
	g.reg.mu.Unlock()
}

func (g *Gateway) clearOrders(w *ordersWait) {
	g.reg.mu.Lock()
	if g.reg.orders == w {
		g.reg.orders = nil
	}
	g.reg.mu.Unlock()
}

func (g *Gateway) clearOrderAck(orderID int64) {
	g.reg.mu.Lock()
	delete(g.reg.orderAcks, orderID)
	g.reg.mu.Unlock()
}
