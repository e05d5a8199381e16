// Package rest implements the broker gateway over the Client Portal REST API.
//
// The API is a stateful HTTP session: requests authenticate with a session
// cookie, account-scoped reads require an account switch first, and the
// orders endpoint serves stale data unless a refresh-triggering read runs
// before the real one. The broker applies switches and refreshes
// asynchronously server-side with no completion signal, so the gateway waits
// a fixed delay after each; the defaults are the smallest values observed to
// reliably avoid stale reads. Outbound requests take a token from a shared
// bucket to stay inside the broker's per-session throttle.
package rest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"riskmanager/internal/broker"
	"riskmanager/internal/config"
	"riskmanager/pkg/types"
)

// Gateway talks to one Client Portal instance on behalf of the configured
// accounts. Safe for concurrent use; the broker serializes session state
// server-side.
type Gateway struct {
	client       *resty.Client
	limiter      *TokenBucket
	accounts     []string
	switchDelay  time.Duration
	refreshDelay time.Duration
	logger       *slog.Logger
}

// New builds the gateway. Redirects are never followed: the gateway answers
// HTTP 302 when the session has expired, and following it would hide the
// auth failure behind an HTML login page.
func New(cfg config.GatewayConfig, accounts []string, logger *slog.Logger) *Gateway {
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "*/*").
		SetRedirectPolicy(resty.NoRedirectPolicy())
	if cfg.SessionCookie != "" {
		client.SetHeader("Cookie", cfg.SessionCookie)
	}
	return &Gateway{
		client:       client,
		limiter:      NewTokenBucket(requestBurst, requestsPerSecond),
		accounts:     accounts,
		switchDelay:  cfg.SwitchDelay,
		refreshDelay: cfg.RefreshDelay,
		logger:       logger.With("component", "rest-gateway"),
	}
}

// pace takes a request token, mapping a cancelled wait into the error
// taxonomy under the caller's op.
func (g *Gateway) pace(ctx context.Context, op string) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return &broker.Error{Kind: broker.Timeout, Op: op, Err: err}
	}
	return nil
}

// check maps a resty outcome to the gateway error taxonomy. A 302 anywhere
// means the session is gone.
func check(op string, resp *resty.Response, err error) error {
	switch {
	case err != nil:
		if resp != nil && resp.StatusCode() == http.StatusFound {
			return &broker.Error{Kind: broker.Auth, Op: op, Err: errors.New("session not authenticated (HTTP 302)")}
		}
		return &broker.Error{Kind: broker.Transport, Op: op, Err: err}
	case resp.StatusCode() == http.StatusFound:
		return &broker.Error{Kind: broker.Auth, Op: op, Err: errors.New("session not authenticated (HTTP 302)")}
	case resp.StatusCode() == http.StatusUnauthorized || resp.StatusCode() == http.StatusForbidden:
		return broker.Errf(broker.Auth, op, "HTTP %d", resp.StatusCode())
	case resp.StatusCode() >= http.StatusInternalServerError:
		return broker.Errf(broker.Transport, op, "HTTP %d", resp.StatusCode())
	case resp.IsError():
		return broker.Errf(broker.Protocol, op, "HTTP %d", resp.StatusCode())
	}
	return nil
}

// sleep waits the given pacing delay, cut short if the context ends.
func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// ————————————————————————————————————————————————————————————————————————
// Connection
// ————————————————————————————————————————————————————————————————————————

// GetConnectionStatus probes the auth-status endpoint. It never returns an
// error; transport failures and expired sessions show up in the fields.
func (g *Gateway) GetConnectionStatus(ctx context.Context) types.ConnectionStatus {
	if err := g.limiter.Wait(ctx); err != nil {
		return types.ConnectionStatus{Message: "cannot reach gateway: " + err.Error()}
	}

	var status authStatusResponse
	resp, err := g.client.R().SetContext(ctx).SetResult(&status).Post("/iserver/auth/status")
	switch {
	case err != nil && resp != nil && resp.StatusCode() == http.StatusFound,
		err == nil && resp.StatusCode() == http.StatusFound:
		return types.ConnectionStatus{Message: "session not authenticated (HTTP 302), log in via the gateway UI"}
	case err != nil:
		return types.ConnectionStatus{Message: "cannot reach gateway: " + err.Error()}
	case resp.IsError():
		return types.ConnectionStatus{Reachable: true, Message: fmt.Sprintf("gateway returned HTTP %d", resp.StatusCode())}
	}

	msg := "session is authenticated and ready"
	if !status.Authenticated {
		msg = status.Fail
		if msg == "" {
			msg = "not authenticated"
		}
	}
	return types.ConnectionStatus{
		Reachable:     true,
		Authenticated: status.Authenticated,
		Connected:     status.Connected,
		Competing:     status.Competing,
		Message:       msg,
	}
}

// KeepAlive tickles the session so the broker does not expire it.
func (g *Gateway) KeepAlive(ctx context.Context) bool {
	if err := g.limiter.Wait(ctx); err != nil {
		return false
	}
	resp, err := g.client.R().SetContext(ctx).Post("/tickle")
	if err != nil || resp.IsError() {
		g.logger.Warn("session keep-alive failed", "error", err, "status", statusOf(resp))
		return false
	}
	return true
}

func statusOf(resp *resty.Response) int {
	if resp == nil {
		return 0
	}
	return resp.StatusCode()
}

// ————————————————————————————————————————————————————————————————————————
// Accounts and positions
// ————————————————————————————————————————————————————————————————————————

func (g *Gateway) GetConfiguredAccounts() []string { return g.accounts }

// SwitchAccount selects the session's current account. Account-scoped
// endpoints return data for whichever account was selected last.
func (g *Gateway) SwitchAccount(ctx context.Context, accountID string) error {
	if err := g.pace(ctx, "switch account"); err != nil {
		return err
	}
	var out switchAccountResponse
	resp, err := g.client.R().
		SetContext(ctx).
		SetBody(switchAccountRequest{AcctID: accountID}).
		SetResult(&out).
		Post("/iserver/account")
	if cerr := check("switch account", resp, err); cerr != nil {
		return cerr
	}
	g.logger.Debug("switched account", "accountId", accountID, "set", out.Set)
	return nil
}

// GetPositions reads the first page of the account's portfolio. Zero-quantity
// rows (closed positions the broker still reports) are dropped.
func (g *Gateway) GetPositions(ctx context.Context, accountID string) ([]types.Position, error) {
	if err := g.pace(ctx, "get positions"); err != nil {
		return nil, err
	}
	var rows []positionRow
	resp, err := g.client.R().
		SetContext(ctx).
		SetResult(&rows).
		Get(fmt.Sprintf("/portfolio/%s/positions/0", accountID))
	if cerr := check("get positions", resp, err); cerr != nil {
		return nil, cerr
	}

	out := make([]types.Position, 0, len(rows))
	for _, r := range rows {
		p := r.toPosition()
		if p.Quantity.IsZero() {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func (g *Gateway) GetAllPositions(ctx context.Context) ([]types.Position, error) {
	var all []types.Position
	for _, accountID := range g.accounts {
		positions, err := g.GetPositions(ctx, accountID)
		if err != nil {
			return nil, fmt.Errorf("account %s: %w", accountID, err)
		}
		all = append(all, positions...)
	}
	return all, nil
}

// ————————————————————————————————————————————————————————————————————————
// Orders
// ————————————————————————————————————————————————————————————————————————

// GetOrders reads the account's orders. The sequence is fixed: switch to the
// account, wait, trigger the broker's server-side refresh, wait again, then
// read. Skipping either wait returns data from before the switch.
func (g *Gateway) GetOrders(ctx context.Context, accountID string) ([]types.Order, error) {
	if err := g.SwitchAccount(ctx, accountID); err != nil {
		return nil, err
	}
	sleep(ctx, g.switchDelay)

	if err := g.pace(ctx, "refresh orders"); err != nil {
		return nil, err
	}
	resp, err := g.client.R().
		SetContext(ctx).
		SetQueryParam("force", "true").
		Get("/iserver/account/orders")
	if cerr := check("refresh orders", resp, err); cerr != nil {
		return nil, cerr
	}
	sleep(ctx, g.refreshDelay)

	if err := g.pace(ctx, "get orders"); err != nil {
		return nil, err
	}
	var out ordersResponse
	resp, err = g.client.R().
		SetContext(ctx).
		SetResult(&out).
		Get("/iserver/account/orders")
	if cerr := check("get orders", resp, err); cerr != nil {
		return nil, cerr
	}

	orders := make([]types.Order, 0, len(out.Orders))
	for _, r := range out.Orders {
		orders = append(orders, r.toOrder())
	}
	return orders, nil
}

func (g *Gateway) GetAllOrders(ctx context.Context) ([]types.Order, error) {
	var all []types.Order
	for _, accountID := range g.accounts {
		orders, err := g.GetOrders(ctx, accountID)
		if err != nil {
			return nil, fmt.Errorf("account %s: %w", accountID, err)
		}
		all = append(all, orders...)
	}
	return all, nil
}

func (g *Gateway) GetStopOrders(ctx context.Context, accountID string) ([]types.Order, error) {
	orders, err := g.GetOrders(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return broker.ActiveStopOrders(orders), nil
}

func (g *Gateway) GetAllStopOrders(ctx context.Context) ([]types.Order, error) {
	var all []types.Order
	for _, accountID := range g.accounts {
		orders, err := g.GetStopOrders(ctx, accountID)
		if err != nil {
			return nil, fmt.Errorf("account %s: %w", accountID, err)
		}
		all = append(all, orders...)
	}
	unique := broker.DedupByOrderID(all)
	g.logger.Debug("collected stop orders", "total", len(all), "unique", len(unique))
	return unique, nil
}

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

// ————————————————————————————————————————————————————————————————————————
// Order placement
// ————————————————————————————————————————————————————————————————————————

// PlaceStopLossOrder submits the stop and, when the broker answers with a
// risk warning instead of an order ID, immediately confirms it against the
// reply endpoint. The exchange is bounded at one confirmation. Business
// rejections come back in the OrderResult; only transport and session
// failures return an error.
func (g *Gateway) PlaceStopLossOrder(ctx context.Context, req types.StopLossOrderRequest) (types.OrderResult, error) {
	const op = "place stop loss order"

	if err := g.pace(ctx, op); err != nil {
		return types.OrderResult{}, err
	}
	var submitted []placeOrderResponse
	resp, err := g.client.R().
		SetContext(ctx).
		SetBody(newStopOrderBody(req)).
		SetResult(&submitted).
		Post(fmt.Sprintf("/iserver/account/%s/orders", req.AccountID))
	if err != nil || resp.StatusCode() == http.StatusFound {
		return types.OrderResult{}, check(op, resp, err)
	}
	if resp.IsError() {
		// The broker answered; treat any HTTP rejection as a business
		// rejection rather than a gateway failure.
		return types.OrderResult{Message: fmt.Sprintf("broker rejected order: HTTP %d", resp.StatusCode())}, nil
	}
	if len(submitted) == 0 {
		return types.OrderResult{Message: "no response from broker"}, nil
	}

	first := submitted[0]
	if first.Error != "" {
		return types.OrderResult{Message: first.Error}, nil
	}

	orderID := first.orderID()
	if first.needsConfirmation() {
		g.logger.Info("confirming order risk warning",
			"accountId", req.AccountID, "conid", req.Conid, "replyId", first.ID, "warnings", len(first.Message))

		if err := g.pace(ctx, "confirm order"); err != nil {
			return types.OrderResult{}, err
		}
		var confirmed []placeOrderResponse
		resp, err = g.client.R().
			SetContext(ctx).
			SetBody(confirmRequest{Confirmed: true}).
			SetResult(&confirmed).
			Post("/iserver/reply/" + first.ID)
		if cerr := check("confirm order", resp, err); cerr != nil {
			return types.OrderResult{}, cerr
		}
		// The broker-assigned ID only exists after confirmation; fall back
		// to the reply ID when the confirm response omits it.
		orderID = first.ID
		if len(confirmed) > 0 && confirmed[0].orderID() != "" {
			orderID = confirmed[0].orderID()
		}
	}

	return types.OrderResult{Success: true, OrderID: orderID, Message: "Order placed successfully"}, nil
}
