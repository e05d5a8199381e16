// Package broker defines the gateway contract both broker backends implement,
// the error taxonomy read operations fail with, and the order helpers shared
// by the backends and the risk engine.
//
// Two implementations exist: internal/broker/rest speaks the Client Portal
// session-cookie REST API, internal/broker/tws speaks the asynchronous socket
// API. The risk engine only ever sees this interface and stays ignorant of
// which backend is active.
package broker

import (
	"context"

	"riskmanager/pkg/types"
)

// Gateway is the synchronous broker surface. Read operations fail with
// *Error; PlaceStopLossOrder reports business rejections inside OrderResult
// and reserves errors for transport or connection loss.
type Gateway interface {
	// GetConnectionStatus never fails; problems are reported via the
	// status fields and Message.
	GetConnectionStatus(ctx context.Context) types.ConnectionStatus

	// KeepAlive returns true iff a liveness probe succeeded within the call.
	KeepAlive(ctx context.Context) bool

	// GetConfiguredAccounts returns the configured account list verbatim.
	GetConfiguredAccounts() []string

	// SwitchAccount selects the current account on backends that track one.
	// Idempotent; a no-op on backends that scope requests per-account.
	SwitchAccount(ctx context.Context, accountID string) error

	// GetPositions returns the account's open positions. Zero-quantity rows
	// are excluded and every row carries a populated market price.
	GetPositions(ctx context.Context, accountID string) ([]types.Position, error)

	// GetAllPositions unions positions across all configured accounts.
	GetAllPositions(ctx context.Context) ([]types.Position, error)

	// GetOrders returns the account's orders in all statuses; callers filter.
	GetOrders(ctx context.Context, accountID string) ([]types.Order, error)

	// GetAllOrders unions orders across all configured accounts.
	GetAllOrders(ctx context.Context) ([]types.Order, error)

	// GetStopOrders returns the account's stop-typed, active orders.
	GetStopOrders(ctx context.Context, accountID string) ([]types.Order, error)

	// GetAllStopOrders unions stop orders across all configured accounts and
	// deduplicates them by order ID.
	GetAllStopOrders(ctx context.Context) ([]types.Order, error)

	// GetStopOrdersForConid restricts GetStopOrders to one contract.
	GetStopOrdersForConid(ctx context.Context, accountID string, conid int64) ([]types.Order, error)

	// PlaceStopLossOrder submits one protective stop order.
	PlaceStopLossOrder(ctx context.Context, req types.StopLossOrderRequest) (types.OrderResult, error)
}
