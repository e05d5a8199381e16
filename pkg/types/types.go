// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the risk manager: broker
// positions and orders, connection status, stop-loss requests, and the risk
// report produced by the engine. It has no dependencies on internal packages,
// so it can be imported by any layer.
package types

import (
	"strings"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums and scales
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// Decimal scales used throughout the money math. Every rounded value in the
// system lands on one of these; shopspring's Round and DivRound round half
// away from zero, which matches the broker's HALF_UP convention.
const (
	CurrencyScale = 2  // monetary amounts and quoted prices
	QuantityScale = 4  // position and order quantities
	FractionScale = 4  // loss-percentage multipliers, portfolio-share intermediates
	RateScale     = 10 // FX rate inversion precision
)

// RoundCurrency rounds a monetary amount to currency scale, half away from zero.
func RoundCurrency(d decimal.Decimal) decimal.Decimal {
	return d.Round(CurrencyScale)
}

// RoundQuantity rounds a position quantity to quantity scale. Backends apply
// this when decoding broker rows, so fractional shares carry at most four
// decimal places into the risk math.
func RoundQuantity(d decimal.Decimal) decimal.Decimal {
	return d.Round(QuantityScale)
}

// ————————————————————————————————————————————————————————————————————————
// Broker snapshot model
// ————————————————————————————————————————————————————————————————————————

// Position is one portfolio row for one account. Quantity is signed: positive
// means long, negative means short, zero means closed. MarketPrice is the
// broker's current mark, which on the socket backend is filled in by snapshot
// market-data enrichment and may be zero when no quote arrived in time.
type Position struct {
	AccountID   string          `json:"accountId"`
	Conid       int64           `json:"conid"` // broker-internal contract ID, unique per instrument
	Ticker      string          `json:"ticker"`
	Quantity    decimal.Decimal `json:"quantity"`
	AvgPrice    decimal.Decimal `json:"avgPrice"`
	MarketPrice decimal.Decimal `json:"marketPrice"`
	Currency    string          `json:"currency"`
}

// IsLong reports whether the position quantity is positive.
func (p Position) IsLong() bool { return p.Quantity.IsPositive() }

// IsShort reports whether the position quantity is negative.
func (p Position) IsShort() bool { return p.Quantity.IsNegative() }

// Order is a broker order as returned by either backend. Optional numeric
// fields are pointers: the broker omits them for order types that do not
// carry them, and "absent" is meaningful to the stop-price resolution chain.
type Order struct {
	OrderID           string           `json:"orderId"` // stable across refreshes of the same order
	AccountID         string           `json:"accountId"`
	Conid             int64            `json:"conid"`
	Ticker            string           `json:"ticker"`
	OrderType         string           `json:"orderType"` // free-form: "STP", "Stop", "LMT", ...
	Side              Side             `json:"side"`
	Price             *decimal.Decimal `json:"price,omitempty"`
	StopPrice         *decimal.Decimal `json:"stopPrice,omitempty"`
	Quantity          decimal.Decimal  `json:"quantity"`
	RemainingQuantity *decimal.Decimal `json:"remainingQuantity,omitempty"`
	Status            string           `json:"status,omitempty"`
	Description       string           `json:"description,omitempty"` // broker free-text summary, e.g. "SELL 100 Stop 120.00"
}

// inactiveStatuses are terminal states; anything else (including no status at
// all) counts as active.
var inactiveStatuses = map[string]struct{}{
	"cancelled":    {},
	"filled":       {},
	"apicancelled": {},
}

// IsActive reports whether the order is still working at the broker.
func (o Order) IsActive() bool {
	if o.Status == "" {
		return true
	}
	_, terminal := inactiveStatuses[strings.ToLower(o.Status)]
	return !terminal
}

// IsStopType reports whether the order type denotes a stop order. The REST
// backend returns "STP"; the socket backend and older sessions spell out
// variants like "Stop" or "Stop Limit".
func (o Order) IsStopType() bool {
	if o.OrderType == "" {
		return false
	}
	t := strings.ToLower(o.OrderType)
	return t == "stp" || strings.Contains(t, "stop")
}

// ————————————————————————————————————————————————————————————————————————
// Gateway results
// ————————————————————————————————————————————————————————————————————————

// ConnectionStatus describes the broker link. Reachable means the transport
// is open; Authenticated means the broker accepted the session; Competing
// means another session is active for the same user (informational).
type ConnectionStatus struct {
	Reachable     bool   `json:"reachable"`
	Authenticated bool   `json:"authenticated"`
	Connected     bool   `json:"connected"`
	Competing     bool   `json:"competing"`
	Message       string `json:"message"`
}

// StopLossOrderRequest asks the gateway to place one protective stop.
// Quantity is always positive; IsLong picks the side (long → SELL stop,
// short → BUY stop).
type StopLossOrderRequest struct {
	AccountID string          `json:"accountId"`
	Conid     int64           `json:"conid"`
	StopPrice decimal.Decimal `json:"stopPrice"`
	Quantity  decimal.Decimal `json:"quantity"`
	IsLong    bool            `json:"isLong"`
}

// Side returns the order side implied by the position direction.
func (r StopLossOrderRequest) Side() Side {
	if r.IsLong {
		return SELL
	}
	return BUY
}

// OrderResult is the outcome of one placement attempt. Success=false carries
// a business rejection; transport failures surface as errors instead.
type OrderResult struct {
	Success bool   `json:"success"`
	OrderID string `json:"orderId"` // broker-assigned if known, else the reply id
	Message string `json:"message"`
}

// StopLossResult reports one position handled by a protect operation,
// including refusals ("already exists", "Position size is zero") and
// positions that could not be found at all.
type StopLossResult struct {
	AccountID string           `json:"accountId,omitempty"`
	Ticker    string           `json:"ticker,omitempty"`
	Conid     int64            `json:"conid,omitempty"`
	StopPrice *decimal.Decimal `json:"stopPrice,omitempty"`
	Quantity  *decimal.Decimal `json:"quantity,omitempty"`
	Success   bool             `json:"success"`
	Message   string           `json:"message"`
}

// ————————————————————————————————————————————————————————————————————————
// Risk report
// ————————————————————————————————————————————————————————————————————————

// PositionRisk is one output row of the risk calculation. StopPrice is the
// actual weighted-average stop when HasStopLoss is true, otherwise the
// assumed exit price. OrderQuantity is the summed stop-order quantity for
// protected positions and may legitimately exceed the position size.
type PositionRisk struct {
	AccountID           string          `json:"accountId"`
	Ticker              string          `json:"ticker"`
	PositionSize        decimal.Decimal `json:"positionSize"` // signed
	AvgPrice            decimal.Decimal `json:"avgPrice"`
	CurrentPrice        decimal.Decimal `json:"currentPrice"`
	StopPrice           decimal.Decimal `json:"stopPrice"`
	OrderQuantity       decimal.Decimal `json:"orderQuantity"`
	LockedProfit        decimal.Decimal `json:"lockedProfit"`  // native currency
	AtRiskProfit        decimal.Decimal `json:"atRiskProfit"`  // native currency
	PositionValue       decimal.Decimal `json:"positionValue"` // native currency
	Currency            string          `json:"currency"`
	LockedProfitBase    decimal.Decimal `json:"lockedProfitBase"`
	AtRiskProfitBase    decimal.Decimal `json:"atRiskProfitBase"`
	PositionValueBase   decimal.Decimal `json:"positionValueBase"`
	BaseCurrency        string          `json:"baseCurrency"`
	HasStopLoss         bool            `json:"hasStopLoss"`
	PortfolioPercentage decimal.Decimal `json:"portfolioPercentage"` // 0–100
}

// RiskReport is the portfolio-wide worst-case summary. WorstCaseProfit is the
// sum of all locked profits in base currency, split into the protected and
// unprotected contributions. Rows are sorted by native LockedProfit,
// descending.
type RiskReport struct {
	WorstCaseProfit                decimal.Decimal `json:"worstCaseProfit"`
	WorstCaseProfitWithStopLoss    decimal.Decimal `json:"worstCaseProfitWithStopLoss"`
	WorstCaseProfitWithoutStopLoss decimal.Decimal `json:"worstCaseProfitWithoutStopLoss"`
	TotalAtRiskProfit              decimal.Decimal `json:"totalAtRiskProfit"`
	TotalPositionValue             decimal.Decimal `json:"totalPositionValue"`
	Currency                       string          `json:"currency"` // base currency
	UnprotectedLossPercentageUsed  decimal.Decimal `json:"unprotectedLossPercentageUsed"`
	PositionRisks                  []PositionRisk  `json:"positionRisks"`
}
