// Package risk computes worst-case portfolio reports and creates missing
// stop-loss orders.
//
// The engine is a pure function of broker snapshots: positions and stop
// orders in, a RiskReport out, every figure an exact decimal. The service
// wraps the engine with the gateway reads and order placement.
package risk

import (
	"log/slog"
	"sort"

	"github.com/shopspring/decimal"

	"riskmanager/internal/broker"
	"riskmanager/pkg/types"
)

// Converter turns an amount in a position's currency into the base
// currency. Implemented by the FX cache.
type Converter interface {
	ConvertToBase(amount decimal.Decimal, currency string) decimal.Decimal
	BaseCurrency() string
}

var (
	one     = decimal.NewFromInt(1)
	hundred = decimal.NewFromInt(100)
)

// positionKey identifies a position across accounts. Conids repeat between
// accounts holding the same instrument.
type positionKey struct {
	conid     int64
	accountID string
}

// Engine computes risk reports. Safe for concurrent use.
type Engine struct {
	extractor *broker.StopPriceExtractor
	logger    *slog.Logger
}

func NewEngine(logger *slog.Logger) *Engine {
	return &Engine{
		extractor: broker.NewStopPriceExtractor(logger),
		logger:    logger.With("component", "risk-engine"),
	}
}

// BuildReport computes the worst-case report for the given snapshots.
//
// Positions covered by at least one stop order lock in the profit (or loss)
// of their weighted-average stop price. Uncovered positions are assumed to
// exit at the configured loss percentage from their entry price, so the
// report stays comparable across protected and unprotected holdings.
func (e *Engine) BuildReport(positions []types.Position, stopOrders []types.Order, fx Converter, unprotectedPct decimal.Decimal) types.RiskReport {
	index := make(map[positionKey]types.Position, len(positions))
	for _, p := range positions {
		key := positionKey{p.Conid, p.AccountID}
		if _, dup := index[key]; !dup {
			index[key] = p
		}
	}

	groups, groupKeys := groupStopOrders(stopOrders)

	rows := make([]types.PositionRisk, 0, len(positions))
	protected := make(map[positionKey]bool, len(groupKeys))
	for _, key := range groupKeys {
		pos, held := index[key]
		if !held {
			e.logger.Debug("stop orders without a matching position",
				"conid", key.conid, "account", key.accountID)
			continue
		}
		avgStop, totalQty, ok := e.aggregateStops(groups[key])
		if !ok {
			continue
		}
		protected[key] = true
		ticker := groups[key][0].Ticker
		if ticker == "" {
			ticker = pos.Ticker
		}
		rows = append(rows, buildRow(pos, avgStop, totalQty, ticker, true, fx))
	}

	m := lossMultiplier(unprotectedPct)
	seen := make(map[positionKey]bool, len(positions))
	for _, p := range positions {
		key := positionKey{p.Conid, p.AccountID}
		if seen[key] {
			continue
		}
		seen[key] = true
		if protected[key] || p.Quantity.IsZero() {
			continue
		}
		stop := assumedStopPrice(p, m)
		rows = append(rows, buildRow(p, stop, p.Quantity.Abs(), p.Ticker, false, fx))
	}

	return finalize(rows, fx, unprotectedPct)
}

// groupStopOrders groups orders by (conid, accountId), keys in first-seen
// order. Orders without a conid are dropped.
func groupStopOrders(orders []types.Order) (map[positionKey][]types.Order, []positionKey) {
	groups := make(map[positionKey][]types.Order)
	keys := make([]positionKey, 0, len(orders))
	for _, o := range orders {
		if o.Conid == 0 {
			continue
		}
		key := positionKey{o.Conid, o.AccountID}
		if _, ok := groups[key]; !ok {
			keys = append(keys, key)
		}
		groups[key] = append(groups[key], o)
	}
	return groups, keys
}

// aggregateStops reduces a group of stop orders to a quantity-weighted
// average stop price and the total stop quantity. Orders without an
// effective stop price contribute nothing; a group with zero total
// quantity does not protect its position.
func (e *Engine) aggregateStops(orders []types.Order) (avgStop, totalQty decimal.Decimal, ok bool) {
	weighted := decimal.Zero
	totalQty = decimal.Zero
	for _, o := range orders {
		stop, found := e.extractor.EffectiveStop(o)
		if !found {
			continue
		}
		qty := stopOrderQuantity(o).Abs()
		weighted = weighted.Add(stop.Mul(qty))
		totalQty = totalQty.Add(qty)
	}
	if totalQty.IsZero() {
		return decimal.Zero, decimal.Zero, false
	}
	return weighted.DivRound(totalQty, types.CurrencyScale), totalQty, true
}

func stopOrderQuantity(o types.Order) decimal.Decimal {
	if o.RemainingQuantity != nil {
		return *o.RemainingQuantity
	}
	return o.Quantity
}

// buildRow computes the per-position figures. Multiplications use the
// absolute quantity; the signed quantity is preserved in the row.
func buildRow(pos types.Position, stop, orderQty decimal.Decimal, ticker string, hasStop bool, fx Converter) types.PositionRisk {
	var lockedPerShare, atRiskPerShare decimal.Decimal
	if pos.IsLong() {
		lockedPerShare = stop.Sub(pos.AvgPrice)
		diff := pos.MarketPrice.Sub(stop)
		if pos.MarketPrice.GreaterThan(pos.AvgPrice) {
			atRiskPerShare = diff // unrealized gain a tighter stop could capture
		} else {
			atRiskPerShare = diff.Neg() // remaining loss exposure before the stop
		}
	} else {
		lockedPerShare = pos.AvgPrice.Sub(stop)
		diff := stop.Sub(pos.MarketPrice)
		if pos.MarketPrice.LessThan(pos.AvgPrice) {
			atRiskPerShare = diff
		} else {
			atRiskPerShare = diff.Neg()
		}
	}

	locked := types.RoundCurrency(lockedPerShare.Mul(orderQty))
	atRisk := types.RoundCurrency(atRiskPerShare.Mul(orderQty))
	value := types.RoundCurrency(pos.Quantity.Abs().Mul(pos.MarketPrice))

	return types.PositionRisk{
		AccountID:         pos.AccountID,
		Ticker:            ticker,
		PositionSize:      pos.Quantity,
		AvgPrice:          pos.AvgPrice,
		CurrentPrice:      pos.MarketPrice,
		StopPrice:         stop,
		OrderQuantity:     orderQty,
		LockedProfit:      locked,
		AtRiskProfit:      atRisk,
		PositionValue:     value,
		Currency:          pos.Currency,
		LockedProfitBase:  fx.ConvertToBase(locked, pos.Currency),
		AtRiskProfitBase:  fx.ConvertToBase(atRisk, pos.Currency),
		PositionValueBase: fx.ConvertToBase(value, pos.Currency),
		BaseCurrency:      fx.BaseCurrency(),
		HasStopLoss:       hasStop,
	}
}

// lossMultiplier turns a percentage into a fraction at 4-digit precision.
func lossMultiplier(pct decimal.Decimal) decimal.Decimal {
	return pct.DivRound(hundred, types.FractionScale)
}

// assumedStopPrice is the synthetic exit used for unprotected positions:
// the configured loss fraction away from the entry price.
func assumedStopPrice(p types.Position, m decimal.Decimal) decimal.Decimal {
	if p.IsLong() {
		return p.AvgPrice.Mul(one.Sub(m))
	}
	return p.AvgPrice.Mul(one.Add(m))
}

// finalize aggregates totals, assigns portfolio percentages, and sorts
// rows by locked profit descending.
func finalize(rows []types.PositionRisk, fx Converter, unprotectedPct decimal.Decimal) types.RiskReport {
	withStop := decimal.Zero
	withoutStop := decimal.Zero
	totalAtRisk := decimal.Zero
	totalValue := decimal.Zero
	for _, r := range rows {
		if r.HasStopLoss {
			withStop = withStop.Add(r.LockedProfitBase)
		} else {
			withoutStop = withoutStop.Add(r.LockedProfitBase)
		}
		totalAtRisk = totalAtRisk.Add(r.AtRiskProfitBase)
		totalValue = totalValue.Add(r.PositionValueBase)
	}

	for i := range rows {
		if totalValue.Sign() > 0 {
			rows[i].PortfolioPercentage = types.RoundCurrency(
				rows[i].PositionValueBase.DivRound(totalValue, types.FractionScale).Mul(hundred))
		} else {
			rows[i].PortfolioPercentage = decimal.Zero
		}
	}

	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i].LockedProfit.GreaterThan(rows[j].LockedProfit)
	})

	return types.RiskReport{
		WorstCaseProfit:                types.RoundCurrency(withStop.Add(withoutStop)),
		WorstCaseProfitWithStopLoss:    types.RoundCurrency(withStop),
		WorstCaseProfitWithoutStopLoss: types.RoundCurrency(withoutStop),
		TotalAtRiskProfit:              types.RoundCurrency(totalAtRisk),
		TotalPositionValue:             types.RoundCurrency(totalValue),
		Currency:                       fx.BaseCurrency(),
		UnprotectedLossPercentageUsed:  unprotectedPct,
		PositionRisks:                  rows,
	}
}
