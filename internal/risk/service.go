// service.go runs the risk operations against a live gateway: it gathers
// the broker snapshots the engine needs and places the stop orders the
// protect operations decide on.
package risk

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/shopspring/decimal"

	"riskmanager/internal/broker"
	"riskmanager/pkg/types"
)

// Service couples the engine to a broker gateway and an FX converter.
type Service struct {
	gateway        broker.Gateway
	fx             Converter
	engine         *Engine
	extractor      *broker.StopPriceExtractor
	unprotectedPct decimal.Decimal
	logger         *slog.Logger
}

// NewService builds a Service. unprotectedPct is the assumed loss
// percentage applied to positions without a stop order, e.g. 50 for 50%.
func NewService(gateway broker.Gateway, fx Converter, unprotectedPct decimal.Decimal, logger *slog.Logger) *Service {
	return &Service{
		gateway:        gateway,
		fx:             fx,
		engine:         NewEngine(logger),
		extractor:      broker.NewStopPriceExtractor(logger),
		unprotectedPct: unprotectedPct,
		logger:         logger.With("component", "risk-service"),
	}
}

// UnprotectedLossPercentage returns the configured assumed-loss percentage.
func (s *Service) UnprotectedLossPercentage() decimal.Decimal {
	return s.unprotectedPct
}

// WorstCaseReport builds the risk report over the given accounts' positions
// and all configured accounts' stop orders.
func (s *Service) WorstCaseReport(ctx context.Context, accountIDs []string) (types.RiskReport, error) {
	positions := make([]types.Position, 0)
	for _, acct := range accountIDs {
		ps, err := s.gateway.GetPositions(ctx, acct)
		if err != nil {
			return types.RiskReport{}, fmt.Errorf("positions for %s: %w", acct, err)
		}
		positions = append(positions, ps...)
	}

	stops, err := s.gateway.GetAllStopOrders(ctx)
	if err != nil {
		return types.RiskReport{}, fmt.Errorf("stop orders: %w", err)
	}

	report := s.engine.BuildReport(positions, stops, s.fx, s.unprotectedPct)
	s.logger.Info("risk report built",
		"accounts", len(accountIDs),
		"positions", len(report.PositionRisks),
		"worst_case", report.WorstCaseProfit,
		"currency", report.Currency)
	return report, nil
}

// CreateMissingStopLosses places a stop order for every non-zero position in
// the account that has no stop order on its contract yet. One result per
// placement attempt; already-covered and zero positions produce no result.
func (s *Service) CreateMissingStopLosses(ctx context.Context, accountID string, lossPct decimal.Decimal) ([]types.StopLossResult, error) {
	positions, err := s.gateway.GetPositions(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("positions for %s: %w", accountID, err)
	}
	stops, err := s.gateway.GetStopOrders(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("stop orders for %s: %w", accountID, err)
	}

	covered := make(map[int64]bool, len(stops))
	for _, o := range stops {
		if o.Conid != 0 {
			covered[o.Conid] = true
		}
	}

	results := make([]types.StopLossResult, 0)
	for _, p := range positions {
		if covered[p.Conid] || p.Quantity.IsZero() {
			continue
		}
		results = append(results, s.createStopLoss(ctx, accountID, p, lossPct))
	}
	s.logger.Info("missing stop losses processed",
		"account", accountID, "positions", len(positions), "placed", len(results))
	return results, nil
}

// CreateStopLossForPosition places a stop order for the position identified
// by conid. A conid the account does not hold yields a failure result, not
// an error.
func (s *Service) CreateStopLossForPosition(ctx context.Context, accountID string, conid int64, lossPct decimal.Decimal) (types.StopLossResult, error) {
	positions, err := s.gateway.GetPositions(ctx, accountID)
	if err != nil {
		return types.StopLossResult{}, fmt.Errorf("positions for %s: %w", accountID, err)
	}
	for _, p := range positions {
		if p.Conid == conid {
			return s.createStopLoss(ctx, accountID, p, lossPct), nil
		}
	}
	return types.StopLossResult{
		AccountID: accountID,
		Conid:     conid,
		Message:   fmt.Sprintf("Position not found for conid: %d", conid),
	}, nil
}

// CreateStopLossForTicker is CreateStopLossForPosition keyed by ticker
// symbol, matched case-insensitively.
func (s *Service) CreateStopLossForTicker(ctx context.Context, accountID, ticker string, lossPct decimal.Decimal) (types.StopLossResult, error) {
	positions, err := s.gateway.GetPositions(ctx, accountID)
	if err != nil {
		return types.StopLossResult{}, fmt.Errorf("positions for %s: %w", accountID, err)
	}
	for _, p := range positions {
		if strings.EqualFold(p.Ticker, ticker) {
			return s.createStopLoss(ctx, accountID, p, lossPct), nil
		}
	}
	return types.StopLossResult{
		AccountID: accountID,
		Ticker:    ticker,
		Message:   "Position not found for ticker: " + ticker,
	}, nil
}

// createStopLoss guards one placement: zero positions and contracts that
// already have an active stop are refused with an explanatory result.
func (s *Service) createStopLoss(ctx context.Context, accountID string, p types.Position, lossPct decimal.Decimal) types.StopLossResult {
	if p.Quantity.IsZero() {
		zero := decimal.Zero
		return types.StopLossResult{
			AccountID: accountID,
			Ticker:    p.Ticker,
			Conid:     p.Conid,
			Quantity:  &zero,
			Message:   "Position size is zero",
		}
	}

	if existing, found := s.existingStopLoss(ctx, accountID, p); found {
		return existing
	}

	stopPrice := quoteStopPrice(p, lossPct)
	qty := p.Quantity.Abs()
	result, err := s.gateway.PlaceStopLossOrder(ctx, types.StopLossOrderRequest{
		AccountID: accountID,
		Conid:     p.Conid,
		StopPrice: stopPrice,
		Quantity:  qty,
		IsLong:    p.IsLong(),
	})
	if err != nil {
		s.logger.Error("stop order placement failed",
			"account", accountID, "conid", p.Conid, "error", err)
		return types.StopLossResult{
			AccountID: accountID,
			Ticker:    p.Ticker,
			Conid:     p.Conid,
			StopPrice: &stopPrice,
			Quantity:  &qty,
			Message:   "Failed: " + err.Error(),
		}
	}

	s.logger.Info("stop order created",
		"account", accountID,
		"ticker", p.Ticker,
		"conid", p.Conid,
		"stop_price", stopPrice,
		"quantity", qty,
		"success", result.Success)
	return types.StopLossResult{
		AccountID: accountID,
		Ticker:    p.Ticker,
		Conid:     p.Conid,
		StopPrice: &stopPrice,
		Quantity:  &qty,
		Success:   result.Success,
		Message:   result.Message,
	}
}

// existingStopLoss reports an active stop order already covering the
// contract. Lookup failures are logged and treated as "no existing stop",
// the placement proceeds.
func (s *Service) existingStopLoss(ctx context.Context, accountID string, p types.Position) (types.StopLossResult, bool) {
	stops, err := s.gateway.GetStopOrdersForConid(ctx, accountID, p.Conid)
	if err != nil {
		s.logger.Warn("could not check for existing stop orders",
			"account", accountID, "conid", p.Conid, "error", err)
		return types.StopLossResult{}, false
	}
	if len(stops) == 0 {
		return types.StopLossResult{}, false
	}

	existing := stops[0]
	qty := decimal.Zero
	if existing.RemainingQuantity != nil {
		qty = *existing.RemainingQuantity
	}
	price := "unknown"
	var pricePtr *decimal.Decimal
	if stop, ok := s.extractor.EffectiveStop(existing); ok {
		price = stop.String()
		pricePtr = &stop
	}
	return types.StopLossResult{
		AccountID: accountID,
		Ticker:    p.Ticker,
		Conid:     p.Conid,
		StopPrice: pricePtr,
		Quantity:  &qty,
		Message:   "Stop loss already exists at price " + price,
	}, true
}

// quoteStopPrice computes the stop quote at the configured loss distance
// from the current market price. Longs round down, shorts round up, keeping
// the quoted stop at or beyond the requested distance.
func quoteStopPrice(p types.Position, lossPct decimal.Decimal) decimal.Decimal {
	m := lossMultiplier(lossPct)
	if p.IsLong() {
		return p.MarketPrice.Mul(one.Sub(m)).RoundDown(types.CurrencyScale)
	}
	return p.MarketPrice.Mul(one.Add(m)).RoundUp(types.CurrencyScale)
}
