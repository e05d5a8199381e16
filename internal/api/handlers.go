package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"riskmanager/internal/broker"
	"riskmanager/internal/config"
	"riskmanager/internal/metrics"
	"riskmanager/internal/risk"
	"riskmanager/pkg/types"
)

// defaultLossPercentage applies when a protect call omits lossPercentage.
var defaultLossPercentage = decimal.NewFromInt(10)

// Handlers holds all HTTP handler dependencies
type Handlers struct {
	gateway  broker.Gateway
	risk     *risk.Service
	cfg      config.ServerConfig
	hub      *Hub
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewHandlers creates a new handlers instance
func NewHandlers(gateway broker.Gateway, riskSvc *risk.Service, cfg config.ServerConfig, hub *Hub, logger *slog.Logger) *Handlers {
	h := &Handlers{
		gateway: gateway,
		risk:    riskSvc,
		cfg:     cfg,
		hub:     hub,
		logger:  logger.With("component", "api-handlers"),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return isOriginAllowed(r.Header.Get("Origin"), cfg, r.Host)
		},
	}
	return h
}

// isOriginAllowed decides whether a websocket origin may connect. With an
// allowlist configured only exact entries pass; without one, same-host and
// local origins pass.
func isOriginAllowed(origin string, cfg config.ServerConfig, reqHost string) bool {
	if origin == "" {
		return true
	}
	if len(cfg.AllowedOrigins) > 0 {
		for _, allowed := range cfg.AllowedOrigins {
			if strings.EqualFold(origin, allowed) {
				return true
			}
		}
		return false
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if u.Host == reqHost {
		return true
	}
	switch u.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

// HandleHealth returns a simple health check response
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleStatus returns the broker connection status.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.gateway.GetConnectionStatus(r.Context()))
}

// HandleKeepAlive tickles the broker session and reports whether it answered.
func (h *Handlers) HandleKeepAlive(w http.ResponseWriter, r *http.Request) {
	alive := h.gateway.KeepAlive(r.Context())
	h.writeJSON(w, http.StatusOK, map[string]bool{"alive": alive})
}

// HandlePositions returns open positions across all configured accounts.
func (h *Handlers) HandlePositions(w http.ResponseWriter, r *http.Request) {
	positions, err := h.gateway.GetAllPositions(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, positions)
}

// HandleOrders returns orders in all statuses across all configured accounts.
func (h *Handlers) HandleOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := h.gateway.GetAllOrders(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, orders)
}

// HandleRisk builds and returns the worst-case report. With
// ?unprotectedOnly=true the report is filtered to positions without a stop
// order and the totals recomputed over the remaining rows.
func (h *Handlers) HandleRisk(w http.ResponseWriter, r *http.Request) {
	report, err := h.buildReport(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if only, _ := strconv.ParseBool(r.URL.Query().Get("unprotectedOnly")); only {
		report = unprotectedOnly(report)
	}
	h.writeJSON(w, http.StatusOK, report)
}

// HandleRiskCSV builds the report and streams it as a spreadsheet download.
func (h *Handlers) HandleRiskCSV(w http.ResponseWriter, r *http.Request) {
	report, err := h.buildReport(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=UTF-8")
	w.Header().Set("Content-Disposition", "attachment; filename=risk-report.csv")
	if err := writeReportCSV(w, report); err != nil {
		h.logger.Error("csv export failed", "error", err)
	}
}

func (h *Handlers) buildReport(ctx context.Context) (types.RiskReport, error) {
	report, err := h.risk.WorstCaseReport(ctx, h.gateway.GetConfiguredAccounts())
	if err != nil {
		return types.RiskReport{}, err
	}
	metrics.RecordReport(report)
	h.hub.Broadcast(NewReportEvent(report))
	return report, nil
}

// unprotectedOnly filters a report to rows without a stop order, recomputing
// the totals from what remains. Row percentages keep their whole-portfolio
// denominators.
func unprotectedOnly(r types.RiskReport) types.RiskReport {
	rows := make([]types.PositionRisk, 0, len(r.PositionRisks))
	locked := decimal.Zero
	atRisk := decimal.Zero
	value := decimal.Zero
	for _, row := range r.PositionRisks {
		if row.HasStopLoss {
			continue
		}
		rows = append(rows, row)
		locked = locked.Add(row.LockedProfitBase)
		atRisk = atRisk.Add(row.AtRiskProfitBase)
		value = value.Add(row.PositionValueBase)
	}
	r.PositionRisks = rows
	r.WorstCaseProfitWithStopLoss = decimal.Zero
	r.WorstCaseProfitWithoutStopLoss = types.RoundCurrency(locked)
	r.WorstCaseProfit = r.WorstCaseProfitWithoutStopLoss
	r.TotalAtRiskProfit = types.RoundCurrency(atRisk)
	r.TotalPositionValue = types.RoundCurrency(value)
	return r
}

// HandleProtectAll places missing stop losses across every configured account.
func (h *Handlers) HandleProtectAll(w http.ResponseWriter, r *http.Request) {
	pct, err := lossPercentage(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	results := make([]types.StopLossResult, 0)
	for _, acct := range h.gateway.GetConfiguredAccounts() {
		res, err := h.risk.CreateMissingStopLosses(r.Context(), acct, pct)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		results = append(results, res...)
	}

	if len(results) > 0 {
		h.hub.Broadcast(NewStopPlacedEvent(results))
	}
	h.writeJSON(w, http.StatusOK, results)
}

// HandleProtectConid places a stop loss for one contract, searching every
// configured account for it.
func (h *Handlers) HandleProtectConid(w http.ResponseWriter, r *http.Request) {
	conid, err := strconv.ParseInt(r.PathValue("conid"), 10, 64)
	if err != nil {
		h.writeError(w, r, broker.Errf(broker.BadRequest, "protect", "invalid conid %q", r.PathValue("conid")))
		return
	}
	pct, err := lossPercentage(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	results := make([]types.StopLossResult, 0, 1)
	for _, acct := range h.gateway.GetConfiguredAccounts() {
		res, err := h.risk.CreateStopLossForPosition(r.Context(), acct, conid, pct)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		if notFound(res) {
			continue
		}
		results = append(results, res)
	}
	if len(results) == 0 {
		results = append(results, types.StopLossResult{
			Conid:   conid,
			Message: fmt.Sprintf("Position not found for conid: %d in any configured account", conid),
		})
	}

	h.hub.Broadcast(NewStopPlacedEvent(results))
	h.writeJSON(w, http.StatusOK, results)
}

// HandleProtectTicker is HandleProtectConid keyed by ticker symbol.
func (h *Handlers) HandleProtectTicker(w http.ResponseWriter, r *http.Request) {
	ticker := r.PathValue("ticker")
	pct, err := lossPercentage(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	results := make([]types.StopLossResult, 0, 1)
	for _, acct := range h.gateway.GetConfiguredAccounts() {
		res, err := h.risk.CreateStopLossForTicker(r.Context(), acct, ticker, pct)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		if notFound(res) {
			continue
		}
		results = append(results, res)
	}
	if len(results) == 0 {
		results = append(results, types.StopLossResult{
			Ticker:  ticker,
			Message: fmt.Sprintf("Position not found for ticker: %s in any configured account", ticker),
		})
	}

	h.hub.Broadcast(NewStopPlacedEvent(results))
	h.writeJSON(w, http.StatusOK, results)
}

// notFound reports whether a protect result is the per-account miss marker.
func notFound(res types.StopLossResult) bool {
	return strings.HasPrefix(res.Message, "Position not found")
}

// lossPercentage parses the lossPercentage query parameter, defaulting to 10.
func lossPercentage(r *http.Request) (decimal.Decimal, error) {
	raw := r.URL.Query().Get("lossPercentage")
	if raw == "" {
		return defaultLossPercentage, nil
	}
	pct, err := decimal.NewFromString(raw)
	if err != nil || pct.Sign() <= 0 || pct.GreaterThanOrEqual(decimal.NewFromInt(100)) {
		return decimal.Zero, broker.Errf(broker.BadRequest, "protect", "lossPercentage must be a number between 0 and 100 exclusive, got %q", raw)
	}
	return pct, nil
}

// HandleWebSocket upgrades the connection and seeds the client with the
// current connection status.
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := NewClient(h.hub, conn)

	status := h.gateway.GetConnectionStatus(r.Context())
	data, err := json.Marshal(NewStatusEvent(status))
	if err != nil {
		h.logger.Error("failed to marshal initial status", "error", err)
		return
	}

	select {
	case client.send <- data:
	default:
		h.logger.Warn("failed to send initial status to client")
	}
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

// writeError maps broker error kinds onto HTTP statuses: connection trouble
// is 502, auth failures 401, bad parameters 400, anything else 500.
func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	var berr *broker.Error
	if errors.As(err, &berr) {
		switch berr.Kind {
		case broker.NotConnected, broker.Timeout, broker.Transport:
			status = http.StatusBadGateway
		case broker.Auth:
			status = http.StatusUnauthorized
		case broker.BadRequest:
			status = http.StatusBadRequest
		}
	}
	h.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	h.writeJSON(w, status, map[string]string{"error": err.Error()})
}
