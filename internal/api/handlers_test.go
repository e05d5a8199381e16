package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"riskmanager/internal/broker"
	"riskmanager/internal/config"
	"riskmanager/internal/risk"
	"riskmanager/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fakeFX struct{}

func (fakeFX) ConvertToBase(amount decimal.Decimal, currency string) decimal.Decimal {
	if currency == "USD" {
		return types.RoundCurrency(amount.Mul(d("0.9")))
	}
	return amount
}

func (fakeFX) BaseCurrency() string { return "EUR" }

type fakeGateway struct {
	accounts     []string
	positions    map[string][]types.Position
	stops        map[string][]types.Order
	positionsErr error
	alive        bool
	placeResult  types.OrderResult
	placed       []types.StopLossOrderRequest
}

func (f *fakeGateway) GetConnectionStatus(ctx context.Context) types.ConnectionStatus {
	return types.ConnectionStatus{Reachable: true, Authenticated: true, Connected: true, Message: "ok"}
}

func (f *fakeGateway) KeepAlive(ctx context.Context) bool { return f.alive }

func (f *fakeGateway) GetConfiguredAccounts() []string { return f.accounts }

func (f *fakeGateway) SwitchAccount(ctx context.Context, accountID string) error { return nil }

func (f *fakeGateway) GetPositions(ctx context.Context, accountID string) ([]types.Position, error) {
	if f.positionsErr != nil {
		return nil, f.positionsErr
	}
	return f.positions[accountID], nil
}

func (f *fakeGateway) GetAllPositions(ctx context.Context) ([]types.Position, error) {
	var out []types.Position
	for _, acct := range f.accounts {
		ps, err := f.GetPositions(ctx, acct)
		if err != nil {
			return nil, err
		}
		out = append(out, ps...)
	}
	return out, nil
}

func (f *fakeGateway) GetOrders(ctx context.Context, accountID string) ([]types.Order, error) {
	return f.stops[accountID], nil
}

func (f *fakeGateway) GetAllOrders(ctx context.Context) ([]types.Order, error) {
	return f.GetAllStopOrders(ctx)
}

func (f *fakeGateway) GetStopOrders(ctx context.Context, accountID string) ([]types.Order, error) {
	return f.stops[accountID], nil
}

func (f *fakeGateway) GetAllStopOrders(ctx context.Context) ([]types.Order, error) {
	var out []types.Order
	for _, acct := range f.accounts {
		out = append(out, f.stops[acct]...)
	}
	return out, nil
}

func (f *fakeGateway) GetStopOrdersForConid(ctx context.Context, accountID string, conid int64) ([]types.Order, error) {
	var out []types.Order
	for _, o := range f.stops[accountID] {
		if o.Conid == conid {
			out = append(out, o)
		}
	}
	return out, nil
}

func (f *fakeGateway) PlaceStopLossOrder(ctx context.Context, req types.StopLossOrderRequest) (types.OrderResult, error) {
	f.placed = append(f.placed, req)
	return f.placeResult, nil
}

func position(acct string, conid int64, ticker, qty, avg, market string) types.Position {
	return types.Position{
		AccountID:   acct,
		Conid:       conid,
		Ticker:      ticker,
		Quantity:    d(qty),
		AvgPrice:    d(avg),
		MarketPrice: d(market),
		Currency:    "USD",
	}
}

func stopOrder(acct string, conid int64, id, stop, qty string) types.Order {
	sp := d(stop)
	rq := d(qty)
	return types.Order{
		OrderID:           id,
		AccountID:         acct,
		Conid:             conid,
		OrderType:         "STP",
		Side:              types.SELL,
		StopPrice:         &sp,
		Quantity:          rq,
		RemainingQuantity: &rq,
		Status:            "Submitted",
	}
}

func newTestServer(gw *fakeGateway) *Server {
	svc := risk.NewService(gw, fakeFX{}, d("50"), testLogger())
	return NewServer(config.ServerConfig{Listen: ":0"}, gw, svc, testLogger())
}

func doRequest(t *testing.T, s *Server, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	s.server.Handler.ServeHTTP(rec, req)
	return rec
}

func TestIsOriginAllowed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		origin  string
		cfg     config.ServerConfig
		reqHost string
		want    bool
	}{
		{
			name:    "empty origin is allowed",
			origin:  "",
			cfg:     config.ServerConfig{},
			reqHost: "localhost:8080",
			want:    true,
		},
		{
			name:    "localhost origin allowed by default",
			origin:  "http://localhost:8080",
			cfg:     config.ServerConfig{},
			reqHost: "localhost:8080",
			want:    true,
		},
		{
			name:    "non-local origin denied by default",
			origin:  "https://evil.example",
			cfg:     config.ServerConfig{},
			reqHost: "localhost:8080",
			want:    false,
		},
		{
			name:    "allowlist permits exact origin",
			origin:  "https://dash.example.com",
			cfg:     config.ServerConfig{AllowedOrigins: []string{"https://dash.example.com"}},
			reqHost: "0.0.0.0:8080",
			want:    true,
		},
		{
			name:    "allowlist denies everything else",
			origin:  "https://evil.example",
			cfg:     config.ServerConfig{AllowedOrigins: []string{"https://dash.example.com"}},
			reqHost: "0.0.0.0:8080",
			want:    false,
		},
		{
			name:    "same host allowed when no allowlist",
			origin:  "https://risk.internal:8080",
			cfg:     config.ServerConfig{},
			reqHost: "risk.internal:8080",
			want:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := isOriginAllowed(tt.origin, tt.cfg, tt.reqHost); got != tt.want {
				t.Fatalf("isOriginAllowed(%q) = %v, want %v", tt.origin, got, tt.want)
			}
		})
	}
}

func TestHandleHealth(t *testing.T) {
	t.Parallel()
	s := newTestServer(&fakeGateway{accounts: []string{"U1"}})

	rec := doRequest(t, s, http.MethodGet, "/healthz")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}
}

func TestHandleKeepAlive(t *testing.T) {
	t.Parallel()
	s := newTestServer(&fakeGateway{accounts: []string{"U1"}, alive: true})

	rec := doRequest(t, s, http.MethodPost, "/api/gateway/keepalive")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]bool
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !body["alive"] {
		t.Error("alive = false, want true")
	}
}

func TestHandleRisk(t *testing.T) {
	t.Parallel()
	gw := &fakeGateway{
		accounts: []string{"U1"},
		positions: map[string][]types.Position{
			"U1": {position("U1", 1, "AAA", "100", "100", "150")},
		},
		stops: map[string][]types.Order{
			"U1": {stopOrder("U1", 1, "o1", "120", "100")},
		},
	}
	s := newTestServer(gw)

	rec := doRequest(t, s, http.MethodGet, "/api/risk")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body %s", rec.Code, rec.Body.String())
	}
	var report types.RiskReport
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !report.WorstCaseProfit.Equal(d("1800")) {
		t.Errorf("worstCaseProfit = %s, want 1800", report.WorstCaseProfit)
	}
	if len(report.PositionRisks) != 1 || !report.PositionRisks[0].HasStopLoss {
		t.Errorf("unexpected rows %+v", report.PositionRisks)
	}
	if report.Currency != "EUR" {
		t.Errorf("currency = %q, want EUR", report.Currency)
	}
}

func TestHandleRiskUnprotectedOnly(t *testing.T) {
	t.Parallel()
	gw := &fakeGateway{
		accounts: []string{"U1"},
		positions: map[string][]types.Position{
			"U1": {
				position("U1", 1, "AAA", "100", "100", "150"),
				position("U1", 2, "BBB", "100", "100", "90"),
			},
		},
		stops: map[string][]types.Order{
			"U1": {stopOrder("U1", 1, "o1", "120", "100")},
		},
	}
	s := newTestServer(gw)

	rec := doRequest(t, s, http.MethodGet, "/api/risk?unprotectedOnly=true")

	var report types.RiskReport
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(report.PositionRisks) != 1 {
		t.Fatalf("got %d rows, want 1", len(report.PositionRisks))
	}
	if report.PositionRisks[0].Ticker != "BBB" {
		t.Errorf("row = %q, want the unprotected BBB", report.PositionRisks[0].Ticker)
	}
	if !report.WorstCaseProfitWithStopLoss.IsZero() {
		t.Errorf("withStopLoss = %s, want 0", report.WorstCaseProfitWithStopLoss)
	}
	if !report.WorstCaseProfit.Equal(report.WorstCaseProfitWithoutStopLoss) {
		t.Errorf("worstCase %s != withoutStopLoss %s", report.WorstCaseProfit, report.WorstCaseProfitWithoutStopLoss)
	}
}

func TestHandleRiskCSV(t *testing.T) {
	t.Parallel()
	gw := &fakeGateway{
		accounts: []string{"U1"},
		positions: map[string][]types.Position{
			"U1": {position("U1", 1, "AAA", "100", "100", "150")},
		},
		stops: map[string][]types.Order{
			"U1": {stopOrder("U1", 1, "o1", "120", "100")},
		},
	}
	s := newTestServer(gw)

	rec := doRequest(t, s, http.MethodGet, "/api/risk/csv")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/csv") {
		t.Errorf("content type = %q", ct)
	}
	if cd := rec.Header().Get("Content-Disposition"); cd != "attachment; filename=risk-report.csv" {
		t.Errorf("content disposition = %q", cd)
	}

	lines := strings.Split(strings.TrimRight(rec.Body.String(), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want header plus one row:\n%s", len(lines), rec.Body.String())
	}
	wantHeader := "Account ID,Ticker,Position Size,Avg Price,Current Price,Stop Price,Order Quantity," +
		"Locked Profit,At-Risk Profit,Position Value,Currency,Locked Profit (Base),At-Risk Profit (Base)," +
		"Position Value (Base),Base Currency,Has Stop Loss,Portfolio %"
	if lines[0] != wantHeader {
		t.Errorf("header = %q", lines[0])
	}
	if !strings.Contains(lines[1], "2000.00") || !strings.Contains(lines[1], "true") {
		t.Errorf("row = %q", lines[1])
	}
}

func TestHandleProtectAll(t *testing.T) {
	t.Parallel()
	gw := &fakeGateway{
		accounts: []string{"U1"},
		positions: map[string][]types.Position{
			"U1": {position("U1", 1, "AAA", "100", "100", "150")},
		},
		placeResult: types.OrderResult{Success: true, OrderID: "o9", Message: "Order submitted"},
	}
	s := newTestServer(gw)

	rec := doRequest(t, s, http.MethodPost, "/api/risk/protect?lossPercentage=10")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body %s", rec.Code, rec.Body.String())
	}
	var results []types.StopLossResult
	if err := json.Unmarshal(rec.Body.Bytes(), &results); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(results) != 1 || !results[0].Success {
		t.Fatalf("results = %+v", results)
	}
	if len(gw.placed) != 1 {
		t.Fatalf("placed %d orders, want 1", len(gw.placed))
	}
	if !gw.placed[0].StopPrice.Equal(d("135")) {
		t.Errorf("stop price = %s, want 135", gw.placed[0].StopPrice)
	}
}

func TestHandleProtectConidNotFound(t *testing.T) {
	t.Parallel()
	s := newTestServer(&fakeGateway{accounts: []string{"U1", "U2"}})

	rec := doRequest(t, s, http.MethodPost, "/api/risk/protect/424242")

	var results []types.StopLossResult
	if err := json.Unmarshal(rec.Body.Bytes(), &results); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("results = %+v", results)
	}
	want := "Position not found for conid: 424242 in any configured account"
	if results[0].Message != want {
		t.Errorf("message = %q, want %q", results[0].Message, want)
	}
}

func TestHandleProtectBadParameters(t *testing.T) {
	t.Parallel()
	s := newTestServer(&fakeGateway{accounts: []string{"U1"}})

	if rec := doRequest(t, s, http.MethodPost, "/api/risk/protect/notanumber"); rec.Code != http.StatusBadRequest {
		t.Errorf("bad conid status = %d, want 400", rec.Code)
	}
	if rec := doRequest(t, s, http.MethodPost, "/api/risk/protect?lossPercentage=150"); rec.Code != http.StatusBadRequest {
		t.Errorf("bad percentage status = %d, want 400", rec.Code)
	}
	if rec := doRequest(t, s, http.MethodPost, "/api/risk/protect?lossPercentage=abc"); rec.Code != http.StatusBadRequest {
		t.Errorf("unparsable percentage status = %d, want 400", rec.Code)
	}
}

func TestErrorMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want int
	}{
		{"not connected is 502", broker.Errf(broker.NotConnected, "positions", "gateway down"), http.StatusBadGateway},
		{"auth is 401", broker.Errf(broker.Auth, "positions", "session expired"), http.StatusUnauthorized},
		{"protocol is 500", broker.Errf(broker.Protocol, "positions", "bad frame"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := newTestServer(&fakeGateway{accounts: []string{"U1"}, positionsErr: tt.err})

			rec := doRequest(t, s, http.MethodGet, "/api/positions")

			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
			var body map[string]string
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body["error"] == "" {
				t.Error("error body missing")
			}
		})
	}
}
