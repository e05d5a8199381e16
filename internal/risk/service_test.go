package risk

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"riskmanager/internal/broker"
	"riskmanager/pkg/types"
)

// fakeGateway serves canned snapshots and records placements.
type fakeGateway struct {
	accounts      []string
	positions     map[string][]types.Position
	stops         map[string][]types.Order
	positionsErr  error
	stopLookupErr error
	placeResult   types.OrderResult
	placeErr      error
	placed        []types.StopLossOrderRequest
}

func (f *fakeGateway) GetConnectionStatus(ctx context.Context) types.ConnectionStatus {
	return types.ConnectionStatus{Reachable: true, Authenticated: true, Connected: true}
}

func (f *fakeGateway) KeepAlive(ctx context.Context) bool { return true }

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
	if f.stopLookupErr != nil {
		return nil, f.stopLookupErr
	}
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
	if f.placeErr != nil {
		return types.OrderResult{}, f.placeErr
	}
	return f.placeResult, nil
}

func newTestService(gw *fakeGateway) *Service {
	return NewService(gw, newFakeFX(), d("50"), testLogger())
}

func TestWorstCaseReportGathersAccounts(t *testing.T) {
	t.Parallel()
	gw := &fakeGateway{
		accounts: []string{"A", "B"},
		positions: map[string][]types.Position{
			"A": {position("A", 1, "AAA", "100", "100", "150", "USD")},
			"B": {position("B", 2, "BBB", "100", "50", "60", "EUR")},
		},
		stops: map[string][]types.Order{
			"B": {stopOrder("B", 2, "o1", "55", "100")},
		},
	}
	svc := newTestService(gw)

	report, err := svc.WorstCaseReport(context.Background(), []string{"A", "B"})
	if err != nil {
		t.Fatalf("WorstCaseReport: %v", err)
	}

	if len(report.PositionRisks) != 2 {
		t.Fatalf("got %d rows, want 2", len(report.PositionRisks))
	}
	protected := 0
	for _, row := range report.PositionRisks {
		if row.HasStopLoss {
			protected++
		}
	}
	if protected != 1 {
		t.Errorf("protected rows = %d, want 1", protected)
	}
}

func TestWorstCaseReportPropagatesReadErrors(t *testing.T) {
	t.Parallel()
	gw := &fakeGateway{
		accounts:     []string{"A"},
		positionsErr: broker.Errf(broker.NotConnected, "positions", "gateway down"),
	}
	svc := newTestService(gw)

	_, err := svc.WorstCaseReport(context.Background(), []string{"A"})
	if err == nil {
		t.Fatal("expected error")
	}
	if !broker.IsKind(err, broker.NotConnected) {
		t.Errorf("error kind lost through wrapping: %v", err)
	}
}

func TestCreateMissingStopLosses(t *testing.T) {
	t.Parallel()
	gw := &fakeGateway{
		accounts: []string{"A"},
		positions: map[string][]types.Position{
			"A": {
				position("A", 1, "AAA", "100", "100", "150", "USD"),
				position("A", 2, "BBB", "50", "30", "40", "USD"),
				position("A", 3, "CCC", "0", "10", "10", "USD"),
			},
		},
		stops: map[string][]types.Order{
			"A": {stopOrder("A", 2, "o1", "35", "50")},
		},
		placeResult: types.OrderResult{Success: true, OrderID: "o9", Message: "Order submitted"},
	}
	svc := newTestService(gw)

	results, err := svc.CreateMissingStopLosses(context.Background(), "A", d("10"))
	if err != nil {
		t.Fatalf("CreateMissingStopLosses: %v", err)
	}

	// Covered conid 2 and zero-quantity conid 3 produce no result.
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	res := results[0]
	if !res.Success {
		t.Errorf("result not successful: %s", res.Message)
	}
	if res.Conid != 1 {
		t.Errorf("conid = %d, want 1", res.Conid)
	}
	if res.StopPrice == nil {
		t.Fatal("stop price missing from result")
	}
	wantDec(t, "stopPrice", "135", *res.StopPrice)

	if len(gw.placed) != 1 {
		t.Fatalf("placed %d orders, want 1", len(gw.placed))
	}
	req := gw.placed[0]
	if req.AccountID != "A" || req.Conid != 1 || !req.IsLong {
		t.Errorf("unexpected request %+v", req)
	}
	wantDec(t, "request quantity", "100", req.Quantity)
	wantDec(t, "request stopPrice", "135", req.StopPrice)
}

func TestQuoteStopPriceRoundsTowardTheStop(t *testing.T) {
	t.Parallel()

	long := position("A", 1, "AAA", "100", "30", "33.33", "USD")
	wantDec(t, "long quote", "29.99", quoteStopPrice(long, d("10")))

	short := position("A", 1, "AAA", "-100", "40", "33.33", "USD")
	wantDec(t, "short quote", "36.67", quoteStopPrice(short, d("10")))
}

func TestCreateStopLossAlreadyExists(t *testing.T) {
	t.Parallel()
	gw := &fakeGateway{
		accounts: []string{"A"},
		positions: map[string][]types.Position{
			"A": {position("A", 1, "AAA", "100", "100", "150", "USD")},
		},
		stops: map[string][]types.Order{
			"A": {stopOrder("A", 1, "o1", "120", "50")},
		},
	}
	svc := newTestService(gw)

	res, err := svc.CreateStopLossForPosition(context.Background(), "A", 1, d("10"))
	if err != nil {
		t.Fatalf("CreateStopLossForPosition: %v", err)
	}

	if res.Success {
		t.Error("existing stop reported as a new placement")
	}
	if want := "Stop loss already exists at price 120"; res.Message != want {
		t.Errorf("message = %q, want %q", res.Message, want)
	}
	if res.StopPrice == nil {
		t.Fatal("existing stop price missing from result")
	}
	wantDec(t, "stopPrice", "120", *res.StopPrice)
	if res.Quantity == nil {
		t.Fatal("remaining quantity missing from result")
	}
	wantDec(t, "quantity", "50", *res.Quantity)
	if len(gw.placed) != 0 {
		t.Errorf("placed %d orders, want none", len(gw.placed))
	}
}

func TestCreateStopLossZeroPosition(t *testing.T) {
	t.Parallel()
	gw := &fakeGateway{
		accounts: []string{"A"},
		positions: map[string][]types.Position{
			"A": {position("A", 1, "AAA", "0", "100", "150", "USD")},
		},
	}
	svc := newTestService(gw)

	res, err := svc.CreateStopLossForPosition(context.Background(), "A", 1, d("10"))
	if err != nil {
		t.Fatalf("CreateStopLossForPosition: %v", err)
	}

	if res.Message != "Position size is zero" {
		t.Errorf("message = %q", res.Message)
	}
	if res.Success {
		t.Error("zero position reported as success")
	}
	if len(gw.placed) != 0 {
		t.Errorf("placed %d orders, want none", len(gw.placed))
	}
}

func TestCreateStopLossForPositionNotFound(t *testing.T) {
	t.Parallel()
	gw := &fakeGateway{accounts: []string{"A"}}
	svc := newTestService(gw)

	res, err := svc.CreateStopLossForPosition(context.Background(), "A", 42, d("10"))
	if err != nil {
		t.Fatalf("CreateStopLossForPosition: %v", err)
	}
	if want := "Position not found for conid: 42"; res.Message != want {
		t.Errorf("message = %q, want %q", res.Message, want)
	}
	if res.Success {
		t.Error("missing position reported as success")
	}
}

func TestCreateStopLossForTicker(t *testing.T) {
	t.Parallel()
	gw := &fakeGateway{
		accounts: []string{"A"},
		positions: map[string][]types.Position{
			"A": {position("A", 1, "AAPL", "100", "100", "150", "USD")},
		},
		placeResult: types.OrderResult{Success: true, OrderID: "o9", Message: "Order submitted"},
	}
	svc := newTestService(gw)

	res, err := svc.CreateStopLossForTicker(context.Background(), "A", "aapl", d("10"))
	if err != nil {
		t.Fatalf("CreateStopLossForTicker: %v", err)
	}
	if !res.Success {
		t.Errorf("lowercase ticker did not match: %s", res.Message)
	}

	res, err = svc.CreateStopLossForTicker(context.Background(), "A", "ZZZ", d("10"))
	if err != nil {
		t.Fatalf("CreateStopLossForTicker: %v", err)
	}
	if want := "Position not found for ticker: ZZZ"; res.Message != want {
		t.Errorf("message = %q, want %q", res.Message, want)
	}
}

func TestCreateStopLossPlacementFailure(t *testing.T) {
	t.Parallel()
	gw := &fakeGateway{
		accounts: []string{"A"},
		positions: map[string][]types.Position{
			"A": {position("A", 1, "AAA", "100", "100", "150", "USD")},
		},
		placeErr: broker.Errf(broker.Transport, "place order", "connection reset"),
	}
	svc := newTestService(gw)

	res, err := svc.CreateStopLossForPosition(context.Background(), "A", 1, d("10"))
	if err != nil {
		t.Fatalf("placement failures must become results, got error %v", err)
	}
	if res.Success {
		t.Error("failed placement reported as success")
	}
	if !strings.HasPrefix(res.Message, "Failed: ") {
		t.Errorf("message = %q, want Failed: prefix", res.Message)
	}
}

func TestCreateStopLossLookupFailureStillPlaces(t *testing.T) {
	t.Parallel()
	gw := &fakeGateway{
		accounts: []string{"A"},
		positions: map[string][]types.Position{
			"A": {position("A", 1, "AAA", "100", "100", "150", "USD")},
		},
		stopLookupErr: errors.New("orders endpoint flaked"),
		placeResult:   types.OrderResult{Success: true, OrderID: "o9", Message: "Order submitted"},
	}
	svc := newTestService(gw)

	res, err := svc.CreateStopLossForPosition(context.Background(), "A", 1, d("10"))
	if err != nil {
		t.Fatalf("CreateStopLossForPosition: %v", err)
	}
	if !res.Success {
		t.Errorf("placement should proceed past a failed lookup: %s", res.Message)
	}
	if len(gw.placed) != 1 {
		t.Errorf("placed %d orders, want 1", len(gw.placed))
	}
}
