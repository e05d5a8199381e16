package keepalive

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"riskmanager/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type stubGateway struct {
	alive       bool
	status      types.ConnectionStatus
	keepAlives  int
	statusReads int
}

func (g *stubGateway) GetConnectionStatus(ctx context.Context) types.ConnectionStatus {
	g.statusReads++
	return g.status
}

func (g *stubGateway) KeepAlive(ctx context.Context) bool {
	g.keepAlives++
	return g.alive
}

func (g *stubGateway) GetConfiguredAccounts() []string { return nil }

func (g *stubGateway) SwitchAccount(ctx context.Context, accountID string) error { return nil }

func (g *stubGateway) GetPositions(ctx context.Context, accountID string) ([]types.Position, error) {
	return nil, nil
}

func (g *stubGateway) GetAllPositions(ctx context.Context) ([]types.Position, error) {
	return nil, nil
}

func (g *stubGateway) GetOrders(ctx context.Context, accountID string) ([]types.Order, error) {
	return nil, nil
}

func (g *stubGateway) GetAllOrders(ctx context.Context) ([]types.Order, error) { return nil, nil }

func (g *stubGateway) GetStopOrders(ctx context.Context, accountID string) ([]types.Order, error) {
	return nil, nil
}

func (g *stubGateway) GetAllStopOrders(ctx context.Context) ([]types.Order, error) {
	return nil, nil
}

func (g *stubGateway) GetStopOrdersForConid(ctx context.Context, accountID string, conid int64) ([]types.Order, error) {
	return nil, nil
}

func (g *stubGateway) PlaceStopLossOrder(ctx context.Context, req types.StopLossOrderRequest) (types.OrderResult, error) {
	return types.OrderResult{}, nil
}

func TestTickPublishesStatus(t *testing.T) {
	t.Parallel()
	gw := &stubGateway{
		alive:  true,
		status: types.ConnectionStatus{Reachable: true, Authenticated: true, Connected: true},
	}

	var got []types.ConnectionStatus
	s := New(gw, "*/3 * * * *", func(st types.ConnectionStatus) { got = append(got, st) }, testLogger())
	s.tick()

	if gw.keepAlives != 1 {
		t.Errorf("keepAlives = %d, want 1", gw.keepAlives)
	}
	if len(got) != 1 {
		t.Fatalf("notify calls = %d, want 1", len(got))
	}
	if !got[0].Authenticated {
		t.Error("published status should be authenticated")
	}
}

func TestTickStillPublishesOnFailedKeepAlive(t *testing.T) {
	t.Parallel()
	gw := &stubGateway{alive: false, status: types.ConnectionStatus{Message: "session expired"}}

	var calls int
	s := New(gw, "*/3 * * * *", func(types.ConnectionStatus) { calls++ }, testLogger())
	s.tick()

	if gw.keepAlives != 1 {
		t.Errorf("keepAlives = %d, want 1", gw.keepAlives)
	}
	if calls != 1 {
		t.Errorf("notify calls = %d, want 1", calls)
	}
}

func TestTickWithoutListener(t *testing.T) {
	t.Parallel()
	gw := &stubGateway{alive: true}
	s := New(gw, "*/3 * * * *", nil, testLogger())
	s.tick()

	if gw.statusReads != 1 {
		t.Errorf("statusReads = %d, want 1", gw.statusReads)
	}
}

func TestStartRejectsInvalidCron(t *testing.T) {
	t.Parallel()
	s := New(&stubGateway{}, "not a cron spec", nil, testLogger())
	if err := s.Start(); err == nil {
		t.Error("Start() = nil, want error for invalid cron expression")
	}
}

func TestStartDisabledWithEmptySpec(t *testing.T) {
	t.Parallel()
	s := New(&stubGateway{}, "", nil, testLogger())
	if err := s.Start(); err != nil {
		t.Fatalf("Start() returned error: %v", err)
	}
	// Stop without a running cron must not block or panic.
	s.Stop()
}

func TestStartAndStop(t *testing.T) {
	t.Parallel()
	s := New(&stubGateway{alive: true}, "*/3 * * * *", nil, testLogger())
	if err := s.Start(); err != nil {
		t.Fatalf("Start() returned error: %v", err)
	}
	s.Stop()
}

func TestProbeReadsStatusOnce(t *testing.T) {
	t.Parallel()
	gw := &stubGateway{status: types.ConnectionStatus{Message: "not authenticated"}}
	s := New(gw, "", nil, testLogger())
	s.Probe(context.Background())

	if gw.statusReads != 1 {
		t.Errorf("statusReads = %d, want 1", gw.statusReads)
	}
}
