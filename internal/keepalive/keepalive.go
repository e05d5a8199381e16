// Package keepalive owns the background session maintenance loop.
//
// Broker sessions expire after a few minutes of silence. The scheduler
// tickles the session on a cron schedule, re-reads the connection status,
// and hands the result to a listener (the websocket hub) so clients see
// session drops without polling.
//
// Lifecycle: New() → Probe() → Start() → [runs until shutdown] → Stop()
package keepalive

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"riskmanager/internal/broker"
	"riskmanager/pkg/types"
)

// tickTimeout bounds one keep-alive round trip. A tickle that cannot finish
// inside it counts as failed; the next scheduled run retries.
const tickTimeout = 30 * time.Second

// Scheduler drives the session keep-alive on a cron expression.
type Scheduler struct {
	gateway broker.Gateway
	spec    string
	notify  func(types.ConnectionStatus)
	cron    *cron.Cron
	logger  *slog.Logger
}

// New creates the scheduler. spec is a standard 5-field cron expression;
// empty disables scheduling. notify receives the connection status after
// every tick and may be nil.
func New(gateway broker.Gateway, spec string, notify func(types.ConnectionStatus), logger *slog.Logger) *Scheduler {
	return &Scheduler{
		gateway: gateway,
		spec:    spec,
		notify:  notify,
		logger:  logger.With("component", "keepalive"),
	}
}

// Probe checks the session once and logs the outcome. Run at startup so a
// missing login shows up in the first lines of output.
func (s *Scheduler) Probe(ctx context.Context) {
	status := s.gateway.GetConnectionStatus(ctx)
	if status.Authenticated && status.Connected {
		s.logger.Info("broker gateway ready", "message", status.Message)
		return
	}
	s.logger.Warn("broker gateway not ready, log in and retry", "message", status.Message)
}

// Start registers the tick and launches the cron runner.
func (s *Scheduler) Start() error {
	if s.spec == "" {
		s.logger.Info("session keep-alive disabled")
		return nil
	}
	c := cron.New()
	if _, err := c.AddFunc(s.spec, s.tick); err != nil {
		return fmt.Errorf("keepalive cron %q: %w", s.spec, err)
	}
	s.cron = c
	c.Start()
	s.logger.Info("session keep-alive scheduled", "cron", s.spec)
	return nil
}

// Stop halts scheduling and waits for an in-flight tick to finish.
func (s *Scheduler) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
}

// tick runs one keep-alive round: tickle the session, then publish the
// refreshed connection status.
func (s *Scheduler) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), tickTimeout)
	defer cancel()

	if !s.gateway.KeepAlive(ctx) {
		s.logger.Warn("session keep-alive failed")
	}
	status := s.gateway.GetConnectionStatus(ctx)
	if s.notify != nil {
		s.notify(status)
	}
}
