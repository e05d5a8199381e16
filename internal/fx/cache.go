// Package fx caches currency → base-currency conversion rates.
//
// Rates come from an external endpoint that quotes base → other; the cache
// inverts them so report math can multiply native amounts straight into the
// base currency. The cache degrades instead of failing: a refresh error keeps
// the previous table, an unknown currency converts 1:1, and callers never see
// an error. With a data directory configured, each fetched table is also
// snapshotted to disk and reloaded on startup, so a restart during an
// endpoint outage keeps converting with the last known rates.
package fx

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"riskmanager/internal/config"
	"riskmanager/internal/metrics"
	"riskmanager/internal/store"
	"riskmanager/pkg/types"
)

// refreshInterval is how long a rate table stays fresh. Reads past this age
// trigger a refresh before converting.
const refreshInterval = time.Hour

// snapshotName is the document the last fetched table is persisted under.
const snapshotName = "fx_rates"

// rateSnapshot is the persisted form of the rate table.
type rateSnapshot struct {
	Base      string                     `json:"base"`
	Rates     map[string]decimal.Decimal `json:"rates"`
	FetchedAt time.Time                  `json:"fetched_at"`
}

// Cache holds one process-wide rate table. Constructed once at startup,
// never torn down.
type Cache struct {
	base      string
	url       string
	client    *resty.Client
	snapshots *store.Store // nil when no data directory is configured
	logger    *slog.Logger

	mu          sync.RWMutex
	rates       map[string]decimal.Decimal // upper-case currency → rate to base
	lastRefresh time.Time

	refreshMu sync.Mutex // at most one in-flight refresh
}

// New builds the cache, restores the last snapshot if one exists, and
// refreshes when the restored table is stale or absent. A failed initial
// refresh is tolerated; the first successful read-triggered refresh fills
// the table.
func New(cfg config.FXConfig, baseCurrency string, logger *slog.Logger) *Cache {
	c := &Cache{
		base: baseCurrency,
		url:  cfg.URL,
		client: resty.New().
			SetTimeout(cfg.Timeout).
			SetHeader("Accept", "application/json"),
		logger: logger.With("component", "fx"),
		rates:  map[string]decimal.Decimal{strings.ToUpper(baseCurrency): decimal.NewFromInt(1)},
	}
	if cfg.DataDir != "" {
		st, err := store.Open(cfg.DataDir)
		if err != nil {
			c.logger.Warn("rate snapshots disabled", "dir", cfg.DataDir, "error", err)
		} else {
			c.snapshots = st
			c.loadSnapshot()
		}
	}
	c.refreshIfStale()
	return c
}

// loadSnapshot adopts a persisted rate table. The snapshot's fetch time
// becomes lastRefresh, so a stale snapshot still triggers a refresh on the
// next read.
func (c *Cache) loadSnapshot() {
	var snap rateSnapshot
	ok, err := c.snapshots.Load(snapshotName, &snap)
	if err != nil {
		c.logger.Warn("failed to load rate snapshot", "error", err)
		return
	}
	if !ok || !strings.EqualFold(snap.Base, c.base) || len(snap.Rates) == 0 {
		return
	}

	rates := make(map[string]decimal.Decimal, len(snap.Rates)+1)
	rates[strings.ToUpper(c.base)] = decimal.NewFromInt(1)
	for currency, rate := range snap.Rates {
		rates[strings.ToUpper(currency)] = rate
	}

	c.mu.Lock()
	c.rates = rates
	c.lastRefresh = snap.FetchedAt
	c.mu.Unlock()

	c.logger.Info("restored rate snapshot",
		"base", c.base, "currencies", len(rates), "fetched_at", snap.FetchedAt)
}

// BaseCurrency returns the currency all conversions target.
func (c *Cache) BaseCurrency() string { return c.base }

// ConvertToBase converts amount from the given currency into the base
// currency, rounded to currency scale. An empty currency or the base itself
// passes through unchanged; an unknown currency converts 1:1 with a warning.
func (c *Cache) ConvertToBase(amount decimal.Decimal, currency string) decimal.Decimal {
	if currency == "" || strings.EqualFold(currency, c.base) {
		return amount
	}

	c.refreshIfStale()

	c.mu.RLock()
	rate, ok := c.rates[strings.ToUpper(currency)]
	c.mu.RUnlock()
	if !ok {
		c.logger.Warn("no exchange rate for currency, using 1:1", "currency", currency, "base", c.base)
		return amount
	}
	return types.RoundCurrency(amount.Mul(rate))
}

func (c *Cache) refreshIfStale() {
	c.mu.RLock()
	stale := time.Since(c.lastRefresh) > refreshInterval
	c.mu.RUnlock()
	if !stale {
		return
	}
	// One refresh at a time; a caller that loses the race proceeds with
	// whatever the table holds.
	if !c.refreshMu.TryLock() {
		return
	}
	defer c.refreshMu.Unlock()

	c.mu.RLock()
	stale = time.Since(c.lastRefresh) > refreshInterval
	c.mu.RUnlock()
	if stale {
		c.refresh()
	}
}

// refresh fetches base → other quotes and swaps in a freshly built table.
// Any failure leaves the current table in place; lastRefresh only advances
// on success so the next read retries.
func (c *Cache) refresh() {
	var out struct {
		Rates map[string]decimal.Decimal `json:"rates"`
	}
	resp, err := c.client.R().SetResult(&out).Get(c.url + c.base)
	if err != nil {
		metrics.RecordFxRefresh(false)
		c.logger.Warn("exchange rate refresh failed", "base", c.base, "error", err)
		return
	}
	if resp.IsError() {
		metrics.RecordFxRefresh(false)
		c.logger.Warn("exchange rate refresh failed", "base", c.base, "status", resp.StatusCode())
		return
	}
	metrics.RecordFxRefresh(true)

	one := decimal.NewFromInt(1)
	next := make(map[string]decimal.Decimal, len(out.Rates)+1)
	next[strings.ToUpper(c.base)] = one
	for currency, quote := range out.Rates {
		// Endpoint quotes 1 base = X currency; we need 1 currency = Y base.
		if quote.IsZero() {
			c.logger.Warn("zero exchange rate quote skipped", "currency", currency)
			continue
		}
		next[strings.ToUpper(currency)] = one.DivRound(quote, types.RateScale)
	}

	now := time.Now()
	c.mu.Lock()
	c.rates = next
	c.lastRefresh = now
	c.mu.Unlock()

	if c.snapshots != nil {
		snap := rateSnapshot{Base: c.base, Rates: next, FetchedAt: now}
		if err := c.snapshots.Save(snapshotName, snap); err != nil {
			c.logger.Warn("failed to save rate snapshot", "error", err)
		}
	}

	c.logger.Info("refreshed exchange rates", "base", c.base, "currencies", len(next))
}
