package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/eddiefleurent/fno_trader/internal/broker"
	"github.com/eddiefleurent/fno_trader/internal/config"
	"github.com/eddiefleurent/fno_trader/internal/instruments"
	"github.com/eddiefleurent/fno_trader/internal/marketdata"
	"github.com/eddiefleurent/fno_trader/internal/models"
	"github.com/eddiefleurent/fno_trader/internal/retry"
	"github.com/eddiefleurent/fno_trader/internal/strategy"
)

// estimatedPremiumPct prices an import with no average or LTP as a fraction of spot.
const estimatedPremiumPct = 0.015

var derivativeExchanges = map[string]bool{"NSE": true, "NFO": true, "BSE": true, "BFO": true}

// reconcileRetry fetches broker positions up to three times, 2s apart.
var reconcileRetry = retry.Config{
	MaxRetries:     2,
	InitialBackoff: 2 * time.Second,
	MaxBackoff:     2 * time.Second,
	Timeout:        30 * time.Second,
	Retryable:      retry.Always,
}

// ReconcileResult summarises one reconciliation pass.
type ReconcileResult struct {
	Imported int
	Synced   int
	Closed   int
	Skipped  int
	Blind    bool // broker positions unavailable; local state kept as is
}

// Reconciler aligns the engine's open positions with the broker's net book:
// untracked holdings are imported and local positions the broker no longer
// holds are closed.
type Reconciler struct {
	broker broker.Broker
	engine *strategy.Engine
	feed   *marketdata.Feed
	retry  *retry.Client
	logger *log.Logger
}

// NewReconciler creates a position reconciler. A nil retry client uses reconcileRetry.
func NewReconciler(b broker.Broker, engine *strategy.Engine, feed *marketdata.Feed, r *retry.Client, logger *log.Logger) *Reconciler {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if r == nil {
		r = retry.NewClient(logger, reconcileRetry)
	}
	return &Reconciler{broker: b, engine: engine, feed: feed, retry: r, logger: logger}
}

// Reconcile runs one pass. An error means the broker could not be read and
// nothing was changed.
func (r *Reconciler) Reconcile(ctx context.Context) (ReconcileResult, error) {
	var res ReconcileResult
	cfg := r.engine.Config()

	rows, err := retry.Value(ctx, r.retry, "fetch broker positions", r.broker.GetNetPositions)
	if err != nil {
		res.Blind = true
		r.logger.Printf("WARNING: broker positions unavailable, continuing with %d local position(s) (blind monitoring): %v",
			len(r.engine.OpenUnderlyings()), err)
		return res, err
	}
	r.logger.Printf("Reconciling %d local position(s) with %d broker row(s)", len(r.engine.OpenUnderlyings()), len(rows))

	held := make(map[string]bool)
	for _, row := range rows {
		holding, ok := r.holding(ctx, cfg, row)
		if !ok {
			res.Skipped++
			continue
		}
		if held[holding.Underlying] {
			r.logger.Printf("WARNING: second broker position for %s (%s) ignored; one position per underlying", holding.Underlying, row.Symbol)
			res.Skipped++
			continue
		}
		held[holding.Underlying] = true

		pos, created, err := r.engine.ImportPosition(holding)
		if err != nil {
			r.logger.Printf("WARNING: could not import %s: %v", row.Symbol, err)
			res.Skipped++
			continue
		}
		if created {
			res.Imported++
		} else {
			res.Synced++
			r.logger.Printf("Position %s confirmed at broker (%s x%d)", pos.ID, row.Symbol, row.Quantity)
		}
	}

	for _, u := range r.engine.OpenUnderlyings() {
		if held[u] {
			continue
		}
		if err := r.closeMissing(ctx, cfg, u); err != nil {
			r.logger.Printf("WARNING: could not close %s missing at broker: %v", u, err)
			continue
		}
		res.Closed++
	}

	r.logger.Printf("Reconciliation complete: %d imported, %d synced, %d closed, %d skipped",
		res.Imported, res.Synced, res.Closed, res.Skipped)
	return res, nil
}

// holding converts a broker row into an import request, pricing it from the
// broker average, else the LTP, else a quote, else a fraction of spot.
func (r *Reconciler) holding(ctx context.Context, cfg *config.Config, row broker.NetPosition) (strategy.BrokerHolding, bool) {
	if row.Quantity <= 0 || !derivativeExchanges[strings.ToUpper(row.Exchange)] {
		return strategy.BrokerHolding{}, false
	}
	parsed, err := instruments.ParseBrokerSymbol(row.Symbol)
	if err != nil {
		r.logger.Printf("Skipping broker position %q: %v", row.Symbol, err)
		return strategy.BrokerHolding{}, false
	}

	spot, err := r.feed.Spot(ctx, cfg, parsed.Underlying)
	if err != nil || spot <= 0 {
		r.logger.Printf("WARNING: no spot for %s, using strike %.0f as entry spot", parsed.Underlying, parsed.Strike)
		spot = parsed.Strike
	}

	premium := row.AveragePrice
	if premium <= 0 {
		premium = row.LastPrice
	}
	if premium <= 0 {
		if p, err := r.feed.OptionPremium(ctx, cfg, parsed.Underlying, row.Symbol); err == nil {
			premium = p
		}
	}
	if premium <= 0 {
		premium = spot * estimatedPremiumPct
		r.logger.Printf("WARNING: no price for %s, estimating entry premium Rs %.2f", row.Symbol, premium)
	}

	vix, _ := r.feed.VIX(ctx, cfg)
	return strategy.BrokerHolding{
		Underlying:   parsed.Underlying,
		TradeType:    parsed.TradeType,
		OptionSymbol: row.Symbol,
		Strike:       parsed.Strike,
		Quantity:     row.Quantity,
		EntryPrice:   premium,
		Spot:         spot,
		VIX:          vix,
	}, true
}

// closeMissing closes a local position the broker no longer reports, at the
// last quoted premium or the entry price when the contract cannot be quoted.
func (r *Reconciler) closeMissing(ctx context.Context, cfg *config.Config, underlying string) error {
	pos, err := r.engine.BeginExit(underlying, "")
	if err != nil {
		return err
	}

	price := pos.EntryPrice
	if p, err := r.feed.OptionPremium(ctx, cfg, underlying, pos.OptionSymbol); err == nil && p > 0 {
		price = p
	}
	spot := pos.EntryUnderlyingPrice
	if s, err := r.feed.Spot(ctx, cfg, underlying); err == nil && s > 0 {
		spot = s
	}

	r.logger.Printf("Position %s not held at broker, closing locally", pos.ID)
	if _, err := r.engine.ExitTrade(underlying, price, spot, models.ExitBrokerSync); err != nil {
		r.engine.AbandonExit(underlying, err.Error())
		return fmt.Errorf("closing %s: %w", pos.ID, err)
	}
	return nil
}

// isAuthError reports whether err means the broker needs a fresh login.
func isAuthError(err error) bool {
	return errors.Is(err, broker.ErrNotAuthenticated)
}
