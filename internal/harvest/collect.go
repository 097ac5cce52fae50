package harvest

import (
	"context"
	"log/slog"
	"time"

	"github.com/dgnsrekt/tv_harvester/internal/types"
)

// Collector runs the per-symbol tab protocol.
type Collector struct {
	drv         Driver
	poll        Poller
	nav         *Navigator
	ext         *Extractor
	layout      Layout
	timeout     time.Duration
	syncRetries int
}

func NewCollector(drv Driver, poll Poller, layout Layout, timeout time.Duration, syncRetries int) *Collector {
	if syncRetries < 0 {
		syncRetries = 0
	}
	return &Collector{
		drv:         drv,
		poll:        poll,
		nav:         NewNavigator(drv, poll, layout.Tabs, timeout),
		ext:         NewExtractor(drv, poll),
		layout:      layout,
		timeout:     timeout,
		syncRetries: syncRetries,
	}
}

// Collect visits every tab group for the currently selected symbol.
// ok is false when the profit figure never moved away from previousProfit,
// which is read as "no backtest for this symbol". err is only set for
// session loss or cancellation, in which case the partial record is returned.
func (c *Collector) Collect(ctx context.Context, previousProfit string) (types.RawRecord, bool, error) {
	rec := types.NewRawRecord("")

	profit, err := c.sync(ctx, previousProfit)
	if err != nil {
		if fatal(ctx, err) {
			return rec, false, err
		}
		slog.Info("harvest collect no backtest", "reason", err)
		return types.RawRecord{}, false, nil
	}
	rec.Fields[types.FieldProfitPct] = types.Text(profit)

	if extra := c.layout.FieldsFor(TabOverview); len(extra) > 0 {
		if err := c.extractInto(ctx, rec, extra); err != nil {
			return rec, false, err
		}
	}

	for _, tab := range groupOrder {
		specs := c.layout.FieldsFor(tab)
		if len(specs) == 0 {
			continue
		}
		if err := c.nav.Activate(ctx, tab); err != nil {
			if fatal(ctx, err) {
				return rec, false, err
			}
			slog.Warn("harvest tab unavailable", "tab", tab, "error", err)
			for _, s := range specs {
				rec.Fields[s.Name] = types.ScrapeFail()
			}
			continue
		}
		if err := c.extractInto(ctx, rec, specs); err != nil {
			return rec, false, err
		}
	}

	if err := c.nav.Activate(ctx, TabOverview); err != nil {
		if fatal(ctx, err) {
			return rec, false, err
		}
		slog.Warn("harvest overview restore failed", "error", err)
	}
	return rec, true, nil
}

// sync performs steps one to three: Overview, wait for a new profit, read it.
func (c *Collector) sync(ctx context.Context, previousProfit string) (string, error) {
	var err error
	for attempt := 0; attempt <= c.syncRetries; attempt++ {
		if attempt > 0 {
			slog.Debug("harvest collect sync retry", "attempt", attempt)
		}
		if err = c.nav.Activate(ctx, TabOverview); err != nil {
			if fatal(ctx, err) {
				return "", err
			}
			continue
		}
		if err = WaitForChange(ctx, c.poll, c.drv, c.layout.Profit, previousProfit, c.timeout); err != nil {
			if fatal(ctx, err) {
				return "", err
			}
			continue
		}
		var profit string
		if profit, err = waitText(ctx, c.poll, c.drv, c.layout.Profit, c.timeout); err != nil {
			if fatal(ctx, err) {
				return "", err
			}
			continue
		}
		return profit, nil
	}
	return "", err
}

func (c *Collector) extractInto(ctx context.Context, rec types.RawRecord, specs []FieldSpec) error {
	vals, err := c.ext.Extract(ctx, specs, c.timeout)
	for k, v := range vals {
		rec.Fields[k] = v
	}
	return err
}

// fatal reports errors that must end the current symbol and the run.
func fatal(ctx context.Context, err error) bool {
	return isSessionLoss(err) || ctx.Err() != nil
}
