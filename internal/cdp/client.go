// Package cdp drives the chart tab through chromedp. It evaluates the same
// page scripts as cdpcontrol and is selected with the "chromedp" backend.
package cdp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"

	"github.com/dgnsrekt/tv_harvester/internal/cdpcontrol"
	"github.com/dgnsrekt/tv_harvester/internal/types"
)

// Client manages one chromedp context bound to the chart tab.
type Client struct {
	cdpURL      string
	tabFilter   string
	evalTimeout time.Duration

	mu          sync.Mutex
	allocCtx    context.Context
	allocCancel context.CancelFunc
	tab         *TabContext
}

type TabContext struct {
	ID     target.ID
	URL    string
	ctx    context.Context
	cancel context.CancelFunc
}

func NewClient(cdpURL, tabFilter string, evalTimeout time.Duration) *Client {
	return &Client{
		cdpURL:      cdpURL,
		tabFilter:   strings.ToLower(strings.TrimSpace(tabFilter)),
		evalTimeout: evalTimeout,
	}
}

func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked(ctx)
}

func (c *Client) connectLocked(ctx context.Context) error {
	c.closeLocked()
	slog.Info("cdp connecting to chromium", "url", c.cdpURL)

	c.allocCtx, c.allocCancel = chromedp.NewRemoteAllocator(context.Background(), c.cdpURL)

	tempCtx, tempCancel := chromedp.NewContext(c.allocCtx)
	defer tempCancel()
	stop := context.AfterFunc(ctx, tempCancel)
	defer stop()

	if err := chromedp.Run(tempCtx); err != nil {
		c.closeLocked()
		return unavailable("failed to connect to browser", err)
	}

	targets, err := chromedp.Targets(tempCtx)
	if err != nil {
		c.closeLocked()
		return unavailable("failed to enumerate targets", err)
	}
	slog.Info("cdp found browser targets", "count", len(targets))

	picked := pickTarget(targets, c.tabFilter)
	if picked == nil {
		c.closeLocked()
		return &cdpcontrol.CodedError{
			Code:    cdpcontrol.CodeChartNotFound,
			Message: fmt.Sprintf("no tabs found matching tab filter %q", c.tabFilter),
		}
	}

	tabCtx, tabCancel := chromedp.NewContext(c.allocCtx, chromedp.WithTargetID(picked.TargetID))
	if err := chromedp.Run(tabCtx); err != nil {
		tabCancel()
		c.closeLocked()
		return unavailable("failed to attach to tab", err)
	}
	c.tab = &TabContext{ID: picked.TargetID, URL: picked.URL, ctx: tabCtx, cancel: tabCancel}
	slog.Info("cdp attached to tab", "target_id", picked.TargetID, "url", truncateURL(picked.URL))
	return nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
	slog.Info("cdp client closed")
	return nil
}

func (c *Client) closeLocked() {
	if c.tab != nil {
		c.tab.cancel()
		c.tab = nil
	}
	if c.allocCancel != nil {
		c.allocCancel()
		c.allocCancel = nil
	}
}

// run executes actions on the tab, bounded by the eval timeout and ctx.
func (c *Client) run(ctx context.Context, actions ...chromedp.Action) error {
	c.mu.Lock()
	tab := c.tab
	c.mu.Unlock()
	if tab == nil || tab.ctx.Err() != nil {
		return unavailable("chart tab not attached", nil)
	}

	runCtx, cancel := context.WithTimeout(tab.ctx, c.evalTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	if err := chromedp.Run(runCtx, actions...); err != nil {
		return classifyRunErr(tab.ctx, runCtx, err)
	}
	return nil
}

func (c *Client) eval(ctx context.Context, js string, out any) error {
	var raw string
	if err := c.run(ctx, chromedp.Evaluate(js, &raw)); err != nil {
		return err
	}
	return cdpcontrol.DecodeEnvelope(raw, out)
}

func (c *Client) inspect(ctx context.Context, loc types.Locator, scroll bool) (cdpcontrol.ElementState, error) {
	var st cdpcontrol.ElementState
	if err := loc.Validate(); err != nil {
		return st, &cdpcontrol.CodedError{Code: cdpcontrol.CodeValidation, Message: err.Error()}
	}
	err := c.eval(ctx, cdpcontrol.InspectScript(loc, scroll), &st)
	return st, err
}

func (c *Client) Locate(ctx context.Context, loc types.Locator) (types.Element, error) {
	if _, err := c.inspect(ctx, loc, false); err != nil {
		return types.Element{}, err
	}
	return types.Element{Locator: loc}, nil
}

func (c *Client) ReadText(ctx context.Context, el types.Element) (string, error) {
	st, err := c.inspect(ctx, el.Locator, false)
	if err != nil {
		return "", staleIfMissing(err)
	}
	return st.Text, nil
}

func (c *Client) IsInteractable(ctx context.Context, el types.Element) (bool, error) {
	st, err := c.inspect(ctx, el.Locator, false)
	if err != nil {
		return false, staleIfMissing(err)
	}
	return st.Visible && st.Enabled, nil
}

func (c *Client) Click(ctx context.Context, el types.Element) error {
	st, err := c.inspect(ctx, el.Locator, true)
	if err != nil {
		return staleIfMissing(err)
	}
	return c.run(ctx, chromedp.MouseClickXY(st.X, st.Y))
}

func (c *Client) AdvanceToNextItem(ctx context.Context) error {
	if err := c.eval(ctx, cdpcontrol.FocusBodyScript(), nil); err != nil {
		return err
	}
	return c.run(ctx, chromedp.KeyEvent(kb.ArrowDown))
}

// SessionAlive reports whether the attached tab is still listed by the browser.
func (c *Client) SessionAlive(ctx context.Context) bool {
	c.mu.Lock()
	tab := c.tab
	c.mu.Unlock()
	if tab == nil || tab.ctx.Err() != nil {
		return false
	}
	listCtx, cancel := context.WithTimeout(tab.ctx, c.evalTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	targets, err := chromedp.Targets(listCtx)
	if err != nil {
		slog.Warn("cdp target listing failed", "error", err)
		return false
	}
	for _, t := range targets {
		if t.TargetID == tab.ID {
			return true
		}
	}
	return false
}

// pickTarget selects the page to drive: the first filtered page showing a
// saved chart layout, else the first filtered page.
func pickTarget(targets []*target.Info, filter string) *target.Info {
	var fallback *target.Info
	for _, t := range targets {
		if t == nil || t.Type != "page" || !matchesTabURL(t.URL, filter) {
			continue
		}
		if strings.Contains(t.URL, "/chart/") {
			return t
		}
		if fallback == nil {
			fallback = t
		}
	}
	return fallback
}

func matchesTabURL(url, filter string) bool {
	if filter == "" {
		return true
	}
	return strings.Contains(strings.ToLower(url), strings.ToLower(filter))
}

func classifyRunErr(tabCtx, runCtx context.Context, err error) error {
	switch {
	case tabCtx.Err() != nil:
		return unavailable("chart tab context closed", err)
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(runCtx.Err(), context.DeadlineExceeded):
		return &cdpcontrol.CodedError{Code: cdpcontrol.CodeEvalTimeout, Message: "evaluation timed out", Cause: err}
	default:
		return &cdpcontrol.CodedError{Code: cdpcontrol.CodeEvalFailure, Message: "chromedp run failed", Cause: err}
	}
}

func unavailable(msg string, cause error) error {
	return &cdpcontrol.CodedError{Code: cdpcontrol.CodeCDPUnavailable, Message: msg, Cause: cause}
}

func staleIfMissing(err error) error {
	var coded *cdpcontrol.CodedError
	if errors.As(err, &coded) && coded.Code == cdpcontrol.CodeElementNotFound {
		return &cdpcontrol.CodedError{Code: cdpcontrol.CodeElementStale, Message: coded.Message}
	}
	return err
}

func truncateURL(url string) string {
	if len(url) > 120 {
		return url[:120] + "..."
	}
	return url
}
