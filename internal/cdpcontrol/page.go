package cdpcontrol

import (
	"context"
	"errors"

	"github.com/dgnsrekt/tv_harvester/internal/types"
)

// ArrowDown as dispatched by Input.dispatchKeyEvent.
const (
	keyArrowDown     = "ArrowDown"
	keyCodeArrowDown = 40
)

func (c *Client) inspect(ctx context.Context, loc types.Locator, scroll bool) (ElementState, error) {
	if err := loc.Validate(); err != nil {
		return ElementState{}, newError(CodeValidation, err.Error(), nil)
	}
	var st ElementState
	err := c.evalOnTab(ctx, InspectScript(loc, scroll), &st)
	return st, err
}

// Locate resolves loc on the chart tab.
func (c *Client) Locate(ctx context.Context, loc types.Locator) (types.Element, error) {
	if _, err := c.inspect(ctx, loc, false); err != nil {
		return types.Element{}, err
	}
	return types.Element{Locator: loc}, nil
}

// ReadText returns the rendered text of el. An element that no longer
// resolves is reported as stale.
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

// Click scrolls el into view and sends a trusted mouse click at its centre.
func (c *Client) Click(ctx context.Context, el types.Element) error {
	st, err := c.inspect(ctx, el.Locator, true)
	if err != nil {
		return staleIfMissing(err)
	}
	return c.withRetry(ctx, "click", func(cdp *rawCDP, _ *tabSession, sessionID string) error {
		if err := cdp.dispatchMouseClick(ctx, sessionID, st.X, st.Y); err != nil {
			return newError(CodeEvalFailure, "failed to dispatch trusted mouse click", err)
		}
		return nil
	})
}

// AdvanceToNextItem focuses the page body and presses ArrowDown, which moves
// the watchlist selection to the next symbol.
func (c *Client) AdvanceToNextItem(ctx context.Context) error {
	if err := c.evalOnTab(ctx, FocusBodyScript(), nil); err != nil {
		return err
	}
	return c.withRetry(ctx, "advance", func(cdp *rawCDP, _ *tabSession, sessionID string) error {
		if err := cdp.dispatchKeyEvent(ctx, sessionID, keyEvent{Key: keyArrowDown, Code: keyArrowDown, KeyCode: keyCodeArrowDown}); err != nil {
			return newError(CodeEvalFailure, "failed to dispatch trusted key event", err)
		}
		return nil
	})
}

// SessionAlive reports whether the browser answers and the chart tab is
// still open.
func (c *Client) SessionAlive(ctx context.Context) bool {
	if err := c.refreshTabs(ctx); err != nil {
		return false
	}
	_, ok := c.lookupActive()
	return ok
}

func staleIfMissing(err error) error {
	var coded *CodedError
	if errors.As(err, &coded) && coded.Code == CodeElementNotFound {
		return newError(CodeElementStale, coded.Message, coded.Cause)
	}
	return err
}
