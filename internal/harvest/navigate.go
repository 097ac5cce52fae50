package harvest

import (
	"context"
	"fmt"
	"time"

	"github.com/dgnsrekt/tv_harvester/internal/types"
)

// Navigator switches strategy-tester tabs.
type Navigator struct {
	drv     Driver
	poll    Poller
	tabs    map[TabID]types.Locator
	timeout time.Duration
}

func NewNavigator(drv Driver, poll Poller, tabs map[TabID]types.Locator, timeout time.Duration) *Navigator {
	return &Navigator{drv: drv, poll: poll, tabs: tabs, timeout: timeout}
}

// Activate clicks the tab once it is interactable. It does not wait for
// the tab content.
func (n *Navigator) Activate(ctx context.Context, tab TabID) error {
	loc, ok := n.tabs[tab]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTab, tab)
	}
	el, err := waitInteractable(ctx, n.poll, n.drv, loc, n.timeout)
	if err != nil {
		return fmt.Errorf("activate %s: %w", tab, err)
	}
	if err := n.drv.Click(ctx, el); err != nil {
		return fmt.Errorf("click %s: %w", tab, err)
	}
	return nil
}
