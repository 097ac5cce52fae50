package harvest

import (
	"context"
	"time"

	"github.com/dgnsrekt/tv_harvester/internal/types"
)

const (
	DefaultPollInterval = 250 * time.Millisecond
	maxPollInterval     = 500 * time.Millisecond
)

// Gate holds a waiter while the run is paused and reports how long it held.
type Gate interface {
	Hold(ctx context.Context) (time.Duration, error)
}

// Poller evaluates predicates at a fixed interval.
type Poller struct {
	Interval time.Duration
	Gate     Gate
}

func (p Poller) interval() time.Duration {
	switch {
	case p.Interval <= 0:
		return DefaultPollInterval
	case p.Interval > maxPollInterval:
		return maxPollInterval
	default:
		return p.Interval
	}
}

// Until calls pred until it reports true, returns an error, or timeout of
// unpaused time elapses (ErrTimedOut).
func (p Poller) Until(ctx context.Context, timeout time.Duration, pred func(context.Context) (bool, error)) error {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(p.interval())
	defer ticker.Stop()

	for {
		if p.Gate != nil {
			held, err := p.Gate.Hold(ctx)
			if err != nil {
				return err
			}
			deadline = deadline.Add(held)
		}
		done, err := pred(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if !time.Now().Before(deadline) {
			return ErrTimedOut
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// WaitForChange blocks until the element text differs from baseline.
// An absent or stale element counts as changed.
func WaitForChange(ctx context.Context, p Poller, drv Driver, loc types.Locator, baseline string, timeout time.Duration) error {
	return p.Until(ctx, timeout, func(ctx context.Context) (bool, error) {
		el, err := drv.Locate(ctx, loc)
		if err != nil {
			return changedOnError(err)
		}
		text, err := drv.ReadText(ctx, el)
		if err != nil {
			return changedOnError(err)
		}
		return text != baseline, nil
	})
}

func changedOnError(err error) (bool, error) {
	switch {
	case isAbsent(err):
		return true, nil
	case isSessionLoss(err):
		return false, err
	default:
		return false, nil
	}
}

// waitText blocks until loc resolves to an element with non-empty text.
func waitText(ctx context.Context, p Poller, drv Driver, loc types.Locator, timeout time.Duration) (string, error) {
	var text string
	err := p.Until(ctx, timeout, func(ctx context.Context) (bool, error) {
		el, err := drv.Locate(ctx, loc)
		if err != nil {
			return false, keepPolling(err)
		}
		t, err := drv.ReadText(ctx, el)
		if err != nil {
			return false, keepPolling(err)
		}
		if t == "" {
			return false, nil
		}
		text = t
		return true, nil
	})
	return text, err
}

// readOnce locates loc and reads its text without polling.
func readOnce(ctx context.Context, drv Driver, loc types.Locator) (string, error) {
	el, err := drv.Locate(ctx, loc)
	if err != nil {
		return "", err
	}
	return drv.ReadText(ctx, el)
}

// ReadWhenVisible waits up to timeout for loc to show non-empty text.
func ReadWhenVisible(ctx context.Context, drv Driver, loc types.Locator, timeout time.Duration) (string, error) {
	return waitText(ctx, Poller{}, drv, loc, timeout)
}

// waitInteractable blocks until loc resolves to a clickable element.
func waitInteractable(ctx context.Context, p Poller, drv Driver, loc types.Locator, timeout time.Duration) (types.Element, error) {
	var found types.Element
	err := p.Until(ctx, timeout, func(ctx context.Context) (bool, error) {
		el, err := drv.Locate(ctx, loc)
		if err != nil {
			return false, keepPolling(err)
		}
		ok, err := drv.IsInteractable(ctx, el)
		if err != nil {
			return false, keepPolling(err)
		}
		if ok {
			found = el
		}
		return ok, nil
	})
	return found, err
}

func keepPolling(err error) error {
	if isSessionLoss(err) {
		return err
	}
	return nil
}
