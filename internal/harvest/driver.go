// Package harvest walks a watchlist on the TradingView chart page and
// collects strategy-tester metrics for every symbol.
package harvest

import (
	"context"
	"errors"

	"github.com/dgnsrekt/tv_harvester/internal/types"
)

// Driver is the UI capability surface the harvester needs.
type Driver interface {
	// Locate returns an element for loc or an error matching types.ErrNotFound.
	Locate(ctx context.Context, loc types.Locator) (types.Element, error)
	// ReadText returns the visible text, or types.ErrStale when the node vanished.
	ReadText(ctx context.Context, el types.Element) (string, error)
	Click(ctx context.Context, el types.Element) error
	IsInteractable(ctx context.Context, el types.Element) (bool, error)
	SessionAlive(ctx context.Context) bool
	// AdvanceToNextItem moves the watchlist selection one item down.
	AdvanceToNextItem(ctx context.Context) error
}

var (
	ErrTimedOut       = errors.New("harvest: timed out")
	ErrUnknownTab     = errors.New("harvest: unknown tab")
	ErrDuplicateField = errors.New("harvest: duplicate field name")
	ErrRunActive      = errors.New("harvest: run already active")
	ErrInvalidConfig  = errors.New("harvest: invalid run config")
	ErrNotRunning     = errors.New("harvest: no active run")
)

func isSessionLoss(err error) bool {
	return errors.Is(err, types.ErrSessionUnusable)
}

func isAbsent(err error) bool {
	return errors.Is(err, types.ErrNotFound) || errors.Is(err, types.ErrStale)
}
