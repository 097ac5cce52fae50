package harvest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgnsrekt/tv_harvester/internal/types"
)

// Extractor reads a set of fields with a per-field time bound.
type Extractor struct {
	drv  Driver
	poll Poller
}

func NewExtractor(drv Driver, poll Poller) *Extractor {
	return &Extractor{drv: drv, poll: poll}
}

// Extract attempts every spec once. A field that never becomes readable is
// recorded as ScrapeFail. Session loss aborts with the partial map.
func (x *Extractor) Extract(ctx context.Context, specs []FieldSpec, timeout time.Duration) (map[string]types.Value, error) {
	seen := make(map[string]bool, len(specs))
	for _, s := range specs {
		if seen[s.Name] {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateField, s.Name)
		}
		seen[s.Name] = true
	}

	out := make(map[string]types.Value, len(specs))
	for _, s := range specs {
		text, err := waitText(ctx, x.poll, x.drv, s.Locator, timeout)
		if err == nil {
			out[s.Name] = types.Text(text)
			continue
		}
		if isSessionLoss(err) || ctx.Err() != nil {
			return out, err
		}
		slog.Debug("harvest field unreadable", "field", s.Name, "error", err)
		out[s.Name] = types.ScrapeFail()
	}
	return out, nil
}

// ExtractDetails reads the symbol details panel. Waited fields get the
// full timeout each. Instant fields are read once after container shows
// up; when it never does they all stay N/A. Nothing here is a ScrapeFail:
// a missing detail reads as N/A.
func (x *Extractor) ExtractDetails(ctx context.Context, container types.Locator, specs []FieldSpec, timeout time.Duration) (map[string]types.Value, error) {
	out := make(map[string]types.Value, len(specs))
	var instant []FieldSpec
	for _, s := range specs {
		if _, dup := out[s.Name]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateField, s.Name)
		}
		out[s.Name] = types.NotAvailable()
		if s.Instant {
			instant = append(instant, s)
		}
	}

	for _, s := range specs {
		if s.Instant {
			continue
		}
		text, err := waitText(ctx, x.poll, x.drv, s.Locator, timeout)
		if err != nil {
			if isSessionLoss(err) || ctx.Err() != nil {
				return out, err
			}
			slog.Debug("harvest detail unreadable", "field", s.Name, "error", err)
			continue
		}
		out[s.Name] = types.Text(text)
	}

	if len(instant) == 0 {
		return out, nil
	}
	if container.Value != "" {
		err := x.poll.Until(ctx, timeout, func(ctx context.Context) (bool, error) {
			_, err := x.drv.Locate(ctx, container)
			if err != nil {
				return false, keepPolling(err)
			}
			return true, nil
		})
		if err != nil {
			if isSessionLoss(err) || ctx.Err() != nil {
				return out, err
			}
			slog.Debug("harvest details container missing", "error", err)
			return out, nil
		}
	}
	for _, s := range instant {
		text, err := readOnce(ctx, x.drv, s.Locator)
		if err != nil {
			if isSessionLoss(err) || ctx.Err() != nil {
				return out, err
			}
			continue
		}
		if text != "" {
			out[s.Name] = types.Text(text)
		}
	}
	return out, nil
}
