package harvest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dgnsrekt/tv_harvester/internal/types"
)

type scriptedRead struct {
	text string
	err  error
}

// scriptDriver replays reads in order and repeats the last one.
type scriptDriver struct {
	mu        sync.Mutex
	locateErr error
	reads     []scriptedRead
	locates   int
	readCalls int
}

func (d *scriptDriver) Locate(_ context.Context, loc types.Locator) (types.Element, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.locates++
	if d.locateErr != nil {
		return types.Element{}, d.locateErr
	}
	return types.Element{Locator: loc}, nil
}

func (d *scriptDriver) ReadText(context.Context, types.Element) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	i := d.readCalls
	if i >= len(d.reads) {
		i = len(d.reads) - 1
	}
	d.readCalls++
	return d.reads[i].text, d.reads[i].err
}

func (d *scriptDriver) Click(context.Context, types.Element) error { return nil }

func (d *scriptDriver) IsInteractable(context.Context, types.Element) (bool, error) {
	return true, nil
}

func (d *scriptDriver) SessionAlive(context.Context) bool { return true }

func (d *scriptDriver) AdvanceToNextItem(context.Context) error { return nil }

func TestWaitForChange(t *testing.T) {
	loc := types.XPath("//div")
	tests := []struct {
		name      string
		drv       *scriptDriver
		timeout   time.Duration
		wantErr   error
		wantReads int
	}{
		{
			name:      "changes on third read",
			drv:       &scriptDriver{reads: []scriptedRead{{text: "10.5%"}, {text: "10.5%"}, {text: "12.0%"}}},
			timeout:   time.Second,
			wantReads: 3,
		},
		{
			name:      "absent element counts as changed",
			drv:       &scriptDriver{locateErr: types.ErrNotFound},
			timeout:   time.Second,
			wantReads: 0,
		},
		{
			name:      "stale element counts as changed",
			drv:       &scriptDriver{reads: []scriptedRead{{err: types.ErrStale}}},
			timeout:   time.Second,
			wantReads: 1,
		},
		{
			name:    "unchanged times out",
			drv:     &scriptDriver{reads: []scriptedRead{{text: "10.5%"}}},
			timeout: 20 * time.Millisecond,
			wantErr: ErrTimedOut,
		},
		{
			name:    "session loss is returned",
			drv:     &scriptDriver{locateErr: types.ErrSessionUnusable},
			timeout: time.Second,
			wantErr: types.ErrSessionUnusable,
		},
		{
			name:      "transient read error keeps polling",
			drv:       &scriptDriver{reads: []scriptedRead{{err: errors.New("eval timeout")}, {text: "11%"}}},
			timeout:   time.Second,
			wantReads: 2,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := WaitForChange(context.Background(), fastPoller(), tc.drv, loc, "10.5%", tc.timeout)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("WaitForChange err = %v; want %v", err, tc.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("WaitForChange err = %v; want nil", err)
			}
			if tc.drv.readCalls != tc.wantReads {
				t.Fatalf("reads = %d; want %d", tc.drv.readCalls, tc.wantReads)
			}
		})
	}
}

func TestWaitForChangeAbsentReturnsImmediately(t *testing.T) {
	drv := &scriptDriver{locateErr: types.ErrNotFound}
	start := time.Now()
	if err := WaitForChange(context.Background(), Poller{Interval: 100 * time.Millisecond}, drv, types.XPath("//x"), "a", 5*time.Second); err != nil {
		t.Fatalf("WaitForChange err = %v", err)
	}
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Fatalf("WaitForChange took %v; want immediate return", elapsed)
	}
	if drv.locates != 1 {
		t.Fatalf("locates = %d; want 1", drv.locates)
	}
}

type fixedGate struct {
	calls int
	held  time.Duration
}

func (g *fixedGate) Hold(context.Context) (time.Duration, error) {
	g.calls++
	if g.calls == 1 {
		return g.held, nil
	}
	return 0, nil
}

func TestPollerGateExtendsDeadline(t *testing.T) {
	pred := func() func(context.Context) (bool, error) {
		n := 0
		return func(context.Context) (bool, error) {
			n++
			return n >= 8, nil
		}
	}

	p := Poller{Interval: 5 * time.Millisecond}
	if err := p.Until(context.Background(), 10*time.Millisecond, pred()); !errors.Is(err, ErrTimedOut) {
		t.Fatalf("ungated Until err = %v; want ErrTimedOut", err)
	}

	p.Gate = &fixedGate{held: time.Second}
	if err := p.Until(context.Background(), 10*time.Millisecond, pred()); err != nil {
		t.Fatalf("gated Until err = %v; want nil", err)
	}
}

func TestPollerCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := fastPoller().Until(ctx, time.Second, func(context.Context) (bool, error) { return false, nil })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Until err = %v; want context.Canceled", err)
	}
}

func TestPollerIntervalClamp(t *testing.T) {
	if got := (Poller{}).interval(); got != DefaultPollInterval {
		t.Fatalf("default interval = %v", got)
	}
	if got := (Poller{Interval: time.Minute}).interval(); got != maxPollInterval {
		t.Fatalf("clamped interval = %v", got)
	}
}
