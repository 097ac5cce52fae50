package cdp

import (
	"context"
	"errors"
	"testing"

	"github.com/chromedp/cdproto/target"

	"github.com/dgnsrekt/tv_harvester/internal/cdpcontrol"
	"github.com/dgnsrekt/tv_harvester/internal/types"
)

func TestPickTarget(t *testing.T) {
	targets := []*target.Info{
		{TargetID: "sw", Type: "service_worker", URL: "https://www.tradingview.com/sw.js"},
		{TargetID: "news", Type: "page", URL: "https://example.com/news"},
		{TargetID: "home", Type: "page", URL: "https://www.tradingview.com/"},
		{TargetID: "chart", Type: "page", URL: "https://www.tradingview.com/chart/xyz/"},
	}
	tests := []struct {
		name   string
		filter string
		want   target.ID
	}{
		{"chart layout wins", "tradingview", "chart"},
		{"no filter still prefers chart", "", "chart"},
		{"case insensitive filter", "TRADINGVIEW.COM/CHART", "chart"},
		{"fallback to first page", "example.com", "news"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := pickTarget(targets, tc.filter)
			if got == nil || got.TargetID != tc.want {
				t.Fatalf("pickTarget() = %v; want %s", got, tc.want)
			}
		})
	}
	if got := pickTarget(targets, "nothing-matches"); got != nil {
		t.Fatalf("pickTarget() = %v; want nil", got)
	}
}

func TestClassifyRunErr(t *testing.T) {
	live := context.Background()
	closed, cancel := context.WithCancel(context.Background())
	cancel()

	if err := classifyRunErr(closed, live, errors.New("x")); !errors.Is(err, types.ErrSessionUnusable) {
		t.Fatalf("closed tab = %v; want session unusable", err)
	}

	err := classifyRunErr(live, live, context.DeadlineExceeded)
	var coded *cdpcontrol.CodedError
	if !errors.As(err, &coded) || coded.Code != cdpcontrol.CodeEvalTimeout {
		t.Fatalf("deadline = %v; want EVAL_TIMEOUT", err)
	}

	err = classifyRunErr(live, live, errors.New("boom"))
	if !errors.As(err, &coded) || coded.Code != cdpcontrol.CodeEvalFailure {
		t.Fatalf("generic = %v; want EVAL_FAILURE", err)
	}
}

func TestOperationsWithoutTab(t *testing.T) {
	c := NewClient("http://127.0.0.1:1", "", 0)
	ctx := context.Background()
	if _, err := c.Locate(ctx, types.CSS("#x")); !errors.Is(err, types.ErrSessionUnusable) {
		t.Fatalf("Locate() = %v; want session unusable", err)
	}
	if c.SessionAlive(ctx) {
		t.Fatal("SessionAlive() = true without tab")
	}
	if _, err := c.Locate(ctx, types.Locator{Strategy: "id", Value: "x"}); err == nil {
		t.Fatal("invalid locator accepted")
	}
}

func TestStaleIfMissing(t *testing.T) {
	err := staleIfMissing(&cdpcontrol.CodedError{Code: cdpcontrol.CodeElementNotFound, Message: "gone"})
	if !errors.Is(err, types.ErrStale) {
		t.Fatalf("staleIfMissing = %v; want ErrStale", err)
	}
}
