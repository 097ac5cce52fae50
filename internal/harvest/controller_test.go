package harvest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dgnsrekt/tv_harvester/internal/metrics"
	"github.com/dgnsrekt/tv_harvester/internal/types"
)

var refDate = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type sinkFunc func(ctx context.Context, runID string, index int, rec metrics.DerivedRecord) error

func (f sinkFunc) Append(ctx context.Context, runID string, index int, rec metrics.DerivedRecord) error {
	return f(ctx, runID, index, rec)
}

func TestRunSkipsSymbolWithoutBacktest(t *testing.T) {
	layout := testLayout()
	ui := newFakeUI(layout,
		fullSymbol("AAA", "+10.00%"),
		fakeSymbol{name: "BBB"},
		fullSymbol("CCC", "+20.00%"),
	)
	c := NewController(ui, layout, fastOptions())

	res, err := c.Run(context.Background(), RunConfig{TargetCount: 3, ReferenceDate: refDate})
	if err != nil {
		t.Fatalf("Run err = %v", err)
	}
	if res.Collected != 2 || res.Skipped != 1 || len(res.Records) != 2 {
		t.Fatalf("collected=%d skipped=%d records=%d; want 2/1/2", res.Collected, res.Skipped, len(res.Records))
	}
	if res.Records[0].Raw.Symbol != "AAA" || res.Records[1].Raw.Symbol != "CCC" {
		t.Fatalf("record order = %s, %s; want AAA, CCC", res.Records[0].Raw.Symbol, res.Records[1].Raw.Symbol)
	}
	if res.Status != StatusSuccess || res.StopReason != ReasonCompleted {
		t.Fatalf("status=%s reason=%s; want success/completed", res.Status, res.StopReason)
	}
	if got := res.Records[0].Raw.Get(types.FieldFullName); got != types.Text("AAA Inc.") {
		t.Fatalf("full_name = %+v; want AAA Inc.", got)
	}
	if res.Records[0].AlphaBeta != metrics.Beta {
		t.Fatalf("alpha/beta = %s; want beta", res.Records[0].AlphaBeta)
	}
	if ui.advanceCount() != 3 {
		t.Fatalf("advances = %d; want 3", ui.advanceCount())
	}
	if c.State() != StateDone {
		t.Fatalf("state = %s; want done", c.State())
	}
	if res.RunID == "" {
		t.Fatalf("run id not generated")
	}
}

func TestRunStopAfterFirstRecord(t *testing.T) {
	layout := testLayout()
	ui := newFakeUI(layout,
		fullSymbol("AAA", "+1%"), fullSymbol("BBB", "+2%"), fullSymbol("CCC", "+3%"),
		fullSymbol("DDD", "+4%"), fullSymbol("EEE", "+5%"),
	)
	opts := fastOptions()
	var c *Controller
	var indexes []int
	opts.Sink = sinkFunc(func(_ context.Context, runID string, index int, _ metrics.DerivedRecord) error {
		indexes = append(indexes, index)
		return c.Stop()
	})
	c = NewController(ui, layout, opts)

	res, err := c.Run(context.Background(), RunConfig{RunID: "run-1", TargetCount: 5, ReferenceDate: refDate})
	if err != nil {
		t.Fatalf("Run err = %v", err)
	}
	if len(res.Records) != 1 || res.Records[0].Raw.Symbol != "AAA" {
		t.Fatalf("records = %d; want 1 (AAA)", len(res.Records))
	}
	if res.StopReason != ReasonStopRequested || res.Status != StatusPartial {
		t.Fatalf("reason=%s status=%s; want stop_requested/partial", res.StopReason, res.Status)
	}
	if c.State() != StateDone {
		t.Fatalf("state = %s; want done", c.State())
	}
	if len(indexes) != 1 || indexes[0] != 1 {
		t.Fatalf("sink indexes = %v; want [1]", indexes)
	}
	if res.RunID != "run-1" {
		t.Fatalf("run id = %q", res.RunID)
	}
}

func TestRunPauseResume(t *testing.T) {
	layout := testLayout()
	ui := newFakeUI(layout, fullSymbol("AAA", "+1%"), fullSymbol("BBB", "+2%"))
	c := NewController(ui, layout, fastOptions())

	paused := make(chan struct{})
	ui.onAdvance = func(n int) {
		if n == 1 {
			if err := c.Pause(); err != nil {
				t.Errorf("Pause err = %v", err)
			}
			close(paused)
		}
	}

	done := make(chan Result, 1)
	go func() {
		res, err := c.Run(context.Background(), RunConfig{TargetCount: 2, ReferenceDate: refDate})
		if err != nil {
			t.Errorf("Run err = %v", err)
		}
		done <- res
	}()

	<-paused
	time.Sleep(150 * time.Millisecond)
	if c.State() != StatePaused {
		t.Fatalf("state = %s; want paused", c.State())
	}
	if ui.advanceCount() != 1 {
		t.Fatalf("advances while paused = %d; want 1", ui.advanceCount())
	}
	if _, err := c.Run(context.Background(), RunConfig{TargetCount: 1}); !errors.Is(err, ErrRunActive) {
		t.Fatalf("second Run err = %v; want ErrRunActive", err)
	}
	if err := c.Resume(); err != nil {
		t.Fatalf("Resume err = %v", err)
	}

	select {
	case res := <-done:
		if res.Collected != 2 || res.Status != StatusSuccess {
			t.Fatalf("collected=%d status=%s; want 2/success", res.Collected, res.Status)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish after resume")
	}
}

func TestRunStopWhilePaused(t *testing.T) {
	layout := testLayout()
	ui := newFakeUI(layout, fullSymbol("AAA", "+1%"), fullSymbol("BBB", "+2%"), fullSymbol("CCC", "+3%"))
	c := NewController(ui, layout, fastOptions())
	ui.onAdvance = func(n int) {
		if n == 1 {
			_ = c.Pause()
			go func() {
				time.Sleep(20 * time.Millisecond)
				_ = c.Stop()
			}()
		}
	}

	res, err := c.Run(context.Background(), RunConfig{TargetCount: 3, ReferenceDate: refDate})
	if err != nil {
		t.Fatalf("Run err = %v", err)
	}
	if res.Collected != 1 || res.StopReason != ReasonStopRequested {
		t.Fatalf("collected=%d reason=%s; want 1/stop_requested", res.Collected, res.StopReason)
	}
}

func TestRunSessionLost(t *testing.T) {
	layout := testLayout()
	ui := newFakeUI(layout, fullSymbol("AAA", "+1%"), fullSymbol("BBB", "+2%"))
	ui.onAdvance = func(int) { ui.kill() }
	c := NewController(ui, layout, fastOptions())

	res, err := c.Run(context.Background(), RunConfig{TargetCount: 2, ReferenceDate: refDate})
	if err != nil {
		t.Fatalf("Run err = %v", err)
	}
	if res.Collected != 1 || res.Status != StatusPartial || res.StopReason != ReasonSessionLost {
		t.Fatalf("collected=%d status=%s reason=%s; want 1/partial/session_lost", res.Collected, res.Status, res.StopReason)
	}
	if !errors.Is(res.Err, types.ErrSessionUnusable) {
		t.Fatalf("Err = %v; want ErrSessionUnusable", res.Err)
	}
}

func TestRunSymbolTimeoutIsFatal(t *testing.T) {
	layout := testLayout()
	ui := newFakeUI(layout, fullSymbol("AAA", "+1%"), fullSymbol("BBB", "+2%"))
	c := NewController(ui, layout, fastOptions())

	res, err := c.Run(context.Background(), RunConfig{TargetCount: 4, ReferenceDate: refDate})
	if err != nil {
		t.Fatalf("Run err = %v", err)
	}
	if res.Collected != 2 || res.StopReason != ReasonSymbolTimeout || res.Status != StatusPartial {
		t.Fatalf("collected=%d reason=%s status=%s; want 2/symbol_timeout/partial", res.Collected, res.StopReason, res.Status)
	}
	if !errors.Is(res.Err, ErrTimedOut) {
		t.Fatalf("Err = %v; want ErrTimedOut", res.Err)
	}
}

func TestRunFailsWithoutRecords(t *testing.T) {
	layout := testLayout()
	ui := newFakeUI(layout, fullSymbol("AAA", "+1%"))
	ui.kill()
	c := NewController(ui, layout, fastOptions())

	res, err := c.Run(context.Background(), RunConfig{TargetCount: 1})
	if err != nil {
		t.Fatalf("Run err = %v", err)
	}
	if res.Status != StatusFailed || res.Collected != 0 {
		t.Fatalf("status=%s collected=%d; want failed/0", res.Status, res.Collected)
	}
}

func TestRunCanceledContext(t *testing.T) {
	layout := testLayout()
	ui := newFakeUI(layout, fullSymbol("AAA", "+1%"), fullSymbol("BBB", "+2%"))
	ctx, cancel := context.WithCancel(context.Background())
	ui.onAdvance = func(int) { cancel() }
	c := NewController(ui, layout, fastOptions())

	res, err := c.Run(ctx, RunConfig{TargetCount: 2, ReferenceDate: refDate})
	if err != nil {
		t.Fatalf("Run err = %v", err)
	}
	if res.Collected != 1 || res.StopReason != ReasonCanceled || res.Err != nil {
		t.Fatalf("collected=%d reason=%s err=%v; want 1/canceled/nil", res.Collected, res.StopReason, res.Err)
	}
}

// cancelingUI cancels the run while the performance tab is read and then
// reports every call as session loss, like a backend whose socket calls
// fail on the dead context.
type cancelingUI struct {
	*fakeUI
	cancel context.CancelFunc
}

func (u *cancelingUI) Locate(ctx context.Context, loc types.Locator) (types.Element, error) {
	if ctx.Err() != nil {
		return types.Element{}, types.ErrSessionUnusable
	}
	if loc.Value == "field:"+types.FieldNetProfit && u.advanceCount() > 0 {
		u.cancel()
		return types.Element{}, types.ErrSessionUnusable
	}
	return u.fakeUI.Locate(ctx, loc)
}

func TestRunCanceledMidCollectIsNotSessionLoss(t *testing.T) {
	layout := testLayout()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ui := &cancelingUI{
		fakeUI: newFakeUI(layout, fullSymbol("AAA", "+1%"), fullSymbol("BBB", "+2%")),
		cancel: cancel,
	}
	c := NewController(ui, layout, fastOptions())

	res, err := c.Run(ctx, RunConfig{TargetCount: 2, ReferenceDate: refDate})
	if err != nil {
		t.Fatalf("Run err = %v", err)
	}
	if res.StopReason != ReasonCanceled || res.Err != nil || res.Status != StatusPartial {
		t.Fatalf("reason=%s status=%s err=%v; want canceled/partial/nil", res.StopReason, res.Status, res.Err)
	}
	if res.Collected != 1 {
		t.Fatalf("collected = %d; want 1", res.Collected)
	}
}

func detailsLayout(periods ...string) Layout {
	layout := testLayout()
	layout.Details = types.CSS("#details")
	for _, p := range periods {
		layout.Aux = append(layout.Aux, FieldSpec{
			Name:    types.FieldReturnPrefix + p,
			Locator: types.CSS("aux:" + types.FieldReturnPrefix + p),
			Instant: true,
		})
	}
	return layout
}

func TestRunMissingPeriodReadsNotAvailable(t *testing.T) {
	layout := detailsLayout("1Y", "3Y", "5Y")
	sym := fullSymbol("AAA", "+10.00%")
	sym.fields[types.FieldReturnPrefix+"1Y"] = "+12.5%"
	ui := newFakeUI(layout, sym)
	opts := fastOptions()
	opts.ElementTimeout = 2 * time.Second
	c := NewController(ui, layout, opts)

	start := time.Now()
	res, err := c.Run(context.Background(), RunConfig{TargetCount: 1, ReferenceDate: refDate})
	if err != nil {
		t.Fatalf("Run err = %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("run took %s; absent periods must not be polled", elapsed)
	}
	if len(res.Records) != 1 {
		t.Fatalf("records = %d; want 1", len(res.Records))
	}
	raw := res.Records[0].Raw
	if got := raw.Get(types.FieldReturnPrefix + "1Y"); got != types.Text("+12.5%") {
		t.Fatalf("return_1Y = %+v", got)
	}
	for _, p := range []string{"3Y", "5Y"} {
		if got := raw.Get(types.FieldReturnPrefix + p); got != types.NotAvailable() {
			t.Fatalf("return_%s = %+v; want N/A", p, got)
		}
	}
}

func TestRunClosedDetailsPanelWaitsOnce(t *testing.T) {
	layout := detailsLayout("1M", "3M", "YTD", "1Y")
	sym := fullSymbol("AAA", "+10.00%")
	sym.noDetails = true
	sym.fields[types.FieldReturnPrefix+"1M"] = "+1%"
	ui := newFakeUI(layout, sym)
	opts := fastOptions()
	opts.ElementTimeout = 300 * time.Millisecond
	c := NewController(ui, layout, opts)

	start := time.Now()
	res, err := c.Run(context.Background(), RunConfig{TargetCount: 1, ReferenceDate: refDate})
	if err != nil {
		t.Fatalf("Run err = %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("run took %s; want one container wait", elapsed)
	}
	raw := res.Records[0].Raw
	for _, p := range []string{"1M", "3M", "YTD", "1Y"} {
		if got := raw.Get(types.FieldReturnPrefix + p); got != types.NotAvailable() {
			t.Fatalf("return_%s = %+v; want N/A", p, got)
		}
	}
	if got := raw.Get(types.FieldFullName); got != types.Text("AAA Inc.") {
		t.Fatalf("full_name = %+v", got)
	}
}

func TestRunValidation(t *testing.T) {
	layout := testLayout()
	ui := newFakeUI(layout, fullSymbol("AAA", "+1%"))
	c := NewController(ui, layout, fastOptions())
	if _, err := c.Run(context.Background(), RunConfig{TargetCount: 0}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("Run err = %v; want ErrInvalidConfig", err)
	}

	bad := testLayout()
	bad.Aux = append(bad.Aux, FieldSpec{Name: types.FieldNetProfit, Locator: types.CSS("aux:x")})
	c = NewController(ui, bad, fastOptions())
	if _, err := c.Run(context.Background(), RunConfig{TargetCount: 1}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("Run err = %v; want ErrInvalidConfig", err)
	}
}

func TestControlsWithoutRun(t *testing.T) {
	c := NewController(newFakeUI(testLayout(), fullSymbol("AAA", "+1%")), testLayout(), fastOptions())
	for name, fn := range map[string]func() error{"pause": c.Pause, "resume": c.Resume, "stop": c.Stop} {
		if err := fn(); !errors.Is(err, ErrNotRunning) {
			t.Fatalf("%s err = %v; want ErrNotRunning", name, err)
		}
	}
	if p := c.Progress(); p.State != StateIdle {
		t.Fatalf("progress state = %s; want idle", p.State)
	}
}

func TestProgressCallback(t *testing.T) {
	layout := testLayout()
	ui := newFakeUI(layout, fullSymbol("AAA", "+1%"))
	var mu sync.Mutex
	phases := map[Phase]bool{}
	opts := fastOptions()
	opts.OnProgress = func(p Progress) {
		mu.Lock()
		phases[p.Phase] = true
		mu.Unlock()
	}
	c := NewController(ui, layout, opts)
	if _, err := c.Run(context.Background(), RunConfig{TargetCount: 1, ReferenceDate: refDate}); err != nil {
		t.Fatalf("Run err = %v", err)
	}
	for _, p := range []Phase{PhaseReadSymbol, PhaseCollect, PhaseAdvance, PhaseFinished} {
		if !phases[p] {
			t.Fatalf("phase %s not reported; got %v", p, phases)
		}
	}
	if got := c.Progress(); got.Collected != 1 || got.Index != 1 || got.Symbol != "AAA" {
		t.Fatalf("progress = %+v", got)
	}
}
