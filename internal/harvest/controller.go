package harvest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dgnsrekt/tv_harvester/internal/metrics"
	"github.com/dgnsrekt/tv_harvester/internal/types"
)

const (
	DefaultElementTimeout     = 15 * time.Second
	DefaultPauseCheckInterval = 200 * time.Millisecond
	DefaultAdvanceSettle      = 500 * time.Millisecond
)

// State is the controller lifecycle state.
type State string

const (
	StateIdle     State = "idle"
	StateRunning  State = "running"
	StatePaused   State = "paused"
	StateStopping State = "stopping"
	StateDone     State = "done"
)

// Phase describes what the worker is doing inside an iteration.
type Phase string

const (
	PhaseStarting    Phase = "starting"
	PhaseWaitSymbol  Phase = "waiting_for_symbol"
	PhaseReadSymbol  Phase = "reading_symbol"
	PhaseReadDetails Phase = "reading_details"
	PhaseCollect     Phase = "collecting"
	PhaseAdvance     Phase = "advancing"
	PhaseFinished    Phase = "finished"
)

// RunStatus summarizes how a run ended.
type RunStatus string

const (
	StatusSuccess RunStatus = "success"
	StatusPartial RunStatus = "partial"
	StatusFailed  RunStatus = "failed"
)

// StopReason says why the iteration loop ended.
type StopReason string

const (
	ReasonCompleted     StopReason = "completed"
	ReasonStopRequested StopReason = "stop_requested"
	ReasonCanceled      StopReason = "canceled"
	ReasonSessionLost   StopReason = "session_lost"
	ReasonSymbolTimeout StopReason = "symbol_timeout"
	ReasonDriverError   StopReason = "driver_error"
)

// Progress is a best-effort snapshot of a running harvest.
type Progress struct {
	RunID     string `json:"run_id"`
	State     State  `json:"state"`
	Index     int    `json:"index"`
	Total     int    `json:"total"`
	Symbol    string `json:"symbol"`
	Phase     Phase  `json:"phase"`
	Collected int    `json:"collected"`
	Skipped   int    `json:"skipped"`
}

// SessionState is the per-run state owned by the Controller.
type SessionState struct {
	Running        bool
	Paused         bool
	StopRequested  bool
	LastSymbolText string
	LastProfitText string
	Collected      []metrics.DerivedRecord
}

// RecordSink receives each record as soon as it is collected.
type RecordSink interface {
	Append(ctx context.Context, runID string, index int, rec metrics.DerivedRecord) error
}

// Options tune timing and hooks.
type Options struct {
	ElementTimeout     time.Duration
	PollInterval       time.Duration
	PauseCheckInterval time.Duration
	AdvanceSettle      time.Duration
	SyncRetries        int
	OnProgress         func(Progress)
	Sink               RecordSink
}

func (o Options) withDefaults() Options {
	if o.ElementTimeout <= 0 {
		o.ElementTimeout = DefaultElementTimeout
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.PauseCheckInterval <= 0 {
		o.PauseCheckInterval = DefaultPauseCheckInterval
	}
	switch {
	case o.AdvanceSettle == 0:
		o.AdvanceSettle = DefaultAdvanceSettle
	case o.AdvanceSettle < 0:
		o.AdvanceSettle = 0
	}
	return o
}

// RunConfig parameterizes one run.
type RunConfig struct {
	RunID         string
	TargetCount   int
	ReferenceDate time.Time
}

// Result is what a finished run hands back.
type Result struct {
	RunID      string                  `json:"run_id"`
	Records    []metrics.DerivedRecord `json:"records"`
	Status     RunStatus               `json:"status"`
	Requested  int                     `json:"requested"`
	Collected  int                     `json:"collected"`
	Skipped    int                     `json:"skipped"`
	StopReason StopReason              `json:"stop_reason"`
	Err        error                   `json:"-"`
	StartedAt  time.Time               `json:"started_at"`
	FinishedAt time.Time               `json:"finished_at"`
}

// Controller iterates the watchlist. Pause, Resume, Stop, Progress and
// State may be called from any goroutine while Run is executing.
type Controller struct {
	drv    Driver
	layout Layout
	opts   Options

	mu       sync.Mutex
	state    State
	session  SessionState
	progress Progress
}

func NewController(drv Driver, layout Layout, opts Options) *Controller {
	return &Controller{
		drv:      drv,
		layout:   layout,
		opts:     opts.withDefaults(),
		state:    StateIdle,
		progress: Progress{State: StateIdle},
	}
}

// Run drives the loop to completion on the calling goroutine.
func (c *Controller) Run(ctx context.Context, cfg RunConfig) (Result, error) {
	if cfg.TargetCount <= 0 {
		return Result{}, fmt.Errorf("%w: target count must be positive", ErrInvalidConfig)
	}
	if err := c.layout.Validate(); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if cfg.RunID == "" {
		cfg.RunID = uuid.NewString()
	}
	if cfg.ReferenceDate.IsZero() {
		cfg.ReferenceDate = time.Now()
	}

	c.mu.Lock()
	switch c.state {
	case StateRunning, StatePaused, StateStopping:
		c.mu.Unlock()
		return Result{}, ErrRunActive
	}
	c.state = StateRunning
	c.session = SessionState{Running: true}
	c.progress = Progress{RunID: cfg.RunID, State: StateRunning, Total: cfg.TargetCount, Phase: PhaseStarting}
	c.mu.Unlock()
	c.emit()

	res := Result{RunID: cfg.RunID, Requested: cfg.TargetCount, StartedAt: time.Now()}
	slog.Info("harvest run start", "run_id", cfg.RunID, "target_count", cfg.TargetCount,
		"reference_date", cfg.ReferenceDate.Format("2006-01-02"))

	reason, err := c.loop(ctx, cfg)

	c.mu.Lock()
	res.Records = append([]metrics.DerivedRecord(nil), c.session.Collected...)
	res.Collected = len(res.Records)
	res.Skipped = c.progress.Skipped
	c.session.Running = false
	c.session.Paused = false
	c.state = StateDone
	c.progress.State = StateDone
	c.progress.Phase = PhaseFinished
	c.mu.Unlock()
	c.emit()

	res.StopReason = reason
	res.Err = err
	res.FinishedAt = time.Now()
	switch {
	case err != nil && res.Collected == 0:
		res.Status = StatusFailed
	case err == nil && reason == ReasonCompleted:
		res.Status = StatusSuccess
	default:
		res.Status = StatusPartial
	}

	attrs := []any{"run_id", res.RunID, "status", res.Status, "reason", reason,
		"collected", res.Collected, "skipped", res.Skipped, "requested", res.Requested}
	if err != nil {
		slog.Error("harvest run ended", append(attrs, "error", err)...)
	} else {
		slog.Info("harvest run ended", attrs...)
	}
	return res, nil
}

func (c *Controller) loop(ctx context.Context, cfg RunConfig) (StopReason, error) {
	poll := Poller{Interval: c.opts.PollInterval, Gate: c}
	ext := NewExtractor(c.drv, poll)
	col := NewCollector(c.drv, poll, c.layout, c.opts.ElementTimeout, c.opts.SyncRetries)

	for i := 0; i < cfg.TargetCount; i++ {
		if reason, stop := c.checkStop(ctx); stop {
			return reason, nil
		}
		if _, err := c.Hold(ctx); err != nil {
			return ReasonCanceled, nil
		}
		if reason, stop := c.checkStop(ctx); stop {
			return reason, nil
		}
		if !c.drv.SessionAlive(ctx) {
			return ReasonSessionLost, types.ErrSessionUnusable
		}

		c.mu.Lock()
		c.progress.Index = i + 1
		c.mu.Unlock()

		if err := c.iterate(ctx, i, cfg, poll, ext, col); err != nil {
			switch {
			case ctx.Err() != nil:
				return ReasonCanceled, nil
			case isSessionLoss(err):
				return ReasonSessionLost, err
			case errors.Is(err, ErrTimedOut):
				return ReasonSymbolTimeout, err
			default:
				return ReasonDriverError, err
			}
		}
	}
	return ReasonCompleted, nil
}

func (c *Controller) iterate(ctx context.Context, i int, cfg RunConfig, poll Poller, ext *Extractor, col *Collector) error {
	timeout := c.opts.ElementTimeout
	if i > 0 {
		c.setPhase(PhaseWaitSymbol)
		c.mu.Lock()
		last := c.session.LastSymbolText
		c.mu.Unlock()
		if err := WaitForChange(ctx, poll, c.drv, c.layout.Symbol, last, timeout); err != nil {
			return fmt.Errorf("symbol change: %w", err)
		}
	}

	c.setPhase(PhaseReadSymbol)
	symbol, err := waitText(ctx, poll, c.drv, c.layout.Symbol, timeout)
	if err != nil {
		return fmt.Errorf("read symbol: %w", err)
	}
	c.mu.Lock()
	c.session.LastSymbolText = symbol
	c.progress.Symbol = symbol
	lastProfit := c.session.LastProfitText
	c.mu.Unlock()

	var aux map[string]types.Value
	if len(c.layout.Aux) > 0 {
		c.setPhase(PhaseReadDetails)
		if aux, err = ext.ExtractDetails(ctx, c.layout.Details, c.layout.Aux, timeout); err != nil {
			return fmt.Errorf("symbol details %s: %w", symbol, err)
		}
	}

	c.setPhase(PhaseCollect)
	raw, ok, err := col.Collect(ctx, lastProfit)
	if err != nil {
		return fmt.Errorf("collect %s: %w", symbol, err)
	}
	if ok {
		raw.Symbol = symbol
		for k, v := range aux {
			if _, exists := raw.Fields[k]; !exists {
				raw.Fields[k] = v
			}
		}
		rec := metrics.Derive(raw, cfg.ReferenceDate)

		c.mu.Lock()
		c.session.Collected = append(c.session.Collected, rec)
		c.session.LastProfitText = raw.Get(types.FieldProfitPct).Text
		c.progress.Collected = len(c.session.Collected)
		index := len(c.session.Collected)
		c.mu.Unlock()

		slog.Info("harvest symbol collected", "run_id", cfg.RunID, "index", i+1, "symbol", symbol,
			"profit", raw.Get(types.FieldProfitPct).Text, "alpha_beta", rec.AlphaBeta)
		if c.opts.Sink != nil {
			if err := c.opts.Sink.Append(ctx, cfg.RunID, index, rec); err != nil {
				slog.Warn("harvest record sink failed", "run_id", cfg.RunID, "symbol", symbol, "error", err)
			}
		}
	} else {
		c.mu.Lock()
		c.session.LastProfitText = types.NotAvailableText
		c.progress.Skipped++
		c.mu.Unlock()
		slog.Info("harvest symbol skipped", "run_id", cfg.RunID, "index", i+1, "symbol", symbol)
	}
	c.emit()

	c.setPhase(PhaseAdvance)
	if err := c.drv.AdvanceToNextItem(ctx); err != nil {
		return fmt.Errorf("advance after %s: %w", symbol, err)
	}
	if c.opts.AdvanceSettle > 0 {
		t := time.NewTimer(c.opts.AdvanceSettle)
		defer t.Stop()
		select {
		case <-ctx.Done():
		case <-t.C:
		}
	}
	return nil
}

func (c *Controller) checkStop(ctx context.Context) (StopReason, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.session.StopRequested:
		c.state = StateStopping
		c.progress.State = StateStopping
		return ReasonStopRequested, true
	case ctx.Err() != nil:
		c.state = StateStopping
		c.progress.State = StateStopping
		return ReasonCanceled, true
	}
	return "", false
}

// Hold blocks while the run is paused. It returns early on stop or
// cancellation and reports the time spent held.
func (c *Controller) Hold(ctx context.Context) (time.Duration, error) {
	var start time.Time
	for {
		c.mu.Lock()
		paused := c.session.Paused && !c.session.StopRequested
		c.mu.Unlock()
		if !paused {
			if start.IsZero() {
				return 0, nil
			}
			return time.Since(start), nil
		}
		if start.IsZero() {
			start = time.Now()
		}
		t := time.NewTimer(c.opts.PauseCheckInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return time.Since(start), ctx.Err()
		case <-t.C:
		}
	}
}

// Pause suspends the run at the next poll or iteration boundary.
func (c *Controller) Pause() error {
	c.mu.Lock()
	switch c.state {
	case StatePaused:
		c.mu.Unlock()
		return nil
	case StateRunning:
	default:
		c.mu.Unlock()
		return ErrNotRunning
	}
	c.session.Paused = true
	c.state = StatePaused
	c.progress.State = StatePaused
	c.mu.Unlock()
	slog.Info("harvest run paused")
	c.emit()
	return nil
}

// Resume continues a paused run.
func (c *Controller) Resume() error {
	c.mu.Lock()
	switch c.state {
	case StateRunning:
		c.mu.Unlock()
		return nil
	case StatePaused:
	default:
		c.mu.Unlock()
		return ErrNotRunning
	}
	c.session.Paused = false
	c.state = StateRunning
	c.progress.State = StateRunning
	c.mu.Unlock()
	slog.Info("harvest run resumed")
	c.emit()
	return nil
}

// Stop asks the loop to end at the next iteration boundary. The symbol in
// flight is finished first.
func (c *Controller) Stop() error {
	c.mu.Lock()
	switch c.state {
	case StateRunning, StatePaused, StateStopping:
	default:
		c.mu.Unlock()
		return ErrNotRunning
	}
	c.session.StopRequested = true
	c.session.Paused = false
	c.state = StateStopping
	c.progress.State = StateStopping
	c.mu.Unlock()
	slog.Info("harvest run stop requested")
	c.emit()
	return nil
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) Progress() Progress {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.progress
}

func (c *Controller) setPhase(p Phase) {
	c.mu.Lock()
	c.progress.Phase = p
	c.mu.Unlock()
	c.emit()
}

func (c *Controller) emit() {
	if c.opts.OnProgress == nil {
		return
	}
	c.opts.OnProgress(c.Progress())
}
