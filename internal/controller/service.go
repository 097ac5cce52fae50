// Package controller supervises harvest runs: it owns the driver, runs one
// harvest at a time in the background and persists every finished run.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/dgnsrekt/tv_harvester/internal/config"
	"github.com/dgnsrekt/tv_harvester/internal/harvest"
	"github.com/dgnsrekt/tv_harvester/internal/history"
	"github.com/dgnsrekt/tv_harvester/internal/locators"
	"github.com/dgnsrekt/tv_harvester/internal/metrics"
	"github.com/dgnsrekt/tv_harvester/internal/notify"
	"github.com/dgnsrekt/tv_harvester/internal/report"
	"github.com/dgnsrekt/tv_harvester/internal/storage"
)

// ErrHistoryDisabled is returned by history queries when no store is set.
var ErrHistoryDisabled = errors.New("run history is not configured")

// RunStore persists runs and their records.
type RunStore interface {
	harvest.RecordSink
	StartRun(ctx context.Context, run history.Run) error
	SetWatchlist(ctx context.Context, runID, title string) error
	FinishRun(ctx context.Context, runID string, sum history.Summary) error
	ListRuns(ctx context.Context, limit int) ([]history.Run, error)
	GetRun(ctx context.Context, runID string) (history.Run, error)
	RunRecords(ctx context.Context, runID string) ([]metrics.DerivedRecord, error)
}

// RunRequest parameterizes a run. Zero fields take the service defaults.
type RunRequest struct {
	Count         int    `json:"count,omitempty"`
	ReferenceDate string `json:"reference_date,omitempty"`
	AssetMode     string `json:"asset_mode,omitempty"`
}

// Outcome is a finished run together with what was written for it.
type Outcome struct {
	harvest.Result
	Watchlist string   `json:"watchlist,omitempty"`
	Outputs   []string `json:"outputs,omitempty"`
	Journal   string   `json:"journal,omitempty"`
}

// Status is the service view of the current run.
type Status struct {
	Active   bool             `json:"active"`
	Progress harvest.Progress `json:"progress"`
	Last     *RunSummary      `json:"last,omitempty"`
}

// RunSummary describes the most recently finished run.
type RunSummary struct {
	RunID      string             `json:"run_id"`
	Status     harvest.RunStatus  `json:"status"`
	StopReason harvest.StopReason `json:"stop_reason"`
	Collected  int                `json:"collected"`
	Skipped    int                `json:"skipped"`
	Watchlist  string             `json:"watchlist,omitempty"`
	Outputs    []string           `json:"outputs,omitempty"`
	Error      string             `json:"error,omitempty"`
	FinishedAt time.Time          `json:"finished_at"`
}

// Options configure the service.
type Options struct {
	// Harvest carries timing. Sink and OnProgress are set per run.
	Harvest      harvest.Options
	LayoutFor    func(locators.AssetMode) (harvest.Layout, error)
	Exporter     report.Exporter
	JournalDir   string
	JournalMaxMB int
	Notifier     notify.Notifier
	Defaults     RunRequest
	Summary      func(report.Table)
}

type activeRun struct {
	id        string
	req       RunRequest
	mode      locators.AssetMode
	reference time.Time
	layout    harvest.Layout
	ctrl      *harvest.Controller
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	sinks     fanout
}

// Append forwards to the sinks attached once the run has started.
func (r *activeRun) Append(ctx context.Context, runID string, index int, rec metrics.DerivedRecord) error {
	return r.sinks.Append(ctx, runID, index, rec)
}

// Service runs at most one harvest at a time.
type Service struct {
	drv   harvest.Driver
	store RunStore
	opts  Options

	mu     sync.Mutex
	active *activeRun
	last   *RunSummary

	baseCtx    context.Context
	baseCancel context.CancelFunc
	cron       *cron.Cron
	now        func() time.Time
}

// NewService creates a service. store may be nil to disable history.
func NewService(drv harvest.Driver, store RunStore, opts Options) *Service {
	if opts.LayoutFor == nil {
		opts.LayoutFor = func(mode locators.AssetMode) (harvest.Layout, error) {
			return locators.Default(mode), nil
		}
	}
	if opts.Defaults.Count <= 0 {
		opts.Defaults.Count = 10
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		drv:        drv,
		store:      store,
		opts:       opts,
		baseCtx:    ctx,
		baseCancel: cancel,
		now:        time.Now,
	}
}

func (s *Service) validationError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", harvest.ErrInvalidConfig, fmt.Sprintf(format, args...))
}

func (s *Service) resolve(req RunRequest) (RunRequest, locators.AssetMode, time.Time, harvest.Layout, error) {
	if req.Count == 0 {
		req.Count = s.opts.Defaults.Count
	}
	if req.Count < 0 {
		return req, "", time.Time{}, harvest.Layout{}, s.validationError("count must be positive, got %d", req.Count)
	}
	if req.AssetMode == "" {
		req.AssetMode = s.opts.Defaults.AssetMode
	}
	if req.ReferenceDate == "" {
		req.ReferenceDate = s.opts.Defaults.ReferenceDate
	}
	mode, err := locators.ParseAssetMode(req.AssetMode)
	if err != nil {
		return req, "", time.Time{}, harvest.Layout{}, s.validationError("%v", err)
	}
	req.AssetMode = string(mode)
	ref, err := config.ParseReferenceDate(req.ReferenceDate, s.now())
	if err != nil {
		return req, "", time.Time{}, harvest.Layout{}, s.validationError("%v", err)
	}
	req.ReferenceDate = ref.Format("2006-01-02")
	layout, err := s.opts.LayoutFor(mode)
	if err != nil {
		return req, "", time.Time{}, harvest.Layout{}, s.validationError("layout: %v", err)
	}
	return req, mode, ref, layout, nil
}

// prepare validates req and claims the single run slot.
func (s *Service) prepare(parent context.Context, req RunRequest) (*activeRun, error) {
	req, mode, ref, layout, err := s.resolve(req)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != nil {
		return nil, harvest.ErrRunActive
	}
	ctx, cancel := context.WithCancel(parent)
	run := &activeRun{
		id:        uuid.NewString(),
		req:       req,
		mode:      mode,
		reference: ref,
		layout:    layout,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	hopts := s.opts.Harvest
	hopts.Sink = run
	run.ctrl = harvest.NewController(s.drv, layout, hopts)
	s.active = run
	return run, nil
}

// Start begins a run in the background and returns its id.
func (s *Service) Start(req RunRequest) (string, error) {
	run, err := s.prepare(s.baseCtx, req)
	if err != nil {
		return "", err
	}
	go s.execute(run)
	return run.id, nil
}

// RunSync performs a run on the calling goroutine.
func (s *Service) RunSync(ctx context.Context, req RunRequest) (Outcome, error) {
	run, err := s.prepare(ctx, req)
	if err != nil {
		return Outcome{}, err
	}
	return s.execute(run), nil
}

type fanout []harvest.RecordSink

func (f fanout) Append(ctx context.Context, runID string, index int, rec metrics.DerivedRecord) error {
	var errs []error
	for _, sink := range f {
		if err := sink.Append(ctx, runID, index, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Service) execute(run *activeRun) Outcome {
	defer run.cancel()
	out := Outcome{}

	watchlist := s.readWatchlist(run)
	out.Watchlist = watchlist

	persistCtx := context.WithoutCancel(run.ctx)
	if s.store != nil {
		err := s.store.StartRun(persistCtx, history.Run{
			RunID:         run.id,
			StartedAt:     s.now().UTC(),
			Requested:     run.req.Count,
			ReferenceDate: run.req.ReferenceDate,
			AssetMode:     run.req.AssetMode,
			Watchlist:     watchlist,
		})
		if err != nil {
			slog.Error("controller history start failed", "run_id", run.id, "error", err)
		} else {
			run.sinks = append(run.sinks, s.store)
		}
	}
	var journal *storage.Journal
	if s.opts.JournalDir != "" {
		journal = storage.NewJournal(s.opts.JournalDir, run.id, s.opts.JournalMaxMB)
		run.sinks = append(run.sinks, journal)
	}

	res, err := run.ctrl.Run(run.ctx, harvest.RunConfig{
		RunID:         run.id,
		TargetCount:   run.req.Count,
		ReferenceDate: run.reference,
	})
	if err != nil {
		now := s.now()
		res = harvest.Result{
			RunID: run.id, Requested: run.req.Count, Status: harvest.StatusFailed,
			StopReason: harvest.ReasonDriverError, Err: err, StartedAt: now, FinishedAt: now,
		}
	}
	out.Result = res

	if journal != nil {
		if err := journal.Close(); err != nil {
			slog.Warn("controller journal close failed", "run_id", run.id, "error", err)
		}
		out.Journal = journal.Path()
	}

	table := report.Build(res.Records)
	if s.opts.Summary != nil && len(table.Rows) > 0 {
		s.opts.Summary(table)
	}
	base := report.OutputBase(watchlist, run.reference)
	paths, exportErr := s.opts.Exporter.Export(base, table)
	if exportErr != nil {
		slog.Error("controller export failed", "run_id", run.id, "error", exportErr)
	}
	out.Outputs = paths

	if s.store != nil {
		sum := history.Summary{
			Status:     string(res.Status),
			StopReason: string(res.StopReason),
			Collected:  res.Collected,
			Skipped:    res.Skipped,
			FinishedAt: res.FinishedAt,
			Outputs:    paths,
		}
		if res.Err != nil {
			sum.Error = res.Err.Error()
		}
		if err := s.store.FinishRun(persistCtx, run.id, sum); err != nil {
			slog.Error("controller history finish failed", "run_id", run.id, "error", err)
		}
	}

	if err := s.opts.Notifier.RunFinished(persistCtx, res, watchlist, paths); err != nil {
		slog.Warn("controller notification failed", "run_id", run.id, "error", err)
	}

	s.mu.Lock()
	s.last = summarize(out)
	if s.active == run {
		s.active = nil
	}
	s.mu.Unlock()
	close(run.done)
	return out
}

func summarize(out Outcome) *RunSummary {
	sum := &RunSummary{
		RunID:      out.RunID,
		Status:     out.Status,
		StopReason: out.StopReason,
		Collected:  out.Collected,
		Skipped:    out.Skipped,
		Watchlist:  out.Watchlist,
		Outputs:    out.Outputs,
		FinishedAt: out.FinishedAt,
	}
	if out.Err != nil {
		sum.Error = out.Err.Error()
	}
	return sum
}

// readWatchlist returns the watchlist title, or "" when it cannot be read.
func (s *Service) readWatchlist(run *activeRun) string {
	loc := run.layout.WatchlistTitle
	if loc.Validate() != nil {
		return ""
	}
	timeout := s.opts.Harvest.ElementTimeout
	if timeout <= 0 {
		timeout = harvest.DefaultElementTimeout
	}
	title, err := harvest.ReadWhenVisible(run.ctx, s.drv, loc, timeout)
	if err != nil {
		slog.Warn("controller watchlist title unavailable, using default output name", "error", err)
		return ""
	}
	slog.Info("controller watchlist title read", "title", title)
	return title
}

func (s *Service) current() (*activeRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return nil, harvest.ErrNotRunning
	}
	return s.active, nil
}

// Pause pauses the active run.
func (s *Service) Pause() error {
	run, err := s.current()
	if err != nil {
		return err
	}
	return run.ctrl.Pause()
}

// Resume resumes a paused run.
func (s *Service) Resume() error {
	run, err := s.current()
	if err != nil {
		return err
	}
	return run.ctrl.Resume()
}

// Stop asks the active run to end after the current iteration. A run that
// has not reached its loop yet is canceled.
func (s *Service) Stop() error {
	run, err := s.current()
	if err != nil {
		return err
	}
	if err := run.ctrl.Stop(); errors.Is(err, harvest.ErrNotRunning) {
		run.cancel()
	} else if err != nil {
		return err
	}
	return nil
}

// Status reports the active run's progress and the last finished run.
func (s *Service) Status() Status {
	s.mu.Lock()
	run, last := s.active, s.last
	s.mu.Unlock()
	st := Status{Last: last, Progress: harvest.Progress{State: harvest.StateIdle}}
	if run != nil {
		st.Active = true
		st.Progress = run.ctrl.Progress()
		if st.Progress.RunID == "" {
			st.Progress.RunID = run.id
			st.Progress.Total = run.req.Count
		}
	}
	return st
}

// SessionAlive reports whether the browser session still answers.
func (s *Service) SessionAlive(ctx context.Context) bool {
	return s.drv.SessionAlive(ctx)
}

// Wait blocks until no run is active or ctx ends.
func (s *Service) Wait(ctx context.Context) error {
	s.mu.Lock()
	run := s.active
	s.mu.Unlock()
	if run == nil {
		return nil
	}
	select {
	case <-run.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListRuns returns stored runs, newest first.
func (s *Service) ListRuns(ctx context.Context, limit int) ([]history.Run, error) {
	if s.store == nil {
		return nil, ErrHistoryDisabled
	}
	return s.store.ListRuns(ctx, limit)
}

// RunRecords returns the stored records of runID.
func (s *Service) RunRecords(ctx context.Context, runID string) ([]metrics.DerivedRecord, error) {
	if s.store == nil {
		return nil, ErrHistoryDisabled
	}
	return s.store.RunRecords(ctx, runID)
}

// Export writes a stored run again with exporter and returns the paths.
func (s *Service) Export(ctx context.Context, runID string, exporter report.Exporter) ([]string, error) {
	if s.store == nil {
		return nil, ErrHistoryDisabled
	}
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	recs, err := s.store.RunRecords(ctx, runID)
	if err != nil {
		return nil, err
	}
	ref, err := config.ParseReferenceDate(run.ReferenceDate, run.StartedAt)
	if err != nil {
		ref = run.StartedAt
	}
	return exporter.Export(report.OutputBase(run.Watchlist, ref), report.Build(recs))
}

// Schedule registers a recurring run with the service defaults. spec is a
// cron expression with an optional leading seconds field.
func (s *Service) Schedule(spec string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron == nil {
		parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
		s.cron = cron.New(cron.WithParser(parser))
	}
	if _, err := s.cron.AddFunc(spec, s.scheduledRun); err != nil {
		return fmt.Errorf("%w: schedule %q: %v", harvest.ErrInvalidConfig, spec, err)
	}
	s.cron.Start()
	slog.Info("controller schedule registered", "spec", spec)
	return nil
}

func (s *Service) scheduledRun() {
	id, err := s.Start(RunRequest{})
	switch {
	case errors.Is(err, harvest.ErrRunActive):
		slog.Warn("controller scheduled run skipped, run already active")
	case err != nil:
		slog.Error("controller scheduled run failed to start", "error", err)
	default:
		slog.Info("controller scheduled run started", "run_id", id)
	}
}

// Close stops the scheduler, stops any active run and waits for it.
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	c := s.cron
	s.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
	if err := s.Stop(); err != nil && !errors.Is(err, harvest.ErrNotRunning) {
		slog.Warn("controller stop on close failed", "error", err)
	}
	err := s.Wait(ctx)
	s.baseCancel()
	return err
}
