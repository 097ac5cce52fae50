package history

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/dgnsrekt/tv_harvester/internal/metrics"
	"github.com/dgnsrekt/tv_harvester/internal/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "nested", "history.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func record(symbol, profit string) metrics.DerivedRecord {
	raw := types.NewRawRecord(symbol)
	raw.Fields[types.FieldProfitPct] = types.Text(profit)
	raw.Fields[types.FieldWinRatePct] = types.ScrapeFail()
	return metrics.Derive(raw, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
}

func TestRunLifecycle(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	started := time.Date(2024, 10, 1, 9, 0, 0, 0, time.UTC)

	if err := s.StartRun(ctx, Run{RunID: "r1", StartedAt: started, Requested: 3, ReferenceDate: "2024-10-01", AssetMode: "stocks"}); err != nil {
		t.Fatalf("StartRun() error = %v", err)
	}
	if err := s.SetWatchlist(ctx, "r1", "미국 대형주"); err != nil {
		t.Fatalf("SetWatchlist() error = %v", err)
	}
	if err := s.SaveRecord(ctx, "r1", 1, record("MSFT", "+2%")); err != nil {
		t.Fatal(err)
	}
	if err := s.Append(ctx, "r1", 0, record("AAPL", "+1%")); err != nil {
		t.Fatal(err)
	}

	run, err := s.GetRun(ctx, "r1")
	if err != nil {
		t.Fatalf("GetRun() error = %v", err)
	}
	if run.Status != StatusRunning || run.FinishedAt != nil || run.Watchlist != "미국 대형주" {
		t.Fatalf("running run = %+v", run)
	}

	finished := started.Add(5 * time.Minute)
	err = s.FinishRun(ctx, "r1", Summary{
		Status: "partial", StopReason: "stop_requested", Collected: 2, Skipped: 1,
		FinishedAt: finished, Outputs: []string{"out/a.xlsx"},
	})
	if err != nil {
		t.Fatalf("FinishRun() error = %v", err)
	}

	run, err = s.GetRun(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != "partial" || run.Collected != 2 || run.Skipped != 1 || run.FinishedAt == nil || !run.FinishedAt.Equal(finished) {
		t.Fatalf("finished run = %+v", run)
	}
	if len(run.Outputs) != 1 || run.Outputs[0] != "out/a.xlsx" {
		t.Fatalf("outputs = %v", run.Outputs)
	}

	recs, err := s.RunRecords(ctx, "r1")
	if err != nil {
		t.Fatalf("RunRecords() error = %v", err)
	}
	if len(recs) != 2 || recs[0].Raw.Symbol != "AAPL" || recs[1].Raw.Symbol != "MSFT" {
		t.Fatalf("records = %+v", recs)
	}
	if got := recs[0].Raw.Get(types.FieldWinRatePct); got.Kind != types.KindScrapeFail {
		t.Fatalf("win rate = %+v; want scrape fail", got)
	}
}

func TestSaveRecordReplacesSameIndex(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	if err := s.StartRun(ctx, Run{RunID: "r1", StartedAt: time.Now(), Requested: 1, ReferenceDate: "2024-10-01"}); err != nil {
		t.Fatal(err)
	}
	for _, p := range []string{"+1%", "+9%"} {
		if err := s.SaveRecord(ctx, "r1", 0, record("AAPL", p)); err != nil {
			t.Fatal(err)
		}
	}
	recs, err := s.RunRecords(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0].Raw.Get(types.FieldProfitPct).Text != "+9%" {
		t.Fatalf("records = %+v", recs)
	}
}

func TestListRunsNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	base := time.Date(2024, 10, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"old", "mid", "new"} {
		if err := s.StartRun(ctx, Run{RunID: id, StartedAt: base.Add(time.Duration(i) * time.Hour), Requested: 1, ReferenceDate: "2024-10-01"}); err != nil {
			t.Fatal(err)
		}
	}
	runs, err := s.ListRuns(ctx, 2)
	if err != nil {
		t.Fatalf("ListRuns() error = %v", err)
	}
	if len(runs) != 2 || runs[0].RunID != "new" || runs[1].RunID != "mid" {
		t.Fatalf("runs = %+v", runs)
	}
	all, err := s.ListRuns(ctx, 0)
	if err != nil || len(all) != 3 {
		t.Fatalf("ListRuns(0) = %d, %v", len(all), err)
	}
}

func TestUnknownRun(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	if _, err := s.GetRun(ctx, "missing"); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("GetRun() = %v; want ErrRunNotFound", err)
	}
	if _, err := s.RunRecords(ctx, "missing"); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("RunRecords() = %v; want ErrRunNotFound", err)
	}
	if err := s.FinishRun(ctx, "missing", Summary{FinishedAt: time.Now()}); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("FinishRun() = %v; want ErrRunNotFound", err)
	}
}

func TestReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "history.db")
	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.StartRun(ctx, Run{RunID: "r1", StartedAt: time.Now(), Requested: 1, ReferenceDate: "2024-10-01"}); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	s, err = Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	runs, err := s.ListRuns(ctx, 0)
	if err != nil || len(runs) != 1 {
		t.Fatalf("ListRuns() after reopen = %v, %v", runs, err)
	}
}
