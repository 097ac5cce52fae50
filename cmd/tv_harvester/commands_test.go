package main

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/dgnsrekt/tv_harvester/internal/controller"
	"github.com/dgnsrekt/tv_harvester/internal/history"
)

func scanner(s string) *bufio.Scanner {
	return bufio.NewScanner(strings.NewReader(s))
}

func TestPromptRequestKeepsDefaults(t *testing.T) {
	def := controller.RunRequest{Count: 10, ReferenceDate: "2020-01-01", AssetMode: "stocks"}
	var out bytes.Buffer
	before := time.Now().Format("2006-01-02")
	got, err := promptRequest(scanner("\n\n\n"), &out, def)
	if err != nil {
		t.Fatalf("promptRequest() error = %v", err)
	}
	after := time.Now().Format("2006-01-02")
	if got.Count != 10 || got.AssetMode != "stocks" {
		t.Fatalf("promptRequest() = %+v", got)
	}
	if got.ReferenceDate != before && got.ReferenceDate != after {
		t.Fatalf("reference date = %q; want today (%s)", got.ReferenceDate, after)
	}
}

func TestPromptRequestRetriesBadAnswers(t *testing.T) {
	var out bytes.Buffer
	input := "zero\n-1\n25\n2024/10/01\n2024-10-01\n9\n2\n"
	got, err := promptRequest(scanner(input), &out, controller.RunRequest{Count: 10})
	if err != nil {
		t.Fatalf("promptRequest() error = %v", err)
	}
	want := controller.RunRequest{Count: 25, ReferenceDate: "2024-10-01", AssetMode: "etp"}
	if got != want {
		t.Fatalf("promptRequest() = %+v, want %+v", got, want)
	}
	for _, msg := range []string{"Enter a positive number.", "Use the YYYY-MM-DD format.", "Enter 1 or 2."} {
		if !strings.Contains(out.String(), msg) {
			t.Fatalf("output missing %q:\n%s", msg, out.String())
		}
	}
}

func TestPromptRequestEOF(t *testing.T) {
	if _, err := promptRequest(scanner("5\n"), io.Discard, controller.RunRequest{}); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("promptRequest() error = %v, want ErrUnexpectedEOF", err)
	}
}

func TestWaitForNow(t *testing.T) {
	var out bytes.Buffer
	if err := waitForNow(context.Background(), scanner("go\nNOW\n"), &out); err != nil {
		t.Fatalf("waitForNow() error = %v", err)
	}
	if !strings.Contains(out.String(), "Type 'now' to start.") {
		t.Fatalf("missing retry hint:\n%s", out.String())
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := waitForNow(ctx, scanner("now\n"), io.Discard); !errors.Is(err, context.Canceled) {
		t.Fatalf("waitForNow() on canceled ctx = %v", err)
	}
}

func TestRenderRuns(t *testing.T) {
	var out bytes.Buffer
	renderRuns(&out, []history.Run{{
		RunID:     "run-1",
		StartedAt: time.Date(2024, 10, 1, 9, 0, 0, 0, time.UTC),
		Status:    "partial",
		Requested: 10,
		Collected: 7,
		Skipped:   1,
		AssetMode: "etp",
		Watchlist: "Leaders",
	}})
	s := out.String()
	for _, want := range []string{"RUN", "run-1", "partial", "7/10", "Leaders"} {
		if !strings.Contains(s, want) {
			t.Fatalf("table missing %q:\n%s", want, s)
		}
	}
}
