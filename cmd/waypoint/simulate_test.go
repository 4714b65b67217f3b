package main

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"pkt.systems/waypoint/internal/browser"
	"pkt.systems/waypoint/schema"
)

func TestRunSimulationConvergesOnGrowingPage(t *testing.T) {
	report, err := runSimulation(context.Background(), simOptions{
		URL:      "https://app.example/feed",
		Target:   6000,
		Viewport: 800,
		Profile:  browser.Profile{Initial: 1200, Final: 8000, Rate: 4},
	})
	if err != nil {
		t.Fatalf("simulate: %v", err)
	}
	r := report.Result
	if r.Outcome != schema.RestoreConverged {
		t.Fatalf("expected converged, got %+v", r)
	}
	if d := r.Final - 6000; d <= -10 || d >= 10 {
		t.Fatalf("expected final near 6000, got %d", r.Final)
	}
	if r.Attempts >= 50 {
		t.Fatalf("expected fewer than 50 attempts, got %d", r.Attempts)
	}
	if r.Key != "/feed?" {
		t.Fatalf("unexpected key %q", r.Key)
	}
	if len(report.Steps) == 0 || report.Elapsed <= 0 {
		t.Fatalf("expected a trace of scrolls, got %+v", report)
	}
}

func TestRunSimulationSettlesWhenPageStopsShort(t *testing.T) {
	report, err := runSimulation(context.Background(), simOptions{
		URL:      "https://app.example/feed",
		Target:   6000,
		Viewport: 800,
		Profile:  browser.Profile{Initial: 1200, Final: 3000, Rate: 4},
	})
	if err != nil {
		t.Fatalf("simulate: %v", err)
	}
	if report.Result.Outcome != schema.RestoreSettled || report.Result.Final != 2200 {
		t.Fatalf("expected settle at 2200, got %+v", report.Result)
	}
}

func TestRunSimulationRejectsBadInput(t *testing.T) {
	_, err := runSimulation(context.Background(), simOptions{URL: "https://app.example/", Target: -1})
	if !errors.Is(err, schema.ErrInvalidOffset) {
		t.Fatalf("expected invalid offset, got %v", err)
	}
	_, err = runSimulation(context.Background(), simOptions{URL: "://bad", Target: 10})
	if !errors.Is(err, schema.ErrInvalidRequest) {
		t.Fatalf("expected invalid request, got %v", err)
	}
}

func TestPrintSimReport(t *testing.T) {
	var buf bytes.Buffer
	report := simReport{
		Result:  schema.RestoreResult{Target: 500, Final: 500, Attempts: 2, Outcome: schema.RestoreConverged},
		Steps:   []scrollStep{{At: 16 * time.Millisecond, Y: 500, DocumentHeight: 2000}},
		Elapsed: 32 * time.Millisecond,
	}
	if err := printSimReport(&buf, report); err != nil {
		t.Fatalf("print: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "scroll    500") || !strings.Contains(out, "target 500 final 500 after 2 attempts in 32ms") {
		t.Fatalf("unexpected report:\n%s", out)
	}
}

func TestRedactDSN(t *testing.T) {
	cases := map[string]string{
		"memory://":                        "memory://",
		"postgres://app:secret@db:5432/wp": "postgres://app:xxxxx@db:5432/wp",
		"redis://localhost:6379/0":         "redis://localhost:6379/0",
	}
	for in, want := range cases {
		if got := redactDSN(in); got != want {
			t.Fatalf("redactDSN(%q) = %q, want %q", in, got, want)
		}
	}
}
