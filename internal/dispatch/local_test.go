package dispatch

import (
	"context"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/corynaegle-ai/swarm-engine/internal/storage/sqlite"
)

func newLocalRunner(t *testing.T, script string) *LocalRunner {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("subprocess tests use sh")
	}
	store, err := sqlite.New(context.Background(), t.TempDir()+"/test.db")
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	t.Cleanup(func() {
		if cerr := store.Close(); cerr != nil {
			t.Fatalf("Failed to close test database: %v", cerr)
		}
	})
	r, err := NewLocalRunner(store, []string{"sh", "-c", script}, 2, time.Minute)
	if err != nil {
		t.Fatalf("NewLocalRunner failed: %v", err)
	}
	t.Cleanup(func() {
		go func() {
			for range r.Reports() {
			}
		}()
		r.Close()
	})
	return r
}

func awaitReport(t *testing.T, r *LocalRunner) Report {
	t.Helper()
	select {
	case report := <-r.Reports():
		return report
	case <-time.After(10 * time.Second):
		t.Fatal("no report from worker")
		return Report{}
	}
}

func TestLocalRunnerSuccess(t *testing.T) {
	r := newLocalRunner(t, `cat >/dev/null; echo 'progress note'; echo '{"status":"success","artifact_ref":"out/result.tar"}'`)

	err := r.Dispatch(context.Background(), WorkItem{TicketID: "sw-1", WorkerID: "vm-sw-1-a1"})
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	report := awaitReport(t, r)
	if report.Status != StatusSuccess || report.ArtifactRef != "out/result.tar" {
		t.Errorf("report = %+v", report)
	}
	if report.TicketID != "sw-1" || report.WorkerID != "vm-sw-1-a1" {
		t.Errorf("report identity = %+v", report)
	}
}

func TestLocalRunnerWorkerFailure(t *testing.T) {
	r := newLocalRunner(t, `echo 'disk full' >&2; exit 3`)

	if err := r.Dispatch(context.Background(), WorkItem{TicketID: "sw-1", WorkerID: "vm-1"}); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	report := awaitReport(t, r)
	if report.Status != StatusFailure {
		t.Fatalf("status = %s, want failure", report.Status)
	}
	if !strings.Contains(report.ErrorMessage, "disk full") {
		t.Errorf("error message %q missing stderr detail", report.ErrorMessage)
	}
}

func TestLocalRunnerGarbageOutput(t *testing.T) {
	r := newLocalRunner(t, `echo 'not json at all'`)

	if err := r.Dispatch(context.Background(), WorkItem{TicketID: "sw-1", WorkerID: "vm-1"}); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	report := awaitReport(t, r)
	if report.Status != StatusFailure {
		t.Errorf("status = %s, want failure for unparseable output", report.Status)
	}
}

// TestLocalRunnerRefusesWhenSaturated verifies a full pool refuses new work
// outright. Queueing would be worse than refusing: the queued item's ticket
// is already claimed but has no worker heartbeating for it, so the reaper
// would hand it out again while the queued attempt eventually runs too.
func TestLocalRunnerRefusesWhenSaturated(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("subprocess tests use sh")
	}
	store, err := sqlite.New(context.Background(), t.TempDir()+"/test.db")
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	t.Cleanup(func() {
		if cerr := store.Close(); cerr != nil {
			t.Fatalf("Failed to close test database: %v", cerr)
		}
	})
	r, err := NewLocalRunner(store, []string{"sh", "-c", "sleep 30"}, 1, time.Minute)
	if err != nil {
		t.Fatalf("NewLocalRunner failed: %v", err)
	}
	t.Cleanup(func() {
		go func() {
			for range r.Reports() {
			}
		}()
		r.Close()
	})

	if err := r.Dispatch(context.Background(), WorkItem{TicketID: "sw-1", WorkerID: "vm-1"}); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if got := r.Capacity(); got != 0 {
		t.Errorf("Capacity = %d with a full pool, want 0", got)
	}
	if err := r.Dispatch(context.Background(), WorkItem{TicketID: "sw-2", WorkerID: "vm-2"}); err == nil {
		t.Fatal("saturated pool accepted a second item")
	}
}

func TestLocalRunnerRejectsEmptyCommand(t *testing.T) {
	if _, err := NewLocalRunner(nil, nil, 1, time.Minute); err == nil {
		t.Fatal("expected error for empty command")
	}
}
