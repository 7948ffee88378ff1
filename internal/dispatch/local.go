package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/corynaegle-ai/swarm-engine/internal/heartbeat"
	"github.com/corynaegle-ai/swarm-engine/internal/storage"
)

// workerReport is what a local worker process writes to stdout on exit.
type workerReport struct {
	Status       ReportStatus `json:"status"`
	ArtifactRef  string       `json:"artifact_ref,omitempty"`
	ErrorMessage string       `json:"error_message,omitempty"`
}

// LocalRunner executes work items as subprocesses. Each item runs the
// configured command with the item serialized as JSON on stdin; the process
// reports its outcome as JSON on stdout. While a process runs, the runner
// heartbeats on its behalf, so a wedged subprocess is indistinguishable from
// a crashed remote worker and gets reaped the same way.
type LocalRunner struct {
	command     []string
	store       storage.Storage
	hbEvery     time.Duration
	concurrency int
	sem         *semaphore.Weighted
	active      atomic.Int64
	reports     chan Report
	runCtx      context.Context
	runCancel   context.CancelFunc
	wg          sync.WaitGroup
}

// NewLocalRunner creates a subprocess backend. concurrency bounds the number
// of simultaneously running workers.
func NewLocalRunner(store storage.Storage, command []string, concurrency int, heartbeatInterval time.Duration) (*LocalRunner, error) {
	if len(command) == 0 {
		return nil, fmt.Errorf("worker command is required")
	}
	if concurrency <= 0 {
		concurrency = 4
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &LocalRunner{
		command:     command,
		store:       store,
		hbEvery:     heartbeatInterval,
		concurrency: concurrency,
		sem:         semaphore.NewWeighted(int64(concurrency)),
		reports:     make(chan Report, concurrency*2),
		runCtx:      ctx,
		runCancel:   cancel,
	}, nil
}

// Dispatch implements Dispatcher. A full pool refuses the item instead of
// queueing it: a queued item's ticket is already claimed but nothing
// heartbeats for it, so it would be reaped while still waiting to start.
// Refused items go back through the retry engine and are re-claimed once a
// slot frees up.
func (r *LocalRunner) Dispatch(_ context.Context, item WorkItem) error {
	if !r.sem.TryAcquire(1) {
		return fmt.Errorf("worker pool saturated (%d running)", r.concurrency)
	}
	r.active.Add(1)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.active.Add(-1)
		defer r.sem.Release(1)
		report := r.run(item)
		select {
		case r.reports <- report:
		case <-r.runCtx.Done():
			// Shutting down with no consumer left; the claim is recovered
			// by the reaper.
			log.Printf("local: dropping report for %s on shutdown", report.TicketID)
		}
	}()
	return nil
}

// Capacity implements Dispatcher.
func (r *LocalRunner) Capacity() int {
	return r.concurrency - int(r.active.Load())
}

// Reports implements Dispatcher.
func (r *LocalRunner) Reports() <-chan Report { return r.reports }

// Close stops all running workers and waits for their final reports to be
// drained by the consumer before returning.
func (r *LocalRunner) Close() {
	r.runCancel()
	r.wg.Wait()
	close(r.reports)
}

func (r *LocalRunner) run(item WorkItem) Report {
	report := Report{TicketID: item.TicketID, WorkerID: item.WorkerID}

	// Worker lifetime is bounded by the runner, not by the Dispatch caller:
	// the coordinator's context ends with Poll, the work does not.
	ctx, cancel := context.WithCancel(r.runCtx)
	defer cancel()

	hbCtx, hbCancel := context.WithCancel(ctx)
	defer hbCancel()
	monitor := heartbeat.NewMonitor(r.store, item.WorkerID, r.hbEvery)
	go func() {
		if err := monitor.Run(hbCtx); err != nil && ctx.Err() == nil {
			log.Printf("local: heartbeat loop for %s ended: %v", item.WorkerID, err)
		}
	}()

	payload, err := json.Marshal(item)
	if err != nil {
		report.Status = StatusFailure
		report.ErrorMessage = fmt.Sprintf("failed to encode work item: %v", err)
		return report
	}

	cmd := exec.CommandContext(ctx, r.command[0], r.command[1:]...)
	cmd.Stdin = bytes.NewReader(payload)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		report.Status = StatusFailure
		report.ErrorMessage = fmt.Sprintf("worker exited: %v: %s", err, firstLine(stderr.String()))
		return report
	}

	var wr workerReport
	if err := json.Unmarshal(lastJSONLine(stdout.Bytes()), &wr); err != nil {
		report.Status = StatusFailure
		report.ErrorMessage = fmt.Sprintf("unparseable worker output: %v", err)
		return report
	}
	report.Status = wr.Status
	report.ArtifactRef = wr.ArtifactRef
	report.ErrorMessage = wr.ErrorMessage
	if report.Status != StatusSuccess && report.Status != StatusFailure {
		report.Status = StatusFailure
		report.ErrorMessage = fmt.Sprintf("worker reported unknown status %q", wr.Status)
	}
	return report
}

// lastJSONLine returns the final non-empty line of worker output, so workers
// may log freely to stdout before the report line.
func lastJSONLine(out []byte) []byte {
	lines := bytes.Split(bytes.TrimSpace(out), []byte("\n"))
	if len(lines) == 0 {
		return nil
	}
	return bytes.TrimSpace(lines[len(lines)-1])
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
