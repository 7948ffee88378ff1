// Package dispatch defines the message-passing boundary between the engine
// and execution backends. The engine hands a work item over and returns
// immediately; the outcome arrives later as an asynchronous report. Nothing
// in this package blocks on the work itself.
package dispatch

import (
	"context"

	"github.com/corynaegle-ai/swarm-engine/internal/types"
)

// WorkItem is what an execution backend receives for one attempt at a
// ticket. Feedback carries the full review history so the worker can address
// each rejection item individually; Attempt and MaxAttempts give it an
// explicit "attempt N of M" indicator.
type WorkItem struct {
	TicketID           string           `json:"ticket_id"`
	WorkerID           string           `json:"worker_id"`
	Title              string           `json:"title"`
	Description        string           `json:"description"`
	AcceptanceCriteria string           `json:"acceptance_criteria,omitempty"`
	Feedback           []types.Feedback `json:"feedback,omitempty"`
	Attempt            int              `json:"attempt"`
	MaxAttempts        int              `json:"max_attempts"`
}

// ReportStatus is the outcome of a work attempt.
type ReportStatus string

// Report statuses.
const (
	StatusSuccess ReportStatus = "success"
	StatusFailure ReportStatus = "failure"
)

// Report is the asynchronous outcome of a dispatched work item. On success
// ArtifactRef points at the reviewable artifact; on failure ErrorMessage
// feeds the retry policy engine's classifier.
type Report struct {
	TicketID     string       `json:"ticket_id"`
	WorkerID     string       `json:"worker_id"`
	Status       ReportStatus `json:"status"`
	ArtifactRef  string       `json:"artifact_ref,omitempty"`
	ErrorMessage string       `json:"error_message,omitempty"`
}

// Dispatcher hands work to an execution backend. Implementations must return
// from Dispatch as soon as the work is accepted; provisioning and execution
// happen elsewhere, and the outcome is delivered on Reports.
//
// A saturated backend must refuse rather than queue: a claimed ticket waiting
// in a backend queue has no worker heartbeating for it, so the reaper would
// reclaim it while the queued attempt eventually runs anyway. Capacity lets
// the coordinator size its claim batch to what the backend can start now.
type Dispatcher interface {
	Dispatch(ctx context.Context, item WorkItem) error
	Capacity() int
	Reports() <-chan Report
}
