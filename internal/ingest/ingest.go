// Package ingest loads ticket batches from YAML manifests. Ingestion is the
// single place the dependency graph is validated: unknown references,
// duplicates, and cycles are rejected before anything is written, so the
// resolver can treat the stored graph as a DAG without re-checking.
package ingest

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/corynaegle-ai/swarm-engine/internal/storage"
	"github.com/corynaegle-ai/swarm-engine/internal/types"
)

// Manifest is the YAML shape of a ticket batch.
type Manifest struct {
	Tickets []ManifestTicket `yaml:"tickets"`
}

// ManifestTicket is one ticket entry in a manifest.
type ManifestTicket struct {
	ID                 string   `yaml:"id"`
	Title              string   `yaml:"title"`
	Description        string   `yaml:"description"`
	AcceptanceCriteria string   `yaml:"acceptance_criteria"`
	Priority           int      `yaml:"priority"`
	SizeHint           string   `yaml:"size_hint"`
	DependsOn          []string `yaml:"depends_on"`
}

// Parse reads a manifest and returns validated tickets with their initial
// states assigned: blocked when dependencies exist, ready otherwise.
func Parse(r io.Reader) ([]*types.Ticket, error) {
	var m Manifest
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	if len(m.Tickets) == 0 {
		return nil, fmt.Errorf("manifest contains no tickets")
	}

	seen := make(map[string]bool, len(m.Tickets))
	tickets := make([]*types.Ticket, 0, len(m.Tickets))
	for i, mt := range m.Tickets {
		if seen[mt.ID] {
			return nil, fmt.Errorf("duplicate ticket id %q", mt.ID)
		}
		seen[mt.ID] = true

		tk := &types.Ticket{
			ID:                 mt.ID,
			Title:              mt.Title,
			Description:        mt.Description,
			AcceptanceCriteria: mt.AcceptanceCriteria,
			Priority:           mt.Priority,
			SizeHint:           mt.SizeHint,
			DependsOn:          mt.DependsOn,
			State:              types.StateReady,
		}
		if len(mt.DependsOn) > 0 {
			tk.State = types.StateBlocked
		}
		if err := tk.Validate(); err != nil {
			return nil, fmt.Errorf("ticket %d (%s): %w", i, mt.ID, err)
		}
		tickets = append(tickets, tk)
	}

	for _, tk := range tickets {
		for _, dep := range tk.DependsOn {
			if !seen[dep] {
				return nil, fmt.Errorf("ticket %s depends on unknown ticket %q", tk.ID, dep)
			}
		}
	}

	if cycle := findCycle(tickets); len(cycle) > 0 {
		return nil, fmt.Errorf("dependency cycle: %v", cycle)
	}
	return tickets, nil
}

// Ingest parses a manifest and persists the batch atomically.
func Ingest(ctx context.Context, store storage.Storage, r io.Reader) ([]*types.Ticket, error) {
	tickets, err := Parse(r)
	if err != nil {
		return nil, err
	}
	if err := store.CreateTickets(ctx, tickets); err != nil {
		return nil, fmt.Errorf("failed to persist batch: %w", err)
	}
	return tickets, nil
}

// IngestFile ingests a manifest from disk.
func IngestFile(ctx context.Context, store storage.Storage, path string) ([]*types.Ticket, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open manifest: %w", err)
	}
	defer f.Close()
	return Ingest(ctx, store, f)
}

// findCycle runs Kahn's algorithm over the batch and returns the ids stuck
// in a cycle (sorted for stable error messages), or nil for a valid DAG.
func findCycle(tickets []*types.Ticket) []string {
	indegree := make(map[string]int, len(tickets))
	dependents := make(map[string][]string, len(tickets))
	for _, tk := range tickets {
		indegree[tk.ID] += 0
		for _, dep := range tk.DependsOn {
			indegree[tk.ID]++
			dependents[dep] = append(dependents[dep], tk.ID)
		}
	}

	var queue []string
	for id, d := range indegree {
		if d == 0 {
			queue = append(queue, id)
		}
	}

	processed := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		processed++
		for _, next := range dependents[id] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if processed == len(tickets) {
		return nil
	}

	var cycle []string
	for id, d := range indegree {
		if d > 0 {
			cycle = append(cycle, id)
		}
	}
	sort.Strings(cycle)
	return cycle
}
