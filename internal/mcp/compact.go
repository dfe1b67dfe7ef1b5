package mcp

import (
	"fmt"
	"math"
	"strings"

	"github.com/ashita-ai/darwin/internal/model"
)

const maxCompactTitle = 120

// compactAgent returns a minimal representation of an agent for MCP
// responses. History and the raw snapshot are dropped; callers that need
// them use darwin_get_agent.
func compactAgent(a model.Agent) map[string]any {
	m := map[string]any{
		"id":                a.ID,
		"specialization":    a.Specialization,
		"status":            a.Status,
		"concurrency_limit": a.ConcurrencyLimit,
		"last_transition":   a.LastTransitionAt,
	}
	if a.AggregateScore != nil {
		m["score"] = round1(*a.AggregateScore)
	}
	if a.Note != "" {
		m["note"] = a.Note
	}
	return m
}

// compactWorkItem returns a minimal representation of a work item.
func compactWorkItem(w model.WorkItem) map[string]any {
	m := map[string]any{
		"id":     w.ID,
		"status": w.Status,
		"title":  truncate(w.Title, maxCompactTitle),
	}
	if w.AssignedAgentID != nil {
		m["assigned_agent_id"] = w.AssignedAgentID
	}
	if w.SpawnTransactionRef != nil {
		m["spawn_ref"] = w.SpawnTransactionRef
	}
	if w.CandidateSpecialization != "" {
		m["candidate_specialization"] = w.CandidateSpecialization
	}
	if w.ExternalRef != "" {
		m["external_ref"] = w.ExternalRef
	}
	return m
}

// compactCycle keeps the counts and the ids that changed status. Agents
// that held their status are summarized, not listed.
func compactCycle(c model.EvaluationCycle) map[string]any {
	return map[string]any{
		"id":           c.ID,
		"started_at":   c.StartedAt,
		"finished_at":  c.FinishedAt,
		"evaluated":    len(c.Results),
		"promotions":   c.Promotions,
		"eliminations": c.Eliminations,
		"activations":  c.Activations,
		"deferred":     c.Deferred,
		"skipped":      len(c.Skipped),
		"errors":       len(c.Errors),
		"summary":      cycleSummary(c),
	}
}

// cycleSummary is a one-line human-readable account of a cycle.
func cycleSummary(c model.EvaluationCycle) string {
	if len(c.Results) == 0 {
		return "No agents were evaluated."
	}
	parts := []string{fmt.Sprintf("%d agent(s) evaluated", len(c.Results))}
	for _, p := range []struct {
		n    int
		verb string
	}{
		{len(c.Promotions), "promoted"},
		{len(c.Eliminations), "eliminated"},
		{len(c.Activations), "activated"},
		{len(c.Deferred), "deferred for capacity"},
		{len(c.Skipped), "skipped without metrics"},
		{len(c.Errors), "failed"},
	} {
		if p.n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", p.n, p.verb))
		}
	}
	return strings.Join(parts, ", ") + "."
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}

// truncate shortens s to at most n runes, appending "..." when cut.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
