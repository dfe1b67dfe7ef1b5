package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/darwin/internal/model"
)

const poolSummaryURI = "darwin://pool/summary"

func (s *Server) registerResources() {
	// darwin://pool/summary: agent counts per status and slot usage.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			poolSummaryURI,
			"Pool Summary",
			mcplib.WithResourceDescription("Agent counts per status and capacity usage"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handlePoolSummary,
	)

	// darwin://agent/{id}/history: one agent's transitions and score refreshes.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			"darwin://agent/{id}/history",
			"Agent History",
			mcplib.WithTemplateDescription("Status transition history for a specific agent"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleAgentHistory,
	)
}

func (s *Server) handlePoolSummary(ctx context.Context, _ mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	agents, err := s.reg.ListAgents(ctx)
	if err != nil {
		return nil, fmt.Errorf("mcp: pool summary: %w", err)
	}
	used, err := s.reg.CountCapacity(ctx)
	if err != nil {
		return nil, fmt.Errorf("mcp: pool capacity: %w", err)
	}

	counts := map[model.AgentStatus]int{}
	for _, a := range agents {
		counts[a.Status]++
	}
	data, err := json.MarshalIndent(map[string]any{
		"by_status":  counts,
		"total":      len(agents),
		"slots_used": used,
		"max_active": s.policy.MaxActive,
		"policy":     s.policy,
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal pool summary: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      poolSummaryURI,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleAgentHistory(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	agentID, err := parseAgentHistoryURI(uri)
	if err != nil {
		return nil, err
	}

	agent, err := s.reg.GetAgent(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("mcp: agent history: %w", err)
	}
	history := agent.History
	if history == nil {
		history = []model.HistoryEntry{}
	}

	data, err := json.MarshalIndent(map[string]any{
		"agent_id": agentID,
		"status":   agent.Status,
		"history":  history,
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal history: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

// parseAgentHistoryURI extracts the agent id from darwin://agent/{id}/history.
func parseAgentHistoryURI(uri string) (uuid.UUID, error) {
	rest, ok := strings.CutPrefix(uri, "darwin://agent/")
	if !ok {
		return uuid.Nil, fmt.Errorf("mcp: invalid agent history URI: %s", uri)
	}
	raw, ok := strings.CutSuffix(rest, "/history")
	if !ok {
		return uuid.Nil, fmt.Errorf("mcp: invalid agent history URI: %s", uri)
	}
	if raw == "" {
		return uuid.Nil, fmt.Errorf("mcp: empty agent_id in URI: %s", uri)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("mcp: invalid agent_id %q in URI", raw)
	}
	return id, nil
}
