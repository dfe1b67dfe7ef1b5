package mcp

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/darwin/internal/model"
	"github.com/ashita-ai/darwin/internal/storage"
)

func (s *Server) registerTools() {
	// darwin_list_agents: the pool, optionally filtered by status.
	s.mcpServer.AddTool(
		mcplib.NewTool("darwin_list_agents",
			mcplib.WithDescription(`List agents in the pool with their status and latest score.

WHEN TO USE: To see who is in the pool, who is still in grace, or who has
been promoted or eliminated. Use darwin_get_agent for one agent's full
record and transition history.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("status",
				mcplib.Description("Only agents in this status"),
				mcplib.Enum(
					string(model.StatusSpawning),
					string(model.StatusGracePeriod),
					string(model.StatusActive),
					string(model.StatusHallOfFame),
					string(model.StatusEliminated),
				),
			),
			mcplib.WithString("specialization",
				mcplib.Description("Only agents with this specialization tag"),
			),
		),
		s.handleListAgents,
	)

	// darwin_get_agent: one agent with metrics and history.
	s.mcpServer.AddTool(
		mcplib.NewTool("darwin_get_agent",
			mcplib.WithDescription("Get one agent's full record: metrics snapshot, aggregate score and status history."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("agent_id",
				mcplib.Description("Agent UUID"),
				mcplib.Required(),
			),
		),
		s.handleGetAgent,
	)

	// darwin_list_work_items: tracker items and their assignment state.
	s.mcpServer.AddTool(
		mcplib.NewTool("darwin_list_work_items",
			mcplib.WithDescription(`List work items and their assignment state.

FILTER EXAMPLES:
- Everything waiting for an agent: status="open"
- What an agent is holding: agent_id="<uuid>", status="assigned"`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("status",
				mcplib.Description("Only items in this status"),
				mcplib.Enum(
					string(model.WorkItemOpen),
					string(model.WorkItemPendingAssignment),
					string(model.WorkItemAssigned),
					string(model.WorkItemInProgress),
					string(model.WorkItemClosed),
				),
			),
			mcplib.WithString("agent_id",
				mcplib.Description("Only items assigned to this agent"),
			),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum results to return"),
				mcplib.Min(1),
				mcplib.Max(1000),
				mcplib.DefaultNumber(50),
			),
		),
		s.handleListWorkItems,
	)

	// darwin_latest_cycle: the most recent evaluation summary.
	s.mcpServer.AddTool(
		mcplib.NewTool("darwin_latest_cycle",
			mcplib.WithDescription("Summarize the most recent evaluation cycle: promotions, eliminations, activations and capacity deferrals."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
		),
		s.handleLatestCycle,
	)

	// darwin_audit: audit trail for an agent or work item.
	s.mcpServer.AddTool(
		mcplib.NewTool("darwin_audit",
			mcplib.WithDescription("List every recorded change to an agent or work item, oldest first, with the caller that made it."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("entity_id",
				mcplib.Description("Agent or work item UUID"),
				mcplib.Required(),
			),
		),
		s.handleAudit,
	)
}

func (s *Server) handleListAgents(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	var statuses []model.AgentStatus
	if raw := request.GetString("status", ""); raw != "" {
		st, err := model.ParseAgentStatus(raw)
		if err != nil {
			return errorResult(err.Error()), nil
		}
		statuses = append(statuses, st)
	}
	spec := request.GetString("specialization", "")

	agents, err := s.reg.ListAgents(ctx, statuses...)
	if err != nil {
		return errorResult(fmt.Sprintf("list agents failed: %v", err)), nil
	}
	out := make([]map[string]any, 0, len(agents))
	for _, a := range agents {
		if spec != "" && a.Specialization != spec {
			continue
		}
		out = append(out, compactAgent(a))
	}
	return jsonResult(map[string]any{"agents": out, "total": len(out)})
}

func (s *Server) handleGetAgent(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id, err := uuidArg(request, "agent_id")
	if err != nil {
		return errorResult(err.Error()), nil
	}
	agent, err := s.reg.GetAgent(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return errorResult(fmt.Sprintf("agent %s not found", id)), nil
	}
	if err != nil {
		return errorResult(fmt.Sprintf("get agent failed: %v", err)), nil
	}
	return jsonResult(agent)
}

func (s *Server) handleListWorkItems(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	filter := storage.WorkItemFilter{Limit: max(1, min(request.GetInt("limit", 50), 1000))}
	if raw := request.GetString("status", ""); raw != "" {
		st, err := model.ParseWorkItemStatus(raw)
		if err != nil {
			return errorResult(err.Error()), nil
		}
		filter.Statuses = []model.WorkItemStatus{st}
	}
	if request.GetString("agent_id", "") != "" {
		id, err := uuidArg(request, "agent_id")
		if err != nil {
			return errorResult(err.Error()), nil
		}
		filter.AssignedAgentID = &id
	}

	items, err := s.reg.ListWorkItems(ctx, filter)
	if err != nil {
		return errorResult(fmt.Sprintf("list work items failed: %v", err)), nil
	}
	out := make([]map[string]any, 0, len(items))
	for _, w := range items {
		out = append(out, compactWorkItem(w))
	}
	return jsonResult(map[string]any{"work_items": out, "total": len(out)})
}

func (s *Server) handleLatestCycle(ctx context.Context, _ mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	cycle, err := s.reg.LatestCycle(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		return errorResult("no evaluation cycle has run yet"), nil
	}
	if err != nil {
		return errorResult(fmt.Sprintf("load latest cycle failed: %v", err)), nil
	}
	return jsonResult(compactCycle(cycle))
}

func (s *Server) handleAudit(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id, err := uuidArg(request, "entity_id")
	if err != nil {
		return errorResult(err.Error()), nil
	}
	entries, err := s.reg.ListAudit(ctx, id)
	if err != nil {
		return errorResult(fmt.Sprintf("list audit failed: %v", err)), nil
	}
	if entries == nil {
		entries = []model.AuditEntry{}
	}
	return jsonResult(map[string]any{"entity_id": id, "entries": entries})
}

func uuidArg(request mcplib.CallToolRequest, name string) (uuid.UUID, error) {
	raw := request.GetString(name, "")
	if raw == "" {
		return uuid.Nil, fmt.Errorf("%s is required", name)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid %s: %s", name, raw)
	}
	return id, nil
}
