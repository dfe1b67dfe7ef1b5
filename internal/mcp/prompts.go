package mcp

import (
	"context"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerPrompts() {
	// pool-review: walk through the pool's state after a cycle.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("pool-review",
			mcplib.WithPromptDescription("Review the agent pool: the latest cycle, capacity and unassigned work"),
		),
		s.handlePoolReviewPrompt,
	)

	// explain-agent: why an agent holds its current status.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("explain-agent",
			mcplib.WithPromptDescription("Explain an agent's current status from its score and transition history"),
			mcplib.WithArgument("agent_id",
				mcplib.ArgumentDescription("UUID of the agent to explain"),
				mcplib.RequiredArgument(),
			),
		),
		s.handleExplainAgentPrompt,
	)
}

func (s *Server) handlePoolReviewPrompt(_ context.Context, _ mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	p := s.policy
	return &mcplib.GetPromptResult{
		Description: "Darwin pool review",
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: fmt.Sprintf(`Review the state of the Darwin agent pool.

1. CALL darwin_latest_cycle and report promotions, eliminations,
   activations and capacity deferrals.

2. READ darwin://pool/summary. The pool holds at most %d agents in
   grace_period or active. If agents were deferred for capacity, say how
   many slots are in use.

3. CALL darwin_list_work_items with status="open" and report work that no
   agent could take.

Thresholds in force: grace agents need %.0f to become active after a
%s grace window; active agents are promoted at %.0f and eliminated
below %.0f.`, p.MaxActive, p.GraceMinimum, p.GracePeriod, p.PromotionThreshold, p.EliminationThreshold),
				},
			},
		},
	}, nil
}

func (s *Server) handleExplainAgentPrompt(_ context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	agentID := request.Params.Arguments["agent_id"]
	if agentID == "" {
		return nil, fmt.Errorf("agent_id argument is required")
	}

	return &mcplib.GetPromptResult{
		Description: fmt.Sprintf("Explain the status of agent %s", agentID),
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: fmt.Sprintf(`Explain why agent %s holds its current status.

CALL darwin_get_agent with agent_id="%s". Using the metrics snapshot, the
aggregate score and the history entries, describe each transition and the
score that caused it. A note of "capacity-deferred" means the agent earned
activation but the pool was full.

CALL darwin_audit with entity_id="%s" if you need to know which service
made each change.`, agentID, agentID, agentID),
				},
			},
		},
	}, nil
}
