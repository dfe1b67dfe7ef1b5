package server

import (
	"errors"
	"net/http"

	"github.com/ashita-ai/darwin/internal/model"
	"github.com/ashita-ai/darwin/internal/storage"
)

// HandleSpawn handles POST /v1/spawns. The new agent starts in Spawning and
// holds a pool slot; its first work item waits in PendingAssignment until
// the agent is activated.
func (h *Handlers) HandleSpawn(w http.ResponseWriter, r *http.Request) {
	var req model.SpawnRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	agent, item, err := h.engine.Spawn(r.Context(),
		model.Agent{Specialization: req.Specialization, ConcurrencyLimit: req.ConcurrencyLimit},
		model.WorkItem{Title: req.Title, ExternalRef: req.ExternalRef},
	)
	if err != nil {
		h.writeStorageError(w, r, "spawn failed", err)
		return
	}
	writeJSON(w, r, http.StatusCreated, model.SpawnResponse{Agent: agent, WorkItem: item})
}

// HandleActivate handles POST /v1/agents/{id}/activate, the spawn process's
// activation event. Activating an agent that already left Spawning is a
// no-op that returns the current record.
func (h *Handlers) HandleActivate(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	before, err := h.reg.GetAgent(r.Context(), id)
	if err != nil {
		h.writeStorageError(w, r, "activate failed", err)
		return
	}

	agent, err := h.engine.Activate(r.Context(), id)
	if err != nil {
		h.writeStorageError(w, r, "activate failed", err)
		return
	}

	if before.Status == model.StatusSpawning {
		if err := h.dispatcher.AgentActivated(r.Context(), id); err != nil {
			// The periodic sweep picks the item up later.
			h.logger.Warn("activation follow-up failed", "agent_id", id, "error", err)
		}
	}
	writeJSON(w, r, http.StatusOK, agent)
}

// HandleReportMetrics handles PUT /v1/agents/{id}/metrics. The snapshot
// replaces any earlier report and is read by the next evaluation cycle.
func (h *Handlers) HandleReportMetrics(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	var req model.ReportMetricsRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if err := h.reg.PutMetricReport(r.Context(), id, req.MetricsSnapshot); err != nil {
		h.writeStorageError(w, r, "metric report failed", err)
		return
	}
	writeJSON(w, r, http.StatusAccepted, map[string]string{"agent_id": id.String(), "status": "accepted"})
}

// HandleListAgents handles GET /v1/agents?status=grace_period,active.
func (h *Handlers) HandleListAgents(w http.ResponseWriter, r *http.Request) {
	var statuses []model.AgentStatus
	for _, s := range queryList(r, "status") {
		st, err := model.ParseAgentStatus(s)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
			return
		}
		statuses = append(statuses, st)
	}
	agents, err := h.reg.ListAgents(r.Context(), statuses...)
	if err != nil {
		h.writeInternalError(w, r, "failed to list agents", err)
		return
	}
	if agents == nil {
		agents = []model.Agent{}
	}
	writeList(w, r, agents, len(agents))
}

// HandleGetAgent handles GET /v1/agents/{id}.
func (h *Handlers) HandleGetAgent(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	agent, err := h.reg.GetAgent(r.Context(), id)
	if err != nil {
		h.writeStorageError(w, r, "get agent failed", err)
		return
	}
	writeJSON(w, r, http.StatusOK, agent)
}

// HandleAgentHistory handles GET /v1/agents/{id}/history.
func (h *Handlers) HandleAgentHistory(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	agent, err := h.reg.GetAgent(r.Context(), id)
	if err != nil {
		h.writeStorageError(w, r, "get agent history failed", err)
		return
	}
	history := agent.History
	if history == nil {
		history = []model.HistoryEntry{}
	}
	writeList(w, r, history, len(history))
}

// HandleAudit handles GET /v1/audit/{entity_id}.
func (h *Handlers) HandleAudit(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "entity_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	entries, err := h.reg.ListAudit(r.Context(), id)
	if err != nil {
		h.writeInternalError(w, r, "failed to list audit", err)
		return
	}
	if entries == nil {
		entries = []model.AuditEntry{}
	}
	writeList(w, r, entries, len(entries))
}

// HandleRunCycle handles POST /v1/cycles: run an evaluation cycle now.
func (h *Handlers) HandleRunCycle(w http.ResponseWriter, r *http.Request) {
	cycle, err := h.scheduler.RunCycle(r.Context())
	if err != nil {
		h.writeInternalError(w, r, "evaluation cycle failed", err)
		return
	}
	writeJSON(w, r, http.StatusOK, cycle)
}

// HandleLatestCycle handles GET /v1/cycles/latest.
func (h *Handlers) HandleLatestCycle(w http.ResponseWriter, r *http.Request) {
	cycle, err := h.reg.LatestCycle(r.Context())
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "no evaluation cycle has run yet")
		return
	}
	if err != nil {
		h.writeInternalError(w, r, "failed to load latest cycle", err)
		return
	}
	writeJSON(w, r, http.StatusOK, cycle)
}
