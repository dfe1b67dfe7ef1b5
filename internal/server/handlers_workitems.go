package server

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/ashita-ai/darwin/internal/model"
	"github.com/ashita-ai/darwin/internal/service/assign"
	"github.com/ashita-ai/darwin/internal/storage"
)

// HandleCreateWorkItem handles POST /v1/work-items, the tracker's
// item-created event. The item is recorded Open and a ready event is raised.
func (h *Handlers) HandleCreateWorkItem(w http.ResponseWriter, r *http.Request) {
	var req model.CreateWorkItemRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	item, err := h.coordinator.Create(r.Context(), model.WorkItem{
		Title:                   req.Title,
		ExternalRef:             req.ExternalRef,
		CandidateSpecialization: req.CandidateSpecialization,
	})
	if err != nil {
		h.writeStorageError(w, r, "create work item failed", err)
		return
	}
	writeJSON(w, r, http.StatusCreated, h.raiseReady(r.Context(), item))
}

// HandleStartWorkItem handles POST /v1/work-items/{id}/start.
func (h *Handlers) HandleStartWorkItem(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "start", h.coordinator.Start, false)
}

// HandleCloseWorkItem handles POST /v1/work-items/{id}/close.
func (h *Handlers) HandleCloseWorkItem(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "close", h.coordinator.Close, false)
}

// HandleReleaseWorkItem handles POST /v1/work-items/{id}/release. The item
// goes back to Open and is offered for assignment again.
func (h *Handlers) HandleReleaseWorkItem(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "release", h.coordinator.Release, true)
}

func (h *Handlers) transition(w http.ResponseWriter, r *http.Request, op string,
	apply func(context.Context, uuid.UUID) (model.WorkItem, error), ready bool,
) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	item, err := apply(r.Context(), id)
	if err != nil {
		h.writeStorageError(w, r, op+" work item failed", err)
		return
	}
	if ready {
		item = h.raiseReady(r.Context(), item)
	}
	writeJSON(w, r, http.StatusOK, item)
}

// raiseReady dispatches a ready event for item and returns its latest
// state. Dispatch failures are logged; the periodic sweep retries.
func (h *Handlers) raiseReady(ctx context.Context, item model.WorkItem) model.WorkItem {
	if !item.Status.Unassigned() {
		return item
	}
	if err := h.dispatcher.ItemReady(ctx, item.ID); err != nil {
		h.logger.Warn("ready event failed", "work_item_id", item.ID, "error", err)
		return item
	}
	if latest, err := h.reg.GetWorkItem(ctx, item.ID); err == nil {
		return latest
	}
	return item
}

// HandleListWorkItems handles GET /v1/work-items?status=&agent_id=&spawn_ref=&limit=.
func (h *Handlers) HandleListWorkItems(w http.ResponseWriter, r *http.Request) {
	filter := storage.WorkItemFilter{Limit: queryLimit(r, 100)}
	for _, s := range queryList(r, "status") {
		st, err := model.ParseWorkItemStatus(s)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
			return
		}
		filter.Statuses = append(filter.Statuses, st)
	}
	var err error
	if filter.AssignedAgentID, err = queryUUID(r, "agent_id"); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if filter.SpawnRef, err = queryUUID(r, "spawn_ref"); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	items, err := h.reg.ListWorkItems(r.Context(), filter)
	if err != nil {
		h.writeInternalError(w, r, "failed to list work items", err)
		return
	}
	if items == nil {
		items = []model.WorkItem{}
	}
	writeList(w, r, items, len(items))
}

// HandleGetWorkItem handles GET /v1/work-items/{id}.
func (h *Handlers) HandleGetWorkItem(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	item, err := h.reg.GetWorkItem(r.Context(), id)
	if err != nil {
		h.writeStorageError(w, r, "get work item failed", err)
		return
	}
	writeJSON(w, r, http.StatusOK, item)
}

// HandleSweep handles POST /v1/sweeps: offer every unassigned item now.
func (h *Handlers) HandleSweep(w http.ResponseWriter, r *http.Request) {
	results, err := h.coordinator.Sweep(r.Context())
	if err != nil {
		h.writeInternalError(w, r, "sweep failed", err)
		return
	}
	if results == nil {
		results = []assign.Result{}
	}
	writeList(w, r, results, len(results))
}
