package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/darwin/internal/model"
	"github.com/ashita-ai/darwin/internal/queue"
	"github.com/ashita-ai/darwin/internal/service/assign"
	"github.com/ashita-ai/darwin/internal/service/evaluation"
	"github.com/ashita-ai/darwin/internal/service/lifecycle"
	"github.com/ashita-ai/darwin/internal/storage"
)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	reg                 storage.Registry
	engine              *lifecycle.Engine
	coordinator         *assign.Coordinator
	scheduler           *evaluation.Scheduler
	dispatcher          queue.Dispatcher
	broker              *Broker
	logger              *slog.Logger
	storageMode         string
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
	openapiSpec         []byte
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Broker and OpenAPISpec are optional.
type HandlersDeps struct {
	Registry            storage.Registry
	Engine              *lifecycle.Engine
	Coordinator         *assign.Coordinator
	Scheduler           *evaluation.Scheduler
	Dispatcher          queue.Dispatcher
	Broker              *Broker
	Logger              *slog.Logger
	StorageMode         string
	Version             string
	MaxRequestBodyBytes int64
	OpenAPISpec         []byte
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	maxBody := d.MaxRequestBodyBytes
	if maxBody <= 0 {
		maxBody = 1 << 20
	}
	return &Handlers{
		reg:                 d.Registry,
		engine:              d.Engine,
		coordinator:         d.Coordinator,
		scheduler:           d.Scheduler,
		dispatcher:          d.Dispatcher,
		broker:              d.Broker,
		logger:              d.Logger,
		storageMode:         d.StorageMode,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: maxBody,
		openapiSpec:         d.OpenAPISpec,
	}
}

// HandleSubscribe handles GET /v1/subscribe (SSE).
func (h *Handlers) HandleSubscribe(w http.ResponseWriter, r *http.Request) {
	if h.broker == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError, "event stream not available")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Idle streams would otherwise be cut at WriteTimeout.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	ch := h.broker.Subscribe()
	defer h.broker.Unsubscribe(ch)

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if _, err := w.Write([]byte(":keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case event, ok := <-ch:
			if !ok {
				return
			}
			if _, err := w.Write(event); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	resp := model.HealthResponse{
		Status:   "healthy",
		Version:  h.version,
		Storage:  h.storageMode,
		Database: "connected",
		Uptime:   int64(time.Since(h.startedAt).Seconds()),
	}
	status := http.StatusOK
	if err := h.reg.Ping(r.Context()); err != nil {
		resp.Status = "unhealthy"
		resp.Database = "disconnected"
		status = http.StatusServiceUnavailable
	}
	if h.broker != nil {
		resp.SSEBroker = "running"
	}
	writeJSON(w, r, status, resp)
}

// HandleOpenAPISpec serves the embedded OpenAPI specification.
func (h *Handlers) HandleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	if len(h.openapiSpec) == 0 {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.openapiSpec)
}

// writeStorageError maps domain and storage errors to responses. Anything
// unrecognized is a 500 and is logged.
func (h *Handlers) writeStorageError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, msg+": not found")
	case errors.Is(err, storage.ErrCapacityExceeded):
		writeError(w, r, http.StatusConflict, model.ErrCodeCapacityExceeded, msg+": agent pool is full")
	case errors.Is(err, storage.ErrVersionConflict), errors.Is(err, lifecycle.ErrRetriesExhausted):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, msg+": concurrent update, retry")
	case errors.Is(err, storage.ErrIllegalTransition), errors.Is(err, storage.ErrAgentUnavailable):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, msg+": "+err.Error())
	case errors.Is(err, model.ErrInvalidSnapshot), errors.Is(err, storage.ErrImmutableField):
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
	default:
		h.writeInternalError(w, r, msg, err)
	}
}

func (h *Handlers) writeInternalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.Error(msg, "error", err, "request_id", RequestIDFromContext(r))
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, msg)
}

// --- Shared helpers ---

func pathID(r *http.Request, name string) (uuid.UUID, error) {
	raw := r.PathValue(name)
	if raw == "" {
		return uuid.Nil, fmt.Errorf("%s is required", name)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid %s: %s", name, raw)
	}
	return id, nil
}

// maxQueryLimit is the maximum allowed value for limit query parameters.
const maxQueryLimit = 1000

// queryLimit returns a bounded limit value from query params.
// Values are clamped to [1, maxQueryLimit].
func queryLimit(r *http.Request, defaultVal int) int {
	limit := defaultVal
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	return max(1, min(limit, maxQueryLimit))
}

// queryList splits a repeated or comma-separated query parameter.
func queryList(r *http.Request, key string) []string {
	var out []string
	for _, v := range r.URL.Query()[key] {
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

func queryUUID(r *http.Request, key string) (*uuid.UUID, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return nil, nil
	}
	id, err := uuid.Parse(v)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %s", key, v)
	}
	return &id, nil
}
