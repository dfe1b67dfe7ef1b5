package darwin

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

// Classifier suggests a specialization for an unassigned work item.
// When provided via WithClassifier, the coordinator prefers agents with the
// suggested tag once the confidence clears DARWIN_CLASSIFIER_MIN_CONFIDENCE.
// Errors are logged and the item is assigned without a hint.
type Classifier interface {
	SuggestSpecialization(ctx context.Context, item WorkItem) (tag string, confidence float64, err error)
}

// MetricsSource supplies the metrics snapshot an evaluation cycle scores.
// When provided via WithMetricsSource, replaces the snapshots reported through
// POST /v1/agents/{id}/metrics. ok=false means no data; the agent is skipped.
type MetricsSource interface {
	Snapshot(ctx context.Context, agentID uuid.UUID) (snap MetricsSnapshot, ok bool, err error)
}

// EventHook receives notifications after assignments commit and cycles finish.
// Multiple hooks may be registered via multiple WithEventHook calls.
// Hooks run on the goroutine that produced the event, so they must return
// promptly. Failures are logged and never roll anything back.
type EventHook interface {
	OnAssignment(ctx context.Context, a Assignment) error
	OnCycle(ctx context.Context, c CycleSummary) error
}

// Middleware wraps the root HTTP handler.
// Applied outermost (before routing), so it sees all requests including /health.
// Multiple middlewares are applied in registration order (first-registered = outermost).
type Middleware func(http.Handler) http.Handler
