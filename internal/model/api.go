package model

import (
	"fmt"
	"strings"
	"time"
)

// Field length limits for caller-supplied work item text.
const (
	MaxTitleLen       = 512
	MaxExternalRefLen = 255
)

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// ListResponse is the standard envelope for list endpoints.
type ListResponse struct {
	Data  any          `json:"data"`
	Total int          `json:"total"`
	Meta  ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput     = "INVALID_INPUT"
	ErrCodeUnauthorized     = "UNAUTHORIZED"
	ErrCodeForbidden        = "FORBIDDEN"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeConflict         = "CONFLICT"
	ErrCodeCapacityExceeded = "CAPACITY_EXCEEDED"
	ErrCodeInternalError    = "INTERNAL_ERROR"
	ErrCodeRateLimited      = "RATE_LIMITED"
)

// SpawnRequest is the request body for POST /v1/spawns. The spawn process
// creates the agent and its first work item together.
type SpawnRequest struct {
	Specialization   string `json:"specialization"`
	ConcurrencyLimit int    `json:"concurrency_limit,omitempty"`
	Title            string `json:"title"`
	ExternalRef      string `json:"external_ref,omitempty"`
}

// Validate checks the request and fills defaults.
func (r *SpawnRequest) Validate() error {
	if err := ValidateTag(r.Specialization); err != nil {
		return fmt.Errorf("specialization: %w", err)
	}
	if r.ConcurrencyLimit < 0 {
		return fmt.Errorf("concurrency_limit must be positive")
	}
	if r.ConcurrencyLimit == 0 {
		r.ConcurrencyLimit = DefaultConcurrencyLimit
	}
	return validateItemText(r.Title, r.ExternalRef)
}

// SpawnResponse is returned by POST /v1/spawns.
type SpawnResponse struct {
	Agent    Agent    `json:"agent"`
	WorkItem WorkItem `json:"work_item"`
}

// CreateWorkItemRequest is the request body for POST /v1/work-items.
type CreateWorkItemRequest struct {
	Title                   string `json:"title"`
	ExternalRef             string `json:"external_ref,omitempty"`
	CandidateSpecialization string `json:"candidate_specialization,omitempty"`
}

// Validate checks the request.
func (r CreateWorkItemRequest) Validate() error {
	if r.CandidateSpecialization != "" {
		if err := ValidateTag(r.CandidateSpecialization); err != nil {
			return fmt.Errorf("candidate_specialization: %w", err)
		}
	}
	return validateItemText(r.Title, r.ExternalRef)
}

func validateItemText(title, externalRef string) error {
	if strings.TrimSpace(title) == "" {
		return fmt.Errorf("title is required")
	}
	if len(title) > MaxTitleLen {
		return fmt.Errorf("title exceeds maximum length of %d characters", MaxTitleLen)
	}
	if len(externalRef) > MaxExternalRefLen {
		return fmt.Errorf("external_ref exceeds maximum length of %d characters", MaxExternalRefLen)
	}
	return nil
}

// ReportMetricsRequest is the request body for PUT /v1/agents/{id}/metrics.
type ReportMetricsRequest struct {
	MetricsSnapshot
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	Storage   string `json:"storage"`
	Database  string `json:"database"`
	SSEBroker string `json:"sse_broker,omitempty"`
	Uptime    int64  `json:"uptime_seconds"`
}
