package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/darwin/internal/model"
)

// Postgres LISTEN/NOTIFY channel names.
const (
	ChannelCycles      = "darwin_cycles"
	ChannelAssignments = "darwin_assignments"
)

// Channels lists every channel registry events are published on.
var Channels = []string{ChannelCycles, ChannelAssignments}

// MaxNotifyPayload is the largest payload pg_notify accepts, in bytes.
const MaxNotifyPayload = 7999

var (
	// ErrPayloadTooLarge is returned for notices over MaxNotifyPayload.
	ErrPayloadTooLarge = errors.New("storage: notification payload too large")
	// ErrUnknownChannel is returned when decoding a notice from a channel
	// the registry does not publish on.
	ErrUnknownChannel = errors.New("storage: unknown notification channel")
)

// CycleNotice announces a finished evaluation cycle on ChannelCycles. It
// carries counts only; per-agent results would overflow the payload cap and
// are read from the latest stored cycle instead.
type CycleNotice struct {
	ID           uuid.UUID `json:"id"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
	Evaluated    int       `json:"evaluated"`
	Promotions   int       `json:"promotions"`
	Eliminations int       `json:"eliminations"`
	Activations  int       `json:"activations"`
	Deferred     int       `json:"deferred"`
	Skipped      int       `json:"skipped"`
	Errors       int       `json:"errors"`
}

// NewCycleNotice summarizes c.
func NewCycleNotice(c model.EvaluationCycle) CycleNotice {
	return CycleNotice{
		ID:           c.ID,
		StartedAt:    c.StartedAt,
		FinishedAt:   c.FinishedAt,
		Evaluated:    len(c.Results),
		Promotions:   len(c.Promotions),
		Eliminations: len(c.Eliminations),
		Activations:  len(c.Activations),
		Deferred:     len(c.Deferred),
		Skipped:      len(c.Skipped),
		Errors:       len(c.Errors),
	}
}

// AssignmentNotice announces a committed binding on ChannelAssignments.
type AssignmentNotice struct {
	WorkItemID uuid.UUID `json:"work_item_id"`
	AgentID    uuid.UUID `json:"agent_id"`
	AssignedAt time.Time `json:"assigned_at"`
}

// Notice is one raw event read off a channel.
type Notice struct {
	Channel string
	Payload string
}

// EncodeCycle renders the ChannelCycles payload for c.
func EncodeCycle(c model.EvaluationCycle) (string, error) {
	return encodeNotice(ChannelCycles, NewCycleNotice(c))
}

// EncodeAssignment renders the ChannelAssignments payload for a.
func EncodeAssignment(a model.Assignment) (string, error) {
	return encodeNotice(ChannelAssignments, AssignmentNotice(a))
}

func encodeNotice(channel string, v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("storage: encode %s notice: %w", channel, err)
	}
	if len(b) > MaxNotifyPayload {
		return "", fmt.Errorf("%w: %s notice is %d bytes", ErrPayloadTooLarge, channel, len(b))
	}
	return string(b), nil
}

// DecodeNotice parses n into a CycleNotice or an AssignmentNotice.
func DecodeNotice(n Notice) (any, error) {
	var (
		v   any
		err error
	)
	switch n.Channel {
	case ChannelCycles:
		var c CycleNotice
		err = json.Unmarshal([]byte(n.Payload), &c)
		v = c
	case ChannelAssignments:
		var a AssignmentNotice
		err = json.Unmarshal([]byte(n.Payload), &a)
		v = a
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownChannel, n.Channel)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: decode %s notice: %w", n.Channel, err)
	}
	return v, nil
}

// HasNotifyConn reports whether LISTEN is available.
func (db *DB) HasNotifyConn() bool {
	return db.notifyConn != nil
}

// Listen subscribes the dedicated notify connection to channels.
func (db *DB) Listen(ctx context.Context, channels ...string) error {
	if db.notifyConn == nil {
		return fmt.Errorf("storage: notify connection not configured")
	}
	for _, ch := range channels {
		if _, err := db.notifyConn.Exec(ctx, "LISTEN "+pgx.Identifier{ch}.Sanitize()); err != nil {
			return fmt.Errorf("storage: listen %s: %w", ch, err)
		}
	}
	return nil
}

// WaitForNotification blocks until a notice arrives on a listened channel.
func (db *DB) WaitForNotification(ctx context.Context) (Notice, error) {
	if db.notifyConn == nil {
		return Notice{}, fmt.Errorf("storage: notify connection not configured")
	}
	n, err := db.notifyConn.WaitForNotification(ctx)
	if err != nil {
		return Notice{}, fmt.Errorf("storage: wait for notification: %w", err)
	}
	return Notice{Channel: n.Channel, Payload: n.Payload}, nil
}

// NotifyCycle publishes a cycle summary to every listening replica.
func (db *DB) NotifyCycle(ctx context.Context, c model.EvaluationCycle) error {
	payload, err := EncodeCycle(c)
	if err != nil {
		return err
	}
	return db.notify(ctx, ChannelCycles, payload)
}

// NotifyAssignment publishes a committed binding to every listening replica.
func (db *DB) NotifyAssignment(ctx context.Context, a model.Assignment) error {
	payload, err := EncodeAssignment(a)
	if err != nil {
		return err
	}
	return db.notify(ctx, ChannelAssignments, payload)
}

func (db *DB) notify(ctx context.Context, channel, payload string) error {
	if _, err := db.pool.Exec(ctx, "SELECT pg_notify($1, $2)", channel, payload); err != nil {
		return fmt.Errorf("storage: notify %s: %w", channel, err)
	}
	return nil
}
