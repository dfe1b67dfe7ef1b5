package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/darwin/internal/model"
	"github.com/ashita-ai/darwin/internal/storage"
)

// testLogger returns a logger for tests that discards output.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func receive(t *testing.T, ch chan []byte) string {
	t.Helper()
	select {
	case got := <-ch:
		return string(got)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return ""
	}
}

func TestBrokerFanOut(t *testing.T) {
	broker := NewBroker(nil, testLogger())
	ch1 := broker.Subscribe()
	ch2 := broker.Subscribe()

	event := formatSSE(storage.ChannelAssignments, `{"work_item_id":"abc"}`)
	broker.broadcast(event)
	assert.Equal(t, string(event), receive(t, ch1))
	assert.Equal(t, string(event), receive(t, ch2))

	broker.Unsubscribe(ch1)
	event2 := formatSSE(storage.ChannelAssignments, `{"work_item_id":"def"}`)
	broker.broadcast(event2)
	assert.Equal(t, string(event2), receive(t, ch2))

	broker.Unsubscribe(ch2)
}

func TestFormatSSE(t *testing.T) {
	got := string(formatSSE("darwin_cycles", `{"id":"123"}`))
	assert.Equal(t, "event: darwin_cycles\ndata: {\"id\":\"123\"}\n\n", got)
}

func TestBrokerSlowSubscriber(t *testing.T) {
	broker := NewBroker(nil, testLogger())
	slow := broker.Subscribe()
	fast := broker.Subscribe()

	for range 65 {
		broker.broadcast(formatSSE("test", "fill"))
	}
	// The fast subscriber's buffer is full too, but the broadcast returned.
	assert.NotEmpty(t, receive(t, fast))

	broker.Unsubscribe(slow)
	broker.Unsubscribe(fast)
}

func TestBroker_PublishInProcess(t *testing.T) {
	broker := NewBroker(nil, testLogger())
	ch := broker.Subscribe()
	defer broker.Unsubscribe(ch)

	a := model.Assignment{WorkItemID: uuid.New(), AgentID: uuid.New(), AssignedAt: time.Now().UTC()}
	require.NoError(t, broker.PublishAssignment(context.Background(), a))
	got := receive(t, ch)
	assert.True(t, strings.HasPrefix(got, "event: "+storage.ChannelAssignments+"\n"))
	assert.Contains(t, got, a.WorkItemID.String())

	cycle := model.EvaluationCycle{
		ID:         uuid.New(),
		Results:    map[uuid.UUID]model.AgentResult{uuid.New(): {}, uuid.New(): {}},
		Promotions: []uuid.UUID{uuid.New()},
		Deferred:   []uuid.UUID{uuid.New(), uuid.New()},
	}
	require.NoError(t, broker.PublishCycle(context.Background(), cycle))
	got = receive(t, ch)
	data := strings.TrimSuffix(strings.SplitN(got, "data: ", 2)[1], "\n\n")
	var ev storage.CycleNotice
	require.NoError(t, json.Unmarshal([]byte(data), &ev))
	assert.Equal(t, cycle.ID, ev.ID)
	assert.Equal(t, 2, ev.Evaluated)
	assert.Equal(t, 1, ev.Promotions)
	assert.Equal(t, 2, ev.Deferred)
}

// fakeNotifier loops NOTIFY back to WaitForNotification.
type fakeNotifier struct {
	mu        sync.Mutex
	listening []string
	notes     chan storage.Notice
	listenErr error
}

func newFakeNotifier() *fakeNotifier { return &fakeNotifier{notes: make(chan storage.Notice, 8)} }

func (f *fakeNotifier) Listen(_ context.Context, channels ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listening = append(f.listening, channels...)
	return f.listenErr
}

func (f *fakeNotifier) WaitForNotification(ctx context.Context) (storage.Notice, error) {
	select {
	case <-ctx.Done():
		return storage.Notice{}, ctx.Err()
	case n := <-f.notes:
		return n, nil
	}
}

func (f *fakeNotifier) NotifyCycle(_ context.Context, c model.EvaluationCycle) error {
	payload, err := storage.EncodeCycle(c)
	if err != nil {
		return err
	}
	f.notes <- storage.Notice{Channel: storage.ChannelCycles, Payload: payload}
	return nil
}

func (f *fakeNotifier) NotifyAssignment(_ context.Context, a model.Assignment) error {
	payload, err := storage.EncodeAssignment(a)
	if err != nil {
		return err
	}
	f.notes <- storage.Notice{Channel: storage.ChannelAssignments, Payload: payload}
	return nil
}

func TestBroker_PublishThroughNotifier(t *testing.T) {
	n := newFakeNotifier()
	broker := NewBroker(n, testLogger())
	ch := broker.Subscribe()
	defer broker.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { broker.Start(ctx); close(done) }()

	a := model.Assignment{WorkItemID: uuid.New(), AgentID: uuid.New()}
	require.NoError(t, broker.PublishAssignment(ctx, a))
	got := receive(t, ch)
	assert.Contains(t, got, "event: "+storage.ChannelAssignments)
	assert.Contains(t, got, a.AgentID.String())

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("broker did not stop")
	}
	n.mu.Lock()
	assert.ElementsMatch(t, []string{storage.ChannelCycles, storage.ChannelAssignments}, n.listening)
	n.mu.Unlock()
}

func TestBroker_DropsForeignNotifications(t *testing.T) {
	n := newFakeNotifier()
	broker := NewBroker(n, testLogger())
	ch := broker.Subscribe()
	defer broker.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go broker.Start(ctx)

	n.notes <- storage.Notice{Channel: storage.ChannelCycles, Payload: "not json"}
	n.notes <- storage.Notice{Channel: "other_app", Payload: "{}"}
	a := model.Assignment{WorkItemID: uuid.New(), AgentID: uuid.New()}
	require.NoError(t, broker.PublishAssignment(ctx, a))

	got := receive(t, ch)
	assert.Contains(t, got, a.WorkItemID.String(), "only the well-formed notice is relayed")
}

func TestBroker_StartListenFailure(t *testing.T) {
	n := newFakeNotifier()
	n.listenErr = errors.New("no notify connection")
	broker := NewBroker(n, testLogger())

	done := make(chan struct{})
	go func() { broker.Start(context.Background()); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start should return when LISTEN fails")
	}
}
