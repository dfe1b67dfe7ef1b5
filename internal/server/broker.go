package server

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashita-ai/darwin/internal/model"
	"github.com/ashita-ai/darwin/internal/storage"
)

// Notifier is the Postgres LISTEN/NOTIFY surface the broker relays through.
// *storage.DB implements it.
type Notifier interface {
	Listen(ctx context.Context, channels ...string) error
	WaitForNotification(ctx context.Context) (storage.Notice, error)
	NotifyCycle(ctx context.Context, c model.EvaluationCycle) error
	NotifyAssignment(ctx context.Context, a model.Assignment) error
}

// Broker fans cycle summaries and assignment commands out to SSE
// subscribers. It implements evaluation.CyclePublisher and
// assign.AssignmentPublisher.
//
// With a Notifier, published events go through pg_notify and every replica's
// Start loop relays them, so a subscriber sees events no matter which
// replica produced them. Without one, events are broadcast in-process.
type Broker struct {
	notifier Notifier
	logger   *slog.Logger

	mu          sync.RWMutex
	subscribers map[chan []byte]struct{}
}

// NewBroker creates a broker. notifier may be nil.
func NewBroker(notifier Notifier, logger *slog.Logger) *Broker {
	return &Broker{
		notifier:    notifier,
		logger:      logger,
		subscribers: make(map[chan []byte]struct{}),
	}
}

// PublishCycle announces a finished evaluation cycle.
func (b *Broker) PublishCycle(ctx context.Context, c model.EvaluationCycle) error {
	if b.notifier != nil {
		return b.notifier.NotifyCycle(ctx, c)
	}
	payload, err := storage.EncodeCycle(c)
	if err != nil {
		return fmt.Errorf("broker: %w", err)
	}
	b.broadcast(formatSSE(storage.ChannelCycles, payload))
	return nil
}

// PublishAssignment announces an assignment command.
func (b *Broker) PublishAssignment(ctx context.Context, a model.Assignment) error {
	if b.notifier != nil {
		return b.notifier.NotifyAssignment(ctx, a)
	}
	payload, err := storage.EncodeAssignment(a)
	if err != nil {
		return fmt.Errorf("broker: %w", err)
	}
	b.broadcast(formatSSE(storage.ChannelAssignments, payload))
	return nil
}

// Start relays notifications to subscribers until ctx is cancelled. It
// blocks, so call it in a goroutine. Without a Notifier it just waits.
func (b *Broker) Start(ctx context.Context) {
	if b.notifier == nil {
		<-ctx.Done()
		return
	}
	if err := b.notifier.Listen(ctx, storage.Channels...); err != nil {
		b.logger.Error("broker: listen", "channels", storage.Channels, "error", err)
		return
	}
	b.logger.Info("broker: listening for notifications", "channels", storage.Channels)

	for {
		n, err := b.notifier.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.Warn("broker: notification error, retrying", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		// Another writer on a shared database can NOTIFY on our channels.
		if _, err := storage.DecodeNotice(n); err != nil {
			b.logger.Warn("broker: dropping malformed notification", "channel", n.Channel, "error", err)
			continue
		}
		b.broadcast(formatSSE(n.Channel, n.Payload))
	}
}

// Subscribe returns a channel that receives SSE-formatted events.
// The caller must call Unsubscribe when done.
func (b *Broker) Subscribe() chan []byte {
	ch := make(chan []byte, 64)
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber channel and closes it.
func (b *Broker) Unsubscribe(ch chan []byte) {
	b.mu.Lock()
	delete(b.subscribers, ch)
	b.mu.Unlock()
	close(ch)
}

// broadcast sends an event to every subscriber. A subscriber whose buffer
// is full misses the event rather than stalling the others.
func (b *Broker) broadcast(event []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
}

// formatSSE formats a notification as a Server-Sent Events message.
func formatSSE(eventType, data string) []byte {
	return []byte("event: " + eventType + "\ndata: " + data + "\n\n")
}
