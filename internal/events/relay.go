package events

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/agentq/agentq/internal/common/logger"
	"github.com/agentq/agentq/internal/events/bus"
	v1 "github.com/agentq/agentq/pkg/api/v1"
)

// Source is the store-side subscription surface the relay consumes.
type Source interface {
	SubscribeToQueue(ctx context.Context, queueID string, fn func(*v1.QueueEvent)) (func(), error)
}

// Relay mirrors per-queue lifecycle events from the queue store onto the
// external event bus, so consumers outside this process can follow execution
// without holding an SSE connection.
type Relay struct {
	source Source
	bus    bus.EventBus
	logger *logger.Logger

	mu     sync.Mutex
	detach map[string]func()
	closed bool
}

// NewRelay creates a relay publishing to the given bus.
func NewRelay(source Source, b bus.EventBus, log *logger.Logger) *Relay {
	return &Relay{
		source: source,
		bus:    b,
		logger: log,
		detach: make(map[string]func()),
	}
}

// Attach begins mirroring one queue's events onto queue.events.<queueID>.
// Attaching an already attached queue is a no-op.
func (r *Relay) Attach(ctx context.Context, queueID string) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return fmt.Errorf("relay is closed")
	}
	if _, ok := r.detach[queueID]; ok {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	subject := BuildQueueEventsSubject(queueID)
	unsub, err := r.source.SubscribeToQueue(ctx, queueID, func(ev *v1.QueueEvent) {
		err := r.bus.Publish(context.Background(), subject, bus.NewEvent(string(ev.Type), EventSource, ev))
		if err != nil {
			r.logger.Warn("failed to relay queue event",
				zap.String("queue_id", queueID),
				zap.String("event_type", string(ev.Type)),
				zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("failed to attach relay for queue %s: %w", queueID, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		unsub()
		return fmt.Errorf("relay is closed")
	}
	if _, ok := r.detach[queueID]; ok {
		// Lost a concurrent attach race; the first subscription stands.
		unsub()
		return nil
	}
	r.detach[queueID] = unsub
	r.logger.Debug("relay attached", zap.String("queue_id", queueID), zap.String("subject", subject))
	return nil
}

// Detach stops mirroring one queue's events.
func (r *Relay) Detach(queueID string) {
	r.mu.Lock()
	unsub := r.detach[queueID]
	delete(r.detach, queueID)
	r.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

// Close detaches every queue and rejects further attaches.
func (r *Relay) Close() {
	r.mu.Lock()
	detach := r.detach
	r.detach = make(map[string]func())
	r.closed = true
	r.mu.Unlock()
	for _, unsub := range detach {
		unsub()
	}
}
