package distributed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"rillcast/internal/core/domain"
	"rillcast/internal/core/ports"
	"rillcast/pkg/retry"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultChannel is the pub/sub channel shared by all instances.
const DefaultChannel = "rillcast:events"

// Handler receives every event published on the bus, local or remote.
// Handlers run on the publishing goroutine and must not block.
type Handler func(ctx context.Context, event *domain.StreamEvent)

// Bus fans stream events out to local subscribers and, when distributed, to
// the other instances.
type Bus interface {
	ports.EventPublisher
	Subscribe(handler Handler) (unsubscribe func())
	InstanceID() string
}

type dispatcher struct {
	mu       sync.RWMutex
	next     int
	handlers map[int]Handler
}

func (d *dispatcher) subscribe(handler Handler) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.handlers == nil {
		d.handlers = make(map[int]Handler)
	}
	id := d.next
	d.next++
	d.handlers[id] = handler

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			delete(d.handlers, id)
			d.mu.Unlock()
		})
	}
}

func (d *dispatcher) dispatch(ctx context.Context, event *domain.StreamEvent) {
	d.mu.RLock()
	handlers := make([]Handler, 0, len(d.handlers))
	for _, h := range d.handlers {
		handlers = append(handlers, h)
	}
	d.mu.RUnlock()

	for _, h := range handlers {
		h(ctx, event)
	}
}

func stamp(event *domain.StreamEvent, instanceID string) {
	event.InstanceID = instanceID
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
}

// MemoryEventBus delivers events inside the process only. It is used when
// Redis is disabled.
type MemoryEventBus struct {
	instanceID string
	dispatcher
}

func NewMemoryEventBus(instanceID string) *MemoryEventBus {
	return &MemoryEventBus{instanceID: instanceID}
}

func (b *MemoryEventBus) InstanceID() string { return b.instanceID }

func (b *MemoryEventBus) Subscribe(handler Handler) func() { return b.subscribe(handler) }

func (b *MemoryEventBus) Publish(ctx context.Context, event *domain.StreamEvent) error {
	stamp(event, b.instanceID)
	b.dispatch(ctx, event)
	return nil
}

// RedisEventBus provides event publishing and subscription across instances
type RedisEventBus struct {
	client     *redis.Client
	instanceID string
	channel    string
	retry      retry.Config
	logger     *zap.SugaredLogger
	dispatcher

	mu     sync.Mutex
	pubsub *redis.PubSub
}

// NewRedisEventBus creates a new event bus
func NewRedisEventBus(
	client *redis.Client,
	instanceID string,
	channel string,
	logger *zap.SugaredLogger,
) *RedisEventBus {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisEventBus{
		client:     client,
		instanceID: instanceID,
		channel:    channel,
		retry:      retry.DefaultConfig(),
		logger:     logger,
	}
}

func (eb *RedisEventBus) InstanceID() string { return eb.instanceID }

func (eb *RedisEventBus) Subscribe(handler Handler) func() { return eb.subscribe(handler) }

// Publish delivers the event to local subscribers first and then to the
// other instances, retrying transient Redis failures.
func (eb *RedisEventBus) Publish(ctx context.Context, event *domain.StreamEvent) error {
	stamp(event, eb.instanceID)
	eb.dispatch(ctx, event)

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	err = retry.Do(ctx, eb.retry, func(ctx context.Context) error {
		return eb.client.Publish(ctx, eb.channel, data).Err()
	})
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	eb.logger.Debugw("published event",
		"type", event.Type,
		"room_id", event.RoomID,
		"session_id", event.SessionID,
	)
	return nil
}

// Run receives events from other instances and dispatches them to local
// subscribers until ctx is done or Close is called.
func (eb *RedisEventBus) Run(ctx context.Context) error {
	eb.mu.Lock()
	if eb.pubsub != nil {
		eb.mu.Unlock()
		return fmt.Errorf("already subscribed")
	}
	pubsub := eb.client.Subscribe(ctx, eb.channel)
	eb.pubsub = pubsub
	eb.mu.Unlock()
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", eb.channel, err)
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var event domain.StreamEvent
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				eb.logger.Warnw("failed to unmarshal event",
					"error", err,
					"payload", msg.Payload,
				)
				continue
			}

			// Own events were dispatched locally on publish.
			if event.InstanceID == eb.instanceID {
				continue
			}
			eb.dispatch(ctx, &event)
		}
	}
}

// Close closes the event bus
func (eb *RedisEventBus) Close() error {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	if eb.pubsub != nil {
		return eb.pubsub.Close()
	}
	return nil
}
