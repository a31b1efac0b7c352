package distributed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"camrelay/internal/core/domain"
	"camrelay/internal/core/ports"
	"camrelay/pkg/batch"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// EventType represents the type of event
type EventType string

const (
	EventSessionState  EventType = "session.state"
	EventDeviceRemoved EventType = "device.removed"
)

const eventsChannel = "camrelay:events"

// Event represents a distributed event
type Event struct {
	Type       EventType           `json:"type"`
	InstanceID string              `json:"instance_id"`
	Timestamp  time.Time           `json:"timestamp"`
	CameraID   domain.CameraID     `json:"camera_id,omitempty"`
	Change     *domain.StateChange `json:"change,omitempty"`
}

// EventBus fans session and device events out to the other relay instances.
type EventBus struct {
	client     *redis.Client
	instanceID string
	logger     *zap.SugaredLogger

	mu     sync.Mutex
	pubsub *redis.PubSub

	batch   *batch.Batcher[*Event]
	publish func(ctx context.Context, events []*Event) error
}

const (
	eventBatchSize     = 32
	eventFlushInterval = 50 * time.Millisecond
)

// NewEventBus creates a new event bus. queueSize bounds the events waiting
// for Run to publish them; further events are dropped.
func NewEventBus(client *redis.Client, instanceID string, queueSize int, logger *zap.SugaredLogger) *EventBus {
	if queueSize <= 0 {
		queueSize = 256
	}
	eb := &EventBus{
		client:     client,
		instanceID: instanceID,
		logger:     logger,
	}
	eb.publish = eb.publishPipelined
	eb.batch = batch.NewBatcher(eventBatchSize, queueSize, eventFlushInterval,
		func(ctx context.Context, events []*Event) error {
			return eb.publish(ctx, events)
		})
	eb.batch.OnError(func(err error, lost int) {
		eb.logger.Warnw("failed to publish events", "count", lost, "error", err)
	})
	return eb
}

// Publish publishes an event to the event bus
func (eb *EventBus) Publish(ctx context.Context, event *Event) error {
	event.InstanceID = eb.instanceID
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := eb.client.Publish(ctx, eventsChannel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	eb.logger.Debugw("published event",
		"type", event.Type,
		"camera_id", event.CameraID,
	)
	return nil
}

// publishPipelined sends a batch of events in one round trip.
func (eb *EventBus) publishPipelined(ctx context.Context, events []*Event) error {
	pipe := eb.client.Pipeline()
	for _, event := range events {
		event.InstanceID = eb.instanceID
		if event.Timestamp.IsZero() {
			event.Timestamp = time.Now()
		}
		data, err := json.Marshal(event)
		if err != nil {
			eb.logger.Warnw("failed to marshal event", "type", event.Type, "error", err)
			continue
		}
		pipe.Publish(ctx, eventsChannel, data)
	}

	pubCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if _, err := pipe.Exec(pubCtx); err != nil {
		return fmt.Errorf("failed to publish events: %w", err)
	}
	eb.logger.Debugw("published events", "count", len(events))
	return nil
}

// Enqueue hands an event to Run without blocking the caller.
func (eb *EventBus) Enqueue(event *Event) bool {
	if err := eb.batch.Add(event); err != nil {
		eb.logger.Warnw("event queue full, dropping event", "type", event.Type, "camera_id", event.CameraID)
		return false
	}
	return true
}

// PublishStateChange queues a session transition. Session goroutines call it,
// so it never waits on redis.
func (eb *EventBus) PublishStateChange(change domain.StateChange) {
	c := change
	eb.Enqueue(&Event{
		Type:      EventSessionState,
		CameraID:  change.CameraID,
		Timestamp: change.At,
		Change:    &c,
	})
}

// PublishDeviceRemoved queues a device removal so peers drop cached lookups.
func (eb *EventBus) PublishDeviceRemoved(id domain.CameraID) {
	eb.Enqueue(&Event{Type: EventDeviceRemoved, CameraID: id})
}

// Run publishes queued events in batches until ctx is done, flushing what
// is left on the way out.
func (eb *EventBus) Run(ctx context.Context) error {
	return eb.batch.Run(ctx)
}

// Subscribe subscribes to events and calls handler for each event
func (eb *EventBus) Subscribe(ctx context.Context, handler func(*Event) error) error {
	eb.mu.Lock()
	if eb.pubsub != nil {
		eb.mu.Unlock()
		return fmt.Errorf("already subscribed")
	}
	eb.pubsub = eb.client.Subscribe(ctx, eventsChannel)
	pubsub := eb.pubsub
	eb.mu.Unlock()

	defer func() {
		eb.mu.Lock()
		pubsub.Close()
		eb.pubsub = nil
		eb.mu.Unlock()
	}()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			event, err := eb.decode(msg.Payload)
			if err != nil {
				eb.logger.Warnw("failed to unmarshal event",
					"error", err,
					"payload", msg.Payload,
				)
				continue
			}
			if event == nil {
				continue
			}

			if err := handler(event); err != nil {
				eb.logger.Warnw("error handling event",
					"type", event.Type,
					"error", err,
				)
			}
		}
	}
}

// decode returns nil for events this instance published itself.
func (eb *EventBus) decode(payload string) (*Event, error) {
	var event Event
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		return nil, err
	}
	if event.InstanceID == eb.instanceID {
		return nil, nil
	}
	return &event, nil
}

// Close closes the event bus
func (eb *EventBus) Close() error {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	if eb.pubsub != nil {
		return eb.pubsub.Close()
	}
	return nil
}

var _ ports.SessionObserver = (*EventBus)(nil)

// StateChanged lets the bus sit among the session observers.
func (eb *EventBus) StateChanged(change domain.StateChange) { eb.PublishStateChange(change) }

func (eb *EventBus) FrameDelivered(domain.CameraID)                   {}
func (eb *EventBus) FrameDropped(domain.CameraID, string)             {}
func (eb *EventBus) FrameProcessed(domain.CameraID, time.Duration)    {}
func (eb *EventBus) ConnectAttempt(domain.CameraID, domain.ErrorKind) {}
func (eb *EventBus) ReleaseTimedOut(domain.CameraID)                  {}
