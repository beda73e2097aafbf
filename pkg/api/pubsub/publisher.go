package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aescanero/dago-master/pkg/domain"
	"github.com/aescanero/dago-master/pkg/ports"
)

// Publisher encodes protocol events onto the bus
type Publisher struct {
	bus    ports.EventBus
	topics Topics
}

// NewPublisher creates a new publisher
func NewPublisher(bus ports.EventBus, topics Topics) *Publisher {
	return &Publisher{bus: bus, topics: topics}
}

// PublishDispatch broadcasts a task assignment on the tasks topic
func (p *Publisher) PublishDispatch(ctx context.Context, task domain.TaskDispatch) error {
	return p.publish(ctx, p.topics.Tasks, task, false)
}

// PublishLog forwards a log entry on the logs topic
func (p *Publisher) PublishLog(ctx context.Context, entry domain.LogEntry) error {
	return p.publish(ctx, p.topics.Logs, domain.NewLogEvent(entry), false)
}

// PublishWorkerLog publishes a worker log event
func (p *Publisher) PublishWorkerLog(ctx context.Context, ev domain.LogEvent) error {
	return p.publish(ctx, p.topics.Logs, ev, false)
}

// PublishRegister announces a worker. The event is retained when the bus
// supports it so a coordinator that starts later still sees the worker.
func (p *Publisher) PublishRegister(ctx context.Context, ev domain.RegisterEvent) error {
	return p.publish(ctx, p.topics.Register, ev, true)
}

// PublishStatus publishes a worker heartbeat
func (p *Publisher) PublishStatus(ctx context.Context, ev domain.StatusEvent) error {
	return p.publish(ctx, p.topics.Status, ev, false)
}

func (p *Publisher) publish(ctx context.Context, topic string, v interface{}, retain bool) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal event for %s: %w", topic, err)
	}

	if retaining, ok := p.bus.(ports.RetainingBus); retain && ok {
		return retaining.PublishRetained(ctx, topic, payload)
	}
	return p.bus.Publish(ctx, topic, payload)
}
