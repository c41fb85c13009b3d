package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"creditgen-go/internal/models"

	"github.com/google/uuid"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

// Publisher emits job lifecycle events. Publishing is best effort: failures
// are logged and never fail the caller.
type Publisher interface {
	Publish(ctx context.Context, event models.JobEvent)
	Close()
}

// NewPublisher returns a Kafka publisher, or a no-op publisher when no
// brokers are configured.
func NewPublisher(cfg models.EventsConfig) (Publisher, error) {
	if len(cfg.Brokers) == 0 {
		zap.L().Info("No Kafka brokers configured, lifecycle events disabled")
		return NopPublisher{}, nil
	}
	return NewKafkaPublisher(cfg)
}

// NewJobEvent builds an event describing job's current state.
func NewJobEvent(eventType string, job *models.JobRecord) models.JobEvent {
	return models.JobEvent{
		EventId:           uuid.New().String(),
		Type:              eventType,
		JobId:             job.Id,
		UserId:            job.OwnerUserId,
		Kind:              job.Kind,
		State:             job.State,
		ProviderJobId:     job.ProviderJobId,
		ArtifactReference: job.ArtifactReference,
		Message:           job.ErrorMessage,
		OccurredAt:        time.Now().UTC(),
	}
}

type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, models.JobEvent) {}

func (NopPublisher) Close() {}

// producer is the part of *kgo.Client the publisher uses.
type producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	Close()
}

type KafkaPublisher struct {
	client  producer
	topic   string
	timeout time.Duration
}

func NewKafkaPublisher(cfg models.EventsConfig) (*KafkaPublisher, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ClientID(cfg.ClientID),
		kgo.ProducerLinger(10*time.Millisecond),
		kgo.ProducerBatchMaxBytes(1000000),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	zap.L().Info("Kafka publisher initialized",
		zap.Strings("brokers", cfg.Brokers),
		zap.String("topic", cfg.Topic))

	return newKafkaPublisher(client, cfg.Topic, cfg.PublishTimeout), nil
}

func newKafkaPublisher(client producer, topic string, timeout time.Duration) *KafkaPublisher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &KafkaPublisher{client: client, topic: topic, timeout: timeout}
}

func (p *KafkaPublisher) Publish(ctx context.Context, event models.JobEvent) {
	value, err := json.Marshal(event)
	if err != nil {
		zap.L().Error("Failed to marshal job event", zap.String("job_id", event.JobId), zap.Error(err))
		return
	}

	record := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(event.JobId),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: "event_type", Value: []byte(event.Type)},
			{Key: "event_id", Value: []byte(event.EventId)},
		},
	}

	// Detached from the request so a finished handler does not cancel delivery.
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()

	if err := p.client.ProduceSync(pubCtx, record).FirstErr(); err != nil {
		zap.L().Warn("Failed to publish job event",
			zap.String("event_type", event.Type),
			zap.String("job_id", event.JobId),
			zap.Error(err))
		return
	}

	zap.L().Debug("Published job event",
		zap.String("event_type", event.Type),
		zap.String("job_id", event.JobId))
}

func (p *KafkaPublisher) Close() {
	p.client.Close()
}
