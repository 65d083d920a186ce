// Package kafka provides a Kafka-based implementation of the durable task
// queue and status relay for the scan pipeline.
package kafka

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/copysentry/copysentry/internal/domain/events"
	"github.com/copysentry/copysentry/internal/domain/scanning"
	"github.com/copysentry/copysentry/internal/infra/eventbus/kafka/tracing"
	"github.com/copysentry/copysentry/internal/infra/eventbus/serialization"
	"github.com/copysentry/copysentry/pkg/common/logger"
)

// EventBusMetrics defines metrics operations needed to monitor Kafka message
// handling.
type EventBusMetrics interface {
	IncMessagePublished(ctx context.Context, topic string)
	IncMessageConsumed(ctx context.Context, topic string)
	IncPublishError(ctx context.Context, topic string)
	IncConsumeError(ctx context.Context, topic string)
	IncMessageDeadLettered(ctx context.Context, topic string)
}

// EventBusConfig contains settings for connecting to and interacting with
// Kafka brokers.
type EventBusConfig struct {
	// Brokers is a list of Kafka broker addresses to connect to.
	Brokers []string

	// TaskTopic carries scan task enqueue messages (API -> workers).
	TaskTopic string
	// StatusTopic carries task status transitions (workers -> status channel).
	StatusTopic string
	// DeadLetterTopic parks task messages that exhausted their delivery
	// attempts, for manual inspection instead of infinite retry.
	DeadLetterTopic string

	// GroupID identifies the consumer group for this bus instance. Workers
	// sharing a group are competing consumers: each message goes to exactly
	// one of them.
	GroupID string
	// ClientID uniquely identifies this client to the Kafka cluster.
	ClientID string

	// ServiceType identifies the type of service (e.g., "worker", "api").
	ServiceType string

	// MaxDeliveryAttempts bounds redelivery of a failing message before it is
	// routed to the dead-letter topic. Zero selects the default.
	MaxDeliveryAttempts int
}

const defaultMaxDeliveryAttempts = 5

var _ events.EventBus = (*EventBus)(nil)

// EventBus implements events.EventBus using Kafka as the underlying message
// broker. Producers publish persisted messages; consumer groups deliver each
// message to exactly one group member with manual offset commits, giving
// at-least-once semantics.
type EventBus struct {
	producer      sarama.SyncProducer
	consumerGroup sarama.ConsumerGroup

	topicMap            map[events.EventType]string
	deadLetterTopic     string
	maxDeliveryAttempts int

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics EventBusMetrics
}

// NewEventBus creates a Kafka-based event bus from an existing producer and
// consumer group.
func NewEventBus(
	producer sarama.SyncProducer,
	consumerGroup sarama.ConsumerGroup,
	cfg *EventBusConfig,
	log *logger.Logger,
	metrics EventBusMetrics,
	tracer trace.Tracer,
) (*EventBus, error) {
	if metrics == nil {
		return nil, fmt.Errorf("metrics are required for kafka event bus")
	}

	log = log.With(
		"component", "kafka_event_bus",
		"client_id", cfg.ClientID,
		"group_id", cfg.GroupID,
		"service_type", cfg.ServiceType,
	)

	maxAttempts := cfg.MaxDeliveryAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxDeliveryAttempts
	}

	topicMap := map[events.EventType]string{
		scanning.EventTypeTaskEnqueued:     cfg.TaskTopic,       // api -> worker
		scanning.EventTypeTaskStatus:       cfg.StatusTopic,     // worker -> status channel
		scanning.EventTypeTaskDeadLettered: cfg.DeadLetterTopic, // worker -> operators
	}

	return &EventBus{
		producer:            producer,
		consumerGroup:       consumerGroup,
		topicMap:            topicMap,
		deadLetterTopic:     cfg.DeadLetterTopic,
		maxDeliveryAttempts: maxAttempts,
		logger:              log,
		metrics:             metrics,
		tracer:              tracer,
	}, nil
}

// Publish sends a domain event to the Kafka topic mapped to its type.
func (b *EventBus) Publish(ctx context.Context, event events.EventEnvelope, opts ...events.PublishOption) error {
	topic, ok := b.topicMap[event.Type]
	if !ok {
		return fmt.Errorf("unknown event type '%s', no topic mapped", event.Type)
	}

	ctx, span := tracing.StartProducerSpan(ctx, topic, b.tracer)
	defer span.End()

	var pParams events.PublishParams
	for _, opt := range opts {
		opt(&pParams)
	}

	if pParams.Key != "" {
		event.Key = pParams.Key
		span.SetAttributes(attribute.String("event.key", event.Key))
	}

	msgBytes, err := serialization.SerializeEventEnvelope(event.Type, event.Payload)
	if err != nil {
		span.RecordError(err)
		b.metrics.IncPublishError(ctx, topic)
		return fmt.Errorf("failed to serialize payload for event %s: %w", event.Type, err)
	}

	return b.publishToTopic(ctx, topic, event.Key, msgBytes, pParams.Headers)
}

func (b *EventBus) publishToTopic(ctx context.Context, topic, key string, msgBytes []byte, headers map[string]string) error {
	kafkaMsg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(msgBytes),
	}
	for hk, hv := range headers {
		kafkaMsg.Headers = append(kafkaMsg.Headers, sarama.RecordHeader{
			Key:   []byte(hk),
			Value: []byte(hv),
		})
	}

	tracing.InjectTraceContext(ctx, kafkaMsg)

	partition, offset, err := b.producer.SendMessage(kafkaMsg)
	if err != nil {
		b.metrics.IncPublishError(ctx, topic)
		return fmt.Errorf("failed to send message to kafka topic %s: %w", topic, err)
	}

	b.metrics.IncMessagePublished(ctx, topic)

	b.logger.Debug(ctx, "Published message to Kafka",
		"topic", topic,
		"partition", partition,
		"offset", offset,
		"key", key,
	)

	return nil
}

// Subscribe registers a handler function to process domain events of the
// specified types. It manages consumer group membership and message
// processing in a separate goroutine.
func (b *EventBus) Subscribe(
	ctx context.Context,
	eventTypes []events.EventType,
	handler events.HandlerFunc,
) error {
	ctx, span := b.tracer.Start(ctx, "kafka_event_bus.subscribe",
		trace.WithAttributes(attribute.String("component", "kafka_event_bus")))
	defer span.End()

	topicSet := make(map[string]struct{})
	var topics []string
	for _, et := range eventTypes {
		topic, ok := b.topicMap[et]
		if !ok {
			err := fmt.Errorf("subscribe: unknown event type %s", et)
			span.RecordError(err)
			span.SetStatus(codes.Error, "unknown event type")
			return err
		}
		if _, dup := topicSet[topic]; !dup {
			topicSet[topic] = struct{}{}
			topics = append(topics, topic)
		}
	}

	go b.consumeLoop(ctx, topics, handler)
	b.logger.Info(ctx, "Subscribed to events", "event_types", eventTypes)

	return nil
}

func (b *EventBus) consumeLoop(ctx context.Context, topics []string, handler events.HandlerFunc) {
	cgHandler := &taskMessageHandler{
		eventBus:    b,
		userHandler: handler,
		attempts:    make(map[string]int),
		logger:      b.logger,
		tracer:      b.tracer,
		metrics:     b.metrics,
	}

	for {
		if err := b.consumerGroup.Consume(ctx, topics, cgHandler); err != nil {
			b.logger.Error(ctx, "Error from consumer group", "error", err)
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// taskMessageHandler implements sarama.ConsumerGroupHandler. It deserializes
// broker messages into domain events, tracks per-message delivery attempts,
// and routes messages that keep failing to the dead-letter topic.
type taskMessageHandler struct {
	eventBus    *EventBus
	userHandler events.HandlerFunc

	mu       sync.Mutex
	attempts map[string]int // topic/partition/offset -> observed deliveries

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics EventBusMetrics
}

func (h *taskMessageHandler) Setup(sess sarama.ConsumerGroupSession) error {
	h.logger.Info(context.Background(), "Consumer group session setup",
		"generation_id", sess.GenerationID(),
		"member_id", sess.MemberID(),
	)
	return nil
}

func (h *taskMessageHandler) Cleanup(sess sarama.ConsumerGroupSession) error {
	h.logger.Info(context.Background(), "Consumer group session cleanup",
		"generation_id", sess.GenerationID(),
		"member_id", sess.MemberID(),
	)
	return nil
}

func (h *taskMessageHandler) deliveryAttempt(msg *sarama.ConsumerMessage) int {
	key := msg.Topic + "/" + strconv.FormatInt(int64(msg.Partition), 10) + "/" + strconv.FormatInt(msg.Offset, 10)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.attempts[key]++
	return h.attempts[key]
}

func (h *taskMessageHandler) forgetAttempts(msg *sarama.ConsumerMessage) {
	key := msg.Topic + "/" + strconv.FormatInt(int64(msg.Partition), 10) + "/" + strconv.FormatInt(msg.Offset, 10)
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.attempts, key)
}

// ConsumeClaim processes messages from an assigned partition. A message is
// marked and committed only after its handler acknowledges success, so a crash
// before ack results in redelivery (at-least-once delivery).
//
// A nacked message that still has delivery attempts left aborts the claim:
// marking any later message would advance the committed offset past the failed
// one and silently drop it. Returning an error makes the group re-fetch from
// the last committed offset, which redelivers the failed message. The attempts
// map outlives the session, so the count keeps climbing across re-fetches
// until the dead-letter cap is reached.
func (h *taskMessageHandler) ConsumeClaim(
	sess sarama.ConsumerGroupSession,
	claim sarama.ConsumerGroupClaim,
) error {
	consumeLogger := h.logger.With("operation", "consume_claim", "partition", claim.Partition())

	lastCommit := time.Now()
	const commitInterval = time.Second

	var redeliverErr error
	for msg := range claim.Messages() {
		func() {
			msgCtx := tracing.ExtractTraceContext(sess.Context(), msg)
			msgCtx, span := tracing.StartConsumerSpan(msgCtx, msg, h.tracer)
			defer span.End()

			attempt := h.deliveryAttempt(msg)
			span.SetAttributes(attribute.Int("messaging.delivery_attempt", attempt))

			evtType, domainBytes, err := serialization.UnmarshalUniversalEnvelope(msg.Value)
			if err != nil {
				// Poison payloads can never succeed; park them immediately.
				h.deadLetter(msgCtx, msg, attempt, err)
				sess.MarkMessage(msg, "")
				span.RecordError(err)
				return
			}

			payloadObj, err := serialization.DeserializePayload(evtType, domainBytes)
			if err != nil {
				h.deadLetter(msgCtx, msg, attempt, err)
				sess.MarkMessage(msg, "")
				span.RecordError(err)
				return
			}

			dEvent := events.EventEnvelope{
				Type:      evtType,
				Key:       string(msg.Key),
				Timestamp: time.Now(),
				Payload:   payloadObj,
				Metadata: events.EventMetadata{
					Partition:       claim.Partition(),
					Offset:          msg.Offset,
					DeliveryAttempt: attempt,
				},
			}

			consumeLogger.Debug(msgCtx, "Received Kafka message",
				"topic", msg.Topic,
				"offset", msg.Offset,
				"event_type", evtType,
				"delivery_attempt", attempt,
			)

			ack := func(ackErr error) {
				ackCtx, ackSpan := h.tracer.Start(msgCtx, "kafka_consumer.acknowledge",
					trace.WithLinks(trace.LinkFromContext(msgCtx)),
				)
				defer ackSpan.End()

				if ackErr != nil {
					h.metrics.IncConsumeError(ackCtx, msg.Topic)
					ackSpan.RecordError(ackErr)

					if attempt >= h.eventBus.maxDeliveryAttempts {
						// Redelivery exhausted: park the message instead of
						// retrying forever.
						h.deadLetter(ackCtx, msg, attempt, ackErr)
						sess.MarkMessage(msg, "")
						ackSpan.SetStatus(codes.Error, "message dead-lettered")
						return
					}

					consumeLogger.Warn(ackCtx, "Message processing failed, re-fetching from last committed offset",
						"error", ackErr,
						"delivery_attempt", attempt,
					)
					ackSpan.SetStatus(codes.Error, "message nacked")
					redeliverErr = fmt.Errorf("message %s/%d/%d nacked on attempt %d: %w",
						msg.Topic, msg.Partition, msg.Offset, attempt, ackErr)
					return
				}

				h.metrics.IncMessageConsumed(ackCtx, msg.Topic)
				h.forgetAttempts(msg)
				sess.MarkMessage(msg, "")

				if time.Since(lastCommit) > commitInterval {
					sess.Commit()
					lastCommit = time.Now()
				}
			}

			if err := h.userHandler(msgCtx, dEvent, ack); err != nil {
				consumeLogger.Error(msgCtx, "Failed to handle message", "error", err)
				span.RecordError(err)
				return
			}
		}()

		if redeliverErr != nil {
			// Commit what was marked before the failure, then bail out so the
			// group resumes at the failed offset.
			sess.Commit()
			return redeliverErr
		}
	}

	sess.Commit()
	return nil
}

// deadLetter parks an exhausted message as a TaskDeadLetteredEvent on the
// dead-letter topic so an operator can inspect and replay it manually. The
// original bytes ride inside the event untouched; headers duplicate the
// routing facts for broker-level tooling.
func (h *taskMessageHandler) deadLetter(ctx context.Context, msg *sarama.ConsumerMessage, attempts int, cause error) {
	if h.eventBus.deadLetterTopic == "" {
		h.logger.Error(ctx, "No dead-letter topic configured, dropping poison message",
			"topic", msg.Topic, "offset", msg.Offset, "error", cause)
		return
	}

	evt := scanning.NewTaskDeadLetteredEvent(msg.Topic, string(msg.Key), msg.Value, attempts, cause.Error())
	envelope := events.EventEnvelope{
		Type:      scanning.EventTypeTaskDeadLettered,
		Key:       string(msg.Key),
		Timestamp: time.Now(),
		Payload:   evt,
	}

	err := h.eventBus.Publish(ctx, envelope,
		events.WithKey(string(msg.Key)),
		events.WithHeaders(map[string]string{
			"origin-topic":      msg.Topic,
			"delivery-attempts": strconv.Itoa(attempts),
			"failure-reason":    cause.Error(),
		}),
	)
	if err != nil {
		h.logger.Error(ctx, "Failed to publish to dead-letter topic", "error", err)
		return
	}

	h.metrics.IncMessageDeadLettered(ctx, msg.Topic)
	h.forgetAttempts(msg)
	h.logger.Warn(ctx, "Message routed to dead-letter topic",
		"origin_topic", msg.Topic,
		"offset", msg.Offset,
		"delivery_attempts", attempts,
		"reason", cause.Error(),
	)
}

// Close gracefully shuts down the event bus by closing both producer and
// consumer connections.
func (b *EventBus) Close() error {
	log := b.logger.With("operation", "close")
	ctx, span := b.tracer.Start(context.Background(), "kafka_event_bus.close")
	defer span.End()

	if err := b.producer.Close(); err != nil {
		span.RecordError(err)
		log.Error(ctx, "Failed to close producer", "error", err)
		return err
	}
	if err := b.consumerGroup.Close(); err != nil {
		span.RecordError(err)
		log.Error(ctx, "Failed to close consumer group", "error", err)
		return err
	}

	log.Info(ctx, "Closed event bus")
	return nil
}
