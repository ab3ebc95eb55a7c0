package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/redis/go-redis/v9"

	"agentdash/internal/logging"
	"agentdash/internal/model"
)

const (
	BackendMemory = "memory"
	BackendRedis  = "redis"

	DefaultTopic         = "agent-events"
	DefaultConsumerGroup = "agentdash"
)

type Config struct {
	// RedisURL selects redis streams; empty keeps the bus in process.
	RedisURL      string
	Topic         string
	ConsumerGroup string
	Consumer      string
	Buffer        int
	Logger        *slog.Logger
}

// Bus carries live update events between the simulated backend and the
// websocket fan-out.
type Bus struct {
	topic      string
	backend    string
	publisher  message.Publisher
	subscriber message.Subscriber
	redis      *redis.Client
	logger     *slog.Logger

	mu     sync.Mutex
	closed bool
}

func New(cfg Config) (*Bus, error) {
	topic := strings.TrimSpace(cfg.Topic)
	if topic == "" {
		topic = DefaultTopic
	}
	buffer := cfg.Buffer
	if buffer <= 0 {
		buffer = 64
	}
	bus := &Bus{
		topic:  topic,
		logger: logging.OrDiscard(cfg.Logger).With("component", "eventbus"),
	}
	wmLogger := watermill.NewSlogLogger(bus.logger)

	redisURL := strings.TrimSpace(cfg.RedisURL)
	if redisURL == "" {
		pubSub := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: int64(buffer)}, wmLogger)
		bus.backend = BackendMemory
		bus.publisher = pubSub
		bus.subscriber = pubSub
		return bus, nil
	}

	options, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse bus redis url: %w", err)
	}
	client := redis.NewClient(options)
	publisher, err := redisstream.NewPublisher(redisstream.PublisherConfig{
		Client:     client,
		Marshaller: redisstream.DefaultMarshallerUnmarshaller{},
	}, wmLogger)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("create redis stream publisher: %w", err)
	}
	group := strings.TrimSpace(cfg.ConsumerGroup)
	if group == "" {
		group = DefaultConsumerGroup
	}
	consumer := strings.TrimSpace(cfg.Consumer)
	if consumer == "" {
		consumer = watermill.NewShortUUID()
	}
	subscriber, err := redisstream.NewSubscriber(redisstream.SubscriberConfig{
		Client:        client,
		Unmarshaller:  redisstream.DefaultMarshallerUnmarshaller{},
		ConsumerGroup: group,
		Consumer:      consumer,
	}, wmLogger)
	if err != nil {
		_ = publisher.Close()
		_ = client.Close()
		return nil, fmt.Errorf("create redis stream subscriber: %w", err)
	}
	bus.backend = BackendRedis
	bus.publisher = publisher
	bus.subscriber = subscriber
	bus.redis = client
	return bus, nil
}

func (b *Bus) Backend() string {
	return b.backend
}

func (b *Bus) Topic() string {
	return b.topic
}

// Publish sends event to every subscriber of the bus topic.
func (b *Bus) Publish(event model.LiveUpdateEvent) error {
	if err := event.Validate(); err != nil {
		return fmt.Errorf("publish live update: %w", err)
	}
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return fmt.Errorf("event bus is closed")
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode live update: %w", err)
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set("agent_id", event.AgentID)
	msg.Metadata.Set("event_type", string(event.Type))
	if err := b.publisher.Publish(b.topic, msg); err != nil {
		return fmt.Errorf("publish live update: %w", err)
	}
	return nil
}

// Subscribe streams decoded events until ctx is done or the bus closes.
// Messages that do not decode into a valid event are acknowledged and
// dropped.
func (b *Bus) Subscribe(ctx context.Context) (<-chan model.LiveUpdateEvent, error) {
	messages, err := b.subscriber.Subscribe(ctx, b.topic)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", b.topic, err)
	}
	out := make(chan model.LiveUpdateEvent)
	go func() {
		defer close(out)
		for msg := range messages {
			event, err := Decode(msg.Payload)
			msg.Ack()
			if err != nil {
				b.logger.Warn("dropping bus message", "message_uuid", msg.UUID, "error", err)
				continue
			}
			select {
			case out <- event:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Healthy pings redis when the bus is redis backed.
func (b *Bus) Healthy(ctx context.Context) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return fmt.Errorf("event bus is closed")
	}
	if b.redis == nil {
		return nil
	}
	return b.redis.Ping(ctx).Err()
}

func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	keep(b.publisher.Close())
	if b.backend == BackendRedis {
		keep(b.subscriber.Close())
		keep(b.redis.Close())
	}
	return firstErr
}

func Decode(payload []byte) (model.LiveUpdateEvent, error) {
	var event model.LiveUpdateEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return model.LiveUpdateEvent{}, fmt.Errorf("decode live update: %w", err)
	}
	if err := event.Validate(); err != nil {
		return model.LiveUpdateEvent{}, err
	}
	return event, nil
}
