package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// KafkaPublisher queues events on an inbox drained by one goroutine. Events
// with the same key land on the same partition.
type KafkaPublisher struct {
	w      *kafka.Writer
	inbox  chan kafka.Message
	done   chan struct{}
	logger *zap.Logger
	mu     sync.Mutex
	closed bool
}

func NewKafkaPublisher(brokers []string, topic string, buf int, logger *zap.Logger) *KafkaPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if buf < 1 {
		buf = 1
	}
	p := &KafkaPublisher{
		w: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			BatchTimeout: 50 * time.Millisecond,
		},
		inbox:  make(chan kafka.Message, buf),
		done:   make(chan struct{}),
		logger: logger,
	}
	go p.loop()
	return p
}

func (p *KafkaPublisher) loop() {
	defer close(p.done)
	for m := range p.inbox {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := p.w.WriteMessages(ctx, m); err != nil {
			p.logger.Warn("publish event failed",
				zap.String("key", string(m.Key)),
				zap.String("topic", p.w.Topic),
				zap.Error(err),
			)
		}
		cancel()
	}
}

func (p *KafkaPublisher) Publish(_ context.Context, event Event) {
	value, err := json.Marshal(event)
	if err != nil {
		p.logger.Warn("encode event failed", zap.String("type", event.Type), zap.Error(err))
		return
	}
	msg := kafka.Message{
		Key:   []byte(event.Key),
		Value: value,
		Time:  event.OccurredAt,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(event.Type)},
		},
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		p.logger.Warn("publisher closed, dropping event", zap.String("type", event.Type), zap.String("key", event.Key))
		return
	}
	select {
	case p.inbox <- msg:
	default:
		p.logger.Warn("event queue full, dropping event", zap.String("type", event.Type), zap.String("key", event.Key))
	}
}

// Close flushes queued events and closes the writer. Later events are
// dropped.
func (p *KafkaPublisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.done
		return nil
	}
	p.closed = true
	close(p.inbox)
	p.mu.Unlock()
	<-p.done
	return p.w.Close()
}
