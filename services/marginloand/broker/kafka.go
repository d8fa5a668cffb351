package broker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"marginloan/core/events"
)

const (
	defaultBuffer       = 1024
	defaultWriteTimeout = 5 * time.Second
)

// Envelope is the JSON body published for every loan event.
type Envelope struct {
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	Time       time.Time         `json:"time"`
	Attributes map[string]string `json:"attributes"`
}

// MessageWriter is the subset of *kafka.Writer the publisher depends on.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewWriter builds a Kafka writer for topic that waits for every in-sync
// replica.
func NewWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
		RequiredAcks:           kafka.RequireAll,
		MaxAttempts:            5,
		WriteBackoffMin:        100 * time.Millisecond,
		WriteBackoffMax:        time.Second,
	}
}

// Publisher is an events.Emitter that forwards events to Kafka from a
// background goroutine. Emit never blocks; events are dropped and logged when
// the buffer is full.
type Publisher struct {
	writer  MessageWriter
	logger  *slog.Logger
	now     func() time.Time
	queue   chan kafka.Message
	done    chan struct{}
	once    sync.Once
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Uint64
}

// NewPublisher starts the delivery loop.
func NewPublisher(writer MessageWriter, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Publisher{
		writer: writer,
		logger: logger,
		now:    time.Now,
		queue:  make(chan kafka.Message, defaultBuffer),
		done:   make(chan struct{}),
	}
	go p.run()
	return p
}

// Emit implements events.Emitter.
func (p *Publisher) Emit(evt events.Event) {
	if p == nil || evt == nil {
		return
	}
	msg, err := p.encode(evt)
	if err != nil {
		p.logger.Error("encode event", "component", "kafka", "error", err)
		return
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}
	select {
	case p.queue <- msg:
	default:
		p.dropped.Add(1)
		p.logger.Warn("event dropped", "component", "kafka", "reason", "buffer_full")
	}
}

// Dropped reports how many events were discarded because the buffer was full.
func (p *Publisher) Dropped() uint64 { return p.dropped.Load() }

func (p *Publisher) encode(evt events.Event) (kafka.Message, error) {
	attrs := evt.Attributes()
	env := Envelope{
		ID:         uuid.NewString(),
		Type:       evt.EventType(),
		Time:       p.now().UTC(),
		Attributes: attrs,
	}
	body, err := json.Marshal(env)
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{
		Key:   []byte(attrs["loanId"]),
		Value: body,
		Time:  env.Time,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(env.Type)},
		},
	}, nil
}

func (p *Publisher) run() {
	defer close(p.done)
	for msg := range p.queue {
		ctx, cancel := context.WithTimeout(context.Background(), defaultWriteTimeout)
		err := p.writer.WriteMessages(ctx, msg)
		cancel()
		if err != nil {
			p.logger.Error("publish event", "component", "kafka", "error", err)
		}
	}
}

// Close drains queued events, waiting until ctx expires, and closes the writer.
func (p *Publisher) Close(ctx context.Context) error {
	p.once.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.queue)
		p.mu.Unlock()
	})
	select {
	case <-p.done:
	case <-ctx.Done():
		return errors.Join(ctx.Err(), p.writer.Close())
	}
	return p.writer.Close()
}
