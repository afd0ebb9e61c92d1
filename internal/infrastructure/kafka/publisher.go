// Package kafka streams Grow Logic audit events (eligibility traces and
// irrigation request transitions) to Kafka.
//
// Publishing never blocks the caller: messages go through a bounded queue
// drained by Run. When the queue is full the message is dropped and counted,
// because the SQLite audit trail stays authoritative.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/nerrad567/grow-logic-core/internal/errkind"
	"github.com/nerrad567/grow-logic-core/internal/infrastructure/config"
)

const (
	queueSize           = 256
	defaultWriteTimeout = 5 * time.Second
)

var (
	// ErrDisabled is returned by New when kafka.enabled is false.
	ErrDisabled = errors.New("kafka: disabled in configuration")

	// ErrQueueFull is returned when a message is dropped for lack of space.
	ErrQueueFull = fmt.Errorf("%w: kafka: publish queue full", errkind.ErrTransport)
)

// MessageWriter is the subset of *kafkago.Writer the publisher uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Logger is the logging interface used by the publisher.
type Logger interface {
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Publisher queues JSON messages and writes them from Run.
type Publisher struct {
	writer       MessageWriter
	logger       Logger
	writeTimeout time.Duration
	queue        chan kafkago.Message

	sent    atomic.Int64
	dropped atomic.Int64
	failed  atomic.Int64
}

// New creates a publisher writing to cfg.Brokers. Each message carries its
// own topic, so one writer serves every stream.
func New(cfg config.KafkaConfig, logger Logger) (*Publisher, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka: at least one broker is required")
	}
	w := &kafkago.Writer{
		Addr:                   kafkago.TCP(cfg.Brokers...),
		Balancer:               &kafkago.Hash{},
		RequiredAcks:           kafkago.RequireOne,
		AllowAutoTopicCreation: false,
	}
	timeout := time.Duration(cfg.WriteTimeoutSecs) * time.Second
	return NewWithWriter(w, logger, timeout), nil
}

// NewWithWriter wires an existing writer. Tests pass a recorder.
func NewWithWriter(w MessageWriter, logger Logger, writeTimeout time.Duration) *Publisher {
	if logger == nil {
		logger = noopLogger{}
	}
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	return &Publisher{
		writer:       w,
		logger:       logger,
		writeTimeout: writeTimeout,
		queue:        make(chan kafkago.Message, queueSize),
	}
}

// Publish marshals v and queues it for topic with key as the partition key.
func (p *Publisher) Publish(topic, key string, v any) error {
	value, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("kafka: encoding %s message: %w", topic, err)
	}
	msg := kafkago.Message{Topic: topic, Key: []byte(key), Value: value}
	select {
	case p.queue <- msg:
		return nil
	default:
		p.dropped.Add(1)
		return ErrQueueFull
	}
}

// Run writes queued messages until ctx is cancelled, then drains what is
// left with a fresh deadline and closes the writer.
func (p *Publisher) Run(ctx context.Context) error {
	for {
		select {
		case msg := <-p.queue:
			p.deliver(ctx, msg)
		case <-ctx.Done():
			p.drain()
			if err := p.writer.Close(); err != nil {
				p.logger.Error("kafka writer close failed", "error", err)
			}
			return nil
		}
	}
}

func (p *Publisher) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), p.writeTimeout)
	defer cancel()
	for {
		select {
		case msg := <-p.queue:
			p.deliver(ctx, msg)
		default:
			return
		}
	}
}

func (p *Publisher) deliver(ctx context.Context, msg kafkago.Message) {
	writeCtx, cancel := context.WithTimeout(ctx, p.writeTimeout)
	defer cancel()
	if err := p.writer.WriteMessages(writeCtx, msg); err != nil {
		p.failed.Add(1)
		p.logger.Warn("kafka publish failed", "topic", msg.Topic, "key", string(msg.Key), "error", err)
		return
	}
	p.sent.Add(1)
}

// Stats reports delivery counters.
type Stats struct {
	Sent    int64 `json:"sent"`
	Dropped int64 `json:"dropped"`
	Failed  int64 `json:"failed"`
	Queued  int   `json:"queued"`
}

// Stats returns the current counters.
func (p *Publisher) Stats() Stats {
	return Stats{
		Sent:    p.sent.Load(),
		Dropped: p.dropped.Load(),
		Failed:  p.failed.Load(),
		Queued:  len(p.queue),
	}
}

// Stream binds a publisher to one topic.
type Stream struct {
	pub   *Publisher
	topic string
}

// Stream returns a handle that publishes to topic.
func (p *Publisher) Stream(topic string) *Stream {
	return &Stream{pub: p, topic: topic}
}

// Publish queues v under key.
func (s *Stream) Publish(key string, v any) error {
	return s.pub.Publish(s.topic, key, v)
}

// Topic returns the bound topic.
func (s *Stream) Topic() string {
	return s.topic
}
