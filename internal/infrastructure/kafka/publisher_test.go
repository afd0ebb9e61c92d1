package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/nerrad567/grow-logic-core/internal/errkind"
	"github.com/nerrad567/grow-logic-core/internal/infrastructure/config"
)

type recordingWriter struct {
	mu     sync.Mutex
	msgs   []kafkago.Message
	fail   error
	closed bool
	got    chan struct{}
}

func newRecordingWriter() *recordingWriter {
	return &recordingWriter{got: make(chan struct{}, 64)}
}

func (w *recordingWriter) WriteMessages(_ context.Context, msgs ...kafkago.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fail != nil {
		w.got <- struct{}{}
		return w.fail
	}
	w.msgs = append(w.msgs, msgs...)
	w.got <- struct{}{}
	return nil
}

func (w *recordingWriter) Close() error {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	return nil
}

func (w *recordingWriter) await(t *testing.T) {
	t.Helper()
	select {
	case <-w.got:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for write")
	}
}

func TestNew_Disabled(t *testing.T) {
	_, err := New(config.KafkaConfig{}, nil)
	if !errors.Is(err, ErrDisabled) {
		t.Errorf("New() error = %v, want ErrDisabled", err)
	}

	_, err = New(config.KafkaConfig{Enabled: true}, nil)
	if err == nil {
		t.Error("New() without brokers should fail")
	}
}

func TestPublisher_DeliversJSON(t *testing.T) {
	w := newRecordingWriter()
	p := NewWithWriter(w, nil, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	stream := p.Stream("growlogic.traces")
	if err := stream.Publish("unit-1/pump", map[string]any{"final_verdict": true}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	w.await(t)

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.msgs) != 1 {
		t.Fatalf("messages = %d, want 1", len(w.msgs))
	}
	msg := w.msgs[0]
	if msg.Topic != "growlogic.traces" || string(msg.Key) != "unit-1/pump" {
		t.Errorf("message topic/key = %q/%q", msg.Topic, msg.Key)
	}
	var decoded map[string]bool
	if err := json.Unmarshal(msg.Value, &decoded); err != nil || !decoded["final_verdict"] {
		t.Errorf("value = %s (%v)", msg.Value, err)
	}
	if !w.closed {
		t.Error("writer not closed on shutdown")
	}
	if got := p.Stats().Sent; got != 1 {
		t.Errorf("Stats().Sent = %d, want 1", got)
	}
}

func TestPublisher_QueueFullDrops(t *testing.T) {
	p := NewWithWriter(newRecordingWriter(), nil, time.Second)

	for i := 0; i < queueSize; i++ {
		if err := p.Publish("t", "k", i); err != nil {
			t.Fatalf("Publish(%d) error = %v", i, err)
		}
	}
	err := p.Publish("t", "k", "overflow")
	if !errors.Is(err, ErrQueueFull) || !errors.Is(err, errkind.ErrTransport) {
		t.Errorf("Publish() error = %v, want ErrQueueFull", err)
	}
	if got := p.Stats(); got.Dropped != 1 || got.Queued != queueSize {
		t.Errorf("Stats() = %+v", got)
	}
}

func TestPublisher_DrainsOnShutdown(t *testing.T) {
	w := newRecordingWriter()
	p := NewWithWriter(w, nil, time.Second)

	for i := 0; i < 3; i++ {
		if err := p.Publish("t", "k", i); err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := p.Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.msgs) != 3 {
		t.Errorf("messages = %d, want 3 drained", len(w.msgs))
	}
}

func TestPublisher_WriteFailureCounted(t *testing.T) {
	w := newRecordingWriter()
	w.fail = errors.New("broker down")
	p := NewWithWriter(w, nil, time.Second)

	if err := p.Publish("t", "k", 1); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = p.Run(ctx)

	if got := p.Stats().Failed; got != 1 {
		t.Errorf("Stats().Failed = %d, want 1", got)
	}
}

func TestPublisher_RejectsUnencodable(t *testing.T) {
	p := NewWithWriter(newRecordingWriter(), nil, time.Second)
	if err := p.Publish("t", "k", make(chan int)); err == nil {
		t.Error("Publish() should fail for a channel value")
	}
}
