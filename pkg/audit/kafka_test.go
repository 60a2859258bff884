package audit

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/segmentio/kafka-go"
)

type fakeKafkaWriter struct {
	msgs   []kafka.Message
	closed bool
}

func (f *fakeKafkaWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeKafkaWriter) Close() error {
	f.closed = true
	return nil
}

func TestNewKafkaEmitterValidation(t *testing.T) {
	if _, err := NewKafkaEmitter(KafkaConfig{Topic: "t"}); err == nil {
		t.Fatalf("expected error without brokers")
	}
	if _, err := NewKafkaEmitter(KafkaConfig{Brokers: []string{" ", ""}, Topic: "t"}); err == nil {
		t.Fatalf("expected error for blank brokers")
	}
	if _, err := NewKafkaEmitter(KafkaConfig{Brokers: []string{"localhost:9092"}}); err == nil {
		t.Fatalf("expected error without topic")
	}
	e, err := NewKafkaEmitter(KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "t"})
	if err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestKafkaEmitterEmit(t *testing.T) {
	fw := &fakeKafkaWriter{}
	e := &KafkaEmitter{writer: fw}

	rec := testRecord("d1")
	if err := e.Emit(context.Background(), rec); err != nil {
		t.Fatalf("emit: %v", err)
	}
	if len(fw.msgs) != 1 {
		t.Fatalf("expected one message, got %d", len(fw.msgs))
	}
	if string(fw.msgs[0].Key) != "d1" {
		t.Fatalf("message key should be the decision ID: %q", fw.msgs[0].Key)
	}
	var got Record
	if err := json.Unmarshal(fw.msgs[0].Value, &got); err != nil {
		t.Fatalf("payload is not valid JSON: %v", err)
	}
	if got.Reason != rec.Reason {
		t.Fatalf("payload mismatch: %+v", got)
	}

	if err := e.Close(); err != nil || !fw.closed {
		t.Fatalf("close should reach the writer: err=%v closed=%v", err, fw.closed)
	}
}

func TestKafkaEmitterNilSafe(t *testing.T) {
	var e *KafkaEmitter
	if err := e.Emit(context.Background(), testRecord("d1")); err == nil {
		t.Fatalf("nil emitter should report an error")
	}
	if err := e.Close(); err != nil {
		t.Fatalf("nil close should be a no-op: %v", err)
	}
}
