package stream

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/jujinkim/cryptic-wikinet/pkg/models"
)

func TestNewKafkaPublisherValidation(t *testing.T) {
	t.Parallel()

	if _, err := NewKafkaPublisher(KafkaConfig{Topic: "abuse"}); err == nil {
		t.Fatal("expected error when brokers are missing")
	}
	if _, err := NewKafkaPublisher(KafkaConfig{Brokers: []string{"127.0.0.1:9092"}}); err == nil {
		t.Fatal("expected error when topic is missing")
	}
	pub, err := NewKafkaPublisher(KafkaConfig{
		Brokers: []string{" ", "127.0.0.1:9092", "\t"},
		Topic:   "abuse",
	})
	if err != nil {
		t.Fatalf("expected valid publisher config, got: %v", err)
	}
	if err := pub.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
}

func TestKafkaPublisherNilGuards(t *testing.T) {
	t.Parallel()

	var nilPub *KafkaPublisher
	if err := nilPub.Close(); err != nil {
		t.Fatalf("nil close must be a no-op, got: %v", err)
	}
	if err := nilPub.Publish(context.Background(), models.AbuseEvent{}); err == nil {
		t.Fatal("expected publish error for nil publisher")
	}
	if err := (&KafkaPublisher{}).Publish(context.Background(), models.AbuseEvent{}); err == nil {
		t.Fatal("expected publish error for uninitialized writer")
	}
}

type fakeKafkaWriter struct {
	msgs []kafka.Message
	err  error
}

func (f *fakeKafkaWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeKafkaWriter) Close() error { return nil }

func TestKafkaPublisherPublish(t *testing.T) {
	t.Run("writer_error", func(t *testing.T) {
		pub := &KafkaPublisher{writer: &fakeKafkaWriter{err: errors.New("broker down")}}
		if err := pub.Publish(context.Background(), models.AbuseEvent{Kind: models.AbuseKindRateLimited}); err == nil {
			t.Fatal("expected writer error")
		}
	})

	t.Run("keyed_by_client", func(t *testing.T) {
		fw := &fakeKafkaWriter{}
		pub := &KafkaPublisher{writer: fw}
		evt := models.AbuseEvent{
			Kind:     models.AbuseKindAuthRejected,
			ClientID: "ai_ab12",
			Reason:   "BAD_SIGNATURE",
			At:       time.Now().UTC(),
		}
		if err := pub.Publish(context.Background(), evt); err != nil {
			t.Fatalf("publish: %v", err)
		}
		if len(fw.msgs) != 1 || string(fw.msgs[0].Key) != "ai_ab12" {
			t.Fatalf("unexpected messages: %+v", fw.msgs)
		}
		var got models.AbuseEvent
		if err := json.Unmarshal(fw.msgs[0].Value, &got); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if got.Reason != "BAD_SIGNATURE" {
			t.Fatalf("unexpected payload: %+v", got)
		}
	})
}
