// Package notifybus fans out "notification created" events onto Kafka
// for any downstream delivery worker (itself out of scope). The
// repository row is the source of truth; this is best-effort. Grounded
// on the teacher's internal/orchestrator/handler.go envelope/Producer
// pattern (kafka-go's Writer satisfies the same WriteMessages shape).
package notifybus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"

	"agentloop/internal/domain"
)

// Producer abstracts the kafka writer behavior the bus needs, mirroring
// the teacher's orchestrator.Producer interface so either a real
// *kafka.Writer or a test double satisfies it.
type Producer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Envelope is the wire shape published for each notification.
type Envelope struct {
	ID             string `json:"id"`
	UserID         string `json:"user_id"`
	ConversationID string `json:"conversation_id,omitempty"`
	Title          string `json:"title"`
	Body           string `json:"body"`
}

// Bus is the port both workers invoke after creating a notification.
type Bus interface {
	Publish(ctx context.Context, n domain.Notification) error
}

// KafkaBus publishes to a fixed topic via a Producer.
type KafkaBus struct {
	producer Producer
	topic    string
}

// NewKafkaBus constructs a KafkaBus. topic defaults to
// "agentloop.notifications" when empty.
func NewKafkaBus(producer Producer, topic string) *KafkaBus {
	if topic == "" {
		topic = "agentloop.notifications"
	}
	return &KafkaBus{producer: producer, topic: topic}
}

func (b *KafkaBus) Publish(ctx context.Context, n domain.Notification) error {
	env := Envelope{
		ID:             n.ID,
		UserID:         n.UserID,
		ConversationID: n.ConversationID,
		Title:          n.Title,
		Body:           n.Body,
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("notifybus: marshal envelope: %w", err)
	}
	return b.producer.WriteMessages(ctx, kafka.Message{
		Topic: b.topic,
		Key:   []byte(n.ID),
		Value: payload,
	})
}

// NoopBus satisfies Bus when Kafka is not configured.
type NoopBus struct{}

func (NoopBus) Publish(context.Context, domain.Notification) error { return nil }
