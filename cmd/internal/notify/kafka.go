package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"hirewire/cmd/internal/events"
)

// MessageWriter is the subset of *kafka.Writer used by the dispatcher.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// PushRequest is the record written to the push topic for an external push-notification worker.
type PushRequest struct {
	ID      string    `json:"id"`
	Kind    string    `json:"kind"`
	UserID  string    `json:"user_id"`
	ActorID string    `json:"actor_id"`
	RefID   string    `json:"ref_id"`
	Preview string    `json:"preview,omitempty"`
	At      time.Time `json:"at"`
}

// NewKafkaWriter builds an async writer: WriteMessages enqueues and returns, so dispatch never
// blocks the publishing goroutine. Delivery errors are reported through the completion hook.
// Records are keyed by user so one user's pushes stay ordered within a partition.
func NewKafkaWriter(brokers []string, topic string, log *slog.Logger) *kafkago.Writer {
	if log == nil {
		log = slog.Default()
	}
	return &kafkago.Writer{
		Addr:         kafkago.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireAll,
		Async:        true,
		BatchTimeout: 50 * time.Millisecond,
		Completion: func(msgs []kafkago.Message, err error) {
			if err != nil {
				log.Warn("notify.kafka.write.fail", "count", len(msgs), "err", err)
			}
		},
	}
}

// KafkaDispatcher forwards notifications for users who were not reached live.
type KafkaDispatcher struct {
	w   MessageWriter
	log *slog.Logger
}

// NewKafkaDispatcher wires a dispatcher over w.
func NewKafkaDispatcher(w MessageWriter, log *slog.Logger) *KafkaDispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &KafkaDispatcher{w: w, log: log}
}

// Topics lists the topics Handle consumes.
func (d *KafkaDispatcher) Topics() []events.Topic {
	return []events.Topic{events.TopicNewMessage, events.TopicCallStateChanged}
}

// Handle is an events.Handler. Messages already delivered live are skipped.
func (d *KafkaDispatcher) Handle(ctx context.Context, ev events.Event) error {
	if p, ok := ev.Payload.(events.NewMessage); ok && p.Delivered {
		return nil
	}
	n, ok := FromEvent(ev)
	if !ok {
		return nil
	}

	body, err := json.Marshal(PushRequest{
		ID:      n.ID,
		Kind:    string(n.Kind),
		UserID:  n.UserID,
		ActorID: n.ActorID,
		RefID:   n.RefID,
		Preview: n.Preview,
		At:      n.CreatedAt,
	})
	if err != nil {
		return err
	}

	return d.w.WriteMessages(ctx, kafkago.Message{
		Key:   []byte(n.UserID),
		Value: body,
		Time:  n.CreatedAt,
		Headers: []kafkago.Header{
			{Key: "kind", Value: []byte(n.Kind)},
		},
	})
}

// Close flushes and closes the writer.
func (d *KafkaDispatcher) Close() error {
	return d.w.Close()
}
