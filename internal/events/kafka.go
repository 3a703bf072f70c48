package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

// wireEvent is the JSON shape published to Kafka.
type wireEvent struct {
	SplitfileID string `json:"splitfile_id"`
	SegmentNo   int    `json:"segment_no"`
	Kind        string `json:"kind"` // "success" or "encoding"
	At          int64  `json:"at"`
}

// KafkaNotifier publishes segment completion events to a Kafka topic.
type KafkaNotifier struct {
	writer *kafka.Writer
	now    func() time.Time
}

// NewKafkaNotifier creates a notifier writing to topic on the given
// brokers.
func NewKafkaNotifier(brokers []string, topic string) *KafkaNotifier {
	return &KafkaNotifier{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.LeastBytes{},
			RequiredAcks: kafka.RequireOne,
		},
		now: time.Now,
	}
}

func (k *KafkaNotifier) FinishedSuccess(seg SegmentRef) {
	k.publish(seg, "success")
}

func (k *KafkaNotifier) FinishedEncoding(seg SegmentRef) {
	k.publish(seg, "encoding")
}

func (k *KafkaNotifier) publish(seg SegmentRef, kind string) {
	payload, err := json.Marshal(wireEvent{
		SplitfileID: seg.SplitfileID,
		SegmentNo:   seg.SegmentNo,
		Kind:        kind,
		At:          k.now().Unix(),
	})
	if err != nil {
		slog.Error("events: marshal event failed", "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(seg.SplitfileID),
		Value: payload,
	}); err != nil {
		slog.Warn("events: publish failed", "kind", kind, "segment", seg.SegmentNo, "error", err)
	}
}

// Close flushes and closes the underlying Kafka writer.
func (k *KafkaNotifier) Close() error {
	return k.writer.Close()
}

var _ Fetcher = (*KafkaNotifier)(nil)
