package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/couchcryptid/road-inundation-etl/internal/config"
	"github.com/couchcryptid/road-inundation-etl/internal/domain"
)

// SegmentResult is the message value published for each exported segment.
type SegmentResult struct {
	RunID      string           `json:"run_id"`
	SegmentID  domain.SegmentID `json:"segment_id"`
	HAND       float64          `json:"hand"`
	Inundation float64          `json:"inundation"`
	Damage     float64          `json:"damage"`
	X          *float64         `json:"x,omitempty"`
	Y          *float64         `json:"y,omitempty"`
	ComputedAt time.Time        `json:"computed_at"`
}

// Writer publishes run results to a Kafka topic.
// It implements pipeline.SegmentPublisher.
type Writer struct {
	writer *kafkago.Writer
	logger *slog.Logger
}

// NewWriter creates a Kafka producer for the configured result topic.
func NewWriter(cfg *config.Config, logger *slog.Logger) *Writer {
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(cfg.KafkaBrokers...),
		Topic:        cfg.KafkaTopic,
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireAll,
	}
	return &Writer{writer: w, logger: logger}
}

// Publish serializes every record of the snapshot and writes them in a
// single WriteMessages call, ordered by segment id. Messages are keyed by
// segment id so results for one road land on one partition.
func (w *Writer) Publish(ctx context.Context, snap domain.Snapshot) (int, error) {
	if len(snap.Records) == 0 {
		return 0, nil
	}
	msgs, err := snapshotMessages(snap)
	if err != nil {
		return 0, err
	}
	if err := w.writer.WriteMessages(ctx, msgs...); err != nil {
		return 0, fmt.Errorf("publish run %s: %w", snap.RunID, err)
	}
	w.logger.Debug("published segment results", "run_id", snap.RunID, "count", len(msgs))
	return len(msgs), nil
}

func (w *Writer) Close() error {
	return w.writer.Close()
}

func snapshotMessages(snap domain.Snapshot) ([]kafkago.Message, error) {
	ids := make([]domain.SegmentID, 0, len(snap.Records))
	for id := range snap.Records {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	msgs := make([]kafkago.Message, 0, len(ids))
	for _, id := range ids {
		rec := snap.Records[id]
		msg, err := serializeToMessage(SegmentResult{
			RunID:      snap.RunID,
			SegmentID:  id,
			HAND:       rec.HAND,
			Inundation: rec.Inundation,
			Damage:     rec.Damage,
			X:          rec.X,
			Y:          rec.Y,
			ComputedAt: snap.CreatedAt,
		})
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// serializeToMessage marshals a SegmentResult into a Kafka message.
func serializeToMessage(res SegmentResult) (kafkago.Message, error) {
	data, err := json.Marshal(res)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize segment %d: %w", res.SegmentID, err)
	}
	return kafkago.Message{
		Key:   []byte(res.SegmentID.String()),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "run_id", Value: []byte(res.RunID)},
			{Key: "computed_at", Value: []byte(res.ComputedAt.Format(time.RFC3339))},
		},
	}, nil
}
