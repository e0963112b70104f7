package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/couchcryptid/grid-met-etl/internal/config"
	"github.com/couchcryptid/grid-met-etl/internal/pipeline"
)

// ManifestWriter publishes run manifests to a Kafka topic.
// It implements pipeline.ManifestRecorder.
type ManifestWriter struct {
	writer *kafkago.Writer
	logger *slog.Logger
}

// NewManifestWriter creates a Kafka producer for the configured manifest topic.
func NewManifestWriter(cfg *config.Config, logger *slog.Logger) *ManifestWriter {
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(cfg.KafkaBrokers...),
		Topic:        cfg.KafkaManifestTopic,
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireAll,
	}
	return &ManifestWriter{writer: w, logger: logger}
}

// RecordManifest publishes one manifest keyed by job id, so every run of a
// job lands on the same partition in order.
func (w *ManifestWriter) RecordManifest(ctx context.Context, m *pipeline.Manifest) error {
	msg, err := serializeManifest(m)
	if err != nil {
		return err
	}
	if err := w.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish manifest %s: %w", m.RunID, err)
	}
	w.logger.Debug("manifest published", "job_id", m.JobID, "run_id", m.RunID, "topic", w.writer.Topic)
	return nil
}

func (w *ManifestWriter) Close() error {
	return w.writer.Close()
}

func serializeManifest(m *pipeline.Manifest) (kafkago.Message, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize manifest: %w", err)
	}
	return kafkago.Message{
		Key:   []byte(m.JobID),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "outcome", Value: []byte(m.Outcome())},
			{Key: "run_id", Value: []byte(m.RunID)},
			{Key: "finished_at", Value: []byte(m.Finished.Format(time.RFC3339))},
		},
	}, nil
}
