package kafka

import (
	"context"
	"fmt"
	"log/slog"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/couchcryptid/grid-met-etl/internal/config"
	"github.com/couchcryptid/grid-met-etl/internal/pipeline"
)

// JobReader consumes job requests from a Kafka topic.
// It implements pipeline.JobSource.
type JobReader struct {
	reader *kafkago.Reader
	logger *slog.Logger
}

// NewJobReader creates a consumer-group reader for the configured job topic.
// Offsets are committed only when a job is acknowledged.
func NewJobReader(cfg *config.Config, logger *slog.Logger) *JobReader {
	r := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:  cfg.KafkaBrokers,
		GroupID:  cfg.KafkaGroupID,
		Topic:    cfg.KafkaJobTopic,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	return &JobReader{reader: r, logger: logger}
}

// NextJob blocks until a well-formed job message arrives. Messages that do
// not decode are logged and committed so they are not redelivered.
func (r *JobReader) NextJob(ctx context.Context) (pipeline.Job, error) {
	for {
		msg, err := r.reader.FetchMessage(ctx)
		if err != nil {
			return pipeline.Job{}, fmt.Errorf("fetch job message: %w", err)
		}
		job, err := mapMessageToJob(msg)
		if err != nil {
			r.logger.Warn("skipping malformed job message",
				"error", err, "topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset)
			if cerr := r.reader.CommitMessages(ctx, msg); cerr != nil {
				return pipeline.Job{}, fmt.Errorf("commit malformed message: %w", cerr)
			}
			continue
		}
		job.Ack = func(ctx context.Context) error {
			return r.reader.CommitMessages(ctx, msg)
		}
		return job, nil
	}
}

func (r *JobReader) Close() error {
	return r.reader.Close()
}

// mapMessageToJob decodes a job message. A job_id header names the job when
// the body leaves it out.
func mapMessageToJob(msg kafkago.Message) (pipeline.Job, error) {
	spec, err := pipeline.ParseSpec(msg.Value)
	if err != nil {
		return pipeline.Job{}, fmt.Errorf("decode job: %w", err)
	}
	if spec.JobID == "" {
		for _, h := range msg.Headers {
			if h.Key == "job_id" {
				spec.JobID = string(h.Value)
			}
		}
	}
	return pipeline.Job{
		Spec:   spec,
		Origin: fmt.Sprintf("%s/%d/%d", msg.Topic, msg.Partition, msg.Offset),
	}, nil
}
