//go:build integration

package integration_test

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tckafka "github.com/testcontainers/testcontainers-go/modules/kafka"

	"github.com/couchcryptid/grid-met-etl/internal/adapter/kafka"
	"github.com/couchcryptid/grid-met-etl/internal/adapter/sqlite"
	"github.com/couchcryptid/grid-met-etl/internal/config"
	"github.com/couchcryptid/grid-met-etl/internal/observability"
	"github.com/couchcryptid/grid-met-etl/internal/pipeline"
	"github.com/couchcryptid/grid-met-etl/internal/store"
)

const (
	testJobTopic      = "test-jobs"
	testManifestTopic = "test-manifests"
)

var day0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

const zonesJSON = `{
  "type": "FeatureCollection",
  "features": [
    {"type": "Feature", "properties": {"ID": "west"},
     "geometry": {"type": "Polygon", "coordinates": [[[0,0],[1,0],[1,2],[0,2],[0,0]]]}},
    {"type": "Feature", "properties": {"ID": "east"},
     "geometry": {"type": "Polygon", "coordinates": [[[1,0],[2,0],[2,2],[1,2],[1,0]]]}}
  ]
}`

func discardLogger() *slog.Logger { return slog.New(slog.DiscardHandler) }

func startKafka(ctx context.Context, t *testing.T) string {
	t.Helper()
	c, err := tckafka.Run(ctx, "confluentinc/confluent-local:7.5.0", tckafka.WithClusterID("grid-etl-test"))
	require.NoError(t, err, "start kafka container")
	t.Cleanup(func() { _ = testcontainers.TerminateContainer(c) })

	brokers, err := c.Brokers(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, brokers)
	return brokers[0]
}

func createTopic(t *testing.T, broker, topic string) {
	t.Helper()
	conn, err := kafkago.Dial("tcp", broker)
	require.NoError(t, err)
	defer conn.Close()

	controller, err := conn.Controller()
	require.NoError(t, err)
	cc, err := kafkago.Dial("tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	require.NoError(t, err)
	defer cc.Close()

	require.NoError(t, cc.CreateTopics(kafkago.TopicConfig{Topic: topic, NumPartitions: 1, ReplicationFactor: 1}))
}

// writeFixture writes n hourly 2x2 grids and two zones and returns a job
// body that sums them into 6-hour zone totals.
func writeFixture(t *testing.T, n int) (body []byte, container string) {
	t.Helper()
	dir := t.TempDir()
	for h := 1; h <= n; h++ {
		end := day0.Add(time.Duration(h) * time.Hour)
		grid := fmt.Sprintf("ncols 2\nnrows 2\nxllcorner 0\nyllcorner 0\ncellsize 1\nNODATA_value -9999\n%d %d\n%d %d\n", h, 2*h, h, 2*h)
		require.NoError(t, os.WriteFile(filepath.Join(dir, "qpf1hr_"+end.Format("06010215")+".asc"), []byte(grid), 0o644))
	}
	zones := filepath.Join(dir, "zones.geojson")
	require.NoError(t, os.WriteFile(zones, []byte(zonesJSON), 0o644))
	container = filepath.Join(dir, "out.gts")

	spec := pipeline.PipelineSpec{
		Source: pipeline.SourceSpec{Path: filepath.Join(dir, "qpf1hr_*.asc")},
		Zones:  pipeline.ZoneSpec{Path: zones, IDField: "ID"},
		Output: pipeline.OutputSpec{Container: container, Basin: "TEST", Run: "KAFKA", Parameter: "PRECIP"},
		Steps: []pipeline.Step{
			{Op: pipeline.OpAggregate},
			{Op: pipeline.OpNormalizeInterval, Params: map[string]any{"interval": "6h"}},
		},
	}
	body, err := json.Marshal(spec)
	require.NoError(t, err)
	return body, container
}

type published struct {
	Manifest pipeline.Manifest
	Key      string
	Headers  map[string]string
}

func readManifest(ctx context.Context, t *testing.T, consumer *kafkago.Reader) published {
	t.Helper()
	readCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	msg, err := consumer.ReadMessage(readCtx)
	require.NoError(t, err, "read from manifest topic")

	headers := make(map[string]string, len(msg.Headers))
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	var m pipeline.Manifest
	require.NoError(t, json.Unmarshal(msg.Value, &m), "unmarshal manifest")
	return published{Manifest: m, Key: string(msg.Key), Headers: headers}
}

type harness struct {
	cfg      *config.Config
	db       *sqlite.DB
	producer *kafkago.Writer
	consumer *kafkago.Reader
}

func newHarness(ctx context.Context, t *testing.T, name string) *harness {
	t.Helper()
	broker := startKafka(ctx, t)
	createTopic(t, broker, testJobTopic)
	createTopic(t, broker, testManifestTopic)

	db, err := sqlite.Open(filepath.Join(t.TempDir(), "gridetl.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	producer := &kafkago.Writer{Addr: kafkago.TCP(broker), Topic: testJobTopic}
	t.Cleanup(func() { _ = producer.Close() })

	consumer := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:     []string{broker},
		Topic:       testManifestTopic,
		GroupID:     fmt.Sprintf("test-manifests-%s-%d", name, time.Now().UnixNano()),
		StartOffset: kafkago.FirstOffset,
	})
	t.Cleanup(func() { _ = consumer.Close() })

	return &harness{
		cfg: &config.Config{
			KafkaBrokers:       []string{broker},
			KafkaJobTopic:      testJobTopic,
			KafkaManifestTopic: testManifestTopic,
			KafkaGroupID:       fmt.Sprintf("test-%s-%d", name, time.Now().UnixNano()),
		},
		db:       db,
		producer: producer,
		consumer: consumer,
	}
}

// startService runs the job service until the test ends.
func (h *harness) startService(ctx context.Context, t *testing.T) {
	t.Helper()
	reader := kafka.NewJobReader(h.cfg, discardLogger())
	t.Cleanup(func() { _ = reader.Close() })
	writer := kafka.NewManifestWriter(h.cfg, discardLogger())
	t.Cleanup(func() { _ = writer.Close() })

	runner := pipeline.NewRunner(pipeline.Options{}, h.db, pipeline.Recorders{h.db, writer},
		discardLogger(), observability.NewMetricsForTesting())
	svc := pipeline.NewService(reader, runner, discardLogger())

	svcCtx, cancel := context.WithCancel(ctx)
	errCh := make(chan error, 1)
	go func() { errCh <- svc.Run(svcCtx) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-errCh)
	})
}

// TestJobOverKafka publishes a job, lets the service run it and checks the
// published manifest, the recorded manifest and the container contents.
func TestJobOverKafka(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	h := newHarness(ctx, t, "job")
	body, container := writeFixture(t, 24)
	require.NoError(t, h.producer.WriteMessages(ctx, kafkago.Message{
		Key:     []byte("job-1"),
		Value:   body,
		Headers: []kafkago.Header{{Key: "job_id", Value: []byte("kafka-basins")}},
	}))

	h.startService(ctx, t)

	got := readManifest(ctx, t, h.consumer)
	assert.Equal(t, "kafka-basins", got.Key)
	assert.Equal(t, "ok", got.Headers["outcome"])
	assert.Equal(t, got.Manifest.RunID, got.Headers["run_id"])
	assert.Equal(t, 24, got.Manifest.Count(pipeline.StatusOK))
	assert.ElementsMatch(t, []string{
		"/TEST/EAST/PRECIP/01JAN2024:0000/6HOUR/KAFKA/",
		"/TEST/WEST/PRECIP/01JAN2024:0000/6HOUR/KAFKA/",
	}, got.Manifest.Records)

	recorded, err := h.db.Manifests(ctx, "kafka-basins")
	require.NoError(t, err)
	require.Len(t, recorded, 1)
	assert.Equal(t, got.Manifest.RunID, recorded[0].RunID)

	cp, ok, err := h.db.Load(ctx, "kafka-basins")
	require.NoError(t, err)
	require.True(t, ok, "checkpoint saved")
	assert.True(t, cp.LastStep.Equal(day0.Add(24*time.Hour)))

	rep, err := store.Verify(container)
	require.NoError(t, err)
	assert.True(t, rep.OK(), "container problems: %v", rep.Problems)
	assert.Equal(t, 2, rep.Live)
}

// TestMalformedJobSkipped verifies that a job message that does not decode is
// committed and skipped, and the next job still runs.
func TestMalformedJobSkipped(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	h := newHarness(ctx, t, "poison")
	body, _ := writeFixture(t, 6)
	require.NoError(t, h.producer.WriteMessages(ctx,
		kafkago.Message{Key: []byte("bad"), Value: []byte("not-json{{{")},
		kafkago.Message{Key: []byte("good"), Value: body},
	))

	h.startService(ctx, t)

	got := readManifest(ctx, t, h.consumer)
	assert.Equal(t, "ok", got.Headers["outcome"])
	assert.Equal(t, 6, got.Manifest.Count(pipeline.StatusOK))

	// Only the valid job produces a manifest.
	readCtx, readCancel := context.WithTimeout(ctx, 5*time.Second)
	_, err := h.consumer.ReadMessage(readCtx)
	readCancel()
	assert.Error(t, err, "expected no second manifest")
}

// TestInvalidJobRecordsFailedManifest verifies that a job failing validation
// is acknowledged with a failed manifest instead of being redelivered.
func TestInvalidJobRecordsFailedManifest(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	h := newHarness(ctx, t, "invalid")
	require.NoError(t, h.producer.WriteMessages(ctx, kafkago.Message{
		Value: []byte(`{"job_id": "no-output", "source": {"path": "/nowhere/*.asc"}, "output": {"container": ""}, "steps": []}`),
	}))

	h.startService(ctx, t)

	got := readManifest(ctx, t, h.consumer)
	assert.Equal(t, "no-output", got.Key)
	assert.Equal(t, "failed", got.Headers["outcome"])
	assert.Contains(t, got.Manifest.Error, "output.container is required")
}
