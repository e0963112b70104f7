package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/grid-met-etl/internal/adapter/zonefile"
	"github.com/couchcryptid/grid-met-etl/internal/domain"
	"github.com/couchcryptid/grid-met-etl/internal/observability"
	"github.com/couchcryptid/grid-met-etl/internal/source"
	"github.com/couchcryptid/grid-met-etl/internal/store"
	"github.com/couchcryptid/grid-met-etl/internal/zonal"
)

const (
	defaultWorkers       = 4
	defaultWindowSize    = 24
	defaultIOTimeout     = 30 * time.Second
	defaultMaxRetries    = 3
	defaultMaskCacheSize = 16

	initialBackoff = 200 * time.Millisecond
	maxBackoff     = 5 * time.Second
)

// Options configures a Runner. Zero fields take the defaults.
type Options struct {
	Workers    int
	WindowSize int
	// IOTimeout bounds every source read and container write.
	IOTimeout time.Duration
	// MaxRetries is the number of retries after a timeout. Negative disables
	// retrying.
	MaxRetries int
	// Staleness is used by normalize_interval steps that set none.
	Staleness     time.Duration
	MassTolerance float64
	MaskCacheSize int
	StoreSync     bool
	RemoteTimeout time.Duration
	// Clock drives retry backoff.
	Clock clockwork.Clock
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = defaultWorkers
	}
	if o.WindowSize <= 0 {
		o.WindowSize = defaultWindowSize
	}
	if o.IOTimeout <= 0 {
		o.IOTimeout = defaultIOTimeout
	}
	if o.MaxRetries == 0 {
		o.MaxRetries = defaultMaxRetries
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.MaskCacheSize <= 0 {
		o.MaskCacheSize = defaultMaskCacheSize
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	return o
}

// Runner executes conversion jobs. Jobs may run concurrently; jobs writing
// the same container share one open handle.
type Runner struct {
	opts        Options
	checkpoints CheckpointStore
	recorder    ManifestRecorder
	logger      *slog.Logger
	metrics     *observability.Metrics
	masks       *zonal.MaskCache

	mu     sync.Mutex
	stores map[string]*sharedStore
}

type sharedStore struct {
	st   *store.Store
	refs int
}

// NewRunner creates a Runner. A nil checkpoint store keeps checkpoints in
// memory; a nil recorder skips recording manifests.
func NewRunner(opts Options, checkpoints CheckpointStore, recorder ManifestRecorder, logger *slog.Logger, metrics *observability.Metrics) *Runner {
	opts = opts.withDefaults()
	if checkpoints == nil {
		checkpoints = NewMemoryCheckpoints()
	}
	masks := zonal.NewMaskCache(opts.MaskCacheSize)
	masks.OnLookup(metrics.ObserveMaskLookup)
	return &Runner{
		opts:        opts,
		checkpoints: checkpoints,
		recorder:    recorder,
		logger:      logger,
		metrics:     metrics,
		masks:       masks,
		stores:      make(map[string]*sharedStore),
	}
}

// Run executes one job to completion and returns its manifest. Failed time
// steps are recorded in the manifest without failing the job. The error is
// non-nil when the job could not start, a container write failed, or ctx was
// cancelled; the manifest then covers the steps finished so far.
func (r *Runner) Run(ctx context.Context, spec PipelineSpec) (*Manifest, error) {
	spec = spec.Clone()
	if spec.JobID == "" {
		spec.JobID = spec.ComputeJobID()
	}
	m := &Manifest{JobID: spec.JobID, RunID: uuid.NewString(), Started: domain.Now(), Steps: []StepResult{}, Records: []string{}}
	log := r.logger.With("job_id", m.JobID, "run_id", m.RunID)

	r.metrics.PipelineRunning.Inc()
	defer r.metrics.PipelineRunning.Dec()

	log.Info("job started", "source", spec.Source.Path, "container", spec.Output.Container, "steps", len(spec.Steps))

	j, err := r.prepare(ctx, spec, m, log)
	if err == nil {
		err = j.run(ctx)
		j.close()
	}
	return m, r.finish(ctx, m, err, log)
}

func (r *Runner) finish(ctx context.Context, m *Manifest, err error, log *slog.Logger) error {
	m.Finished = domain.Now()
	if err != nil {
		m.Error = err.Error()
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			m.Cancelled = true
		}
	}
	outcome := m.Outcome()
	r.metrics.JobsCompleted.WithLabelValues(outcome).Inc()

	if r.recorder != nil {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.opts.IOTimeout)
		if rerr := r.recorder.RecordManifest(rctx, m); rerr != nil {
			log.Warn("record manifest failed", "error", rerr)
		}
		cancel()
	}

	attrs := []any{
		"outcome", outcome,
		"ok", m.Count(StatusOK),
		"failed", m.Count(StatusFailed),
		"skipped", m.Count(StatusSkipped),
		"records", len(m.Records),
		"duration", m.Finished.Sub(m.Started),
	}
	if err != nil {
		log.Error("job stopped", append(attrs, "error", err)...)
		return err
	}
	log.Info("job finished", attrs...)
	return nil
}

// prepare does every job-level step that can fail before processing starts.
func (r *Runner) prepare(ctx context.Context, spec PipelineSpec, m *Manifest, log *slog.Logger) (_ *job, err error) {
	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("validate job: %w", err)
	}
	p, err := compile(spec, r.opts.MassTolerance)
	if err != nil {
		return nil, fmt.Errorf("compile steps: %w", err)
	}

	j := &job{
		r:       r,
		spec:    spec,
		plan:    p,
		m:       m,
		log:     log,
		workers: r.opts.Workers,
		window:  r.opts.WindowSize,
		records: make(map[string]bool),
	}
	if spec.Workers > 0 {
		j.workers = spec.Workers
	}
	if spec.WindowSize > 0 {
		j.window = spec.WindowSize
	}
	defer func() {
		if err != nil {
			j.close()
		}
	}()

	source.Acquire()
	j.acquired = true
	j.src, err = source.Open(ctx, spec.Source.Path, spec.Source.Format, source.Options{
		Variable:      spec.Source.Variable,
		Unit:          spec.Source.Unit,
		CRS:           spec.Source.CRS,
		StepLength:    spec.Source.StepLength.Std(),
		RemoteTimeout: r.opts.RemoteTimeout,
		Logger:        log,
	})
	if err != nil {
		return nil, fmt.Errorf("open source: %w", err)
	}
	if _, err := j.retry(ctx, func(ctx context.Context) error {
		var err error
		j.times, err = j.src.Times(ctx)
		return err
	}); err != nil {
		return nil, fmt.Errorf("list source times: %w", err)
	}
	if p.normals != nil {
		if j.normals, err = j.loadNormals(ctx, *p.normals); err != nil {
			return nil, fmt.Errorf("load normals: %w", err)
		}
	}

	if p.needsZones {
		zones, err := zonefile.Load(spec.Zones.Path, spec.Zones.IDField, p.zoneCRS)
		if err != nil {
			return nil, fmt.Errorf("load zones: %w", err)
		}
		if len(zones) == 0 {
			return nil, fmt.Errorf("load zones: %s holds no zones", spec.Zones.Path)
		}
		j.zones = zones
		j.agg = zonal.NewAggregator(zones, r.masks)
	}

	j.st, j.releaseStore, err = r.acquireStore(spec.Output.Container)
	if err != nil {
		return nil, fmt.Errorf("open container: %w", err)
	}

	j.cp, j.resumed, err = r.checkpoints.Load(ctx, spec.JobID)
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	if j.resumed {
		log.Info("resuming from checkpoint", "last_step", j.cp.LastStep, "previous_run", j.cp.RunID)
	}
	return j, nil
}

// acquireStore opens the container at path or shares the handle already open.
func (r *Runner) acquireStore(path string) (*store.Store, func(), error) {
	key, err := filepath.Abs(path)
	if err != nil {
		return nil, nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.stores[key]
	if !ok {
		st, err := store.Open(path, store.Options{Sync: r.opts.StoreSync, Logger: r.logger, Metrics: r.metrics})
		if err != nil {
			return nil, nil, err
		}
		s = &sharedStore{st: st}
		r.stores[key] = s
	}
	s.refs++

	var once sync.Once
	release := func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			s.refs--
			if s.refs > 0 {
				return
			}
			delete(r.stores, key)
			if err := s.st.Close(); err != nil {
				r.logger.Warn("close container failed", "path", path, "error", err)
			}
		})
	}
	return s.st, release, nil
}

// retry calls fn with a per-attempt timeout and retries timeouts with
// exponential backoff. It returns the number of attempts made.
func (j *job) retry(ctx context.Context, fn func(context.Context) error) (int, error) {
	opts := j.r.opts
	backoff := initialBackoff
	for attempt := 1; ; attempt++ {
		actx, cancel := context.WithTimeout(ctx, opts.IOTimeout)
		err := fn(actx)
		cancel()
		if err == nil {
			return attempt, nil
		}
		if !domain.IsRetryable(err) || attempt > opts.MaxRetries || ctx.Err() != nil {
			return attempt, err
		}
		j.r.metrics.Retries.Inc()
		j.log.Debug("retrying after timeout", "attempt", attempt, "backoff", backoff, "error", err)
		if !sleepWithContext(ctx, opts.Clock, backoff) {
			return attempt, err
		}
		backoff = nextBackoff(backoff, maxBackoff)
	}
}

func nextBackoff(current, maxBackoff time.Duration) time.Duration {
	next := current * 2
	if next > maxBackoff {
		return maxBackoff
	}
	return next
}

func sleepWithContext(ctx context.Context, clock clockwork.Clock, d time.Duration) bool {
	if d <= 0 {
		return true
	}

	timer := clock.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.Chan():
		return true
	}
}
