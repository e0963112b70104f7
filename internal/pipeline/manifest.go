package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Step statuses recorded in a Manifest.
const (
	StatusOK      = "ok"
	StatusFailed  = "failed"
	StatusSkipped = "skipped"
)

// StepResult is the outcome of one source time step.
type StepResult struct {
	Index    int       `json:"index"`
	Time     time.Time `json:"time"`
	Status   string    `json:"status"`
	Attempts int       `json:"attempts,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// Manifest summarizes a job run.
type Manifest struct {
	JobID     string       `json:"job_id"`
	RunID     string       `json:"run_id"`
	Started   time.Time    `json:"started"`
	Finished  time.Time    `json:"finished"`
	Steps     []StepResult `json:"steps"`
	Records   []string     `json:"records"`
	Cancelled bool         `json:"cancelled,omitempty"`
	Error     string       `json:"error,omitempty"`
}

// Count returns the number of steps with the given status.
func (m *Manifest) Count(status string) int {
	n := 0
	for _, s := range m.Steps {
		if s.Status == status {
			n++
		}
	}
	return n
}

// Outcome is ok when every step succeeded or was skipped, failed when the job
// stopped early or no step succeeded, and partial otherwise.
func (m *Manifest) Outcome() string {
	failed := m.Count(StatusFailed)
	switch {
	case m.Error != "" || m.Cancelled:
		return "failed"
	case failed == 0:
		return "ok"
	case failed == len(m.Steps):
		return "failed"
	default:
		return "partial"
	}
}

// Checkpoint records how far a job got. LastStep is the label of the last
// source step whose output is fully written; Cutoff is the end of the last
// normalized bin written.
type Checkpoint struct {
	JobID     string    `json:"job_id"`
	RunID     string    `json:"run_id"`
	LastStep  time.Time `json:"last_step"`
	Cutoff    time.Time `json:"cutoff,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CheckpointStore persists checkpoints between runs. Load reports false when
// the job has none.
type CheckpointStore interface {
	Load(ctx context.Context, jobID string) (Checkpoint, bool, error)
	Save(ctx context.Context, cp Checkpoint) error
}

// ManifestRecorder receives the manifest of every finished run.
type ManifestRecorder interface {
	RecordManifest(ctx context.Context, m *Manifest) error
}

// Recorders fans a manifest out to every recorder and joins their errors.
type Recorders []ManifestRecorder

func (rs Recorders) RecordManifest(ctx context.Context, m *Manifest) error {
	var errs []error
	for _, r := range rs {
		if err := r.RecordManifest(ctx, m); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// MemoryCheckpoints keeps checkpoints in process memory.
type MemoryCheckpoints struct {
	mu  sync.Mutex
	cps map[string]Checkpoint
}

func NewMemoryCheckpoints() *MemoryCheckpoints {
	return &MemoryCheckpoints{cps: make(map[string]Checkpoint)}
}

func (m *MemoryCheckpoints) Load(_ context.Context, jobID string) (Checkpoint, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp, ok := m.cps[jobID]
	return cp, ok, nil
}

func (m *MemoryCheckpoints) Save(_ context.Context, cp Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cps[cp.JobID] = cp
	return nil
}
