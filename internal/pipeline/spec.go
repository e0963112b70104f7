package pipeline

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// PipelineSpec is a declarative conversion job. It is deep-copied when a job
// starts, so later changes by the caller never reach a running job.
type PipelineSpec struct {
	JobID  string     `yaml:"job_id,omitempty" json:"job_id,omitempty"`
	Source SourceSpec `yaml:"source" json:"source"`
	Zones  ZoneSpec   `yaml:"zones,omitempty" json:"zones,omitempty"`
	Output OutputSpec `yaml:"output" json:"output"`

	// Kind is sum or average; empty infers it from the variable name.
	Kind string `yaml:"kind,omitempty" json:"kind,omitempty"`
	// WindowSize and Workers override the service defaults when positive.
	WindowSize int `yaml:"window_size,omitempty" json:"window_size,omitempty"`
	Workers    int `yaml:"workers,omitempty" json:"workers,omitempty"`

	Steps []Step `yaml:"steps" json:"steps"`
}

// SourceSpec names the gridded input.
type SourceSpec struct {
	Path     string `yaml:"path" json:"path"`
	Format   string `yaml:"format,omitempty" json:"format,omitempty"`
	Variable string `yaml:"variable,omitempty" json:"variable,omitempty"`
	Unit     string `yaml:"unit,omitempty" json:"unit,omitempty"`
	CRS      string `yaml:"crs,omitempty" json:"crs,omitempty"`
	// StepLength turns stamped instants into periods ending at the stamp.
	StepLength Duration `yaml:"step_length,omitempty" json:"step_length,omitempty"`
}

// ZoneSpec names the zone polygons used by clip and aggregate.
type ZoneSpec struct {
	Path    string `yaml:"path,omitempty" json:"path,omitempty"`
	IDField string `yaml:"id_field,omitempty" json:"id_field,omitempty"`
	// CRS the zones are transformed into when no reproject step sets it.
	CRS string `yaml:"crs,omitempty" json:"crs,omitempty"`
}

// OutputSpec names the container and how record paths are built.
type OutputSpec struct {
	Container string `yaml:"container" json:"container"`
	Template  string `yaml:"template,omitempty" json:"template,omitempty"`
	Basin     string `yaml:"basin,omitempty" json:"basin,omitempty"`
	Run       string `yaml:"run,omitempty" json:"run,omitempty"`
	Parameter string `yaml:"parameter,omitempty" json:"parameter,omitempty"`
}

// Step is one transform. Params are decoded per operation at compile time.
type Step struct {
	Op     string         `yaml:"op" json:"op"`
	Params map[string]any `yaml:"params,omitempty" json:"params,omitempty"`
}

// Duration is a time.Duration written as "6h" or "15m" in job files. Bare
// numbers are seconds.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", n.Line)
	}
	v, err := parseDuration(n.Value)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (any, error) { return time.Duration(d).String(), nil }

func (d *Duration) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	v, err := parseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Duration(n * float64(time.Second)), nil
	}
	if strings.HasSuffix(s, "d") {
		n, err := strconv.Atoi(strings.TrimSuffix(s, "d"))
		if err == nil {
			return time.Duration(n) * 24 * time.Hour, nil
		}
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return d, nil
}

// LoadSpec reads a YAML or JSON job file.
func LoadSpec(path string) (PipelineSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return PipelineSpec{}, fmt.Errorf("read job file: %w", err)
	}
	spec, err := ParseSpec(data)
	if err != nil {
		return PipelineSpec{}, fmt.Errorf("parse job file %s: %w", path, err)
	}
	return spec, nil
}

// ParseSpec decodes a YAML or JSON job. Unknown fields are rejected.
func ParseSpec(data []byte) (PipelineSpec, error) {
	var spec PipelineSpec
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&spec); err != nil {
		return PipelineSpec{}, err
	}
	return spec, nil
}

// Clone returns a deep copy of the spec.
func (s PipelineSpec) Clone() PipelineSpec {
	out := s
	out.Steps = make([]Step, len(s.Steps))
	for i, st := range s.Steps {
		out.Steps[i] = Step{Op: st.Op}
		if st.Params != nil {
			out.Steps[i].Params = copyValue(st.Params).(map[string]any)
		}
	}
	return out
}

func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, e := range t {
			m[k] = copyValue(e)
		}
		return m
	case []any:
		l := make([]any, len(t))
		for i, e := range t {
			l[i] = copyValue(e)
		}
		return l
	default:
		return v
	}
}

// ComputeJobID derives a stable id from the spec content, ignoring any id
// already set. Re-submitting the same job therefore resumes its checkpoint.
func (s PipelineSpec) ComputeJobID() string {
	c := s.Clone()
	c.JobID = ""
	// Map keys are sorted by encoding/json, so equal specs hash equally.
	b, err := json.Marshal(c)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])[:16]
}

// Validate checks the fields every job needs. Step parameters are checked by
// compile.
func (s PipelineSpec) Validate() error {
	var errs []error
	if s.Source.Path == "" {
		errs = append(errs, errors.New("source.path is required"))
	}
	if s.Output.Container == "" {
		errs = append(errs, errors.New("output.container is required"))
	}
	if s.WindowSize < 0 {
		errs = append(errs, fmt.Errorf("window_size must not be negative, got %d", s.WindowSize))
	}
	if s.Workers < 0 {
		errs = append(errs, fmt.Errorf("workers must not be negative, got %d", s.Workers))
	}
	return errors.Join(errs...)
}
