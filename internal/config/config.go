// Package config defines the immutable Run Configuration: the feature
// flags, resource ceilings, sample source, and output destination fixed
// for the lifetime of one pipeline run. It is assembled exactly once,
// from an HCL options file merged with CLI overrides, and consulted at
// topology-build time; nothing mutates it mid-run.
package config

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/zclconf/go-cty/cty"

	"github.com/vk/sampleflow/internal/runerr"
)

// PublishMode selects how stage outputs are materialized at the output
// destination.
type PublishMode string

const (
	// PublishCopy copies output files into the destination tree.
	PublishCopy PublishMode = "copy"
	// PublishLink hard-links output files, falling back to copy when the
	// destination is on a different filesystem.
	PublishLink PublishMode = "link"
)

// ProfileLimits overrides the concurrency ceiling and wall-clock budget of
// one resource-profile class.
type ProfileLimits struct {
	MaxConcurrent int
	Timeout       time.Duration
}

// ExplicitSample is one (sample-id, file-set) pair supplied directly in
// the run configuration instead of being discovered by glob.
type ExplicitSample struct {
	ID    string
	Files []string
}

// Source specifies where input samples come from: a glob pattern, an
// explicit sample list, or both.
type Source struct {
	Glob    string
	Samples []ExplicitSample
}

// Run is the immutable record of one run's configuration.
type Run struct {
	RunID        string
	OutDir       string
	PublishMode  PublishMode
	Workers      int
	BatchSize    int
	MaxOpenFiles int
	ReportURL    string

	// Vars holds the feature flags and fallback values exposed to stage
	// inclusion predicates and input fallbacks as var.<name>.
	Vars map[string]cty.Value

	// Limits holds per-profile overrides keyed by profile name.
	Limits map[string]ProfileLimits

	Source Source
}

// Defaults applied when neither the options file nor the CLI sets a value.
const (
	DefaultOutDir       = "results"
	DefaultWorkers      = 10
	DefaultBatchSize    = 100
	DefaultMaxOpenFiles = 256
)

// NewRun validates a populated Run, fills defaults, and stamps it with a
// fresh run ID. It returns a ConfigError on any invalid field.
func NewRun(r Run) (*Run, error) {
	if r.OutDir == "" {
		r.OutDir = DefaultOutDir
	}
	if r.PublishMode == "" {
		r.PublishMode = PublishCopy
	}
	if r.PublishMode != PublishCopy && r.PublishMode != PublishLink {
		return nil, runerr.Configf("publish_mode must be %q or %q, got %q", PublishCopy, PublishLink, r.PublishMode)
	}
	if r.Workers == 0 {
		r.Workers = DefaultWorkers
	}
	if r.Workers < 1 {
		return nil, runerr.Configf("workers must be at least 1, got %d", r.Workers)
	}
	if r.BatchSize == 0 {
		r.BatchSize = DefaultBatchSize
	}
	if r.BatchSize < 1 {
		return nil, runerr.Configf("batch_size must be at least 1, got %d", r.BatchSize)
	}
	if r.MaxOpenFiles == 0 {
		r.MaxOpenFiles = DefaultMaxOpenFiles
	}
	if r.MaxOpenFiles < r.BatchSize {
		return nil, runerr.Configf("max_open_files (%d) must not be below batch_size (%d)", r.MaxOpenFiles, r.BatchSize)
	}
	for name, lim := range r.Limits {
		if lim.MaxConcurrent < 0 {
			return nil, runerr.Configf("limits %q: max_concurrent cannot be negative", name)
		}
	}
	if r.Vars == nil {
		r.Vars = map[string]cty.Value{}
	}
	if r.Limits == nil {
		r.Limits = map[string]ProfileLimits{}
	}

	r.RunID = uuid.NewString()
	return &r, nil
}

// StringVar returns the named var as a string, with ok=false when it is
// absent or not a string. Used to resolve input fallbacks.
func (r *Run) StringVar(name string) (string, bool) {
	v, ok := r.Vars[name]
	if !ok || v.Type() != cty.String || v.IsNull() {
		return "", false
	}
	return v.AsString(), true
}

// VarsObject packages the run's vars as a single cty object for predicate
// evaluation contexts.
func (r *Run) VarsObject() cty.Value {
	if len(r.Vars) == 0 {
		return cty.EmptyObjectVal
	}
	return cty.ObjectVal(r.Vars)
}

// Snapshot renders the run configuration as a flat string map for the
// completion summary.
func (r *Run) Snapshot() map[string]string {
	snap := map[string]string{
		"outdir":       r.OutDir,
		"publish_mode": string(r.PublishMode),
		"workers":      fmt.Sprintf("%d", r.Workers),
		"batch_size":   fmt.Sprintf("%d", r.BatchSize),
	}
	for name, v := range r.Vars {
		snap["var."+name] = ctyToDisplay(v)
	}
	return snap
}

func ctyToDisplay(v cty.Value) string {
	if v.IsNull() {
		return "null"
	}
	switch v.Type() {
	case cty.String:
		return v.AsString()
	case cty.Bool:
		return fmt.Sprintf("%t", v.True())
	case cty.Number:
		return v.AsBigFloat().Text('g', -1)
	default:
		return v.GoString()
	}
}
