// Package catalog defines the static stage-definition catalog: the named
// units of work a pipeline is built from, with their declared input and
// output channels, inclusion predicates, resource profiles, and command
// templates. The catalog is authored in HCL and validated once at load
// time; which stages actually run for a given invocation is decided later
// by the topology builder.
package catalog

import (
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
)

// ChannelReads is the reserved channel name produced by sample ingestion.
// A stage declaring it as an input receives each sample's own input files.
const ChannelReads = "reads"

// BuiltinMergeCounts names the engine-provided aggregation stage body: it
// merges collected per-sample count columns into one table via the chunked
// reducer instead of shelling out to an external tool.
const BuiltinMergeCounts = "merge_counts"

// Catalog is the validated set of stage definitions and resource profiles.
type Catalog struct {
	Stages   []*Stage
	Profiles map[string]*Profile
}

// Stage is one named unit of pipeline work.
type Stage struct {
	Name string

	// When is the inclusion predicate, an HCL expression over var.*
	// evaluated once at topology-build time. Nil means always included.
	When hcl.Expression

	// Profile names the resource class this stage runs under. Empty means
	// the default class.
	Profile string

	// IgnoreErrors marks a failing instance of this stage as ignorable:
	// the run continues and downstream aggregation excludes the sample.
	IgnoreErrors bool

	Inputs  []*Input
	Outputs []*Output

	// Command is the execution template, an HCL string template evaluated
	// per instance with the resolved input paths and sample id in scope.
	// Opaque to the engine beyond templating. Nil iff Builtin is set.
	Command hcl.Expression

	// Builtin selects an engine-provided stage body instead of a command.
	Builtin string
}

// Input declares one input channel of a stage.
type Input struct {
	// Channel is the name binding this input to some stage's output (or
	// to ingestion for the reserved "reads" channel).
	Channel string

	// Collected switches the input to collected consumption: the stage
	// waits for the producer to close and receives the full sequence at
	// once. A stage with any collected input runs as a single instance.
	Collected bool

	// Fallback names a run-configuration var substituted as this input's
	// value when the producing stage is excluded from the topology.
	Fallback string
}

// Output declares one output channel of a stage and the file pattern that
// captures its values from the instance work area.
type Output struct {
	Channel string
	Pattern string
}

// Profile is a named tier of concurrency and wall-clock limits applied to
// a group of stages.
type Profile struct {
	Name string

	// MaxConcurrent caps the number of simultaneously running instances
	// in this class. Zero or negative means "bounded only by the global
	// worker cap".
	MaxConcurrent int

	// Timeout is the per-instance wall-clock budget. Zero means none.
	Timeout time.Duration
}

// Collected reports whether the stage consumes any collected input and
// therefore runs as a single instance behind the fan-in barrier.
func (s *Stage) Collected() bool {
	for _, in := range s.Inputs {
		if in.Collected {
			return true
		}
	}
	return false
}

// Input returns the declared input for a channel name, or nil.
func (s *Stage) Input(channel string) *Input {
	for _, in := range s.Inputs {
		if in.Channel == channel {
			return in
		}
	}
	return nil
}

// ParseExpression parses an HCL expression from source, for building
// catalogs programmatically (predicates, command templates).
func ParseExpression(src string) (hcl.Expression, error) {
	expr, diags := hclsyntax.ParseExpression([]byte(src), "<expr>", hcl.InitialPos)
	if diags.HasErrors() {
		return nil, diags
	}
	return expr, nil
}

// ParseTemplate parses an HCL string template (with ${} interpolation)
// from source, for building command templates programmatically.
func ParseTemplate(src string) (hcl.Expression, error) {
	expr, diags := hclsyntax.ParseTemplate([]byte(src), "<template>", hcl.InitialPos)
	if diags.HasErrors() {
		return nil, diags
	}
	return expr, nil
}
