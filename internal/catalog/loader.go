package catalog

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"

	"github.com/vk/sampleflow/internal/ctxlog"
	"github.com/vk/sampleflow/internal/fsutil"
	"github.com/vk/sampleflow/internal/runerr"
)

// fileSchema mirrors the HCL surface of a pipeline definition file.
type fileSchema struct {
	Profiles []*profileSchema `hcl:"profile,block"`
	Stages   []*stageSchema   `hcl:"stage,block"`
}

type profileSchema struct {
	Name          string `hcl:"name,label"`
	MaxConcurrent int    `hcl:"max_concurrent,optional"`
	Timeout       string `hcl:"timeout,optional"`
}

type stageSchema struct {
	Name         string          `hcl:"name,label"`
	When         hcl.Expression  `hcl:"when,optional"`
	Profile      string          `hcl:"profile,optional"`
	IgnoreErrors bool            `hcl:"ignore_errors,optional"`
	Inputs       []*inputSchema  `hcl:"input,block"`
	Outputs      []*outputSchema `hcl:"output,block"`
	Command      hcl.Expression  `hcl:"command,optional"`
	Builtin      string          `hcl:"builtin,optional"`
}

type inputSchema struct {
	Channel   string `hcl:"channel,label"`
	Collected bool   `hcl:"collected,optional"`
	Fallback  string `hcl:"fallback,optional"`
}

type outputSchema struct {
	Channel string `hcl:"channel,label"`
	Pattern string `hcl:"pattern"`
}

// Load reads a pipeline definition from a single .hcl file or a directory
// of them, translates it into the catalog model, and validates it.
func Load(ctx context.Context, path string) (*Catalog, error) {
	logger := ctxlog.FromContext(ctx)

	info, err := os.Stat(path)
	if err != nil {
		return nil, runerr.Configf("pipeline path %s: %v", path, err)
	}
	var paths []string
	if info.IsDir() {
		paths, err = fsutil.FindFilesByExtension(path, ".hcl")
		if err != nil {
			return nil, runerr.Configf("scanning pipeline directory %s: %v", path, err)
		}
		if len(paths) == 0 {
			return nil, runerr.Configf("pipeline directory %s contains no .hcl files", path)
		}
	} else {
		paths = []string{path}
	}

	cat := &Catalog{Profiles: make(map[string]*Profile)}
	parser := hclparse.NewParser()
	for _, p := range paths {
		file, diags := parser.ParseHCLFile(p)
		if diags.HasErrors() {
			return nil, runerr.Configf("parsing pipeline file %s: %s", p, diags.Error())
		}
		var schema fileSchema
		if diags := gohcl.DecodeBody(file.Body, nil, &schema); diags.HasErrors() {
			return nil, runerr.Configf("decoding pipeline file %s: %s", p, diags.Error())
		}
		if err := translate(&schema, cat); err != nil {
			return nil, err
		}
		logger.Debug("Pipeline file loaded.", "path", p)
	}

	if err := Validate(cat); err != nil {
		return nil, err
	}
	logger.Debug("Pipeline catalog validated.", "stages", len(cat.Stages), "profiles", len(cat.Profiles))
	return cat, nil
}

// translate converts one decoded file into catalog entries.
func translate(schema *fileSchema, cat *Catalog) error {
	for _, p := range schema.Profiles {
		prof := &Profile{Name: p.Name, MaxConcurrent: p.MaxConcurrent}
		if p.Timeout != "" {
			d, err := time.ParseDuration(p.Timeout)
			if err != nil {
				return runerr.Configf("profile %q: invalid timeout %q", p.Name, p.Timeout)
			}
			prof.Timeout = d
		}
		if _, dup := cat.Profiles[p.Name]; dup {
			return runerr.Topologyf("profile %q defined more than once", p.Name)
		}
		cat.Profiles[p.Name] = prof
	}

	for _, s := range schema.Stages {
		stage := &Stage{
			Name:         s.Name,
			When:         exprOrNil(s.When),
			Profile:      s.Profile,
			IgnoreErrors: s.IgnoreErrors,
			Command:      exprOrNil(s.Command),
			Builtin:      s.Builtin,
		}
		for _, in := range s.Inputs {
			stage.Inputs = append(stage.Inputs, &Input{
				Channel:   in.Channel,
				Collected: in.Collected,
				Fallback:  in.Fallback,
			})
		}
		for _, out := range s.Outputs {
			stage.Outputs = append(stage.Outputs, &Output{
				Channel: out.Channel,
				Pattern: out.Pattern,
			})
		}
		cat.Stages = append(cat.Stages, stage)
	}
	return nil
}

// exprOrNil normalizes gohcl's placeholder for an absent optional
// expression attribute back to nil.
func exprOrNil(expr hcl.Expression) hcl.Expression {
	if expr == nil {
		return nil
	}
	if v, diags := expr.Value(nil); !diags.HasErrors() && v.IsNull() {
		return nil
	}
	return expr
}

// Validate checks catalog-level invariants that do not depend on the run
// configuration. Violations are pipeline-authoring bugs.
func Validate(cat *Catalog) error {
	if len(cat.Stages) == 0 {
		return runerr.Topologyf("pipeline defines no stages")
	}

	seen := make(map[string]bool)
	for _, s := range cat.Stages {
		if s.Name == "" {
			return runerr.Topologyf("stage with empty name")
		}
		if seen[s.Name] {
			return runerr.Topologyf("stage %q defined more than once", s.Name)
		}
		seen[s.Name] = true

		if err := validateStage(cat, s); err != nil {
			return err
		}
	}
	return nil
}

func validateStage(cat *Catalog, s *Stage) error {
	if s.Profile != "" {
		if _, ok := cat.Profiles[s.Profile]; !ok {
			return runerr.Topologyf("stage %q references undefined profile %q", s.Name, s.Profile)
		}
	}

	switch {
	case s.Builtin == "" && s.Command == nil:
		return runerr.Topologyf("stage %q has neither a command nor a builtin", s.Name)
	case s.Builtin != "" && s.Command != nil:
		return runerr.Topologyf("stage %q declares both a command and a builtin", s.Name)
	case s.Builtin != "" && s.Builtin != BuiltinMergeCounts:
		return runerr.Topologyf("stage %q references unknown builtin %q", s.Name, s.Builtin)
	}
	if s.Builtin == BuiltinMergeCounts {
		if !s.Collected() {
			return runerr.Topologyf("stage %q: builtin %q requires a collected input", s.Name, s.Builtin)
		}
		if len(s.Outputs) != 1 {
			return runerr.Topologyf("stage %q: builtin %q requires exactly one output", s.Name, s.Builtin)
		}
	}

	inputs := make(map[string]bool)
	for _, in := range s.Inputs {
		if in.Channel == "" {
			return runerr.Topologyf("stage %q has an input with an empty channel name", s.Name)
		}
		if inputs[in.Channel] {
			return runerr.Topologyf("stage %q declares input %q twice", s.Name, in.Channel)
		}
		inputs[in.Channel] = true
	}

	if len(s.Outputs) == 0 {
		return runerr.Topologyf("stage %q declares no outputs", s.Name)
	}
	outputs := make(map[string]bool)
	for _, out := range s.Outputs {
		if out.Channel == ChannelReads {
			return runerr.Topologyf("stage %q produces reserved channel %q", s.Name, ChannelReads)
		}
		if out.Pattern == "" {
			return runerr.Topologyf("stage %q output %q has an empty pattern", s.Name, out.Channel)
		}
		if outputs[out.Channel] {
			return runerr.Topologyf("stage %q declares output %q twice", s.Name, out.Channel)
		}
		outputs[out.Channel] = true
		if inputs[out.Channel] {
			return runerr.Topologyf("stage %q uses channel %q as both input and output", s.Name, out.Channel)
		}
	}
	return nil
}

// Stage returns the stage with the given name, or an error naming it.
func (c *Catalog) Stage(name string) (*Stage, error) {
	for _, s := range c.Stages {
		if s.Name == name {
			return s, nil
		}
	}
	return nil, fmt.Errorf("unknown stage %q", name)
}
