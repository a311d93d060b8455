package config

import (
	"context"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"

	"github.com/vk/sampleflow/internal/ctxlog"
	"github.com/vk/sampleflow/internal/runerr"
)

// fileSchema mirrors the HCL surface of a run-configuration file.
type fileSchema struct {
	Options *optionsSchema  `hcl:"options,block"`
	Samples *samplesSchema  `hcl:"samples,block"`
	Sample  []*sampleSchema `hcl:"sample,block"`
	Limits  []*limitsSchema `hcl:"limits,block"`
}

type optionsSchema struct {
	OutDir       string         `hcl:"outdir,optional"`
	PublishMode  string         `hcl:"publish_mode,optional"`
	Workers      int            `hcl:"workers,optional"`
	BatchSize    int            `hcl:"batch_size,optional"`
	MaxOpenFiles int            `hcl:"max_open_files,optional"`
	ReportURL    string         `hcl:"report_url,optional"`
	Vars         hcl.Expression `hcl:"vars,optional"`
}

type samplesSchema struct {
	Glob string `hcl:"glob"`
}

type sampleSchema struct {
	ID    string   `hcl:"id,label"`
	Files []string `hcl:"files"`
}

type limitsSchema struct {
	Profile       string `hcl:"profile,label"`
	MaxConcurrent int    `hcl:"max_concurrent,optional"`
	Timeout       string `hcl:"timeout,optional"`
}

// Overrides carries the CLI flags that take precedence over the options
// file. Zero values mean "not set".
type Overrides struct {
	OutDir  string
	Workers int
}

// Load reads a run-configuration HCL file, applies CLI overrides, and
// returns the validated immutable Run. An empty path yields a Run built
// from defaults and overrides alone.
func Load(ctx context.Context, path string, ov Overrides) (*Run, error) {
	logger := ctxlog.FromContext(ctx)

	var run Run
	if path != "" {
		parser := hclparse.NewParser()
		file, diags := parser.ParseHCLFile(path)
		if diags.HasErrors() {
			return nil, runerr.Configf("parsing run configuration %s: %s", path, diags.Error())
		}

		var schema fileSchema
		if diags := gohcl.DecodeBody(file.Body, nil, &schema); diags.HasErrors() {
			return nil, runerr.Configf("decoding run configuration %s: %s", path, diags.Error())
		}
		if err := translate(&schema, &run); err != nil {
			return nil, err
		}
		logger.Debug("Run configuration file loaded.", "path", path)
	}

	if ov.OutDir != "" {
		run.OutDir = ov.OutDir
	}
	if ov.Workers > 0 {
		run.Workers = ov.Workers
	}

	return NewRun(run)
}

// translate converts the decoded HCL schema into the Run model.
func translate(schema *fileSchema, run *Run) error {
	if opts := schema.Options; opts != nil {
		run.OutDir = opts.OutDir
		run.PublishMode = PublishMode(opts.PublishMode)
		run.Workers = opts.Workers
		run.BatchSize = opts.BatchSize
		run.MaxOpenFiles = opts.MaxOpenFiles
		run.ReportURL = opts.ReportURL

		if opts.Vars != nil {
			val, diags := opts.Vars.Value(nil)
			if diags.HasErrors() {
				return runerr.Configf("evaluating vars: %s", diags.Error())
			}
			if !val.IsNull() && val.Type() != cty.NilType && val.Type() != cty.DynamicPseudoType {
				if !val.Type().IsObjectType() && !val.Type().IsMapType() {
					return runerr.Configf("vars must be an object, got %s", val.Type().FriendlyName())
				}
				run.Vars = map[string]cty.Value{}
				for it := val.ElementIterator(); it.Next(); {
					k, v := it.Element()
					run.Vars[k.AsString()] = v
				}
			}
		}
	}

	if schema.Samples != nil {
		run.Source.Glob = schema.Samples.Glob
	}
	for _, s := range schema.Sample {
		if len(s.Files) == 0 {
			return runerr.Configf("sample %q declares no files", s.ID)
		}
		run.Source.Samples = append(run.Source.Samples, ExplicitSample{ID: s.ID, Files: s.Files})
	}

	for _, l := range schema.Limits {
		lim := ProfileLimits{MaxConcurrent: l.MaxConcurrent}
		if l.Timeout != "" {
			d, err := time.ParseDuration(l.Timeout)
			if err != nil {
				return runerr.Configf("limits %q: invalid timeout %q", l.Profile, l.Timeout)
			}
			lim.Timeout = d
		}
		if run.Limits == nil {
			run.Limits = map[string]ProfileLimits{}
		}
		run.Limits[l.Profile] = lim
	}

	return nil
}
