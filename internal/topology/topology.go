// Package topology assembles the stage graph for one run: it evaluates
// each stage's inclusion predicate against the run configuration, infers
// dependency edges from matching channel names, substitutes configured
// fallback values for inputs whose producer was excluded, and validates
// that the result is an acyclic graph with every input resolved. Building
// a topology has no side effects; the output is handed to the scheduler.
package topology

import (
	"context"

	"github.com/hashicorp/hcl/v2"
	"github.com/zclconf/go-cty/cty"

	"github.com/vk/sampleflow/internal/catalog"
	"github.com/vk/sampleflow/internal/config"
	"github.com/vk/sampleflow/internal/ctxlog"
	"github.com/vk/sampleflow/internal/runerr"
)

// Node is one included stage together with its resolved wiring.
type Node struct {
	Stage *catalog.Stage

	// Deps maps stage name to the upstream nodes this node consumes from.
	Deps map[string]*Node
	// Dependents maps stage name to the downstream nodes consuming this
	// node's outputs.
	Dependents map[string]*Node

	// External maps an input channel name to the value substituted from
	// the run configuration because no included stage produces it.
	External map[string]string
}

// Graph is the validated, ready-to-schedule topology of one run. Once
// built it is fixed: no stage is added or removed mid-run.
type Graph struct {
	// Nodes holds the included stages keyed by name.
	Nodes map[string]*Node
	// Order lists included stage names in catalog order, for
	// deterministic iteration.
	Order []string
	// Producers maps each produced channel name to its producing stage.
	// The reserved ingestion channel is not listed.
	Producers map[string]string
	// Excluded maps each excluded stage name to a human-readable reason.
	Excluded map[string]string
}

// Build produces the subgraph of catalog stages whose inclusion predicate
// holds under the run configuration, with edges inferred from channel
// names. It fails fast with a TopologyError on an unresolvable input, an
// ambiguous producer, or a cycle.
func Build(ctx context.Context, cat *catalog.Catalog, run *config.Run) (*Graph, error) {
	logger := ctxlog.FromContext(ctx)

	g := &Graph{
		Nodes:     make(map[string]*Node),
		Producers: make(map[string]string),
		Excluded:  make(map[string]string),
	}

	evalCtx := &hcl.EvalContext{
		Variables: map[string]cty.Value{"var": run.VarsObject()},
	}

	included := make(map[string]*catalog.Stage)
	for _, s := range cat.Stages {
		ok, err := evalPredicate(s, evalCtx)
		if err != nil {
			return nil, err
		}
		if !ok {
			g.Excluded[s.Name] = "inclusion predicate is false"
			logger.Debug("Stage excluded by predicate.", "stage", s.Name)
			continue
		}
		included[s.Name] = s
	}

	// Producer index over the whole catalog, used to tell "producer was
	// excluded" apart from "no such channel anywhere". Same-channel
	// outputs on two stages are only ambiguous when both stages end up
	// included; that is checked over the included set below.
	catalogProducers := make(map[string][]string)
	for _, s := range cat.Stages {
		for _, out := range s.Outputs {
			catalogProducers[out.Channel] = append(catalogProducers[out.Channel], s.Name)
		}
	}

	// Transitive exclusion to a fixpoint: a stage whose inputs are all
	// unproducible (producer excluded, no fallback) drops out, which can
	// in turn orphan its own consumers.
	for changed := true; changed; {
		changed = false
		for name, s := range included {
			if len(s.Inputs) == 0 {
				continue
			}
			resolvable := 0
			for _, in := range s.Inputs {
				state, err := resolveInput(in, included, catalogProducers, run, name)
				if err != nil {
					return nil, err
				}
				if state != inputOrphaned {
					resolvable++
				}
			}
			if resolvable == 0 {
				delete(included, name)
				g.Excluded[name] = "all inputs come from excluded stages"
				logger.Debug("Stage transitively excluded.", "stage", name)
				changed = true
			}
		}
	}

	// Ambiguous-producer check over the included set.
	for name, s := range included {
		for _, out := range s.Outputs {
			if prev, dup := g.Producers[out.Channel]; dup {
				return nil, runerr.Topologyf("channel %q has two producers: %s and %s", out.Channel, prev, name)
			}
			g.Producers[out.Channel] = name
		}
	}

	// Materialize nodes and edges. A partially unresolvable stage (some
	// inputs fine, one orphaned) is an error, not an exclusion.
	for _, s := range cat.Stages {
		if _, ok := included[s.Name]; !ok {
			continue
		}
		g.Nodes[s.Name] = &Node{
			Stage:      s,
			Deps:       make(map[string]*Node),
			Dependents: make(map[string]*Node),
			External:   make(map[string]string),
		}
		g.Order = append(g.Order, s.Name)
	}
	for name, node := range g.Nodes {
		for _, in := range node.Stage.Inputs {
			state, err := resolveInput(in, included, catalogProducers, run, name)
			if err != nil {
				return nil, err
			}
			switch state {
			case inputIngested:
				// Fed by sample ingestion, no stage dependency.
			case inputExternal:
				val, _ := run.StringVar(in.Fallback)
				node.External[in.Channel] = val
			case inputProduced:
				producer := g.Nodes[g.Producers[in.Channel]]
				node.Deps[producer.Stage.Name] = producer
				producer.Dependents[name] = node
			case inputOrphaned:
				return nil, runerr.Topologyf(
					"input %q of stage %q has no producer: stage %q is excluded and no fallback is configured",
					in.Channel, name, catalogProducers[in.Channel][0])
			}
		}
	}

	if err := g.detectCycles(); err != nil {
		return nil, err
	}

	logger.Info("Topology built.",
		"included", len(g.Nodes), "excluded", len(g.Excluded), "channels", len(g.Producers))
	return g, nil
}

type inputState int

const (
	inputIngested inputState = iota // reserved sample channel
	inputExternal                   // fallback value from run configuration
	inputProduced                   // produced by an included stage
	inputOrphaned                   // producer excluded, no fallback
)

// resolveInput classifies how one declared input is satisfied under the
// current included set. An input whose channel exists nowhere in the
// catalog is an immediate authoring error.
func resolveInput(in *catalog.Input, included map[string]*catalog.Stage, catalogProducers map[string][]string, run *config.Run, stage string) (inputState, error) {
	if in.Channel == catalog.ChannelReads {
		return inputIngested, nil
	}
	producers, known := catalogProducers[in.Channel]
	for _, producer := range producers {
		if _, ok := included[producer]; ok {
			return inputProduced, nil
		}
	}
	if in.Fallback != "" {
		if _, ok := run.StringVar(in.Fallback); ok {
			return inputExternal, nil
		}
	}
	if !known {
		return 0, runerr.Topologyf("input %q of stage %q is not produced by any stage", in.Channel, stage)
	}
	return inputOrphaned, nil
}

// evalPredicate evaluates a stage's `when` expression to a boolean. A
// missing predicate includes the stage unconditionally.
func evalPredicate(s *catalog.Stage, evalCtx *hcl.EvalContext) (bool, error) {
	if s.When == nil {
		return true, nil
	}
	val, diags := s.When.Value(evalCtx)
	if diags.HasErrors() {
		return false, runerr.Topologyf("evaluating predicate of stage %q: %s", s.Name, diags.Error())
	}
	if val.IsNull() || val.Type() != cty.Bool {
		return false, runerr.Topologyf("predicate of stage %q must be a boolean, got %s", s.Name, val.Type().FriendlyName())
	}
	return val.True(), nil
}

// detectCycles runs a depth-first search over dependency edges and fails
// on the first back edge.
func (g *Graph) detectCycles() error {
	visiting := make(map[string]bool)
	visited := make(map[string]bool)

	var visit func(node *Node) error
	visit = func(node *Node) error {
		visiting[node.Stage.Name] = true
		for _, dep := range node.Deps {
			if visiting[dep.Stage.Name] {
				return runerr.Topologyf("cycle detected involving stage %q", dep.Stage.Name)
			}
			if !visited[dep.Stage.Name] {
				if err := visit(dep); err != nil {
					return err
				}
			}
		}
		delete(visiting, node.Stage.Name)
		visited[node.Stage.Name] = true
		return nil
	}

	for _, node := range g.Nodes {
		if !visited[node.Stage.Name] {
			if err := visit(node); err != nil {
				return err
			}
		}
	}
	return nil
}
