// Package scheduler executes a built topology: it expands stages into
// per-sample instances, admits them through per-class concurrency limits
// under a global worker cap, runs their commands at the external-tool
// boundary, publishes declared outputs, and propagates values between
// stages over broadcast channels.
//
// Admission is per class: every resource class has its own FIFO queue and
// admitter goroutine, so a saturated class never starves another; the
// global worker semaphore is the only shared ceiling. The default failure
// policy is fail-fast (cancel the run, poison every channel); stages
// marked ignore_errors degrade instead, dropping the failed sample from
// downstream consumers.
package scheduler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/zclconf/go-cty/cty"

	"github.com/vk/sampleflow/internal/catalog"
	"github.com/vk/sampleflow/internal/channel"
	"github.com/vk/sampleflow/internal/config"
	"github.com/vk/sampleflow/internal/ctxlog"
	"github.com/vk/sampleflow/internal/fsutil"
	"github.com/vk/sampleflow/internal/metrics"
	"github.com/vk/sampleflow/internal/reduce"
	"github.com/vk/sampleflow/internal/report"
	"github.com/vk/sampleflow/internal/runerr"
	"github.com/vk/sampleflow/internal/sample"
	"github.com/vk/sampleflow/internal/topology"
)

// defaultClass is the resource class of stages that name no profile.
const defaultClass = "default"

// Options configures optional scheduler collaborators.
type Options struct {
	// Runner executes stage commands. Nil selects ExecRunner.
	Runner CommandRunner
	// Metrics receives execution gauges and counters. Nil disables them.
	Metrics *metrics.Scheduler
}

// Scheduler drives one run of a built topology to completion.
type Scheduler struct {
	graph   *topology.Graph
	run     *config.Run
	samples []sample.Sample
	runner  CommandRunner
	metrics *metrics.Scheduler

	channels map[string]*channel.Channel[[]string]
	classes  map[string]*class
	workers  chan struct{}

	cancel context.CancelFunc

	mu       sync.Mutex
	statuses []report.InstanceStatus

	failOnce sync.Once
	firstErr error
}

// class is one admission lane: a FIFO queue drained by a dedicated
// admitter under the class ceiling and the global worker cap.
type class struct {
	name    string
	sem     chan struct{} // nil when bounded only by the global cap
	queue   chan *pending
	timeout time.Duration
}

type pending struct {
	ready chan struct{}
}

// New assembles a scheduler for one run. The catalog supplies resource
// profiles; run-configuration limits override them per class.
func New(g *topology.Graph, cat *catalog.Catalog, run *config.Run, samples []sample.Sample, opts Options) *Scheduler {
	s := &Scheduler{
		graph:    g,
		run:      run,
		samples:  samples,
		runner:   opts.Runner,
		metrics:  opts.Metrics,
		channels: make(map[string]*channel.Channel[[]string]),
		classes:  make(map[string]*class),
		workers:  make(chan struct{}, run.Workers),
	}
	if s.runner == nil {
		s.runner = ExecRunner{}
	}

	s.channels[catalog.ChannelReads] = channel.New[[]string](catalog.ChannelReads)
	for name := range g.Producers {
		s.channels[name] = channel.New[[]string](name)
	}

	queueCap := len(samples)*len(g.Order) + 1
	for _, name := range g.Order {
		stage := g.Nodes[name].Stage
		cname := className(stage)
		if _, ok := s.classes[cname]; ok {
			continue
		}
		maxConcurrent, timeout := resolveLimits(cname, cat, run)
		c := &class{
			name:    cname,
			queue:   make(chan *pending, queueCap),
			timeout: timeout,
		}
		if maxConcurrent > 0 {
			c.sem = make(chan struct{}, maxConcurrent)
		}
		s.classes[cname] = c
	}
	return s
}

func className(stage *catalog.Stage) string {
	if stage.Profile == "" {
		return defaultClass
	}
	return stage.Profile
}

// resolveLimits layers run-configuration overrides on top of the
// catalog profile. A zero override leaves the profile value in place.
func resolveLimits(cname string, cat *catalog.Catalog, run *config.Run) (int, time.Duration) {
	var maxConcurrent int
	var timeout time.Duration
	if p := cat.Profiles[cname]; p != nil {
		maxConcurrent = p.MaxConcurrent
		timeout = p.Timeout
	}
	if lim, ok := run.Limits[cname]; ok {
		if lim.MaxConcurrent > 0 {
			maxConcurrent = lim.MaxConcurrent
		}
		if lim.Timeout > 0 {
			timeout = lim.Timeout
		}
	}
	return maxConcurrent, timeout
}

// Execute runs the topology to completion and returns the terminal status
// of every instance that started, in stage-then-key order. The returned
// error is the first fatal failure, nil on a clean run.
func (s *Scheduler) Execute(ctx context.Context) ([]report.InstanceStatus, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.cancel = cancel

	for _, c := range s.classes {
		go s.admitLoop(runCtx, c)
	}

	// Sample ingestion feeds the reserved channel up front; broadcast
	// subscribers replay the full sequence, so feed order is immaterial.
	reads := s.channels[catalog.ChannelReads]
	for _, smp := range s.samples {
		reads.Write(smp.ID, smp.Files)
	}
	reads.Close()

	var dispatchers sync.WaitGroup
	for _, name := range s.graph.Order {
		node := s.graph.Nodes[name]
		dispatchers.Add(1)
		go func() {
			defer dispatchers.Done()
			s.dispatchStage(runCtx, node)
		}()
	}
	dispatchers.Wait()
	cancel()

	s.mu.Lock()
	statuses := s.statuses
	s.mu.Unlock()
	s.sortStatuses(statuses)

	if s.firstErr == nil && ctx.Err() != nil {
		return statuses, ctx.Err()
	}
	return statuses, s.firstErr
}

// fail records the first fatal error, cancels the run, and poisons every
// channel so blocked consumers unwind instead of waiting forever.
func (s *Scheduler) fail(err error) {
	s.failOnce.Do(func() {
		s.firstErr = err
		s.cancel()
		for _, ch := range s.channels {
			ch.Abort(err)
		}
	})
}

// admitLoop grants admission to one class's queue in FIFO order, first
// under the class ceiling, then under the global worker cap.
func (s *Scheduler) admitLoop(ctx context.Context, c *class) {
	for {
		select {
		case <-ctx.Done():
			return
		case p := <-c.queue:
			if c.sem != nil {
				select {
				case c.sem <- struct{}{}:
				case <-ctx.Done():
					return
				}
			}
			select {
			case s.workers <- struct{}{}:
			case <-ctx.Done():
				if c.sem != nil {
					<-c.sem
				}
				return
			}
			close(p.ready)
		}
	}
}

func (s *Scheduler) release(c *class) {
	<-s.workers
	if c.sem != nil {
		<-c.sem
	}
}

// dispatchStage feeds one stage's instances. Single-instance stages (any
// collected input, or no channel-bound input at all) gather everything
// behind the fan-in barrier and run once; per-sample stages correlate
// streaming arrivals by key and spawn an instance as soon as a key is
// complete.
func (s *Scheduler) dispatchStage(ctx context.Context, node *topology.Node) {
	stage := node.Stage

	streaming := make(map[string]*channel.Stream[[]string])
	if !stage.Collected() {
		for _, in := range stage.Inputs {
			if _, external := node.External[in.Channel]; external {
				continue
			}
			streaming[in.Channel] = s.channels[in.Channel].Stream()
		}
	}

	if len(streaming) == 0 {
		s.dispatchSolo(ctx, node)
		return
	}
	s.dispatchPerSample(ctx, node, streaming)
}

// dispatchSolo runs a stage exactly once, collecting every channel-bound
// input in full before execution.
func (s *Scheduler) dispatchSolo(ctx context.Context, node *topology.Node) {
	stage := node.Stage
	inst := &Instance{
		Stage:     stage,
		Key:       stage.Name,
		solo:      true,
		inputs:    make(map[string][]string),
		collected: make(map[string][]keyedPaths),
	}

	for _, in := range stage.Inputs {
		if val, external := node.External[in.Channel]; external {
			inst.inputs[in.Channel] = []string{val}
			continue
		}
		items, err := s.channels[in.Channel].Collected(ctx)
		if err != nil {
			// Poisoned or canceled; the failure is already recorded.
			return
		}
		seq := make([]keyedPaths, 0, len(items))
		var flat []string
		for _, it := range items {
			seq = append(seq, keyedPaths{key: it.Key, paths: it.Value})
			flat = append(flat, it.Value...)
		}
		inst.collected[in.Channel] = seq
		inst.inputs[in.Channel] = flat
	}

	s.runInstance(ctx, node, inst)
	s.closeOutputs(node)
}

type arrival struct {
	ch   string
	item channel.Item[[]string]
}

// dispatchPerSample spawns one instance per sample key once every
// streaming input has delivered a value for that key. A sample dropped
// upstream (ignored failure) simply never completes and never runs here.
func (s *Scheduler) dispatchPerSample(ctx context.Context, node *topology.Node, streaming map[string]*channel.Stream[[]string]) {
	stage := node.Stage
	arrivals := make(chan arrival)

	var feeders sync.WaitGroup
	for name, st := range streaming {
		feeders.Add(1)
		go func(name string, st *channel.Stream[[]string]) {
			defer feeders.Done()
			for {
				item, ok, err := st.Next(ctx)
				if err != nil || !ok {
					return
				}
				select {
				case arrivals <- arrival{ch: name, item: item}:
				case <-ctx.Done():
					return
				}
			}
		}(name, st)
	}
	go func() {
		feeders.Wait()
		close(arrivals)
	}()

	var instances sync.WaitGroup
	partial := make(map[string]map[string][]string)
	for a := range arrivals {
		byChannel := partial[a.item.Key]
		if byChannel == nil {
			byChannel = make(map[string][]string)
			partial[a.item.Key] = byChannel
		}
		byChannel[a.ch] = a.item.Value
		if len(byChannel) < len(streaming) {
			continue
		}
		delete(partial, a.item.Key)

		inst := &Instance{
			Stage:  stage,
			Key:    a.item.Key,
			inputs: byChannel,
		}
		for name, val := range node.External {
			inst.inputs[name] = []string{val}
		}
		instances.Add(1)
		go func() {
			defer instances.Done()
			s.runInstance(ctx, node, inst)
		}()
	}
	instances.Wait()
	s.closeOutputs(node)
}

// closeOutputs marks the stage's output channels complete once its last
// instance is terminal. Closing a poisoned channel is a no-op.
func (s *Scheduler) closeOutputs(node *topology.Node) {
	for _, out := range node.Stage.Outputs {
		if s.graph.Producers[out.Channel] == node.Stage.Name {
			s.channels[out.Channel].Close()
		}
	}
}

// runInstance takes one instance through admission, execution, and
// terminal-state accounting.
func (s *Scheduler) runInstance(ctx context.Context, node *topology.Node, inst *Instance) {
	stage := node.Stage
	logger := ctxlog.FromContext(ctx).With("stage", stage.Name, "key", inst.Key)
	c := s.classes[className(stage)]

	inst.advance(StateReady)
	s.gaugeQueued(c.name, 1)
	p := &pending{ready: make(chan struct{})}
	select {
	case c.queue <- p:
	case <-ctx.Done():
		s.gaugeQueued(c.name, -1)
		return
	}
	select {
	case <-p.ready:
	case <-ctx.Done():
		s.gaugeQueued(c.name, -1)
		// The admitter may have granted concurrently; give the tokens
		// back if so.
		select {
		case <-p.ready:
			s.release(c)
		default:
		}
		return
	}
	defer s.release(c)
	s.gaugeQueued(c.name, -1)
	s.gaugeRunning(c.name, 1)
	defer s.gaugeRunning(c.name, -1)

	inst.advance(StateRunning)
	inst.started = time.Now()
	logger.Debug("Stage instance running.", "class", c.name)
	err := s.executeInstance(ctx, c, node, inst)
	inst.elapsed = time.Since(inst.started)

	if err != nil {
		stageErr := &runerr.StageError{Stage: stage.Name, Key: inst.Key, Err: err}
		inst.advance(StateFailed)
		s.countCompleted(stage.Name, "failed")
		if stage.IgnoreErrors {
			logger.Warn("Stage instance failed; marked ignorable, sample excluded downstream.", "error", err)
			s.record(inst, true, stageErr)
			return
		}
		logger.Error("Stage instance failed; aborting run.", "error", err)
		s.record(inst, false, stageErr)
		s.fail(stageErr)
		return
	}

	inst.advance(StateSucceeded)
	s.countCompleted(stage.Name, "succeeded")
	s.record(inst, false, nil)
	logger.Debug("Stage instance succeeded.", "elapsed", inst.elapsed.Round(time.Millisecond))
}

// executeInstance performs the work of one admitted instance: render and
// run the command (or the built-in body), capture declared outputs,
// publish them, and write them to the output channels.
func (s *Scheduler) executeInstance(ctx context.Context, c *class, node *topology.Node, inst *Instance) error {
	stage := node.Stage
	workDir := filepath.Join(s.run.OutDir, "work", s.run.RunID, stage.Name, inst.Key)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return fmt.Errorf("creating work dir: %w", err)
	}

	runCtx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	if stage.Builtin == catalog.BuiltinMergeCounts {
		if err := s.runBuiltinMerge(runCtx, inst, workDir); err != nil {
			return err
		}
	} else {
		command, err := renderCommand(stage, inst)
		if err != nil {
			return err
		}
		if err := s.runner.Run(runCtx, command, workDir); err != nil {
			return err
		}
	}

	destDir := filepath.Join(s.run.OutDir, stage.Name)
	if !inst.solo {
		destDir = filepath.Join(destDir, inst.Key)
	}
	publish := fsutil.CopyFile
	if s.run.PublishMode == config.PublishLink {
		publish = fsutil.LinkOrCopy
	}

	published := make(map[string][]string, len(stage.Outputs))
	for _, out := range stage.Outputs {
		matches, err := filepath.Glob(filepath.Join(workDir, out.Pattern))
		if err != nil {
			return fmt.Errorf("invalid output pattern %q: %w", out.Pattern, err)
		}
		if len(matches) == 0 {
			return fmt.Errorf("no files matching %q were produced", out.Pattern)
		}
		sort.Strings(matches)
		for _, m := range matches {
			dst := filepath.Join(destDir, filepath.Base(m))
			if err := publish(m, dst); err != nil {
				return fmt.Errorf("publishing %s: %w", filepath.Base(m), err)
			}
			published[out.Channel] = append(published[out.Channel], dst)
		}
	}

	for name, paths := range published {
		if s.graph.Producers[name] == stage.Name {
			s.channels[name].Write(inst.Key, paths)
		}
	}
	return nil
}

// runBuiltinMerge feeds the collected per-sample partials into the
// chunked reducer instead of shelling out.
func (s *Scheduler) runBuiltinMerge(ctx context.Context, inst *Instance, workDir string) error {
	var seq []keyedPaths
	for _, in := range inst.Stage.Inputs {
		if in.Collected {
			seq = inst.collected[in.Channel]
			break
		}
	}

	inputs := make([]reduce.Input, 0, len(seq))
	for _, kp := range seq {
		if len(kp.paths) != 1 {
			return fmt.Errorf("sample %q delivered %d files to aggregation, want exactly 1", kp.key, len(kp.paths))
		}
		inputs = append(inputs, reduce.Input{Sample: kp.key, Path: kp.paths[0]})
	}

	out := filepath.Join(workDir, inst.Stage.Outputs[0].Pattern)
	return reduce.MergeFiles(ctx, inputs, out, s.run.BatchSize, s.run.MaxOpenFiles)
}

// renderCommand evaluates the stage's command template with the resolved
// inputs and the sample key in scope.
func renderCommand(stage *catalog.Stage, inst *Instance) (string, error) {
	vars := map[string]cty.Value{
		"sample": cty.StringVal(inst.Key),
	}
	for name, paths := range inst.inputs {
		vars[name] = cty.StringVal(strings.Join(paths, " "))
	}

	val, diags := stage.Command.Value(&hcl.EvalContext{Variables: vars})
	if diags.HasErrors() {
		return "", fmt.Errorf("rendering command: %s", diags.Error())
	}
	if val.IsNull() || val.Type() != cty.String {
		return "", fmt.Errorf("command template must produce a string")
	}
	return val.AsString(), nil
}

func (s *Scheduler) record(inst *Instance, ignored bool, err error) {
	status := report.InstanceStatus{
		Stage:   inst.Stage.Name,
		Key:     inst.Key,
		State:   inst.State().String(),
		Ignored: ignored,
		Elapsed: inst.elapsed,
	}
	if err != nil {
		status.Error = err.Error()
	}
	s.mu.Lock()
	s.statuses = append(s.statuses, status)
	s.mu.Unlock()
}

// sortStatuses orders terminal statuses by catalog stage order, then key,
// so summaries are deterministic regardless of completion order.
func (s *Scheduler) sortStatuses(statuses []report.InstanceStatus) {
	rank := make(map[string]int, len(s.graph.Order))
	for i, name := range s.graph.Order {
		rank[name] = i
	}
	sort.Slice(statuses, func(i, j int) bool {
		if statuses[i].Stage != statuses[j].Stage {
			return rank[statuses[i].Stage] < rank[statuses[j].Stage]
		}
		return statuses[i].Key < statuses[j].Key
	})
}

func (s *Scheduler) gaugeQueued(class string, d float64) {
	if s.metrics != nil {
		s.metrics.Queued.WithLabelValues(class).Add(d)
	}
}

func (s *Scheduler) gaugeRunning(class string, d float64) {
	if s.metrics != nil {
		s.metrics.Running.WithLabelValues(class).Add(d)
	}
}

func (s *Scheduler) countCompleted(stage, outcome string) {
	if s.metrics != nil {
		s.metrics.Completed.WithLabelValues(stage, outcome).Inc()
	}
}
