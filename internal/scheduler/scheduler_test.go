package scheduler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zclconf/go-cty/cty"

	"github.com/vk/sampleflow/internal/catalog"
	"github.com/vk/sampleflow/internal/config"
	"github.com/vk/sampleflow/internal/report"
	"github.com/vk/sampleflow/internal/runerr"
	"github.com/vk/sampleflow/internal/sample"
	"github.com/vk/sampleflow/internal/topology"
)

func mustTemplate(t *testing.T, src string) hcl.Expression {
	t.Helper()
	expr, err := catalog.ParseTemplate(src)
	require.NoError(t, err)
	return expr
}

func newRun(t *testing.T, mutate func(*config.Run)) *config.Run {
	t.Helper()
	r := config.Run{OutDir: t.TempDir(), Workers: 8}
	if mutate != nil {
		mutate(&r)
	}
	run, err := config.NewRun(r)
	require.NoError(t, err)
	return run
}

func execute(t *testing.T, cat *catalog.Catalog, run *config.Run, samples []sample.Sample, runner CommandRunner) ([]report.InstanceStatus, error) {
	t.Helper()
	graph, err := topology.Build(context.Background(), cat, run)
	require.NoError(t, err)
	s := New(graph, cat, run, samples, Options{Runner: runner})
	return s.Execute(context.Background())
}

// countStage shells out per sample and emits one two-column counts file.
func countStage(t *testing.T, ignoreErrors bool) *catalog.Stage {
	t.Helper()
	return &catalog.Stage{
		Name:         "count",
		IgnoreErrors: ignoreErrors,
		Inputs:       []*catalog.Input{{Channel: catalog.ChannelReads}},
		Outputs:      []*catalog.Output{{Channel: "counts", Pattern: "*.count.txt"}},
		Command:      mustTemplate(t, "count ${reads} > ${sample}.count.txt"),
	}
}

// aggregateStage merges the collected counts via the built-in reducer.
func aggregateStage() *catalog.Stage {
	return &catalog.Stage{
		Name:    "aggregate",
		Inputs:  []*catalog.Input{{Channel: "counts", Collected: true}},
		Outputs: []*catalog.Output{{Channel: "table", Pattern: "counts.tsv"}},
		Builtin: catalog.BuiltinMergeCounts,
	}
}

func threeSamples() []sample.Sample {
	return []sample.Sample{
		{ID: "s1", Files: []string{"s1_R1.fq", "s1_R2.fq"}},
		{ID: "s2", Files: []string{"s2_R1.fq", "s2_R2.fq"}},
		{ID: "s3", Files: []string{"s3_R1.fq", "s3_R2.fq"}},
	}
}

// redirectRunner simulates a tool writing the file named after the shell
// redirection in its rendered command.
func redirectRunner(content string, failFor string) RunnerFunc {
	return func(_ context.Context, command, workDir string) error {
		if failFor != "" && strings.Contains(command, failFor) {
			return fmt.Errorf("simulated tool failure")
		}
		_, target, ok := strings.Cut(command, "> ")
		if !ok {
			return fmt.Errorf("no redirection in command %q", command)
		}
		return os.WriteFile(filepath.Join(workDir, strings.TrimSpace(target)), []byte(content), 0o644)
	}
}

func findStatus(statuses []report.InstanceStatus, stage, key string) *report.InstanceStatus {
	for i := range statuses {
		if statuses[i].Stage == stage && statuses[i].Key == key {
			return &statuses[i]
		}
	}
	return nil
}

func TestExecuteHappyPathPublishesPerSampleAndAggregate(t *testing.T) {
	cat := &catalog.Catalog{
		Stages:   []*catalog.Stage{countStage(t, false), aggregateStage()},
		Profiles: map[string]*catalog.Profile{},
	}
	run := newRun(t, nil)
	samples := threeSamples()

	statuses, err := execute(t, cat, run, samples,
		redirectRunner("geneA\t10\ngeneB\t20\n", ""))
	require.NoError(t, err)

	for _, smp := range samples {
		st := findStatus(statuses, "count", smp.ID)
		require.NotNil(t, st, "missing status for count[%s]", smp.ID)
		assert.Equal(t, "succeeded", st.State)
		assert.FileExists(t, filepath.Join(run.OutDir, "count", smp.ID, smp.ID+".count.txt"))
	}
	agg := findStatus(statuses, "aggregate", "aggregate")
	require.NotNil(t, agg)
	assert.Equal(t, "succeeded", agg.State)

	data, err := os.ReadFile(filepath.Join(run.OutDir, "aggregate", "counts.tsv"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 3)

	header := strings.Split(lines[0], "\t")
	require.Equal(t, "feature", header[0])
	cols := header[1:]
	sort.Strings(cols)
	assert.Equal(t, []string{"s1", "s2", "s3"}, cols)
	assert.Equal(t, "geneA\t10\t10\t10", lines[1])
}

func TestSoloStagePublishesToAggregateDir(t *testing.T) {
	cat := &catalog.Catalog{
		Stages:   []*catalog.Stage{countStage(t, false), aggregateStage()},
		Profiles: map[string]*catalog.Profile{},
	}
	run := newRun(t, nil)

	_, err := execute(t, cat, run, threeSamples(), redirectRunner("geneA\t1\n", ""))
	require.NoError(t, err)

	// Per-sample outputs nest under the sample key; the single-instance
	// aggregate publishes directly into the stage directory.
	assert.FileExists(t, filepath.Join(run.OutDir, "count", "s1", "s1.count.txt"))
	assert.FileExists(t, filepath.Join(run.OutDir, "aggregate", "counts.tsv"))
	assert.NoFileExists(t, filepath.Join(run.OutDir, "aggregate", "aggregate", "counts.tsv"))
}

func TestClassCeilingNeverExceeded(t *testing.T) {
	heavy := &catalog.Stage{
		Name:    "heavy",
		Profile: "big",
		Inputs:  []*catalog.Input{{Channel: catalog.ChannelReads}},
		Outputs: []*catalog.Output{{Channel: "done", Pattern: "*.done"}},
		Command: mustTemplate(t, "work ${reads} > ${sample}.done"),
	}
	cat := &catalog.Catalog{
		Stages:   []*catalog.Stage{heavy},
		Profiles: map[string]*catalog.Profile{"big": {Name: "big", MaxConcurrent: 2}},
	}
	run := newRun(t, func(r *config.Run) { r.Workers = 8 })

	samples := make([]sample.Sample, 6)
	for i := range samples {
		samples[i] = sample.Sample{ID: fmt.Sprintf("s%d", i), Files: []string{fmt.Sprintf("s%d.fq", i)}}
	}

	var running, peak atomic.Int32
	runner := RunnerFunc(func(_ context.Context, command, workDir string) error {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		running.Add(-1)
		return redirectRunner("", "")(context.Background(), command, workDir)
	})

	_, err := execute(t, cat, run, samples, runner)
	require.NoError(t, err)
	assert.LessOrEqual(t, peak.Load(), int32(2), "class ceiling breached")
}

func TestGlobalWorkerCapNeverExceeded(t *testing.T) {
	stage := &catalog.Stage{
		Name:    "work",
		Inputs:  []*catalog.Input{{Channel: catalog.ChannelReads}},
		Outputs: []*catalog.Output{{Channel: "done", Pattern: "*.done"}},
		Command: mustTemplate(t, "work ${reads} > ${sample}.done"),
	}
	cat := &catalog.Catalog{Stages: []*catalog.Stage{stage}, Profiles: map[string]*catalog.Profile{}}
	run := newRun(t, func(r *config.Run) { r.Workers = 3 })

	samples := make([]sample.Sample, 9)
	for i := range samples {
		samples[i] = sample.Sample{ID: fmt.Sprintf("s%d", i), Files: []string{fmt.Sprintf("s%d.fq", i)}}
	}

	var running, peak atomic.Int32
	runner := RunnerFunc(func(_ context.Context, command, workDir string) error {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		running.Add(-1)
		return redirectRunner("", "")(context.Background(), command, workDir)
	})

	_, err := execute(t, cat, run, samples, runner)
	require.NoError(t, err)
	assert.LessOrEqual(t, peak.Load(), int32(3), "global worker cap breached")
}

func TestFailFastAbortsRunAndSkipsAggregate(t *testing.T) {
	cat := &catalog.Catalog{
		Stages:   []*catalog.Stage{countStage(t, false), aggregateStage()},
		Profiles: map[string]*catalog.Profile{},
	}
	run := newRun(t, nil)

	statuses, err := execute(t, cat, run, threeSamples(),
		redirectRunner("geneA\t1\n", "s2"))
	require.Error(t, err)

	var stageErr *runerr.StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, "count", stageErr.Stage)
	assert.Equal(t, "s2", stageErr.Key)
	assert.Equal(t, runerr.ExitRun, runerr.ExitCode(err))

	assert.Nil(t, findStatus(statuses, "aggregate", "aggregate"), "aggregate must not run after a fatal failure")
	assert.NoFileExists(t, filepath.Join(run.OutDir, "aggregate", "counts.tsv"))

	failed := findStatus(statuses, "count", "s2")
	require.NotNil(t, failed)
	assert.Equal(t, "failed", failed.State)
	assert.False(t, failed.Ignored)
}

func TestIgnorableFailureDegradesInsteadOfAborting(t *testing.T) {
	cat := &catalog.Catalog{
		Stages:   []*catalog.Stage{countStage(t, true), aggregateStage()},
		Profiles: map[string]*catalog.Profile{},
	}
	run := newRun(t, nil)

	statuses, err := execute(t, cat, run, threeSamples(),
		redirectRunner("geneA\t5\n", "s2"))
	require.NoError(t, err, "an ignorable failure must not fail the run")

	ignored := findStatus(statuses, "count", "s2")
	require.NotNil(t, ignored)
	assert.Equal(t, "failed", ignored.State)
	assert.True(t, ignored.Ignored)

	agg := findStatus(statuses, "aggregate", "aggregate")
	require.NotNil(t, agg)
	assert.Equal(t, "succeeded", agg.State)

	data, err := os.ReadFile(filepath.Join(run.OutDir, "aggregate", "counts.tsv"))
	require.NoError(t, err)
	header := strings.Split(strings.SplitN(strings.TrimSpace(string(data)), "\n", 2)[0], "\t")
	cols := header[1:]
	sort.Strings(cols)
	assert.Equal(t, []string{"s1", "s3"}, cols, "the ignored sample must be absent from the aggregate")
}

func TestClassTimeoutFailsInstance(t *testing.T) {
	slow := &catalog.Stage{
		Name:    "slow",
		Profile: "quick",
		Inputs:  []*catalog.Input{{Channel: catalog.ChannelReads}},
		Outputs: []*catalog.Output{{Channel: "done", Pattern: "*.done"}},
		Command: mustTemplate(t, "sleep forever > ${sample}.done"),
	}
	cat := &catalog.Catalog{
		Stages:   []*catalog.Stage{slow},
		Profiles: map[string]*catalog.Profile{"quick": {Name: "quick", Timeout: 20 * time.Millisecond}},
	}
	run := newRun(t, nil)

	runner := RunnerFunc(func(ctx context.Context, _, _ string) error {
		select {
		case <-time.After(time.Second):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	_, err := execute(t, cat, run, threeSamples()[:1], runner)
	require.Error(t, err)
	var stageErr *runerr.StageError
	require.ErrorAs(t, err, &stageErr)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFallbackValueReachesCommand(t *testing.T) {
	builder := &catalog.Stage{
		Name:    "build_index",
		When:    mustExpr(t, "var.build_index"),
		Inputs:  []*catalog.Input{{Channel: catalog.ChannelReads}},
		Outputs: []*catalog.Output{{Channel: "index", Pattern: "*.idx"}},
		Command: mustTemplate(t, "index ${reads} > genome.idx"),
	}
	align := &catalog.Stage{
		Name: "align",
		Inputs: []*catalog.Input{
			{Channel: catalog.ChannelReads},
			{Channel: "index", Fallback: "index_path"},
		},
		Outputs: []*catalog.Output{{Channel: "aligned", Pattern: "*.bam"}},
		Command: mustTemplate(t, "align -x ${index} ${reads} > ${sample}.bam"),
	}
	cat := &catalog.Catalog{Stages: []*catalog.Stage{builder, align}, Profiles: map[string]*catalog.Profile{}}
	run := newRun(t, func(r *config.Run) {
		r.Vars = map[string]cty.Value{
			"build_index": cty.False,
			"index_path":  cty.StringVal("/ref/genome.idx"),
		}
	})

	var mu sync.Mutex
	var commands []string
	runner := RunnerFunc(func(ctx context.Context, command, workDir string) error {
		mu.Lock()
		commands = append(commands, command)
		mu.Unlock()
		return redirectRunner("", "")(ctx, command, workDir)
	})

	_, err := execute(t, cat, run, threeSamples()[:1], runner)
	require.NoError(t, err)

	require.Len(t, commands, 1)
	assert.Contains(t, commands[0], "-x /ref/genome.idx")
	assert.Contains(t, commands[0], "s1_R1.fq s1_R2.fq")
}

func TestMissingOutputIsStageFailure(t *testing.T) {
	stage := countStage(t, false)
	cat := &catalog.Catalog{Stages: []*catalog.Stage{stage}, Profiles: map[string]*catalog.Profile{}}
	run := newRun(t, nil)

	// Runner succeeds but writes nothing, so output capture finds no
	// files matching the declared pattern.
	runner := RunnerFunc(func(context.Context, string, string) error { return nil })

	_, err := execute(t, cat, run, threeSamples()[:1], runner)
	require.Error(t, err)
	var stageErr *runerr.StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Contains(t, err.Error(), "no files matching")
}

func TestPublishModeLink(t *testing.T) {
	cat := &catalog.Catalog{Stages: []*catalog.Stage{countStage(t, false)}, Profiles: map[string]*catalog.Profile{}}
	run := newRun(t, func(r *config.Run) { r.PublishMode = config.PublishLink })

	_, err := execute(t, cat, run, threeSamples()[:1], redirectRunner("geneA\t1\n", ""))
	require.NoError(t, err)

	data, readErr := os.ReadFile(filepath.Join(run.OutDir, "count", "s1", "s1.count.txt"))
	require.NoError(t, readErr)
	assert.Equal(t, "geneA\t1\n", string(data))
}

func mustExpr(t *testing.T, src string) hcl.Expression {
	t.Helper()
	expr, err := catalog.ParseExpression(src)
	require.NoError(t, err)
	return expr
}
