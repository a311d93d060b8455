// Package testutil provides the shared harness for integration tests:
// it materializes pipeline and run-configuration trees in a temporary
// directory, wires the app with an injected command runner, and captures
// log output.
package testutil

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vk/sampleflow/internal/app"
	"github.com/vk/sampleflow/internal/scheduler"
)

// SafeBuffer is a thread-safe buffer for capturing log output in tests.
type SafeBuffer struct {
	b  bytes.Buffer
	mu sync.Mutex
}

// Write implements the io.Writer interface for SafeBuffer.
func (b *SafeBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.b.Write(p)
}

// String implements the fmt.Stringer interface for SafeBuffer.
func (b *SafeBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.b.String()
}

// HarnessResult holds the outcomes of an integration test run.
type HarnessResult struct {
	LogOutput string
	Err       error
	OutDir    string
}

// RunPipelineTest writes the given files under a temporary root (pipeline
// definitions under "pipeline/", the run configuration as "run.hcl"),
// runs the app end to end with the injected command runner, and returns
// the outcome. A nil runner uses the real shell boundary.
func RunPipelineTest(t *testing.T, files map[string]string, runner scheduler.CommandRunner) *HarnessResult {
	t.Helper()

	tmpDir := t.TempDir()
	pipelineDir := filepath.Join(tmpDir, "pipeline")
	require.NoError(t, os.Mkdir(pipelineDir, 0o755))

	configPath := ""
	for name, content := range files {
		filePath := filepath.Join(tmpDir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(filePath), 0o755))
		require.NoError(t, os.WriteFile(filePath, []byte(content), 0o644))
		if name == "run.hcl" {
			configPath = filePath
		}
	}

	outDir := filepath.Join(tmpDir, "results")
	cfg, err := app.NewConfig(app.Config{
		PipelinePath: pipelineDir,
		ConfigPath:   configPath,
		OutDir:       outDir,
		Workers:      4,
		LogLevel:     "debug",
		LogFormat:    "text",
	})
	require.NoError(t, err)

	logBuffer := &SafeBuffer{}
	engine, err := app.NewApp(logBuffer, cfg)
	if err != nil {
		return &HarnessResult{LogOutput: logBuffer.String(), Err: err, OutDir: outDir}
	}
	if runner != nil {
		engine.SetRunner(runner)
	}

	runErr := engine.Run(context.Background(), cfg)
	return &HarnessResult{LogOutput: logBuffer.String(), Err: runErr, OutDir: outDir}
}
