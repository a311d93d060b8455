// Package runerr defines the error taxonomy of a pipeline run and the
// mapping from error class to process exit code. Calling infrastructure
// distinguishes "bad input" (configuration or pipeline-authoring errors,
// raised before any stage runs) from "tool failure" (a stage's external
// command failed mid-run).
package runerr

import (
	"errors"
	"fmt"
)

// Exit codes surfaced by the CLI.
const (
	ExitOK     = 0
	ExitRun    = 1 // a stage failed or the run aborted mid-flight
	ExitConfig = 2 // configuration or topology error, nothing was executed
)

// ConfigError reports invalid or missing run configuration, such as an
// input glob that matches nothing or a required option that was never
// supplied. It is always detected before scheduling begins and is never
// retried.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string {
	return "configuration error: " + e.Reason
}

// Configf builds a ConfigError from a format string.
func Configf(format string, args ...any) error {
	return &ConfigError{Reason: fmt.Sprintf(format, args...)}
}

// TopologyError reports a cyclic or unresolvable stage graph. It always
// indicates a pipeline-authoring bug, never a transient condition.
type TopologyError struct {
	Reason string
}

func (e *TopologyError) Error() string {
	return "topology error: " + e.Reason
}

// Topologyf builds a TopologyError from a format string.
func Topologyf(format string, args ...any) error {
	return &TopologyError{Reason: fmt.Sprintf(format, args...)}
}

// StageError reports that one stage instance failed: its external command
// exited non-zero, timed out, or did not produce its declared outputs.
type StageError struct {
	Stage string
	Key   string // sample id, or the stage name for single-instance stages
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s[%s]: %v", e.Stage, e.Key, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// ResourceLimitError reports a breach of an internal resource ceiling,
// e.g. the reducer's own accounting exceeding the open-file budget. It
// signals an engine bug, not a user error, and is always fatal.
type ResourceLimitError struct {
	Reason string
}

func (e *ResourceLimitError) Error() string {
	return "resource limit violated: " + e.Reason
}

// ExitCode maps an error to the process exit code contract: 0 for nil,
// ExitConfig for configuration and topology errors, ExitRun otherwise.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var cfgErr *ConfigError
	var topoErr *TopologyError
	if errors.As(err, &cfgErr) || errors.As(err, &topoErr) {
		return ExitConfig
	}
	return ExitRun
}
