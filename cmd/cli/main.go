package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/vk/sampleflow/internal/app"
	"github.com/vk/sampleflow/internal/cli"
	"github.com/vk/sampleflow/internal/runerr"
)

// main is the entrypoint for the sampleflow application.
func main() {
	// Use a minimal logger until the full one is configured.
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	// The real main function handles errors and exit codes.
	if err := run(os.Stdout, os.Args[1:]); err != nil {
		if exitErr, ok := err.(*cli.ExitError); ok {
			fmt.Fprintln(os.Stderr, exitErr.Message)
			os.Exit(exitErr.Code)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(runerr.ExitCode(err))
	}
}

// run encapsulates the main application logic for easier testing and error
// handling. Configuration and topology errors surface before any stage
// runs; the exit-code mapping in main distinguishes them from mid-run
// stage failures.
func run(outW io.Writer, args []string) error {
	appConfig, shouldExit, err := cli.Parse(args, outW)
	if err != nil {
		return err
	}
	if shouldExit {
		return nil
	}

	engine, err := app.NewApp(outW, appConfig)
	if err != nil {
		return err
	}

	return engine.Run(context.Background(), appConfig)
}
