package report

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/vk/sampleflow/internal/ctxlog"
)

// LogReporter writes the summary to the run's structured log.
type LogReporter struct{}

// Report implements Reporter.
func (LogReporter) Report(ctx context.Context, s *Summary) error {
	logger := ctxlog.FromContext(ctx)
	logger.Info("Run finished.",
		"run_id", s.RunID,
		"status", s.Status,
		"samples", s.Samples,
		"elapsed", s.Elapsed.Round(time.Millisecond),
	)
	for _, inst := range s.Instances {
		l := logger.With("stage", inst.Stage, "key", inst.Key, "state", inst.State)
		switch {
		case inst.Ignored:
			l.Warn("Stage instance failed but was marked ignorable; sample excluded downstream.", "error", inst.Error)
		case inst.Error != "":
			l.Error("Stage instance failed.", "error", inst.Error)
		default:
			l.Debug("Stage instance finished.")
		}
	}
	if s.Error != "" {
		logger.Error("Run failed.", "error", s.Error)
	}
	return nil
}

// WebhookReporter POSTs the summary as JSON to a configured URL, retrying
// transient failures with exponential backoff.
type WebhookReporter struct {
	url        string
	client     *http.Client
	maxRetries uint64
}

// NewWebhookReporter builds a reporter for the given endpoint.
func NewWebhookReporter(url string) *WebhookReporter {
	return &WebhookReporter{
		url: url,
		client: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 90 * time.Second,
			},
		},
		maxRetries: 4,
	}
}

// Report implements Reporter.
func (w *WebhookReporter) Report(ctx context.Context, s *Summary) error {
	body, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encoding summary: %w", err)
	}

	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := w.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 500 {
			return fmt.Errorf("report endpoint returned %s", resp.Status)
		}
		if resp.StatusCode >= 400 {
			return backoff.Permanent(fmt.Errorf("report endpoint rejected summary: %s", resp.Status))
		}
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(newExponentialBackOff(), w.maxRetries), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return fmt.Errorf("delivering summary to %s: %w", w.url, err)
	}
	ctxlog.FromContext(ctx).Debug("Summary delivered.", "url", w.url)
	return nil
}

func newExponentialBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxElapsedTime = 2 * time.Minute
	return b
}

// Multi fans a summary out to several reporters, collecting the first
// error but always attempting every one.
type Multi []Reporter

// Report implements Reporter.
func (m Multi) Report(ctx context.Context, s *Summary) error {
	var firstErr error
	for _, r := range m {
		if err := r.Report(ctx, s); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
