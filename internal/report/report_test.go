package report

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleSummary() *Summary {
	return &Summary{
		RunID:     "run-1",
		Status:    StatusSucceeded,
		StartedAt: time.Now(),
		Elapsed:   3 * time.Second,
		Samples:   2,
		Config:    map[string]string{"outdir": "results"},
		Instances: []InstanceStatus{
			{Stage: "align", Key: "s1", State: "succeeded"},
			{Stage: "align", Key: "s2", State: "succeeded"},
		},
	}
}

func TestWebhookReporterDeliversJSON(t *testing.T) {
	var got Summary
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	r := NewWebhookReporter(srv.URL)
	require.NoError(t, r.Report(context.Background(), sampleSummary()))

	assert.Equal(t, "run-1", got.RunID)
	assert.Equal(t, StatusSucceeded, got.Status)
	require.Len(t, got.Instances, 2)
	assert.Equal(t, "align", got.Instances[0].Stage)
}

func TestWebhookReporterRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	r := NewWebhookReporter(srv.URL)
	require.NoError(t, r.Report(context.Background(), sampleSummary()))
	assert.Equal(t, int32(2), calls.Load())
}

func TestWebhookReporterGivesUpOnClientError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	r := NewWebhookReporter(srv.URL)
	err := r.Report(context.Background(), sampleSummary())
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load(), "4xx must not be retried")
}

type stubReporter struct {
	called bool
	err    error
}

func (s *stubReporter) Report(context.Context, *Summary) error {
	s.called = true
	return s.err
}

func TestMultiAttemptsEveryReporter(t *testing.T) {
	first := &stubReporter{err: assert.AnError}
	second := &stubReporter{}

	err := Multi{first, second}.Report(context.Background(), sampleSummary())
	assert.ErrorIs(t, err, assert.AnError)
	assert.True(t, second.called, "failure of one reporter must not skip the rest")
}
