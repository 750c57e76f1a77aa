package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCounters(reg)
	if c.DetectedFaults == nil || c.BackupsWritten == nil || c.ResourcesDeleted == nil {
		t.Fatal("expected all counters to be initialized")
	}
}

func TestRecordDetected(t *testing.T) {
	c := NewCounters(prometheus.NewRegistry())
	c.RecordDetected(2)
	c.RecordDetected(0)
	if val := testutil.ToFloat64(c.DetectedFaults); val != 2 {
		t.Errorf("expected 2, got %f", val)
	}
}

func TestRecordBackup_ByKind(t *testing.T) {
	c := NewCounters(prometheus.NewRegistry())
	c.RecordBackup("job")
	c.RecordBackup("job")
	c.RecordBackup("configmap")
	if val := testutil.ToFloat64(c.BackupsWritten.WithLabelValues("job")); val != 2 {
		t.Errorf("expected 2 job backups, got %f", val)
	}
	if val := testutil.ToFloat64(c.BackupsWritten.WithLabelValues("configmap")); val != 1 {
		t.Errorf("expected 1 configmap backup, got %f", val)
	}
}

func TestRecordFailure_ByStep(t *testing.T) {
	c := NewCounters(prometheus.NewRegistry())
	c.RecordFailure("backup")
	if val := testutil.ToFloat64(c.RemediationFailures.WithLabelValues("backup")); val != 1 {
		t.Errorf("expected 1, got %f", val)
	}
}

func TestRecordRemediatedAndAmbiguous(t *testing.T) {
	c := NewCounters(prometheus.NewRegistry())
	c.RecordRemediated()
	c.RecordAmbiguousOwner()
	c.RecordDeleted("installplan")
	if val := testutil.ToFloat64(c.RemediatedPlans); val != 1 {
		t.Errorf("expected 1 remediated, got %f", val)
	}
	if val := testutil.ToFloat64(c.AmbiguousOwners); val != 1 {
		t.Errorf("expected 1 ambiguous, got %f", val)
	}
	if val := testutil.ToFloat64(c.ResourcesDeleted.WithLabelValues("installplan")); val != 1 {
		t.Errorf("expected 1 deletion, got %f", val)
	}
}

func TestPush_GroupsByRun(t *testing.T) {
	var method, path, body string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method, path = r.Method, r.URL.Path
		buf := new(strings.Builder)
		_, _ = io.Copy(buf, r.Body)
		body = buf.String()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	reg := prometheus.NewRegistry()
	c := NewCounters(reg)
	c.RecordDetected(1)

	if err := Push(context.Background(), srv.URL, "run-1", reg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if method != http.MethodPut {
		t.Errorf("expected PUT, got %s", method)
	}
	if path != "/metrics/job/ipfix/run/run-1" {
		t.Errorf("unexpected push path %q", path)
	}
	if body == "" {
		t.Error("expected a non-empty metrics body")
	}
}

func TestPush_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	if err := Push(context.Background(), srv.URL, "run-1", prometheus.NewRegistry()); err == nil {
		t.Error("expected error for 500 response")
	}
}
