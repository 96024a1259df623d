package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func value(t *testing.T, mfs []*dto.MetricFamily, name string) float64 {
	t.Helper()
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		var sum float64
		for _, m := range mf.GetMetric() {
			switch {
			case m.Gauge != nil:
				sum += m.GetGauge().GetValue()
			case m.Counter != nil:
				sum += m.GetCounter().GetValue()
			}
		}
		return sum
	}
	t.Fatalf("metric %s not found", name)
	return 0
}

func TestRegisterIdempotentAndHelpersWork(t *testing.T) {
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := Register(reg); err != nil {
		t.Fatalf("second register: %v", err)
	}
	if !Enabled() {
		t.Fatal("expected Enabled after Register")
	}

	IncStarted()
	IncStarted()
	ObserveFinished("completed", 0.2)
	IncSpawnFailure()
	AddSubscribers(2)
	AddSubscribers(-1)
	IncLagged()
	IncPersistFailure("finalize")
	IncHistoryFailure()
	ObserveHTTP("GET", "/api/stats", "200", 0.001)

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if v := value(t, mfs, "scriptd_execution_running"); v != 1 {
		t.Fatalf("running gauge = %v, want 1", v)
	}
	if v := value(t, mfs, "scriptd_stream_subscribers"); v != 1 {
		t.Fatalf("subscribers gauge = %v, want 1", v)
	}
	if v := value(t, mfs, "scriptd_execution_finished_total"); v != 1 {
		t.Fatalf("finished counter = %v, want 1", v)
	}
	wantNames := map[string]bool{
		"scriptd_execution_started_total":        false,
		"scriptd_execution_finished_total":       false,
		"scriptd_execution_spawn_failures_total": false,
		"scriptd_execution_duration_seconds":     false,
		"scriptd_stream_lagged_total":            false,
		"scriptd_store_persist_failures_total":   false,
		"scriptd_history_send_failures_total":    false,
		"scriptd_http_request_duration_seconds":  false,
	}
	for _, mf := range mfs {
		if _, ok := wantNames[mf.GetName()]; ok {
			wantNames[mf.GetName()] = true
		}
	}
	for n, ok := range wantNames {
		if !ok {
			t.Fatalf("expected to find metric %s", n)
		}
	}

	srv := httptest.NewServer(HandlerFor(reg))
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "scriptd_execution_started_total 2") {
		t.Fatalf("exposition missing counter:\n%s", body)
	}
}
