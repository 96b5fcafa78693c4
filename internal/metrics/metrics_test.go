package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"gtcpd/internal/scheduler"
)

func TestRecorderTracksEvents(t *testing.T) {
	r := New()
	r.Observe(scheduler.Event{Kind: scheduler.EventWorkerConnected, Workers: 1, IdleWorkers: 1})
	r.Observe(scheduler.Event{Kind: scheduler.EventTaskQueued, Clients: 3, Workers: 1, WaitingTasks: 2})
	r.Observe(scheduler.Event{Kind: scheduler.EventTaskQueued, Clients: 3, Workers: 1, WaitingTasks: 3})
	r.Observe(scheduler.Event{
		Kind: scheduler.EventTaskCompleted, Command: "RELAY", Latency: 5 * time.Millisecond,
		Clients: 3, Workers: 1, WaitingTasks: 2,
	})

	families, err := r.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	gauges := map[string]float64{}
	counters := map[string]float64{}
	var latencySamples uint64
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			switch mf.GetName() {
			case "gtcpd_clients", "gtcpd_waiting_tasks":
				gauges[mf.GetName()] = m.GetGauge().GetValue()
			case "gtcpd_scheduler_events_total":
				for _, lp := range m.GetLabel() {
					counters[lp.GetValue()] = m.GetCounter().GetValue()
				}
			case "gtcpd_task_duration_seconds":
				latencySamples += m.GetHistogram().GetSampleCount()
			}
		}
	}

	if gauges["gtcpd_clients"] != 3 {
		t.Errorf("clients = %v, want 3", gauges["gtcpd_clients"])
	}
	if gauges["gtcpd_waiting_tasks"] != 2 {
		t.Errorf("waiting = %v, want 2", gauges["gtcpd_waiting_tasks"])
	}
	if counters[string(scheduler.EventTaskQueued)] != 2 {
		t.Errorf("task_queued = %v, want 2", counters[string(scheduler.EventTaskQueued)])
	}
	if latencySamples != 1 {
		t.Errorf("latency samples = %d, want 1", latencySamples)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	r := New()
	r.Observe(scheduler.Event{Kind: scheduler.EventOverload})

	srv := httptest.NewServer(r.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	text := string(body)
	for _, want := range []string{
		`gtcpd_scheduler_events_total{kind="overload"} 1`,
		"gtcpd_waiting_tasks",
		"go_goroutines",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}
