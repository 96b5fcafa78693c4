package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gtcpd/internal/config"
	"gtcpd/internal/pool"
	"gtcpd/internal/protocol"
	"gtcpd/internal/scheduler"
	"gtcpd/internal/testutil"
)

func TestApplyReloadHotFields(t *testing.T) {
	logBuf := testutil.CaptureLogBuffer(t, slog.LevelDebug)
	current := config.DefaultConfig()
	sched := scheduler.New(scheduler.FromConfig(current))

	next := current
	next.TaskTimeout = 5 * time.Second
	applyReload(current, next, sched)
	if got := sched.TaskTimeout(); got != 5*time.Second {
		t.Fatalf("TaskTimeout = %s, want 5s", got)
	}
	if strings.Contains(logBuf.String(), "restart the dispatcher") {
		t.Fatalf("hot-only change asked for a restart:\n%s", logBuf.String())
	}

	next.WorkerCount = current.WorkerCount + 1
	applyReload(current, next, sched)
	if !strings.Contains(logBuf.String(), "restart the dispatcher") {
		t.Fatalf("restart warning missing:\n%s", logBuf.String())
	}
}

func TestWorkerOptions(t *testing.T) {
	cfg := config.DefaultConfig()
	opts := workerOptions(cfg)
	if opts.Transport.MaxPacketSize != uint32(cfg.MaxPacketSize)+protocol.HeaderSize {
		t.Fatalf("MaxPacketSize = %d", opts.Transport.MaxPacketSize)
	}
	if !opts.Transport.KeepAlive.Enabled || opts.ReconnectBackoff != cfg.Supervisor.RestartBackoff {
		t.Fatalf("options = %+v", opts)
	}
}

func TestFetchStatus(t *testing.T) {
	want := statusReport{
		Scheduler: scheduler.Stats{Clients: 3, Workers: 2},
		Workers:   []pool.SlotStatus{{Index: 0, ID: "w0", Mode: config.WorkerModeGoroutine, Alive: true}},
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/stats" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(want)
	}))
	defer srv.Close()

	got, err := fetchStatus(context.Background(), srv.URL+"/stats")
	if err != nil {
		t.Fatalf("fetchStatus: %v", err)
	}
	if got.Scheduler.Clients != 3 || len(got.Workers) != 1 || got.Workers[0].ID != "w0" {
		t.Fatalf("report = %+v", got)
	}

	if _, err := fetchStatus(context.Background(), srv.URL+"/missing"); err == nil {
		t.Fatal("fetchStatus accepted a 404")
	}
}

func TestWriteDefaultConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gtcpd.yaml")
	if err := writeDefaultConfig(path, false); err != nil {
		t.Fatalf("writeDefaultConfig: %v", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.WorkerCount != config.DefaultConfig().WorkerCount {
		t.Fatalf("WorkerCount = %d", cfg.WorkerCount)
	}
	if err := writeDefaultConfig(path, false); err == nil {
		t.Fatal("existing file overwritten without --force")
	}
	if err := writeDefaultConfig(path, true); err != nil {
		t.Fatalf("forced write: %v", err)
	}
}
