package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"gtcpd/internal/config"
	"gtcpd/internal/singleinstance"
)

func runStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	configPath := fs.String("config", "gtcpd.yaml", "path to the YAML config file")
	timeout := fs.Duration("timeout", 3*time.Second, "request timeout")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	if cfg.PIDFile != "" {
		pid, err := singleinstance.ReadPID(cfg.PIDFile)
		if err != nil {
			return fmt.Errorf("dispatcher not running: %w", err)
		}
		fmt.Printf("pid: %d\n", pid)
	}
	if !cfg.Monitor.Enabled {
		return fmt.Errorf("monitor is disabled in %s; no counters to read", *configPath)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	report, err := fetchStatus(ctx, "http://"+cfg.Monitor.Address+"/stats")
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(os.Stdout, string(out))
	return err
}

func fetchStatus(ctx context.Context, url string) (statusReport, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return statusReport{}, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return statusReport{}, fmt.Errorf("query %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return statusReport{}, fmt.Errorf("query %s: %s: %s", url, resp.Status, msg)
	}
	var report statusReport
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		return statusReport{}, fmt.Errorf("decode status: %w", err)
	}
	return report, nil
}
