// Package main — cmd/corridor-bench/main.go
//
// Gate pipeline latency measurement tool.
//
// Measures the wall-clock time of one Gate.Governed call — ingress,
// action check, token mint, handler invocation, output check, egress,
// proof build — for a fixed allow-path request repeated in a tight loop.
//
// Method:
//  1. Constructs a single in-process Gate wired the same way corridord
//     wires one at boot (DefaultConfig firewall, Default registry, strict
//     CDI, a trivial no-op handler).
//  2. Calls Governed in a loop, timing each call with time.Now() before
//     and after.
//  3. Results are written to a CSV file.
//
// Output CSV columns:
//
//	iteration, latency_us, allowed
package main

import (
	"context"
	"encoding/csv"
	"flag"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/octoreflex/corridor/internal/audit"
	"github.com/octoreflex/corridor/internal/bootproof"
	"github.com/octoreflex/corridor/internal/cdi"
	"github.com/octoreflex/corridor/internal/cif"
	"github.com/octoreflex/corridor/internal/gate"
	"github.com/octoreflex/corridor/internal/posture"
	"github.com/octoreflex/corridor/internal/registry"
	"github.com/octoreflex/corridor/internal/token"
)

func main() {
	iterations := flag.Int("iterations", 10000, "Number of Governed calls to measure")
	outputFile := flag.String("output", "gate_latency_raw.csv", "Output CSV file path")
	p99TargetUs := flag.Int("p99-target-us", 5000, "Fail if measured p99 exceeds this many microseconds")
	flag.Parse()

	// Lock to OS thread to minimise scheduling jitter in the measurement
	// loop itself.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	g, cleanup, err := buildGate()
	if err != nil {
		fmt.Fprintf(os.Stderr, "build gate: %v\n", err)
		os.Exit(1)
	}
	defer cleanup()

	f, err := os.Create(*outputFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create output: %v\n", err)
		os.Exit(1)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()
	_ = w.Write([]string{"iteration", "latency_us", "allowed"})

	handler := func(ctx context.Context, payload any) (any, error) {
		return map[string]any{"status": "ok"}, nil
	}

	var allowed int
	hist := make([]int, 100001) // 0-100000us buckets

	for i := 0; i < *iterations; i++ {
		req := gate.Request{
			ClientID: "bench",
			Actor:    "bench-actor",
			ActionID: "read",
			Method:   "GET",
			Payload:  map[string]any{"i": i},
		}

		start := time.Now()
		resp := g.Governed(context.Background(), req, handler)
		latency := time.Since(start)

		if resp.Allowed {
			allowed++
		}

		latencyUs := int(latency.Microseconds())
		if latencyUs < len(hist) {
			hist[latencyUs]++
		} else {
			hist[len(hist)-1]++
		}

		_ = w.Write([]string{
			strconv.Itoa(i),
			strconv.Itoa(latencyUs),
			strconv.FormatBool(resp.Allowed),
		})
	}

	p50, p95, p99 := computePercentiles(hist, *iterations)

	fmt.Printf("Gate Pipeline Latency Results (%d iterations)\n", *iterations)
	fmt.Printf("  Allowed: %d/%d (%.1f%%)\n", allowed, *iterations, float64(allowed)/float64(*iterations)*100)
	fmt.Printf("  p50: %dus\n", p50)
	fmt.Printf("  p95: %dus\n", p95)
	fmt.Printf("  p99: %dus\n", p99)
	fmt.Printf("  Output: %s\n", *outputFile)

	if p99 > *p99TargetUs {
		fmt.Fprintf(os.Stderr, "FAIL: p99 %dus exceeds %dus target\n", p99, *p99TargetUs)
		os.Exit(1)
	}
}

// buildGate wires a Gate the way corridord's boot sequence does, minus
// config/genome loading — the bench tool measures pipeline overhead, not
// boot-time genome verification.
func buildGate() (*gate.Gate, func(), error) {
	bk, err := bootproof.NewBootKey()
	if err != nil {
		return nil, nil, fmt.Errorf("boot key: %w", err)
	}

	fw := cif.New(cif.DefaultConfig(), time.Now)
	minter := token.NewMinter(bk, time.Now)
	validator := token.NewValidator(bk, time.Now)
	checker := cdi.NewChecker(registry.Default(), cdi.NewConsentStore(), minter, true)
	scanner := cdi.NewOutputScanner(true)
	p := posture.New(posture.StateNormal, time.Now)

	dir, err := os.MkdirTemp("", "corridor-bench-audit-*")
	if err != nil {
		return nil, nil, fmt.Errorf("temp dir: %w", err)
	}
	al, err := audit.Open(dir+"/audit.ndjson", 100*time.Millisecond, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("audit.Open: %w", err)
	}

	g := gate.New(gate.Config{
		BootKey:        bk,
		Firewall:       fw,
		Checker:        checker,
		OutputScanner:  scanner,
		Validator:      validator,
		Posture:        p,
		AuditLog:       al,
		HandlerTimeout: 2 * time.Second,
		Now:            time.Now,
	})

	cleanup := func() {
		fw.Close()
		al.Close()
		os.RemoveAll(dir)
	}
	return g, cleanup, nil
}

func computePercentiles(hist []int, total int) (p50, p95, p99 int) {
	targets := []struct {
		pct float64
		out *int
	}{
		{0.50, &p50},
		{0.95, &p95},
		{0.99, &p99},
	}
	cumulative := 0
	ti := 0
	for i, count := range hist {
		cumulative += count
		for ti < len(targets) && float64(cumulative) >= targets[ti].pct*float64(total) {
			*targets[ti].out = i
			ti++
		}
		if ti == len(targets) {
			break
		}
	}
	return
}
