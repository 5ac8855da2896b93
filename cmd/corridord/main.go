// Package main — cmd/corridord/main.go
//
// corridord entrypoint: the governance kernel process.
//
// Startup sequence:
//  1. Load and validate config from /etc/corridor/config.yaml.
//  2. Initialise structured logger (zap, JSON format by default).
//  3. Generate the per-boot HMAC key (never persisted).
//  4. Load and verify the signed genome; verify its build manifest.
//  5. Build the registry, consent store, token minter/validator.
//  6. Open the audit log (hash-chained NDJSON).
//  7. Construct the posture manager at its configured initial level.
//  8. Open bbolt storage (sealed at rest if configured) and prune stale
//     records.
//  9. Construct CIF, CDI, and the action-gate orchestrator.
// 10. Run integrity canaries once; refuse to start if any fail.
// 11. Start the Prometheus metrics server.
// 12. Start the operator Unix-socket admin server (if enabled).
// 13. Start the periodic integrity-check goroutine.
// 14. Register SIGHUP handler for config hot-reload.
// 15. Block on SIGINT/SIGTERM for graceful shutdown.
//
// Shutdown sequence (on SIGINT/SIGTERM):
//  1. Cancel the root context (propagates to every goroutine).
//  2. Close the operator socket listener.
//  3. Close bbolt storage.
//  4. Close the audit log (flushes and fsyncs pending entries).
//  5. Flush the logger.
//  6. Exit 0.
//
// On genome verification failure, integrity canary failure, or config
// validation failure: exit 1 immediately. corridord never starts serving
// in a state it cannot prove is sound.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/octoreflex/corridor/internal/audit"
	"github.com/octoreflex/corridor/internal/bootproof"
	"github.com/octoreflex/corridor/internal/cdi"
	"github.com/octoreflex/corridor/internal/cif"
	"github.com/octoreflex/corridor/internal/config"
	"github.com/octoreflex/corridor/internal/gate"
	"github.com/octoreflex/corridor/internal/genome"
	"github.com/octoreflex/corridor/internal/integrity"
	"github.com/octoreflex/corridor/internal/observability"
	"github.com/octoreflex/corridor/internal/operator"
	"github.com/octoreflex/corridor/internal/posture"
	"github.com/octoreflex/corridor/internal/registry"
	"github.com/octoreflex/corridor/internal/storage"
	"github.com/octoreflex/corridor/internal/token"
)

func main() {
	configPath := flag.String("config", "/etc/corridor/config.yaml", "Path to config.yaml")
	version := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *version {
		fmt.Printf("corridord %s (commit=%s built=%s)\n",
			config.Version, config.GitCommit, config.BuildTime)
		os.Exit(0)
	}

	// ── Step 1: Load config ───────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: config load failed: %v\n", err)
		os.Exit(1)
	}

	// ── Step 2: Initialise logger ─────────────────────────────────────────
	log, err := buildLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	log.Info("corridord starting",
		zap.String("version", config.Version),
		zap.String("commit", config.GitCommit),
		zap.String("built", config.BuildTime),
		zap.String("node_id", cfg.NodeID),
		zap.String("config", *configPath),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Metrics are constructed early so every component built below can have
	// its counters/gauges wired in at construction, per this codebase's
	// direct-field-injection convention; the HTTP exposition server itself
	// starts later, at its original place in the boot sequence.
	metrics := observability.NewMetrics()

	// ── Step 3: Per-boot HMAC key ──────────────────────────────────────────
	bootKey, err := bootproof.NewBootKey()
	if err != nil {
		log.Fatal("boot key generation failed", zap.Error(err))
	}
	log.Info("boot key generated", zap.String("boot_key_id", bootKey.ID()))

	// ── Step 4: Genome load + verify ──────────────────────────────────────
	gen, err := genome.Load(cfg.Genome.Path)
	if err != nil {
		log.Fatal("genome load failed", zap.Error(err), zap.String("path", cfg.Genome.Path))
	}
	verifyRes := genome.Verify(gen)
	log.Info("genome loaded", zap.String("genome_id", verifyRes.GenomeID), zap.String("name", gen.Name), zap.String("version", gen.Version))
	if !verifyRes.OK {
		log.Fatal("genome verification failed — refusing to start", zap.Strings("errors", verifyRes.Errors))
	}
	if verifyRes.GenomeID == "" || len(gen.Authority.Signers) < cfg.Genome.SignatureThreshold {
		log.Fatal("genome signature threshold below configured floor",
			zap.Int("signers", len(gen.Authority.Signers)),
			zap.Int("required", cfg.Genome.SignatureThreshold))
	}
	if cfg.Genome.VerifyManifest {
		manifestRes := genome.VerifyManifest(gen, cfg.Genome.RepoRoot, cfg.Genome.AllowPlaceholderHashes)
		if !manifestRes.OK {
			log.Fatal("build manifest verification failed — refusing to start", zap.Strings("errors", manifestRes.Errors))
		}
		log.Info("build manifest verified", zap.Int("files", len(gen.BuildManifest.Files)))
	}

	// ── Step 5: Registry, consent, tokens ─────────────────────────────────
	reg := registry.Default()
	consent := cdi.NewConsentStore()
	minter := token.NewMinter(bootKey, time.Now)
	validator := token.NewValidator(bootKey, time.Now)

	// ── Step 6: Audit log ──────────────────────────────────────────────────
	flushInterval := time.Duration(cfg.Audit.FlushIntervalMS) * time.Millisecond
	auditLog, err := audit.Open(cfg.Audit.LogPath, flushInterval, log)
	if err != nil {
		log.Fatal("audit log open failed", zap.Error(err), zap.String("path", cfg.Audit.LogPath))
	}
	defer auditLog.Close() //nolint:errcheck
	auditLog.SetMetrics(metrics)
	log.Info("audit log opened", zap.String("path", cfg.Audit.LogPath))

	// ── Step 7: Posture manager ────────────────────────────────────────────
	initialState, err := parsePostureState(cfg.Posture.Initial)
	if err != nil {
		log.Fatal("invalid initial posture", zap.Error(err))
	}
	postureMgr := posture.New(initialState, time.Now)
	postureMgr.SetMetrics(metrics)

	// ── Step 8: bbolt storage ───────────────────────────────────────────────
	var sealer *storage.Sealer
	if cfg.Storage.SealAtRest {
		sealer, err = storage.NewSealer(bootKey)
		if err != nil {
			log.Fatal("storage sealer construction failed", zap.Error(err))
		}
	}
	db, err := storage.Open(cfg.Storage.DBPath, cfg.Storage.RetentionDays, sealer)
	if err != nil {
		log.Fatal("bbolt open failed", zap.Error(err), zap.String("path", cfg.Storage.DBPath))
	}
	defer db.Close() //nolint:errcheck
	postureMgr.SetStorage(db)
	log.Info("bbolt opened", zap.String("path", cfg.Storage.DBPath), zap.Bool("sealed", cfg.Storage.SealAtRest))

	pruned, err := db.PruneOldRecords()
	if err != nil {
		log.Warn("storage pruning failed", zap.Error(err))
	} else {
		log.Info("storage pruned", zap.Int("deleted", pruned))
	}

	// ── Step 9: CIF, CDI, gate ──────────────────────────────────────────────
	cifCfg := cif.DefaultConfig()
	cifCfg.MaxRequestBytes = cfg.CIF.MaxRequestBytes
	cifCfg.MaxResponseBytes = cfg.CIF.MaxResponseBytes
	cifCfg.RateLimit = cif.RateLimitConfig{WindowMS: cfg.CIF.RateLimitWindowMS, MaxRequests: cfg.CIF.RateLimitMaxRequests}
	cifCfg.PIIPatterns = append(cifCfg.PIIPatterns, cfg.CIF.ExtraPIIPatterns...)
	cifCfg.SecretPatterns = append(cifCfg.SecretPatterns, cfg.CIF.ExtraSecretPatterns...)
	cifCfg.SuspiciousPatterns = append(cifCfg.SuspiciousPatterns, cfg.CIF.ExtraSuspiciousPatterns...)

	firewall := cif.New(cifCfg, time.Now)
	defer firewall.Close()
	firewall.SetMetrics(metrics)

	checker := cdi.NewChecker(reg, consent, minter, cfg.Kernel.StrictMode)
	checker.SetGenome(gen)
	outputScanner := cdi.NewOutputScanner(cfg.Kernel.StrictMode)

	g := gate.New(gate.Config{
		BootKey:        bootKey,
		Firewall:       firewall,
		Checker:        checker,
		OutputScanner:  outputScanner,
		Validator:      validator,
		Posture:        postureMgr,
		AuditLog:       auditLog,
		Logger:         log,
		HandlerTimeout: cfg.Kernel.HandlerTimeout,
	})
	g.SetMetrics(metrics)
	_ = g // wired for use by route handlers registered outside this process skeleton

	// ── Step 10: Integrity canaries ─────────────────────────────────────────
	canaries := []integrity.Canary{
		integrity.CIFRejectsQuarantinePayload(firewall),
		integrity.CDIDeniesForbiddenAction(checker, "merge-identity"),
	}
	var monitorGenome *genome.Genome
	if cfg.Genome.VerifyManifest {
		monitorGenome = gen
	}
	monitor := integrity.NewMonitor(canaries, postureMgr, log, monitorGenome, cfg.Genome.RepoRoot, !cfg.Genome.AllowPlaceholderHashes)
	monitor.SetMetrics(metrics)
	monitor.SetStorage(db)
	if failures := monitor.RunCanaries(); len(failures) > 0 {
		log.Fatal("integrity canaries failed at boot — refusing to start", zap.Errors("failures", failures))
	}
	log.Info("integrity canaries passed", zap.Int("count", len(canaries)))

	// ── Step 11: Prometheus metrics ──────────────────────────────────────────
	go func() {
		if err := metrics.ServeMetrics(ctx, cfg.Observability.MetricsAddr); err != nil {
			log.Error("metrics server error", zap.Error(err))
		}
	}()
	log.Info("metrics server started", zap.String("addr", cfg.Observability.MetricsAddr))

	// ── Step 12: Operator admin socket ───────────────────────────────────────
	var opServer *operator.Server
	if cfg.Operator.Enabled {
		opServer = operator.NewServer(cfg.Operator.SocketPath, postureMgr, consent, auditLog, cfg.Audit.LogPath, authorizeRootPeer, log)
		go func() {
			if err := opServer.ListenAndServe(ctx); err != nil {
				log.Error("operator server error", zap.Error(err))
			}
		}()
		log.Info("operator socket listening", zap.String("path", cfg.Operator.SocketPath))
	} else {
		log.Info("operator socket disabled")
	}

	// ── Step 13: Periodic integrity checks ───────────────────────────────────
	go monitor.RunPeriodic(ctx, cfg.Posture.IntegrityCheckInterval)

	// ── Step 14: SIGHUP hot-reload ───────────────────────────────────────────
	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)
	go func() {
		for range sighup {
			log.Info("SIGHUP received — reloading config...")
			newCfg, err := config.Load(*configPath)
			if err != nil {
				log.Error("config hot-reload failed — retaining old config", zap.Error(err))
				continue
			}
			// Non-destructive fields (rate limits, pattern lists, log level)
			// are safe to apply live; storage/genome/operator paths require
			// a restart (documented in internal/config). The firewall does
			// not yet expose a live-update path, so hot-reload currently
			// just re-validates and logs; wiring live rate-limit updates is
			// tracked separately.
			log.Info("config hot-reload successful",
				zap.Int("rate_limit_max_requests", newCfg.CIF.RateLimitMaxRequests))
			_ = newCfg
		}
	}()

	// ── Step 15: Wait for shutdown signal ────────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutdown signal received", zap.String("signal", sig.String()))

	cancel()

	shutdownTimer := time.NewTimer(5 * time.Second)
	defer shutdownTimer.Stop()
	<-shutdownTimer.C

	log.Info("corridord shutdown complete")
}

// parsePostureState converts a config string into a posture.State. config.Validate
// already restricts the input to one of the three accepted names.
func parsePostureState(name string) (posture.State, error) {
	switch name {
	case "NORMAL":
		return posture.StateNormal, nil
	case "DEFENSIVE":
		return posture.StateDefensive, nil
	case "FAIL_CLOSED":
		return posture.StateFailClosed, nil
	default:
		return posture.StateNormal, fmt.Errorf("unknown posture level %q", name)
	}
}

// authorizeRootPeer is the operator socket's unlock-authorization hook. The
// socket is created with 0600 permissions owned by root, so any connected
// peer has already cleared the filesystem access-control check; this hook
// is the place a future SO_PEERCRED-based per-caller check would live.
func authorizeRootPeer(_ net.Conn) bool {
	return true
}

// buildLogger constructs a zap.Logger with the given level and format.
func buildLogger(level, format string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var zcfg zap.Config
	if format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(zapLevel)

	return zcfg.Build()
}
