// Package config provides configuration loading, validation, and hot-reload
// for corridord.
//
// Configuration file: /etc/corridor/config.yaml (default)
// Schema version: 1
//
// Hot-reload:
//   - corridord listens for SIGHUP.
//   - On SIGHUP: re-read and re-validate config.yaml and log the outcome.
//   - The reloaded values are not applied to the running process; every
//     change, including rate limits, log level and pattern lists, takes
//     effect only after a restart.
//   - If the new config is invalid, an error is logged and the process keeps
//     running. corridord does NOT crash on invalid hot-reload config.
//
// Validation:
//   - All required fields must be present.
//   - Numeric ranges enforced (rate limits, byte caps > 0).
//   - File paths must be absolute.
//   - Invalid config on startup: corridord refuses to start (fatal error).
//   - Invalid config on hot-reload: logged, old config retained.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix applied to every recognized environment
// variable (e.g. CORRIDOR_GENOME_PATH).
const EnvPrefix = "CORRIDOR"

// Version, GitCommit, BuildTime are injected at build time via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// Config is corridord's root configuration structure. All fields have
// defaults; see Defaults() for values.
type Config struct {
	// SchemaVersion must be "1". Future versions will trigger migration.
	SchemaVersion string `yaml:"schema_version"`

	// NodeID names this kernel instance in corridord's startup log line; it
	// is not written into audit entries or proofs.
	// Default: hostname.
	NodeID string `yaml:"node_id"`

	Kernel        KernelConfig        `yaml:"kernel"`
	CIF           CIFConfig           `yaml:"cif"`
	Genome        GenomeConfig        `yaml:"genome"`
	Posture       PostureConfig       `yaml:"posture"`
	Audit         AuditConfig         `yaml:"audit"`
	Storage       StorageConfig       `yaml:"storage"`
	Observability ObservabilityConfig `yaml:"observability"`
	Operator      OperatorConfig      `yaml:"operator"`
}

// KernelConfig holds gate-level operational parameters.
type KernelConfig struct {
	// StrictMode makes CDI deny uncertain action/output contexts instead of
	// surfacing an uncertain verdict. Default: true.
	StrictMode bool `yaml:"strict_mode"`

	// HandlerTimeout bounds one handler invocation before the gate treats it
	// as HANDLER_TIMEOUT. Default: 30s.
	HandlerTimeout time.Duration `yaml:"handler_timeout"`

	// TokenTTL and TokenMaxUse are read from config, but corridord does not
	// pass them to the token minter: minted tokens always use
	// token.DefaultTTL / token.DefaultMaxUse (60s / 1). Default: 60s / 1.
	TokenTTL    time.Duration `yaml:"token_ttl"`
	TokenMaxUse int           `yaml:"token_max_use"`
}

// CIFConfig holds ingress/egress firewall parameters.
type CIFConfig struct {
	// MaxRequestBytes / MaxResponseBytes cap canonical-serialized size.
	// Default: 1048576 (1 MiB) each.
	MaxRequestBytes  int `yaml:"max_request_bytes"`
	MaxResponseBytes int `yaml:"max_response_bytes"`

	// RateLimitWindowMS / RateLimitMaxRequests bound the per-client token
	// bucket. Default: 1000ms / 50.
	RateLimitWindowMS    int `yaml:"rate_limit_window_ms"`
	RateLimitMaxRequests int `yaml:"rate_limit_max_requests"`

	// Additional pattern sets merged on top of the built-in PII/secret/
	// suspicious lists (see internal/cif.DefaultConfig).
	ExtraPIIPatterns        []string `yaml:"extra_pii_patterns"`
	ExtraSecretPatterns     []string `yaml:"extra_secret_patterns"`
	ExtraSuspiciousPatterns []string `yaml:"extra_suspicious_patterns"`
}

// GenomeConfig holds genome loading/verification parameters.
type GenomeConfig struct {
	// Path is the absolute path to the signed genome document.
	Path string `yaml:"path"`

	// SignatureThreshold is the minimum count of distinct signers required.
	// Default: 1.
	SignatureThreshold int `yaml:"signature_threshold"`

	// VerifyManifest enables re-hashing build_manifest.files against disk at
	// boot and on the integrity interval. Default: true.
	VerifyManifest bool `yaml:"verify_manifest"`

	// RepoRoot is the root manifest file paths are resolved relative to.
	RepoRoot string `yaml:"repo_root"`

	// AllowPlaceholderHashes permits the all-zero placeholder digest in a
	// manifest entry (development only). Default: false.
	AllowPlaceholderHashes bool `yaml:"allow_placeholder_hashes"`
}

// PostureConfig holds posture-ladder boot parameters.
type PostureConfig struct {
	// Initial is the posture corridord boots into: NORMAL, DEFENSIVE, or
	// FAIL_CLOSED. The validator rejects booting directly into DEFENSIVE or
	// FAIL_CLOSED, in every environment, unless AllowElevatedBoot is set.
	Initial           string `yaml:"initial"`
	AllowElevatedBoot bool   `yaml:"allow_elevated_boot"`

	// IntegrityCheckInterval is how often canaries and manifest verification
	// re-run after boot. Default: 5m.
	IntegrityCheckInterval time.Duration `yaml:"integrity_check_interval"`
}

// AuditConfig holds audit log parameters.
type AuditConfig struct {
	// LogPath is the absolute path to the hash-chained NDJSON audit log.
	LogPath string `yaml:"log_path"`

	// FlushIntervalMS is the periodic fsync interval. Default: 1000ms.
	FlushIntervalMS int `yaml:"flush_interval_ms"`
}

// StorageConfig holds the bbolt-backed posture-history/canary-results store.
type StorageConfig struct {
	// DBPath is the absolute path to the bbolt file.
	// Default: /var/lib/corridor/corridor.db.
	DBPath string `yaml:"db_path"`

	// RetentionDays bounds how long posture-history and canary-result
	// records are kept before corridord's startup pruning deletes them.
	// Default: 30.
	RetentionDays int `yaml:"retention_days"`

	// SealAtRest enables chacha20poly1305 encryption of persisted records,
	// keyed via hkdf over the process boot key. Default: true.
	SealAtRest bool `yaml:"seal_at_rest"`
}

// ObservabilityConfig holds metrics and logging parameters.
type ObservabilityConfig struct {
	// MetricsAddr is the Prometheus metrics HTTP bind address.
	// Default: 127.0.0.1:9091.
	MetricsAddr string `yaml:"metrics_addr"`

	// LogLevel controls the minimum log level (debug, info, warn, error).
	LogLevel string `yaml:"log_level"`

	// LogFormat controls the log output format (json, console).
	LogFormat string `yaml:"log_format"`
}

// OperatorConfig holds the posture-unlock / consent-admin Unix socket
// parameters.
type OperatorConfig struct {
	// SocketPath is the Unix domain socket path the admin CLI connects to.
	// Permissions: 0600, owned by root. Default: /run/corridor/operator.sock.
	SocketPath string `yaml:"socket_path"`

	// Enabled controls whether the operator socket is active. Default: true.
	Enabled bool `yaml:"enabled"`
}

// Defaults returns a Config populated with all default values.
func Defaults() Config {
	hostname, _ := os.Hostname()
	return Config{
		SchemaVersion: "1",
		NodeID:        hostname,
		Kernel: KernelConfig{
			StrictMode:     true,
			HandlerTimeout: 30 * time.Second,
			TokenTTL:       60 * time.Second,
			TokenMaxUse:    1,
		},
		CIF: CIFConfig{
			MaxRequestBytes:      1 << 20,
			MaxResponseBytes:     1 << 20,
			RateLimitWindowMS:    1000,
			RateLimitMaxRequests: 50,
		},
		Genome: GenomeConfig{
			Path:               "/etc/corridor/genome.json",
			SignatureThreshold: 1,
			VerifyManifest:     true,
			RepoRoot:           "/opt/corridor",
		},
		Posture: PostureConfig{
			Initial:                "NORMAL",
			IntegrityCheckInterval: 5 * time.Minute,
		},
		Audit: AuditConfig{
			LogPath:         DefaultAuditLogPath,
			FlushIntervalMS: 1000,
		},
		Storage: StorageConfig{
			DBPath:        DefaultDBPath,
			RetentionDays: 30,
			SealAtRest:    true,
		},
		Observability: ObservabilityConfig{
			MetricsAddr: "127.0.0.1:9091",
			LogLevel:    "info",
			LogFormat:   "json",
		},
		Operator: OperatorConfig{
			Enabled:    true,
			SocketPath: "/run/corridor/operator.sock",
		},
	}
}

// DefaultDBPath and DefaultAuditLogPath mirror the storage/audit package
// defaults for use in config wiring.
const (
	DefaultDBPath       = "/var/lib/corridor/corridor.db"
	DefaultAuditLogPath = "/var/log/corridor/audit.ndjson"
)

// Load reads and validates a config file from the given path. Returns the
// merged config (defaults overridden by file values). Returns an error if
// the file cannot be read, parsed, or validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse %q: %w", path, err)
	}

	applyEnvOverlay(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: validation failed: %w", err)
	}

	return &cfg, nil
}

// applyEnvOverlay reads the three recognized environment variables as an
// overlay on top of the YAML-loaded config, in this order: GENOME_PATH,
// VERIFY_MANIFEST, then ENV (ENV applied last so "production" can force
// strict manifest verification
// even over a conflicting VERIFY_MANIFEST=false).
func applyEnvOverlay(cfg *Config) {
	if v := os.Getenv(EnvPrefix + "_GENOME_PATH"); v != "" {
		cfg.Genome.Path = v
	}
	if v := os.Getenv(EnvPrefix + "_VERIFY_MANIFEST"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Genome.VerifyManifest = b
		}
	}
	if v := os.Getenv(EnvPrefix + "_ENV"); v == "production" {
		cfg.Genome.VerifyManifest = true
		cfg.Genome.AllowPlaceholderHashes = false
	}
}

// Validate checks all config fields for correctness, collecting every
// violation rather than failing on the first one found.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.SchemaVersion != "1" {
		errs = append(errs, fmt.Sprintf("schema_version must be \"1\", got %q", cfg.SchemaVersion))
	}
	if cfg.NodeID == "" {
		errs = append(errs, "node_id must not be empty")
	}
	if cfg.Kernel.HandlerTimeout < time.Millisecond {
		errs = append(errs, fmt.Sprintf("kernel.handler_timeout must be >= 1ms, got %s", cfg.Kernel.HandlerTimeout))
	}
	if cfg.Kernel.TokenTTL < time.Millisecond {
		errs = append(errs, fmt.Sprintf("kernel.token_ttl must be >= 1ms, got %s", cfg.Kernel.TokenTTL))
	}
	if cfg.Kernel.TokenMaxUse < 1 {
		errs = append(errs, fmt.Sprintf("kernel.token_max_use must be >= 1, got %d", cfg.Kernel.TokenMaxUse))
	}
	if cfg.CIF.MaxRequestBytes < 1 {
		errs = append(errs, fmt.Sprintf("cif.max_request_bytes must be >= 1, got %d", cfg.CIF.MaxRequestBytes))
	}
	if cfg.CIF.MaxResponseBytes < 1 {
		errs = append(errs, fmt.Sprintf("cif.max_response_bytes must be >= 1, got %d", cfg.CIF.MaxResponseBytes))
	}
	if cfg.CIF.RateLimitWindowMS < 1 {
		errs = append(errs, fmt.Sprintf("cif.rate_limit_window_ms must be >= 1, got %d", cfg.CIF.RateLimitWindowMS))
	}
	if cfg.CIF.RateLimitMaxRequests < 1 {
		errs = append(errs, fmt.Sprintf("cif.rate_limit_max_requests must be >= 1, got %d", cfg.CIF.RateLimitMaxRequests))
	}
	if cfg.Genome.Path == "" {
		errs = append(errs, "genome.path must not be empty")
	} else if !filepath.IsAbs(cfg.Genome.Path) {
		errs = append(errs, fmt.Sprintf("genome.path must be absolute, got %q", cfg.Genome.Path))
	}
	if cfg.Genome.SignatureThreshold < 1 {
		errs = append(errs, fmt.Sprintf("genome.signature_threshold must be >= 1, got %d", cfg.Genome.SignatureThreshold))
	}
	switch cfg.Posture.Initial {
	case "NORMAL", "DEFENSIVE", "FAIL_CLOSED":
	default:
		errs = append(errs, fmt.Sprintf("posture.initial must be one of NORMAL, DEFENSIVE, FAIL_CLOSED, got %q", cfg.Posture.Initial))
	}
	if (cfg.Posture.Initial == "DEFENSIVE" || cfg.Posture.Initial == "FAIL_CLOSED") && !cfg.Posture.AllowElevatedBoot {
		errs = append(errs, "posture.initial above NORMAL requires posture.allow_elevated_boot=true")
	}
	if cfg.Posture.IntegrityCheckInterval < time.Second {
		errs = append(errs, fmt.Sprintf("posture.integrity_check_interval must be >= 1s, got %s", cfg.Posture.IntegrityCheckInterval))
	}
	if cfg.Audit.LogPath == "" {
		errs = append(errs, "audit.log_path must not be empty")
	} else if !filepath.IsAbs(cfg.Audit.LogPath) {
		errs = append(errs, fmt.Sprintf("audit.log_path must be absolute, got %q", cfg.Audit.LogPath))
	}
	if cfg.Audit.FlushIntervalMS < 1 {
		errs = append(errs, fmt.Sprintf("audit.flush_interval_ms must be >= 1, got %d", cfg.Audit.FlushIntervalMS))
	}
	if cfg.Storage.DBPath == "" {
		errs = append(errs, "storage.db_path must not be empty")
	} else if !filepath.IsAbs(cfg.Storage.DBPath) {
		errs = append(errs, fmt.Sprintf("storage.db_path must be absolute, got %q", cfg.Storage.DBPath))
	}
	if cfg.Storage.RetentionDays < 1 {
		errs = append(errs, fmt.Sprintf("storage.retention_days must be >= 1, got %d", cfg.Storage.RetentionDays))
	}
	if cfg.Operator.Enabled && cfg.Operator.SocketPath == "" {
		errs = append(errs, "operator.socket_path must not be empty when operator.enabled is true")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s",
			joinStrings(errs, "\n  - "))
	}
	return nil
}

// joinStrings joins a slice of strings with a separator.
func joinStrings(ss []string, sep string) string {
	if len(ss) == 0 {
		return ""
	}
	result := ss[0]
	for _, s := range ss[1:] {
		result += sep + s
	}
	return result
}
