// Package appconfig holds converge's flat runtime configuration: a flat
// struct with JSON tags and a Default constructor, loadable from a file
// and then overridden by environment variables.
package appconfig

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config holds converge's agent runtime configuration.
type Config struct {
	// Identity
	IdentityKeyPath string `json:"identity_key_path"`

	// Transport — "local" (default), "tcp", or "websocket".
	Transport     string `json:"transport"`
	Host          string `json:"host"`
	Port          int    `json:"port"`
	MaxFrameBytes int    `json:"max_frame_bytes"`
	TLSCertPath   string `json:"tls_cert_path,omitempty"`
	TLSKeyPath    string `json:"tls_key_path,omitempty"`

	// Agents — number of agent runtimes spawned in-process. Port increments
	// per agent when Agents > 1.
	Agents int `json:"agents"`

	// PoolID — if set, each spawned runtime creates-or-joins this pool.
	PoolID string `json:"pool_id"`

	// DiscoveryStore — "memory" (default) or a filesystem path used as the
	// DiscoveryService's backing Store directory.
	DiscoveryStore string `json:"discovery_store"`

	// Task lifecycle
	DefaultClaimTTLSeconds int `json:"default_claim_ttl_seconds"`
	ClaimSweepIntervalMS   int `json:"claim_sweep_interval_ms"`

	// Runtime loop
	TickIntervalMS   int `json:"tick_interval_ms"`
	CheckpointEveryN int `json:"checkpoint_every_n_ticks"`
	InboxCapacity    int `json:"inbox_capacity"`

	// Store backing task/pool persistence.
	StoreKind   string `json:"store_kind"` // memory, file, postgres
	StorePath   string `json:"store_path,omitempty"`
	PostgresDSN string `json:"postgres_dsn,omitempty"`

	// Observability
	LogLevel     string `json:"log_level"`
	MetricsAddr  string `json:"metrics_addr,omitempty"`
	OTLPEndpoint string `json:"otlp_endpoint,omitempty"`
}

// Default returns a Config populated with sane defaults.
func Default() *Config {
	return &Config{
		Transport:              "local",
		Host:                   "127.0.0.1",
		Port:                   7700,
		MaxFrameBytes:          10 << 20,
		Agents:                 1,
		DiscoveryStore:         "memory",
		DefaultClaimTTLSeconds: 60,
		ClaimSweepIntervalMS:   5000,
		TickIntervalMS:         200,
		CheckpointEveryN:       20,
		InboxCapacity:          256,
		StoreKind:              "memory",
		LogLevel:               "info",
	}
}

// Load reads a JSON config file, falling back to defaults for a missing
// file, then applies CONVERGE_<KEY> environment overrides on top.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) error {
	stringOverride := func(env string, dst *string) {
		if v, ok := os.LookupEnv("CONVERGE_" + env); ok {
			*dst = v
		}
	}
	intOverride := func(env string, dst *int) error {
		v, ok := os.LookupEnv("CONVERGE_" + env)
		if !ok {
			return nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("CONVERGE_%s: invalid integer %q: %w", env, v, err)
		}
		*dst = n
		return nil
	}

	stringOverride("IDENTITY_KEY_PATH", &cfg.IdentityKeyPath)
	stringOverride("TRANSPORT", &cfg.Transport)
	stringOverride("HOST", &cfg.Host)
	stringOverride("TLS_CERT_PATH", &cfg.TLSCertPath)
	stringOverride("TLS_KEY_PATH", &cfg.TLSKeyPath)
	stringOverride("POOL_ID", &cfg.PoolID)
	stringOverride("DISCOVERY_STORE", &cfg.DiscoveryStore)
	stringOverride("STORE_KIND", &cfg.StoreKind)
	stringOverride("STORE_PATH", &cfg.StorePath)
	stringOverride("POSTGRES_DSN", &cfg.PostgresDSN)
	stringOverride("LOG_LEVEL", &cfg.LogLevel)
	stringOverride("METRICS_ADDR", &cfg.MetricsAddr)
	stringOverride("OTLP_ENDPOINT", &cfg.OTLPEndpoint)

	for env, dst := range map[string]*int{
		"PORT":                     &cfg.Port,
		"AGENTS":                   &cfg.Agents,
		"MAX_FRAME_BYTES":          &cfg.MaxFrameBytes,
		"DEFAULT_CLAIM_TTL_SECONDS": &cfg.DefaultClaimTTLSeconds,
		"CLAIM_SWEEP_INTERVAL_MS":  &cfg.ClaimSweepIntervalMS,
		"TICK_INTERVAL_MS":         &cfg.TickIntervalMS,
		"CHECKPOINT_EVERY_N_TICKS": &cfg.CheckpointEveryN,
		"INBOX_CAPACITY":           &cfg.InboxCapacity,
	} {
		if err := intOverride(env, dst); err != nil {
			return err
		}
	}
	return nil
}
