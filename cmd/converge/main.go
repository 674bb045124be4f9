// Command converge runs one or more agent runtimes: it loads
// configuration, wires identity, transport, store, and managers, and
// drives the agent loop(s) until interrupted.
//
// Usage:
//
//	converge run -c config.json
//	converge run -v
package main

import (
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/converge-project/converge/agent"
	"github.com/converge-project/converge/agent/executor"
	"github.com/converge-project/converge/discovery"
	"github.com/converge-project/converge/identity"
	"github.com/converge-project/converge/internal/appconfig"
	"github.com/converge-project/converge/internal/store"
	"github.com/converge-project/converge/internal/store/filestore"
	"github.com/converge-project/converge/internal/store/memstore"
	"github.com/converge-project/converge/internal/store/pgstore"
	"github.com/converge-project/converge/internal/telemetry"
	"github.com/converge-project/converge/pool"
	"github.com/converge-project/converge/registry"
	"github.com/converge-project/converge/task"
	"github.com/converge-project/converge/tool"
	"github.com/converge-project/converge/transport"
	"github.com/converge-project/converge/transport/inproc"
	"github.com/converge-project/converge/transport/tcp"
	"github.com/converge-project/converge/transport/websocket"
)

func main() {
	if len(os.Args) < 2 || os.Args[1] != "run" {
		fmt.Fprintln(os.Stderr, "usage: converge run [-c config.json] [-v]")
		os.Exit(2)
	}

	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("c", "", "path to a JSON config file")
	fs.StringVar(configPath, "config", "", "path to a JSON config file")
	verbose := fs.Bool("v", false, "verbose logging")
	fs.BoolVar(verbose, "verbose", false, "verbose logging")
	fs.Parse(os.Args[2:])

	cfg, err := appconfig.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "converge: load config: %v\n", err)
		os.Exit(1)
	}
	if *verbose {
		cfg.LogLevel = "debug"
	}

	logger := telemetry.NewLogger("converge")

	if cfg.OTLPEndpoint != "" {
		shutdown, err := telemetry.InitTracer("converge", cfg.OTLPEndpoint)
		if err != nil {
			logger.Error("tracer_init_failed", "error", err)
			os.Exit(1)
		}
		defer shutdown(context.Background())
	}

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Warn("metrics_server_failed", "error", err)
			}
		}()
		logger.Info("metrics_listening", "addr", cfg.MetricsAddr)
	}

	taskStore, err := buildStore(cfg)
	if err != nil {
		logger.Error("store_setup_failed", "error", err)
		os.Exit(1)
	}

	discoveryStore, err := buildDiscoveryStore(cfg)
	if err != nil {
		logger.Error("discovery_store_setup_failed", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	taskManager := task.NewManager(taskStore, monotonicClock{start: time.Now()}, logger.WithField("component", "task_manager"))
	poolManager := pool.NewManager(taskStore, logger.WithField("component", "pool_manager"))
	idRegistry := registry.New()
	disco := discovery.New(ctx, discoveryStore)

	numAgents := cfg.Agents
	if numAgents < 1 {
		numAgents = 1
	}

	runtimes := make([]*agent.Runtime, 0, numAgents)
	for i := 0; i < numAgents; i++ {
		rt, id, err := buildRuntime(ctx, cfg, i, taskManager, poolManager, idRegistry, disco, taskStore, logger)
		if err != nil {
			logger.Error("agent_setup_failed", "index", i, "error", err)
			os.Exit(1)
		}
		idRegistry.Register(id.Fingerprint, id.PublicKey)

		if err := rt.Start(ctx); err != nil {
			logger.Error("runtime_start_failed", "index", i, "error", err)
			os.Exit(1)
		}
		logger.Info("runtime_started", "agent_id", id.Fingerprint, "transport", cfg.Transport)

		if cfg.PoolID != "" {
			p := poolManager.EnsurePool(ctx, cfg.PoolID, pool.Spec{})
			poolManager.JoinPool(ctx, id.Fingerprint, p.ID)
			logger.Info("pool_joined", "agent_id", id.Fingerprint, "pool_id", p.ID)
		}

		runtimes = append(runtimes, rt)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutdown_signal_received", "signal", sig.String())

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, rt := range runtimes {
		if err := rt.Stop(stopCtx); err != nil {
			logger.Warn("runtime_stop_error", "error", err)
		}
	}
	logger.Info("runtime_stopped")
}

// buildRuntime wires one agent's identity, transport, and executor into a
// Runtime. index is the agent's position in the spawned set; for tcp/
// websocket transports its port (the tcp listen port, the websocket dial
// port) is cfg.Port+index so multiple agents on one host don't collide.
func buildRuntime(
	ctx context.Context,
	cfg *appconfig.Config,
	index int,
	taskManager *task.Manager,
	poolManager *pool.Manager,
	idRegistry *registry.Registry,
	disco *discovery.Service,
	checkpointStore store.Store,
	logger telemetry.Logger,
) (*agent.Runtime, *identity.Identity, error) {
	keyPath := cfg.IdentityKeyPath
	if keyPath != "" && index > 0 {
		keyPath = fmt.Sprintf("%s.%d", keyPath, index)
	}
	id, err := loadOrCreateIdentity(keyPath)
	if err != nil {
		return nil, nil, fmt.Errorf("identity: %w", err)
	}

	tr, err := buildTransport(cfg, index, id.Fingerprint, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("transport: %w", err)
	}

	tools := tool.NewRegistry()
	exec := executor.New(id.Fingerprint, id, tr, logger.WithField("component", "executor"))
	exec.TaskManager = taskManager
	exec.PoolManager = poolManager
	exec.Tools = tools
	exec.ToolTimeout = 30 * time.Second

	a := agent.NewBase(id, nil, nil, nil)

	rt := agent.New(a, id, tr, exec)
	rt.TaskManager = taskManager
	rt.PoolManager = poolManager
	rt.Discovery = disco
	rt.IdentityRegistry = idRegistry
	rt.CheckpointStore = checkpointStore
	rt.CheckpointInterval = time.Duration(cfg.TickIntervalMS*cfg.CheckpointEveryN) * time.Millisecond
	rt.TickTimeout = time.Duration(cfg.TickIntervalMS) * time.Millisecond
	rt.InboxBatchSize = 10
	rt.Logger = logger.WithField("component", "runtime").WithField("agent_id", id.Fingerprint)

	return rt, id, nil
}

func buildStore(cfg *appconfig.Config) (store.Store, error) {
	switch cfg.StoreKind {
	case "", "memory":
		return memstore.New(), nil
	case "file":
		return filestore.New(cfg.StorePath)
	case "postgres":
		return pgstore.New(context.Background(), parsePostgresConfig(cfg.PostgresDSN))
	default:
		return nil, fmt.Errorf("converge: unknown store_kind %q", cfg.StoreKind)
	}
}

// buildDiscoveryStore maps the discovery_store config key: the literal
// value "memory" selects the in-memory store, any other value is treated
// as a filesystem directory for file-backed persistence.
func buildDiscoveryStore(cfg *appconfig.Config) (store.Store, error) {
	switch cfg.DiscoveryStore {
	case "", "memory":
		return memstore.New(), nil
	default:
		return filestore.New(cfg.DiscoveryStore)
	}
}

// parsePostgresConfig is a minimal key=value DSN reader
// ("host=... port=... user=... password=... dbname=... sslmode=...");
// callers that need a richer DSN dialect should connect with pgxpool
// directly and adapt pgstore to accept a prebuilt pool.
func parsePostgresConfig(dsn string) pgstore.Config {
	cfg := pgstore.Config{Host: "localhost", Port: 5432, SSLMode: "disable"}
	fields := map[string]*string{
		"host": &cfg.Host, "user": &cfg.User, "password": &cfg.Password,
		"dbname": &cfg.Database, "sslmode": &cfg.SSLMode,
	}
	for _, pair := range splitDSN(dsn) {
		k, v, ok := splitKV(pair)
		if !ok {
			continue
		}
		if k == "port" {
			fmt.Sscanf(v, "%d", &cfg.Port)
			continue
		}
		if dst, ok := fields[k]; ok {
			*dst = v
		}
	}
	return cfg
}

func splitDSN(dsn string) []string {
	var out []string
	var cur []byte
	for i := 0; i < len(dsn); i++ {
		if dsn[i] == ' ' {
			if len(cur) > 0 {
				out = append(out, string(cur))
				cur = nil
			}
			continue
		}
		cur = append(cur, dsn[i])
	}
	if len(cur) > 0 {
		out = append(out, string(cur))
	}
	return out
}

func splitKV(pair string) (string, string, bool) {
	for i := 0; i < len(pair); i++ {
		if pair[i] == '=' {
			return pair[:i], pair[i+1:], true
		}
	}
	return "", "", false
}

// buildTransport maps the transport config key: "local" (default)
// selects the in-process transport; "tcp" binds cfg.Host at
// cfg.Port+index; "websocket" dials cfg.Host:cfg.Port+index as a ws://
// URI.
func buildTransport(cfg *appconfig.Config, index int, agentID string, logger telemetry.Logger) (transport.Transport, error) {
	port := cfg.Port + index

	switch cfg.Transport {
	case "", "local", "inproc":
		return inproc.New(agentID, inproc.Default()), nil
	case "tcp":
		tlsConfig, err := buildTLSConfig(cfg)
		if err != nil {
			return nil, err
		}
		return tcp.New(cfg.Host, port, tlsConfig, logger.WithField("component", "tcp_transport")), nil
	case "websocket":
		uri := fmt.Sprintf("%s:%d", cfg.Host, port)
		if !strings.HasPrefix(uri, "ws://") && !strings.HasPrefix(uri, "wss://") {
			uri = "ws://" + uri
		}
		return websocket.New(uri, logger.WithField("component", "ws_transport")), nil
	default:
		return nil, fmt.Errorf("converge: unknown transport %q", cfg.Transport)
	}
}

func buildTLSConfig(cfg *appconfig.Config) (*tls.Config, error) {
	if cfg.TLSCertPath == "" && cfg.TLSKeyPath == "" {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(cfg.TLSCertPath, cfg.TLSKeyPath)
	if err != nil {
		return nil, fmt.Errorf("converge: load TLS keypair: %w", err)
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
}

func loadOrCreateIdentity(path string) (*identity.Identity, error) {
	if path == "" {
		return identity.Generate()
	}
	data, err := os.ReadFile(path)
	if err == nil && len(data) == ed25519.SeedSize {
		priv := ed25519.NewKeyFromSeed(data)
		return identity.FromPrivateKey(priv)
	}
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("converge: read identity key %s: %w", path, err)
	}

	id, genErr := identity.Generate()
	if genErr != nil {
		return nil, genErr
	}
	seed := id.PrivateKey.Seed()
	if writeErr := os.WriteFile(path, seed, 0o600); writeErr != nil {
		return nil, fmt.Errorf("converge: persist identity key %s: %w", path, writeErr)
	}
	return id, nil
}

// monotonicClock adapts time.Since to the task package's Clock contract.
type monotonicClock struct{ start time.Time }

func (c monotonicClock) MonotonicMS() int64 { return time.Since(c.start).Milliseconds() }
