// Warden triages security alerts and runs response playbooks against them.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	otelpyroscope "github.com/grafana/otel-profiling-go"
	"github.com/linnemanlabs/go-core/cfg"
	"github.com/linnemanlabs/go-core/opshttp"
	"github.com/linnemanlabs/go-core/prof"
	"go.opentelemetry.io/otel"

	"github.com/linnemanlabs/go-core/health"

	"github.com/linnemanlabs/go-core/httpmw"
	"github.com/linnemanlabs/go-core/httpserver"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/go-core/metrics"
	"github.com/linnemanlabs/go-core/otelx"
	v "github.com/linnemanlabs/go-core/version"

	"github.com/linnemanlabs/warden/internal/action"
	"github.com/linnemanlabs/warden/internal/api"
	wc "github.com/linnemanlabs/warden/internal/cfg"
	"github.com/linnemanlabs/warden/internal/correlation"
	"github.com/linnemanlabs/warden/internal/finding"
	"github.com/linnemanlabs/warden/internal/finding/memstore"
	"github.com/linnemanlabs/warden/internal/finding/pgstore"
	"github.com/linnemanlabs/warden/internal/lease"
	"github.com/linnemanlabs/warden/internal/orchestrate"
	"github.com/linnemanlabs/warden/internal/playbook"
	"github.com/linnemanlabs/warden/internal/postgres"
	"github.com/linnemanlabs/warden/internal/publish"
	"github.com/linnemanlabs/warden/internal/soar"
)

const appName = "warden"
const component = "server"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal error:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Set app name and component
	v.AppName = appName
	v.Component = component

	// Get build/version info
	vi := v.Get()

	// each package registers its own flags and options struct
	var (
		appCfg    wc.Config
		httpCfg   httpserver.Config
		httpmwCfg httpmw.Config
		logCfg    log.Config
		opsCfg    opshttp.Config
		profCfg   prof.Config
		traceCfg  otelx.Config
	)

	// register flags for each package, which will be parsed into the shared config struct
	appCfg.RegisterFlags(flag.CommandLine)
	httpCfg.RegisterFlags(flag.CommandLine)
	httpmwCfg.RegisterFlags(flag.CommandLine)
	logCfg.RegisterFlags(flag.CommandLine)
	opsCfg.RegisterFlags(flag.CommandLine)
	profCfg.RegisterFlags(flag.CommandLine)
	traceCfg.RegisterFlags(flag.CommandLine)
	var showVersion bool
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")

	// parse flags to get config values from cmdline, we check env vars next which do not override cmdline flags
	flag.Parse()
	if showVersion {
		fmt.Printf(
			"%s (%s) %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			vi.AppName, vi.Component, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		return nil
	}

	// Fill in config values from environment variables with prefix WARDEN_,
	// these do not override cmdline flags
	cfg.FillFromEnv(flag.CommandLine, "WARDEN_", func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	if err := errors.Join(
		appCfg.Validate(),
		httpCfg.Validate(),
		httpmwCfg.Validate(),
		logCfg.Validate(),
		opsCfg.Validate(),
		profCfg.Validate(),
		traceCfg.Validate(),
	); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	// cross-cutting checks that only main can validate
	if appCfg.APIPort == opsCfg.Port {
		return fmt.Errorf("http and admin ports must differ (both %d)", appCfg.APIPort)
	}

	// initialize logger early
	lg, err := log.New(logCfg.ToOptions(v.AppName))
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	// no-op for slog/stderr, but here if we swap backends in the future to ensure any buffered logs are flushed on shutdown
	defer func() { _ = lg.Sync() }()

	// create a logger with component field pre-filled for structured logging in this package
	L := lg.With("component", vi.Component)

	// add logger to context
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"commit_date", vi.CommitDate,
		"build_id", vi.BuildId,
		"build_date", vi.BuildDate,
		"go_version", vi.GoVersion,
		"vcs_dirty", vi.VCSDirty,
		"http_port", appCfg.APIPort,
		"admin_port", opsCfg.Port,
		"enable_pprof", opsCfg.EnablePprof,
		"enable_pyroscope", profCfg.EnablePyroscope,
		"enable_tracing", traceCfg.EnableTracing,
		"trace_sample", traceCfg.TraceSample,
		"trace_insecure", traceCfg.Insecure,
		"otlp_endpoint", traceCfg.OTLPEndpoint,
		"pyro_server", profCfg.PyroServer,
		"pyro_tenant", profCfg.PyroTenantID,
		"include_error_links", logCfg.IncludeErrorLinks,
		"max_error_links", logCfg.MaxErrorLinks,
		"trusted_proxy_hops", httpmwCfg.TrustedProxyHops,
		"indices", appCfg.IndexList(),
		"poll_interval", appCfg.PollInterval,
		"workers", appCfg.Workers,
		"unmatched_policy", appCfg.UnmatchedPolicy,
		"hunt_interval", appCfg.HuntInterval,
		"simulate", appCfg.Simulate,
	)

	// Setup pyroscope profiling early so we get profiles from the entire app lifetime
	profOpts := profCfg.ToOptions()
	profOpts.AppName = v.AppName
	profOpts.Tags = map[string]string{
		"app":       v.AppName,
		"component": v.Component,
		"version":   vi.Version,
		"commit":    vi.Commit,
		"build_id":  vi.BuildId,
		"source":    "lmlabs-go-agent",
	}
	// Start profiling, returns a stop function to call for clean shutdown (flush buffers, etc)
	stopProf, profErr := prof.Start(ctx, profOpts)
	if profErr != nil {
		L.Error(ctx, profErr, "pyroscope start failed", "pyro_server", profCfg.PyroServer)
	}
	if stopProf != nil {
		defer stopProf()
	}

	// Setup otel for tracing
	traceOpts := traceCfg.ToOptions()
	traceOpts.Service = v.AppName
	traceOpts.Component = v.Component
	traceOpts.Version = v.Version

	// Start otel, returns a shutdown function to call for clean shutdown (flush buffers, etc)
	shutdownOtelx, err := otelx.Init(ctx, traceOpts)
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}
	if shutdownOtelx != nil {
		defer func() { _ = shutdownOtelx(context.Background()) }()
	}

	// Link spans to profiles so a slow playbook run can be opened in pyroscope
	if profErr == nil && profCfg.EnablePyroscope {
		otel.SetTracerProvider(otelpyroscope.NewTracerProvider(otel.GetTracerProvider()))
	}

	// Setup metrics, we use our own metrics package for internal instrumentation
	var m = metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, "server", &vi)
	m.SetProfilingActive(profErr == nil && profCfg.EnablePyroscope)

	// Finding store: postgres when configured, otherwise in-memory.
	var store finding.Store
	if appCfg.DatabaseURL != "" {
		pool, err := postgres.NewPool(ctx, postgres.PoolConfig{
			URL:      appCfg.DatabaseURL,
			Logger:   L,
			Observer: postgres.NewMetrics(m.Registry()),
		})
		if err != nil {
			return fmt.Errorf("postgres pool: %w", err)
		}
		pgStore, err := pgstore.New(ctx, pool)
		if err != nil {
			pool.Close()
			return fmt.Errorf("pgstore init: %w", err)
		}
		defer pgStore.Close()
		store = pgStore
		L.Info(ctx, "using postgres finding store")
	} else {
		store = memstore.New()
		L.Info(ctx, "using in-memory finding store (no database-url configured)")
	}

	// Playbook catalog: operator file or the built-in set.
	var catalogOpts []playbook.Option
	if appCfg.StrictKeywords {
		catalogOpts = append(catalogOpts, playbook.WithStrictKeywords())
	}
	var catalog *playbook.Catalog
	if appCfg.CatalogFile != "" {
		catalog, err = playbook.LoadFile(appCfg.CatalogFile, catalogOpts...)
		if err != nil {
			return fmt.Errorf("load playbook catalog: %w", err)
		}
	} else {
		catalog = playbook.Default()
	}
	L.Info(ctx, "playbook catalog loaded", "file", appCfg.CatalogFile, "playbooks", len(catalog.Names()))

	// Action handlers, one family per configured collaborator.
	registry := newRegistry(ctx, L, &appCfg, store)
	if missing := registry.Missing(catalogKinds(catalog)); len(missing) > 0 {
		L.Warn(ctx, "playbook actions without a handler", "kinds", missing, "simulate", appCfg.Simulate)
	}
	if appCfg.Simulate {
		L.Warn(ctx, "simulation enabled, actions without a handler report success")
	}

	executor := action.NewExecutor(registry, catalog, store, L, action.NewMetrics(m.Registry()).Hooks(), action.Config{
		Simulate: appCfg.Simulate,
	})

	orchOpts := []orchestrate.Option{
		orchestrate.WithHooks(orchestrate.NewMetrics(m.Registry()).Hooks()),
	}
	var publisher *publish.Kafka
	if brokers := appCfg.BrokerList(); len(brokers) > 0 {
		publisher, err = publish.NewKafka(publish.Config{Brokers: brokers, Topic: appCfg.KafkaTopic}, L)
		if err != nil {
			return fmt.Errorf("kafka publisher: %w", err)
		}
		orchOpts = append(orchOpts, orchestrate.WithPublisher(publisher))
		L.Info(ctx, "execution log publishing enabled", "brokers", brokers, "topic", appCfg.KafkaTopic)
	}
	orchestrator := orchestrate.New(catalog, executor, store, L, orchOpts...)

	// Claims go through Redis when configured so replicas on separate stores
	// still process each alert once.
	var claimer soar.Claimer
	var leases *lease.Redis
	if appCfg.RedisAddr != "" {
		leases, err = lease.Dial(ctx, lease.Config{
			Addr:     appCfg.RedisAddr,
			Password: appCfg.RedisPassword,
			DB:       appCfg.RedisDB,
		})
		if err != nil {
			return fmt.Errorf("redis leases: %w", err)
		}
		claimer = leases
		L.Info(ctx, "using redis leases", "redis_addr", appCfg.RedisAddr)
	}

	policy, err := soar.ParseUnmatchedPolicy(appCfg.UnmatchedPolicy)
	if err != nil {
		return err
	}
	loop := soar.New(store, playbook.NewMatcher(catalog), orchestrator, claimer, L, soar.NewMetrics(m.Registry()).Hooks(), soar.Config{
		Indices:      appCfg.IndexList(),
		Lookback:     appCfg.Lookback,
		BatchSize:    appCfg.BatchSize,
		Workers:      appCfg.Workers,
		PollInterval: appCfg.PollInterval,
		LeaseTTL:     appCfg.LeaseTTL,
		Unmatched:    policy,
		Owner:        appCfg.InstanceID,
	})

	hunter := correlation.NewHunter(store, nil, L, correlation.NewMetrics(m.Registry()).Hooks(), correlation.HunterConfig{
		Lookback: appCfg.HuntLookback,
		Limit:    appCfg.HuntLimit,
	})

	// Background workers outlive the signal context so they can be stopped
	// in order during shutdown.
	workCtx, stopWork := context.WithCancel(context.WithoutCancel(ctx))
	defer stopWork()
	var workers sync.WaitGroup
	workers.Go(func() { loop.Run(workCtx) })
	if appCfg.HuntInterval > 0 {
		workers.Go(func() { hunter.Run(workCtx, appCfg.HuntInterval) })
	} else {
		L.Info(ctx, "scheduled threat hunting disabled")
	}
	stopWorkers := func(ctx context.Context) error {
		stopWork()
		done := make(chan struct{})
		go func() {
			workers.Wait()
			close(done)
		}()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	// readiness flips to draining on shutdown so the load balancer stops
	// routing before listeners close
	var shutdownGate health.ShutdownGate
	readiness := health.All(
		shutdownGate.Probe(),
	)
	liveness := health.Fixed(true, "")

	// ops listener: metrics, health, pprof
	opsOpts := opsCfg.ToOptions()
	opsOpts.Metrics = m.Handler()
	opsOpts.Health = liveness
	opsOpts.Readiness = readiness
	opsOpts.UseRecoverMW = true
	opsOpts.OnPanic = m.IncHttpPanic

	// internal only; opshttp rejects public source addresses and forwarded requests
	opsHTTPStop, err := opshttp.Start(ctx, L, opsOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		return err
	}
	defer func() {
		err := opsHTTPStop(context.Background())
		if err != nil {
			L.Error(ctx, err, "failed to stop ops http listener")
		}
	}()

	h := newHandler(ctx, handlerDeps{
		logger:      L,
		api:         api.New(L, store, catalog, hunter),
		tokens:      appCfg.APITokens(),
		healthy:     health.HealthzHandler(liveness),
		ready:       health.ReadyzHandler(readiness),
		instrument:  m.Middleware,
		trustedHops: httpmwCfg.TrustedProxyHops,
	})

	apiOpts, err := httpCfg.ToOptions()
	if err != nil {
		L.Error(ctx, err, "invalid http config")
		return err
	}

	apiHTTPStop, err := httpserver.Start(ctx, fmt.Sprintf(":%d", appCfg.APIPort), h, L, apiOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start api http listener")
		return err
	}
	defer func() {
		err := apiHTTPStop(context.Background())
		if err != nil {
			L.Error(ctx, err, "failed to stop api http listener")
		}
	}()

	// not fatal: without type=notify systemd just waits for its own timeout
	if err := notifySystemd(); err != nil {
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	<-ctx.Done()

	L.Info(context.Background(), "shutdown signal received")

	shutdownGate.Set("draining")
	L.Info(context.Background(), "shutdown gate closed")

	waitForDrain(L, time.Duration(appCfg.DrainSeconds)*time.Second)

	// api first so no new work arrives, then the loop and hunter, then the
	// sinks they write to
	stops := []stopper{
		{"api http server", apiHTTPStop},
		{"background workers", stopWorkers},
	}
	if publisher != nil {
		stops = append(stops, closer("kafka publisher", publisher))
	}
	if leases != nil {
		stops = append(stops, closer("redis leases", leases))
	}
	stops = append(stops,
		stopper{"ops http server", opsHTTPStop},
		stopper{"otel", shutdownOtelx},
	)
	stopAll(L, time.Duration(appCfg.ShutdownBudgetSeconds)*time.Second, stops)

	if stopProf != nil {
		stopProf()
	}

	L.Info(context.Background(), "shutdown complete")
	return nil
}

func notifySystemd() error {
	// systemd will set NOTIFY_SOCKET to a unix socket path if we were started under systemd with type=notify
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr) //nolint:gosec,noctx // G704: addr is from NOTIFY_SOCKET set by systemd not user input, no context support in net package for unixgram sockets
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	defer func() { _ = conn.Close() }()
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		return fmt.Errorf("systemd notify failed: write failed: %w", err)
	}
	return nil
}
