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

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/keithlinneman/imgdrop/internal/admission"
	"github.com/keithlinneman/imgdrop/internal/cfg"
	"github.com/keithlinneman/imgdrop/internal/health"
	"github.com/keithlinneman/imgdrop/internal/httpmw"
	"github.com/keithlinneman/imgdrop/internal/opshttp"
	"github.com/keithlinneman/imgdrop/internal/ratelimit"
	"github.com/keithlinneman/imgdrop/internal/store"
	"github.com/keithlinneman/imgdrop/internal/uploadhttp"

	"github.com/keithlinneman/imgdrop/internal/httpserver"
	"github.com/keithlinneman/imgdrop/internal/log"
	"github.com/keithlinneman/imgdrop/internal/metrics"
	"github.com/keithlinneman/imgdrop/internal/otelx"
	"github.com/keithlinneman/imgdrop/internal/prof"
	v "github.com/keithlinneman/imgdrop/internal/version"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Get build/version info
	vi := v.Get()

	var conf cfg.App
	var showVersion bool

	// Parse config from flags and env
	cfg.Register(flag.CommandLine, &conf)
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf(
			"%s %s (commit=%s, commit_date=%s, go=%s, dirty=%v)\n",
			vi.AppName, vi.Version, vi.Commit, vi.CommitDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		os.Exit(0)
	}

	// Fill in config from environment variables with prefix IMGDROP_ and validate
	cfg.FillFromEnv(flag.CommandLine, "IMGDROP_", func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	// validate config
	if err := cfg.Validate(conf); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	// Setup logging
	lvl, err := log.ParseLevel(conf.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level %s: %v\n", conf.LogLevel, err)
		os.Exit(1)
	}
	stackLvl, err := log.ParseLevel(conf.StacktraceLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid stacktrace level %s: %v\n", conf.StacktraceLevel, err)
		os.Exit(1)
	}
	lg, err := log.New(log.Options{
		App:             v.AppName,
		Level:           lvl,
		StacktraceLevel: stackLvl,
		JsonFormat:      conf.LogJSON,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init error:", err)
		os.Exit(1)
	}
	// no-op for slog/stderr, but here if we swap backends in the future to ensure any buffered logs are flushed on shutdown
	defer lg.Sync()
	L := lg.With("component", "server")
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"commit_date", vi.CommitDate,
		"go_version", vi.GoVersion,
		"vcs_dirty", vi.VCSDirty,
		"http_port", conf.HTTPPort,
		"admin_port", conf.AdminPort,
		"enable_pprof", conf.EnablePprof,
		"enable_pyroscope", conf.EnablePyroscope,
		"enable_tracing", conf.EnableTracing,
		"otlp_endpoint", conf.OTLPEndpoint,
		"pyro_server", conf.PyroServer,
		"pyro_tenant", conf.PyroTenantID,
		"trace_sample", conf.TraceSample,
		"storage_backend", conf.StorageBackend,
		"data_dir", conf.DataDir,
		"s3_bucket", conf.S3Bucket,
		"s3_prefix", conf.S3Prefix,
		"max_upload_bytes", conf.MaxUploadBytes,
		"normalize_format", conf.NormalizeFormat,
		"janitor_interval", conf.JanitorInterval,
		"trusted_hops", conf.TrustedHops,
	)

	// Setup pyroscope profiling
	stopProf, err := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		AppName:       v.AppName,
		AuthToken:     "",
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		Tags: map[string]string{
			"app":       v.AppName,
			"component": "server",
			"version":   vi.Version,
			"commit":    vi.Commit,
			"source":    "go-agent",
		},
	})
	if err != nil {
		L.Error(ctx, err, "pyroscope start failed", "pyro_server", conf.PyroServer)
	}
	defer func() { stopProf() }()

	// Setup otel for tracing
	// Insecure is true because we are only writing to a collector on localhost
	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:  conf.EnableTracing,
		Endpoint: conf.OTLPEndpoint,
		Insecure: true,
		Sample:   conf.TraceSample,
		Service:  v.AppName,
		Version:  vi.Version,
	})
	if err != nil {
		L.Error(ctx, err, "otel init failed")
		shutdownOTEL = func(context.Context) error { return nil }
	}
	defer func() { _ = shutdownOTEL(context.Background()) }()

	// Setup metrics / admin listener
	m := metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, "server", vi)

	// Image storage backend
	var st store.Store
	switch conf.StorageBackend {
	case "s3":
		awsCfg, err := config.LoadDefaultConfig(ctx)
		if err != nil {
			L.Error(ctx, err, "failed to load AWS config")
			os.Exit(1)
		}
		s3Store, err := store.NewS3Store(s3.NewFromConfig(awsCfg), conf.S3Bucket, conf.S3Prefix)
		if err != nil {
			L.Error(ctx, err, "failed to create s3 store")
			os.Exit(1)
		}
		st = s3Store
	default:
		diskStore, err := store.NewDiskStore(conf.DataDir)
		if err != nil {
			L.Error(ctx, err, "failed to create disk store", "data_dir", conf.DataDir)
			os.Exit(1)
		}
		st = diskStore
	}

	// Admission ledger + limiter: per-client sliding-window quotas with
	// escalating blocks for repeat offenders
	ledger := admission.NewLedger()
	limiter := admission.New(ledger,
		admission.WithConfig(admission.Config{
			MinuteMax:    conf.UploadsPerMinute,
			HourMax:      conf.UploadsPerHour,
			DayMax:       conf.UploadsPerDay,
			HourMaxBytes: int64(conf.HourlyUploadMiB) << 20,
		}),
		admission.WithOnDenied(func(key, reason string) {
			m.IncAdmissionDenied(reason)
		}),
		// one log entry per escalation, not one per rejected request
		admission.WithOnBlocked(func(key string, violations int, until time.Time) {
			m.IncAdmissionBlock()
			L.Warn(ctx, "client blocked after repeated quota violations",
				"client", key,
				"violations", violations,
				"blocked_until", until,
			)
		}),
	)

	// hourly sweep keeps the ledger from accumulating idle clients
	janitor := admission.NewJanitor(ledger,
		admission.WithSweepInterval(conf.JanitorInterval),
		admission.WithJanitorLogger(L),
		admission.WithOnSweep(func(evicted, remaining int) {
			m.ObserveSweep(evicted, remaining)
		}),
	)
	go janitor.Run(ctx)

	// setup toggle for server shutdown
	var gate health.ShutdownGate

	// readiness is just the shutdown gate, there is no warm-up phase
	readiness := health.All(gate.Probe())

	// Per-IP request flood guard, in front of everything the admission
	// ledger never sees: burst abuse, bots probing endpoints, etc.
	floodGuard := ratelimit.New(ctx,
		ratelimit.WithRate(conf.ReqPerSecond, conf.ReqBurst),
		// increment prometheus counter on each denied request
		ratelimit.WithOnDenied(func(ip string) {
			m.IncRateLimitDenied()
		}),
		// only log the first time an ip is denied each time it is cleaned from the bucket
		ratelimit.WithOnFirstDenied(func(ip string) {
			L.Warn(ctx, "rate limit triggered", "ip", ip)
		}),
		ratelimit.WithOnCapacity(func() {
			m.IncRateLimitCapacity()
			L.Warn(ctx, "rate limit capacity reached, rejecting new visitors until some are evicted")
		}),
	)

	// Upload/image API
	api, err := uploadhttp.NewAPI(uploadhttp.Options{
		Limiter:         limiter,
		Store:           st,
		Logger:          L,
		BaseURL:         conf.BaseURL,
		NormalizeFormat: conf.NormalizeFormat,
		OnUpload:        m.ObserveUpload,
		OnUploadFailure: m.IncUploadFailure,
	})
	if err != nil {
		L.Error(ctx, err, "failed to create upload api")
		os.Exit(1)
	}

	// start public http server
	apiHTTPStop, err := httpserver.Start(
		ctx,
		&httpserver.Options{
			Port:         conf.HTTPPort,
			MaxBodyBytes: conf.MaxUploadBytes,
			Health:       health.Fixed(true, ""),
			Readiness:    readiness,
			APIRoutes:    api.RegisterRoutes,
			UseRecoverMW: true,
			OnPanic:      m.IncHttpPanic,
			MetricsMW:    m.Middleware,
			RateLimitMW:  floodGuard.Middleware,
			ClientIPOpts: httpmw.ClientIPOptions{TrustedHops: conf.TrustedHops},
			Logger:       L,
		},
	)

	if err != nil {
		L.Error(ctx, err, "failed to start api http listener")
		os.Exit(1)
	}
	defer func() { _ = apiHTTPStop(context.Background()) }()

	// start admin/ops listener to serve metrics, health checks, pprof and any future admin APIs
	// sg restricts inbound to internal monitoring infrastructure
	opsHTTPStop, err := opshttp.Start(ctx, L, opshttp.Options{
		Port:        conf.AdminPort,
		Metrics:     m.Handler(),
		EnablePprof: conf.EnablePprof,
		Health:      health.Fixed(true, ""),
		Readiness:   readiness,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		os.Exit(1)
	}
	defer func() { _ = opsHTTPStop(context.Background()) }()

	// notify systemd that we started successfully if started under systemd
	if err := notifySystemd(); err != nil {
		// log and dont exit, worst case systemd will kill the process after timeout
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	// block until signal so we dont exit
	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	// wait for ctrl+c / sigterm
	<-sigCtx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	L.Info(context.Background(), "shutdown signal received")

	// fail health checks to drain connections
	gate.Set("draining")
	L.Info(context.Background(), "shutdown gate closed")

	// allow in-flight uploads and load balancer health checks to drain,
	// a second signal skips the wait
	L.Info(context.Background(), "sleeping 30s for in-flight and load balancer health checks to drain")
	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(30 * time.Second):
		L.Info(context.Background(), "drain period complete")
	case <-forceCh:
		L.Warn(context.Background(), "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	if err := apiHTTPStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "api http server shutdown")
	}

	if err := opsHTTPStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "ops http server shutdown")
	}

	if err := shutdownOTEL(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "otel shutdown")
	}

	stopProf()

	L.Info(context.Background(), "shutdown complete")
	os.Exit(0)
}

func notifySystemd() error {
	// systemd will set NOTIFY_SOCKET to a unix socket path if we were started under systemd with type=notify
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr)
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	conn.Write([]byte("READY=1"))
	if err := conn.Close(); err != nil {
		return fmt.Errorf("systemd notify failed: close failed: %w", err)
	}
	return nil
}
