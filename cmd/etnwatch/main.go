package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/etnwatch/etnwatch/internal/alert"
	"github.com/etnwatch/etnwatch/internal/config"
	"github.com/etnwatch/etnwatch/internal/health"
	"github.com/etnwatch/etnwatch/internal/httpclient"
	"github.com/etnwatch/etnwatch/internal/lock"
	"github.com/etnwatch/etnwatch/internal/logging"
	"github.com/etnwatch/etnwatch/internal/metrics"
	"github.com/etnwatch/etnwatch/internal/nsx"
	"github.com/etnwatch/etnwatch/internal/orchestrator"
	"github.com/etnwatch/etnwatch/internal/scheduler"
	"github.com/etnwatch/etnwatch/internal/sshprobe"
	"github.com/etnwatch/etnwatch/internal/store"
	"github.com/etnwatch/etnwatch/internal/telemetry"
	"github.com/etnwatch/etnwatch/internal/web"
)

const version = "1.0.0"

func main() {
	var configFile string
	var nsxURL string
	var nsxInsecure bool
	var warningDays int
	var concurrency int
	var whitelist string
	var databaseDSN string
	var webAddr string
	var metricsAddr string
	var otelEndpoint string
	var otelInsecure bool
	var otelService string
	var runOnStart bool
	var showVersion bool

	flag.StringVar(&configFile, "config", "", "path to config file (YAML or JSON)")
	flag.StringVar(&nsxURL, "nsx_manager_url", "", "NSX-T Manager base URL")
	flag.BoolVar(&nsxInsecure, "nsx_insecure_skip_verify", false, "skip TLS verification toward the NSX Manager")
	flag.IntVar(&warningDays, "warning_days", 0, "days before expiry to start warning")
	flag.IntVar(&concurrency, "probe_concurrency", 0, "concurrent SSH probes (1-10)")
	flag.StringVar(&whitelist, "etn_whitelist", "", "comma-separated edge IPs to restrict probing to")
	flag.StringVar(&databaseDSN, "database_dsn", "", "sqlite path or postgres DSN")
	flag.StringVar(&webAddr, "web_addr", "", "HTTP API listen addr")
	flag.StringVar(&metricsAddr, "metrics_addr", "", "metrics listen addr (empty to disable)")
	flag.StringVar(&otelEndpoint, "otel_endpoint", "", "OTLP HTTP endpoint (host:port)")
	flag.BoolVar(&otelInsecure, "otel_insecure", true, "OTLP insecure (no TLS)")
	flag.StringVar(&otelService, "otel_service", "", "OTEL service.name")
	flag.BoolVar(&runOnStart, "run_on_start", false, "run a sync and a check cycle immediately")
	flag.BoolVar(&showVersion, "version", false, "show version and exit")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "etnwatch - NSX-T edge transport node TLS certificate monitor\n")
		fmt.Fprintf(os.Stderr, "Watches edge node certificates over SSH and alerts before they expire\n\n")
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  %s -config=config.yaml\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -config=config.yaml -run_on_start\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
		fmt.Fprintf(os.Stderr, "  NSX_MANAGER_URL  NSX-T Manager base URL\n")
		fmt.Fprintf(os.Stderr, "  NSX_USERNAME     NSX-T API user\n")
		fmt.Fprintf(os.Stderr, "  NSX_PASSWORD     NSX-T API password\n")
		fmt.Fprintf(os.Stderr, "  ETN_SSH_USERNAME edge node SSH user\n")
		fmt.Fprintf(os.Stderr, "  ETN_SSH_PASSWORD edge node SSH password\n")
		fmt.Fprintf(os.Stderr, "  REDIS_ADDR       Redis for the distributed cycle lock and alert suppression\n")
		fmt.Fprintf(os.Stderr, "  LOG_LEVEL        Log level (debug, info, warn, error)\n")
	}

	flag.Parse()

	if showVersion {
		fmt.Println("etnwatch v" + version)
		fmt.Println("Built with Go", strings.TrimPrefix(runtime.Version(), "go"))
		os.Exit(0)
	}

	log := logging.New()
	defer log.Sync()

	var cfg *config.Config
	var err error
	if configFile != "" {
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			log.Fatal("failed to load config file", "file", configFile, "err", err)
		}
		log.Info("loaded config from file", "file", configFile)
	} else {
		cfg = &config.Config{}
		cfg.SetDefaults()
	}

	cfg.LoadFromEnv()

	flags := make(map[string]interface{})
	if nsxURL != "" {
		flags["nsx_manager_url"] = nsxURL
	}
	if warningDays > 0 {
		flags["warning_days"] = warningDays
	}
	if concurrency > 0 {
		flags["probe_concurrency"] = concurrency
	}
	if databaseDSN != "" {
		flags["database_dsn"] = databaseDSN
	}
	if webAddr != "" {
		flags["web_addr"] = webAddr
	}
	if metricsAddr != "" {
		flags["metrics_addr"] = metricsAddr
	}
	if otelEndpoint != "" {
		flags["otel_endpoint"] = otelEndpoint
	}
	if otelService != "" {
		flags["otel_service"] = otelService
	}
	flags["otel_insecure"] = otelInsecure
	flags["nsx_insecure_skip_verify"] = nsxInsecure
	if runOnStart {
		flags["run_on_start"] = true
	}
	cfg.MergeWithFlags(flags)

	if whitelist != "" {
		cfg.ETNWhitelist = nil
		for _, ip := range strings.Split(whitelist, ",") {
			if ip = strings.TrimSpace(ip); ip != "" {
				cfg.ETNWhitelist = append(cfg.ETNWhitelist, ip)
			}
		}
	}

	if err := cfg.Validate(); err != nil {
		log.Fatal("invalid configuration", "err", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.OTELService, cfg.OTELInsecure)
	if err != nil {
		log.Warn("otel init failed", "err", err)
	} else {
		defer shutdown(context.Background())
	}

	st, err := store.Open(cfg.DatabaseDSN)
	if err != nil {
		log.Fatal("open store", "dsn", cfg.DatabaseDSN, "err", err)
	}
	log.Info("store ready", "dsn", cfg.DatabaseDSN)

	// Redis upgrades the cycle lock to cross-replica and makes alert
	// suppression survive restarts. Without it both fall back to memory.
	var redisClient *redis.Client
	var cycleLock lock.CycleLock
	var suppressor alert.Suppressor
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			log.Fatal("redis ping", "addr", cfg.RedisAddr, "err", err)
		}
		cycleLock = lock.NewRedis(redisClient, "etnwatch:cycle", 30*time.Minute)
		suppressor = alert.NewRedisSuppressor(redisClient, 24*time.Hour)
		log.Info("redis lock and suppression enabled", "addr", cfg.RedisAddr)
	} else {
		cycleLock = lock.NewLocal()
		suppressor = alert.NewMemorySuppressor(24 * time.Hour)
		log.Info("local lock and in-memory suppression enabled")
	}

	sinks := []alert.Sink{alert.NewLogSink(log)}
	if cfg.TelegramBotToken != "" && cfg.TelegramChatID != "" {
		sinks = append(sinks, alert.NewTelegramSink(cfg.TelegramBotToken, cfg.TelegramChatID))
		log.Info("telegram alerts enabled", "chat_id", cfg.TelegramChatID)
	}
	if cfg.WebhookURL != "" {
		sinks = append(sinks, alert.NewWebhookSink(cfg.WebhookURL))
		log.Info("webhook alerts enabled", "url", cfg.WebhookURL)
	}
	if len(cfg.KafkaBrokers) > 0 {
		ks := alert.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer ks.Close()
		sinks = append(sinks, ks)
		log.Info("kafka alerts enabled", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	}
	notifier := alert.NewNotifier(sinks, suppressor, log)

	nsxClient := nsx.NewClient(
		cfg.NSXManagerURL,
		cfg.NSXUsername,
		cfg.NSXPassword,
		httpclient.New(cfg.NSXTimeout(), cfg.NSXInsecureSkipVerify),
		log,
	)
	prober := sshprobe.NewProber(cfg.SSHUsername, cfg.SSHPassword, cfg.SSHPort, cfg.SSHTimeout(), cfg.WarningDays, log)

	orch := orchestrator.New(nsxClient, prober, st, notifier, cycleLock, orchestrator.Options{
		Concurrency:  cfg.ProbeConcurrency,
		WarningDays:  cfg.WarningDays,
		ETNWhitelist: cfg.ETNWhitelist,
	}, log)

	healthHandler := health.NewHandler(log)
	healthHandler.SetMetadata("version", version)
	healthHandler.RegisterChecker("database", health.NewPingChecker("database", st.Ping))
	if redisClient != nil {
		healthHandler.RegisterChecker("redis", health.NewPingChecker("redis", func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}))
	}
	healthHandler.RegisterChecker("cycle", health.NewCycleChecker(func() string {
		return string(orch.State())
	}))
	healthHandler.RegisterChecker("cycle_freshness", health.NewStaleCycleChecker(orch.LastCompleted, 14*24*time.Hour))

	if cfg.MetricsAddr != "" {
		go metrics.ServeWithHealth(cfg.MetricsAddr, healthHandler, log)
		log.Info("metrics and health server started", "addr", cfg.MetricsAddr)
	}

	sched := scheduler.New(orch, scheduler.Config{
		SyncCron:   cfg.SyncCron,
		CheckCron:  cfg.CheckCron,
		NotifyCron: cfg.NotifyCron,
		RunOnStart: cfg.RunOnStart,
	}, log)
	if err := sched.Start(ctx); err != nil {
		log.Fatal("scheduler start", "err", err)
	}
	defer sched.Stop()

	api := web.New(st, orch, log)
	go func() {
		if err := api.Listen(cfg.WebAddr); err != nil {
			log.Error("web server stopped", "err", err)
			cancel()
		}
	}()
	log.Info("web api started", "addr", cfg.WebAddr)

	healthHandler.SetReady(true)
	log.Info("etnwatch running",
		"nsx", cfg.NSXManagerURL,
		"nsx_insecure_skip_verify", cfg.NSXInsecureSkipVerify,
		"warning_days", cfg.WarningDays,
		"sync_cron", cfg.SyncCron,
		"check_cron", cfg.CheckCron,
	)

	<-ctx.Done()
	log.Info("shutting down")
	healthHandler.SetReady(false)
	if err := api.Shutdown(); err != nil {
		log.Warn("web shutdown", "err", err)
	}
}
