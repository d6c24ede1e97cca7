package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/SteelMorgan/remote-log-ingest/internal/clickhouse"
	"github.com/SteelMorgan/remote-log-ingest/internal/config"
	"github.com/SteelMorgan/remote-log-ingest/internal/dispatch"
	"github.com/SteelMorgan/remote-log-ingest/internal/domain"
	"github.com/SteelMorgan/remote-log-ingest/internal/mutation"
	"github.com/SteelMorgan/remote-log-ingest/internal/observability"
	"github.com/SteelMorgan/remote-log-ingest/internal/offset"
	"github.com/SteelMorgan/remote-log-ingest/internal/publish"
	"github.com/SteelMorgan/remote-log-ingest/internal/remote"
	"github.com/SteelMorgan/remote-log-ingest/internal/retry"
	"github.com/SteelMorgan/remote-log-ingest/internal/service"
	"github.com/SteelMorgan/remote-log-ingest/internal/writer"
	"github.com/rs/zerolog/log"
	flag "github.com/spf13/pflag"
)

const version = "0.1.0"

func main() {
	serversFile := flag.String("servers", "", "server registry file (overrides INGEST_SERVERS_FILE)")
	checkOnly := flag.Bool("check", false, "validate configuration and registry, then exit")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *serversFile != "" {
		cfg.ServersFile = *serversFile
	}

	observability.InitLogger(cfg.LogLevel, cfg.LogFile)

	registry, err := config.LoadRegistry(cfg.ServersFile)
	if err != nil {
		log.Fatal().Err(err).Str("file", cfg.ServersFile).Msg("Failed to load server registry")
	}
	if *checkOnly {
		log.Info().
			Int("servers", len(registry.Servers)).
			Int("active", len(registry.ActiveServers())).
			Int("categories", len(registry.Categories)).
			Msg("Configuration is valid")
		return
	}

	log.Info().
		Str("version", version).
		Int("servers", len(registry.ActiveServers())).
		Msg("Starting remote log ingest")

	categories := make([]string, 0, len(registry.Categories))
	for _, c := range registry.CategoryNames() {
		categories = append(categories, string(c))
	}
	shutdownTracer, err := observability.InitTracer(observability.TracerConfig{
		ServiceVersion: version,
		Endpoint:       cfg.TracingEndpoint,
		Protocol:       cfg.TracingProtocol,
		Enabled:        cfg.TracingEnabled,
		PointerBackend: cfg.PointerBackend,
		ActiveServers:  len(registry.ActiveServers()),
		Categories:     categories,
		SampleRatio:    cfg.TracingSampleRatio,
	})
	if err != nil {
		log.Error().Err(err).Msg("Failed to initialize tracer")
	} else {
		defer shutdownTracer(context.Background())
	}

	store, err := offset.Open(cfg.PointerBackend, cfg.PointerPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open pointer store")
	}
	defer store.Close()

	pool := remote.NewFTPPool(remote.PoolConfig{
		MaxConnsPerServer: cfg.MaxConnsPerServer,
		AcquireTimeout:    cfg.AcquireTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		Retry:             retry.DefaultConfig(),
	}, registry, remote.DialFTP(cfg.DialTimeout))
	defer pool.Close()

	handlers := dispatch.NewRegistry()
	var progress writer.ProgressWriter
	var notifier mutation.Notifier

	if cfg.ClickHouseEnabled {
		chClient, err := clickhouse.NewClient(clickhouse.Options{
			Host:     cfg.ClickHouseHost,
			Port:     cfg.ClickHousePort,
			Database: cfg.ClickHouseDB,
			Username: cfg.ClickHouseUser,
			Password: cfg.ClickHousePass,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to ClickHouse")
		}
		defer chClient.Close()

		if err := writer.EnsureSchema(context.Background(), chClient, cfg.ClickHouseDB); err != nil {
			log.Fatal().Err(err).Msg("Failed to create ClickHouse tables")
		}

		batchCfg := writer.BatchConfig{Database: cfg.ClickHouseDB, MaxSize: cfg.ClickHouseBatch, EnableDeduplication: true}
		for _, category := range registry.CategoryNames() {
			w := writer.NewClickHouseWriter(chClient.Conn(), category, batchCfg)
			defer w.Close()
			handlers.Register(w)
			if progress == nil {
				progress = w
			}
		}
	}

	if cfg.NATSURL != "" {
		nc, err := publish.Connect(cfg.NATSURL, observability.ServiceName)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to NATS")
		}
		defer nc.Drain()

		for _, category := range registry.CategoryNames() {
			handlers.Register(publish.NewLinePublisher(nc, category))
		}
		notifier = publish.NewRefreshNotifier(nc)
	}

	if !cfg.ClickHouseEnabled && cfg.NATSURL == "" {
		log.Warn().Msg("No line sinks configured, lines are only logged at debug level")
		for _, category := range registry.CategoryNames() {
			handlers.Register(dispatch.HandlerFunc{Cat: category, Fn: func(ctx context.Context, line domain.Line) error {
				log.Debug().
					Str("server_id", line.ServerID).
					Str("category", string(line.Category)).
					Str("file", line.SourceFile).
					Msg(line.Text)
				return nil
			}})
		}
	}

	queue := mutation.NewQueue(pool, registry, notifier, cfg.MutationMaxRetries)

	svc, err := service.NewIngestService(service.Deps{
		Registry:   registry,
		Store:      store,
		Pool:       pool,
		Dispatcher: handlers,
		Queue:      queue,
		Progress:   progress,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create ingest service")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	scheduler := service.NewScheduler(svc, cfg.DrainInterval)
	if err := scheduler.Register(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to schedule jobs")
	}
	scheduler.Start()

	log.Info().Int("jobs", scheduler.Jobs()).Msg("Ingest service started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info().Msg("Shutting down gracefully...")
	scheduler.Stop(30 * time.Second)
	cancel()

	log.Info().Msg("Ingest service stopped")
}
