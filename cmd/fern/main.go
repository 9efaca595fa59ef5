package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/config"
	"github.com/Ramsey-B/fern/internal/repositories"
	"github.com/Ramsey-B/fern/pkg/audit"
	"github.com/Ramsey-B/fern/pkg/contacts"
	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/events"
	"github.com/Ramsey-B/fern/pkg/graph"
	"github.com/Ramsey-B/fern/pkg/ingestion"
	"github.com/Ramsey-B/fern/pkg/kafka"
	"github.com/Ramsey-B/fern/pkg/logging"
	"github.com/Ramsey-B/fern/pkg/matching"
	"github.com/Ramsey-B/fern/pkg/merging"
	"github.com/Ramsey-B/fern/pkg/middleware"
	"github.com/Ramsey-B/fern/pkg/redis"
	"github.com/Ramsey-B/fern/pkg/routes"
	"github.com/Ramsey-B/fern/pkg/routes/deadletter"
	"github.com/Ramsey-B/fern/pkg/routes/health"
	"github.com/Ramsey-B/fern/pkg/startup"
	"github.com/Ramsey-B/fern/pkg/tracing"
	"github.com/Ramsey-B/fern/pkg/tracing/exporters"
)

var version = "dev"

const shutdownTimeout = 15 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fern: %v\n", err)
		os.Exit(1)
	}
}

// infra holds the connections opened by the startup dependencies
type infra struct {
	db       *database.DatabaseInstance
	redis    *redis.Client
	graph    *graph.Client
	producer *kafka.Producer
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, flush, err := logging.New(cfg.LogLevel, cfg.PrettyLogs)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer flush()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	stopTracing, err := tracing.Setup(ctx, tracing.Config{
		ServiceName: cfg.AppName,
		Enabled:     cfg.OtelEnabled,
		OTLP: exporters.OTLPConfig{
			Endpoint: cfg.OtelEndpoint,
			Protocol: cfg.OtelProtocol,
			Insecure: cfg.OtelInsecure,
		},
		SampleRatio: cfg.OtelSampleRatio,
	})
	if err != nil {
		return fmt.Errorf("failed to set up tracing: %w", err)
	}

	in := &infra{}
	boot := startup.NewStartup(logger, cfg.StartupMaxAttempts)
	registerDependencies(boot, cfg, in, logger)
	if err := boot.Start(ctx); err != nil {
		return fmt.Errorf("startup failed: %w", err)
	}

	st := repositories.NewStore(in.db, logger)
	ledger := audit.NewLedger(st.Audit, logger)

	matcher, err := matching.NewService(st, matchingConfig(cfg), logger)
	if err != nil {
		return fmt.Errorf("invalid matching config: %w", err)
	}

	contactService := contacts.NewService(st, ledger, matcher, contacts.Options{
		DefaultRegion: cfg.NormalizerDefaultRegion,
		MaxHops:       cfg.ResolveMaxHops,
	}, logger)
	workflow := merging.NewWorkflow(st, ledger, merging.NewConsolidator(st, ledger, matcher, logger), logger)
	workflow.SetRefresher(matcher)

	if cfg.AutoMergeEnabled {
		policy, err := merging.NewPolicy(cfg.AutoMergePolicy)
		if err != nil {
			return fmt.Errorf("invalid auto-merge policy: %w", err)
		}
		workflow.SetPolicy(policy)
		matcher.SetAutoDecider(workflow)
		logger.WithField("policy", policy.String()).Info("Auto-merge enabled")
	}

	if in.producer != nil {
		emitter := events.NewEmitter(in.producer, logger)
		contactService.AddObserver(emitter)
		workflow.AddObserver(emitter)
	}
	if in.graph != nil {
		projection := graph.NewProjection(in.graph, logger)
		contactService.AddObserver(projection)
		workflow.AddObserver(projection)
	}

	// interface-typed so a disabled Redis stays a nil interface
	var (
		cache       ingestion.ReceiptCache
		locker      ingestion.Locker
		deadLetters deadletter.Queue
		dlq         *redis.DeadLetterQueue
	)
	if in.redis != nil {
		cache = redis.NewReceiptCache(in.redis, cfg.WebhookReplayWindow)
		locker = redis.NewLocker(in.redis)
		dlq = redis.NewDeadLetterQueue(in.redis, logger)
		deadLetters = dlq
	}

	ingestionService := ingestion.NewService(st, ingestion.NewGuard(st.Receipts, cache, logger), contactService, cfg.ResolveMaxHops, logger)

	pruner := ingestion.NewPruner(st.Receipts, locker, cfg.WebhookReceiptRetention, cfg.WebhookPruneInterval, logger)
	go pruner.Run(ctx)

	var consumer *kafka.Consumer
	if cfg.KafkaConsumerEnabled {
		consumer = kafka.NewConsumer(*cfg, logger, kafka.IngestionHandler(ingestionService))
		if dlq != nil {
			consumer.SetDeadLetterQueue(dlq)
		}
		if err := consumer.Start(ctx); err != nil {
			return fmt.Errorf("failed to start kafka consumer: %w", err)
		}
	}

	checker := health.NewChecker(version, boot.Ready)
	addHealthChecks(checker, in, consumer)

	var auth middleware.TokenVerifier
	if cfg.AuthEnabled {
		verifier, err := middleware.NewVerifier(ctx, cfg.AuthIssuerURL, cfg.AuthClientID)
		if err != nil {
			return fmt.Errorf("failed to create token verifier: %w", err)
		}
		auth = verifier
	}

	router := routes.NewRouter(routes.Options{
		AppName:      cfg.AppName,
		AllowOrigins: cfg.AllowOrigins,
		AllowMethods: cfg.AllowMethods,
		Tracing:      cfg.OtelEnabled,
	}, routes.Dependencies{
		Contacts:       contactService,
		Ledger:         ledger,
		Matcher:        matcher,
		Workflow:       workflow,
		Ingestion:      ingestionService,
		Verifier:       ingestion.NewVerifier(cfg.WebhookSecrets, cfg.WebhookTokens, cfg.WebhookReplayWindow),
		WebhookLimiter: middleware.NewKeyedLimiter(cfg.WebhookRatePerSecond, cfg.WebhookRateBurst),
		DeadLetters:    deadLetters,
		Health:         checker,
		Auth:           auth,
	}, logger)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           router,
		ReadTimeout:       time.Duration(cfg.HttpServerReadTimeoutSeconds) * time.Second,
		WriteTimeout:      time.Duration(cfg.HttpServerWriteTimeoutSeconds) * time.Second,
		IdleTimeout:       time.Duration(cfg.HttpServerIdleTimeoutSeconds) * time.Second,
		ReadHeaderTimeout: time.Duration(cfg.ReadHeaderTimeoutSeconds) * time.Second,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.WithField("port", cfg.Port).Infof("Starting %s on :%d", cfg.AppName, cfg.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			logger.WithError(err).Error("HTTP server failed")
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	var errs []error
	if err := server.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("http server: %w", err))
	}
	if consumer != nil {
		if err := consumer.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("kafka consumer: %w", err))
		}
	}
	if err := boot.Stop(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	if err := stopTracing(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("tracing: %w", err))
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	logger.Info("Shutdown complete")
	return nil
}

func registerDependencies(boot *startup.Startup, cfg *config.Config, in *infra, logger ectologger.Logger) {
	boot.AddDependency(startup.Dependency{
		Name: "postgres",
		StartFunc: func(ctx context.Context) error {
			db, err := database.Connect(ctx, cfg.DatabaseDSN(), cfg.DatabaseMaxOpenConns, cfg.DatabaseMaxIdleConns, logger)
			if err != nil {
				return err
			}
			db.SetConnMaxLifetime(cfg.DatabaseConnMaxLifetime)
			in.db = db
			return nil
		},
		StopFunc: func(context.Context) error {
			if in.db == nil {
				return nil
			}
			return in.db.Close()
		},
	})

	boot.AddDependency(startup.Dependency{
		Name:     "migrations",
		Requires: []string{"postgres"},
		StartFunc: func(context.Context) error {
			migrations := database.NewMigrationService(logger, &database.MigrationConfig{
				MigrationFolderPath: cfg.DatabaseMigrationFolderPath,
				Version:             cfg.DatabaseMigrationVersion,
				Force:               cfg.DatabaseMigrationForce,
				AutoRollback:        cfg.DatabaseMigrationAutoRollback,
			})
			return migrations.MigratePostgres(in.db.SQLX(), cfg.DatabaseName)
		},
	})

	if cfg.RedisEnabled {
		boot.AddDependency(startup.Dependency{
			Name: "redis",
			StartFunc: func(ctx context.Context) error {
				client, err := redis.NewClient(ctx, redis.Config{
					Host:      cfg.RedisHost,
					Port:      cfg.RedisPort,
					Password:  cfg.RedisPassword,
					DB:        cfg.RedisDB,
					KeyPrefix: cfg.RedisKeyPrefix,
				}, logger)
				if err != nil {
					return err
				}
				in.redis = client
				return nil
			},
			StopFunc: func(context.Context) error {
				if in.redis == nil {
					return nil
				}
				return in.redis.Close()
			},
		})
	}

	if cfg.GraphDBEnabled {
		boot.AddDependency(startup.Dependency{
			Name: "graph",
			StartFunc: func(ctx context.Context) error {
				client, err := graph.NewClient(graph.Config{
					Host:     cfg.GraphDBHost,
					Port:     cfg.GraphDBPort,
					Username: cfg.GraphDBUser,
					Password: cfg.GraphDBPassword,
				}, logger)
				if err != nil {
					return err
				}
				if err := client.VerifyConnectivity(ctx); err != nil {
					_ = client.Close(ctx)
					return err
				}
				in.graph = client
				return nil
			},
			StopFunc: func(ctx context.Context) error {
				if in.graph == nil {
					return nil
				}
				return in.graph.Close(ctx)
			},
		})
	}

	if cfg.KafkaProducerEnabled {
		boot.AddDependency(startup.Dependency{
			Name: "kafka-producer",
			StartFunc: func(context.Context) error {
				in.producer = kafka.NewProducer(kafka.ProducerConfig{
					Brokers:      cfg.KafkaBrokers,
					Topic:        cfg.KafkaOutputTopic,
					BatchSize:    cfg.KafkaBatchSize,
					BatchTimeout: time.Duration(cfg.KafkaBatchTimeout) * time.Millisecond,
					RequiredAcks: cfg.KafkaRequiredAcks,
					Compression:  cfg.KafkaCompression,
				}, logger)
				return nil
			},
			StopFunc: func(context.Context) error {
				if in.producer == nil {
					return nil
				}
				return in.producer.Close()
			},
		})
	}
}

func matchingConfig(cfg *config.Config) matching.Config {
	return matching.Config{
		DocumentWeight:       cfg.MatchDocumentWeight,
		EmailWeight:          cfg.MatchEmailWeight,
		PhoneWeight:          cfg.MatchPhoneWeight,
		NameWeight:           cfg.MatchNameWeight,
		SameUnitWeight:       cfg.MatchSameUnitWeight,
		AutoSuggestThreshold: cfg.MatchAutoSuggestThreshold,
		ScoreFloor:           cfg.MatchScoreFloor,
		NameSimilarityFloor:  cfg.MatchNameSimilarityFloor,
		NameCandidateLimit:   cfg.MatchNameCandidateLimit,
		WorkerCount:          cfg.MergeWorkerCount,
	}
}

// addHealthChecks registers postgres as required and the rest as optional
func addHealthChecks(checker *health.Checker, in *infra, consumer *kafka.Consumer) {
	checker.AddCheck("postgres", true, in.db.PingContext)
	if in.redis != nil {
		checker.AddCheck("redis", false, in.redis.Ping)
	}
	if in.graph != nil {
		checker.AddCheck("graph", false, in.graph.VerifyConnectivity)
	}
	if consumer != nil {
		checker.AddCheck("kafka-consumer", false, func(context.Context) error {
			if !consumer.Health() {
				return errors.New("consumer is not running")
			}
			return nil
		})
	}
}
