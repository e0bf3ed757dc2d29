package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"mailsync/internal/actions"
	"mailsync/internal/classifier"
	"mailsync/internal/httpserver"
	"mailsync/internal/lock"
	"mailsync/internal/mailbox"
	"mailsync/internal/mqhandler"
	"mailsync/internal/pipeline"
	"mailsync/internal/repository"
	"mailsync/internal/scheduler"
	"mailsync/internal/token"
	"mailsync/internal/unsubscribe"
	"mailsync/pkg/config"
	"mailsync/pkg/db"
	"mailsync/pkg/logger"
	"mailsync/pkg/mq"
	"mailsync/pkg/otel"
	"mailsync/pkg/outbox"
	"mailsync/pkg/redis"
	"mailsync/pkg/util"
)

func main() {
	cfg, err := config.Load(os.Getenv("APP_ENV"), os.Getenv("CONFIG_DIR"))
	if err != nil {
		panic(err)
	}

	log := logger.NewLogger(cfg.Log.Level)
	defer log.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	nodeID := lock.NodeID(cfg.Lock.NodeID)
	log.Info("Starting mailsync node", zap.String("node_id", nodeID))

	shutdownTracing, err := otel.Init(cfg.Tracing, nodeID, log)
	if err != nil {
		log.Fatal("Tracing initialization failed", zap.Error(err))
	}
	defer shutdownTracing()

	// DB
	pool, err := db.NewConnection(ctx, cfg.DB, log)
	if err != nil {
		log.Fatal("DB connection failed", zap.Error(err))
	}
	defer pool.Close()

	if err := repository.EnsureSchema(ctx, pool); err != nil {
		log.Fatal("Schema migration failed", zap.Error(err))
	}

	// Redis
	rdb, err := redis.NewRedisClient(ctx, cfg.Redis)
	if err != nil {
		log.Fatal("Redis connection failed", zap.Error(err))
	}
	defer rdb.Close()

	// repositories
	outboxRepo := outbox.NewRepository(pool)
	owners := repository.NewOwnerRepository(pool)
	accounts := repository.NewAccountRepository(pool)
	categories := repository.NewCategoryRepository(pool)
	items := repository.NewItemRepository(pool, itemOutbox(cfg.MQ, outboxRepo))

	// lease store
	var store lock.Store
	switch cfg.Lock.Backend {
	case "redis":
		store = lock.NewRedisStore(rdb)
	case "memory":
		log.Warn("In-memory lease store only guards this process")
		store = lock.NewMemoryStore()
	default:
		store = lock.NewPostgresStore(pool)
	}
	locks := lock.NewManager(store, cfg.Lock.LeaseTTL, log)
	go locks.RunJanitor(ctx, cfg.Lock.JanitorInterval)

	tokens := token.NewManager(accounts, token.NewOAuth2Refresher(cfg.OAuth), cfg.Sync.RefreshLookahead, log)
	mail := mailbox.NewGmailClient(cfg.Sync.GmailEndpoint, cfg.Sync.FullResyncLimit, log)
	cls := classifier.NewGeminiClient(cfg.Classifier, log)

	processor := pipeline.NewProcessor(items, categories, accounts, tokens, mail, cls, pipeline.Options{
		BatchSize:      cfg.Sync.BatchSize,
		InterItemDelay: cfg.Sync.InterItemDelay,
	}, log)

	sched := scheduler.New(scheduler.Deps{
		Accounts:  accounts,
		Owners:    owners,
		Locks:     locks,
		Tokens:    tokens,
		Mail:      mail,
		Processor: processor,
	}, scheduler.Options{
		Interval:          cfg.Sync.Interval,
		CycleTimeout:      cfg.Sync.CycleTimeout,
		WorkerConcurrency: cfg.Sync.WorkerConcurrency,
		TaskTimeout:       cfg.Lock.LeaseTTL,
	}, nodeID, log)
	go sched.Run(ctx)

	// follow-up actions
	deleter := actions.NewDeleter(items, accounts, tokens, mail, log)
	unsub := unsubscribe.NewService(items, accounts, cls, unsubscribe.NewRodExecutor(cfg.Unsubscribe, log), cfg.Unsubscribe, log)

	// AMQP: outbox dispatcher and the trigger consumer
	var replay httpserver.Replayer
	if cfg.MQ.Enabled {
		publisher, err := mq.NewPublisher(cfg.MQ.URL)
		if err != nil {
			log.Fatal("Failed to init publisher", zap.Error(err))
		}
		defer publisher.Close()

		dispatcher := outbox.NewDispatcher(outboxRepo, publisher, log)
		go dispatcher.Start(ctx)
		replay = outbox.NewReplayService(outboxRepo, publisher, log)

		log.Info("Init consumer", zap.String("queue", cfg.MQ.TriggerQueue))
		consumer, err := mq.NewConsumer(cfg.MQ.URL, cfg.MQ.TriggerQueue, mqhandler.RoutingSyncTrigger, log)
		if err != nil {
			log.Fatal("Trigger consumer init failed", zap.Error(err))
		}
		defer consumer.Close()

		triggerHandler := mqhandler.NewSyncTriggerHandler(sched, util.NewRetryCounter(rdb, time.Hour), 3, log)
		consumer.SetHandler(triggerHandler.Handle)
		go func() {
			if err := consumer.StartConsuming(ctx); err != nil {
				log.Error("Trigger consumer stopped", zap.Error(err))
			}
		}()
	}

	// HTTP
	handler := httpserver.NewHandler(
		sched,
		accounts,
		deleter,
		unsub,
		replay,
		util.NewDeduper(rdb, cfg.Sync.TriggerDebounce, log),
		log,
	)
	authorizer := token.NewAuthorizer(cfg.OAuth, mail, owners, accounts, log)
	oauthHandler := httpserver.NewOAuthHandler(authorizer, cfg.JWT.Secret, cfg.JWT.TokenTTL, log)
	router := httpserver.NewRouter(cfg.Server.Port, handler, oauthHandler, cfg.JWT.Secret, log)
	go func() {
		if err := router.Run(); err != nil {
			log.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	// SIGHUP runs an extra full cycle; SIGINT/SIGTERM shut down.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)
	for sig := range sigs {
		if sig == syscall.SIGHUP {
			log.Info("SIGHUP received, triggering sync cycle")
			sched.Trigger()
			continue
		}
		break
	}

	log.Info("Shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := router.Shutdown(shutdownCtx); err != nil {
		log.Warn("HTTP shutdown", zap.Error(err))
	}
	cancel()
	if err := sched.Shutdown(shutdownCtx); err != nil {
		log.Warn("Sync tasks did not finish in time", zap.Error(err))
	}
	log.Info("Stopped")
}

// itemOutbox returns nil while the broker is disabled: nothing would ever
// dispatch the events.
func itemOutbox(cfg config.MQConfig, repo *outbox.Repository) *outbox.Repository {
	if !cfg.Enabled {
		return nil
	}
	return repo
}
