// Package main is the unified entry point for Nova's agent execution and
// continuous conversation engine. A single binary runs the HTTP API, the
// websocket gateway, the task executor pool, the recurring-task scheduler and
// the background indexing and summarization workers.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	agent "github.com/novahq/nova/internal/agent"
	"github.com/novahq/nova/internal/agent/runtime"
	"github.com/novahq/nova/internal/checkpoint"
	"github.com/novahq/nova/internal/common/config"
	"github.com/novahq/nova/internal/common/httpmw"
	"github.com/novahq/nova/internal/common/logger"
	"github.com/novahq/nova/internal/conversation/contextbuilder"
	"github.com/novahq/nova/internal/conversation/repository/sqlstore"
	conversation "github.com/novahq/nova/internal/conversation/service"
	"github.com/novahq/nova/internal/db"
	"github.com/novahq/nova/internal/embedding"
	"github.com/novahq/nova/internal/events/bus"
	"github.com/novahq/nova/internal/gateway/httpapi"
	gateways "github.com/novahq/nova/internal/gateway/websocket"
	"github.com/novahq/nova/internal/indexer"
	"github.com/novahq/nova/internal/recall"
	"github.com/novahq/nova/internal/summarizer"
	"github.com/novahq/nova/internal/task/executor"
	taskrepo "github.com/novahq/nova/internal/task/repository"
	taskservice "github.com/novahq/nova/internal/task/service"
	"github.com/novahq/nova/internal/taskdef/emailpoll"
	taskdefrepo "github.com/novahq/nova/internal/taskdef/repository"
	"github.com/novahq/nova/internal/taskdef/scheduler"
	taskdefservice "github.com/novahq/nova/internal/taskdef/service"
	"github.com/novahq/nova/internal/tooling"
	userstore "github.com/novahq/nova/internal/user/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting Nova engine...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Event bus: NATS when configured, in-memory otherwise.
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		log.Info("Connecting to NATS...", zap.String("url", cfg.NATS.URL))
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsBus
		defer natsBus.Close()
	} else {
		log.Info("Using in-memory event bus")
		eventBus = bus.NewMemoryEventBus(log)
	}

	// Storage: PostgreSQL when a host is configured, embedded SQLite otherwise.
	pool, err := openPool(cfg)
	if err != nil {
		log.Fatal("Failed to open database", zap.Error(err))
	}
	defer pool.Close()

	conversationRepo, err := sqlstore.New(pool, cfg.Embeddings.Dimensions)
	if err != nil {
		log.Fatal("Failed to initialize conversation store", zap.Error(err))
	}
	checkpoints, err := checkpoint.NewSQLStore(pool)
	if err != nil {
		log.Fatal("Failed to initialize checkpoint store", zap.Error(err))
	}
	userRepo, err := userstore.NewSQLRepository(pool)
	if err != nil {
		log.Fatal("Failed to initialize user store", zap.Error(err))
	}
	agentRepo, err := agent.NewSQLRepository(pool)
	if err != nil {
		log.Fatal("Failed to initialize agent store", zap.Error(err))
	}
	taskRepo, err := taskrepo.NewSQLRepository(pool)
	if err != nil {
		log.Fatal("Failed to initialize task store", zap.Error(err))
	}
	taskdefRepo, err := taskdefrepo.NewSQLRepository(pool)
	if err != nil {
		log.Fatal("Failed to initialize task definition store", zap.Error(err))
	}
	toolingStore, err := tooling.NewSQLStore(pool)
	if err != nil {
		log.Fatal("Failed to initialize tooling store", zap.Error(err))
	}

	// Background workers: embedding, transcript indexing.
	var embedService embedding.Service
	if client := embedding.NewClient(cfg.Embeddings); client != nil {
		embedService = client
		log.Info("Embeddings enabled", zap.String("model", cfg.Embeddings.Model))
	} else {
		log.Info("Embeddings not configured, recall is lexical-only")
	}
	embeddingWorker := embedding.NewWorker(conversationRepo, embedService, log)
	embeddingWorker.Start(ctx)
	defer embeddingWorker.Stop()

	transcriptIndexer := indexer.New(conversationRepo, log)
	transcriptIndexer.Start(ctx)
	defer transcriptIndexer.Stop()

	// The conversation service's hooks fire on continuous appends; the
	// summarizer is constructed later, so the closure resolves it lazily.
	var daySummarizer *summarizer.Summarizer
	conversationService := conversation.NewService(conversationRepo, checkpoints, conversation.Hooks{
		IndexSegment: func(userID, threadID, segmentID string) {
			transcriptIndexer.Enqueue(indexer.Job{UserID: userID, ThreadID: threadID, SegmentID: segmentID})
		},
		SummarizeSegment: func(userID, threadID, segmentID string) {
			if daySummarizer == nil {
				return
			}
			go func() {
				if err := daySummarizer.SummarizeSegment(context.WithoutCancel(ctx), userID, segmentID, summarizer.ModeHeuristic, ""); err != nil {
					log.WithError(err).Warn("day rollover summarization failed",
						zap.String("segment_id", segmentID))
				}
			}()
		},
	}, log)

	// Tooling: recall plugin is always registered as a system capability.
	recallTools := recall.NewTools(conversationRepo, embedService, log)
	toolRegistry := tooling.NewRegistry(toolingStore, log)
	if err := toolRegistry.Register(tooling.NewRecallPlugin(recallTools, userRepo, conversationService)); err != nil {
		log.Fatal("Failed to register recall plugin", zap.Error(err))
	}

	// Agent graph runtime over the configured chat completion provider.
	graph := runtime.NewChatGraph(checkpoints, toolRegistry, cfg.LLM, log)
	defer graph.Close()

	daySummarizer = summarizer.New(conversationRepo, userRepo, agentRepo, graph, eventBus, log)

	// Task executor pool.
	builder := contextbuilder.NewBuilder(conversationRepo, checkpoints, log)
	exec := executor.New(taskRepo, conversationService, userRepo, agentRepo, graph, checkpoints, builder, eventBus, log)
	workerPool := executor.NewPool(exec, cfg.Executor, log)
	workerPool.Start(ctx)
	defer workerPool.Stop()

	tasks := taskservice.NewService(taskRepo, workerPool, exec, eventBus, log)

	// Recurring task definitions: cron schedules and email polling.
	poller := emailpoll.NewPoller(emailpoll.NewIMAPOpener(imapAccountResolver(toolingStore)), log)
	taskdefs := taskdefservice.NewService(taskdefRepo, userRepo, conversationService, tasks, daySummarizer, poller, log)

	var cronScheduler *scheduler.Scheduler
	if cfg.Scheduler.Enabled {
		cronScheduler = scheduler.New(log)
		cronScheduler.SetRunner(taskdefs)
		taskdefs.SetBinder(cronScheduler)

		ensureMaintenance(ctx, userRepo, taskdefs, log)
		if err := taskdefs.ResyncAll(ctx); err != nil {
			log.WithError(err).Error("failed to resync task definition schedules")
		}
		cronScheduler.Start()
		defer cronScheduler.Stop()
	} else {
		log.Info("Scheduler disabled")
	}

	// Websocket gateway bridging task events to subscribed clients.
	wsGateway := gateways.NewGateway(userRepo, log)
	go wsGateway.Hub.Run(ctx)
	broadcaster := gateways.RegisterTaskNotifications(ctx, eventBus, wsGateway.Hub, log)
	defer broadcaster.Close()

	// HTTP server.
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.RequestLogger(log, "nova"))
	router.Use(httpmw.OtelTracing("nova"))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "nova"})
	})

	handlers := httpapi.NewHandlers(userRepo, conversationService, tasks, taskdefs, agentRepo, daySummarizer, log)
	handlers.RegisterRoutes(router)
	wsGateway.SetupRoutes(router)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}
	go func() {
		log.Info("Server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down Nova...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	log.Info("Nova stopped")
}

// openPool builds the reader/writer pool for the configured backend.
func openPool(cfg *config.Config) (*db.Pool, error) {
	if cfg.Database.UsePostgres() {
		sqlDB, err := db.OpenPostgres(cfg.Database.DSN(), cfg.Database.MaxConns, cfg.Database.MinConns)
		if err != nil {
			return nil, err
		}
		conn := sqlx.NewDb(sqlDB, "pgx")
		return db.NewPool(conn, conn), nil
	}

	writer, err := db.OpenSQLite(cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	reader, err := db.OpenSQLiteReader(cfg.Database.Path)
	if err != nil {
		_ = writer.Close()
		return nil, err
	}
	return db.NewPool(sqlx.NewDb(writer, "sqlite3"), sqlx.NewDb(reader, "sqlite3")), nil
}

// imapAccountResolver resolves a definition's email tool to IMAP credentials.
// Connection settings live in the tool config; the secret comes from the
// user's plugin credential when one is stored.
func imapAccountResolver(store tooling.Store) emailpoll.CredentialResolver {
	return func(ctx context.Context, userID, emailToolID string) (emailpoll.Account, error) {
		tool, err := store.GetTool(ctx, emailToolID)
		if err != nil {
			return emailpoll.Account{}, err
		}
		var account emailpoll.Account
		if err := tool.DecodeConfig(&account); err != nil {
			return emailpoll.Account{}, err
		}
		if credential, err := store.GetCredential(ctx, userID, tool.PluginName); err == nil {
			if password, ok := credential.Fields["password"]; ok && password != "" {
				account.Password = password
			}
		}
		return account, nil
	}
}

// ensureMaintenance provisions the per-user nightly summarizer definition.
func ensureMaintenance(ctx context.Context, users userstore.Repository, taskdefs *taskdefservice.Service, log *logger.Logger) {
	allUsers, err := users.ListUsers(ctx)
	if err != nil {
		log.WithError(err).Error("failed to list users for maintenance provisioning")
		return
	}
	for _, user := range allUsers {
		taskdefs.EnsureMaintenanceDefaults(ctx, user.ID)
	}
}
