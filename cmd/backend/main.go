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
	"go.uber.org/zap"

	"github.com/desktopai/desktopai/internal/api"
	"github.com/desktopai/desktopai/internal/autonomy"
	"github.com/desktopai/desktopai/internal/collector/bridge"
	"github.com/desktopai/desktopai/internal/common/config"
	"github.com/desktopai/desktopai/internal/common/logger"
	"github.com/desktopai/desktopai/internal/orchestrator"
	"github.com/desktopai/desktopai/internal/orchestrator/executor"
	"github.com/desktopai/desktopai/internal/planner"
	"github.com/desktopai/desktopai/internal/state"
	"github.com/desktopai/desktopai/internal/store"
	"github.com/desktopai/desktopai/internal/streaming"
	v1 "github.com/desktopai/desktopai/pkg/api/v1"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting DesktopAI backend...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Open the durable store
	var durable store.Store
	if cfg.Store.Path != "" {
		durable, err = store.NewSQLiteStore(cfg.Store.Path, cfg.State.HistorySize)
		if err != nil {
			log.Fatal("Failed to open durable store", zap.Error(err))
		}
		log.Info("Durable store opened", zap.String("path", cfg.Store.Path))
	} else {
		durable = store.NewMemoryStore(cfg.State.HistorySize)
		log.Warn("No store path configured, snapshots will not survive restarts")
	}
	defer durable.Close()

	// 4. Command bridge and state store
	br := bridge.New(log)
	stateStore := state.NewStore(cfg.State.HistorySize)

	// 5. Action executor
	exec, err := executor.New(executor.Mode(cfg.Executor.Mode), executor.Options{
		Bridge:          br,
		BridgeTimeout:   cfg.Executor.BridgeTimeout(),
		BrowserDebugURL: cfg.Browser.DebugURL,
	}, log)
	if err != nil {
		log.Fatal("Failed to initialize executor", zap.Error(err))
	}
	log.Info("Executor initialized", zap.String("mode", exec.Status().Name))

	// 6. Orchestrator and autonomy runner
	orch := orchestrator.New(exec, stateStore, orchestrator.Config{
		RetryCount: cfg.Executor.RetryCount,
		RetryDelay: cfg.Executor.RetryDelay(),
	}, log)

	plan := planner.NewRuleBased(log)
	runner := autonomy.New(orch, plan, stateStore, autonomy.Config{
		AgentLogCap:            cfg.Autonomy.AgentLogCap,
		DefaultIterationBudget: cfg.Autonomy.DefaultIterationBudget,
	}, log)

	// 7. Broadcast hub
	hub := streaming.NewHub(cfg.Broadcast.MaxConnections, cfg.Broadcast.SendTimeout(), log)

	// 8. Persist and broadcast every snapshot transition
	orch.SetUpdateFunc(func(task *v1.TaskRecord) {
		saveCtx, saveCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := durable.SaveTask(saveCtx, task); err != nil {
			log.Error("Failed to persist task snapshot",
				zap.String("task_id", task.ID),
				zap.Error(err))
		}
		saveCancel()
		hub.BroadcastJSON(gin.H{"type": "task", "task": task})
	})
	runner.SetUpdateFunc(func(run *v1.RunRecord) {
		saveCtx, saveCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := durable.SaveRun(saveCtx, run); err != nil {
			log.Error("Failed to persist run snapshot",
				zap.String("run_id", run.ID),
				zap.Error(err))
		}
		saveCancel()
		hub.BroadcastJSON(gin.H{"type": "run", "run": run})
	})

	// 9. Hydrate from the durable store before serving traffic
	hydrate(ctx, durable, orch, runner, stateStore, log)

	// 10. HTTP server
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(api.Recovery(log))
	router.Use(api.RequestLogger(log))
	router.Use(api.CORS())

	handler := api.NewHandler(orch, runner, stateStore, br, hub, exec, durable, log)
	api.SetupRoutes(router, handler)
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("HTTP server listening", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	// 11. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down DesktopAI backend...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	// Runner shutdown rewrites live runs to failed and flushes their
	// snapshots through the update callback before the store closes.
	runner.Shutdown(shutdownCtx)
	orch.DrainUpdates()
	hub.Shutdown()

	log.Info("DesktopAI backend stopped")
}

// hydrate restores tasks, runs, and observations from durable snapshots.
// Records rewritten to failed during hydration are written back so the
// store never re-serves a resumable-looking snapshot.
func hydrate(ctx context.Context, durable store.Store, orch *orchestrator.Orchestrator, runner *autonomy.Runner, stateStore *state.Store, log *logger.Logger) {
	tasks, err := durable.ListTasks(ctx)
	if err != nil {
		log.Error("Failed to load task snapshots", zap.Error(err))
	} else if len(tasks) > 0 {
		orch.HydrateTasks(tasks)
		for _, task := range orch.ListTasks() {
			if err := durable.SaveTask(ctx, task); err != nil {
				log.Error("Failed to write back task snapshot",
					zap.String("task_id", task.ID),
					zap.Error(err))
			}
		}
	}

	runs, err := durable.ListRuns(ctx)
	if err != nil {
		log.Error("Failed to load run snapshots", zap.Error(err))
	} else if len(runs) > 0 {
		runner.HydrateRuns(runs)
		for _, run := range runner.ListRuns() {
			if err := durable.SaveRun(ctx, run); err != nil {
				log.Error("Failed to write back run snapshot",
					zap.String("run_id", run.ID),
					zap.Error(err))
			}
		}
	}

	observations, err := durable.ListObservations(ctx, 0)
	if err != nil {
		log.Error("Failed to load observation snapshots", zap.Error(err))
	} else if len(observations) > 0 {
		stateStore.Hydrate(observations)
	}
}
