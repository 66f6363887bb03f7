// Command server is the engine's entry point: a single binary that can run
// the HTTP API with an embedded worker and sweeper (the common case), or
// either piece standalone for horizontal scaling. Grounded on the
// teacher's cmd/server/main.go cobra root/server/worker command split,
// narrowed to this engine's own process roles.
package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	httpapi "github.com/kodeflow/wfengine/internal/api"
	"github.com/kodeflow/wfengine/internal/config"
	"github.com/kodeflow/wfengine/pkg/handler"
	"github.com/kodeflow/wfengine/pkg/handler/builtin"
	"github.com/kodeflow/wfengine/pkg/orchestrator"
	"github.com/kodeflow/wfengine/pkg/queue"
	"github.com/kodeflow/wfengine/pkg/service"
	"github.com/kodeflow/wfengine/pkg/store"
	"github.com/kodeflow/wfengine/pkg/sweeper"
	"github.com/kodeflow/wfengine/pkg/worker"
)

// Exit codes per the engine's documented process contract: 0 clean,
// 1 config error, 2 store error, 3 queue error.
const (
	exitConfigError = 1
	exitStoreError  = 2
	exitQueueError  = 3
)

func main() {
	config.Init()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitConfigError)
	}
}

var rootCmd = &cobra.Command{
	Use:   "wfengine",
	Short: "Durable workflow orchestration engine",
	Long: `wfengine runs versioned, multi-step workflows to completion with
automatic retry and resumable execution, backed by Postgres.

Run it as a combined server (API + embedded worker + sweeper), or split
the worker and sweeper into their own processes for independent scaling.`,
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the API with an embedded worker and sweeper",
	Run: func(cmd *cobra.Command, args []string) {
		runServer()
	},
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the worker loop standalone, without the HTTP API",
	Run: func(cmd *cobra.Command, args []string) {
		runWorker()
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run the stuck-execution sweeper standalone",
	Run: func(cmd *cobra.Command, args []string) {
		runSweeper()
	},
}

var remoteWorkerCmd = &cobra.Command{
	Use:   "remote-worker",
	Short: "Run a worker that claims work over HTTP instead of the database",
	Run: func(cmd *cobra.Command, args []string) {
		runRemoteWorker()
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(remoteWorkerCmd)
}

func openStore(cfg config.Config) (*store.PostgresStore, *sql.DB) {
	db, err := sql.Open("postgres", cfg.DBURL)
	if err != nil {
		log.Printf("store: open failed: %v", err)
		os.Exit(exitStoreError)
	}
	if err := db.Ping(); err != nil {
		log.Printf("store: ping failed: %v", err)
		os.Exit(exitStoreError)
	}
	return store.NewPostgresStore(db), db
}

func buildOrchestrator(cfg config.Config, st store.Store, q queue.Queue) (*orchestrator.Orchestrator, *handler.Registry) {
	reg := handler.NewRegistry()
	builtin.RegisterAll(reg)

	o := orchestrator.New(st, q, reg)
	o.StepBackoff = orchestrator.BackoffConfig{
		Base:      time.Duration(cfg.StepBackoffBaseMS) * time.Millisecond,
		Cap:       time.Duration(cfg.StepBackoffCapMS) * time.Millisecond,
		JitterPct: 0.2,
	}
	o.ExecBackoff = orchestrator.BackoffConfig{
		Base:      time.Duration(cfg.ExecBackoffBaseMS) * time.Millisecond,
		Cap:       time.Duration(cfg.ExecBackoffCapMS) * time.Millisecond,
		JitterPct: 0.2,
	}
	return o, reg
}

func runServer() {
	cfg := config.Load()
	st, db := openStore(cfg)
	defer db.Close()

	q := queue.NewPostgresQueue(db)
	o, reg := buildOrchestrator(cfg, st, q)
	svc := service.New(st, q)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	w := worker.New(q, o, worker.Config{
		Concurrency:       cfg.WorkerConcurrency,
		PollInterval:      2 * time.Second,
		VisibilityTimeout: cfg.QueueVisibility(),
	})
	go w.Run(ctx)

	sw := sweeper.New(st, q, sweeper.Config{
		Interval:       cfg.SweeperInterval(),
		StuckThreshold: cfg.SweeperStuckThreshold(),
	})
	if err := sw.Start(ctx); err != nil {
		log.Printf("sweeper: failed to start: %v", err)
		os.Exit(exitQueueError)
	}

	var remote *httpapi.RemoteConfig
	if cfg.WorkerAuthToken != "" {
		remote = &httpapi.RemoteConfig{
			Queue:             q,
			Orchestrator:      o,
			AuthToken:         cfg.WorkerAuthToken,
			VisibilityTimeout: cfg.QueueVisibility(),
		}
		log.Println("internal worker surface enabled")
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      httpapi.NewRouter(svc, reg, remote),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		log.Printf("server listening on :%s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

func runWorker() {
	cfg := config.Load()
	st, db := openStore(cfg)
	defer db.Close()

	q := queue.NewPostgresQueue(db)
	o, _ := buildOrchestrator(cfg, st, q)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	w := worker.New(q, o, worker.Config{
		Concurrency:       cfg.WorkerConcurrency,
		PollInterval:      2 * time.Second,
		VisibilityTimeout: cfg.QueueVisibility(),
	})
	log.Printf("worker running, concurrency=%d", cfg.WorkerConcurrency)
	w.Run(ctx)
}

func runRemoteWorker() {
	cfg := config.Load()
	if cfg.WorkerAuthToken == "" {
		log.Println("remote-worker: worker_auth_token is not set, the server will reject every claim")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rw := worker.NewRemoteWorker(cfg.ServerURL, cfg.WorkerAuthToken, worker.RemoteConfig{
		Concurrency:  cfg.WorkerConcurrency,
		PollInterval: 2 * time.Second,
	})
	log.Printf("remote worker polling %s, concurrency=%d", cfg.ServerURL, cfg.WorkerConcurrency)
	rw.Run(ctx)
}

func runSweeper() {
	cfg := config.Load()
	st, db := openStore(cfg)
	defer db.Close()

	q := queue.NewPostgresQueue(db)
	sw := sweeper.New(st, q, sweeper.Config{
		Interval:       cfg.SweeperInterval(),
		StuckThreshold: cfg.SweeperStuckThreshold(),
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := sw.Start(ctx); err != nil {
		log.Printf("sweeper: failed to start: %v", err)
		os.Exit(exitQueueError)
	}
	log.Printf("sweeper running, interval=%s threshold=%s", cfg.SweeperInterval(), cfg.SweeperStuckThreshold())
	<-ctx.Done()
}
