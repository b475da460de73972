// Command taskforged runs the task-execution daemon: the HTTP API, the
// bounded executor pool, and the crash-recovery/orphan-sweep
// maintenance loop, wired together behind a cobra root command.
package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/taskforge/taskforge/internal/agent"
	"github.com/taskforge/taskforge/internal/agent/agents"
	"github.com/taskforge/taskforge/internal/api"
	"github.com/taskforge/taskforge/internal/config"
	"github.com/taskforge/taskforge/internal/daemon"
	"github.com/taskforge/taskforge/internal/executor"
	"github.com/taskforge/taskforge/internal/pool"
	"github.com/taskforge/taskforge/internal/queue"
	"github.com/taskforge/taskforge/internal/store"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "taskforged",
		Short: "taskforged runs the autonomous five-phase TDD task factory",
	}

	resolve := config.Bind(root.PersistentFlags())

	root.AddCommand(serveCmd(resolve))
	root.AddCommand(migrateCmd(resolve))
	return root
}

func serveCmd(resolve func() *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server and executor pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := resolve()
			return runServe(cfg)
		},
	}
}

func migrateCmd(resolve func() *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending store migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := resolve()
			s, err := store.Connect(cfg.StorePath)
			if err != nil {
				return err
			}
			defer s.Close()
			log.Println("migrate: store is up to date")
			return nil
		},
	}
}

func runServe(cfg *config.Config) error {
	s, err := store.Connect(cfg.StorePath)
	if err != nil {
		return fmt.Errorf("connect store: %w", err)
	}
	defer s.Close()

	q := queue.New(s)

	registry := buildRegistry(cfg)
	ex := executor.New(q, registry, cfg.MaxRetriesCode)

	hostname, _ := os.Hostname()
	p := pool.New(fmt.Sprintf("%s-%d", hostname, os.Getpid()), ex, cfg.MaxConcurrent)

	srv := api.NewServer(s, q, p)
	ex.SetPublisher(srv.Hub())
	httpServer := api.NewHTTPServer(cfg.ListenAddr, srv.Router())

	go func() {
		log.Printf("taskforged: listening on %s", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil {
			log.Printf("taskforged: http server stopped: %v", err)
		}
	}()

	d := daemon.New(s, q, p, daemon.Config{
		RecoverySweepCron: cfg.RecoverySweepCron,
		PollInterval:      cfg.PollInterval,
		GracefulTimeout:   cfg.GracefulTimeout,
	})

	ctx := context.Background()
	if err := d.Run(ctx); err != nil {
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.GracefulTimeout)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func buildRegistry(cfg *config.Config) *agent.Registry {
	registry := agent.NewRegistry()
	registry.Register(agents.NewTestGenerator())
	registry.Register(agents.NewCoder(cfg.OpenAIAPIKey, cfg.OpenAIModel))
	registry.Register(agents.NewReviewer(cfg.OpenAIAPIKey, cfg.OpenAIModel, nil))
	registry.Register(agents.NewDeployer())
	return registry
}
