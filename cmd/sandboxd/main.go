package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/pomodex/sandboxd/pkg/api"
	"github.com/pomodex/sandboxd/pkg/auth"
	"github.com/pomodex/sandboxd/pkg/cloud"
	"github.com/pomodex/sandboxd/pkg/config"
	"github.com/pomodex/sandboxd/pkg/lifecycle"
	"github.com/pomodex/sandboxd/pkg/log"
	"github.com/pomodex/sandboxd/pkg/proxy"
	"github.com/pomodex/sandboxd/pkg/reconciler"
	"github.com/pomodex/sandboxd/pkg/registry"
	"github.com/pomodex/sandboxd/pkg/runtime"
	"github.com/pomodex/sandboxd/pkg/snapshot"
	"github.com/pomodex/sandboxd/pkg/storage"
	"github.com/pomodex/sandboxd/pkg/tenant"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "sandboxd",
	Short: "Sandboxd - per-user agent sandbox orchestrator",
	Long: `Sandboxd provisions and manages per-user agent sandboxes:
isolated containers with snapshot/restore to a container registry,
per-user cloud storage tenancy, and an audited websocket terminal
gateway.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Sandboxd version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML config overlay")

	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(proxyCmd)
	rootCmd.AddCommand(migrateCmd)
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the orchestrator API server and reconciler",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		store, err := storage.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %v", err)
		}
		defer store.Close()

		if err := store.Migrate(ctx); err != nil {
			return fmt.Errorf("failed to run migrations: %v", err)
		}

		dockerRuntime, err := runtime.NewDockerRuntime()
		if err != nil {
			return fmt.Errorf("failed to connect to docker: %v", err)
		}

		adapter, err := cloud.NewAdapter(ctx, cfg.GCPProject, cfg.CredentialsPath)
		if err != nil {
			return fmt.Errorf("failed to initialize cloud adapter: %v", err)
		}

		reg := registry.New(dockerRuntime.Client(), cfg.Registry)
		engine := snapshot.NewEngine(dockerRuntime, reg)
		provisioner := tenant.NewProvisioner(adapter, store, cfg.BucketRoot, cfg.Region)

		controller := lifecycle.NewController(store, dockerRuntime, engine,
			provisioner, adapter, reg, cfg.SandboxImage)

		recon := reconciler.New(store, controller, reconciler.Config{
			CheckInterval:  cfg.CheckInterval,
			IdleThreshold:  cfg.IdleThreshold,
			StuckThreshold: cfg.StuckThreshold,
		})
		recon.Start(ctx)

		authService := auth.NewService(store, cfg.JWTSecret)
		server := api.NewServer(controller, authService, cfg)

		errCh := make(chan error, 1)
		go func() {
			errCh <- server.Start()
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		select {
		case err := <-errCh:
			recon.Stop()
			return err
		case sig := <-sigCh:
			log.Info(fmt.Sprintf("received %s, shutting down", sig))
		}

		recon.Stop()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		return server.Shutdown(shutdownCtx)
	},
}

var proxyCmd = &cobra.Command{
	Use:   "proxy",
	Short: "Run the websocket terminal gateway",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})

		dockerRuntime, err := runtime.NewDockerRuntime()
		if err != nil {
			return fmt.Errorf("failed to connect to docker: %v", err)
		}

		audit, err := proxy.NewAuditLogger(cfg.AuditPath)
		if err != nil {
			return fmt.Errorf("failed to open audit log: %v", err)
		}
		defer audit.Close()

		validator := proxy.NewValidator(cfg.ProjectServiceURL, cfg.InternalSecret())
		gateway := proxy.NewGateway(validator, dockerRuntime, audit, cfg.ProxyListenAddr, cfg.PTYPort)

		errCh := make(chan error, 1)
		go func() {
			errCh <- gateway.Start()
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		select {
		case err := <-errCh:
			return err
		case sig := <-sigCh:
			log.Info(fmt.Sprintf("received %s, shutting down", sig))
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return gateway.Shutdown(shutdownCtx)
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database schema and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})

		ctx := context.Background()
		store, err := storage.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %v", err)
		}
		defer store.Close()

		if err := store.Migrate(ctx); err != nil {
			return fmt.Errorf("failed to run migrations: %v", err)
		}
		fmt.Println("✓ Schema up to date")
		return nil
	},
}
