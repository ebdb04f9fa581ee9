package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/shohag/cardhook/internal/api"
	"github.com/shohag/cardhook/internal/config"
	"github.com/shohag/cardhook/internal/filter"
	"github.com/shohag/cardhook/internal/ingest"
	"github.com/shohag/cardhook/internal/ledger"
	"github.com/shohag/cardhook/internal/registry"
	"github.com/shohag/cardhook/internal/storage"
	"github.com/shohag/cardhook/internal/tokens"
	"github.com/shohag/cardhook/internal/trello"
)

var version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "cardhook",
		Short: "Cardhook — webhook-to-Trello-comment endpoint service",
	}

	var configPath string
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")

	rootCmd.AddCommand(serveCmd(&configPath))
	rootCmd.AddCommand(migrateCmd(&configPath))
	rootCmd.AddCommand(endpointsCmd(&configPath))
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the Cardhook server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if cfg.Trello.APIKey == "" {
				return fmt.Errorf("trello.api_key is required")
			}

			log := setupLogger(cfg.Logging)

			store, err := setupStorage(cfg.Storage, log)
			if err != nil {
				return fmt.Errorf("failed to setup storage: %w", err)
			}
			defer store.Close()

			if err := store.Migrate(context.Background()); err != nil {
				return fmt.Errorf("failed to run migrations: %w", err)
			}
			log.Info().Msg("database migrations completed")

			client := trello.NewClient(cfg.Trello)
			toks := tokens.NewStore(client)
			engine := filter.NewEngine(cfg.Filter.Timeout, cfg.Filter.MaxOutput)
			reg := registry.New(store, log)
			led := ledger.New(cfg.Retention, store, log)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			sweeper := ledger.NewSweeper(cfg.Retention, led, log)
			sweeper.Start(ctx)

			svc := ingest.NewService(*cfg, reg, engine, led, client, toks, log)

			cardHandler := api.NewCardHandler(reg, led, toks, client, log)
			webhookHandler := api.NewWebhookHandler(svc, log)
			filterHandler := api.NewFilterHandler(engine)

			server := api.NewServer(cfg.Server, cardHandler, webhookHandler, filterHandler, log)
			go func() {
				if err := server.Start(); err != nil && err != http.ErrServerClosed {
					log.Fatal().Err(err).Msg("server error")
				}
			}()

			log.Info().
				Str("version", version).
				Int("port", cfg.Server.Port).
				Int("filter_workers", cfg.Filter.Workers).
				Str("storage", cfg.Storage.Driver).
				Msg("Cardhook is running")

			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
			<-quit

			log.Info().Msg("shutting down...")

			if err := server.Shutdown(10 * time.Second); err != nil {
				log.Error().Err(err).Msg("server shutdown error")
			}

			sweeper.Stop()

			log.Info().Msg("Cardhook stopped")
			return nil
		},
	}
}

func migrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			log := setupLogger(cfg.Logging)

			store, err := setupStorage(cfg.Storage, log)
			if err != nil {
				return fmt.Errorf("failed to setup storage: %w", err)
			}
			defer store.Close()

			if err := store.Migrate(context.Background()); err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			log.Info().Msg("migrations completed successfully")
			return nil
		},
	}
}

func endpointsCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "endpoints",
		Short: "List endpoints registered for a card",
		RunE: func(cmd *cobra.Command, args []string) error {
			card, _ := cmd.Flags().GetString("card")
			if card == "" {
				return fmt.Errorf("--card is required")
			}

			store, cleanup, err := storeFromConfig(*configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			eps, err := store.ListEndpointsByCard(context.Background(), card)
			if err != nil {
				return fmt.Errorf("failed to list endpoints: %w", err)
			}

			if len(eps) == 0 {
				fmt.Println("No endpoints found.")
				return nil
			}

			for _, ep := range eps {
				fmt.Printf("  %s  /w/%s  filter=%q  owner=%s  (created %s)\n",
					ep.ID, ep.Address, ep.Filter, ep.Member, ep.CreatedAt.Format(time.RFC3339))
			}
			return nil
		},
	}
	cmd.Flags().String("card", "", "card identifier")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Cardhook v%s\n", version)
		},
	}
}

func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "console" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).
			With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func setupStorage(cfg config.StorageConfig, log zerolog.Logger) (storage.Storage, error) {
	switch cfg.Driver {
	case "sqlite":
		log.Info().Str("path", cfg.SQLite.Path).Msg("using SQLite storage")
		return storage.NewSQLite(cfg.SQLite.Path)
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", cfg.Driver)
	}
}

func storeFromConfig(configPath string) (storage.Storage, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	log := setupLogger(cfg.Logging)
	store, err := setupStorage(cfg.Storage, log)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to setup storage: %w", err)
	}

	if err := store.Migrate(context.Background()); err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return store, func() { store.Close() }, nil
}
