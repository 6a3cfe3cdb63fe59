package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/fhirparams/internal/config"
	"github.com/ehr/fhirparams/internal/ingest"
	"github.com/ehr/fhirparams/internal/params"
	"github.com/ehr/fhirparams/internal/params/sharedcache"
	"github.com/ehr/fhirparams/internal/platform/db"
	"github.com/ehr/fhirparams/internal/platform/ops"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "param-loader",
		Short: "FHIR search parameter loader",
	}

	rootCmd.AddCommand(loadCmd())
	rootCmd.AddCommand(consumeCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || cfg.LogLevel == "" {
		level = zerolog.InfoLevel
	}
	return logger.Level(level)
}

// app holds whatever the selected engine needs. Exactly one of pool and sdb
// is set.
type app struct {
	cfg     *config.Config
	logger  zerolog.Logger
	pool    *pgxpool.Pool
	sdb     *sqlx.DB
	cache   *sharedcache.Cache
	workers *ingest.Pool
}

func setup(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: newLogger(cfg)}

	variant, err := params.ParseVariant(cfg.Engine)
	if err != nil {
		return nil, err
	}

	var factory ingest.SessionFactory
	switch variant {
	case params.VariantAtomic:
		a.pool, err = db.NewPool(ctx, cfg.DatabaseURL, cfg.DBSchema, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, err
		}
		factory = ingest.PgxSessions(a.pool, variant)
	case params.VariantSerialized:
		a.sdb, err = db.NewSQLDB(ctx, cfg.DatabaseURL, cfg.DBSchema, int(cfg.DBMaxConns), int(cfg.DBMinConns))
		if err != nil {
			return nil, err
		}
		factory = ingest.SQLSessions(a.sdb, variant)
	}
	a.logger.Info().Str("engine", string(variant)).Str("schema", cfg.DBSchema).Msg("connected to database")

	poolCfg := ingest.PoolConfig{
		Workers: cfg.Workers,
		Runner: ingest.RunnerConfig{
			MaxRetries:     cfg.MaxRetries,
			RetryDelay:     cfg.RetryDelay,
			CheckReady:     cfg.CheckReady,
			MaxReadyChecks: cfg.ReadyChecks,
			ReadyDelay:     cfg.ReadyDelay,
		},
	}
	if cfg.RedisURL != "" {
		client, err := sharedcache.NewClient(cfg.RedisURL)
		if err != nil {
			a.close()
			return nil, err
		}
		a.cache = sharedcache.New(client, cfg.SharedCacheTTL)
		if err := a.cache.Ping(ctx); err != nil {
			a.logger.Warn().Err(err).Msg("shared cache unreachable, continuing without it")
		}
		poolCfg.SharedCache = a.cache
	}

	a.workers = ingest.NewPool(factory, poolCfg, a.logger)
	if err := a.workers.Start(ctx); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

// close drains the workers before releasing the connections they hold.
func (a *app) close() {
	if a.workers != nil {
		a.workers.Close()
		a.workers = nil
	}
	if a.cache != nil {
		_ = a.cache.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
	if a.sdb != nil {
		_ = a.sdb.Close()
	}
}

func (a *app) logStats() {
	s := a.workers.Stats()
	a.logger.Info().
		Uint64("units", s.Completed).
		Uint64("failed", s.Failed).
		Uint64("retries", s.Retries).
		Uint64("skipped", s.Skipped).
		Uint64("messages", s.Messages).
		Interface("pushed", s.Pushed).
		Msg("ingest finished")
}

func loadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "load <file.ndjson>...",
		Short: "Load extracted parameters from NDJSON files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := setup(ctx)
			if err != nil {
				return err
			}

			batchSize, _ := cmd.Flags().GetInt("batch-size")
			if batchSize <= 0 {
				batchSize = a.cfg.BatchSize
			}

			for _, path := range args {
				n, err := ingest.LoadFile(ctx, a.workers, path, batchSize)
				if err != nil {
					a.close()
					return err
				}
				a.logger.Info().Str("file", path).Int("messages", n).Msg("file queued")
			}

			a.workers.Close()
			a.logStats()
			failed := a.workers.Stats().Failed
			a.close()
			if failed > 0 {
				return fmt.Errorf("%d unit(s) of work failed", failed)
			}
			return nil
		},
	}
	cmd.Flags().Int("batch-size", 0, "Resources per transaction (defaults to BATCH_SIZE)")
	return cmd
}

func consumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "consume",
		Short: "Consume extracted parameters from MQTT",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(false)
		},
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Consume from MQTT (when configured) and serve health and stats",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(true)
		},
	}
}

func run(withOps bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := setup(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	if a.cfg.MQTTBroker == "" && !withOps {
		return fmt.Errorf("MQTT_BROKER is required")
	}

	if a.cfg.MQTTBroker != "" {
		src, err := ingest.NewMQTTSource(ingest.MQTTConfig{
			Broker:   a.cfg.MQTTBroker,
			ClientID: a.cfg.MQTTClientID,
			Topic:    a.cfg.MQTTTopic,
			Username: a.cfg.MQTTUsername,
			Password: a.cfg.MQTTPassword,
			QoS:      1,
		}, a.logger)
		if err != nil {
			return err
		}
		defer src.Close()
		if err := src.Subscribe(a.workers); err != nil {
			return err
		}
	}

	var srv *ops.Server
	if withOps {
		srv = ops.NewServer(a.logger, a.pool, a.sdb, a.workers.Stats)
		srv.Start(":" + a.cfg.Port)
	}

	<-ctx.Done()
	a.logger.Info().Msg("shutting down")
	if srv != nil {
		if err := srv.Shutdown(context.Background()); err != nil {
			a.logger.Error().Err(err).Msg("ops server shutdown failed")
		}
	}
	a.logStats()
	return nil
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations and provision RESOURCE_TYPES",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, schema, migrator, pool, err := openMigrator(cmd)
			if err != nil {
				return err
			}
			defer pool.Close()

			ctx := context.Background()
			count, err := migrator.Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Printf("Applied %d migration(s) successfully.\n", count)

			for _, rt := range cfg.ResourceTypes {
				id, err := db.ProvisionResourceType(ctx, pool, schema, rt)
				if err != nil {
					return err
				}
				fmt.Printf("Provisioned %s in %s (resource_type_id %d).\n", rt, schema, id)
			}
			return nil
		},
	}
	upCmd.Flags().String("schema", "", "Target schema (defaults to DB_SCHEMA)")
	upCmd.Flags().String("dir", "", "Path to migrations directory (defaults to MIGRATIONS_DIR)")
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, _, migrator, pool, err := openMigrator(cmd)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := migrator.Status(context.Background())
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("schema", "", "Target schema (defaults to DB_SCHEMA)")
	statusCmd.Flags().String("dir", "", "Path to migrations directory (defaults to MIGRATIONS_DIR)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func openMigrator(cmd *cobra.Command) (*config.Config, string, *db.Migrator, *pgxpool.Pool, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, "", nil, nil, err
	}
	schema, _ := cmd.Flags().GetString("schema")
	if schema == "" {
		schema = cfg.DBSchema
	}
	dir, _ := cmd.Flags().GetString("dir")
	if dir == "" {
		dir = cfg.MigrationsDir
	}

	pool, err := db.NewPool(context.Background(), cfg.DatabaseURL, schema, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, "", nil, nil, err
	}
	migrator := db.NewMigrator(pool, dir).WithSchema(schema).WithLogger(newLogger(cfg))
	return cfg, schema, migrator, pool, nil
}
