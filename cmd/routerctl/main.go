package main

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/V4T54L/invoice-router/internal/adapter/repository/postgres"
	redisrepo "github.com/V4T54L/invoice-router/internal/adapter/repository/redis"
	"github.com/V4T54L/invoice-router/internal/pkg/logger"
	"github.com/V4T54L/invoice-router/internal/usecase"
)

var Version = "dev"

type globalFlags struct {
	postgresURL string
	redisAddr   string
	logLevel    string
	json        bool
}

// env is what a command needs to reach the pipeline's stores.
type env struct {
	db     *sql.DB
	redis  *goredis.Client
	logger *slog.Logger
	out    io.Writer
	json   bool
}

func (e *env) Close() {
	if e.redis != nil {
		e.redis.Close()
	}
	if e.db != nil {
		e.db.Close()
	}
}

func (e *env) adminUseCase() *usecase.AdminUseCase {
	queue := redisrepo.NewQueueRepository(e.redis, redisrepo.QueueConfig{}, nil, nil, e.logger)
	return usecase.NewAdminUseCase(postgres.NewAuditRepository(e.db, e.logger), queue, redisrepo.NewAdminRepository(e.redis, e.logger), e.logger)
}

func (e *env) printJSON(v any) error {
	enc := json.NewEncoder(e.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	_ = godotenv.Load()
	flags := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:           "routerctl",
		Short:         "routerctl - operator tool for the invoice router",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&flags.postgresURL, "postgres-url", os.Getenv("POSTGRES_URL"), "Postgres connection URL")
	rootCmd.PersistentFlags().StringVar(&flags.redisAddr, "redis-addr", os.Getenv("REDIS_ADDR"), "Redis address or URL")
	rootCmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "warn", "Log level")
	rootCmd.PersistentFlags().BoolVarP(&flags.json, "json", "j", false, "Output as JSON")

	rootCmd.AddCommand(auditCmd(flags))
	rootCmd.AddCommand(poisonCmd(flags))
	rootCmd.AddCommand(queueCmd(flags))
	rootCmd.AddCommand(directoryCmd(flags))
	rootCmd.AddCommand(apikeyCmd(flags))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// connect opens the stores a command asks for.
func connect(cmd *cobra.Command, flags *globalFlags, needDB, needRedis bool) (*env, error) {
	e := &env{
		logger: logger.New(flags.logLevel),
		out:    cmd.OutOrStdout(),
		json:   flags.json,
	}
	if needDB {
		if flags.postgresURL == "" {
			return nil, fmt.Errorf("--postgres-url or POSTGRES_URL is required")
		}
		db, err := postgres.Open(cmd.Context(), flags.postgresURL)
		if err != nil {
			return nil, err
		}
		e.db = db
	}
	if needRedis {
		if flags.redisAddr == "" {
			e.Close()
			return nil, fmt.Errorf("--redis-addr or REDIS_ADDR is required")
		}
		client, err := redisrepo.NewClient(flags.redisAddr)
		if err != nil {
			e.Close()
			return nil, err
		}
		e.redis = client
	}
	return e, nil
}
