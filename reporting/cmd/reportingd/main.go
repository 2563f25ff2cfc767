package main

import (
	"context"
	"fmt"
	"net/http"
	_ "net/http/pprof" // Register pprof handlers
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"

	"github.com/malbeclabs/clearing/reporting/pkg/clickhouse"
	"github.com/malbeclabs/clearing/reporting/pkg/graph"
	"github.com/malbeclabs/clearing/reporting/pkg/metrics"
	"github.com/malbeclabs/clearing/reporting/pkg/reporting"
	"github.com/malbeclabs/clearing/reporting/pkg/server"
	"github.com/malbeclabs/clearing/settlement/pkg/pg"
	"github.com/malbeclabs/clearing/utils/pkg/logger"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	defaultListenAddr        = "0.0.0.0:8081"
	defaultReadHeaderTimeout = 10 * time.Second
	defaultShutdownTimeout   = 30 * time.Second
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	listenAddrFlag := flag.String("listen-addr", defaultListenAddr, "address to listen on (or set REPORTING_LISTEN_ADDR env var)")
	enablePprofFlag := flag.Bool("enable-pprof", false, "enable pprof server on localhost:6060")
	syncIntervalFlag := flag.Duration("sync-interval", reporting.DefaultSyncInterval, "how often the fact and graph syncs run")
	shutdownTimeoutFlag := flag.Duration("shutdown-timeout", defaultShutdownTimeout, "maximum time to wait for in-flight requests during graceful shutdown")
	migrateFlag := flag.Bool("migrate", false, "run ClickHouse migrations before starting (or set REPORTING_RUN_MIGRATIONS=true env var)")

	// ClickHouse configuration
	clickhouseAddrFlag := flag.String("clickhouse-addr", "", "ClickHouse address (host:port) (or set CLICKHOUSE_ADDR_TCP env var)")
	clickhouseDatabaseFlag := flag.String("clickhouse-database", clickhouse.DefaultDatabase, "ClickHouse database name (or set CLICKHOUSE_DATABASE env var)")
	clickhouseUsernameFlag := flag.String("clickhouse-username", "default", "ClickHouse username (or set CLICKHOUSE_USERNAME env var)")
	clickhousePasswordFlag := flag.String("clickhouse-password", "", "ClickHouse password (or set CLICKHOUSE_PASSWORD env var)")
	clickhouseSecureFlag := flag.Bool("clickhouse-secure", false, "Enable TLS for ClickHouse Cloud (or set CLICKHOUSE_SECURE=true env var)")

	// Neo4j configuration (optional; the flow-graph sync is skipped when unset)
	neo4jURIFlag := flag.String("neo4j-uri", "", "Neo4j bolt URI (or set NEO4J_URI env var)")
	neo4jDatabaseFlag := flag.String("neo4j-database", graph.DefaultDatabase, "Neo4j database name (or set NEO4J_DATABASE env var)")
	neo4jUsernameFlag := flag.String("neo4j-username", "neo4j", "Neo4j username (or set NEO4J_USERNAME env var)")
	neo4jPasswordFlag := flag.String("neo4j-password", "", "Neo4j password (or set NEO4J_PASSWORD env var)")

	flag.Parse()

	// Local development convenience; real env vars win over .env entries.
	_ = godotenv.Load()

	log := logger.New(*verboseFlag)

	if envListenAddr := os.Getenv("REPORTING_LISTEN_ADDR"); envListenAddr != "" {
		*listenAddrFlag = envListenAddr
	}
	if os.Getenv("REPORTING_RUN_MIGRATIONS") == "true" {
		*migrateFlag = true
	}
	if envClickhouseAddr := os.Getenv("CLICKHOUSE_ADDR_TCP"); envClickhouseAddr != "" {
		*clickhouseAddrFlag = envClickhouseAddr
	}
	if envClickhouseDatabase := os.Getenv("CLICKHOUSE_DATABASE"); envClickhouseDatabase != "" {
		*clickhouseDatabaseFlag = envClickhouseDatabase
	}
	if envClickhouseUsername := os.Getenv("CLICKHOUSE_USERNAME"); envClickhouseUsername != "" {
		*clickhouseUsernameFlag = envClickhouseUsername
	}
	if envClickhousePassword := os.Getenv("CLICKHOUSE_PASSWORD"); envClickhousePassword != "" {
		*clickhousePasswordFlag = envClickhousePassword
	}
	if os.Getenv("CLICKHOUSE_SECURE") == "true" {
		*clickhouseSecureFlag = true
	}
	if envNeo4jURI := os.Getenv("NEO4J_URI"); envNeo4jURI != "" {
		*neo4jURIFlag = envNeo4jURI
	}
	if envNeo4jDatabase := os.Getenv("NEO4J_DATABASE"); envNeo4jDatabase != "" {
		*neo4jDatabaseFlag = envNeo4jDatabase
	}
	if envNeo4jUsername := os.Getenv("NEO4J_USERNAME"); envNeo4jUsername != "" {
		*neo4jUsernameFlag = envNeo4jUsername
	}
	if envNeo4jPassword := os.Getenv("NEO4J_PASSWORD"); envNeo4jPassword != "" {
		*neo4jPasswordFlag = envNeo4jPassword
	}

	if *clickhouseAddrFlag == "" {
		return fmt.Errorf("--clickhouse-addr is required")
	}

	if dsn := os.Getenv("SENTRY_DSN"); dsn != "" {
		sentryEnv := os.Getenv("SENTRY_ENVIRONMENT")
		if sentryEnv == "" {
			sentryEnv = "development"
		}
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:              dsn,
			Environment:      sentryEnv,
			Release:          version,
			TracesSampleRate: 0.1,
		}); err != nil {
			return fmt.Errorf("failed to initialize sentry: %w", err)
		}
		defer sentry.Flush(2 * time.Second)
	}

	if *enablePprofFlag {
		go func() {
			log.Info("starting pprof server", "address", "localhost:6060")
			if err := http.ListenAndServe("localhost:6060", nil); err != nil {
				log.Error("failed to start pprof server", "error", err)
			}
		}()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	connStr, err := postgresConnStrFromEnv()
	if err != nil {
		return err
	}
	pool, err := pg.NewPool(ctx, log, connStr)
	if err != nil {
		return err
	}
	defer pool.Close()

	chClient, err := clickhouse.NewClient(ctx, log, *clickhouseAddrFlag, *clickhouseDatabaseFlag, *clickhouseUsernameFlag, *clickhousePasswordFlag, *clickhouseSecureFlag)
	if err != nil {
		return fmt.Errorf("failed to create ClickHouse client: %w", err)
	}
	defer chClient.Close()

	var graphClient graph.Client
	if *neo4jURIFlag != "" {
		graphClient, err = graph.NewClient(ctx, log, *neo4jURIFlag, *neo4jDatabaseFlag, *neo4jUsernameFlag, *neo4jPasswordFlag)
		if err != nil {
			return fmt.Errorf("failed to create Neo4j client: %w", err)
		}
		defer func() {
			if err := graphClient.Close(context.Background()); err != nil {
				log.Error("failed to close Neo4j client", "error", err)
			}
		}()
		log.Info("flow-graph sync enabled", "uri", *neo4jURIFlag, "database", *neo4jDatabaseFlag)
	}

	metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)

	srv, err := server.New(ctx, server.Config{
		ListenAddr:        *listenAddrFlag,
		ReadHeaderTimeout: defaultReadHeaderTimeout,
		ShutdownTimeout:   *shutdownTimeoutFlag,
		VersionInfo: server.VersionInfo{
			Version: version,
			Commit:  commit,
			Date:    date,
		},
		ReportingConfig: reporting.Config{
			Logger:           log,
			Pool:             pool,
			ClickHouse:       chClient,
			Graph:            graphClient,
			SyncInterval:     *syncIntervalFlag,
			MigrationsEnable: *migrateFlag,
			MigrationsConfig: clickhouse.MigrationConfig{
				Addr:     *clickhouseAddrFlag,
				Database: *clickhouseDatabaseFlag,
				Username: *clickhouseUsernameFlag,
				Password: *clickhousePasswordFlag,
				Secure:   *clickhouseSecureFlag,
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	log.Info("starting reportingd",
		"version", version,
		"commit", commit,
		"date", date,
		"listenAddr", *listenAddrFlag,
		"syncInterval", *syncIntervalFlag,
	)

	return srv.Run(ctx)
}

func postgresConnStrFromEnv() (string, error) {
	host := os.Getenv("POSTGRES_HOST")
	if host == "" {
		host = "localhost"
	}
	port := os.Getenv("POSTGRES_PORT")
	if port == "" {
		port = "5432"
	}
	database := os.Getenv("POSTGRES_DB")
	if database == "" {
		return "", fmt.Errorf("POSTGRES_DB is required")
	}
	username := os.Getenv("POSTGRES_USER")
	if username == "" {
		return "", fmt.Errorf("POSTGRES_USER is required")
	}
	password := os.Getenv("POSTGRES_PASSWORD")
	if password == "" {
		return "", fmt.Errorf("POSTGRES_PASSWORD is required")
	}
	sslMode := os.Getenv("POSTGRES_SSLMODE")
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", username, password, host, port, database, sslMode), nil
}
