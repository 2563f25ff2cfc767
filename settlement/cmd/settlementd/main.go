package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	_ "net/http/pprof" // Register pprof handlers
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/getsentry/sentry-go"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/malbeclabs/clearing/api/config"
	"github.com/malbeclabs/clearing/api/handlers"
	apimetrics "github.com/malbeclabs/clearing/api/metrics"
	"github.com/malbeclabs/clearing/settlement/pkg/archive"
	"github.com/malbeclabs/clearing/settlement/pkg/distribute"
	"github.com/malbeclabs/clearing/settlement/pkg/metrics"
	"github.com/malbeclabs/clearing/settlement/pkg/notify"
	"github.com/malbeclabs/clearing/settlement/pkg/scheduler"
	"github.com/malbeclabs/clearing/settlement/pkg/settlement"
	"github.com/malbeclabs/clearing/utils/pkg/logger"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	defaultListenAddr      = "0.0.0.0:8080"
	defaultShutdownTimeout = 30 * time.Second
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	listenAddrFlag := flag.String("listen-addr", defaultListenAddr, "address to listen on (or set CLEARING_LISTEN_ADDR env var)")
	enablePprofFlag := flag.Bool("enable-pprof", false, "enable pprof server on localhost:6060")
	autoSettleFlag := flag.Bool("auto-settle", false, "settle ended epochs without operator involvement (or set CLEARING_AUTO_SETTLE=true env var)")
	checkIntervalFlag := flag.Duration("check-interval", scheduler.DefaultCheckInterval, "how often the scheduler checks for ended epochs")
	shutdownTimeoutFlag := flag.Duration("shutdown-timeout", defaultShutdownTimeout, "maximum time to wait for in-flight requests during graceful shutdown")
	flag.Parse()

	// Local development convenience; real env vars win over .env entries.
	_ = godotenv.Load()

	log := logger.New(*verboseFlag)

	if envListenAddr := os.Getenv("CLEARING_LISTEN_ADDR"); envListenAddr != "" {
		*listenAddrFlag = envListenAddr
	}
	if os.Getenv("CLEARING_AUTO_SETTLE") == "true" {
		*autoSettleFlag = true
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

	if err := config.LoadPostgres(ctx, log); err != nil {
		return err
	}
	defer config.ClosePostgres()

	engineCfg, ingressKeys, err := engineConfigFromEnv(log)
	if err != nil {
		return err
	}

	engine, err := settlement.New(ctx, engineCfg)
	if err != nil {
		return fmt.Errorf("failed to create settlement engine: %w", err)
	}

	if err := handlers.Configure(handlers.Config{
		Engine:      engine,
		IngressKeys: ingressKeys,
	}); err != nil {
		return err
	}
	handlers.Version, handlers.Commit, handlers.Date = version, commit, date

	apimetrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)
	metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)

	handlers.InitStatusCache()
	defer handlers.StopStatusCache()

	var sinks []notify.Sink
	if botToken := os.Getenv("SLACK_BOT_TOKEN"); botToken != "" {
		slackSink, err := notify.NewSlack(notify.SlackConfig{
			Logger:   log,
			BotToken: botToken,
			Channel:  os.Getenv("SLACK_CHANNEL"),
		})
		if err != nil {
			return fmt.Errorf("failed to create slack notifier: %w", err)
		}
		sinks = append(sinks, slackSink)
		log.Info("slack notifications enabled", "channel", os.Getenv("SLACK_CHANNEL"))
	}

	g, ctx := errgroup.WithContext(ctx)

	runner, err := notify.NewRunner(notify.RunnerConfig{
		Logger: log,
		Events: engine.Events(),
		Sinks:  sinks,
	})
	if err != nil {
		return err
	}
	g.Go(func() error {
		if err := runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("notify runner failed: %w", err)
		}
		return nil
	})

	sched, err := buildScheduler(ctx, log, engine, engineCfg.Operators, sinks, *autoSettleFlag, *checkIntervalFlag)
	if err != nil {
		return err
	}
	sched.Start(ctx)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))
	r.Use(apimetrics.Middleware)

	r.Mount("/api", handlers.Routes())

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if !handlers.IsStatusCacheReady() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready\n"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	r.Get("/version", handlers.GetVersion)
	r.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              *listenAddrFlag,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1MB
	}

	g.Go(func() error {
		log.Info("settlementd: http listening", "address", *listenAddrFlag, "version", version, "commit", commit)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("failed to listen and serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info("settlementd: stopping", "reason", ctx.Err())
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), *shutdownTimeoutFlag)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shutdown http server: %w", err)
		}
		return nil
	})

	return g.Wait()
}

// engineConfigFromEnv assembles the engine configuration from CLEARING_*
// environment variables. The reward token is the only required setting.
func engineConfigFromEnv(log *slog.Logger) (settlement.Config, []solana.PublicKey, error) {
	var cfg settlement.Config

	rewardToken, err := keyFromEnv("CLEARING_REWARD_TOKEN", true)
	if err != nil {
		return cfg, nil, err
	}
	bondToken, err := keyFromEnv("CLEARING_BOND_TOKEN", false)
	if err != nil {
		return cfg, nil, err
	}

	operators, err := keyListFromEnv("CLEARING_OPERATOR_KEYS")
	if err != nil {
		return cfg, nil, err
	}
	arbiters, err := keyListFromEnv("CLEARING_ARBITER_KEYS")
	if err != nil {
		return cfg, nil, err
	}
	ingress, err := keyListFromEnv("CLEARING_INGRESS_KEYS")
	if err != nil {
		return cfg, nil, err
	}

	minBond, err := uintFromEnv("CLEARING_MIN_BOND")
	if err != nil {
		return cfg, nil, err
	}
	slashBps, err := uintFromEnv("CLEARING_SLASH_BPS")
	if err != nil {
		return cfg, nil, err
	}
	challengePeriod, err := durationFromEnv("CLEARING_CHALLENGE_PERIOD")
	if err != nil {
		return cfg, nil, err
	}
	epochDuration, err := durationFromEnv("CLEARING_EPOCH_DURATION")
	if err != nil {
		return cfg, nil, err
	}

	log.Info("engine configuration loaded",
		"reward_token", rewardToken.String(),
		"operators", len(operators),
		"arbiters", len(arbiters),
		"ingress_keys", len(ingress),
	)

	cfg = settlement.Config{
		Logger:          log,
		RewardToken:     rewardToken,
		BondToken:       bondToken,
		Operators:       operators,
		Arbiters:        arbiters,
		EpochDuration:   epochDuration,
		ChallengePeriod: challengePeriod,
		MinBond:         minBond,
		SlashBps:        slashBps,
		Pool:            config.PgPool,
	}
	return cfg, ingress, nil
}

// buildScheduler wires the epoch scheduler, including the fee pool and the
// S3 archive when auto-settle is enabled.
func buildScheduler(ctx context.Context, log *slog.Logger, engine *settlement.Engine, operators []solana.PublicKey, sinks []notify.Sink, autoSettle bool, checkInterval time.Duration) (*scheduler.Scheduler, error) {
	cfg := scheduler.Config{
		Logger:        log,
		Engine:        engine,
		Sinks:         sinks,
		AutoSettle:    autoSettle,
		CheckInterval: checkInterval,
	}

	if autoSettle {
		if len(operators) == 0 {
			return nil, errors.New("auto-settle requires at least one operator key (the scheduler settles as the first)")
		}
		cfg.Operator = settlement.Capability{Actor: operators[0], Role: settlement.RoleOperator}

		treasury, err := keyFromEnv("CLEARING_TREASURY", true)
		if err != nil {
			return nil, fmt.Errorf("auto-settle: %w", err)
		}
		operatorPool, err := keyFromEnv("CLEARING_OPERATOR_POOL", true)
		if err != nil {
			return nil, fmt.Errorf("auto-settle: %w", err)
		}
		feePool, err := distribute.NewFeePool(distribute.FeePoolConfig{
			Logger:       log,
			Treasury:     treasury,
			OperatorPool: operatorPool,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create fee pool: %w", err)
		}
		cfg.FeePool = feePool

		if bucket := os.Getenv("CLEARING_ARCHIVE_BUCKET"); bucket != "" {
			store, err := archive.NewStore(ctx, archive.StoreConfig{
				Logger:   log,
				Bucket:   bucket,
				Region:   os.Getenv("CLEARING_ARCHIVE_REGION"),
				Endpoint: os.Getenv("CLEARING_ARCHIVE_ENDPOINT"),
				Prefix:   os.Getenv("CLEARING_ARCHIVE_PREFIX"),
			})
			if err != nil {
				return nil, fmt.Errorf("failed to create archive store: %w", err)
			}
			cfg.Archive = store
		}
	}

	return scheduler.New(cfg)
}

func keyFromEnv(name string, required bool) (solana.PublicKey, error) {
	v := os.Getenv(name)
	if v == "" {
		if required {
			return solana.PublicKey{}, fmt.Errorf("%s is required", name)
		}
		return solana.PublicKey{}, nil
	}
	key, err := solana.PublicKeyFromBase58(v)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("invalid %s: %w", name, err)
	}
	return key, nil
}

func keyListFromEnv(name string) ([]solana.PublicKey, error) {
	v := os.Getenv(name)
	if v == "" {
		return nil, nil
	}
	var keys []solana.PublicKey
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, err := solana.PublicKeyFromBase58(part)
		if err != nil {
			return nil, fmt.Errorf("invalid key %q in %s: %w", part, name, err)
		}
		keys = append(keys, key)
	}
	return keys, nil
}

func uintFromEnv(name string) (uint64, error) {
	v := os.Getenv(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	return n, nil
}

func durationFromEnv(name string) (time.Duration, error) {
	v := os.Getenv(name)
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	return d, nil
}
