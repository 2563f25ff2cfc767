package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/gagliardetto/solana-go"
	flag "github.com/spf13/pflag"

	"github.com/malbeclabs/clearing/admin/internal/admin"
	"github.com/malbeclabs/clearing/reporting/pkg/clickhouse"
	"github.com/malbeclabs/clearing/settlement/pkg/pg"
	"github.com/malbeclabs/clearing/utils/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")

	// Ledger configuration
	rewardTokenFlag := flag.String("reward-token", "", "reward token mint (or set CLEARING_REWARD_TOKEN env var)")
	operatorKeyFlag := flag.String("operator-key", "", "operator public key for write commands (or set CLEARING_OPERATOR_KEYS env var; the first key is used)")
	arbiterKeyFlag := flag.String("arbiter-key", "", "arbiter public key for --attest-arbitrate (or set CLEARING_ARBITER_KEYS env var; the first key is used)")

	// ClickHouse configuration
	clickhouseAddrFlag := flag.String("clickhouse-addr", "", "ClickHouse address (host:port) (or set CLICKHOUSE_ADDR_TCP env var)")
	clickhouseDatabaseFlag := flag.String("clickhouse-database", clickhouse.DefaultDatabase, "ClickHouse database name (or set CLICKHOUSE_DATABASE env var)")
	clickhouseUsernameFlag := flag.String("clickhouse-username", "default", "ClickHouse username (or set CLICKHOUSE_USERNAME env var)")
	clickhousePasswordFlag := flag.String("clickhouse-password", "", "ClickHouse password (or set CLICKHOUSE_PASSWORD env var)")
	clickhouseSecureFlag := flag.Bool("clickhouse-secure", false, "Enable TLS for ClickHouse Cloud (or set CLICKHOUSE_SECURE=true env var)")

	// Distribution configuration
	treasuryFlag := flag.String("treasury", "", "treasury account for the fee pool (or set CLEARING_TREASURY env var)")
	operatorPoolFlag := flag.String("operator-pool", "", "operator pool account for the fee pool (or set CLEARING_OPERATOR_POOL env var)")
	archiveBucketFlag := flag.String("archive-bucket", "", "S3 bucket for --distribution-publish (or set CLEARING_ARCHIVE_BUCKET env var)")
	archiveRegionFlag := flag.String("archive-region", "", "S3 region (or set CLEARING_ARCHIVE_REGION env var)")
	archiveEndpointFlag := flag.String("archive-endpoint", "", "S3 endpoint override for S3-compatible stores (or set CLEARING_ARCHIVE_ENDPOINT env var)")
	archivePrefixFlag := flag.String("archive-prefix", "", "key prefix for distribution documents (or set CLEARING_ARCHIVE_PREFIX env var)")

	// Commands
	epochStatusFlag := flag.Bool("epoch-status", false, "Show the current epoch, its totals and whether it can advance")
	epochFinalizeFlag := flag.Bool("epoch-finalize", false, "Record a Merkle root for an ended epoch")
	epochAdvanceFlag := flag.Bool("epoch-advance", false, "Advance to the next epoch once the current one is finalized")
	epochSetDurationFlag := flag.Bool("epoch-set-duration", false, "Change the epoch duration for future epochs")
	distributionBuildFlag := flag.Bool("distribution-build", false, "Build and print an epoch's distribution without writing anything")
	distributionPublishFlag := flag.Bool("distribution-publish", false, "Finalize an epoch and publish its proof document to S3")
	attestGetFlag := flag.Bool("attest-get", false, "Show an attestation")
	attestArbitrateFlag := flag.Bool("attest-arbitrate", false, "Resolve a challenged attestation")
	claimsShowFlag := flag.Bool("claims-show", false, "Show an account's claim history and cumulative total")
	pgMigrateFlag := flag.Bool("pg-migrate", false, "Run Postgres/ledger database migrations using goose")
	pgMigrateStatusFlag := flag.Bool("pg-migrate-status", false, "Show Postgres/ledger database migration status")
	clickhouseMigrateFlag := flag.Bool("clickhouse-migrate", false, "Run ClickHouse/reporting database migrations using goose")
	clickhouseMigrateStatusFlag := flag.Bool("clickhouse-migrate-status", false, "Show ClickHouse/reporting database migration status")
	resetDBFlag := flag.Bool("reset-db", false, "Drop all analytics tables (dim_*, fact_*) and views")
	dryRunFlag := flag.Bool("dry-run", false, "Dry run mode - show what would be done without actually executing")
	yesFlag := flag.Bool("yes", false, "Skip confirmation prompt (use with caution)")

	// Command options
	epochFlag := flag.Uint64("epoch", 0, "Epoch ID for --epoch-finalize, --distribution-build and --distribution-publish")
	rootFlag := flag.String("root", "", "Merkle root as 64 hex characters for --epoch-finalize")
	entriesFlag := flag.Uint64("entries", 0, "Entry count for --epoch-finalize")
	totalFlag := flag.Uint64("total", 0, "Total rewards for --epoch-finalize")
	durationFlag := flag.Duration("duration", 0, "New epoch duration for --epoch-set-duration")
	idFlag := flag.String("id", "", "Attestation ID for --attest-get and --attest-arbitrate")
	challengeSucceededFlag := flag.Bool("challenge-succeeded", false, "Rule for the challenger in --attest-arbitrate")
	accountFlag := flag.String("account", "", "Account public key for --claims-show")

	flag.Parse()

	log := logger.New(*verboseFlag)

	// Override ledger flags with environment variables if set
	if envRewardToken := os.Getenv("CLEARING_REWARD_TOKEN"); envRewardToken != "" {
		*rewardTokenFlag = envRewardToken
	}
	if envOperatorKeys := os.Getenv("CLEARING_OPERATOR_KEYS"); envOperatorKeys != "" {
		*operatorKeyFlag = firstKey(envOperatorKeys)
	}
	if envArbiterKeys := os.Getenv("CLEARING_ARBITER_KEYS"); envArbiterKeys != "" {
		*arbiterKeyFlag = firstKey(envArbiterKeys)
	}

	// Override ClickHouse flags with environment variables if set
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

	// Override distribution flags with environment variables if set
	if envTreasury := os.Getenv("CLEARING_TREASURY"); envTreasury != "" {
		*treasuryFlag = envTreasury
	}
	if envOperatorPool := os.Getenv("CLEARING_OPERATOR_POOL"); envOperatorPool != "" {
		*operatorPoolFlag = envOperatorPool
	}
	if envArchiveBucket := os.Getenv("CLEARING_ARCHIVE_BUCKET"); envArchiveBucket != "" {
		*archiveBucketFlag = envArchiveBucket
	}
	if envArchiveRegion := os.Getenv("CLEARING_ARCHIVE_REGION"); envArchiveRegion != "" {
		*archiveRegionFlag = envArchiveRegion
	}
	if envArchiveEndpoint := os.Getenv("CLEARING_ARCHIVE_ENDPOINT"); envArchiveEndpoint != "" {
		*archiveEndpointFlag = envArchiveEndpoint
	}
	if envArchivePrefix := os.Getenv("CLEARING_ARCHIVE_PREFIX"); envArchivePrefix != "" {
		*archivePrefixFlag = envArchivePrefix
	}

	// Execute commands
	if *pgMigrateFlag {
		connStr, err := postgresConnStrFromEnv()
		if err != nil {
			return err
		}
		return pg.RunMigrations(context.Background(), log, pg.MigrationConfig{
			ConnStr: connStr,
		})
	}

	if *pgMigrateStatusFlag {
		connStr, err := postgresConnStrFromEnv()
		if err != nil {
			return err
		}
		return pg.MigrationStatus(context.Background(), log, pg.MigrationConfig{
			ConnStr: connStr,
		})
	}

	if *clickhouseMigrateFlag {
		if *clickhouseAddrFlag == "" {
			return fmt.Errorf("--clickhouse-addr is required for --clickhouse-migrate")
		}
		return clickhouse.RunMigrations(context.Background(), log, clickhouse.MigrationConfig{
			Addr:     *clickhouseAddrFlag,
			Database: *clickhouseDatabaseFlag,
			Username: *clickhouseUsernameFlag,
			Password: *clickhousePasswordFlag,
			Secure:   *clickhouseSecureFlag,
		})
	}

	if *clickhouseMigrateStatusFlag {
		if *clickhouseAddrFlag == "" {
			return fmt.Errorf("--clickhouse-addr is required for --clickhouse-migrate-status")
		}
		return clickhouse.MigrationStatus(context.Background(), log, clickhouse.MigrationConfig{
			Addr:     *clickhouseAddrFlag,
			Database: *clickhouseDatabaseFlag,
			Username: *clickhouseUsernameFlag,
			Password: *clickhousePasswordFlag,
			Secure:   *clickhouseSecureFlag,
		})
	}

	if *resetDBFlag {
		if *clickhouseAddrFlag == "" {
			return fmt.Errorf("--clickhouse-addr is required for --reset-db")
		}
		return admin.ResetDB(log, *clickhouseAddrFlag, *clickhouseDatabaseFlag, *clickhouseUsernameFlag, *clickhousePasswordFlag, *clickhouseSecureFlag, *dryRunFlag, *yesFlag)
	}

	if *epochStatusFlag {
		cfg, err := engineConfig(*rewardTokenFlag, "", "")
		if err != nil {
			return err
		}
		return admin.EpochStatus(log, cfg)
	}

	if *epochFinalizeFlag {
		if *epochFlag == 0 {
			return fmt.Errorf("--epoch is required for --epoch-finalize")
		}
		if *rootFlag == "" {
			return fmt.Errorf("--root is required for --epoch-finalize")
		}
		if *operatorKeyFlag == "" {
			return fmt.Errorf("--operator-key is required for --epoch-finalize")
		}
		cfg, err := engineConfig(*rewardTokenFlag, *operatorKeyFlag, "")
		if err != nil {
			return err
		}
		return admin.EpochFinalize(log, cfg, *epochFlag, *rootFlag, *entriesFlag, *totalFlag)
	}

	if *epochAdvanceFlag {
		if *operatorKeyFlag == "" {
			return fmt.Errorf("--operator-key is required for --epoch-advance")
		}
		cfg, err := engineConfig(*rewardTokenFlag, *operatorKeyFlag, "")
		if err != nil {
			return err
		}
		return admin.EpochAdvance(log, cfg)
	}

	if *epochSetDurationFlag {
		if *durationFlag <= 0 {
			return fmt.Errorf("--duration is required for --epoch-set-duration")
		}
		if *operatorKeyFlag == "" {
			return fmt.Errorf("--operator-key is required for --epoch-set-duration")
		}
		cfg, err := engineConfig(*rewardTokenFlag, *operatorKeyFlag, "")
		if err != nil {
			return err
		}
		return admin.EpochSetDuration(log, cfg, *durationFlag)
	}

	if *distributionBuildFlag {
		if *epochFlag == 0 {
			return fmt.Errorf("--epoch is required for --distribution-build")
		}
		cfg, err := engineConfig(*rewardTokenFlag, "", "")
		if err != nil {
			return err
		}
		distCfg, err := distributionConfig(*treasuryFlag, *operatorPoolFlag)
		if err != nil {
			return err
		}
		return admin.DistributionBuild(log, cfg, distCfg, *epochFlag)
	}

	if *distributionPublishFlag {
		if *epochFlag == 0 {
			return fmt.Errorf("--epoch is required for --distribution-publish")
		}
		if *operatorKeyFlag == "" {
			return fmt.Errorf("--operator-key is required for --distribution-publish")
		}
		if *archiveBucketFlag == "" {
			return fmt.Errorf("--archive-bucket is required for --distribution-publish")
		}
		cfg, err := engineConfig(*rewardTokenFlag, *operatorKeyFlag, "")
		if err != nil {
			return err
		}
		distCfg, err := distributionConfig(*treasuryFlag, *operatorPoolFlag)
		if err != nil {
			return err
		}
		return admin.DistributionPublish(log, cfg, distCfg, admin.ArchiveConfig{
			Bucket:   *archiveBucketFlag,
			Region:   *archiveRegionFlag,
			Endpoint: *archiveEndpointFlag,
			Prefix:   *archivePrefixFlag,
		}, *epochFlag)
	}

	if *attestGetFlag {
		if *idFlag == "" {
			return fmt.Errorf("--id is required for --attest-get")
		}
		cfg, err := engineConfig(*rewardTokenFlag, "", "")
		if err != nil {
			return err
		}
		return admin.AttestGet(log, cfg, *idFlag)
	}

	if *attestArbitrateFlag {
		if *idFlag == "" {
			return fmt.Errorf("--id is required for --attest-arbitrate")
		}
		if *arbiterKeyFlag == "" {
			return fmt.Errorf("--arbiter-key is required for --attest-arbitrate")
		}
		cfg, err := engineConfig(*rewardTokenFlag, "", *arbiterKeyFlag)
		if err != nil {
			return err
		}
		return admin.AttestArbitrate(log, cfg, *idFlag, *challengeSucceededFlag)
	}

	if *claimsShowFlag {
		if *accountFlag == "" {
			return fmt.Errorf("--account is required for --claims-show")
		}
		account, err := solana.PublicKeyFromBase58(*accountFlag)
		if err != nil {
			return fmt.Errorf("invalid --account: %w", err)
		}
		cfg, err := engineConfig(*rewardTokenFlag, "", "")
		if err != nil {
			return err
		}
		return admin.ClaimsShow(log, cfg, account)
	}

	return nil
}

// engineConfig assembles the ledger connection for the engine commands.
// operatorKey and arbiterKey may be empty for read-only commands.
func engineConfig(rewardToken, operatorKey, arbiterKey string) (admin.EngineConfig, error) {
	var cfg admin.EngineConfig

	connStr, err := postgresConnStrFromEnv()
	if err != nil {
		return cfg, err
	}
	cfg.ConnStr = connStr

	if rewardToken == "" {
		return cfg, fmt.Errorf("--reward-token is required (or set CLEARING_REWARD_TOKEN env var)")
	}
	cfg.RewardToken, err = solana.PublicKeyFromBase58(rewardToken)
	if err != nil {
		return cfg, fmt.Errorf("invalid --reward-token: %w", err)
	}

	if operatorKey != "" {
		cfg.Operator, err = solana.PublicKeyFromBase58(operatorKey)
		if err != nil {
			return cfg, fmt.Errorf("invalid --operator-key: %w", err)
		}
	}
	if arbiterKey != "" {
		cfg.Arbiter, err = solana.PublicKeyFromBase58(arbiterKey)
		if err != nil {
			return cfg, fmt.Errorf("invalid --arbiter-key: %w", err)
		}
	}
	return cfg, nil
}

func distributionConfig(treasury, operatorPool string) (admin.DistributionConfig, error) {
	var cfg admin.DistributionConfig
	var err error

	if treasury == "" {
		return cfg, fmt.Errorf("--treasury is required (or set CLEARING_TREASURY env var)")
	}
	cfg.Treasury, err = solana.PublicKeyFromBase58(treasury)
	if err != nil {
		return cfg, fmt.Errorf("invalid --treasury: %w", err)
	}

	if operatorPool == "" {
		return cfg, fmt.Errorf("--operator-pool is required (or set CLEARING_OPERATOR_POOL env var)")
	}
	cfg.OperatorPool, err = solana.PublicKeyFromBase58(operatorPool)
	if err != nil {
		return cfg, fmt.Errorf("invalid --operator-pool: %w", err)
	}
	return cfg, nil
}

// firstKey returns the first entry of a comma-separated key list.
func firstKey(list string) string {
	for _, part := range strings.Split(list, ",") {
		if part = strings.TrimSpace(part); part != "" {
			return part
		}
	}
	return ""
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
