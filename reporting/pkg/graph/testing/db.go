package graphtesting

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	tcneo4j "github.com/testcontainers/testcontainers-go/modules/neo4j"

	"github.com/malbeclabs/clearing/reporting/pkg/graph"
)

type DBConfig struct {
	Password       string
	ContainerImage string
}

func (cfg *DBConfig) Validate() error {
	if cfg.Password == "" {
		cfg.Password = "password"
	}
	if cfg.ContainerImage == "" {
		cfg.ContainerImage = "neo4j:5"
	}
	return nil
}

// DB is a shared Neo4j container. Community edition has a single database,
// so tests share it; Reset wipes the graph between tests that need
// isolation.
type DB struct {
	log       *slog.Logger
	cfg       *DBConfig
	uri       string
	container *tcneo4j.Neo4jContainer
}

// URI returns the bolt URI of the container.
func (db *DB) URI() string {
	return db.uri
}

// Password returns the admin password.
func (db *DB) Password() string {
	return db.cfg.Password
}

func (db *DB) Close() {
	terminateCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.container.Terminate(terminateCtx); err != nil {
		db.log.Error("failed to terminate Neo4j container", "error", err)
	}
}

func NewDB(ctx context.Context, log *slog.Logger, cfg *DBConfig) (*DB, error) {
	if cfg == nil {
		cfg = &DBConfig{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate DB config: %w", err)
	}

	// Container starts flake under parallel test load; retry a few times.
	var container *tcneo4j.Neo4jContainer
	var lastErr error
	for attempt := 1; attempt <= 3; attempt++ {
		var err error
		container, err = tcneo4j.Run(ctx,
			cfg.ContainerImage,
			tcneo4j.WithAdminPassword(cfg.Password),
		)
		if err != nil {
			lastErr = err
			if isRetryableContainerStartErr(err) && attempt < 3 {
				time.Sleep(time.Duration(attempt) * 750 * time.Millisecond)
				continue
			}
			return nil, fmt.Errorf("failed to start Neo4j container after retries: %w", lastErr)
		}
		break
	}
	if container == nil {
		return nil, fmt.Errorf("failed to start Neo4j container after retries: %w", lastErr)
	}

	uri, err := container.BoltUrl(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get Neo4j bolt URL: %w", err)
	}

	return &DB{
		log:       log,
		cfg:       cfg,
		uri:       uri,
		container: container,
	}, nil
}

// NewTestClient connects to the shared database and initializes the
// schema.
func NewTestClient(t *testing.T, db *DB) (graph.Client, error) {
	client, err := graph.NewClient(t.Context(), db.log, db.uri, graph.DefaultDatabase, "neo4j", db.cfg.Password)
	if err != nil {
		return nil, err
	}
	t.Cleanup(func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = client.Close(closeCtx)
	})

	if err := graph.InitializeSchema(t.Context(), db.log, client); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return client, nil
}

// NewReadOnlyTestClient connects with read-only sessions.
func NewReadOnlyTestClient(t *testing.T, db *DB) (graph.Client, error) {
	client, err := graph.NewReadOnlyClient(t.Context(), db.log, db.uri, graph.DefaultDatabase, "neo4j", db.cfg.Password)
	if err != nil {
		return nil, err
	}
	t.Cleanup(func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = client.Close(closeCtx)
	})
	return client, nil
}

// Reset deletes every node and relationship. Tests call it first when they
// assert on absolute graph contents.
func Reset(t *testing.T, client graph.Client) {
	session, err := client.Session(t.Context())
	require.NoError(t, err)
	defer session.Close(t.Context())

	res, err := session.Run(t.Context(), "MATCH (n) DETACH DELETE n", nil)
	require.NoError(t, err)
	_, err = res.Consume(t.Context())
	require.NoError(t, err)
}

func isRetryableContainerStartErr(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "wait until ready") ||
		strings.Contains(s, "mapped port") ||
		strings.Contains(s, "timeout") ||
		strings.Contains(s, "context deadline exceeded") ||
		strings.Contains(s, "/containers/") && strings.Contains(s, "json") ||
		strings.Contains(s, "Get \"http://%2Fvar%2Frun%2Fdocker.sock")
}
