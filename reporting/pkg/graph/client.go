// Package graph maintains a Neo4j payment-flow graph: Account nodes joined
// by per-epoch PAID relationships, MERGEd from the receipt ledger so the
// sync stays idempotent.
package graph

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

const DefaultDatabase = "neo4j"

// Transaction is the unit of work passed to ExecuteRead and ExecuteWrite.
type Transaction = neo4j.ManagedTransaction

// Result is a streamed query result.
type Result = neo4j.ResultWithContext

// Client opens sessions against a Neo4j database.
type Client interface {
	Session(ctx context.Context) (Session, error)
	Close(ctx context.Context) error
}

// Session runs Cypher, either directly or inside managed transactions.
type Session interface {
	Run(ctx context.Context, cypher string, params map[string]any) (Result, error)
	ExecuteRead(ctx context.Context, work func(tx Transaction) (any, error)) (any, error)
	ExecuteWrite(ctx context.Context, work func(tx Transaction) (any, error)) (any, error)
	Close(ctx context.Context) error
}

type client struct {
	log      *slog.Logger
	driver   neo4j.DriverWithContext
	database string
	access   neo4j.AccessMode
}

type session struct {
	sess neo4j.SessionWithContext
}

// NewClient connects to Neo4j and verifies connectivity.
func NewClient(ctx context.Context, log *slog.Logger, uri, database, username, password string) (Client, error) {
	return newClient(ctx, log, uri, database, username, password, neo4j.AccessModeWrite)
}

// NewReadOnlyClient connects with read-only sessions. Query surfaces use
// this so a bug cannot mutate the graph.
func NewReadOnlyClient(ctx context.Context, log *slog.Logger, uri, database, username, password string) (Client, error) {
	return newClient(ctx, log, uri, database, username, password, neo4j.AccessModeRead)
}

func newClient(ctx context.Context, log *slog.Logger, uri, database, username, password string, access neo4j.AccessMode) (Client, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(username, password, ""))
	if err != nil {
		return nil, fmt.Errorf("failed to create Neo4j driver: %w", err)
	}

	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("failed to verify Neo4j connectivity: %w", err)
	}

	if database == "" {
		database = DefaultDatabase
	}

	log.Info("Neo4j client initialized", "uri", uri, "database", database, "read_only", access == neo4j.AccessModeRead)

	return &client{
		log:      log,
		driver:   driver,
		database: database,
		access:   access,
	}, nil
}

func (c *client) Session(ctx context.Context) (Session, error) {
	sess := c.driver.NewSession(ctx, neo4j.SessionConfig{
		DatabaseName: c.database,
		AccessMode:   c.access,
	})
	return &session{sess: sess}, nil
}

func (c *client) Close(ctx context.Context) error {
	return c.driver.Close(ctx)
}

func (s *session) Run(ctx context.Context, cypher string, params map[string]any) (Result, error) {
	return s.sess.Run(ctx, cypher, params)
}

func (s *session) ExecuteRead(ctx context.Context, work func(tx Transaction) (any, error)) (any, error) {
	return s.sess.ExecuteRead(ctx, neo4j.ManagedTransactionWork(work))
}

func (s *session) ExecuteWrite(ctx context.Context, work func(tx Transaction) (any, error)) (any, error) {
	return s.sess.ExecuteWrite(ctx, neo4j.ManagedTransactionWork(work))
}

func (s *session) Close(ctx context.Context) error {
	return s.sess.Close(ctx)
}
