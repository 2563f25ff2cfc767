package graph

import (
	"context"
	"fmt"
	"log/slog"
)

// schemaStatements are idempotent; InitializeSchema can run on every start.
var schemaStatements = []string{
	"CREATE CONSTRAINT account_address IF NOT EXISTS FOR (a:Account) REQUIRE a.address IS UNIQUE",
	"CREATE CONSTRAINT epoch_id IF NOT EXISTS FOR (e:Epoch) REQUIRE e.id IS UNIQUE",
	"CREATE INDEX paid_epoch IF NOT EXISTS FOR ()-[r:PAID]-() ON (r.epoch_id)",
}

// InitializeSchema creates the constraints and indexes the flow graph
// relies on.
func InitializeSchema(ctx context.Context, log *slog.Logger, client Client) error {
	session, err := client.Session(ctx)
	if err != nil {
		return fmt.Errorf("failed to open Neo4j session: %w", err)
	}
	defer session.Close(ctx)

	for _, stmt := range schemaStatements {
		res, err := session.Run(ctx, stmt, nil)
		if err != nil {
			return fmt.Errorf("failed to run schema statement: %w", err)
		}
		if _, err := res.Consume(ctx); err != nil {
			return fmt.Errorf("failed to apply schema statement: %w", err)
		}
	}

	log.Info("Neo4j schema initialized", "statements", len(schemaStatements))
	return nil
}
