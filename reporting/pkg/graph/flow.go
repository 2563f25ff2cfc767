package graph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/malbeclabs/clearing/reporting/pkg/facts"
)

type FlowStoreConfig struct {
	Logger *slog.Logger
	Client Client
}

func (cfg *FlowStoreConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Client == nil {
		return errors.New("neo4j client is required")
	}
	return nil
}

// FlowStore reads and writes the payment-flow graph. Edges carry absolute
// per-epoch totals, so merging the same aggregate twice is a no-op.
type FlowStore struct {
	log *slog.Logger
	cfg FlowStoreConfig
}

func NewFlowStore(cfg FlowStoreConfig) (*FlowStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &FlowStore{
		log: cfg.Logger,
		cfg: cfg,
	}, nil
}

// mergeChunkSize bounds the UNWIND parameter list per write transaction.
const mergeChunkSize = 1_000

// MergePayments upserts payer to merchant PAID edges keyed by epoch.
func (s *FlowStore) MergePayments(ctx context.Context, edges []facts.PaymentEdge) error {
	if len(edges) == 0 {
		return nil
	}

	session, err := s.cfg.Client.Session(ctx)
	if err != nil {
		return fmt.Errorf("failed to open Neo4j session: %w", err)
	}
	defer session.Close(ctx)

	for start := 0; start < len(edges); start += mergeChunkSize {
		end := min(start+mergeChunkSize, len(edges))
		chunk := edges[start:end]

		rows := make([]map[string]any, len(chunk))
		for i, e := range chunk {
			rows[i] = map[string]any{
				"payer":         e.Payer,
				"merchant":      e.Merchant,
				"epoch_id":      int64(e.EpochID),
				"amount":        int64(e.Amount),
				"payment_count": int64(e.PaymentCount),
			}
		}

		_, err := session.ExecuteWrite(ctx, func(tx Transaction) (any, error) {
			res, err := tx.Run(ctx, `
				UNWIND $rows AS row
				MERGE (payer:Account {address: row.payer})
				MERGE (merchant:Account {address: row.merchant})
				MERGE (payer)-[r:PAID {epoch_id: row.epoch_id}]->(merchant)
				SET r.amount = row.amount, r.payment_count = row.payment_count
			`, map[string]any{"rows": rows})
			if err != nil {
				return nil, err
			}
			return res.Consume(ctx)
		})
		if err != nil {
			return fmt.Errorf("failed to merge payment edges: %w", err)
		}
	}

	s.log.Debug("graph: merged payment edges", "count", len(edges))
	return nil
}

// AccountVolume is an aggregate over a node's PAID edges.
type AccountVolume struct {
	Address  string
	Volume   uint64
	Payments uint64
}

// TopMerchants returns merchants ordered by received volume across all
// epochs.
func (s *FlowStore) TopMerchants(ctx context.Context, limit int) ([]AccountVolume, error) {
	session, err := s.cfg.Client.Session(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open Neo4j session: %w", err)
	}
	defer session.Close(ctx)

	result, err := session.ExecuteRead(ctx, func(tx Transaction) (any, error) {
		res, err := tx.Run(ctx, `
			MATCH (:Account)-[r:PAID]->(m:Account)
			RETURN m.address AS address, sum(r.amount) AS volume, sum(r.payment_count) AS payments
			ORDER BY volume DESC
			LIMIT $limit
		`, map[string]any{"limit": limit})
		if err != nil {
			return nil, err
		}
		return collectVolumes(ctx, res)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query top merchants: %w", err)
	}
	return result.([]AccountVolume), nil
}

// Counterparties returns the merchants an account has paid, ordered by
// volume.
func (s *FlowStore) Counterparties(ctx context.Context, payer string) ([]AccountVolume, error) {
	session, err := s.cfg.Client.Session(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open Neo4j session: %w", err)
	}
	defer session.Close(ctx)

	result, err := session.ExecuteRead(ctx, func(tx Transaction) (any, error) {
		res, err := tx.Run(ctx, `
			MATCH (p:Account {address: $payer})-[r:PAID]->(m:Account)
			RETURN m.address AS address, sum(r.amount) AS volume, sum(r.payment_count) AS payments
			ORDER BY volume DESC
		`, map[string]any{"payer": payer})
		if err != nil {
			return nil, err
		}
		return collectVolumes(ctx, res)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query counterparties: %w", err)
	}
	return result.([]AccountVolume), nil
}

// EdgeCount returns the number of PAID relationships in the graph.
func (s *FlowStore) EdgeCount(ctx context.Context) (uint64, error) {
	session, err := s.cfg.Client.Session(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to open Neo4j session: %w", err)
	}
	defer session.Close(ctx)

	result, err := session.ExecuteRead(ctx, func(tx Transaction) (any, error) {
		res, err := tx.Run(ctx, "MATCH ()-[r:PAID]->() RETURN count(r) AS edges", nil)
		if err != nil {
			return nil, err
		}
		record, err := res.Single(ctx)
		if err != nil {
			return nil, err
		}
		edges, _ := record.Get("edges")
		return edges.(int64), nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count edges: %w", err)
	}
	return uint64(result.(int64)), nil
}

func collectVolumes(ctx context.Context, res Result) ([]AccountVolume, error) {
	records, err := res.Collect(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]AccountVolume, 0, len(records))
	for _, record := range records {
		address, _ := record.Get("address")
		volume, _ := record.Get("volume")
		payments, _ := record.Get("payments")
		out = append(out, AccountVolume{
			Address:  address.(string),
			Volume:   uint64(volume.(int64)),
			Payments: uint64(payments.(int64)),
		})
	}
	return out, nil
}
