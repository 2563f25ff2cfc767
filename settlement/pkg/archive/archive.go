// Package archive publishes finalized reward distributions to S3. The
// published document carries every entry with its proof, so claim front
// ends can construct claims without talking to the settlement database.
package archive

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gagliardetto/solana-go"
	"github.com/getsentry/sentry-go"

	"github.com/malbeclabs/clearing/settlement/pkg/merkle"
)

// Document is the published form of one (epoch, token) distribution.
type Document struct {
	Epoch        uint64  `json:"epoch"`
	Token        string  `json:"token"`
	Root         string  `json:"root"`
	TotalRewards uint64  `json:"totalRewards"`
	Entries      []Entry `json:"entries"`
}

type Entry struct {
	Address string   `json:"address"`
	Amount  uint64   `json:"amount"`
	Proof   []string `json:"proof"`
}

type StoreConfig struct {
	Logger *slog.Logger
	Bucket string
	Region string

	// Endpoint overrides the S3 endpoint, for MinIO or LocalStack.
	Endpoint string

	// Prefix is prepended to every object key.
	Prefix string
}

func (cfg *StoreConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Bucket == "" {
		return errors.New("bucket is required")
	}
	return nil
}

type Store struct {
	log    *slog.Logger
	cfg    StoreConfig
	client *s3.Client
}

func NewStore(ctx context.Context, cfg StoreConfig) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true // Required for MinIO/LocalStack
		}
	})

	return &Store{
		log:    cfg.Logger,
		cfg:    cfg,
		client: client,
	}, nil
}

// BuildDocument renders a commitment into its published form, proofs
// included.
func BuildDocument(epochID uint64, token solana.PublicKey, c *merkle.Commitment) (*Document, error) {
	root := c.Root()
	doc := &Document{
		Epoch:        epochID,
		Token:        token.String(),
		Root:         hex.EncodeToString(root[:]),
		TotalRewards: c.Total(),
		Entries:      make([]Entry, 0, c.EntryCount()),
	}
	for _, entry := range c.Entries() {
		proof, err := c.ProofFor(entry.Address)
		if err != nil {
			return nil, fmt.Errorf("failed to build proof for %s: %w", entry.Address, err)
		}
		hexProof := make([]string, len(proof))
		for i, h := range proof {
			hexProof[i] = hex.EncodeToString(h[:])
		}
		doc.Entries = append(doc.Entries, Entry{
			Address: entry.Address.String(),
			Amount:  entry.Amount,
			Proof:   hexProof,
		})
	}
	return doc, nil
}

// Key returns the object key a document is published under.
func (s *Store) Key(epochID uint64, token solana.PublicKey) string {
	return fmt.Sprintf("%sdistributions/%d/%s.json", s.cfg.Prefix, epochID, token)
}

// Publish uploads the document and returns its object key.
func (s *Store) Publish(ctx context.Context, doc *Document) (string, error) {
	span := sentry.StartSpan(ctx, "archive.publish", sentry.WithDescription(fmt.Sprintf("epoch %d", doc.Epoch)))
	span.SetData("epoch", doc.Epoch)
	span.SetData("entries", len(doc.Entries))
	ctx = span.Context()
	defer span.Finish()

	token, err := solana.PublicKeyFromBase58(doc.Token)
	if err != nil {
		return "", fmt.Errorf("invalid document token: %w", err)
	}

	body, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("failed to encode document: %w", err)
	}

	key := s.Key(doc.Epoch, token)
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload distribution: %w", err)
	}

	s.log.Info("archive: published distribution", "epoch", doc.Epoch, "token", doc.Token, "key", key, "entries", len(doc.Entries))
	return key, nil
}

// Fetch downloads and decodes a published distribution.
func (s *Store) Fetch(ctx context.Context, epochID uint64, token solana.PublicKey) (*Document, error) {
	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(s.Key(epochID, token)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to download distribution: %w", err)
	}
	defer func() { _ = result.Body.Close() }()

	body, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read distribution: %w", err)
	}

	var doc Document
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode distribution: %w", err)
	}
	return &doc, nil
}
