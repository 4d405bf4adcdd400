// Package backend combines the document API and the relational store into
// the single batch fetch surface the coordinator drives.
package backend

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/gbear605/manifold/internal/batcher"
	"github.com/gbear605/manifold/internal/docapi"
	"github.com/gbear605/manifold/internal/model"
)

// Documents serves contract documents
type Documents interface {
	MarketsByIDs(ctx context.Context, ids []string) ([]*model.Contract, error)
}

// Relational serves reactions, metrics and users, and keeps a copy of
// contract documents
type Relational interface {
	batcher.Backend
	PutContract(ctx context.Context, c *model.Contract) error
}

// Backend routes markets to the document API when one is configured and
// everything else to the relational store. Documents fetched from the API
// are written through to the store, which answers for them while the API
// circuit is open.
type Backend struct {
	docs   Documents
	store  Relational
	logger zerolog.Logger
}

// New creates a backend. docs may be nil, in which case markets are read
// from the store.
func New(store Relational, docs Documents, logger zerolog.Logger) *Backend {
	return &Backend{
		docs:   docs,
		store:  store,
		logger: logger.With().Str("component", "backend").Logger(),
	}
}

// MarketsByIDs implements batcher.Backend
func (b *Backend) MarketsByIDs(ctx context.Context, ids []string) ([]*model.Contract, error) {
	if b.docs == nil {
		return b.store.MarketsByIDs(ctx, ids)
	}

	contracts, err := b.docs.MarketsByIDs(ctx, ids)
	if errors.Is(err, docapi.ErrCircuitOpen) {
		b.logger.Warn().Int("ids", len(ids)).Msg("document api circuit open, serving stored contracts")
		return b.store.MarketsByIDs(ctx, ids)
	}
	if err != nil {
		return nil, err
	}

	for _, c := range contracts {
		if c == nil {
			continue
		}
		if err := b.store.PutContract(ctx, c); err != nil {
			b.logger.Warn().Err(err).Str("contractID", c.ID).Msg("failed to store contract")
		}
	}
	return contracts, nil
}

// Reactions implements batcher.Backend
func (b *Backend) Reactions(ctx context.Context, contentType model.ReactionContentType, contentIDs []string) ([]model.Reaction, error) {
	return b.store.Reactions(ctx, contentType, contentIDs)
}

// ContractIDsWithMetrics implements batcher.Backend
func (b *Backend) ContractIDsWithMetrics(ctx context.Context, userID string, contractIDs []string) ([]string, error) {
	return b.store.ContractIDsWithMetrics(ctx, userID, contractIDs)
}

// DisplayUsers implements batcher.Backend
func (b *Backend) DisplayUsers(ctx context.Context, ids []string) ([]*model.DisplayUser, error) {
	return b.store.DisplayUsers(ctx, ids)
}

var _ batcher.Backend = (*Backend)(nil)
