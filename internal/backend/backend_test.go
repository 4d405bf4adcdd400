package backend

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gbear605/manifold/internal/docapi"
	"github.com/gbear605/manifold/internal/model"
	"github.com/gbear605/manifold/internal/storage/sqlite"
)

type stubDocs struct {
	contracts []*model.Contract
	err       error
	calls     int
}

func (d *stubDocs) MarketsByIDs(ctx context.Context, ids []string) ([]*model.Contract, error) {
	d.calls++
	return d.contracts, d.err
}

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.OpenAndMigrate(context.Background(), filepath.Join(t.TempDir(), "b.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestMarketsWithoutDocumentAPIReadStore(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	require.NoError(t, store.PutContract(ctx, &model.Contract{ID: "c1"}))

	b := New(store, nil, zerolog.Nop())
	got, err := b.MarketsByIDs(ctx, []string{"c1"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "c1", got[0].ID)
}

func TestMarketsWriteThroughAndCircuitFallback(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	docs := &stubDocs{contracts: []*model.Contract{{ID: "c1", Question: "Q?"}, nil}}
	b := New(store, docs, zerolog.Nop())

	got, err := b.MarketsByIDs(ctx, []string{"c1", "c2"})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	docs.err = fmt.Errorf("call: %w", docapi.ErrCircuitOpen)
	got, err = b.MarketsByIDs(ctx, []string{"c1", "c2"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Q?", got[0].Question)

	errDown := errors.New("bad gateway")
	docs.err = errDown
	_, err = b.MarketsByIDs(ctx, []string{"c1"})
	assert.ErrorIs(t, err, errDown)
	assert.Equal(t, 3, docs.calls)
}

func TestRelationalQueriesGoToStore(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	require.NoError(t, store.PutUser(ctx, model.DisplayUser{ID: "u1", Name: "Alice"}))
	require.NoError(t, store.PutContractMetric(ctx, "u1", "c1", true, 1))
	require.NoError(t, store.PutReaction(ctx, model.Reaction{ReactionID: "r1", ContentID: "c1", ContentType: model.ReactionOnContract, UserID: "u1"}))

	b := New(store, &stubDocs{}, zerolog.Nop())

	users, err := b.DisplayUsers(ctx, []string{"u1"})
	require.NoError(t, err)
	require.Len(t, users, 1)

	ids, err := b.ContractIDsWithMetrics(ctx, "u1", []string{"c1", "c2"})
	require.NoError(t, err)
	assert.Equal(t, []string{"c1"}, ids)

	reactions, err := b.Reactions(ctx, model.ReactionOnContract, []string{"c1"})
	require.NoError(t, err)
	assert.Len(t, reactions, 1)
}
