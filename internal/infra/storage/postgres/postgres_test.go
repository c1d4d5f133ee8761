package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/audit-mill/internal/domain/producer"
	"github.com/ahrav/audit-mill/internal/domain/tenant"
	"github.com/ahrav/audit-mill/internal/infra/storage"
)

type spaceRef struct {
	Account string `json:"account"`
	Space   string `json:"space"`
}

func (spaceRef) MorselKind() producer.MorselKind { return "pg-test" }

func TestAccountStore_ListsAndCaches(t *testing.T) {
	t.Parallel()

	pool, cleanup := storage.SetupTestContainer(t)
	defer cleanup()
	ctx := context.Background()

	_, err := pool.Exec(ctx, `INSERT INTO accounts (account, enabled) VALUES ('b', TRUE), ('a', TRUE), ('off', FALSE)`)
	require.NoError(t, err)
	_, err = pool.Exec(ctx, `INSERT INTO account_subdomains (account, subdomain) VALUES ('a', 'y'), ('a', 'x'), ('b', 'x')`)
	require.NoError(t, err)

	store := NewAccountStore(pool, storage.NoOpTracer())

	accounts, err := store.CurrentAccounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, accounts)

	subs, err := store.SubdomainsFor(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []string{"x", "y"}, subs)

	_, err = pool.Exec(ctx, `UPDATE accounts SET enabled = FALSE WHERE account = 'b'`)
	require.NoError(t, err)

	accounts, err = store.CurrentAccounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, accounts, "cached until refresh")

	require.NoError(t, store.Refresh(ctx))
	accounts, err = store.CurrentAccounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, accounts)

	subs, err = store.SubdomainsFor(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, subs)
}

func TestAccountStore_UnavailableIsPolicyError(t *testing.T) {
	t.Parallel()

	pool, cleanup := storage.SetupTestContainer(t)
	store := NewAccountStore(pool, storage.NoOpTracer())
	cleanup()

	_, err := store.CurrentAccounts(context.Background())
	var perr *tenant.PolicyUnavailableError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "list accounts", perr.Op)
}

func TestRunStateStore_RoundTrip(t *testing.T) {
	t.Parallel()

	pool, cleanup := storage.SetupTestContainer(t)
	defer cleanup()
	ctx := context.Background()

	store := NewRunStateStore(pool, "bit-producer", storage.NoOpTracer())

	empty, err := store.Load(ctx)
	require.NoError(t, err)
	assert.False(t, empty.HasRun())
	assert.False(t, empty.HasPending())

	m1, err := producer.Wrap(spaceRef{Account: "a", Space: "s1"})
	require.NoError(t, err)
	m2, err := producer.Wrap(spaceRef{Account: "a", Space: "s2"})
	require.NoError(t, err)

	state := producer.NewRunState()
	state.StartPass(uuid.New(), time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), []producer.Morsel{m1, m2})
	require.NoError(t, store.Save(ctx, state))

	loaded, err := store.Load(ctx)
	require.NoError(t, err)
	assert.True(t, state.Equal(loaded))

	state.Complete(3)
	require.NoError(t, store.Save(ctx, state))
	loaded, err = store.Load(ctx)
	require.NoError(t, err)
	assert.True(t, state.Equal(loaded))
	assert.Len(t, loaded.Pending(), 1)
}

func TestRunStateStore_CorruptRow(t *testing.T) {
	t.Parallel()

	pool, cleanup := storage.SetupTestContainer(t)
	defer cleanup()
	ctx := context.Background()

	_, err := pool.Exec(ctx, `INSERT INTO producer_run_state (name, state) VALUES ('p', '{"pending": 42}')`)
	require.NoError(t, err)

	_, err = NewRunStateStore(pool, "p", storage.NoOpTracer()).Load(ctx)
	var corrupt *producer.StateCorruptError
	assert.True(t, errors.As(err, &corrupt))
}

func TestContentIndex_Paging(t *testing.T) {
	t.Parallel()

	pool, cleanup := storage.SetupTestContainer(t)
	defer cleanup()
	ctx := context.Background()

	_, err := pool.Exec(ctx, `
INSERT INTO content_index (account, subdomain, space_id, content_id) VALUES
	('a', 'x', 'photos', 'c3'), ('a', 'x', 'photos', 'c1'), ('a', 'x', 'photos', 'c2'),
	('a', 'x', 'docs', 'd1'), ('a', 'y', 'other', 'o1')`)
	require.NoError(t, err)

	idx := NewContentIndex(pool, storage.NoOpTracer())

	spaces, err := idx.ListSpaces(ctx, "a", "x")
	require.NoError(t, err)
	assert.Equal(t, []string{"docs", "photos"}, spaces)

	page, err := idx.ListContent(ctx, "a", "x", "photos", "", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"c1", "c2"}, page)

	page, err = idx.ListContent(ctx, "a", "x", "photos", "c2", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"c3"}, page)
}
