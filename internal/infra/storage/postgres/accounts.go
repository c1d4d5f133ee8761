package postgres

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/audit-mill/internal/domain/tenant"
	"github.com/ahrav/audit-mill/internal/infra/storage"
)

var (
	_ tenant.AccountSource = (*AccountStore)(nil)
	_ tenant.Refresher     = (*AccountStore)(nil)
)

const (
	listAccountsSQL   = `SELECT account FROM accounts WHERE enabled ORDER BY account`
	listSubdomainsSQL = `SELECT subdomain FROM account_subdomains WHERE account = $1 ORDER BY subdomain`
)

// AccountStore reads tenant policy from the accounts tables. Results are
// cached until Refresh is called so a reconciliation tick sees one
// consistent snapshot.
type AccountStore struct {
	pool   *pgxpool.Pool
	tracer trace.Tracer

	mu         sync.Mutex
	accounts   []string
	subdomains map[string][]string
}

// NewAccountStore creates an AccountStore over pool.
func NewAccountStore(pool *pgxpool.Pool, tracer trace.Tracer) *AccountStore {
	return &AccountStore{pool: pool, tracer: tracer, subdomains: make(map[string][]string)}
}

// CurrentAccounts returns the enabled accounts ordered by name.
func (s *AccountStore) CurrentAccounts(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	cached := s.accounts
	s.mu.Unlock()
	if cached != nil {
		return append([]string(nil), cached...), nil
	}

	var accounts []string
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.list_accounts", defaultDBAttributes,
		func(ctx context.Context) error {
			var err error
			accounts, err = queryStrings(ctx, s.pool, listAccountsSQL)
			return err
		})
	if err != nil {
		return nil, &tenant.PolicyUnavailableError{Op: "list accounts", Err: err}
	}

	s.mu.Lock()
	s.accounts = accounts
	s.mu.Unlock()
	return append([]string(nil), accounts...), nil
}

// SubdomainsFor returns the subdomains configured for account.
func (s *AccountStore) SubdomainsFor(ctx context.Context, account string) ([]string, error) {
	s.mu.Lock()
	cached, ok := s.subdomains[account]
	s.mu.Unlock()
	if ok {
		return append([]string(nil), cached...), nil
	}

	dbAttrs := append(defaultDBAttributes, attribute.String("account", account))
	var subdomains []string
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.list_subdomains", dbAttrs,
		func(ctx context.Context) error {
			var err error
			subdomains, err = queryStrings(ctx, s.pool, listSubdomainsSQL, account)
			return err
		})
	if err != nil {
		return nil, &tenant.PolicyUnavailableError{Op: "list subdomains", Err: err}
	}

	s.mu.Lock()
	s.subdomains[account] = subdomains
	s.mu.Unlock()
	return append([]string(nil), subdomains...), nil
}

// Refresh drops the cached policy so the next read hits the database.
func (s *AccountStore) Refresh(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts = nil
	s.subdomains = make(map[string][]string)
	return nil
}

func queryStrings(ctx context.Context, pool *pgxpool.Pool, sql string, args ...any) ([]string, error) {
	rows, err := pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	out, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scanning rows: %w", err)
	}
	if out == nil {
		out = []string{}
	}
	return out, nil
}
