package postgres

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/audit-mill/internal/app/bitintegrity"
	"github.com/ahrav/audit-mill/internal/infra/storage"
)

var _ bitintegrity.ContentLister = (*ContentIndex)(nil)

const (
	listSpacesSQL = `
SELECT DISTINCT space_id FROM content_index
WHERE account = $1 AND subdomain = $2
ORDER BY space_id`
	listContentSQL = `
SELECT content_id FROM content_index
WHERE account = $1 AND subdomain = $2 AND space_id = $3 AND content_id > $4
ORDER BY content_id
LIMIT $5`
)

// ContentIndex lists spaces and content items from the content_index table.
type ContentIndex struct {
	pool   *pgxpool.Pool
	tracer trace.Tracer
}

// NewContentIndex creates a ContentIndex over pool.
func NewContentIndex(pool *pgxpool.Pool, tracer trace.Tracer) *ContentIndex {
	return &ContentIndex{pool: pool, tracer: tracer}
}

func (c *ContentIndex) ListSpaces(ctx context.Context, account, subdomain string) ([]string, error) {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("account", account),
		attribute.String("subdomain", subdomain),
	)
	var spaces []string
	err := storage.ExecuteAndTrace(ctx, c.tracer, "postgres.list_spaces", dbAttrs, func(ctx context.Context) error {
		var err error
		spaces, err = queryStrings(ctx, c.pool, listSpacesSQL, account, subdomain)
		return err
	})
	return spaces, err
}

func (c *ContentIndex) ListContent(
	ctx context.Context,
	account, subdomain, spaceID, after string,
	limit int,
) ([]string, error) {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("account", account),
		attribute.String("subdomain", subdomain),
		attribute.String("space_id", spaceID),
		attribute.Int("limit", limit),
	)
	var ids []string
	err := storage.ExecuteAndTrace(ctx, c.tracer, "postgres.list_content", dbAttrs, func(ctx context.Context) error {
		var err error
		ids, err = queryStrings(ctx, c.pool, listContentSQL, account, subdomain, spaceID, after, limit)
		return err
	})
	return ids, err
}
