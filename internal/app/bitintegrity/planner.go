// Package bitintegrity plans and expands the bit-integrity audit workload:
// one morsel per tenant space, expanded into one task per content item.
package bitintegrity

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/audit-mill/internal/domain/producer"
	"github.com/ahrav/audit-mill/pkg/common/logger"
)

// MorselKind tags bit-integrity morsels.
const MorselKind producer.MorselKind = "bit-integrity"

// SpaceMorsel is the resumable unit of bit-integrity work: one space of one
// tenant subdomain.
type SpaceMorsel struct {
	Account   string `json:"account"`
	Subdomain string `json:"subdomain"`
	SpaceID   string `json:"space_id"`
}

func (SpaceMorsel) MorselKind() producer.MorselKind { return MorselKind }

// ContentLister reads the storage content index.
type ContentLister interface {
	ListSpaces(ctx context.Context, account, subdomain string) ([]string, error)
	// ListContent returns up to limit content ids in the space ordered by id,
	// starting after the given id.
	ListContent(ctx context.Context, account, subdomain, spaceID, after string, limit int) ([]string, error)
}

var _ producer.WorkPlanner = (*Planner)(nil)

// Planner implements producer.WorkPlanner for bit-integrity audits.
type Planner struct {
	lister   ContentLister
	filter   *PathFilter
	pageSize int
	now      func() time.Time

	tracer trace.Tracer
	logger *logger.Logger
}

// NewPlanner creates a Planner. A nil filter audits every space.
func NewPlanner(lister ContentLister, filter *PathFilter, pageSize int, tracer trace.Tracer, logger *logger.Logger) *Planner {
	if pageSize <= 0 {
		pageSize = 1000
	}
	return &Planner{
		lister:   lister,
		filter:   filter,
		pageSize: pageSize,
		now:      time.Now,
		tracer:   tracer,
		logger:   logger.With("component", "bit_integrity_planner"),
	}
}

// Plan emits one morsel per space of every subdomain that passes the filter.
func (p *Planner) Plan(ctx context.Context, account string, subdomains []string) ([]producer.Morsel, error) {
	ctx, span := p.tracer.Start(ctx, "bit_integrity_planner.plan",
		trace.WithAttributes(attribute.String("account", account)))
	defer span.End()

	var morsels []producer.Morsel
	for _, sd := range subdomains {
		spaces, err := p.lister.ListSpaces(ctx, account, sd)
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("listing spaces for %s/%s: %w", account, sd, err)
		}

		for _, space := range spaces {
			if !p.filter.Allowed(SpacePath(account, sd, space)) {
				p.logger.Debug(ctx, "space filtered out", "account", account, "subdomain", sd, "space_id", space)
				continue
			}
			m, err := producer.Wrap(SpaceMorsel{Account: account, Subdomain: sd, SpaceID: space})
			if err != nil {
				return nil, err
			}
			morsels = append(morsels, m)
		}
	}

	span.SetAttributes(attribute.Int("morsels", len(morsels)))
	return morsels, nil
}

// Expand pages through the space's content and emits one task per item.
func (p *Planner) Expand(ctx context.Context, m producer.Morsel) ([]producer.Task, error) {
	sm, err := producer.Unwrap[SpaceMorsel](m)
	if err != nil {
		return nil, err
	}

	ctx, span := p.tracer.Start(ctx, "bit_integrity_planner.expand",
		trace.WithAttributes(
			attribute.String("account", sm.Account),
			attribute.String("subdomain", sm.Subdomain),
			attribute.String("space_id", sm.SpaceID),
		))
	defer span.End()

	var (
		tasks []producer.Task
		after string
		now   = p.now()
	)
	for {
		page, err := p.lister.ListContent(ctx, sm.Account, sm.Subdomain, sm.SpaceID, after, p.pageSize)
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("listing content of %s: %w", SpacePath(sm.Account, sm.Subdomain, sm.SpaceID), err)
		}
		for _, id := range page {
			tasks = append(tasks, producer.NewTask(producer.TaskTypeBitIntegrity,
				sm.Account, sm.Subdomain, sm.SpaceID, id, now))
		}
		if len(page) < p.pageSize {
			break
		}
		after = page[len(page)-1]
	}

	span.SetAttributes(attribute.Int("tasks", len(tasks)))
	return tasks, nil
}
