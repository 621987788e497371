package campaign

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"EnrollDispatch/internal/dispatcherr"
	"EnrollDispatch/internal/models"
)

const day = 24 * time.Hour

// Enqueuer is the part of the job store the planner writes to.
type Enqueuer interface {
	Enqueue(ctx context.Context, kind models.JobKind, payload json.RawMessage, scheduledFor time.Time, campaignRef string) (*models.Job, error)
}

// Planner turns a trigger event into scheduled jobs, one per matching
// campaign definition.
type Planner struct {
	catalog Catalog
	store   Enqueuer
	log     *zap.Logger
}

func NewPlanner(catalog Catalog, store Enqueuer, logger *zap.Logger) *Planner {
	return &Planner{
		catalog: catalog,
		store:   store,
		log:     logger.With(zap.String("component", "planner")),
	}
}

// ScheduledFor is the due time of the definition's job for an event at t.
func ScheduledFor(t time.Time, d models.CampaignDefinition) time.Time {
	return t.Add(time.Duration(d.DelayDays) * day)
}

func (p *Planner) Plan(ctx context.Context, ev models.TriggerEvent) ([]models.Job, error) {
	if !ev.CampaignKind.Valid() {
		return nil, fmt.Errorf("%w: unknown campaign kind %q", dispatcherr.ErrValidation, ev.CampaignKind)
	}
	if ev.OccurredAt.IsZero() {
		return nil, fmt.Errorf("%w: event time is missing", dispatcherr.ErrValidation)
	}
	if len(ev.Payload) == 0 {
		return nil, fmt.Errorf("%w: event payload is empty", dispatcherr.ErrValidation)
	}

	defs := p.catalog.Match(ev.CampaignKind, ev.SourceTag)
	if len(defs) == 0 {
		p.log.Info("no campaign matches event",
			zap.String("kind", string(ev.CampaignKind)),
			zap.String("source", ev.SourceTag),
		)
		return []models.Job{}, nil
	}

	jobs := make([]models.Job, 0, len(defs))
	for _, d := range defs {
		job, err := p.store.Enqueue(ctx, d.Kind, ev.Payload, ScheduledFor(ev.OccurredAt, d), d.Ref)
		if err != nil {
			return jobs, fmt.Errorf("enqueue %s: %w", d.Ref, err)
		}
		jobs = append(jobs, *job)
	}

	p.log.Info("event planned",
		zap.String("kind", string(ev.CampaignKind)),
		zap.String("source", ev.SourceTag),
		zap.Int("jobs", len(jobs)),
	)
	return jobs, nil
}
