// Package assocsync refreshes the local association directory from the
// provider's organization records.
package assocsync

import (
	"context"
	"iter"
	"log/slog"
	"slices"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/pkg/errors"

	"payment-sync-service/internal/batch"
	"payment-sync-service/internal/clock"
	"payment-sync-service/internal/config"
	"payment-sync-service/internal/logcontext"
	"payment-sync-service/internal/model"
	"payment-sync-service/internal/store"
)

const JobName = "association-sync"

var (
	fieldsChangedCounter = metrics.GetOrCreateCounter(`association_sync_items_total{result="fields_changed"}`)
	touchedCounter       = metrics.GetOrCreateCounter(`association_sync_items_total{result="touched"}`)
)

type OrganizationResolver interface {
	GetOrganization(ctx context.Context, slug string) (*model.OrganizationSnapshot, error)
}

type Publisher interface {
	AssociationSynced(ctx context.Context, a *model.Association)
}

type Syncer struct {
	associations store.Associations
	resolver     OrganizationResolver
	publisher    Publisher
	clock        clock.Clock
	threshold    time.Duration
	job          *batch.Job[*model.Association]
	logger       *slog.Logger
}

func NewSyncer(associations store.Associations, resolver OrganizationResolver, publisher Publisher, clk clock.Clock, cfg config.Job, logger *slog.Logger) *Syncer {
	s := &Syncer{
		associations: associations,
		resolver:     resolver,
		publisher:    publisher,
		clock:        clk,
		threshold:    time.Duration(cfg.StaleThresholdHours) * time.Hour,
		logger:       logger,
	}
	s.job = &batch.Job[*model.Association]{
		Name:      JobName,
		Read:      s.read,
		Process:   s.refresh,
		Write:     s.write,
		ChunkSize: cfg.ChunkSize,
		Policy:    batch.NewSkipPolicy(cfg.MaxSkips),
		Logger:    logger,
	}
	return s
}

func (s *Syncer) Name() string {
	return JobName
}

func (s *Syncer) Run(ctx context.Context) batch.Report {
	return s.job.Run(ctx)
}

func (s *Syncer) read(ctx context.Context) (iter.Seq[*model.Association], error) {
	cutoff := s.clock.Now().Add(-s.threshold)

	due, err := s.associations.FindAssociations(ctx, store.AssociationFilter{SyncedBefore: cutoff})
	if err != nil {
		return nil, errors.Wrap(err, "finding associations due for sync")
	}

	s.logger.InfoContext(ctx, "Found associations due for sync", "count", len(due), "cutoff", cutoff)
	return slices.Values(due), nil
}

// refresh copies the provider's directory fields onto the association. Every
// successfully fetched association is written so its sync time moves on.
func (s *Syncer) refresh(ctx context.Context, a *model.Association) (*model.Association, bool, error) {
	ctx = logcontext.AppendCtx(ctx, slog.String("slug", a.Slug))

	org, err := s.resolver.GetOrganization(ctx, a.Slug)
	if err != nil {
		return nil, false, errors.Wrapf(err, "association %s", a.Slug)
	}

	updated := *a
	updated.Name = org.Name
	updated.City = org.City
	updated.PostalCode = org.PostalCode
	updated.Category = org.Category

	now := s.clock.Now()
	updated.LastSyncedAt = &now
	updated.UpdatedAt = now

	if updated.Name != a.Name || updated.City != a.City || updated.PostalCode != a.PostalCode || updated.Category != a.Category {
		s.logger.InfoContext(ctx, "Association directory fields changed")
		fieldsChangedCounter.Inc()
	} else {
		touchedCounter.Inc()
	}

	return &updated, true, nil
}

func (s *Syncer) write(ctx context.Context, chunk []*model.Association) error {
	if err := s.associations.UpsertAssociations(ctx, chunk); err != nil {
		return errors.Wrapf(err, "writing %d associations", len(chunk))
	}

	for _, a := range chunk {
		s.publisher.AssociationSynced(ctx, a)
	}
	return nil
}
