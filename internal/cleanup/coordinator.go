// Package cleanup runs the user deletion saga: local anonymization, then one
// anonymize call per sibling service, with the aggregated outcome kept as an
// audit record. Remote failures are never compensated.
package cleanup

import (
	"context"
	"log/slog"

	"github.com/VictoriaMetrics/metrics"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"payment-sync-service/internal/clock"
	"payment-sync-service/internal/model"
	"payment-sync-service/internal/store"
)

var (
	outcomeSuccessCounter = metrics.GetOrCreateCounter(`cleanup_outcome_total{result="success"}`)
	outcomePartialCounter = metrics.GetOrCreateCounter(`cleanup_outcome_total{result="partial_failure"}`)
	outcomeFailedCounter  = metrics.GetOrCreateCounter(`cleanup_outcome_total{result="failed"}`)
	auditErrorCounter     = metrics.GetOrCreateCounter(`cleanup_audit_total{result="save_failed"}`)
)

// LocalService names this service's own step in an audit.
const LocalService = "payment-sync-service"

type Anonymizer interface {
	Name() string
	AnonymizeUser(ctx context.Context, userID uuid.UUID) error
}

type Coordinator struct {
	services []Anonymizer
	audits   store.CleanupAudits
	clock    clock.Clock
	logger   *slog.Logger
}

func NewCoordinator(audits store.CleanupAudits, clk clock.Clock, logger *slog.Logger, services ...Anonymizer) *Coordinator {
	return &Coordinator{services: services, audits: audits, clock: clk, logger: logger}
}

// Cleanup calls every sibling concurrently and records the aggregated
// outcome. The audit is returned even when persisting it fails.
func (c *Coordinator) Cleanup(ctx context.Context, userID uuid.UUID) (*model.CleanupAudit, error) {
	results := make([]model.ServiceCleanupResult, len(c.services))

	var g errgroup.Group
	for i, service := range c.services {
		g.Go(func() error {
			result := model.ServiceCleanupResult{Service: service.Name(), Success: true}
			if err := service.AnonymizeUser(ctx, userID); err != nil {
				msg := err.Error()
				result.Success = false
				result.Error = &msg
			}
			// each goroutine owns its slot
			results[i] = result
			return nil
		})
	}
	_ = g.Wait()

	return c.record(ctx, userID, results)
}

// RecordLocalFailure keeps a FAILED audit for a saga stopped by the local
// anonymization, so the request stays visible after its message is consumed.
// No sibling is called.
func (c *Coordinator) RecordLocalFailure(ctx context.Context, userID uuid.UUID, cause error) (*model.CleanupAudit, error) {
	msg := cause.Error()
	return c.record(ctx, userID, []model.ServiceCleanupResult{{Service: LocalService, Success: false, Error: &msg}})
}

func (c *Coordinator) record(ctx context.Context, userID uuid.UUID, results []model.ServiceCleanupResult) (*model.CleanupAudit, error) {
	audit := &model.CleanupAudit{
		ID:          uuid.New(),
		UserID:      userID,
		Outcome:     Aggregate(results),
		Services:    results,
		CompletedAt: c.clock.Now(),
	}
	c.log(ctx, audit)

	if err := c.audits.SaveCleanupAudit(ctx, audit); err != nil {
		c.logger.ErrorContext(ctx, "Error saving cleanup audit, outcome only in logs",
			"outcome", audit.Outcome, "services", audit.Services, "error", err)
		auditErrorCounter.Inc()
		return audit, errors.Wrap(err, "saving cleanup audit")
	}

	return audit, nil
}

// Aggregate folds per-service results: all succeeded is SUCCESS, none
// succeeded is FAILED, anything in between is PARTIAL_FAILURE.
func Aggregate(results []model.ServiceCleanupResult) model.CleanupOutcome {
	failed := 0
	for _, r := range results {
		if !r.Success {
			failed++
		}
	}

	switch {
	case failed == 0:
		return model.CleanupSuccess
	case failed == len(results):
		return model.CleanupFailed
	default:
		return model.CleanupPartialFailure
	}
}

func (c *Coordinator) log(ctx context.Context, audit *model.CleanupAudit) {
	switch audit.Outcome {
	case model.CleanupSuccess:
		c.logger.InfoContext(ctx, "User cleanup succeeded on all services")
		outcomeSuccessCounter.Inc()
	case model.CleanupPartialFailure:
		c.logger.WarnContext(ctx, "User cleanup partially failed, manual follow-up required", "services", audit.Services)
		outcomePartialCounter.Inc()
	case model.CleanupFailed:
		c.logger.ErrorContext(ctx, "User cleanup failed on all services, manual follow-up required", "services", audit.Services)
		outcomeFailedCounter.Inc()
	}
}
