// Package reconcile resolves payments whose outcome never arrived by webhook
// by asking the provider for the checkout state.
package reconcile

import (
	"context"
	"log/slog"

	"github.com/VictoriaMetrics/metrics"
	"github.com/pkg/errors"

	"payment-sync-service/internal/batch"
	"payment-sync-service/internal/config"
	"payment-sync-service/internal/logcontext"
	"payment-sync-service/internal/model"
	"payment-sync-service/internal/payment"
)

const JobName = "reconciliation"

var (
	amountMismatchCounter = metrics.GetOrCreateCounter(`reconciliation_amount_mismatch_total`)
	stillPendingCounter   = metrics.GetOrCreateCounter(`reconciliation_items_total{result="still_pending"}`)
	resolvedCounter       = metrics.GetOrCreateCounter(`reconciliation_items_total{result="resolved"}`)
)

type CheckoutResolver interface {
	GetCheckout(ctx context.Context, checkoutRef string) (*model.CheckoutSnapshot, error)
}

type Reconciler struct {
	scanner  *Scanner
	resolver CheckoutResolver
	machine  *payment.StateMachine
	job      *batch.Job[*model.Payment]
	logger   *slog.Logger
}

func NewReconciler(scanner *Scanner, resolver CheckoutResolver, machine *payment.StateMachine, writer *payment.Writer, cfg config.Job, logger *slog.Logger) *Reconciler {
	r := &Reconciler{scanner: scanner, resolver: resolver, machine: machine, logger: logger}
	r.job = &batch.Job[*model.Payment]{
		Name:      JobName,
		Read:      scanner.Scan,
		Process:   r.resolve,
		Write:     writer.Write,
		ChunkSize: cfg.ChunkSize,
		Policy:    batch.NewSkipPolicy(cfg.MaxSkips),
		Logger:    logger,
	}
	return r
}

func (r *Reconciler) Name() string {
	return JobName
}

func (r *Reconciler) Run(ctx context.Context) batch.Report {
	return r.job.Run(ctx)
}

func (r *Reconciler) resolve(ctx context.Context, p *model.Payment) (*model.Payment, bool, error) {
	ctx = logcontext.AppendCtx(ctx, slog.String("paymentId", p.ID.String()))

	snapshot, err := r.resolver.GetCheckout(ctx, p.CheckoutRef)
	if err != nil {
		return nil, false, errors.Wrapf(err, "payment %s", p.ID)
	}

	target, ok, err := payment.ResolveCheckoutState(snapshot.State)
	if err != nil {
		return nil, false, errors.Wrapf(err, "payment %s", p.ID)
	}
	if !ok {
		r.logger.InfoContext(ctx, "Checkout still pending at provider")
		stillPendingCounter.Inc()
		return p, false, nil
	}

	if !snapshot.Amount.Equal(p.Amount) {
		r.logger.WarnContext(ctx, "Provider amount differs from ledger",
			"ledgerAmount", p.Amount.String(), "providerAmount", snapshot.Amount.String())
		amountMismatchCounter.Inc()
	}

	updated := p.Clone()
	if !r.machine.Transition(ctx, updated, target, snapshot.Date) {
		return p, false, nil
	}
	if snapshot.ReceiptURL != "" {
		receipt := snapshot.ReceiptURL
		updated.ReceiptURL = &receipt
	}

	resolvedCounter.Inc()
	return updated, true, nil
}
