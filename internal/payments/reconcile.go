package payments

import (
	"context"
	"time"

	"github.com/localmarket/paycore/internal/logging"
	"github.com/localmarket/paycore/internal/metrics"
)

// ReconcileReport summarizes one reconciliation pass.
type ReconcileReport struct {
	Checked      int `json:"checked"`
	Updated      int `json:"updated"`
	Failed       int `json:"failed"`
	ExpiredHolds int `json:"expiredHolds"`
}

// Reconciler re-reads intents that webhooks should have moved but did not,
// and holds whose authorization window has passed.
type Reconciler struct {
	service    *Service
	store      Store
	staleAfter time.Duration
	batch      int
}

// NewReconciler creates a reconciler over the service's store.
func NewReconciler(service *Service, store Store) *Reconciler {
	return &Reconciler{
		service:    service,
		store:      store,
		staleAfter: 15 * time.Minute,
		batch:      100,
	}
}

// Run performs one pass. Per-intent failures are counted and logged; only
// a failure to list candidates is returned.
func (r *Reconciler) Run(ctx context.Context) (ReconcileReport, error) {
	var report ReconcileReport
	now := r.service.now()

	stale, err := r.store.ListStale(ctx, []Status{StatusRequiresAction, StatusProcessing}, now.Add(-r.staleAfter), r.batch)
	if err != nil {
		return report, err
	}
	for _, pi := range stale {
		r.sync(ctx, pi.ID, &report)
	}

	holds, err := r.store.ListExpiredHolds(ctx, now, r.batch)
	if err != nil {
		return report, err
	}
	for _, esc := range holds {
		if !r.sync(ctx, esc.IntentID, &report) {
			report.ExpiredHolds++
			logging.L(ctx).Warn("escrow hold past its release date",
				"intent_id", esc.IntentID, "escrow_id", esc.ID, "scheduled_release_at", esc.ScheduledReleaseAt)
		}
	}

	if report.Updated > 0 || report.Failed > 0 || report.ExpiredHolds > 0 {
		logging.L(ctx).Info("reconciliation pass complete",
			"checked", report.Checked, "updated", report.Updated,
			"failed", report.Failed, "expired_holds", report.ExpiredHolds)
	}
	return report, nil
}

func (r *Reconciler) sync(ctx context.Context, id string, report *ReconcileReport) bool {
	report.Checked++
	changed, err := r.service.syncIntent(ctx, id)
	if err != nil {
		report.Failed++
		logging.L(ctx).Warn("reconcile intent failed", "intent_id", id, "error", err)
		return false
	}
	if changed {
		report.Updated++
		metrics.ReconcileDriftTotal.Inc()
	}
	return changed
}
