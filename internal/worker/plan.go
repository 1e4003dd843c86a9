// Package worker implements the pipeline's five stage workers (C5-C9). The
// prepare, post and seed workers are invoked by the queue dispatcher (C10)
// for their named queues; the plan pass and the verify scan poll on their
// own tickers instead.
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/ar-bundler/bundler/internal/config"
	"github.com/ar-bundler/bundler/internal/errkind"
	"github.com/ar-bundler/bundler/internal/packer"
	"github.com/ar-bundler/bundler/internal/queue"
	"github.com/ar-bundler/bundler/internal/statusfeed"
	"github.com/ar-bundler/bundler/internal/store"
	"github.com/ar-bundler/bundler/pkg/logging"
	"github.com/ar-bundler/bundler/pkg/metrics"
	"github.com/google/uuid"
)

// PlanWorker selects eligible new data items, packs them into candidate
// bundles, and atomically promotes each to a fresh plan_id. It runs on
// its own ticker rather than consuming a queue: there is nothing
// upstream to enqueue a "plan" job, the new_data_item table itself is
// the work queue.
type PlanWorker struct {
	store      *store.Store
	dispatcher *queue.Dispatcher
	limits     packer.Limits
	minAge     time.Duration
	maxSelect  int
	log        *logging.Logger
	hub        *statusfeed.Hub
}

// SetHub attaches a status feed hub; Run broadcasts to it when non-nil.
func (w *PlanWorker) SetHub(h *statusfeed.Hub) {
	w.hub = h
}

// NewPlanWorker builds a PlanWorker from cfg's packing limits.
func NewPlanWorker(st *store.Store, dispatcher *queue.Dispatcher, cfg *config.Config) *PlanWorker {
	return &PlanWorker{
		store:      st,
		dispatcher: dispatcher,
		limits: packer.Limits{
			MaxTotalBytes:      cfg.MaxBundleByteCount,
			MaxSingleItemBytes: cfg.MaxDataItemByteCount,
			MaxItemsPerBundle:  cfg.MaxDataItemsPerBundle,
			OverdueThreshold:   cfg.OverdueThreshold(),
		},
		minAge:    30 * time.Second,
		maxSelect: cfg.MaxDataItemsPerBundle * 4,
		log:       logging.GetDefault().Component("plan-worker"),
	}
}

// Run executes one plan pass: select eligible items, pack, promote each
// resulting plan, enqueue one prepare job per plan_id.
func (w *PlanWorker) Run(ctx context.Context) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.PlanPackDuration)

	items, err := w.store.GetNewDataItems(w.maxSelect, time.Now().Add(-w.minAge))
	if err != nil {
		return errkind.Wrap(errkind.Transient, fmt.Errorf("select eligible data items: %w", err))
	}
	if len(items) == 0 {
		return nil
	}

	packerItems := make([]packer.Item, len(items))
	for i, it := range items {
		packerItems[i] = packer.Item{
			DataItemID:   it.DataItemID,
			ByteCount:    it.ByteCount,
			UploadedDate: it.UploadedDate,
		}
	}

	plans := packer.Pack(packerItems, w.limits, time.Now())
	w.log.Info("packed plan candidates", "eligible_items", len(items), "plans", len(plans))

	for _, p := range plans {
		planID := uuid.NewString()
		if err := w.store.InsertBundlePlan(planID, p.ItemIDs); err != nil {
			return errkind.Wrap(errkind.Transient, fmt.Errorf("insert bundle plan %s: %w", planID, err))
		}
		if err := w.dispatcher.Enqueue(ctx, "prepare-bundle", []byte(planID)); err != nil {
			return errkind.Wrap(errkind.Transient, fmt.Errorf("enqueue prepare job for plan %s: %w", planID, err))
		}
		metrics.PlansCreatedTotal.Inc()
		metrics.PlanItemsPerPlan.Observe(float64(len(p.ItemIDs)))
		w.log.Info("plan created", "plan_id", planID, "item_count", len(p.ItemIDs), "total_bytes", p.TotalBytes, "overdue", p.ContainsOverdue)
		if w.hub != nil {
			w.hub.Broadcast(statusfeed.EventPlanCreated, map[string]interface{}{
				"plan_id":    planID,
				"item_count": len(p.ItemIDs),
			})
		}
	}
	return nil
}

// RunLoop calls Run on every tick until ctx is canceled.
func (w *PlanWorker) RunLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.Run(ctx); err != nil {
				w.log.Warn("plan pass failed", "error", err)
			}
		}
	}
}
