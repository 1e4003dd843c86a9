package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/ar-bundler/bundler/internal/config"
	"github.com/ar-bundler/bundler/internal/errkind"
	"github.com/ar-bundler/bundler/internal/gateway"
	"github.com/ar-bundler/bundler/internal/statusfeed"
	"github.com/ar-bundler/bundler/internal/store"
	"github.com/ar-bundler/bundler/pkg/logging"
	"github.com/ar-bundler/bundler/pkg/metrics"
	"golang.org/x/sync/errgroup"
)

// gqlPageSize is the batch size verify uses when checking item presence on
// the GQL index.
const gqlPageSize = 100

// VerifyWorker implements C9: periodically polls the gateway for each
// seeded bundle and finalizes or reroutes depending on confirmation depth
// and GQL presence.
type VerifyWorker struct {
	store              *store.Store
	gw                 gateway.Gateway
	permanentThreshold int64
	rePostThreshold    int64
	concurrency        int
	log                *logging.Logger
	hub                *statusfeed.Hub
}

// SetHub attaches a status feed hub; Run broadcasts to it when non-nil.
func (w *VerifyWorker) SetHub(h *statusfeed.Hub) {
	w.hub = h
}

// NewVerifyWorker builds a VerifyWorker from cfg's thresholds.
func NewVerifyWorker(st *store.Store, gw gateway.Gateway, cfg *config.Config) *VerifyWorker {
	return &VerifyWorker{
		store:              st,
		gw:                 gw,
		permanentThreshold: int64(cfg.TxPermanentThreshold),
		rePostThreshold:    int64(cfg.TxRePostThresholdBlocks),
		concurrency:        8,
		log:                logging.GetDefault().Component("verify-worker"),
	}
}

// Run executes one verify pass over every seeded bundle due for a check,
// in a bounded-concurrency pool.
func (w *VerifyWorker) Run(ctx context.Context) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.VerifyPollDuration)

	bundles, err := w.store.GetSeededBundles(time.Now())
	if err != nil {
		return errkind.Wrap(errkind.Transient, fmt.Errorf("list seeded bundles: %w", err))
	}
	if len(bundles) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.concurrency)

	for _, b := range bundles {
		b := b
		g.Go(func() error {
			if err := w.verifyOne(gctx, b); err != nil {
				w.log.Warn("verify pass failed for bundle", "plan_id", b.PlanID, "bundle_id", b.BundleID, "error", err)
			}
			return nil // a single bundle's failure never aborts the rest of the pool
		})
	}
	return g.Wait()
}

// RunLoop calls Run on every tick until ctx is canceled.
func (w *VerifyWorker) RunLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.Run(ctx); err != nil {
				w.log.Warn("verify scan failed", "error", err)
			}
		}
	}
}

func (w *VerifyWorker) verifyOne(ctx context.Context, b *store.SeededBundleRow) error {
	status, err := w.gw.TxStatus(ctx, b.BundleID)
	if err != nil {
		return fmt.Errorf("tx_status: %w", err)
	}

	switch status.Status {
	case gateway.TxNotFound:
		return w.handleNotFound(ctx, b)
	case gateway.TxPending:
		return nil
	case gateway.TxFound:
		if status.Confirmations < w.permanentThreshold {
			return nil
		}
		return w.finalize(ctx, b, status.BlockHeight)
	default:
		return nil
	}
}

func (w *VerifyWorker) handleNotFound(ctx context.Context, b *store.SeededBundleRow) error {
	currentHeight, err := w.gw.CurrentBlockHeight(ctx)
	if err != nil {
		return fmt.Errorf("current_block_height: %w", err)
	}
	anchorHeight, err := w.gw.BlockHeightForTxAnchor(ctx, b.Anchor)
	if err != nil {
		return fmt.Errorf("block_height_for_tx_anchor: %w", err)
	}

	if currentHeight-anchorHeight <= w.rePostThreshold {
		return nil // still within the grace window, leave for the next scan
	}

	w.log.Warn("seeded bundle tx lost, dropping", "plan_id", b.PlanID, "bundle_id", b.BundleID)
	metrics.BundlesFinalizedTotal.WithLabelValues("dropped").Inc()
	if w.hub != nil {
		w.hub.Broadcast(statusfeed.EventBundleFinalized, map[string]interface{}{
			"plan_id":   b.PlanID,
			"bundle_id": b.BundleID,
			"outcome":   "dropped",
		})
	}
	return w.store.UpdateSeededBundleToDropped(b.PlanID, b.BundleID)
}

func (w *VerifyWorker) finalize(ctx context.Context, b *store.SeededBundleRow, blockHeight int64) error {
	items, err := w.store.GetPlannedDataItems(b.PlanID)
	if err != nil {
		return fmt.Errorf("load planned items for %s: %w", b.PlanID, err)
	}
	if len(items) == 0 {
		metrics.BundlesFinalizedTotal.WithLabelValues("permanent").Inc()
		if w.hub != nil {
			w.hub.Broadcast(statusfeed.EventBundleFinalized, map[string]interface{}{
				"plan_id":   b.PlanID,
				"bundle_id": b.BundleID,
				"outcome":   "permanent",
			})
		}
		return w.store.FinalizeSeededBundle(b.PlanID, blockHeight, true)
	}

	ids := make([]string, len(items))
	for i, item := range items {
		ids[i] = item.DataItemID
	}

	present := make(map[string]int64, len(ids))
	for start := 0; start < len(ids); start += gqlPageSize {
		end := start + gqlPageSize
		if end > len(ids) {
			end = len(ids)
		}
		page, err := w.gw.DataItemsOnGQL(ctx, ids[start:end], gqlPageSize)
		if err != nil {
			return fmt.Errorf("data_items_on_gql: %w", err)
		}
		for _, p := range page {
			if p.BlockHeight > 0 {
				present[p.ID] = p.BlockHeight
			}
		}
	}

	var permanentIDs, repackIDs []string
	for _, id := range ids {
		if _, ok := present[id]; ok {
			permanentIDs = append(permanentIDs, id)
		} else {
			repackIDs = append(repackIDs, id)
		}
	}

	if len(permanentIDs) > 0 {
		if err := w.store.UpdateDataItemsAsPermanent(permanentIDs, b.PlanID, b.BundleID, blockHeight); err != nil {
			return fmt.Errorf("update %d items as permanent: %w", len(permanentIDs), err)
		}
	}
	if len(repackIDs) > 0 {
		w.log.Warn("items absent from gql at confirmation depth, repacking", "plan_id", b.PlanID, "count", len(repackIDs))
		if err := w.store.UpdateDataItemsToBeRepacked(repackIDs, b.BundleID); err != nil {
			return fmt.Errorf("reroute %d items: %w", len(repackIDs), err)
		}
		metrics.DataItemsRepackedTotal.Add(float64(len(repackIDs)))
	}

	outcome := "permanent"
	if len(repackIDs) > 0 {
		outcome = "partial_repack"
	}
	metrics.BundlesFinalizedTotal.WithLabelValues(outcome).Inc()
	if w.hub != nil {
		w.hub.Broadcast(statusfeed.EventBundleFinalized, map[string]interface{}{
			"plan_id":   b.PlanID,
			"bundle_id": b.BundleID,
			"outcome":   outcome,
		})
	}

	return w.store.FinalizeSeededBundle(b.PlanID, blockHeight, len(repackIDs) == 0)
}
