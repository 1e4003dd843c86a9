package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/ar-bundler/bundler/internal/errkind"
	"github.com/ar-bundler/bundler/internal/gateway"
	"github.com/ar-bundler/bundler/internal/objectstore"
	"github.com/ar-bundler/bundler/internal/statusfeed"
	"github.com/ar-bundler/bundler/internal/store"
	"github.com/ar-bundler/bundler/pkg/logging"
	"github.com/ar-bundler/bundler/pkg/metrics"
)

// SeedWorker implements C8: streams a posted bundle's payload to the
// gateway in chunks until accepted.
type SeedWorker struct {
	store   *store.Store
	objects objectstore.ObjectStore
	gw      gateway.Gateway
	log     *logging.Logger
	hub     *statusfeed.Hub
}

// SetHub attaches a status feed hub; Handle broadcasts to it when non-nil.
func (w *SeedWorker) SetHub(h *statusfeed.Hub) {
	w.hub = h
}

// NewSeedWorker builds a SeedWorker.
func NewSeedWorker(st *store.Store, objects objectstore.ObjectStore, gw gateway.Gateway) *SeedWorker {
	return &SeedWorker{
		store:   st,
		objects: objects,
		gw:      gw,
		log:     logging.GetDefault().Component("seed-worker"),
	}
}

// Handle processes one seed job: body is the plan_id.
func (w *SeedWorker) Handle(ctx context.Context, body []byte) error {
	planID := string(body)
	log := w.log.With("plan_id", planID)
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SeedDuration)

	bundleID, err := w.store.GetPostedBundleID(planID)
	if errors.Is(err, store.ErrNotFound) {
		log.Info("no posted_bundle row for plan, already advanced")
		return nil
	}
	if err != nil {
		return errkind.Wrap(errkind.Transient, fmt.Errorf("load posted bundle for plan %s: %w", planID, err))
	}

	// Pass 1: measure the payload so the gateway's upload call gets an
	// accurate size before the second, streaming pass opens a reader -
	// neither pass buffers the whole payload in this process.
	size, err := w.payloadSize(ctx, planID)
	if err != nil {
		return errkind.Wrap(errkind.Transient, fmt.Errorf("measure payload for plan %s: %w", planID, err))
	}

	r, err := w.objects.Get(ctx, fmt.Sprintf("bundle-payload/%s", planID))
	if err != nil {
		return errkind.Wrap(errkind.Transient, fmt.Errorf("open payload for plan %s: %w", planID, err))
	}
	defer r.Close()

	if err := w.gw.UploadChunks(ctx, bundleID, r, size); err != nil {
		return errkind.Wrap(errkind.Transient, fmt.Errorf("upload chunks for bundle %s: %w", bundleID, err))
	}

	if err := w.store.InsertSeededBundle(bundleID); err != nil {
		return errkind.Wrap(errkind.Transient, fmt.Errorf("insert seeded bundle %s: %w", bundleID, err))
	}

	metrics.BundlesSeededTotal.Inc()
	log.Info("bundle seeded", "bundle_id", bundleID)
	if w.hub != nil {
		w.hub.Broadcast(statusfeed.EventBundleSeeded, map[string]interface{}{
			"plan_id":   planID,
			"bundle_id": bundleID,
		})
	}
	return nil
}

func (w *SeedWorker) payloadSize(ctx context.Context, planID string) (int64, error) {
	n, exists, err := w.objects.Head(ctx, fmt.Sprintf("bundle-payload/%s", planID))
	if err != nil {
		return 0, err
	}
	if !exists {
		return 0, objectstore.ErrNotFound
	}
	return n, nil
}
