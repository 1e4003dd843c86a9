package worker

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/ar-bundler/bundler/internal/errkind"
	"github.com/ar-bundler/bundler/internal/gateway"
	"github.com/ar-bundler/bundler/internal/objectstore"
	"github.com/ar-bundler/bundler/internal/queue"
	"github.com/ar-bundler/bundler/internal/statusfeed"
	"github.com/ar-bundler/bundler/internal/store"
	"github.com/ar-bundler/bundler/internal/wallet"
	"github.com/ar-bundler/bundler/pkg/helpers"
	"github.com/ar-bundler/bundler/pkg/logging"
	"github.com/ar-bundler/bundler/pkg/metrics"
)

// PostWorker implements C7: submits a prepared bundle's tx header to the
// gateway and promotes or reroutes depending on the outcome.
type PostWorker struct {
	store      *store.Store
	objects    objectstore.ObjectStore
	gw         gateway.Gateway
	wallet     *wallet.FundingWallet
	dispatcher *queue.Dispatcher
	log        *logging.Logger
	hub        *statusfeed.Hub
}

// SetHub attaches a status feed hub; Handle broadcasts to it when non-nil.
func (w *PostWorker) SetHub(h *statusfeed.Hub) {
	w.hub = h
}

// NewPostWorker builds a PostWorker.
func NewPostWorker(st *store.Store, objects objectstore.ObjectStore, gw gateway.Gateway, w *wallet.FundingWallet, dispatcher *queue.Dispatcher) *PostWorker {
	return &PostWorker{
		store:      st,
		objects:    objects,
		gw:         gw,
		wallet:     w,
		dispatcher: dispatcher,
		log:        logging.GetDefault().Component("post-worker"),
	}
}

// Handle processes one post job: body is the plan_id.
func (w *PostWorker) Handle(ctx context.Context, body []byte) error {
	planID := string(body)
	log := w.log.With("plan_id", planID)
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.PostDuration)

	bundleID, reward, err := w.store.GetNewBundle(planID)
	if errors.Is(err, store.ErrNotFound) {
		log.Info("no new_bundle row for plan, already advanced")
		return nil
	}
	if err != nil {
		return errkind.Wrap(errkind.Transient, fmt.Errorf("load new bundle for plan %s: %w", planID, err))
	}

	sufficient, err := w.wallet.HasSufficientBalance(ctx, w.gw, reward)
	if err != nil {
		return errkind.Wrap(errkind.Transient, fmt.Errorf("check wallet balance: %w", err))
	}
	if !sufficient {
		metrics.BundlesPostedTotal.WithLabelValues("insufficient_funds").Inc()
		return errkind.Wrap(errkind.InsufficientFunds, fmt.Errorf("wallet balance below reward (%s AR) for bundle %s", helpers.FormatWinston(reward), bundleID))
	}

	header, err := w.readHeader(ctx, bundleID)
	if err != nil {
		return errkind.Wrap(errkind.Transient, fmt.Errorf("read bundle header %s: %w", bundleID, err))
	}

	err = w.gw.PostTx(ctx, header)
	if errors.Is(err, gateway.ErrPermanentRejection) {
		log.Warn("gateway permanently rejected bundle tx, rerouting items", "bundle_id", bundleID)
		metrics.BundlesPostedTotal.WithLabelValues("rejected").Inc()
		if rerouteErr := w.store.UpdateNewBundleToFailedToPost(planID, bundleID); rerouteErr != nil {
			return errkind.Wrap(errkind.Transient, fmt.Errorf("reroute after failed post: %w", rerouteErr))
		}
		return nil
	}
	if err != nil {
		return errkind.Wrap(errkind.Transient, fmt.Errorf("post tx for bundle %s: %w", bundleID, err))
	}

	rate, err := w.gw.USDToARRate(ctx)
	if err != nil {
		log.Warn("usd_to_ar_rate fetch failed, proceeding with zero rate", "error", err)
		rate = 0
	}

	if err := w.store.InsertPostedBundle(bundleID, rate); err != nil {
		return errkind.Wrap(errkind.Transient, fmt.Errorf("insert posted bundle %s: %w", bundleID, err))
	}
	if err := w.dispatcher.Enqueue(ctx, "seed-bundle", []byte(planID)); err != nil {
		return errkind.Wrap(errkind.Transient, fmt.Errorf("enqueue seed job for plan %s: %w", planID, err))
	}

	metrics.BundlesPostedTotal.WithLabelValues("posted").Inc()
	log.Info("bundle posted", "bundle_id", bundleID, "reward_ar", helpers.FormatWinston(reward))
	if w.hub != nil {
		w.hub.Broadcast(statusfeed.EventBundlePosted, map[string]interface{}{
			"plan_id":   planID,
			"bundle_id": bundleID,
		})
	}
	return nil
}

func (w *PostWorker) readHeader(ctx context.Context, bundleID string) ([]byte, error) {
	r, err := w.objects.Get(ctx, fmt.Sprintf("bundle/%s", bundleID))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
