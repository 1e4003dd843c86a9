package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/ar-bundler/bundler/internal/bundleformat"
	"github.com/ar-bundler/bundler/internal/config"
	"github.com/ar-bundler/bundler/internal/errkind"
	"github.com/ar-bundler/bundler/internal/gateway"
	"github.com/ar-bundler/bundler/internal/objectstore"
	"github.com/ar-bundler/bundler/internal/signer"
	"github.com/ar-bundler/bundler/internal/statusfeed"
	"github.com/ar-bundler/bundler/internal/store"
	"github.com/ar-bundler/bundler/internal/wallet"
	"github.com/ar-bundler/bundler/pkg/helpers"
	"github.com/ar-bundler/bundler/pkg/logging"
	"github.com/ar-bundler/bundler/pkg/metrics"
	"github.com/google/uuid"
)

// minItemsPerBundle is the floor below which a plan is reverted rather than
// prepared.
const minItemsPerBundle = 2

// bundleFormatTags identify the bundle's ANS-104-compatible wire layout on
// the posted tx.
var bundleFormatTags = [][2]string{
	{"Bundle-Format", "binary"},
	{"Bundle-Version", "2.0.0"},
}

// PrepareWorker implements C6: assembles a plan's items into an ANS-104
// bundle payload, signs the tx, and persists both to the object store.
type PrepareWorker struct {
	store   *store.Store
	objects objectstore.ObjectStore
	gw      gateway.Gateway
	wallet  *wallet.FundingWallet
	bucket  string
	log     *logging.Logger
	hub     *statusfeed.Hub
}

// SetHub attaches a status feed hub; Handle broadcasts to it when non-nil.
func (w *PrepareWorker) SetHub(h *statusfeed.Hub) {
	w.hub = h
}

// NewPrepareWorker builds a PrepareWorker.
func NewPrepareWorker(st *store.Store, objects objectstore.ObjectStore, gw gateway.Gateway, w *wallet.FundingWallet, cfg *config.Config) *PrepareWorker {
	return &PrepareWorker{
		store:   st,
		objects: objects,
		gw:      gw,
		wallet:  w,
		bucket:  cfg.DataItemBucket,
		log:     logging.GetDefault().Component("prepare-worker"),
	}
}

// Handle processes one prepare job: body is the plan_id.
func (w *PrepareWorker) Handle(ctx context.Context, body []byte) error {
	planID := string(body)
	log := w.log.With("plan_id", planID)
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.PrepareDuration)

	items, err := w.store.GetPlannedDataItems(planID)
	if err != nil {
		return errkind.Wrap(errkind.Transient, fmt.Errorf("load planned items for %s: %w", planID, err))
	}
	if len(items) == 0 {
		log.Info("plan has no planned items, already advanced")
		return nil
	}

	var (
		entries  []bundleformat.BundleEntry
		rawItems [][]byte
		viable   []*store.DataItem
	)

	for _, item := range items {
		key := fmt.Sprintf("%s/%s", w.bucket, item.DataItemID)
		raw, err := w.readObject(ctx, key)
		if errors.Is(err, objectstore.ErrNotFound) {
			log.Warn("raw data item missing from object store", "data_item_id", item.DataItemID)
			if failErr := w.store.UpdatePlannedDataItemAsFailed(item.DataItemID, "missing_from_object_store"); failErr != nil {
				return errkind.Wrap(errkind.Transient, fmt.Errorf("mark %s missing: %w", item.DataItemID, failErr))
			}
			metrics.DataItemsRejectedTotal.WithLabelValues("missing_from_object_store").Inc()
			continue
		}
		if err != nil {
			return errkind.Wrap(errkind.Transient, fmt.Errorf("read raw item %s: %w", item.DataItemID, err))
		}

		id, err := bundleformat.IDFromDataItemID(item.DataItemID)
		if err != nil {
			return errkind.Wrap(errkind.Irrecoverable, fmt.Errorf("bad data_item_id %s: %w", item.DataItemID, err))
		}

		entries = append(entries, bundleformat.BundleEntry{ByteCount: int64(len(raw)), ID: id})
		rawItems = append(rawItems, raw)
		viable = append(viable, item)
	}

	if len(viable) < minItemsPerBundle {
		log.Warn("fewer than minimum viable items remain, reverting plan", "viable", len(viable))
		if err := w.store.RevertPlanToNew(planID); err != nil {
			return errkind.Wrap(errkind.Transient, fmt.Errorf("revert plan %s: %w", planID, err))
		}
		metrics.PlansRevertedTotal.Inc()
		return nil
	}

	var payloadBuf bytes.Buffer
	headerByteCount := bundleformat.HeaderByteCount(len(entries))
	if err := bundleformat.WriteBundleHeader(&payloadBuf, entries); err != nil {
		return errkind.Wrap(errkind.Irrecoverable, fmt.Errorf("write bundle header: %w", err))
	}
	for i, raw := range rawItems {
		if int64(len(raw)) != entries[i].ByteCount {
			return errkind.Wrap(errkind.Irrecoverable, fmt.Errorf("item %d byte_count mismatch", i))
		}
		payloadBuf.Write(raw)
	}
	payload := payloadBuf.Bytes()
	payloadByteCount := int64(len(payload)) - headerByteCount

	reward, err := w.gw.PriceForBytes(ctx, int64(len(payload)))
	if err != nil {
		return errkind.Wrap(errkind.Transient, fmt.Errorf("fetch reward for plan %s: %w", planID, err))
	}
	anchor, err := w.gw.CurrentBlockHeight(ctx)
	if err != nil {
		return errkind.Wrap(errkind.Transient, fmt.Errorf("fetch anchor for plan %s: %w", planID, err))
	}

	fields := &signer.BundleTxFields{
		LastTx:   fmt.Sprintf("%d", anchor),
		DataRoot: bundleformat.ComputeDataRoot(payload),
		DataSize: int64(len(payload)),
		Reward:   reward,
		Tags:     bundleFormatTags,
	}
	w.wallet.SignBundleTx(fields)

	bundleID := uuid.NewString()
	header, err := encodeBundleTxHeader(bundleID, fields)
	if err != nil {
		return errkind.Wrap(errkind.Irrecoverable, fmt.Errorf("encode bundle tx header: %w", err))
	}

	if err := w.objects.Put(ctx, fmt.Sprintf("bundle/%s", bundleID), bytes.NewReader(header), "application/octet-stream"); err != nil {
		return errkind.Wrap(errkind.Transient, fmt.Errorf("persist bundle header: %w", err))
	}
	if err := w.objects.Put(ctx, fmt.Sprintf("bundle-payload/%s", planID), bytes.NewReader(payload), "application/octet-stream"); err != nil {
		return errkind.Wrap(errkind.Transient, fmt.Errorf("persist bundle payload: %w", err))
	}

	err = w.store.InsertNewBundle(&store.Bundle{
		BundleID:             bundleID,
		PlanID:               planID,
		Reward:               reward,
		HeaderByteCount:      int64(len(header)),
		PayloadByteCount:     payloadByteCount,
		TransactionByteCount: int64(len(header)) + int64(len(payload)),
		Anchor:               fields.LastTx,
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return errkind.Wrap(errkind.Irrecoverable, fmt.Errorf("plan %s vanished before bundle insert: %w", planID, err))
		}
		return errkind.Wrap(errkind.Transient, fmt.Errorf("insert new bundle for plan %s: %w", planID, err))
	}

	metrics.BundlesPreparedTotal.Inc()
	log.Info("bundle prepared", "bundle_id", bundleID, "item_count", len(viable), "payload_bytes", payloadByteCount, "reward_ar", helpers.FormatWinston(reward))
	if w.hub != nil {
		w.hub.Broadcast(statusfeed.EventBundlePrepared, map[string]interface{}{
			"plan_id":   planID,
			"bundle_id": bundleID,
		})
	}
	return nil
}

func (w *PrepareWorker) readObject(ctx context.Context, key string) ([]byte, error) {
	r, err := w.objects.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// encodeBundleTxHeader serializes the signed tx fields and bundle_id into
// the header blob persisted at bundle/{bundle_id}: the signature, owner,
// data root, last_tx anchor and tags (bundle_id plus the format tags). The
// reward and data size are not written into the blob.
func encodeBundleTxHeader(bundleID string, fields *signer.BundleTxFields) ([]byte, error) {
	item := &bundleformat.DataItem{
		SignatureType: bundleformat.SignatureTypeSecp256k1,
		Signature:     fields.Signature,
		Owner:         fields.Owner,
		Tags:          headerTags(bundleID, fields),
		Payload:       fields.DataRoot,
	}
	return item.Encode()
}

func headerTags(bundleID string, fields *signer.BundleTxFields) []bundleformat.Tag {
	tags := make([]bundleformat.Tag, 0, len(fields.Tags)+2)
	tags = append(tags, bundleformat.Tag{Name: "Bundle-Id", Value: bundleID})
	tags = append(tags, bundleformat.Tag{Name: "Last-Tx", Value: fields.LastTx})
	for _, t := range fields.Tags {
		tags = append(tags, bundleformat.Tag{Name: t[0], Value: t[1]})
	}
	return tags
}
