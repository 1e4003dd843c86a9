package worker

import (
	"context"
	"testing"
	"time"

	"github.com/ar-bundler/bundler/internal/config"
	"github.com/ar-bundler/bundler/internal/gateway"
	"github.com/ar-bundler/bundler/internal/store"
)

// seededPlan drives a plan all the way through prepare, post and seed,
// returning its plan id, bundle id, store and fake gateway.
func seededPlan(t *testing.T) (planID, bundleID string, st *store.Store, gw *fakeGateway) {
	t.Helper()
	st = newTestStore(t)
	obj := newTestObjectStore(t)
	gw = newFakeGateway()
	fw := newTestWallet(t)
	cfg := config.Default()
	dispatcher, _ := newTestDispatcher(t)

	planID = preparedPlan(t, st, obj, gw, fw, cfg)

	pw := NewPostWorker(st, obj, gw, fw, dispatcher)
	if err := pw.Handle(context.Background(), []byte(planID)); err != nil {
		t.Fatalf("post: %v", err)
	}
	sw := NewSeedWorker(st, obj, gw)
	if err := sw.Handle(context.Background(), []byte(planID)); err != nil {
		t.Fatalf("seed: %v", err)
	}

	bundleID, err := st.GetPostedBundleID(planID)
	if err != nil {
		t.Fatalf("GetPostedBundleID: %v", err)
	}
	return planID, bundleID, st, gw
}

func firstPlannedItem(t *testing.T, st *store.Store, planID string) string {
	t.Helper()
	items, err := st.GetPlannedDataItems(planID)
	if err != nil {
		t.Fatalf("GetPlannedDataItems: %v", err)
	}
	if len(items) == 0 {
		t.Fatal("want at least one planned item")
	}
	return items[0].DataItemID
}

func TestVerifyWorkerFinalizesFullyPresentBundle(t *testing.T) {
	planID, bundleID, st, gw := seededPlan(t)
	items, err := st.GetPlannedDataItems(planID)
	if err != nil {
		t.Fatalf("GetPlannedDataItems: %v", err)
	}
	gw.txStatus = &gateway.TxStatus{Status: gateway.TxFound, Confirmations: 50, BlockHeight: 200}
	for _, it := range items {
		gw.gqlPresence[it.DataItemID] = gateway.GQLItemPresence{ID: it.DataItemID, BlockHeight: 200}
	}

	cfg := config.Default()
	vw := NewVerifyWorker(st, gw, cfg)
	if err := vw.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	rows, err := st.GetSeededBundles(time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("GetSeededBundles: %v", err)
	}
	for _, r := range rows {
		if r.BundleID == bundleID {
			t.Fatal("want bundle finalized out of seeded_bundle")
		}
	}
}

func TestVerifyWorkerDropsStaleNotFoundBundle(t *testing.T) {
	_, bundleID, st, gw := seededPlan(t)
	gw.txStatus = &gateway.TxStatus{Status: gateway.TxNotFound}
	gw.blockHeight = 100000
	gw.anchorHeight = 0

	cfg := config.Default()
	vw := NewVerifyWorker(st, gw, cfg)
	if err := vw.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	rows, err := st.GetSeededBundles(time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("GetSeededBundles: %v", err)
	}
	for _, r := range rows {
		if r.BundleID == bundleID {
			t.Fatal("want stale bundle dropped out of seeded_bundle")
		}
	}
}

func TestVerifyWorkerPendingStatusIsNoop(t *testing.T) {
	_, bundleID, st, gw := seededPlan(t)
	gw.txStatus = &gateway.TxStatus{Status: gateway.TxPending}

	cfg := config.Default()
	vw := NewVerifyWorker(st, gw, cfg)
	if err := vw.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	rows, err := st.GetSeededBundles(time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("GetSeededBundles: %v", err)
	}
	found := false
	for _, r := range rows {
		if r.BundleID == bundleID {
			found = true
		}
	}
	if !found {
		t.Fatal("want pending bundle left untouched in seeded_bundle")
	}
}
