package worker

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ar-bundler/bundler/internal/config"
	"github.com/ar-bundler/bundler/internal/errkind"
	"github.com/ar-bundler/bundler/internal/gateway"
	"github.com/ar-bundler/bundler/internal/objectstore"
	"github.com/ar-bundler/bundler/internal/store"
	"github.com/ar-bundler/bundler/internal/wallet"
)

// preparedPlan stages two data items, packs them into a plan, and runs
// PrepareWorker on it, returning the plan id ready for PostWorker.
func preparedPlan(t *testing.T, st *store.Store, obj objectstore.ObjectStore, gw *fakeGateway, fw *wallet.FundingWallet, cfg *config.Config) string {
	t.Helper()
	id1, _ := seedDataItem(t, st, obj, cfg.DataItemBucket, []byte("post-payload-one"), time.Now())
	id2, _ := seedDataItem(t, st, obj, cfg.DataItemBucket, []byte("post-payload-two"), time.Now())

	planID := "plan-post"
	if err := st.InsertBundlePlan(planID, []string{id1, id2}); err != nil {
		t.Fatalf("insert bundle plan: %v", err)
	}

	pw := NewPrepareWorker(st, obj, gw, fw, cfg)
	if err := pw.Handle(context.Background(), []byte(planID)); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	return planID
}

func TestPostWorkerPostsAndEnqueuesSeed(t *testing.T) {
	st := newTestStore(t)
	obj := newTestObjectStore(t)
	gw := newFakeGateway()
	fw := newTestWallet(t)
	cfg := config.Default()
	dispatcher, backend := newTestDispatcher(t)

	planID := preparedPlan(t, st, obj, gw, fw, cfg)

	pw := NewPostWorker(st, obj, gw, fw, dispatcher)
	if err := pw.Handle(context.Background(), []byte(planID)); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	if _, err := st.GetPostedBundleID(planID); err != nil {
		t.Fatalf("want posted_bundle row, GetPostedBundleID: %v", err)
	}

	jobs, err := backend.Dequeue(context.Background(), "seed-bundle", 10, time.Minute)
	if err != nil {
		t.Fatalf("dequeue seed-bundle: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("want 1 seed job enqueued, got %d", len(jobs))
	}
}

func TestPostWorkerInsufficientBalanceIsRetryable(t *testing.T) {
	st := newTestStore(t)
	obj := newTestObjectStore(t)
	gw := newFakeGateway()
	fw := newTestWallet(t)
	cfg := config.Default()
	dispatcher, _ := newTestDispatcher(t)

	planID := preparedPlan(t, st, obj, gw, fw, cfg)
	gw.balance = big.NewInt(0)

	pw := NewPostWorker(st, obj, gw, fw, dispatcher)
	err := pw.Handle(context.Background(), []byte(planID))
	if err == nil {
		t.Fatal("want error for insufficient balance")
	}
	if !errkind.Retryable(err) {
		t.Fatalf("want retryable error, got kind %v", errkind.Of(err))
	}
}

func TestPostWorkerPermanentRejectionReroutesItems(t *testing.T) {
	st := newTestStore(t)
	obj := newTestObjectStore(t)
	gw := newFakeGateway()
	fw := newTestWallet(t)
	cfg := config.Default()
	dispatcher, _ := newTestDispatcher(t)

	planID := preparedPlan(t, st, obj, gw, fw, cfg)
	gw.postErr = gateway.ErrPermanentRejection

	pw := NewPostWorker(st, obj, gw, fw, dispatcher)
	if err := pw.Handle(context.Background(), []byte(planID)); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	if _, err := st.GetPostedBundleID(planID); err == nil {
		t.Fatal("want no posted_bundle row after permanent rejection")
	}
}
