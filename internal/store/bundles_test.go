package store

import (
	"math/big"
	"testing"
	"time"
)

func planItems(t *testing.T, s *Store, planID string, ids ...string) {
	t.Helper()
	for _, id := range ids {
		if err := s.InsertNewDataItem(sampleItem(id)); err != nil {
			t.Fatalf("insert %s: %v", id, err)
		}
	}
	if err := s.InsertBundlePlan(planID, ids); err != nil {
		t.Fatalf("InsertBundlePlan: %v", err)
	}
}

func TestBundleLifecycleHappyPath(t *testing.T) {
	s := newTestStore(t)
	planItems(t, s, "plan-happy", "hi-1", "hi-2")

	b := &Bundle{
		BundleID:             "bundle-happy",
		PlanID:               "plan-happy",
		Reward:               big.NewInt(12345),
		HeaderByteCount:      64,
		PayloadByteCount:     2048,
		TransactionByteCount: 2112,
		Anchor:               "anchor-1",
	}
	if err := s.InsertNewBundle(b); err != nil {
		t.Fatalf("InsertNewBundle: %v", err)
	}
	if err := s.InsertPostedBundle("bundle-happy", 1.23); err != nil {
		t.Fatalf("InsertPostedBundle: %v", err)
	}
	if err := s.InsertSeededBundle("bundle-happy"); err != nil {
		t.Fatalf("InsertSeededBundle: %v", err)
	}

	seeded, err := s.GetSeededBundles(time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("GetSeededBundles: %v", err)
	}
	if len(seeded) != 1 || seeded[0].BundleID != "bundle-happy" {
		t.Fatalf("want 1 seeded bundle, got %+v", seeded)
	}

	if err := s.UpdateDataItemsAsPermanent([]string{"hi-1", "hi-2"}, "plan-happy", "bundle-happy", 555); err != nil {
		t.Fatalf("UpdateDataItemsAsPermanent: %v", err)
	}
	if err := s.FinalizeSeededBundle("plan-happy", 555, true); err != nil {
		t.Fatalf("FinalizeSeededBundle: %v", err)
	}

	for _, id := range []string{"hi-1", "hi-2"} {
		info, err := s.GetDataItemInfo(id)
		if err != nil {
			t.Fatalf("GetDataItemInfo(%s): %v", id, err)
		}
		if info.Status != StatusPermanent {
			t.Fatalf("want %s permanent, got %v", id, info.Status)
		}
		if info.BundleID != "bundle-happy" {
			t.Fatalf("want bundle-happy, got %s", info.BundleID)
		}
	}
}

func TestFinalizeSeededBundleAlreadyAdvancedIsNoop(t *testing.T) {
	s := newTestStore(t)
	if err := s.FinalizeSeededBundle("no-such-plan", 1, false); err != nil {
		t.Fatalf("want no-op, got %v", err)
	}
}

func TestUpdateSeededBundleToDroppedReroutesItems(t *testing.T) {
	s := newTestStore(t)
	planItems(t, s, "plan-drop", "dr-1")

	b := &Bundle{BundleID: "bundle-drop", PlanID: "plan-drop", Reward: big.NewInt(1), Anchor: "a"}
	if err := s.InsertNewBundle(b); err != nil {
		t.Fatalf("InsertNewBundle: %v", err)
	}
	if err := s.InsertPostedBundle("bundle-drop", 1.0); err != nil {
		t.Fatalf("InsertPostedBundle: %v", err)
	}
	if err := s.InsertSeededBundle("bundle-drop"); err != nil {
		t.Fatalf("InsertSeededBundle: %v", err)
	}

	if err := s.UpdateSeededBundleToDropped("plan-drop", "bundle-drop"); err != nil {
		t.Fatalf("UpdateSeededBundleToDropped: %v", err)
	}

	info, err := s.GetDataItemInfo("dr-1")
	if err != nil {
		t.Fatalf("GetDataItemInfo: %v", err)
	}
	if info.Status != StatusNew {
		t.Fatalf("want item moved back to new after drop, got %v", info.Status)
	}
}

func TestUpdateNewBundleToFailedToPostReroutesItems(t *testing.T) {
	s := newTestStore(t)
	planItems(t, s, "plan-failpost", "fp-1")

	b := &Bundle{BundleID: "bundle-failpost", PlanID: "plan-failpost", Reward: big.NewInt(1), Anchor: "a"}
	if err := s.InsertNewBundle(b); err != nil {
		t.Fatalf("InsertNewBundle: %v", err)
	}

	if err := s.UpdateNewBundleToFailedToPost("plan-failpost", "bundle-failpost"); err != nil {
		t.Fatalf("UpdateNewBundleToFailedToPost: %v", err)
	}

	info, err := s.GetDataItemInfo("fp-1")
	if err != nil {
		t.Fatalf("GetDataItemInfo: %v", err)
	}
	if info.Status != StatusNew {
		t.Fatalf("want item moved back to new, got %v", info.Status)
	}
}

func TestUpdateDataItemsToBeRepackedRespectsRetryLimit(t *testing.T) {
	s := newTestStore(t)
	// newTestStore sets RetryLimit to 3.
	if err := s.InsertNewDataItem(sampleItem("retry-1")); err != nil {
		t.Fatalf("insert: %v", err)
	}

	for i := 0; i < 2; i++ {
		planID := fakePlanID(i)
		if err := s.InsertBundlePlan(planID, []string{"retry-1"}); err != nil {
			t.Fatalf("plan %d: %v", i, err)
		}
		if err := s.UpdateDataItemsToBeRepacked([]string{"retry-1"}, "losing-bundle-"+planID); err != nil {
			t.Fatalf("repack %d: %v", i, err)
		}
		info, err := s.GetDataItemInfo("retry-1")
		if err != nil {
			t.Fatalf("GetDataItemInfo: %v", err)
		}
		if info.Status != StatusNew {
			t.Fatalf("iteration %d: want status new, got %v", i, info.Status)
		}
	}

	// Third failure reaches RetryLimit (3) and should move to failed.
	if err := s.InsertBundlePlan("plan-final", []string{"retry-1"}); err != nil {
		t.Fatalf("final plan: %v", err)
	}
	if err := s.UpdateDataItemsToBeRepacked([]string{"retry-1"}, "losing-bundle-final"); err != nil {
		t.Fatalf("final repack: %v", err)
	}

	info, err := s.GetDataItemInfo("retry-1")
	if err != nil {
		t.Fatalf("GetDataItemInfo: %v", err)
	}
	if info.Status != StatusFailed {
		t.Fatalf("want status failed after retry limit, got %v", info.Status)
	}
}

func fakePlanID(i int) string {
	return "plan-retry-" + string(rune('a'+i))
}
