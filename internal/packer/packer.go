// Package packer implements the deterministic bin-packing decision (C4):
// which pending data items go into which future bundle.
package packer

import (
	"sort"
	"time"

	"github.com/ar-bundler/bundler/pkg/logging"
)

// Item is the subset of a data item's fields the packer needs.
type Item struct {
	DataItemID   string
	ByteCount    int64
	UploadedDate time.Time
}

// Plan is one bundle's worth of packed items.
type Plan struct {
	ItemIDs        []string
	TotalBytes     int64
	ItemSizes      []int64
	ContainsOverdue bool
}

// Limits bounds a single pack invocation.
type Limits struct {
	MaxTotalBytes      int64
	MaxSingleItemBytes int64
	MaxItemsPerBundle  int
	OverdueThreshold   time.Duration
}

type openPlan struct {
	itemIDs    []string
	itemSizes  []int64
	totalBytes int64
	overdue    bool
}

func (p *openPlan) hasCapacity(byteCount int64, limits Limits) bool {
	return len(p.itemIDs) < limits.MaxItemsPerBundle && p.totalBytes+byteCount <= limits.MaxTotalBytes
}

// HasCapacity reports whether an already-built plan still has room for one
// more item of arbitrary size, by the strict-inequality form of the
// predicate: items_count < max AND total_bytes < max_total. Used to
// validate a finished Plan, not during assignment
// (assignment uses the admitting item's size, see hasCapacity above).
func HasCapacity(p Plan, limits Limits) bool {
	return len(p.ItemIDs) < limits.MaxItemsPerBundle && p.TotalBytes < limits.MaxTotalBytes
}

// Pack runs the deterministic packing algorithm:
//  1. drop items over MaxSingleItemBytes (logged, ignored)
//  2. sort remaining items by byte_count ascending (stable)
//  3. assign each item to the lowest-indexed plan with capacity, else open a new one
//  4. mark each plan overdue iff any of its items was uploaded before now-OverdueThreshold
func Pack(items []Item, limits Limits, now time.Time) []Plan {
	log := logging.GetDefault().Component("packer")

	eligible := make([]Item, 0, len(items))
	for _, item := range items {
		if item.ByteCount > limits.MaxSingleItemBytes {
			log.Warn("dropping oversize data item from packing", "data_item_id", item.DataItemID, "byte_count", item.ByteCount)
			continue
		}
		eligible = append(eligible, item)
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		return eligible[i].ByteCount < eligible[j].ByteCount
	})

	overdueCutoff := now.Add(-limits.OverdueThreshold)

	var plans []*openPlan
	for _, item := range eligible {
		var target *openPlan
		for _, p := range plans {
			if p.hasCapacity(item.ByteCount, limits) {
				target = p
				break
			}
		}
		if target == nil {
			target = &openPlan{}
			plans = append(plans, target)
		}

		target.itemIDs = append(target.itemIDs, item.DataItemID)
		target.itemSizes = append(target.itemSizes, item.ByteCount)
		target.totalBytes += item.ByteCount
		if item.UploadedDate.Before(overdueCutoff) {
			target.overdue = true
		}
	}

	out := make([]Plan, len(plans))
	for i, p := range plans {
		out[i] = Plan{
			ItemIDs:         p.itemIDs,
			TotalBytes:      p.totalBytes,
			ItemSizes:       p.itemSizes,
			ContainsOverdue: p.overdue,
		}
	}
	return out
}
