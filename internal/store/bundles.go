package store

import (
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"time"
)

// BundleStatus is the table a bundle currently lives in.
type BundleStatus string

const (
	BundleStatusNew       BundleStatus = "new"
	BundleStatusPosted    BundleStatus = "posted"
	BundleStatusSeeded    BundleStatus = "seeded"
	BundleStatusPermanent BundleStatus = "permanent"
	BundleStatusFailed    BundleStatus = "failed"
)

// Bundle is a single on-chain transaction carrying many data items.
type Bundle struct {
	BundleID             string
	PlanID               string
	Reward               *big.Int
	HeaderByteCount      int64
	PayloadByteCount     int64
	TransactionByteCount int64
	Anchor               string
	USDToARRate          float64
	PlannedDate          time.Time
	SignedDate           time.Time
	PostedDate           time.Time
	SeededDate           time.Time
	PermanentDate        time.Time
	BlockHeight          int64
	IndexedOnGQL         bool
	FailedReason         string
}

// InsertNewBundle deletes the bundle_plan row for planID and inserts the
// new_bundle row. Fails with ErrNotFound if the plan is missing (and the
// bundle isn't already present, which would mean a redelivered message).
func (s *Store) InsertNewBundle(b *Bundle) error {
	return s.withTx(func(tx *sql.Tx) error {
		exists, err := bundleRowExists(tx, "new_bundle", b.BundleID)
		if err != nil {
			return err
		}
		if exists {
			return nil // already_advanced
		}

		var one int
		err = tx.QueryRow(`SELECT 1 FROM bundle_plan WHERE plan_id = ?`, b.PlanID).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: plan %s", ErrNotFound, b.PlanID)
		}
		if err != nil {
			return err
		}

		if _, err := tx.Exec(`DELETE FROM bundle_plan WHERE plan_id = ?`, b.PlanID); err != nil {
			return err
		}

		now := time.Now()
		_, err = tx.Exec(`
			INSERT INTO new_bundle (
				bundle_id, plan_id, reward, header_byte_count, payload_byte_count,
				transaction_byte_count, anchor, planned_date, signed_date
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, b.BundleID, b.PlanID, b.Reward.String(), b.HeaderByteCount, b.PayloadByteCount,
			b.TransactionByteCount, b.Anchor, now.UnixMilli(), now.UnixMilli())
		return err
	})
}

// GetNewBundle returns the bundle_id and reward for the new_bundle row
// belonging to planID, for the post worker's C7 step 1. Returns
// ErrNotFound if the plan has no new_bundle row (already advanced, or
// prepare hasn't run yet).
func (s *Store) GetNewBundle(planID string) (bundleID string, reward *big.Int, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rewardStr string
	err = s.db.QueryRow(`SELECT bundle_id, reward FROM new_bundle WHERE plan_id = ?`, planID).Scan(&bundleID, &rewardStr)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil, fmt.Errorf("%w: no new_bundle for plan %s", ErrNotFound, planID)
	}
	if err != nil {
		return "", nil, err
	}
	return bundleID, parseBigOrZero(rewardStr), nil
}

// InsertPostedBundle moves a new_bundle row to posted_bundle, recording the
// opportunistically-fetched USD/AR rate (a zero rate is valid: fetch failure
// is non-fatal).
func (s *Store) InsertPostedBundle(bundleID string, usdToARRate float64) error {
	return s.withTx(func(tx *sql.Tx) error {
		exists, err := bundleRowExists(tx, "posted_bundle", bundleID)
		if err != nil {
			return err
		}
		if exists {
			return nil
		}

		var planID, reward, anchor string
		var header, payload, txSize, planned, signed int64
		err = tx.QueryRow(`
			SELECT plan_id, reward, header_byte_count, payload_byte_count,
			       transaction_byte_count, anchor, planned_date, signed_date
			FROM new_bundle WHERE bundle_id = ?
		`, bundleID).Scan(&planID, &reward, &header, &payload, &txSize, &anchor, &planned, &signed)
		if errors.Is(err, sql.ErrNoRows) {
			return nil // already advanced or never existed; treat as no-op
		}
		if err != nil {
			return err
		}

		if _, err := tx.Exec(`DELETE FROM new_bundle WHERE bundle_id = ?`, bundleID); err != nil {
			return err
		}

		_, err = tx.Exec(`
			INSERT INTO posted_bundle (
				bundle_id, plan_id, reward, header_byte_count, payload_byte_count,
				transaction_byte_count, anchor, usd_to_ar_rate, planned_date, signed_date, posted_date
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, bundleID, planID, reward, header, payload, txSize, anchor, usdToARRate, planned, signed, time.Now().UnixMilli())
		return err
	})
}

// InsertSeededBundle moves a posted_bundle row to seeded_bundle.
func (s *Store) InsertSeededBundle(bundleID string) error {
	return s.withTx(func(tx *sql.Tx) error {
		exists, err := bundleRowExists(tx, "seeded_bundle", bundleID)
		if err != nil {
			return err
		}
		if exists {
			return nil
		}

		var planID, reward, anchor string
		var header, payload, txSize, planned, signed, posted int64
		var rate float64
		err = tx.QueryRow(`
			SELECT plan_id, reward, header_byte_count, payload_byte_count,
			       transaction_byte_count, anchor, usd_to_ar_rate, planned_date, signed_date, posted_date
			FROM posted_bundle WHERE bundle_id = ?
		`, bundleID).Scan(&planID, &reward, &header, &payload, &txSize, &anchor, &rate, &planned, &signed, &posted)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}

		if _, err := tx.Exec(`DELETE FROM posted_bundle WHERE bundle_id = ?`, bundleID); err != nil {
			return err
		}

		_, err = tx.Exec(`
			INSERT INTO seeded_bundle (
				bundle_id, plan_id, reward, header_byte_count, payload_byte_count,
				transaction_byte_count, anchor, usd_to_ar_rate, planned_date, signed_date, posted_date, seeded_date
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, bundleID, planID, reward, header, payload, txSize, anchor, rate, planned, signed, posted, time.Now().UnixMilli())
		return err
	})
}

// GetPostedBundleID returns the bundle_id of the posted_bundle row for
// planID, for the seed worker's C8 step 1. Returns ErrNotFound if absent.
func (s *Store) GetPostedBundleID(planID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var bundleID string
	err := s.db.QueryRow(`SELECT bundle_id FROM posted_bundle WHERE plan_id = ?`, planID).Scan(&bundleID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: no posted_bundle for plan %s", ErrNotFound, planID)
	}
	if err != nil {
		return "", err
	}
	return bundleID, nil
}

// SeededBundleRow is the shape returned by GetSeededBundles.
type SeededBundleRow struct {
	BundleID    string
	PlanID      string
	Anchor      string
	PostedDate  time.Time
	SeededDate  time.Time
}

// GetSeededBundles returns seeded bundles whose seeded_date is older than
// olderThan, eligible for a verify poll.
func (s *Store) GetSeededBundles(olderThan time.Time) ([]*SeededBundleRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT bundle_id, plan_id, anchor, posted_date, seeded_date
		FROM seeded_bundle WHERE seeded_date <= ? ORDER BY seeded_date ASC
	`, olderThan.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*SeededBundleRow
	for rows.Next() {
		var r SeededBundleRow
		var posted, seeded int64
		if err := rows.Scan(&r.BundleID, &r.PlanID, &r.Anchor, &posted, &seeded); err != nil {
			return nil, err
		}
		r.PostedDate = time.UnixMilli(posted).UTC()
		r.SeededDate = time.UnixMilli(seeded).UTC()
		out = append(out, &r)
	}
	return out, rows.Err()
}

// FinalizeSeededBundle moves a seeded_bundle row to permanent_bundle without
// touching planned_data_item, used by the verify worker once every one of
// the bundle's items has already been individually resolved via
// UpdateDataItemsAsPermanent / UpdateDataItemsToBeRepacked (C9 step 4d).
func (s *Store) FinalizeSeededBundle(planID string, blockHeight int64, indexedOnGQL bool) error {
	return s.withTx(func(tx *sql.Tx) error {
		var bundleID, reward, anchor string
		var header, payload, txSize, planned, signed, posted, seeded int64
		var rate float64
		err := tx.QueryRow(`
			SELECT bundle_id, reward, header_byte_count, payload_byte_count,
			       transaction_byte_count, anchor, usd_to_ar_rate, planned_date, signed_date, posted_date, seeded_date
			FROM seeded_bundle WHERE plan_id = ?
		`, planID).Scan(&bundleID, &reward, &header, &payload, &txSize, &anchor, &rate, &planned, &signed, &posted, &seeded)
		if errors.Is(err, sql.ErrNoRows) {
			return nil // already_advanced
		}
		if err != nil {
			return err
		}

		if _, err := tx.Exec(`DELETE FROM seeded_bundle WHERE plan_id = ?`, planID); err != nil {
			return err
		}

		_, err = tx.Exec(`
			INSERT INTO permanent_bundle (
				bundle_id, plan_id, reward, header_byte_count, payload_byte_count,
				transaction_byte_count, usd_to_ar_rate, planned_date, signed_date,
				posted_date, seeded_date, permanent_date, block_height, indexed_on_gql
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, bundleID, planID, reward, header, payload, txSize, rate, planned, signed, posted, seeded,
			time.Now().UnixMilli(), blockHeight, boolToInt(indexedOnGQL))
		return err
	})
}

// UpdateDataItemsAsPermanent moves the given item ids (assumed present in
// planned_data_item under planID) to their permanent partition, used by the
// verify worker for the items of a bundle confirmed present on the GQL
// index; any items not confirmed are repacked separately.
func (s *Store) UpdateDataItemsAsPermanent(ids []string, planID, bundleID string, blockHeight int64) error {
	return s.withTx(func(tx *sql.Tx) error {
		for _, id := range ids {
			row := tx.QueryRow(`
				SELECT data_item_id, owner_public_key, owner_address, signature_type,
				       byte_count, payload_data_start, payload_content_type,
				       assessed_winston_price, uploaded_date, deadline_height,
				       failed_bundles, premium_feature_type, signature
				FROM planned_data_item WHERE data_item_id = ? AND plan_id = ?
			`, id, planID)

			item, err := scanDataItemRow(row)
			if errors.Is(err, sql.ErrNoRows) {
				continue
			}
			if err != nil {
				return err
			}

			key := partitionKeyFor(item.UploadedDate)
			if err := s.ensurePartitionTable(tx, key); err != nil {
				return err
			}
			table := partitionTableName(key)

			failedJSON, err := item.failedBundlesJSON()
			if err != nil {
				return err
			}
			now := time.Now().UnixMilli()
			_, err = tx.Exec(fmt.Sprintf(`
				INSERT INTO %s (
					data_item_id, owner_public_key, owner_address, signature_type,
					byte_count, payload_data_start, payload_content_type,
					assessed_winston_price, uploaded_date, deadline_height,
					failed_bundles, premium_feature_type, signature,
					bundle_id, permanent_date, block_height
				) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			`, table),
				item.DataItemID, item.OwnerPublicKey, item.OwnerAddress, item.SignatureType,
				item.ByteCount, item.PayloadDataStart, item.PayloadContentType,
				item.AssessedWinstonPrice.String(), item.UploadedDate.UnixMilli(), item.DeadlineHeight,
				failedJSON, item.PremiumFeatureType, item.Signature,
				bundleID, now, blockHeight,
			)
			if err != nil {
				return err
			}

			_, err = tx.Exec(`
				INSERT INTO permanent_data_item_index (data_item_id, partition_key, bundle_id)
				VALUES (?, ?, ?)
				ON CONFLICT(data_item_id) DO UPDATE SET partition_key = excluded.partition_key, bundle_id = excluded.bundle_id
			`, item.DataItemID, key, bundleID)
			if err != nil {
				return err
			}

			if _, err := tx.Exec(`DELETE FROM planned_data_item WHERE data_item_id = ?`, id); err != nil {
				return err
			}
		}
		return nil
	})
}

// UpdateDataItemsToBeRepacked appends losingBundleID to each item's
// failed_bundles list and moves it back to new_data_item, unless the list
// has reached the retry limit, in which case it moves to failed_data_item
// with reason too_many_failures. failed_bundles length is monotonically
// non-decreasing.
func (s *Store) UpdateDataItemsToBeRepacked(ids []string, losingBundleID string) error {
	return s.withTx(func(tx *sql.Tx) error {
		for _, id := range ids {
			row := tx.QueryRow(`
				SELECT data_item_id, owner_public_key, owner_address, signature_type,
				       byte_count, payload_data_start, payload_content_type,
				       assessed_winston_price, uploaded_date, deadline_height,
				       failed_bundles, premium_feature_type, signature
				FROM planned_data_item WHERE data_item_id = ?
			`, id)

			item, err := scanDataItemRow(row)
			if errors.Is(err, sql.ErrNoRows) {
				continue // already_advanced
			}
			if err != nil {
				return err
			}

			if _, err := tx.Exec(`DELETE FROM planned_data_item WHERE data_item_id = ?`, id); err != nil {
				return err
			}

			item.FailedBundles = append(item.FailedBundles, losingBundleID)

			if len(item.FailedBundles) >= s.RetryLimit {
				failedJSON, err := item.failedBundlesJSON()
				if err != nil {
					return err
				}
				_, err = tx.Exec(`
					INSERT INTO failed_data_item (
						data_item_id, owner_public_key, owner_address, signature_type,
						byte_count, payload_data_start, payload_content_type,
						assessed_winston_price, uploaded_date, deadline_height,
						failed_bundles, premium_feature_type, signature, failed_reason, failed_date
					) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
				`,
					item.DataItemID, item.OwnerPublicKey, item.OwnerAddress, item.SignatureType,
					item.ByteCount, item.PayloadDataStart, item.PayloadContentType,
					item.AssessedWinstonPrice.String(), item.UploadedDate.UnixMilli(), item.DeadlineHeight,
					failedJSON, item.PremiumFeatureType, item.Signature, "too_many_failures", time.Now().UnixMilli(),
				)
				if err != nil {
					return err
				}
				continue
			}

			if err := s.insertNewRow(tx, item); err != nil {
				return err
			}
		}
		return nil
	})
}

// UpdateSeededBundleToDropped moves a seeded_bundle to failed_bundle (the tx
// was lost more than tx_re_post_threshold_blocks past its anchor) and
// reroutes its items via UpdateDataItemsToBeRepacked.
func (s *Store) UpdateSeededBundleToDropped(planID, bundleID string) error {
	var itemIDs []string
	err := s.withTx(func(tx *sql.Tx) error {
		var planIDCol, reward string
		err := tx.QueryRow(`SELECT plan_id, reward FROM seeded_bundle WHERE plan_id = ? AND bundle_id = ?`, planID, bundleID).
			Scan(&planIDCol, &reward)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}

		rows, err := tx.Query(`SELECT data_item_id FROM planned_data_item WHERE plan_id = ?`, planID)
		if err != nil {
			return err
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			itemIDs = append(itemIDs, id)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()

		if _, err := tx.Exec(`DELETE FROM seeded_bundle WHERE plan_id = ?`, planID); err != nil {
			return err
		}

		_, err = tx.Exec(`
			INSERT INTO failed_bundle (bundle_id, plan_id, reward, failed_date, failed_reason)
			VALUES (?, ?, ?, ?, ?)
		`, bundleID, planID, reward, time.Now().UnixMilli(), "tx_lost")
		return err
	})
	if err != nil {
		return err
	}
	if len(itemIDs) == 0 {
		return nil
	}
	return s.UpdateDataItemsToBeRepacked(itemIDs, bundleID)
}

// UpdateNewBundleToFailedToPost moves a new_bundle to failed_bundle after a
// permanent gateway rejection of post_tx, and reroutes its items.
func (s *Store) UpdateNewBundleToFailedToPost(planID, bundleID string) error {
	var itemIDs []string
	err := s.withTx(func(tx *sql.Tx) error {
		var reward string
		err := tx.QueryRow(`SELECT reward FROM new_bundle WHERE plan_id = ? AND bundle_id = ?`, planID, bundleID).Scan(&reward)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}

		rows, err := tx.Query(`SELECT data_item_id FROM planned_data_item WHERE plan_id = ?`, planID)
		if err != nil {
			return err
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			itemIDs = append(itemIDs, id)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()

		if _, err := tx.Exec(`DELETE FROM new_bundle WHERE plan_id = ?`, planID); err != nil {
			return err
		}

		_, err = tx.Exec(`
			INSERT INTO failed_bundle (bundle_id, plan_id, reward, failed_date, failed_reason)
			VALUES (?, ?, ?, ?, ?)
		`, bundleID, planID, reward, time.Now().UnixMilli(), "failed_to_post")
		return err
	})
	if err != nil {
		return err
	}
	if len(itemIDs) == 0 {
		return nil
	}
	return s.UpdateDataItemsToBeRepacked(itemIDs, bundleID)
}

func bundleRowExists(tx *sql.Tx, table, id string) (bool, error) {
	var one int
	err := tx.QueryRow(fmt.Sprintf(`SELECT 1 FROM %s WHERE bundle_id = ?`, table), id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
