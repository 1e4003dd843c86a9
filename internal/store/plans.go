package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// BundlePlan is a set of data item ids chosen to ride together. It
// exists briefly until promoted to a bundle.
type BundlePlan struct {
	PlanID      string
	PlannedDate time.Time
}

// InsertBundlePlan moves each id in ids from new_data_item to
// planned_data_item under planID, and inserts the bundle_plan row, all in
// one transaction. Items that cannot be located in new_data_item (already
// claimed by a concurrent plan worker) are silently skipped - this is what
// makes two concurrent plan-worker invocations race-safe: the loser simply
// moves fewer (possibly zero) items.
func (s *Store) InsertBundlePlan(planID string, ids []string) error {
	return s.withTx(func(tx *sql.Tx) error {
		now := time.Now()
		moved := 0

		for _, id := range ids {
			row := tx.QueryRow(`
				SELECT data_item_id, owner_public_key, owner_address, signature_type,
				       byte_count, payload_data_start, payload_content_type,
				       assessed_winston_price, uploaded_date, deadline_height,
				       failed_bundles, premium_feature_type, signature
				FROM new_data_item WHERE data_item_id = ?
			`, id)

			item, err := scanDataItemRow(row)
			if errors.Is(err, sql.ErrNoRows) {
				continue // claimed by a concurrent plan worker, or never existed
			}
			if err != nil {
				return err
			}

			if _, err := tx.Exec(`DELETE FROM new_data_item WHERE data_item_id = ?`, id); err != nil {
				return err
			}

			failedJSON, err := item.failedBundlesJSON()
			if err != nil {
				return err
			}
			_, err = tx.Exec(`
				INSERT INTO planned_data_item (
					data_item_id, plan_id, owner_public_key, owner_address, signature_type,
					byte_count, payload_data_start, payload_content_type,
					assessed_winston_price, uploaded_date, deadline_height,
					failed_bundles, premium_feature_type, signature
				) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			`,
				item.DataItemID, planID, item.OwnerPublicKey, item.OwnerAddress, item.SignatureType,
				item.ByteCount, item.PayloadDataStart, item.PayloadContentType,
				item.AssessedWinstonPrice.String(), item.UploadedDate.UnixMilli(), item.DeadlineHeight,
				failedJSON, item.PremiumFeatureType, item.Signature,
			)
			if err != nil {
				return err
			}
			moved++
		}

		_, err := tx.Exec(`
			INSERT INTO bundle_plan (plan_id, planned_date) VALUES (?, ?)
			ON CONFLICT(plan_id) DO NOTHING
		`, planID, now.UnixMilli())
		return err
	})
}

// GetPlannedDataItems returns every item currently parked under planID in
// planned_data_item, for the prepare worker's read of C6 step 1.
func (s *Store) GetPlannedDataItems(planID string) ([]*DataItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT data_item_id, owner_public_key, owner_address, signature_type,
		       byte_count, payload_data_start, payload_content_type,
		       assessed_winston_price, uploaded_date, deadline_height,
		       failed_bundles, premium_feature_type, signature
		FROM planned_data_item WHERE plan_id = ?
		ORDER BY uploaded_date ASC
	`, planID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanDataItems(rows)
}

// RevertPlanToNew moves every remaining planned_data_item row under planID
// back to new_data_item and removes the bundle_plan row, used by the
// prepare worker when a plan ends up with fewer than 2 viable items after
// object store losses (C6 step 2's abort-and-revert path).
func (s *Store) RevertPlanToNew(planID string) error {
	return s.withTx(func(tx *sql.Tx) error {
		rows, err := tx.Query(`
			SELECT data_item_id, owner_public_key, owner_address, signature_type,
			       byte_count, payload_data_start, payload_content_type,
			       assessed_winston_price, uploaded_date, deadline_height,
			       failed_bundles, premium_feature_type, signature
			FROM planned_data_item WHERE plan_id = ?
		`, planID)
		if err != nil {
			return err
		}
		items, err := scanDataItems(rows)
		rows.Close()
		if err != nil {
			return err
		}

		for _, item := range items {
			if _, err := tx.Exec(`DELETE FROM planned_data_item WHERE data_item_id = ?`, item.DataItemID); err != nil {
				return err
			}
			if err := s.insertNewRow(tx, item); err != nil {
				return err
			}
		}

		_, err = tx.Exec(`DELETE FROM bundle_plan WHERE plan_id = ?`, planID)
		return err
	})
}

// partitionTableName returns the physical permanent_data_item partition
// table for a half-month bucket key, e.g. "202607a" for July 1-15 2026.
func partitionTableName(key string) string {
	return fmt.Sprintf("permanent_data_item_%s", key)
}

// partitionKeyFor computes the half-month partition key for a timestamp.
func partitionKeyFor(t time.Time) string {
	half := "a"
	if t.Day() > 15 {
		half = "b"
	}
	return fmt.Sprintf("%04d%02d%s", t.Year(), int(t.Month()), half)
}

func (s *Store) ensurePartitionTable(tx *sql.Tx, key string) error {
	table := partitionTableName(key)
	schema := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			data_item_id TEXT PRIMARY KEY,
			owner_public_key BLOB,
			owner_address TEXT NOT NULL,
			signature_type INTEGER NOT NULL,
			byte_count INTEGER NOT NULL,
			payload_data_start INTEGER NOT NULL,
			payload_content_type TEXT,
			assessed_winston_price TEXT NOT NULL,
			uploaded_date INTEGER NOT NULL,
			deadline_height INTEGER,
			failed_bundles TEXT NOT NULL DEFAULT '[]',
			premium_feature_type TEXT,
			signature BLOB,
			bundle_id TEXT NOT NULL,
			permanent_date INTEGER NOT NULL,
			block_height INTEGER NOT NULL
		)
	`, table)
	_, err := tx.Exec(schema)
	return err
}

func (s *Store) permanentIndexExists(tx *sql.Tx, id string) (bool, error) {
	var one int
	err := tx.QueryRow(`SELECT 1 FROM permanent_data_item_index WHERE data_item_id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
