package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ar-bundler/bundler/pkg/metrics"
)

// Sentinel errors surfaced by data item operations.
var (
	ErrAlreadyExists = errors.New("already_exists")
	ErrNotFound      = errors.New("not_found")
)

// ItemStatus is the table a data item currently lives in.
type ItemStatus string

const (
	StatusNew       ItemStatus = "new"
	StatusPlanned   ItemStatus = "planned"
	StatusPermanent ItemStatus = "permanent"
	StatusFailed    ItemStatus = "failed"
)

// DataItem is the atomic bundleable unit.
type DataItem struct {
	DataItemID           string
	OwnerPublicKey       []byte
	OwnerAddress         string
	SignatureType        int
	ByteCount            int64
	PayloadDataStart     int64
	PayloadContentType   string
	AssessedWinstonPrice *big.Int
	UploadedDate         time.Time
	DeadlineHeight       int64
	FailedBundles        []string
	PremiumFeatureType   string
	Signature            []byte
}

func (d *DataItem) failedBundlesJSON() (string, error) {
	b, err := json.Marshal(d.FailedBundles)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func parseFailedBundles(raw string) []string {
	var out []string
	if raw == "" {
		return out
	}
	_ = json.Unmarshal([]byte(raw), &out)
	return out
}

// InsertNewDataItem inserts item into new_data_item. If a row with the same
// id exists in failed_data_item, it is deleted first, allowing re-upload
// after terminal failure. If the id already exists in new/planned/permanent,
// it fails with ErrAlreadyExists.
func (s *Store) InsertNewDataItem(item *DataItem) error {
	err := s.withTx(func(tx *sql.Tx) error {
		return s.insertNewDataItemTx(tx, item)
	})
	if err != nil {
		if errors.Is(err, ErrAlreadyExists) {
			metrics.DataItemsRejectedTotal.WithLabelValues("already_exists").Inc()
		}
		return err
	}
	metrics.DataItemsIngestedTotal.Inc()
	return nil
}

func (s *Store) insertNewDataItemTx(tx *sql.Tx, item *DataItem) error {
	exists, err := rowExists(tx, "new_data_item", item.DataItemID)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%w: %s in new_data_item", ErrAlreadyExists, item.DataItemID)
	}
	exists, err = rowExists(tx, "planned_data_item", item.DataItemID)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%w: %s in planned_data_item", ErrAlreadyExists, item.DataItemID)
	}
	if exists, err = s.permanentIndexExists(tx, item.DataItemID); err != nil {
		return err
	} else if exists {
		return fmt.Errorf("%w: %s in permanent_data_item", ErrAlreadyExists, item.DataItemID)
	}

	if _, err := tx.Exec(`DELETE FROM failed_data_item WHERE data_item_id = ?`, item.DataItemID); err != nil {
		return err
	}

	return s.insertNewRow(tx, item)
}

func (s *Store) insertNewRow(tx *sql.Tx, item *DataItem) error {
	failedJSON, err := item.failedBundlesJSON()
	if err != nil {
		return err
	}
	_, err = tx.Exec(`
		INSERT INTO new_data_item (
			data_item_id, owner_public_key, owner_address, signature_type,
			byte_count, payload_data_start, payload_content_type,
			assessed_winston_price, uploaded_date, deadline_height,
			failed_bundles, premium_feature_type, signature
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		item.DataItemID, item.OwnerPublicKey, item.OwnerAddress, item.SignatureType,
		item.ByteCount, item.PayloadDataStart, item.PayloadContentType,
		item.AssessedWinstonPrice.String(), item.UploadedDate.UnixMilli(), item.DeadlineHeight,
		failedJSON, item.PremiumFeatureType, item.Signature,
	)
	return err
}

// InsertNewDataItemBatch inserts items, deduplicated within the batch. Rows
// that conflict with an existing new/planned/permanent row are silently
// skipped; per-item failures are absorbed so the rest of the batch proceeds.
// Returns the ids actually inserted.
func (s *Store) InsertNewDataItemBatch(items []*DataItem) ([]string, error) {
	seen := make(map[string]bool, len(items))
	var inserted []string

	err := s.withTx(func(tx *sql.Tx) error {
		for _, item := range items {
			if seen[item.DataItemID] {
				continue
			}
			seen[item.DataItemID] = true

			if err := s.insertNewDataItemTx(tx, item); err != nil {
				if errors.Is(err, ErrAlreadyExists) {
					continue
				}
				return err
			}
			inserted = append(inserted, item.DataItemID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.DataItemsIngestedTotal.Add(float64(len(inserted)))
	return inserted, nil
}

// GetNewDataItems returns up to max rows from new_data_item older than
// olderThan, ordered by uploaded_date ascending.
func (s *Store) GetNewDataItems(max int, olderThan time.Time) ([]*DataItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT data_item_id, owner_public_key, owner_address, signature_type,
		       byte_count, payload_data_start, payload_content_type,
		       assessed_winston_price, uploaded_date, deadline_height,
		       failed_bundles, premium_feature_type, signature
		FROM new_data_item
		WHERE uploaded_date <= ?
		ORDER BY uploaded_date ASC
		LIMIT ?
	`, olderThan.UnixMilli(), max)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanDataItems(rows)
}

func scanDataItems(rows *sql.Rows) ([]*DataItem, error) {
	var out []*DataItem
	for rows.Next() {
		item, err := scanDataItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

func scanDataItem(rows *sql.Rows) (*DataItem, error) {
	var (
		item              DataItem
		uploadedMillis    int64
		priceStr          string
		failedBundlesJSON string
	)
	if err := rows.Scan(
		&item.DataItemID, &item.OwnerPublicKey, &item.OwnerAddress, &item.SignatureType,
		&item.ByteCount, &item.PayloadDataStart, &item.PayloadContentType,
		&priceStr, &uploadedMillis, &item.DeadlineHeight,
		&failedBundlesJSON, &item.PremiumFeatureType, &item.Signature,
	); err != nil {
		return nil, err
	}
	item.UploadedDate = time.UnixMilli(uploadedMillis).UTC()
	item.FailedBundles = parseFailedBundles(failedBundlesJSON)
	price, ok := new(big.Int).SetString(priceStr, 10)
	if !ok {
		price = big.NewInt(0)
	}
	item.AssessedWinstonPrice = price
	return &item, nil
}

func rowExists(tx *sql.Tx, table, id string) (bool, error) {
	var one int
	err := tx.QueryRow(fmt.Sprintf(`SELECT 1 FROM %s WHERE data_item_id = ?`, table), id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// UpdatePlannedDataItemAsFailed moves a single planned item to
// failed_data_item with the given reason (C6 step 2, missing_from_object_store).
func (s *Store) UpdatePlannedDataItemAsFailed(id, reason string) error {
	return s.withTx(func(tx *sql.Tx) error {
		row := tx.QueryRow(`
			SELECT data_item_id, owner_public_key, owner_address, signature_type,
			       byte_count, payload_data_start, payload_content_type,
			       assessed_winston_price, uploaded_date, deadline_height,
			       failed_bundles, premium_feature_type, signature
			FROM planned_data_item WHERE data_item_id = ?
		`, id)

		item, err := scanDataItemRow(row)
		if errors.Is(err, sql.ErrNoRows) {
			return nil // already_advanced: nothing to do
		}
		if err != nil {
			return err
		}

		if _, err := tx.Exec(`DELETE FROM planned_data_item WHERE data_item_id = ?`, id); err != nil {
			return err
		}

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
			failedJSON, item.PremiumFeatureType, item.Signature, reason, time.Now().UnixMilli(),
		)
		return err
	})
}

func scanDataItemRow(row *sql.Row) (*DataItem, error) {
	var (
		item              DataItem
		uploadedMillis    int64
		priceStr          string
		failedBundlesJSON string
	)
	if err := row.Scan(
		&item.DataItemID, &item.OwnerPublicKey, &item.OwnerAddress, &item.SignatureType,
		&item.ByteCount, &item.PayloadDataStart, &item.PayloadContentType,
		&priceStr, &uploadedMillis, &item.DeadlineHeight,
		&failedBundlesJSON, &item.PremiumFeatureType, &item.Signature,
	); err != nil {
		return nil, err
	}
	item.UploadedDate = time.UnixMilli(uploadedMillis).UTC()
	item.FailedBundles = parseFailedBundles(failedBundlesJSON)
	price, ok := new(big.Int).SetString(priceStr, 10)
	if !ok {
		price = big.NewInt(0)
	}
	item.AssessedWinstonPrice = price
	return &item, nil
}

// DataItemInfo is the status projection returned by GetDataItemInfo.
type DataItemInfo struct {
	Status               ItemStatus
	AssessedWinstonPrice *big.Int
	BundleID             string // set only when Status == StatusPermanent
}

// GetDataItemInfo reports a data item's current state, searching every
// status table. Returns ErrNotFound if the id is in none of them.
func (s *Store) GetDataItemInfo(id string) (*DataItemInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var priceStr string
	err := s.db.QueryRow(`SELECT assessed_winston_price FROM new_data_item WHERE data_item_id = ?`, id).Scan(&priceStr)
	if err == nil {
		return &DataItemInfo{Status: StatusNew, AssessedWinstonPrice: parseBigOrZero(priceStr)}, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	err = s.db.QueryRow(`SELECT assessed_winston_price FROM planned_data_item WHERE data_item_id = ?`, id).Scan(&priceStr)
	if err == nil {
		return &DataItemInfo{Status: StatusPlanned, AssessedWinstonPrice: parseBigOrZero(priceStr)}, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	var bundleID, partitionKey string
	err = s.db.QueryRow(`SELECT bundle_id, partition_key FROM permanent_data_item_index WHERE data_item_id = ?`, id).Scan(&bundleID, &partitionKey)
	if err == nil {
		table := partitionTableName(partitionKey)
		err = s.db.QueryRow(fmt.Sprintf(`SELECT assessed_winston_price FROM %s WHERE data_item_id = ?`, table), id).Scan(&priceStr)
		if err != nil {
			return nil, err
		}
		return &DataItemInfo{Status: StatusPermanent, AssessedWinstonPrice: parseBigOrZero(priceStr), BundleID: bundleID}, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	err = s.db.QueryRow(`SELECT assessed_winston_price FROM failed_data_item WHERE data_item_id = ?`, id).Scan(&priceStr)
	if err == nil {
		return &DataItemInfo{Status: StatusFailed, AssessedWinstonPrice: parseBigOrZero(priceStr)}, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	return nil, ErrNotFound
}

func parseBigOrZero(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return big.NewInt(0)
	}
	return v
}
