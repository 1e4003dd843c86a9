// Package gateway provides the blockchain gateway adapter (C3): price
// quotes, transaction posting and status, tx-anchor to block-height
// resolution, GQL presence checks, and wallet balance lookups against an
// Arweave-compatible gateway.
package gateway

import (
	"context"
	"errors"
	"io"
	"math/big"
)

// TxStatusKind is the tri-state result of tx_status.
type TxStatusKind string

const (
	TxNotFound TxStatusKind = "not_found"
	TxPending  TxStatusKind = "pending"
	TxFound    TxStatusKind = "found"
)

// TxStatus is the result of a tx_status call.
type TxStatus struct {
	Status        TxStatusKind
	Confirmations int64
	BlockHeight   int64
}

// GQLItemPresence is one row of a data_items_on_gql response.
type GQLItemPresence struct {
	ID          string
	BlockHeight int64 // 0 if not yet mined
	BundledIn   string
}

var ErrPermanentRejection = errors.New("gateway permanently rejected request")

// Gateway is the blockchain RPC surface the worker packages depend on.
// Implementations must retry transient failures with exponential backoff
// internally; callers only see ErrPermanentRejection or an errkind-wrapped
// transient error after retries are exhausted.
type Gateway interface {
	PriceForBytes(ctx context.Context, n int64) (winston *big.Int, err error)
	PostTx(ctx context.Context, header []byte) error
	UploadChunks(ctx context.Context, txID string, payload io.Reader, payloadSize int64) error
	TxStatus(ctx context.Context, id string) (*TxStatus, error)
	CurrentBlockHeight(ctx context.Context) (int64, error)
	BlockHeightForTxAnchor(ctx context.Context, anchor string) (int64, error)
	DataItemsOnGQL(ctx context.Context, ids []string, limit int) ([]GQLItemPresence, error)
	Balance(ctx context.Context, walletAddress string) (winston *big.Int, err error)

	// USDToARRate fetches the current USD/AR exchange rate for the posted
	// bundle's informational usd_to_ar_rate column. Failure to fetch is
	// non-fatal; callers should proceed with a zero rate.
	USDToARRate(ctx context.Context) (float64, error)
}
