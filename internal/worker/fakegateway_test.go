package worker

import (
	"context"
	"io"
	"math/big"
	"sync"

	"github.com/ar-bundler/bundler/internal/gateway"
)

// fakeGateway is an in-memory Gateway used across worker tests. Each field
// is a hook a test can override; the zero value behaves as a healthy
// gateway with a large balance and an empty GQL index.
type fakeGateway struct {
	mu sync.Mutex

	price         *big.Int
	blockHeight   int64
	anchorHeight  int64
	balance       *big.Int
	postErr       error
	txStatus      *gateway.TxStatus
	txStatusErr   error
	gqlPresence   map[string]gateway.GQLItemPresence
	uploadErr     error
	postedHeaders [][]byte
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		price:        big.NewInt(1000),
		blockHeight:  100,
		anchorHeight: 90,
		balance:      big.NewInt(1_000_000_000),
		gqlPresence:  map[string]gateway.GQLItemPresence{},
	}
}

func (f *fakeGateway) PriceForBytes(ctx context.Context, n int64) (*big.Int, error) {
	return f.price, nil
}

func (f *fakeGateway) PostTx(ctx context.Context, header []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.postErr != nil {
		return f.postErr
	}
	f.postedHeaders = append(f.postedHeaders, header)
	return nil
}

func (f *fakeGateway) UploadChunks(ctx context.Context, txID string, payload io.Reader, payloadSize int64) error {
	if f.uploadErr != nil {
		return f.uploadErr
	}
	_, err := io.Copy(io.Discard, payload)
	return err
}

func (f *fakeGateway) TxStatus(ctx context.Context, id string) (*gateway.TxStatus, error) {
	if f.txStatusErr != nil {
		return nil, f.txStatusErr
	}
	if f.txStatus != nil {
		return f.txStatus, nil
	}
	return &gateway.TxStatus{Status: gateway.TxPending}, nil
}

func (f *fakeGateway) CurrentBlockHeight(ctx context.Context) (int64, error) {
	return f.blockHeight, nil
}

func (f *fakeGateway) BlockHeightForTxAnchor(ctx context.Context, anchor string) (int64, error) {
	return f.anchorHeight, nil
}

func (f *fakeGateway) DataItemsOnGQL(ctx context.Context, ids []string, limit int) ([]gateway.GQLItemPresence, error) {
	out := make([]gateway.GQLItemPresence, 0, len(ids))
	for _, id := range ids {
		if p, ok := f.gqlPresence[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeGateway) Balance(ctx context.Context, walletAddress string) (*big.Int, error) {
	return f.balance, nil
}

func (f *fakeGateway) USDToARRate(ctx context.Context) (float64, error) {
	return 6.5, nil
}

var _ gateway.Gateway = (*fakeGateway)(nil)
