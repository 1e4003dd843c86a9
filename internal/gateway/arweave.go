package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ar-bundler/bundler/internal/cache"
	"github.com/ar-bundler/bundler/internal/errkind"
	"github.com/ar-bundler/bundler/pkg/logging"
	"github.com/ar-bundler/bundler/pkg/metrics"
)

const blockHeightTTL = 60 * time.Second

// Arweave is the HTTP-backed Gateway implementation talking to an
// Arweave-compatible node/gateway (default https://arweave.net).
type Arweave struct {
	baseURL         string
	gqlURL          string
	httpClient      *http.Client
	log             *logging.Logger
	blockHeightCell *cache.Cell[int64]
}

// NewArweave builds an Arweave gateway client. gqlURL defaults to
// baseURL + "/graphql" when empty.
func NewArweave(baseURL, gqlURL string, timeout time.Duration) *Arweave {
	baseURL = strings.TrimSuffix(baseURL, "/")
	if gqlURL == "" {
		gqlURL = baseURL + "/graphql"
	}

	a := &Arweave{
		baseURL:    baseURL,
		gqlURL:     gqlURL,
		httpClient: &http.Client{Timeout: timeout},
		log:        logging.GetDefault().Component("gateway"),
	}
	a.blockHeightCell = cache.NewCell(blockHeightTTL, a.fetchCurrentBlockHeight)
	return a
}

func (a *Arweave) PriceForBytes(ctx context.Context, n int64) (*big.Int, error) {
	var priceStr string
	err := a.retry(ctx, "price_for_bytes", func() error {
		return a.getString(ctx, fmt.Sprintf("/price/%d", n), &priceStr)
	})
	if err != nil {
		return nil, err
	}
	price, ok := new(big.Int).SetString(strings.TrimSpace(priceStr), 10)
	if !ok {
		return nil, fmt.Errorf("gateway returned non-numeric price: %q", priceStr)
	}
	return price, nil
}

func (a *Arweave) PostTx(ctx context.Context, header []byte) error {
	return a.retry(ctx, "post_tx", func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/tx", newBytesReader(header))
		if err != nil {
			return errkind.Wrap(errkind.Irrecoverable, err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := a.httpClient.Do(req)
		if err != nil {
			return errkind.Wrap(errkind.Transient, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			body, _ := io.ReadAll(resp.Body)
			return backoff.Permanent(fmt.Errorf("%w: status %d: %s", ErrPermanentRejection, resp.StatusCode, body))
		}
		if resp.StatusCode != http.StatusOK {
			return errkind.Wrap(errkind.Transient, fmt.Errorf("post_tx: unexpected status %d", resp.StatusCode))
		}
		return nil
	})
}

func (a *Arweave) UploadChunks(ctx context.Context, txID string, payload io.Reader, payloadSize int64) error {
	return a.retry(ctx, "upload_chunks", func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/chunk", payload)
		if err != nil {
			return errkind.Wrap(errkind.Irrecoverable, err)
		}
		req.ContentLength = payloadSize

		resp, err := a.httpClient.Do(req)
		if err != nil {
			return errkind.Wrap(errkind.Transient, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return errkind.Wrap(errkind.Transient, fmt.Errorf("upload_chunks: unexpected status %d", resp.StatusCode))
		}
		return nil
	})
}

func (a *Arweave) TxStatus(ctx context.Context, id string) (*TxStatus, error) {
	var result struct {
		NumberOfConfirmations int64 `json:"number_of_confirmations"`
		BlockHeight           int64 `json:"block_height"`
	}

	var statusCode int
	err := a.retry(ctx, "tx_status", func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/tx/"+id+"/status", nil)
		if err != nil {
			return errkind.Wrap(errkind.Irrecoverable, err)
		}
		resp, err := a.httpClient.Do(req)
		if err != nil {
			return errkind.Wrap(errkind.Transient, err)
		}
		defer resp.Body.Close()
		statusCode = resp.StatusCode

		if resp.StatusCode == http.StatusNotFound {
			return nil
		}
		if resp.StatusCode == http.StatusAccepted {
			return nil // pending
		}
		if resp.StatusCode != http.StatusOK {
			return errkind.Wrap(errkind.Transient, fmt.Errorf("tx_status: unexpected status %d", resp.StatusCode))
		}
		return json.NewDecoder(resp.Body).Decode(&result)
	})
	if err != nil {
		return nil, err
	}

	switch statusCode {
	case http.StatusNotFound:
		return &TxStatus{Status: TxNotFound}, nil
	case http.StatusAccepted:
		return &TxStatus{Status: TxPending}, nil
	default:
		return &TxStatus{
			Status:        TxFound,
			Confirmations: result.NumberOfConfirmations,
			BlockHeight:   result.BlockHeight,
		}, nil
	}
}

func (a *Arweave) CurrentBlockHeight(ctx context.Context) (int64, error) {
	return a.blockHeightCell.Get(ctx)
}

func (a *Arweave) fetchCurrentBlockHeight(ctx context.Context) (int64, error) {
	var heightStr string
	err := a.retry(ctx, "current_block_height", func() error {
		return a.getString(ctx, "/height", &heightStr)
	})
	if err != nil {
		return 0, err
	}
	height, err := strconv.ParseInt(strings.TrimSpace(heightStr), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("gateway returned non-numeric height: %q", heightStr)
	}
	return height, nil
}

func (a *Arweave) BlockHeightForTxAnchor(ctx context.Context, anchor string) (int64, error) {
	var result struct {
		Height int64 `json:"height"`
	}
	err := a.retry(ctx, "block_height_for_tx_anchor", func() error {
		return a.getJSON(ctx, "/block/hash/"+anchor, &result)
	})
	if err != nil {
		return 0, err
	}
	return result.Height, nil
}

func (a *Arweave) DataItemsOnGQL(ctx context.Context, ids []string, limit int) ([]GQLItemPresence, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}

	query := gqlQuery(ids, limit)
	var result gqlResponse

	err := a.retry(ctx, "data_items_on_gql", func() error {
		body, err := json.Marshal(map[string]string{"query": query})
		if err != nil {
			return errkind.Wrap(errkind.Irrecoverable, err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.gqlURL, newBytesReader(body))
		if err != nil {
			return errkind.Wrap(errkind.Irrecoverable, err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := a.httpClient.Do(req)
		if err != nil {
			return errkind.Wrap(errkind.Transient, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return errkind.Wrap(errkind.Transient, fmt.Errorf("data_items_on_gql: unexpected status %d", resp.StatusCode))
		}
		return json.NewDecoder(resp.Body).Decode(&result)
	})
	if err != nil {
		return nil, err
	}

	out := make([]GQLItemPresence, 0, len(result.Data.Transactions.Edges))
	for _, edge := range result.Data.Transactions.Edges {
		out = append(out, GQLItemPresence{
			ID:          edge.Node.ID,
			BlockHeight: edge.Node.Block.Height,
			BundledIn:   edge.Node.Bundle.ID,
		})
	}
	return out, nil
}

const rateOracleURL = "https://api.coingecko.com/api/v3/simple/price?ids=arweave&vs_currencies=usd"

// USDToARRate fetches the current USD/AR rate from a public price oracle,
// independent of the Arweave gateway itself - a transient failure here
// must never block a post.
func (a *Arweave) USDToARRate(ctx context.Context) (float64, error) {
	var result struct {
		Arweave struct {
			USD float64 `json:"usd"`
		} `json:"arweave"`
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rateOracleURL, nil)
	if err != nil {
		return 0, errkind.Wrap(errkind.Irrecoverable, err)
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return 0, errkind.Wrap(errkind.Transient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, errkind.Wrap(errkind.Transient, fmt.Errorf("usd_to_ar_rate: unexpected status %d", resp.StatusCode))
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return 0, errkind.Wrap(errkind.Transient, err)
	}
	return result.Arweave.USD, nil
}

func (a *Arweave) Balance(ctx context.Context, walletAddress string) (*big.Int, error) {
	var balStr string
	err := a.retry(ctx, "balance", func() error {
		return a.getString(ctx, "/wallet/"+walletAddress+"/balance", &balStr)
	})
	if err != nil {
		return nil, err
	}
	bal, ok := new(big.Int).SetString(strings.TrimSpace(balStr), 10)
	if !ok {
		return nil, fmt.Errorf("gateway returned non-numeric balance: %q", balStr)
	}
	return bal, nil
}

// retry wraps fn with exponential backoff, recording call duration and
// retry counts under callName. backoff.Permanent errors (e.g. 4xx
// rejections) stop retrying immediately.
func (a *Arweave) retry(ctx context.Context, callName string, fn func() error) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.GatewayRequestDuration, callName)

	attempt := 0
	wrapped := func() error {
		if attempt > 0 {
			metrics.GatewayRetriesTotal.WithLabelValues(callName).Inc()
		}
		attempt++
		return fn()
	}

	policy := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
	return backoff.Retry(wrapped, backoff.WithMaxRetries(policy, 5))
}

func (a *Arweave) getString(ctx context.Context, path string, out *string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+path, nil)
	if err != nil {
		return errkind.Wrap(errkind.Irrecoverable, err)
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return errkind.Wrap(errkind.Transient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errkind.Wrap(errkind.Transient, fmt.Errorf("unexpected status %d for %s", resp.StatusCode, path))
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return errkind.Wrap(errkind.Transient, err)
	}
	*out = string(body)
	return nil
}

func (a *Arweave) getJSON(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+path, nil)
	if err != nil {
		return errkind.Wrap(errkind.Irrecoverable, err)
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return errkind.Wrap(errkind.Transient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errkind.Wrap(errkind.Transient, fmt.Errorf("unexpected status %d for %s", resp.StatusCode, path))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

type gqlResponse struct {
	Data struct {
		Transactions struct {
			Edges []struct {
				Node struct {
					ID    string `json:"id"`
					Block struct {
						Height int64 `json:"height"`
					} `json:"block"`
					Bundle struct {
						ID string `json:"id"`
					} `json:"bundledIn"`
				} `json:"node"`
			} `json:"edges"`
		} `json:"transactions"`
	} `json:"data"`
}

func gqlQuery(ids []string, limit int) string {
	quoted := make([]string, len(ids))
	for i, id := range ids {
		quoted[i] = strconv.Quote(id)
	}
	return fmt.Sprintf(`{
		transactions(ids: [%s], first: %d) {
			edges { node { id block { height } bundledIn { id } } }
		}
	}`, strings.Join(quoted, ","), limit)
}

func newBytesReader(b []byte) io.Reader {
	return strings.NewReader(string(b))
}

var _ Gateway = (*Arweave)(nil)
