package worker

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"math/big"
	"testing"
	"time"

	"github.com/ar-bundler/bundler/internal/bundleformat"
	"github.com/ar-bundler/bundler/internal/config"
	"github.com/ar-bundler/bundler/internal/objectstore"
	"github.com/ar-bundler/bundler/internal/queue"
	"github.com/ar-bundler/bundler/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.New(&store.Config{DataDir: t.TempDir(), RetryLimit: 3})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func newTestObjectStore(t *testing.T) objectstore.ObjectStore {
	t.Helper()
	os, err := objectstore.NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("new object store: %v", err)
	}
	return os
}

// newTestDispatcher returns a Dispatcher and the backend it wraps, so tests
// can assert on enqueued messages directly.
func newTestDispatcher(t *testing.T) (*queue.Dispatcher, queue.Backend) {
	t.Helper()
	st := newTestStore(t)
	b, err := queue.NewSQLiteBackend(st.DB())
	if err != nil {
		t.Fatalf("new sqlite queue backend: %v", err)
	}
	return queue.NewDispatcher(b, config.Default().Queues), b
}

// seedDataItem stages a valid, signed Ed25519 data item in both obj (raw
// bytes under the data item bucket) and st (a new_data_item row), and
// returns its id and declared byte count.
func seedDataItem(t *testing.T, st *store.Store, obj objectstore.ObjectStore, bucket string, payload []byte, uploadedDate time.Time) (string, int64) {
	t.Helper()

	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	item := &bundleformat.DataItem{
		SignatureType: bundleformat.SignatureTypeEd25519,
		Owner:         []byte(pub),
		Tags:          []bundleformat.Tag{{Name: "Content-Type", Value: "application/octet-stream"}},
		Payload:       payload,
	}
	item.Signature = ed25519.Sign(priv, signatureBaseFor(item))

	raw, err := item.Encode()
	if err != nil {
		t.Fatalf("encode item: %v", err)
	}

	id := item.ID()
	key := bucket + "/" + id
	if err := obj.Put(context.Background(), key, bytes.NewReader(raw), "application/octet-stream"); err != nil {
		t.Fatalf("put raw item: %v", err)
	}

	dbItem := &store.DataItem{
		DataItemID:           id,
		OwnerPublicKey:       item.Owner,
		OwnerAddress:         id,
		SignatureType:        int(bundleformat.SignatureTypeEd25519),
		ByteCount:            int64(len(raw)),
		PayloadContentType:   "application/octet-stream",
		AssessedWinstonPrice: big.NewInt(0),
		UploadedDate:         uploadedDate,
	}
	if err := st.InsertNewDataItem(dbItem); err != nil {
		t.Fatalf("insert new data item: %v", err)
	}

	return id, int64(len(raw))
}

// signatureBaseFor mirrors internal/signer's unexported signatureBase
// computation (owner + padded target/anchor + tags + payload) so tests can
// build a validly-signed item; signatureBase itself is unexported and so
// cannot be called from this package.
func signatureBaseFor(item *bundleformat.DataItem) []byte {
	tagBytes, err := bundleformat.EncodeTags(item.Tags)
	if err != nil {
		panic(err)
	}
	var buf []byte
	buf = append(buf, item.Owner...)
	buf = append(buf, pad32(item.Target)...)
	buf = append(buf, pad32(item.Anchor)...)
	buf = append(buf, tagBytes...)
	buf = append(buf, item.Payload...)
	return buf
}

func pad32(b []byte) []byte {
	out := make([]byte, 32)
	copy(out, b)
	return out
}
