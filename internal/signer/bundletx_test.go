package signer

import (
	"math/big"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
)

func TestSignAndVerifyBundleTx(t *testing.T) {
	privKey, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("new private key: %v", err)
	}

	fields := &BundleTxFields{
		Owner:    privKey.PubKey().SerializeUncompressed(),
		LastTx:   "some-anchor-value",
		DataRoot: []byte{0xDE, 0xAD, 0xBE, 0xEF},
		DataSize: 4096,
		Reward:   big.NewInt(123456789),
		Tags:     [][2]string{{"Bundle-Format", "binary"}, {"Bundle-Version", "2.0.0"}},
	}

	SignBundleTx(privKey, fields)
	if len(fields.Signature) == 0 {
		t.Fatal("want non-empty signature")
	}

	ok, err := VerifyBundleTx(fields)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !ok {
		t.Fatal("want valid bundle tx signature")
	}
}

func TestVerifyBundleTxRejectsTamperedReward(t *testing.T) {
	privKey, _ := btcec.NewPrivateKey()
	fields := &BundleTxFields{
		Owner:    privKey.PubKey().SerializeUncompressed(),
		LastTx:   "anchor",
		DataRoot: []byte{1, 2, 3},
		DataSize: 10,
		Reward:   big.NewInt(100),
	}
	SignBundleTx(privKey, fields)

	fields.Reward = big.NewInt(999999)
	ok, _ := VerifyBundleTx(fields)
	if ok {
		t.Fatal("want verification failure after tampering with reward")
	}
}

func TestSignatureBaseDeterministic(t *testing.T) {
	fields := &BundleTxFields{
		Owner:    []byte{1, 2, 3},
		LastTx:   "x",
		DataRoot: []byte{4, 5, 6},
		DataSize: 7,
		Reward:   big.NewInt(8),
		Tags:     [][2]string{{"a", "b"}},
	}
	b1 := fields.SignatureBase()
	b2 := fields.SignatureBase()
	if string(b1) != string(b2) {
		t.Fatal("want deterministic signature base")
	}
}
