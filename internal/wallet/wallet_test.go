package wallet

import (
	"math/big"
	"path/filepath"
	"testing"

	"github.com/ar-bundler/bundler/internal/signer"
)

func TestGenerateAndValidateMnemonic(t *testing.T) {
	mnemonic, err := GenerateMnemonic()
	if err != nil {
		t.Fatalf("generate mnemonic: %v", err)
	}
	if !ValidateMnemonic(mnemonic) {
		t.Fatalf("want generated mnemonic to validate, got %q", mnemonic)
	}
}

func TestNewFromMnemonicDeterministic(t *testing.T) {
	mnemonic, _ := GenerateMnemonic()
	w1, err := NewFromMnemonic(mnemonic, "")
	if err != nil {
		t.Fatalf("new from mnemonic: %v", err)
	}
	w2, err := NewFromMnemonic(mnemonic, "")
	if err != nil {
		t.Fatalf("new from mnemonic: %v", err)
	}
	if string(w1.Address()) != string(w2.Address()) {
		t.Fatal("want same mnemonic to derive the same address")
	}
}

func TestNewFromMnemonicRejectsInvalid(t *testing.T) {
	if _, err := NewFromMnemonic("not a real mnemonic", ""); err == nil {
		t.Fatal("want error for invalid mnemonic")
	}
}

func TestSignBundleTxSetsOwner(t *testing.T) {
	mnemonic, _ := GenerateMnemonic()
	w, err := NewFromMnemonic(mnemonic, "")
	if err != nil {
		t.Fatalf("new from mnemonic: %v", err)
	}

	fields := &signer.BundleTxFields{
		LastTx:   "anchor",
		DataRoot: []byte{1, 2, 3},
		DataSize: 10,
		Reward:   big.NewInt(42),
	}
	w.SignBundleTx(fields)

	if string(fields.Owner) != string(w.Address()) {
		t.Fatal("want fields.Owner set to the wallet's address")
	}
	ok, err := signer.VerifyBundleTx(fields)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !ok {
		t.Fatal("want valid signature from wallet-signed tx")
	}
}

func TestEncryptDecryptMnemonicRoundtrip(t *testing.T) {
	mnemonic, _ := GenerateMnemonic()
	const password = "correct horse battery staple 42!"

	encrypted, err := EncryptMnemonic(mnemonic, password)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	decrypted, err := DecryptMnemonic(encrypted, password)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if decrypted != mnemonic {
		t.Fatal("want decrypted mnemonic to match original")
	}
}

func TestDecryptMnemonicWrongPasswordFails(t *testing.T) {
	mnemonic, _ := GenerateMnemonic()
	encrypted, err := EncryptMnemonic(mnemonic, "correct horse battery staple 42!")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, err := DecryptMnemonic(encrypted, "wrong password entirely!"); err == nil {
		t.Fatal("want error for wrong password")
	}
}

func TestSaveAndLoadEncryptedSeedRoundtrip(t *testing.T) {
	mnemonic, _ := GenerateMnemonic()
	const password = "correct horse battery staple 42!"

	encrypted, err := EncryptMnemonic(mnemonic, password)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	path := filepath.Join(t.TempDir(), "seed.json")
	if err := SaveEncryptedSeed(encrypted, path); err != nil {
		t.Fatalf("save: %v", err)
	}

	w, err := LoadOrCreate(path, password)
	if err != nil {
		t.Fatalf("load funding wallet: %v", err)
	}
	if len(w.Address()) == 0 {
		t.Fatal("want non-empty address after loading wallet")
	}
}

func TestLoadOrCreateGeneratesSeedOnFirstRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "subdir", "seed.json")
	const password = "correct horse battery staple 42!"

	w1, err := LoadOrCreate(path, password)
	if err != nil {
		t.Fatalf("load or create: %v", err)
	}

	w2, err := LoadOrCreate(path, password)
	if err != nil {
		t.Fatalf("second load or create: %v", err)
	}
	if string(w1.Address()) != string(w2.Address()) {
		t.Fatal("want a second LoadOrCreate against the same path to derive the same wallet")
	}
}
