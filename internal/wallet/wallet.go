// Package wallet manages the funding wallet: the single secp256k1 keypair
// the prepare worker (C6) signs bundle transactions with and whose balance
// the post worker (C7) checks before posting them. The
// wallet's seed is stored encrypted at rest with Argon2id-derived
// AES-256-GCM, never in plaintext.
package wallet

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"sync"

	"github.com/ar-bundler/bundler/internal/gateway"
	"github.com/ar-bundler/bundler/internal/signer"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/tyler-smith/go-bip39"
)

// FundingWallet holds the decrypted funding key in memory for the lifetime
// of the process. It is never written back to disk in decrypted form.
type FundingWallet struct {
	mu      sync.RWMutex
	privKey *btcec.PrivateKey
}

// GenerateMnemonic generates a new 24-word BIP39 mnemonic for a funding
// wallet seed.
func GenerateMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return "", fmt.Errorf("generate entropy: %w", err)
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return "", fmt.Errorf("generate mnemonic: %w", err)
	}
	return mnemonic, nil
}

// ValidateMnemonic checks if a mnemonic is well-formed BIP39.
func ValidateMnemonic(mnemonic string) bool {
	return bip39.IsMnemonicValid(mnemonic)
}

// NewFromMnemonic derives the funding wallet's secp256k1 key from a BIP39
// mnemonic and optional passphrase. The first 32 bytes of the seed are
// used directly as the private key scalar, since the funding wallet needs
// exactly one key, not a full HD tree.
func NewFromMnemonic(mnemonic, passphrase string) (*FundingWallet, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, fmt.Errorf("invalid mnemonic")
	}
	seed := bip39.NewSeed(mnemonic, passphrase)
	privKey, _ := btcec.PrivKeyFromBytes(seed[:32])
	return &FundingWallet{privKey: privKey}, nil
}

// Address returns the wallet's uncompressed public key, the same bytes
// bundleformat.DataItem.Owner expects for a secp256k1 signer.
func (w *FundingWallet) Address() []byte {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.privKey.PubKey().SerializeUncompressed()
}

// SignBundleTx signs fields with the wallet's private key.
func (w *FundingWallet) SignBundleTx(fields *signer.BundleTxFields) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	fields.Owner = w.privKey.PubKey().SerializeUncompressed()
	signer.SignBundleTx(w.privKey, fields)
}

// Balance fetches the wallet's current on-chain balance via the gateway,
// for the post worker's pre-flight "balance >= reward" check.
func (w *FundingWallet) Balance(ctx context.Context, gw gateway.Gateway) (*big.Int, error) {
	addr := w.Address()
	return gw.Balance(ctx, fmt.Sprintf("%x", addr))
}

// HasSufficientBalance reports whether the wallet's current balance covers
// reward, the pre-post balance check.
func (w *FundingWallet) HasSufficientBalance(ctx context.Context, gw gateway.Gateway, reward *big.Int) (bool, error) {
	balance, err := w.Balance(ctx, gw)
	if err != nil {
		return false, err
	}
	return balance.Cmp(reward) >= 0, nil
}

// LoadOrCreate loads the funding wallet's encrypted seed from seedPath,
// decrypting it with password. If seedPath does not exist, a fresh mnemonic
// is generated, encrypted under password and written to seedPath before the
// wallet is derived from it - a daemon's first run provisions its own
// funding wallet rather than failing closed.
func LoadOrCreate(seedPath, password string) (*FundingWallet, error) {
	encrypted, err := LoadEncryptedSeed(seedPath)
	if os.IsNotExist(err) {
		mnemonic, genErr := GenerateMnemonic()
		if genErr != nil {
			return nil, fmt.Errorf("generate mnemonic: %w", genErr)
		}
		encrypted, genErr = EncryptMnemonic(mnemonic, password)
		if genErr != nil {
			return nil, fmt.Errorf("encrypt mnemonic: %w", genErr)
		}
		if saveErr := SaveEncryptedSeed(encrypted, seedPath); saveErr != nil {
			return nil, fmt.Errorf("persist seed: %w", saveErr)
		}
		return NewFromMnemonic(mnemonic, "")
	}
	if err != nil {
		return nil, fmt.Errorf("load seed: %w", err)
	}

	mnemonic, err := DecryptMnemonic(encrypted, password)
	if err != nil {
		return nil, err
	}
	return NewFromMnemonic(mnemonic, "")
}
